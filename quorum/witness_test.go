package quorum

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"

	"golang.org/x/mod/sumdb/note"

	"github.com/novifinancial/akd/azks"
)

func fatalIfErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func randLeaf() azks.LeafInsert {
	var label, value [32]byte
	for i := range label {
		label[i] = byte(rand.IntN(256))
		value[i] = byte(rand.IntN(256))
	}
	l, err := azks.NewNodeLabel(256, label)
	if err != nil {
		panic(err)
	}
	return azks.LeafInsert{Label: l, Value: value}
}

// advance inserts a batch of random leaves into tree/a and returns a
// signed commitment request body for the resulting epoch step, along
// with the commitment itself.
func advance(t *testing.T, ctx context.Context, tree *azks.Tree, a *azks.Azks, dirKey ed25519.PrivateKey) (body []byte, c EpochCommitment) {
	t.Helper()
	prevRoot, err := tree.GetRootHash(ctx, a)
	fatalIfErr(t, err)

	leaves := make([]azks.LeafInsert, 5)
	for i := range leaves {
		leaves[i] = randLeaf()
	}
	fatalIfErr(t, tree.BatchInsertLeaves(ctx, a, leaves))

	currRoot, err := tree.GetRootHash(ctx, a)
	fatalIfErr(t, err)

	proof, err := tree.GenerateAppendOnlyProof(ctx, a, a.LatestEpoch-1, a.LatestEpoch)
	fatalIfErr(t, err)
	proofBytes, err := proof.MarshalBinary()
	fatalIfErr(t, err)

	c = EpochCommitment{AzksID: a.AzksID, Epoch: a.LatestEpoch, PrevRoot: prevRoot, CurrRoot: currRoot}

	dirSigner, err := NewCommitmentSigner("directory.example", dirKey)
	fatalIfErr(t, err)
	signed, err := note.Sign(&note.Note{Text: c.String()}, dirSigner)
	fatalIfErr(t, err)

	body = []byte(fmt.Sprintf("proof %s\n\n%s", base64.StdEncoding.EncodeToString(proofBytes), signed))
	return body, c
}

func newTestWitness(t *testing.T) (*Witness, ed25519.PrivateKey) {
	t.Helper()
	_, witnessKey, err := ed25519.GenerateKey(nil)
	fatalIfErr(t, err)
	w, err := NewWitness(":memory:", "witness.example", witnessKey, discardLogger(t))
	fatalIfErr(t, err)
	t.Cleanup(func() { w.Close() })
	return w, witnessKey
}

func TestWitnessAcceptsGenuineHistory(t *testing.T) {
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	fatalIfErr(t, err)

	dirPub, dirKey, err := ed25519.GenerateKey(nil)
	fatalIfErr(t, err)

	w, _ := newTestWitness(t)
	dirVerifier, err := NewCommitmentSigner("directory.example", dirKey)
	fatalIfErr(t, err)
	fatalIfErr(t, w.RegisterKey(a.AzksID, dirVerifier.Verifier().String()))
	if len(dirPub) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key size: %d", len(dirPub))
	}

	for i := 0; i < 3; i++ {
		body, _ := advance(t, ctx, tree, a, dirKey)
		if _, err := w.processAddCommitmentRequest(ctx, body); err != nil {
			t.Fatalf("epoch %d: witness rejected a genuine commitment: %v", i, err)
		}
	}
}

func TestWitnessRejectsBadProof(t *testing.T) {
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	fatalIfErr(t, err)

	_, dirSecret, err := ed25519.GenerateKey(nil)
	fatalIfErr(t, err)

	w, _ := newTestWitness(t)
	dirSigner, err := NewCommitmentSigner("directory.example", dirSecret)
	fatalIfErr(t, err)
	fatalIfErr(t, w.RegisterKey(a.AzksID, dirSigner.Verifier().String()))

	body, c := advance(t, ctx, tree, a, dirSecret)
	if _, err := w.processAddCommitmentRequest(ctx, body); err != nil {
		t.Fatalf("first commitment should be accepted unconditionally: %v", err)
	}

	// A commitment for the next epoch transition, whose PrevRoot is the root
	// the witness already cosigned but whose CurrRoot is tampered, must be
	// rejected by the auditor re-check.
	c.PrevRoot = c.CurrRoot
	c.CurrRoot[0] ^= 0xFF
	c.Epoch++
	signed, err := note.Sign(&note.Note{Text: c.String()}, dirSigner)
	fatalIfErr(t, err)

	leaves := make([]azks.LeafInsert, 2)
	for i := range leaves {
		leaves[i] = randLeaf()
	}
	fatalIfErr(t, tree.BatchInsertLeaves(ctx, a, leaves))
	proof, err := tree.GenerateAppendOnlyProof(ctx, a, a.LatestEpoch-1, a.LatestEpoch)
	fatalIfErr(t, err)
	proofBytes, err := proof.MarshalBinary()
	fatalIfErr(t, err)

	badBody := []byte(fmt.Sprintf("proof %s\n\n%s", base64.StdEncoding.EncodeToString(proofBytes), signed))
	if _, err := w.processAddCommitmentRequest(ctx, badBody); err == nil {
		t.Fatal("witness accepted a commitment whose proof did not verify")
	}
}

func TestWitnessRejectsUnknownSigner(t *testing.T) {
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	fatalIfErr(t, err)

	_, dirKey, err := ed25519.GenerateKey(nil)
	fatalIfErr(t, err)

	w, _ := newTestWitness(t)
	// Deliberately do not register the directory's key.

	body, _ := advance(t, ctx, tree, a, dirKey)
	if _, err := w.processAddCommitmentRequest(ctx, body); err != errUnknownDirectory {
		t.Fatalf("expected errUnknownDirectory, got %v", err)
	}
}

func TestWitnessRace(t *testing.T) {
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	fatalIfErr(t, err)

	_, dirKey, err := ed25519.GenerateKey(nil)
	fatalIfErr(t, err)

	w, _ := newTestWitness(t)
	dirSigner, err := NewCommitmentSigner("directory.example", dirKey)
	fatalIfErr(t, err)
	fatalIfErr(t, w.RegisterKey(a.AzksID, dirSigner.Verifier().String()))

	firstBody, _ := advance(t, ctx, tree, a, dirKey)
	if _, err := w.processAddCommitmentRequest(ctx, firstBody); err != nil {
		t.Fatal(err)
	}

	secondBody, _ := advance(t, ctx, tree, a, dirKey)

	var firstHalf, secondHalf, final sync.Mutex
	firstHalf.Lock()
	secondHalf.Lock()
	final.Lock()
	w.testingOnlyStallRequest = func() {
		firstHalf.Unlock()
		secondHalf.Lock()
	}

	go func() {
		_, err := w.processAddCommitmentRequest(ctx, secondBody)
		if _, ok := err.(*conflictError); !ok {
			t.Errorf("expected a conflict on the racing duplicate submission, got %v", err)
		}
		final.Unlock()
	}()

	firstHalf.Lock()
	w.testingOnlyStallRequest = nil
	if _, err := w.processAddCommitmentRequest(ctx, secondBody); err != nil {
		t.Errorf("first submitter of epoch %d should succeed: %v", a.LatestEpoch, err)
	}

	secondHalf.Unlock()
	final.Lock()
}

func discardLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
