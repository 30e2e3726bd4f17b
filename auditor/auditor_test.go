package auditor_test

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/novifinancial/akd/auditor"
	"github.com/novifinancial/akd/azks"
)

func fatalIfErr(t *testing.T, err error) {
	if err != nil {
		t.Helper()
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

func TestVerifyAcceptsGenuineHistory(t *testing.T) {
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	fatalIfErr(t, err)

	hashes := make([]azks.Digest, 0, 5)
	h, err := tree.GetRootHash(ctx, a)
	fatalIfErr(t, err)
	hashes = append(hashes, h)

	for epoch := 0; epoch < 4; epoch++ {
		leaves := make([]azks.LeafInsert, 10)
		for i := range leaves {
			leaves[i] = randLeaf()
		}
		fatalIfErr(t, tree.BatchInsertLeaves(ctx, a, leaves))
		h, err := tree.GetRootHash(ctx, a)
		fatalIfErr(t, err)
		hashes = append(hashes, h)
	}

	proof, err := tree.GenerateAppendOnlyProof(ctx, a, 0, a.LatestEpoch)
	fatalIfErr(t, err)

	if err := auditor.Verify(context.Background(), hashes, proof); err != nil {
		t.Fatalf("Verify rejected a genuine history: %v", err)
	}
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	fatalIfErr(t, err)

	hashes := make([]azks.Digest, 0, 3)
	h, err := tree.GetRootHash(ctx, a)
	fatalIfErr(t, err)
	hashes = append(hashes, h)

	for epoch := 0; epoch < 2; epoch++ {
		leaves := make([]azks.LeafInsert, 5)
		for i := range leaves {
			leaves[i] = randLeaf()
		}
		fatalIfErr(t, tree.BatchInsertLeaves(ctx, a, leaves))
		h, err := tree.GetRootHash(ctx, a)
		fatalIfErr(t, err)
		hashes = append(hashes, h)
	}

	proof, err := tree.GenerateAppendOnlyProof(ctx, a, 0, a.LatestEpoch)
	fatalIfErr(t, err)

	hashes[len(hashes)-1][0] ^= 0xFF // corrupt the claimed final root hash

	if err := auditor.Verify(context.Background(), hashes, proof); err == nil {
		t.Fatal("Verify accepted a tampered final hash")
	}
}

func TestVerifyRejectsMissingInsertion(t *testing.T) {
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	fatalIfErr(t, err)

	hashes := make([]azks.Digest, 0, 3)
	h, err := tree.GetRootHash(ctx, a)
	fatalIfErr(t, err)
	hashes = append(hashes, h)

	for epoch := 0; epoch < 2; epoch++ {
		leaves := make([]azks.LeafInsert, 5)
		for i := range leaves {
			leaves[i] = randLeaf()
		}
		fatalIfErr(t, tree.BatchInsertLeaves(ctx, a, leaves))
		h, err := tree.GetRootHash(ctx, a)
		fatalIfErr(t, err)
		hashes = append(hashes, h)
	}

	proof, err := tree.GenerateAppendOnlyProof(ctx, a, 0, a.LatestEpoch)
	fatalIfErr(t, err)

	// Drop a leaf an auditor should have been told about.
	if len(proof.Proofs[1].Inserted) == 0 {
		t.Fatal("test setup: expected inserted leaves in the second proof step")
	}
	proof.Proofs[1].Inserted = proof.Proofs[1].Inserted[1:]

	if err := auditor.Verify(context.Background(), hashes, proof); err == nil {
		t.Fatal("Verify accepted a proof that dropped an inserted leaf")
	}
}
