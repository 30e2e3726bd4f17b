package directory_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/novifinancial/akd/azks"
	"github.com/novifinancial/akd/directory"
	"github.com/novifinancial/akd/quorum"
	"github.com/novifinancial/akd/vrf"
)

func fatalIfErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newTestDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	ctx := context.Background()
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	v := vrf.NewStaticKeyVRF([]byte("test directory secret, not for production"))
	_, key, err := ed25519.GenerateKey(nil)
	fatalIfErr(t, err)
	signer, err := quorum.NewCommitmentSigner("directory.example", key)
	fatalIfErr(t, err)
	d, err := directory.New(ctx, tree, v, signer)
	fatalIfErr(t, err)
	return d
}

func TestUpdateAdvancesEpochAndChangesRoot(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	before, err := d.Tree.GetRootHash(ctx, d.Azks)
	fatalIfErr(t, err)

	commitment, cosig, err := d.Update(ctx, []directory.Entry{
		{Username: "alice@example.com", Version: 1, Value: azks.Digest{1, 2, 3}},
		{Username: "bob@example.com", Version: 1, Value: azks.Digest{4, 5, 6}},
	})
	fatalIfErr(t, err)
	if cosig != nil {
		t.Fatal("expected no cosignature without a configured Witness")
	}
	if commitment.Epoch != 1 {
		t.Fatalf("Epoch = %d, want 1", commitment.Epoch)
	}
	if commitment.PrevRoot != before {
		t.Fatal("commitment PrevRoot does not match the pre-update root hash")
	}

	after, err := d.Tree.GetRootHash(ctx, d.Azks)
	fatalIfErr(t, err)
	if commitment.CurrRoot != after {
		t.Fatal("commitment CurrRoot does not match the post-update root hash")
	}
	if before == after {
		t.Fatal("root hash did not change after Update")
	}
}

func TestGenerateAppendOnlyProofRejectsBackwardsRange(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)
	_, _, err := d.Update(ctx, []directory.Entry{{Username: "alice@example.com", Version: 1, Value: azks.Digest{1}}})
	fatalIfErr(t, err)

	if _, err := d.GenerateAppendOnlyProof(ctx, 1, 1); err != directory.ErrAuditProofStartEpLess {
		t.Fatalf("expected ErrAuditProofStartEpLess for equal epochs, got %v", err)
	}
	if _, err := d.GenerateAppendOnlyProof(ctx, 2, 1); err != directory.ErrAuditProofStartEpLess {
		t.Fatalf("expected ErrAuditProofStartEpLess for startEpoch > endEpoch, got %v", err)
	}
}

func TestAuditRejectsBackwardsRange(t *testing.T) {
	if err := directory.Audit(context.Background(), nil, nil, 5, 5); err != directory.ErrAuditProofStartEpLess {
		t.Fatalf("expected ErrAuditProofStartEpLess, got %v", err)
	}
}

func TestMultipleUpdatesProduceAppendOnlyProof(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	hashes := make([]azks.Digest, 0, 3)
	h, err := d.Tree.GetRootHash(ctx, d.Azks)
	fatalIfErr(t, err)
	hashes = append(hashes, h)

	for i := 0; i < 2; i++ {
		_, _, err := d.Update(ctx, []directory.Entry{
			{Username: "alice@example.com", Version: uint64(i + 1), Value: azks.Digest{byte(i)}},
		})
		fatalIfErr(t, err)
		h, err := d.Tree.GetRootHash(ctx, d.Azks)
		fatalIfErr(t, err)
		hashes = append(hashes, h)
	}

	proof, err := d.GenerateAppendOnlyProof(ctx, 0, d.Azks.LatestEpoch)
	fatalIfErr(t, err)
	fatalIfErr(t, directory.Audit(ctx, hashes, proof, 0, d.Azks.LatestEpoch))
}
