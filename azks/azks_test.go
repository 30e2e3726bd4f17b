package azks_test

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/novifinancial/akd/azks"
	"github.com/novifinancial/akd/azks/azkssqlite"
)

func testAllStorage(t *testing.T, f func(t *testing.T, newStorage func(t *testing.T) azks.Storage)) {
	t.Run("memory", func(t *testing.T) {
		f(t, func(t *testing.T) azks.Storage {
			return azks.NewMemoryStorage()
		})
	})
	t.Run("sqlite", func(t *testing.T) {
		f(t, func(t *testing.T) azks.Storage {
			dbPath := filepath.Join(t.TempDir(), "azks.db")
			s, err := azkssqlite.NewSQLiteStorage(context.Background(), dbPath)
			fatalIfErr(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		})
	})
}

func fatalIfErr(t *testing.T, err error) {
	if err != nil {
		t.Helper()
		t.Fatal(err)
	}
}

func newTree(t *testing.T, newStorage func(t *testing.T) azks.Storage) (*azks.Tree, *azks.Azks) {
	t.Helper()
	store := newStorage(t)
	tree := azks.NewTree(store, azks.NewBLAKE3Hasher())
	a, err := tree.New(context.Background())
	fatalIfErr(t, err)
	return tree, a
}

func randLeaf() azks.LeafInsert {
	var label [32]byte
	var value [32]byte
	for i := range label {
		label[i] = byte(rand.IntN(256))
	}
	for i := range value {
		value[i] = byte(rand.IntN(256))
	}
	l, err := azks.NewNodeLabel(256, label)
	if err != nil {
		panic(err)
	}
	return azks.LeafInsert{Label: l, Value: value}
}

func TestEmptyRootHash(t *testing.T) {
	testAllStorage(t, testEmptyRootHash)
}
func testEmptyRootHash(t *testing.T, newStorage func(t *testing.T) azks.Storage) {
	tree, a := newTree(t, newStorage)
	h1, err := tree.GetRootHash(context.Background(), a)
	fatalIfErr(t, err)
	h2, err := tree.GetRootHash(context.Background(), a)
	fatalIfErr(t, err)
	if h1 != h2 {
		t.Fatalf("GetRootHash is not deterministic on an unchanged tree")
	}
}

func TestSingleLeafChangesRootHash(t *testing.T) {
	testAllStorage(t, testSingleLeafChangesRootHash)
}
func testSingleLeafChangesRootHash(t *testing.T, newStorage func(t *testing.T) azks.Storage) {
	tree, a := newTree(t, newStorage)
	before, err := tree.GetRootHash(context.Background(), a)
	fatalIfErr(t, err)

	fatalIfErr(t, tree.BatchInsertLeaves(context.Background(), a, []azks.LeafInsert{randLeaf()}))

	after, err := tree.GetRootHash(context.Background(), a)
	fatalIfErr(t, err)
	if before == after {
		t.Fatalf("root hash did not change after inserting a leaf")
	}
	if a.LatestEpoch != 1 {
		t.Fatalf("got latest epoch %d, want 1", a.LatestEpoch)
	}
}

// TestBatchInsertOrderIndependence checks that a single batch's root hash
// does not depend on the order its leaves are given in: the batch is a set.
func TestBatchInsertOrderIndependence(t *testing.T) {
	testAllStorage(t, testBatchInsertOrderIndependence)
}
func testBatchInsertOrderIndependence(t *testing.T, newStorage func(t *testing.T) azks.Storage) {
	leaves := make([]azks.LeafInsert, 200)
	for i := range leaves {
		leaves[i] = randLeaf()
	}

	tree1, a1 := newTree(t, newStorage)
	fatalIfErr(t, tree1.BatchInsertLeaves(context.Background(), a1, leaves))
	h1, err := tree1.GetRootHash(context.Background(), a1)
	fatalIfErr(t, err)

	shuffled := append([]azks.LeafInsert(nil), leaves...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	tree2, a2 := newTree(t, newStorage)
	fatalIfErr(t, tree2.BatchInsertLeaves(context.Background(), a2, shuffled))
	h2, err := tree2.GetRootHash(context.Background(), a2)
	fatalIfErr(t, err)

	if h1 != h2 {
		t.Fatalf("root hash depends on leaf order within a batch: %x != %x", h1, h2)
	}
}

// TestManyLeavesNoErrors exercises the split and descent code paths by
// inserting enough leaves, across several epochs, that collisions on
// leading bits are routine.
func TestManyLeavesNoErrors(t *testing.T) {
	testAllStorage(t, testManyLeavesNoErrors)
}
func testManyLeavesNoErrors(t *testing.T, newStorage func(t *testing.T) azks.Storage) {
	tree, a := newTree(t, newStorage)
	for epoch := 0; epoch < 10; epoch++ {
		leaves := make([]azks.LeafInsert, 50)
		for i := range leaves {
			leaves[i] = randLeaf()
		}
		fatalIfErr(t, tree.BatchInsertLeaves(context.Background(), a, leaves))
	}
	if a.LatestEpoch != 10 {
		t.Fatalf("got latest epoch %d, want 10", a.LatestEpoch)
	}
	if _, err := tree.GetRootHash(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

// TestAppendOnlyProofStructure checks the shape of a generated proof: every
// leaf present before startEpoch shows up as Unchanged in every pair, and
// every leaf born at epoch e+1 shows up as Inserted in (only) the e-th pair.
func TestAppendOnlyProofStructure(t *testing.T) {
	testAllStorage(t, testAppendOnlyProofStructure)
}
func testAppendOnlyProofStructure(t *testing.T, newStorage func(t *testing.T) azks.Storage) {
	tree, a := newTree(t, newStorage)

	for epoch := 0; epoch < 4; epoch++ {
		leaves := make([]azks.LeafInsert, 20)
		for i := range leaves {
			leaves[i] = randLeaf()
		}
		fatalIfErr(t, tree.BatchInsertLeaves(context.Background(), a, leaves))
	}

	proof, err := tree.GenerateAppendOnlyProof(context.Background(), a, 0, a.LatestEpoch)
	fatalIfErr(t, err)

	if len(proof.Proofs) != int(a.LatestEpoch) || len(proof.Epochs) != int(a.LatestEpoch) {
		t.Fatalf("got %d proofs for %d epochs, want %d", len(proof.Proofs), a.LatestEpoch, a.LatestEpoch)
	}
	for i, e := range proof.Epochs {
		if e != uint64(i) {
			t.Fatalf("proof %d starts at epoch %d, want %d", i, e, i)
		}
		if i > 0 {
			prevTotal := len(proof.Proofs[i-1].Unchanged) + len(proof.Proofs[i-1].Inserted)
			thisUnchanged := len(proof.Proofs[i].Unchanged)
			if thisUnchanged != prevTotal {
				t.Fatalf("pair %d has %d unchanged leaves, want %d (everything known by the previous epoch)", i, thisUnchanged, prevTotal)
			}
		}
	}

	b, err := proof.MarshalBinary()
	fatalIfErr(t, err)
	var decoded azks.AppendOnlyProof
	fatalIfErr(t, decoded.UnmarshalBinary(b))
	if len(decoded.Epochs) != len(proof.Epochs) {
		t.Fatalf("proof did not round-trip through binary marshaling")
	}
}
