// Package auditor independently verifies append-only proofs: rather than
// trusting any bookkeeping handed to it by the directory under audit, it
// rebuilds the relevant slice of the trie from scratch in an ephemeral,
// in-memory AZKS and compares the root hashes that result.
package auditor

import (
	"context"
	"fmt"

	"github.com/novifinancial/akd/azks"
)

// Verify checks that proof attests to a strictly append-only history
// between the epochs it covers: hashes[i] must be the directory's
// committed root hash at proof.Epochs[i], and hashes[i+1] at
// proof.Epochs[i]+1.
func Verify(ctx context.Context, hashes []azks.Digest, proof *azks.AppendOnlyProof) error {
	if len(hashes) != len(proof.Proofs)+1 {
		return fmt.Errorf("auditor: got %d hashes for %d proof steps, want %d", len(hashes), len(proof.Proofs), len(proof.Proofs)+1)
	}
	if len(proof.Proofs) != len(proof.Epochs) {
		return fmt.Errorf("auditor: proof has %d steps but %d epochs", len(proof.Proofs), len(proof.Epochs))
	}
	for i := 0; i < len(proof.Proofs); i++ {
		if err := verifyConsecutiveAppendOnly(ctx, &proof.Proofs[i], hashes[i], hashes[i+1], proof.Epochs[i]+1); err != nil {
			return err
		}
	}
	return nil
}

// verifyConsecutiveAppendOnly checks a single adjacent-epoch step: a fresh
// AZKS that has replayed only the Unchanged leaves must already hash to
// startHash, and the same AZKS after also replaying the Inserted leaves
// must hash to endHash.
//
// The AZKS's latest_epoch is reset to epoch-1 immediately after the first
// replay, before the second — rather than trusting whatever epoch the
// first BatchInsertLeavesAppendOnly call naturally advanced to. This
// mirrors the original implementation's verify_consecutive_append_only
// exactly: it looks redundant for a single proof step in isolation, but it
// is what pins the Inserted leaves' birth epoch to the proof's own epoch
// rather than to however many batches this particular verification
// happened to run.
func verifyConsecutiveAppendOnly(ctx context.Context, proof *azks.SingleAppendOnlyProof, startHash, endHash azks.Digest, epoch uint64) error {
	tree := azks.NewTree(azks.NewMemoryStorage(), azks.NewBLAKE3Hasher())
	a, err := tree.New(ctx)
	if err != nil {
		return err
	}

	if err := tree.BatchInsertLeavesAppendOnly(ctx, a, toLeaves(proof.Unchanged)); err != nil {
		return err
	}
	startComputed, err := tree.GetRootHash(ctx, a)
	if err != nil {
		return err
	}
	verified := startComputed == startHash

	a.LatestEpoch = epoch - 1
	if err := tree.BatchInsertLeavesAppendOnly(ctx, a, toLeaves(proof.Inserted)); err != nil {
		return err
	}
	endComputed, err := tree.GetRootHash(ctx, a)
	if err != nil {
		return err
	}
	verified = verified && endComputed == endHash

	if !verified {
		return azks.ErrVerifyAppendOnlyProof
	}
	return nil
}

func toLeaves(refs []azks.NodeRef) []azks.LeafInsert {
	leaves := make([]azks.LeafInsert, len(refs))
	for i, r := range refs {
		leaves[i] = azks.LeafInsert{Label: r.Label, Value: r.Hash}
	}
	return leaves
}
