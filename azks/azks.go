package azks

import (
	"context"
	"crypto/rand"
	"fmt"
)

// Azks is the append-only state a directory tracks across epochs: the
// identity of the trie, where its root lives, how many nodes it has
// allocated, and the most recent epoch it has committed.
type Azks struct {
	AzksID       [32]byte
	RootLocation uint64
	NumNodes     uint64
	LatestEpoch  uint64
}

// Tree bundles the storage and hashing capabilities the core algorithm is
// built against (spec §4.5/§6.1), the way the teacher's mpt.Tree does.
// A Tree does no locking of its own: callers must not run two
// BatchInsertLeaves calls against the same *Azks concurrently.
type Tree struct {
	Storage Storage
	Hasher  Hasher
}

// NewTree constructs a Tree over the given Storage and Hasher.
func NewTree(storage Storage, hasher Hasher) *Tree {
	return &Tree{Storage: storage, Hasher: hasher}
}

// New allocates a fresh, empty AZKS: a random 32-byte id and an empty root
// at epoch 0, persisted to storage.
func (t *Tree) New(ctx context.Context) (*Azks, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("azks: generating azks id: %w", err)
	}

	root := &HistoryTreeNode{
		AzksID:   id,
		Label:    RootLabel,
		Location: 0,
		Epochs:   []uint64{0},
		NodeType: RootNode,
	}
	rootState := newNodeState(t.Hasher)
	key := NodeStateKey{AzksID: id, Label: RootLabel, Epoch: 0}

	a := &Azks{AzksID: id, RootLocation: 0, NumNodes: 1, LatestEpoch: 0}
	if err := t.Storage.CommitBatch(ctx,
		map[uint64]*HistoryTreeNode{0: root},
		map[NodeStateKey]*HistoryNodeState{key: &rootState},
		a,
	); err != nil {
		return nil, err
	}
	return a, nil
}

// LeafInsert is one (label, value) pair to insert into an AZKS. Value is
// the raw leaf value before epoch binding; BatchInsertLeaves binds it.
type LeafInsert struct {
	Label NodeLabel
	Value Digest
}

// BatchInsertLeaves advances the AZKS by exactly one epoch, inserting every
// leaf in leaves, epoch-binding each value with MergeWithInt along the way
// (spec §4.2's append-only discipline). a is updated in place to reflect
// the new epoch and node count.
func (t *Tree) BatchInsertLeaves(ctx context.Context, a *Azks, leaves []LeafInsert) error {
	epoch := a.LatestEpoch + 1
	bound := make([]LeafInsert, len(leaves))
	for i, l := range leaves {
		bound[i] = LeafInsert{Label: l.Label, Value: t.Hasher.MergeWithInt(l.Value, epoch)}
	}
	return t.batchInsertLeavesHelper(ctx, a, bound, false)
}

// BatchInsertLeavesAppendOnly inserts leaves whose values are already
// epoch-bound, without applying any further binding. It is how the auditor
// replays the Unchanged and Inserted sides of a SingleAppendOnlyProof into
// an ephemeral AZKS it can compute root hashes over (spec §4.4).
func (t *Tree) BatchInsertLeavesAppendOnly(ctx context.Context, a *Azks, leaves []LeafInsert) error {
	return t.batchInsertLeavesHelper(ctx, a, leaves, true)
}

// batchInsertLeavesHelper runs the two-pass batch insertion algorithm of
// spec §4.3: every leaf is inserted structurally first (hashing deferred),
// then hashes are recomputed bottom-up once for every node the batch
// touched, and the whole changeset is committed atomically.
//
// appendOnlyUsage documents whether the caller has already epoch-bound its
// leaf values (true for the auditor's ephemeral replay, false when called
// through BatchInsertLeaves, which performs the binding itself).
func (t *Tree) batchInsertLeavesHelper(ctx context.Context, a *Azks, leaves []LeafInsert, appendOnlyUsage bool) error {
	_ = appendOnlyUsage
	epoch := a.LatestEpoch + 1

	// next accumulates the new epoch and node count in a copy distinct from
	// the caller's a, so a failed commit leaves a observing exactly the
	// last successfully persisted state instead of an epoch that never
	// made it to storage.
	next := *a
	next.LatestEpoch = epoch

	b := &batch{
		ctx:      ctx,
		storage:  t.Storage,
		hasher:   t.Hasher,
		azksID:   a.AzksID,
		nodes:    make(map[uint64]*HistoryTreeNode),
		states:   make(map[NodeStateKey]*HistoryNodeState),
		numNodes: &next.NumNodes,
	}

	for _, l := range leaves {
		leaf := b.newLeaf(l.Label, l.Value, epoch)
		if err := b.insertSingleLeaf(a.RootLocation, leaf, epoch, false); err != nil {
			return err
		}
	}

	if err := b.recomputeHashes(epoch); err != nil {
		return err
	}

	if err := t.Storage.CommitBatch(ctx, b.nodes, b.states, &next); err != nil {
		return err
	}

	*a = next
	return nil
}

// readOnlyBatch is a batch with no pending allocations, used to walk an
// AZKS without mutating it (GetRootHash, GenerateAppendOnlyProof).
func (t *Tree) readOnlyBatch(ctx context.Context, azksID [32]byte) *batch {
	return &batch{
		ctx:     ctx,
		storage: t.Storage,
		hasher:  t.Hasher,
		azksID:  azksID,
		nodes:   make(map[uint64]*HistoryTreeNode),
		states:  make(map[NodeStateKey]*HistoryNodeState),
	}
}

// GetRootHash returns the root hash of a at its latest committed epoch: the
// label-folded merge of its two children's (already label-folded) hash
// values.
func (t *Tree) GetRootHash(ctx context.Context, a *Azks) (Digest, error) {
	b := t.readOnlyBatch(ctx, a.AzksID)
	root, err := b.getNode(a.RootLocation)
	if err != nil {
		return Digest{}, err
	}
	hashDigest, err := b.hashChildren(root, a.LatestEpoch)
	if err != nil {
		return Digest{}, err
	}
	return t.Hasher.Merge(hashDigest, hashLabel(t.Hasher, root.Label)), nil
}

type leafRef struct {
	label NodeLabel
	value Digest
	birth uint64
}

// walkLeaves collects every leaf reachable from the root as of atEpoch,
// along with its birth epoch and its own (pre-label-fold) stored value.
func (t *Tree) walkLeaves(ctx context.Context, a *Azks, atEpoch uint64) ([]leafRef, error) {
	b := t.readOnlyBatch(ctx, a.AzksID)
	var out []leafRef

	var walk func(loc uint64) error
	walk = func(loc uint64) error {
		n, err := b.getNode(loc)
		if err != nil {
			return err
		}
		st, err := b.stateAtEpoch(n, atEpoch)
		if err != nil {
			return err
		}
		if n.IsLeaf() {
			birth, err := n.BirthEpoch()
			if err != nil {
				return err
			}
			out = append(out, leafRef{label: n.Label, value: st.Value, birth: birth})
			return nil
		}
		for dir := 0; dir < Arity; dir++ {
			cs := st.ChildStates[dir]
			if cs.DummyMarker == Dummy {
				continue
			}
			if err := walk(cs.Location); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(a.RootLocation); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateAppendOnlyProof proves that the trie's state at endEpoch is a
// strict append to its state at startEpoch: no node that existed at
// startEpoch changed or vanished, and every node inserted since has a birth
// epoch in (startEpoch, endEpoch]. The proof is one SingleAppendOnlyProof
// per adjacent epoch pair, as an auditor replays the insertions one epoch
// at a time (spec §4.4).
func (t *Tree) GenerateAppendOnlyProof(ctx context.Context, a *Azks, startEpoch, endEpoch uint64) (*AppendOnlyProof, error) {
	leaves, err := t.walkLeaves(ctx, a, endEpoch)
	if err != nil {
		return nil, err
	}

	proof := &AppendOnlyProof{}
	for e := startEpoch; e < endEpoch; e++ {
		var sp SingleAppendOnlyProof
		for _, l := range leaves {
			ref := NodeRef{Label: l.label, Hash: l.value}
			switch {
			case l.birth <= e:
				sp.Unchanged = append(sp.Unchanged, ref)
			case l.birth == e+1:
				sp.Inserted = append(sp.Inserted, ref)
			}
		}
		proof.Proofs = append(proof.Proofs, sp)
		proof.Epochs = append(proof.Epochs, e)
	}
	return proof, nil
}
