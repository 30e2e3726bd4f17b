package azks

import (
	"context"
	"sort"
)

// NodeType distinguishes the three roles a HistoryTreeNode can play.
type NodeType int

const (
	LeafNode NodeType = iota
	InteriorNode
	RootNode
)

// HistoryTreeNode is an interior, leaf, or root node of the trie. It never
// holds direct pointers to its parent or children — only their stable
// Location, resolved through Storage (or a batch's in-flight changeset).
// This is the arena-plus-index pattern: it eliminates ownership cycles in
// the otherwise-cyclic parent/child graph and makes every mutation
// transactional (spec §9).
type HistoryTreeNode struct {
	AzksID         [32]byte
	Label          NodeLabel
	Location       uint64
	Epochs         []uint64
	ParentLocation uint64
	NodeType       NodeType
}

func (n *HistoryTreeNode) clone() HistoryTreeNode {
	cp := *n
	cp.Epochs = append([]uint64(nil), n.Epochs...)
	return cp
}

func (n *HistoryTreeNode) IsRoot() bool     { return n.NodeType == RootNode }
func (n *HistoryTreeNode) IsLeaf() bool     { return n.NodeType == LeafNode }
func (n *HistoryTreeNode) IsInterior() bool { return n.NodeType == InteriorNode }

// BirthEpoch is the first epoch at which this node existed.
func (n *HistoryTreeNode) BirthEpoch() (uint64, error) {
	if len(n.Epochs) == 0 {
		return 0, &NodeCreatedWithoutEpochsError{Label: n.Label}
	}
	return n.Epochs[0], nil
}

// LatestEpoch is the most recent epoch at which this node's state changed.
func (n *HistoryTreeNode) LatestEpoch() (uint64, error) {
	if len(n.Epochs) == 0 {
		return 0, &NodeCreatedWithoutEpochsError{Label: n.Label}
	}
	return n.Epochs[len(n.Epochs)-1], nil
}

// effectiveEpoch resolves epoch to the largest recorded epoch <= epoch,
// implementing the piecewise-constant effective-state semantics of spec §3.
func (n *HistoryTreeNode) effectiveEpoch(epoch uint64) (uint64, error) {
	birth, err := n.BirthEpoch()
	if err != nil {
		return 0, err
	}
	if birth > epoch {
		return 0, &NodeDidNotExistAtEpError{Label: n.Label, Epoch: epoch}
	}
	chosen := birth
	for _, e := range n.Epochs {
		if e <= epoch {
			chosen = e
		}
	}
	return chosen, nil
}

// batch is the in-memory changeset a single insertion batch accumulates
// before committing to storage atomically. It caches every node and state
// it touches (read or write) so that repeated lookups within one batch
// never round-trip to storage twice, and so that a single atomic commit at
// the end gives the whole batch commit-or-drop semantics (spec §9).
type batch struct {
	ctx      context.Context
	storage  Storage
	hasher   Hasher
	azksID   [32]byte
	nodes    map[uint64]*HistoryTreeNode
	states   map[NodeStateKey]*HistoryNodeState
	numNodes *uint64 // nil for read-only batches
}

func (b *batch) getNode(location uint64) (*HistoryTreeNode, error) {
	if n, ok := b.nodes[location]; ok {
		cp := n.clone()
		return &cp, nil
	}
	n, err := b.storage.GetNode(b.ctx, NodeKey{AzksID: b.azksID, Location: location})
	if err != nil {
		return nil, err
	}
	cp := n.clone()
	b.nodes[location] = &cp
	out := cp.clone()
	return &out, nil
}

func (b *batch) putNode(n *HistoryTreeNode) {
	cp := n.clone()
	b.nodes[n.Location] = &cp
}

func (b *batch) allocLocation() uint64 {
	loc := *b.numNodes
	*b.numNodes++
	return loc
}

func (b *batch) getStateAt(label NodeLabel, epoch uint64) (*HistoryNodeState, error) {
	key := NodeStateKey{AzksID: b.azksID, Label: label, Epoch: epoch}
	if st, ok := b.states[key]; ok {
		cp := *st
		return &cp, nil
	}
	st, err := b.storage.GetNodeState(b.ctx, key)
	if err != nil {
		return nil, err
	}
	cp := *st
	b.states[key] = &cp
	out := cp
	return &out, nil
}

func (b *batch) putState(label NodeLabel, epoch uint64, st HistoryNodeState) {
	key := NodeStateKey{AzksID: b.azksID, Label: label, Epoch: epoch}
	cp := st
	b.states[key] = &cp
}

// stateAtEpoch returns node's effective HistoryNodeState at epoch — the
// state recorded at the largest entry in node.Epochs that is <= epoch.
func (b *batch) stateAtEpoch(node *HistoryTreeNode, epoch uint64) (HistoryNodeState, error) {
	chosen, err := node.effectiveEpoch(epoch)
	if err != nil {
		return HistoryNodeState{}, err
	}
	st, err := b.getStateAt(node.Label, chosen)
	if err != nil {
		return HistoryNodeState{}, &NodeDidNotHaveExistingStateAtEpError{Label: node.Label, Epoch: chosen}
	}
	return *st, nil
}

func (b *batch) childAtEpoch(node *HistoryTreeNode, epoch uint64, dir Direction) (HistoryChildState, error) {
	st, err := b.stateAtEpoch(node, epoch)
	if err != nil {
		return HistoryChildState{}, err
	}
	return st.childInDir(dir)
}

// childDescriptor builds the HistoryChildState a parent would store to
// point at child, using child's current (possibly still-stale, to be
// corrected by a later updateHashAtParent call) latest value.
func (b *batch) childDescriptor(child *HistoryTreeNode) (HistoryChildState, error) {
	latest, err := child.LatestEpoch()
	if err != nil {
		return HistoryChildState{}, err
	}
	st, err := b.stateAtEpoch(child, latest)
	if err != nil {
		return HistoryChildState{}, err
	}
	val := b.hasher.Merge(st.Value, hashLabel(b.hasher, child.Label))
	return HistoryChildState{
		DummyMarker:  RealChild,
		Location:     child.Location,
		Label:        child.Label,
		HashVal:      val,
		EpochVersion: latest,
	}, nil
}

// directionOfChild reports which direction child occupies in parent's
// state at epoch, or DirNone if parent's state at that epoch does not (yet)
// point at child.
func (b *batch) directionOfChild(parent, child *HistoryTreeNode, epoch uint64) (Direction, error) {
	st, err := b.stateAtEpoch(parent, epoch)
	if err != nil {
		return DirNone, err
	}
	for _, dir := range [...]Direction{DirLeft, DirRight} {
		if st.ChildStates[dir].Label == child.Label && st.ChildStates[dir].DummyMarker == RealChild {
			return dir, nil
		}
	}
	return DirNone, nil
}

// setChildState writes parent's ChildStates[dir] = desc at epoch, cloning
// the state recorded at parent's latest epoch as a baseline (or a fresh
// empty state) if epoch has no recorded entry yet, and recording epoch in
// parent.Epochs if it isn't already there. This is set_child_without_hash
// in the distilled spec §4.2.
func (b *batch) setChildState(parent *HistoryTreeNode, epoch uint64, dir Direction, desc HistoryChildState) error {
	if dir != DirLeft && dir != DirRight {
		return &NoDirectionInSettingChildError{NodeLabel: parent.Label, ChildLabel: desc.Label}
	}
	if _, err := b.getStateAt(parent.Label, epoch); err != nil {
		base := newNodeState(b.hasher)
		if latest, lerr := parent.LatestEpoch(); lerr == nil {
			if ls, serr := b.stateAtEpoch(parent, latest); serr == nil {
				base = ls
			}
		}
		if latest, lerr := parent.LatestEpoch(); lerr != nil || latest != epoch {
			parent.Epochs = append(parent.Epochs, epoch)
		}
		b.putState(parent.Label, epoch, base)
		b.putNode(parent)
		return b.setChildState(parent, epoch, dir, desc)
	}
	st, err := b.getStateAt(parent.Label, epoch)
	if err != nil {
		return err
	}
	cp := *st
	cp.ChildStates[dir] = desc
	b.putState(parent.Label, epoch, cp)
	return nil
}

func (b *batch) setNodeChildWithoutHash(parent *HistoryTreeNode, epoch uint64, dir Direction, child *HistoryTreeNode) error {
	desc, err := b.childDescriptor(child)
	if err != nil {
		return err
	}
	return b.setChildState(parent, epoch, dir, desc)
}

// newLeaf allocates a fresh leaf at a reserved location, with value already
// epoch-bound by the caller (AZKS.BatchInsertLeaves), and writes its
// initial HistoryNodeState.
func (b *batch) newLeaf(label NodeLabel, value Digest, birthEpoch uint64) *HistoryTreeNode {
	n := &HistoryTreeNode{
		AzksID:   b.azksID,
		Label:    label,
		Location: b.allocLocation(),
		Epochs:   []uint64{birthEpoch},
		NodeType: LeafNode,
	}
	b.putNode(n)
	b.putState(label, birthEpoch, HistoryNodeState{Value: value, ChildStates: [Arity]HistoryChildState{dummyChildState(b.hasher), dummyChildState(b.hasher)}})
	return n
}

// insertSingleLeaf is the central algorithm of spec §4.2: it walks down
// from the node at nodeLocation toward leaf's label, splitting or
// descending as needed, and (if hashing) recomputes hashes back up to the
// node it started from.
func (b *batch) insertSingleLeaf(nodeLocation uint64, leaf *HistoryTreeNode, epoch uint64, hashing bool) error {
	node, err := b.getNode(nodeLocation)
	if err != nil {
		return err
	}

	lcp, dirLeaf, dirSelf := node.Label.LongestCommonPrefixAndDirs(leaf.Label)

	if node.IsRoot() {
		latest, err := node.LatestEpoch()
		if err != nil {
			return err
		}
		childSt, err := b.childAtEpoch(node, latest, dirLeaf)
		if err != nil {
			return err
		}
		if childSt.DummyMarker == Dummy {
			leaf.ParentLocation = node.Location
			b.putNode(leaf)
			if err := b.setNodeChildWithoutHash(node, epoch, dirLeaf, leaf); err != nil {
				return err
			}
			if node, err = b.getNode(node.Location); err != nil {
				return err
			}

			if hashing {
				l, err := b.getNode(leaf.Location)
				if err != nil {
					return err
				}
				if err := b.updateHash(l, epoch); err != nil {
					return err
				}
				n, err := b.getNode(node.Location)
				if err != nil {
					return err
				}
				if err := b.updateHash(n, epoch); err != nil {
					return err
				}
			}
			return nil
		}
	}

	switch dirSelf {
	case DirLeft, DirRight:
		// Neither label is a prefix of the other: self must be pushed down
		// one level and replaced, in its own parent, by a new interior node
		// labeled with the longest common prefix.
		parent, err := b.getNode(node.ParentLocation)
		if err != nil {
			return err
		}
		selfDirInParent, err := b.directionOfChild(parent, node, epoch)
		if err != nil {
			return err
		}

		newNode := &HistoryTreeNode{
			AzksID:         b.azksID,
			Label:          lcp,
			Location:       b.allocLocation(),
			ParentLocation: parent.Location,
			NodeType:       InteriorNode,
			Epochs:         []uint64{epoch},
		}

		leaf.ParentLocation = newNode.Location
		b.putNode(leaf)

		node.ParentLocation = newNode.Location
		b.putNode(node)
		b.putNode(newNode)

		if err := b.setNodeChildWithoutHash(newNode, epoch, dirLeaf, leaf); err != nil {
			return err
		}
		if newNode, err = b.getNode(newNode.Location); err != nil {
			return err
		}
		if err := b.setNodeChildWithoutHash(newNode, epoch, dirSelf, node); err != nil {
			return err
		}
		if newNode, err = b.getNode(newNode.Location); err != nil {
			return err
		}

		if err := b.setNodeChildWithoutHash(parent, epoch, selfDirInParent, newNode); err != nil {
			return err
		}
		if parent, err = b.getNode(parent.Location); err != nil {
			return err
		}
		b.putNode(parent)

		if hashing {
			l, err := b.getNode(leaf.Location)
			if err != nil {
				return err
			}
			if err := b.updateHash(l, epoch); err != nil {
				return err
			}
			n, err := b.getNode(node.Location)
			if err != nil {
				return err
			}
			if err := b.updateHash(n, epoch); err != nil {
				return err
			}
			nn, err := b.getNode(newNode.Location)
			if err != nil {
				return err
			}
			if err := b.updateHash(nn, epoch); err != nil {
				return err
			}
		}
		return nil

	default:
		// node.Label is a prefix of leaf.Label (or node IS the LCP):
		// descend into the child in leaf's direction.
		latest, err := node.LatestEpoch()
		if err != nil {
			return err
		}
		childSt, err := b.childAtEpoch(node, latest, dirLeaf)
		if err != nil {
			return err
		}
		if childSt.DummyMarker == Dummy {
			return &CompressionError{Label: node.Label}
		}
		if err := b.insertSingleLeaf(childSt.Location, leaf, epoch, hashing); err != nil {
			return err
		}
		if hashing {
			n, err := b.getNode(node.Location)
			if err != nil {
				return err
			}
			if err := b.updateHash(n, epoch); err != nil {
				return err
			}
		}
		return nil
	}
}

// hashChildren folds a node's two children's (already label-folded) hash
// values into the seed H.Hash(nil), per the interior-node hashing recipe
// of spec §4.2.
func (b *batch) hashChildren(node *HistoryTreeNode, epoch uint64) (Digest, error) {
	st, err := b.stateAtEpoch(node, epoch)
	if err != nil {
		return Digest{}, err
	}
	h := b.hasher.Hash(nil)
	for dir := 0; dir < Arity; dir++ {
		h = b.hasher.Merge(h, st.ChildStates[dir].HashVal)
	}
	return h, nil
}

// updateHash materializes node's hash at epoch (assuming set_child_without_hash
// has already run for this epoch) and propagates the resulting,
// label-folded value one hop up into node's parent.
func (b *batch) updateHash(node *HistoryTreeNode, epoch uint64) error {
	if node.IsLeaf() {
		st, err := b.stateAtEpoch(node, epoch)
		if err != nil {
			return err
		}
		leafHashVal := b.hasher.Merge(st.Value, hashLabel(b.hasher, node.Label))
		return b.updateHashAtParent(node, epoch, leafHashVal)
	}

	hashDigest, err := b.hashChildren(node, epoch)
	if err != nil {
		return err
	}
	if node.IsRoot() {
		hashDigest = b.hasher.Merge(hashDigest, hashLabel(b.hasher, node.Label))
	}

	latest, err := node.LatestEpoch()
	if err != nil {
		return err
	}
	if latest < epoch {
		// Nothing below node changed at epoch (a split only moved it under a
		// new parent), so its recorded value is still current: pass it up
		// without writing a new state.
		return b.updateHashAtParent(node, epoch, b.hasher.Merge(hashDigest, hashLabel(b.hasher, node.Label)))
	}

	st, err := b.getStateAt(node.Label, epoch)
	if err != nil {
		return &InvalidEpochForUpdatingHashError{Epoch: epoch}
	}
	cp := *st
	cp.Value = hashDigest
	b.putState(node.Label, epoch, cp)
	b.putNode(node)

	parentHashVal := b.hasher.Merge(hashDigest, hashLabel(b.hasher, node.Label))
	return b.updateHashAtParent(node, epoch, parentHashVal)
}

// updateHashAtParent writes newHashVal into node's descriptor inside its
// parent's state at epoch, lazily materializing that state (as a clone of
// the parent's latest prior state) if the parent has not yet recorded
// anything at epoch.
func (b *batch) updateHashAtParent(node *HistoryTreeNode, epoch uint64, newHashVal Digest) error {
	if node.IsRoot() {
		return nil
	}
	parent, err := b.getNode(node.ParentLocation)
	if err != nil {
		return err
	}

	parentLatest, err := parent.LatestEpoch()
	if err != nil {
		return err
	}
	if parentLatest < epoch {
		_, dirNode, _ := parent.Label.LongestCommonPrefixAndDirs(node.Label)
		if err := b.setNodeChildWithoutHash(parent, epoch, dirNode, node); err != nil {
			return err
		}
		if parent, err = b.getNode(parent.Location); err != nil {
			return err
		}
	}

	st, err := b.getStateAt(parent.Label, epoch)
	if err != nil {
		return &ParentNextEpochInvalidError{Epoch: epoch}
	}
	sDir, err := b.directionOfChild(parent, node, epoch)
	if err != nil {
		return err
	}
	if sDir == DirNone {
		return ErrHashUpdateOnlyAllowedAfterNodeInsertion
	}
	cp := *st
	cs := cp.ChildStates[sDir]
	cs.HashVal = newHashVal
	cp.ChildStates[sDir] = cs
	b.putState(parent.Label, epoch, cp)
	b.putNode(parent)
	return nil
}

// recomputeHashes recomputes HistoryNodeState.Value for every node touched
// by this batch so far, bottom-up (deepest label first), so that every
// node's hash is computed only after all of its descendants' hashes are
// already final. This is AZKS.batch_insert_leaves_helper's second pass
// (spec §4.3): leaves are inserted structurally (hashing=false) for the
// whole batch first, then hashes are recomputed once per touched node.
func (b *batch) recomputeHashes(epoch uint64) error {
	touched := make([]*HistoryTreeNode, 0, len(b.nodes))
	for _, n := range b.nodes {
		touched = append(touched, n)
	}
	sort.Slice(touched, func(i, j int) bool {
		if touched[i].Label.Length() != touched[j].Label.Length() {
			return touched[i].Label.Length() > touched[j].Label.Length()
		}
		return touched[i].Location < touched[j].Location
	})
	for _, n := range touched {
		cur, err := b.getNode(n.Location)
		if err != nil {
			return err
		}
		if err := b.updateHash(cur, epoch); err != nil {
			return err
		}
	}
	return nil
}
