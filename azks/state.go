package azks

// DummyMarker distinguishes a child slot that has never been occupied
// (Dummy) from one pointing at a real node (RealChild).
type DummyMarker int

const (
	Dummy DummyMarker = iota
	RealChild
)

// HistoryChildState is a parent's view of one of its children at a given
// epoch: a (possibly dummy) pointer plus the cached hash the parent folds
// into its own value, so that computing a node's hash never requires
// fetching its children's current state, only what was recorded here.
type HistoryChildState struct {
	DummyMarker  DummyMarker
	Location     uint64
	Label        NodeLabel
	HashVal      Digest
	EpochVersion uint64
}

func dummyChildState(h Hasher) HistoryChildState {
	return HistoryChildState{
		DummyMarker: Dummy,
		Label:       NodeLabel{},
		HashVal:     emptyValue(h),
	}
}

// HistoryNodeState is the per-epoch snapshot of one node: the hash value
// stored for this node at this epoch, and its ARITY child pointers as seen
// at this epoch.
type HistoryNodeState struct {
	Value       Digest
	ChildStates [Arity]HistoryChildState
}

func newNodeState(h Hasher) HistoryNodeState {
	return HistoryNodeState{
		ChildStates: [Arity]HistoryChildState{dummyChildState(h), dummyChildState(h)},
	}
}

func (s HistoryNodeState) childInDir(dir Direction) (HistoryChildState, error) {
	if dir != DirLeft && dir != DirRight {
		return HistoryChildState{}, ErrDirectionIsNone
	}
	return s.ChildStates[dir], nil
}
