package azks

import (
	"errors"
	"fmt"
)

// Storage error kinds.
var (
	ErrNotFound    = errors.New("azks: record not found")
	ErrWriteFailed = errors.New("azks: write failed")
)

// Node error kinds (spec §7, taxonomy "Node").
var (
	ErrDirectionIsNone                         = errors.New("azks: direction is none")
	ErrHashUpdateOnlyAllowedAfterNodeInsertion  = errors.New("azks: hash update only allowed after node insertion")
	ErrTriedToUpdateParentOfRoot                = errors.New("azks: tried to update parent of root")
	ErrTriedToHashLeafChildren                  = errors.New("azks: tried to hash the children of a leaf")
	ErrLeafNodeLabelLenLessThanInterior         = errors.New("azks: leaf label length is not greater than an ancestor interior label length")
)

// NoDirectionInSettingChildError reports that set_child_without_hash was
// asked to install a child with no direction (self and child are siblings
// with no defined order between them, which should never happen).
type NoDirectionInSettingChildError struct {
	NodeLabel, ChildLabel NodeLabel
}

func (e *NoDirectionInSettingChildError) Error() string {
	return fmt.Sprintf("azks: no direction provided to set child %x of node %x",
		e.ChildLabel.Value(), e.NodeLabel.Value())
}

// NoChildInTreeAtEpochError reports a lookup for a child direction at an
// epoch before the node had any recorded state in that direction.
type NoChildInTreeAtEpochError struct {
	Epoch uint64
	Dir   Direction
}

func (e *NoChildInTreeAtEpochError) Error() string {
	return fmt.Sprintf("azks: no child in direction %d at epoch %d", e.Dir, e.Epoch)
}

// InvalidEpochForUpdatingHashError reports a hash update requested for an
// epoch the node has no recorded state for.
type InvalidEpochForUpdatingHashError struct{ Epoch uint64 }

func (e *InvalidEpochForUpdatingHashError) Error() string {
	return fmt.Sprintf("azks: invalid epoch for updating hash: %d", e.Epoch)
}

// ParentNextEpochInvalidError reports that a parent has no state recorded
// at the epoch a child is trying to update itself into.
type ParentNextEpochInvalidError struct{ Epoch uint64 }

func (e *ParentNextEpochInvalidError) Error() string {
	return fmt.Sprintf("azks: parent has no state at next epoch %d", e.Epoch)
}

// NodeCreatedWithoutEpochsError reports a node with an empty Epochs list,
// which violates the invariant that every node records its birth epoch.
type NodeCreatedWithoutEpochsError struct{ Label NodeLabel }

func (e *NodeCreatedWithoutEpochsError) Error() string {
	return fmt.Sprintf("azks: node %x has no epochs", e.Label.Value())
}

// CompressionError reports an interior node found with a Dummy child,
// violating the invariant that interior nodes always have two real
// children once created.
type CompressionError struct{ Label NodeLabel }

func (e *CompressionError) Error() string {
	return fmt.Sprintf("azks: node %x is missing a child it should have", e.Label.Value())
}

// NodeDidNotExistAtEpError reports a lookup for a node's state at an epoch
// before the node's birth epoch.
type NodeDidNotExistAtEpError struct {
	Label NodeLabel
	Epoch uint64
}

func (e *NodeDidNotExistAtEpError) Error() string {
	return fmt.Sprintf("azks: node %x did not exist at epoch %d", e.Label.Value(), e.Epoch)
}

// NodeDidNotHaveExistingStateAtEpError reports that the effective-state
// lookup (stateAtEpoch) resolved to an epoch listed in the node's Epochs
// for which no state record exists.
type NodeDidNotHaveExistingStateAtEpError struct {
	Label NodeLabel
	Epoch uint64
}

func (e *NodeDidNotHaveExistingStateAtEpError) Error() string {
	return fmt.Sprintf("azks: node %x has no state recorded exactly at epoch %d", e.Label.Value(), e.Epoch)
}

// AZKS error kinds (spec §7, taxonomy "AZKS").
var (
	ErrPopFromEmptyPriorityQueue = errors.New("azks: pop from empty priority queue")
	ErrVerifyAppendOnlyProof     = errors.New("azks: append-only proof did not verify")
)
