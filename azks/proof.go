package azks

import (
	"encoding/binary"
	"fmt"
)

// NodeRef names a leaf by its label and the value it contributes to its
// parent's hash (i.e. its own stored Value, before the label fold that
// happens once more on the way up — the auditor folds it itself).
type NodeRef struct {
	Label NodeLabel
	Hash  Digest
}

// SingleAppendOnlyProof proves that one epoch transition was a strict
// append: Unchanged lists every leaf that was already present (and whose
// hash is unchanged), Inserted lists every leaf newly born in this
// transition. Both are read by an auditor that rebuilds the AZKS from
// scratch and compares resulting root hashes (spec §4.4).
type SingleAppendOnlyProof struct {
	Unchanged []NodeRef
	Inserted  []NodeRef
}

// AppendOnlyProof chains one SingleAppendOnlyProof per adjacent epoch in
// [startEpoch, endEpoch): Epochs[i] is the epoch Proofs[i] starts from.
type AppendOnlyProof struct {
	Proofs []SingleAppendOnlyProof
	Epochs []uint64
}

func appendNodeRef(b []byte, r NodeRef) []byte {
	b = append(b, r.Label.Bytes()...)
	b = append(b, r.Hash[:]...)
	return b
}

func readNodeRef(b []byte) (NodeRef, []byte, error) {
	if len(b) < 4 {
		return NodeRef{}, nil, fmt.Errorf("azks: truncated node ref")
	}
	length := binary.BigEndian.Uint32(b[:4])
	if length > 256 || len(b) < 4+32+32 {
		return NodeRef{}, nil, fmt.Errorf("azks: truncated node ref")
	}
	var value [32]byte
	copy(value[:], b[4:36])
	label, err := NewNodeLabel(length, value)
	if err != nil {
		return NodeRef{}, nil, err
	}
	var hash Digest
	copy(hash[:], b[36:68])
	return NodeRef{Label: label, Hash: hash}, b[68:], nil
}

func appendNodeRefs(b []byte, refs []NodeRef) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(refs)))
	for _, r := range refs {
		b = appendNodeRef(b, r)
	}
	return b
}

func readNodeRefs(b []byte) ([]NodeRef, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("azks: truncated node ref list")
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	refs := make([]NodeRef, 0, count)
	for i := uint32(0); i < count; i++ {
		var r NodeRef
		var err error
		r, b, err = readNodeRef(b)
		if err != nil {
			return nil, nil, err
		}
		refs = append(refs, r)
	}
	return refs, b, nil
}

// MarshalBinary encodes an AppendOnlyProof as a length-prefixed sequence of
// (epoch, unchanged[], inserted[]) records.
func (p *AppendOnlyProof) MarshalBinary() ([]byte, error) {
	if len(p.Proofs) != len(p.Epochs) {
		return nil, fmt.Errorf("azks: proof/epoch count mismatch")
	}
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.Proofs)))
	for i, sp := range p.Proofs {
		b = binary.BigEndian.AppendUint64(b, p.Epochs[i])
		b = appendNodeRefs(b, sp.Unchanged)
		b = appendNodeRefs(b, sp.Inserted)
	}
	return b, nil
}

// UnmarshalBinary decodes an AppendOnlyProof from its MarshalBinary form.
func (p *AppendOnlyProof) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("azks: truncated append-only proof")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]

	proofs := make([]SingleAppendOnlyProof, 0, count)
	epochs := make([]uint64, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 8 {
			return fmt.Errorf("azks: truncated append-only proof")
		}
		epoch := binary.BigEndian.Uint64(data[:8])
		data = data[8:]

		var sp SingleAppendOnlyProof
		var err error
		sp.Unchanged, data, err = readNodeRefs(data)
		if err != nil {
			return err
		}
		sp.Inserted, data, err = readNodeRefs(data)
		if err != nil {
			return err
		}

		epochs = append(epochs, epoch)
		proofs = append(proofs, sp)
	}

	p.Proofs = proofs
	p.Epochs = epochs
	return nil
}
