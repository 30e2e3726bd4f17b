// Package directory orchestrates the three capabilities an Authenticated
// Key Directory needs to advance by one epoch: label derivation (vrf),
// append-only trie mutation (azks), and epoch-commitment cosigning
// (quorum). Nothing in azks or auditor depends on this package; it is the
// composition root a server binary would actually hold.
package directory

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/mod/sumdb/note"

	"github.com/novifinancial/akd/auditor"
	"github.com/novifinancial/akd/azks"
	"github.com/novifinancial/akd/quorum"
	"github.com/novifinancial/akd/vrf"
)

// ErrAuditProofStartEpLess is returned when a caller requests an
// append-only proof or audit whose startEpoch does not precede endEpoch.
var ErrAuditProofStartEpLess = errors.New("directory: startEpoch must be less than endEpoch")

// Entry is one (username, version, value) triple a directory update
// inserts, exactly as the VRF's alpha is formed: username || 0x00 ||
// bigEndian(version).
type Entry struct {
	Username string
	Version  uint64
	Value    azks.Digest
}

func (e Entry) alpha() []byte {
	alpha := make([]byte, 0, len(e.Username)+1+8)
	alpha = append(alpha, e.Username...)
	alpha = append(alpha, 0x00)
	alpha = binary.BigEndian.AppendUint64(alpha, e.Version)
	return alpha
}

// WitnessClient submits a signed commitment (with its append-only proof)
// to a quorum.Witness and returns the witness's cosignature bytes.
type WitnessClient interface {
	SubmitCommitment(ctx context.Context, body []byte) (cosig []byte, err error)
}

// HTTPWitnessClient submits commitments to a quorum.Witness's
// /add-commitment HTTP endpoint, the shape quorum.Witness.ServeHTTP exposes.
type HTTPWitnessClient struct {
	BaseURL string
	Client  *http.Client
}

func (c *HTTPWitnessClient) SubmitCommitment(ctx context.Context, body []byte) ([]byte, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/add-commitment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory: witness returned %s: %s", resp.Status, respBody)
	}
	return respBody, nil
}

// Directory holds one AZKS instance plus the VRF and quorum capabilities
// needed to advance it. Like azks.Tree, a Directory is not safe for
// concurrent mutation: callers must not run two Update calls against the
// same Directory at once.
type Directory struct {
	Tree    *azks.Tree
	Azks    *azks.Azks
	VRF     vrf.KeyStorage
	Signer  *quorum.CommitmentSigner
	Name    string
	Witness WitnessClient // optional; nil means commitments are signed but not submitted
}

// New constructs a Directory over a fresh, empty AZKS.
func New(ctx context.Context, tree *azks.Tree, vrfKeys vrf.KeyStorage, signer *quorum.CommitmentSigner) (*Directory, error) {
	a, err := tree.New(ctx)
	if err != nil {
		return nil, err
	}
	return &Directory{Tree: tree, Azks: a, VRF: vrfKeys, Signer: signer}, nil
}

// Update derives a NodeLabel for every entry through the VRF, batches them
// into the AZKS (advancing it by exactly one epoch), signs the resulting
// EpochCommitment, and — if a Witness client is configured — submits it
// for cosigning. It returns the signed commitment and, if a witness
// accepted it, the witness's cosignature bytes.
func (d *Directory) Update(ctx context.Context, entries []Entry) (commitment quorum.EpochCommitment, cosig []byte, err error) {
	prevRoot, err := d.Tree.GetRootHash(ctx, d.Azks)
	if err != nil {
		return quorum.EpochCommitment{}, nil, err
	}

	leaves := make([]azks.LeafInsert, len(entries))
	for i, e := range entries {
		proof, err := d.VRF.Prove(ctx, e.alpha())
		if err != nil {
			return quorum.EpochCommitment{}, nil, fmt.Errorf("directory: deriving label: %w", err)
		}
		label, err := d.VRF.ToLabel(proof)
		if err != nil {
			return quorum.EpochCommitment{}, nil, fmt.Errorf("directory: deriving label: %w", err)
		}
		leaves[i] = azks.LeafInsert{Label: label, Value: e.Value}
	}

	if err := d.Tree.BatchInsertLeaves(ctx, d.Azks, leaves); err != nil {
		return quorum.EpochCommitment{}, nil, err
	}

	currRoot, err := d.Tree.GetRootHash(ctx, d.Azks)
	if err != nil {
		return quorum.EpochCommitment{}, nil, err
	}

	commitment = quorum.EpochCommitment{
		AzksID:   d.Azks.AzksID,
		Epoch:    d.Azks.LatestEpoch,
		PrevRoot: prevRoot,
		CurrRoot: currRoot,
	}

	if d.Witness == nil {
		return commitment, nil, nil
	}

	proof, err := d.Tree.GenerateAppendOnlyProof(ctx, d.Azks, d.Azks.LatestEpoch-1, d.Azks.LatestEpoch)
	if err != nil {
		return commitment, nil, err
	}
	proofBytes, err := proof.MarshalBinary()
	if err != nil {
		return commitment, nil, err
	}

	signed, err := note.Sign(&note.Note{Text: commitment.String()}, d.Signer)
	if err != nil {
		return commitment, nil, fmt.Errorf("directory: signing commitment: %w", err)
	}

	body := []byte(fmt.Sprintf("proof %s\n\n%s", base64.StdEncoding.EncodeToString(proofBytes), signed))
	cosig, err = d.Witness.SubmitCommitment(ctx, body)
	if err != nil {
		return commitment, nil, fmt.Errorf("directory: submitting commitment to witness: %w", err)
	}
	return commitment, cosig, nil
}

// GenerateAppendOnlyProof proves the append-only transition between two
// epochs this directory's AZKS has already reached.
func (d *Directory) GenerateAppendOnlyProof(ctx context.Context, startEpoch, endEpoch uint64) (*azks.AppendOnlyProof, error) {
	if startEpoch >= endEpoch {
		return nil, ErrAuditProofStartEpLess
	}
	return d.Tree.GenerateAppendOnlyProof(ctx, d.Azks, startEpoch, endEpoch)
}

// Audit independently re-verifies an append-only proof this directory (or
// any directory sharing its AzksID) produced, against the claimed root
// hashes at each epoch in [startEpoch, endEpoch].
func Audit(ctx context.Context, hashes []azks.Digest, proof *azks.AppendOnlyProof, startEpoch, endEpoch uint64) error {
	if startEpoch >= endEpoch {
		return ErrAuditProofStartEpLess
	}
	return auditor.Verify(ctx, hashes, proof)
}
