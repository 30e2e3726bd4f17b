// Package quorum provides the epoch-commitment cosigning capability a
// directory publishes to once it advances an AZKS by one epoch: a signed
// (AzksID, Epoch, PrevRoot, CurrRoot) tuple that a Witness will only
// cosign after independently re-verifying the append-only proof between
// PrevRoot and CurrRoot through the auditor package.
//
// The wire format and signer/verifier split follow the teacher's
// checkpoint/cosignature idiom (c2sp.org/tlog-cosignature over
// golang.org/x/mod/sumdb/note): a fixed sequence of newline-terminated
// fields, cosigned with a timestamp folded into the signed message.
package quorum

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/mod/sumdb/note"

	"github.com/novifinancial/akd/azks"
)

const maxCommitmentSize = 1 << 16

// EpochCommitment is the tuple a quorum witness cosigns: proof that a
// directory's AZKS advanced from PrevRoot to CurrRoot at Epoch.
//
// Its text encoding looks like:
//
//	akd-commitment/v1
//	a1b2c3...  (AzksID, hex)
//	17         (Epoch)
//	nND/nri/U0xuHUrYSy0HtMeal2vzD9V4k/BO79C+QeI=  (PrevRoot, base64)
//	l8mY2z/U0xuHUrYSy0HtMeal2vzD9V4k/BO79C+QfAE=  (CurrRoot, base64)
type EpochCommitment struct {
	AzksID   [32]byte
	Epoch    uint64
	PrevRoot azks.Digest
	CurrRoot azks.Digest
}

func (c EpochCommitment) String() string {
	return fmt.Sprintf("akd-commitment/v1\n%x\n%d\n%s\n%s\n",
		c.AzksID,
		c.Epoch,
		base64.StdEncoding.EncodeToString(c.PrevRoot[:]),
		base64.StdEncoding.EncodeToString(c.CurrRoot[:]),
	)
}

// ParseEpochCommitment parses the text form written by String.
func ParseEpochCommitment(text string) (EpochCommitment, error) {
	if len(text) > maxCommitmentSize || !strings.HasSuffix(text, "\n") {
		return EpochCommitment{}, errMalformed
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) != 5 || lines[0] != "akd-commitment/v1" {
		return EpochCommitment{}, errMalformed
	}

	var c EpochCommitment
	idBytes, err := decodeHex(lines[1])
	if err != nil || len(idBytes) != len(c.AzksID) {
		return EpochCommitment{}, errMalformed
	}
	copy(c.AzksID[:], idBytes)

	epoch, err := strconv.ParseUint(lines[2], 10, 64)
	if err != nil {
		return EpochCommitment{}, errMalformed
	}
	c.Epoch = epoch

	prev, err := base64.StdEncoding.DecodeString(lines[3])
	if err != nil || len(prev) != len(c.PrevRoot) {
		return EpochCommitment{}, errMalformed
	}
	copy(c.PrevRoot[:], prev)

	curr, err := base64.StdEncoding.DecodeString(lines[4])
	if err != nil || len(curr) != len(c.CurrRoot) {
		return EpochCommitment{}, errMalformed
	}
	copy(c.CurrRoot[:], curr)

	return c, nil
}

var errMalformed = errors.New("quorum: malformed commitment")

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errors.New("quorum: odd-length hex")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexDigit(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(b byte) (byte, error) {
	switch {
	case '0' <= b && b <= '9':
		return b - '0', nil
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10, nil
	case 'A' <= b && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("quorum: invalid hex digit %q", b)
	}
}

const algCommitmentV1 = 4

// CommitmentSigner is a note.Signer that produces timestamped cosignatures
// over an EpochCommitment's text encoding, the way the teacher's
// CosignatureSigner does over a checkpoint's.
type CommitmentSigner struct {
	v    CommitmentVerifier
	sign func([]byte) ([]byte, error)
}

// NewCommitmentSigner constructs a CommitmentSigner from an Ed25519 private
// key. name identifies the witness and must contain no spaces or pluses.
func NewCommitmentSigner(name string, key crypto.Signer) (*CommitmentSigner, error) {
	if !isValidName(name) {
		return nil, errors.New("quorum: invalid name")
	}
	k, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("quorum: key type is not Ed25519")
	}

	s := &CommitmentSigner{}
	s.v.name = name
	s.v.hash = keyHash(name, append([]byte{algCommitmentV1}, k...))
	s.v.key = k
	s.sign = func(msg []byte) ([]byte, error) {
		t := uint64(time.Now().Unix())
		m, err := formatCommitmentV1(t, msg)
		if err != nil {
			return nil, err
		}
		sig, err := key.Sign(nil, m, crypto.Hash(0))
		if err != nil {
			return nil, err
		}
		out := make([]byte, 0, 8+ed25519.SignatureSize)
		out = binary.BigEndian.AppendUint64(out, t)
		out = append(out, sig...)
		return out, nil
	}
	s.v.verify = func(msg, sig []byte) bool {
		if len(sig) != 8+ed25519.SignatureSize {
			return false
		}
		t := binary.BigEndian.Uint64(sig)
		sig = sig[8:]
		m, err := formatCommitmentV1(t, msg)
		if err != nil {
			return false
		}
		return ed25519.Verify(k, m, sig)
	}

	return s, nil
}

func (s *CommitmentSigner) Name() string                    { return s.v.Name() }
func (s *CommitmentSigner) KeyHash() uint32                 { return s.v.KeyHash() }
func (s *CommitmentSigner) Sign(msg []byte) ([]byte, error) { return s.sign(msg) }
func (s *CommitmentSigner) Verifier() *CommitmentVerifier   { return &s.v }

var _ note.Signer = &CommitmentSigner{}

// CommitmentVerifier is a note.Verifier that verifies cosignatures
// produced by a CommitmentSigner with the matching key.
type CommitmentVerifier struct {
	verifier
	key ed25519.PublicKey
}

var _ note.Verifier = &CommitmentVerifier{}

// String returns the vkey encoding of the verifier, c2sp.org/signed-note style.
func (v *CommitmentVerifier) String() string {
	return fmt.Sprintf("%s+%08x+%s", v.name, v.hash, base64.StdEncoding.EncodeToString(
		append([]byte{algCommitmentV1}, v.key...)))
}

type verifier struct {
	name   string
	hash   uint32
	verify func(msg, sig []byte) bool
	key    ed25519.PublicKey
}

func (v *verifier) Name() string                { return v.name }
func (v *verifier) KeyHash() uint32             { return v.hash }
func (v *verifier) Verify(msg, sig []byte) bool { return v.verify(msg, sig) }

func formatCommitmentV1(t uint64, msg []byte) ([]byte, error) {
	// The signed message is the full commitment text, prefixed with the
	// cosignature kind and timestamp, the same shape as
	// c2sp.org/tlog-cosignature uses for checkpoints.
	if _, err := ParseEpochCommitment(string(msg)); err != nil {
		return nil, fmt.Errorf("quorum: message being signed is not a valid commitment: %w", err)
	}
	return append([]byte(fmt.Sprintf("commitment-cosignature/v1\ntime %d\n", t)), msg...), nil
}

func isValidName(name string) bool {
	return name != "" && utf8.ValidString(name) && strings.IndexFunc(name, unicode.IsSpace) < 0 && !strings.Contains(name, "+")
}

func keyHash(name string, key []byte) uint32 {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte("\n"))
	h.Write(key)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum)
}
