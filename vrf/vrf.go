// Package vrf provides the label-derivation capability a Directory needs:
// turning a user-chosen identifier into a NodeLabel that does not leak
// information about which identifiers the directory actually holds.
//
// The reference implementation this package is modeled on delegates this
// to an elliptic-curve VRF (ECVRF, SECP256K1_SHA256_TAI) via an external
// crate. No Go package in the dependency surface available here implements
// an ECVRF, and standing up one from scratch is out of scope for a
// directory-layer capability that every other package treats as an opaque
// collaborator behind an interface. StaticKeyVRF is a symmetric-key
// stand-in — an HMAC, not a verifiable random function in the
// cryptographic sense, since it cannot be verified without the same secret
// used to prove. It satisfies the shape callers depend on (deterministic,
// pseudorandom labels from a secret plus an input) but not the public
// verifiability a real VRF provides; production deployments should supply
// a KeyStorage backed by an actual VRF implementation.
package vrf

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"errors"

	"github.com/novifinancial/akd/azks"
)

// PublicKey identifies which key produced a Proof, for a Verifier.
type PublicKey []byte

// Proof is the output of KeyStorage.Prove: a value that binds a specific
// secret key to a specific input, from which ToLabel derives a NodeLabel.
type Proof []byte

// ErrMalformedProof is returned when a Proof cannot be converted to a
// NodeLabel (wrong length).
var ErrMalformedProof = errors.New("vrf: malformed proof")

// ErrVerificationFailed is returned when a proof does not match the claimed
// public key and input.
var ErrVerificationFailed = errors.New("vrf: verification failed")

// KeyStorage is the label-derivation capability a Directory holds one
// instance of: it knows the one secret key that proves every label the
// directory ever derives.
type KeyStorage interface {
	PublicKey(ctx context.Context) (PublicKey, error)
	Prove(ctx context.Context, alpha []byte) (Proof, error)
	ToLabel(proof Proof) (azks.NodeLabel, error)
}

// Verifier is the independent capability an auditor or client holds: given
// a claimed public key, an input, and a proof, it recomputes the NodeLabel
// the input should have produced, or rejects the proof.
type Verifier interface {
	Verify(ctx context.Context, pk PublicKey, alpha []byte, proof Proof) (azks.NodeLabel, error)
}

// StaticKeyVRF implements KeyStorage and Verifier over a single shared
// secret, as documented at the package level.
type StaticKeyVRF struct {
	secretKey []byte
}

// NewStaticKeyVRF constructs a StaticKeyVRF from a secret key. The same
// secret must be available wherever proofs from it need to be verified.
func NewStaticKeyVRF(secretKey []byte) *StaticKeyVRF {
	return &StaticKeyVRF{secretKey: append([]byte(nil), secretKey...)}
}

func (v *StaticKeyVRF) PublicKey(ctx context.Context) (PublicKey, error) {
	return v.publicKey(), nil
}

func (v *StaticKeyVRF) publicKey() PublicKey {
	mac := hmac.New(sha512.New, v.secretKey)
	mac.Write([]byte("akd-vrf-public-key"))
	return PublicKey(mac.Sum(nil))
}

func (v *StaticKeyVRF) Prove(ctx context.Context, alpha []byte) (Proof, error) {
	mac := hmac.New(sha512.New, v.secretKey)
	mac.Write(alpha)
	return Proof(mac.Sum(nil)), nil
}

// ToLabel takes the first 256 bits of proof as a NodeLabel's value.
func (v *StaticKeyVRF) ToLabel(proof Proof) (azks.NodeLabel, error) {
	if len(proof) < 32 {
		return azks.NodeLabel{}, ErrMalformedProof
	}
	var value [32]byte
	copy(value[:], proof[:32])
	return azks.NewNodeLabel(256, value)
}

// Verify recomputes the proof for alpha against the held secret and
// compares it in constant time to the one given, ignoring pk (this
// stand-in has no real separation between proving and verifying keys).
func (v *StaticKeyVRF) Verify(ctx context.Context, pk PublicKey, alpha []byte, proof Proof) (azks.NodeLabel, error) {
	expected, err := v.Prove(ctx, alpha)
	if err != nil {
		return azks.NodeLabel{}, err
	}
	if !hmac.Equal(expected, proof) {
		return azks.NodeLabel{}, ErrVerificationFailed
	}
	return v.ToLabel(proof)
}
