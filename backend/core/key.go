// Package core provides actor identities for the convergence engine.
// Every replica signs its changesets with an Ed25519 key pair,
// and its operations carry a compact ActorID derived from the public key.
package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
)

// Signer signs data and produces cryptographic signature.
type Signer interface {
	Sign([]byte) (Signature, error)
	SignatureSize() int
}

// Verifier checks that signature corresponds to the data.
type Verifier interface {
	Verify(data []byte, s Signature) error
	SignatureSize() int
}

// Signature is a cryptographic signature of some piece of data.
type Signature []byte

// All our keys are Ed25519, packed in the DID Key format:
// a multicodec varint prefix followed by the raw public key bytes.
var principalVarintPrefix = binary.AppendUvarint(nil, uint64(multicodec.Ed25519Pub))

// KeyPair is a private signing key along with its public part.
type KeyPair struct {
	priv ed25519.PrivateKey
	PublicKey
}

// NewKeyPair creates our KeyPair wrapper from an existing private key.
func NewKeyPair(key ed25519.PrivateKey) *KeyPair {
	return &KeyPair{
		priv:      key,
		PublicKey: NewPublicKey(key.Public().(ed25519.PublicKey)),
	}
}

// GenerateKeyPair creates a new random key pair.
// If rng is nil the crypto/rand source is used.
func GenerateKeyPair(rng io.Reader) (*KeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}

	_, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}

	return NewKeyPair(priv), nil
}

// Sign implements [Signer].
func (kp *KeyPair) Sign(data []byte) (Signature, error) {
	return ed25519.Sign(kp.priv, data), nil
}

// Seed returns the private key seed for persistence.
// Use [ed25519.NewKeyFromSeed] and [NewKeyPair] to restore.
func (kp *KeyPair) Seed() []byte {
	return kp.priv.Seed()
}

// PublicKey is a public key of a key pair.
type PublicKey struct {
	inner ed25519.PublicKey
}

// NewPublicKey creates a new PublicKey wrapper from an existing public key instance.
func NewPublicKey(key ed25519.PublicKey) PublicKey {
	return PublicKey{inner: key}
}

// Verify implements [Verifier].
func (p PublicKey) Verify(data []byte, sig Signature) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature size mismatch: expected %d, got %d", ed25519.SignatureSize, len(sig))
	}

	if !ed25519.Verify(p.inner, data, sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// SignatureSize implements [Verifier].
func (p PublicKey) SignatureSize() int {
	return ed25519.SignatureSize
}

// Principal returns the byte packed representation of the public key.
func (p PublicKey) Principal() Principal {
	return Principal(p.Bytes())
}

// ActorID is a 56-bit replica/actor/origin ID that we use in our CRDT Op IDs.
// 56 bits should be enough to avoid collisions for our use case,
// and it's more compatible with other environments, like JS, that may not work well with uint64.
// It's derived from the public key of the actor, by hashing it with sha256,
// and taking the first 56 bits of the hash as a *little-endian* unsigned integer.
type ActorID uint64

// Compare two actor IDs numerically.
func (a ActorID) Compare(other ActorID) int {
	if a < other {
		return -1
	}
	if a > other {
		return +1
	}
	return 0
}

// ActorID returns a derived ActorID from the public key.
// It performs calculations, so it's better to cache the result if it's used multiple times.
func (p PublicKey) ActorID() ActorID {
	sum := sha256.Sum256(p.Bytes())
	sum[7] = 0 // clearing the last byte because we only want 56 bits.
	return ActorID(binary.LittleEndian.Uint64(sum[:8]))
}

// String implements [fmt.Stringer].
func (p PublicKey) String() string {
	buf := p.Bytes()
	s, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		panic(err)
	}
	return s
}

// IsZero checks if the public key is a zero value.
func (p PublicKey) IsZero() bool {
	return p.inner == nil
}

// Bytes returns the byte representation of a public key.
// We use <multicodec-varint><raw-public-key-bytes> format.
// If [PublicKey] is zero value, the result is a nil slice.
func (p PublicKey) Bytes() []byte {
	if p.inner == nil {
		return nil
	}

	out := make([]byte, 0, len(principalVarintPrefix)+len(p.inner))
	out = append(out, principalVarintPrefix...)
	out = append(out, p.inner...)
	return out
}

// Equal checks if two public keys are equal.
func (p PublicKey) Equal(pp PublicKey) bool {
	return p.inner.Equal(pp.inner)
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (p *PublicKey) UnmarshalBinary(data []byte) error {
	codec, n := binary.Uvarint(data)
	raw := data[n:]

	if multicodec.Code(codec) != multicodec.Ed25519Pub {
		return fmt.Errorf("unsupported public key codec %d", multicodec.Code(codec))
	}

	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key size: expected %d, got %d", ed25519.PublicKeySize, len(raw))
	}

	*p = NewPublicKey(ed25519.PublicKey(raw))
	return nil
}

// MarshalBinary implements [encoding.BinaryMarshaler].
// It's the same as [PublicKey.Bytes], but also returns an error to conform with the interface.
func (p PublicKey) MarshalBinary() ([]byte, error) {
	return p.Bytes(), nil
}

// DecodePublicKey decodes a public key from encoded bytes or string.
func DecodePublicKey[T string | []byte | Principal](raw T) (pk PublicKey, err error) {
	if len(raw) == 0 {
		return pk, fmt.Errorf("can't decode empty public key")
	}

	switch in := any(raw).(type) {
	case string:
		_, bytes, err := multibase.Decode(in)
		if err != nil {
			return pk, err
		}
		return pk, pk.UnmarshalBinary(bytes)
	case []byte:
		return pk, pk.UnmarshalBinary(in)
	case Principal:
		return pk, pk.UnmarshalBinary(in)
	default:
		panic("BUG: invalid type")
	}
}
