package ledgerclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/edgedlt/ledgerclient/internal/wire"
)

// Ed25519PublicKey implements PublicKey for Ed25519.
type Ed25519PublicKey struct {
	key ed25519.PublicKey
}

// NewEd25519PublicKey wraps raw 32-byte key material.
func NewEd25519PublicKey(raw []byte) (*Ed25519PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Ed25519PublicKey{key: append(ed25519.PublicKey(nil), raw...)}, nil
}

func (k *Ed25519PublicKey) Bytes() []byte { return k.key }

func (k *Ed25519PublicKey) Kind() SignatureKind { return SignatureKindEd25519 }

func (k *Ed25519PublicKey) Verify(message, signature []byte) bool {
	return ed25519.Verify(k.key, message, signature)
}

func (k *Ed25519PublicKey) String() string { return hex.EncodeToString(k.key) }

// Ed25519Signer implements Signer for Ed25519.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  *Ed25519PublicKey
}

// GenerateEd25519Signer creates a signer with a fresh random key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{privateKey: priv, publicKey: &Ed25519PublicKey{key: pub}}, nil
}

// NewEd25519Signer creates a signer from a 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privateKey: priv,
		publicKey:  &Ed25519PublicKey{key: priv.Public().(ed25519.PublicKey)},
	}, nil
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, message), nil
}

func (s *Ed25519Signer) PublicKey() PublicKey { return s.publicKey }

// signatureField maps a key kind to its SignaturePair slot.
func signatureField(kind SignatureKind) (protowire.Number, error) {
	switch kind {
	case SignatureKindEd25519:
		return wire.SignatureEd25519, nil
	case SignatureKindECDSASecp256k1:
		return wire.SignatureECDSA, nil
	default:
		return 0, fmt.Errorf("unsupported signature kind %s", kind)
	}
}
