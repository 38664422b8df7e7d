package ledgerclient

// ECDSA over secp256k1 using gnark-crypto. Messages are digested with Keccak-256 the
// way EVM-compatible keys expect.

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/secp256k1/ecdsa"
	"golang.org/x/crypto/sha3"
)

// ECDSAPublicKey implements PublicKey for secp256k1.
type ECDSAPublicKey struct {
	key ecdsa.PublicKey
}

// NewECDSAPublicKey parses an uncompressed 64-byte X||Y encoding.
func NewECDSAPublicKey(raw []byte) (*ECDSAPublicKey, error) {
	var pk ecdsa.PublicKey
	if _, err := pk.SetBytes(raw); err != nil {
		return nil, fmt.Errorf("invalid secp256k1 public key: %w", err)
	}
	return &ECDSAPublicKey{key: pk}, nil
}

// Bytes returns the 33-byte compressed encoding.
func (k *ECDSAPublicKey) Bytes() []byte {
	x := k.key.A.X.Bytes()
	out := make([]byte, 0, 1+len(x))
	if k.key.A.Y.BigInt(new(big.Int)).Bit(0) == 0 {
		out = append(out, 0x02)
	} else {
		out = append(out, 0x03)
	}
	return append(out, x[:]...)
}

// UncompressedBytes returns the 64-byte X||Y encoding accepted by NewECDSAPublicKey.
func (k *ECDSAPublicKey) UncompressedBytes() []byte {
	return k.key.Bytes()
}

func (k *ECDSAPublicKey) Kind() SignatureKind { return SignatureKindECDSASecp256k1 }

func (k *ECDSAPublicKey) Verify(message, signature []byte) bool {
	ok, err := k.key.Verify(signature, message, sha3.NewLegacyKeccak256())
	return err == nil && ok
}

func (k *ECDSAPublicKey) String() string { return hex.EncodeToString(k.Bytes()) }

// ECDSASigner implements Signer for secp256k1.
type ECDSASigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ECDSAPublicKey
}

// GenerateECDSASigner creates a signer with a fresh random key.
func GenerateECDSASigner() (*ECDSASigner, error) {
	priv, err := ecdsa.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &ECDSASigner{privateKey: priv, publicKey: &ECDSAPublicKey{key: priv.PublicKey}}, nil
}

// Sign returns the 64-byte R||S signature of the Keccak-256 digest of message.
func (s *ECDSASigner) Sign(message []byte) ([]byte, error) {
	sig, err := s.privateKey.Sign(message, sha3.NewLegacyKeccak256())
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	return sig, nil
}

func (s *ECDSASigner) PublicKey() PublicKey { return s.publicKey }
