package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
)

// FileSigner is a software signing device backed by an ed25519 seed stored
// on the filesystem. Variants with a discrete trusted hardware module swap
// in a Signer wrapping that device instead.
type FileSigner struct {
	key ed25519.PrivateKey
}

// LoadFileSigner reads an ed25519 seed from path, generating and persisting
// one when the file does not exist yet.
func LoadFileSigner(path string) (*FileSigner, error) {
	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateFileSigner(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s: expected %d byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}
	return &FileSigner{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func generateFileSigner(path string) (*FileSigner, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key seed: %w", err)
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return &FileSigner{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign signs the message with the stored key.
func (s *FileSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// PublicKey returns the public half of the stored key.
func (s *FileSigner) PublicKey() (ed25519.PublicKey, error) {
	return s.key.Public().(ed25519.PublicKey), nil
}
