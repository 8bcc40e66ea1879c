package wifi

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyFile is the name of the generated credential key inside the data dir.
const KeyFile = "credential.key"

// Sealer encrypts stored passwords. The SSID is bound as additional data so a
// sealed password cannot be moved to another network's row.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// LoadKey returns the configured hex key, or the key stored in dataDir,
// generating and persisting one on first use.
func LoadKey(hexKey, dataDir string) ([]byte, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("credential key must be %d hex-encoded bytes", chacha20poly1305.KeySize)
		}
		return key, nil
	}

	path := filepath.Join(dataDir, KeyFile)
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("credential key %s: wrong length %d", path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read credential key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate credential key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write credential key: %w", err)
	}
	return key, nil
}

// Seal encrypts password for ssid. Output is nonce || ciphertext.
func (s *Sealer) Seal(ssid, password string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(password)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(password), []byte(ssid)), nil
}

// Open decrypts a value produced by Seal for the same ssid.
func (s *Sealer) Open(ssid string, sealed []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return "", fmt.Errorf("sealed password too short")
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(ssid))
	if err != nil {
		return "", fmt.Errorf("open sealed password: %w", err)
	}
	return string(plain), nil
}
