package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	MasterKeyFile = "master.key"
	// MasterKeySize is the AES-256 key size in bytes.
	MasterKeySize = 32
)

// MasterKeyProvider loads the key that encrypts secret values, generating it
// on first start.
type MasterKeyProvider struct {
	keyPath string
	key     []byte
}

// NewMasterKeyProvider loads or creates dataDir/master.key.
func NewMasterKeyProvider(dataDir string) (*MasterKeyProvider, error) {
	p := &MasterKeyProvider{keyPath: filepath.Join(dataDir, MasterKeyFile)}

	data, err := os.ReadFile(p.keyPath)
	switch {
	case err == nil && len(data) == MasterKeySize:
		p.key = data
		return p, nil
	case err == nil:
		return nil, fmt.Errorf("master key %s: want %d bytes, got %d", p.keyPath, MasterKeySize, len(data))
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(p.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	p.key = key
	return p, nil
}

func (p *MasterKeyProvider) Key() []byte { return p.key }

// Encrypt seals plaintext with AES-256-GCM under a random nonce.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
