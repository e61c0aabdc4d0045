package archive

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedSuffix = ".sealed"

// FileStore writes recordings into a directory. With a key, each file is
// sealed with XChaCha20-Poly1305 as nonce||ciphertext.
type FileStore struct {
	dir  string
	aead cipher.AEAD
}

// NewFileStore opens dir. key may be nil for plain files; otherwise it
// must be chacha20poly1305.KeySize bytes.
func NewFileStore(dir string, key []byte) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	fs := &FileStore{dir: dir}
	if key != nil {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("archive key: %w", err)
		}
		fs.aead = aead
	}
	return fs, nil
}

// LoadOrCreateKey reads a 32-byte key from path, creating one if missing.
func LoadOrCreateKey(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		if len(b) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("archive key %s: want %d bytes, got %d", path, chacha20poly1305.KeySize, len(b))
		}
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *FileStore) path(name string) string {
	p := filepath.Join(s.dir, filepath.Base(name))
	if s.aead != nil {
		p += sealedSuffix
	}
	return p
}

func (s *FileStore) Put(_ context.Context, name, _ string, blob []byte) (string, error) {
	data := blob
	if s.aead != nil {
		nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(blob)+s.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return "", err
		}
		data = s.aead.Seal(nonce, nonce, blob, []byte(filepath.Base(name)))
	}
	p := s.path(name)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return p, nil
}

func (s *FileStore) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, err
	}
	if s.aead == nil {
		return data, nil
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, errors.New("archive: sealed file too short")
	}
	return s.aead.Open(nil, data[:n], data[n:], []byte(filepath.Base(name)))
}
