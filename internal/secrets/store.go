// Package secrets holds client credentials: a plaintext copy in a
// short-lived in-memory map and an encrypted mirror in durable storage.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
	"github.com/MimeLyc/subtitle-orchestrator/pkg/log"
)

// Key-derivation parameters are fixed per installation, not per call.
const (
	pbkdf2Iterations = 210_000
	derivedKeyLength = 32
)

// Record is one durable secret row. Legacy rows carry plaintext from
// before encryption at rest; they are migrated on first read.
type Record struct {
	Name            string
	Ciphertext      string
	LegacyPlaintext string
}

// DurableStore persists the encrypted mirror across restarts.
type DurableStore interface {
	GetSecret(ctx context.Context, name string) (Record, bool, error)
	PutSecret(ctx context.Context, name string, ciphertext string) error
	DeleteSecret(ctx context.Context, name string) error
}

// Store encrypts credentials at rest with a key derived from the
// installation passphrase. Decryption failure is treated as a miss,
// never as a fatal error.
type Store struct {
	durable DurableStore
	aead    cipher.AEAD

	mu        sync.Mutex
	ephemeral map[string]string
}

// NewStore derives the process-local key from passphrase and salt via
// PBKDF2-SHA256 and prepares an AES-256-GCM sealer.
func NewStore(durable DurableStore, passphrase string, salt []byte) (*Store, error) {
	if passphrase == "" {
		return nil, engine.NewError(engine.ErrConfiguration, "secret store passphrase is required")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, derivedKeyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, engine.WrapError(err, engine.ErrEncryption, "init cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, engine.WrapError(err, engine.ErrEncryption, "init gcm")
	}
	return &Store{
		durable:   durable,
		aead:      aead,
		ephemeral: make(map[string]string),
	}, nil
}

// Store writes the plaintext to the ephemeral map immediately and mirrors
// the encrypted form to durable storage. A failed durable write logs and
// does not block the session.
func (s *Store) Store(ctx context.Context, name, value string) {
	s.mu.Lock()
	s.ephemeral[name] = value
	s.mu.Unlock()

	if s.durable == nil {
		return
	}
	ciphertext, err := s.seal(value)
	if err != nil {
		log.Error("Failed to encrypt secret %s: %v", name, err)
		return
	}
	if err := s.durable.PutSecret(ctx, name, ciphertext); err != nil {
		log.Error("Failed to persist secret %s: %v", name, err)
	}
}

// Retrieve reads ephemeral first, then the encrypted mirror, then a legacy
// plaintext row which it migrates in place. Returns false on miss.
func (s *Store) Retrieve(ctx context.Context, name string) (string, bool) {
	s.mu.Lock()
	value, ok := s.ephemeral[name]
	s.mu.Unlock()
	if ok {
		return value, true
	}

	if s.durable == nil {
		return "", false
	}
	record, found, err := s.durable.GetSecret(ctx, name)
	if err != nil {
		log.Error("Failed to read secret %s: %v", name, err)
		return "", false
	}
	if !found {
		return "", false
	}

	if record.Ciphertext != "" {
		plaintext, err := s.open(record.Ciphertext)
		if err != nil {
			// Corrupted ciphertext or key mismatch is a miss.
			log.Warn("Failed to decrypt secret %s, treating as miss: %v", name, err)
			return "", false
		}
		s.mu.Lock()
		s.ephemeral[name] = plaintext
		s.mu.Unlock()
		return plaintext, true
	}

	if record.LegacyPlaintext != "" {
		s.migrateLegacy(ctx, name, record.LegacyPlaintext)
		return record.LegacyPlaintext, true
	}

	return "", false
}

// Clear removes the secret from both stores.
func (s *Store) Clear(ctx context.Context, name string) {
	s.mu.Lock()
	delete(s.ephemeral, name)
	s.mu.Unlock()

	if s.durable == nil {
		return
	}
	if err := s.durable.DeleteSecret(ctx, name); err != nil {
		log.Error("Failed to delete secret %s: %v", name, err)
	}
}

// DropEphemeral clears only the in-memory copies, forcing the next
// Retrieve through the encrypted mirror.
func (s *Store) DropEphemeral() {
	s.mu.Lock()
	s.ephemeral = make(map[string]string)
	s.mu.Unlock()
}

// migrateLegacy replaces a plaintext row with its encrypted form. PutSecret
// overwrites the whole row, removing the plaintext copy.
func (s *Store) migrateLegacy(ctx context.Context, name, plaintext string) {
	s.mu.Lock()
	s.ephemeral[name] = plaintext
	s.mu.Unlock()

	ciphertext, err := s.seal(plaintext)
	if err != nil {
		log.Error("Failed to encrypt legacy secret %s: %v", name, err)
		return
	}
	if err := s.durable.PutSecret(ctx, name, ciphertext); err != nil {
		log.Error("Failed to migrate legacy secret %s: %v", name, err)
	}
}

func (s *Store) seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", engine.WrapError(err, engine.ErrEncryption, "generate nonce")
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", engine.WrapError(err, engine.ErrEncryption, "decode ciphertext")
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", engine.NewError(engine.ErrEncryption, fmt.Sprintf("ciphertext too short: %d bytes", len(raw)))
	}
	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", engine.WrapError(err, engine.ErrEncryption, "decrypt")
	}
	return string(plaintext), nil
}
