// Package secrets seals sensitive values with AES-256-GCM and stores them
// as opaque records. Callers keep only the secret id.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// Store encrypts secrets and persists them in the record store.
type Store struct {
	key   []byte // 32 bytes for AES-256
	store storage.Store
}

// New creates a secret store. The key must be 32 bytes.
func New(key []byte, store storage.Store) (*Store, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Store{key: key, store: store}, nil
}

// NewFromSecret derives the AES key from arbitrary secret material.
func NewFromSecret(material []byte, store storage.Store) (*Store, error) {
	if len(material) == 0 {
		return nil, errors.New("secret material cannot be empty")
	}
	hash := sha256.Sum256(material)
	return New(hash[:], store)
}

// Put seals value and stores it, returning the new secret id.
func (s *Store) Put(value []byte) (uuid.UUID, error) {
	sealed, err := s.seal(value)
	if err != nil {
		return uuid.Nil, err
	}

	secret := &types.Secret{
		SecretID:  uuid.New(),
		Data:      sealed,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Insert(secret); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to store secret")
	}
	return secret.SecretID, nil
}

// Get loads and opens the secret with the given id.
func (s *Store) Get(id uuid.UUID) ([]byte, error) {
	secret := &types.Secret{SecretID: id}
	if err := s.store.Get(secret); err != nil {
		return nil, err
	}
	return s.open(secret.Data)
}

// Delete removes the secret. Deleting an absent secret is not an error.
func (s *Store) Delete(id uuid.UUID) error {
	secret := &types.Secret{SecretID: id}
	err := s.store.Delete(secret)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}

// IDs lists every stored secret id with its creation time. The retention
// timer uses the listing to collect secrets no entity references anymore.
func (s *Store) IDs() (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time)
	err := s.store.Scan(types.KindSecret, "", func(row storage.Row) error {
		var rec struct {
			SecretID  uuid.UUID `json:"secret_id"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(row.Data, &rec); err != nil {
			return errors.Wrapf(err, "decode secret %s/%s", row.Partition, row.Row)
		}
		out[rec.SecretID] = rec.CreatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// seal encrypts plaintext with AES-256-GCM, nonce prepended.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts data produced by seal.
func (s *Store) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt")
	}
	return plaintext, nil
}
