package types

import (
	"time"

	"github.com/google/uuid"
)

// Secret is an encrypted blob in the record store. Entities never embed
// sensitive values directly; they hold the SecretID and resolve it through
// the secret store when needed.
type Secret struct {
	Meta
	SecretID  uuid.UUID `json:"secret_id"`
	Data      []byte    `json:"data"` // AES-GCM sealed, nonce prepended
	CreatedAt time.Time `json:"created_at"`
}

func (s *Secret) Kind() Kind { return KindSecret }

func (s *Secret) Keys() (string, string) {
	return s.SecretID.String(), s.SecretID.String()
}
