package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Credential scopes.
const (
	// ScopeAgent authorizes the node agent protocol endpoints.
	ScopeAgent = "agent"
	// ScopeQueue authorizes consuming one named queue.
	ScopeQueue = "queue"
	// ScopeEvents authorizes the realtime event stream.
	ScopeEvents = "events"
	// ScopeContainer authorizes reading one blob container.
	ScopeContainer = "container"
)

var (
	// ErrTokenInvalid is returned for malformed or mis-signed credentials.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for well-formed credentials past expiry.
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the signed content of a credential.
type Claims struct {
	Scope     string    `json:"scope"`
	Subject   string    `json:"sub"`
	Queue     string    `json:"queue,omitempty"`
	ExpiresAt time.Time `json:"exp"`
}

// Expired reports whether the claims are past their expiry. Zero expiry
// means the credential does not expire.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Signer mints and verifies HMAC-SHA256 signed credentials.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer over the given secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Mint returns the signed credential string for the claims.
func (s *Signer) Mint(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal claims")
	}

	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body), nil
}

// Verify checks the signature and expiry and returns the claims.
func (s *Signer) Verify(token string, now time.Time) (*Claims, error) {
	body, sig, found := strings.Cut(token, ".")
	if !found {
		return nil, errors.Wrap(ErrTokenInvalid, "missing signature")
	}
	if !hmac.Equal([]byte(s.sign(body)), []byte(sig)) {
		return nil, errors.Wrap(ErrTokenInvalid, "bad signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, errors.Wrap(ErrTokenInvalid, "bad encoding")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errors.Wrap(ErrTokenInvalid, "bad payload")
	}
	if claims.Expired(now) {
		return nil, errors.Wrapf(ErrTokenExpired, "at %s", claims.ExpiresAt.Format(time.RFC3339))
	}
	return &claims, nil
}

// QueueURL mints a signed URL granting access to one named queue. Agents
// treat the URL as an opaque handle.
func (s *Signer) QueueURL(baseURL, queue string, ttl time.Duration, now time.Time) (string, error) {
	token, err := s.Mint(Claims{
		Scope:     ScopeQueue,
		Subject:   queue,
		Queue:     queue,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(baseURL, "/") + "/api/queues/" + queue + "?token=" + url.QueryEscape(token), nil
}

func (s *Signer) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// LoadOrCreateSecret returns the signing secret at path, generating and
// persisting a random one on first run so credentials survive restarts.
func LoadOrCreateSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		secret, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil {
			return nil, errors.Wrap(decodeErr, "corrupt secret file")
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to read secret file")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "failed to generate secret")
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, errors.Wrap(err, "failed to persist secret")
	}
	return secret, nil
}
