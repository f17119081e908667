// Package tokenstore holds ERP credential sets at rest. Payloads are sealed
// with XChaCha20-Poly1305; the core never refreshes tokens itself, it only
// stores what callers hand it and reports when a token is due for refresh.
package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/corralhq/corral/pkg/fault"
)

// Credentials is one stored ERP credential set, keyed by connection name.
type Credentials struct {
	ConnectionName string    `json:"connection_name"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	TokenType      string    `json:"token_type,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// Store is the credential storage contract.
type Store interface {
	Save(ctx context.Context, creds Credentials) error
	Load(ctx context.Context, connectionName string) (Credentials, error)
	Delete(ctx context.Context, connectionName string) error
}

// Encryption seals and opens credential payloads.
type Encryption struct {
	key []byte
}

// NewEncryption builds the sealer from a 32-byte hex key.
func NewEncryption(hexKey string) (*Encryption, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, &fault.ValidationError{Field: "token_key", Reason: "not valid hex"}
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, &fault.ValidationError{
			Field:  "token_key",
			Reason: fmt.Sprintf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key)),
		}
	}
	return &Encryption{key: key}, nil
}

// Seal encrypts plaintext with a fresh random nonce prepended to the box.
func (e *Encryption) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: building cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fault.Transient("tokenstore.nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed box. Tampered or wrong-key payloads fail
// authentication as an integrity error.
func (e *Encryption) Open(box []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: building cipher: %w", err)
	}
	if len(box) < aead.NonceSize() {
		return nil, &fault.IntegrityError{Subject: "token payload shorter than nonce"}
	}
	nonce, ciphertext := box[:aead.NonceSize()], box[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &fault.IntegrityError{Subject: "token payload failed authentication"}
	}
	return plaintext, nil
}

// FileStore keeps one sealed file per connection under a root directory.
type FileStore struct {
	root string
	enc  *Encryption
	mu   sync.Mutex
}

// NewFileStore creates the store rooted at dir. enc may be nil, in which case
// payloads are stored unsealed (development only).
func NewFileStore(dir string, enc *Encryption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fault.Transient("tokenstore.mkdir", err)
	}
	return &FileStore{root: dir, enc: enc}, nil
}

func (s *FileStore) path(connectionName string) (string, error) {
	var b strings.Builder
	for _, r := range connectionName {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", &fault.ValidationError{Field: "connection_name", Reason: "empty after sanitization"}
	}
	return filepath.Join(s.root, b.String()+".tok"), nil
}

func (s *FileStore) Save(ctx context.Context, creds Credentials) error {
	if err := ctx.Err(); err != nil {
		return fault.Transient("tokenstore.save", err)
	}
	path, err := s.path(creds.ConnectionName)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("tokenstore: encoding credentials: %w", err)
	}
	if s.enc != nil {
		if payload, err = s.enc.Seal(payload); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fault.Transient("tokenstore.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fault.Transient("tokenstore.commit", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, connectionName string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, fault.Transient("tokenstore.load", err)
	}
	path, err := s.path(connectionName)
	if err != nil {
		return Credentials{}, err
	}

	s.mu.Lock()
	payload, err := os.ReadFile(path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, &fault.NotFoundError{Kind: "credentials", Key: connectionName}
		}
		return Credentials{}, fault.Transient("tokenstore.read", err)
	}
	if s.enc != nil {
		if payload, err = s.enc.Open(payload); err != nil {
			return Credentials{}, err
		}
	}
	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return Credentials{}, &fault.IntegrityError{Subject: "credentials for " + connectionName}
	}
	return creds, nil
}

func (s *FileStore) Delete(ctx context.Context, connectionName string) error {
	if err := ctx.Err(); err != nil {
		return fault.Transient("tokenstore.delete", err)
	}
	path, err := s.path(connectionName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fault.Transient("tokenstore.delete", err)
	}
	return nil
}

// TokenExpiry reads the exp claim from a JWT access token without verifying
// its signature. Verification belongs to the issuer; this is only for
// refresh-ahead scheduling. A token without exp returns false.
func TokenExpiry(accessToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// NeedsRefresh reports whether the stored token expires within the lead
// window. Tokens with no known expiry never report due.
func NeedsRefresh(creds Credentials, now time.Time, lead time.Duration) bool {
	expiresAt := creds.ExpiresAt
	if expiresAt.IsZero() {
		if exp, ok := TokenExpiry(creds.AccessToken); ok {
			expiresAt = exp
		}
	}
	if expiresAt.IsZero() {
		return false
	}
	return !now.Add(lead).Before(expiresAt)
}
