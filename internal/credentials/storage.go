// Package credentials supplies the bearer token attached to every remote
// call. Token issuance and refresh live in the surrounding HTTP layer;
// this package only stores the credential and inspects its claims.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken indicates no credential has been stored yet.
	ErrNoToken = errors.New("credentials: no token stored")
	// ErrTokenExpired indicates the stored credential is past its expiry.
	ErrTokenExpired = errors.New("credentials: token expired")
	// ErrMissingPath indicates the store was built without a file path.
	ErrMissingPath = errors.New("credentials: storage path is required")
)

const tokenFileMode = 0o600

// TokenStoreConfig wires the store's dependencies.
type TokenStoreConfig struct {
	Path  string
	Clock func() time.Time
}

// TokenStore keeps the bearer credential in a single owner-only file.
type TokenStore struct {
	path  string
	clock func() time.Time
	mu    sync.Mutex
}

// NewTokenStore validates the path and constructs a TokenStore.
func NewTokenStore(cfg TokenStoreConfig) (*TokenStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ErrMissingPath
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenStore{path: cfg.Path, clock: clock}, nil
}

// Save persists the credential, replacing any previous one.
func (s *TokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	if err := os.WriteFile(s.path, []byte(token), tokenFileMode); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Load returns the raw stored credential.
func (s *TokenStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *TokenStore) loadLocked() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Clear removes the stored credential. Used on logout.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// BearerToken returns the stored credential after checking it has not
// expired. Signature verification is the server's job; the claims are
// parsed unverified purely to read the expiry.
func (s *TokenStore) BearerToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.loadLocked()
	if err != nil {
		return "", err
	}

	claims, err := parseClaims(token)
	if err != nil {
		// An opaque (non-JWT) credential is passed through untouched.
		return token, nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(s.clock().UTC()) {
		return "", ErrTokenExpired
	}
	return token, nil
}

// Subject returns the user identifier carried in the stored credential.
// Local records are partitioned by this value.
func (s *TokenStore) Subject() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	claims, err := parseClaims(token)
	if err != nil {
		return "", fmt.Errorf("parse token claims: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("credentials: token has no subject claim")
	}
	return claims.Subject, nil
}

func parseClaims(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
