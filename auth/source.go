package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// SessionSource is the identity of the authenticated session. It is set once the
// session is issued and cleared on logout.
type SessionSource struct {
	sync.RWMutex
	id *Identity
}

func (s *SessionSource) Name() string { return "session" }

func (s *SessionSource) Set(id *Identity) {
	s.Lock()
	if id == nil {
		s.id = nil
	} else {
		c := *id
		s.id = &c
	}
	s.Unlock()
}

func (s *SessionSource) Identity(ctx context.Context) (*Identity, error) {
	s.RLock()
	defer s.RUnlock()
	if s.id == nil {
		return nil, nil
	}
	c := *s.id
	return &c, nil
}

// ProfileSource reads the locally cached profile.
type ProfileSource struct {
	Store ProfileStore
}

func (s *ProfileSource) Name() string { return "profile" }

func (s *ProfileSource) Identity(ctx context.Context) (*Identity, error) {
	if s.Store == nil {
		return nil, nil
	}
	id, name, ok := s.Store.LoadProfile()
	if !ok {
		return nil, nil
	}
	return &Identity{ID: id, DisplayName: name}, nil
}

// claims of the credential we care about. Backends put the display name under
// different keys.
type claims struct {
	jwt.Claims
	UserID   string `json:"userId,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Name     string `json:"name,omitempty"`
}

var credentialAlgs = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.EdDSA,
}

// ClaimsSource decodes the claims of the current credential (a JWT). The signature
// is not verified: the claims only serve as an identity hint, the backend
// authenticates every call anyway.
type ClaimsSource struct {
	// Credential returns the current credential, empty when logged out.
	Credential func() string
}

func (s *ClaimsSource) Name() string { return "claims" }

func (s *ClaimsSource) Identity(ctx context.Context) (*Identity, error) {
	if s.Credential == nil {
		return nil, nil
	}
	token := s.Credential()
	if token == "" {
		return nil, nil
	}
	return DecodeClaims(token)
}

// DecodeClaims extracts the identity from an unverified JWT.
func DecodeClaims(token string) (*Identity, error) {
	tok, err := jwt.ParseSigned(token, credentialAlgs)
	if err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	var c claims
	if err := tok.UnsafeClaimsWithoutVerification(&c); err != nil {
		return nil, fmt.Errorf("decode credential claims: %w", err)
	}

	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	name := c.Nickname
	if name == "" {
		name = c.Name
	}
	out := &Identity{ID: id, DisplayName: name}
	if out.empty() {
		return nil, nil
	}
	return out, nil
}
