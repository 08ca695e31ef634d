// Package tokens resolves remote-API credentials for outgoing mutations.
//
// Mutations are executed as the user who made the local change when that
// user has a token on file; otherwise the project's service account token
// is used and the remote shows the sync bot as the actor.
package tokens

import (
	"context"
	"errors"
	"sync"
)

// ErrNoToken means neither a user token nor a service token is available.
var ErrNoToken = errors.New("no token available")

// Provider resolves credentials. ForUser falls back to the service token
// when the user has none on file.
type Provider interface {
	// ForUser returns the token to act as the given local user. userID may
	// be empty, which resolves straight to the service token.
	ForUser(ctx context.Context, projectID, userID string) (string, error)

	// Service returns the project's service-account token.
	Service(ctx context.Context, projectID string) (string, error)
}

// Static is a Provider backed by in-memory maps, fed from configuration.
type Static struct {
	mu      sync.RWMutex
	service map[string]string            // projectID -> token
	users   map[string]map[string]string // projectID -> userID -> token
}

// NewStatic creates an empty static provider.
func NewStatic() *Static {
	return &Static{
		service: make(map[string]string),
		users:   make(map[string]map[string]string),
	}
}

// SetService sets the service-account token for a project.
func (s *Static) SetService(projectID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.service[projectID] = token
}

// SetUser sets a per-user token for a project.
func (s *Static) SetUser(projectID, userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[projectID] == nil {
		s.users[projectID] = make(map[string]string)
	}
	s.users[projectID][userID] = token
}

// ForUser implements Provider.
func (s *Static) ForUser(_ context.Context, projectID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if userID != "" {
		if tok, ok := s.users[projectID][userID]; ok && tok != "" {
			return tok, nil
		}
	}
	if tok := s.service[projectID]; tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// Service implements Provider.
func (s *Static) Service(_ context.Context, projectID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tok := s.service[projectID]; tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}
