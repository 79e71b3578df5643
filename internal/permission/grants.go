// Package permission implements the hierarchical permission evaluator and
// the forever-grant store gating command execution.
package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guildgraph/guildgraph/internal/models"
)

// GrantStore holds forever-grants: permanent allows keyed by
// (guild, user, serialized token), created only by an explicit
// approve-forever admin decision.
type GrantStore interface {
	// Grant records a forever-grant.
	Grant(ctx context.Context, guildID, userID, token, grantedBy string) error
	// HasGrant reports whether the user holds a grant exactly matching any
	// of the serialized candidate tokens.
	HasGrant(ctx context.Context, guildID, userID string, tokens []string) (bool, error)
	// ListGrants returns all grants held by the user in the guild.
	ListGrants(ctx context.Context, guildID, userID string) ([]models.Grant, error)
}

// MemoryGrantStore is the volatile in-process GrantStore. Grants vanish on
// restart; durable deployments use a store-backed implementation.
type MemoryGrantStore struct {
	grants map[string]map[string]models.Grant // guild|user -> token -> grant
	mu     sync.RWMutex
}

// NewMemoryGrantStore creates an empty in-memory grant store.
func NewMemoryGrantStore() *MemoryGrantStore {
	slog.Debug("Creating MemoryGrantStore")
	return &MemoryGrantStore{grants: make(map[string]map[string]models.Grant)}
}

func grantKey(guildID, userID string) string { return guildID + "|" + userID }

// Grant records a forever-grant.
func (s *MemoryGrantStore) Grant(ctx context.Context, guildID, userID, token, grantedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey(guildID, userID)
	if s.grants[key] == nil {
		s.grants[key] = make(map[string]models.Grant)
	}
	s.grants[key][token] = models.Grant{
		GuildID:   guildID,
		UserID:    userID,
		Token:     token,
		GrantedBy: grantedBy,
		CreatedAt: time.Now(),
	}
	slog.Info("Forever-grant recorded", "guild", guildID, "user", userID, "token", token)
	return nil
}

// HasGrant reports whether any candidate token is granted.
func (s *MemoryGrantStore) HasGrant(ctx context.Context, guildID, userID string, tokens []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	held := s.grants[grantKey(guildID, userID)]
	if held == nil {
		return false, nil
	}
	for _, tok := range tokens {
		if _, ok := held[tok]; ok {
			slog.Debug("Forever-grant matched", "guild", guildID, "user", userID, "token", tok)
			return true, nil
		}
	}
	return false, nil
}

// ListGrants returns all grants held by the user in the guild.
func (s *MemoryGrantStore) ListGrants(ctx context.Context, guildID, userID string) ([]models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	held := s.grants[grantKey(guildID, userID)]
	out := make([]models.Grant, 0, len(held))
	for _, g := range held {
		out = append(out, g)
	}
	return out, nil
}

// GrantBackend is the persistence surface a database store exposes for
// forever-grants. It mirrors the store package's grant methods without
// importing it, keeping the dependency one-directional.
type GrantBackend interface {
	AddGrant(g models.Grant) error
	HasGrant(guildID, userID string, tokens []string) (bool, error)
	ListGrants(guildID, userID string) ([]models.Grant, error)
}

// BackedGrantStore adapts a GrantBackend into a GrantStore so approvals
// granted forever survive restarts.
type BackedGrantStore struct {
	backend GrantBackend
}

// NewBackedGrantStore wraps a persistence backend as a GrantStore.
func NewBackedGrantStore(backend GrantBackend) *BackedGrantStore {
	return &BackedGrantStore{backend: backend}
}

// Grant records a forever-grant in the backend.
func (s *BackedGrantStore) Grant(ctx context.Context, guildID, userID, token, grantedBy string) error {
	err := s.backend.AddGrant(models.Grant{
		GuildID:   guildID,
		UserID:    userID,
		Token:     token,
		GrantedBy: grantedBy,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Error("Failed to persist forever-grant", "error", err, "guild", guildID, "user", userID, "token", token)
		return err
	}
	slog.Info("Forever-grant recorded", "guild", guildID, "user", userID, "token", token)
	return nil
}

// HasGrant reports whether any candidate token is granted.
func (s *BackedGrantStore) HasGrant(ctx context.Context, guildID, userID string, tokens []string) (bool, error) {
	return s.backend.HasGrant(guildID, userID, tokens)
}

// ListGrants returns all grants held by the user in the guild.
func (s *BackedGrantStore) ListGrants(ctx context.Context, guildID, userID string) ([]models.Grant, error) {
	return s.backend.ListGrants(guildID, userID)
}
