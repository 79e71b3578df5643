// Package store provides storage backends for guildgraph.
//
// It persists opaque labeled records, permission rules, and forever-grants
// behind one Store interface, with in-memory, SQLite, and PostgreSQL
// implementations.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guildgraph/guildgraph/internal/models"
)

// Store is the repository abstraction the core uses. Records are opaque
// labeled documents keyed by UID; the core does not depend on the
// backend's query language.
type Store interface {
	// GetRecord returns the record with the given UID, or
	// models.ErrRecordNotFound.
	GetRecord(uid string) (*models.Record, error)
	// QueryRecords returns records of the label whose conventional name
	// property contains pattern (case-insensitive). An empty pattern
	// matches every record of the label.
	QueryRecords(label models.RecordLabel, pattern string) ([]models.Record, error)
	// CreateRecord stores a new record.
	CreateRecord(r models.Record) error
	// UpdateRecord replaces an existing record's properties.
	UpdateRecord(r models.Record) error
	// DeleteRecord removes a record by UID.
	DeleteRecord(uid string) error
	// CountRecords counts records of the label.
	CountRecords(label models.RecordLabel) (int, error)

	// GetRuleSets returns all permission rules of a guild grouped by level.
	GetRuleSets(guildID string) (map[models.PermissionLevel]map[string]models.PermissionState, error)
	// SaveRule inserts or replaces one permission rule.
	SaveRule(rule models.Rule) error
	// DeleteRule removes one permission rule.
	DeleteRule(guildID string, level models.PermissionLevel, token string) error

	// AddGrant inserts or refreshes a forever-grant.
	AddGrant(g models.Grant) error
	// HasGrant reports whether any of the serialized tokens is granted.
	HasGrant(guildID, userID string, tokens []string) (bool, error)
	// ListGrants returns the user's grants in the guild.
	ListGrants(guildID, userID string) ([]models.Grant, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is the volatile Store used in tests and DSN-less setups.
type InMemoryStore struct {
	records map[string]models.Record
	rules   map[string]models.Rule            // guild|level|token
	grants  map[string]map[string]models.Grant // guild|user -> token
	mu      sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	slog.Debug("Creating InMemoryStore")
	return &InMemoryStore{
		records: make(map[string]models.Record),
		rules:   make(map[string]models.Rule),
		grants:  make(map[string]map[string]models.Grant),
	}
}

// GetRecord returns the record with the given UID.
func (s *InMemoryStore) GetRecord(uid string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[uid]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", uid, models.ErrRecordNotFound)
	}
	cp := cloneRecord(r)
	return &cp, nil
}

// QueryRecords filters records by label and name substring.
func (s *InMemoryStore) QueryRecords(label models.RecordLabel, pattern string) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(pattern)
	var out []models.Record
	for _, r := range s.records {
		if r.Label != label {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.Name()), needle) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// CreateRecord stores a new record.
func (s *InMemoryStore) CreateRecord(r models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.UID]; exists {
		return fmt.Errorf("record %s already exists", r.UID)
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.records[r.UID] = cloneRecord(r)
	slog.Debug("InMemoryStore record created", "uid", r.UID, "label", r.Label)
	return nil
}

// UpdateRecord replaces an existing record.
func (s *InMemoryStore) UpdateRecord(r models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.records[r.UID]
	if !ok {
		return fmt.Errorf("record %s: %w", r.UID, models.ErrRecordNotFound)
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now()
	s.records[r.UID] = cloneRecord(r)
	return nil
}

// DeleteRecord removes a record by UID.
func (s *InMemoryStore) DeleteRecord(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[uid]; !ok {
		return fmt.Errorf("record %s: %w", uid, models.ErrRecordNotFound)
	}
	delete(s.records, uid)
	return nil
}

// CountRecords counts records of the label.
func (s *InMemoryStore) CountRecords(label models.RecordLabel) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Label == label {
			n++
		}
	}
	return n, nil
}

func ruleKey(guildID string, level models.PermissionLevel, token string) string {
	return guildID + "|" + string(level) + "|" + token
}

// GetRuleSets returns all rules of a guild grouped by level.
func (s *InMemoryStore) GetRuleSets(guildID string) (map[models.PermissionLevel]map[string]models.PermissionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.PermissionLevel]map[string]models.PermissionState)
	for _, rule := range s.rules {
		if rule.GuildID != guildID {
			continue
		}
		if out[rule.Level] == nil {
			out[rule.Level] = make(map[string]models.PermissionState)
		}
		out[rule.Level][rule.Token] = rule.State
	}
	return out, nil
}

// SaveRule inserts or replaces one permission rule.
func (s *InMemoryStore) SaveRule(rule models.Rule) error {
	if !models.IsValidPermissionLevel(rule.Level) {
		return fmt.Errorf("invalid permission level %q", rule.Level)
	}
	if !models.IsValidPermissionState(rule.State) {
		return fmt.Errorf("invalid permission state %q", rule.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.UpdatedAt = time.Now()
	s.rules[ruleKey(rule.GuildID, rule.Level, rule.Token)] = rule
	slog.Debug("InMemoryStore rule saved", "guild", rule.GuildID, "level", rule.Level, "token", rule.Token, "state", rule.State)
	return nil
}

// DeleteRule removes one permission rule.
func (s *InMemoryStore) DeleteRule(guildID string, level models.PermissionLevel, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, ruleKey(guildID, level, token))
	return nil
}

func grantKey(guildID, userID string) string { return guildID + "|" + userID }

// AddGrant inserts or refreshes a forever-grant.
func (s *InMemoryStore) AddGrant(g models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey(g.GuildID, g.UserID)
	if s.grants[key] == nil {
		s.grants[key] = make(map[string]models.Grant)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	s.grants[key][g.Token] = g
	return nil
}

// HasGrant reports whether any of the serialized tokens is granted.
func (s *InMemoryStore) HasGrant(guildID, userID string, tokens []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	held := s.grants[grantKey(guildID, userID)]
	if held == nil {
		return false, nil
	}
	for _, tok := range tokens {
		if _, ok := held[tok]; ok {
			return true, nil
		}
	}
	return false, nil
}

// ListGrants returns the user's grants in the guild.
func (s *InMemoryStore) ListGrants(guildID, userID string) ([]models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	held := s.grants[grantKey(guildID, userID)]
	out := make([]models.Grant, 0, len(held))
	for _, g := range held {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func cloneRecord(r models.Record) models.Record {
	cp := r
	if r.Properties != nil {
		cp.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}
