// Package store provides storage backends for guildgraph.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetRecord(uid string) (*models.Record, error) {
	row := s.db.QueryRow(`SELECT uid, label, properties, created_at, updated_at FROM records WHERE uid = $1`, uid)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", uid, models.ErrRecordNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore GetRecord failed", "error", err, "uid", uid)
		return nil, fmt.Errorf("failed to get record %s: %w", uid, err)
	}
	return r, nil
}

func (s *PostgresStore) QueryRecords(label models.RecordLabel, pattern string) ([]models.Record, error) {
	rows, err := s.db.Query(
		`SELECT uid, label, properties, created_at, updated_at FROM records
		 WHERE label = $1 AND COALESCE(properties->>'name', '') ILIKE $2
		 ORDER BY properties->>'name'`,
		string(label), "%"+pattern+"%")
	if err != nil {
		slog.Error("PostgresStore QueryRecords query failed", "error", err, "label", label)
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *PostgresStore) CreateRecord(r models.Record) error {
	props, err := marshalProperties(r.Properties)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO records (uid, label, properties, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		r.UID, string(r.Label), props, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateRecord failed", "error", err, "uid", r.UID)
		return fmt.Errorf("failed to insert record %s: %w", r.UID, err)
	}
	slog.Debug("PostgresStore CreateRecord succeeded", "uid", r.UID, "label", r.Label)
	return nil
}

func (s *PostgresStore) UpdateRecord(r models.Record) error {
	props, err := marshalProperties(r.Properties)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE records SET properties = $1, updated_at = $2 WHERE uid = $3`,
		props, r.UpdatedAt, r.UID)
	if err != nil {
		slog.Error("PostgresStore UpdateRecord failed", "error", err, "uid", r.UID)
		return fmt.Errorf("failed to update record %s: %w", r.UID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", r.UID, models.ErrRecordNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(uid string) error {
	res, err := s.db.Exec(`DELETE FROM records WHERE uid = $1`, uid)
	if err != nil {
		slog.Error("PostgresStore DeleteRecord failed", "error", err, "uid", uid)
		return fmt.Errorf("failed to delete record %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", uid, models.ErrRecordNotFound)
	}
	return nil
}

func (s *PostgresStore) CountRecords(label models.RecordLabel) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE label = $1`, string(label)).Scan(&n)
	if err != nil {
		slog.Error("PostgresStore CountRecords failed", "error", err, "label", label)
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetRuleSets(guildID string) (map[models.PermissionLevel]map[string]models.PermissionState, error) {
	rows, err := s.db.Query(`SELECT level, token, state FROM permission_rules WHERE guild_id = $1`, guildID)
	if err != nil {
		slog.Error("PostgresStore GetRuleSets query failed", "error", err, "guild", guildID)
		return nil, fmt.Errorf("failed to query permission rules: %w", err)
	}
	defer rows.Close()
	return collectRuleSets(rows)
}

func (s *PostgresStore) SaveRule(rule models.Rule) error {
	if !models.IsValidPermissionLevel(rule.Level) {
		return fmt.Errorf("invalid permission level %q", rule.Level)
	}
	if !models.IsValidPermissionState(rule.State) {
		return fmt.Errorf("invalid permission state %q", rule.State)
	}
	_, err := s.db.Exec(
		`INSERT INTO permission_rules (guild_id, level, token, state, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (guild_id, level, token) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		rule.GuildID, string(rule.Level), rule.Token, string(rule.State), rule.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveRule failed", "error", err, "guild", rule.GuildID, "token", rule.Token)
		return fmt.Errorf("failed to save rule %s: %w", rule.Token, err)
	}
	slog.Debug("PostgresStore SaveRule succeeded", "guild", rule.GuildID, "level", rule.Level, "token", rule.Token, "state", rule.State)
	return nil
}

func (s *PostgresStore) DeleteRule(guildID string, level models.PermissionLevel, token string) error {
	_, err := s.db.Exec(`DELETE FROM permission_rules WHERE guild_id = $1 AND level = $2 AND token = $3`,
		guildID, string(level), token)
	if err != nil {
		slog.Error("PostgresStore DeleteRule failed", "error", err, "guild", guildID, "token", token)
		return fmt.Errorf("failed to delete rule %s: %w", token, err)
	}
	return nil
}

func (s *PostgresStore) AddGrant(g models.Grant) error {
	_, err := s.db.Exec(
		`INSERT INTO forever_grants (guild_id, user_id, token, granted_by, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (guild_id, user_id, token) DO UPDATE SET granted_by = EXCLUDED.granted_by, created_at = EXCLUDED.created_at`,
		g.GuildID, g.UserID, g.Token, g.GrantedBy, g.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddGrant failed", "error", err, "guild", g.GuildID, "user", g.UserID)
		return fmt.Errorf("failed to add grant %s: %w", g.Token, err)
	}
	slog.Debug("PostgresStore AddGrant succeeded", "guild", g.GuildID, "user", g.UserID, "token", g.Token)
	return nil
}

func (s *PostgresStore) HasGrant(guildID, userID string, tokens []string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM forever_grants WHERE guild_id = $1 AND user_id = $2 AND token = ANY($3)`,
		guildID, userID, pq.Array(tokens)).Scan(&n)
	if err != nil {
		slog.Error("PostgresStore HasGrant failed", "error", err, "guild", guildID, "user", userID)
		return false, fmt.Errorf("failed to check grant: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListGrants(guildID, userID string) ([]models.Grant, error) {
	rows, err := s.db.Query(
		`SELECT guild_id, user_id, token, granted_by, created_at FROM forever_grants
		 WHERE guild_id = $1 AND user_id = $2 ORDER BY token`, guildID, userID)
	if err != nil {
		slog.Error("PostgresStore ListGrants query failed", "error", err, "guild", guildID, "user", userID)
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
