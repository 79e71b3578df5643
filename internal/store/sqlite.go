// Package store provides storage backends for guildgraph.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/guildgraph/guildgraph/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file. If the directory
// doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetRecord(uid string) (*models.Record, error) {
	row := s.db.QueryRow(`SELECT uid, label, properties, created_at, updated_at FROM records WHERE uid = ?`, uid)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", uid, models.ErrRecordNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore GetRecord failed", "error", err, "uid", uid)
		return nil, fmt.Errorf("failed to get record %s: %w", uid, err)
	}
	return r, nil
}

func (s *SQLiteStore) QueryRecords(label models.RecordLabel, pattern string) ([]models.Record, error) {
	rows, err := s.db.Query(
		`SELECT uid, label, properties, created_at, updated_at FROM records
		 WHERE label = ? AND LOWER(COALESCE(json_extract(properties, '$.name'), '')) LIKE ?
		 ORDER BY json_extract(properties, '$.name')`,
		string(label), "%"+sqlLowerPattern(pattern)+"%")
	if err != nil {
		slog.Error("SQLiteStore QueryRecords query failed", "error", err, "label", label)
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *SQLiteStore) CreateRecord(r models.Record) error {
	props, err := marshalProperties(r.Properties)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO records (uid, label, properties, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		r.UID, string(r.Label), props, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateRecord failed", "error", err, "uid", r.UID)
		return fmt.Errorf("failed to insert record %s: %w", r.UID, err)
	}
	slog.Debug("SQLiteStore CreateRecord succeeded", "uid", r.UID, "label", r.Label)
	return nil
}

func (s *SQLiteStore) UpdateRecord(r models.Record) error {
	props, err := marshalProperties(r.Properties)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE records SET properties = ?, updated_at = ? WHERE uid = ?`,
		props, r.UpdatedAt, r.UID)
	if err != nil {
		slog.Error("SQLiteStore UpdateRecord failed", "error", err, "uid", r.UID)
		return fmt.Errorf("failed to update record %s: %w", r.UID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", r.UID, models.ErrRecordNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteRecord(uid string) error {
	res, err := s.db.Exec(`DELETE FROM records WHERE uid = ?`, uid)
	if err != nil {
		slog.Error("SQLiteStore DeleteRecord failed", "error", err, "uid", uid)
		return fmt.Errorf("failed to delete record %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", uid, models.ErrRecordNotFound)
	}
	return nil
}

func (s *SQLiteStore) CountRecords(label models.RecordLabel) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE label = ?`, string(label)).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore CountRecords failed", "error", err, "label", label)
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetRuleSets(guildID string) (map[models.PermissionLevel]map[string]models.PermissionState, error) {
	rows, err := s.db.Query(`SELECT level, token, state FROM permission_rules WHERE guild_id = ?`, guildID)
	if err != nil {
		slog.Error("SQLiteStore GetRuleSets query failed", "error", err, "guild", guildID)
		return nil, fmt.Errorf("failed to query permission rules: %w", err)
	}
	defer rows.Close()
	return collectRuleSets(rows)
}

func (s *SQLiteStore) SaveRule(rule models.Rule) error {
	if !models.IsValidPermissionLevel(rule.Level) {
		return fmt.Errorf("invalid permission level %q", rule.Level)
	}
	if !models.IsValidPermissionState(rule.State) {
		return fmt.Errorf("invalid permission state %q", rule.State)
	}
	_, err := s.db.Exec(
		`INSERT INTO permission_rules (guild_id, level, token, state, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id, level, token) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		rule.GuildID, string(rule.Level), rule.Token, string(rule.State), rule.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveRule failed", "error", err, "guild", rule.GuildID, "token", rule.Token)
		return fmt.Errorf("failed to save rule %s: %w", rule.Token, err)
	}
	slog.Debug("SQLiteStore SaveRule succeeded", "guild", rule.GuildID, "level", rule.Level, "token", rule.Token, "state", rule.State)
	return nil
}

func (s *SQLiteStore) DeleteRule(guildID string, level models.PermissionLevel, token string) error {
	_, err := s.db.Exec(`DELETE FROM permission_rules WHERE guild_id = ? AND level = ? AND token = ?`,
		guildID, string(level), token)
	if err != nil {
		slog.Error("SQLiteStore DeleteRule failed", "error", err, "guild", guildID, "token", token)
		return fmt.Errorf("failed to delete rule %s: %w", token, err)
	}
	return nil
}

func (s *SQLiteStore) AddGrant(g models.Grant) error {
	_, err := s.db.Exec(
		`INSERT INTO forever_grants (guild_id, user_id, token, granted_by, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(guild_id, user_id, token) DO UPDATE SET granted_by = excluded.granted_by, created_at = excluded.created_at`,
		g.GuildID, g.UserID, g.Token, g.GrantedBy, g.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddGrant failed", "error", err, "guild", g.GuildID, "user", g.UserID)
		return fmt.Errorf("failed to add grant %s: %w", g.Token, err)
	}
	slog.Debug("SQLiteStore AddGrant succeeded", "guild", g.GuildID, "user", g.UserID, "token", g.Token)
	return nil
}

func (s *SQLiteStore) HasGrant(guildID, userID string, tokens []string) (bool, error) {
	for _, tok := range tokens {
		var n int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM forever_grants WHERE guild_id = ? AND user_id = ? AND token = ?`,
			guildID, userID, tok).Scan(&n)
		if err != nil {
			slog.Error("SQLiteStore HasGrant failed", "error", err, "guild", guildID, "user", userID)
			return false, fmt.Errorf("failed to check grant: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *SQLiteStore) ListGrants(guildID, userID string) ([]models.Grant, error) {
	rows, err := s.db.Query(
		`SELECT guild_id, user_id, token, granted_by, created_at FROM forever_grants
		 WHERE guild_id = ? AND user_id = ? ORDER BY token`, guildID, userID)
	if err != nil {
		slog.Error("SQLiteStore ListGrants query failed", "error", err, "guild", guildID, "user", userID)
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalProperties(props map[string]string) (string, error) {
	if props == nil {
		props = map[string]string{}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("failed to marshal properties: %w", err)
	}
	return string(b), nil
}
