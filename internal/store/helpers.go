package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guildgraph/guildgraph/internal/models"
)

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		r         models.Record
		label     string
		props     string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&r.UID, &label, &props, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Label = models.RecordLabel(label)
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt
	if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties for %s: %w", r.UID, err)
	}
	return &r, nil
}

func collectRecords(rows *sql.Rows) ([]models.Record, error) {
	var out []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	return out, nil
}

func collectRuleSets(rows *sql.Rows) (map[models.PermissionLevel]map[string]models.PermissionState, error) {
	out := make(map[models.PermissionLevel]map[string]models.PermissionState)
	for rows.Next() {
		var level, token, state string
		if err := rows.Scan(&level, &token, &state); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		l := models.PermissionLevel(level)
		if out[l] == nil {
			out[l] = make(map[string]models.PermissionState)
		}
		out[l][token] = models.PermissionState(state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	return out, nil
}

func collectGrants(rows *sql.Rows) ([]models.Grant, error) {
	var out []models.Grant
	for rows.Next() {
		var g models.Grant
		if err := rows.Scan(&g.GuildID, &g.UserID, &g.Token, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant row: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grant rows: %w", err)
	}
	return out, nil
}

// sqlLowerPattern lowercases a name pattern and escapes nothing; callers
// wrap it in LIKE wildcards. The % and _ metacharacters are left intact
// so operators can use them in searches.
func sqlLowerPattern(pattern string) string {
	return strings.ToLower(pattern)
}
