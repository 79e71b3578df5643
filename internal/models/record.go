// Package models defines the opaque record type the repository layer stores.
package models

import "time"

// RecordLabel classifies records in the repository. The core treats labels
// as opaque; these constants exist for the bundled commands.
type RecordLabel string

const (
	LabelGame   RecordLabel = "game"
	LabelPlayer RecordLabel = "player"
	LabelGuild  RecordLabel = "guild"
)

// Record is an opaque labeled record keyed by UID. The core never
// interprets Properties beyond the conventional "name" and "description"
// keys used by the bundled commands.
type Record struct {
	UID        string            `json:"uid"`
	Label      RecordLabel       `json:"label"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Name returns the conventional display name property of the record.
func (r *Record) Name() string {
	if r.Properties == nil {
		return ""
	}
	return r.Properties["name"]
}

// Result wraps repository outcomes surfaced to command authors in a
// uniform success/error shape instead of raising unchecked.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// OK returns a successful Result.
func OK() Result { return Result{Success: true} }

// Fail returns a failed Result with the given error text.
func Fail(err error) Result {
	if err == nil {
		return Result{Success: false}
	}
	return Result{Success: false, Error: err.Error()}
}
