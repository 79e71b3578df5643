// Package models defines the core data structures for guildgraph.
//
// It includes inbound platform events, outbound reply payloads, and the
// permission/approval types shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxReplyBodyLength defines the maximum allowed length for reply body content
	MaxReplyBodyLength = 2000
	// MaxWidgetsPerPayload defines the maximum number of widgets attached to one payload
	MaxWidgetsPerPayload = 25
	// MaxSelectOptionsCount defines the maximum number of options in a select widget
	MaxSelectOptionsCount = 25
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID       = errors.New("user id cannot be empty")
	ErrEmptyGuildID      = errors.New("guild id cannot be empty")
	ErrEmptyCustomID     = errors.New("widget custom id cannot be empty")
	ErrReplyBodyTooLong  = errors.New("reply body exceeds maximum length")
	ErrTooManyWidgets    = errors.New("payload exceeds maximum widget count")
	ErrUnknownWidgetType = errors.New("unknown widget type")
	ErrNotInteractive    = errors.New("invocation has no interactive surface")
	ErrDeliveryFailed    = errors.New("message delivery failed")
	ErrRecordNotFound    = errors.New("record not found")
	ErrDuplicateStepTag  = errors.New("duplicate step tag in flow definition")
	ErrUntaggedStep      = errors.New("remember requires a tagged step")
	ErrNoActiveFlow      = errors.New("no active flow for user")
	ErrRequestResolved   = errors.New("approval request already resolved")
	ErrRequestNotFound   = errors.New("approval request not found")
	ErrWrongApprover     = errors.New("decision from a non-designated approver")
)

// Member identifies a platform user within a guild, with the capability
// bits the permission layer consults.
type Member struct {
	GuildID  string `json:"guild_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"is_admin"`
	IsBot    bool   `json:"is_bot"`
}

// CommandInvocation represents an inbound "command invoked" event.
type CommandInvocation struct {
	Command     string            `json:"command"`
	Subcommand  string            `json:"subcommand,omitempty"`
	GuildID     string            `json:"guild_id"`
	ChannelID   string            `json:"channel_id"`
	UserID      string            `json:"user_id"`
	Options     map[string]string `json:"options,omitempty"`
	Interactive bool              `json:"interactive"`
	ReplyToken  string            `json:"reply_token,omitempty"`
	Time        int64             `json:"time"`
}

// Interaction represents an inbound component interaction (button press,
// select choice, modal submit) delivered by the platform gateway.
type Interaction struct {
	ID        string   `json:"id"`
	CustomID  string   `json:"custom_id"`
	GuildID   string   `json:"guild_id"`
	ChannelID string   `json:"channel_id"`
	UserID    string   `json:"user_id"`
	Values    []string `json:"values,omitempty"`
	Time      int64    `json:"time"`
}

// Value returns the first selected value of the interaction, or empty.
func (i Interaction) Value() string {
	if len(i.Values) == 0 {
		return ""
	}
	return i.Values[0]
}

// Message represents an inbound free-text message.
type Message struct {
	ID            string `json:"id"`
	GuildID       string `json:"guild_id"`
	ChannelID     string `json:"channel_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	Time          int64  `json:"time"`
}

// WidgetType identifies the kind of interactive widget attached to a payload.
type WidgetType string

const (
	// WidgetButton is a clickable button.
	WidgetButton WidgetType = "button"
	// WidgetSelect is a single-choice select menu.
	WidgetSelect WidgetType = "select"
)

// IsValidWidgetType checks if the given widget type is supported.
func IsValidWidgetType(wt WidgetType) bool {
	switch wt {
	case WidgetButton, WidgetSelect:
		return true
	default:
		return false
	}
}

// ButtonStyle selects the visual treatment of a button widget.
type ButtonStyle string

const (
	ButtonPrimary   ButtonStyle = "primary"
	ButtonSecondary ButtonStyle = "secondary"
	ButtonSuccess   ButtonStyle = "success"
	ButtonDanger    ButtonStyle = "danger"
)

// WidgetOption is one selectable entry in a select widget.
type WidgetOption struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// Widget is a declarative interactive control the presentation layer renders.
type Widget struct {
	Type        WidgetType     `json:"type"`
	CustomID    string         `json:"custom_id"`
	Label       string         `json:"label,omitempty"`
	Style       ButtonStyle    `json:"style,omitempty"`
	Placeholder string         `json:"placeholder,omitempty"`
	Options     []WidgetOption `json:"options,omitempty"`
	Disabled    bool           `json:"disabled,omitempty"`
}

// EmbedField is one titled field of an embed block.
type EmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Embed is optional structured content attached to a payload.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// Payload is the declarative outbound reply the core hands to the
// presentation layer: text plus optional embed and widget set.
type Payload struct {
	Body      string   `json:"body,omitempty"`
	Embed     *Embed   `json:"embed,omitempty"`
	Widgets   []Widget `json:"widgets,omitempty"`
	Ephemeral bool     `json:"ephemeral,omitempty"`
	Update    bool     `json:"update,omitempty"`
}

// Validate performs validation on a Payload structure.
func (p *Payload) Validate() error {
	if len(p.Body) > MaxReplyBodyLength {
		return ErrReplyBodyTooLong
	}
	if len(p.Widgets) > MaxWidgetsPerPayload {
		return ErrTooManyWidgets
	}
	for _, w := range p.Widgets {
		if !IsValidWidgetType(w.Type) {
			return ErrUnknownWidgetType
		}
		if w.CustomID == "" {
			return ErrEmptyCustomID
		}
	}
	return nil
}

// ReplyTarget addresses an outbound payload: a follow-up to an
// invocation/interaction when ReplyToken is set, otherwise a channel post.
type ReplyTarget struct {
	ChannelID  string `json:"channel_id,omitempty"`
	ReplyToken string `json:"reply_token,omitempty"`
}

// Timer abstracts scheduled one-shot actions so components with bounded
// waits can be tested with fake clocks.
type Timer interface {
	// ScheduleAfter schedules fn to run after delay and returns a timer ID.
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	// Cancel cancels a scheduled function by ID.
	Cancel(id string) error
	// Stop cancels all scheduled functions.
	Stop()
}
