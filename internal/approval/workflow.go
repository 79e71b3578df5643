package approval

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/permission"
	"github.com/guildgraph/guildgraph/internal/token"
)

// DefaultTimeout bounds the wait for an admin decision.
const DefaultTimeout = 5 * time.Minute

// CustomIDPrefix namespaces the widget identifiers of approval prompts so
// the event router can separate them from flow interactions.
const CustomIDPrefix = "approval:"

// Approval button actions embedded in widget custom ids.
const (
	actionOnce    = "once"
	actionForever = "forever"
	actionDeny    = "deny"
)

// Messenger is the outbound delivery surface the workflow needs.
type Messenger interface {
	SendReply(ctx context.Context, target models.ReplyTarget, payload models.Payload) error
	SendDirect(ctx context.Context, userID string, payload models.Payload) error
}

// Directory lists guild members for approver selection.
type Directory interface {
	GuildMembers(ctx context.Context, guildID string) ([]models.Member, error)
}

// Opts holds workflow configuration.
type Opts struct {
	Timeout time.Duration
	Timer   models.Timer
	// RandIntN selects the approver index; injectable for tests.
	RandIntN func(n int) int
}

// Option configures the workflow.
type Option func(*Opts)

// WithTimeout overrides the decision wait bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithTimer overrides the expiry timer implementation.
func WithTimer(t models.Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithRand overrides the approver selection source.
func WithRand(fn func(n int) int) Option {
	return func(o *Opts) { o.RandIntN = fn }
}

// Workflow runs the synchronous admin-in-the-loop approval process.
type Workflow struct {
	store     *RequestStore
	grants    permission.GrantStore
	messenger Messenger
	directory Directory
	timer     models.Timer
	timeout   time.Duration
	randIntN  func(n int) int
}

// NewWorkflow creates an approval workflow.
func NewWorkflow(messenger Messenger, directory Directory, grants permission.GrantStore, opts ...Option) *Workflow {
	cfg := Opts{
		Timeout:  DefaultTimeout,
		Timer:    NewSimpleTimer(),
		RandIntN: rand.Intn,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating approval Workflow", "timeout", cfg.Timeout)
	return &Workflow{
		store:     NewRequestStore(),
		grants:    grants,
		messenger: messenger,
		directory: directory,
		timer:     cfg.Timer,
		timeout:   cfg.Timeout,
		randIntN:  cfg.RandIntN,
	}
}

// Requests exposes the ephemeral request store, mainly for tests and the
// event router.
func (w *Workflow) Requests() *RequestStore { return w.store }

// eligibleApprovers returns the non-bot administrators of the guild.
func (w *Workflow) eligibleApprovers(ctx context.Context, guildID string) ([]models.Member, error) {
	members, err := w.directory.GuildMembers(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("listing guild members: %w", err)
	}
	var admins []models.Member
	for _, m := range members {
		if m.IsAdmin && !m.IsBot {
			admins = append(admins, m)
		}
	}
	return admins, nil
}

// promptPayload builds the structured approval prompt for the approver.
func promptPayload(req *Request, approver models.Member) models.Payload {
	tokenField := req.MostSpecificToken()
	return models.Payload{
		Body: fmt.Sprintf("<@%s> an approval is needed.", approver.UserID),
		Embed: &models.Embed{
			Title:       "Approval required",
			Description: req.Reason,
			Fields: []models.EmbedField{
				{Name: "Command", Value: req.Command},
				{Name: "Requested by", Value: req.Member.UserID},
				{Name: "Permission", Value: tokenField},
			},
		},
		Widgets: []models.Widget{
			{Type: models.WidgetButton, CustomID: CustomIDPrefix + req.ID + ":" + actionOnce, Label: "Approve once", Style: models.ButtonPrimary},
			{Type: models.WidgetButton, CustomID: CustomIDPrefix + req.ID + ":" + actionForever, Label: "Approve forever", Style: models.ButtonSuccess},
			{Type: models.WidgetButton, CustomID: CustomIDPrefix + req.ID + ":" + actionDeny, Label: "Deny", Style: models.ButtonDanger},
		},
	}
}

// Run executes the approval workflow for the given requester and candidate
// tokens and blocks until a terminal outcome. On approve-forever the grant
// is persisted before Run returns.
func (w *Workflow) Run(ctx context.Context, member models.Member, channelID, command, reason string, tokens []token.Token) Outcome {
	slog.Debug("Approval Run invoked", "guild", member.GuildID, "user", member.UserID, "command", command)

	admins, err := w.eligibleApprovers(ctx, member.GuildID)
	if err != nil {
		slog.Error("Approval approver listing failed", "error", err, "guild", member.GuildID)
		return OutcomeNoAdmin
	}
	if len(admins) == 0 {
		slog.Info("Approval found no eligible approver", "guild", member.GuildID)
		return OutcomeNoAdmin
	}
	approver := admins[w.randIntN(len(admins))]

	req := NewRequest(member, channelID, command, reason, tokens, w.timeout)
	req.ApproverID = approver.UserID
	decision := w.store.Add(req)
	defer w.store.Remove(req.ID)

	payload := promptPayload(req, approver)
	if err := w.messenger.SendReply(ctx, models.ReplyTarget{ChannelID: channelID}, payload); err != nil {
		slog.Warn("Approval in-channel delivery failed, falling back to direct message", "error", err, "id", req.ID)
		if err := w.messenger.SendDirect(ctx, approver.UserID, payload); err != nil {
			slog.Error("Approval direct delivery failed", "error", err, "id", req.ID, "approver", approver.UserID)
			return OutcomeNoAdmin
		}
	}

	timerID, err := w.timer.ScheduleAfter(w.timeout, func() { w.store.Expire(req.ID) })
	if err != nil {
		slog.Error("Approval expiry scheduling failed", "error", err, "id", req.ID)
		w.store.Expire(req.ID)
	}

	var outcome Outcome
	select {
	case outcome = <-decision:
	case <-ctx.Done():
		slog.Warn("Approval wait cancelled by context", "id", req.ID)
		w.store.Expire(req.ID)
		outcome = OutcomeTimeout
	}
	if timerID != "" {
		_ = w.timer.Cancel(timerID)
	}

	if outcome == OutcomeApproveForever {
		tok := req.MostSpecificToken()
		if err := w.grants.Grant(ctx, member.GuildID, member.UserID, tok, req.RespondedBy); err != nil {
			slog.Error("Approval failed to persist forever-grant", "error", err, "id", req.ID, "token", tok)
		}
	}
	if outcome == OutcomeTimeout {
		closed := models.Payload{Body: fmt.Sprintf("Approval request for `%s` expired without a decision.", command)}
		if err := w.messenger.SendReply(ctx, models.ReplyTarget{ChannelID: channelID}, closed); err != nil {
			slog.Debug("Approval expiry notice delivery failed", "error", err, "id", req.ID)
		}
	}

	slog.Info("Approval workflow finished", "id", req.ID, "outcome", outcome)
	return outcome
}

// HandleInteraction routes an approval button press to its pending
// request. It reports whether the interaction carried an approval custom
// id; late presses on resolved or expired requests are ignored.
func (w *Workflow) HandleInteraction(ctx context.Context, in models.Interaction) bool {
	if !strings.HasPrefix(in.CustomID, CustomIDPrefix) {
		return false
	}
	rest := strings.TrimPrefix(in.CustomID, CustomIDPrefix)
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		slog.Debug("Approval interaction with malformed custom id", "custom_id", in.CustomID)
		return true
	}
	id, action := rest[:idx], rest[idx+1:]

	var outcome Outcome
	switch action {
	case actionOnce:
		outcome = OutcomeApproveOnce
	case actionForever:
		outcome = OutcomeApproveForever
	case actionDeny:
		outcome = OutcomeDeny
	default:
		slog.Debug("Approval interaction with unknown action", "action", action, "id", id)
		return true
	}

	if err := w.store.Resolve(id, in.UserID, outcome); err != nil {
		slog.Debug("Approval decision rejected", "id", id, "responder", in.UserID, "error", err)
	}
	return true
}
