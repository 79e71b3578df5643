// Package approval implements the admin-in-the-loop approval workflow
// gating denied-but-appealable command invocations.
package approval

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/token"
)

// Status tracks the lifecycle of an ephemeral approval request.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApprovedOnce    Status = "approved_once"
	StatusApprovedForever Status = "approved_forever"
	StatusDenied          Status = "denied"
	StatusExpired         Status = "expired"
)

// Outcome is the terminal result the workflow returns to the caller.
type Outcome string

const (
	OutcomeApproveOnce    Outcome = "approve_once"
	OutcomeApproveForever Outcome = "approve_forever"
	OutcomeDeny           Outcome = "deny"
	OutcomeNoAdmin        Outcome = "no_admin"
	OutcomeTimeout        Outcome = "timeout"
)

// Approved reports whether the outcome permits running the gated command.
func (o Outcome) Approved() bool {
	return o == OutcomeApproveOnce || o == OutcomeApproveForever
}

// Request is an ephemeral approval request. It is created when evaluation
// requires approval and an interactive surface is available, resolved by
// an admin decision or by timeout, and never resurrected afterward.
type Request struct {
	ID          string        `json:"id"`
	Member      models.Member `json:"member"` // requesting user
	ChannelID   string        `json:"channel_id"`
	Tokens      []token.Token `json:"-"`       // candidates, most specific first
	Command     string        `json:"command"` // originating command
	Reason      string        `json:"reason,omitempty"`
	ApproverID  string        `json:"approver_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Status      Status        `json:"status"`
	RespondedBy string        `json:"responded_by,omitempty"`
	RespondedAt time.Time     `json:"responded_at,omitempty"`
}

// MostSpecificToken returns the serialized form of the most specific
// candidate token, the one persisted on approve-forever.
func (r *Request) MostSpecificToken() string {
	if len(r.Tokens) == 0 {
		return ""
	}
	return r.Tokens[0].String()
}

// NewRequest builds a pending Request with a fresh id.
func NewRequest(member models.Member, channelID, command, reason string, tokens []token.Token, ttl time.Duration) *Request {
	now := time.Now()
	return &Request{
		ID:        uuid.NewString(),
		Member:    member,
		ChannelID: channelID,
		Tokens:    tokens,
		Command:   command,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusPending,
	}
}

type pendingEntry struct {
	req      *Request
	decision chan Outcome
}

// RequestStore holds pending approval requests in process memory.
// Resolution is idempotent: once a request reaches a terminal status, late
// decisions are rejected.
type RequestStore struct {
	pending map[string]*pendingEntry
	mu      sync.Mutex
}

// NewRequestStore creates an empty RequestStore.
func NewRequestStore() *RequestStore {
	slog.Debug("Creating approval RequestStore")
	return &RequestStore{pending: make(map[string]*pendingEntry)}
}

// Add registers a pending request and returns the channel its terminal
// outcome will be delivered on.
func (s *RequestStore) Add(req *Request) <-chan Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &pendingEntry{req: req, decision: make(chan Outcome, 1)}
	s.pending[req.ID] = entry
	slog.Debug("Approval request registered", "id", req.ID, "user", req.Member.UserID, "command", req.Command)
	return entry.decision
}

// Get returns the request with the given id, or nil.
func (s *RequestStore) Get(id string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.pending[id]; ok {
		return entry.req
	}
	return nil
}

// Resolve records an admin decision (approve-once, approve-forever, or
// deny). The responder must be the designated approver, and the request
// must still be pending; otherwise the decision is rejected.
func (s *RequestStore) Resolve(id, responderID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[id]
	if !ok {
		slog.Debug("Approval Resolve: request not found", "id", id)
		return models.ErrRequestNotFound
	}
	if entry.req.Status != StatusPending {
		slog.Debug("Approval Resolve: already resolved", "id", id, "status", entry.req.Status)
		return models.ErrRequestResolved
	}
	if entry.req.ApproverID != "" && responderID != entry.req.ApproverID {
		slog.Debug("Approval Resolve: wrong approver", "id", id, "responder", responderID)
		return models.ErrWrongApprover
	}

	switch outcome {
	case OutcomeApproveOnce:
		entry.req.Status = StatusApprovedOnce
	case OutcomeApproveForever:
		entry.req.Status = StatusApprovedForever
	case OutcomeDeny:
		entry.req.Status = StatusDenied
	default:
		return models.ErrRequestNotFound
	}
	entry.req.RespondedBy = responderID
	entry.req.RespondedAt = time.Now()
	entry.decision <- outcome
	slog.Info("Approval request resolved", "id", id, "outcome", outcome, "responder", responderID)
	return nil
}

// Expire marks a pending request as timed out. Resolved requests are left
// untouched, so a decision racing the expiry timer keeps its result.
func (s *RequestStore) Expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[id]
	if !ok || entry.req.Status != StatusPending {
		return
	}
	entry.req.Status = StatusExpired
	entry.decision <- OutcomeTimeout
	slog.Info("Approval request expired", "id", id)
}

// Remove discards the request. Called by the workflow after the wait ends.
func (s *RequestStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}
