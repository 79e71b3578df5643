package permission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/token"
)

// Reason strings surfaced with non-allow decisions.
const (
	ReasonAdminBypass  = "administrator bypass"
	ReasonForeverGrant = "forever-grant"
	ReasonNoRules      = "no explicit permissions configured"
	ReasonNotDefined   = "token(s) not defined"
	ReasonForbidden    = "explicitly forbidden"
)

// Evaluator computes permission decisions from declarative rule sets, the
// forever-grant store, and the member's admin capability.
type Evaluator struct {
	grants GrantStore
}

// NewEvaluator creates an Evaluator consulting the given grant store.
func NewEvaluator(grants GrantStore) *Evaluator {
	slog.Debug("Creating permission Evaluator")
	return &Evaluator{grants: grants}
}

// Evaluate determines the aggregate decision for the candidate tokens,
// ordered most to least specific. It never returns an error and never
// panics outward: internal failures become a denial carrying the error
// text as reason.
func (e *Evaluator) Evaluate(ctx context.Context, rules *RuleSet, member *models.Member, candidates []token.Token) (decision models.Decision) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Evaluator recovered from panic", "panic", r)
			decision = models.Decision{Allowed: false, Reason: fmt.Sprintf("internal evaluation error: %v", r)}
		}
	}()

	// Administrators bypass every rule, including explicit forbids.
	if member != nil && member.IsAdmin {
		slog.Debug("Evaluator admin bypass", "guild", member.GuildID, "user", member.UserID)
		return models.Decision{Allowed: true, Reason: ReasonAdminBypass}
	}

	if member != nil && e.grants != nil {
		held, err := e.grants.HasGrant(ctx, member.GuildID, member.UserID, token.Serialize(candidates))
		if err != nil {
			slog.Error("Evaluator grant lookup failed", "error", err, "user", member.UserID)
			return models.Decision{Allowed: false, Reason: fmt.Sprintf("grant lookup failed: %s", err)}
		}
		if held {
			return models.Decision{Allowed: true, Reason: ReasonForeverGrant}
		}
	}

	if rules.Empty() {
		slog.Debug("Evaluator has no rule set, requiring approval", "candidates", len(candidates))
		return models.Decision{
			Allowed:          false,
			Reason:           ReasonNoRules,
			RequiresApproval: true,
		}
	}

	index := IndexRuleSet(rules)
	var missing []string
	for _, cand := range candidates {
		state, matched, ok := index.Match(cand)
		if !ok || state == models.StateUndefined {
			missing = append(missing, cand.String())
			continue
		}
		switch state {
		case models.StateAllowed:
			slog.Debug("Evaluator allowed", "token", matched)
			return models.Decision{Allowed: true}
		case models.StateOnce:
			slog.Debug("Evaluator one-time approval required", "token", matched)
			return models.Decision{
				Allowed:          false,
				Reason:           fmt.Sprintf("one-time approval required for %s", cand.String()),
				Missing:          []string{cand.String()},
				RequiresApproval: true,
			}
		case models.StateForbidden:
			slog.Debug("Evaluator forbidden", "token", matched)
			return models.Decision{Allowed: false, Reason: ReasonForbidden}
		}
	}

	slog.Debug("Evaluator found no definitive rule", "missing", len(missing))
	return models.Decision{
		Allowed:          false,
		Reason:           ReasonNotDefined,
		Missing:          missing,
		RequiresApproval: true,
	}
}
