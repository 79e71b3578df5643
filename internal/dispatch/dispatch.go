// Package dispatch routes slash-command invocations through the permission
// gate and into registered command implementations.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/guildgraph/guildgraph/internal/approval"
	"github.com/guildgraph/guildgraph/internal/flow"
	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/permission"
	"github.com/guildgraph/guildgraph/internal/token"
)

// GenericErrorReply is sent when a command fails in a way the user cannot
// act on.
const GenericErrorReply = "Something went wrong. Please try again."

// Template declares the permission tokens a command requires. Exactly one
// of Static and Dynamic is set. Static templates are resolved against the
// invocation's options; Dynamic computes tokens at invocation time and is
// honored only for interactive invocations.
type Template struct {
	Static  []string
	Dynamic func(inv *models.CommandInvocation) []token.Token
}

// Static declares fixed token templates, e.g. "object:game:{action}".
func Static(templates ...string) Template {
	return Template{Static: templates}
}

// Dynamic declares a token resolver evaluated per invocation.
func Dynamic(fn func(inv *models.CommandInvocation) []token.Token) Template {
	return Template{Dynamic: fn}
}

// Open declares that the command requires no permission.
func Open() Template { return Template{} }

func (t Template) open() bool { return len(t.Static) == 0 && t.Dynamic == nil }

// Invocation is the resolved command invocation handed to Execute. Exec is
// the shared per-invocation computation cache.
type Invocation struct {
	models.CommandInvocation
	Member models.Member
	Exec   *flow.ExecContext
}

// ReplyTarget returns the channel and reply token to respond to.
func (inv *Invocation) ReplyTarget() models.ReplyTarget {
	return models.ReplyTarget{ChannelID: inv.ChannelID, ReplyToken: inv.ReplyToken}
}

// Command is one registered slash command.
type Command interface {
	// Name is the top-level command name used for routing.
	Name() string
	// Description is the human-readable summary shown in command listings.
	Description() string
	// Permissions declares the token template gating execution.
	Permissions() Template
	// Execute runs the command after the gate has allowed it.
	Execute(ctx context.Context, inv *Invocation) error
}

// Messenger is the outbound surface the gate uses for denial and error
// replies.
type Messenger interface {
	SendReply(ctx context.Context, target models.ReplyTarget, payload models.Payload) error
}

// RuleSource loads the persisted permission rules of a guild.
type RuleSource interface {
	GetRuleSets(guildID string) (map[models.PermissionLevel]map[string]models.PermissionState, error)
}

// Gate owns the command registry and enforces the permission pipeline:
// resolve tokens, evaluate rules, run the approval workflow when required,
// then execute.
type Gate struct {
	commands  map[string]Command
	mu        sync.RWMutex
	rules     RuleSource
	evaluator *permission.Evaluator
	approvals *approval.Workflow
	messenger Messenger
	directory approval.Directory
}

// NewGate creates a Gate wired to the given collaborators.
func NewGate(rules RuleSource, evaluator *permission.Evaluator, approvals *approval.Workflow, messenger Messenger, directory approval.Directory) *Gate {
	slog.Debug("Creating dispatch Gate")
	return &Gate{
		commands:  make(map[string]Command),
		rules:     rules,
		evaluator: evaluator,
		approvals: approvals,
		messenger: messenger,
		directory: directory,
	}
}

// Register adds a command to the registry, replacing any previous command
// of the same name.
func (g *Gate) Register(cmd Command) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands[cmd.Name()] = cmd
	slog.Debug("Command registered", "command", cmd.Name())
}

// Commands returns the registered commands sorted by name.
func (g *Gate) Commands() []Command {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Command, 0, len(g.commands))
	for _, c := range g.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (g *Gate) lookup(name string) Command {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.commands[name]
}

// Dispatch runs the full gate pipeline for one invocation. It blocks until
// the command completes, including any approval wait, so the router runs
// it on a dedicated goroutine per invocation.
func (g *Gate) Dispatch(ctx context.Context, inv models.CommandInvocation) {
	slog.Debug("Dispatch invoked", "command", inv.Command, "guild", inv.GuildID, "user", inv.UserID)

	cmd := g.lookup(inv.Command)
	if cmd == nil {
		slog.Info("Unknown command invoked", "command", inv.Command, "user", inv.UserID)
		g.reply(ctx, inv, fmt.Sprintf("Unknown command: %s", inv.Command))
		return
	}

	member := g.resolveMember(ctx, inv)
	run := &Invocation{CommandInvocation: inv, Member: member, Exec: flow.NewExecContext()}

	tpl := cmd.Permissions()
	if !tpl.open() {
		candidates, err := g.resolveTokens(tpl, &inv)
		if err != nil {
			slog.Info("Permission token resolution refused", "command", inv.Command, "error", err)
			g.reply(ctx, inv, err.Error())
			return
		}
		if !g.authorize(ctx, run, candidates) {
			return
		}
	}

	g.execute(ctx, cmd, run)
}

// resolveTokens expands the template into the candidate list handed to the
// evaluator: every resolved token with its fallback chain, deduplicated,
// most specific first.
func (g *Gate) resolveTokens(tpl Template, inv *models.CommandInvocation) ([]token.Token, error) {
	var resolved []token.Token
	if tpl.Dynamic != nil {
		if !inv.Interactive {
			return nil, fmt.Errorf("command %s computes permissions per invocation and is only available interactively", inv.Command)
		}
		resolved = tpl.Dynamic(inv)
	} else {
		resolved = token.ResolveAll(tpl.Static, inv)
	}

	var candidates []token.Token
	seen := make(map[string]bool)
	for _, tok := range resolved {
		for _, fb := range tok.Fallbacks() {
			key := fb.String()
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			candidates = append(candidates, fb)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Specificity() > candidates[j].Specificity()
	})
	return candidates, nil
}

// authorize evaluates the candidates and, when the decision asks for it,
// runs the blocking approval workflow. It reports whether execution may
// proceed; denials have already been replied to.
func (g *Gate) authorize(ctx context.Context, run *Invocation, candidates []token.Token) bool {
	merged := g.loadRules(run.GuildID)
	decision := g.evaluator.Evaluate(ctx, merged, &run.Member, candidates)
	if decision.Allowed {
		return true
	}

	if decision.RequiresApproval {
		if !run.Interactive {
			slog.Info("Approval needed but invocation is not interactive", "command", run.Command, "user", run.UserID)
			g.reply(ctx, run.CommandInvocation, "This action needs administrator approval, which requires an interactive command.")
			return false
		}
		slog.Info("Invocation requires approval", "command", run.Command, "user", run.UserID, "reason", decision.Reason)
		outcome := g.approvals.Run(ctx, run.Member, run.ChannelID, run.Command, decision.Reason, candidates)
		if outcome.Approved() {
			return true
		}
		g.reply(ctx, run.CommandInvocation, approvalOutcomeReply(outcome))
		return false
	}

	slog.Info("Invocation denied", "command", run.Command, "user", run.UserID, "reason", decision.Reason)
	g.reply(ctx, run.CommandInvocation, denialReply(decision))
	return false
}

func (g *Gate) execute(ctx context.Context, cmd Command, run *Invocation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Command panicked", "command", cmd.Name(), "panic", r)
			g.reply(ctx, run.CommandInvocation, GenericErrorReply)
		}
	}()

	if err := cmd.Execute(ctx, run); err != nil {
		slog.Error("Command execution failed", "command", cmd.Name(), "user", run.UserID, "error", err)
		g.reply(ctx, run.CommandInvocation, GenericErrorReply)
		return
	}
	slog.Debug("Command executed", "command", cmd.Name(), "user", run.UserID)
}

// loadRules merges the guild's persisted rule sets across hierarchy
// levels. A load failure degrades to an empty rule set, which routes the
// invocation into the approval path rather than silently allowing it.
func (g *Gate) loadRules(guildID string) *permission.RuleSet {
	raw, err := g.rules.GetRuleSets(guildID)
	if err != nil {
		slog.Error("Failed to load permission rules", "error", err, "guild", guildID)
		return permission.NewRuleSet(models.LevelServer)
	}
	sets := make(map[models.PermissionLevel]*permission.RuleSet, len(raw))
	for level, rules := range raw {
		rs := permission.NewRuleSet(level)
		for tok, state := range rules {
			rs.Rules[tok] = state
		}
		sets[level] = rs
	}
	return permission.MergeLevels(sets)
}

func (g *Gate) resolveMember(ctx context.Context, inv models.CommandInvocation) models.Member {
	if g.directory != nil {
		members, err := g.directory.GuildMembers(ctx, inv.GuildID)
		if err != nil {
			slog.Error("Failed to list guild members", "error", err, "guild", inv.GuildID)
		} else {
			for _, m := range members {
				if m.UserID == inv.UserID {
					return m
				}
			}
		}
	}
	return models.Member{GuildID: inv.GuildID, UserID: inv.UserID}
}

func (g *Gate) reply(ctx context.Context, inv models.CommandInvocation, body string) {
	target := models.ReplyTarget{ChannelID: inv.ChannelID, ReplyToken: inv.ReplyToken}
	if err := g.messenger.SendReply(ctx, target, models.Payload{Body: body}); err != nil {
		slog.Error("Failed to send gate reply", "error", err, "channel", inv.ChannelID)
	}
}

func denialReply(d models.Decision) string {
	msg := "You are not allowed to do that."
	if d.Reason != "" {
		msg += " Reason: " + d.Reason + "."
	}
	if len(d.Missing) > 0 {
		msg += fmt.Sprintf(" Missing permissions: %v.", d.Missing)
	}
	return msg
}

func approvalOutcomeReply(o approval.Outcome) string {
	switch o {
	case approval.OutcomeDeny:
		return "Your request was denied by an administrator."
	case approval.OutcomeTimeout:
		return "No administrator responded in time. Please try again later."
	case approval.OutcomeNoAdmin:
		return "No administrator is available to approve this action."
	default:
		return "Your request was not approved."
	}
}
