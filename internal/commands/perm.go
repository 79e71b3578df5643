package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/guildgraph/guildgraph/internal/dispatch"
	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/permission"
	"github.com/guildgraph/guildgraph/internal/store"
	"github.com/guildgraph/guildgraph/internal/token"
)

// PermCommand manages permission rules: set a rule at a hierarchy level,
// list the guild's rules, list a user's forever-grants. The required
// token depends on the subcommand, so permissions are computed per
// invocation.
type PermCommand struct {
	store     store.Store
	grants    permission.GrantStore
	messenger dispatch.Messenger
}

// NewPermCommand creates the perm command.
func NewPermCommand(st store.Store, grants permission.GrantStore, messenger dispatch.Messenger) *PermCommand {
	return &PermCommand{store: st, grants: grants, messenger: messenger}
}

func (c *PermCommand) Name() string        { return "perm" }
func (c *PermCommand) Description() string { return "Manage permission rules and grants" }

func (c *PermCommand) Permissions() dispatch.Template {
	return dispatch.Dynamic(func(inv *models.CommandInvocation) []token.Token {
		return []token.Token{token.FromValues("perm", inv.Subcommand)}
	})
}

func (c *PermCommand) Execute(ctx context.Context, inv *dispatch.Invocation) error {
	switch inv.Subcommand {
	case "set":
		return c.setRule(ctx, inv)
	case "list":
		return c.listRules(ctx, inv)
	case "grants":
		return c.listGrants(ctx, inv)
	default:
		return c.reply(ctx, inv, fmt.Sprintf("Unknown perm subcommand: %s", inv.Subcommand))
	}
}

func (c *PermCommand) setRule(ctx context.Context, inv *dispatch.Invocation) error {
	level := models.PermissionLevel(strings.TrimSpace(inv.Options["level"]))
	if level == "" {
		level = models.LevelServer
	}
	state := models.PermissionState(strings.TrimSpace(inv.Options["state"]))
	raw := strings.TrimSpace(inv.Options["token"])
	if raw == "" {
		return c.reply(ctx, inv, "A rule needs a token, e.g. object:game:create.")
	}
	if !models.IsValidPermissionLevel(level) {
		return c.reply(ctx, inv, fmt.Sprintf("Unknown level %q. Levels: user, organization, server, admin.", level))
	}
	if !models.IsValidPermissionState(state) || state == models.StateUndefined {
		return c.reply(ctx, inv, fmt.Sprintf("Unknown state %q. States: allowed, once, forbidden.", state))
	}

	// Normalizing through the token layer keeps rule keys canonical.
	serialized := token.Parse(raw).String()
	rule := models.Rule{
		GuildID:   inv.GuildID,
		Level:     level,
		Token:     serialized,
		State:     state,
		UpdatedAt: time.Now(),
	}
	if err := c.store.SaveRule(rule); err != nil {
		return fmt.Errorf("saving rule: %w", err)
	}
	slog.Info("Permission rule set", "guild", inv.GuildID, "level", level, "token", serialized, "state", state, "by", inv.UserID)
	return c.reply(ctx, inv, fmt.Sprintf("Rule set: %s is %s at the %s level.", serialized, state, level))
}

func (c *PermCommand) listRules(ctx context.Context, inv *dispatch.Invocation) error {
	sets, err := c.store.GetRuleSets(inv.GuildID)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if len(sets) == 0 {
		return c.reply(ctx, inv, "No permission rules are configured for this guild.")
	}

	embed := &models.Embed{Title: "Permission rules"}
	for _, level := range models.LevelOrder {
		rules := sets[level]
		if len(rules) == 0 {
			continue
		}
		tokens := make([]string, 0, len(rules))
		for tok := range rules {
			tokens = append(tokens, tok)
		}
		sort.Strings(tokens)
		var b strings.Builder
		for _, tok := range tokens {
			fmt.Fprintf(&b, "%s: %s\n", tok, rules[tok])
		}
		embed.Fields = append(embed.Fields, models.EmbedField{Name: string(level), Value: b.String()})
	}
	return c.messenger.SendReply(ctx, inv.ReplyTarget(), models.Payload{Embed: embed})
}

func (c *PermCommand) listGrants(ctx context.Context, inv *dispatch.Invocation) error {
	userID := strings.TrimSpace(inv.Options["user"])
	if userID == "" {
		userID = inv.UserID
	}
	grants, err := c.grants.ListGrants(ctx, inv.GuildID, userID)
	if err != nil {
		return fmt.Errorf("loading grants: %w", err)
	}
	if len(grants) == 0 {
		return c.reply(ctx, inv, fmt.Sprintf("<@%s> holds no forever-grants.", userID))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Forever-grants held by <@%s>:\n", userID)
	for _, g := range grants {
		fmt.Fprintf(&b, "%s (granted by <@%s>)\n", g.Token, g.GrantedBy)
	}
	return c.reply(ctx, inv, b.String())
}

func (c *PermCommand) reply(ctx context.Context, inv *dispatch.Invocation, body string) error {
	return c.messenger.SendReply(ctx, inv.ReplyTarget(), models.Payload{Body: body})
}
