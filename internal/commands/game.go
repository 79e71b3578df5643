// Package commands implements the bundled slash commands built on the
// dispatch gate, the flow engine, and the record store.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guildgraph/guildgraph/internal/dispatch"
	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/store"
)

// GameCommand creates game records. Creation is gated by the
// object:game:create permission token.
type GameCommand struct {
	store     store.Store
	messenger dispatch.Messenger
}

// NewGameCommand creates the game command.
func NewGameCommand(st store.Store, messenger dispatch.Messenger) *GameCommand {
	return &GameCommand{store: st, messenger: messenger}
}

func (c *GameCommand) Name() string        { return "game" }
func (c *GameCommand) Description() string { return "Create a game record" }

func (c *GameCommand) Permissions() dispatch.Template {
	return dispatch.Static("object:game:create")
}

// Execute creates the record and replies with the running game count.
func (c *GameCommand) Execute(ctx context.Context, inv *dispatch.Invocation) error {
	name := strings.TrimSpace(inv.Options["name"])
	if name == "" {
		return c.reply(ctx, inv, "A game needs a name. Try again with the name option set.")
	}

	record := models.Record{
		UID:        uuid.NewString(),
		Label:      models.LabelGame,
		Properties: map[string]string{"name": name},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if desc := strings.TrimSpace(inv.Options["description"]); desc != "" {
		record.Properties["description"] = desc
	}

	if err := c.store.CreateRecord(record); err != nil {
		return fmt.Errorf("creating game record: %w", err)
	}
	slog.Info("Game record created", "uid", record.UID, "name", name, "user", inv.UserID)

	count, err := c.store.CountRecords(models.LabelGame)
	if err != nil {
		slog.Error("Failed to count game records", "error", err)
		return c.reply(ctx, inv, fmt.Sprintf("Game %q created.", name))
	}
	return c.reply(ctx, inv, fmt.Sprintf("Game %q created. The library now has %d games.", name, count))
}

func (c *GameCommand) reply(ctx context.Context, inv *dispatch.Invocation, body string) error {
	return c.messenger.SendReply(ctx, inv.ReplyTarget(), models.Payload{Body: body})
}
