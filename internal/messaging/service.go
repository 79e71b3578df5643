// Package messaging defines the pluggable chat-platform abstraction and
// the event router that feeds gateway events into the bot core.
package messaging

import (
	"context"

	"github.com/guildgraph/guildgraph/internal/models"
)

// Service defines a pluggable chat-platform gateway.
// It supports sending structured payloads and provides channels for
// inbound gateway events: command invocations, component interactions,
// and plain messages.
type Service interface {
	// Start begins background processing (gateway connection, event
	// pumping) and registers the bot's slash commands.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// SendReply sends a payload in response to an invocation or into a
	// channel when the reply token has lapsed.
	SendReply(ctx context.Context, target models.ReplyTarget, payload models.Payload) error

	// SendDirect sends a payload to a user's direct-message channel.
	SendDirect(ctx context.Context, userID string, payload models.Payload) error

	// Commands returns a channel of inbound slash-command invocations.
	Commands() <-chan models.CommandInvocation

	// Interactions returns a channel of inbound component interactions.
	Interactions() <-chan models.Interaction

	// Messages returns a channel of inbound plain messages.
	Messages() <-chan models.Message
}
