package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/guildgraph/guildgraph/internal/models"
)

// CommandHandler consumes slash-command invocations. Dispatch may block
// for the full lifetime of the command, approval wait included, so the
// router never calls it on the event loop goroutine.
type CommandHandler interface {
	Dispatch(ctx context.Context, inv models.CommandInvocation)
}

// InteractionHandler consumes component interactions and reports whether
// it claimed the event.
type InteractionHandler interface {
	HandleInteraction(ctx context.Context, in models.Interaction) bool
}

// MessageHandler consumes plain messages and reports whether it claimed
// the event.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.Message) bool
}

// Router is the single event loop draining the gateway channels. Command
// invocations fan out to one goroutine each; interactions and messages
// are routed inline so a blocked command can still be unblocked by the
// button press it is waiting for.
type Router struct {
	service      Service
	commands     CommandHandler
	interactions []InteractionHandler
	messages     []MessageHandler
	wg           sync.WaitGroup
}

// NewRouter creates a Router. Interaction handlers are consulted in
// order; the first to claim an event stops the walk.
func NewRouter(service Service, commands CommandHandler, interactions []InteractionHandler, messages []MessageHandler) *Router {
	slog.Debug("Creating messaging Router", "interaction_handlers", len(interactions), "message_handlers", len(messages))
	return &Router{
		service:      service,
		commands:     commands,
		interactions: interactions,
		messages:     messages,
	}
}

// Run drains gateway events until the context is cancelled, then waits
// for in-flight command goroutines to finish.
func (r *Router) Run(ctx context.Context) {
	slog.Info("Messaging router started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Messaging router stopping", "reason", ctx.Err())
			r.wg.Wait()
			return
		case inv, ok := <-r.service.Commands():
			if !ok {
				slog.Info("Command channel closed, router stopping")
				r.wg.Wait()
				return
			}
			r.dispatchCommand(ctx, inv)
		case in, ok := <-r.service.Interactions():
			if !ok {
				continue
			}
			r.routeInteraction(ctx, in)
		case msg, ok := <-r.service.Messages():
			if !ok {
				continue
			}
			r.routeMessage(ctx, msg)
		}
	}
}

func (r *Router) dispatchCommand(ctx context.Context, inv models.CommandInvocation) {
	slog.Debug("Router dispatching command", "command", inv.Command, "user", inv.UserID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.commands.Dispatch(ctx, inv)
	}()
}

func (r *Router) routeInteraction(ctx context.Context, in models.Interaction) {
	for _, h := range r.interactions {
		if h.HandleInteraction(ctx, in) {
			return
		}
	}
	slog.Debug("Interaction unclaimed", "custom_id", in.CustomID, "user", in.UserID)
}

func (r *Router) routeMessage(ctx context.Context, msg models.Message) {
	for _, h := range r.messages {
		if h.HandleMessage(ctx, msg) {
			return
		}
	}
	slog.Debug("Message unclaimed", "user", msg.UserID, "content_length", len(msg.Content))
}
