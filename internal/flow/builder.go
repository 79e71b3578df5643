package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guildgraph/guildgraph/internal/models"
)

// Builder assembles a flow's step list before handing it to the engine.
// Construction mistakes (duplicate tags, no steps) surface as Start
// errors before the engine registers anything.
type Builder[S any] struct {
	userID      string
	channelID   string
	interaction *models.Interaction
	state       *S
	exec        *ExecContext
	steps       []Step[S]
}

// NewBuilder opens a flow definition for the given user. The initiating
// interaction (may be nil) seeds the flow's channel and the first
// Interaction() value; initial is the shared state struct; exec is the
// invocation's execution context (nil creates a fresh one).
func NewBuilder[S any](userID string, interaction *models.Interaction, initial *S, exec *ExecContext) *Builder[S] {
	b := &Builder[S]{
		userID:      userID,
		interaction: interaction,
		state:       initial,
		exec:        exec,
	}
	if interaction != nil {
		b.channelID = interaction.ChannelID
	}
	return b
}

// Channel overrides the channel flow prompts are sent to.
func (b *Builder[S]) Channel(channelID string) *Builder[S] {
	b.channelID = channelID
	return b
}

// Step opens a step definition. customID binds the step to one widget
// identifier (empty for message-only steps); tag labels the step for
// snapshot recall (empty for untagged steps).
func (b *Builder[S]) Step(customID, tag string) *StepBuilder[S] {
	return &StepBuilder[S]{
		parent: b,
		step:   Step[S]{CustomID: customID, Tag: tag},
	}
}

// StepBuilder accumulates one step's handlers.
type StepBuilder[S any] struct {
	parent *Builder[S]
	step   Step[S]
}

// Prompt sets the step's prompt handler.
func (sb *StepBuilder[S]) Prompt(fn func(*Context[S]) error) *StepBuilder[S] {
	sb.step.Prompt = fn
	return sb
}

// OnInteraction sets the step's component interaction handler.
func (sb *StepBuilder[S]) OnInteraction(fn func(*Context[S], models.Interaction) (bool, error)) *StepBuilder[S] {
	sb.step.OnInteraction = fn
	return sb
}

// OnMessage sets the step's free-text message handler.
func (sb *StepBuilder[S]) OnMessage(fn func(*Context[S], models.Message) (bool, error)) *StepBuilder[S] {
	sb.step.OnMessage = fn
	return sb
}

// Next finalizes the step into the flow definition.
func (sb *StepBuilder[S]) Next() *Builder[S] {
	sb.parent.steps = append(sb.parent.steps, sb.step)
	return sb.parent
}

// Start validates the assembled definition and registers the flow with
// the engine, cancelling any prior flow for the same user and firing the
// first step's prompt.
func (b *Builder[S]) Start(ctx context.Context, e *Engine) error {
	if b.userID == "" {
		return models.ErrEmptyUserID
	}
	if len(b.steps) == 0 {
		return fmt.Errorf("flow for user %s has no steps", b.userID)
	}
	tags := make(map[string]bool)
	for i, st := range b.steps {
		if st.Tag == "" {
			continue
		}
		if tags[st.Tag] {
			return fmt.Errorf("%w: %q (step %d)", models.ErrDuplicateStepTag, st.Tag, i)
		}
		tags[st.Tag] = true
	}

	exec := b.exec
	if exec == nil {
		exec = NewExecContext()
	}
	state := b.state
	if state == nil {
		state = new(S)
	}
	inst := &instance[S]{
		engine:          e,
		userID:          b.userID,
		channelID:       b.channelID,
		steps:           b.steps,
		state:           state,
		exec:            exec,
		lastInteraction: b.interaction,
		snapshots:       make(map[string]*Snapshot),
	}

	slog.Debug("Flow starting", "user", b.userID, "steps", len(b.steps), "correlation_id", exec.CorrelationID)
	e.register(b.userID, inst)
	inst.start(ctx)
	return nil
}
