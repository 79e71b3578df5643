package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/token"
	"github.com/guildgraph/guildgraph/internal/trie"
)

// GenericErrorReply is sent when a step handler or prompt fails
// unexpectedly. The flow stays on its current step.
const GenericErrorReply = "Something went wrong while processing your input. Please try again."

// Flow lifecycle phases emitted on the engine's event dispatcher under
// ["flow", userID, phase].
const (
	PhaseStarted   = "started"
	PhaseAdvanced  = "advanced"
	PhaseCancelled = "cancelled"
)

// Messenger is the outbound delivery surface flow prompts use.
type Messenger interface {
	SendReply(ctx context.Context, target models.ReplyTarget, payload models.Payload) error
	SendDirect(ctx context.Context, userID string, payload models.Payload) error
}

// Event is the payload of flow lifecycle notifications.
type Event struct {
	UserID string
	Step   int
	Tag    string
	Reason string
}

// Step is one stage of a flow: a prompt plus optional interaction and
// message handlers. Handlers return true when the input satisfied the
// step, which advances the flow; false keeps the flow on the step.
type Step[S any] struct {
	// CustomID binds the step to one widget identifier; only interactions
	// carrying it are delivered. A step without a CustomID never receives
	// interactions.
	CustomID string
	// Tag is a unique label enabling later steps to recall this step's
	// recorded data. Untagged steps cannot Remember.
	Tag           string
	Prompt        func(*Context[S]) error
	OnInteraction func(*Context[S], models.Interaction) (bool, error)
	OnMessage     func(*Context[S], models.Message) (bool, error)
}

// Snapshot is the tagged per-step record later steps recall.
type Snapshot struct {
	Tag             string
	StepIndex       int
	Data            map[string]any
	LastInteraction *models.Interaction
	LastMessage     *models.Message
}

// runner is the type-erased view of a flow instance held in the registry.
type runner interface {
	deliverInteraction(ctx context.Context, in models.Interaction)
	deliverMessage(ctx context.Context, msg models.Message)
	shutdown(reason string)
}

// Engine owns the registry of running flow instances, one per user id.
// Starting a new flow for a user cancels any prior one (last writer wins).
type Engine struct {
	messenger Messenger
	instances map[string]runner
	events    *trie.Dispatcher[Event]
	mu        sync.Mutex
}

// NewEngine creates a flow engine sending prompts through messenger.
func NewEngine(messenger Messenger) *Engine {
	slog.Debug("Creating flow Engine")
	return &Engine{
		messenger: messenger,
		instances: make(map[string]runner),
		events:    trie.New[Event](),
	}
}

// Events exposes the engine's lifecycle event dispatcher. The dispatcher
// is dedicated to flow events; permission rule matching uses its own
// instance elsewhere.
func (e *Engine) Events() *trie.Dispatcher[Event] { return e.events }

func (e *Engine) emit(userID, phase string, ev Event) {
	e.events.Emit(token.FromValues("flow", userID, phase), ev)
}

// Active reports whether the user currently drives a flow.
func (e *Engine) Active(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.instances[userID]
	return ok
}

// CancelFlow cancels the user's active flow, if any.
func (e *Engine) CancelFlow(userID, reason string) bool {
	e.mu.Lock()
	inst, ok := e.instances[userID]
	if ok {
		delete(e.instances, userID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	inst.shutdown(reason)
	return true
}

// HandleInteraction routes a component interaction to the instance owned
// by the interacting user. Events for users without an active flow are
// dropped.
func (e *Engine) HandleInteraction(ctx context.Context, in models.Interaction) bool {
	e.mu.Lock()
	inst, ok := e.instances[in.UserID]
	e.mu.Unlock()
	if !ok {
		slog.Debug("Flow interaction dropped, no active instance", "user", in.UserID, "custom_id", in.CustomID)
		return false
	}
	inst.deliverInteraction(ctx, in)
	return true
}

// HandleMessage routes a free-text message to the instance owned by its
// author.
func (e *Engine) HandleMessage(ctx context.Context, msg models.Message) bool {
	e.mu.Lock()
	inst, ok := e.instances[msg.UserID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	inst.deliverMessage(ctx, msg)
	return true
}

// register installs inst as the user's active flow, superseding any prior
// instance, whose cancellation effects fire exactly once.
func (e *Engine) register(userID string, inst runner) {
	e.mu.Lock()
	old, had := e.instances[userID]
	e.instances[userID] = inst
	e.mu.Unlock()
	if had {
		slog.Info("Flow superseded by new flow", "user", userID)
		old.shutdown("superseded")
	}
}

// unregister removes inst from the registry if it is still the user's
// active instance, then runs its cancellation effects.
func (e *Engine) unregister(userID string, inst runner, reason string) {
	e.mu.Lock()
	if cur, ok := e.instances[userID]; ok && cur == inst {
		delete(e.instances, userID)
	}
	e.mu.Unlock()
	inst.shutdown(reason)
}

// instance is one running flow.
type instance[S any] struct {
	engine    *Engine
	userID    string
	channelID string
	steps     []Step[S]
	current   int
	state     *S
	exec      *ExecContext

	lastInteraction *models.Interaction
	snapshots       map[string]*Snapshot // completed tagged steps only
	working         *Snapshot            // current tagged step, unpublished
	done            bool
	mu              sync.Mutex
}

func (inst *instance[S]) fctx(ctx context.Context) *Context[S] {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context[S]{
		Context:   ctx,
		UserID:    inst.userID,
		ChannelID: inst.channelID,
		State:     inst.state,
		Exec:      inst.exec,
		inst:      inst,
	}
}

// start fires the first prompt. Called once, after registration.
func (inst *instance[S]) start(ctx context.Context) {
	inst.mu.Lock()
	if st := inst.steps[0]; st.Tag != "" {
		inst.working = &Snapshot{Tag: st.Tag, StepIndex: 0, Data: make(map[string]any)}
	}
	inst.mu.Unlock()
	inst.engine.emit(inst.userID, PhaseStarted, Event{UserID: inst.userID, Step: 0})
	inst.prompt(ctx)
}

func (inst *instance[S]) prompt(ctx context.Context) {
	inst.mu.Lock()
	if inst.done || inst.current >= len(inst.steps) {
		inst.mu.Unlock()
		return
	}
	step := inst.steps[inst.current]
	inst.mu.Unlock()

	if step.Prompt == nil {
		return
	}
	if err := step.Prompt(inst.fctx(ctx)); err != nil {
		slog.Error("Flow prompt failed", "error", err, "user", inst.userID, "step", inst.current)
		inst.replyGenericError(ctx)
	}
}

func (inst *instance[S]) replyGenericError(ctx context.Context) {
	payload := models.Payload{Body: GenericErrorReply, Ephemeral: true}
	if err := inst.engine.messenger.SendReply(ctx, models.ReplyTarget{ChannelID: inst.channelID}, payload); err != nil {
		slog.Error("Flow failed to deliver error reply", "error", err, "user", inst.userID)
	}
}

func (inst *instance[S]) deliverInteraction(ctx context.Context, in models.Interaction) {
	inst.mu.Lock()
	if inst.done || inst.current >= len(inst.steps) {
		inst.mu.Unlock()
		return
	}
	step := inst.steps[inst.current]
	if step.CustomID == "" || step.CustomID != in.CustomID {
		// Stale or foreign widget; the engine drops it silently.
		slog.Debug("Flow interaction did not match current step", "user", in.UserID, "custom_id", in.CustomID, "step_custom_id", step.CustomID)
		inst.mu.Unlock()
		return
	}
	inst.lastInteraction = &in
	if inst.working != nil {
		inst.working.LastInteraction = &in
	}
	handler := step.OnInteraction
	inst.mu.Unlock()

	if handler == nil {
		return
	}
	done, err := handler(inst.fctx(ctx), in)
	if err != nil {
		slog.Error("Flow interaction handler failed", "error", err, "user", inst.userID, "step", inst.current)
		inst.replyGenericError(ctx)
		return
	}
	if done {
		inst.advance(ctx)
	}
}

func (inst *instance[S]) deliverMessage(ctx context.Context, msg models.Message) {
	inst.mu.Lock()
	if inst.done || inst.current >= len(inst.steps) {
		inst.mu.Unlock()
		return
	}
	step := inst.steps[inst.current]
	if step.OnMessage == nil {
		slog.Debug("Flow message dropped, step has no message handler", "user", msg.UserID, "step", inst.current)
		inst.mu.Unlock()
		return
	}
	if inst.working != nil {
		inst.working.LastMessage = &msg
	}
	handler := step.OnMessage
	inst.mu.Unlock()

	done, err := handler(inst.fctx(ctx), msg)
	if err != nil {
		slog.Error("Flow message handler failed", "error", err, "user", inst.userID, "step", inst.current)
		inst.replyGenericError(ctx)
		return
	}
	if done {
		inst.advance(ctx)
	}
}

// advance publishes the completed step's snapshot, moves to the next step,
// and fires its prompt, or cancels the flow past the last step.
func (inst *instance[S]) advance(ctx context.Context) {
	inst.mu.Lock()
	if inst.done {
		inst.mu.Unlock()
		return
	}
	leaving := inst.steps[inst.current]
	if leaving.Tag != "" && inst.working != nil {
		inst.working.StepIndex = inst.current
		inst.snapshots[leaving.Tag] = inst.working
	}
	inst.working = nil
	inst.current++
	next := inst.current
	finished := next >= len(inst.steps)
	var nextTag string
	if !finished {
		nextTag = inst.steps[next].Tag
		if nextTag != "" {
			inst.working = &Snapshot{Tag: nextTag, StepIndex: next, Data: make(map[string]any)}
		}
	}
	inst.mu.Unlock()

	inst.engine.emit(inst.userID, PhaseAdvanced, Event{UserID: inst.userID, Step: next, Tag: leaving.Tag})
	if finished {
		inst.engine.unregister(inst.userID, inst, "completed")
		return
	}
	inst.prompt(ctx)
}

// shutdown runs the cancellation effects exactly once.
func (inst *instance[S]) shutdown(reason string) {
	inst.mu.Lock()
	if inst.done {
		inst.mu.Unlock()
		return
	}
	inst.done = true
	step := inst.current
	inst.mu.Unlock()

	slog.Info("Flow cancelled", "user", inst.userID, "step", step, "reason", reason)
	inst.engine.emit(inst.userID, PhaseCancelled, Event{UserID: inst.userID, Step: step, Reason: reason})
}

// Context is the view of a running flow handed to step handlers.
type Context[S any] struct {
	Context   context.Context
	UserID    string
	ChannelID string
	// State is the flow-author-defined struct shared by reference across
	// all steps.
	State *S
	Exec  *ExecContext

	inst *instance[S]
}

// Interaction returns the most recent interaction delivered to the flow.
func (c *Context[S]) Interaction() *models.Interaction {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	return c.inst.lastInteraction
}

// Tag returns the current step's tag, or empty.
func (c *Context[S]) Tag() string {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	if c.inst.current < len(c.inst.steps) {
		return c.inst.steps[c.inst.current].Tag
	}
	return ""
}

// Reply sends a payload to the flow's channel.
func (c *Context[S]) Reply(payload models.Payload) error {
	return c.inst.engine.messenger.SendReply(c.Context, models.ReplyTarget{ChannelID: c.ChannelID}, payload)
}

// Advance moves the flow to the next step and fires its prompt.
func (c *Context[S]) Advance() {
	c.inst.advance(c.Context)
}

// Cancel terminates the flow. No further events reach it.
func (c *Context[S]) Cancel() {
	c.inst.engine.unregister(c.inst.userID, c.inst, "cancelled")
}

// Remember records a value in the current step's snapshot, visible to
// later steps via Recall once this step completes. The current step must
// be tagged.
func (c *Context[S]) Remember(key string, value any) error {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	if c.inst.working == nil {
		return models.ErrUntaggedStep
	}
	c.inst.working.Data[key] = value
	return nil
}

// Recall reads a value recorded by a previously completed tagged step.
// A step never sees its own snapshot or one from a step not yet reached;
// unknown tags yield nil.
func (c *Context[S]) Recall(tag, key string) any {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	snap, ok := c.inst.snapshots[tag]
	if !ok {
		return nil
	}
	return snap.Data[key]
}

// Snapshot returns the full snapshot of a previously completed tagged
// step, or nil.
func (c *Context[S]) Snapshot(tag string) *Snapshot {
	c.inst.mu.Lock()
	defer c.inst.mu.Unlock()
	return c.inst.snapshots[tag]
}
