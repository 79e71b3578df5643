package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guildgraph/guildgraph/internal/approval"
	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/permission"
	"github.com/guildgraph/guildgraph/internal/token"
)

type stubMessenger struct {
	mu      sync.Mutex
	replies []models.Payload
	directs []models.Payload
}

func (m *stubMessenger) SendReply(ctx context.Context, target models.ReplyTarget, p models.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, p)
	return nil
}

func (m *stubMessenger) SendDirect(ctx context.Context, userID string, p models.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directs = append(m.directs, p)
	return nil
}

func (m *stubMessenger) lastReply() (models.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return models.Payload{}, false
	}
	return m.replies[len(m.replies)-1], true
}

func (m *stubMessenger) lastPrompt() (models.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.replies) - 1; i >= 0; i-- {
		if len(m.replies[i].Widgets) > 0 {
			return m.replies[i], true
		}
	}
	return models.Payload{}, false
}

type stubDirectory struct {
	members []models.Member
}

func (d *stubDirectory) GuildMembers(ctx context.Context, guildID string) ([]models.Member, error) {
	return d.members, nil
}

type stubRules struct {
	sets map[models.PermissionLevel]map[string]models.PermissionState
	err  error
}

func (r *stubRules) GetRuleSets(guildID string) (map[models.PermissionLevel]map[string]models.PermissionState, error) {
	return r.sets, r.err
}

type stubCommand struct {
	name     string
	template Template
	execErr  error
	panics   bool

	mu       sync.Mutex
	executed int
	last     *Invocation
}

func (c *stubCommand) Name() string          { return c.name }
func (c *stubCommand) Description() string   { return "test command" }
func (c *stubCommand) Permissions() Template { return c.template }

func (c *stubCommand) Execute(ctx context.Context, inv *Invocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("boom")
	}
	c.executed++
	c.last = inv
	return c.execErr
}

func (c *stubCommand) executions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

type fixture struct {
	gate      *Gate
	messenger *stubMessenger
	workflow  *approval.Workflow
	grants    permission.GrantStore
}

func newFixture(t *testing.T, members []models.Member, rules *stubRules) *fixture {
	t.Helper()
	messenger := &stubMessenger{}
	directory := &stubDirectory{members: members}
	grants := permission.NewMemoryGrantStore()
	workflow := approval.NewWorkflow(messenger, directory, grants,
		approval.WithTimeout(200*time.Millisecond),
		approval.WithRand(func(n int) int { return 0 }))
	evaluator := permission.NewEvaluator(grants)
	gate := NewGate(rules, evaluator, workflow, messenger, directory)
	return &fixture{gate: gate, messenger: messenger, workflow: workflow, grants: grants}
}

func invocation(command string, interactive bool) models.CommandInvocation {
	return models.CommandInvocation{
		Command:     command,
		GuildID:     "g1",
		ChannelID:   "c1",
		UserID:      "u1",
		Interactive: interactive,
		Time:        time.Now().Unix(),
	}
}

func rulesWith(level models.PermissionLevel, pairs map[string]models.PermissionState) *stubRules {
	return &stubRules{sets: map[models.PermissionLevel]map[string]models.PermissionState{level: pairs}}
}

// pressApproval polls for the approval prompt and presses the button whose
// custom id ends with the given action.
func pressApproval(t *testing.T, f *fixture, approverID, action string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p, ok := f.messenger.lastPrompt(); ok {
			for _, w := range p.Widgets {
				if strings.HasSuffix(w.CustomID, ":"+action) {
					handled := f.workflow.HandleInteraction(context.Background(), models.Interaction{
						CustomID: w.CustomID,
						GuildID:  "g1",
						UserID:   approverID,
					})
					if !handled {
						t.Fatal("approval interaction was not handled")
					}
					return
				}
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("approval prompt never delivered")
}

func TestDispatchUnknownCommand(t *testing.T) {
	f := newFixture(t, nil, &stubRules{})
	f.gate.Dispatch(context.Background(), invocation("nope", true))
	reply, ok := f.messenger.lastReply()
	if !ok || !strings.Contains(reply.Body, "Unknown command") {
		t.Errorf("reply = %+v, want unknown-command notice", reply)
	}
}

func TestDispatchOpenCommandRuns(t *testing.T) {
	f := newFixture(t, nil, &stubRules{err: errors.New("rules must not be consulted")})
	cmd := &stubCommand{name: "ping", template: Open()}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("ping", false))
	if cmd.executions() != 1 {
		t.Errorf("executions = %d, want 1", cmd.executions())
	}
}

func TestDispatchAllowedRuleRuns(t *testing.T) {
	rules := rulesWith(models.LevelServer, map[string]models.PermissionState{
		"object:game:create": models.StateAllowed,
	})
	f := newFixture(t, nil, rules)
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("game", true))
	if cmd.executions() != 1 {
		t.Errorf("executions = %d, want 1", cmd.executions())
	}
}

func TestDispatchForbiddenDenied(t *testing.T) {
	rules := rulesWith(models.LevelServer, map[string]models.PermissionState{
		"object:game:create": models.StateForbidden,
	})
	f := newFixture(t, nil, rules)
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("game", true))
	if cmd.executions() != 0 {
		t.Errorf("forbidden command executed %d times", cmd.executions())
	}
	reply, ok := f.messenger.lastReply()
	if !ok || !strings.Contains(reply.Body, "not allowed") {
		t.Errorf("reply = %+v, want denial", reply)
	}
}

func TestDispatchAdminBypassesForbidden(t *testing.T) {
	rules := rulesWith(models.LevelServer, map[string]models.PermissionState{
		"object:game:create": models.StateForbidden,
	})
	members := []models.Member{{GuildID: "g1", UserID: "u1", IsAdmin: true}}
	f := newFixture(t, members, rules)
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("game", true))
	if cmd.executions() != 1 {
		t.Errorf("executions = %d, want 1", cmd.executions())
	}
}

func TestDispatchApprovalApproveOnce(t *testing.T) {
	members := []models.Member{{GuildID: "g1", UserID: "a1", IsAdmin: true}}
	f := newFixture(t, members, &stubRules{})
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)

	done := make(chan struct{})
	go func() {
		f.gate.Dispatch(context.Background(), invocation("game", true))
		close(done)
	}()
	pressApproval(t, f, "a1", "once")
	<-done

	if cmd.executions() != 1 {
		t.Errorf("executions = %d, want 1", cmd.executions())
	}
	held, err := f.grants.HasGrant(context.Background(), "g1", "u1", []string{"object:game:create"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if held {
		t.Error("approve-once must not persist a forever-grant")
	}
}

func TestDispatchApprovalApproveForeverGrantsSkipSecondPrompt(t *testing.T) {
	members := []models.Member{{GuildID: "g1", UserID: "a1", IsAdmin: true}}
	f := newFixture(t, members, &stubRules{})
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)

	done := make(chan struct{})
	go func() {
		f.gate.Dispatch(context.Background(), invocation("game", true))
		close(done)
	}()
	pressApproval(t, f, "a1", "forever")
	<-done
	if cmd.executions() != 1 {
		t.Fatalf("executions = %d, want 1", cmd.executions())
	}

	// The grant now short-circuits evaluation: no second prompt.
	f.gate.Dispatch(context.Background(), invocation("game", true))
	if cmd.executions() != 2 {
		t.Errorf("executions = %d, want 2", cmd.executions())
	}
}

func TestDispatchApprovalDenied(t *testing.T) {
	members := []models.Member{{GuildID: "g1", UserID: "a1", IsAdmin: true}}
	f := newFixture(t, members, &stubRules{})
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)

	done := make(chan struct{})
	go func() {
		f.gate.Dispatch(context.Background(), invocation("game", true))
		close(done)
	}()
	pressApproval(t, f, "a1", "deny")
	<-done

	if cmd.executions() != 0 {
		t.Errorf("denied command executed %d times", cmd.executions())
	}
	reply, ok := f.messenger.lastReply()
	if !ok || !strings.Contains(reply.Body, "denied") {
		t.Errorf("reply = %+v, want denial notice", reply)
	}
}

func TestDispatchApprovalNonInteractiveRejected(t *testing.T) {
	members := []models.Member{{GuildID: "g1", UserID: "a1", IsAdmin: true}}
	f := newFixture(t, members, &stubRules{})
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("game", false))
	if cmd.executions() != 0 {
		t.Errorf("non-interactive command executed %d times", cmd.executions())
	}
	reply, ok := f.messenger.lastReply()
	if !ok || !strings.Contains(reply.Body, "interactive") {
		t.Errorf("reply = %+v, want interactive-required notice", reply)
	}
}

func TestDispatchDynamicTemplateNonInteractiveRejected(t *testing.T) {
	f := newFixture(t, nil, &stubRules{})
	cmd := &stubCommand{
		name: "perm",
		template: Dynamic(func(inv *models.CommandInvocation) []token.Token {
			return []token.Token{token.Parse("perm:" + inv.Options["action"])}
		}),
	}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("perm", false))
	if cmd.executions() != 0 {
		t.Errorf("dynamic non-interactive command executed %d times", cmd.executions())
	}
	reply, ok := f.messenger.lastReply()
	if !ok || !strings.Contains(reply.Body, "interactively") {
		t.Errorf("reply = %+v, want interactive-only notice", reply)
	}
}

func TestDispatchTemplatePlaceholdersResolved(t *testing.T) {
	rules := rulesWith(models.LevelServer, map[string]models.PermissionState{
		"object:game:delete": models.StateAllowed,
	})
	f := newFixture(t, nil, rules)
	cmd := &stubCommand{name: "game", template: Static("object:game:{action}")}
	f.gate.Register(cmd)
	inv := invocation("game", true)
	inv.Options = map[string]string{"action": "delete"}
	f.gate.Dispatch(context.Background(), inv)
	if cmd.executions() != 1 {
		t.Errorf("executions = %d, want 1", cmd.executions())
	}
}

func TestDispatchWildcardRuleCoversSpecific(t *testing.T) {
	rules := rulesWith(models.LevelServer, map[string]models.PermissionState{
		"object:*:create": models.StateAllowed,
	})
	f := newFixture(t, nil, rules)
	cmd := &stubCommand{name: "game", template: Static("object:game:create")}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("game", true))
	if cmd.executions() != 1 {
		t.Errorf("executions = %d, want 1", cmd.executions())
	}
}

func TestDispatchCommandErrorGenericReply(t *testing.T) {
	rules := rulesWith(models.LevelServer, map[string]models.PermissionState{
		"object:game:create": models.StateAllowed,
	})
	f := newFixture(t, nil, rules)
	cmd := &stubCommand{name: "game", template: Static("object:game:create"), execErr: errors.New("db down")}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("game", true))
	reply, ok := f.messenger.lastReply()
	if !ok || reply.Body != GenericErrorReply {
		t.Errorf("reply = %+v, want generic error", reply)
	}
	if strings.Contains(reply.Body, "db down") {
		t.Error("internal error text leaked to the user")
	}
}

func TestDispatchCommandPanicGenericReply(t *testing.T) {
	f := newFixture(t, nil, &stubRules{})
	cmd := &stubCommand{name: "ping", template: Open(), panics: true}
	f.gate.Register(cmd)
	f.gate.Dispatch(context.Background(), invocation("ping", true))
	reply, ok := f.messenger.lastReply()
	if !ok || reply.Body != GenericErrorReply {
		t.Errorf("reply = %+v, want generic error", reply)
	}
}

func TestGateCommandsSorted(t *testing.T) {
	f := newFixture(t, nil, &stubRules{})
	f.gate.Register(&stubCommand{name: "perm", template: Open()})
	f.gate.Register(&stubCommand{name: "game", template: Open()})
	f.gate.Register(&stubCommand{name: "describe", template: Open()})
	cmds := f.gate.Commands()
	if len(cmds) != 3 || cmds[0].Name() != "describe" || cmds[1].Name() != "game" || cmds[2].Name() != "perm" {
		names := make([]string, len(cmds))
		for i, c := range cmds {
			names[i] = c.Name()
		}
		t.Errorf("Commands() order = %v", names)
	}
}
