package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guildgraph/guildgraph/internal/dispatch"
	"github.com/guildgraph/guildgraph/internal/flow"
	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/permission"
	"github.com/guildgraph/guildgraph/internal/store"
)

type captureMessenger struct {
	mu      sync.Mutex
	replies []models.Payload
}

func (m *captureMessenger) SendReply(ctx context.Context, target models.ReplyTarget, p models.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, p)
	return nil
}

func (m *captureMessenger) SendDirect(ctx context.Context, userID string, p models.Payload) error {
	return m.SendReply(ctx, models.ReplyTarget{}, p)
}

func (m *captureMessenger) last(t *testing.T) models.Payload {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		t.Fatal("no replies captured")
	}
	return m.replies[len(m.replies)-1]
}

func newInvocation(command, subcommand string, options map[string]string) *dispatch.Invocation {
	return &dispatch.Invocation{
		CommandInvocation: models.CommandInvocation{
			Command:     command,
			Subcommand:  subcommand,
			GuildID:     "g1",
			ChannelID:   "c1",
			UserID:      "u1",
			Options:     options,
			Interactive: true,
			Time:        time.Now().Unix(),
		},
		Member: models.Member{GuildID: "g1", UserID: "u1"},
		Exec:   flow.NewExecContext(),
	}
}

func TestGameCommandCreatesRecord(t *testing.T) {
	st := store.NewInMemoryStore()
	msgs := &captureMessenger{}
	cmd := NewGameCommand(st, msgs)

	err := cmd.Execute(context.Background(), newInvocation("game", "", map[string]string{
		"name":        "Catan",
		"description": "trading",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := st.QueryRecords(models.LabelGame, "catan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].Properties["description"] != "trading" {
		t.Errorf("stored records = %+v", records)
	}
	if !strings.Contains(msgs.last(t).Body, "1 games") {
		t.Errorf("reply = %q, want count", msgs.last(t).Body)
	}
}

func TestGameCommandRequiresName(t *testing.T) {
	st := store.NewInMemoryStore()
	msgs := &captureMessenger{}
	cmd := NewGameCommand(st, msgs)

	if err := cmd.Execute(context.Background(), newInvocation("game", "", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := st.CountRecords(models.LabelGame); n != 0 {
		t.Errorf("record created without a name")
	}
	if !strings.Contains(msgs.last(t).Body, "name") {
		t.Errorf("reply = %q, want name hint", msgs.last(t).Body)
	}
}

func TestPermCommandSetRuleCanonicalizesToken(t *testing.T) {
	st := store.NewInMemoryStore()
	msgs := &captureMessenger{}
	cmd := NewPermCommand(st, permission.NewMemoryGrantStore(), msgs)

	err := cmd.Execute(context.Background(), newInvocation("perm", "set", map[string]string{
		"token": " Object : Game : Create ",
		"state": "allowed",
		"level": "server",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sets, err := st.GetRuleSets("g1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sets[models.LevelServer]["object:game:create"] != models.StateAllowed {
		t.Errorf("rule sets = %+v, want canonical object:game:create allowed", sets)
	}
}

func TestPermCommandRejectsInvalidState(t *testing.T) {
	st := store.NewInMemoryStore()
	msgs := &captureMessenger{}
	cmd := NewPermCommand(st, permission.NewMemoryGrantStore(), msgs)

	err := cmd.Execute(context.Background(), newInvocation("perm", "set", map[string]string{
		"token": "object:game:create",
		"state": "maybe",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sets, _ := st.GetRuleSets("g1"); len(sets) != 0 {
		t.Errorf("invalid state was persisted: %+v", sets)
	}
	if !strings.Contains(msgs.last(t).Body, "state") {
		t.Errorf("reply = %q, want state hint", msgs.last(t).Body)
	}
}

func TestPermCommandListRules(t *testing.T) {
	st := store.NewInMemoryStore()
	msgs := &captureMessenger{}
	cmd := NewPermCommand(st, permission.NewMemoryGrantStore(), msgs)
	st.SaveRule(models.Rule{GuildID: "g1", Level: models.LevelServer, Token: "object:game:create", State: models.StateAllowed})
	st.SaveRule(models.Rule{GuildID: "g1", Level: models.LevelUser, Token: "object:game:delete", State: models.StateForbidden})

	if err := cmd.Execute(context.Background(), newInvocation("perm", "list", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reply := msgs.last(t)
	if reply.Embed == nil || len(reply.Embed.Fields) != 2 {
		t.Fatalf("reply embed = %+v, want fields for two levels", reply.Embed)
	}
	// user level is more specific and listed first
	if reply.Embed.Fields[0].Name != "user" {
		t.Errorf("first field = %q, want user level", reply.Embed.Fields[0].Name)
	}
}

func TestPermCommandListGrants(t *testing.T) {
	st := store.NewInMemoryStore()
	grants := permission.NewMemoryGrantStore()
	msgs := &captureMessenger{}
	cmd := NewPermCommand(st, grants, msgs)
	grants.Grant(context.Background(), "g1", "u2", "object:game:delete:42", "a1")

	err := cmd.Execute(context.Background(), newInvocation("perm", "grants", map[string]string{"user": "u2"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(msgs.last(t).Body, "object:game:delete:42") {
		t.Errorf("reply = %q, want grant token", msgs.last(t).Body)
	}
}

type stubSuggester struct {
	text string
}

func (s *stubSuggester) SuggestDescription(ctx context.Context, label, name, current string) (string, error) {
	return s.text, nil
}

type describeFixture struct {
	store  *store.InMemoryStore
	engine *flow.Engine
	msgs   *captureMessenger
	cmd    *DescribeCommand
	uid    string
}

func newDescribeFixture(t *testing.T, suggester Suggester, initialDescription string) *describeFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	props := map[string]string{"name": "Catan"}
	if initialDescription != "" {
		props["description"] = initialDescription
	}
	record := models.Record{UID: "rec1", Label: models.LabelGame, Properties: props}
	if err := st.CreateRecord(record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := &captureMessenger{}
	engine := flow.NewEngine(msgs)
	return &describeFixture{
		store:  st,
		engine: engine,
		msgs:   msgs,
		cmd:    NewDescribeCommand(st, engine, msgs, suggester),
		uid:    "rec1",
	}
}

func (f *describeFixture) interact(t *testing.T, customID, value string) {
	t.Helper()
	handled := f.engine.HandleInteraction(context.Background(), models.Interaction{
		CustomID: customID,
		GuildID:  "g1",
		UserID:   "u1",
		Values:   []string{value},
	})
	if !handled {
		t.Fatalf("interaction %s/%s not handled", customID, value)
	}
}

func (f *describeFixture) message(t *testing.T, content string) {
	t.Helper()
	if !f.engine.HandleMessage(context.Background(), models.Message{UserID: "u1", Content: content}) {
		t.Fatalf("message %q not handled", content)
	}
}

func TestDescribeFlowAppendsMessagesInOrder(t *testing.T) {
	f := newDescribeFixture(t, nil, "base")
	err := f.cmd.Execute(context.Background(), newInvocation("describe", "", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.interact(t, describeTypeID, "game")
	f.interact(t, describeRecordID, "rec1")
	f.message(t, "first")
	f.message(t, "second")
	f.interact(t, describeEditID, editActionDone)
	f.interact(t, describeConfirmID, "save")

	record, err := f.store.GetRecord("rec1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "base\nfirst\nsecond"
	if record.Properties["description"] != want {
		t.Errorf("description = %q, want %q", record.Properties["description"], want)
	}
	if f.engine.Active("u1") {
		t.Error("flow still active after save")
	}
}

func TestDescribeFlowReplaceMode(t *testing.T) {
	f := newDescribeFixture(t, nil, "old text")
	if err := f.cmd.Execute(context.Background(), newInvocation("describe", "", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.interact(t, describeTypeID, "game")
	f.interact(t, describeRecordID, "rec1")
	f.interact(t, describeEditID, editActionReplace)
	f.message(t, "fresh start")
	f.message(t, "and more")
	f.interact(t, describeEditID, editActionDone)
	f.interact(t, describeConfirmID, "save")

	record, _ := f.store.GetRecord("rec1")
	// The replacing message resets the text; later messages append again.
	want := "fresh start\nand more"
	if record.Properties["description"] != want {
		t.Errorf("description = %q, want %q", record.Properties["description"], want)
	}
}

func TestDescribeFlowSuggest(t *testing.T) {
	f := newDescribeFixture(t, &stubSuggester{text: "A grand strategy classic."}, "")
	if err := f.cmd.Execute(context.Background(), newInvocation("describe", "", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.interact(t, describeTypeID, "game")
	f.interact(t, describeRecordID, "rec1")
	f.interact(t, describeEditID, editActionSuggest)
	f.interact(t, describeEditID, editActionDone)
	f.interact(t, describeConfirmID, "save")

	record, _ := f.store.GetRecord("rec1")
	if record.Properties["description"] != "A grand strategy classic." {
		t.Errorf("description = %q, want suggestion", record.Properties["description"])
	}
}

func TestDescribeFlowDoneRequiresText(t *testing.T) {
	f := newDescribeFixture(t, nil, "")
	if err := f.cmd.Execute(context.Background(), newInvocation("describe", "", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.interact(t, describeTypeID, "game")
	f.interact(t, describeRecordID, "rec1")
	f.interact(t, describeEditID, editActionDone)
	if !f.engine.Active("u1") {
		t.Fatal("flow advanced past edit with empty text")
	}
	if !strings.Contains(f.msgs.last(t).Body, "empty") {
		t.Errorf("reply = %q, want empty-text hint", f.msgs.last(t).Body)
	}
}

func TestDescribeFlowDiscard(t *testing.T) {
	f := newDescribeFixture(t, nil, "keep me")
	if err := f.cmd.Execute(context.Background(), newInvocation("describe", "", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.interact(t, describeTypeID, "game")
	f.interact(t, describeRecordID, "rec1")
	f.message(t, "scribbles")
	f.interact(t, describeEditID, editActionDone)
	f.interact(t, describeConfirmID, "discard")

	record, _ := f.store.GetRecord("rec1")
	if record.Properties["description"] != "keep me" {
		t.Errorf("description = %q, discard must not save", record.Properties["description"])
	}
	if f.engine.Active("u1") {
		t.Error("flow still active after discard")
	}
}

func TestDescribeFlowNoRecordsCancels(t *testing.T) {
	st := store.NewInMemoryStore()
	msgs := &captureMessenger{}
	engine := flow.NewEngine(msgs)
	cmd := NewDescribeCommand(st, engine, msgs, nil)

	if err := cmd.Execute(context.Background(), newInvocation("describe", "", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handled := engine.HandleInteraction(context.Background(), models.Interaction{
		CustomID: describeTypeID, UserID: "u1", Values: []string{"game"},
	})
	if !handled {
		t.Fatal("type interaction not handled")
	}
	if engine.Active("u1") {
		t.Error("flow should cancel when no records exist")
	}
	if !strings.Contains(msgs.last(t).Body, "no game records") {
		t.Errorf("reply = %q, want empty-library notice", msgs.last(t).Body)
	}
}

func TestDescribeCommandNotInteractive(t *testing.T) {
	f := newDescribeFixture(t, nil, "")
	inv := newInvocation("describe", "", nil)
	inv.Interactive = false
	if err := f.cmd.Execute(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.engine.Active("u1") {
		t.Error("flow started for non-interactive invocation")
	}
}

func TestDescribeFlowSuggestOmittedWithoutSuggester(t *testing.T) {
	f := newDescribeFixture(t, nil, "")
	widget := f.cmd.editWidget()
	for _, o := range widget.Options {
		if o.Value == editActionSuggest {
			t.Error("suggest action offered without a suggester")
		}
	}
}
