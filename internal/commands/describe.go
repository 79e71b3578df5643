package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/guildgraph/guildgraph/internal/dispatch"
	"github.com/guildgraph/guildgraph/internal/flow"
	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/store"
)

// Widget identifiers of the describe flow, one per step.
const (
	describeTypeID    = "describe:type"
	describeRecordID  = "describe:record"
	describeEditID    = "describe:edit"
	describeConfirmID = "describe:confirm"
)

// Edit-step select actions.
const (
	editActionAppend  = "append"
	editActionReplace = "replace"
	editActionSuggest = "suggest"
	editActionDone    = "done"
)

// maxRecordChoices bounds the record select to the platform option limit.
const maxRecordChoices = models.MaxSelectOptionsCount

// Suggester generates description text proposals. genai.Client satisfies
// it; a nil Suggester removes the suggest action from the flow.
type Suggester interface {
	SuggestDescription(ctx context.Context, label, name, current string) (string, error)
}

// describeState is the shared state of one describe flow run.
type describeState struct {
	Label   models.RecordLabel
	UID     string
	Text    string
	Append  bool
	Started time.Time
}

// DescribeCommand walks a user through re-describing a stored record:
// pick a record type, pick the record, edit the text, confirm and save.
type DescribeCommand struct {
	store     store.Store
	engine    *flow.Engine
	messenger dispatch.Messenger
	suggester Suggester
}

// NewDescribeCommand creates the describe command. suggester may be nil.
func NewDescribeCommand(st store.Store, engine *flow.Engine, messenger dispatch.Messenger, suggester Suggester) *DescribeCommand {
	return &DescribeCommand{store: st, engine: engine, messenger: messenger, suggester: suggester}
}

func (c *DescribeCommand) Name() string        { return "describe" }
func (c *DescribeCommand) Description() string { return "Update the description of a stored record" }

func (c *DescribeCommand) Permissions() dispatch.Template {
	return dispatch.Static("object:describe")
}

// Execute starts the describe flow for the invoking user, superseding any
// flow they were already driving.
func (c *DescribeCommand) Execute(ctx context.Context, inv *dispatch.Invocation) error {
	if !inv.Interactive {
		return c.messenger.SendReply(ctx, inv.ReplyTarget(), models.Payload{
			Body: "The describe command walks through interactive steps and cannot run here.",
		})
	}

	state := &describeState{Append: true, Started: time.Now()}
	builder := flow.NewBuilder(inv.UserID, nil, state, inv.Exec).
		Channel(inv.ChannelID).
		Step(describeTypeID, "type").
		Prompt(c.promptType).
		OnInteraction(c.pickType).
		Next().
		Step(describeRecordID, "record").
		Prompt(c.promptRecord).
		OnInteraction(c.pickRecord).
		Next().
		Step(describeEditID, "edit").
		Prompt(c.promptEdit).
		OnInteraction(c.editAction).
		OnMessage(c.editMessage).
		Next().
		Step(describeConfirmID, "confirm").
		Prompt(c.promptConfirm).
		OnInteraction(c.confirm).
		Next()

	if err := builder.Start(ctx, c.engine); err != nil {
		return fmt.Errorf("starting describe flow: %w", err)
	}
	slog.Info("Describe flow started", "user", inv.UserID, "channel", inv.ChannelID)
	return nil
}

func (c *DescribeCommand) promptType(fc *flow.Context[describeState]) error {
	return fc.Reply(models.Payload{
		Body: "What kind of record would you like to describe?",
		Widgets: []models.Widget{{
			Type:        models.WidgetSelect,
			CustomID:    describeTypeID,
			Placeholder: "Record type",
			Options: []models.WidgetOption{
				{Label: "Game", Value: string(models.LabelGame)},
				{Label: "Player", Value: string(models.LabelPlayer)},
				{Label: "Guild", Value: string(models.LabelGuild)},
			},
		}},
	})
}

func (c *DescribeCommand) pickType(fc *flow.Context[describeState], in models.Interaction) (bool, error) {
	label := models.RecordLabel(in.Value())
	switch label {
	case models.LabelGame, models.LabelPlayer, models.LabelGuild:
	default:
		return false, fmt.Errorf("unknown record type %q", in.Value())
	}
	fc.State.Label = label
	if err := fc.Remember("label", string(label)); err != nil {
		return false, err
	}
	return true, nil
}

// recordChoices loads the records of the chosen label once per
// invocation; re-prompts reuse the cached result.
func (c *DescribeCommand) recordChoices(fc *flow.Context[describeState]) ([]models.Record, error) {
	label := fc.State.Label
	v, err := fc.Exec.GetOrCompute("records:"+string(label), func() (any, error) {
		return c.store.QueryRecords(label, "")
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Record), nil
}

func (c *DescribeCommand) promptRecord(fc *flow.Context[describeState]) error {
	records, err := c.recordChoices(fc)
	if err != nil {
		return fmt.Errorf("loading %s records: %w", fc.State.Label, err)
	}
	if len(records) == 0 {
		if err := fc.Reply(models.Payload{Body: fmt.Sprintf("There are no %s records to describe yet.", fc.State.Label)}); err != nil {
			slog.Error("Describe flow empty-list reply failed", "error", err, "user", fc.UserID)
		}
		fc.Cancel()
		return nil
	}
	if len(records) > maxRecordChoices {
		records = records[:maxRecordChoices]
	}
	options := make([]models.WidgetOption, 0, len(records))
	for _, r := range records {
		options = append(options, models.WidgetOption{
			Label:       r.Name(),
			Value:       r.UID,
			Description: truncate(r.Properties["description"], 100),
		})
	}
	return fc.Reply(models.Payload{
		Body: fmt.Sprintf("Which %s should get a new description?", fc.Recall("type", "label")),
		Widgets: []models.Widget{{
			Type:        models.WidgetSelect,
			CustomID:    describeRecordID,
			Placeholder: "Pick a record",
			Options:     options,
		}},
	})
}

func (c *DescribeCommand) pickRecord(fc *flow.Context[describeState], in models.Interaction) (bool, error) {
	record, err := c.store.GetRecord(in.Value())
	if err != nil {
		return false, fmt.Errorf("loading record %s: %w", in.Value(), err)
	}
	fc.State.UID = record.UID
	fc.State.Text = record.Properties["description"]
	if err := fc.Remember("uid", record.UID); err != nil {
		return false, err
	}
	if err := fc.Remember("name", record.Name()); err != nil {
		return false, err
	}
	return true, nil
}

func (c *DescribeCommand) editWidget() models.Widget {
	options := []models.WidgetOption{
		{Label: "Append mode", Value: editActionAppend, Description: "New messages extend the text"},
		{Label: "Replace mode", Value: editActionReplace, Description: "The next message replaces the text"},
	}
	if c.suggester != nil {
		options = append(options, models.WidgetOption{Label: "Suggest", Value: editActionSuggest, Description: "Ask the AI for a draft"})
	}
	options = append(options, models.WidgetOption{Label: "Done editing", Value: editActionDone})
	return models.Widget{
		Type:        models.WidgetSelect,
		CustomID:    describeEditID,
		Placeholder: "Editing actions",
		Options:     options,
	}
}

func (c *DescribeCommand) promptEdit(fc *flow.Context[describeState]) error {
	body := fmt.Sprintf("Editing the description of %q. Send messages to write; pick an action when ready.", fc.Recall("record", "name"))
	if fc.State.Text != "" {
		body += fmt.Sprintf("\nCurrent text:\n%s", fc.State.Text)
	}
	return fc.Reply(models.Payload{Body: body, Widgets: []models.Widget{c.editWidget()}})
}

// editMessage accumulates free text. In append mode messages join the
// existing text in send order; in replace mode a message overwrites it
// and the flow drops back to append mode.
func (c *DescribeCommand) editMessage(fc *flow.Context[describeState], msg models.Message) (bool, error) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return false, nil
	}
	if fc.State.Append && fc.State.Text != "" {
		fc.State.Text += "\n" + text
	} else {
		fc.State.Text = text
		fc.State.Append = true
	}
	return false, nil
}

func (c *DescribeCommand) editAction(fc *flow.Context[describeState], in models.Interaction) (bool, error) {
	switch in.Value() {
	case editActionAppend:
		fc.State.Append = true
		return false, fc.Reply(models.Payload{Body: "Append mode: new messages extend the text."})
	case editActionReplace:
		fc.State.Append = false
		return false, fc.Reply(models.Payload{Body: "Replace mode: your next message replaces the text."})
	case editActionSuggest:
		if c.suggester == nil {
			return false, nil
		}
		name, _ := fc.Recall("record", "name").(string)
		suggestion, err := c.suggester.SuggestDescription(fc.Context, string(fc.State.Label), name, fc.State.Text)
		if err != nil {
			return false, fmt.Errorf("generating suggestion: %w", err)
		}
		fc.State.Text = suggestion
		return false, fc.Reply(models.Payload{Body: "Suggested text:\n" + suggestion})
	case editActionDone:
		if strings.TrimSpace(fc.State.Text) == "" {
			return false, fc.Reply(models.Payload{Body: "The description is still empty. Write something first."})
		}
		if err := fc.Remember("text", fc.State.Text); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (c *DescribeCommand) promptConfirm(fc *flow.Context[describeState]) error {
	return fc.Reply(models.Payload{
		Body: fmt.Sprintf("Save this description for %q?\n%s", fc.Recall("record", "name"), fc.Recall("edit", "text")),
		Widgets: []models.Widget{{
			Type:        models.WidgetSelect,
			CustomID:    describeConfirmID,
			Placeholder: "Save or discard",
			Options: []models.WidgetOption{
				{Label: "Save", Value: "save"},
				{Label: "Discard", Value: "discard"},
			},
		}},
	})
}

func (c *DescribeCommand) confirm(fc *flow.Context[describeState], in models.Interaction) (bool, error) {
	switch in.Value() {
	case "save":
		uid, _ := fc.Recall("record", "uid").(string)
		text, _ := fc.Recall("edit", "text").(string)
		record, err := c.store.GetRecord(uid)
		if err != nil {
			return false, fmt.Errorf("loading record %s: %w", uid, err)
		}
		if record.Properties == nil {
			record.Properties = make(map[string]string)
		}
		record.Properties["description"] = text
		record.UpdatedAt = time.Now()
		if err := c.store.UpdateRecord(*record); err != nil {
			return false, fmt.Errorf("saving record %s: %w", uid, err)
		}
		slog.Info("Record description updated", "uid", uid, "user", fc.UserID)
		if err := fc.Reply(models.Payload{Body: "Description saved."}); err != nil {
			slog.Error("Describe flow save reply failed", "error", err, "user", fc.UserID)
		}
		return true, nil
	case "discard":
		if err := fc.Reply(models.Payload{Body: "Discarded. Nothing was changed."}); err != nil {
			slog.Error("Describe flow discard reply failed", "error", err, "user", fc.UserID)
		}
		fc.Cancel()
		return false, nil
	default:
		return false, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
