package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/guildgraph/guildgraph/internal/models"
)

// maxButtonsPerRow is Discord's limit for buttons in one action row.
const maxButtonsPerRow = 5

func buttonStyle(style models.ButtonStyle) discordgo.ButtonStyle {
	switch style {
	case models.ButtonSecondary:
		return discordgo.SecondaryButton
	case models.ButtonSuccess:
		return discordgo.SuccessButton
	case models.ButtonDanger:
		return discordgo.DangerButton
	default:
		return discordgo.PrimaryButton
	}
}

// buildComponents renders declarative widgets into Discord action rows.
// Buttons are packed up to five per row; each select menu takes a row of
// its own.
func buildComponents(widgets []models.Widget) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	var buttons []discordgo.MessageComponent

	flushButtons := func() {
		if len(buttons) == 0 {
			return
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons})
		buttons = nil
	}

	for _, w := range widgets {
		switch w.Type {
		case models.WidgetButton:
			buttons = append(buttons, discordgo.Button{
				Label:    w.Label,
				Style:    buttonStyle(w.Style),
				CustomID: w.CustomID,
				Disabled: w.Disabled,
			})
			if len(buttons) == maxButtonsPerRow {
				flushButtons()
			}
		case models.WidgetSelect:
			flushButtons()
			options := make([]discordgo.SelectMenuOption, 0, len(w.Options))
			for _, o := range w.Options {
				options = append(options, discordgo.SelectMenuOption{
					Label:       o.Label,
					Value:       o.Value,
					Description: o.Description,
				})
			}
			rows = append(rows, discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    w.CustomID,
					Placeholder: w.Placeholder,
					Options:     options,
					Disabled:    w.Disabled,
				},
			}})
		}
	}
	flushButtons()
	return rows
}

func buildEmbeds(e *models.Embed) []*discordgo.MessageEmbed {
	if e == nil {
		return nil
	}
	fields := make([]*discordgo.MessageEmbedField, 0, len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	return []*discordgo.MessageEmbed{{
		Title:       e.Title,
		Description: e.Description,
		Fields:      fields,
	}}
}

// invocationFromData flattens slash-command data into a CommandInvocation.
// A first-level subcommand becomes Subcommand; every other option becomes
// a string entry in Options.
func invocationFromData(data discordgo.ApplicationCommandInteractionData) (string, string, map[string]string) {
	command := data.Name
	subcommand := ""
	options := make(map[string]string)

	collect := func(opts []*discordgo.ApplicationCommandInteractionDataOption) {
		for _, opt := range opts {
			options[opt.Name] = fmt.Sprint(opt.Value)
		}
	}

	if len(data.Options) == 1 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		subcommand = data.Options[0].Name
		collect(data.Options[0].Options)
	} else {
		collect(data.Options)
	}
	return command, subcommand, options
}
