// Package discord implements the messaging.Service gateway on top of the
// Discord API via discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildgraph/guildgraph/internal/models"
	"github.com/guildgraph/guildgraph/internal/util"
)

// Constants for Service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound event channels
	DefaultChannelBufferSize = 100
)

// OptionSpec declares one string option of a slash command.
type OptionSpec struct {
	Name        string
	Description string
	Required    bool
}

// CommandSpec declares one slash command registered at startup.
type CommandSpec struct {
	Name        string
	Description string
	Subcommands []CommandSpec
	Options     []OptionSpec
}

// Opts holds configuration options for the Discord service.
type Opts struct {
	Token   string
	GuildID string
	Specs   []CommandSpec
}

// Option defines a configuration option for the Discord service.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithGuildID scopes slash-command registration to one guild. Empty means
// global registration.
func WithGuildID(guildID string) Option {
	return func(o *Opts) { o.GuildID = guildID }
}

// WithCommandSpecs sets the slash commands registered on Start.
func WithCommandSpecs(specs []CommandSpec) Option {
	return func(o *Opts) { o.Specs = specs }
}

// pendingReply tracks a deferred interaction response so later replies can
// be routed as an edit or a follow-up.
type pendingReply struct {
	interaction *discordgo.Interaction
	responded   bool
}

// Service implements messaging.Service over a discordgo session.
type Service struct {
	session      *discordgo.Session
	opts         Opts
	commands     chan models.CommandInvocation
	interactions chan models.Interaction
	messages     chan models.Message
	registered   []*discordgo.ApplicationCommand

	mu      sync.Mutex
	replies map[string]*pendingReply
}

// NewService creates a Discord gateway service from the given options.
func NewService(opts ...Option) (*Service, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewService invoked", "token_set", cfg.Token != "", "guild_scoped", cfg.GuildID != "")
	if cfg.Token == "" {
		slog.Error("Discord bot token not set")
		return nil, fmt.Errorf("discord bot token not set")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		slog.Error("Failed to create Discord session", "error", err)
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	return &Service{
		session:      session,
		opts:         cfg,
		commands:     make(chan models.CommandInvocation, DefaultChannelBufferSize),
		interactions: make(chan models.Interaction, DefaultChannelBufferSize),
		messages:     make(chan models.Message, DefaultChannelBufferSize),
		replies:      make(map[string]*pendingReply),
	}, nil
}

// Start opens the gateway connection and registers the configured slash
// commands.
func (s *Service) Start(ctx context.Context) error {
	slog.Debug("Discord Service Start invoked")

	s.session.AddHandler(s.onInteractionCreate)
	s.session.AddHandler(s.onMessageCreate)

	if err := s.session.Open(); err != nil {
		slog.Error("Failed to open Discord gateway", "error", err)
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	slog.Info("Discord gateway connected", "bot", s.session.State.User.Username)

	if err := s.registerCommands(); err != nil {
		s.session.Close()
		return err
	}
	return nil
}

func (s *Service) registerCommands() error {
	appID := s.session.State.User.ID
	for _, spec := range s.opts.Specs {
		cmd, err := s.session.ApplicationCommandCreate(appID, s.opts.GuildID, buildCommand(spec))
		if err != nil {
			slog.Error("Failed to register slash command", "error", err, "command", spec.Name)
			return fmt.Errorf("failed to register command %s: %w", spec.Name, err)
		}
		s.registered = append(s.registered, cmd)
		slog.Debug("Slash command registered", "command", spec.Name)
	}
	slog.Info("Slash commands registered", "count", len(s.registered))
	return nil
}

func buildCommand(spec CommandSpec) *discordgo.ApplicationCommand {
	cmd := &discordgo.ApplicationCommand{
		Name:        spec.Name,
		Description: spec.Description,
	}
	for _, sub := range spec.Subcommands {
		cmd.Options = append(cmd.Options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        sub.Name,
			Description: sub.Description,
			Options:     buildOptions(sub.Options),
		})
	}
	if len(spec.Subcommands) == 0 {
		cmd.Options = buildOptions(spec.Options)
	}
	return cmd
}

func buildOptions(specs []OptionSpec) []*discordgo.ApplicationCommandOption {
	out := make([]*discordgo.ApplicationCommandOption, 0, len(specs))
	for _, o := range specs {
		out = append(out, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        o.Name,
			Description: o.Description,
			Required:    o.Required,
		})
	}
	return out
}

// Stop closes the gateway connection and the event channels.
func (s *Service) Stop() error {
	slog.Info("Discord Service Stop invoked")
	err := s.session.Close()
	close(s.commands)
	close(s.interactions)
	close(s.messages)
	slog.Info("Discord service stopped and channels closed")
	return err
}

// Commands returns a channel of inbound slash-command invocations.
func (s *Service) Commands() <-chan models.CommandInvocation { return s.commands }

// Interactions returns a channel of inbound component interactions.
func (s *Service) Interactions() <-chan models.Interaction { return s.interactions }

// Messages returns a channel of inbound plain messages.
func (s *Service) Messages() <-chan models.Message { return s.messages }

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (s *Service) onInteractionCreate(session *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		s.handleCommand(i)
	case discordgo.InteractionMessageComponent:
		s.handleComponent(i)
	case discordgo.InteractionModalSubmit:
		s.handleModal(i)
	}
}

func (s *Service) handleCommand(i *discordgo.InteractionCreate) {
	// Defer immediately so the three-second interaction window cannot
	// lapse while the command waits on approval.
	err := s.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		slog.Error("Failed to defer interaction response", "error", err)
		return
	}

	token := util.GenerateReplyToken()
	s.mu.Lock()
	s.replies[token] = &pendingReply{interaction: i.Interaction}
	s.mu.Unlock()

	command, subcommand, options := invocationFromData(i.ApplicationCommandData())
	inv := models.CommandInvocation{
		Command:     command,
		Subcommand:  subcommand,
		GuildID:     i.GuildID,
		ChannelID:   i.ChannelID,
		UserID:      interactionUser(i),
		Options:     options,
		Interactive: true,
		ReplyToken:  token,
		Time:        time.Now().Unix(),
	}
	slog.Debug("Discord command received", "command", command, "subcommand", subcommand, "user", inv.UserID)
	s.commands <- inv
}

func (s *Service) handleComponent(i *discordgo.InteractionCreate) {
	// Acknowledge so the component does not show an interaction failure;
	// actual replies go out through SendReply.
	err := s.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		slog.Error("Failed to acknowledge component interaction", "error", err)
	}

	data := i.MessageComponentData()
	in := models.Interaction{
		ID:        i.ID,
		CustomID:  data.CustomID,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		UserID:    interactionUser(i),
		Values:    data.Values,
		Time:      time.Now().Unix(),
	}
	slog.Debug("Discord component interaction received", "custom_id", in.CustomID, "user", in.UserID)
	s.interactions <- in
}

func (s *Service) handleModal(i *discordgo.InteractionCreate) {
	err := s.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		slog.Error("Failed to acknowledge modal submission", "error", err)
	}

	data := i.ModalSubmitData()
	in := models.Interaction{
		ID:        i.ID,
		CustomID:  data.CustomID,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		UserID:    interactionUser(i),
		Values:    modalValues(data),
		Time:      time.Now().Unix(),
	}
	slog.Debug("Discord modal submission received", "custom_id", in.CustomID, "user", in.UserID)
	s.interactions <- in
}

// modalValues flattens the text inputs of a submitted modal in display
// order.
func modalValues(data discordgo.ModalSubmitInteractionData) []string {
	var values []string
	for _, component := range data.Components {
		row, ok := component.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, inner := range row.Components {
			if input, ok := inner.(*discordgo.TextInput); ok {
				values = append(values, input.Value)
			}
		}
	}
	return values
}

func (s *Service) onMessageCreate(session *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if session.State.User != nil && m.Author.ID == session.State.User.ID {
		return
	}
	s.messages <- models.Message{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Content:   m.Content,
		Time:      time.Now().Unix(),
	}
}

// SendReply delivers a payload. With a live reply token the first send
// edits the deferred interaction response and later sends become
// follow-ups; otherwise the payload is posted to the channel.
func (s *Service) SendReply(ctx context.Context, target models.ReplyTarget, payload models.Payload) error {
	if err := payload.Validate(); err != nil {
		slog.Error("Discord SendReply payload invalid", "error", err)
		return err
	}

	if target.ReplyToken != "" {
		s.mu.Lock()
		pending := s.replies[target.ReplyToken]
		var first bool
		if pending != nil {
			first = !pending.responded
			pending.responded = true
		}
		s.mu.Unlock()

		if pending != nil {
			if first {
				return s.editDeferred(pending.interaction, payload)
			}
			return s.followUp(pending.interaction, payload)
		}
		slog.Debug("Reply token unknown, falling back to channel send", "channel", target.ChannelID)
	}

	if target.ChannelID == "" {
		return fmt.Errorf("reply target has neither token nor channel: %w", models.ErrDeliveryFailed)
	}
	_, err := s.session.ChannelMessageSendComplex(target.ChannelID, &discordgo.MessageSend{
		Content:    payload.Body,
		Embeds:     buildEmbeds(payload.Embed),
		Components: buildComponents(payload.Widgets),
	})
	if err != nil {
		slog.Error("Discord channel send failed", "error", err, "channel", target.ChannelID)
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailed, err)
	}
	slog.Debug("Discord channel send succeeded", "channel", target.ChannelID)
	return nil
}

func (s *Service) editDeferred(interaction *discordgo.Interaction, payload models.Payload) error {
	components := buildComponents(payload.Widgets)
	_, err := s.session.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{
		Content:    &payload.Body,
		Embeds:     embedsPtr(payload.Embed),
		Components: &components,
	})
	if err != nil {
		slog.Error("Discord interaction edit failed", "error", err)
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailed, err)
	}
	return nil
}

func (s *Service) followUp(interaction *discordgo.Interaction, payload models.Payload) error {
	_, err := s.session.FollowupMessageCreate(interaction, true, &discordgo.WebhookParams{
		Content:    payload.Body,
		Embeds:     buildEmbeds(payload.Embed),
		Components: buildComponents(payload.Widgets),
	})
	if err != nil {
		slog.Error("Discord follow-up send failed", "error", err)
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailed, err)
	}
	return nil
}

func embedsPtr(e *models.Embed) *[]*discordgo.MessageEmbed {
	embeds := buildEmbeds(e)
	return &embeds
}

// SendDirect delivers a payload to the user's DM channel.
func (s *Service) SendDirect(ctx context.Context, userID string, payload models.Payload) error {
	if err := payload.Validate(); err != nil {
		slog.Error("Discord SendDirect payload invalid", "error", err)
		return err
	}
	channel, err := s.session.UserChannelCreate(userID)
	if err != nil {
		slog.Error("Discord DM channel create failed", "error", err, "user", userID)
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailed, err)
	}
	_, err = s.session.ChannelMessageSendComplex(channel.ID, &discordgo.MessageSend{
		Content:    payload.Body,
		Embeds:     buildEmbeds(payload.Embed),
		Components: buildComponents(payload.Widgets),
	})
	if err != nil {
		slog.Error("Discord DM send failed", "error", err, "user", userID)
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailed, err)
	}
	slog.Debug("Discord DM send succeeded", "user", userID)
	return nil
}

// GuildMembers lists guild members with their admin capability resolved
// from the owner bit and role permissions.
func (s *Service) GuildMembers(ctx context.Context, guildID string) ([]models.Member, error) {
	guild, err := s.session.Guild(guildID)
	if err != nil {
		slog.Error("Discord guild lookup failed", "error", err, "guild", guildID)
		return nil, fmt.Errorf("failed to fetch guild %s: %w", guildID, err)
	}
	roles, err := s.session.GuildRoles(guildID)
	if err != nil {
		slog.Error("Discord role lookup failed", "error", err, "guild", guildID)
		return nil, fmt.Errorf("failed to fetch roles for %s: %w", guildID, err)
	}
	adminRoles := make(map[string]bool, len(roles))
	for _, role := range roles {
		if role.Permissions&discordgo.PermissionAdministrator != 0 {
			adminRoles[role.ID] = true
		}
	}

	raw, err := s.session.GuildMembers(guildID, "", 1000)
	if err != nil {
		slog.Error("Discord member lookup failed", "error", err, "guild", guildID)
		return nil, fmt.Errorf("failed to fetch members for %s: %w", guildID, err)
	}

	members := make([]models.Member, 0, len(raw))
	for _, m := range raw {
		if m.User == nil {
			continue
		}
		isAdmin := m.User.ID == guild.OwnerID
		for _, roleID := range m.Roles {
			if adminRoles[roleID] {
				isAdmin = true
				break
			}
		}
		members = append(members, models.Member{
			GuildID:  guildID,
			UserID:   m.User.ID,
			Username: m.User.Username,
			IsAdmin:  isAdmin,
			IsBot:    m.User.Bot,
		})
	}
	slog.Debug("Discord guild members resolved", "guild", guildID, "count", len(members))
	return members, nil
}
