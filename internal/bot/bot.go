// Package bot composes the guildgraph modules into a running service:
// store, permission evaluator, approval workflow, flow engine, dispatch
// gate, and the Discord gateway.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/guildgraph/guildgraph/internal/approval"
	"github.com/guildgraph/guildgraph/internal/commands"
	"github.com/guildgraph/guildgraph/internal/discord"
	"github.com/guildgraph/guildgraph/internal/dispatch"
	"github.com/guildgraph/guildgraph/internal/flow"
	"github.com/guildgraph/guildgraph/internal/genai"
	"github.com/guildgraph/guildgraph/internal/lockfile"
	"github.com/guildgraph/guildgraph/internal/messaging"
	"github.com/guildgraph/guildgraph/internal/permission"
	"github.com/guildgraph/guildgraph/internal/store"
)

// Opts holds service configuration.
type Opts struct {
	DBDriver        string
	DBDSN           string
	DiscordToken    string
	GuildID         string
	OpenAIKey       string
	ApprovalTimeout time.Duration
}

// Option configures the service.
type Option func(*Opts)

// WithDBDriver forces the database driver ("sqlite3" or "postgres").
func WithDBDriver(driver string) Option {
	return func(o *Opts) { o.DBDriver = driver }
}

// WithDBDSN sets the database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithDiscordToken sets the Discord bot token.
func WithDiscordToken(token string) Option {
	return func(o *Opts) { o.DiscordToken = token }
}

// WithGuildID scopes slash-command registration to one guild.
func WithGuildID(guildID string) Option {
	return func(o *Opts) { o.GuildID = guildID }
}

// WithOpenAIKey sets the OpenAI API key for description suggestions.
func WithOpenAIKey(key string) Option {
	return func(o *Opts) { o.OpenAIKey = key }
}

// WithApprovalTimeout bounds the admin decision wait.
func WithApprovalTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ApprovalTimeout = d }
}

// isPostgresDSN reports whether the DSN addresses a Postgres server.
func isPostgresDSN(dsn string) bool {
	return strings.Contains(dsn, "postgres://") || strings.Contains(dsn, "host=")
}

func openStore(cfg Opts) (store.Store, error) {
	if cfg.DBDSN == "" && cfg.DBDriver == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	driver := cfg.DBDriver
	if driver == "" {
		if isPostgresDSN(cfg.DBDSN) {
			driver = "postgres"
		} else {
			driver = "sqlite3"
		}
	}
	switch driver {
	case "postgres":
		return store.NewPostgresStore(store.WithDSN(cfg.DBDSN))
	case "sqlite3":
		return store.NewSQLiteStore(store.WithDSN(cfg.DBDSN))
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// commandSpecs declares the slash commands registered with the gateway.
func commandSpecs() []discord.CommandSpec {
	return []discord.CommandSpec{
		{
			Name:        "game",
			Description: "Create a game record",
			Options: []discord.OptionSpec{
				{Name: "name", Description: "Name of the game", Required: true},
				{Name: "description", Description: "Short description", Required: false},
			},
		},
		{
			Name:        "describe",
			Description: "Update the description of a stored record",
		},
		{
			Name:        "perm",
			Description: "Manage permission rules and grants",
			Subcommands: []discord.CommandSpec{
				{
					Name:        "set",
					Description: "Set a permission rule",
					Options: []discord.OptionSpec{
						{Name: "token", Description: "Permission token, e.g. object:game:create", Required: true},
						{Name: "state", Description: "allowed, once or forbidden", Required: true},
						{Name: "level", Description: "user, organization, server or admin", Required: false},
					},
				},
				{Name: "list", Description: "List the guild's permission rules"},
				{
					Name:        "grants",
					Description: "List a user's forever-grants",
					Options: []discord.OptionSpec{
						{Name: "user", Description: "User id, defaults to you", Required: false},
					},
				},
			},
		},
	}
}

// Run wires the modules together and blocks until SIGINT/SIGTERM.
func Run(opts ...Option) error {
	cfg := Opts{ApprovalTimeout: approval.DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Info("Bootstrapping guildgraph",
		"db_driver", cfg.DBDriver,
		"dsn_set", cfg.DBDSN != "",
		"guild_scoped", cfg.GuildID != "",
		"approval_timeout", cfg.ApprovalTimeout)

	// A file-based database means a private state directory; hold its
	// lock so a second instance cannot corrupt it or double-register
	// commands.
	if cfg.DBDSN != "" && !isPostgresDSN(cfg.DBDSN) {
		lock, err := lockfile.Acquire(filepath.Dir(cfg.DBDSN))
		if err != nil {
			return fmt.Errorf("locking state directory: %w", err)
		}
		defer lock.Release()
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	service, err := discord.NewService(
		discord.WithToken(cfg.DiscordToken),
		discord.WithGuildID(cfg.GuildID),
		discord.WithCommandSpecs(commandSpecs()),
	)
	if err != nil {
		return fmt.Errorf("creating discord service: %w", err)
	}

	grants := permission.NewBackedGrantStore(st)
	evaluator := permission.NewEvaluator(grants)
	workflow := approval.NewWorkflow(service, service, grants, approval.WithTimeout(cfg.ApprovalTimeout))
	engine := flow.NewEngine(service)
	gate := dispatch.NewGate(st, evaluator, workflow, service, service)

	var genaiOpts []genai.Option
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	var suggester commands.Suggester
	if client, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Info("Description suggestions disabled", "reason", err)
	} else {
		suggester = client
	}

	gate.Register(commands.NewGameCommand(st, service))
	gate.Register(commands.NewPermCommand(st, grants, service))
	gate.Register(commands.NewDescribeCommand(st, engine, service, suggester))

	// Approval prompts are checked before flow steps so an approval
	// button press can never be swallowed by an active flow.
	router := messaging.NewRouter(service, gate,
		[]messaging.InteractionHandler{workflow, engine},
		[]messaging.MessageHandler{engine},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("starting discord service: %w", err)
	}
	defer func() {
		if err := service.Stop(); err != nil {
			slog.Error("Discord service stop failed", "error", err)
		}
	}()

	router.Run(ctx)
	slog.Info("guildgraph shut down")
	return nil
}
