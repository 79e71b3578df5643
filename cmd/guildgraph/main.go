package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/guildgraph/guildgraph/internal/bot"
	"github.com/guildgraph/guildgraph/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for guildgraph state data
	DefaultStateDir = "/var/lib/guildgraph"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "guildgraph.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build service options
	botOpts, err := buildBotOptions(flags)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Start the service
	slog.Info("Bootstrapping guildgraph with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "guild_scoped", *flags.guildID != "")
	if err := bot.Run(botOpts...); err != nil {
		slog.Error("guildgraph failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("guildgraph exited successfully")
}

// Config holds environment configuration
type Config struct {
	DbDriver        string
	DatabaseURL     string
	StateDir        string
	DiscordToken    string
	GuildID         string
	OpenAIKey       string
	ApprovalTimeout string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDriver        *string
	dbDSN           *string
	discordToken    *string
	guildID         *string
	openaiKey       *string
	approvalTimeout *string
}

// initializeLogger sets up structured logging. Debug output is enabled
// unless GUILDGRAPH_DEBUG is set to a false value.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("GUILDGRAPH_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DbDriver:        os.Getenv("GUILDGRAPH_DB_DRIVER"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("GUILDGRAPH_STATE_DIR"),
		DiscordToken:    os.Getenv("DISCORD_BOT_TOKEN"),
		GuildID:         os.Getenv("DISCORD_GUILD_ID"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		ApprovalTimeout: os.Getenv("APPROVAL_TIMEOUT"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No GUILDGRAPH_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("GUILDGRAPH_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"GUILDGRAPH_DB_DRIVER", config.DbDriver,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"GUILDGRAPH_STATE_DIR", config.StateDir,
		"DISCORD_BOT_TOKEN_SET", config.DiscordToken != "",
		"DISCORD_GUILD_ID", config.GuildID,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"APPROVAL_TIMEOUT", config.ApprovalTimeout)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for guildgraph data (overrides $GUILDGRAPH_STATE_DIR)"),
		dbDriver:        flag.String("db-driver", config.DbDriver, "database driver, sqlite3 or postgres (overrides $GUILDGRAPH_DB_DRIVER)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		discordToken:    flag.String("discord-token", config.DiscordToken, "Discord bot token (overrides $DISCORD_BOT_TOKEN)"),
		guildID:         flag.String("guild-id", config.GuildID, "guild id for scoped command registration (overrides $DISCORD_GUILD_ID)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		approvalTimeout: flag.String("approval-timeout", config.ApprovalTimeout, "how long to wait for an admin approval decision (overrides $APPROVAL_TIMEOUT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDriver", *flags.dbDriver,
		"dbDSN_set", *flags.dbDSN != "",
		"discordTokenSet", *flags.discordToken != "",
		"guildID", *flags.guildID,
		"openaiKeySet", *flags.openaiKey != "",
		"approvalTimeout", *flags.approvalTimeout)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildBotOptions constructs service configuration options
func buildBotOptions(flags Flags) ([]bot.Option, error) {
	var botOpts []bot.Option
	if *flags.dbDriver != "" {
		botOpts = append(botOpts, bot.WithDBDriver(*flags.dbDriver))
	}
	if *flags.dbDSN != "" {
		botOpts = append(botOpts, bot.WithDBDSN(*flags.dbDSN))
	}
	if *flags.discordToken != "" {
		botOpts = append(botOpts, bot.WithDiscordToken(*flags.discordToken))
	}
	if *flags.guildID != "" {
		botOpts = append(botOpts, bot.WithGuildID(*flags.guildID))
	}
	if *flags.openaiKey != "" {
		botOpts = append(botOpts, bot.WithOpenAIKey(*flags.openaiKey))
	}
	if *flags.approvalTimeout != "" {
		d, err := time.ParseDuration(*flags.approvalTimeout)
		if err != nil {
			return nil, err
		}
		botOpts = append(botOpts, bot.WithApprovalTimeout(d))
	}
	return botOpts, nil
}
