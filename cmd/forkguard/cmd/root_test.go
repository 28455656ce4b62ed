package cmd

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"forkguard/internal/config"
)

func TestRootCommand_ExecuteHelpReturnsNoError(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"--help"})

	if err := rootCmd.Execute(); err != nil {
		t.Errorf("root command should execute without error: %v", err)
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	var hasRun, hasHistory bool
	for _, cmd := range rootCmd.Commands() {
		if strings.HasPrefix(cmd.Use, "run") {
			hasRun = true
		}
		if cmd.Use == "history" {
			hasHistory = true
		}
	}
	if !hasRun {
		t.Error("expected run subcommand to be registered")
	}
	if !hasHistory {
		t.Error("expected history subcommand to be registered")
	}
}

func TestNewLogger_DefaultLevel(t *testing.T) {
	verbose = false

	log := newLogger()
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logging should be disabled without --verbose")
	}
	if !log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info logging should always be enabled")
	}
}

func TestNewLogger_Verbose(t *testing.T) {
	verbose = true
	defer func() { verbose = false }()

	log := newLogger()
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("--verbose should enable debug logging")
	}
}

func TestDatabaseURL_PrefersViper(t *testing.T) {
	resetViper()
	viper.Set("database_url", "postgres://from-flag/db")

	cfg := &config.Config{DatabaseURL: "postgres://from-env/db"}
	if got := databaseURL(cfg); got != "postgres://from-flag/db" {
		t.Errorf("databaseURL() = %q, want the viper value", got)
	}
}

func TestDatabaseURL_FallsBackToConfig(t *testing.T) {
	resetViper()

	cfg := &config.Config{DatabaseURL: "postgres://from-env/db"}
	if got := databaseURL(cfg); got != "postgres://from-env/db" {
		t.Errorf("databaseURL() = %q, want the config value", got)
	}
}
