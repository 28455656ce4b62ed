package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forkguard/internal/config"
	"forkguard/internal/logger"
)

var (
	cfgFile string
	verbose bool
)

// exitCode is set by the run command to mirror the supervised process.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "forkguard",
	Short: "Forkguard supervises a single forked process",
	Long: `forkguard runs one external command under supervision: it starts the
process, watches for its termination, enforces an optional execution deadline
and converts the outcome into a single unambiguous success-or-failure signal.

A non-zero exit of the supervised process, or a blown deadline, is reported
exactly once and mirrored in forkguard's own exit code.

Common workflows:

  Run a command with a 30 second deadline:
    forkguard run --timeout 30s --timeout-code 124 -- /usr/bin/backup --full

  Run inside a container:
    forkguard run --runtime docker --image alpine -- sh -c "echo hello"

  Inspect past runs (requires a configured database):
    forkguard history --limit 20

Configuration:
  Settings come from FORKGUARD_* environment variables or a config file:
    FORKGUARD_DATABASE_URL   Postgres URL for run history (optional)
    FORKGUARD_OTEL_ENDPOINT  OTLP/gRPC collector for traces (optional)
    FORKGUARD_METRICS_PORT   Prometheus /metrics port (default 9464)
    FORKGUARD_LOG_RATE       Max output lines/s forwarded to the log (0 = unlimited)`,
}

// Execute runs the CLI and returns the process exit code: the supervised
// process's corrected exit code, the timeout code on a blown deadline, or 0.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return exitCode
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".forkguard"
		viper.AddConfigPath(home)
		viper.SetConfigName(".forkguard")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FORKGUARD_VARNAME"
	viper.SetEnvPrefix("FORKGUARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds the CLI logger, honoring --verbose.
func newLogger() *slog.Logger {
	if verbose {
		return logger.NewWithLevel(slog.LevelDebug)
	}
	return logger.New()
}

// databaseURL resolves the history database URL: flag or config file first,
// then the plain environment.
func databaseURL(cfg *config.Config) string {
	if u := viper.GetString("database_url"); u != "" {
		return u
	}
	return cfg.DatabaseURL
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.forkguard.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.PersistentFlags().String("database-url", "", "Postgres URL for the run history store")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
}
