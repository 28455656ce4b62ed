package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forkguard/internal/config"
	"forkguard/internal/launcher"
	"forkguard/internal/logger"
	"forkguard/internal/observability"
	"forkguard/internal/service"
	"forkguard/internal/store"
	"forkguard/internal/store/postgres"
	"forkguard/internal/supervisor"
)

var (
	runName        string
	runEnv         []string
	runTimeout     time.Duration
	runTimeoutCode int
	runRecentLines int
	runLogRate     float64
	runRuntime     string
	runImage       string
	runNamespace   string
	runTail        bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command under supervision",
	Long: `Run starts the given command through the selected runtime, waits for it to
terminate and mirrors the outcome in forkguard's exit code. With --timeout the
process is killed once the deadline elapses and the run is reported as failed
with the configured timeout code.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runRun,
}

// parseEnvPairs turns repeated KEY=VALUE flags into the environment mapping.
// Duplicate keys are rejected.
func parseEnvPairs(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env pair %q, want KEY=VALUE", pair)
		}
		if _, dup := env[k]; dup {
			return nil, fmt.Errorf("duplicate env key %q", k)
		}
		env[k] = v
	}
	return env, nil
}

// newLauncherFactory selects the launcher implementation for the run.
// logRate throttles output-log forwarding for the exec runtime; 0 disables it.
func newLauncherFactory(log *slog.Logger, logRate float64) supervisor.LauncherFactory {
	return func(name string, command []string, events launcher.Events) (launcher.Launcher, error) {
		switch runRuntime {
		case "exec", "":
			ex := launcher.NewExecLauncher(name, command, events, log)
			if logRate > 0 {
				burst := int(logRate)
				if burst < 1 {
					burst = 1
				}
				ex.SetOutputRateLimit(logRate, burst)
			}
			return ex, nil
		case "docker":
			return launcher.NewDockerLauncher(name, runImage, command, events, log)
		case "kubernetes":
			return launcher.NewKubernetesLauncher(name, runImage, command, launcher.KubernetesConfig{
				Namespace: runNamespace,
			}, events, log)
		default:
			return nil, fmt.Errorf("unknown runtime %q", runRuntime)
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runID := uuid.New()
	ctx := logger.WithRunID(cmd.Context(), runID.String())
	log := logger.FromContext(ctx, newLogger())

	name := runName
	if name == "" {
		name = filepath.Base(args[0])
	}

	env, err := parseEnvPairs(runEnv)
	if err != nil {
		return err
	}

	// Tracing
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "forkguard", cfg.OTELEndpoint)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()
	runMetrics, err := observability.NewRunMetrics()
	if err != nil {
		return fmt.Errorf("failed to create run metrics: %w", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server error", "error", err)
		}
	}()

	logRate := runLogRate
	if logRate <= 0 {
		logRate = cfg.LogRate
	}

	// Supervisor and host lifecycle
	sup := supervisor.New(name, newLauncherFactory(log, logRate), log,
		supervisor.WithStopGrace(cfg.StopGrace))
	runner := service.NewRunner(sup, log)
	sup.SetFaultHook(runner.NoteFailure)

	if runTimeout > 0 {
		sup.SetTimeout(runTimeout, runTimeoutCode)
	}
	recentLines := runRecentLines
	if recentLines <= 0 {
		recentLines = cfg.RecentLines
	}
	sup.SetRecentLineLimit(recentLines)
	sup.SetOutputLog(log)

	if err := sup.Configure(env, args); err != nil {
		return err
	}

	// Run history
	var history store.RunStore
	runRow := &store.Run{
		ID:        runID,
		Name:      name,
		Command:   args,
		StartedAt: time.Now().UTC(),
	}
	if url := databaseURL(cfg); url != "" {
		st, err := postgres.New(ctx, url)
		if err != nil {
			log.Warn("run history unavailable", "error", err)
		} else {
			defer st.Close()
			history = st
			if err := history.CreateRun(ctx, runRow); err != nil {
				log.Warn("failed to record run", "error", err)
				history = nil
			}
		}
	}

	tracer := otel.Tracer("forkguard-cli")
	ctx, span := tracer.Start(ctx, "supervise_run",
		trace.WithAttributes(
			attribute.String("run.id", runID.String()),
			attribute.String("run.name", name),
			attribute.String("run.runtime", runRuntime),
			attribute.StringSlice("run.command", args),
		),
	)
	defer span.End()

	signalCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	startedAt := time.Now()
	runMetrics.RunStarted(ctx, name)
	log.Info("starting supervised run", "name", name, "runtime", runRuntime, "timeout", runTimeout)

	if err := runner.Start(ctx); err != nil {
		return err
	}

	select {
	case <-sup.Done():
	case <-signalCtx.Done():
		log.Info("signal received, stopping process")
	}
	runner.Stop(context.Background())

	// Allow the launcher to flush the last output lines before reading them.
	tail := sup.RecentOutputWait(true, 2*time.Second)

	fault := runner.Fault()
	elapsed := time.Since(startedAt)
	runMetrics.RunFinished(ctx, name, elapsed, fault != nil, sup.TimedOut())

	if history != nil {
		finishedAt := time.Now().UTC()
		runRow.FinishedAt = &finishedAt
		runRow.TimedOut = sup.TimedOut()
		if code := sup.ExitCode(); code != -1 || sup.Terminated() {
			runRow.ExitCode = &code
		}
		if fault != nil {
			runRow.FailureCode = &fault.Code
			msg := fault.Message
			runRow.FailureMessage = &msg
		}
		if err := history.FinishRun(context.Background(), runRow); err != nil {
			log.Warn("failed to record run outcome", "error", err)
		}
	}

	if fault != nil {
		span.RecordError(fault)
		if runTail {
			for _, line := range tail {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
		}
		log.Error("run failed", "code", fault.Code, "message", fault.Message, "duration", elapsed)
		exitCode = fault.Code
		return nil
	}

	log.Info("run completed", "exit_code", sup.ExitCodeSignCorrected(), "duration", elapsed)
	exitCode = 0
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runName, "name", "", "Name of the run (default: basename of the command)")
	runCmd.Flags().StringArrayVarP(&runEnv, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Execution deadline; 0 means unbounded")
	runCmd.Flags().IntVar(&runTimeoutCode, "timeout-code", 124, "Exit code reported when the deadline fires")
	runCmd.Flags().IntVar(&runRecentLines, "recent-lines", 0, "Recent-output buffer size (default from config)")
	runCmd.Flags().Float64Var(&runLogRate, "log-rate", 0, "Max output lines per second forwarded to the log; 0 means unlimited")
	runCmd.Flags().StringVar(&runRuntime, "runtime", "exec", "Execution runtime: exec, docker or kubernetes")
	runCmd.Flags().StringVar(&runImage, "image", "", "Container image (docker and kubernetes runtimes)")
	runCmd.Flags().StringVar(&runNamespace, "namespace", "default", "Kubernetes namespace (kubernetes runtime)")
	runCmd.Flags().BoolVar(&runTail, "tail", true, "Print the recent output when the run fails")
}
