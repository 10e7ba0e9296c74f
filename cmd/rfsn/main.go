package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/rfsn/internal/config"
	"github.com/basket/rfsn/internal/controller"
	otelPkg "github.com/basket/rfsn/internal/otel"
	"github.com/basket/rfsn/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Exit codes: 0 plan finished, 1 startup or run failure, 2 bad usage,
// 3 run cut short by the termination heuristics.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitTerminated = 3
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -repo <path> -plan <plan.yaml>   Verify a repair plan against a repository
  %s -doctor [-json]                  Run preflight diagnostics and exit
  %s -version                         Print version and exit

Patches are applied in isolated worktree sessions, tested with the
configured test command, and always rolled back. Outcomes accumulate in
the learning store under the output directory.

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "rfsn.yaml", "controller config file")
	repoPath := flag.String("repo", "", "target repository (overrides config)")
	planPath := flag.String("plan", "", "plan file (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	doctorMode := flag.Bool("doctor", false, "run preflight diagnostics and exit")
	jsonOutput := flag.Bool("json", false, "JSON output for -doctor")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("rfsn", Version)
		return
	}
	if *doctorMode {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		code := runDoctorCommand(ctx, *configPath, *repoPath, *planPath, *jsonOutput)
		stop()
		os.Exit(code)
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n\n", flag.Arg(0))
		printUsage()
		os.Exit(exitUsage)
	}

	os.Exit(run(*configPath, *repoPath, *planPath, *logLevel))
}

func run(configPath, repoPath, planPath, logLevel string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if repoPath != "" {
		cfg.RepoPath = repoPath
	}
	if planPath != "" {
		cfg.PlanFile = planPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.RepoPath == "" {
		fmt.Fprintln(os.Stderr, "no repository given: pass -repo or set repo_path in the config")
		return exitUsage
	}

	// Quiet console logging when stdout is not a terminal; the JSONL file
	// under the output directory always gets everything.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.OutputDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "repo", cfg.RepoPath)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_METRICS_INIT", err)
	}

	ctl, err := controller.New(ctx, cfg, controller.Deps{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
	})
	if err != nil {
		return fatalStartup(logger, "E_CONTROLLER_INIT", err)
	}
	defer func() { _ = ctl.Close(context.Background()) }()
	logger.Info("startup phase", "phase", "controller_ready")

	// Plan and config edits during a live run only take effect on the next
	// invocation; the watcher makes that visible instead of silent.
	watcher := config.NewWatcher(configPath, cfg.PlanFile, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Warn("watched file changed during run; edits apply on the next run",
					"path", filepath.Base(ev.Path))
			}
		}()
	}

	runErr := ctl.Run(ctx)
	switch {
	case runErr == nil:
		logger.Info("plan finished")
		return exitOK
	case errors.Is(runErr, controller.ErrTerminatedEarly):
		logger.Warn("run terminated early", "error", runErr)
		return exitTerminated
	case errors.Is(runErr, context.Canceled):
		logger.Info("run interrupted")
		return exitFailure
	default:
		logger.Error("run failed", "error", runErr)
		return exitFailure
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"controller","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return exitFailure
}
