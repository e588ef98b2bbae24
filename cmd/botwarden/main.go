package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mpetrov/botwarden/internal/botapi"
	"github.com/mpetrov/botwarden/internal/config"
	"github.com/mpetrov/botwarden/internal/conflict"
	"github.com/mpetrov/botwarden/internal/health"
	"github.com/mpetrov/botwarden/internal/heartbeat"
	"github.com/mpetrov/botwarden/internal/lifecycle"
	"github.com/mpetrov/botwarden/internal/logging"
	"github.com/mpetrov/botwarden/internal/registry"
)

const Version = "0.3.0"

// Exit codes form the contract with the caller's restart policy.
const (
	exitOK       = 0
	exitFailure  = 1
	exitBadToken = 2
	exitConflict = 3
)

func main() {
	cfgPath, args := extractConfigFlag(os.Args[1:])

	if len(args) == 0 {
		printHelp()
		os.Exit(exitFailure)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("botwarden v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "run":
		handleRun(cfgPath, args[1:])
		return
	case "health":
		handleHealth(cfgPath, args[1:])
		return
	case "monitor":
		handleMonitor(cfgPath, args[1:])
		return
	case "resolve":
		handleResolve(cfgPath, args[1:])
		return
	case "validate":
		handleValidate(cfgPath, args[1:])
		return
	}

	fmt.Printf("Unknown command: %s\n\n", args[0])
	printHelp()
	os.Exit(exitFailure)
}

func printHelp() {
	fmt.Println("botwarden — supervisor for a single long-poll bot client")
	fmt.Println()
	fmt.Println("Usage: botwarden [-c config.toml] <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       Validate, resolve conflicts, start and supervise the poller")
	fmt.Println("  health    One-shot health probe (exit 0 healthy/starting, 1 otherwise)")
	fmt.Println("  monitor   Continuous health monitoring")
	fmt.Println("  resolve   Detect and resolve long-poll conflicts, then exit")
	fmt.Println("  validate  Check the bot credential and print the identity")
	fmt.Println("  version   Print version")
	fmt.Println()
	fmt.Println("The bot credential is read from BOTWARDEN_TOKEN (or BOT_TOKEN).")
}

// extractConfigFlag pulls a leading -c/--config out of args so every
// subcommand shares it.
func extractConfigFlag(args []string) (string, []string) {
	var cfgPath string
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if v, ok := strings.CutPrefix(arg, "-c="); ok {
			cfgPath = v
			continue
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			cfgPath = v
			continue
		}
		if arg == "-c" || arg == "--config" {
			if i+1 < len(args) {
				cfgPath = args[i+1]
				i++
				continue
			}
		}
		remaining = append(remaining, arg)
	}
	return cfgPath, remaining
}

// loadConfig loads config and initializes logging; exits on failure.
func loadConfig(cfgPath string) *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(exitFailure)
	}
	logging.Init(logging.Config{
		LogDir:     cfg.Logs.Dir,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.Compress,
	})
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func handleRun(cfgPath string, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: botwarden run")
		fmt.Println()
		fmt.Println("Runs the full lifecycle: credential validation, conflict resolution,")
		fmt.Println("poller start, liveness supervision. Blocks until the poller exits or")
		fmt.Println("a termination signal arrives.")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(exitFailure)
	}

	cfg := loadConfig(cfgPath)
	defer logging.Shutdown()
	if err := cfg.ValidateRun(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(exitBadToken)
	}

	ctx, stop := signalContext()
	defer stop()

	orch := lifecycle.New(cfg)
	if err := orch.Run(ctx); err != nil {
		exitWithError(err)
	}
}

func handleHealth(cfgPath string, args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	quiet := fs.Bool("quiet", false, "Suppress output, exit code only")
	fs.Usage = func() {
		fmt.Println("Usage: botwarden health [-quiet]")
		fmt.Println()
		fmt.Println("One-shot health probe for container healthchecks and monitors.")
		fmt.Println("Exit 0: healthy or starting. Exit 1: unhealthy.")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(exitFailure)
	}

	cfg := loadConfig(cfgPath)
	defer logging.Shutdown()

	rep := evaluateOnce(cfg)
	if !*quiet {
		fmt.Printf("%s: %s\n", rep.Status, rep.Reason)
		if rep.ConflictWarning {
			fmt.Println("warning: repeated long-poll conflict errors in poller log")
		}
	}
	if rep.Status == health.StatusUnhealthy {
		os.Exit(exitFailure)
	}
}

func handleMonitor(cfgPath string, args []string) {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	interval := fs.Duration("interval", 30*time.Second, "Check interval")
	fs.Usage = func() {
		fmt.Println("Usage: botwarden monitor [-interval 30s]")
		fmt.Println()
		fmt.Println("Evaluates health periodically and logs marker transitions as they")
		fmt.Println("happen. Runs until interrupted.")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(exitFailure)
	}

	cfg := loadConfig(cfgPath)
	defer logging.Shutdown()
	log := logging.ForComponent(logging.CompHealth)

	ctx, stop := signalContext()
	defer stop()

	watcher, err := health.NewMarkerWatcher(cfg.Health.MarkerPath, func(created bool) {
		if created {
			log.Info("heartbeat marker refreshed")
		} else {
			log.Warn("heartbeat marker removed")
		}
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(exitFailure)
	}
	go func() { _ = watcher.Run(ctx) }()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		rep := evaluateOnce(cfg)
		fmt.Printf("[%s] %s: %s\n", time.Now().Format(time.RFC3339), rep.Status, rep.Reason)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func handleResolve(cfgPath string, args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: botwarden resolve")
		fmt.Println()
		fmt.Println("Validates the credential and runs the conflict resolution loop")
		fmt.Println("without starting a poller. Exit 0: slot free (or probe failed open).")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(exitFailure)
	}

	cfg := loadConfig(cfgPath)
	defer logging.Shutdown()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(exitBadToken)
	}

	ctx, stop := signalContext()
	defer stop()

	orch := lifecycle.New(cfg)
	if _, err := orch.ValidateCredential(ctx); err != nil {
		exitWithError(err)
	}
	verdict, err := orch.ResolveConflicts(ctx)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("verdict: %s\n", verdict)
}

func handleValidate(cfgPath string, args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: botwarden validate")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(exitFailure)
	}

	cfg := loadConfig(cfgPath)
	defer logging.Shutdown()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(exitBadToken)
	}

	ctx, stop := signalContext()
	defer stop()

	orch := lifecycle.New(cfg)
	id, err := orch.ValidateCredential(ctx)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("credential ok: @%s (%s)\n", id.Username, id.Name)
}

// evaluateOnce builds a standalone evaluator over the marker file and the
// process table.
func evaluateOnce(cfg *config.Config) health.Report {
	marker := heartbeat.NewMarker(cfg.Health.MarkerPath)
	prober := registry.LivenessProbe{Reg: registry.NewProcessTable(cfg.Poller.Signature, cfg.StopGrace())}
	scan := health.NewLogScan(cfg.Poller.LogFile, cfg.Health.LogScanLines, cfg.Health.LogScanThreshold)
	eval := health.NewEvaluator(marker, prober, cfg.StaleAfter(), scan)
	return eval.Evaluate()
}

// exitWithError maps sentinel errors to the exit-code contract with an
// actionable message.
func exitWithError(err error) {
	switch {
	case errors.Is(err, botapi.ErrCredentialInvalid):
		fmt.Println("Error: the bot credential was rejected by the platform.")
		fmt.Println("Check BOTWARDEN_TOKEN; an invalid token never becomes valid by retrying.")
		os.Exit(exitBadToken)
	case errors.Is(err, conflict.ErrRemoteConflict):
		fmt.Println("Error: another instance holds the long-poll connection for this credential.")
		fmt.Println("Stop the other bot instance (or remove its webhook), or rotate the token.")
		fmt.Println("Starting two pollers against one credential corrupts update delivery for both.")
		os.Exit(exitConflict)
	case err != nil:
		fmt.Printf("Error: %v\n", err)
		os.Exit(exitFailure)
	}
}
