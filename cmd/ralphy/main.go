package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"github.com/danshapiro/ralphy/internal/cleanup"
	"github.com/danshapiro/ralphy/internal/orchestrator"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:], false)
	case "resume":
		runCmd(os.Args[2:], true)
	case "status":
		statusCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "clean":
		cleanCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  ralphy run --tasks <file> [--dir <workdir>] [--config <run.yaml>] [--engine claude|codex|custom] [--model <m>] [--binary <path>] [--concurrency <n>] [--max-attempts <n>] [--queue memory|file|redis] [--priority critical|high|normal|low] [--run-id <id>] [--logs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  ralphy resume --tasks <file> [same flags as run]")
	fmt.Fprintln(os.Stderr, "  ralphy status --tasks <file> [--dir <workdir>]")
	fmt.Fprintln(os.Stderr, "  ralphy validate --tasks <file> [--dir <workdir>] [--config <run.yaml>]")
	fmt.Fprintln(os.Stderr, "  ralphy clean [--dir <workdir>] [--max-age-hours <n>]")
}

func newLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "ralphy",
		Level: hclog.LevelFromString(envOr("RALPHY_LOG_LEVEL", "info")),
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "ralphy:", err)
	os.Exit(1)
}

// parseRunFlags fills cfg from CLI flags, on top of any loaded config file.
func parseRunFlags(args []string, cfg *orchestrator.RunConfig) error {
	need := func(i int, name string) (string, error) {
		if i >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		return args[i], nil
	}
	for i := 0; i < len(args); i++ {
		var v string
		var err error
		switch args[i] {
		case "--tasks":
			i++
			if v, err = need(i, "--tasks"); err == nil {
				cfg.TaskFile = v
			}
		case "--dir":
			i++
			if v, err = need(i, "--dir"); err == nil {
				cfg.WorkDir = v
			}
		case "--engine":
			i++
			if v, err = need(i, "--engine"); err == nil {
				cfg.Engine.Kind = v
			}
		case "--model":
			i++
			if v, err = need(i, "--model"); err == nil {
				cfg.Engine.Model = v
			}
		case "--binary":
			i++
			if v, err = need(i, "--binary"); err == nil {
				cfg.Engine.Binary = v
			}
		case "--concurrency":
			i++
			if v, err = need(i, "--concurrency"); err == nil {
				if _, serr := fmt.Sscanf(v, "%d", &cfg.Concurrency); serr != nil {
					err = fmt.Errorf("--concurrency: %q is not a number", v)
				}
			}
		case "--max-attempts":
			i++
			if v, err = need(i, "--max-attempts"); err == nil {
				if _, serr := fmt.Sscanf(v, "%d", &cfg.MaxAttempts); serr != nil {
					err = fmt.Errorf("--max-attempts: %q is not a number", v)
				}
			}
		case "--queue":
			i++
			if v, err = need(i, "--queue"); err == nil {
				cfg.Queue.Backend = orchestrator.QueueBackend(v)
			}
		case "--priority":
			i++
			if v, err = need(i, "--priority"); err == nil {
				cfg.Priority = v
			}
		case "--run-id":
			i++
			if v, err = need(i, "--run-id"); err == nil {
				cfg.RunID = v
			}
		case "--logs-root":
			i++
			if v, err = need(i, "--logs-root"); err == nil {
				cfg.LogsRoot = v
			}
		case "--no-plan":
			cfg.Planner.Disabled = true
		default:
			return fmt.Errorf("unknown arg: %s", args[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// loadConfig pulls a --config file out of args (if present) and returns the
// base config plus the remaining flags.
func loadConfig(args []string) (*orchestrator.RunConfig, []string, error) {
	var rest []string
	var cfg *orchestrator.RunConfig
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			i++
			if i >= len(args) {
				return nil, nil, fmt.Errorf("--config requires a value")
			}
			loaded, err := orchestrator.LoadRunConfig(args[i])
			if err != nil {
				return nil, nil, err
			}
			cfg = loaded
			continue
		}
		rest = append(rest, args[i])
	}
	if cfg == nil {
		cfg = &orchestrator.RunConfig{}
	}
	return cfg, rest, nil
}

func runCmd(args []string, resume bool) {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		fatal(err)
	}
	if err := parseRunFlags(rest, cfg); err != nil {
		fatal(err)
	}
	if cfg.TaskFile == "" {
		usage()
		os.Exit(1)
	}
	cfg.Resume = resume

	logger := newLogger()
	reg := cleanup.NewRegistry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, err := orchestrator.New(*cfg, reg, logger)
	if err != nil {
		fatal(err)
	}
	defer func() {
		if err := reg.Run(); err != nil {
			logger.Warn("cleanup finished with errors", "error", err)
		}
	}()

	summary, err := o.Run(ctx)
	if err != nil {
		_ = reg.Run()
		fatal(err)
	}
	fmt.Printf("run %s finished in %dms: %d completed, %d failed, %d skipped (tokens in/out: %d/%d)\n",
		summary.RunID, summary.DurationMS,
		summary.States["completed"], summary.States["failed"], summary.States["skipped"],
		summary.InputTokens, summary.OutputTokens)
	fmt.Println("logs:", o.LogsRoot())
}

func validateCmd(args []string) {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		fatal(err)
	}
	if err := parseRunFlags(rest, cfg); err != nil {
		fatal(err)
	}
	if cfg.TaskFile == "" {
		usage()
		os.Exit(1)
	}

	logger := newLogger()
	reg := cleanup.NewRegistry(logger)
	defer func() { _ = reg.Run() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, err := orchestrator.New(*cfg, reg, logger)
	if err != nil {
		fatal(err)
	}
	if err := o.Validate(ctx); err != nil {
		fatal(err)
	}
	fmt.Println("ok: task file parses and the engine is authenticated")
}
