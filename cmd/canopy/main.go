// Command canopy runs the greenhouse supervisory service.
//
// With no arguments it starts the full daemon: twin, safety watchdog,
// agent runtime, bridges, and the HTTP and stdin control surfaces.
//
// With a single JSON argument carrying a goal it runs one validation
// chain and prints the result to stdout:
//
//	canopy '{"command": "keep ph between 5.8 and 6.5"}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/verdantlabs/canopy/internal/config"
	"github.com/verdantlabs/canopy/internal/engine"
	"github.com/verdantlabs/canopy/internal/uibridge"
)

// errGoalRejected signals a one-shot run whose result JSON was already
// printed; the exit code is the only thing left to report.
var errGoalRejected = errors.New("goal rejected")

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, errGoalRejected) {
			fmt.Fprintln(os.Stderr, "canopy:", err)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if len(os.Args) > 1 {
		return runOneShot(cfg, os.Args[1])
	}
	return runDaemon(cfg)
}

// runOneShot executes a single goal pipeline and emits one JSON result.
// The process exits non-zero when the chain fails or the verdict is
// invalid.
func runOneShot(cfg *config.AppConfig, arg string) error {
	var req struct {
		Goal string `json:"command"`
	}
	if err := json.Unmarshal([]byte(arg), &req); err != nil {
		return fmt.Errorf("argument must be JSON with a command field: %w", err)
	}
	if req.Goal == "" {
		return fmt.Errorf("command must not be empty")
	}

	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	artifacts, valid, err := e.RunGoal(ctx, req.Goal)
	result := map[string]any{
		"goal":      req.Goal,
		"valid":     valid,
		"artifacts": artifacts,
	}
	if err != nil {
		result["error"] = err.Error()
	}

	out, encErr := json.Marshal(result)
	if encErr != nil {
		return encErr
	}
	fmt.Println(string(out))

	// Returning instead of exiting lets the deferred engine teardown
	// flush the event log and stop the settings watcher.
	if err != nil || !valid {
		return errGoalRejected
	}
	return nil
}

// runDaemon starts the full service. Stdout is reserved for the framed
// UI event feed and command results; logs go to stderr.
func runDaemon(cfg *config.AppConfig) error {
	e, err := engine.New(cfg,
		engine.WithStdoutTransport(uibridge.NewStdoutTransport(os.Stdout)),
	)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The stdin command loop ends on EOF; a SYSTEM_SHUTDOWN command or
	// a signal stops the engine either way.
	go func() {
		if err := e.ServeCommands(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "canopy: command stream:", err)
		}
	}()

	return e.Run(ctx)
}
