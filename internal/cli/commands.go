package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/runplaneHQ/runplane-go/api"
	"github.com/runplaneHQ/runplane-go/runtime/reaper"
	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/types"
)

func runServe(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)

	deps, err := buildRuntime(ctx, opts)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer deps.cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if deps.cfg.Reaper.Enabled {
		r, err := reaper.New(deps.store, deps.controller,
			reaper.WithSchedule(deps.cfg.Reaper.Schedule),
			reaper.WithMaxAge(time.Duration(deps.cfg.Reaper.MaxAgeMinutes)*time.Minute),
		)
		if err != nil {
			log.Fatalf("failed to build reaper: %v", err)
		}
		if err := r.Start(); err != nil {
			log.Fatalf("failed to start reaper: %v", err)
		}
		defer r.Stop()
	}

	server := api.NewServer(api.Config{
		Addr:       deps.cfg.Server.Addr,
		Store:      deps.store,
		Bus:        deps.bus,
		Controller: deps.controller,
		TraceStore: deps.traceStore,
	})
	log.Printf("runplane listening on %s (store=%s)", deps.cfg.Server.Addr, deps.cfg.Store.Backend)
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func runLocal(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	input := normalizeInput(positional)
	if input == "" {
		log.Fatal("input cannot be empty")
	}
	if !json.Valid([]byte(input)) {
		// Bare text is accepted and wrapped for convenience.
		encoded, _ := json.Marshal(input)
		input = string(encoded)
	}
	threadID := opts.threadID
	if threadID == "" {
		threadID = "cli"
	}

	deps, err := buildRuntime(ctx, opts)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer deps.cleanup()

	runID, err := deps.controller.Start(ctx, threadID, json.RawMessage(input))
	if err != nil {
		log.Fatalf("start failed: %v", err)
	}
	fmt.Printf("run %s started on thread %s\n", runID, threadID)

	if !opts.drive {
		return
	}
	outcome, err := deps.controller.Drive(ctx, runID)
	if err != nil {
		log.Fatalf("drive failed: %v", err)
	}
	printOutcome(outcome)
}

func runResume(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	if len(positional) < 2 {
		log.Fatal("usage: runplane resume <run-id> <interrupt-token> -- <answer-json>")
	}
	runID := strings.TrimSpace(positional[0])
	token := strings.TrimSpace(positional[1])
	answer := normalizeInput(positional[2:])
	if answer == "" {
		log.Fatal("answer cannot be empty")
	}
	if !json.Valid([]byte(answer)) {
		encoded, _ := json.Marshal(answer)
		answer = string(encoded)
	}

	deps, err := buildRuntime(ctx, opts)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer deps.cleanup()

	outcome, err := deps.controller.Resume(ctx, runID, token, json.RawMessage(answer))
	if err != nil {
		log.Fatalf("resume failed: %v", err)
	}
	printOutcome(outcome)

	if opts.drive && outcome.Kind == types.OutcomeAdvanced {
		outcome, err = deps.controller.Drive(ctx, runID)
		if err != nil {
			log.Fatalf("drive failed: %v", err)
		}
		printOutcome(outcome)
	}
}

func listRuns(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)

	deps, err := buildRuntime(ctx, opts)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer deps.cleanup()

	query := state.ListRunsQuery{ThreadID: opts.threadID, Status: opts.status, Limit: 100}
	runs, err := deps.store.ListRuns(ctx, query)
	if err != nil {
		log.Fatalf("list runs failed: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return
	}
	for _, run := range runs {
		updated := "-"
		if run.UpdatedAt != nil {
			updated = run.UpdatedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  thread=%s  status=%s  updated=%s\n", run.RunID, run.ThreadID, run.Status, updated)
	}
}

func runSweep(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)

	deps, err := buildRuntime(ctx, opts)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer deps.cleanup()

	r, err := reaper.New(deps.store, deps.controller,
		reaper.WithMaxAge(time.Duration(deps.cfg.Reaper.MaxAgeMinutes)*time.Minute),
	)
	if err != nil {
		log.Fatalf("failed to build reaper: %v", err)
	}
	if err := r.Sweep(ctx); err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
	fmt.Println("sweep complete")
}

func printOutcome(outcome types.StepOutcome) {
	switch outcome.Kind {
	case types.OutcomeAwaitingInput:
		fmt.Printf("run %s awaiting input at %s (token %s)\n", outcome.RunID, outcome.StepName, outcome.InterruptToken)
	case types.OutcomeCompleted:
		fmt.Println(outcome.Output)
	case types.OutcomeFailed:
		fmt.Printf("run %s failed: %s\n", outcome.RunID, outcome.Error)
	default:
		fmt.Printf("run %s advanced past %s\n", outcome.RunID, outcome.StepName)
	}
}
