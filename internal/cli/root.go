// Package cli implements the runplane command line: a serve mode hosting the
// HTTP control plane and a handful of local commands for driving runs.
package cli

import (
	"context"
	"strings"

	"github.com/joho/godotenv"
)

func Run(ctx context.Context, args []string) {
	_ = godotenv.Load()

	if len(args) < 1 {
		printUsage()
		return
	}

	switch strings.TrimSpace(args[0]) {
	case "serve":
		runServe(ctx, args[1:])
	case "run":
		runLocal(ctx, args[1:])
	case "resume":
		runResume(ctx, args[1:])
	case "runs":
		listRuns(ctx, args[1:])
	case "sweep":
		runSweep(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
	}
}
