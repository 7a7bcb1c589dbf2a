package cli

import (
	"log"
	"strings"

	"github.com/runplaneHQ/runplane-go/internal/config"
	"github.com/runplaneHQ/runplane-go/state"
)

type cliOptions struct {
	configPath string
	addr       string
	threadID   string
	status     string
	drive      bool
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{drive: true}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--addr="):
			opts.addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
		case strings.HasPrefix(arg, "--thread="):
			opts.threadID = strings.TrimSpace(strings.TrimPrefix(arg, "--thread="))
		case strings.HasPrefix(arg, "--status="):
			opts.status = strings.TrimSpace(strings.TrimPrefix(arg, "--status="))
		case strings.HasPrefix(arg, "--drive="):
			opts.drive = config.ParseBoolString(strings.TrimPrefix(arg, "--drive="), true)
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func closeStore(store state.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Printf("state store close failed: %v", err)
	}
}
