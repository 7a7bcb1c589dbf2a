package cli

import "fmt"

func printUsage() {
	fmt.Println("runplane - runtime control plane for long-running agent executions")
	fmt.Println("Usage:")
	fmt.Println("  runplane serve [--config=runplane.yaml] [--addr=127.0.0.1:8080]")
	fmt.Println("  runplane run [--thread=id] [--drive=true] -- '{\"task\":\"...\"}'")
	fmt.Println("  runplane resume <run-id> <interrupt-token> -- '{\"answer\":\"...\"}'")
	fmt.Println("  runplane runs [--thread=id] [--status=awaiting_input]")
	fmt.Println("  runplane sweep [--config=runplane.yaml]")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --config=PATH    YAML configuration file")
	fmt.Println("  --thread=ID      Conversation thread the run belongs to")
	fmt.Println("  --drive=BOOL     Advance the run to completion or suspension (default true)")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  RUNPLANE_ADDR                 Listen address for serve")
	fmt.Println("  RUNPLANE_STORE_BACKEND        memory | sqlite | redis | hybrid")
	fmt.Println("  RUNPLANE_SQLITE_PATH          SQLite database path")
	fmt.Println("  RUNPLANE_REDIS_ADDR           Redis address")
	fmt.Println("  RUNPLANE_COMPACT_BUDGET       Context token budget")
	fmt.Println("  RUNPLANE_TRACE_ENABLED        Persist trace records")
	fmt.Println("  RUNPLANE_REAPER_ENABLED       Cancel stale awaiting_input runs")
}
