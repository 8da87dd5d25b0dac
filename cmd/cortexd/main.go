// Command cortexd is the Cortex's minimal process entrypoint: open the
// store, wire every subsystem, and run one ritual sweep. Repeated scheduling
// (a long-running daemon loop, signal handling, a dashboard) is explicit
// collaborator territory per spec.md §1's Non-goals, left to the operator's
// own process supervisor (cron, systemd timer, k8s CronJob).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/ods-cortex/cortex/internal/cortex"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults applied for anything omitted)")
	dbPath := flag.String("db", "", "override the configured database path")
	flag.Parse()

	cfg := cortex.DefaultConfig()
	if *configPath != "" {
		loaded, err := cortex.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("[CORTEXD] %v", err)
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx := context.Background()
	c, err := cortex.New(ctx, cfg, cortex.Providers{})
	if err != nil {
		log.Fatalf("[CORTEXD] failed to initialize: %v", err)
	}
	defer c.Close()

	result, err := c.RunRitualSweep(ctx)
	if err != nil {
		log.Fatalf("[CORTEXD] ritual sweep failed: %v", err)
	}

	fmt.Printf("[CORTEXD] sweep complete: claimed=%d succeeded=%d failed=%d\n", result.Claimed, result.Succeeded, result.Failed)
}
