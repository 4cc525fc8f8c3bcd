// agentwatch-reaper runs one stale-agent sweep against the configured store
// and exits. Schedule it from cron when the server's own reaper is
// disabled (AGENTWATCH_REAPER_ENABLED=false).
//
//	agentwatch-reaper            # list stale agents, then mark them
//	agentwatch-reaper -dry-run   # list only
//	agentwatch-reaper -metrics   # also record a status snapshot
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/internal/config"
	"github.com/agentoven/agentwatch/internal/metrics"
	"github.com/agentoven/agentwatch/internal/reaper"
	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/pkg/models"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "list stale agents without marking them")
	record := flag.Bool("metrics", false, "record an agent status snapshot after the sweep")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := run(context.Background(), config.Load(), *dryRun, *record); err != nil {
		color.Red("❌ Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, dryRun, record bool) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	s, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	r := reaper.New(s, cfg.Liveness.StaleTimeout)
	now := time.Now().UTC()

	cyan.Println("🔍 Checking for stale agents...")
	fmt.Printf("   Current time:    %s\n", now.Format(time.RFC3339))
	fmt.Printf("   Stale threshold: %s\n", now.Add(-r.StaleTimeout()).Format(time.RFC3339))
	fmt.Printf("   Timeout:         %s\n\n", r.StaleTimeout())

	candidates, _, err := r.Candidates(ctx)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		green.Println("✅ No stale agents found. All agents are healthy!")
	} else {
		yellow.Printf("⚠️  Found %d stale agent(s):\n\n", len(candidates))
		for _, a := range candidates {
			printCandidate(a, now)
		}

		if dryRun {
			yellow.Println("Dry run, nothing marked.")
		} else {
			res := r.Sweep(ctx)
			green.Printf("✓ Marked %d agent(s) as error", len(res.Marked))
			if res.Skipped > 0 {
				fmt.Printf(" (%d recovered before the update)", res.Skipped)
			}
			fmt.Println()
			for _, e := range res.Errors {
				color.Red("  %s\n", e)
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%d agent(s) could not be marked", len(res.Errors))
			}
		}
	}

	if record {
		rec := metrics.NewRecorder(s, cfg.Metrics.Interval, cfg.Metrics.Retention)
		snap, err := rec.Record(ctx)
		if err != nil {
			return fmt.Errorf("record metrics: %w", err)
		}
		pruned, err := rec.Prune(ctx)
		if err != nil {
			return fmt.Errorf("prune metrics: %w", err)
		}
		cyan.Println("\n📊 Agent metrics snapshot")
		fmt.Printf("   Total: %d  Working: %d  Idle: %d  Blocked: %d  Completed: %d  Error: %d\n",
			snap.TotalAgents, snap.WorkingAgents, snap.IdleAgents,
			snap.BlockedAgents, snap.CompletedAgents, snap.ErrorAgents)
		if pruned > 0 {
			fmt.Printf("   Removed %d snapshot(s) past retention\n", pruned)
		}
	}

	green.Println("\n✅ Stale agent check completed")
	return nil
}

func printCandidate(a models.Agent, now time.Time) {
	task := "None"
	if a.CurrentTask != nil {
		task = *a.CurrentTask
	}
	fmt.Printf("   • %s (%s)\n", a.Name, a.ID)
	fmt.Printf("     Status:         %s\n", a.Status)
	fmt.Printf("     Current task:   %s\n", task)
	fmt.Printf("     Last heartbeat: %s\n", a.LastHeartbeat.Format(time.RFC3339))
	fmt.Printf("     Time since:     %ds ago\n\n", int(now.Sub(a.LastHeartbeat).Seconds()))
}
