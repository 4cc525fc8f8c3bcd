// testagent runs a few fake workers against an agentwatch server so the
// dashboard has something to show. Each one registers, walks through a
// fixed list of steps and reports completion.
//
//	testagent -server http://localhost:8080 -agents 3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/agentwatch/pkg/models"
	"github.com/agentoven/agentwatch/pkg/reporter"
)

type step struct {
	task     string
	progress int
	delay    time.Duration
}

var steps = []step{
	{"Initializing", 0, time.Second},
	{"Reading files", 20, 2 * time.Second},
	{"Processing data", 50, 2 * time.Second},
	{"Writing output", 80, 2 * time.Second},
	{"Finalizing", 95, time.Second},
}

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "agentwatch server URL")
	count := flag.Int("agents", 3, "number of agents to run in parallel")
	interval := flag.Duration("heartbeat", 5*time.Second, "background heartbeat interval")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= *count; i++ {
		name := fmt.Sprintf("TestAgent-%d", i)
		g.Go(func() error {
			return runAgent(ctx, reporter.New(*serverURL, reporter.WithInterval(*interval)), name)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Test agents failed")
	}
}

func runAgent(ctx context.Context, r *reporter.Reporter, name string) error {
	defer r.Cleanup()

	log.Info().Str("agent", name).Msg("Starting test agent")
	if err := r.Register(ctx, name, models.AgentTypeCode); err != nil {
		return err
	}

	for _, s := range steps {
		r.UpdateTask(ctx, s.task, s.progress)
		log.Info().Str("agent", name).Int("progress", s.progress).Msg(s.task)

		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			r.SetError(context.Background(), "interrupted")
			return nil
		}
	}

	r.Complete(ctx)
	log.Info().Str("agent", name).Msg("Completed!")
	return nil
}
