package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/docforge/docforge/internal/client"
)

type WatchCmd struct {
	Server        string `help:"Server URL" default:"http://localhost:8993" env:"DOCFORGE_SERVER"`
	JobID         string `arg:"" help:"Job ID to watch"`
	MaxReconnects int    `help:"Max reconnect attempts after a dropped connection" default:"5"`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	fmt.Printf("Watching job %s on server %s\n", w.JobID, w.Server)

	c := newClient(w.Server, 0, w.MaxReconnects)

	watchCtx, cancel := interruptibleContext(ctx)
	defer cancel()

	if err := c.Watch(watchCtx, w.JobID, client.Callbacks{
		OnProgress: printProgress,
		OnComplete: printComplete,
		OnError:    printError,
	}); err != nil {
		return fmt.Errorf("failed to watch job: %w", err)
	}

	return nil
}

type StatusCmd struct {
	Server string `help:"Server URL" default:"http://localhost:8993" env:"DOCFORGE_SERVER"`
	JobID  string `arg:"" help:"Job ID to inspect"`
}

func (s *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	c := newClient(s.Server, 0, 0)

	job, err := c.Status(ctx, s.JobID)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

type RetryCmd struct {
	Server string `help:"Server URL" default:"http://localhost:8993" env:"DOCFORGE_SERVER"`
	JobID  string `arg:"" help:"Failed job ID to retry"`
}

func (r *RetryCmd) Run(ctx context.Context, globals *Globals) error {
	c := newClient(r.Server, 0, 0)

	accepted, err := c.Retry(ctx, r.JobID)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	fmt.Printf("Accepted retry job %s for case %s\n", accepted.JobID, accepted.CaseID)
	return nil
}
