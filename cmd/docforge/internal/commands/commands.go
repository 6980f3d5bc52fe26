package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docforge/docforge/internal/client"
	"github.com/docforge/docforge/internal/models"
)

type Globals struct {
	Debug   bool
	Version string
}

func newClient(server string, timeout time.Duration, maxReconnects int) *client.Client {
	cfg := client.DefaultConfig()
	cfg.ServerURL = server
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if maxReconnects > 0 {
		cfg.MaxReconnects = maxReconnects
	}
	return client.New(cfg)
}

// interruptibleContext cancels on SIGINT/SIGTERM so a watch can be abandoned
// cleanly.
func interruptibleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("Received interrupt signal, shutting down...")
		cancel()
	}()

	return ctx, cancel
}

func printProgress(job *models.Job) {
	fmt.Printf("[%s] %3d%% %-12s documents %d/%d\n",
		time.Now().Format("15:04:05"),
		job.Progress,
		job.Phase,
		job.Docs.Completed,
		job.Docs.Total)
}

func printComplete(job *models.Job) {
	if job.Status == models.StatusNotFound {
		fmt.Println("Job not found (it may have expired)")
		return
	}

	link := "(no link)"
	count := 0
	if job.Result != nil {
		count = job.Result.DocumentCount
		if job.Result.ArtifactLink != nil {
			link = *job.Result.ArtifactLink
		}
	}
	fmt.Printf("✅ SUCCESS %d documents generated, %s\n", count, link)
}

func printError(jerr models.JobError) {
	fmt.Printf("❌ FAILED [%s] %s\n", jerr.Code, jerr.Message)
}
