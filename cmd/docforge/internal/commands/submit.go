package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/docforge/docforge/internal/client"
)

type SubmitCmd struct {
	Server    string        `help:"Server URL" default:"http://localhost:8993" env:"DOCFORGE_SERVER"`
	CaseID    string        `arg:"" help:"Case ID to generate documents for"`
	Documents []string      `help:"Document types to generate" default:"bundle"`
	Notify    string        `help:"Notification recipient for this submission"`
	Timeout   time.Duration `help:"Request timeout" default:"30s"`
	Watch     bool          `help:"Stream progress until the job finishes"`
}

func (s *SubmitCmd) Run(ctx context.Context, globals *Globals) error {
	c := newClient(s.Server, s.Timeout, 0)

	accepted, err := c.Submit(ctx, client.Submission{
		CaseID:          s.CaseID,
		DocumentTypes:   s.Documents,
		NotifyRecipient: s.Notify,
	})
	if err != nil {
		return fmt.Errorf("failed to submit case: %w", err)
	}

	fmt.Printf("Accepted job %s for case %s\n", accepted.JobID, accepted.CaseID)

	if !s.Watch {
		return nil
	}

	watchCtx, cancel := interruptibleContext(ctx)
	defer cancel()

	return c.Watch(watchCtx, accepted.JobID, client.Callbacks{
		OnProgress: printProgress,
		OnComplete: printComplete,
		OnError:    printError,
	})
}
