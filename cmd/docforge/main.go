package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/docforge/docforge/cmd/docforge/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag
		Submit  commands.SubmitCmd `cmd:"" help:"Submit a case for document generation"`
		Watch   commands.WatchCmd  `cmd:"" help:"Stream live progress for a job"`
		Status  commands.StatusCmd `cmd:"" help:"Fetch the latest snapshot for a job"`
		Retry   commands.RetryCmd  `cmd:"" help:"Retry a failed job"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
