// uws runs IVOA UWS style jobs as containers with bounded execution time.
package main

import (
	"context"
	"log/slog"
	"os"

	"uws/internal/cli"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(cli.ExitCode(err))
	}
}
