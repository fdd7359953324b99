// Package cli implements the uws command line.
package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"uws/internal/app"
	"uws/internal/apperrors"
	"uws/internal/config"
)

// exitError carries a process exit code that is not derived from an error
// class, such as a run in which some jobs failed.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return apperrors.ExitCode(err)
}

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
	appOpts    []app.Option
}

// NewRootCommand builds the uws command tree. opts are passed to every
// service the commands assemble.
func NewRootCommand(opts ...app.Option) *cobra.Command {
	ro := &rootOptions{appOpts: opts}

	root := &cobra.Command{
		Use:   "uws",
		Short: "Run UWS jobs with bounded execution time",
		Long: `uws runs jobs following the IVOA Universal Worker Service pattern.

Each job is executed as a container; it is queued, started, timed out and
destroyed according to the configured limits and destruction policy.

Configuration is read from --config and UWS_* environment variables, e.g.
UWS_EXECUTION_MAX=1h or UWS_NOTIFY_URLS=http://hooks.local/uws.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&ro.configPath, "config", "", "config file (yaml, json or toml)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperrors.Validation("flags", err.Error())
	})

	root.AddCommand(newRunCommand(ro), newDoctorCommand(ro))
	return root
}

// load reads the configuration and installs the configured default logger.
func (ro *rootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(ro.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(cfg.Log.Handler(cmd.ErrOrStderr()))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func (ro *rootOptions) serviceOptions(logger *slog.Logger) []app.Option {
	return append([]app.Option{app.WithLogger(logger)}, ro.appOpts...)
}
