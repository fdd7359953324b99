package cli

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"uws/internal/app"
	"uws/internal/apperrors"
	"uws/internal/health"
)

const doctorTimeout = 10 * time.Second

func newDoctorCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on the configuration and the container runtime.

Examples:
  uws doctor
  UWS_EXECUTION_MAX=1h uws doctor --config uws.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd, ro)
		},
	}
}

func runDoctor(cmd *cobra.Command, ro *rootOptions) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== uws doctor ===")

	cfg, logger, err := ro.load(cmd)
	if err != nil {
		fmt.Fprintf(out, "[1/4] Loading configuration... FAIL %v\n", err)
		return err
	}
	fmt.Fprintf(out, "[1/4] Loading configuration... ok (name=%s policy=%s max_running=%d)\n",
		cfg.Name, cfg.Destruction.Policy, cfg.Execution.MaxRunning)

	fmt.Fprintf(out, "[2/4] Checking environment... ok %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	for _, raw := range cfg.Notify.URLs {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			fmt.Fprintf(out, "[3/4] Checking notification receivers... FAIL %q is not an absolute URL\n", raw)
			return apperrors.Validation("notify.urls", fmt.Sprintf("invalid receiver URL %q", raw))
		}
	}
	fmt.Fprintf(out, "[3/4] Checking notification receivers... ok (%d configured)\n", len(cfg.Notify.URLs))

	ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
	defer cancel()
	svc, err := app.New(ctx, cfg, ro.serviceOptions(logger)...)
	if err != nil {
		fmt.Fprintf(out, "[4/4] Checking work runner... FAIL %v\n", err)
		return err
	}
	defer func() { _ = svc.Shutdown(context.WithoutCancel(ctx)) }()

	resp := svc.Health.Readiness(ctx)
	names := make([]string, 0, len(resp.Checks))
	for name := range resp.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		res := resp.Checks[name]
		fmt.Fprintf(out, "[4/4] Checking %s... %s %s\n", name, res.Status, res.Message)
	}

	if resp.Status == health.StatusUnhealthy {
		fmt.Fprintln(out, "Some checks failed")
		return &exitError{code: apperrors.ExitUnavailable, msg: "work runner is not ready"}
	}
	fmt.Fprintln(out, "All checks passed")
	return nil
}
