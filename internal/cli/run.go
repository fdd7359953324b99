package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"uws/internal/app"
	"uws/internal/apperrors"
	"uws/internal/execution"
	"uws/internal/job"
)

// shutdownTimeout bounds the graceful shutdown after a run.
const shutdownTimeout = 30 * time.Second

type runOptions struct {
	file    string
	sync    bool
	json    bool
	opsAddr string
	timeout time.Duration
}

// jobOutcome is the printed result of one job.
type jobOutcome struct {
	job.Status
	Outcome string                 `json:"outcome,omitempty"`
	Elapsed time.Duration          `json:"elapsedNs,omitempty"`
	Steps   []execution.StepTiming `json:"steps,omitempty"`
	Message string                 `json:"message,omitempty"`

	err error
}

func newRunCommand(ro *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run -f jobs.yaml",
		Short: "Run the jobs of a job file and wait for them",
		Long: `Run every job listed in a job file and wait until all have ended.

By default jobs are submitted asynchronously with PHASE=RUN and admitted by
the execution queue. With --sync they run one after the other, each within
the synchronous execution limit.

The exit code is 0 when every job completed and reflects the first failure
otherwise.

Examples:
  uws run -f jobs.yaml
  uws run -f jobs.yaml --sync --json
  cat jobs.yaml | uws run -f - --ops-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobs(cmd, ro, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "job file, - for stdin")
	cmd.Flags().BoolVar(&opts.sync, "sync", false, "run jobs synchronously, one at a time")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print results as JSON")
	cmd.Flags().StringVar(&opts.opsAddr, "ops-addr", "", "serve probes, metrics and the job API on this address while running")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up waiting for jobs after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runJobs(cmd *cobra.Command, ro *rootOptions, opts *runOptions) error {
	reqs, err := LoadJobFile(opts.file, cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, logger, err := ro.load(cmd)
	if err != nil {
		return err
	}
	if opts.opsAddr != "" {
		cfg.Ops.Addr = opts.opsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	svc, err := app.New(ctx, cfg, ro.serviceOptions(logger)...)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown error", "error", err)
		}
	}()

	var outcomes []jobOutcome
	if opts.sync {
		outcomes, err = runSync(ctx, svc, reqs)
	} else {
		outcomes, err = runAsync(ctx, svc, reqs)
	}
	if err != nil {
		return err
	}

	if err := printOutcomes(cmd.OutOrStdout(), outcomes, opts.json); err != nil {
		return err
	}
	return summarize(outcomes)
}

func runSync(ctx context.Context, svc *app.Service, reqs []job.Request) ([]jobOutcome, error) {
	outcomes := make([]jobOutcome, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return outcomes, interrupted(err)
		}
		j, rep, err := svc.RunSync(ctx, req)
		if j == nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcomeOf(j, rep, err))
	}
	return outcomes, nil
}

func runAsync(ctx context.Context, svc *app.Service, reqs []job.Request) ([]jobOutcome, error) {
	type submitted struct {
		job *job.Job
		err error
	}
	subs := make([]submitted, 0, len(reqs))
	for _, req := range reqs {
		j, err := svc.Submit(ctx, req, true)
		if j == nil {
			return nil, err
		}
		subs = append(subs, submitted{job: j, err: err})
	}

	outcomes := make([]jobOutcome, 0, len(subs))
	for _, sub := range subs {
		if sub.err != nil {
			outcomes = append(outcomes, outcomeOf(sub.job, nil, sub.err))
			continue
		}
		rep, err := svc.Await(ctx, sub.job)
		if err != nil {
			return outcomes, interrupted(err)
		}
		outcomes = append(outcomes, outcomeOf(sub.job, rep, nil))
	}
	return outcomes, nil
}

func interrupted(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.DeadlineExceeded("run", "--timeout")
	}
	return apperrors.UnexpectedInterruption("run", err)
}

// outcomeOf describes a job after it ended. startErr is the error of a job
// that never started.
func outcomeOf(j *job.Job, rep *execution.Report, startErr error) jobOutcome {
	o := jobOutcome{Status: j.Snapshot(), err: startErr}
	if rep != nil {
		o.Outcome = rep.Outcome.String()
		o.Elapsed = rep.Elapsed
		o.Steps = rep.Steps
		if o.err == nil {
			o.err = rep.Err
		}
	}
	if o.err == nil && o.Phase != job.Completed {
		msg := "job ended in phase " + string(o.Phase)
		if o.Error != nil {
			msg = o.Error.Message
		}
		o.err = errors.New(msg)
	}
	if o.err != nil {
		o.Message = o.err.Error()
	}
	return o
}

func printOutcomes(w io.Writer, outcomes []jobOutcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tPHASE\tROWS\tELAPSED\tMESSAGE")
	for _, o := range outcomes {
		rows := "-"
		if o.Result != nil {
			rows = fmt.Sprint(o.Result.Rows)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.ID, o.Phase, rows, o.Elapsed.Round(time.Millisecond), o.Message)
	}
	return tw.Flush()
}

// summarize returns nil when every job completed, and otherwise an error
// carrying the exit code of the first failure.
func summarize(outcomes []jobOutcome) error {
	failed := 0
	var first error
	for _, o := range outcomes {
		if o.err != nil {
			failed++
			if first == nil {
				first = o.err
			}
		}
	}
	if first == nil {
		return nil
	}
	return &exitError{
		code: ExitCode(first),
		msg:  fmt.Sprintf("%d of %d jobs did not complete: %v", failed, len(outcomes), first),
	}
}
