// Package docker runs job work as containers on the host Docker daemon.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"uws/internal/apperrors"
	"uws/internal/execution"
	"uws/internal/job"
)

const managedByLabel = "managed-by=uws"

var errStoppedBeforeStart = errors.New("container stopped before start")

var (
	_ execution.Work    = (*Runner)(nil)
	_ execution.Aborter = (*Runner)(nil)
)

// Runner executes each job in its own container. The container's standard
// output is the job result, one row per line.
type Runner struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
	state  *stateRepo
}

// NewRunner connects to the Docker daemon configured in the environment.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client: dockerClient,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  newStateRepo(),
	}, nil
}

// containerSpec is the container a job asks for.
type containerSpec struct {
	image   string
	cmd     []string
	env     []string
	mounts  []mount.Mount
	maxRows int64
}

func (r *Runner) containerSpec(j *job.Job) (containerSpec, error) {
	params := j.Params()

	img, _ := params.Value(ParamImage)
	img = strings.TrimSpace(img)
	if img == "" {
		img = r.cfg.DefaultImage
	}
	if img == "" {
		return containerSpec{}, apperrors.Validation(ParamImage, "an image is required")
	}

	var cmd []string
	if c, ok := params.Value(ParamCommand); ok && strings.TrimSpace(c) != "" {
		cmd = []string{"/bin/sh", "-c", c}
	}

	maxRows, err := params.MaxRec()
	if err != nil {
		return containerSpec{}, err
	}

	mounts, err := uploadMounts(j.Uploads(), r.cfg.UploadDir)
	if err != nil {
		return containerSpec{}, err
	}

	return containerSpec{
		image:   img,
		cmd:     cmd,
		env:     buildEnv(j.ID(), params),
		mounts:  mounts,
		maxRows: maxRows,
	}, nil
}

// buildEnv exposes the job id and every parameter except the runner's own.
func buildEnv(jobID string, params job.Params) []string {
	env := []string{"UWS_JOB_ID=" + jobID}
	for k, v := range params {
		if k == ParamImage || k == ParamCommand {
			continue
		}
		env = append(env, fmt.Sprintf("UWS_PARAM_%s=%s", k, v))
	}
	slices.Sort(env[1:])
	return env
}

func uploadMounts(uploads []string, dir string) ([]mount.Mount, error) {
	mounts := make([]mount.Mount, 0, len(uploads))
	for _, u := range uploads {
		src, err := filepath.Abs(u)
		if err != nil {
			return nil, apperrors.Validation("uploads", fmt.Sprintf("invalid upload path %q", u))
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   src,
			Target:   filepath.ToSlash(filepath.Join(dir, filepath.Base(src))),
			ReadOnly: true,
		})
	}
	return mounts, nil
}

// Run pulls the image, creates and starts the container, waits for it to
// exit and collects its output. The container is always removed.
func (r *Runner) Run(ctx context.Context, j *job.Job, steps *execution.StepTimer) (job.Result, error) {
	spec, err := r.containerSpec(j)
	if err != nil {
		return job.Result{}, err
	}
	if err := r.state.reserve(j.ID()); err != nil {
		return job.Result{}, err
	}
	defer r.state.release(j.ID())

	logger := r.logger.With("jobId", j.ID(), "image", spec.image)

	steps.Begin(execution.StepUpload)
	if err := r.pullImageIfNeeded(ctx, spec.image); err != nil {
		return job.Result{}, apperrors.Work("docker.pull", err)
	}

	steps.Begin(execution.StepParse)
	containerID, err := r.createContainer(ctx, j.ID(), spec)
	if err != nil {
		return job.Result{}, apperrors.Work("docker.create", err)
	}
	cleanupCtx := context.WithoutCancel(ctx)
	defer r.removeContainer(cleanupCtx, containerID)

	if !r.state.commit(j.ID(), containerID) {
		if ctx.Err() != nil {
			return job.Result{}, ctx.Err()
		}
		return job.Result{}, errStoppedBeforeStart
	}
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return job.Result{}, apperrors.Work("docker.start", err)
	}
	logger.Debug("Container started", "containerId", containerID)

	steps.Begin(execution.StepExecute)
	exitCode, err := r.waitForExit(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			return job.Result{}, ctx.Err()
		}
		return job.Result{}, apperrors.Work("docker.wait", err)
	}

	steps.Begin(execution.StepFormat)
	stdout, stderr, size, err := r.collectOutput(ctx, containerID)
	steps.End()
	if err != nil {
		return job.Result{}, apperrors.Work("docker.logs", err)
	}
	if exitCode != 0 {
		msg := fmt.Sprintf("container exited with code %d", exitCode)
		if n := len(stderr); n > 0 {
			msg += ": " + stderr[n-1]
		}
		return job.Result{}, apperrors.Work("docker.exit", errors.New(msg))
	}

	rows := truncate(stdout, spec.maxRows)
	logger.Debug("Container finished", "rows", len(rows), "bytes", size)
	return job.Result{
		ID:    "result",
		Type:  "text/plain",
		Rows:  int64(len(rows)),
		Size:  size,
		Lines: rows,
	}, nil
}

// Abort stops the container of a running job. Jobs without a container are
// ignored.
func (r *Runner) Abort(ctx context.Context, j *job.Job) error {
	containerID, ok := r.state.markStopped(j.ID())
	if !ok || containerID == "" {
		return nil
	}
	timeout := int(r.cfg.StopTimeout.Seconds())
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return apperrors.Work("docker.stop", err)
	}
	return nil
}

// Prune removes containers left behind by a previous process, such as after
// a crash. Containers of jobs this runner is executing are kept.
func (r *Runner) Prune(ctx context.Context) (int, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel)),
	})
	if err != nil {
		return 0, apperrors.Work("docker.list", err)
	}

	live := r.state.containerIDs()
	removed := 0
	for _, c := range containers {
		if slices.Contains(live, c.ID) {
			continue
		}
		r.removeContainer(ctx, c.ID)
		removed++
	}
	if removed > 0 {
		r.logger.Info("Removed stale containers", "count", removed)
	}
	return removed, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *Runner) Close() error {
	return r.client.Close()
}

func (r *Runner) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *Runner) createContainer(ctx context.Context, jobID string, spec containerSpec) (string, error) {
	containerConfig := &container.Config{
		Image: spec.image,
		Cmd:   spec.cmd,
		Env:   spec.env,
		Labels: map[string]string{
			"job.id":     jobID,
			"managed-by": "uws",
		},
	}

	hostConfig := &container.HostConfig{
		Mounts:     spec.mounts,
		ExtraHosts: r.cfg.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(r.cfg.CPU * 1e9),
			Memory:   int64(r.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "uws-"+jobID)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *Runner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// collectOutput demultiplexes the container's logs into stdout and stderr lines.
func (r *Runner) collectOutput(ctx context.Context, containerID string) ([]string, []string, int64, error) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, 0, err
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, nil, 0, err
	}
	return splitLines(stdout.String()), splitLines(stderr.String()), int64(stdout.Len()), nil
}

func (r *Runner) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	timeout := int(r.cfg.StopTimeout.Seconds())
	_ = r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// truncate caps lines at limit rows; a negative limit keeps everything.
func truncate(lines []string, limit int64) []string {
	if limit < 0 || int64(len(lines)) <= limit {
		return lines
	}
	return lines[:limit]
}
