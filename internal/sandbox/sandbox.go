// Package sandbox runs untrusted Python snippets in throwaway containers.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the container daemon cannot be reached.
var ErrUnavailable = errors.New("sandbox unavailable")

const containerDir = "/sandbox"

// Config sets the resource ceilings applied to every run.
type Config struct {
	Image          string
	Command        []string
	MemoryMB       int64
	CPUShares      int64
	PidsLimit      int64
	Timeout        time.Duration
	ScriptDir      string
	HostScriptDir  string
	MaxOutputBytes int
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = "egobox:latest"
	}
	if len(c.Command) == 0 {
		c.Command = []string{"python"}
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 256
	}
	if c.CPUShares <= 0 {
		c.CPUShares = 512
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ScriptDir == "" {
		c.ScriptDir = os.TempDir()
	}
	if c.HostScriptDir == "" {
		c.HostScriptDir = c.ScriptDir
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64 << 10
	}
}

// Result is the outcome of one run.
type Result struct {
	Output    string `json:"output"`
	ExitCode  int64  `json:"exit_code"`
	TimedOut  bool   `json:"timed_out"`
	Truncated bool   `json:"truncated"`
}

// dockerAPI is the subset of the Docker client the runner needs.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runner executes code in isolated containers.
type Runner struct {
	api       dockerAPI
	cfg       Config
	available atomic.Bool
	logger    *zap.Logger
}

// NewRunner connects to the Docker daemon described by the environment and
// probes it once. An unreachable daemon leaves the runner unavailable.
func NewRunner(ctx context.Context, cfg Config, logger *zap.Logger) *Runner {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Warn("docker client unavailable, code execution disabled", zap.Error(err))
		return newRunner(nil, cfg, logger)
	}
	r := newRunner(cli, cfg, logger)
	r.Probe(ctx)
	return r
}

func newRunner(api dockerAPI, cfg Config, logger *zap.Logger) *Runner {
	cfg.applyDefaults()
	return &Runner{api: api, cfg: cfg, logger: logger}
}

// Available reports the result of the latest probe.
func (r *Runner) Available() bool { return r.available.Load() }

// Probe pings the daemon and records whether it answered.
func (r *Runner) Probe(ctx context.Context) bool {
	if r.api == nil {
		r.available.Store(false)
		return false
	}
	_, err := r.api.Ping(ctx)
	ok := err == nil
	if prev := r.available.Swap(ok); prev != ok {
		if ok {
			r.logger.Info("sandbox reachable", zap.String("image", r.cfg.Image))
		} else {
			r.logger.Warn("sandbox unreachable", zap.Error(err))
		}
	}
	return ok
}

// StartProbing re-probes the daemon on a cron schedule such as "@every 30s".
// The returned function stops the schedule.
func (r *Runner) StartProbing(spec string) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Probe(ctx)
	}); err != nil {
		return nil, fmt.Errorf("schedule sandbox probe %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// Run executes code and returns its combined output. The script file and
// the container are removed on every path out.
func (r *Runner) Run(ctx context.Context, code string) (*Result, error) {
	if !r.Available() {
		return nil, ErrUnavailable
	}

	script, err := os.CreateTemp(r.cfg.ScriptDir, "egocode-*.py")
	if err != nil {
		return nil, fmt.Errorf("create script: %w", err)
	}
	path := script.Name()
	defer os.Remove(path)
	if _, err := io.WriteString(script, code); err != nil {
		script.Close()
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := script.Close(); err != nil {
		return nil, fmt.Errorf("close script: %w", err)
	}
	// The image may run as a non-root user.
	if err := os.Chmod(path, 0o644); err != nil {
		return nil, fmt.Errorf("chmod script: %w", err)
	}

	name := filepath.Base(path)
	target := containerDir + "/" + name
	cmd := append(append([]string{}, r.cfg.Command...), target)
	pids := r.cfg.PidsLimit

	created, err := r.api.ContainerCreate(ctx,
		&container.Config{
			Image:           r.cfg.Image,
			Cmd:             cmd,
			NetworkDisabled: true,
			WorkingDir:      containerDir,
		},
		&container.HostConfig{
			Binds:       []string{filepath.Join(r.cfg.HostScriptDir, name) + ":" + target + ":ro"},
			NetworkMode: "none",
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:    r.cfg.MemoryMB << 20,
				CPUShares: r.cfg.CPUShares,
				PidsLimit: &pids,
			},
		},
		nil, nil, "")
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			r.available.Store(false)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.api.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("remove sandbox container", zap.String("id", created.ID), zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.api.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	res := &Result{}
	statusCh, errCh := r.api.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		res.ExitCode = st.StatusCode
		if st.Error != nil && st.Error.Message != "" {
			return nil, fmt.Errorf("wait container: %s", st.Error.Message)
		}
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("wait container: %w", err)
		}
		res.TimedOut = true
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.TimedOut = true
	}

	logCtx, logCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer logCancel()
	logs, err := r.api.ContainerLogs(logCtx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()

	buf := &cappedBuffer{limit: r.cfg.MaxOutputBytes}
	if _, err := stdcopy.StdCopy(buf, buf, logs); err != nil && !errors.Is(err, errCapReached) {
		return nil, fmt.Errorf("demux container logs: %w", err)
	}
	res.Output = buf.String()
	res.Truncated = buf.truncated

	r.logger.Debug("sandbox run finished",
		zap.Int64("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Int("output_bytes", len(res.Output)))
	return res, nil
}

var errCapReached = errors.New("output limit reached")

type cappedBuffer struct {
	data      []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.data)
	if room <= 0 {
		b.truncated = true
		return 0, errCapReached
	}
	if len(p) > room {
		b.data = append(b.data, p[:room]...)
		b.truncated = true
		return room, errCapReached
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.data) }
