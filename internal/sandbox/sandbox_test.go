package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDocker struct {
	mu         sync.Mutex
	pingErr    error
	stdout     string
	stderr     string
	exitCode   int64
	hang       bool
	hostCfg    *container.HostConfig
	cfg        *container.Config
	scriptSeen string
	scriptMode os.FileMode
	removed    []string
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg, f.hostCfg = cfg, hc
	src := strings.SplitN(hc.Binds[0], ":", 2)[0]
	if b, err := os.ReadFile(src); err == nil {
		f.scriptSeen = string(b)
	}
	if fi, err := os.Stat(src); err == nil {
		f.scriptMode = fi.Mode().Perm()
	}
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func newTestRunner(t *testing.T, fake *fakeDocker, cfg Config) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	cfg.ScriptDir = dir
	r := newRunner(fake, cfg, zap.NewNop())
	require.True(t, r.Probe(context.Background()))
	return r, dir
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunSuccess(t *testing.T) {
	fake := &fakeDocker{stdout: "4\n"}
	r, dir := newTestRunner(t, fake, Config{})

	res, err := r.Run(context.Background(), "print(2+2)")
	require.NoError(t, err)
	assert.Equal(t, "4\n", res.Output)
	assert.Equal(t, int64(0), res.ExitCode)
	assert.False(t, res.TimedOut)

	assert.Equal(t, "print(2+2)", fake.scriptSeen)
	assert.Equal(t, os.FileMode(0o644), fake.scriptMode)
	assert.True(t, fake.cfg.NetworkDisabled)
	assert.Equal(t, container.NetworkMode("none"), fake.hostCfg.NetworkMode)
	assert.Equal(t, int64(256<<20), fake.hostCfg.Memory)
	assert.Equal(t, int64(512), fake.hostCfg.CPUShares)
	assert.True(t, strings.HasSuffix(fake.hostCfg.Binds[0], ":ro"))
	assert.Equal(t, []string{"c1"}, fake.removed)
	assertDirEmpty(t, dir)
}

func TestRunFailureCombinesStreams(t *testing.T) {
	fake := &fakeDocker{stdout: "partial\n", stderr: "Traceback: boom\n", exitCode: 1}
	r, dir := newTestRunner(t, fake, Config{})

	res, err := r.Run(context.Background(), "raise SystemExit(1)")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ExitCode)
	assert.Contains(t, res.Output, "partial")
	assert.Contains(t, res.Output, "Traceback: boom")
	assertDirEmpty(t, dir)
}

func TestRunTimeout(t *testing.T) {
	fake := &fakeDocker{hang: true, stdout: "started\n"}
	r, dir := newTestRunner(t, fake, Config{Timeout: 50 * time.Millisecond})

	res, err := r.Run(context.Background(), "while True: pass")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, []string{"c1"}, fake.removed)
	assertDirEmpty(t, dir)
}

func TestRunCallerCancel(t *testing.T) {
	fake := &fakeDocker{hang: true}
	r, dir := newTestRunner(t, fake, Config{Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, "while True: pass")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, []string{"c1"}, fake.removed)
	assertDirEmpty(t, dir)
}

func TestRunTruncatesOutput(t *testing.T) {
	fake := &fakeDocker{stdout: strings.Repeat("x", 100)}
	r, _ := newTestRunner(t, fake, Config{MaxOutputBytes: 10})

	res, err := r.Run(context.Background(), "print('x'*100)")
	require.NoError(t, err)
	assert.Len(t, res.Output, 10)
	assert.True(t, res.Truncated)
}

func TestRunUnavailable(t *testing.T) {
	fake := &fakeDocker{pingErr: errors.New("dial unix /var/run/docker.sock: connect: no such file")}
	r := newRunner(fake, Config{ScriptDir: t.TempDir()}, zap.NewNop())
	assert.False(t, r.Probe(context.Background()))

	_, err := r.Run(context.Background(), "print(1)")
	assert.ErrorIs(t, err, ErrUnavailable)

	fake.pingErr = nil
	assert.True(t, r.Probe(context.Background()))
	assert.True(t, r.Available())
}

func TestNilClientIsUnavailable(t *testing.T) {
	r := newRunner(nil, Config{}, zap.NewNop())
	assert.False(t, r.Probe(context.Background()))
	_, err := r.Run(context.Background(), "print(1)")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStartProbingRejectsBadSpec(t *testing.T) {
	r := newRunner(nil, Config{}, zap.NewNop())
	_, err := r.StartProbing("not a schedule")
	assert.Error(t, err)

	stop, err := r.StartProbing("@every 1h")
	require.NoError(t, err)
	stop()
}
