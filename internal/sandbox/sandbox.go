// Package sandbox manages the container that hosts the agent CLI.
//
// The sandbox is a long-lived container addressed by a hex identifier.
// The identifier is cached in memory, mirrored to a file, and
// invalidated when an exec reports the container gone.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	imageName      = "claude-sandbox:latest"
	containerName  = "cc-discord-bot-sandbox"
	workspaceLabel = "bot.relay.workspace"
	mountTarget    = "/workspace"

	stopTimeoutSecs = 10
	maxErrOutput    = 2000
)

// credentialsConflictMarker is the create-failure text that means a
// previous sandbox still holds this workspace's credentials.
const credentialsConflictMarker = "credentials conflict for this workspace"

// goneMarkers identify errors that mean the cached container no longer
// exists; callers invalidate the cache and retry once.
var goneMarkers = []string{
	"No such container",
	"is not running",
}

// IsGone reports whether err means the sandbox container is gone.
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range goneMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// dockerAPI is the subset of the Docker client the manager uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the sandbox container lifecycle.
type Manager struct {
	api       dockerAPI
	cell      *IDCell
	workspace string
	logger    *slog.Logger
}

// New creates a Manager backed by the host's Docker daemon. workspace
// is the project root mounted into the sandbox; idFile mirrors the
// sandbox id across restarts.
func New(workspace, idFile string, opts ...Option) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newWithAPI(cli, workspace, idFile, opts...), nil
}

func newWithAPI(api dockerAPI, workspace, idFile string, opts ...Option) *Manager {
	m := &Manager{
		api:       api,
		cell:      NewIDCell(idFile),
		workspace: workspace,
		logger:    slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Ensure returns a running sandbox id: the in-memory cache first, then
// the id file, then a freshly created container. A credentials
// conflict during creation removes the conflicting sandbox for this
// workspace and retries exactly once.
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	if id := m.cell.Get(); id != "" {
		return id, nil
	}

	id, err := m.create(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), credentialsConflictMarker) {
			return "", err
		}
		m.logger.Warn("sandbox: credentials conflict, recycling previous sandbox", "error", err)
		if rmErr := m.removeConflicting(ctx); rmErr != nil {
			return "", fmt.Errorf("recover credentials conflict: %w", rmErr)
		}
		id, err = m.create(ctx)
		if err != nil {
			return "", fmt.Errorf("create sandbox after conflict recovery: %w", err)
		}
	}

	m.cell.Set(id)
	m.logger.Info("sandbox: created", "sandbox_id", id, "workspace", m.workspace)
	return id, nil
}

func (m *Manager) create(ctx context.Context) (string, error) {
	config := &container.Config{
		Image:      imageName,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: mountTarget,
		Labels:     map[string]string{workspaceLabel: m.workspace},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: m.workspace,
			Target: mountTarget,
		}},
	}

	resp, err := m.api.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	if err := m.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

// removeConflicting finds the sandbox bound to this workspace by
// inspecting every container and stops and removes it.
func (m *Manager) removeConflicting(ctx context.Context) error {
	list, err := m.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}
	for _, c := range list {
		inspect, err := m.api.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		if inspect.Config == nil || inspect.Config.Labels[workspaceLabel] != m.workspace {
			continue
		}
		m.logger.Info("sandbox: removing conflicting container", "sandbox_id", c.ID)
		timeout := stopTimeoutSecs
		_ = m.api.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		if err := m.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove conflicting sandbox %s: %w", c.ID, err)
		}
		return nil
	}
	return fmt.Errorf("no sandbox found for workspace %q", m.workspace)
}

// Invalidate drops the cached sandbox id after a gone error.
func (m *Manager) Invalidate() {
	m.logger.Warn("sandbox: cache invalidated")
	m.cell.Clear()
}

// Exec runs argv inside the sandbox with the given environment and a
// kill timer. Stdout and stderr are demultiplexed and returned
// separately; a non-zero exit is an error carrying the stderr head.
func (m *Manager) Exec(ctx context.Context, sandboxID string, argv, env []string, timeout time.Duration) (string, string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := m.api.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		WorkingDir:   mountTarget,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("create exec: %w", err)
	}

	attach, err := m.api.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", "", fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout.String(), stderr.String(), fmt.Errorf("sandbox exec timed out after %s", timeout)
		}
		return stdout.String(), stderr.String(), fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), stderr.String(),
			fmt.Errorf("sandbox exec exited %d: %s", inspect.ExitCode, headOf(stderr.String(), maxErrOutput))
	}

	m.logger.Debug("sandbox: exec completed", "sandbox_id", sandboxID,
		"stdout_len", stdout.Len(), "stderr_len", stderr.Len(), "duration", time.Since(start))
	return stdout.String(), stderr.String(), nil
}

func headOf(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
