package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/nevindra/relay/internal/sandbox"
)

// SandboxBackend runs the agent CLI inside the managed container.
type SandboxBackend struct {
	manager *sandbox.Manager
}

var _ Backend = (*SandboxBackend)(nil)

// NewSandboxBackend wraps a sandbox manager as a Backend.
func NewSandboxBackend(m *sandbox.Manager) *SandboxBackend {
	return &SandboxBackend{manager: m}
}

// Run ensures the sandbox exists and executes argv inside it.
func (b *SandboxBackend) Run(ctx context.Context, argv, extraEnv []string, timeout time.Duration) (string, string, error) {
	id, err := b.manager.Ensure(ctx)
	if err != nil {
		return "", "", err
	}
	return b.manager.Exec(ctx, id, argv, extraEnv, timeout)
}

// Reset invalidates the cached sandbox id.
func (b *SandboxBackend) Reset() {
	b.manager.Invalidate()
}

// HostBackend runs the agent CLI directly on the host, for
// deployments with enable_sandbox=false.
type HostBackend struct {
	workDir string
}

var _ Backend = (*HostBackend)(nil)

// NewHostBackend creates a HostBackend rooted at workDir.
func NewHostBackend(workDir string) *HostBackend {
	return &HostBackend{workDir: workDir}
}

// Run executes argv as a subprocess with a kill timer. The extra
// environment is appended to the inherited one so PATH and HOME stay
// intact.
func (b *HostBackend) Run(ctx context.Context, argv, extraEnv []string, timeout time.Duration) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.workDir
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout.String(), stderr.String(),
				fmt.Errorf("agent cli timed out after %s", timeout)
		}
		return stdout.String(), stderr.String(),
			fmt.Errorf("agent cli failed: %w: %s", err, headOf(stderr.String(), 2000))
	}
	return stdout.String(), stderr.String(), nil
}

// Reset is a no-op on the host: there is no cached container state.
func (b *HostBackend) Reset() {}
