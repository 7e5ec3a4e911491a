package agent

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nevindra/relay/internal/config"
)

//go:embed system_prompt.md
var defaultSystemPrompt string

// SessionTarget names which session file an invocation resumes. The
// zero value is the shared main session; isolated targets keep one
// session per schedule so each recurring task retains its own context.
type SessionTarget struct {
	Isolated bool
	Name     string
}

// MainSession is the shared session used by DMs and manual sends.
func MainSession() SessionTarget { return SessionTarget{} }

// IsolatedSession is the per-schedule session for the given name.
func IsolatedSession(name string) SessionTarget {
	return SessionTarget{Isolated: true, Name: name}
}

// SessionFiles reads and writes the agent CLI's opaque session ids.
type SessionFiles struct {
	dataDir string
}

// NewSessionFiles creates a SessionFiles rooted at dataDir.
func NewSessionFiles(dataDir string) *SessionFiles {
	return &SessionFiles{dataDir: dataDir}
}

func (f *SessionFiles) path(t SessionTarget) string {
	if t.Isolated {
		return config.IsolatedSessionFilePath(f.dataDir, t.Name)
	}
	return config.SessionFilePath(f.dataDir)
}

// Read returns the stored session id for target, or "" when absent.
func (f *SessionFiles) Read(t SessionTarget) (string, error) {
	data, err := os.ReadFile(f.path(t))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session %s: %w", f.path(t), err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write persists the session id for target, creating directories as
// needed. Called after every successful agent invocation.
func (f *SessionFiles) Write(t SessionTarget, sessionID string) error {
	p := f.path(t)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(sessionID+"\n"), 0o640); err != nil {
		return fmt.Errorf("write session %s: %w", p, err)
	}
	return nil
}

// Clear removes the session file for target (used by !reset and the
// stale-session retry).
func (f *SessionFiles) Clear(t SessionTarget) error {
	err := os.Remove(f.path(t))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session %s: %w", f.path(t), err)
	}
	return nil
}

// EnsureSystemPrompt materializes the system prompt file under the
// data dir and returns its path. The path is relative to the project
// root, so it resolves both on the host and inside the sandbox mount.
func (f *SessionFiles) EnsureSystemPrompt() (string, error) {
	p := filepath.Join(f.dataDir, "system_prompt.md")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(defaultSystemPrompt), 0o640); err != nil {
		return "", fmt.Errorf("write system prompt: %w", err)
	}
	return p, nil
}
