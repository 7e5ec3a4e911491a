package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// IDCell holds the current sandbox identifier in memory with an
// on-disk mirror. The in-memory value is the source of truth within a
// process; the file only seeds the cell after a restart.
type IDCell struct {
	mu   sync.Mutex
	id   string
	path string
}

// NewIDCell creates a cell mirrored at path.
func NewIDCell(path string) *IDCell {
	return &IDCell{path: path}
}

// Get returns the cached id, falling back to the file only when the
// cell is empty. The file is never consulted while the cell is
// populated, so a lagging mirror cannot override recovery.
func (c *IDCell) Get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return c.id
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return ""
	}
	c.id = strings.TrimSpace(string(data))
	return c.id
}

// Set stores the id and rewrites the mirror file.
func (c *IDCell) Set(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	_ = os.MkdirAll(filepath.Dir(c.path), 0o750)
	_ = os.WriteFile(c.path, []byte(id+"\n"), 0o640)
}

// Clear empties the cell and removes the mirror file.
func (c *IDCell) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = ""
	_ = os.Remove(c.path)
}
