// Package integration provides end-to-end tests for the storage engine.
// Some tests use external tools when they are installed.
package integration

import (
	"os/exec"
	"sync"
	"testing"
)

// Tool represents an external tool that may be required for tests.
type Tool struct {
	Name        string   // Display name
	Command     string   // Command to check (e.g., "sqlite3")
	Args        []string // Args to verify tool works (e.g., ["--version"])
	Description string   // What the tool is used for
}

// Common tools used in integration tests.
var (
	ToolSQLite3 = Tool{
		Name:        "sqlite3",
		Command:     "sqlite3",
		Args:        []string{"--version"},
		Description: "SQLite command-line interface",
	}
	ToolXZ = Tool{
		Name:        "xz",
		Command:     "xz",
		Args:        []string{"--version"},
		Description: "xz compression tool",
	}
)

// toolCache caches tool availability checks.
var (
	toolCache   = make(map[string]bool)
	toolCacheMu sync.RWMutex
)

// HasTool checks if a tool is available on the system.
// Results are cached for performance.
func HasTool(tool Tool) bool {
	toolCacheMu.RLock()
	if available, ok := toolCache[tool.Command]; ok {
		toolCacheMu.RUnlock()
		return available
	}
	toolCacheMu.RUnlock()

	_, err := exec.LookPath(tool.Command)
	available := err == nil

	toolCacheMu.Lock()
	toolCache[tool.Command] = available
	toolCacheMu.Unlock()

	return available
}

// RequireTool skips the test if the specified tool is not available.
func RequireTool(t *testing.T, tool Tool) {
	t.Helper()
	if !HasTool(tool) {
		t.Skipf("skipping: %s (%s) not installed", tool.Name, tool.Command)
	}
}

// RunTool executes a tool and returns its output.
// It skips the test if the tool is not available.
func RunTool(t *testing.T, tool Tool, args ...string) (string, error) {
	t.Helper()
	RequireTool(t, tool)

	cmd := exec.Command(tool.Command, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
