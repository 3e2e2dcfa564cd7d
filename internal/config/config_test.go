package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig writes content to a config.toml in a fresh temp dir and
// returns its path.
func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func countLines(s string) int {
	return len(strings.Split(strings.TrimSpace(s), "\n"))
}
