package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, host string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  "logging": {"level": "error", "console": false},
  "notifications": {"host": "` + host + `", "permission": "granted"},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"},
  "housekeeping": {"enabled": false}
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "abc", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadEnvFileMissingIsFine(t *testing.T) {
	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "nope.env")))
	assert.NoError(t, loadEnvFile(""))
}

func TestLoadEnvFileSetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PRODMON_TEST_VALUE=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("PRODMON_TEST_VALUE") })

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "from-dotenv", os.Getenv("PRODMON_TEST_VALUE"))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "test (commit: abc, built: today)")
}

func TestAnalyzeCommand(t *testing.T) {
	cfg := writeConfig(t, "none")
	out, err := execute(t, "--config", cfg, "--env-file", "", "analyze", "--url", "https://shop.example/item/42", "--interval", "15")
	require.NoError(t, err)
	assert.Contains(t, out, "Sample Product Name")
	assert.Contains(t, out, "URL:   https://shop.example/item/42")
	assert.Contains(t, out, "[negative] Product went out of stock")
}

func TestAnalyzeRejectsInterval(t *testing.T) {
	cfg := writeConfig(t, "none")
	_, err := execute(t, "--config", cfg, "--env-file", "", "analyze", "--url", "https://shop.example", "--interval", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between 5 and 1440")
}

func TestPermissionStatus(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t, "none"), "--env-file", "", "permission", "status")
	require.NoError(t, err)
	assert.Equal(t, "none [Unavailable]\n", out)

	_, err = execute(t, "--config", writeConfig(t, "none"), "--env-file", "", "permission", "request")
	assert.Error(t, err)
}

func TestNotificationsEmpty(t *testing.T) {
	cfg := writeConfig(t, "none")
	out, err := execute(t, "--config", cfg, "--env-file", "", "notifications", "recent", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "No notifications yet.")

	out, err = execute(t, "--config", cfg, "--env-file", "", "notifications", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 0")
}

func TestNotificationsHousekeepingCommands(t *testing.T) {
	cfg := writeConfig(t, "none")
	base := []string{"--config", cfg, "--env-file", "", "notifications"}

	out, err := execute(t, append(base, "unread", "--mark-read")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No notifications yet.")

	out, err = execute(t, append(base, "mark-read")...)
	require.NoError(t, err)
	assert.Equal(t, "0 marked read\n", out)

	out, err = execute(t, append(base, "export", "--out", "-")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 0`)

	path := filepath.Join(t.TempDir(), "export.json")
	out, err = execute(t, append(base, "export", "--out", path)...)
	require.NoError(t, err)
	assert.Contains(t, out, "0 notifications exported to "+path)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	out, err = execute(t, append(base, "clear")...)
	require.NoError(t, err)
	assert.Equal(t, "0 removed\n", out)
}
