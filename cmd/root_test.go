package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metadata-extractor/internal/store"
)

func TestRootCmd_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "serve", "stats", "results", "schema", "migrate"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("debug"))
}

func TestRunCmd_Flags(t *testing.T) {
	for _, name := range []string{"preset", "fallback", "offset", "limit", "pause", "concurrency", "source", "format", "logfile", "template", "offline"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "missing flag %s", name)
	}
	// Unset batch flags fall back to the batch config section.
	for _, name := range []string{"preset", "limit", "pause", "concurrency"} {
		assert.Contains(t, runCmd.Flags().Lookup(name).Usage, "default from config", name)
	}
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("store:\n  driver: sqlite\n  database_url: %s\nlog:\n  level: error\n",
		filepath.Join(dir, "stats.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunCmd_OfflineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	src := filepath.Join(dir, "docs.jsonl")
	var lines []string
	for i := 1; i <= 3; i++ {
		lines = append(lines, fmt.Sprintf(`{"id":"doc-%d","text":"Document number %d is long enough to process."}`, i, i))
	}
	require.NoError(t, os.WriteFile(src, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	logPath := filepath.Join(dir, "analysis.log")

	out, err := execute(t, "run", "--config", cfgPath, "--offline", "--source", src, "--logfile", logPath, "--concurrency", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded:  3")

	st, err := store.NewSQLite(filepath.Join(dir, "stats.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	stats, err := st.GetPresetStats(context.Background(), "claude-haiku")
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.SuccessCount)
	assert.Zero(t, stats.FailureCount)

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "Starting at: ")
	assert.Equal(t, 3, strings.Count(string(logged), "Document: doc-"))

	out, err = execute(t, "run", "--config", cfgPath, "--offline", "--source", src, "--logfile", logPath, "--concurrency", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped:    3")

	out, err = execute(t, "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "PRESET")
	assert.Contains(t, out, "claude-haiku")

	out, err = execute(t, "results", "show", "doc-2", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"identifier": "doc-2"`)
	assert.Contains(t, out, "CORRELATION ID")
}

func TestSchemaCmd_XSD(t *testing.T) {
	out, err := execute(t, "schema", "xsd", "--config", writeConfig(t, t.TempDir()))
	require.NoError(t, err)
	assert.Contains(t, out, "xs:schema")
}

func TestSchemaCmd_Show(t *testing.T) {
	out, err := execute(t, "schema", "show", "--config", writeConfig(t, t.TempDir()))
	require.NoError(t, err)
	assert.Contains(t, out, "true_token:")
	assert.Contains(t, out, "fields:")
}
