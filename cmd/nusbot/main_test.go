package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraiz/nusbot/internal/filelist"
	"github.com/kraiz/nusbot/internal/storage"
	"github.com/kraiz/nusbot/internal/version"
)

// execute runs the CLI against a throwaway data dir and a config file that
// does not exist.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, "config.yaml"),
		"--data-dir", dir,
	}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.Detailed(), strings.TrimSpace(out))
}

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	t.Setenv("NUSBOT_ARCHIVE_BUCKET", "lists")
	t.Setenv("NUSBOT_ARCHIVE_SECRET_KEY", "verysecret")

	out, err := execute(t, "config", "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "address: 10.10.0.1:1511")
	assert.Contains(t, out, "bucket: lists")
	assert.Contains(t, out, "log_level: debug")
	assert.NotContains(t, out, "verysecret")
}

func TestConfigInit_RefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	run := func(args ...string) error {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--config", path, "--data-dir", dir}, args...))
		return cmd.Execute()
	}

	require.NoError(t, run("config", "init"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "scan_interval")

	assert.ErrorIs(t, run("config", "init"), errConfigExists)
	assert.NoError(t, run("config", "init", "--force"))
}

func TestDiffCommand(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.xml")
	newPath := filepath.Join(dir, "new.xml")

	require.NoError(t, os.WriteFile(oldPath, []byte(`<FileListing Version="1"><Directory Name="share">
		<File Name="a.txt" Size="100" TTH="HASHA"/><File Name="b.txt" Size="10" TTH="HASHB"/>
	</Directory></FileListing>`), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte(`<FileListing Version="1"><Directory Name="share">
		<File Name="a.txt" Size="100" TTH="HASHA"/><File Name="c.txt" Size="50" TTH="HASHC"/>
	</Directory></FileListing>`), 0o644))

	out, err := execute(t, "diff", oldPath, newPath)
	require.NoError(t, err)
	assert.Equal(t, "- /share/b.txt [10.0 B]\n+ /share/c.txt [50.0 B]\n", out)

	_, err = execute(t, "diff", oldPath)
	assert.Error(t, err)

	_, err = execute(t, "diff", oldPath, filepath.Join(dir, "missing.xml"))
	assert.Error(t, err)
}

func TestChangesCommand(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nusbot.db")

	store, err := storage.Open(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveChange(ctx, storage.Change{
		CID:       "ALICECID",
		Nick:      "alice",
		Timestamp: time.Now().Add(-time.Hour),
		Added:     []filelist.Record{{Path: "/share/c.txt", Size: 50, TTH: "HASHC"}},
	}))
	require.NoError(t, store.Close())

	out, err := execute(t, "changes", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "alice (1 hour ago), 0 removed, 1 added")
	assert.Contains(t, out, ": <alice>/share/c.txt [50.0 B]")

	out, err = execute(t, "changes", "--db", dbPath, "--json")
	require.NoError(t, err)
	var changes []storage.Change
	require.NoError(t, json.Unmarshal([]byte(out), &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, "alice", changes[0].Nick)

	out, err = execute(t, "changes", "--db", dbPath, "--since", time.Now().Format(time.RFC3339))
	require.NoError(t, err)
	assert.Contains(t, out, "No changes since")

	_, err = execute(t, "changes", "--db", dbPath, "--since", "last tuesday")
	assert.Error(t, err)
}

func TestArchiveCommand_NeedsBucket(t *testing.T) {
	_, err := execute(t, "archive", "list", "ALICECID")
	assert.ErrorIs(t, err, errArchiveDisabled)
}

func TestApplyLogLevel(t *testing.T) {
	defer logLevel.Set(0)

	applyLogLevel("debug")
	assert.Equal(t, -4, int(logLevel.Level()))

	applyLogLevel("nonsense")
	assert.Equal(t, 0, int(logLevel.Level()))
}
