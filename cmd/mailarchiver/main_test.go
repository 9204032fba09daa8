package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-archiver/internal/jobs"
)

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	printSnapshot(&buf, jobs.Snapshot{
		ID:          "job-1",
		Family:      jobs.FamilySync,
		AccountID:   "work",
		Status:      jobs.StatusCompleted,
		Processed:   3,
		Total:       3,
		Succeeded:   2,
		Failed:      1,
		StartedAt:   start,
		CompletedAt: start.Add(1500 * time.Millisecond),
	})

	out := buf.String()
	assert.Contains(t, out, "job-1 (sync)")
	assert.Contains(t, out, "Processed  3 of 3")
	assert.Contains(t, out, "Failed     1")
	assert.Contains(t, out, "Duration   1.5s")
}

func TestLoadConfigAppliesLogOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: "+filepath.Join(dir, "a.db")+"\nlog:\n  level: warn\n"), 0o600))

	configPath, logLevel = path, "debug"
	t.Cleanup(func() { configPath, logLevel = "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
}
