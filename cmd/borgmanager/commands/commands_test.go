package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgmanager/borgmanager/pkg/borg"
	"github.com/borgmanager/borgmanager/pkg/catalog"
	"github.com/borgmanager/borgmanager/pkg/stores"
)

const sampleOutput = `Repository: /backups/host
Archive name: monday
Archive fingerprint: bcd9b6a7c07d3c9a53c3e6b1f1f6f1d2c6a4b2e9d7f0a1b2c3d4e5f6a7b8c9d0
Time (start): Mon, 2024-03-04 19:36:29
Time (end):   Mon, 2024-03-04 19:39:26
Duration: 2 minutes 56.46 seconds
Number of files: 1234
                       Original size      Compressed size    Deduplicated size
This archive:               10.41 GB              9.82 GB              7.21 MB
`

func quietEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("BORGMANAGER_TELEMETRY_LOGGING_LEVEL", "error")
	return filepath.Join(t.TempDir(), "catalog.db")
}

// lockedBuffer is a bytes.Buffer safe for a command writing in the background.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(ctx context.Context, stdin string, args ...string) (string, error) {
	var out lockedBuffer
	return executeTo(ctx, &out, stdin, args...)
}

func executeTo(ctx context.Context, out *lockedBuffer, stdin string, args ...string) (string, error) {
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func run(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := execute(context.Background(), stdin, args...)
	require.NoError(t, err, "borgmanager %s", strings.Join(args, " "))
	return out
}

func writeSample(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(sampleOutput), 0o600))
	return path
}

func TestParseCommand(t *testing.T) {
	quietEnv(t)

	t.Run("Should print the attributes from stdin", func(t *testing.T) {
		out := run(t, sampleOutput, "parse")
		assert.Contains(t, out, "Archive name: monday\n")
		assert.Contains(t, out, "Original size: 10.41 GB\n")
		assert.True(t, strings.HasPrefix(out, "Repository: /backups/host\n"))
	})

	t.Run("Should print the typed report as JSON", func(t *testing.T) {
		out := run(t, sampleOutput, "parse", "--json")

		var report borg.Report
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, "monday", report.ArchiveName)
		assert.Equal(t, int64(1234), report.FileCount)
		assert.Equal(t, uint64(7_210_000), report.DeduplicatedSize)
	})

	t.Run("Should write to the output file", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "attrs.txt")
		out := run(t, "", "parse", writeSample(t, dir, "run.log"), "--out", target)
		assert.Empty(t, out)

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Contains(t, string(data), "Number of files: 1234\n")
	})

	t.Run("Should report output files that cannot be written", func(t *testing.T) {
		_, err := execute(context.Background(), sampleOutput, "parse", "--out", filepath.Join(t.TempDir(), "missing", "attrs.txt"))
		assert.Error(t, err)

		if _, err := os.Stat("/dev/full"); err != nil {
			t.Skip("no /dev/full on this system")
		}
		_, err = execute(context.Background(), sampleOutput, "parse", "--out", "/dev/full")
		assert.Error(t, err)
	})

	t.Run("Should fail on a missing file", func(t *testing.T) {
		_, err := execute(context.Background(), "", "parse", filepath.Join(t.TempDir(), "missing.log"))
		assert.Error(t, err)
	})
}

func TestIngestAndList(t *testing.T) {
	db := quietEnv(t)
	dir := t.TempDir()
	first := writeSample(t, dir, "first.log")
	second := writeSample(t, dir, "second.log")

	out := run(t, "", "--db", db, "ingest", first, second, "--label", "nightly")
	assert.Equal(t,
		"Ingested "+first+": repository 1, archive 1, log 1\n"+
			"Ingested "+second+": repository 1, archive 1, log 2\n",
		out)

	var archives []borg.Archive
	require.NoError(t, json.Unmarshal([]byte(run(t, "", "--db", db, "--json", "list", "archives")), &archives))
	require.Len(t, archives, 1)
	assert.Equal(t, "monday", archives[0].Name)
	assert.Equal(t, int64(1), archives[0].RepoID)

	var logs []borg.LogEntry
	require.NoError(t, json.Unmarshal([]byte(run(t, "", "--db", db, "--json", "list", "logs")), &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, int64(1), logs[1].ArchiveID)

	labels := run(t, "", "--db", db, "list", "labels")
	assert.Contains(t, labels, "NAME")
	assert.Contains(t, labels, "nightly")
	assert.Equal(t, 2, strings.Count(labels, "\n"), "one header and one label")

	repos := run(t, "", "--db", db, "list", "repos")
	assert.Contains(t, repos, "/backups/host")

	logTable := run(t, "", "--db", db, "list", "logs")
	assert.Contains(t, logTable, "7.2 MB")
	assert.Contains(t, logTable, "1,234")
}

func TestIngestCommand(t *testing.T) {
	t.Run("Should read stdin and honour the repository override", func(t *testing.T) {
		db := quietEnv(t)
		var results []catalog.Result
		out := run(t, sampleOutput, "--db", db, "--json", "ingest", "--repo", "/elsewhere")
		require.NoError(t, json.Unmarshal([]byte(out), &results))
		require.Len(t, results, 1)
		assert.NotEmpty(t, results[0].RunID)

		repos := run(t, "", "--db", db, "list", "repositories")
		assert.Contains(t, repos, "/elsewhere")
		assert.NotContains(t, repos, "/backups/host")
	})

	t.Run("Should report failures and keep going", func(t *testing.T) {
		db := quietEnv(t)
		good := writeSample(t, t.TempDir(), "good.log")

		out, err := execute(context.Background(), "", "--db", db, "ingest", filepath.Join(t.TempDir(), "missing.log"), good)
		assert.Error(t, err)
		assert.Contains(t, out, "Ingested "+good)
	})

	t.Run("Should reject output without an archive", func(t *testing.T) {
		db := quietEnv(t)
		_, err := execute(context.Background(), "Repository: /backups/host\n", "--db", db, "ingest")
		assert.ErrorIs(t, err, borg.ErrMissingAttribute)
	})
}

func TestLabelCommand(t *testing.T) {
	db := quietEnv(t)

	first := run(t, "", "--db", db, "label", "/backups/host", "offsite")
	second := run(t, "", "--db", db, "label", "/backups/host", "offsite")
	assert.Equal(t, `Label "offsite" on /backups/host (repository 1, label 1)`+"\n", first)
	assert.Equal(t, first, second)

	_, err := execute(context.Background(), "", "--db", db, "label", "/backups/host")
	assert.Error(t, err)
}

func TestWatchCommand(t *testing.T) {
	db := quietEnv(t)
	inboxDir := t.TempDir()
	writeSample(t, inboxDir, "before.log")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "", "--db", db, "watch", inboxDir, "--rescan", "", "--settle", "10ms")
		done <- err
	}()

	countLogs := func() int {
		cat, err := catalog.Open(context.Background(), stores.Config{Path: db}, nil)
		if err != nil {
			return 0
		}
		defer cat.Close(context.Background())
		n, err := cat.Logs.Count(context.Background())
		if err != nil {
			return 0
		}
		return int(n)
	}

	require.Eventually(t, func() bool { return countLogs() == 1 }, 10*time.Second, 50*time.Millisecond)

	writeSample(t, inboxDir, "after.log")
	require.Eventually(t, func() bool { return countLogs() == 2 }, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchCommand_JSONEvents(t *testing.T) {
	db := quietEnv(t)
	inboxDir := t.TempDir()
	writeSample(t, inboxDir, "nightly.log")

	ctx, cancel := context.WithCancel(context.Background())
	var out lockedBuffer
	done := make(chan error, 1)
	go func() {
		_, err := executeTo(ctx, &out, "", "--db", db, "--json", "watch", inboxDir, "--rescan", "", "--settle", "10ms")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "\n")
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}

	line, _, _ := strings.Cut(out.String(), "\n")
	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	assert.Equal(t, "ingest.completed", event["type"])
	assert.Equal(t, filepath.Join(inboxDir, "nightly.log"), event["source"])
	assert.NotEmpty(t, event["run_id"])
}
