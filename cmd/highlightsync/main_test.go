package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"highlightsync/internal/lock"
)

const exportBody = `{"nextPageCursor": null, "results": [{
	"user_book_id": 1,
	"title": "Dune",
	"category": "books",
	"book_tags": [],
	"highlights": [{"id": 100, "text": "Fear is the mind-killer.", "book_id": 1, "tags": []}]
}, {
	"user_book_id": 2,
	"title": "Untitled",
	"category": "pamphlets",
	"book_tags": [],
	"highlights": []
}]}`

type cli struct {
	dbPath string
	query  chan string
}

// newCLI points the binary at a fake export API and an empty store.
func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	c := &cli{dbPath: filepath.Join(dir, "highlights.db"), query: make(chan string, 16)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case c.query <- r.URL.Query().Get("updatedAfter"):
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, exportBody)
	}))
	t.Cleanup(server.Close)

	t.Setenv("HLSYNC_READWISE_BASE_URL", server.URL)
	t.Setenv("HLSYNC_READWISE_TOKEN", "tok")
	t.Setenv("HLSYNC_READWISE_REQUESTS_PER_MINUTE", "60000")
	return c
}

func (c *cli) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--db", c.dbPath}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_UnknownCommand(t *testing.T) {
	newCLI(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"frobnicate"}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestSync_ThenReplay(t *testing.T) {
	c := newCLI(t)

	code, out, stderr := c.run("sync")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "batch 1:")
	assert.Equal(t, "", <-c.query, "first run fetches everything")

	code, out, stderr = c.run("sync")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "no changes")
	assert.NotEmpty(t, <-c.query, "second run filters by the watermark")
}

func TestSync_JSONReport(t *testing.T) {
	c := newCLI(t)
	code, out, stderr := c.run("sync", "--json")
	require.Equal(t, exitOK, code, stderr)

	var report struct {
		Fetched int            `json:"fetched"`
		Invalid map[string]int `json:"invalid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 1, report.Invalid["books"])
}

func TestSync_MissingToken(t *testing.T) {
	c := newCLI(t)
	t.Setenv("HLSYNC_READWISE_TOKEN", "")

	code, _, stderr := c.run("sync")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "readwise.token is required")
}

func TestSync_FullModeReserved(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run("sync", "--mode", "full")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "full resync")
}

func TestSync_LockTimeoutExitCode(t *testing.T) {
	c := newCLI(t)
	t.Setenv("HLSYNC_LOCK_TIMEOUT", "200ms")
	t.Setenv("HLSYNC_LOCK_RETRY_INTERVAL", "20ms")

	holder := lock.New(c.dbPath, lock.Options{Logger: zerolog.Nop()})
	require.NoError(t, holder.Acquire())
	defer holder.Release()

	code, _, stderr := c.run("sync")
	assert.Equal(t, exitLockTimeout, code, stderr)
}

func TestListInvalids(t *testing.T) {
	c := newCLI(t)

	code, out, _ := c.run("list-invalids")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "no invalid records")

	code, _, stderr := c.run("sync")
	require.Equal(t, exitOK, code, stderr)

	code, out, _ = c.run("list-invalids")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "category")
	assert.Contains(t, out, "1 invalid records")

	code, out, _ = c.run("list-invalids", "--json")
	require.Equal(t, exitOK, code)
	var records []struct {
		Kind   string            `json:"kind"`
		Key    int64             `json:"key"`
		Errors map[string]string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "books", records[0].Kind)
	assert.Equal(t, int64(2), records[0].Key)
	assert.Contains(t, records[0].Errors["category"], "must be one of")
}

func TestFetchSince_WritesFile(t *testing.T) {
	c := newCLI(t)
	target := filepath.Join(t.TempDir(), "out", "export.json")

	code, _, stderr := c.run("fetch-since", "2025-03-01T08:00:00Z", "--output", target)
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "2025-03-01T08:00:00Z", <-c.query)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var books []map[string]any
	require.NoError(t, json.Unmarshal(data, &books))
	assert.Len(t, books, 2)

	// Nothing was written to the store.
	_, err = os.Stat(c.dbPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFetchSince_Stdout(t *testing.T) {
	c := newCLI(t)
	code, out, stderr := c.run("fetch-since", "2025-03-01")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, `"title": "Dune"`)
}

func TestFetchSince_BadDate(t *testing.T) {
	c := newCLI(t)
	code, _, stderr := c.run("fetch-since", "blorp")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "invalid datetime")
}

func TestParseMoment(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-01T08:00:00Z", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"2025-03-01T08:00:00+02:00", time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)},
		{"2025-03-01T08:00:00", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)},
		{"2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseMoment(tt.in, now)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}

	got, err := parseMoment("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -1).YearDay(), got.YearDay())

	_, err = parseMoment("", now)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitLockTimeout, exitCode(fmt.Errorf("wrapped: %w", &lock.TimeoutError{})))
	assert.Equal(t, exitFailure, exitCode(lock.ErrStaleCleanup))
}
