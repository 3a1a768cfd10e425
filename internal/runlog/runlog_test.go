package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRecordWritesOneLinePerEdition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "runs.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	l.Record(Entry{RunID: "r1", EditionID: 4, Outcome: "success", State: "complete", PagesWritten: 3})
	l.Record(Entry{RunID: "r1", EditionID: 5, Outcome: "partial", State: "partial", PagesWritten: 4,
		PagesFailed: 1, Outstanding: []int{3}, Diagnostic: "gs: exit status 1"})
	l.RunComplete("r1", true, 2, 1500*time.Millisecond)

	lines := readLines(t, path)
	require.Len(t, lines, 3)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, float64(4), lines[0]["edition_id"])
	assert.Equal(t, "success", lines[0]["outcome"])
	assert.NotEmpty(t, lines[0]["time"])
	assert.NotContains(t, lines[0], "outstanding")

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, []any{float64(3)}, lines[1]["outstanding"])
	assert.Equal(t, "gs: exit status 1", lines[1]["diagnostic"])

	assert.Equal(t, "run complete", lines[2]["message"])
	assert.Equal(t, true, lines[2]["success"])
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.log")
	l, err := Open(path)
	require.NoError(t, err)
	l.Record(Entry{RunID: "a", EditionID: 1, Outcome: "success"})
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	l.Record(Entry{RunID: "b", EditionID: 1, Outcome: "failure"})
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "error", lines[1]["level"])
}

func TestPruneDropsOldLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.log")
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -45).Format(time.RFC3339)
	recent := now.AddDate(0, 0, -2).Format(time.RFC3339)

	content := `{"level":"info","time":"` + old + `","run_id":"old","message":"edition processed"}
{"level":"info","time":"` + recent + `","run_id":"recent","message":"edition processed"}
not json at all
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	removed, err := l.Prune(30*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	l.Record(Entry{RunID: "new", EditionID: 9, Outcome: "success"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"run_id":"old"`)
	assert.Contains(t, string(data), `"run_id":"recent"`)
	assert.Contains(t, string(data), "not json at all")
	assert.Contains(t, string(data), `"run_id":"new"`, "writes after a prune land in the pruned file")
}

func TestPruneByOneLogKeepsOthersWriting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.log")
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40).Format(time.RFC3339)
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"level":"info","time":"`+old+`","run_id":"old","message":"edition processed"}`+"\n"), 0o644))

	// A long-lived watch loop and a manual run share the log.
	watch, err := Open(path)
	require.NoError(t, err)
	defer watch.Close()
	manual, err := Open(path)
	require.NoError(t, err)
	defer manual.Close()

	removed, err := manual.Prune(30*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	watch.Record(Entry{RunID: "watch", EditionID: 1, Outcome: "success"})
	manual.Record(Entry{RunID: "manual", EditionID: 2, Outcome: "success"})
	watch.RunComplete("watch", true, 1, time.Second)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"run_id":"old"`)
	assert.Contains(t, string(data), `"run_id":"watch","edition_id":1`)
	assert.Contains(t, string(data), `"run_id":"manual"`)
	assert.Contains(t, string(data), "run complete")
	assert.Len(t, readLines(t, path), 3)
}

func TestPruneMissingFile(t *testing.T) {
	removed, err := pruneFile(filepath.Join(t.TempDir(), "absent.log"), time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSetLevelFiltersLines(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })
	require.NoError(t, SetLevel("WARN"))

	path := filepath.Join(t.TempDir(), "runs.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	l.Record(Entry{RunID: "r1", EditionID: 1, Outcome: "success", State: "complete"})
	l.Record(Entry{RunID: "r1", EditionID: 2, Outcome: "failure", State: "failed", Diagnostic: "unreadable"})

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])

	assert.Error(t, SetLevel("loud"))
}
