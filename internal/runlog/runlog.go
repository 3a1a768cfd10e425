// Package runlog writes the append-only run log: one JSON line per edition
// per scheduler pass, pruned by age.
//
// Several processes may share one log, for example a watch loop next to a
// manual run. Appends and prunes serialize on an advisory lock held on a
// sibling ".lock" file, and a writer whose file was replaced by another
// process's prune reopens the path before its next line.
package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// Entry is the logged outcome of one edition in one run.
type Entry struct {
	RunID        string
	EditionID    int64
	Outcome      string
	State        string
	PagesWritten int
	PagesFailed  int
	Outstanding  []int
	Diagnostic   string
}

// Log appends structured lines to a file.
type Log struct {
	path   string
	mu     sync.Mutex
	flock  *flock.Flock
	file   *os.File
	logger zerolog.Logger
}

// SetLevel sets the minimum level written to every run log, e.g. "info" or
// "WARN". Per-edition lines are info, warn (partial) or error (failure).
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Open opens (creating if needed) the run log at path for appending.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	l := &Log{path: path, flock: flock.New(path + ".lock")}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	l.file = f
	l.logger = zerolog.New(f).With().Timestamp().Logger()
	return nil
}

// Path returns the log file location.
func (l *Log) Path() string {
	return l.path
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flock.Close()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// lockForWrite takes the cross-process lock and makes sure l.file is the
// file currently at l.path. The returned func releases the lock. Callers
// hold l.mu.
func (l *Log) lockForWrite() func() {
	if err := l.flock.Lock(); err != nil {
		log.Printf("runlog: locking %s: %v", l.path, err)
		return func() {}
	}
	if err := l.reopenIfReplaced(); err != nil {
		log.Printf("runlog: %v", err)
	}
	return func() {
		if err := l.flock.Unlock(); err != nil {
			log.Printf("runlog: unlocking %s: %v", l.path, err)
		}
	}
}

func (l *Log) reopenIfReplaced() error {
	if l.file == nil {
		return nil
	}
	current, err := os.Stat(l.path)
	if err == nil {
		held, err := l.file.Stat()
		if err == nil && os.SameFile(current, held) {
			return nil
		}
	}
	l.file.Close()
	l.file = nil
	return l.open()
}

// Record appends one edition outcome.
func (l *Log) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.lockForWrite()()

	var ev *zerolog.Event
	switch e.Outcome {
	case "failure", "aborted":
		ev = l.logger.Error()
	case "partial":
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}
	ev = ev.Str("run_id", e.RunID).
		Int64("edition_id", e.EditionID).
		Str("outcome", e.Outcome).
		Str("state", e.State).
		Int("pages_written", e.PagesWritten).
		Int("pages_failed", e.PagesFailed)
	if len(e.Outstanding) > 0 {
		ev = ev.Ints("outstanding", e.Outstanding)
	}
	if e.Diagnostic != "" {
		ev = ev.Str("diagnostic", e.Diagnostic)
	}
	ev.Msg("edition processed")
}

// RunComplete appends the closing line of a run.
func (l *Log) RunComplete(runID string, success bool, editions int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.lockForWrite()()

	ev := l.logger.Info()
	if !success {
		ev = l.logger.Error()
	}
	ev.Str("run_id", runID).
		Bool("success", success).
		Int("editions", editions).
		Dur("elapsed", elapsed).
		Msg("run complete")
}

// Prune drops lines older than retention. The file is rewritten through a
// temporary file and renamed over the original while the cross-process lock
// is held. Lines without a readable timestamp are kept.
func (l *Log) Prune(retention time.Duration, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flock.Lock(); err != nil {
		return 0, fmt.Errorf("locking run log: %w", err)
	}
	defer l.flock.Unlock()

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return 0, err
		}
		l.file = nil
	}
	removed, pruneErr := pruneFile(l.path, now.Add(-retention))
	if err := l.open(); err != nil {
		return removed, err
	}
	return removed, pruneErr
}

func pruneFile(path string, cutoff time.Time) (int, error) {
	in, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".runs-*.log")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	var removed int
	w := bufio.NewWriter(tmp)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if ts, ok := lineTime(line); ok && ts.Before(cutoff) {
			removed++
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, os.Rename(tmp.Name(), path)
}

func lineTime(line []byte) (time.Time, bool) {
	var rec struct {
		Time string `json:"time"`
	}
	if err := json.Unmarshal(line, &rec); err != nil || rec.Time == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(zerolog.TimeFieldFormat, rec.Time)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
