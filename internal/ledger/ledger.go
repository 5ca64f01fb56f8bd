package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/sonde-alert-service/internal/observability"
)

// ErrInvalidID is returned by Record for identifiers that cannot be stored as one line.
var ErrInvalidID = errors.New("ledger id must be non-empty and contain no line breaks")

// LedgerIOError reports a failure reading or writing the backing file.
// Reads fail open (the id is treated as not yet notified); writes must be surfaced.
type LedgerIOError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

func (e *LedgerIOError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LedgerIOError) Unwrap() error { return e.Err }

// FileLedger is the durable set of sonde ids that have been notified. The backing
// file holds one id per line, append-only; a trailing line without a newline is
// an interrupted write and is never read as an id.
type FileLedger struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger

	loaded  bool
	set     map[string]struct{}
	order   []string
	pending []string // recorded in memory, not yet on disk
	// dirtyTail is set after a failed write that may have left a partial line.
	dirtyTail bool
}

// New returns a ledger backed by path. The file is read on first use; a missing
// file is an empty ledger.
func New(path string, logger *zap.Logger) *FileLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileLedger{
		path:   path,
		logger: logger,
		set:    make(map[string]struct{}),
	}
}

// Path returns the backing file path.
func (l *FileLedger) Path() string { return l.path }

// Contains reports whether id was recorded. If the file cannot be read it returns
// false with a *LedgerIOError, unless id was recorded by this process.
func (l *FileLedger) Contains(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.ensureLoaded()
	if _, ok := l.set[id]; ok {
		return true, nil
	}
	return false, err
}

// Record appends id to the ledger and syncs the file. On failure id is still
// remembered in memory and retried on the next Record or Flush, and a
// *LedgerIOError is returned.
func (l *FileLedger) Record(id string) error {
	if id == "" || strings.ContainsAny(id, "\r\n") {
		return ErrInvalidID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// A failed load must not block the append; the set is rebuilt on the next read.
	_ = l.ensureLoaded()

	if _, ok := l.set[id]; ok && !l.isPending(id) {
		return nil
	}
	if !l.isPending(id) {
		l.pending = append(l.pending, id)
	}
	l.remember(id)
	return l.flushPending()
}

// Flush retries ids whose earlier write failed.
func (l *FileLedger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	return l.flushPending()
}

// Pending returns the number of ids recorded in memory but not yet on disk.
func (l *FileLedger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// IDs returns the recorded ids in append order.
func (l *FileLedger) IDs() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.ensureLoaded()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out, err
}

func (l *FileLedger) isPending(id string) bool {
	for _, p := range l.pending {
		if p == id {
			return true
		}
	}
	return false
}

func (l *FileLedger) remember(id string) {
	if _, ok := l.set[id]; ok {
		return
	}
	l.set[id] = struct{}{}
	l.order = append(l.order, id)
	observability.LedgerEntries.Set(float64(len(l.set)))
}

func (l *FileLedger) ensureLoaded() error {
	if l.loaded {
		return nil
	}
	ids, validLen, size, err := scan(l.path)
	if err != nil {
		observability.LedgerReadErrorsTotal.Inc()
		return &LedgerIOError{Op: "read", Path: l.path, Err: err}
	}
	if validLen < size {
		if err := os.Truncate(l.path, validLen); err != nil {
			l.dirtyTail = true
			l.logger.Warn("ledger partial tail not truncated", zap.String("path", l.path), zap.Error(err))
		} else {
			l.logger.Warn("ledger partial tail truncated",
				zap.String("path", l.path),
				zap.Int64("validBytes", validLen),
				zap.Int64("droppedBytes", size-validLen),
			)
		}
	}
	for _, id := range ids {
		l.remember(id)
	}
	l.loaded = true
	observability.LedgerEntries.Set(float64(len(l.set)))
	return nil
}

func (l *FileLedger) flushPending() error {
	if err := l.appendLines(l.pending); err != nil {
		observability.LedgerWriteErrorsTotal.Inc()
		return &LedgerIOError{Op: "write", Path: l.path, Err: err}
	}
	l.pending = l.pending[:0]
	return nil
}

func (l *FileLedger) appendLines(ids []string) error {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if l.dirtyTail {
		if err := repairTail(f, l.path); err != nil {
			return err
		}
		l.dirtyTail = false
	}

	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		l.dirtyTail = true
		return err
	}
	if err := f.Sync(); err != nil {
		l.dirtyTail = true
		return err
	}
	return nil
}

// repairTail truncates f to its last complete line.
func repairTail(f *os.File, path string) error {
	_, validLen, size, err := scan(path)
	if err != nil {
		return err
	}
	if validLen < size {
		return f.Truncate(validLen)
	}
	return nil
}

// scan reads the ledger file and returns the ids of every complete line, the byte
// length covered by complete lines, and the file size. Blank lines are ignored.
// A missing file yields no ids and no error.
func scan(path string) (ids []string, validLen, size int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, err
	}
	size = int64(len(data))
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		return nil, 0, size, nil
	}
	validLen = int64(last + 1)

	for _, line := range bytes.Split(data[:last], []byte{'\n'}) {
		id := strings.TrimSpace(string(bytes.TrimSuffix(line, []byte{'\r'})))
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, validLen, size, nil
}
