package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/pkg/changes"
)

const (
	// DefaultMaxFileSize is the size at which a new segment is started (64MB)
	DefaultMaxFileSize = 64 << 20

	// DefaultMaxFiles is the number of segments kept by checkpoints
	DefaultMaxFiles = 8
)

// Options configures a journal
type Options struct {
	MaxFileSize int64
	MaxFiles    int

	// NoSync skips fsync when sealing commits
	NoSync bool

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxFiles
	}
	return o
}

// Journal is an append-only, segmented log of committed change events
type Journal struct {
	// path is the base path for segment files (e.g., "/data/graph.journal")
	path string
	opts Options
	log  *logger.Logger

	// mu protects everything below
	mu sync.Mutex

	fd        *os.File
	fileSize  int64
	fileIndex int

	lsn    uint64 // last written LSN
	commit uint64 // last allocated commit id
	sealed uint64 // last sealed commit id

	// open is the appended commit awaiting Seal or Abort, 0 if none.
	// idle is signalled when it clears so checkpoints never split a batch.
	open uint64
	idle *sync.Cond

	closed bool
}

// Open opens or creates the journal at path. Existing segments are scanned to
// continue numbering; writing always starts in a fresh segment so a torn
// tail left by a crash never precedes new entries.
func Open(path string, opts Options) (*Journal, error) {
	j := &Journal{
		path: path,
		opts: opts.withDefaults(),
		log:  logger.OrNop(opts.Logger).StoreLogger("journal"),
	}
	j.idle = sync.NewCond(&j.mu)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	files, err := segmentFiles(path)
	if err != nil {
		return nil, err
	}

	if len(files) > 0 {
		if err := j.scan(files); err != nil {
			return nil, err
		}
		j.fileIndex = segmentIndex(path, files[len(files)-1]) + 1
	}

	if err := j.openSegment(); err != nil {
		return nil, err
	}

	j.log.Debug("journal opened").
		Str("path", path).
		Int("segments", len(files)).
		Uint64("last_commit", j.sealed).
		Send()
	return j, nil
}

// scan restores counters from existing segments
func (j *Journal) scan(files []string) error {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return err
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		j.lsn = max(j.lsn, entry.LSN)
		j.commit = max(j.commit, entry.Commit)
		if entry.OpType == OpCommit {
			j.sealed = max(j.sealed, entry.Commit)
		}
	}
}

func (j *Journal) openSegment() error {
	fd, err := os.OpenFile(segmentPath(j.path, j.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return err
	}
	j.fd = fd
	j.fileSize = stat.Size()
	return nil
}

// Path returns the journal base path
func (j *Journal) Path() string { return j.path }

// LastSealed returns the newest sealed commit id
func (j *Journal) LastSealed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sealed
}

// Append writes a commit's events as an unsealed batch and returns the
// commit id. The batch is ignored by replay until Seal is called; the caller
// must end it with Seal or Abort. Appending again abandons a batch still open.
func (j *Journal) Append(events []changes.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrLogClosed
	}

	// Batches never span a rotation, so truncation removes whole batches
	if j.fileSize >= j.opts.MaxFileSize {
		if err := j.rotateNoLock(); err != nil {
			return 0, err
		}
	}

	j.commit++
	commit := j.commit
	now := time.Now()

	for _, ev := range events {
		entry := Entry{
			LSN:       j.nextLSN(),
			Commit:    commit,
			OpType:    OpEvent,
			Key:       []byte(ev.Entity.ID),
			Value:     changes.Marshal(ev),
			Timestamp: now,
		}
		if err := j.writeNoLock(entry); err != nil {
			return 0, err
		}
	}

	j.open = commit
	return commit, nil
}

// Seal marks commit as durable in the record store and syncs the segment
func (j *Journal) Seal(commit uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	defer j.release(commit)

	if j.closed {
		return ErrLogClosed
	}

	entry := Entry{
		LSN:       j.nextLSN(),
		Commit:    commit,
		OpType:    OpCommit,
		Timestamp: time.Now(),
	}
	if err := j.writeNoLock(entry); err != nil {
		return err
	}

	if !j.opts.NoSync {
		if err := j.fd.Sync(); err != nil {
			return err
		}
	}

	j.sealed = max(j.sealed, commit)
	return nil
}

// Abort ends an appended batch whose record store commit failed. The batch
// stays in the segment unsealed, so replay skips it.
func (j *Journal) Abort(commit uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.release(commit)
}

// release clears the open batch if it is commit. Callers hold j.mu.
func (j *Journal) release(commit uint64) {
	if j.open == commit {
		j.open = 0
		j.idle.Broadcast()
	}
}

// waitIdleNoLock blocks until no batch is open or the journal closes
func (j *Journal) waitIdleNoLock() {
	for j.open != 0 && !j.closed {
		j.idle.Wait()
	}
}

// Fsync ensures all written data is persisted to disk
func (j *Journal) Fsync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrLogClosed
	}

	return j.fd.Sync()
}

// Close closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	j.closed = true
	j.idle.Broadcast()
	if err := j.fd.Sync(); err != nil {
		j.fd.Close()
		return err
	}
	return j.fd.Close()
}

// Files returns the segment files, oldest first
func (j *Journal) Files() ([]string, error) {
	return segmentFiles(j.path)
}

func (j *Journal) nextLSN() uint64 {
	j.lsn++
	return j.lsn
}

// writeNoLock appends one entry (caller must hold mu)
func (j *Journal) writeNoLock(entry Entry) error {
	data := entry.Encode()

	n, err := j.fd.Write(data)
	j.fileSize += int64(n)
	if err != nil {
		return fmt.Errorf("journal write: %w", err)
	}

	j.opts.Metrics.RecordJournalAppend(n)
	return nil
}

// rotateNoLock starts a new segment (caller must hold mu)
func (j *Journal) rotateNoLock() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if err := j.fd.Close(); err != nil {
		return err
	}

	j.fileIndex++
	if err := j.openSegment(); err != nil {
		return err
	}

	j.log.Debug("journal segment rotated").Int("segment", j.fileIndex).Send()
	return nil
}

// removeOldSegmentsNoLock keeps the newest MaxFiles segments (caller must hold mu)
func (j *Journal) removeOldSegmentsNoLock() (int, error) {
	files, err := segmentFiles(j.path)
	if err != nil {
		return 0, err
	}
	if len(files) <= j.opts.MaxFiles {
		return 0, nil
	}

	removed := 0
	for _, f := range files[:len(files)-j.opts.MaxFiles] {
		if err := os.Remove(f); err != nil {
			j.log.Warn("failed to remove journal segment").Str("file", f).Err(err).Send()
			continue
		}
		removed++
	}
	return removed, nil
}

// segmentPath returns the path for a segment with the given index
func segmentPath(base string, index int) string {
	return fmt.Sprintf("%s.%06d", base, index)
}

// segmentIndex parses the index of a segment file; -1 if it is not one
func segmentIndex(base, file string) int {
	var index int
	if _, err := fmt.Sscanf(filepath.Base(file), filepath.Base(base)+".%d", &index); err != nil {
		return -1
	}
	return index
}

// segmentFiles returns all segment files for base sorted by index
func segmentFiles(base string) ([]string, error) {
	dir := filepath.Dir(base)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if segmentIndex(base, path) >= 0 {
			files = append(files, path)
		}
	}

	sort.Slice(files, func(i, k int) bool {
		return segmentIndex(base, files[i]) < segmentIndex(base, files[k])
	})
	return files, nil
}
