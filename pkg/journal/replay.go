package journal

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nainya/graphstore/pkg/changes"
)

// Batch is the set of events produced by one sealed commit
type Batch struct {
	Commit    uint64
	Events    []changes.Event
	Timestamp time.Time
}

// ReplayStats summarizes a replay pass
type ReplayStats struct {
	TotalEntries    int
	SealedCommits   int
	UnsealedCommits int
	ReplayedEvents  int
	LastCheckpoint  uint64
	TornSegments    int
}

// pendingBatch groups journal entries belonging to one commit
type pendingBatch struct {
	commit    uint64
	entries   []*Entry
	sealed    bool
	timestamp time.Time
}

// Replay reads the journal at path and calls fn for every sealed commit with
// id >= from, oldest first. Unsealed batches are never delivered: their record
// store commit did not succeed.
func Replay(path string, from uint64, fn func(Batch) error) (*ReplayStats, error) {
	files, err := segmentFiles(path)
	if err != nil {
		return nil, err
	}
	batches, stats, err := collect(files)
	if err != nil {
		return nil, err
	}
	return stats, deliver(batches, from, stats, fn)
}

// Replay replays the open journal. Entries are read under the journal lock and
// delivered after it is released, so fn may trigger new commits.
func (j *Journal) Replay(from uint64, fn func(Batch) error) (*ReplayStats, error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil, ErrLogClosed
	}
	files, err := segmentFiles(j.path)
	if err != nil {
		j.mu.Unlock()
		return nil, err
	}
	batches, stats, err := collect(files)
	j.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return stats, deliver(batches, from, stats, fn)
}

// collect groups all readable entries by commit, preserving commit order
func collect(files []string) ([]*pendingBatch, *ReplayStats, error) {
	stats := &ReplayStats{}
	if len(files) == 0 {
		return nil, stats, nil
	}

	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	byCommit := make(map[uint64]*pendingBatch)
	var order []*pendingBatch

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read journal: %w", err)
		}
		stats.TotalEntries++

		if entry.OpType == OpCheckpoint {
			stats.LastCheckpoint = max(stats.LastCheckpoint, entry.Commit)
			continue
		}

		b, ok := byCommit[entry.Commit]
		if !ok {
			b = &pendingBatch{commit: entry.Commit, timestamp: entry.Timestamp}
			byCommit[entry.Commit] = b
			order = append(order, b)
		}
		if entry.OpType == OpCommit {
			b.sealed = true
			b.timestamp = entry.Timestamp
			continue
		}
		b.entries = append(b.entries, entry)
	}
	stats.TornSegments = reader.TornSegments

	for _, b := range order {
		if b.sealed {
			stats.SealedCommits++
		} else {
			stats.UnsealedCommits++
		}
	}
	return order, stats, nil
}

func deliver(batches []*pendingBatch, from uint64, stats *ReplayStats, fn func(Batch) error) error {
	for _, b := range batches {
		if !b.sealed || b.commit < from {
			continue
		}

		batch := Batch{Commit: b.commit, Timestamp: b.timestamp}
		for _, entry := range b.entries {
			ev, err := changes.Unmarshal(entry.Value)
			if err != nil {
				return fmt.Errorf("decode event at LSN %d: %w", entry.LSN, err)
			}
			batch.Events = append(batch.Events, ev)
		}

		if err := fn(batch); err != nil {
			return fmt.Errorf("replay commit %d: %w", b.commit, err)
		}
		stats.ReplayedEvents += len(batch.Events)
	}
	return nil
}
