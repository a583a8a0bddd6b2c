package journal

import (
	"fmt"
	"time"

	"github.com/nainya/graphstore/internal/logger"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpointer periodically marks the journal and drops old segments
type Checkpointer struct {
	journal  *Journal
	interval time.Duration
	log      *logger.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer; interval <= 0 uses the default
func NewCheckpointer(j *Journal, interval time.Duration, log *logger.Logger) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpointer{
		journal:  j,
		interval: interval,
		log:      logger.OrNop(log).StoreLogger("checkpoint"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the background checkpointing process
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the checkpointer and waits for it to exit
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				c.log.Error("checkpoint failed").Err(err).Send()
			}

		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint writes a checkpoint marker, starts a new segment and removes
// segments beyond the retention limit. It waits for an open batch to be
// sealed or aborted first, so a batch and its seal share a segment.
func (c *Checkpointer) Checkpoint() error {
	j := c.journal
	j.mu.Lock()
	defer j.mu.Unlock()

	j.waitIdleNoLock()

	if j.closed {
		return ErrLogClosed
	}

	entry := Entry{
		LSN:       j.nextLSN(),
		Commit:    j.sealed,
		OpType:    OpCheckpoint,
		Timestamp: time.Now(),
	}
	if err := j.writeNoLock(entry); err != nil {
		return fmt.Errorf("write checkpoint entry failed: %w", err)
	}

	if err := j.rotateNoLock(); err != nil {
		return fmt.Errorf("rotate failed: %w", err)
	}

	removed, err := j.removeOldSegmentsNoLock()
	if err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}

	c.log.Info("journal checkpoint").
		Uint64("commit", j.sealed).
		Int("removed_segments", removed).
		Send()
	return nil
}
