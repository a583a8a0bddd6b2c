package graph

import (
	"time"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/pkg/journal"
)

const (
	// DefaultTimeout bounds waiting for the database file lock
	DefaultTimeout = time.Second

	// JournalSuffix is appended to Path when JournalPath is empty
	JournalSuffix = ".journal"
)

// Config configures a graph opened with Open
type Config struct {
	// Path is the bbolt database file
	Path string

	// JournalPath is the base path of the change journal segments
	JournalPath string

	// Timeout bounds waiting for a file lock held by another process
	Timeout time.Duration

	// NoSync skips fsync on commits. Only for tests and bulk loads.
	NoSync bool

	// CheckpointInterval is how often the journal is checkpointed.
	// Zero uses journal.DefaultCheckpointInterval, negative disables it.
	CheckpointInterval time.Duration

	// MaxJournalFiles is the number of journal segments kept by checkpoints
	MaxJournalFiles int

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.JournalPath == "" && c.Path != "" {
		c.JournalPath = c.Path + JournalSuffix
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = journal.DefaultCheckpointInterval
	}
	if c.MaxJournalFiles <= 0 {
		c.MaxJournalFiles = journal.DefaultMaxFiles
	}
	c.Logger = logger.OrNop(c.Logger)
	return c
}
