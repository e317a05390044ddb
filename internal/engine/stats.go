package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bucket names, also used as metric labels.
const (
	BucketCreateDatastore = "create_datastore"
	BucketCreateSource    = "create_source"
	BucketUpdateDatastore = "update_datastore"
	BucketUpdateSource    = "update_source"
	BucketDeletion        = "deletion"
)

// BucketStats counts item outcomes within one bucket.
type BucketStats struct {
	Planned int
	Applied int
	Failed  int
	Skipped int
}

// Stats is the per-run summary. Safe for concurrent item updates.
type Stats struct {
	mu sync.Mutex

	// RunID correlates the summary with the per-item log lines of one run.
	RunID     string
	Module    string
	DryRun    bool
	StartedAt time.Time
	Duration  time.Duration

	CreateDatastore BucketStats
	CreateSource    BucketStats
	UpdateDatastore BucketStats
	UpdateSource    BucketStats

	NoSync         int
	MarkedDeleted  int
	OrphansDeleted int
	Suppressed     int
	Duplicates     int
}

func newStats(module string, dryRun bool) *Stats {
	return &Stats{RunID: uuid.NewString(), Module: module, DryRun: dryRun, StartedAt: time.Now()}
}

func (s *Stats) bucket(name string) *BucketStats {
	switch name {
	case BucketCreateDatastore:
		return &s.CreateDatastore
	case BucketCreateSource:
		return &s.CreateSource
	case BucketUpdateDatastore:
		return &s.UpdateDatastore
	case BucketUpdateSource:
		return &s.UpdateSource
	}
	return &BucketStats{}
}

func (s *Stats) planned(bucket string, n int) {
	s.mu.Lock()
	s.bucket(bucket).Planned += n
	s.mu.Unlock()
}

func (s *Stats) applied(bucket string) {
	s.mu.Lock()
	s.bucket(bucket).Applied++
	s.mu.Unlock()
}

func (s *Stats) failed(bucket string) {
	s.mu.Lock()
	s.bucket(bucket).Failed++
	s.mu.Unlock()
}

func (s *Stats) skipped(bucket string) {
	s.mu.Lock()
	s.bucket(bucket).Skipped++
	s.mu.Unlock()
}

// Failures sums failed items over all buckets.
func (s *Stats) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CreateDatastore.Failed + s.CreateSource.Failed +
		s.UpdateDatastore.Failed + s.UpdateSource.Failed
}

// Summary renders the end-of-run block: planned/applied/failed per bucket.
func (s *Stats) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	mode := ""
	if s.DryRun {
		mode = " (dry-run)"
	}
	fmt.Fprintf(&b, "sync summary for %s%s (%.1fs)\n", s.Module, mode, s.Duration.Seconds())
	row := func(name string, bs BucketStats) {
		fmt.Fprintf(&b, "  %-18s planned=%-4d applied=%-4d failed=%-4d skipped=%d\n",
			name, bs.Planned, bs.Applied, bs.Failed, bs.Skipped)
	}
	row("new in datastore", s.CreateDatastore)
	row("new in source", s.CreateSource)
	row("source newer", s.UpdateDatastore)
	row("datastore newer", s.UpdateSource)
	fmt.Fprintf(&b, "  no-sync=%d marked-deleted=%d orphans-deleted=%d suppressed=%d",
		s.NoSync, s.MarkedDeleted, s.OrphansDeleted, s.Suppressed)
	if s.Duplicates > 0 {
		fmt.Fprintf(&b, " duplicate-source-ids=%d", s.Duplicates)
	}
	return b.String()
}
