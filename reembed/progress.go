package reembed

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Progress is a point-in-time view of a copy operation.
type Progress struct {
	Done    int
	Total   int
	Elapsed time.Duration
}

// Percent returns completion in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Done) / float64(p.Total) * 100.0
}

// Rate returns sentences per second.
func (p Progress) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Done) / p.Elapsed.Seconds()
}

// ProgressTracker reports copy progress to a writer every reportInterval sentences.
// It is safe for concurrent use.
type ProgressTracker struct {
	writer         io.Writer
	total          int
	done           int
	reportInterval int
	lastReported   int
	startTime      time.Time
	started        bool
	mu             sync.Mutex
}

// NewProgressTracker creates a tracker for total sentences.
// A nil writer discards output.
func NewProgressTracker(writer io.Writer, total, reportInterval int) *ProgressTracker {
	if writer == nil {
		writer = io.Discard
	}
	if reportInterval < 1 {
		reportInterval = 1
	}
	return &ProgressTracker{
		writer:         writer,
		total:          total,
		reportInterval: reportInterval,
	}
}

// Start resets the counters and the clock.
func (p *ProgressTracker) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startTime = time.Now()
	p.started = true
	p.done = 0
	p.lastReported = 0
}

// Add records delta more sentences as copied.
func (p *ProgressTracker) Add(delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return
	}

	p.done = min(p.done+delta, p.total)
	if p.done-p.lastReported >= p.reportInterval {
		p.report()
		p.lastReported = p.done
	}
}

// Snapshot returns the current progress.
func (p *ProgressTracker) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// Finish prints the final line. Done is left as counted so a partial copy shows as partial.
func (p *ProgressTracker) Finish() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return Progress{Total: p.total}
	}

	p.report()
	fmt.Fprintln(p.writer)
	return p.snapshot()
}

func (p *ProgressTracker) snapshot() Progress {
	progress := Progress{Done: p.done, Total: p.total}
	if p.started {
		progress.Elapsed = time.Since(p.startTime)
	}
	return progress
}

// report must be called with the lock held.
func (p *ProgressTracker) report() {
	s := p.snapshot()
	fmt.Fprintf(p.writer, "\rCopied %d/%d sentences (%.1f%%) - %.1f sentences/s",
		s.Done, s.Total, s.Percent(), s.Rate())
}
