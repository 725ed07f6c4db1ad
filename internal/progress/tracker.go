// Package progress tracks terminal segment results, drives a console progress
// line and remembers the first fatal condition of a job.
package progress

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agleyzer/hlsgrab/internal/fetch"
)

// ErrFailureThreshold is the fatal condition raised when more segments failed
// than the configured tolerance allows.
var ErrFailureThreshold = errors.New("progress: segment failure tolerance exceeded")

// Options configures a tracker.
type Options struct {
	// Total is the number of segments expected.
	Total int

	// FailureTolerance is how many failed segments are accepted before the job
	// is aborted. Zero aborts on the first failure; negative never aborts early.
	FailureTolerance int

	// Abort is called once with the first fatal condition. Usually the cancel
	// function of the job context.
	Abort func(cause error)

	// Output is where the progress line goes. Nil disables the display.
	Output io.Writer

	// UpdateInterval is how often the display is refreshed.
	// Default: 500ms
	UpdateInterval time.Duration

	// Label prefixes each line.
	// Default: "[hlsgrab]"
	Label string
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Total     int           `json:"total"`
	Completed int64         `json:"completed"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Bytes     int64         `json:"bytes"`
	Elapsed   time.Duration `json:"elapsed"`
	Fatal     string        `json:"fatal,omitempty"`
}

// Tracker is safe for concurrent use by pool workers.
type Tracker struct {
	opts Options

	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64

	fatalOnce sync.Once
	fatal     atomic.Pointer[error]

	mu        sync.Mutex
	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	if opts.Label == "" {
		opts.Label = "[hlsgrab]"
	}

	return &Tracker{
		opts:      opts,
		startTime: time.Now(),
	}
}

// Observe records one terminal result. It is meant to be the pool's OnResult hook.
func (t *Tracker) Observe(res fetch.Result) {
	t.completed.Add(1)

	if res.OK() {
		t.succeeded.Add(1)
		t.bytes.Add(int64(len(res.Data)))
		return
	}

	failed := t.failed.Add(1)
	if t.opts.FailureTolerance >= 0 && failed > int64(t.opts.FailureTolerance) {
		t.Fail(fmt.Errorf("%w: %d failed (tolerance %d), last: %v",
			ErrFailureThreshold, failed, t.opts.FailureTolerance, res.Err))
	}
}

// Fail records err as the job's fatal condition unless one was recorded
// already, and triggers Abort. Only the first call has any effect.
func (t *Tracker) Fail(err error) {
	if err == nil {
		return
	}

	t.fatalOnce.Do(func() {
		t.fatal.Store(&err)
		if t.opts.Abort != nil {
			t.opts.Abort(err)
		}
	})
}

// Err returns the first fatal condition, or nil.
func (t *Tracker) Err() error {
	if p := t.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Count returns the number of terminal results so far. It never decreases.
func (t *Tracker) Count() int64 {
	return t.completed.Load()
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	start := t.startTime
	t.mu.Unlock()

	s := Snapshot{
		Total:     t.opts.Total,
		Completed: t.completed.Load(),
		Succeeded: t.succeeded.Load(),
		Failed:    t.failed.Load(),
		Bytes:     t.bytes.Load(),
		Elapsed:   time.Since(start),
	}
	if err := t.Err(); err != nil {
		s.Fatal = err.Error()
	}
	return s
}

// Start begins refreshing the progress line. It is a no-op without Output.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	if t.opts.Output == nil || t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go t.updateLoop(t.stopCh, t.doneCh)
}

// Stop stops the display and prints a final line. Safe to call more than once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stopCh, doneCh := t.stopCh, t.doneCh
	t.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (t *Tracker) updateLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(t.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			t.printLine(true)
			return
		case <-ticker.C:
			t.printLine(false)
		}
	}
}

func (t *Tracker) printLine(final bool) {
	s := t.Snapshot()

	var percent float64
	if s.Total > 0 {
		percent = float64(s.Completed) / float64(s.Total) * 100
	}

	speed := 0.0
	if secs := s.Elapsed.Seconds(); secs > 0 {
		speed = float64(s.Bytes) / secs
	}

	end := "    "
	if final {
		end = "\n"
	}

	fmt.Fprintf(t.opts.Output, "\r%s Segments: %d/%d (%.1f%%) | %s | %s/s | failed: %d%s",
		t.opts.Label,
		s.Completed,
		s.Total,
		percent,
		FormatBytes(s.Bytes),
		FormatBytes(int64(speed)),
		s.Failed,
		end,
	)
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
