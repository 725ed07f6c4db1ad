// Package pool runs segment fetches on a fixed set of workers fed from a
// bounded queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agleyzer/hlsgrab/internal/fetch"
	"github.com/agleyzer/hlsgrab/internal/segment"
)

// Errors returned by Submit.
var (
	ErrDuplicateAddress = errors.New("pool: address already submitted")
	ErrNotStarted       = errors.New("pool: not started")
	ErrClosed           = errors.New("pool: closed")
)

// Fetcher downloads one segment and always returns a terminal result.
type Fetcher interface {
	Fetch(ctx context.Context, addr segment.Address) fetch.Result
}

// Status is the terminal state of a run.
type Status int

const (
	// StatusCompleted means every submitted address produced a terminal result.
	// Some of them may have failed; see Table.Failed.
	StatusCompleted Status = iota
	// StatusCancelled means the run was stopped before the queue drained.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Options configures a pool.
type Options struct {
	// Workers is the number of concurrent fetches.
	// Default: 10
	Workers int

	// QueueDepth bounds addresses queued but not yet picked up by a worker.
	// Default: 2 * Workers
	QueueDepth int

	// OnResult, if set, is called from worker goroutines after each terminal
	// result has been recorded. It must be safe for concurrent use.
	OnResult func(res fetch.Result)
}

// Outcome is what a run leaves behind.
type Outcome struct {
	Table     *Table
	Status    Status
	Submitted int

	// Cause is the cancellation cause when Status is StatusCancelled.
	Cause error
}

// Pool dispatches addresses to a fixed set of workers.
type Pool struct {
	fetcher Fetcher
	opts    Options
	table   *Table
	queue   chan segment.Address

	ctx context.Context
	wg  sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	submitted map[segment.Address]struct{}

	completed atomic.Int64
}

// New creates a pool. Workers are not started until Start.
func New(f Fetcher, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 2 * opts.Workers
	}

	return &Pool{
		fetcher:   f,
		opts:      opts,
		table:     NewTable(),
		queue:     make(chan segment.Address, opts.QueueDepth),
		submitted: make(map[segment.Address]struct{}),
	}
}

// Start spawns the workers. Cancelling ctx stops them: no new address is taken
// from the queue and in-flight requests are aborted.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.ctx = ctx

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues addr, blocking while the queue is full. It returns early
// with the context error if ctx or the pool's context is cancelled first.
// Each address may be submitted once.
func (p *Pool) Submit(ctx context.Context, addr segment.Address) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, dup := p.submitted[addr]; dup {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, addr)
	}
	p.submitted[addr] = struct{}{}
	p.mu.Unlock()

	var err error
	select {
	case p.queue <- addr:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-p.ctx.Done():
		err = p.ctx.Err()
	}

	p.mu.Lock()
	delete(p.submitted, addr)
	p.mu.Unlock()
	return err
}

// Close tells the workers no more addresses will be submitted.
// Submit must not be running concurrently with Close.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

// Wait blocks until the queue is drained and no worker is mid-fetch, or until
// the pool's context is cancelled and the workers have let go. Close must be
// called first or Wait only returns on cancellation.
func (p *Pool) Wait() *Outcome {
	p.wg.Wait()

	p.mu.Lock()
	started := p.started
	submitted := len(p.submitted)
	p.mu.Unlock()

	out := &Outcome{
		Table:     p.table,
		Status:    StatusCompleted,
		Submitted: submitted,
	}

	if started && p.ctx.Err() != nil {
		out.Status = StatusCancelled
		out.Cause = context.Cause(p.ctx)
	}

	return out
}

// Completed returns the number of terminal results recorded so far.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Table returns the result table. Reading it before Wait returns sees a
// partial snapshot.
func (p *Pool) Table() *Table {
	return p.table
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		// Prefer cancellation over queued work.
		if p.ctx.Err() != nil {
			return
		}

		select {
		case <-p.ctx.Done():
			return
		case addr, ok := <-p.queue:
			if !ok {
				return
			}
			if p.ctx.Err() != nil {
				return
			}
			p.record(p.fetcher.Fetch(p.ctx, addr))
		}
	}
}

func (p *Pool) record(res fetch.Result) {
	if res.OK() {
		p.table.Put(res.Address, res.Data)
	} else {
		if p.ctx.Err() != nil {
			// Abandoned by cancellation, not a real failure.
			return
		}
		p.table.Fail(res.Address, res.Err)
	}

	p.completed.Add(1)

	if p.opts.OnResult != nil {
		p.opts.OnResult(res)
	}
}

// Run starts a pool, submits every address in order, and waits for all of
// them to settle or for ctx to be cancelled. A duplicate address stops
// submission and is returned as an error once the already queued work drained.
func Run(ctx context.Context, f Fetcher, addrs []segment.Address, opts Options) (*Outcome, error) {
	p := New(f, opts)
	p.Start(ctx)

	var submitErr error
	for _, addr := range addrs {
		if err := p.Submit(ctx, addr); err != nil {
			// Cancellation is reported through Outcome.Status.
			if errors.Is(err, ErrDuplicateAddress) {
				submitErr = err
			}
			break
		}
	}

	p.Close()
	return p.Wait(), submitErr
}
