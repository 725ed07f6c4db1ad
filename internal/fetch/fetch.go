// Package fetch downloads single media segments with a bounded retry budget.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/agleyzer/hlsgrab/internal/segment"
)

// Options configures the segment fetcher.
type Options struct {
	// Attempts is the total number of GET attempts per segment.
	// Default: 3
	Attempts int

	// Timeout bounds a single attempt, including reading the body.
	// Default: 10s
	Timeout time.Duration

	// Backoff is the wait between two attempts.
	// Default: 1s
	Backoff time.Duration

	// Jitter spreads each wait uniformly over 0.5x to 1.5x of Backoff.
	Jitter bool

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultOptions returns the stock retry policy: three attempts, ten second
// attempt timeout, one second between attempts.
func DefaultOptions() Options {
	return Options{
		Attempts: 3,
		Timeout:  10 * time.Second,
		Backoff:  time.Second,
	}
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// Error is the terminal failure of a segment after its retry budget ran out,
// or after the job was cancelled between attempts.
type Error struct {
	Address  segment.Address
	Attempts int
	Err      error // last attempt's error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: giving up after %d attempt(s): %v", e.Address, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the terminal outcome of one segment: Data on success, Err otherwise.
type Result struct {
	Address  segment.Address
	Data     []byte
	Err      error
	Attempts int
}

// OK reports whether the segment was downloaded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Fetcher performs bounded-retry GETs. It is safe for concurrent use.
type Fetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger

	// wait blocks between attempts; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// New creates a fetcher. A nil client uses http.DefaultClient. Attempts and
// Timeout fall back to DefaultOptions when not positive, Backoff only when
// negative: a zero Backoff retries immediately.
func New(client *http.Client, opts Options, logger *slog.Logger) *Fetcher {
	def := DefaultOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Backoff < 0 {
		opts.Backoff = def.Backoff
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Fetcher{
		client: client,
		opts:   opts,
		logger: logger,
		wait:   sleep,
	}
}

// Options returns the effective options.
func (f *Fetcher) Options() Options {
	return f.opts
}

// Fetch downloads addr. Transient failures are retried in place and never
// escape; the caller sees either the payload or a *Error carrying the last
// attempt's error. Cancelling ctx stops further attempts.
func (f *Fetcher) Fetch(ctx context.Context, addr segment.Address) Result {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := f.wait(ctx, f.backoff()); err != nil {
				lastErr = err
				break
			}
		}

		attempts = attempt
		data, err := f.get(ctx, addr)
		if err == nil {
			if attempt > 1 {
				f.logger.Debug("segment recovered", "url", addr, "attempt", attempt)
			}
			return Result{Address: addr, Data: data, Attempts: attempt}
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}

		f.logger.Warn("segment attempt failed",
			"url", addr,
			"attempt", attempt,
			"of", f.opts.Attempts,
			"error", err,
		)
	}

	return Result{
		Address:  addr,
		Attempts: attempts,
		Err: &Error{
			Address:  addr,
			Attempts: attempts,
			Err:      lastErr,
		},
	}
}

// get performs one attempt under the per-attempt timeout.
func (f *Fetcher) get(ctx context.Context, addr segment.Address) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func (f *Fetcher) backoff() time.Duration {
	d := f.opts.Backoff
	if f.opts.Jitter && d > 0 {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsStatus reports whether err carries an HTTP status error with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
