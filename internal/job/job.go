// Package job runs one download: manifest, concurrent segment fetch, ordered
// reassembly and remux.
package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/agleyzer/hlsgrab/internal/artifact"
	"github.com/agleyzer/hlsgrab/internal/config"
	"github.com/agleyzer/hlsgrab/internal/fetch"
	"github.com/agleyzer/hlsgrab/internal/parser"
	"github.com/agleyzer/hlsgrab/internal/playlist"
	"github.com/agleyzer/hlsgrab/internal/pool"
	"github.com/agleyzer/hlsgrab/internal/progress"
	"github.com/agleyzer/hlsgrab/internal/reassemble"
	"github.com/agleyzer/hlsgrab/internal/remux"
	"github.com/agleyzer/hlsgrab/internal/resolve"
	"github.com/agleyzer/hlsgrab/internal/segment"
	"github.com/agleyzer/hlsgrab/internal/server"
)

// Deps are the collaborators of a job. Zero fields get production defaults.
type Deps struct {
	// HTTPClient is used for playlists and segments.
	// Default: http.DefaultClient
	HTTPClient *http.Client

	// Remuxer produces the output container.
	// Default: remux.FFmpeg using cfg.FFmpeg
	Remuxer remux.Remuxer

	// Artifacts receives diagnostics. When nil and cfg.ArtifactBucket is set,
	// the bucket is opened for the duration of the job.
	Artifacts *artifact.Store

	Logger   *slog.Logger
	HCLogger hclog.Logger

	// Progress receives the console progress line. Nil disables it.
	Progress io.Writer

	// NewID generates job IDs.
	// Default: uuid.NewString
	NewID func() string
}

// Report summarizes a finished job.
type Report struct {
	JobID       string        `json:"job_id"`
	Source      string        `json:"source"`
	PlaylistURL string        `json:"playlist_url"`
	Strategy    string        `json:"strategy,omitempty"`
	Fallback    bool          `json:"fallback,omitempty"`
	Output      string        `json:"output"`
	Segments    int           `json:"segments"`
	Failed      int           `json:"failed"`
	Bytes       int64         `json:"bytes"`
	Duration    time.Duration `json:"duration"`
	TempFile    string        `json:"temp_file,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Run executes one job. Every failure is returned as an *Error; the report
// is returned alongside it with whatever was known at that point.
func Run(ctx context.Context, cfg config.Config, deps Deps) (*Report, error) {
	start := time.Now()

	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Remuxer == nil {
		deps.Remuxer = remux.FFmpeg{Path: cfg.FFmpeg, Logger: deps.Logger}
	}

	report := &Report{
		JobID:  deps.NewID(),
		Source: cfg.Source,
		Output: cfg.Output,
	}
	logger := deps.Logger.With("job", report.JobID)

	r := &runner{cfg: cfg, deps: deps, logger: logger, report: report}

	err := r.run(ctx)
	report.Duration = time.Since(start)
	if err != nil {
		report.Error = err.Error()
	}

	r.saveReport()
	r.closeArtifacts()

	return report, err
}

type runner struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	report *Report

	store      *artifact.Store
	ownedStore bool
}

func (r *runner) run(parent context.Context) error {
	if err := r.cfg.Validate(); err != nil {
		return fail(KindConfig, err)
	}

	keyFn, err := r.cfg.KeyFunc()
	if err != nil {
		return fail(KindConfig, err)
	}
	selector, err := r.cfg.Selector()
	if err != nil {
		return fail(KindConfig, err)
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	if err := r.openArtifacts(ctx); err != nil {
		return fail(KindIO, err)
	}

	// Manifest
	retryMax := r.cfg.Retry.Attempts - 1
	if retryMax == 0 {
		retryMax = -1
	}
	loader := parser.NewLoader(parser.Options{
		Selector:   selector,
		Timeout:    r.cfg.Retry.Timeout,
		RetryMax:   retryMax,
		UserAgent:  r.cfg.UserAgent,
		Logger:     r.deps.HCLogger,
		HTTPClient: r.deps.HTTPClient,
	}, r.logger)

	r.logger.Info("fetching manifest", "url", r.cfg.Source)
	manifest, err := loader.Load(ctx, r.cfg.Source)
	if err != nil {
		if ctx.Err() != nil {
			return fail(KindCancelled, context.Cause(ctx))
		}
		return fail(KindResolution, err)
	}

	r.report.PlaylistURL = manifest.PlaylistURL
	r.report.Strategy = manifest.Choice.Strategy
	r.report.Fallback = manifest.Choice.Fallback

	addrs, err := resolve.ResolveAll(manifest.PlaylistURL, manifest.Segments)
	if err != nil {
		return fail(KindResolution, err)
	}
	r.report.Segments = len(addrs)

	// Order is checked before any segment is downloaded.
	entries, err := reassemble.Order(addrs, keyFn)
	if err != nil {
		return fail(KindOrderKey, err)
	}

	r.logger.Info("resolved media playlist",
		"playlist", manifest.PlaylistURL,
		"segments", len(addrs),
		"targetDuration", manifest.TargetDuration,
	)

	r.saveManifest(ctx, manifest, addrs, entries)

	// Download
	tracker := progress.NewTracker(progress.Options{
		Total:            len(addrs),
		FailureTolerance: r.cfg.FailureTolerance,
		Abort:            cancel,
		Output:           r.deps.Progress,
	})

	if r.cfg.StatusPort > 0 {
		stop, err := r.startStatusServer(tracker)
		if err != nil {
			return fail(KindConfig, err)
		}
		defer stop()
	}

	fetcher := fetch.New(r.deps.HTTPClient, r.cfg.FetchOptions(), r.logger)

	r.logger.Info("downloading segments",
		"segments", len(addrs),
		"workers", r.cfg.Workers,
		"queueDepth", r.cfg.EffectiveQueueDepth(),
	)

	tracker.Start()
	outcome, err := pool.Run(ctx, fetcher, addrs, pool.Options{
		Workers:    r.cfg.Workers,
		QueueDepth: r.cfg.EffectiveQueueDepth(),
		OnResult:   tracker.Observe,
	})
	tracker.Stop()

	snap := tracker.Snapshot()
	r.report.Bytes = snap.Bytes
	r.report.Failed = int(snap.Failed)

	if err != nil {
		return fail(KindResolution, err)
	}

	if outcome.Status == pool.StatusCancelled {
		if fatal := tracker.Err(); fatal != nil {
			return fail(KindFetch, fatal)
		}
		return fail(KindCancelled, outcome.Cause)
	}

	r.logger.Info("download finished",
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"bytes", progress.FormatBytes(snap.Bytes),
	)

	// Reassemble
	tempPath, err := r.writeStream(outcome.Table, addrs, keyFn)
	if err != nil {
		return err
	}

	// Remux
	if err := r.deps.Remuxer.Remux(ctx, tempPath, r.cfg.Output); err != nil {
		r.report.TempFile = tempPath
		if ctx.Err() != nil {
			return &Error{Kind: KindCancelled, Err: err, TempFile: tempPath}
		}
		return &Error{Kind: KindRemux, Err: err, TempFile: tempPath}
	}

	if r.cfg.KeepTemp {
		r.report.TempFile = tempPath
	} else if err := os.Remove(tempPath); err != nil {
		r.logger.Warn("failed to remove raw stream", "path", tempPath, "error", err)
	}

	r.logger.Info("job finished", "output", r.cfg.Output)
	return nil
}

// startStatusServer binds the status port and serves until the returned stop
// function is called. stop returns once the port is released.
func (r *runner) startStatusServer(tracker *progress.Tracker) (func(), error) {
	srv := server.New(r.cfg.StatusPort, tracker, server.Info{
		JobID:  r.report.JobID,
		Source: r.cfg.Source,
		Output: r.cfg.Output,
	}, r.logger)

	ln, err := srv.Listen()
	if err != nil {
		return nil, err
	}

	// Detached from the job context; only stop ends it.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	return func() {
		cancel()
		if err := <-done; err != nil {
			r.logger.Warn("status server shutdown failed", "error", err)
		}
	}, nil
}

// writeStream reassembles the segments into the raw stream file and returns
// its path. Nothing is left behind when the stream cannot be produced.
func (r *runner) writeStream(table *pool.Table, addrs []segment.Address, keyFn resolve.KeyFunc) (string, error) {
	dir := r.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	tempPath := filepath.Join(dir, "hlsgrab-"+r.report.JobID+".ts")

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fail(KindIO, fmt.Errorf("create raw stream: %w", err))
	}

	w := bufio.NewWriterSize(f, 1<<20)
	n, err := reassemble.Reassemble(table, addrs, keyFn, w)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tempPath)

		switch {
		case errors.Is(err, reassemble.ErrMissingSegment):
			return "", fail(KindFetch, err)
		case errors.Is(err, reassemble.ErrAmbiguousOrder), errors.Is(err, resolve.ErrUnparsableOrderingKey):
			return "", fail(KindOrderKey, err)
		default:
			return "", fail(KindIO, fmt.Errorf("write raw stream: %w", err))
		}
	}

	r.logger.Debug("raw stream written", "path", tempPath, "bytes", n)
	return tempPath, nil
}

func (r *runner) openArtifacts(ctx context.Context) error {
	if r.deps.Artifacts != nil {
		r.store = r.deps.Artifacts
		return nil
	}
	if r.cfg.ArtifactBucket == "" {
		return nil
	}

	store, err := artifact.Open(ctx, r.cfg.ArtifactBucket)
	if err != nil {
		return err
	}
	r.store = store
	r.ownedStore = true
	return nil
}

func (r *runner) closeArtifacts() {
	if r.store == nil || !r.ownedStore {
		return
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close artifact bucket", "error", err)
	}
}

// saveManifest writes diagnostics. Failures are logged, not fatal.
func (r *runner) saveManifest(ctx context.Context, m *parser.Manifest, addrs []segment.Address, entries []reassemble.Entry) {
	if r.store == nil {
		return
	}

	jobID := r.report.JobID
	if err := r.store.SaveManifest(ctx, jobID, m, addrs); err != nil {
		r.logger.Warn("failed to save manifest artifacts", "error", err)
		return
	}

	durations := make(map[segment.Address]float64, len(addrs))
	for i, addr := range addrs {
		durations[addr] = m.Segments[i].Duration
	}

	ordered := make([]playlist.Entry, len(entries))
	for i, e := range entries {
		ordered[i] = playlist.Entry{URI: e.Address.String(), Duration: durations[e.Address]}
	}

	content, err := playlist.Generate(ordered, m.MediaSequence)
	if err != nil {
		r.logger.Warn("failed to render resolved playlist", "error", err)
		return
	}
	if err := r.store.SavePlaylist(ctx, jobID, content); err != nil {
		r.logger.Warn("failed to save resolved playlist", "error", err)
		return
	}

	r.logger.Debug("saved manifest artifacts", "job", jobID)
}

func (r *runner) saveReport() {
	if r.store == nil {
		return
	}

	// The job context may be cancelled by now; the report is still wanted.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.store.SaveJSON(ctx, r.report.JobID, artifact.ReportKey, r.report); err != nil {
		r.logger.Warn("failed to save job report", "error", err)
	}
}
