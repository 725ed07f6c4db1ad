// The hlsgrab command downloads an HLS stream into a single media file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agleyzer/hlsgrab/internal/config"
	"github.com/agleyzer/hlsgrab/internal/job"
	"github.com/agleyzer/hlsgrab/internal/parser"
	"github.com/agleyzer/hlsgrab/internal/progress"
)

const (
	version = "1.0.0"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitResolution   = 3
	ExitOrderKey     = 4
	ExitFetch        = 5
	ExitRemux        = 6
	ExitIO           = 7
	ExitCancelled    = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hlsgrab", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath  = fs.String("config", "", "YAML configuration file")
		output      = fs.String("output", "output.mp4", "Output filename")
		concurrent  = fs.Int("concurrent", 10, "Number of concurrent downloads")
		queueDepth  = fs.Int("queue-depth", 0, "Queued downloads not yet picked up by a worker (0 = 2x concurrent)")
		attempts    = fs.Int("attempts", 3, "Attempts per segment")
		timeout     = fs.Duration("timeout", 10*time.Second, "Timeout of a single segment attempt")
		backoff     = fs.Duration("backoff", time.Second, "Wait between attempts")
		jitter      = fs.Bool("jitter", false, "Randomize the wait between attempts")
		tolerance   = fs.Int("failure-tolerance", 0, "Failed segments tolerated before aborting early (-1 = never abort early)")
		orderKey    = fs.String("order-key", "base64-dash", "Ordering key strategy: base64-dash, trailing-number or query-param")
		keyParam    = fs.String("order-key-param", "", "Query parameter holding the key for query-param")
		tempDir     = fs.String("temp-dir", "", "Directory for the raw stream (default: system temp dir)")
		keepTemp    = fs.Bool("keep-temp", false, "Keep the raw stream after a successful remux")
		artifacts   = fs.String("artifacts", "", "Bucket URL for diagnostics, e.g. file:///tmp/hlsgrab?create_dir=true")
		statusPort  = fs.Int("status-port", 0, "Serve /health and /progress on this port (0 = disabled)")
		ffmpeg      = fs.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
		userAgent   = fs.String("user-agent", "", "User-Agent header for all requests")
		quiet       = fs.Bool("quiet", false, "Disable the progress line")
		verbose     = fs.Bool("verbose", false, "Enable verbose logging")
		showVersion = fs.Bool("version", false, "Show version and exit")
	)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "hlsgrab - HLS stream downloader v%s\n\n", version)
		fmt.Fprintf(stderr, "Usage: hlsgrab [options] <playlist-url>\n\n")
		fmt.Fprintf(stderr, "Arguments:\n")
		fmt.Fprintf(stderr, "  <playlist-url>    URL of the HLS playlist (master or media)\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  hlsgrab https://example.com/master.m3u8\n")
		fmt.Fprintf(stderr, "  hlsgrab --output show.mp4 --concurrent 20 https://example.com/master.m3u8\n")
		fmt.Fprintf(stderr, "  hlsgrab --config hlsgrab.yaml\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	if *showVersion {
		fmt.Fprintf(stdout, "hlsgrab v%s\n", version)
		return ExitSuccess
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
	}

	if fs.NArg() > 1 {
		fmt.Fprintf(stderr, "Error: expected one playlist URL, got %d arguments\n\n", fs.NArg())
		fs.Usage()
		return ExitInvalidArgs
	}
	if fs.NArg() == 1 {
		cfg.Source = fs.Arg(0)
	}
	if cfg.Source == "" {
		fmt.Fprintf(stderr, "Error: playlist URL is required\n\n")
		fs.Usage()
		return ExitInvalidArgs
	}

	// Flags given on the command line override the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.Output = *output
		case "concurrent":
			cfg.Workers = *concurrent
		case "queue-depth":
			cfg.QueueDepth = *queueDepth
		case "attempts":
			cfg.Retry.Attempts = *attempts
		case "timeout":
			cfg.Retry.Timeout = *timeout
		case "backoff":
			cfg.Retry.Backoff = *backoff
		case "jitter":
			cfg.Retry.Jitter = *jitter
		case "failure-tolerance":
			cfg.FailureTolerance = *tolerance
		case "order-key":
			cfg.OrderKey.Strategy = *orderKey
		case "order-key-param":
			cfg.OrderKey.Param = *keyParam
		case "temp-dir":
			cfg.TempDir = *tempDir
		case "keep-temp":
			cfg.KeepTemp = *keepTemp
		case "artifacts":
			cfg.ArtifactBucket = *artifacts
		case "status-port":
			cfg.StatusPort = *statusPort
		case "ffmpeg":
			cfg.FFmpeg = *ffmpeg
		case "user-agent":
			cfg.UserAgent = *userAgent
		case "quiet":
			cfg.Progress = !*quiet
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("hlsgrab starting", "version", version)

	deps := job.Deps{
		Logger:   logger,
		HCLogger: parser.NewHCLogger(stderr, logLevel),
	}
	if cfg.Progress {
		deps.Progress = stderr
	}

	report, err := job.Run(ctx, cfg, deps)
	if err != nil {
		logger.Error("download failed", "kind", job.KindOf(err).String(), "error", err)
		return exitCode(err)
	}

	logger.Info("download complete",
		"output", report.Output,
		"segments", report.Segments,
		"size", progress.FormatBytes(report.Bytes),
		"duration", report.Duration.Round(time.Millisecond),
	)
	return ExitSuccess
}

// exitCode maps a job failure to the process exit status.
func exitCode(err error) int {
	switch job.KindOf(err) {
	case job.KindConfig:
		return ExitInvalidArgs
	case job.KindResolution:
		return ExitResolution
	case job.KindOrderKey:
		return ExitOrderKey
	case job.KindFetch:
		return ExitFetch
	case job.KindCancelled:
		return ExitCancelled
	case job.KindRemux:
		return ExitRemux
	case job.KindIO:
		return ExitIO
	default:
		return ExitGeneralError
	}
}
