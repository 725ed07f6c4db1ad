// Package remux converts the reassembled MPEG-TS stream into the output container.
package remux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// ErrRemux wraps every failure of the remux step.
var ErrRemux = errors.New("remux: failed")

// DefaultCommand is the ffmpeg binary looked up on PATH.
const DefaultCommand = "ffmpeg"

// stderrTail bounds how much ffmpeg diagnostic output ends up in an error.
const stderrTail = 2048

// Remuxer turns input into output without re-encoding.
type Remuxer interface {
	Remux(ctx context.Context, input, output string) error
}

// Func adapts a function to Remuxer.
type Func func(ctx context.Context, input, output string) error

// Remux implements Remuxer.
func (f Func) Remux(ctx context.Context, input, output string) error {
	return f(ctx, input, output)
}

// FFmpeg remuxes with an external ffmpeg process using stream copy.
type FFmpeg struct {
	// Path is the ffmpeg executable.
	// Default: "ffmpeg" from PATH
	Path string

	Logger *slog.Logger
}

// Args builds the ffmpeg command arguments.
func (f FFmpeg) Args(input, output string) []string {
	return []string{
		"-y",         // Overwrite output file
		"-i", input,  // Input file
		"-c", "copy", // Stream copy, no re-encoding
		output,
	}
}

// Remux implements Remuxer. A partial output file is removed on failure.
func (f FFmpeg) Remux(ctx context.Context, input, output string) error {
	command := f.Path
	if command == "" {
		command = DefaultCommand
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrRemux, command, err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, f.Args(input, output)...)
	cmd.Stderr = &stderr

	if f.Logger != nil {
		f.Logger.Info("remuxing", "command", path, "input", input, "output", output)
	}

	if err := cmd.Run(); err != nil {
		os.Remove(output)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", ErrRemux, ctxErr)
		}
		return fmt.Errorf("%w: %v: %s", ErrRemux, err, tail(stderr.String()))
	}

	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
