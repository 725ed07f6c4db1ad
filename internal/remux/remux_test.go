package remux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a shell script standing in for ffmpeg.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestFFmpeg_Args(t *testing.T) {
	args := FFmpeg{}.Args("in.ts", "out.mp4")
	assert.Equal(t, []string{"-y", "-i", "in.ts", "-c", "copy", "out.mp4"}, args)
}

func TestFFmpeg_Remux(t *testing.T) {
	// $3 is the input and $6 the output, matching Args.
	bin := fakeFFmpeg(t, `cp "$3" "$6"`)

	dir := t.TempDir()
	input := filepath.Join(dir, "in.ts")
	output := filepath.Join(dir, "out.mp4")
	require.NoError(t, os.WriteFile(input, []byte("transport stream"), 0o644))

	err := FFmpeg{Path: bin}.Remux(context.Background(), input, output)
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "transport stream", string(data))
}

func TestFFmpeg_FailureCarriesDiagnostics(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "partial" > "$6"; echo "Invalid data found when processing input" >&2; exit 1`)

	dir := t.TempDir()
	output := filepath.Join(dir, "out.mp4")

	err := FFmpeg{Path: bin}.Remux(context.Background(), filepath.Join(dir, "in.ts"), output)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemux))
	assert.Contains(t, err.Error(), "Invalid data found when processing input")

	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr), "partial output must be removed")
}

func TestFFmpeg_MissingBinary(t *testing.T) {
	err := FFmpeg{Path: filepath.Join(t.TempDir(), "no-such-ffmpeg")}.Remux(context.Background(), "in.ts", "out.mp4")
	assert.ErrorIs(t, err, ErrRemux)
}

func TestFFmpeg_Cancelled(t *testing.T) {
	bin := fakeFFmpeg(t, `sleep 5`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := FFmpeg{Path: bin}.Remux(ctx, "in.ts", filepath.Join(t.TempDir(), "out.mp4"))
	assert.ErrorIs(t, err, ErrRemux)
	assert.ErrorContains(t, err, context.Canceled.Error())
}

func TestFunc(t *testing.T) {
	var gotIn, gotOut string
	r := Func(func(ctx context.Context, input, output string) error {
		gotIn, gotOut = input, output
		return nil
	})

	require.NoError(t, r.Remux(context.Background(), "a.ts", "b.mp4"))
	assert.Equal(t, "a.ts", gotIn)
	assert.Equal(t, "b.mp4", gotOut)
}
