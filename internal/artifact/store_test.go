package artifact

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"

	"github.com/agleyzer/hlsgrab/internal/parser"
	"github.com/agleyzer/hlsgrab/internal/segment"
	"github.com/agleyzer/hlsgrab/internal/variant"
)

func testManifest() *parser.Manifest {
	return &parser.Manifest{
		SourceURL:      "https://example.com/master.m3u8",
		PlaylistURL:    "https://example.com/audio/eng.m3u8",
		IsMaster:       true,
		Choice:         variant.Choice{URI: "audio/eng.m3u8", Strategy: "first-variant", Fallback: true},
		TargetDuration: 10,
		Segments: []segment.Ref{
			{URI: "s0.ts", Duration: 10, SequenceHint: 5, HasSequenceHint: true},
			{URI: "s1.ts", Duration: 4.5},
		},
		Raw:       []byte("#EXTM3U\nmedia\n"),
		MasterRaw: []byte("#EXTM3U\nmaster\n"),
	}
}

func testAddresses() []segment.Address {
	return []segment.Address{
		"https://example.com/audio/s0.ts",
		"https://example.com/audio/s1.ts",
	}
}

func TestStore_SaveManifest(t *testing.T) {
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()

	store := New(bucket)
	require.NoError(t, store.SaveManifest(ctx, "job-1", testManifest(), testAddresses()))

	master, err := bucket.ReadAll(ctx, "job-1/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\nmaster\n", string(master))

	media, err := bucket.ReadAll(ctx, "job-1/media.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\nmedia\n", string(media))

	attrs, err := bucket.Attributes(ctx, "job-1/media.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.apple.mpegurl", attrs.ContentType)

	data, err := bucket.ReadAll(ctx, "job-1/segments.json")
	require.NoError(t, err)

	var list SegmentList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, "job-1", list.JobID)
	assert.Equal(t, "https://example.com/audio/eng.m3u8", list.PlaylistURL)
	assert.Equal(t, "first-variant", list.Strategy)
	assert.True(t, list.Fallback)
	require.Len(t, list.Segments, 2)
	assert.Equal(t, "https://example.com/audio/s0.ts", list.Segments[0].Address)
	require.NotNil(t, list.Segments[0].Sequence)
	assert.Equal(t, uint64(5), *list.Segments[0].Sequence)
	assert.Nil(t, list.Segments[1].Sequence)
	assert.Equal(t, 4.5, list.Segments[1].Duration)
}

func TestStore_MediaOnlySkipsMaster(t *testing.T) {
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()

	m := testManifest()
	m.MasterRaw = nil

	require.NoError(t, New(bucket).SaveManifest(ctx, "job-2", m, testAddresses()))

	exists, err := bucket.Exists(ctx, "job-2/master.m3u8")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_MisalignedAddresses(t *testing.T) {
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()

	err = New(bucket).SaveManifest(ctx, "job-3", testManifest(), testAddresses()[:1])
	assert.Error(t, err)
}

func TestStore_SavePlaylistAndJSON(t *testing.T) {
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()

	store := New(bucket)
	require.NoError(t, store.SavePlaylist(ctx, "job-4", "#EXTM3U\n"))
	require.NoError(t, store.SaveJSON(ctx, "job-4", ReportKey, map[string]int{"segments": 3}))

	playlist, err := bucket.ReadAll(ctx, Key("job-4", ResolvedPlaylistKey))
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(playlist))

	report, err := bucket.ReadAll(ctx, Key("job-4", ReportKey))
	require.NoError(t, err)
	assert.JSONEq(t, `{"segments": 3}`, string(report))
}

func TestOpen_FileBucket(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "artifacts")

	store, err := Open(ctx, "file://"+filepath.ToSlash(dir)+"?create_dir=true")
	require.NoError(t, err)

	require.NoError(t, store.SavePlaylist(ctx, "job-5", "#EXTM3U\n"))
	require.NoError(t, store.Close())

	assert.FileExists(t, filepath.Join(dir, "job-5", ResolvedPlaylistKey))
}

func TestOpen_UnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "nosuchscheme://bucket")
	assert.Error(t, err)
}
