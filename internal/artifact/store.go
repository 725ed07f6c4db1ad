// Package artifact persists per-job diagnostics (the playlists as served, the
// resolved segment list and the final report) to a gocloud blob bucket.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/agleyzer/hlsgrab/internal/parser"
	"github.com/agleyzer/hlsgrab/internal/segment"
)

// Object names written under the job prefix.
const (
	MasterPlaylistKey   = "master.m3u8"
	MediaPlaylistKey    = "media.m3u8"
	SegmentsKey         = "segments.json"
	ResolvedPlaylistKey = "resolved.m3u8"
	ReportKey           = "report.json"
)

// Segment is one entry of segments.json.
type Segment struct {
	Index    int     `json:"index"`
	URI      string  `json:"uri"`
	Address  string  `json:"address"`
	Duration float64 `json:"duration"`
	Sequence *uint64 `json:"sequence,omitempty"`
}

// SegmentList is the content of segments.json.
type SegmentList struct {
	JobID          string    `json:"job_id"`
	SourceURL      string    `json:"source_url"`
	PlaylistURL    string    `json:"playlist_url"`
	Strategy       string    `json:"strategy,omitempty"`
	Fallback       bool      `json:"fallback,omitempty"`
	TargetDuration float64   `json:"target_duration"`
	Segments       []Segment `json:"segments"`
}

// Store writes artifacts into a bucket.
type Store struct {
	bucket *blob.Bucket
	owned  bool
}

// Open opens the bucket at url, e.g. "file:///var/lib/hlsgrab?create_dir=true"
// or "mem://".
func Open(ctx context.Context, url string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact bucket: %w", err)
	}
	return &Store{bucket: bucket, owned: true}, nil
}

// New wraps an already open bucket. Close leaves it open.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Bucket returns the underlying bucket.
func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

// Close closes the bucket if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

// SaveManifest writes the playlists as served and the resolved segment list.
// addrs must be aligned with m.Segments.
func (s *Store) SaveManifest(ctx context.Context, jobID string, m *parser.Manifest, addrs []segment.Address) error {
	if len(addrs) != len(m.Segments) {
		return fmt.Errorf("artifact: %d addresses for %d segments", len(addrs), len(m.Segments))
	}

	if len(m.MasterRaw) > 0 {
		if err := s.write(ctx, jobID, MasterPlaylistKey, m.MasterRaw, "application/vnd.apple.mpegurl"); err != nil {
			return err
		}
	}

	if err := s.write(ctx, jobID, MediaPlaylistKey, m.Raw, "application/vnd.apple.mpegurl"); err != nil {
		return err
	}

	list := SegmentList{
		JobID:          jobID,
		SourceURL:      m.SourceURL,
		PlaylistURL:    m.PlaylistURL,
		Strategy:       m.Choice.Strategy,
		Fallback:       m.Choice.Fallback,
		TargetDuration: m.TargetDuration,
		Segments:       make([]Segment, len(m.Segments)),
	}
	for i, ref := range m.Segments {
		entry := Segment{
			Index:    i,
			URI:      ref.URI,
			Address:  addrs[i].String(),
			Duration: ref.Duration,
		}
		if ref.HasSequenceHint {
			seq := ref.SequenceHint
			entry.Sequence = &seq
		}
		list.Segments[i] = entry
	}

	return s.SaveJSON(ctx, jobID, SegmentsKey, list)
}

// SavePlaylist writes the resolved playlist.
func (s *Store) SavePlaylist(ctx context.Context, jobID, content string) error {
	return s.write(ctx, jobID, ResolvedPlaylistKey, []byte(content), "application/vnd.apple.mpegurl")
}

// SaveJSON writes v as indented JSON under the job prefix.
func (s *Store) SaveJSON(ctx context.Context, jobID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: failed to marshal %s: %w", name, err)
	}
	return s.write(ctx, jobID, name, data, "application/json")
}

// Key returns the object key of name for jobID.
func Key(jobID, name string) string {
	return path.Join(jobID, name)
}

func (s *Store) write(ctx context.Context, jobID, name string, data []byte, contentType string) error {
	key := Key(jobID, name)
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := s.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("artifact: failed to write %s: %w", key, err)
	}
	return nil
}
