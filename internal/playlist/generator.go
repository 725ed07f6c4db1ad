// Package playlist renders the resolved media playlist of a job: absolute
// segment addresses in playback order, closed with EXT-X-ENDLIST.
package playlist

import (
	"fmt"

	"github.com/grafov/m3u8"
)

// Entry is a single segment line of a generated playlist.
type Entry struct {
	// URI is the absolute segment address
	URI string

	// Duration is the EXTINF duration in seconds
	Duration float64
}

// Generate creates a VOD media playlist listing entries in the given order.
func Generate(entries []Entry, mediaSequence uint64) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("cannot create playlist with zero segments")
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(len(entries)))
	if err != nil {
		return "", fmt.Errorf("failed to create playlist: %w", err)
	}
	p.SeqNo = mediaSequence
	p.MediaType = m3u8.VOD

	for i, e := range entries {
		if e.URI == "" {
			return "", fmt.Errorf("segment %d has no URI", i)
		}
		if err := p.Append(e.URI, e.Duration, ""); err != nil {
			return "", fmt.Errorf("failed to append segment %d: %w", i, err)
		}
	}

	p.Close()
	return p.Encode().String(), nil
}
