// Package parser fetches an HLS playlist, follows a master playlist down to
// one media playlist and lists its segments.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agleyzer/hlsgrab/internal/resolve"
	"github.com/agleyzer/hlsgrab/internal/segment"
	"github.com/agleyzer/hlsgrab/internal/variant"
	"github.com/grafov/m3u8"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

// Errors reported while resolving a manifest.
var (
	ErrNoPlaylist = errors.New("parser: no usable playlist")
	ErrNoSegments = errors.New("parser: playlist contains no segments")
	ErrEncrypted  = errors.New("parser: encrypted segments are not supported")
)

// Options configures manifest loading.
type Options struct {
	// Selector picks the media playlist out of a master playlist.
	// Default: variant.Default()
	Selector variant.Selector

	// Timeout bounds one playlist request.
	// Default: 10s
	Timeout time.Duration

	// RetryMax is the number of retries after the first request.
	// Default: 2
	RetryMax int

	// UserAgent is sent with every request when set.
	UserAgent string

	// Logger receives the HTTP client's retry logs.
	// Default: discard
	Logger hclog.Logger

	// HTTPClient overrides the underlying client.
	HTTPClient *http.Client
}

// Manifest is a resolved media playlist.
type Manifest struct {
	// SourceURL is the URL the job started from
	SourceURL string

	// PlaylistURL is the media playlist URL; segment references resolve against it
	PlaylistURL string

	// IsMaster is true when SourceURL was a master playlist
	IsMaster bool

	// Choice records how the media playlist was selected (only for master playlists)
	Choice variant.Choice

	// Master holds the renditions offered by the master playlist (only for master playlists)
	Master variant.Master

	// Segments lists the media playlist entries in playlist order
	Segments []segment.Ref

	// TargetDuration is EXT-X-TARGETDURATION in seconds
	TargetDuration float64

	// MediaSequence is EXT-X-MEDIA-SEQUENCE
	MediaSequence uint64

	// Closed reports whether the playlist carried EXT-X-ENDLIST
	Closed bool

	// Raw is the media playlist exactly as served
	Raw []byte

	// MasterRaw is the master playlist exactly as served, if any
	MasterRaw []byte
}

// Loader fetches and decodes playlists.
type Loader struct {
	client *retryablehttp.Client
	opts   Options
	logger *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(opts Options, logger *slog.Logger) *Loader {
	if opts.Selector == nil {
		opts.Selector = variant.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	} else if opts.RetryMax == 0 {
		opts.RetryMax = 2
	}
	if opts.Logger == nil {
		opts.Logger = newNoOpHCLogger()
	}

	client := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		// The timeout below must not leak into the caller's client.
		c := *opts.HTTPClient
		client.HTTPClient = &c
	}
	client.HTTPClient.Timeout = opts.Timeout
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = time.Second
	client.Logger = opts.Logger

	return &Loader{
		client: client,
		opts:   opts,
		logger: logger,
	}
}

// Load fetches sourceURL. A master playlist is narrowed to one media playlist
// with the configured selector; a media playlist is used as is.
func (l *Loader) Load(ctx context.Context, sourceURL string) (*Manifest, error) {
	raw, err := l.get(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(raw), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MEDIA {
		m, err := l.parseMedia(playlist, sourceURL, raw)
		if err != nil {
			return nil, err
		}
		m.SourceURL = sourceURL
		return m, nil
	}

	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	master := convertMaster(masterPlaylist)
	choice, err := l.opts.Selector.Select(master)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoPlaylist, l.opts.Selector.Name(), err)
	}

	if choice.Fallback {
		l.logger.Warn("no exact rendition match, using fallback",
			"strategy", choice.Strategy,
			"uri", choice.URI,
		)
	} else {
		l.logger.Info("selected rendition", "strategy", choice.Strategy, "uri", choice.URI)
	}

	mediaURL, err := resolve.Resolve(sourceURL, choice.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media playlist URL: %w", err)
	}

	mediaRaw, err := l.get(ctx, mediaURL.String())
	if err != nil {
		return nil, err
	}

	mediaPlaylist, mediaType, err := m3u8.DecodeFrom(bytes.NewReader(mediaRaw), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse media playlist: %w", err)
	}
	if mediaType != m3u8.MEDIA {
		return nil, fmt.Errorf("%w: expected media playlist at %s, got master playlist", ErrNoPlaylist, mediaURL)
	}

	m, err := l.parseMedia(mediaPlaylist, mediaURL.String(), mediaRaw)
	if err != nil {
		return nil, err
	}

	m.SourceURL = sourceURL
	m.IsMaster = true
	m.Choice = choice
	m.Master = master
	m.MasterRaw = raw
	return m, nil
}

// parseMedia extracts the segment list of a media playlist.
func (l *Loader) parseMedia(playlist m3u8.Playlist, playlistURL string, raw []byte) (*Manifest, error) {
	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	if encrypted(mediaPlaylist.Key) {
		return nil, ErrEncrypted
	}

	var refs []segment.Ref
	for i, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}
		if encrypted(seg.Key) {
			return nil, fmt.Errorf("%w: segment %d (%s)", ErrEncrypted, i, seg.URI)
		}

		refs = append(refs, segment.Ref{
			URI:             seg.URI,
			Duration:        seg.Duration,
			SequenceHint:    mediaPlaylist.SeqNo + uint64(i),
			HasSequenceHint: true,
		})
	}

	if len(refs) == 0 {
		return nil, ErrNoSegments
	}

	if !mediaPlaylist.Closed {
		l.logger.Warn("media playlist has no EXT-X-ENDLIST, downloading the segments listed now",
			"url", playlistURL,
			"segments", len(refs),
		)
	}

	return &Manifest{
		PlaylistURL:    playlistURL,
		Segments:       refs,
		TargetDuration: mediaPlaylist.TargetDuration,
		MediaSequence:  mediaPlaylist.SeqNo,
		Closed:         mediaPlaylist.Closed,
		Raw:            raw,
	}, nil
}

// get fetches a playlist body.
func (l *Loader) get(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	if l.opts.UserAgent != "" {
		req.Header.Set("User-Agent", l.opts.UserAgent)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	return data, nil
}

// convertMaster flattens the decoder's master playlist into selection input.
func convertMaster(p *m3u8.MasterPlaylist) variant.Master {
	var master variant.Master
	seen := make(map[*m3u8.Alternative]bool)

	for _, v := range p.Variants {
		if v == nil {
			continue
		}

		master.Variants = append(master.Variants, variant.Variant{
			Bandwidth:  int(v.Bandwidth),
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			URI:        v.URI,
		})

		for _, alt := range v.Alternatives {
			if alt == nil || seen[alt] {
				continue
			}
			seen[alt] = true

			master.Media = append(master.Media, variant.Media{
				Type:     alt.Type,
				Language: alt.Language,
				GroupID:  alt.GroupId,
				Name:     alt.Name,
				URI:      alt.URI,
			})
		}
	}

	return master
}

func encrypted(key *m3u8.Key) bool {
	return key != nil && key.Method != "" && key.Method != "NONE"
}
