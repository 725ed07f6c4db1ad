// Package variant describes the renditions offered by an HLS master playlist and
// the strategies used to pick the one to download.
package variant

import (
	"errors"
	"fmt"
)

// ErrNoMatch is returned by a Selector that found nothing acceptable.
var ErrNoMatch = errors.New("variant: no matching rendition")

// Variant represents a single variant stream in an HLS master playlist.
type Variant struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080", "1280x720")
	// Empty string if not specified in master playlist
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	Codecs string

	// URI is the variant's media playlist reference as written in the master playlist
	URI string
}

// Media represents an EXT-X-MEDIA alternative rendition.
type Media struct {
	// Type is the rendition type: AUDIO, VIDEO, SUBTITLES or CLOSED-CAPTIONS
	Type string

	// Language is the RFC 5646 language tag, may be empty
	Language string

	// GroupID is the GROUP-ID attribute
	GroupID string

	// Name is the human readable NAME attribute
	Name string

	// URI is the rendition's media playlist reference; empty when the rendition
	// is muxed into the variant streams
	URI string
}

// Master is the subset of a master playlist needed for rendition selection.
type Master struct {
	Variants []Variant
	Media    []Media
}

// Choice is the outcome of a selection.
type Choice struct {
	// URI is the media playlist reference to fetch, relative to the master playlist
	URI string

	// Strategy names the selector that produced this choice
	Strategy string

	// Fallback is true when the choice came from a fallback strategy
	Fallback bool
}

// Selector picks one media playlist out of a master playlist.
type Selector interface {
	Select(m Master) (Choice, error)
	Name() string
}

// MatchMedia selects the first EXT-X-MEDIA rendition whose attributes all match.
// Empty fields match anything.
type MatchMedia struct {
	Type     string
	Language string
	GroupID  string
}

// Name implements Selector.
func (s MatchMedia) Name() string {
	return fmt.Sprintf("match-media(type=%s,language=%s,group=%s)", s.Type, s.Language, s.GroupID)
}

// Select implements Selector.
func (s MatchMedia) Select(m Master) (Choice, error) {
	for _, media := range m.Media {
		if media.URI == "" {
			continue
		}
		if s.Type != "" && media.Type != s.Type {
			continue
		}
		if s.Language != "" && media.Language != s.Language {
			continue
		}
		if s.GroupID != "" && media.GroupID != s.GroupID {
			continue
		}
		return Choice{URI: media.URI, Strategy: s.Name()}, nil
	}
	return Choice{}, ErrNoMatch
}

// FirstVariant selects the first variant stream listed in the master playlist.
type FirstVariant struct{}

// Name implements Selector.
func (FirstVariant) Name() string {
	return "first-variant"
}

// Select implements Selector.
func (s FirstVariant) Select(m Master) (Choice, error) {
	for _, v := range m.Variants {
		if v.URI != "" {
			return Choice{URI: v.URI, Strategy: s.Name()}, nil
		}
	}
	return Choice{}, ErrNoMatch
}

// HighestBandwidth selects the variant with the largest advertised bandwidth.
// Ties keep the earlier variant.
type HighestBandwidth struct{}

// Name implements Selector.
func (HighestBandwidth) Name() string {
	return "highest-bandwidth"
}

// Select implements Selector.
func (s HighestBandwidth) Select(m Master) (Choice, error) {
	best := -1
	for i, v := range m.Variants {
		if v.URI == "" {
			continue
		}
		if best < 0 || v.Bandwidth > m.Variants[best].Bandwidth {
			best = i
		}
	}
	if best < 0 {
		return Choice{}, ErrNoMatch
	}
	return Choice{URI: m.Variants[best].URI, Strategy: s.Name()}, nil
}

// WithFallback tries each selector in order. Every choice made after the first
// selector is flagged as a fallback so callers can log it.
type WithFallback []Selector

// Name implements Selector.
func (w WithFallback) Name() string {
	name := ""
	for i, s := range w {
		if i > 0 {
			name += " -> "
		}
		name += s.Name()
	}
	return name
}

// Select implements Selector.
func (w WithFallback) Select(m Master) (Choice, error) {
	for i, s := range w {
		c, err := s.Select(m)
		if errors.Is(err, ErrNoMatch) {
			continue
		}
		if err != nil {
			return Choice{}, err
		}
		c.Fallback = c.Fallback || i > 0
		return c, nil
	}
	return Choice{}, ErrNoMatch
}

// Default returns the stock selection policy: an English 720p audio rendition if
// one exists, otherwise the first variant stream.
func Default() Selector {
	return WithFallback{
		MatchMedia{Type: "AUDIO", Language: "eng", GroupID: "720p"},
		FirstVariant{},
	}
}
