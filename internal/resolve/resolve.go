// Package resolve turns playlist references into absolute segment addresses and
// extracts the ordering key each provider embeds in its segment URLs.
package resolve

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/agleyzer/hlsgrab/internal/segment"
)

// Errors reported by the resolver.
var (
	ErrMalformed        = errors.New("resolve: malformed address")
	ErrDuplicateAddress = errors.New("resolve: duplicate segment address")
)

// Resolve resolves a possibly relative segment reference against the base URL
// of the playlist that listed it.
func Resolve(baseURL, relativeURL string) (segment.Address, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base URL %q: %v", ErrMalformed, baseURL, err)
	}
	if !base.IsAbs() || base.Host == "" {
		return "", fmt.Errorf("%w: base URL %q is not absolute", ErrMalformed, baseURL)
	}

	if relativeURL == "" {
		return "", fmt.Errorf("%w: empty segment reference", ErrMalformed)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid relative URL %q: %v", ErrMalformed, relativeURL, err)
	}

	resolved := base.ResolveReference(rel)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q in %q", ErrMalformed, resolved.Scheme, resolved)
	}

	return segment.Address(resolved.String()), nil
}

// ResolveAll resolves every reference against baseURL, keeping playlist order.
// Two references resolving to the same address are rejected: addresses key the
// result table, so a collision would silently drop a segment.
func ResolveAll(baseURL string, refs []segment.Ref) ([]segment.Address, error) {
	addrs := make([]segment.Address, 0, len(refs))
	seen := make(map[segment.Address]int, len(refs))

	for i, ref := range refs {
		addr, err := Resolve(baseURL, ref.URI)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		if prev, ok := seen[addr]; ok {
			return nil, fmt.Errorf("%w: entries %d and %d both resolve to %s", ErrDuplicateAddress, prev, i, addr)
		}
		seen[addr] = i

		addrs = append(addrs, addr)
	}

	return addrs, nil
}
