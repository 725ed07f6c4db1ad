// Package reassemble restores presentation order of downloaded segments and
// concatenates them into one stream.
package reassemble

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/agleyzer/hlsgrab/internal/resolve"
	"github.com/agleyzer/hlsgrab/internal/segment"
)

// Errors reported by Reassemble.
var (
	ErrMissingSegment = errors.New("reassemble: missing segment")
	ErrAmbiguousOrder = errors.New("reassemble: ambiguous order")
)

// Source is the read side of a result table.
type Source interface {
	Get(addr segment.Address) ([]byte, bool)
	Failure(addr segment.Address) error
}

// MissingError lists every required address without a payload.
type MissingError struct {
	Addresses []segment.Address
	First     error // recorded failure of the first missing address, if any
}

func (e *MissingError) Error() string {
	msg := fmt.Sprintf("%d segment(s) missing, first %s", len(e.Addresses), e.Addresses[0])
	if e.First != nil {
		msg += ": " + e.First.Error()
	}
	return msg
}

func (e *MissingError) Is(target error) bool {
	return target == ErrMissingSegment
}

func (e *MissingError) Unwrap() error {
	return e.First
}

// Entry is one segment in final order.
type Entry struct {
	Address segment.Address
	Key     int64
}

// Order computes the final order of addrs. It fails if any key cannot be
// extracted or if two addresses share a key.
func Order(addrs []segment.Address, keyFn resolve.KeyFunc) ([]Entry, error) {
	entries := make([]Entry, len(addrs))
	owner := make(map[int64]segment.Address, len(addrs))

	for i, addr := range addrs {
		key, err := keyFn(addr)
		if err != nil {
			return nil, err
		}
		if prev, dup := owner[key]; dup {
			return nil, fmt.Errorf("%w: key %d shared by %s and %s", ErrAmbiguousOrder, key, prev, addr)
		}
		owner[key] = addr
		entries[i] = Entry{Address: addr, Key: key}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Reassemble writes the payload of every address in addrs to w, sorted by
// ordering key. Completeness and ordering are checked before the first byte
// is written, so a failed call leaves w untouched.
func Reassemble(src Source, addrs []segment.Address, keyFn resolve.KeyFunc, w io.Writer) (int64, error) {
	var missing []segment.Address
	for _, addr := range addrs {
		if _, ok := src.Get(addr); !ok {
			missing = append(missing, addr)
		}
	}
	if len(missing) > 0 {
		return 0, &MissingError{Addresses: missing, First: src.Failure(missing[0])}
	}

	entries, err := Order(addrs, keyFn)
	if err != nil {
		return 0, err
	}

	var written int64
	for _, e := range entries {
		data, _ := src.Get(e.Address)
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write segment %d: %w", e.Key, err)
		}
	}

	return written, nil
}
