// Package segment defines data structures for HLS media segments.
package segment

// Ref is a single entry of a media playlist, as the manifest provider hands it over.
type Ref struct {
	// URI is the segment reference as written in the playlist (usually relative)
	URI string

	// Duration is the EXTINF duration in seconds
	Duration float64

	// SequenceHint is the media sequence number of the entry, if the playlist carried one.
	// It is informational only; final order always comes from the address.
	SequenceHint uint64

	// HasSequenceHint reports whether SequenceHint is meaningful
	HasSequenceHint bool
}

// Address is an absolute segment URL. Addresses identify segments in the result table
// and must be unique within a job.
type Address string

// String returns the address as a plain URL string.
func (a Address) String() string {
	return string(a)
}
