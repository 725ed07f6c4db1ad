package job

import (
	"errors"
	"fmt"
)

// Kind classifies the terminal failure of a job.
type Kind int

const (
	// KindConfig is an invalid job configuration.
	KindConfig Kind = iota + 1
	// KindResolution covers manifest retrieval, selection and address resolution.
	KindResolution
	// KindOrderKey is a segment address without a usable ordering key, or two
	// segments sharing one.
	KindOrderKey
	// KindFetch means at least one segment could not be downloaded.
	KindFetch
	// KindCancelled is an external cancellation, e.g. an interrupt.
	KindCancelled
	// KindRemux is a failure of the remux collaborator.
	KindRemux
	// KindIO is a local file system failure.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindResolution:
		return "resolution"
	case KindOrderKey:
		return "order-key"
	case KindFetch:
		return "fetch"
	case KindCancelled:
		return "cancelled"
	case KindRemux:
		return "remux"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the terminal failure of a job.
type Error struct {
	Kind Kind
	Err  error

	// TempFile is the preserved raw stream, if one was kept for diagnosis.
	TempFile string
}

func (e *Error) Error() string {
	if e.TempFile != "" {
		return fmt.Sprintf("%s: %v (raw stream kept at %s)", e.Kind, e.Err, e.TempFile)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a job error, or 0 if err is not one.
func KindOf(err error) Kind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return 0
}

func fail(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
