package source

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindUnreachable   Kind = "unreachable"
	KindTableNotFound Kind = "table_not_found"
	KindTimeout       Kind = "timeout"
)

// FetchError is returned by Reader.Fetch. The cycle that hit it is aborted.
type FetchError struct {
	Kind Kind
	URL  string
	// StatusCode is set when the server answered with a non-2xx status.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s: http status %d", e.URL, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the Kind of a FetchError in err's chain, or "".
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnreachable
}
