package source

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// permanent marks err as not worth retrying.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn up to attempts times with exponential backoff capped at max.
// Errors wrapped with permanent stop immediately and are returned unwrapped.
func Retry(ctx context.Context, attempts int, initial, max time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	d := initial
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if i == attempts-1 {
			return err
		}
		if d < max {
			d *= 2
			if d > max {
				d = max
			}
		}
	}
	return errors.New("retry: exhausted")
}
