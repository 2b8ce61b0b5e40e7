package httpclient

import (
	"errors"
	"fmt"
)

var (
	// ErrPageNotFound is returned for HTTP 404. It is never retried.
	ErrPageNotFound = errors.New("page not found")
	// ErrRateLimited marks an HTTP 429 answer.
	ErrRateLimited = errors.New("rate limited")
	// ErrBotMitigation marks a body carrying a bot-mitigation page.
	ErrBotMitigation = errors.New("bot mitigation page")
	// ErrRetriesExhausted is wrapped when the retry budget runs out.
	ErrRetriesExhausted = errors.New("retries exhausted")

	ErrStalled   = errors.New("download stalled")
	ErrNoData    = errors.New("no data received")
	ErrTooSmall  = errors.New("downloaded file is too small")
	ErrBadStatus = errors.New("unexpected status")
)

// TransportError is returned by Do when a request could not produce a usable
// response.
type TransportError struct {
	Method   string
	URL      string
	Attempts int
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("httpclient: %s %s", e.Method, e.URL)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// DownloadError is returned by DownloadFile. Path is set once the output file
// was created; an incomplete file is left there.
type DownloadError struct {
	URL     string
	Path    string
	Status  int
	Written int64
	Err     error
}

func (e *DownloadError) Error() string {
	msg := "httpclient: download " + e.URL
	if e.Status != 0 && errors.Is(e.Err, ErrBadStatus) {
		return fmt.Sprintf("%s: %v %d", msg, e.Err, e.Status)
	}
	if e.Written > 0 {
		msg += fmt.Sprintf(" (%d bytes written)", e.Written)
	}
	return msg + ": " + e.Err.Error()
}

func (e *DownloadError) Unwrap() error { return e.Err }
