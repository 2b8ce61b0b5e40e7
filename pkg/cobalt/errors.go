package cobalt

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	ErrFetch                 = errors.New("instance directory unavailable")
	ErrFailedToGetTunnel     = errors.New("failed to get tunnel")
	ErrNoURLInTunnelResponse = errors.New("no url in tunnel response")
	ErrNoInstances           = errors.New("no instances available")
	ErrAllInstancesFailed    = errors.New("all instances failed")
	ErrBulkDisabled          = errors.New("bulk download is disabled")
)

// FetchError reports a directory that could not be read or parsed.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("cobalt: fetch instances from %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }

// FailureKind classifies why a single instance did not produce a tunnel.
type FailureKind string

const (
	FailureTransport FailureKind = "transport"
	FailureNotFound  FailureKind = "not_found"
	FailureChallenge FailureKind = "challenge"
	FailureMalformed FailureKind = "malformed"
	FailureRejected  FailureKind = "rejected"
	FailureNoURL     FailureKind = "no_url"
)

// TunnelError is the failure of one instance attempt.
type TunnelError struct {
	Instance string
	Kind     FailureKind
	// Status is the backend's response status ("error", "picker", ...).
	Status string
	// Code is the backend error code, when one was sent.
	Code string
	Err  error
}

func (e *TunnelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cobalt: %s: ", e.Instance)
	if e.Kind == FailureNoURL {
		b.WriteString(ErrNoURLInTunnelResponse.Error())
	} else {
		fmt.Fprintf(&b, "%s (%s)", ErrFailedToGetTunnel, e.Kind)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	} else if e.Status != "" && e.Kind == FailureRejected {
		fmt.Fprintf(&b, ": status %q", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TunnelError) Unwrap() []error {
	sentinel := ErrFailedToGetTunnel
	if e.Kind == FailureNoURL {
		sentinel = ErrNoURLInTunnelResponse
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// RequestError is returned when no instance produced a tunnel for URL.
type RequestError struct {
	URL      string
	Failures []*TunnelError
}

// Kinds counts failures by kind.
func (e *RequestError) Kinds() map[FailureKind]int {
	out := map[FailureKind]int{}
	for _, f := range e.Failures {
		out[f.Kind]++
	}
	return out
}

// Systemic reports whether every instance failed the same way, which points
// at a block or a configuration problem rather than bad luck.
func (e *RequestError) Systemic() bool {
	return len(e.Failures) > 1 && len(e.Kinds()) == 1
}

func (e *RequestError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("cobalt: %s: %v", e.URL, ErrNoInstances)
	}
	kinds := e.Kinds()
	parts := make([]string, 0, len(kinds))
	for _, k := range slices.Sorted(maps.Keys(kinds)) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, kinds[k]))
	}
	return fmt.Sprintf("cobalt: %s: %v (%d tried: %s)", e.URL, ErrAllInstancesFailed, len(e.Failures), strings.Join(parts, ", "))
}

func (e *RequestError) Unwrap() []error {
	if len(e.Failures) == 0 {
		return []error{ErrNoInstances}
	}
	out := make([]error, 0, len(e.Failures)+1)
	out = append(out, ErrAllInstancesFailed)
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}
