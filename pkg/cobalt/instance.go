package cobalt

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
)

// Source tells where an Instance came from. Lower values are trusted more.
type Source int

const (
	SourceLocal Source = iota
	SourceUser
	SourceFetched
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceUser:
		return "user"
	case SourceFetched:
		return "fetched"
	case SourceFallback:
		return "fallback"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	for _, src := range []Source{SourceLocal, SourceUser, SourceFetched, SourceFallback} {
		if string(b) == src.String() {
			*s = src
			return nil
		}
	}
	return fmt.Errorf("cobalt: unknown instance source %q", b)
}

// Online is the reachability reported by the directory.
type Online struct {
	API      bool `json:"api" yaml:"api"`
	Frontend bool `json:"frontend" yaml:"frontend"`
}

// ServiceStatus is a per-service health flag. The directory reports either a
// boolean or a free-form message.
type ServiceStatus struct {
	OK      bool
	Message string
}

func (s *ServiceStatus) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = ServiceStatus{OK: b}
		return nil
	}
	var msg string
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("service status must be a bool or string: %s", data)
	}
	*s = ServiceStatus{Message: msg}
	return nil
}

func (s ServiceStatus) MarshalJSON() ([]byte, error) {
	if s.Message != "" {
		return json.Marshal(s.Message)
	}
	return json.Marshal(s.OK)
}

func (s ServiceStatus) MarshalYAML() (any, error) {
	if s.Message != "" {
		return s.Message, nil
	}
	return s.OK, nil
}

var failurePrefixes = []string{"error.", "i couldn't", "it seems"}

// Works reports whether the service is usable: an explicit true, or a
// message that is not one of the known failure texts.
func (s ServiceStatus) Works() bool {
	if s.OK {
		return true
	}
	if s.Message == "" {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(s.Message))
	for _, p := range failurePrefixes {
		if strings.HasPrefix(msg, p) {
			return false
		}
	}
	return true
}

// Instance is one deployed backend replica.
type Instance struct {
	// URL is the normalised base address, scheme://host[:port].
	URL      string                   `json:"url" yaml:"url"`
	Name     string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Frontend string                   `json:"frontend,omitempty" yaml:"frontend,omitempty"`
	Score    float64                  `json:"score" yaml:"score"`
	Trust    int                      `json:"trust" yaml:"trust"`
	Online   Online                   `json:"online" yaml:"online"`
	Services map[string]ServiceStatus `json:"services,omitempty" yaml:"services,omitempty"`
	Version  string                   `json:"version,omitempty" yaml:"version,omitempty"`
	Branch   string                   `json:"branch,omitempty" yaml:"branch,omitempty"`
	Commit   string                   `json:"commit,omitempty" yaml:"commit,omitempty"`
	CORS     bool                     `json:"cors,omitempty" yaml:"cors,omitempty"`
	NoDomain bool                     `json:"nodomain,omitempty" yaml:"nodomain,omitempty"`
	APIKey   string                   `json:"-" yaml:"-"`
	Source   Source                   `json:"source" yaml:"source"`
}

func (i Instance) String() string {
	return fmt.Sprintf("%s (%s, score %.0f)", i.URL, i.Source, i.Score)
}

// ServiceWorks reports whether the instance claims support for service.
// Unknown services count as not working.
func (i Instance) ServiceWorks(service string) bool {
	st, ok := i.Services[strings.ToLower(service)]
	return ok && st.Works()
}

// WorkingServices lists the services that work, sorted.
func (i Instance) WorkingServices() []string {
	var out []string
	for name, st := range i.Services {
		if st.Works() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// NormalizeURL reduces raw to scheme://host[:port] with a lower-cased host.
// defaultScheme is used when raw has none.
func NormalizeURL(raw, defaultScheme string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty instance address")
	}
	if defaultScheme == "" {
		defaultScheme = "https"
	}
	if !strings.Contains(raw, "://") {
		raw = defaultScheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse instance address %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("instance address %q has no host", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("instance address %q has unsupported scheme %q", raw, u.Scheme)
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

// Rank orders instances by score, highest first. Equal scores keep source
// priority (local, user, fetched) and then input order. Fallback instances
// always come last.
func Rank(instances []Instance) []Instance {
	out := slices.Clone(instances)
	slices.SortStableFunc(out, func(a, b Instance) int {
		af, bf := a.Source == SourceFallback, b.Source == SourceFallback
		switch {
		case af && !bf:
			return 1
		case bf && !af:
			return -1
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return int(a.Source) - int(b.Source)
	})
	return out
}
