package cobalt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultDirectoryURL lists public instances.
const DefaultDirectoryURL = "https://instances.cobalt.best/api/instances.json"

// DirectoryCache keeps the last directory body that parsed, so a directory
// outage does not leave the manager with nothing but the fallback.
type DirectoryCache interface {
	// Load returns ok=false on a miss.
	Load(ctx context.Context, key string) (body []byte, ok bool, err error)
	Store(ctx context.Context, key string, body []byte, ttl time.Duration) error
}

// DirectoryEntry is one element of the directory's JSON array.
type DirectoryEntry struct {
	API      string                   `json:"api"`
	Protocol string                   `json:"protocol"`
	Frontend string                   `json:"frontend"`
	Name     string                   `json:"name"`
	Score    float64                  `json:"score"`
	Trust    int                      `json:"trust"`
	Online   Online                   `json:"online"`
	Services map[string]ServiceStatus `json:"services"`
	Version  string                   `json:"version"`
	Branch   string                   `json:"branch"`
	Commit   string                   `json:"commit"`
	CORS     bool                     `json:"cors"`
	NoDomain bool                     `json:"nodomain"`
}

func parseDirectory(body []byte) ([]DirectoryEntry, error) {
	var entries []DirectoryEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	return entries, nil
}

// instance converts the entry. It fails when the entry has no usable address.
func (e DirectoryEntry) instance() (Instance, error) {
	addr, err := NormalizeURL(e.API, e.Protocol)
	if err != nil {
		return Instance{}, err
	}
	return Instance{
		URL:      addr,
		Name:     nullString(e.Name),
		Frontend: nullString(e.Frontend),
		Score:    e.Score,
		Trust:    e.Trust,
		Online:   e.Online,
		Services: e.Services,
		Version:  e.Version,
		Branch:   e.Branch,
		Commit:   e.Commit,
		CORS:     e.CORS,
		NoDomain: e.NoDomain,
		Source:   SourceFetched,
	}, nil
}

// nullString drops the literal "None" some directory rows carry.
func nullString(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), "none") {
		return ""
	}
	return s
}
