// Package localinstance reports on a self-hosted cobalt instance.
package localinstance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"thirdcoast.systems/cobaltdl/pkg/cobalt"
	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

// DefaultTimeout bounds a single health probe.
const DefaultTimeout = 3 * time.Second

// Checker probes a local instance's root endpoint. It never starts or stops
// the instance.
type Checker struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	timeout time.Duration
	log     *slog.Logger
}

// New returns a Checker for the instance at baseURL.
func New(client *httpclient.Client, baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*Checker, error) {
	u, err := cobalt.NormalizeURL(baseURL, "http")
	if err != nil {
		return nil, fmt.Errorf("local instance url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		http:    client,
		baseURL: u,
		apiKey:  apiKey,
		timeout: timeout,
		log:     logger.With(slog.String("item", "LocalInstance")),
	}, nil
}

func (c *Checker) BaseURL() string { return c.baseURL }
func (c *Checker) APIKey() string  { return c.apiKey }

type rootInfo struct {
	Cobalt *struct {
		Version string `json:"version"`
	} `json:"cobalt"`
}

// Status reports whether the instance answers with its server info. An
// unreachable instance is not running and the cause is returned.
func (c *Checker) Status(ctx context.Context) (cobalt.LocalStatus, error) {
	// the info endpoint is public, the key is only handed to the manager
	headers := map[string]string{"Accept": "application/json"}
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method:  http.MethodGet,
		URL:     c.baseURL + "/",
		Headers: headers,
		Timeout: c.timeout,
	})
	if err != nil {
		c.log.Debug("local instance unreachable", "url", c.baseURL, "error", err)
		return cobalt.LocalStatus{}, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return cobalt.LocalStatus{}, fmt.Errorf("local instance answered %d", resp.Status)
	}

	var info rootInfo
	if err := resp.JSON(&info); err != nil || info.Cobalt == nil {
		return cobalt.LocalStatus{}, fmt.Errorf("%s does not look like a cobalt instance", c.baseURL)
	}
	return cobalt.LocalStatus{Running: true, Version: strings.TrimSpace(info.Cobalt.Version)}, nil
}
