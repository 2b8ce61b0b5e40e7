// Package cobalt talks to cobalt media-extraction instances: it discovers
// and ranks replicas, asks them for download tunnels and streams the
// resulting media to disk.
package cobalt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

// FanOut selects how instances are tried for one URL.
type FanOut string

const (
	// FanOutRace asks all candidates at once and keeps the first tunnel.
	FanOutRace FanOut = "race"
	// FanOutSequential asks candidates one by one in rank order.
	FanOutSequential FanOut = "sequential"
)

// ParseFanOut maps a configuration value to a FanOut, defaulting to race.
func ParseFanOut(s string) (FanOut, error) {
	switch FanOut(strings.ToLower(strings.TrimSpace(s))) {
	case "", FanOutRace:
		return FanOutRace, nil
	case FanOutSequential:
		return FanOutSequential, nil
	default:
		return "", fmt.Errorf("cobalt: unknown fan-out strategy %q", s)
	}
}

// challengeMarkers identify anti-bot interstitials served instead of JSON.
var challengeMarkers = [][]byte{
	[]byte("challenge-platform"),
	[]byte("cf-chl"),
	[]byte("cf-browser-verification"),
	[]byte("just a moment..."),
	[]byte("attention required! | cloudflare"),
	[]byte("ddos-guard"),
}

func isChallenge(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range challengeMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ClientOptions configures a Client.
type ClientOptions struct {
	FanOut FanOut
	// RaceWidth bounds concurrent attempts in race mode. Zero means all.
	RaceWidth int
	// AuthScheme prefixes the API key in the Authorization header.
	AuthScheme  string
	Remuxer     Remuxer
	DisableBulk bool
	Logger      *slog.Logger
}

// Client turns media URLs into tunnels and files.
type Client struct {
	http    *httpclient.Client
	manager *Manager
	opts    ClientOptions
	log     *slog.Logger
}

// NewClient returns a Client that picks instances from manager.
func NewClient(http *httpclient.Client, manager *Manager, opts ClientOptions) *Client {
	if opts.FanOut == "" {
		opts.FanOut = FanOutRace
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = "Bearer"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		http:    http,
		manager: manager,
		opts:    opts,
		log:     opts.Logger.With(slog.String("item", "CobaltClient")),
	}
}

// Manager returns the instance manager used by c.
func (c *Client) Manager() *Manager { return c.manager }

// RequestTunnel asks a single instance for a tunnel to mediaURL. Failures
// are *TunnelError and are never retried against the same instance.
func (c *Client) RequestTunnel(ctx context.Context, inst Instance, mediaURL string, params Params) (Tunnel, error) {
	tun, terr := c.requestTunnel(ctx, inst, mediaURL, params)
	if terr != nil {
		return Tunnel{}, terr
	}
	return tun, nil
}

func (c *Client) requestTunnel(ctx context.Context, inst Instance, mediaURL string, params Params) (Tunnel, *TunnelError) {
	headers := map[string]string{"Accept": "application/json"}
	if inst.APIKey != "" {
		headers["Authorization"] = c.opts.AuthScheme + " " + inst.APIKey
	}

	fail := func(kind FailureKind, err error) *TunnelError {
		return &TunnelError{Instance: inst.URL, Kind: kind, Err: err}
	}

	resp, err := c.http.Post(ctx, inst.URL+"/", params.body(mediaURL), headers)
	if err != nil {
		if errors.Is(err, httpclient.ErrPageNotFound) {
			return Tunnel{}, fail(FailureNotFound, err)
		}
		return Tunnel{}, fail(FailureTransport, err)
	}

	if !resp.IsJSON() {
		if isChallenge(resp.Body) {
			return Tunnel{}, fail(FailureChallenge, fmt.Errorf("bot challenge page (status %d)", resp.Status))
		}
		return Tunnel{}, fail(FailureMalformed, fmt.Errorf("non-JSON response (status %d)", resp.Status))
	}

	var tr tunnelResponse
	if err := resp.JSON(&tr); err != nil {
		return Tunnel{}, fail(FailureMalformed, err)
	}

	switch {
	case tr.Status == "":
		return Tunnel{}, fail(FailureMalformed, fmt.Errorf("response has no status (status %d)", resp.Status))
	case tr.Status != "tunnel":
		te := fail(FailureRejected, nil)
		te.Status = tr.Status
		if tr.Error != nil {
			te.Code = tr.Error.Code
		}
		return Tunnel{}, te
	case tr.URL == "":
		te := fail(FailureNoURL, nil)
		te.Status = tr.Status
		return Tunnel{}, te
	}

	tun, err := ParseTunnel(tr.URL)
	if err != nil {
		return Tunnel{}, fail(FailureMalformed, fmt.Errorf("parse tunnel url: %w", err))
	}
	tun.Filename = tr.Filename
	tun.Instance = &inst
	return tun, nil
}

// FirstTunnel returns the first tunnel any online instance produces for
// mediaURL. If none does, the error is a *RequestError listing every
// instance failure.
func (c *Client) FirstTunnel(ctx context.Context, mediaURL string, params Params) (Tunnel, error) {
	if err := params.Validate(); err != nil {
		return Tunnel{}, err
	}
	all, err := c.manager.Instances(ctx)
	if err != nil {
		return Tunnel{}, err
	}
	candidates := make([]Instance, 0, len(all))
	for _, inst := range all {
		if inst.Online.API {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return Tunnel{}, &RequestError{URL: mediaURL}
	}

	var (
		tun      Tunnel
		failures []*TunnelError
	)
	if c.opts.FanOut == FanOutSequential {
		tun, failures = c.sequential(ctx, candidates, mediaURL, params)
	} else {
		tun, failures = c.race(ctx, candidates, mediaURL, params)
	}
	if failures == nil {
		c.log.Debug("tunnel acquired", "url", mediaURL, "instance", tun.Instance.URL)
		return tun, nil
	}
	if err := ctx.Err(); err != nil {
		return Tunnel{}, err
	}
	rerr := &RequestError{URL: mediaURL, Failures: failures}
	c.log.Warn("no instance produced a tunnel", "url", mediaURL, "error", rerr)
	return Tunnel{}, rerr
}

func (c *Client) sequential(ctx context.Context, candidates []Instance, mediaURL string, params Params) (Tunnel, []*TunnelError) {
	failures := make([]*TunnelError, 0, len(candidates))
	for _, inst := range candidates {
		if ctx.Err() != nil {
			break
		}
		tun, terr := c.requestTunnel(ctx, inst, mediaURL, params)
		if terr == nil {
			return tun, nil
		}
		c.log.Debug("instance failed", "instance", inst.URL, "kind", terr.Kind, "error", terr)
		failures = append(failures, terr)
	}
	return Tunnel{}, failures
}

type attempt struct {
	idx  int
	tun  Tunnel
	terr *TunnelError
}

// race launches attempts concurrently, at most RaceWidth at a time, and
// cancels the rest once one succeeds. Failures keep rank order.
func (c *Client) race(ctx context.Context, candidates []Instance, mediaURL string, params Params) (Tunnel, []*TunnelError) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attempt, len(candidates))
	var g errgroup.Group
	if c.opts.RaceWidth > 0 {
		g.SetLimit(c.opts.RaceWidth)
	}
	go func() {
		defer close(results)
		for i, inst := range candidates {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				tun, terr := c.requestTunnel(ctx, inst, mediaURL, params)
				if terr == nil {
					cancel()
				}
				results <- attempt{idx: i, tun: tun, terr: terr}
				return nil
			})
		}
		g.Wait()
	}()

	byRank := make([]*TunnelError, len(candidates))
	for r := range results {
		if r.terr == nil {
			return r.tun, nil
		}
		c.log.Debug("instance failed", "instance", candidates[r.idx].URL, "kind", r.terr.Kind, "error", r.terr)
		byRank[r.idx] = r.terr
	}

	failures := make([]*TunnelError, 0, len(candidates))
	for _, f := range byRank {
		if f != nil {
			failures = append(failures, f)
		}
	}
	return Tunnel{}, failures
}
