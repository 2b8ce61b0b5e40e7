// Package httpclient is the HTTP transport shared by the instance manager and
// the download engine. It retries rate-limited and bot-mitigated requests a
// bounded number of times and streams large bodies to disk.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxRetries    = 5
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryAfter = time.Minute
	DefaultCallbackRate  = 128 * time.Millisecond
	DefaultChunkSize     = 256 * 1024
	DefaultFreezeTimeout = 30 * time.Second
	DefaultMinFileSize   = 1024
	DefaultUserAgent     = "cobaltdl"

	// maxBodySize bounds bodies buffered by Do. Media goes through DownloadFile.
	maxBodySize = 32 << 20
)

// botMitigationMarker appears in the interstitial page some hosting
// providers serve to suspected bots instead of the real answer.
var botMitigationMarker = []byte("REMOTE_ADDR = ")

// Options configures a Client. Zero values fall back to the package defaults.
type Options struct {
	Timeout time.Duration
	// MaxRetries bounds retries after the first attempt. Negative disables
	// retrying.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryAfter time.Duration
	Proxy         string
	UserAgent     string
	Headers       map[string]string

	CallbackRate  time.Duration
	ChunkSize     int
	FreezeTimeout time.Duration
	// MaxSpeed caps download throughput in bytes per second. Zero is unlimited.
	MaxSpeed    int64
	MinFileSize int64

	Fs     afero.Fs
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetryAfter <= 0 {
		o.MaxRetryAfter = DefaultMaxRetryAfter
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.CallbackRate <= 0 {
		o.CallbackRate = DefaultCallbackRate
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.FreezeTimeout <= 0 {
		o.FreezeTimeout = DefaultFreezeTimeout
	}
	if o.MinFileSize == 0 {
		o.MinFileSize = DefaultMinFileSize
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client issues HTTP requests with bounded retries. It is safe for
// concurrent use.
type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger

	mu      sync.RWMutex
	proxy   *url.URL
	headers http.Header
}

// New builds a Client from opts.
func New(opts Options) (*Client, error) {
	opts.setDefaults()

	c := &Client{
		opts:    opts,
		log:     opts.Logger.With(slog.String("item", "HTTPClient")),
		headers: http.Header{},
	}
	c.headers.Set("User-Agent", opts.UserAgent)
	for k, v := range opts.Headers {
		c.headers.Set(k, v)
	}
	if err := c.SetProxy(opts.Proxy); err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = c.proxyFor
	c.http = &http.Client{Transport: transport}

	return c, nil
}

// SetProxy routes subsequent requests through raw. An empty string removes
// the proxy.
func (c *Client) SetProxy(raw string) error {
	raw = strings.TrimSpace(raw)
	var u *url.URL
	if raw != "" {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("httpclient: invalid proxy %q", raw)
		}
		u = parsed
	}
	c.mu.Lock()
	c.proxy = u
	c.mu.Unlock()
	return nil
}

// SetHeader sets a header sent with every request. An empty value removes it.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		c.headers.Del(key)
		return
	}
	c.headers.Set(key, value)
}

// SetUserAgent replaces the User-Agent header.
func (c *Client) SetUserAgent(ua string) {
	c.SetHeader("User-Agent", ua)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Options returns the effective options.
func (c *Client) Options() Options {
	return c.opts
}

func (c *Client) proxyFor(*http.Request) (*url.URL, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proxy, nil
}

func (c *Client) applyHeaders(req *http.Request, extra map[string]string) {
	c.mu.RLock()
	for k, vs := range c.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	c.mu.RUnlock()
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// Request describes one logical HTTP call.
type Request struct {
	Method string
	URL    string
	Params url.Values
	// Body is sent as JSON unless it is a []byte or string.
	Body    any
	Headers map[string]string
	// Timeout bounds each attempt. Zero uses the client timeout.
	Timeout time.Duration
}

// Response is a fully buffered HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// IsJSON reports whether the body is a well-formed JSON document.
func (r *Response) IsJSON() bool {
	return json.Valid(bytes.TrimSpace(r.Body))
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Params: params})
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, rawURL string, body any, headers map[string]string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Body: body, Headers: headers})
}

// Do performs req. HTTP 429 answers and bot-mitigation pages are retried
// after a delay, sharing one retry budget; 404 returns ErrPageNotFound
// immediately. Connection failures are not retried. Any other status is
// returned to the caller as a Response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := withParams(req.URL, req.Params)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: req.URL, Err: err}
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, &TransportError{Method: req.Method, URL: target, Err: err}
	}
	if body != nil {
		headers := map[string]string{"Content-Type": "application/json"}
		for k, v := range req.Headers {
			headers[http.CanonicalHeaderKey(k)] = v
		}
		req.Headers = headers
	}

	var (
		attempts int
		wait     time.Duration
		status   int
		out      *Response
	)
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxRetries), retry.BackoffFunc(func() (time.Duration, bool) {
		return wait, false
	}))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		resp, err := c.attempt(ctx, req, target, body)
		if err != nil {
			return err
		}
		status = resp.Status

		switch {
		case resp.Status == http.StatusNotFound:
			return ErrPageNotFound
		case resp.Status == http.StatusTooManyRequests:
			wait = c.retryAfter(resp.Header)
			c.log.Debug("rate limited", "url", target, "attempt", attempts, "wait", wait)
			return retry.RetryableError(ErrRateLimited)
		case bytes.Contains(resp.Body, botMitigationMarker):
			wait = c.opts.RetryDelay
			c.log.Debug("bot mitigation page", "url", target, "attempt", attempts, "wait", wait)
			return retry.RetryableError(ErrBotMitigation)
		}

		out = resp
		return nil
	})
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBotMitigation)) {
			err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		return nil, &TransportError{Method: req.Method, URL: target, Attempts: attempts, Status: status, Err: err}
	}
	return out, nil
}

func (c *Client) attempt(ctx context.Context, req Request, target string, body []byte) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(hreq, req.Headers)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// retryAfter reads Retry-After as delta seconds or an HTTP date.
func (c *Client) retryAfter(h http.Header) time.Duration {
	wait := c.opts.RetryDelay
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			wait = time.Duration(secs * float64(time.Second))
		} else if at, err := http.ParseTime(v); err == nil {
			wait = max(time.Until(at), 0)
		}
	}
	return min(wait, c.opts.MaxRetryAfter)
}

func withParams(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		return data, nil
	}
}
