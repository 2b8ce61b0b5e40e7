package cobalt

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

// Remuxer rewrites a downloaded file into a clean container. It returns the
// path of the result and must leave the input untouched on failure.
type Remuxer interface {
	Remux(ctx context.Context, path string, keepOriginal bool) (string, error)
}

// DownloadOptions controls how a tunnel is written to disk.
type DownloadOptions struct {
	Folder string
	// Filename overrides the name suggested by the instance. It is ignored
	// when several URLs are downloaded at once.
	Filename     string
	Remux        bool
	KeepOriginal bool

	Timeout            time.Duration
	ProgressiveTimeout bool
	FreezeTimeout      time.Duration
	MaxSpeed           int64

	OnStatus func(httpclient.Progress)
	OnDone   func(httpclient.Progress)
	// Status, when set, is kept up to date for readers on other goroutines.
	Status *httpclient.Status
}

// Result is the outcome of one URL in a Download run.
type Result struct {
	URL  string
	Path string
	// Warning is set when post-processing failed but the download succeeded.
	Warning error
	Err     error
}

// DownloadTunnel streams tun into opts.Folder and, if asked, remuxes it.
// A remux failure is returned as warning together with the original path.
func (c *Client) DownloadTunnel(ctx context.Context, tun Tunnel, opts DownloadOptions) (path string, warning error, err error) {
	folder := opts.Folder
	if folder == "" {
		folder = "."
	}
	name := opts.Filename
	if name == "" {
		name = tun.Filename
	}

	path, err = c.http.DownloadFile(ctx, tun.URL, folder, httpclient.DownloadOptions{
		Filename:           name,
		Timeout:            opts.Timeout,
		ProgressiveTimeout: opts.ProgressiveTimeout,
		FreezeTimeout:      opts.FreezeTimeout,
		MaxSpeed:           opts.MaxSpeed,
		OnStatus:           opts.OnStatus,
		OnDone:             opts.OnDone,
		Status:             opts.Status,
	})
	if err != nil {
		return "", nil, err
	}
	if !opts.Remux {
		return path, nil, nil
	}
	if c.opts.Remuxer == nil {
		return path, errors.New("remux requested but no remuxer is configured"), nil
	}

	remuxed, rerr := c.opts.Remuxer.Remux(ctx, path, opts.KeepOriginal)
	if rerr != nil {
		c.log.Warn("remux failed, keeping original", "path", path, "error", rerr)
		return path, fmt.Errorf("remux %s: %w", path, rerr), nil
	}
	return remuxed, nil, nil
}

// DownloadURL downloads a direct URL without asking an instance.
func (c *Client) DownloadURL(ctx context.Context, rawURL string, opts DownloadOptions) (path string, warning error, err error) {
	tun, err := ParseTunnel(rawURL)
	if err != nil {
		return "", nil, err
	}
	return c.DownloadTunnel(ctx, tun, opts)
}

// Download acquires a tunnel for each URL in turn and downloads it. The
// sequence yields one Result per URL, in order, and stops early when the
// consumer stops or ctx is done. More than one URL is refused with
// ErrBulkDisabled when bulk downloads are disabled.
func (c *Client) Download(ctx context.Context, urls []string, params Params, opts DownloadOptions) (iter.Seq[Result], error) {
	if len(urls) > 1 && c.opts.DisableBulk {
		return nil, ErrBulkDisabled
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(urls) > 1 {
		opts.Filename = ""
	}

	return func(yield func(Result) bool) {
		for _, u := range urls {
			res := Result{URL: u}
			tun, err := c.FirstTunnel(ctx, u, params)
			if err != nil {
				res.Err = err
			} else {
				res.Path, res.Warning, res.Err = c.DownloadTunnel(ctx, tun, opts)
			}
			if !yield(res) || ctx.Err() != nil {
				return
			}
		}
	}, nil
}

// DownloadAll runs Download to completion. The error joins every per-URL
// failure.
func (c *Client) DownloadAll(ctx context.Context, urls []string, params Params, opts DownloadOptions) ([]Result, error) {
	seq, err := c.Download(ctx, urls, params, opts)
	if err != nil {
		return nil, err
	}
	var (
		results []Result
		errs    []error
	)
	for res := range seq {
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.URL, res.Err))
		}
	}
	return results, errors.Join(errs...)
}
