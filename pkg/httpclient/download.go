package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"thirdcoast.systems/cobaltdl/pkg/utils/filename"
)

// sniffLen is how much of the payload is kept for type detection.
const sniffLen = 3072

// Progress is a snapshot of one download session.
type Progress struct {
	SessionID  uuid.UUID
	URL        string
	Filename   string
	Path       string
	Downloaded int64
	// Total is -1 when the server did not send Content-Length.
	Total     int64
	StartedAt time.Time
	Elapsed   time.Duration
	// Speed is the throughput since the previous report, in bytes per second.
	Speed float64
	Done  bool
}

// Percent returns the completed share in [0,100], or -1 if the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Downloaded) * 100 / float64(p.Total)
}

// Status is a progress record shared between a download and its observers.
type Status struct {
	mu sync.RWMutex
	p  Progress
}

// Snapshot returns the latest progress.
func (s *Status) Snapshot() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *Status) set(p Progress) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

// DownloadOptions tunes a single DownloadFile call. Zero values use the
// client options.
type DownloadOptions struct {
	Filename string
	Headers  map[string]string
	// Timeout is an absolute deadline for the whole transfer, ignored when
	// ProgressiveTimeout is set.
	Timeout            time.Duration
	ProgressiveTimeout bool
	FreezeTimeout      time.Duration
	MaxSpeed           int64
	ChunkSize          int

	// OnStatus runs inline on the download goroutine, at most once per
	// callback interval plus once at the end. Reading resumes when it returns.
	OnStatus func(Progress)
	// OnDone runs once after a successful download.
	OnDone func(Progress)
	Status *Status
}

// DownloadFile streams rawURL into folder and returns the written path.
//
// The filename is taken from opts.Filename, the Content-Disposition header or
// the last URL path segment, in that order. A download that receives no bytes
// for the freeze timeout fails with ErrStalled. Failed downloads leave any
// partial file in place.
func (c *Client) DownloadFile(ctx context.Context, rawURL, folder string, opts DownloadOptions) (string, error) {
	if opts.FreezeTimeout <= 0 {
		opts.FreezeTimeout = c.opts.FreezeTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = c.opts.ChunkSize
	}
	if opts.MaxSpeed <= 0 {
		opts.MaxSpeed = c.opts.MaxSpeed
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !opts.ProgressiveTimeout && opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Timeout)
		defer cancelTimeout()
	}

	watchdog := time.AfterFunc(opts.FreezeTimeout, func() { cancel(ErrStalled) })
	defer watchdog.Stop()

	fail := func(status int, p string, written int64, err error) (string, error) {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, ErrStalled):
			err = ErrStalled
		case cause != nil && !errors.Is(err, cause):
			err = fmt.Errorf("%w: %w", cause, err)
		}
		return "", &DownloadError{URL: rawURL, Path: p, Status: status, Written: written, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(0, "", 0, err)
	}
	c.applyHeaders(req, opts.Headers)

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, "", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, "", 0, ErrBadStatus)
	}

	name := resolveFilename(opts.Filename, resp.Header.Get("Content-Disposition"), rawURL)
	if err := c.opts.Fs.MkdirAll(folder, 0o755); err != nil {
		return fail(resp.StatusCode, "", 0, fmt.Errorf("create folder: %w", err))
	}
	outPath := filepath.Join(folder, name)

	f, err := c.opts.Fs.Create(outPath)
	if err != nil {
		return fail(resp.StatusCode, "", 0, fmt.Errorf("create file: %w", err))
	}
	closed := false
	defer func() {
		if !closed {
			f.Close()
		}
	}()

	var limiter *rate.Limiter
	if opts.MaxSpeed > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxSpeed), opts.ChunkSize)
	}

	prog := Progress{
		SessionID: uuid.New(),
		URL:       rawURL,
		Filename:  name,
		Path:      outPath,
		Total:     resp.ContentLength,
		StartedAt: time.Now(),
	}
	if prog.Total < 0 {
		prog.Total = -1
	}
	c.log.Info("download started", "url", rawURL, "path", outPath, "session", prog.SessionID, "size", sizeLabel(prog.Total))

	var (
		buf        = make([]byte, opts.ChunkSize)
		head       = make([]byte, 0, sniffLen)
		lastReport = prog.StartedAt
		lastBytes  int64
	)
	report := func(now time.Time, done bool) {
		prog.Elapsed = now.Sub(prog.StartedAt)
		if dt := now.Sub(lastReport).Seconds(); dt > 0 {
			prog.Speed = float64(prog.Downloaded-lastBytes) / dt
		}
		prog.Done = done
		lastReport, lastBytes = now, prog.Downloaded
		if opts.Status != nil {
			opts.Status.set(prog)
		}
		if opts.OnStatus != nil {
			opts.OnStatus(prog)
		}
	}

	for {
		// only time spent waiting for the server counts towards a stall
		watchdog.Reset(opts.FreezeTimeout)
		n, rerr := resp.Body.Read(buf)
		watchdog.Stop()
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fail(resp.StatusCode, outPath, prog.Downloaded, fmt.Errorf("write file: %w", err))
			}
			if len(head) < sniffLen {
				head = append(head, buf[:min(n, sniffLen-len(head))]...)
			}
			prog.Downloaded += int64(n)

			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return fail(resp.StatusCode, outPath, prog.Downloaded, err)
				}
			}
			if now := time.Now(); now.Sub(lastReport) >= c.opts.CallbackRate {
				report(now, false)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(resp.StatusCode, outPath, prog.Downloaded, rerr)
		}
	}

	switch {
	case prog.Downloaded == 0:
		return fail(resp.StatusCode, outPath, 0, ErrNoData)
	case prog.Downloaded < c.opts.MinFileSize:
		return fail(resp.StatusCode, outPath, prog.Downloaded, ErrTooSmall)
	}

	closed = true
	if err := f.Close(); err != nil {
		return fail(resp.StatusCode, outPath, prog.Downloaded, fmt.Errorf("close file: %w", err))
	}

	if !filename.HasExt(name) {
		if ext := mimetype.Detect(head).Extension(); ext != "" {
			renamed := outPath + ext
			if err := c.opts.Fs.Rename(outPath, renamed); err == nil {
				outPath, prog.Path, prog.Filename = renamed, renamed, name+ext
			} else {
				c.log.Warn("could not append detected extension", "path", outPath, "error", err)
			}
		}
	}

	if prog.Total < 0 {
		prog.Total = prog.Downloaded
	}
	report(time.Now(), true)
	if opts.OnDone != nil {
		opts.OnDone(prog)
	}
	c.log.Info("download finished", "path", outPath, "size", humanize.Bytes(uint64(prog.Downloaded)), "elapsed", prog.Elapsed.Round(time.Millisecond))

	return outPath, nil
}

func resolveFilename(explicit, disposition, rawURL string) string {
	if name := filename.Clean(explicit); name != "" {
		return name
	}
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := filename.Clean(params["filename"]); name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if name := filename.Clean(path.Base(u.Path)); name != "" && name != "/" {
			return name
		}
	}
	return "download"
}

func sizeLabel(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}
