package httpclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	return bytes.Repeat([]byte("cobalt-"), n/7+1)[:n]
}

func newDownloadClient(t *testing.T, opts Options) (*Client, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	opts.Fs = fs
	return newTestClient(t, opts), fs
}

func TestDownloadFile_ContentDisposition(t *testing.T) {
	body := payload(64 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="My Video (720p).mp4"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	c, fs := newDownloadClient(t, Options{CallbackRate: time.Nanosecond, ChunkSize: 4096})

	var (
		mu      sync.Mutex
		reports []Progress
		done    *Progress
	)
	status := &Status{}
	path, err := c.DownloadFile(context.Background(), srv.URL+"/tunnel?id=1", "/out/nested", DownloadOptions{
		Status: status,
		OnStatus: func(p Progress) {
			mu.Lock()
			reports = append(reports, p)
			mu.Unlock()
		},
		OnDone: func(p Progress) { done = &p },
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/out/nested", "My Video (720p).mp4"), path)

	got, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, body, got)

	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		require.GreaterOrEqual(t, reports[i].Downloaded, reports[i-1].Downloaded)
	}
	last := reports[len(reports)-1]
	require.True(t, last.Done)
	require.EqualValues(t, len(body), last.Downloaded)
	require.EqualValues(t, len(body), last.Total)
	require.InDelta(t, 100, last.Percent(), 0.001)

	require.NotNil(t, done)
	require.Equal(t, last.SessionID, done.SessionID)
	require.True(t, status.Snapshot().Done)
}

func TestDownloadFile_FilenameFallbacks(t *testing.T) {
	body := payload(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c, _ := newDownloadClient(t, Options{})

	path, err := c.DownloadFile(context.Background(), srv.URL+"/media/clip.webm", "/dl", DownloadOptions{})
	require.NoError(t, err)
	require.Equal(t, "/dl/clip.webm", filepath.ToSlash(path))

	path, err = c.DownloadFile(context.Background(), srv.URL+"/media/clip.webm", "/dl", DownloadOptions{Filename: "chosen.webm"})
	require.NoError(t, err)
	require.Equal(t, "/dl/chosen.webm", filepath.ToSlash(path))
}

func TestDownloadFile_AppendsDetectedExtension(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), payload(2048)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(png)
	}))
	defer srv.Close()

	c, fs := newDownloadClient(t, Options{})
	path, err := c.DownloadFile(context.Background(), srv.URL+"/thumb", "/dl", DownloadOptions{})
	require.NoError(t, err)
	require.Equal(t, "/dl/thumb.png", filepath.ToSlash(path))

	exists, err := afero.Exists(fs, "/dl/thumb")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDownloadFile_ZeroBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newDownloadClient(t, Options{})
	path, err := c.DownloadFile(context.Background(), srv.URL+"/empty.mp4", "/dl", DownloadOptions{})
	require.ErrorIs(t, err, ErrNoData)
	require.Empty(t, path)
	require.Contains(t, err.Error(), "no data received")
}

func TestDownloadFile_TooSmall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	c, fs := newDownloadClient(t, Options{})
	_, err := c.DownloadFile(context.Background(), srv.URL+"/tiny.mp4", "/dl", DownloadOptions{})
	require.ErrorIs(t, err, ErrTooSmall)

	var de *DownloadError
	require.True(t, errors.As(err, &de))
	require.EqualValues(t, 4, de.Written)

	// partial output stays for the caller to inspect
	exists, _ := afero.Exists(fs, de.Path)
	require.True(t, exists)
}

func TestDownloadFile_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	c, _ := newDownloadClient(t, Options{})
	_, err := c.DownloadFile(context.Background(), srv.URL+"/x.mp4", "/dl", DownloadOptions{})
	require.ErrorIs(t, err, ErrBadStatus)

	var de *DownloadError
	require.True(t, errors.As(err, &de))
	require.Equal(t, http.StatusGone, de.Status)
}

func TestDownloadFile_Stall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload(2048))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c, fs := newDownloadClient(t, Options{})
	start := time.Now()
	_, err := c.DownloadFile(context.Background(), srv.URL+"/slow.mp4", "/dl", DownloadOptions{
		FreezeTimeout:      150 * time.Millisecond,
		ProgressiveTimeout: true,
	})
	require.ErrorIs(t, err, ErrStalled)
	require.Less(t, time.Since(start), 4*time.Second)

	var de *DownloadError
	require.True(t, errors.As(err, &de))
	size, err := afero.ReadFile(fs, de.Path)
	require.NoError(t, err)
	require.Len(t, size, 2048)
}

func TestDownloadFile_AbsoluteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 50; i++ {
			if _, err := w.Write(payload(512)); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer srv.Close()

	c, _ := newDownloadClient(t, Options{})
	_, err := c.DownloadFile(context.Background(), srv.URL+"/a.mp4", "/dl", DownloadOptions{Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDownloadFile_MaxSpeed(t *testing.T) {
	body := payload(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c, _ := newDownloadClient(t, Options{ChunkSize: 1024})
	start := time.Now()
	_, err := c.DownloadFile(context.Background(), srv.URL+"/capped.bin", "/dl", DownloadOptions{MaxSpeed: 8192})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestDownloadFile_SlowCapIsNotAStall(t *testing.T) {
	body := payload(12 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c, fs := newDownloadClient(t, Options{ChunkSize: 4096, CallbackRate: time.Nanosecond})
	start := time.Now()
	path, err := c.DownloadFile(context.Background(), srv.URL+"/capped.bin", "/dl", DownloadOptions{
		// each chunk waits 500ms for the limiter, well past the freeze window
		MaxSpeed:           8192,
		FreezeTimeout:      200 * time.Millisecond,
		ProgressiveTimeout: true,
		OnStatus:           func(Progress) { time.Sleep(250 * time.Millisecond) },
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), time.Second)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestResolveFilename(t *testing.T) {
	require.Equal(t, "a.mp4", resolveFilename("a.mp4", `attachment; filename="b.mp4"`, "http://x/c.mp4"))
	require.Equal(t, "b.mp4", resolveFilename("", `attachment; filename="b.mp4"`, "http://x/c.mp4"))
	require.Equal(t, "naïve.mp3", resolveFilename("", `attachment; filename*=UTF-8''na%C3%AFve.mp3`, "http://x/"))
	require.Equal(t, "c d.mp4", resolveFilename("", "", "http://x/path/c%20d.mp4?id=1"))
	require.Equal(t, "download", resolveFilename("", "", "http://x/"))
}
