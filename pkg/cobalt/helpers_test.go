package cobalt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

type fakeConfig struct {
	values map[string]string
	users  []UserInstance
}

func (f *fakeConfig) Get(key, def, section string) string {
	if v, ok := f.values[section+"."+key]; ok {
		return v
	}
	return def
}

func (f *fakeConfig) GetAsNumber(key string, def float64, section string) float64 {
	v, ok := f.values[section+"."+key]
	if !ok {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func (f *fakeConfig) UserInstances() []UserInstance { return f.users }

type fakeLocal struct {
	url     string
	running bool
	err     error
}

func (f fakeLocal) Status(context.Context) (LocalStatus, error) {
	return LocalStatus{Running: f.running, Version: "10.9.0"}, f.err
}
func (f fakeLocal) BaseURL() string { return f.url }
func (f fakeLocal) APIKey() string  { return "local-key" }

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memCache) Store(_ context.Context, key string, body []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = body
	return nil
}

// replica is a fake instance that counts the requests it receives.
type replica struct {
	*httptest.Server
	hits atomic.Int32
	last atomic.Value // map[string]any
	auth atomic.Value // string
}

func newReplica(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *replica {
	t.Helper()
	rep := &replica{}
	rep.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep.hits.Add(1)
		rep.auth.Store(r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rep.last.Store(body)
		handler(w, r)
	}))
	t.Cleanup(rep.Close)
	return rep
}

func (r *replica) addr() string {
	return strings.TrimPrefix(r.URL, "http://")
}

func jsonReply(body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func textReply(body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(body))
	}
}

func entry(addr string, score float64) map[string]any {
	return map[string]any{
		"api":      addr,
		"protocol": "http",
		"score":    score,
		"trust":    0,
		"online":   map[string]bool{"api": true, "frontend": true},
		"services": map[string]any{"youtube": true},
		"version":  "10.5.0",
	}
}

func newDirectory(t *testing.T, entries ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	body, err := json.Marshal(entries)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

type harness struct {
	cfg     *fakeConfig
	http    *httpclient.Client
	fs      afero.Fs
	manager *Manager
	client  *Client
}

func newHarness(t *testing.T, directoryURL string, mopts ManagerOptions, copts ClientOptions) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	hc, err := httpclient.New(httpclient.Options{RetryDelay: time.Millisecond, Fs: fs})
	require.NoError(t, err)
	t.Cleanup(hc.Close)

	cfg := &fakeConfig{values: map[string]string{
		"instances.list_api": directoryURL,
		"instances.fallback": "",
	}}
	m := NewManager(hc, cfg, mopts)
	return &harness{cfg: cfg, http: hc, fs: fs, manager: m, client: NewClient(hc, m, copts)}
}
