package cobalt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

const (
	// DefaultFallbackURL is the last-resort instance.
	DefaultFallbackURL = "https://dwnld.nichind.dev"

	localScore  = 100
	localTrust  = 2
	pinnedTrust = 1

	directoryCacheKey = "directory"
)

// UserInstance is an instance pinned in the configuration.
type UserInstance struct {
	URL    string `mapstructure:"url" json:"url" yaml:"url" validate:"required"`
	APIKey string `mapstructure:"api_key" json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// ConfigProvider is the read-only configuration the manager and client
// consult. Keys are looked up inside section.
type ConfigProvider interface {
	Get(key, def, section string) string
	GetAsNumber(key string, def float64, section string) float64
	UserInstances() []UserInstance
}

// LocalStatus is the health of a self-hosted instance.
type LocalStatus struct {
	Running bool
	Version string
}

// LocalHealth reports on a self-hosted instance. The manager never starts or
// stops it.
type LocalHealth interface {
	Status(ctx context.Context) (LocalStatus, error)
	BaseURL() string
	APIKey() string
}

// ManagerOptions holds the optional collaborators of a Manager.
type ManagerOptions struct {
	Local    LocalHealth
	Cache    DirectoryCache
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// FetchOptions filters the directory listing.
type FetchOptions struct {
	MinVersion   string
	MinScore     float64
	FilterOnline bool
}

// Manager assembles the ranked instance list from the local instance, the
// pinned instances, the public directory and the fallback.
type Manager struct {
	http     *httpclient.Client
	cfg      ConfigProvider
	local    LocalHealth
	cache    DirectoryCache
	cacheTTL time.Duration
	log      *slog.Logger

	mu        sync.RWMutex
	fetched   []Instance
	fetchedAt time.Time
}

// NewManager returns a Manager that reads the directory through client.
func NewManager(client *httpclient.Client, cfg ConfigProvider, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	return &Manager{
		http:     client,
		cfg:      cfg,
		local:    opts.Local,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		log:      opts.Logger.With(slog.String("item", "InstanceManager")),
	}
}

// DefaultFetchOptions reads the directory filters from the configuration.
func (m *Manager) DefaultFetchOptions() FetchOptions {
	online, err := strconv.ParseBool(m.cfg.Get("filter_online", "true", "instances"))
	if err != nil {
		online = true
	}
	return FetchOptions{
		MinVersion:   m.cfg.Get("min_version", "", "instances"),
		MinScore:     m.cfg.GetAsNumber("min_score", 0, "instances"),
		FilterOnline: online,
	}
}

// FetchInstances reads the public directory, filters and ranks it, and
// replaces the fetched cache. When the directory cannot be read the last
// good copy from the DirectoryCache is used instead.
func (m *Manager) FetchInstances(ctx context.Context, opts FetchOptions) ([]Instance, error) {
	listURL := m.cfg.Get("list_api", DefaultDirectoryURL, "instances")

	entries, err := m.readDirectory(ctx, listURL)
	if err != nil {
		cached, cerr := m.cachedDirectory(ctx)
		if cerr != nil {
			m.log.Warn("directory unavailable and no cached copy", "url", listURL, "error", err, "cache_error", cerr)
			return nil, &FetchError{URL: listURL, Err: err}
		}
		m.log.Warn("directory unavailable, using cached copy", "url", listURL, "error", err)
		entries = cached
	}

	users := m.cfg.UserInstances()
	seen := make(map[string]struct{}, len(entries))
	out := make([]Instance, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.API) == "" {
			continue
		}
		inst, err := e.instance()
		if err != nil {
			m.log.Debug("skipping directory entry", "api", e.API, "error", err)
			continue
		}
		if _, dup := seen[inst.URL]; dup {
			continue
		}
		seen[inst.URL] = struct{}{}

		if opts.FilterOnline && !inst.Online.API {
			continue
		}
		if inst.Score < opts.MinScore {
			continue
		}
		// rows without a version are kept
		if inst.Version != "" && !VersionAtLeast(inst.Version, opts.MinVersion) {
			continue
		}
		inst.APIKey = pinnedKey(e.API, users)
		out = append(out, inst)
	}
	out = Rank(out)

	m.mu.Lock()
	m.fetched = out
	m.fetchedAt = time.Now()
	m.mu.Unlock()

	m.log.Info("fetched instances", "url", listURL, "listed", len(entries), "kept", len(out))
	return slices.Clone(out), nil
}

func (m *Manager) readDirectory(ctx context.Context, listURL string) ([]DirectoryEntry, error) {
	resp, err := m.http.Get(ctx, listURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.Status)
	}
	entries, err := parseDirectory(resp.Body)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if err := m.cache.Store(ctx, directoryCacheKey, resp.Body, m.cacheTTL); err != nil {
			m.log.Warn("failed to cache directory", "error", err)
		}
	}
	return entries, nil
}

func (m *Manager) cachedDirectory(ctx context.Context) ([]DirectoryEntry, error) {
	if m.cache == nil {
		return nil, fmt.Errorf("no directory cache configured")
	}
	body, ok, err := m.cache.Load(ctx, directoryCacheKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("directory cache is empty")
	}
	return parseDirectory(body)
}

// pinnedKey returns the key of the first pinned instance whose address
// contains api, or is contained in it.
func pinnedKey(api string, users []UserInstance) string {
	api = strings.ToLower(strings.TrimSpace(api))
	for _, u := range users {
		addr := strings.ToLower(strings.TrimSpace(u.URL))
		if addr == "" {
			continue
		}
		if strings.Contains(addr, api) || strings.Contains(api, addr) {
			return u.APIKey
		}
	}
	return ""
}

// Fetched returns the instances kept by the last FetchInstances call.
func (m *Manager) Fetched() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.fetched)
}

// FetchedAt is the time of the last successful FetchInstances call.
func (m *Manager) FetchedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetchedAt
}

// Instances returns every known instance, ranked: the local instance if it
// is running, the pinned instances, the fetched instances and the fallback.
// An address listed by several sources appears once, as its most trusted
// source.
// The directory is only read when the fetched cache is empty; a directory
// failure is logged and the remaining sources are still returned.
func (m *Manager) Instances(ctx context.Context) ([]Instance, error) {
	var (
		local    *Instance
		needsDir = len(m.Fetched()) == 0
	)

	g, gctx := errgroup.WithContext(ctx)
	if m.local != nil {
		g.Go(func() error {
			local = m.localInstance(gctx)
			return nil
		})
	}
	if needsDir {
		g.Go(func() error {
			if _, err := m.FetchInstances(gctx, m.DefaultFetchOptions()); err != nil {
				m.log.Warn("continuing without directory instances", "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []Instance
	if local != nil {
		all = append(all, *local)
	}
	all = append(all, m.pinned()...)
	all = append(all, m.Fetched()...)
	if fb, ok := m.fallback(); ok {
		all = append(all, fb)
	}
	return Rank(uniqueByURL(all)), nil
}

// uniqueByURL keeps the first instance per address. Callers pass sources in
// trust order so the more trusted copy survives.
func uniqueByURL(instances []Instance) []Instance {
	seen := make(map[string]struct{}, len(instances))
	out := instances[:0:0]
	for _, inst := range instances {
		if _, dup := seen[inst.URL]; dup {
			continue
		}
		seen[inst.URL] = struct{}{}
		out = append(out, inst)
	}
	return out
}

// Best returns the highest ranked online instance that supports service.
// An empty service matches any instance; when no instance lists the service
// the best online instance is returned.
func (m *Manager) Best(ctx context.Context, service string) (Instance, error) {
	all, err := m.Instances(ctx)
	if err != nil {
		return Instance{}, err
	}
	var first *Instance
	for i := range all {
		inst := &all[i]
		if !inst.Online.API {
			continue
		}
		if first == nil {
			first = inst
		}
		if service == "" || inst.ServiceWorks(service) {
			return *inst, nil
		}
	}
	if first == nil {
		return Instance{}, ErrNoInstances
	}
	return *first, nil
}

func (m *Manager) localInstance(ctx context.Context) *Instance {
	st, err := m.local.Status(ctx)
	if err != nil {
		m.log.Warn("local instance unreachable", "url", m.local.BaseURL(), "error", err)
		return nil
	}
	if !st.Running {
		return nil
	}
	addr, err := NormalizeURL(m.local.BaseURL(), "http")
	if err != nil {
		m.log.Warn("invalid local instance address", "url", m.local.BaseURL(), "error", err)
		return nil
	}
	version := st.Version
	if version == "" {
		version = "local"
	}
	return &Instance{
		URL:     addr,
		Name:    "local",
		Score:   localScore,
		Trust:   localTrust,
		Online:  Online{API: true},
		Version: version,
		APIKey:  m.local.APIKey(),
		Source:  SourceLocal,
	}
}

func (m *Manager) pinned() []Instance {
	score := m.cfg.GetAsNumber("pinned_score", localScore, "instances")
	var out []Instance
	for _, u := range m.cfg.UserInstances() {
		addr, err := NormalizeURL(u.URL, "https")
		if err != nil {
			m.log.Warn("skipping pinned instance", "url", u.URL, "error", err)
			continue
		}
		out = append(out, Instance{
			URL:    addr,
			Score:  score,
			Trust:  pinnedTrust,
			Online: Online{API: true},
			APIKey: u.APIKey,
			Source: SourceUser,
		})
	}
	return out
}

func (m *Manager) fallback() (Instance, bool) {
	raw := m.cfg.Get("fallback", DefaultFallbackURL, "instances")
	if strings.TrimSpace(raw) == "" {
		return Instance{}, false
	}
	addr, err := NormalizeURL(raw, "https")
	if err != nil {
		m.log.Warn("invalid fallback instance", "url", raw, "error", err)
		return Instance{}, false
	}
	return Instance{
		URL:    addr,
		Name:   "fallback",
		Online: Online{API: true},
		APIKey: m.cfg.Get("fallback_api_key", "", "instances"),
		Source: SourceFallback,
	}, true
}
