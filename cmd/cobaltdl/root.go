package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"thirdcoast.systems/cobaltdl/internal/config"
	"thirdcoast.systems/cobaltdl/internal/dircache"
	"thirdcoast.systems/cobaltdl/internal/localinstance"
	"thirdcoast.systems/cobaltdl/pkg/cobalt"
	"thirdcoast.systems/cobaltdl/pkg/ffmpeg"
	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

// cli holds the global flags and the state built in PersistentPreRunE.
type cli struct {
	cfgFile string
	debug   bool
	proxy   string
	timeout time.Duration

	cfg *config.Config
	log *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "cobaltdl",
		Short: "Download media through cobalt instances",
		Long: `cobaltdl asks cobalt instances for download tunnels and streams the
media to disk. Instances come from a local server, the configuration and the
public directory, ranked by score; the first one that answers wins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/cobaltdl/config.yaml)")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&c.proxy, "proxy", "", "HTTP proxy for all requests")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 0, "per-request timeout (default from config)")

	root.AddCommand(
		newDownloadCmd(c),
		newInstancesCmd(c),
		newServeCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) load(ctx context.Context) error {
	cfg, err := config.Load(ctx, c.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with flags
	if c.debug {
		cfg.General.Debug = true
	}
	if c.proxy != "" {
		cfg.Network.Proxy = c.proxy
		cfg.Set("proxy", "network", c.proxy)
	}
	if c.timeout > 0 {
		cfg.Network.Timeout = c.timeout
		cfg.Set("timeout", "network", c.timeout)
	}
	if cfg.General.UserAgent == httpclient.DefaultUserAgent {
		cfg.General.UserAgent = httpclient.DefaultUserAgent + "/" + version
	}

	c.cfg = cfg
	c.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(c.log)
	return nil
}

// app is the wired client stack for one command run.
type app struct {
	http    *httpclient.Client
	manager *cobalt.Manager
	client  *cobalt.Client
	closers []func() error
}

func (a *app) Close() {
	for _, f := range a.closers {
		_ = f()
	}
	a.http.Close()
}

func (c *cli) build(ctx context.Context, fanOut cobalt.FanOut) (*app, error) {
	hc, err := httpclient.New(c.cfg.HTTPOptions(c.log))
	if err != nil {
		return nil, err
	}
	a := &app{http: hc}

	mopts := cobalt.ManagerOptions{CacheTTL: c.cfg.Cache.TTL, Logger: c.log}
	if c.cfg.Local.Enabled {
		local, err := localinstance.New(hc, c.cfg.Local.URL, c.cfg.Local.APIKey, 0, c.log)
		if err != nil {
			a.Close()
			return nil, err
		}
		mopts.Local = local
	}
	if c.cfg.Cache.RedisURL != "" {
		cache, err := dircache.Open(ctx, c.cfg.Cache.RedisURL, "", c.log)
		if err != nil {
			c.log.Warn("directory cache unavailable", "error", err)
		} else {
			mopts.Cache = cache
			a.closers = append(a.closers, cache.Close)
		}
	}
	a.manager = cobalt.NewManager(hc, c.cfg, mopts)

	var remuxer cobalt.Remuxer
	if runner := ffmpeg.NewRunner(); runner.Available() {
		remuxer = ffmpeg.NewRemuxer(runner, nil, c.log)
	}
	copts, err := c.cfg.ClientOptions(remuxer, c.log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if fanOut != "" {
		copts.FanOut = fanOut
	}
	a.client = cobalt.NewClient(hc, a.manager, copts)
	return a, nil
}
