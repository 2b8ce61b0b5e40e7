// Package server exposes the client as a cobalt-compatible API: a POST to /
// is answered by the first instance that produces a tunnel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"thirdcoast.systems/cobaltdl/pkg/cobalt"
)

const welcome = "cobaltdl api: use it like any cobalt instance, answers come from the first instance that produces a tunnel"

// Options configures a Server.
type Options struct {
	Version string
	// RateLimit is the allowed requests per second per client IP. Zero
	// disables limiting.
	RateLimit float64
	Logger    *slog.Logger
}

type Server struct {
	*echo.Echo
	client  *cobalt.Client
	manager *cobalt.Manager
	opts    Options
	log     *slog.Logger
}

func New(client *cobalt.Client, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		Echo:    echo.New(),
		client:  client,
		manager: client.Manager(),
		opts:    opts,
		log:     opts.Logger.With(slog.String("item", "APIServer")),
	}
	s.setupMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	s.Use(middleware.BodyLimit("64K"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	if s.opts.RateLimit > 0 {
		s.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(s.opts.RateLimit))))
	}
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			s.log.Info("request", fields...)
			return nil
		},
	}))
}

func (s *Server) registerRoutes() {
	s.GET("/", s.handleInfo)
	s.GET("/instances", s.handleInstances)
	s.POST("/", s.handleTunnel)
}

type infoResponse struct {
	Message       string     `json:"message"`
	Version       string     `json:"version"`
	InstanceCount int        `json:"instance_count"`
	FetchedAt     *time.Time `json:"fetched_at,omitempty"`
}

func (s *Server) handleInfo(c echo.Context) error {
	info := infoResponse{
		Message:       welcome,
		Version:       s.opts.Version,
		InstanceCount: len(s.manager.Fetched()),
	}
	if at := s.manager.FetchedAt(); !at.IsZero() {
		info.FetchedAt = &at
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleInstances(c echo.Context) error {
	instances, err := s.manager.Instances(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, instances)
}

type tunnelReply struct {
	Status   string `json:"status"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

type errorReply struct {
	Status string      `json:"status"`
	Error  errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

func replyError(c echo.Context, status int, code string, ctx map[string]any) error {
	return c.JSON(status, errorReply{Status: "error", Error: errorDetail{Code: code, Context: ctx}})
}

func (s *Server) handleTunnel(c echo.Context) error {
	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return replyError(c, http.StatusBadRequest, "error.api.invalid_body", nil)
	}
	mediaURL, _ := body["url"].(string)
	if mediaURL == "" {
		return replyError(c, http.StatusBadRequest, "error.api.link.missing", nil)
	}
	delete(body, "url")

	params := cobalt.Params(body)
	if err := params.Validate(); err != nil {
		return replyError(c, http.StatusBadRequest, "error.api.invalid_body", map[string]any{"reason": err.Error()})
	}

	tun, err := s.client.FirstTunnel(c.Request().Context(), mediaURL, params)
	if err != nil {
		var re *cobalt.RequestError
		if errors.As(err, &re) {
			code := "error.api.instances.failed"
			if errors.Is(err, cobalt.ErrNoInstances) {
				code = "error.api.instances.none"
			}
			kinds := map[string]int{}
			for k, n := range re.Kinds() {
				kinds[string(k)] = n
			}
			return replyError(c, http.StatusBadGateway, code, map[string]any{
				"tried":    len(re.Failures),
				"kinds":    kinds,
				"systemic": re.Systemic(),
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tunnelReply{Status: "tunnel", URL: tun.URL, Filename: tun.Filename})
}

// RefreshLoop re-reads the instance directory every period until ctx is
// done. Failures are logged and retried on the next tick.
func (s *Server) RefreshLoop(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		got, err := s.manager.FetchInstances(ctx, s.manager.DefaultFetchOptions())
		if err != nil {
			s.log.Warn("instance refresh failed", "error", err)
		} else {
			s.log.Debug("instances refreshed", "count", len(got))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, refresh time.Duration) error {
	go s.RefreshLoop(ctx, refresh)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	s.log.Info("Listening", "addr", addr)
	if err := s.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
