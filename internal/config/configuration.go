package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"thirdcoast.systems/cobaltdl/pkg/cobalt"
	"thirdcoast.systems/cobaltdl/pkg/httpclient"
)

// EnvPrefix prefixes every environment override, e.g. COBALTDL_NETWORK_PROXY.
const EnvPrefix = "COBALTDL"

type Config struct {
	General   General   `mapstructure:"general"`
	Network   Network   `mapstructure:"network"`
	Instances Instances `mapstructure:"instances"`
	Download  Download  `mapstructure:"download"`
	Local     Local     `mapstructure:"local"`
	API       API       `mapstructure:"api"`
	Cache     Cache     `mapstructure:"cache"`

	v    *viper.Viper
	file string
}

type General struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	UserAgent string `mapstructure:"user_agent"`
}

type Network struct {
	Timeout      time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	Proxy        string        `mapstructure:"proxy"`
	CallbackRate time.Duration `mapstructure:"callback_rate" validate:"gte=0"`
}

type Instances struct {
	ListAPI        string                `mapstructure:"list_api" validate:"omitempty,url"`
	Fallback       string                `mapstructure:"fallback"`
	FallbackAPIKey string                `mapstructure:"fallback_api_key"`
	User           []cobalt.UserInstance `mapstructure:"user" validate:"dive"`
	MinScore       float64               `mapstructure:"min_score" validate:"gte=0"`
	MinVersion     string                `mapstructure:"min_version"`
	FilterOnline   bool                  `mapstructure:"filter_online"`
	FanOut         string                `mapstructure:"fan_out" validate:"oneof=race sequential"`
	RaceWidth      int                   `mapstructure:"race_width" validate:"gte=0"`
	AuthScheme     string                `mapstructure:"auth_scheme" validate:"required"`
	PinnedScore    float64               `mapstructure:"pinned_score"`
}

type Download struct {
	Folder             string        `mapstructure:"folder" validate:"required"`
	Timeout            time.Duration `mapstructure:"timeout" validate:"gte=0"`
	ProgressiveTimeout bool          `mapstructure:"progressive_timeout"`
	FreezeTimeout      time.Duration `mapstructure:"freeze_timeout" validate:"gte=0"`
	MaxSpeed           int64         `mapstructure:"max_speed" validate:"gte=0"`
	ChunkSize          int           `mapstructure:"chunk_size" validate:"gt=0"`
	MinFileSize        int64         `mapstructure:"min_file_size" validate:"gte=0"`
	Remux              bool          `mapstructure:"remux"`
	KeepOriginal       bool          `mapstructure:"keep_original"`
	AllowBulk          bool          `mapstructure:"allow_bulk"`
}

type Local struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"omitempty,url"`
	APIKey  string `mapstructure:"api_key"`
}

type API struct {
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	UpdatePeriod time.Duration `mapstructure:"update_period" validate:"gte=0"`
	RateLimit    float64       `mapstructure:"rate_limit" validate:"gte=0"`
}

type Cache struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.user_agent", httpclient.DefaultUserAgent)

	v.SetDefault("network.timeout", httpclient.DefaultTimeout)
	v.SetDefault("network.max_retries", httpclient.DefaultMaxRetries)
	v.SetDefault("network.retry_delay", httpclient.DefaultRetryDelay)
	v.SetDefault("network.proxy", "")
	v.SetDefault("network.callback_rate", httpclient.DefaultCallbackRate)

	v.SetDefault("instances.list_api", cobalt.DefaultDirectoryURL)
	v.SetDefault("instances.fallback", cobalt.DefaultFallbackURL)
	v.SetDefault("instances.fallback_api_key", "")
	v.SetDefault("instances.user", []cobalt.UserInstance{})
	v.SetDefault("instances.min_score", 0)
	v.SetDefault("instances.min_version", "")
	v.SetDefault("instances.filter_online", true)
	v.SetDefault("instances.fan_out", string(cobalt.FanOutRace))
	v.SetDefault("instances.race_width", 0)
	v.SetDefault("instances.auth_scheme", "Bearer")
	v.SetDefault("instances.pinned_score", 100)

	v.SetDefault("download.folder", defaultFolder())
	v.SetDefault("download.timeout", 60*time.Second)
	v.SetDefault("download.progressive_timeout", true)
	v.SetDefault("download.freeze_timeout", httpclient.DefaultFreezeTimeout)
	v.SetDefault("download.max_speed", 0)
	v.SetDefault("download.chunk_size", httpclient.DefaultChunkSize)
	v.SetDefault("download.min_file_size", httpclient.DefaultMinFileSize)
	v.SetDefault("download.remux", false)
	v.SetDefault("download.keep_original", false)
	v.SetDefault("download.allow_bulk", true)

	v.SetDefault("local.enabled", false)
	v.SetDefault("local.url", "http://localhost:9000")
	v.SetDefault("local.api_key", "")

	v.SetDefault("api.port", 8009)
	v.SetDefault("api.update_period", 60*time.Second)
	v.SetDefault("api.rate_limit", 20)

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", 24*time.Hour)
}

func defaultFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

// DefaultPath is $XDG_CONFIG_HOME/cobaltdl/config.yaml, or "" when the
// user config directory is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cobaltdl", "config.yaml")
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(v *viper.Viper, c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		section := field.Tag.Get("mapstructure")
		if section == "" || field.Type.Kind() != reflect.Struct {
			continue
		}

		// Handle nested structs
		nestedTyp := field.Type
		for j := 0; j < nestedTyp.NumField(); j++ {
			nestedTag := nestedTyp.Field(j).Tag.Get("mapstructure")
			if nestedTag != "" {
				v.BindEnv(section + "." + nestedTag)
			}
		}
	}
}

// Load reads the configuration from defaults, the YAML file at path and
// COBALTDL_<SECTION>_<KEY> environment variables, in increasing precedence.
// An empty path reads DefaultPath, which may be missing.
func Load(ctx context.Context, path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	bindEnv(v, Config{})
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			slog.Debug("No config file, using defaults", "path", path)
			path = ""
		}
	}

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.v = v
	cfg.file = path

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	slog.Debug("Loaded configuration", "file", path, "instances", len(cfg.Instances.User))
	return &cfg, nil
}

// File returns the config file that was read, or "".
func (c *Config) File() string { return c.file }

// Set overrides a value for the rest of the process, e.g. from a CLI flag.
// The typed sections are not updated; callers adjust them directly.
func (c *Config) Set(key, section string, value any) {
	c.v.Set(section+"."+key, value)
}

// Get returns the value of key in section as a string, or def when unset.
func (c *Config) Get(key, def, section string) string {
	k := section + "." + key
	if !c.v.IsSet(k) {
		return def
	}
	return c.v.GetString(k)
}

// GetAsNumber returns the value of key in section as a number, or def when
// it is unset or not numeric.
func (c *Config) GetAsNumber(key string, def float64, section string) float64 {
	s := c.Get(key, "", section)
	if s == "" {
		return def
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return n
}

// UserInstances returns the pinned instances.
func (c *Config) UserInstances() []cobalt.UserInstance {
	return append([]cobalt.UserInstance(nil), c.Instances.User...)
}

// Level returns the slog level selected by general.debug and
// general.log_level.
func (c *Config) Level() slog.Level {
	if c.General.Debug {
		return slog.LevelDebug
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.General.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// HTTPOptions maps the network and download sections onto transport options.
func (c *Config) HTTPOptions(logger *slog.Logger) httpclient.Options {
	retries := c.Network.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return httpclient.Options{
		Timeout:       c.Network.Timeout,
		MaxRetries:    retries,
		RetryDelay:    c.Network.RetryDelay,
		Proxy:         c.Network.Proxy,
		UserAgent:     c.General.UserAgent,
		CallbackRate:  c.Network.CallbackRate,
		ChunkSize:     c.Download.ChunkSize,
		FreezeTimeout: c.Download.FreezeTimeout,
		MaxSpeed:      c.Download.MaxSpeed,
		MinFileSize:   c.Download.MinFileSize,
		Logger:        logger,
	}
}

// ClientOptions maps the instances section onto client options.
func (c *Config) ClientOptions(remuxer cobalt.Remuxer, logger *slog.Logger) (cobalt.ClientOptions, error) {
	fanOut, err := cobalt.ParseFanOut(c.Instances.FanOut)
	if err != nil {
		return cobalt.ClientOptions{}, err
	}
	return cobalt.ClientOptions{
		FanOut:      fanOut,
		RaceWidth:   c.Instances.RaceWidth,
		AuthScheme:  c.Instances.AuthScheme,
		Remuxer:     remuxer,
		DisableBulk: !c.Download.AllowBulk,
		Logger:      logger,
	}, nil
}

// DownloadOptions returns the download defaults. Callbacks are left unset.
func (c *Config) DownloadOptions() cobalt.DownloadOptions {
	return cobalt.DownloadOptions{
		Folder:             c.Download.Folder,
		Remux:              c.Download.Remux,
		KeepOriginal:       c.Download.KeepOriginal,
		Timeout:            c.Download.Timeout,
		ProgressiveTimeout: c.Download.ProgressiveTimeout,
		FreezeTimeout:      c.Download.FreezeTimeout,
		MaxSpeed:           c.Download.MaxSpeed,
	}
}
