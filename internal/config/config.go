// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of the dshare daemon.
//
// Settings are read from a YAML file, then from environment variables, then
// from explicit overrides, each source replacing values from the ones before.
// Environment variables carry the prefix DSHARE_ and use a double underscore
// to separate sections, so DSHARE_SERVER__CHUNK_SIZE sets server.chunk_size.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/client"
	"github.com/creachadair/datashare/server"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "DSHARE_"

// Config is the complete daemon configuration.
type Config struct {
	// Host is the host ID the daemon announces to peers. If empty, the daemon
	// generates a fresh one each time it starts.
	Host string `koanf:"host"`

	// Listen is the address for stream peer connections, for example ":7070"
	// or a Unix socket path. If empty, no stream listener is started.
	Listen string `koanf:"listen"`

	// HTTP is the address of the HTTP listener serving websocket peers on
	// /peer and metrics on /metrics. If empty, no HTTP listener is started.
	HTTP string `koanf:"http"`

	// Catalog is the path of the catalog database.
	Catalog string `koanf:"catalog"`

	// Watch, if true, updates a share when its file changes on disk.
	Watch bool `koanf:"watch"`

	// Peers lists addresses the daemon dials at startup.
	Peers []string `koanf:"peers"`

	// Inbox is a directory where data pushed by peers are stored and then
	// shared. If empty, pushes are refused.
	Inbox string `koanf:"inbox"`

	Log    Log    `koanf:"log"`
	Server Server `koanf:"server"`
	Client Client `koanf:"client"`
}

// Log configures logging.
type Log struct {
	Level string `koanf:"level"` // debug, info, warn, or error
}

// Server configures the sharing server.
type Server struct {
	ChunkSize    int           `koanf:"chunk_size"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
	RateLimit    float64       `koanf:"rate_limit"` // bytes per second

	// Allow lists the hosts permitted to read shares. If empty, every host
	// is permitted.
	Allow []string `koanf:"allow"`
}

// Client configures the sharing client.
type Client struct {
	RequestTimeout time.Duration `koanf:"request_timeout"`
	FollowTimeout  time.Duration `koanf:"follow_timeout"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Listen:  ":7070",
		Catalog: "dshare.db",
		Watch:   true,
		Log:     Log{Level: "info"},
		Server: Server{
			ChunkSize:    server.DefaultChunkSize,
			IdleTimeout:  server.DefaultIdleTimeout,
			PollInterval: server.DefaultPollInterval,
		},
		Client: Client{
			RequestTimeout: client.DefaultRequestTimeout,
			FollowTimeout:  client.DefaultFollowTimeout,
		},
	}
}

// Load reads the configuration. If path is empty, no file is read. Values in
// overrides are keyed by their dotted names, such as "server.chunk_size", and
// take precedence over all other sources.
func Load(path string, overrides map[string]any) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %q: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) != 0 {
		if err := k.Load(mapProvider(overrides), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps DSHARE_SERVER__CHUNK_SIZE to server.chunk_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Check reports an error if c is not usable.
func (c Config) Check() error {
	var errs []error
	if c.Catalog == "" {
		errs = append(errs, errors.New("no catalog path"))
	}
	if c.Server.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("invalid chunk size %d", c.Server.ChunkSize))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid rate limit %g", c.Server.RateLimit))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level reports the log level named by c.Log.Level.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// ServerOptions returns server options reflecting c.
func (c Config) ServerOptions(log *slog.Logger) *server.Options {
	perm := server.AllowAll
	if len(c.Server.Allow) != 0 {
		allow := slices.Clone(c.Server.Allow)
		perm = server.PermissionFunc(func(host datashare.HostID, _ datashare.Path) bool {
			return slices.Contains(allow, string(host))
		})
	}
	return &server.Options{
		Logger:       log,
		Permissions:  perm,
		ChunkSize:    c.Server.ChunkSize,
		IdleTimeout:  c.Server.IdleTimeout,
		PollInterval: c.Server.PollInterval,
		RateLimit:    c.Server.RateLimit,
	}
}

// ClientOptions returns client options reflecting c.
func (c Config) ClientOptions(log *slog.Logger) *client.Options {
	return &client.Options{
		Logger:         log,
		RequestTimeout: c.Client.RequestTimeout,
		FollowTimeout:  c.Client.FollowTimeout,
	}
}

// mapProvider is a koanf provider for a map of dotted keys.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any)
	for key, val := range m {
		// Expand dotted keys into nested maps, as a parser would.
		parts := strings.Split(key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = val
	}
	return out, nil
}
