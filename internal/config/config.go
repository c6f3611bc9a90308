package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "THREADRELAY_"

// Config is the resolved runtime configuration.
type Config struct {
	State   StateConfig   `koanf:"state"`
	Backend BackendConfig `koanf:"backend"`
	Server  ServerConfig  `koanf:"server"`
	Router  RouterConfig  `koanf:"router"`
	Ingest  IngestConfig  `koanf:"ingest"`
	Log     LogConfig     `koanf:"log"`
}

type StateConfig struct {
	Dir      string `koanf:"dir"`
	Pointers string `koanf:"pointers"`
	Threads  string `koanf:"threads"`
}

type BackendConfig struct {
	Kind         string        `koanf:"kind"`
	BaseURL      string        `koanf:"baseurl"`
	Token        string        `koanf:"token"`
	ParentNote   string        `koanf:"parentnote"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxRetries   int           `koanf:"maxretries"`
	LabelThreads bool          `koanf:"labelthreads"`
}

type ServerConfig struct {
	Host         string  `koanf:"host"`
	Port         int     `koanf:"port"`
	EventLog     string  `koanf:"eventlog"`
	MaxBodyBytes int64   `koanf:"maxbodybytes"`
	RateLimit    float64 `koanf:"ratelimit"`
	Burst        int     `koanf:"burst"`
}

type RouterConfig struct {
	Tag    string `koanf:"tag"`
	Source string `koanf:"source"`
}

type IngestConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PointersDSN and ThreadsDSN default to JSON files under the state dir.
func (c *Config) PointersDSN() string {
	if strings.TrimSpace(c.State.Pointers) != "" {
		return c.State.Pointers
	}
	return filepath.Join(c.State.Dir, "last_thread.json")
}

func (c *Config) ThreadsDSN() string {
	if strings.TrimSpace(c.State.Threads) != "" {
		return c.State.Threads
	}
	return filepath.Join(c.State.Dir, "threads.json")
}

func defaults() map[string]any {
	return map[string]any{
		"state.dir":            ".threadrelay",
		"backend.kind":         "trilium",
		"backend.parentnote":   "root",
		"backend.timeout":      "20s",
		"backend.maxretries":   0,
		"backend.labelthreads": true,
		"server.host":          "127.0.0.1",
		"server.port":          8787,
		"server.eventlog":      filepath.Join(".threadrelay", "discord_events.jsonl"),
		"server.maxbodybytes":  int64(1 << 20),
		"server.ratelimit":     0.0,
		"server.burst":         10,
		"router.tag":           "via OpenClaw",
		"router.source":        "discord",
		"ingest.timeout":       "60s",
		"log.level":            "info",
		"log.format":           "console",
	}
}

// legacyEnv keeps the unprefixed variable names earlier deployments set.
var legacyEnv = map[string]string{
	"TRILIUM_BASE_URL":  "backend.baseurl",
	"TRILIUM_API_TOKEN": "backend.token",
	"D2_HOST":           "server.host",
	"D2_PORT":           "server.port",
}

// Load reads defaults, then a TOML file, then the environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, path := range []string{"./threadrelay.toml", "$HOME/.threadrelay.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	legacy := map[string]any{}
	for name, key := range legacyEnv {
		if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
			legacy[key] = value
		}
	}
	if len(legacy) > 0 {
		if err := k.Load(confmap.Provider(legacy, "."), nil); err != nil {
			return nil, fmt.Errorf("error loading legacy env: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend.Kind)) {
	case "trilium":
		if strings.TrimSpace(c.Backend.BaseURL) == "" {
			return errors.New("Missing env TRILIUM_BASE_URL")
		}
		if strings.TrimSpace(c.Backend.Token) == "" {
			return errors.New("Missing env TRILIUM_API_TOKEN")
		}
	case "memory", "stub":
	default:
		return fmt.Errorf("unsupported backend kind: %s", c.Backend.Kind)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}
