package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/always-cache/sitecache"
	responsetransformer "github.com/always-cache/sitecache/pkg/response-transformer"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SITECACHE_"

type Config struct {
	Listen string `yaml:"listen" env:"LISTEN"`

	// Address for /healthz and /metrics. Empty disables the admin server.
	AdminListen string   `yaml:"adminListen" env:"ADMIN_LISTEN"`
	Origin      string   `yaml:"origin" env:"ORIGIN"`
	Upstream    string   `yaml:"upstream" env:"UPSTREAM"`
	Host        string   `yaml:"host" env:"HOST"`
	Generation  string   `yaml:"generation" env:"GENERATION"`
	Manifest    []string `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	Fallback    string   `yaml:"fallback" env:"FALLBACK"`

	// One of memory, sqlite or redis.
	Store          string        `yaml:"store" env:"STORE"`
	DB             string        `yaml:"db" env:"DB"`
	Redis          string        `yaml:"redis" env:"REDIS_URL"`
	RedisNamespace string        `yaml:"redisNamespace" env:"REDIS_NAMESPACE"`
	Codec          string        `yaml:"codec" env:"CODEC"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	LogFile        string        `yaml:"logFile" env:"LOG_FILE"`

	// Header rules can only be set in the config file.
	Rules responsetransformer.Rules `yaml:"rules"`
}

func defaultConfig() Config {
	return Config{
		Listen:         ":8080",
		AdminListen:    "localhost:9090",
		Manifest:       []string{sitecache.DefaultFallback},
		Store:          "sqlite",
		DB:             "sitecache.db",
		RedisNamespace: "sitecache",
		Codec:          "msgpack",
		Timeout:        30 * time.Second,
	}
}

// loadConfig reads the config file, if any, on top of the defaults and
// then applies SITECACHE_* environment variables.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("environment: %w", err)
	}
	return config, nil
}

func (c Config) validate() error {
	if c.Origin == "" {
		return errors.New("origin required")
	}
	origin, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("origin must be an absolute url, got %q", c.Origin)
	}
	if origin.Path != "" && origin.Path != "/" {
		return fmt.Errorf("origin must not have a path, got %q", c.Origin)
	}
	if c.AdminListen != "" && c.AdminListen == c.Listen {
		return errors.New("admin server needs its own address")
	}
	switch c.Store {
	case "memory", "sqlite":
	case "redis":
		if c.Redis == "" {
			return errors.New("redis store needs a redis url")
		}
	default:
		return fmt.Errorf("unsupported store %q", c.Store)
	}
	return nil
}

func (c Config) originURL() url.URL {
	u, _ := url.Parse(c.Origin)
	u.Path = ""
	return *u
}

// upstreamURL returns where same-origin requests are sent.
// A bare address is taken to be https.
func (c Config) upstreamURL() (url.URL, error) {
	if c.Upstream == "" {
		return c.originURL(), nil
	}
	u, err := url.Parse(c.Upstream)
	if err != nil || u.Host == "" {
		u, err = url.Parse("https://" + c.Upstream)
	}
	if err != nil {
		return url.URL{}, fmt.Errorf("upstream: %w", err)
	}
	return *u, nil
}
