package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"image-harvester/pkg/utils"
)

// Options is the environment/flag surface, parsed by go-flags.
// Unset options leave the YAML value (or its default) untouched.
type Options struct {
	ConfigFile  string `short:"c" long:"config" env:"HARVEST_CONFIG" description:"YAML configuration file"`
	DownloadDir string `long:"download-dir" env:"HARVEST_DOWNLOAD_DIR" description:"Directory saved images are written to"`
	Store       string `long:"store" env:"HARVEST_STORE" description:"Directory holding the resource cache"`
	StoreDriver string `long:"store-driver" env:"HARVEST_STORE_DRIVER" choice:"badger" choice:"sqlite" description:"Resource cache backend"`
	UserAgent   string `long:"user-agent" env:"HARVEST_USER_AGENT" description:"User-Agent sent with every request"`
	MinBytes    int64  `long:"min-bytes" env:"HARVEST_MIN_BYTES" description:"Images smaller than this many bytes are ignored"`
	RateLimit   string `long:"rate-limit" env:"HARVEST_RATE_LIMIT" description:"Minimum interval between requests to one domain (seconds or Go duration)"`
	Workers     int    `short:"w" long:"workers" env:"HARVEST_WORKERS" description:"Crawl worker pool size"`
	LogLevel    string `long:"log-level" env:"HARVEST_LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
}

// Apply overlays every set option onto cfg
func (o *Options) Apply(cfg *AppConfig) error {
	if o.DownloadDir != "" {
		cfg.DownloadDir = o.DownloadDir
	}
	if o.Store != "" {
		cfg.StoreDir = o.Store
	}
	if o.StoreDriver != "" {
		cfg.StoreDriver = o.StoreDriver
	}
	if o.UserAgent != "" {
		cfg.UserAgent = o.UserAgent
	}
	if o.MinBytes != 0 {
		cfg.MinImageBytes = o.MinBytes
	}
	if o.RateLimit != "" {
		d, err := ParseInterval(o.RateLimit)
		if err != nil {
			return err
		}
		cfg.DomainInterval = d
	}
	if o.Workers != 0 {
		cfg.NumWorkers = o.Workers
	}
	return nil
}

// ParseInterval accepts plain seconds ("2", "2.5") or a Go duration ("1500ms")
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%w: negative interval %q", utils.ErrConfigValidation, v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q: %w", utils.ErrConfigValidation, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative interval %q", utils.ErrConfigValidation, v)
	}
	return d, nil
}

// Load builds the effective configuration: YAML file (optional), then options, then defaults.
func Load(opts Options) (*AppConfig, []string, error) {
	cfg := &AppConfig{}
	if opts.ConfigFile != "" {
		loaded, err := LoadFile(opts.ConfigFile)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	if err := opts.Apply(cfg); err != nil {
		return nil, nil, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}
