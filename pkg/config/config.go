package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// AppName roots the default data directories under XDG_DATA_HOME
const AppName = "image-harvester"

// DefaultUserAgent identifies the bot and how to reach its operator
const DefaultUserAgent = "Mozilla/5.0 (compatible; ImageHarvester/2.0; +contact@example.com)"

// DefaultKeywords is the precision-biased term list; entries are regex fragments matched case-insensitively
var DefaultKeywords = []string{
	"maxar", "skysat", "planet", "unosat", "satellite",
	"gaza", "damage", "before[- ]after",
	"2023", "2024", "2025",
}

// DefaultProviders is checked in order; satellite vendors come before outlets
var DefaultProviders = []ProviderRule{
	{Token: "maxar", Name: "Maxar"},
	{Token: "planet", Name: "Planet"},
	{Token: "skysat", Name: "SkySat"},
	{Token: "unosat", Name: "UNOSAT"},
	{Token: "forensic-architecture", Name: "ForensicArchitecture"},
	{Token: "amnesty", Name: "Amnesty"},
	{Token: "bellingcat", Name: "Bellingcat"},
	{Token: "aljazeera", Name: "AlJazeera"},
}

// ProviderRule attributes an image to Name when Token appears in its referrer or URL
type ProviderRule struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DownloadDir        string           `yaml:"download_dir"`
	StoreDir           string           `yaml:"store_dir"`
	StoreDriver        string           `yaml:"store_driver"`                   // badger | sqlite
	UserAgent          string           `yaml:"user_agent"`
	MinImageBytes      int64            `yaml:"min_image_bytes"`
	DomainInterval     time.Duration    `yaml:"domain_interval"`                // Minimum time between requests to one domain
	NumWorkers         int              `yaml:"num_workers"`
	MaxDepth           *int             `yaml:"max_depth,omitempty"`            // Hops followed from a seed; nil = 1
	MaxLinksPerPage    int              `yaml:"max_links_per_page"`
	PageTimeout        time.Duration    `yaml:"page_timeout"`
	ImageTimeout       time.Duration    `yaml:"image_timeout"`
	PDFTimeout         time.Duration    `yaml:"pdf_timeout"`
	PDFExtractTimeout  time.Duration    `yaml:"pdf_extract_timeout"`
	MinPDFBytes        int64            `yaml:"min_pdf_bytes"`
	MaxBodyBytes       int64            `yaml:"max_body_bytes"`
	PDFExtractor       string           `yaml:"pdf_extractor,omitempty"`        // Binary name/path; "none" disables
	RespectRobots      bool             `yaml:"respect_robots,omitempty"`
	SkipPreviouslySeen bool             `yaml:"skip_previously_seen,omitempty"`
	Keywords           []string         `yaml:"keywords,omitempty"`
	Providers          []ProviderRule   `yaml:"providers,omitempty"`
	ManifestDir        string           `yaml:"manifest_dir,omitempty"`
	MetricsAddr        string           `yaml:"metrics_addr,omitempty"`
	GCInterval         time.Duration    `yaml:"gc_interval,omitempty"`
	Seeds              []string         `yaml:"seeds,omitempty"`
	Feeds              FeedConfig       `yaml:"feeds,omitempty"`
	Watch              WatchConfig      `yaml:"watch,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// FeedConfig holds settings for the feed adapters
type FeedConfig struct {
	CSVPath          string        `yaml:"csv_path,omitempty"`            // name,url rows
	MaxImagesPerFeed int           `yaml:"max_images_per_feed,omitempty"` // Rendered feeds only
	RenderWait       time.Duration `yaml:"render_wait,omitempty"`         // Settle time after page load
	RenderTimeout    time.Duration `yaml:"render_timeout,omitempty"`
	ChromePath       string        `yaml:"chrome_path,omitempty"`
	MediaPatterns    []string      `yaml:"media_patterns,omitempty"`      // Substrings marking an <img> as feed media
}

// WatchConfig holds settings for periodic re-runs
type WatchConfig struct {
	Interval time.Duration `yaml:"interval,omitempty"`
	SeedFile string        `yaml:"seed_file,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`
}

// EffectiveMaxDepth returns the configured hop limit
func (c *AppConfig) EffectiveMaxDepth() int {
	if c.MaxDepth == nil {
		return 1
	}
	return *c.MaxDepth
}

// DefaultDataDir returns $XDG_DATA_HOME/image-harvester
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// LoadFile reads and parses a YAML config file without validating it
func LoadFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
