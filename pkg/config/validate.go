package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"image-harvester/pkg/utils"
)

// Validate checks AppConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(DefaultDataDir(), "images")
	}
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(DefaultDataDir(), "state")
	}
	if c.ManifestDir == "" {
		c.ManifestDir = filepath.Join(c.StoreDir, "runs")
	}

	switch c.StoreDriver {
	case "":
		c.StoreDriver = "badger"
	case "badger", "sqlite":
	default:
		return warnings, fmt.Errorf("%w: store_driver must be badger or sqlite, got %q", utils.ErrConfigValidation, c.StoreDriver)
	}

	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	if c.MinImageBytes < 0 {
		warnings = append(warnings, "min_image_bytes cannot be negative, defaulting to 80000")
		c.MinImageBytes = 0
	}
	if c.MinImageBytes == 0 {
		c.MinImageBytes = 80000
	}

	if c.DomainInterval < 0 {
		warnings = append(warnings, "domain_interval cannot be negative, defaulting to 2s")
		c.DomainInterval = 0
	}
	if c.DomainInterval == 0 {
		c.DomainInterval = 2 * time.Second
	}

	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}

	if c.MaxDepth != nil {
		switch {
		case *c.MaxDepth < 0:
			warnings = append(warnings, "max_depth cannot be negative, setting to 0 (seeds only)")
			zero := 0
			c.MaxDepth = &zero
		case *c.MaxDepth > 1:
			warnings = append(warnings, fmt.Sprintf("max_depth %d exceeds the one-hop cap, setting to 1", *c.MaxDepth))
			one := 1
			c.MaxDepth = &one
		}
	}

	if c.MaxLinksPerPage <= 0 {
		c.MaxLinksPerPage = 25
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = 30 * time.Second
	}
	if c.PDFTimeout <= 0 {
		c.PDFTimeout = 60 * time.Second
	}
	if c.PDFExtractTimeout <= 0 {
		c.PDFExtractTimeout = 2 * time.Minute
	}
	if c.MinPDFBytes <= 0 {
		c.MinPDFBytes = 1024
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 20
	}
	if c.PDFExtractor == "" {
		c.PDFExtractor = "pdfimages"
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}

	if len(c.Keywords) == 0 {
		c.Keywords = append([]string(nil), DefaultKeywords...)
	}
	if _, errRe := utils.CompileKeywordPattern(c.Keywords); errRe != nil {
		return warnings, errRe
	}

	if len(c.Providers) == 0 {
		c.Providers = append([]ProviderRule(nil), DefaultProviders...)
	}
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Token) == "" || strings.TrimSpace(p.Name) == "" {
			return warnings, fmt.Errorf("%w: providers[%d] needs both token and name", utils.ErrConfigValidation, i)
		}
		c.Providers[i].Token = strings.ToLower(strings.TrimSpace(p.Token))
	}

	warnings = append(warnings, c.Feeds.validate()...)

	if c.Watch.Interval < 0 {
		warnings = append(warnings, "watch.interval cannot be negative, defaulting to 6h")
		c.Watch.Interval = 0
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = 6 * time.Hour
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

func (f *FeedConfig) validate() (warnings []string) {
	if f.MaxImagesPerFeed <= 0 {
		f.MaxImagesPerFeed = 15
	}
	if f.RenderWait <= 0 {
		f.RenderWait = 5 * time.Second
	}
	if f.RenderTimeout <= 0 {
		f.RenderTimeout = 60 * time.Second
	}
	if f.RenderWait >= f.RenderTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"feeds.render_wait (%v) >= feeds.render_timeout (%v), using half the timeout",
			f.RenderWait, f.RenderTimeout))
		f.RenderWait = f.RenderTimeout / 2
	}
	if len(f.MediaPatterns) == 0 {
		f.MediaPatterns = []string{"pbs.twimg.com/media", ".cdn.bsky.app/img/", "/media/"}
	}
	return warnings
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 10
	}
}
