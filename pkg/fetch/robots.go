package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// maxRobotsBytes bounds how much of a robots.txt body is read
const maxRobotsBytes = 512 << 10

// RobotsHandler fetches, parses and caches robots.txt per host
type RobotsHandler struct {
	client      *http.Client
	rateLimiter *RateLimiter
	userAgent   string
	timeout     time.Duration
	robotsCache map[string]*robotstxt.RobotsData // scheme://host -> parsed data (or nil)
	cacheMu     sync.Mutex
	log         *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler. Robots requests are paced by the
// same RateLimiter as every other request to the host.
func NewRobotsHandler(client *http.Client, rateLimiter *RateLimiter, userAgent string, timeout time.Duration, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		client:      client,
		rateLimiter: rateLimiter,
		userAgent:   userAgent,
		timeout:     timeout,
		robotsCache: make(map[string]*robotstxt.RobotsData),
		log:         log,
	}
}

// GetRobotsData returns robots.txt rules for targetURL's host, fetching on first use.
// Returns nil when the file is missing, unreadable or unparsable.
func (rh *RobotsHandler) GetRobotsData(ctx context.Context, targetURL *url.URL) *robotstxt.RobotsData {
	scheme := targetURL.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	host := strings.ToLower(targetURL.Host)
	key := scheme + "://" + host

	rh.cacheMu.Lock()
	data, found := rh.robotsCache[key]
	rh.cacheMu.Unlock()
	if found {
		return data
	}

	robotsURL := (&url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}).String()
	robotsLog := rh.log.WithField("robots_url", robotsURL)
	robotsLog.Debug("Fetching robots.txt")

	data = rh.fetch(ctx, robotsURL, host, robotsLog)

	// Cancellation is not a verdict on the host; leave it uncached.
	if ctx.Err() != nil {
		return data
	}
	rh.cacheMu.Lock()
	rh.robotsCache[key] = data
	rh.cacheMu.Unlock()
	return data
}

func (rh *RobotsHandler) fetch(ctx context.Context, robotsURL, host string, robotsLog *logrus.Entry) *robotstxt.RobotsData {
	if err := rh.rateLimiter.WaitForDomain(ctx, host); err != nil {
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, rh.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Warnf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rh.userAgent)

	resp, err := rh.client.Do(req)
	if err != nil {
		robotsLog.Warnf("Fetching robots.txt failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		robotsLog.Debugf("robots.txt returned status %d, allowing all", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		robotsLog.Warnf("Error reading robots.txt: %v", err)
		return nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Warnf("Error parsing robots.txt: %v", err)
		return nil
	}
	return data
}

// Allowed reports whether the configured user agent may fetch targetURL.
// Hosts without usable robots.txt allow everything.
func (rh *RobotsHandler) Allowed(ctx context.Context, targetURL *url.URL) bool {
	data := rh.GetRobotsData(ctx, targetURL)
	if data == nil {
		return true
	}
	return data.TestAgent(targetURL.RequestURI(), rh.userAgent)
}
