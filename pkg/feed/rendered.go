package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"image-harvester/pkg/config"
)

// Renderer returns the HTML of a page after its scripts have run
type Renderer interface {
	Render(ctx context.Context, pageURL string) (string, error)
}

// RenderedAdapter collects media images from script-rendered timelines such as
// X or Bluesky profiles
type RenderedAdapter struct {
	renderer  Renderer
	patterns  []string
	maxImages int
	log       *logrus.Entry
}

// NewRenderedAdapter creates a RenderedAdapter. An <img> is a candidate when its
// src contains one of patterns; at most maxImages are taken per page.
func NewRenderedAdapter(renderer Renderer, patterns []string, maxImages int, log *logrus.Entry) *RenderedAdapter {
	return &RenderedAdapter{renderer: renderer, patterns: patterns, maxImages: maxImages, log: log}
}

// Candidates implements Adapter
func (a *RenderedAdapter) Candidates(ctx context.Context, src Source) ([]Candidate, error) {
	html, err := a.renderer.Render(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL %q: %w", src.URL, err)
	}
	return mediaCandidates(html, base, a.patterns, a.maxImages), nil
}

// mediaCandidates picks <img src> values containing any of patterns, in
// document order, up to max. The referrer is the page itself.
func mediaCandidates(html string, base *url.URL, patterns []string, max int) []Candidate {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	set := newCandidateSet(max)
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" || !containsAny(src, patterns) {
			return true
		}
		if abs := resolveHTTP(base, src); abs != "" {
			set.add(abs, base.String())
		}
		return !set.full()
	})
	return set.items
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ChromeRenderer renders pages in headless Chrome via chromedp
type ChromeRenderer struct {
	execPath  string
	userAgent string
	wait      time.Duration
	timeout   time.Duration
	log       *logrus.Entry
}

// NewChromeRenderer creates a renderer from the feed settings
func NewChromeRenderer(cfg config.FeedConfig, userAgent string, log *logrus.Entry) *ChromeRenderer {
	return &ChromeRenderer{
		execPath:  cfg.ChromePath,
		userAgent: userAgent,
		wait:      cfg.RenderWait,
		timeout:   cfg.RenderTimeout,
		log:       log,
	}
}

// Render loads pageURL, scrolls once to trigger lazy loading, waits for the
// timeline to settle and returns the document HTML
func (r *ChromeRenderer) Render(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.userAgent))
	}
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, r.timeout)
	defer cancelTimeout()

	r.log.WithField("feed_url", pageURL).Debug("Rendering page in headless browser")

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(`window.scrollBy(0, 2000)`, nil),
		chromedp.Sleep(r.wait),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	return html, nil
}
