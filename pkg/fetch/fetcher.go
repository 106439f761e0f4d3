package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/models"
	"image-harvester/pkg/storage"
	"image-harvester/pkg/utils"
)

// Store is the part of the resource cache the Fetcher reads and writes
type Store interface {
	storage.URLStore
	storage.HeadStore
}

// Options holds per-purpose request settings
type Options struct {
	UserAgent    string
	PageTimeout  time.Duration
	ImageTimeout time.Duration
	PDFTimeout   time.Duration
	MaxBodyBytes int64
}

// Probe is the outcome of a HEAD request for an image or PDF
type Probe struct {
	URL         string
	StatusCode  int
	ContentType string
	Validators  models.Validators
	Unchanged   bool // Validators match the stored etag and lastModified
}

// Response is a fully read GET response
type Response struct {
	URL         string // Final URL after redirects
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Fetcher performs paced, cache-aware HTTP requests. It never retries: a failed
// URL is recorded in the store and reported to the caller.
type Fetcher struct {
	client      *http.Client
	store       Store
	rateLimiter *RateLimiter
	robots      *RobotsHandler // nil disables robots.txt checks
	opts        Options
	log         *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, store Store, rateLimiter *RateLimiter, robots *RobotsHandler, opts Options, log *logrus.Entry) *Fetcher {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 20
	}
	return &Fetcher{
		client:      client,
		store:       store,
		rateLimiter: rateLimiter,
		robots:      robots,
		opts:        opts,
		log:         log,
	}
}

// Fetch retrieves rawURL for the given purpose. Image and PDF fetches probe first
// and return an error wrapping utils.ErrUnchanged, with no GET, when the stored
// validators still match.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, purpose models.Purpose) (*Response, error) {
	if !purpose.Conditional() {
		return f.Get(ctx, rawURL, purpose, nil)
	}
	probe, err := f.Probe(ctx, rawURL, purpose)
	if err != nil {
		return nil, err
	}
	if probe.Unchanged {
		return nil, fmt.Errorf("%w: %s", utils.ErrUnchanged, rawURL)
	}
	return f.Get(ctx, rawURL, purpose, probe)
}

// Probe issues a HEAD request and compares its validators with the stored ones.
// An unchanged resource only gets its lastCheckedAt refreshed.
func (f *Fetcher) Probe(ctx context.Context, rawURL string, purpose models.Purpose) (*Probe, error) {
	u, err := f.prepare(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := f.do(ctx, http.MethodHead, u, purpose)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, f.recordStatus(ctx, rawURL, resp.StatusCode)
	}

	probe := &Probe{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Validators:  validatorsFrom(resp.Header, resp.ContentLength),
	}

	stored, err := f.store.GetConditionalMetadata(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if probe.Validators.Unchanged(stored) {
		probe.Unchanged = true
		if err := f.store.RecordHeadCheck(ctx, rawURL); err != nil {
			return nil, err
		}
		f.log.WithFields(logrus.Fields{"url": rawURL, "etag": stored.ETag}).Debug("Unchanged since last check")
	}
	return probe, nil
}

// Get performs the body GET. For image and PDF purposes the response validators
// are recorded on success, falling back to probe's when the GET omits them.
func (f *Fetcher) Get(ctx context.Context, rawURL string, purpose models.Purpose, probe *Probe) (*Response, error) {
	u, err := f.prepare(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := f.do(ctx, http.MethodGet, u, purpose)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, f.recordStatus(ctx, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, f.recordTransport(ctx, rawURL, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err))
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, f.recordTransport(ctx, rawURL, fmt.Errorf("%w: body exceeds %d bytes", utils.ErrResponseBodyRead, f.opts.MaxBodyBytes))
	}

	out := &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
		Body:        body,
	}

	if purpose.Conditional() {
		n := int64(len(body))
		v := validatorsFrom(resp.Header, n)
		if probe != nil {
			if v.ETag == "" {
				v.ETag = probe.Validators.ETag
			}
			if v.LastModified == "" {
				v.LastModified = probe.Validators.LastModified
			}
		}
		if err := f.store.RecordConditionalMetadata(ctx, rawURL, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ForgetValidators clears the stored etag and lastModified of rawURL, so the next
// conditional fetch downloads it again
func (f *Fetcher) ForgetValidators(ctx context.Context, rawURL string) error {
	return f.store.RecordConditionalMetadata(ctx, rawURL, models.Validators{})
}

// prepare parses rawURL and applies the robots.txt policy
func (f *Fetcher) prepare(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL %q", utils.ErrParsing, rawURL)
	}
	if f.robots != nil && !f.robots.Allowed(ctx, u) {
		if err := f.store.MarkVisited(ctx, rawURL, models.StatusNotFetched, utils.ErrRobotsDisallowed.Error()); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, rawURL)
	}
	return u, nil
}

// do waits for the domain's turn and sends one request under the purpose timeout.
// Transport failures are recorded as status 599. The returned body must be closed.
func (f *Fetcher) do(ctx context.Context, method string, u *url.URL, purpose models.Purpose) (*http.Response, error) {
	rawURL := u.String()
	if err := f.rateLimiter.WaitForDomain(ctx, u.Host); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout(purpose))
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	f.log.WithFields(logrus.Fields{"url": rawURL, "method": method, "purpose": purpose}).Debug("Requesting")
	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		// A cancelled run is not a failure of this URL.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, f.recordTransport(ctx, rawURL, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (f *Fetcher) timeout(purpose models.Purpose) time.Duration {
	var d time.Duration
	switch purpose {
	case models.PurposeImage:
		d = f.opts.ImageTimeout
	case models.PurposePDF:
		d = f.opts.PDFTimeout
	default:
		d = f.opts.PageTimeout
	}
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

// recordStatus marks a non-200 response against the URL and returns the categorized error.
// A storage failure takes precedence since it must stop the run.
func (f *Fetcher) recordStatus(ctx context.Context, rawURL string, status int) error {
	f.log.WithFields(logrus.Fields{"url": rawURL, "status": status}).Warn("Non-200 response")
	if err := f.store.MarkVisited(ctx, rawURL, status, fmt.Sprintf("HTTP %d", status)); err != nil {
		return err
	}
	return statusError(rawURL, status)
}

func (f *Fetcher) recordTransport(ctx context.Context, rawURL string, cause error) error {
	f.log.WithFields(logrus.Fields{"url": rawURL, "error": cause}).Warn("Transport error")
	if err := f.store.MarkVisited(ctx, rawURL, models.StatusTransportError, cause.Error()); err != nil {
		return err
	}
	if errors.Is(cause, utils.ErrResponseBodyRead) {
		return cause
	}
	return fmt.Errorf("%w: %w", utils.ErrTransport, cause)
}

func statusError(rawURL string, status int) error {
	switch {
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s: status %d", utils.ErrClientHTTPError, rawURL, status)
	case status >= 500:
		return fmt.Errorf("%w: %s: status %d", utils.ErrServerHTTPError, rawURL, status)
	default:
		return fmt.Errorf("%w: %s: status %d", utils.ErrOtherHTTPError, rawURL, status)
	}
}

// validatorsFrom reads etag, last-modified and length from response headers.
// A negative length means unknown.
func validatorsFrom(h http.Header, length int64) models.Validators {
	v := models.Validators{
		ETag:         h.Get("ETag"),
		LastModified: h.Get("Last-Modified"),
	}
	if length >= 0 {
		n := length
		v.ContentLength = &n
	}
	return v
}

// LooksLikeImage reports whether a probe's content type or the URL's extension marks it as an image
func LooksLikeImage(contentType, rawURL string) bool {
	if strings.Contains(strings.ToLower(contentType), "image") {
		return true
	}
	lower := strings.ToLower(rawURL)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".webp"} {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// cancelOnClose releases the per-request timeout once the caller is done with the body
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
