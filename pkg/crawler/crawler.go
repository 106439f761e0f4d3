package crawler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"image-harvester/pkg/config"
	"image-harvester/pkg/extract"
	"image-harvester/pkg/fetch"
	"image-harvester/pkg/metrics"
	"image-harvester/pkg/models"
	"image-harvester/pkg/parse"
	"image-harvester/pkg/queue"
	"image-harvester/pkg/storage"
	"image-harvester/pkg/utils"
)

// PageFetcher retrieves pages and is satisfied by *fetch.Fetcher
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, purpose models.Purpose) (*fetch.Response, error)
}

// ImageFilter decides which inline images are worth ingesting
type ImageFilter interface {
	ShouldIngest(imageURL, altText string) bool
}

// ImageSink is the URL path of the ingestion sink
type ImageSink interface {
	IngestFromURL(ctx context.Context, imageURL, referrer string) (models.IngestResult, error)
}

// PDFHandler fetches a linked PDF and ingests its embedded images
type PDFHandler interface {
	Process(ctx context.Context, pdfURL, referrer string) (extract.PDFOutcome, error)
}

// Components are the collaborators a Controller drives
type Components struct {
	Store     storage.URLStore
	Fetcher   PageFetcher
	Extractor *extract.HTMLExtractor
	Filter    ImageFilter
	Sink      ImageSink
	PDFs      PDFHandler
	HostSems  *fetch.HostSemaphorePool // nil creates a pool with one permit per domain
	Metrics   *metrics.Metrics
}

// Controller runs depth-limited crawls from a list of seed URLs. Pages go through
// a shared frontier served by a bounded worker pool; each domain is worked on by
// at most one worker at a time.
type Controller struct {
	cfg  *config.AppConfig
	deps Components
	log  *logrus.Entry

	progressInterval time.Duration
}

// NewController creates a Controller. cfg is expected to be validated.
func NewController(cfg *config.AppConfig, deps Components, log *logrus.Entry) *Controller {
	if deps.HostSems == nil {
		deps.HostSems = fetch.NewHostSemaphorePool(1, log)
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.NewHTMLExtractor(cfg.MaxLinksPerPage, log)
	}
	return &Controller{
		cfg:              cfg,
		deps:             deps,
		log:              log,
		progressInterval: 30 * time.Second,
	}
}

// crawlRun is the state of one Run invocation
type crawlRun struct {
	id       string
	frontier *queue.Frontier
	log      *logrus.Entry

	seenMu sync.Mutex
	seen   map[string]bool // Normalized page URLs queued this run
	pdfs   map[string]bool // PDF URLs handled this run

	pagesFetched  atomic.Int64
	pagesFailed   atomic.Int64
	pdfsProcessed atomic.Int64
	imagesSaved   atomic.Int64
	imagesSkipped atomic.Int64

	resultsMu  sync.Mutex
	errorKinds map[string]int
	savedURLs  []string
}

func (r *crawlRun) claimPage(key string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.seen[key] {
		return false
	}
	r.seen[key] = true
	return true
}

func (r *crawlRun) claimPDF(pdfURL string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.pdfs[pdfURL] {
		return false
	}
	r.pdfs[pdfURL] = true
	return true
}

func (r *crawlRun) recordError(category string) {
	r.resultsMu.Lock()
	r.errorKinds[category]++
	r.resultsMu.Unlock()
}

func (r *crawlRun) recordSaved(imageURL string) {
	r.imagesSaved.Add(1)
	r.resultsMu.Lock()
	r.savedURLs = append(r.savedURLs, imageURL)
	r.resultsMu.Unlock()
}

// Run crawls from seeds until the frontier is exhausted, ctx is cancelled, or a
// storage failure occurs. The returned manifest is filled in all three cases.
// Only storage failures and cancellation are returned as errors; per-URL
// failures are recorded in the store and counted in the manifest.
func (c *Controller) Run(ctx context.Context, seeds []string) (*models.CrawlManifest, error) {
	return c.RunWithDepth(ctx, seeds, c.cfg.EffectiveMaxDepth())
}

// RunWithDepth is Run with an explicit hop limit, clamped to [0, 1]
func (c *Controller) RunWithDepth(ctx context.Context, seeds []string, maxDepth int) (*models.CrawlManifest, error) {
	maxDepth = min(max(maxDepth, 0), 1)
	run := &crawlRun{
		id:         uuid.NewString(),
		seen:       make(map[string]bool),
		pdfs:       make(map[string]bool),
		errorKinds: make(map[string]int),
	}
	run.log = c.log.WithField("run_id", run.id)
	run.frontier = queue.NewFrontier(run.log)

	manifest := &models.CrawlManifest{
		RunID:     run.id,
		StartedAt: time.Now().UTC(),
		MaxDepth:  maxDepth,
	}
	run.log.WithFields(logrus.Fields{"seeds": len(seeds), "max_depth": maxDepth}).
		Infof("Crawl starting with %d worker(s)...", c.cfg.NumWorkers)

	g, gctx := errgroup.WithContext(ctx)

	// Seed the frontier before any worker can observe it empty
	for i, seed := range seeds {
		seedLog := run.log.WithFields(logrus.Fields{"index": i, "url": seed})
		if _, err := parse.ValidateSeed(seed); err != nil {
			seedLog.Warnf("Skipping seed: %v", err)
			continue
		}
		queued, err := c.enqueue(gctx, run, models.WorkItem{URL: seed, RemainingDepth: maxDepth})
		if err != nil {
			run.frontier.Close()
			return c.finish(run, manifest, err)
		}
		if queued {
			manifest.Seeds = append(manifest.Seeds, seed)
		}
	}
	if len(manifest.Seeds) == 0 {
		run.log.Warn("No seeds queued, nothing to crawl")
		run.frontier.Close()
		return c.finish(run, manifest, nil)
	}

	go func() {
		<-gctx.Done()
		run.frontier.Close()
	}()
	go c.reportProgress(gctx, run)

	for i := 1; i <= c.cfg.NumWorkers; i++ {
		workerLog := run.log.WithField("worker_id", i)
		g.Go(func() error {
			return c.worker(gctx, run, workerLog)
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return c.finish(run, manifest, err)
}

func (c *Controller) finish(run *crawlRun, manifest *models.CrawlManifest, err error) (*models.CrawlManifest, error) {
	manifest.FinishedAt = time.Now().UTC()
	manifest.PagesFetched = run.pagesFetched.Load()
	manifest.PagesFailed = run.pagesFailed.Load()
	manifest.PDFsProcessed = run.pdfsProcessed.Load()
	manifest.ImagesSaved = run.imagesSaved.Load()
	manifest.ImagesSkipped = run.imagesSkipped.Load()

	run.resultsMu.Lock()
	if len(run.errorKinds) > 0 {
		manifest.ErrorsByKind = make(map[string]int, len(run.errorKinds))
		for k, v := range run.errorKinds {
			manifest.ErrorsByKind[k] = v
		}
	}
	manifest.SavedImageURLs = append([]string(nil), run.savedURLs...)
	run.resultsMu.Unlock()

	if err != nil && utils.IsFatal(err) {
		manifest.FatalError = err.Error()
	}

	duration := manifest.FinishedAt.Sub(manifest.StartedAt)
	c.deps.Metrics.ObserveRun(duration)
	c.deps.Metrics.SetPending(0)

	summaryLog := run.log.WithFields(logrus.Fields{
		"duration":       duration.Round(time.Millisecond),
		"pages_fetched":  manifest.PagesFetched,
		"pages_failed":   manifest.PagesFailed,
		"pdfs_processed": manifest.PDFsProcessed,
		"images_saved":   manifest.ImagesSaved,
		"images_skipped": manifest.ImagesSkipped,
	})
	switch {
	case err == nil:
		summaryLog.Info("Crawl finished")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		summaryLog.Warnf("Crawl stopped early: %v", err)
	default:
		summaryLog.Errorf("Crawl aborted: %v", err)
	}
	return manifest, err
}

// worker pops pages until the frontier closes. A non-nil return aborts the run.
func (c *Controller) worker(ctx context.Context, run *crawlRun, workerLog *logrus.Entry) error {
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		item, ok := run.frontier.Pop()
		if !ok {
			return nil
		}
		c.deps.Metrics.SetPending(run.frontier.Len())
		err := c.processPage(ctx, run, item, workerLog)
		run.frontier.Done()
		if err != nil {
			return err
		}
	}
}

// processPage takes one frontier entry through Fetching to Extracted or Failed
func (c *Controller) processPage(ctx context.Context, run *crawlRun, item models.WorkItem, workerLog *logrus.Entry) error {
	taskLog := workerLog.WithFields(logrus.Fields{"url": item.URL, "depth": item.RemainingDepth})

	u, err := url.Parse(item.URL)
	if err != nil {
		taskLog.Warnf("Dropping unparsable URL: %v", err)
		return nil
	}
	domain := strings.ToLower(u.Host)

	err = c.deps.HostSems.With(ctx, domain, func() error {
		return c.visit(ctx, run, item, u, taskLog)
	})
	if err != nil && ctx.Err() != nil && !utils.IsFatal(err) {
		return ctx.Err()
	}
	return err
}

func (c *Controller) visit(ctx context.Context, run *crawlRun, item models.WorkItem, pageURL *url.URL, taskLog *logrus.Entry) error {
	taskLog.WithField("state", models.PageStateFetching).Debug("Fetching page")

	resp, err := c.deps.Fetcher.Fetch(ctx, item.URL, models.PurposePage)
	if err != nil {
		if utils.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		// The fetcher has already recorded the status against the URL
		category := utils.CategorizeError(err)
		run.pagesFailed.Add(1)
		run.recordError(category)
		c.deps.Metrics.Page("failed")
		c.deps.Metrics.Error(category)
		taskLog.WithFields(logrus.Fields{"state": models.PageStateFailed, "category": category}).Warnf("Page fetch failed: %v", err)
		return nil
	}

	if isHTML(resp.ContentType) {
		if err := c.processHTML(ctx, run, item, pageURL, resp, taskLog); err != nil {
			return err
		}
	} else {
		taskLog.Debugf("Content type %q is not HTML, nothing to extract", resp.ContentType)
	}

	if err := c.deps.Store.MarkVisited(ctx, item.URL, resp.StatusCode, ""); err != nil {
		return err
	}
	run.pagesFetched.Add(1)
	c.deps.Metrics.Page("fetched")
	taskLog.WithField("state", models.PageStateExtracted).Debug("Page done")
	return nil
}

// processHTML ingests inline images in document order, handles linked PDFs and
// queues same-domain links while depth remains
func (c *Controller) processHTML(ctx context.Context, run *crawlRun, item models.WorkItem, pageURL *url.URL, resp *fetch.Response, taskLog *logrus.Entry) error {
	// Links resolve against the post-redirect URL, so same-host means that host too
	base := pageURL
	if resp.URL != "" {
		if finalURL, err := url.Parse(resp.URL); err == nil {
			base = finalURL
		}
	}

	result, err := c.deps.Extractor.Extract(resp.Body, base, strings.ToLower(base.Host))
	if err != nil {
		taskLog.Warnf("Failed to parse page: %v", err)
		run.recordError(utils.CategorizeError(err))
		return nil
	}
	taskLog.Debugf("Found %d images, %d PDFs, %d links", len(result.Images), len(result.PDFs), len(result.Links))

	for _, img := range result.Images {
		if !c.deps.Filter.ShouldIngest(img.URL, img.Alt) {
			taskLog.WithField("img_url", img.URL).Debug("Image rejected by classifier")
			c.deps.Metrics.Image(metrics.OutcomeRejected, "page")
			run.imagesSkipped.Add(1)
			continue
		}
		res, err := c.deps.Sink.IngestFromURL(ctx, img.URL, item.URL)
		if err != nil {
			if utils.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			category := utils.CategorizeError(err)
			run.recordError(category)
			run.imagesSkipped.Add(1)
			c.deps.Metrics.Error(category)
			taskLog.WithField("img_url", img.URL).Debugf("Image not ingested: %v", err)
			continue
		}
		if res.Saved {
			run.recordSaved(img.URL)
		} else {
			run.imagesSkipped.Add(1)
		}
	}

	pdfLinks := make(map[string]bool, len(result.PDFs))
	for _, pdfURL := range result.PDFs {
		pdfLinks[pdfURL] = true
		if !run.claimPDF(pdfURL) {
			continue
		}
		out, err := c.deps.PDFs.Process(ctx, pdfURL, item.URL)
		if err != nil {
			if utils.IsFatal(err) || ctx.Err() != nil {
				return err
			}
			category := utils.CategorizeError(err)
			run.recordError(category)
			c.deps.Metrics.PDF("failed")
			c.deps.Metrics.Error(category)
			taskLog.WithField("pdf_url", pdfURL).Warnf("PDF processing failed: %v", err)
			continue
		}
		if out.Fetched {
			run.pdfsProcessed.Add(1)
			c.deps.Metrics.PDF("processed")
		}
		run.imagesSaved.Add(int64(out.Saved))
	}

	if item.RemainingDepth <= 0 {
		return nil
	}
	queued := 0
	for _, link := range result.Links {
		// PDFs are handled above and never recursed into
		if pdfLinks[link] {
			continue
		}
		ok, err := c.enqueue(ctx, run, models.WorkItem{URL: link, RemainingDepth: item.RemainingDepth - 1})
		if err != nil {
			return err
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		taskLog.Debugf("Queued %d same-domain links", queued)
	}
	return nil
}

// enqueue adds item unless it was already queued this run or, when configured,
// was fetched successfully by an earlier run
func (c *Controller) enqueue(ctx context.Context, run *crawlRun, item models.WorkItem) (bool, error) {
	u, err := url.Parse(item.URL)
	if err != nil {
		return false, nil
	}
	if !run.claimPage(parse.NormalizeURL(u)) {
		return false, nil
	}

	if c.cfg.SkipPreviouslySeen {
		seen, err := c.deps.Store.GetSeenURL(ctx, item.URL)
		if err != nil {
			return false, fmt.Errorf("checking previous visit of '%s': %w", item.URL, err)
		}
		if seen != nil && seen.LastStatus == 200 {
			run.log.WithField("url", item.URL).Debug("Fetched by an earlier run, skipping")
			return false, nil
		}
	}

	if !run.frontier.Add(item) {
		return false, nil
	}
	c.deps.Metrics.SetPending(run.frontier.Len())
	return true, nil
}

func (c *Controller) reportProgress(ctx context.Context, run *crawlRun) {
	ticker := time.NewTicker(c.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run.log.WithFields(logrus.Fields{
				"queued":         run.frontier.Len(),
				"pages_fetched":  run.pagesFetched.Load(),
				"pages_failed":   run.pagesFailed.Load(),
				"images_saved":   run.imagesSaved.Load(),
				"pdfs_processed": run.pdfsProcessed.Load(),
			}).Info("Crawl progress")
		}
	}
}

// isHTML treats a missing Content-Type as HTML
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
