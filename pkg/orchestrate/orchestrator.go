package orchestrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"image-harvester/pkg/classify"
	"image-harvester/pkg/config"
	"image-harvester/pkg/crawler"
	"image-harvester/pkg/extract"
	"image-harvester/pkg/feed"
	"image-harvester/pkg/fetch"
	"image-harvester/pkg/ingest"
	"image-harvester/pkg/metrics"
	"image-harvester/pkg/models"
	"image-harvester/pkg/parse"
	"image-harvester/pkg/storage"
	"image-harvester/pkg/utils"
)

// Options overrides collaborators New would otherwise build itself
type Options struct {
	Metrics  *metrics.Metrics // nil disables metrics
	Renderer feed.Renderer    // nil uses headless Chrome
}

// Harvester owns the process-wide collaborators. One store, HTTP client, rate
// limiter and ingestion sink are shared by crawls, feed passes and MCP tools so
// pacing and content dedup hold across all of them.
type Harvester struct {
	cfg     *config.AppConfig
	log     *logrus.Entry
	store   storage.ResourceCache
	sink    *ingest.Sink
	crawler *crawler.Controller
	feeds   feed.Adapter

	stopBackground context.CancelFunc
	closeOnce      sync.Once
	closeErr       error
}

// New opens the store and wires the harvesting pipeline. cfg must be validated.
func New(ctx context.Context, cfg *config.AppConfig, opts Options, log *logrus.Entry) (*Harvester, error) {
	store, err := storage.Open(ctx, cfg.StoreDriver, cfg.StoreDir, log)
	if err != nil {
		return nil, err
	}

	classifier, err := classify.FromConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	client := fetch.NewClient(cfg.HTTPClientSettings, log)
	limiter := fetch.NewRateLimiter(cfg.DomainInterval, log)
	var robots *fetch.RobotsHandler
	if cfg.RespectRobots {
		robots = fetch.NewRobotsHandler(client, limiter, cfg.UserAgent, cfg.PageTimeout, log)
	}
	fetcher := fetch.NewFetcher(client, store, limiter, robots, fetch.Options{
		UserAgent:    cfg.UserAgent,
		PageTimeout:  cfg.PageTimeout,
		ImageTimeout: cfg.ImageTimeout,
		PDFTimeout:   cfg.PDFTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, log)

	sink, err := ingest.NewSink(fetcher, store, classifier, cfg.DownloadDir, cfg.MinImageBytes, opts.Metrics, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	pdfs := extract.NewPDFProcessor(fetcher, extract.NewPDFImageExtractor(cfg.PDFExtractor, log),
		sink, cfg.MinPDFBytes, cfg.PDFExtractTimeout, log)
	hostSems := fetch.NewHostSemaphorePool(1, log)

	controller := crawler.NewController(cfg, crawler.Components{
		Store:    store,
		Fetcher:  fetcher,
		Filter:   classifier,
		Sink:     sink,
		PDFs:     pdfs,
		HostSems: hostSems,
		Metrics:  opts.Metrics,
	}, log)

	renderer := opts.Renderer
	if renderer == nil {
		renderer = feed.NewChromeRenderer(cfg.Feeds, cfg.UserAgent, log)
	}
	router := feed.Router{
		RSS:      feed.NewRSSAdapter(fetcher, log),
		Rendered: feed.NewRenderedAdapter(renderer, cfg.Feeds.MediaPatterns, cfg.Feeds.MaxImagesPerFeed, log),
	}

	bgCtx, stop := context.WithCancel(context.Background())
	go store.RunGC(bgCtx, cfg.GCInterval)
	go hostSems.RunEviction(bgCtx, 5*time.Minute)

	log.WithFields(logrus.Fields{
		"store":        cfg.StoreDir,
		"store_driver": cfg.StoreDriver,
		"download_dir": cfg.DownloadDir,
	}).Debug("Harvester ready")

	return &Harvester{
		cfg:            cfg,
		log:            log,
		store:          store,
		sink:           sink,
		crawler:        controller,
		feeds:          router,
		stopBackground: stop,
	}, nil
}

// Config returns the validated configuration the harvester was built from
func (h *Harvester) Config() *config.AppConfig {
	return h.cfg
}

// Store exposes the shared resource cache
func (h *Harvester) Store() storage.ResourceCache {
	return h.store
}

// Crawl runs one crawl from seeds and writes its manifest. A manifest that cannot
// be written is logged; the crawl outcome is what gets returned.
func (h *Harvester) Crawl(ctx context.Context, seeds []string) (*models.CrawlManifest, error) {
	return h.CrawlDepth(ctx, seeds, h.cfg.EffectiveMaxDepth())
}

// CrawlDepth is Crawl with an explicit hop limit
func (h *Harvester) CrawlDepth(ctx context.Context, seeds []string, depth int) (*models.CrawlManifest, error) {
	manifest, err := h.crawler.RunWithDepth(ctx, seeds, depth)
	if manifest != nil {
		if _, writeErr := crawler.WriteManifest(h.cfg.ManifestDir, manifest, h.log); writeErr != nil {
			h.log.Warnf("Failed to write crawl manifest: %v", writeErr)
		}
	}
	return manifest, err
}

// Ingest routes a single candidate image URL through the ingestion sink
func (h *Harvester) Ingest(ctx context.Context, imageURL, referrer string) (models.IngestResult, error) {
	return h.sink.IngestFromURL(ctx, imageURL, referrer)
}

// RunFeeds harvests every source in parallel, at most NumWorkers at a time.
// Results come back in source order. Only a storage failure or cancellation is
// returned as an error; it stops the remaining sources.
func (h *Harvester) RunFeeds(ctx context.Context, sources []feed.Source) ([]feed.Result, error) {
	startTime := time.Now()
	h.log.Infof("Starting feed pass over %d sources", len(sources))

	results := make([]feed.Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.NumWorkers)

	for i, src := range sources {
		g.Go(func() error {
			res, err := feed.Harvest(gctx, h.feeds, h.sink, src, h.log)
			results[i] = res
			return err
		})
	}

	err := g.Wait()
	logSummary(h.log, results, time.Since(startTime))
	return results, err
}

// Stats returns the row counts of the resource cache
func (h *Harvester) Stats(ctx context.Context) (models.StoreStats, error) {
	return h.store.Stats(ctx)
}

// Close stops background maintenance and closes the store. Safe to call twice.
func (h *Harvester) Close() error {
	h.closeOnce.Do(func() {
		h.stopBackground()
		h.closeErr = h.store.Close()
	})
	return h.closeErr
}

// logSummary logs a summary of a feed pass
func logSummary(log *logrus.Entry, results []feed.Result, totalDuration time.Duration) {
	log.Info("============================================")
	log.Infof("Feed pass completed in %v", totalDuration.Round(time.Millisecond))

	var saved, candidates, failed int
	for _, r := range results {
		if r.Source.URL == "" {
			continue // never started
		}
		status := "OK"
		if r.Err != nil {
			status = "FAILED"
			failed++
		}
		saved += r.Saved
		candidates += r.Candidates
		log.Infof("  %s (%s): %s - %d candidates, %d saved in %v",
			r.Source.Name, r.Source.Kind, status, r.Candidates, r.Saved, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			log.Infof("    Error: %v", r.Err)
		}
	}

	log.Info("--------------------------------------------")
	log.Infof("Total: %d sources (%d failed), %d candidates, %d images saved",
		len(results), failed, candidates, saved)
	log.Info("============================================")
}

// CollectSeeds merges seeds from args, seedFile and the config, in that order,
// dropping repeats. Seeds are not validated here; the crawler skips bad ones.
func CollectSeeds(cfg *config.AppConfig, seedFile string, args []string) ([]string, error) {
	var seeds []string
	seeds = append(seeds, args...)
	if seedFile != "" {
		fromFile, err := parse.LoadSeedFile(seedFile)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, fromFile...)
	}
	seeds = append(seeds, cfg.Seeds...)

	seen := make(map[string]bool, len(seeds))
	unique := seeds[:0]
	for _, s := range seeds {
		if seen[s] {
			continue
		}
		seen[s] = true
		unique = append(unique, s)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("%w: no seed URLs given", utils.ErrConfigValidation)
	}
	return unique, nil
}

// LoadFeeds reads the feeds CSV at path, falling back to the configured one
func LoadFeeds(cfg *config.AppConfig, path string) ([]feed.Source, error) {
	if path == "" {
		path = cfg.Feeds.CSVPath
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no feeds csv configured", utils.ErrConfigValidation)
	}
	return feed.LoadCSV(path)
}
