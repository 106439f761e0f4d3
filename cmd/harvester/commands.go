package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/config"
	"image-harvester/pkg/crawler"
	"image-harvester/pkg/feed"
	"image-harvester/pkg/mcp"
	"image-harvester/pkg/models"
	"image-harvester/pkg/orchestrate"
	"image-harvester/pkg/storage"
	"image-harvester/pkg/utils"
	"image-harvester/pkg/watch"
)

type crawlCmd struct {
	app   *app
	Seeds string `long:"seeds" description:"File with one seed URL per line (# comments allowed)"`
	Depth int    `long:"depth" default:"-1" description:"Hops followed from each seed, 0 or 1 (default: config max_depth)"`
	Args  struct {
		URLs []string `positional-arg-name:"url"`
	} `positional-args:"yes"`
}

func (c *crawlCmd) Execute(_ []string) error {
	cfg, log, err := c.app.loadConfig()
	if err != nil {
		return err
	}
	seeds, err := orchestrate.CollectSeeds(cfg, c.Seeds, c.Args.URLs)
	if err != nil {
		return err
	}
	depth := cfg.EffectiveMaxDepth()
	if c.Depth >= 0 {
		if c.Depth > 1 {
			return usageError{fmt.Sprintf("--depth must be 0 or 1, got %d", c.Depth)}
		}
		depth = c.Depth
	}

	h, err := c.app.openHarvester(cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()

	manifest, err := h.CrawlDepth(c.app.ctx, seeds, depth)
	if manifest != nil {
		fmt.Fprintf(c.app.stdout, "Run %s: %d pages fetched, %d failed, %d PDFs, %d images saved, %d skipped\n",
			manifest.RunID, manifest.PagesFetched, manifest.PagesFailed, manifest.PDFsProcessed,
			manifest.ImagesSaved, manifest.ImagesSkipped)
		for kind, n := range manifest.ErrorsByKind {
			fmt.Fprintf(c.app.stdout, "  %s: %d\n", kind, n)
		}
	}
	return err
}

type ingestCmd struct {
	app      *app
	Referrer string `long:"referrer" description:"Page the image was found on"`
	Args     struct {
		URL string `positional-arg-name:"image-url" required:"yes"`
	} `positional-args:"yes"`
}

func (c *ingestCmd) Execute(_ []string) error {
	cfg, log, err := c.app.loadConfig()
	if err != nil {
		return err
	}
	h, err := c.app.openHarvester(cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()

	res, err := h.Ingest(c.app.ctx, c.Args.URL, c.Referrer)
	if err != nil {
		return fmt.Errorf("ingest %s (%s): %w", c.Args.URL, utils.CategorizeError(err), err)
	}
	if res.Saved {
		fmt.Fprintf(c.app.stdout, "saved %s\n", res.Path)
	} else {
		fmt.Fprintf(c.app.stdout, "skipped: %s\n", res.Reason)
	}
	return nil
}

type feedsCmd struct {
	app *app
	CSV string `long:"csv" description:"Feeds CSV (name,url[,kind]); defaults to feeds.csv_path"`
}

func (c *feedsCmd) Execute(_ []string) error {
	cfg, log, err := c.app.loadConfig()
	if err != nil {
		return err
	}
	sources, err := orchestrate.LoadFeeds(cfg, c.CSV)
	if err != nil {
		return err
	}
	h, err := c.app.openHarvester(cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()

	results, err := h.RunFeeds(c.app.ctx, sources)
	for _, r := range results {
		if r.Source.Name == "" {
			continue
		}
		if r.Err != nil {
			fmt.Fprintf(c.app.stdout, "%-24s FAILED  %v\n", r.Source.Name, r.Err)
			continue
		}
		fmt.Fprintf(c.app.stdout, "%-24s %d candidates, %d saved, %d skipped, %d failed\n",
			r.Source.Name, r.Candidates, r.Saved, r.Skipped, r.Failed)
	}
	return err
}

type watchCmd struct {
	app      *app
	Interval string `long:"interval" description:"Run interval, e.g. 30m, 6h, 1d (default: watch.interval)"`
	Seeds    string `long:"seeds" description:"Seed file re-read on every run (default: watch.seed_file)"`
	CSV      string `long:"csv" description:"Feeds CSV re-read on every run (default: feeds.csv_path)"`
}

func (c *watchCmd) Execute(_ []string) error {
	cfg, log, err := c.app.loadConfig()
	if err != nil {
		return err
	}
	interval := cfg.Watch.Interval
	if c.Interval != "" {
		if interval, err = watch.ParseInterval(c.Interval); err != nil {
			return err
		}
	}
	seedFile := c.Seeds
	if seedFile == "" {
		seedFile = cfg.Watch.SeedFile
	}
	csvPath := c.CSV
	if csvPath == "" {
		csvPath = cfg.Feeds.CSVPath
	}

	h, err := c.app.openHarvester(cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()

	tasks := watchTasks(h, cfg, seedFile, csvPath, log)
	scheduler := watch.NewScheduler(tasks, interval, cfg.StoreDir, log.WithField("component", "watch"))
	if err := scheduler.Run(c.app.ctx); err != nil {
		return err
	}
	log.Info("Watch mode stopped")
	return nil
}

// watchTasks returns a crawl task when seeds are available and a feeds task when a CSV is set
func watchTasks(h watch.Harvester, cfg *config.AppConfig, seedFile, csvPath string, log *logrus.Logger) []watch.Task {
	var tasks []watch.Task
	if seedFile != "" || len(cfg.Seeds) > 0 {
		tasks = append(tasks, watch.CrawlTask(h, func() ([]string, error) {
			return orchestrate.CollectSeeds(cfg, seedFile, nil)
		}))
	} else {
		log.Info("No seeds configured, crawl task disabled")
	}
	if csvPath != "" {
		tasks = append(tasks, watch.FeedsTask(h, func() ([]feed.Source, error) {
			return orchestrate.LoadFeeds(cfg, csvPath)
		}))
	} else {
		log.Info("No feeds CSV configured, feeds task disabled")
	}
	return tasks
}

type statsCmd struct {
	app        *app
	Verify     bool   `long:"verify" description:"Re-hash every saved image file and report missing or altered ones"`
	VisitedLog string `long:"visited-log" description:"Write status<TAB>url for every seen URL to this file"`
}

func (c *statsCmd) Execute(_ []string) error {
	cfg, log, err := c.app.loadConfig()
	if err != nil {
		return err
	}
	h, err := c.app.openHarvester(cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()

	stats, err := h.Stats(c.app.ctx)
	if err != nil {
		return err
	}
	out := c.app.stdout
	fmt.Fprintf(out, "Store:          %s (%s)\n", cfg.StoreDir, cfg.StoreDriver)
	fmt.Fprintf(out, "Seen URLs:      %d\n", stats.SeenURLs)
	fmt.Fprintf(out, "Resource heads: %d\n", stats.ResourceHeads)
	fmt.Fprintf(out, "Saved images:   %d\n", stats.SavedImages)

	last, err := crawler.LatestManifest(cfg.ManifestDir)
	if err != nil {
		log.Warnf("Could not read crawl manifests: %v", err)
	}
	if last != nil {
		fmt.Fprintf(out, "Last crawl:     %s at %s (%d pages, %d images)\n",
			last.RunID, last.FinishedAt.Format(time.RFC3339), last.PagesFetched, last.ImagesSaved)
	}

	if c.VisitedLog != "" {
		if err := h.Store().WriteVisitedLog(c.app.ctx, c.VisitedLog); err != nil {
			return err
		}
		fmt.Fprintf(out, "Visited log:    %s\n", c.VisitedLog)
	}
	if c.Verify {
		bad, err := verifyImages(c.app.ctx, h.Store(), cfg.DownloadDir, out)
		if err != nil {
			return err
		}
		if bad > 0 {
			return fmt.Errorf("%w: %d saved images missing or altered", utils.ErrFilesystem, bad)
		}
		fmt.Fprintln(out, "Verify:         all saved images match their content hash")
	}
	return nil
}

// verifyImages re-hashes each recorded image file and returns how many are
// missing or no longer match
func verifyImages(ctx context.Context, store storage.ContentStore, downloadDir string, out io.Writer) (int, error) {
	bad := 0
	err := store.ListImages(ctx, func(img models.SavedImage) error {
		if !img.Downloaded {
			return nil
		}
		path := filepath.Join(downloadDir, img.Filename)
		hash, err := utils.CalculateFileSHA256(path)
		switch {
		case err != nil:
			fmt.Fprintf(out, "MISSING  %s (%v)\n", path, err)
			bad++
		case hash != img.ContentHash:
			fmt.Fprintf(out, "ALTERED  %s\n", path)
			bad++
		}
		return nil
	})
	return bad, err
}

type validateCmd struct {
	app *app
}

func (c *validateCmd) Execute(_ []string) error {
	log := setupLogger(c.app.opts.LogLevel, c.app.stderr)
	cfg, warnings, err := config.Load(c.app.opts)
	for _, w := range warnings {
		fmt.Fprintf(c.app.stdout, "WARN: %s\n", w)
	}
	if err != nil {
		return err
	}

	out := c.app.stdout
	fmt.Fprintf(out, "OK: store %s (%s), downloads %s\n", cfg.StoreDir, cfg.StoreDriver, cfg.DownloadDir)
	fmt.Fprintf(out, "OK: %d configured seeds, max depth %d\n", len(cfg.Seeds), cfg.EffectiveMaxDepth())
	if cfg.Feeds.CSVPath != "" {
		sources, err := feed.LoadCSV(cfg.Feeds.CSVPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "OK: %d feed sources in %s\n", len(sources), cfg.Feeds.CSVPath)
	}
	log.Debug("Validation finished")

	fmt.Fprintln(out, "\nConfiguration valid.")
	return nil
}

type mcpCmd struct {
	app       *app
	Transport string `long:"transport" default:"stdio" choice:"stdio" choice:"sse" description:"Transport type"`
	Port      int    `long:"port" default:"8080" description:"HTTP port (for sse transport)"`
}

func (c *mcpCmd) Execute(_ []string) error {
	cfg, log, err := c.app.loadConfig()
	if err != nil {
		return err
	}
	h, err := c.app.openHarvester(cfg, log)
	if err != nil {
		return err
	}
	defer h.Close()

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig: cfg,
		Harvester: h,
		Transport: c.Transport,
		Port:      c.Port,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	log.Infof("Starting MCP server (transport: %s)", c.Transport)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err = <-errCh:
	case <-c.app.ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnf("MCP shutdown: %v", shutdownErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

type versionCmd struct {
	app *app
}

func (c *versionCmd) Execute(_ []string) error {
	fmt.Fprintf(c.app.stdout, "harvester %s\n", version)
	return nil
}
