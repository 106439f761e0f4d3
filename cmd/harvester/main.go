package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"image-harvester/pkg/config"
	"image-harvester/pkg/metrics"
	"image-harvester/pkg/orchestrate"
	"image-harvester/pkg/utils"
)

const version = "0.4.0"

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	// A missing .env is normal; variables may come from the real environment
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "Received signal %v, initiating graceful shutdown...\n", sig)
		cancel()

		select {
		case sig = <-sigChan:
			fmt.Fprintf(os.Stderr, "Received second signal %v, forcing exit.\n", sig)
			os.Exit(exitFailure)
		case <-time.After(30 * time.Second):
			fmt.Fprintln(os.Stderr, "Graceful shutdown period exceeded, forcing exit.")
			os.Exit(exitFailure)
		}
	}()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	signal.Stop(sigChan)
	cancel()
	os.Exit(code)
}

// app carries the global options and output streams into every subcommand
type app struct {
	opts   config.Options
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
}

// usageError marks a command line the user has to fix; it exits with code 2
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// run parses args, executes the selected subcommand and returns the exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{ctx: ctx, stdout: stdout, stderr: stderr}

	parser := flags.NewParser(&a.opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "harvester"
	parser.LongDescription = "Curated, polite, depth-limited image harvester"
	for _, c := range []struct {
		name, short, long string
		data              interface{}
	}{
		{"crawl", "Crawl seed pages", "Fetch each seed page, save qualifying images and follow links one hop.", &crawlCmd{app: a}},
		{"ingest", "Save a single image URL", "Route one image URL through the dedup/save path.", &ingestCmd{app: a}},
		{"feeds", "Harvest images from feed sources", "Run one pass over the sources listed in a feeds CSV.", &feedsCmd{app: a}},
		{"watch", "Re-run crawl and feeds on a schedule", "Re-run the configured crawl and feed pass every interval until interrupted.", &watchCmd{app: a}},
		{"stats", "Show resource cache statistics", "Print store counts and the most recent crawl manifest.", &statsCmd{app: a}},
		{"validate", "Validate configuration", "Load the configuration, apply defaults and report warnings.", &validateCmd{app: a}},
		{"mcp-server", "Start MCP server for AI tool integration", "Expose ingestion and crawl jobs as MCP tools over stdio or SSE.", &mcpCmd{app: a}},
		{"version", "Show version info", "Show version info.", &versionCmd{app: a}},
	} {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
	}

	_, err := parser.ParseArgs(args)
	if err == nil {
		return exitOK
	}
	return exitCode(err, parser, stdout, stderr)
}

// exitCode reports err and maps it to an exit code
func exitCode(err error, parser *flags.Parser, stdout, stderr io.Writer) int {
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) {
		if flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, flagsErr.Message)
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %s\n\n", flagsErr.Message)
		parser.WriteHelp(stderr)
		return exitUsage
	}

	var uErr usageError
	if errors.As(err, &uErr) || errors.Is(err, utils.ErrConfigValidation) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "Cancelled.")
		return exitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFailure
}

// setupLogger creates a configured logrus.Logger writing to w
func setupLogger(logLevelStr string, w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
	}
	return log
}

// loadConfig builds the effective configuration and logs its warnings
func (a *app) loadConfig() (*config.AppConfig, *logrus.Logger, error) {
	log := setupLogger(a.opts.LogLevel, a.stderr)
	if a.opts.ConfigFile != "" {
		log.Infof("Loading configuration from %s", a.opts.ConfigFile)
	}
	cfg, warnings, err := config.Load(a.opts)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, log, err
	}
	return cfg, log, nil
}

// openHarvester wires the pipeline and, when configured, the metrics endpoint.
// The caller closes the returned harvester.
func (a *app) openHarvester(cfg *config.AppConfig, log *logrus.Logger) (*orchestrate.Harvester, error) {
	logAppConfig(cfg, log)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		metricsLog := log.WithField("component", "metrics")
		go func() {
			if err := m.Serve(a.ctx, cfg.MetricsAddr, metricsLog); err != nil {
				metricsLog.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	return orchestrate.New(a.ctx, cfg, orchestrate.Options{Metrics: m}, log.WithField("component", "harvester"))
}

// logAppConfig logs the effective configuration
func logAppConfig(cfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Workers:%d, MaxDepth:%d, DomainInterval:%v, MinImageBytes:%d",
		cfg.NumWorkers, cfg.EffectiveMaxDepth(), cfg.DomainInterval, cfg.MinImageBytes)
	log.Infof("Config: Store:%s (%s), DownloadDir:%s, Manifests:%s",
		cfg.StoreDir, cfg.StoreDriver, cfg.DownloadDir, cfg.ManifestDir)
	log.Infof("Config Timeouts: Page:%v, Image:%v, PDF:%v, PDFExtract:%v",
		cfg.PageTimeout, cfg.ImageTimeout, cfg.PDFTimeout, cfg.PDFExtractTimeout)
	log.Infof("Config Politeness: RespectRobots:%t, UserAgent:%q", cfg.RespectRobots, cfg.UserAgent)
	log.Debugf("Config HTTP Client: MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		cfg.HTTPClientSettings.MaxIdleConns, cfg.HTTPClientSettings.MaxIdleConnsPerHost,
		cfg.HTTPClientSettings.IdleConnTimeout, cfg.HTTPClientSettings.TLSHandshakeTimeout, cfg.HTTPClientSettings.DialerTimeout)
}
