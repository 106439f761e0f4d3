package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"image-harvester/pkg/config"
	"image-harvester/pkg/models"
)

const (
	serverName    = "image-harvester"
	serverVersion = "2.0.0"
)

// Harvester is what the tools drive; *orchestrate.Harvester satisfies it
type Harvester interface {
	Ingest(ctx context.Context, imageURL, referrer string) (models.IngestResult, error)
	CrawlDepth(ctx context.Context, seeds []string, depth int) (*models.CrawlManifest, error)
	Stats(ctx context.Context) (models.StoreStats, error)
}

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig *config.AppConfig
	Harvester Harvester
	Transport string // "stdio" or "sse"
	Port      int
	Logger    *logrus.Logger
}

// Server exposes the ingestion contract and crawl jobs as MCP tools, so agents
// and external feed scrapers save images through the same dedup path as the crawler
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
	jobs       sync.WaitGroup
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Harvester == nil {
		return nil, fmt.Errorf("Harvester is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	ingestTool := mcp.NewTool("ingest_image_url",
		mcp.WithDescription("Download one candidate image and save it unless identical content was saved before"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Absolute http(s) URL of the image"),
		),
		mcp.WithString("referrer",
			mcp.Description("Page or post the image was found on; used for provenance and provider attribution"),
		),
	)
	s.mcpServer.AddTool(ingestTool, s.handleIngestImageURL)

	crawlTool := mcp.NewTool("crawl_seeds",
		mcp.WithDescription("Start a background crawl of seed pages. Returns immediately with a job ID."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("Seed page URLs"),
			mcp.WithStringItems(),
		),
		mcp.WithNumber("depth",
			mcp.Description("Same-domain hops to follow from each seed (0 or 1, default from config)"),
			mcp.Min(0),
			mcp.Max(1),
		),
	)
	s.mcpServer.AddTool(crawlTool, s.handleCrawlSeeds)

	statusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status of a crawl job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by crawl_seeds"),
		),
	)
	s.mcpServer.AddTool(statusTool, s.handleGetJobStatus)

	cancelTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending or running crawl job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by crawl_seeds"),
		),
	)
	s.mcpServer.AddTool(cancelTool, s.handleCancelJob)

	listTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List crawl jobs started by this server, newest first"),
	)
	s.mcpServer.AddTool(listTool, s.handleListJobs)

	statsTool := mcp.NewTool("get_stats",
		mcp.WithDescription("Report resource cache counts and the most recent crawl summary"),
	)
	s.mcpServer.AddTool(statsTool, s.handleGetStats)

	s.log.Infof("Registered %d MCP tools", 6)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio", "":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running crawl jobs and waits for them to stop, so the store
// can be closed safely afterwards
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for crawl jobs: %w", ctx.Err())
	}
}
