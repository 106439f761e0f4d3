package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-harvester/pkg/config"
	"image-harvester/pkg/crawler"
	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

// fakeHarvester records calls; crawls block until release is closed or ctx ends
type fakeHarvester struct {
	mu        sync.Mutex
	ingested  []string
	ingestErr error
	crawls    [][]string
	release   chan struct{}
}

func (f *fakeHarvester) Ingest(_ context.Context, imageURL, referrer string) (models.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, imageURL+" <- "+referrer)
	if f.ingestErr != nil {
		return models.IngestResult{}, f.ingestErr
	}
	return models.IngestResult{Saved: true, Path: "/tmp/images/abcd1234_sat.png", Hash: "abcd1234"}, nil
}

func (f *fakeHarvester) CrawlDepth(ctx context.Context, seeds []string, depth int) (*models.CrawlManifest, error) {
	f.mu.Lock()
	f.crawls = append(f.crawls, seeds)
	f.mu.Unlock()

	manifest := &models.CrawlManifest{RunID: "run-" + fmt.Sprint(depth), PagesFetched: int64(len(seeds))}
	if f.release == nil {
		return manifest, nil
	}
	select {
	case <-f.release:
		return manifest, nil
	case <-ctx.Done():
		return manifest, ctx.Err()
	}
}

func (f *fakeHarvester) Stats(context.Context) (models.StoreStats, error) {
	return models.StoreStats{SeenURLs: 4, ResourceHeads: 3, SavedImages: 2}, nil
}

func newTestServer(t *testing.T, h *fakeHarvester) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := NewServer(&ServerConfig{
		AppConfig: &config.AppConfig{ManifestDir: t.TempDir(), DownloadDir: "/tmp/images"},
		Harvester: h,
		Transport: "stdio",
		Logger:    logger,
	})
	require.NoError(t, err)
	return s
}

func callTool(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// decode returns the JSON body of a successful result
func decode(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.False(t, res.IsError, "unexpected tool error: %s", text(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	return out
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(&ServerConfig{Harvester: &fakeHarvester{}})
	assert.Error(t, err)
	_, err = NewServer(&ServerConfig{AppConfig: &config.AppConfig{}})
	assert.Error(t, err)
}

func TestHandleIngestImageURL(t *testing.T) {
	ctx := context.Background()

	t.Run("saved", func(t *testing.T) {
		h := &fakeHarvester{}
		s := newTestServer(t, h)
		res, err := s.handleIngestImageURL(ctx, callTool(map[string]any{
			"url":      "https://cdn.example/sat.png",
			"referrer": "https://x.com/post/1",
		}))
		require.NoError(t, err)
		out := decode(t, res)
		assert.Equal(t, true, out["saved"])
		assert.Equal(t, "/tmp/images/abcd1234_sat.png", out["path"])
		assert.Equal(t, []string{"https://cdn.example/sat.png <- https://x.com/post/1"}, h.ingested)
	})

	t.Run("missing url", func(t *testing.T) {
		res, err := newTestServer(t, &fakeHarvester{}).handleIngestImageURL(ctx, callTool(nil))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("non http url rejected before ingest", func(t *testing.T) {
		h := &fakeHarvester{}
		res, err := newTestServer(t, h).handleIngestImageURL(ctx, callTool(map[string]any{"url": "ftp://files.example/a.png"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Empty(t, h.ingested)
	})

	t.Run("ingest error reported with category", func(t *testing.T) {
		h := &fakeHarvester{ingestErr: fmt.Errorf("%w: status 404", utils.ErrClientHTTPError)}
		res, err := newTestServer(t, h).handleIngestImageURL(ctx, callTool(map[string]any{"url": "https://cdn.example/gone.png"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, text(t, res), "ingest failed")
	})
}

func TestHandleCrawlSeeds(t *testing.T) {
	ctx := context.Background()

	t.Run("runs job to completion", func(t *testing.T) {
		h := &fakeHarvester{}
		s := newTestServer(t, h)
		res, err := s.handleCrawlSeeds(ctx, callTool(map[string]any{
			"urls":  []any{"https://a.example/", "not a url"},
			"depth": float64(0),
		}))
		require.NoError(t, err)
		out := decode(t, res)
		assert.Equal(t, "started", out["status"])
		assert.Equal(t, []any{"not a url"}, out["skipped_urls"])
		jobID := out["job_id"].(string)

		require.Eventually(t, func() bool {
			return s.jobManager.GetJob(jobID).Status == JobStatusCompleted
		}, 2*time.Second, 10*time.Millisecond)

		status := decode(t, mustCall(t, s.handleGetJobStatus, map[string]any{"job_id": jobID}))
		assert.Equal(t, "run-0", status["run_id"])
		assert.Equal(t, float64(1), status["pages_fetched"])
	})

	t.Run("duplicate while running", func(t *testing.T) {
		h := &fakeHarvester{release: make(chan struct{})}
		s := newTestServer(t, h)
		args := map[string]any{"urls": []any{"https://a.example/"}}

		first := decode(t, mustCall(t, s.handleCrawlSeeds, args))
		second := decode(t, mustCall(t, s.handleCrawlSeeds, args))
		assert.Equal(t, "already_running", second["status"])
		assert.Equal(t, first["job_id"], second["job_id"])

		close(h.release)
		require.NoError(t, s.Shutdown(ctx))
	})

	t.Run("invalid input", func(t *testing.T) {
		s := newTestServer(t, &fakeHarvester{})
		for name, args := range map[string]map[string]any{
			"no urls":       {},
			"all invalid":   {"urls": []any{"mailto:x@example.com"}},
			"depth too big": {"urls": []any{"https://a.example/"}, "depth": float64(3)},
		} {
			t.Run(name, func(t *testing.T) {
				res, err := s.handleCrawlSeeds(ctx, callTool(args))
				require.NoError(t, err)
				assert.True(t, res.IsError)
			})
		}
		assert.Empty(t, s.jobManager.ListJobs())
	})
}

func TestCancelAndShutdown(t *testing.T) {
	h := &fakeHarvester{release: make(chan struct{})}
	s := newTestServer(t, h)

	out := decode(t, mustCall(t, s.handleCrawlSeeds, map[string]any{"urls": []any{"https://a.example/"}}))
	jobID := out["job_id"].(string)

	cancelled := decode(t, mustCall(t, s.handleCancelJob, map[string]any{"job_id": jobID}))
	assert.Equal(t, true, cancelled["cancelled"])

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
	assert.Equal(t, JobStatusCancelled, s.jobManager.GetJob(jobID).Status)

	res, err := s.handleCancelJob(context.Background(), callTool(map[string]any{"job_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleListJobsAndStatus(t *testing.T) {
	s := newTestServer(t, &fakeHarvester{})

	res, err := s.handleGetJobStatus(context.Background(), callTool(map[string]any{"job_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	s.jobManager.CreateJob([]string{"https://a.example/"}, 1)
	out := decode(t, mustCall(t, s.handleListJobs, nil))
	assert.Equal(t, float64(1), out["total_jobs"])
}

func TestHandleGetStats(t *testing.T) {
	s := newTestServer(t, &fakeHarvester{})

	out := decode(t, mustCall(t, s.handleGetStats, nil))
	assert.Equal(t, float64(2), out["saved_images"])
	assert.Equal(t, float64(4), out["seen_urls"])
	assert.NotContains(t, out, "last_crawl")

	manifest := &models.CrawlManifest{
		RunID:        "run-42",
		FinishedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		PagesFetched: 7,
		ImagesSaved:  3,
		ErrorsByKind: map[string]int{"HTTP_404": 1},
	}
	_, err := crawler.WriteManifest(s.cfg.AppConfig.ManifestDir, manifest, s.log)
	require.NoError(t, err)

	out = decode(t, mustCall(t, s.handleGetStats, nil))
	last, ok := out["last_crawl"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-42", last["run_id"])
	assert.Equal(t, "2024-05-01T12:00:00Z", last["finished_at"])
	assert.Equal(t, map[string]any{"HTTP_404": float64(1)}, last["errors_by_kind"])
}

func mustCall(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := handler(context.Background(), callTool(args))
	require.NoError(t, err)
	return res
}
