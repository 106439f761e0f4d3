package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"image-harvester/pkg/crawler"
	"image-harvester/pkg/parse"
	"image-harvester/pkg/utils"
)

// handleIngestImageURL handles the ingest_image_url tool
func (s *Server) handleIngestImageURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	imageURL := strings.TrimSpace(request.GetString("url", ""))
	if imageURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	if _, err := parse.ValidateSeed(imageURL); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid URL: %v", err)), nil
	}
	referrer := strings.TrimSpace(request.GetString("referrer", ""))

	startTime := time.Now()
	res, err := s.cfg.Harvester.Ingest(ctx, imageURL, referrer)
	if err != nil {
		s.log.WithField("img_url", imageURL).Warnf("Tool ingest failed: %v", err)
		return mcp.NewToolResultError(fmt.Sprintf("ingest failed (%s): %v", utils.CategorizeError(err), err)), nil
	}

	result := map[string]interface{}{
		"url":         imageURL,
		"saved":       res.Saved,
		"duration_ms": time.Since(startTime).Milliseconds(),
	}
	if res.Saved {
		result["path"] = res.Path
	} else {
		result["reason"] = res.Reason
	}
	if res.Hash != "" {
		result["content_hash"] = res.Hash
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCrawlSeeds handles the crawl_seeds tool
func (s *Server) handleCrawlSeeds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urls := request.GetStringSlice("urls", nil)
	if len(urls) == 0 {
		return mcp.NewToolResultError("urls parameter must list at least one URL"), nil
	}

	var seeds, invalid []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if _, err := parse.ValidateSeed(u); err != nil {
			invalid = append(invalid, u)
			continue
		}
		seeds = append(seeds, u)
	}
	if len(seeds) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("no valid http(s) URLs in %v", invalid)), nil
	}

	depth := request.GetInt("depth", s.cfg.AppConfig.EffectiveMaxDepth())
	if depth < 0 || depth > 1 {
		return mcp.NewToolResultError(fmt.Sprintf("depth must be 0 or 1, got %d", depth)), nil
	}

	job, created := s.jobManager.CreateJob(seeds, depth)
	if !created {
		result := map[string]interface{}{
			"status":  "already_running",
			"message": "A crawl of these seeds is already in progress",
			"job_id":  job.ID,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	s.jobs.Add(1)
	go s.runCrawlJob(job)

	result := map[string]interface{}{
		"status":  "started",
		"message": "Crawl started successfully",
		"job_id":  job.ID,
		"seeds":   seeds,
		"depth":   depth,
	}
	if len(invalid) > 0 {
		result["skipped_urls"] = invalid
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// runCrawlJob runs a crawl job in the background
func (s *Server) runCrawlJob(job *Job) {
	defer s.jobs.Done()
	s.jobManager.MarkRunning(job.ID)

	jobLog := s.log.WithField("job_id", job.ID)
	jobLog.Infof("Crawl job started for %d seeds", len(job.Seeds))

	manifest, err := s.cfg.Harvester.CrawlDepth(s.jobManager.GetContext(job.ID), job.Seeds, job.Depth)
	s.jobManager.Finish(job.ID, manifest, err)
	if err != nil {
		jobLog.Warnf("Crawl job ended with error: %v", err)
		return
	}
	jobLog.Info("Crawl job completed")
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(jobSummary(job))), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if s.jobManager.GetJob(jobID) == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]interface{}{
		"job_id":    jobID,
		"cancelled": s.jobManager.CancelJob(jobID),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobManager.ListJobs()
	summaries := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, jobSummary(job))
	}

	result := map[string]interface{}{
		"jobs":       summaries,
		"total_jobs": len(summaries),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetStats handles the get_stats tool
func (s *Server) handleGetStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.cfg.Harvester.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read store stats: %v", err)), nil
	}

	result := map[string]interface{}{
		"seen_urls":      stats.SeenURLs,
		"resource_heads": stats.ResourceHeads,
		"saved_images":   stats.SavedImages,
		"active_jobs":    s.jobManager.ActiveCount(),
		"download_dir":   s.cfg.AppConfig.DownloadDir,
	}

	last, err := crawler.LatestManifest(s.cfg.AppConfig.ManifestDir)
	if err != nil {
		s.log.Warnf("Could not read crawl manifests: %v", err)
	}
	if last != nil {
		lastCrawl := map[string]interface{}{
			"run_id":        last.RunID,
			"finished_at":   last.FinishedAt.Format(time.RFC3339),
			"pages_fetched": last.PagesFetched,
			"pages_failed":  last.PagesFailed,
			"images_saved":  last.ImagesSaved,
		}
		if len(last.ErrorsByKind) > 0 {
			lastCrawl["errors_by_kind"] = last.ErrorsByKind
		}
		result["last_crawl"] = lastCrawl
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

func jobSummary(job *Job) map[string]interface{} {
	summary := map[string]interface{}{
		"job_id":        job.ID,
		"seeds":         job.Seeds,
		"depth":         job.Depth,
		"status":        job.Status,
		"started_at":    job.StartedAt.Format(time.RFC3339),
		"pages_fetched": job.PagesFetched,
		"pages_failed":  job.PagesFailed,
		"images_saved":  job.ImagesSaved,
	}
	if job.RunID != "" {
		summary["run_id"] = job.RunID
	}
	if !job.CompletedAt.IsZero() {
		summary["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		summary["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		summary["error_message"] = job.ErrorMessage
	}
	return summary
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
