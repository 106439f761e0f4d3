package models

import "time"

// StatusTransportError is recorded for a URL whose fetch failed before any HTTP status was received
const StatusTransportError = 599

// StatusNotFetched is recorded for a URL that policy (robots.txt) prevented from being fetched
const StatusNotFetched = 0

// WorkItem is one CrawlFrontierEntry: a URL and how many more hops may be followed from it
type WorkItem struct {
	URL            string
	RemainingDepth int
}

// SeenURL records the latest crawl visit to a URL
type SeenURL struct {
	URL        string    `json:"url"`
	LastSeenAt time.Time `json:"last_seen_at"`
	LastStatus int       `json:"last_status"`
	Error      string    `json:"error,omitempty"`
}

// ResourceHead holds the cache-validation metadata of the last conditional check on a URL
type ResourceHead struct {
	URL           string    `json:"url"`
	ETag          string    `json:"etag,omitempty"`
	LastModified  string    `json:"last_modified,omitempty"`
	ContentLength *int64    `json:"content_length,omitempty"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Validators returns the conditional metadata triple. Empty strings / nil mean absent.
func (h ResourceHead) Validators() Validators {
	return Validators{ETag: h.ETag, LastModified: h.LastModified, ContentLength: h.ContentLength}
}

// Validators are the values compared to decide whether a resource is unchanged
type Validators struct {
	ETag          string
	LastModified  string
	ContentLength *int64
}

// Unchanged reports whether both etag and lastModified are present on both sides and identical
func (v Validators) Unchanged(stored Validators) bool {
	if v.ETag == "" || v.LastModified == "" || stored.ETag == "" || stored.LastModified == "" {
		return false
	}
	return v.ETag == stored.ETag && v.LastModified == stored.LastModified
}

// SavedImage is the persisted record of one distinct image content, keyed by its content hash
type SavedImage struct {
	ContentHash string    `json:"content_hash"`
	Filename    string    `json:"filename"`
	ImageURL    string    `json:"image_url"`
	SourceURL   string    `json:"source_url"`
	Provider    string    `json:"provider"`
	Downloaded  bool      `json:"downloaded"`
	CreatedAt   time.Time `json:"created_at"`
	ContentType string    `json:"content_type,omitempty"`
	CaptureTime string    `json:"capture_time,omitempty"` // EXIF DateTimeOriginal when present
	Camera      string    `json:"camera,omitempty"`       // EXIF Make/Model when present
}

// RawImage is one image blob produced by a PDF extraction capability
type RawImage struct {
	Data          []byte
	SuggestedName string
}

// StoreStats holds row counts of the persisted tables
type StoreStats struct {
	SeenURLs      int64 `json:"seen_urls" yaml:"seen_urls"`
	ResourceHeads int64 `json:"resource_heads" yaml:"resource_heads"`
	SavedImages   int64 `json:"saved_images" yaml:"saved_images"`
}

// CrawlManifest summarizes one crawl invocation
type CrawlManifest struct {
	RunID          string         `yaml:"run_id"`
	StartedAt      time.Time      `yaml:"started_at"`
	FinishedAt     time.Time      `yaml:"finished_at"`
	Seeds          []string       `yaml:"seeds"`
	MaxDepth       int            `yaml:"max_depth"`
	PagesFetched   int64          `yaml:"pages_fetched"`
	PagesFailed    int64          `yaml:"pages_failed"`
	PDFsProcessed  int64          `yaml:"pdfs_processed"`
	ImagesSaved    int64          `yaml:"images_saved"`
	ImagesSkipped  int64          `yaml:"images_skipped"`
	ErrorsByKind   map[string]int `yaml:"errors_by_kind,omitempty"`
	FatalError     string         `yaml:"fatal_error,omitempty"`
	SavedImageURLs []string       `yaml:"saved_image_urls,omitempty"`
}

// IngestResult reports the outcome of one ingestion attempt. Reason is set when nothing was saved.
type IngestResult struct {
	Saved  bool   `json:"saved"`
	Path   string `json:"path,omitempty"`
	Hash   string `json:"hash,omitempty"`
	Reason string `json:"reason,omitempty"`
}
