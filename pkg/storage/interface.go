package storage

import (
	"context"
	"time"

	"image-harvester/pkg/models"
)

// URLStore tracks crawl visits (SeenURL)
type URLStore interface {
	// IsURLNew returns true iff no SeenURL row exists for url
	IsURLNew(ctx context.Context, url string) (bool, error)

	// MarkVisited upserts the SeenURL row; the newest visit overwrites status and error
	MarkVisited(ctx context.Context, url string, status int, errMsg string) error

	// GetSeenURL returns the SeenURL row, or nil if the URL was never visited
	GetSeenURL(ctx context.Context, url string) (*models.SeenURL, error)
}

// HeadStore tracks conditional-fetch metadata (ResourceHead)
type HeadStore interface {
	// GetConditionalMetadata returns the stored validators, all-absent if none are stored
	GetConditionalMetadata(ctx context.Context, url string) (models.Validators, error)

	// RecordConditionalMetadata upserts the ResourceHead row and stamps lastCheckedAt
	RecordConditionalMetadata(ctx context.Context, url string, v models.Validators) error

	// RecordHeadCheck stamps lastCheckedAt without touching the stored validators
	RecordHeadCheck(ctx context.Context, url string) error
}

// ContentStore tracks saved images keyed by content hash (SavedImage)
type ContentStore interface {
	HasContent(ctx context.Context, hash string) (bool, error)

	// RecordContent inserts or replaces the SavedImage row keyed by img.ContentHash
	RecordContent(ctx context.Context, img models.SavedImage) error

	// GetImage returns the SavedImage row, or nil if the hash is unknown
	GetImage(ctx context.Context, hash string) (*models.SavedImage, error)

	// ListImages calls fn for every saved image; a non-nil error from fn stops the scan
	ListImages(ctx context.Context, fn func(models.SavedImage) error) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Stats returns row counts of the three tables
	Stats(ctx context.Context) (models.StoreStats, error)

	// WriteVisitedLog writes "status<TAB>url" for every SeenURL row to filePath
	WriteVisitedLog(ctx context.Context, filePath string) error

	// RunGC runs periodic maintenance. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the store
	Close() error
}

// ResourceCache is the single persistent store shared by every component.
// All operations are atomic per key; every error returned wraps utils.ErrStorage.
type ResourceCache interface {
	URLStore
	HeadStore
	ContentStore
	StoreAdmin
}
