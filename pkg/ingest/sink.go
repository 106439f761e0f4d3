package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"image-harvester/pkg/fetch"
	"image-harvester/pkg/metrics"
	"image-harvester/pkg/models"
	"image-harvester/pkg/storage"
	"image-harvester/pkg/utils"
)

// Reasons reported when nothing was saved
const (
	ReasonNotImage   = "not an image"
	ReasonUnchanged  = "unchanged since last check"
	ReasonBelowFloor = "below minimum size"
	ReasonDuplicate  = "content already saved"
)

// Fetcher is the part of fetch.Fetcher the URL path needs
type Fetcher interface {
	Probe(ctx context.Context, rawURL string, purpose models.Purpose) (*fetch.Probe, error)
	Get(ctx context.Context, rawURL string, purpose models.Purpose, probe *fetch.Probe) (*fetch.Response, error)
}

// ProviderInferer attributes an image to a provider
type ProviderInferer interface {
	InferProvider(referrerURL, imageURL string) string
}

// Sink is the single path by which any candidate image becomes a saved artifact.
// Every caller (crawler, PDF extraction, feed adapters, MCP) goes through it so
// content-hash dedup holds globally.
type Sink struct {
	fetcher     Fetcher
	store       storage.ContentStore
	providers   ProviderInferer
	downloadDir string
	minBytes    int64
	locks       *hashLocks
	metrics     *metrics.Metrics
	now         func() time.Time
	log         *logrus.Entry
}

// NewSink creates the download directory and returns a Sink writing into it
func NewSink(fetcher Fetcher, store storage.ContentStore, providers ProviderInferer, downloadDir string, minBytes int64, m *metrics.Metrics, log *logrus.Entry) (*Sink, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating download dir '%s': %w", utils.ErrFilesystem, downloadDir, err)
	}
	return &Sink{
		fetcher:     fetcher,
		store:       store,
		providers:   providers,
		downloadDir: downloadDir,
		minBytes:    minBytes,
		locks:       newHashLocks(),
		metrics:     m,
		now:         time.Now,
		log:         log,
	}, nil
}

// IngestFromURL probes imageURL, skips it when it is not an image or unchanged
// since the last check, and otherwise downloads it into the byte path.
// Filtering outcomes are reported in the result, not as errors.
func (s *Sink) IngestFromURL(ctx context.Context, imageURL, referrer string) (models.IngestResult, error) {
	imgLog := s.log.WithFields(logrus.Fields{"img_url": imageURL, "referrer": referrer})

	probe, err := s.fetcher.Probe(ctx, imageURL, models.PurposeImage)
	if err != nil {
		s.metrics.Image(metrics.OutcomeError, "url")
		return models.IngestResult{}, err
	}
	if !fetch.LooksLikeImage(probe.ContentType, imageURL) {
		imgLog.Debugf("Skipping non-image content type %q", probe.ContentType)
		s.metrics.Image(metrics.OutcomeNotImage, "url")
		return models.IngestResult{Reason: ReasonNotImage}, nil
	}
	if probe.Unchanged {
		imgLog.Debug("Image unchanged since last check")
		s.metrics.Image(metrics.OutcomeUnchanged, "url")
		return models.IngestResult{Reason: ReasonUnchanged}, nil
	}

	resp, err := s.fetcher.Get(ctx, imageURL, models.PurposeImage, probe)
	if err != nil {
		s.metrics.Image(metrics.OutcomeError, "url")
		return models.IngestResult{}, err
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = probe.ContentType
	}
	return s.ingest(ctx, resp.Body, imageURL, referrer, "", "", contentType, "url")
}

// IngestFromBytes saves content unless it is below the size floor or its hash is
// already recorded. For identical content at most one call writes a file.
func (s *Sink) IngestFromBytes(ctx context.Context, content []byte, imageURL, referrer, suggestedName, provider string) (models.IngestResult, error) {
	source := "bytes"
	if provider != "" {
		source = provider
	}
	return s.ingest(ctx, content, imageURL, referrer, suggestedName, provider, "", source)
}

func (s *Sink) ingest(ctx context.Context, content []byte, imageURL, referrer, suggestedName, provider, contentType, source string) (models.IngestResult, error) {
	imgLog := s.log.WithFields(logrus.Fields{"img_url": imageURL, "referrer": referrer})

	if int64(len(content)) < s.minBytes {
		imgLog.Debugf("Skipping %d-byte image below floor of %d", len(content), s.minBytes)
		s.metrics.Image(metrics.OutcomeBelowFloor, source)
		return models.IngestResult{Reason: ReasonBelowFloor}, nil
	}

	hash := utils.ContentHash(content)
	unlock := s.locks.lock(hash)
	defer unlock()

	exists, err := s.store.HasContent(ctx, hash)
	if err != nil {
		return models.IngestResult{}, err
	}
	if exists {
		imgLog.WithField("hash", hash[:8]).Debug("Content already saved")
		s.metrics.Image(metrics.OutcomeDuplicate, source)
		return models.IngestResult{Hash: hash, Reason: ReasonDuplicate}, nil
	}

	sniffed := mimetype.Detect(content)
	if contentType == "" {
		contentType = sniffed.String()
	}

	filename := utils.HashedFilename(hash, suggestedName, imageURL)
	if filepath.Ext(filename) == "" {
		filename += sniffed.Extension()
	}
	path := filepath.Join(s.downloadDir, filename)

	if err := writeAtomic(s.downloadDir, path, content); err != nil {
		s.metrics.Image(metrics.OutcomeError, source)
		return models.IngestResult{}, err
	}

	if provider == "" {
		provider = s.providers.InferProvider(referrer, imageURL)
	}

	img := models.SavedImage{
		ContentHash: hash,
		Filename:    filename,
		ImageURL:    imageURL,
		SourceURL:   referrer,
		Provider:    provider,
		Downloaded:  true,
		CreatedAt:   s.now().UTC(),
		ContentType: mediaType(contentType),
	}
	if meta, ok := readExif(content); ok {
		img.CaptureTime = meta.CaptureTime
		img.Camera = meta.Camera
	}

	if err := s.store.RecordContent(ctx, img); err != nil {
		// Without the row the file would be invisible to dedup; drop it.
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			imgLog.Warnf("Failed to remove orphaned file %s: %v", path, rmErr)
		}
		return models.IngestResult{}, err
	}

	imgLog.WithFields(logrus.Fields{"file": filename, "provider": provider}).Info("Saved image")
	s.metrics.Image(metrics.OutcomeSaved, source)
	return models.IngestResult{Saved: true, Path: path, Hash: hash}, nil
}

// writeAtomic writes data to a temp file in dir, then renames it into place
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", utils.ErrFilesystem, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod '%s': %w", utils.ErrFilesystem, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: renaming into '%s': %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// mediaType drops parameters such as charset from a Content-Type value
func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// hashLocks serializes concurrent ingestion of identical content
type hashLocks struct {
	mu    sync.Mutex
	locks map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[string]*hashLock)}
}

func (h *hashLocks) lock(hash string) (unlock func()) {
	h.mu.Lock()
	l, ok := h.locks[hash]
	if !ok {
		l = &hashLock{}
		h.locks[hash] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, hash)
		}
		h.mu.Unlock()
	}
}
