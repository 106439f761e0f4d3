package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

// ExtractorNone disables PDF image extraction
const ExtractorNone = "none"

// PDFImageExtractor pulls embedded images out of a PDF
type PDFImageExtractor interface {
	ExtractImages(ctx context.Context, pdf []byte) ([]models.RawImage, error)
}

// NewPDFImageExtractor returns the external-tool extractor when binary resolves on
// PATH, and a no-op extractor otherwise.
func NewPDFImageExtractor(binary string, log *logrus.Entry) PDFImageExtractor {
	if binary == "" || binary == ExtractorNone {
		log.Info("PDF image extraction disabled")
		return NoopExtractor{}
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		log.Warnf("PDF image extractor %q not found (install poppler-utils); PDFs will yield no images", binary)
		return NoopExtractor{}
	}
	return &PDFImagesTool{binary: path, log: log.WithField("extractor", filepath.Base(path))}
}

// NoopExtractor is used when no extraction capability is available
type NoopExtractor struct{}

// ExtractImages always yields zero images
func (NoopExtractor) ExtractImages(context.Context, []byte) ([]models.RawImage, error) {
	return nil, utils.ErrExtractorUnavailable
}

// PDFImagesTool runs poppler's pdfimages in a scratch directory
type PDFImagesTool struct {
	binary string
	log    *logrus.Entry
}

// NewPDFImagesTool wraps an already resolved pdfimages binary
func NewPDFImagesTool(binary string, log *logrus.Entry) *PDFImagesTool {
	return &PDFImagesTool{binary: binary, log: log}
}

// ExtractImages writes pdf to a temp dir and runs `pdfimages -all -p` against it.
// The context deadline bounds the external process.
func (p *PDFImagesTool) ExtractImages(ctx context.Context, pdf []byte) ([]models.RawImage, error) {
	dir, err := os.MkdirTemp("", "harvest-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating scratch dir: %w", utils.ErrFilesystem, err)
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing pdf: %w", utils.ErrFilesystem, err)
	}

	prefix := filepath.Join(dir, "pdfimg")
	cmd := exec.CommandContext(ctx, p.binary, "-all", "-p", pdfPath, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("pdfimages aborted after %v: %w", time.Since(start).Round(time.Millisecond), ctx.Err())
	}
	if runErr != nil {
		if errors.Is(runErr, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", utils.ErrExtractorUnavailable, runErr)
		}
		// Damaged PDFs often still yield some images; keep whatever was written.
		p.log.Warnf("pdfimages exited with error: %v: %s", runErr, strings.TrimSpace(stderr.String()))
	}

	matches, err := filepath.Glob(prefix + "*")
	if err != nil {
		return nil, fmt.Errorf("%w: listing extracted images: %w", utils.ErrFilesystem, err)
	}
	sort.Strings(matches)

	images := make([]models.RawImage, 0, len(matches))
	for _, fp := range matches {
		data, readErr := os.ReadFile(fp)
		if readErr != nil {
			p.log.Warnf("Failed to read extracted image %s: %v", fp, readErr)
			continue
		}
		images = append(images, models.RawImage{Data: data, SuggestedName: filepath.Base(fp)})
	}
	p.log.WithField("count", len(images)).Debug("Extracted PDF images")
	return images, nil
}
