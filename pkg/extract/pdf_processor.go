package extract

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"image-harvester/pkg/fetch"
	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

// ProviderPDF attributes images pulled out of PDFs
const ProviderPDF = "pdf"

// Fetcher is the subset of fetch.Fetcher used for PDFs
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, purpose models.Purpose) (*fetch.Response, error)
	ForgetValidators(ctx context.Context, rawURL string) error
}

// BytesSink is the byte path of the ingestion sink
type BytesSink interface {
	IngestFromBytes(ctx context.Context, content []byte, imageURL, referrer, suggestedName, provider string) (models.IngestResult, error)
}

// PDFOutcome summarizes one processed PDF
type PDFOutcome struct {
	Fetched   bool // Body was downloaded and large enough to be a PDF
	Extracted int  // Raw images produced by the extractor
	Saved     int
}

// PDFProcessor fetches linked PDFs and routes their embedded images into the sink
type PDFProcessor struct {
	fetcher        Fetcher
	extractor      PDFImageExtractor
	sink           BytesSink
	minBytes       int64
	extractTimeout time.Duration
	log            *logrus.Entry
}

// NewPDFProcessor creates a PDFProcessor. Bodies of minBytes or fewer are not treated as PDFs.
func NewPDFProcessor(fetcher Fetcher, extractor PDFImageExtractor, sink BytesSink, minBytes int64, extractTimeout time.Duration, log *logrus.Entry) *PDFProcessor {
	if extractTimeout <= 0 {
		extractTimeout = 2 * time.Minute
	}
	return &PDFProcessor{
		fetcher:        fetcher,
		extractor:      extractor,
		sink:           sink,
		minBytes:       minBytes,
		extractTimeout: extractTimeout,
		log:            log,
	}
}

// Process fetches pdfURL and ingests each extracted image with provider "pdf".
// Extraction problems degrade to zero images and clear the PDF's stored
// validators so a later run fetches it again. Returned errors come from the
// fetch itself or from a fatal storage failure while ingesting.
func (p *PDFProcessor) Process(ctx context.Context, pdfURL, referrer string) (PDFOutcome, error) {
	var out PDFOutcome
	pdfLog := p.log.WithFields(logrus.Fields{"pdf_url": pdfURL, "referrer": referrer})

	resp, err := p.fetcher.Fetch(ctx, pdfURL, models.PurposePDF)
	if err != nil {
		if errors.Is(err, utils.ErrUnchanged) {
			pdfLog.Debug("PDF unchanged since last check, skipping")
			return out, nil
		}
		return out, err
	}
	if int64(len(resp.Body)) <= p.minBytes {
		pdfLog.Debugf("Body of %d bytes is too small for a PDF, discarding", len(resp.Body))
		return out, nil
	}
	out.Fetched = true

	extractCtx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	images, err := p.extractor.ExtractImages(extractCtx, resp.Body)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		pdfLog.Warnf("PDF image extraction failed: %v", err)
		// Without this the next run would see the PDF as unchanged and never retry it
		if forgetErr := p.fetcher.ForgetValidators(ctx, pdfURL); forgetErr != nil {
			return out, forgetErr
		}
		return out, nil
	}
	out.Extracted = len(images)

	imageURL := referrer + "#pdf"
	for _, img := range images {
		res, ingestErr := p.sink.IngestFromBytes(ctx, img.Data, imageURL, referrer, img.SuggestedName, ProviderPDF)
		if ingestErr != nil {
			if utils.IsFatal(ingestErr) || ctx.Err() != nil {
				return out, ingestErr
			}
			pdfLog.Warnf("Failed to ingest %s: %v", img.SuggestedName, ingestErr)
			continue
		}
		if res.Saved {
			out.Saved++
		}
	}
	if out.Saved > 0 {
		pdfLog.Infof("Extracted %d images from PDF", out.Saved)
	}
	return out, nil
}
