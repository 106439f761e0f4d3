package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"image-harvester/pkg/utils"
)

// ImageRef is one inline image candidate found on a page
type ImageRef struct {
	URL string // Absolute
	Alt string // alt attribute, falling back to title
}

// PageResult holds everything a page offers the crawl, in document order
type PageResult struct {
	Images []ImageRef // Unique per page
	PDFs   []string   // Any domain; never recursed into
	Links  []string   // Same-host recursion candidates, first-seen order, capped
}

// HTMLExtractor pulls image references and outbound links from fetched HTML
type HTMLExtractor struct {
	maxLinks int
	log      *logrus.Entry
}

// NewHTMLExtractor creates an HTMLExtractor keeping at most maxLinks recursion candidates per page
func NewHTMLExtractor(maxLinks int, log *logrus.Entry) *HTMLExtractor {
	if maxLinks <= 0 {
		maxLinks = 25
	}
	return &HTMLExtractor{maxLinks: maxLinks, log: log}
}

// Extract parses body as HTML. Relative references resolve against baseURL;
// recursion candidates must share pageHost.
func (e *HTMLExtractor) Extract(body []byte, baseURL *url.URL, pageHost string) (*PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: HTML of %s: %w", utils.ErrParsing, baseURL, err)
	}

	pageLog := e.log.WithField("page_url", baseURL.String())
	result := &PageResult{}

	seenImages := make(map[string]struct{})
	doc.Find("img").Each(func(_ int, el *goquery.Selection) {
		src := strings.TrimSpace(el.AttrOr("src", ""))
		if src == "" {
			src = strings.TrimSpace(el.AttrOr("data-src", ""))
		}
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		imgURL, parseErr := baseURL.Parse(src)
		if parseErr != nil {
			pageLog.Debugf("Skipping unparsable image src '%s': %v", src, parseErr)
			return
		}
		if imgURL.Scheme != "http" && imgURL.Scheme != "https" {
			return
		}
		abs := imgURL.String()
		if _, dup := seenImages[abs]; dup {
			return
		}
		seenImages[abs] = struct{}{}

		alt := strings.TrimSpace(el.AttrOr("alt", ""))
		if alt == "" {
			alt = strings.TrimSpace(el.AttrOr("title", ""))
		}
		result.Images = append(result.Images, ImageRef{URL: abs, Alt: alt})
	})

	seenPDFs := make(map[string]struct{})
	seenLinks := make(map[string]struct{})
	pageHost = strings.ToLower(pageHost)
	doc.Find("a[href]").Each(func(_ int, el *goquery.Selection) {
		href := strings.TrimSpace(el.AttrOr("href", ""))
		if href == "" {
			return
		}
		linkURL, parseErr := baseURL.Parse(href)
		if parseErr != nil {
			pageLog.Debugf("Skipping unparsable href '%s': %v", href, parseErr)
			return
		}
		abs := linkURL.String()
		httpLink := linkURL.Scheme == "http" || linkURL.Scheme == "https"

		if httpLink && strings.HasSuffix(strings.ToLower(href), ".pdf") {
			if _, dup := seenPDFs[abs]; !dup {
				seenPDFs[abs] = struct{}{}
				result.PDFs = append(result.PDFs, abs)
			}
		}

		if !httpLink || strings.ToLower(linkURL.Host) != pageHost {
			return
		}
		if _, dup := seenLinks[abs]; dup || len(result.Links) >= e.maxLinks {
			return
		}
		seenLinks[abs] = struct{}{}
		result.Links = append(result.Links, abs)
	})

	pageLog.WithFields(logrus.Fields{
		"images": len(result.Images),
		"pdfs":   len(result.PDFs),
		"links":  len(result.Links),
	}).Debug("Extracted page")
	return result, nil
}
