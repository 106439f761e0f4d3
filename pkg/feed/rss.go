package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/sirupsen/logrus"

	"image-harvester/pkg/fetch"
	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

// DocumentFetcher retrieves the feed document; *fetch.Fetcher satisfies it
type DocumentFetcher interface {
	Fetch(ctx context.Context, rawURL string, purpose models.Purpose) (*fetch.Response, error)
}

// RSSAdapter lists images referenced by the items of an RSS or Atom feed:
// image enclosures, item images, media:content/media:thumbnail and <img> tags in
// the item body
type RSSAdapter struct {
	fetcher DocumentFetcher
	parser  *gofeed.Parser
	log     *logrus.Entry
}

// NewRSSAdapter creates an RSSAdapter. Feed documents are fetched through
// fetcher so they share the crawler's pacing and robots policy.
func NewRSSAdapter(fetcher DocumentFetcher, log *logrus.Entry) *RSSAdapter {
	return &RSSAdapter{fetcher: fetcher, parser: gofeed.NewParser(), log: log}
}

// Candidates implements Adapter
func (a *RSSAdapter) Candidates(ctx context.Context, src Source) ([]Candidate, error) {
	resp, err := a.fetcher.Fetch(ctx, src.URL, models.PurposePage)
	if err != nil {
		return nil, err
	}
	parsed, err := a.parser.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse feed %s: %w", utils.ErrParsing, src.URL, err)
	}
	feedBase, _ := url.Parse(resp.URL)
	if feedBase == nil || resp.URL == "" {
		feedBase, _ = url.Parse(src.URL)
	}
	return itemCandidates(parsed, feedBase), nil
}

func itemCandidates(parsed *gofeed.Feed, feedBase *url.URL) []Candidate {
	set := newCandidateSet(0)
	for _, item := range parsed.Items {
		referrer := feedBase.String()
		base := feedBase
		if item.Link != "" {
			if linkURL, err := feedBase.Parse(item.Link); err == nil {
				referrer = linkURL.String()
				base = linkURL
			}
		}
		add := func(raw string) {
			if abs := resolveHTTP(base, raw); abs != "" {
				set.add(abs, referrer)
			}
		}

		for _, enc := range item.Enclosures {
			if strings.HasPrefix(strings.ToLower(enc.Type), "image/") || fetch.LooksLikeImage("", enc.URL) {
				add(enc.URL)
			}
		}
		if item.Image != nil {
			add(item.Image.URL)
		}
		for _, raw := range mediaExtensionURLs(item.Extensions) {
			add(raw)
		}
		for _, html := range []string{item.Content, item.Description} {
			for _, raw := range inlineImageSources(html) {
				add(raw)
			}
		}
	}
	return set.items
}

// mediaExtensionURLs reads Media RSS content and thumbnail elements
func mediaExtensionURLs(extensions ext.Extensions) []string {
	media, ok := extensions["media"]
	if !ok {
		return nil
	}
	var urls []string
	var collect func(list []ext.Extension)
	collect = func(list []ext.Extension) {
		for _, e := range list {
			u := e.Attrs["url"]
			medium := strings.ToLower(e.Attrs["medium"])
			typ := strings.ToLower(e.Attrs["type"])
			isImage := medium == "image" || strings.HasPrefix(typ, "image/") || e.Name == "thumbnail" ||
				(medium == "" && typ == "" && fetch.LooksLikeImage("", u))
			if u != "" && isImage {
				urls = append(urls, u)
			}
			for _, children := range e.Children {
				collect(children)
			}
		}
	}
	for _, name := range []string{"group", "content", "thumbnail"} {
		collect(media[name])
	}
	return urls
}

// inlineImageSources returns the src of every <img> in an HTML fragment
func inlineImageSources(fragment string) []string {
	if !strings.Contains(fragment, "<img") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var srcs []string
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			srcs = append(srcs, strings.TrimSpace(src))
		}
	})
	return srcs
}

// resolveHTTP resolves raw against base and returns it only if it is http(s)
func resolveHTTP(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	u, err := base.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.String()
}
