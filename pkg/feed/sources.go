// Package feed discovers candidate images outside the crawl (RSS/Atom feeds and
// script-rendered social timelines) and hands every candidate to the ingestion
// sink's URL path.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"image-harvester/pkg/utils"
)

// Kind selects the adapter used for a source
type Kind string

const (
	KindRSS      Kind = "rss"      // RSS or Atom document
	KindRendered Kind = "rendered" // Page rendered in a headless browser
)

// Source is one row of feeds.csv
type Source struct {
	Name string
	URL  string
	Kind Kind
}

// ParseCSV reads name,url[,kind] rows. Blank rows, rows whose first field starts
// with '#', a leading "name,url" header and rows without a URL are skipped.
// A missing kind is guessed from the URL.
func ParseCSV(r io.Reader) ([]Source, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var sources []Source
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading feeds csv: %w", utils.ErrParsing, err)
		}
		line, _ := reader.FieldPos(0)

		fields := append(record, "", "")
		name := strings.TrimSpace(fields[0])
		rawURL := strings.TrimSpace(fields[1])
		kind := Kind(strings.ToLower(strings.TrimSpace(fields[2])))

		if first {
			first = false
			if strings.EqualFold(name, "name") && strings.EqualFold(rawURL, "url") {
				continue
			}
		}
		if rawURL == "" {
			continue
		}

		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: feeds csv line %d: invalid URL %q", utils.ErrParsing, line, rawURL)
		}
		switch kind {
		case "":
			kind = GuessKind(u)
		case KindRSS, KindRendered:
		default:
			return nil, fmt.Errorf("%w: feeds csv line %d: unknown kind %q", utils.ErrParsing, line, kind)
		}
		if name == "" {
			name = u.Host
		}
		sources = append(sources, Source{Name: name, URL: rawURL, Kind: kind})
	}
	return sources, nil
}

// LoadCSV reads feed sources from path
func LoadCSV(filePath string) ([]Source, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening feeds csv '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// GuessKind treats URLs that look like syndication documents as RSS and
// everything else as a page that needs rendering
func GuessKind(u *url.URL) Kind {
	p := strings.ToLower(strings.TrimSuffix(u.Path, "/"))
	switch path.Ext(p) {
	case ".xml", ".rss", ".atom", ".rdf":
		return KindRSS
	}
	base := path.Base(p)
	if base == "feed" || base == "rss" || base == "atom" || strings.HasSuffix(p, "/feeds/posts/default") {
		return KindRSS
	}
	if u.Query().Get("format") == "rss" {
		return KindRSS
	}
	return KindRendered
}
