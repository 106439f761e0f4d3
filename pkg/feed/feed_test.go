package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-harvester/pkg/fetch"
	"image-harvester/pkg/models"
	"image-harvester/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestParseCSV(t *testing.T) {
	input := `name,url
# X accounts
maxar,https://x.com/Maxar
planet news, https://www.planet.com/pulse/feed/

,https://bsky.app/profile/someone.bsky.social
empty-url,
unosat,https://unosat.org/news.xml,rendered
`
	sources, err := ParseCSV(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []Source{
		{Name: "maxar", URL: "https://x.com/Maxar", Kind: KindRendered},
		{Name: "planet news", URL: "https://www.planet.com/pulse/feed/", Kind: KindRSS},
		{Name: "bsky.app", URL: "https://bsky.app/profile/someone.bsky.social", Kind: KindRendered},
		{Name: "unosat", URL: "https://unosat.org/news.xml", Kind: KindRendered},
	}, sources)
}

func TestParseCSV_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"relative url", "a,/feed\n"},
		{"ftp url", "a,ftp://example.com/feed\n"},
		{"unknown kind", "a,https://example.com/,podcast\n"},
		{"bad quoting", "a,\"https://example.com\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, utils.ErrParsing)
		})
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,https://example.com/rss\n"), 0o644))
	sources, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, KindRSS, sources[0].Kind)

	_, err = LoadCSV(filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorIs(t, err, utils.ErrFilesystem)
}

func TestGuessKind(t *testing.T) {
	tests := map[string]Kind{
		"https://example.com/feed":                     KindRSS,
		"https://example.com/feed/":                    KindRSS,
		"https://example.com/news.xml":                 KindRSS,
		"https://example.com/index.rss":                KindRSS,
		"https://blog.example.com/feeds/posts/default": KindRSS,
		"https://example.com/search?format=rss":        KindRSS,
		"https://x.com/Maxar":                          KindRendered,
		"https://example.com/feedback":                 KindRendered,
	}
	for raw, want := range tests {
		t.Run(raw, func(t *testing.T) {
			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, want, GuessKind(u))
		})
	}
}

type docFetcher struct {
	body string
	err  error
}

func (d docFetcher) Fetch(_ context.Context, rawURL string, _ models.Purpose) (*fetch.Response, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &fetch.Response{URL: rawURL, StatusCode: 200, Body: []byte(d.body)}, nil
}

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:media="http://search.yahoo.com/mrss/">
<channel>
  <title>Imagery</title>
  <link>https://news.example.com/</link>
  <item>
    <title>Before and after</title>
    <link>https://news.example.com/2024/strike</link>
    <enclosure url="https://cdn.example.com/before.jpg" type="image/jpeg" length="1"/>
    <description><![CDATA[<p>Damage <img src="/img/after.png"> seen</p>]]></description>
  </item>
  <item>
    <title>Podcast</title>
    <link>https://news.example.com/pod</link>
    <enclosure url="https://cdn.example.com/episode.mp3" type="audio/mpeg" length="1"/>
    <media:content url="https://cdn.example.com/cover.webp" medium="image"/>
    <media:thumbnail url="https://cdn.example.com/thumb?id=1"/>
  </item>
  <item>
    <title>Repeat</title>
    <enclosure url="https://cdn.example.com/before.jpg" type="image/jpeg" length="1"/>
  </item>
</channel>
</rss>`

func TestRSSAdapter_Candidates(t *testing.T) {
	adapter := NewRSSAdapter(docFetcher{body: sampleRSS}, testLogger())
	got, err := adapter.Candidates(context.Background(), Source{Name: "n", URL: "https://news.example.com/rss", Kind: KindRSS})
	require.NoError(t, err)
	assert.Equal(t, []Candidate{
		{ImageURL: "https://cdn.example.com/before.jpg", Referrer: "https://news.example.com/2024/strike"},
		{ImageURL: "https://news.example.com/img/after.png", Referrer: "https://news.example.com/2024/strike"},
		{ImageURL: "https://cdn.example.com/cover.webp", Referrer: "https://news.example.com/pod"},
		{ImageURL: "https://cdn.example.com/thumb?id=1", Referrer: "https://news.example.com/pod"},
	}, got)
}

func TestRSSAdapter_Errors(t *testing.T) {
	src := Source{URL: "https://news.example.com/rss"}

	_, err := NewRSSAdapter(docFetcher{body: "not a feed"}, testLogger()).Candidates(context.Background(), src)
	assert.ErrorIs(t, err, utils.ErrParsing)

	fetchErr := fmt.Errorf("%w: status 404", utils.ErrClientHTTPError)
	_, err = NewRSSAdapter(docFetcher{err: fetchErr}, testLogger()).Candidates(context.Background(), src)
	assert.ErrorIs(t, err, utils.ErrClientHTTPError)
}

type staticRenderer string

func (s staticRenderer) Render(context.Context, string) (string, error) { return string(s), nil }

func TestRenderedAdapter_Candidates(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`<html><body>
<img src="https://abs.twimg.com/profile.png">
<img src="https://pbs.twimg.com/media/A.jpg?name=small">
<img src="https://pbs.twimg.com/media/A.jpg?name=small">
<img src="/media/local.jpg">
<img src="https://cdn.bsky.app/img/feed/1.jpg">
<img>`)
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&sb, `<img src="https://pbs.twimg.com/media/%d.jpg">`, i)
	}
	sb.WriteString(`</body></html>`)

	patterns := []string{"pbs.twimg.com/media", ".cdn.bsky.app/img/", "/media/"}
	adapter := NewRenderedAdapter(staticRenderer(sb.String()), patterns, 15, testLogger())
	got, err := adapter.Candidates(context.Background(), Source{URL: "https://x.com/Maxar"})
	require.NoError(t, err)

	require.Len(t, got, 15)
	assert.Equal(t, Candidate{ImageURL: "https://pbs.twimg.com/media/A.jpg?name=small", Referrer: "https://x.com/Maxar"}, got[0])
	assert.Equal(t, "https://x.com/media/local.jpg", got[1].ImageURL)
	assert.Equal(t, "https://pbs.twimg.com/media/0.jpg", got[2].ImageURL, "cdn.bsky.app without subdomain does not match")
	assert.Equal(t, "https://pbs.twimg.com/media/12.jpg", got[14].ImageURL)
}

type recordingIngester struct {
	calls   []Candidate
	results map[string]models.IngestResult
	errs    map[string]error
}

func (r *recordingIngester) IngestFromURL(_ context.Context, imageURL, referrer string) (models.IngestResult, error) {
	r.calls = append(r.calls, Candidate{ImageURL: imageURL, Referrer: referrer})
	if err := r.errs[imageURL]; err != nil {
		return models.IngestResult{}, err
	}
	return r.results[imageURL], nil
}

type listAdapter struct {
	items []Candidate
	err   error
}

func (l listAdapter) Candidates(context.Context, Source) ([]Candidate, error) { return l.items, l.err }

func TestHarvest(t *testing.T) {
	items := []Candidate{{ImageURL: "a", Referrer: "r"}, {ImageURL: "b", Referrer: "r"}, {ImageURL: "c", Referrer: "r"}}

	t.Run("routes every candidate through the ingester", func(t *testing.T) {
		ing := &recordingIngester{
			results: map[string]models.IngestResult{"a": {Saved: true}, "b": {Reason: "content already saved"}},
			errs:    map[string]error{"c": fmt.Errorf("%w: status 404", utils.ErrClientHTTPError)},
		}
		res, err := Harvest(context.Background(), listAdapter{items: items}, ing, Source{Name: "s"}, testLogger())
		require.NoError(t, err)
		assert.Equal(t, items, ing.calls)
		assert.Equal(t, 3, res.Candidates)
		assert.Equal(t, 1, res.Saved)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 1, res.Failed)
	})

	t.Run("discovery failure is reported not returned", func(t *testing.T) {
		ing := &recordingIngester{}
		res, err := Harvest(context.Background(), listAdapter{err: errors.New("browser crashed")}, ing, Source{Name: "s"}, testLogger())
		require.NoError(t, err)
		assert.EqualError(t, res.Err, "browser crashed")
		assert.Empty(t, ing.calls)
	})

	t.Run("storage failure while listing stops the feed", func(t *testing.T) {
		storageErr := fmt.Errorf("%w: disk gone", utils.ErrStorage)
		adapter := NewRSSAdapter(docFetcher{err: storageErr}, testLogger())
		ing := &recordingIngester{}
		res, err := Harvest(context.Background(), adapter, ing, Source{Name: "s", URL: "https://news.example.com/rss"}, testLogger())
		require.Error(t, err)
		assert.ErrorIs(t, err, utils.ErrStorage)
		assert.ErrorIs(t, res.Err, utils.ErrStorage)
		assert.Empty(t, ing.calls)
	})

	t.Run("storage failure stops the feed", func(t *testing.T) {
		ing := &recordingIngester{errs: map[string]error{"a": fmt.Errorf("%w: closed", utils.ErrStorage)}}
		_, err := Harvest(context.Background(), listAdapter{items: items}, ing, Source{Name: "s"}, testLogger())
		assert.True(t, utils.IsFatal(err))
		assert.Len(t, ing.calls, 1)
	})
}

func TestRouter(t *testing.T) {
	r := Router{RSS: listAdapter{items: []Candidate{{ImageURL: "rss"}}}}
	got, err := r.Candidates(context.Background(), Source{Kind: KindRSS})
	require.NoError(t, err)
	assert.Equal(t, "rss", got[0].ImageURL)

	_, err = r.Candidates(context.Background(), Source{Name: "x", Kind: KindRendered})
	assert.Error(t, err)
}
