package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-harvester/pkg/classify"
	"image-harvester/pkg/config"
	"image-harvester/pkg/extract"
	"image-harvester/pkg/fetch"
	"image-harvester/pkg/ingest"
	"image-harvester/pkg/models"
	"image-harvester/pkg/storage"
	"image-harvester/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{NumWorkers: 3, MaxLinksPerPage: 25, MinPDFBytes: 1024}
}

// pngBytes returns n bytes starting with the PNG signature
func pngBytes(n int, fill byte) []byte {
	b := bytes.Repeat([]byte{fill}, n)
	copy(b, "\x89PNG\r\n\x1a\n")
	return b
}

// site is an httptest server that counts requests per "METHOD path"
type site struct {
	*httptest.Server
	mu       sync.Mutex
	requests map[string]int
}

func newSite(t *testing.T, routes map[string]http.HandlerFunc) *site {
	t.Helper()
	s := &site{requests: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		if h, ok := routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *site) count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

func htmlPage(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html><body>"+body+"</body></html>")
	}
}

func binary(contentType string, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("ETag", fmt.Sprintf(`"%x-%d"`, body[len(body)-1], len(body)))
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	}
}

type stubExtractor struct {
	images []models.RawImage
}

func (s stubExtractor) ExtractImages(context.Context, []byte) ([]models.RawImage, error) {
	return s.images, nil
}

type harness struct {
	controller *Controller
	store      storage.ResourceCache
	dir        string
}

// newHarness wires real components against a badger store. The classifier only
// knows words that cannot appear in a loopback URL.
func newHarness(t *testing.T, cfg *config.AppConfig, pdfImages []models.RawImage) *harness {
	t.Helper()
	log := testLogger()
	store, err := storage.NewBadgerStore(context.Background(), t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	classifier, err := classify.New([]string{"gaza", "damage"}, config.DefaultProviders)
	require.NoError(t, err)

	fetcher := fetch.NewFetcher(http.DefaultClient, store, fetch.NewRateLimiter(0, log), nil, fetch.Options{UserAgent: "test"}, log)
	dir := filepath.Join(t.TempDir(), "images")
	sink, err := ingest.NewSink(fetcher, store, classifier, dir, 256, nil, log)
	require.NoError(t, err)
	pdfs := extract.NewPDFProcessor(fetcher, stubExtractor{images: pdfImages}, sink, cfg.MinPDFBytes, time.Second, log)

	controller := NewController(cfg, Components{
		Store:   store,
		Fetcher: fetcher,
		Filter:  classifier,
		Sink:    sink,
		PDFs:    pdfs,
	}, log)
	return &harness{controller: controller, store: store, dir: dir}
}

func (h *harness) seen(t *testing.T, rawURL string) *models.SeenURL {
	t.Helper()
	s, err := h.store.GetSeenURL(context.Background(), rawURL)
	require.NoError(t, err)
	return s
}

func (h *harness) images(t *testing.T) []models.SavedImage {
	t.Helper()
	var out []models.SavedImage
	require.NoError(t, h.store.ListImages(context.Background(), func(img models.SavedImage) error {
		out = append(out, img)
		return nil
	}))
	return out
}

func TestRun_SeedWithImagesPDFAndLink(t *testing.T) {
	srv := newSite(t, map[string]http.HandlerFunc{
		"/a.html": htmlPage(`
			<img src="/img/gaza-damage.png" alt="strike site">
			<img src="/img/logo.png" alt="logo">
			<a href="/b.html">next</a>
			<a href="/report.pdf">report</a>`),
		"/b.html": htmlPage(`
			<img src="/img/gaza-damage.png">
			<a href="/c.html">deeper</a>`),
		"/c.html":              htmlPage(`never`),
		"/img/gaza-damage.png": binary("image/png", pngBytes(2048, 'g')),
		"/img/logo.png":        binary("image/png", pngBytes(2048, 'l')),
		"/report.pdf":          binary("application/pdf", bytes.Repeat([]byte("%PDF"), 1024)),
	})
	pdfImages := []models.RawImage{
		{Data: pngBytes(600, '1'), SuggestedName: "pdfimg-001-000.png"},
		{Data: pngBytes(600, '2'), SuggestedName: "pdfimg-001-001.png"},
	}
	h := newHarness(t, testConfig(), pdfImages)
	seed := srv.URL + "/a.html"

	manifest, err := h.controller.Run(context.Background(), []string{seed})
	require.NoError(t, err)

	assert.Equal(t, 1, srv.count(http.MethodGet, "/a.html"))
	assert.Equal(t, 1, srv.count(http.MethodGet, "/b.html"), "same-domain link fetched once")
	assert.Equal(t, 0, srv.count(http.MethodGet, "/c.html"), "depth exhausted at b")
	assert.Equal(t, 1, srv.count(http.MethodGet, "/img/gaza-damage.png"), "shared image downloaded once")
	assert.Equal(t, 0, srv.count(http.MethodHead, "/img/logo.png")+srv.count(http.MethodGet, "/img/logo.png"), "rejected image never requested")
	assert.Equal(t, 1, srv.count(http.MethodGet, "/report.pdf"))

	saved := h.images(t)
	require.Len(t, saved, 3)
	var fromPDF int
	for _, img := range saved {
		if img.Provider == extract.ProviderPDF {
			fromPDF++
			assert.Equal(t, seed+"#pdf", img.ImageURL)
			assert.Equal(t, seed, img.SourceURL)
		} else {
			assert.Equal(t, srv.URL+"/img/gaza-damage.png", img.ImageURL)
			assert.Equal(t, classify.DefaultProvider, img.Provider)
		}
	}
	assert.Equal(t, 2, fromPDF)

	for _, page := range []string{"/a.html", "/b.html"} {
		s := h.seen(t, srv.URL+page)
		require.NotNil(t, s, page)
		assert.Equal(t, http.StatusOK, s.LastStatus)
	}
	assert.Nil(t, h.seen(t, srv.URL+"/c.html"))

	assert.Equal(t, []string{seed}, manifest.Seeds)
	assert.Equal(t, 1, manifest.MaxDepth)
	assert.Equal(t, int64(2), manifest.PagesFetched)
	assert.Equal(t, int64(1), manifest.PDFsProcessed)
	assert.Equal(t, int64(3), manifest.ImagesSaved)
	assert.NotEmpty(t, manifest.RunID)
}

func TestRun_NotFoundIsRecordedAndNotFollowed(t *testing.T) {
	srv := newSite(t, map[string]http.HandlerFunc{
		"/gone.html": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<a href="/from-404.html">x</a>`)
		},
		"/from-404.html": htmlPage(`never`),
		"/ok.html":       htmlPage(`<a href="/sibling.html">s</a>`),
		"/sibling.html":  htmlPage(`fine`),
	})
	h := newHarness(t, testConfig(), nil)

	manifest, err := h.controller.Run(context.Background(), []string{srv.URL + "/gone.html", srv.URL + "/ok.html"})
	require.NoError(t, err)

	gone := h.seen(t, srv.URL+"/gone.html")
	require.NotNil(t, gone)
	assert.Equal(t, http.StatusNotFound, gone.LastStatus)
	assert.Equal(t, "HTTP 404", gone.Error)
	assert.Equal(t, 0, srv.count(http.MethodGet, "/from-404.html"))

	assert.Equal(t, 1, srv.count(http.MethodGet, "/sibling.html"), "siblings continue after a failure")
	assert.Equal(t, int64(1), manifest.PagesFailed)
	assert.Equal(t, int64(2), manifest.PagesFetched)
	assert.Equal(t, 1, manifest.ErrorsByKind["HTTP_404"])
}

func TestRun_NonHTMLPageIsMarkedWithoutExtraction(t *testing.T) {
	srv := newSite(t, map[string]http.HandlerFunc{
		"/photo": binary("image/jpeg", pngBytes(512, 'j')),
	})
	h := newHarness(t, testConfig(), nil)

	manifest, err := h.controller.Run(context.Background(), []string{srv.URL + "/photo"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), manifest.PagesFetched)
	assert.Empty(t, h.images(t))
	require.NotNil(t, h.seen(t, srv.URL+"/photo"))
}

func TestRun_DepthZeroFetchesSeedsOnly(t *testing.T) {
	srv := newSite(t, map[string]http.HandlerFunc{
		"/":     htmlPage(`<a href="/next">n</a>`),
		"/next": htmlPage(`never`),
	})
	cfg := testConfig()
	zero := 0
	cfg.MaxDepth = &zero
	h := newHarness(t, cfg, nil)

	_, err := h.controller.Run(context.Background(), []string{srv.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.count(http.MethodGet, "/"))
	assert.Equal(t, 0, srv.count(http.MethodGet, "/next"))
}

func TestRun_RedirectedSeedFollowsLinksOnFinalHost(t *testing.T) {
	srv := newSite(t, map[string]http.HandlerFunc{
		// localhost:PORT/a moves to 127.0.0.1:PORT/b
		"/a": func(w http.ResponseWriter, r *http.Request) {
			_, port, _ := net.SplitHostPort(r.Host)
			http.Redirect(w, r, "http://127.0.0.1:"+port+"/b", http.StatusFound)
		},
		"/b": htmlPage(`<a href="/c">c</a>`),
		"/c": htmlPage(`leaf`),
	})
	seed := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1) + "/a"

	h := newHarness(t, testConfig(), nil)
	manifest, err := h.controller.Run(context.Background(), []string{seed})
	require.NoError(t, err)

	assert.Equal(t, 1, srv.count(http.MethodGet, "/b"))
	assert.Equal(t, 1, srv.count(http.MethodGet, "/c"), "relative link on the redirect target is followed")
	assert.Equal(t, int64(2), manifest.PagesFetched)
}

// --- unit tests with fakes ---

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
	block bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, _ models.Purpose) (*fetch.Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[rawURL]++
	body := f.pages[rawURL]
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &fetch.Response{URL: rawURL, StatusCode: http.StatusOK, ContentType: "text/html", Body: []byte(body)}, nil
}

func (f *fakeFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

type fakeURLStore struct {
	storage.URLStore
	mu       sync.Mutex
	seen     map[string]models.SeenURL
	failMark bool
}

func newFakeURLStore() *fakeURLStore {
	return &fakeURLStore{seen: make(map[string]models.SeenURL)}
}

func (s *fakeURLStore) MarkVisited(_ context.Context, rawURL string, status int, errMsg string) error {
	if s.failMark {
		return fmt.Errorf("%w: disk full", utils.ErrStorage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[rawURL] = models.SeenURL{URL: rawURL, LastStatus: status, Error: errMsg}
	return nil
}

func (s *fakeURLStore) GetSeenURL(_ context.Context, rawURL string) (*models.SeenURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.seen[rawURL]; ok {
		return &v, nil
	}
	return nil, nil
}

type acceptAll struct{}

func (acceptAll) ShouldIngest(string, string) bool { return true }

type nopSink struct{}

func (nopSink) IngestFromURL(context.Context, string, string) (models.IngestResult, error) {
	return models.IngestResult{}, nil
}

type nopPDFs struct{}

func (nopPDFs) Process(context.Context, string, string) (extract.PDFOutcome, error) {
	return extract.PDFOutcome{}, nil
}

func newFakeController(cfg *config.AppConfig, store *fakeURLStore, fetcher *fakeFetcher) *Controller {
	return NewController(cfg, Components{
		Store:   store,
		Fetcher: fetcher,
		Filter:  acceptAll{},
		Sink:    nopSink{},
		PDFs:    nopPDFs{},
	}, testLogger())
}

func linkPage(n int) string {
	var sb bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `<a href="/p%d">p</a>`, i)
	}
	return sb.String()
}

func TestRun_StorageFailureAbortsRun(t *testing.T) {
	store := newFakeURLStore()
	store.failMark = true
	fetcher := &fakeFetcher{pages: map[string]string{"http://example.com/": linkPage(10)}}

	done := make(chan struct{})
	var manifest *models.CrawlManifest
	var err error
	go func() {
		defer close(done)
		manifest, err = newFakeController(testConfig(), store, fetcher).Run(context.Background(), []string{"http://example.com/"})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a storage failure")
	}
	require.Error(t, err)
	assert.True(t, utils.IsFatal(err))
	assert.Contains(t, manifest.FatalError, "disk full")
}

func TestRun_CrossRunRefetchIsDefault(t *testing.T) {
	store := newFakeURLStore()
	fetcher := &fakeFetcher{pages: map[string]string{"http://example.com/": ""}}
	controller := newFakeController(testConfig(), store, fetcher)

	for i := 0; i < 2; i++ {
		_, err := controller.Run(context.Background(), []string{"http://example.com/"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, fetcher.callCount("http://example.com/"))
}

func TestRun_SkipPreviouslySeen(t *testing.T) {
	store := newFakeURLStore()
	require.NoError(t, store.MarkVisited(context.Background(), "http://example.com/done", 200, ""))
	require.NoError(t, store.MarkVisited(context.Background(), "http://example.com/failed", 500, "HTTP 500"))
	fetcher := &fakeFetcher{}

	cfg := testConfig()
	cfg.SkipPreviouslySeen = true
	_, err := newFakeController(cfg, store, fetcher).Run(context.Background(),
		[]string{"http://example.com/done", "http://example.com/failed"})
	require.NoError(t, err)

	assert.Equal(t, 0, fetcher.callCount("http://example.com/done"))
	assert.Equal(t, 1, fetcher.callCount("http://example.com/failed"), "only successful visits are skipped")
}

func TestRun_DedupsWithinRun(t *testing.T) {
	store := newFakeURLStore()
	fetcher := &fakeFetcher{pages: map[string]string{
		"http://example.com/":  `<a href="/x">1</a><a href="/x/">2</a><a href="/x#frag">3</a><a href="/">home</a>`,
		"http://example.com/x": `<a href="/">home</a>`,
	}}

	_, err := newFakeController(testConfig(), store, fetcher).Run(context.Background(),
		[]string{"http://example.com/", "http://EXAMPLE.com:80/"})
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.callCount("http://example.com/"))
	assert.Equal(t, 1, fetcher.callCount("http://example.com/x"))
	assert.Equal(t, 0, fetcher.callCount("http://example.com/x/"))
	assert.Equal(t, 0, fetcher.callCount("http://EXAMPLE.com:80/"))
}

func TestRun_InvalidSeedsSkipped(t *testing.T) {
	store := newFakeURLStore()
	fetcher := &fakeFetcher{}
	manifest, err := newFakeController(testConfig(), store, fetcher).Run(context.Background(),
		[]string{"not a url", "ftp://example.com/file"})
	require.NoError(t, err)
	assert.Empty(t, manifest.Seeds)
	assert.Zero(t, manifest.PagesFetched)
}

func TestRun_Cancellation(t *testing.T) {
	store := newFakeURLStore()
	fetcher := &fakeFetcher{block: true}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := newFakeController(testConfig(), store, fetcher).Run(ctx, []string{"http://a.example/", "http://b.example/"})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.Empty(t, store.seen, "cancelled fetches are not recorded as visits")
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"", true},
		{"text/html", true},
		{"text/html; charset=UTF-8", true},
		{"application/xhtml+xml", true},
		{"application/pdf", false},
		{"image/png", false},
		{"text/plain", false},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, isHTML(tt.contentType))
		})
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	older := &models.CrawlManifest{RunID: "old", FinishedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := &models.CrawlManifest{
		RunID:        "new",
		FinishedAt:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Seeds:        []string{"https://example.com/"},
		ImagesSaved:  4,
		ErrorsByKind: map[string]int{"HTTP_404": 2},
	}
	for _, m := range []*models.CrawlManifest{older, newer} {
		path, err := WriteManifest(dir, m, testLogger())
		require.NoError(t, err)
		assert.Equal(t, ManifestPath(dir, m.RunID), path)
	}

	latest, err := LatestManifest(dir)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "new", latest.RunID)
	assert.Equal(t, int64(4), latest.ImagesSaved)
	assert.Equal(t, 2, latest.ErrorsByKind["HTTP_404"])

	none, err := LatestManifest(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Nil(t, none)

	path, err := WriteManifest("", newer, testLogger())
	require.NoError(t, err)
	assert.Empty(t, path)
}
