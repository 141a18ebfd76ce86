package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/telescraper/pkg/config"
	"github.com/Sriram-PR/telescraper/pkg/fetch"
	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/process"
	"github.com/Sriram-PR/telescraper/pkg/storage"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeEngine struct {
	mu      sync.Mutex
	results map[string][]string
	errs    map[string]error
	calls   []string
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Search(ctx context.Context, keyword string, pages int) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, keyword)
	f.mu.Unlock()
	if err := f.errs[keyword]; err != nil {
		return nil, err
	}
	return f.results[keyword], nil
}

type fakePages struct {
	mu      sync.Mutex
	html    map[string]string
	errs    map[string]error
	fetched []string
}

func (f *fakePages) ReadHTML(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.fetched = append(f.fetched, rawURL)
	f.mu.Unlock()

	if err := f.errs[rawURL]; err != nil {
		return nil, nil, err
	}
	body, ok := f.html[rawURL]
	if !ok {
		return nil, nil, fmt.Errorf("%w: status 404 Not Found", utils.ErrClientHTTPError)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	u, _ := url.Parse(rawURL)
	return doc, u, nil
}

func (f *fakePages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Wait(ctx context.Context, base time.Duration) error {
	r.waits = append(r.waits, base)
	return ctx.Err()
}

type recordingAnnouncer struct {
	links []string
}

func (r *recordingAnnouncer) Enqueue(rec models.LinkRecord) bool {
	r.links = append(r.links, rec.Link)
	return true
}

type denyRobots struct{ substr string }

func (d denyRobots) Allowed(_ context.Context, u *url.URL, _ string) bool {
	return !strings.Contains(u.String(), d.substr)
}

func anchors(hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, h := range hrefs {
		fmt.Fprintf(&b, `<a href="%s">x</a>`, h)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func testConfig(keywords ...string) *config.AppConfig {
	cfg := config.Default()
	cfg.Keywords = keywords
	cfg.SearchDelay = 3 * time.Second
	cfg.FetchDelay = 2 * time.Second
	cfg.CycleDelay = time.Minute
	return &cfg
}

func newTestStore(t *testing.T) storage.LinkStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "links.db"), logrus.NewEntry(testLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type harness struct {
	cfg       *config.AppConfig
	store     storage.LinkStore
	engine    *fakeEngine
	pages     *fakePages
	sleeper   *recordingSleeper
	announcer *recordingAnnouncer
}

func newHarness(t *testing.T, cfg *config.AppConfig) *harness {
	return &harness{
		cfg:       cfg,
		store:     newTestStore(t),
		engine:    &fakeEngine{results: map[string][]string{}, errs: map[string]error{}},
		pages:     &fakePages{html: map[string]string{}, errs: map[string]error{}},
		sleeper:   &recordingSleeper{},
		announcer: &recordingAnnouncer{},
	}
}

func (h *harness) crawler(t *testing.T, mutate ...func(*Options)) *Crawler {
	t.Helper()
	opts := Options{
		Store:     h.store,
		Engine:    h.engine,
		Pages:     h.pages,
		Extractor: process.NewLinkExtractor(testLogger()),
		Pacer:     h.sleeper,
		Announcer: h.announcer,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(h.cfg, opts, logrus.NewEntry(testLogger()))
	require.NoError(t, err)
	return c
}

func (h *harness) count(t *testing.T) int {
	n, err := h.store.CountLinks(context.Background())
	require.NoError(t, err)
	return n
}

func TestRunCycle_StoresTelegramLinks(t *testing.T) {
	h := newHarness(t, testConfig("telegram groups"))
	h.engine.results["telegram groups"] = []string{"https://site.example/a", "https://site.example/b"}
	h.pages.html["https://site.example/a"] = anchors(
		"https://t.me/alpha",
		"https://t.me/beta/",
		"https://t.me/s/preview_only",
		"/more#top",
		"https://other.example/elsewhere",
	)
	h.pages.html["https://site.example/b"] = anchors("https://t.me/alpha", "http://www.telegram.me/gamma")

	stats, err := h.crawler(t).RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, stats.CycleID)
	assert.Equal(t, 1, stats.Keywords)
	assert.Equal(t, 2, stats.URLsFound)
	assert.Equal(t, 2, stats.URLsProcessed)
	assert.Equal(t, 3, stats.LinksAdded)
	assert.Equal(t, 3, h.count(t))

	recs, err := h.store.ListLinks(context.Background(), models.LinkFilter{})
	require.NoError(t, err)
	got := map[string]models.LinkRecord{}
	for _, r := range recs {
		got[r.Link] = r
	}
	require.Contains(t, got, "https://t.me/alpha")
	assert.Equal(t, "https://site.example/a", got["https://t.me/alpha"].SourceURL, "first sighting wins")
	assert.Equal(t, "telegram groups", got["https://t.me/alpha"].Keyword)
	assert.Contains(t, got, "https://t.me/beta")
	assert.Contains(t, got, "https://t.me/gamma")

	assert.ElementsMatch(t, []string{"https://t.me/alpha", "https://t.me/beta", "https://t.me/gamma"}, h.announcer.links)

	processed, err := h.store.IsURLProcessed(context.Background(), "https://site.example/a")
	require.NoError(t, err)
	assert.True(t, processed)

	queued, err := h.store.DequeueURLs(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.example/more"}, queued)
}

func TestRunCycle_DistinctLinksMinusStoredAreAdded(t *testing.T) {
	h := newHarness(t, testConfig("kw"))
	const n, m = 6, 2

	var hrefs []string
	for i := 0; i < n; i++ {
		hrefs = append(hrefs, fmt.Sprintf("https://t.me/chan%d", i))
		hrefs = append(hrefs, fmt.Sprintf("https://t.me/chan%d", i)) // repeated anchor
	}
	h.engine.results["kw"] = []string{"https://site.example/list"}
	h.pages.html["https://site.example/list"] = anchors(hrefs...)

	for i := 0; i < m; i++ {
		_, err := h.store.AddLink(context.Background(), models.LinkRecord{
			Link: fmt.Sprintf("https://t.me/chan%d", i), SourceURL: "https://earlier.example/", Keyword: "old",
		})
		require.NoError(t, err)
	}
	before := h.count(t)

	stats, err := h.crawler(t).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, n-m, stats.LinksAdded)
	assert.Equal(t, n-m, h.count(t)-before)
}

func TestRunCycle_FailuresDoNotStopTheKeywordLoop(t *testing.T) {
	h := newHarness(t, testConfig("first", "broken search", "third"))
	h.engine.results["first"] = []string{"https://down.example/", "https://site.example/ok"}
	h.pages.errs["https://down.example/"] = fmt.Errorf("%w: status 503 Service Unavailable", utils.ErrServerHTTPError)
	h.engine.errs["broken search"] = fmt.Errorf("duckduckgo search: %w", utils.ErrServerHTTPError)
	h.engine.results["third"] = []string{"https://site.example/third"}
	h.pages.html["https://site.example/ok"] = anchors("https://t.me/one")
	h.pages.html["https://site.example/third"] = anchors("https://t.me/three")

	stats, err := h.crawler(t).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "broken search", "third"}, h.engine.calls)
	assert.Equal(t, 2, stats.Failures, "one page failure and one search failure")
	assert.Equal(t, 2, stats.URLsProcessed)
	assert.Equal(t, 2, stats.LinksAdded)

	processed, err := h.store.IsURLProcessed(context.Background(), "https://down.example/")
	require.NoError(t, err)
	assert.False(t, processed, "transient failures are retried in later cycles")
}

func TestRunCycle_PermanentPageFailuresAreMarkedProcessed(t *testing.T) {
	pages := map[string]error{
		"https://site.example/missing": fmt.Errorf("%w: status 404 Not Found", utils.ErrClientHTTPError),
		"https://site.example/doc.pdf": fmt.Errorf("%w: application/pdf", utils.ErrNonHTMLContent),
		"https://site.example/huge":    fmt.Errorf("%w: limit 10 bytes", utils.ErrBodyTooLarge),
		"https://site.example/flaky":   fmt.Errorf("%w: status 502 Bad Gateway", utils.ErrServerHTTPError),
		"https://site.example/offline": errors.New("dial tcp: connection refused"),
	}
	h := newHarness(t, testConfig("kw"))
	for u, err := range pages {
		h.engine.results["kw"] = append(h.engine.results["kw"], u)
		h.pages.errs[u] = err
	}
	c := h.crawler(t)

	stats, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Failures)
	assert.Equal(t, 5, h.pages.count())

	for u, want := range map[string]bool{
		"https://site.example/missing": true,
		"https://site.example/doc.pdf": true,
		"https://site.example/huge":    true,
		"https://site.example/flaky":   false,
		"https://site.example/offline": false,
	} {
		processed, err := h.store.IsURLProcessed(context.Background(), u)
		require.NoError(t, err)
		assert.Equal(t, want, processed, u)
	}

	stats, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.URLsSkipped)
	assert.Equal(t, 2, stats.Failures)
	assert.Equal(t, 7, h.pages.count(), "only transient failures are fetched again")
}

func TestRunCycle_NonHTMLPageFetchedOnce(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	t.Cleanup(server.Close)

	cfg := testConfig("kw")
	h := newHarness(t, cfg)
	h.engine.results["kw"] = []string{server.URL + "/directory.pdf"}

	entry := logrus.NewEntry(testLogger())
	fetcher := fetch.NewFetcher(fetch.NewClient(cfg.HTTPClientSettings, testLogger()), entry)
	reader := fetch.NewPageReader(fetcher, cfg.UserAgent, cfg.MaxDownloadSizeBytes, entry)
	c := h.crawler(t, func(o *Options) { o.Pages = reader })

	for i := 0; i < 3; i++ {
		_, err := c.RunCycle(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), hits.Load())
	processed, err := h.store.IsURLProcessed(context.Background(), server.URL+"/directory.pdf")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestRunCycle_SkipsProcessedURLs(t *testing.T) {
	h := newHarness(t, testConfig("kw"))
	h.engine.results["kw"] = []string{"https://site.example/a"}
	h.pages.html["https://site.example/a"] = anchors("https://t.me/alpha")
	c := h.crawler(t)

	_, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	stats, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.pages.count())
	assert.Equal(t, 1, stats.URLsSkipped)
	assert.Zero(t, stats.URLsProcessed)

	off := false
	h.cfg.SkipProcessedURLs = &off
	stats, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.pages.count())
	assert.Zero(t, stats.LinksAdded, "refetching adds nothing new")
}

func TestRunCycle_DelayPlacement(t *testing.T) {
	h := newHarness(t, testConfig("k1", "k2"))
	h.engine.results["k1"] = []string{"https://site.example/1", "https://site.example/2"}
	h.engine.results["k2"] = []string{"https://site.example/3", "https://site.example/4"}
	for _, u := range []string{"https://site.example/1", "https://site.example/2", "https://site.example/3", "https://site.example/4"} {
		h.pages.html[u] = anchors()
	}

	_, err := h.crawler(t).RunCycle(context.Background())
	require.NoError(t, err)

	fetchDelay, searchDelay := h.cfg.FetchDelay, h.cfg.SearchDelay
	assert.Equal(t, []time.Duration{fetchDelay, searchDelay, fetchDelay}, h.sleeper.waits,
		"delays run between items, never after the last")
}

func TestRunCycle_ExclusionsAndRobots(t *testing.T) {
	cfg := testConfig("kw")
	cfg.ExcludedURLPatterns = []string{`\.pdf$`}
	cfg.RespectRobotsTxt = true
	h := newHarness(t, cfg)
	h.engine.results["kw"] = []string{
		"https://site.example/file.pdf",
		"https://site.example/private/page",
		"https://site.example/public",
	}
	h.pages.html["https://site.example/public"] = anchors("https://t.me/public_chan")

	stats, err := h.crawler(t, func(o *Options) { o.Robots = denyRobots{substr: "/private/"} }).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.URLsSkipped)
	assert.Equal(t, 1, stats.URLsProcessed)
	assert.Equal(t, []string{"https://site.example/public"}, h.pages.fetched)
}

func TestProcessQueue(t *testing.T) {
	h := newHarness(t, testConfig("kw"))
	ctx := context.Background()
	require.NoError(t, h.store.MarkURLProcessed(ctx, "https://site.example/seen"))
	_, err := h.store.EnqueueURLs(ctx, []string{"https://site.example/q1", "https://site.example/q2", "https://site.example/q3"})
	require.NoError(t, err)
	h.pages.html["https://site.example/q1"] = anchors("https://t.me/from_queue", "/deeper")
	h.pages.html["https://site.example/q2"] = anchors("https://t.me/from_queue")

	stats, err := h.crawler(t).ProcessQueue(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.URLsProcessed)
	assert.Equal(t, 1, stats.QueueLinksAdded)
	assert.Zero(t, stats.LinksAdded)

	recs, err := h.store.ListLinks(ctx, models.LinkFilter{Keyword: models.QueuedKeyword})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "https://t.me/from_queue", recs[0].Link)

	rest, err := h.store.DequeueURLs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.example/q3", "https://site.example/deeper"}, rest)
}

func TestRunCycle_CancelDuringFetchDelay(t *testing.T) {
	cfg := testConfig("kw")
	cfg.FetchDelay = 10 * time.Second
	cfg.DelayJitter = 0
	h := newHarness(t, cfg)
	h.engine.results["kw"] = []string{"https://site.example/a", "https://site.example/b"}
	h.pages.html["https://site.example/a"] = anchors("https://t.me/alpha")
	h.pages.html["https://site.example/b"] = anchors("https://t.me/beta")

	c := h.crawler(t, func(o *Options) { o.Pacer = fetch.NewPacer(0, logrus.NewEntry(testLogger())) })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	stats, err := c.RunCycle(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, stats.LinksAdded)
	assert.Equal(t, []string{"https://site.example/a"}, h.pages.fetched)
}

func TestRun_InterruptDuringSleepKeepsStoreIntact(t *testing.T) {
	cfg := testConfig("kw")
	cfg.CycleDelay = 10 * time.Second
	cfg.DelayJitter = 0
	h := newHarness(t, cfg)
	h.engine.results["kw"] = []string{"https://site.example/a"}
	h.pages.html["https://site.example/a"] = anchors("https://t.me/alpha", "https://t.me/beta")

	c := h.crawler(t, func(o *Options) { o.Pacer = fetch.NewPacer(0, logrus.NewEntry(testLogger())) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return h.pages.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // now inside the cycle delay
	before := h.count(t)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "interrupt is a normal stop")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
	assert.Equal(t, before, h.count(t))
	assert.Equal(t, 2, before)
	assert.NoError(t, h.store.Close())
}

func TestRun_StopsBeforeWorkWhenAlreadyCancelled(t *testing.T) {
	h := newHarness(t, testConfig("kw"))
	c := h.crawler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, h.engine.calls)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	h := newHarness(t, testConfig("kw"))
	log := logrus.NewEntry(testLogger())

	_, err := New(h.cfg, Options{}, log)
	assert.Error(t, err)

	cfg := testConfig("kw")
	cfg.ExcludedURLPatterns = []string{"("}
	_, err = New(cfg, Options{
		Store: h.store, Engine: h.engine, Pages: h.pages,
		Extractor: process.NewLinkExtractor(testLogger()), Pacer: h.sleeper,
	}, log)
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))
}
