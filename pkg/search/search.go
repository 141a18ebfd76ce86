package search

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"github.com/Sriram-PR/telescraper/pkg/fetch"
	"github.com/Sriram-PR/telescraper/pkg/parse"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// Engine returns result page URLs for a keyword
type Engine interface {
	// Name is the config value selecting this engine
	Name() string
	// Search reads up to pages result pages and returns de-duplicated absolute
	// http(s) URLs in the order they were first seen. An error on the first
	// page is returned; an error on a later page ends the search early.
	Search(ctx context.Context, keyword string, pages int) ([]string, error)
}

// Options configures an Engine
type Options struct {
	BaseURL   string        // Overrides the engine endpoint (tests)
	UserAgent string        // Sent with every request
	Fetcher   *fetch.Fetcher
	Pacer     *fetch.Pacer  // Optional; paces requests for pages after the first
	PageDelay time.Duration // Base delay between result pages
	MaxBytes  int64         // Result page size cap; 0 = unlimited
	Log       *logrus.Entry
}

// New returns the engine registered under name
func New(name string, opts Options) (Engine, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("search engine %q needs a fetcher", name)
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	switch strings.ToLower(name) {
	case "duckduckgo", "ddg", "":
		return NewDuckDuckGo(opts), nil
	case "bing":
		return NewBing(opts), nil
	default:
		return nil, fmt.Errorf("%w: unknown search engine %q", utils.ErrConfigValidation, name)
	}
}

// resultSet keeps URLs unique while preserving first-seen order
type resultSet struct {
	seen map[string]struct{}
	urls []string
}

func newResultSet() *resultSet {
	return &resultSet{seen: make(map[string]struct{})}
}

// add records u and reports whether it was new
func (r *resultSet) add(u string) bool {
	if _, ok := r.seen[u]; ok {
		return false
	}
	r.seen[u] = struct{}{}
	r.urls = append(r.urls, u)
	return true
}

func (r *resultSet) list() []string {
	if r.urls == nil {
		return []string{}
	}
	return r.urls
}

// absoluteHTTP returns the normalized URL when raw is an absolute http(s) URL
func absoluteHTTP(raw string) (string, bool) {
	normalized, _, err := parse.ParseAndNormalize(raw)
	if err != nil {
		return "", false
	}
	return normalized, true
}

// onDomain reports whether host is domain or one of its subdomains
func onDomain(host, domain string) bool {
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// fetchDocument executes req and parses the response as HTML. Bodies larger
// than opts.MaxBytes fail with ErrBodyTooLarge.
func fetchDocument(ctx context.Context, opts Options, req *http.Request) (*goquery.Document, error) {
	resp, err := opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if opts.MaxBytes > 0 {
		r = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: search results: %v", utils.ErrResponseBodyRead, err)
	}
	if opts.MaxBytes > 0 && int64(len(raw)) > opts.MaxBytes {
		return nil, fmt.Errorf("%w: search results over %d bytes", utils.ErrBodyTooLarge, opts.MaxBytes)
	}

	body, err := charset.NewReader(bytes.NewReader(raw), resp.Header.Get("Content-Type"))
	if err != nil {
		body = bytes.NewReader(raw)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("%w: HTML search results: %v", utils.ErrParsing, err)
	}
	return doc, nil
}

// pageWait paces requests for result pages after the first
func pageWait(ctx context.Context, opts Options, page int) error {
	if page == 0 || opts.Pacer == nil {
		return ctx.Err()
	}
	return opts.Pacer.Wait(ctx, opts.PageDelay)
}
