package search

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/fetch"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// BingURL is the Bing web search endpoint
const BingURL = "https://www.bing.com/search"

const bingResultSelector = "li.b_algo h2 a"

// Bing searches www.bing.com, paging with first=1+10*page
type Bing struct {
	opts Options
	log  *logrus.Entry
}

// NewBing creates the Bing engine
func NewBing(opts Options) *Bing {
	if opts.BaseURL == "" {
		opts.BaseURL = BingURL
	}
	return &Bing{opts: opts, log: opts.Log.WithField("engine", "bing")}
}

func (e *Bing) Name() string { return "bing" }

func (e *Bing) Search(ctx context.Context, keyword string, pages int) ([]string, error) {
	if pages < 1 {
		pages = 1
	}
	searchLog := e.log.WithField("keyword", keyword)
	results := newResultSet()

	for page := 0; page < pages; page++ {
		if err := pageWait(ctx, e.opts, page); err != nil {
			return results.list(), err
		}

		doc, err := e.searchPage(ctx, keyword, page)
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("bing search '%s': %w", keyword, err)
			}
			searchLog.WithField("page", page+1).Warnf("Stopping pagination after error: %v", err)
			break
		}

		found, added := 0, 0
		doc.Find(bingResultSelector).Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			u, ok := decodeBingHref(href)
			if !ok {
				return
			}
			found++
			if results.add(u) {
				added++
			}
		})
		searchLog.WithFields(logrus.Fields{"page": page + 1, "new_urls": added}).Debug("Parsed Bing results page")

		if found == 0 {
			break
		}
	}

	if len(results.urls) == 0 {
		searchLog.Warnf("No results found using selector '%s'", bingResultSelector)
	}
	return results.list(), nil
}

func (e *Bing) searchPage(ctx context.Context, keyword string, page int) (*goquery.Document, error) {
	base, err := url.Parse(e.opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	q := base.Query()
	q.Set("q", keyword)
	q.Set("first", strconv.Itoa(1+page*10))
	q.Set("setlang", "en")
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	fetch.SetBrowserHeaders(req, e.opts.UserAgent)
	return fetchDocument(ctx, e.opts, req)
}

// decodeBingHref unwraps bing.com/ck/a click-tracking links, whose u parameter
// carries the target as "a1" + unpadded base64url.
func decodeBingHref(href string) (string, bool) {
	abs, ok := absoluteHTTP(href)
	if !ok {
		return "", false
	}
	u, _ := url.Parse(abs)
	if !onDomain(u.Hostname(), "bing.com") {
		return abs, true
	}
	if u.Path != "/ck/a" {
		return "", false
	}
	enc := u.Query().Get("u")
	if !strings.HasPrefix(enc, "a1") {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc[2:], "="))
	if err != nil {
		return "", false
	}
	return absoluteHTTP(string(raw))
}
