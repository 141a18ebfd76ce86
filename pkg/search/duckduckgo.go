package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/fetch"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// DuckDuckGoHTMLURL is the JavaScript-free DuckDuckGo endpoint
const DuckDuckGoHTMLURL = "https://html.duckduckgo.com/html/"

// ddgResultSelector matches the title link of every organic result
const ddgResultSelector = "a.result__a"

// DuckDuckGo searches html.duckduckgo.com. Queries are POSTed and further
// pages are reached by re-posting the hidden fields of the "Next" form.
type DuckDuckGo struct {
	opts Options
	log  *logrus.Entry
}

// NewDuckDuckGo creates the DuckDuckGo engine
func NewDuckDuckGo(opts Options) *DuckDuckGo {
	if opts.BaseURL == "" {
		opts.BaseURL = DuckDuckGoHTMLURL
	}
	return &DuckDuckGo{opts: opts, log: opts.Log.WithField("engine", "duckduckgo")}
}

func (e *DuckDuckGo) Name() string { return "duckduckgo" }

func (e *DuckDuckGo) Search(ctx context.Context, keyword string, pages int) ([]string, error) {
	if pages < 1 {
		pages = 1
	}
	searchLog := e.log.WithField("keyword", keyword)
	results := newResultSet()

	endpoint := e.opts.BaseURL
	form := url.Values{"q": {keyword}}

	for page := 0; page < pages; page++ {
		if err := pageWait(ctx, e.opts, page); err != nil {
			return results.list(), err
		}

		doc, err := e.post(ctx, endpoint, form)
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("duckduckgo search '%s': %w", keyword, err)
			}
			searchLog.WithField("page", page+1).Warnf("Stopping pagination after error: %v", err)
			break
		}

		added := 0
		doc.Find(ddgResultSelector).Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			if u, ok := decodeDDGHref(href); ok && results.add(u) {
				added++
			}
		})
		searchLog.WithFields(logrus.Fields{"page": page + 1, "new_urls": added}).Debug("Parsed DuckDuckGo results page")

		if page+1 >= pages {
			break
		}
		nextEndpoint, nextForm, ok := ddgNextPage(doc, endpoint)
		if !ok {
			searchLog.Debug("No further result pages")
			break
		}
		endpoint, form = nextEndpoint, nextForm
	}

	if len(results.urls) == 0 {
		searchLog.Warnf("No results found using selector '%s'", ddgResultSelector)
	}
	return results.list(), nil
}

func (e *DuckDuckGo) post(ctx context.Context, endpoint string, form url.Values) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	fetch.SetBrowserHeaders(req, e.opts.UserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return fetchDocument(ctx, e.opts, req)
}

// decodeDDGHref unwraps //duckduckgo.com/l/?uddg=<target> redirect links and
// drops anything that still points at DuckDuckGo itself (ads, internal pages).
func decodeDDGHref(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Host == "" || onDomain(u.Hostname(), "duckduckgo.com") {
		if !strings.HasPrefix(u.Path, "/l/") {
			return "", false
		}
		target := u.Query().Get("uddg")
		if target == "" {
			return "", false
		}
		href = target
	}
	abs, ok := absoluteHTTP(href)
	if !ok {
		return "", false
	}
	if t, err := url.Parse(abs); err == nil && onDomain(t.Hostname(), "duckduckgo.com") {
		return "", false
	}
	return abs, true
}

// ddgNextPage finds the pagination form whose submit button reads "Next" and
// returns where to post it and with which fields.
func ddgNextPage(doc *goquery.Document, current string) (string, url.Values, bool) {
	var (
		action string
		values url.Values
		found  bool
	)
	doc.Find("form").EachWithBreak(func(_ int, f *goquery.Selection) bool {
		submit := f.Find(`input[type="submit"]`)
		label, _ := submit.Attr("value")
		if !strings.Contains(strings.ToLower(label), "next") {
			return true
		}
		values = url.Values{}
		f.Find(`input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
			name, ok := in.Attr("name")
			if !ok || name == "" {
				return
			}
			v, _ := in.Attr("value")
			values.Add(name, v)
		})
		action, _ = f.Attr("action")
		found = len(values) > 0
		return false
	})
	if !found {
		return "", nil, false
	}

	endpoint := current
	if action != "" {
		base, err := url.Parse(current)
		if err != nil {
			return "", nil, false
		}
		ref, err := base.Parse(action)
		if err != nil {
			return "", nil, false
		}
		endpoint = ref.String()
	}
	return endpoint, values, true
}
