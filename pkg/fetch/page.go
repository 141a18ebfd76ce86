package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// PageReader downloads a page and parses it as HTML
type PageReader struct {
	fetcher   *Fetcher
	userAgent string
	maxBytes  int64 // 0 = unlimited
	log       *logrus.Entry
}

// NewPageReader creates a PageReader. maxBytes <= 0 disables the size limit.
func NewPageReader(fetcher *Fetcher, userAgent string, maxBytes int64, log *logrus.Entry) *PageReader {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &PageReader{
		fetcher:   fetcher,
		userAgent: userAgent,
		maxBytes:  maxBytes,
		log:       log,
	}
}

// ReadHTML fetches rawURL and returns the parsed document plus the final URL
// after redirects. Non-HTML responses fail with ErrNonHTMLContent and bodies
// over the limit fail with ErrBodyTooLarge without being parsed.
func (pr *PageReader) ReadHTML(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	SetBrowserHeaders(req, pr.userAgent)

	resp, err := pr.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return nil, finalURL, fmt.Errorf("%w: '%s' at %s", utils.ErrNonHTMLContent, contentType, finalURL)
	}

	if pr.maxBytes > 0 && resp.ContentLength > pr.maxBytes {
		return nil, finalURL, fmt.Errorf("%w: content-length %d > %d", utils.ErrBodyTooLarge, resp.ContentLength, pr.maxBytes)
	}

	body, err := pr.readBody(resp.Body)
	if err != nil {
		return nil, finalURL, err
	}

	decoded, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		// Unknown charset label: parse the raw bytes as UTF-8
		pr.log.WithField("url", finalURL.String()).Debugf("Charset detection failed, assuming UTF-8: %v", err)
		decoded = bytes.NewReader(body)
	}

	doc, err := goquery.NewDocumentFromReader(decoded)
	if err != nil {
		return nil, finalURL, fmt.Errorf("%w: HTML from %s: %v", utils.ErrParsing, finalURL, err)
	}
	return doc, finalURL, nil
}

// readBody reads at most maxBytes+1 bytes so an oversized body is detected
// without downloading all of it.
func (pr *PageReader) readBody(r io.Reader) ([]byte, error) {
	if pr.maxBytes > 0 {
		r = io.LimitReader(r, pr.maxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrResponseBodyRead, err)
	}
	if pr.maxBytes > 0 && int64(len(body)) > pr.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", utils.ErrBodyTooLarge, pr.maxBytes)
	}
	return body, nil
}

// SetBrowserHeaders makes a request look like it came from a desktop browser.
func SetBrowserHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}
