package process

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/parse"
)

// Links holds what a single page yielded. Both slices are de-duplicated and sorted.
type Links struct {
	Telegram []string // Canonical https://t.me/<path> links
	Internal []string // Same-host page URLs in parse.NormalizeURL form
}

// LinkExtractor pulls Telegram links and same-host links out of a parsed page
type LinkExtractor struct {
	log *logrus.Entry
}

// NewLinkExtractor creates a LinkExtractor
func NewLinkExtractor(log *logrus.Logger) *LinkExtractor {
	return &LinkExtractor{log: log.WithField("component", "link_extractor")}
}

// Extract walks every a[href] in doc. Hrefs are resolved against pageURL (the
// final URL after redirects) with fragments removed; non-http(s) targets are
// ignored. Telegram matches win over the same-host check.
func (le *LinkExtractor) Extract(doc *goquery.Document, pageURL *url.URL) Links {
	taskLog := le.log.WithField("url", pageURL.String())

	telegram := make(map[string]struct{})
	internal := make(map[string]struct{})
	anchors := 0

	doc.Find("a[href]").Each(func(_ int, el *goquery.Selection) {
		href, _ := el.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		anchors++

		linkURL, err := pageURL.Parse(href)
		if err != nil {
			taskLog.Debugf("Skipping invalid href '%s': %v", href, err)
			return
		}
		linkURL.Fragment = ""
		linkURL.RawFragment = ""

		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}
		absolute := linkURL.String()

		if parse.IsTelegramURL(absolute) {
			if link, ok := parse.NormalizeTelegramLink(absolute); ok {
				telegram[link] = struct{}{}
			} else {
				taskLog.Debugf("Skipping Telegram preview link: %s", absolute)
			}
			return
		}

		if strings.EqualFold(linkURL.Host, pageURL.Host) {
			internal[parse.NormalizeURL(linkURL)] = struct{}{}
		}
	})

	links := Links{
		Telegram: sortedKeys(telegram),
		Internal: sortedKeys(internal),
	}
	taskLog.WithFields(logrus.Fields{
		"anchors":  anchors,
		"telegram": len(links.Telegram),
		"internal": len(links.Internal),
	}).Debug("Extracted links")
	return links
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
