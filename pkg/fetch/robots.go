package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// maxRobotsBytes caps how much of a robots.txt file is read
const maxRobotsBytes = 512 << 10

// RobotsHandler fetches, caches and checks robots.txt per host
type RobotsHandler struct {
	fetcher       *Fetcher
	userAgent     string
	robotsCache   map[string]*robotstxt.RobotsData // host -> parsed data (nil = allow all)
	robotsCacheMu sync.Mutex
	log           *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(fetcher *Fetcher, userAgent string, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher:     fetcher,
		userAgent:   userAgent,
		robotsCache: make(map[string]*robotstxt.RobotsData),
		log:         log,
	}
}

// GetRobotsData returns the cached or freshly fetched robots.txt for the host
// of targetURL. Any fetch or parse failure yields nil, which is cached too.
func (rh *RobotsHandler) GetRobotsData(ctx context.Context, targetURL *url.URL) *robotstxt.RobotsData {
	host := targetURL.Host

	rh.robotsCacheMu.Lock()
	robotsData, found := rh.robotsCache[host]
	rh.robotsCacheMu.Unlock()
	if found {
		return robotsData
	}

	robotsURL := &url.URL{Scheme: targetURL.Scheme, Host: host, Path: "/robots.txt"}
	if robotsURL.Scheme != "http" && robotsURL.Scheme != "https" {
		robotsURL.Scheme = "https"
	}
	robotsLog := rh.log.WithField("robots_url", robotsURL.String())

	data := rh.fetchRobots(ctx, robotsURL.String(), robotsLog)
	if ctx.Err() != nil {
		// Do not cache a result that only failed because we are shutting down
		return data
	}

	rh.robotsCacheMu.Lock()
	rh.robotsCache[host] = data
	rh.robotsCacheMu.Unlock()
	return data
}

func (rh *RobotsHandler) fetchRobots(ctx context.Context, robotsURL string, robotsLog *logrus.Entry) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Warnf("Error creating robots.txt request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rh.userAgent)

	resp, err := rh.fetcher.Fetch(ctx, req)
	if err != nil {
		robotsLog.Debugf("robots.txt unavailable, allowing all: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		robotsLog.Debugf("Error reading robots.txt, allowing all: %v", err)
		return nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Debugf("Error parsing robots.txt, allowing all: %v", err)
		return nil
	}
	robotsLog.Debug("Fetched and parsed robots.txt")
	return data
}

// Allowed reports whether userAgent may fetch targetURL. Missing or broken
// robots.txt files allow everything.
func (rh *RobotsHandler) Allowed(ctx context.Context, targetURL *url.URL, userAgent string) bool {
	robotsData := rh.GetRobotsData(ctx, targetURL)
	if robotsData == nil {
		return true
	}
	return robotsData.TestAgent(targetURL.RequestURI(), userAgent)
}
