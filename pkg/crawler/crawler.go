package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/config"
	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/process"
	"github.com/Sriram-PR/telescraper/pkg/search"
	"github.com/Sriram-PR/telescraper/pkg/storage"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// PageSource downloads and parses one page. *fetch.PageReader implements it.
type PageSource interface {
	ReadHTML(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error)
}

// RobotsChecker decides whether a URL may be fetched. *fetch.RobotsHandler implements it.
type RobotsChecker interface {
	Allowed(ctx context.Context, targetURL *url.URL, userAgent string) bool
}

// Announcer receives every newly stored link. *notify.Dispatcher implements it.
type Announcer interface {
	Enqueue(rec models.LinkRecord) bool
}

// Sleeper pauses between requests. *fetch.Pacer implements it.
type Sleeper interface {
	Wait(ctx context.Context, base time.Duration) error
}

// Options carries the collaborators of a Crawler. Robots and Announcer are optional.
type Options struct {
	Store     storage.LinkStore
	Engine    search.Engine
	Pages     PageSource
	Extractor *process.LinkExtractor
	Pacer     Sleeper
	Robots    RobotsChecker
	Announcer Announcer
}

// Crawler runs the keyword polling loop: search, fetch, extract, store, sleep.
// Everything happens sequentially on the calling goroutine.
type Crawler struct {
	cfg        *config.AppConfig
	log        *logrus.Entry
	opts       Options
	exclusions []*regexp.Regexp
}

// New validates collaborators and compiles the exclusion patterns
func New(cfg *config.AppConfig, opts Options, logger *logrus.Entry) (*Crawler, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("crawler: store is required")
	case opts.Engine == nil:
		return nil, errors.New("crawler: search engine is required")
	case opts.Pages == nil:
		return nil, errors.New("crawler: page source is required")
	case opts.Extractor == nil:
		return nil, errors.New("crawler: link extractor is required")
	case opts.Pacer == nil:
		return nil, errors.New("crawler: pacer is required")
	}

	exclusions, err := cfg.CompiledExclusions()
	if err != nil {
		return nil, fmt.Errorf("compiling excluded_url_patterns: %w", err)
	}

	crawlLog := logger.WithFields(logrus.Fields{"component": "crawler", "engine": opts.Engine.Name()})
	if len(exclusions) > 0 {
		crawlLog.Infof("Compiled %d excluded URL patterns.", len(exclusions))
	}

	return &Crawler{
		cfg:        cfg,
		log:        crawlLog,
		opts:       opts,
		exclusions: exclusions,
	}, nil
}

func newStats(keywords int) models.CycleStats {
	return models.CycleStats{CycleID: uuid.NewString(), Keywords: keywords}
}

// Run repeats cycles (keywords, then one queue batch, then cycle_delay) until ctx
// is cancelled. Cancellation is a normal stop and returns nil.
func (c *Crawler) Run(ctx context.Context) error {
	c.log.WithField("keywords", len(c.cfg.Keywords)).Info("Poller started")

	for n := 1; ; n++ {
		start := time.Now()
		stats := newStats(len(c.cfg.Keywords))
		cycleLog := c.log.WithFields(logrus.Fields{"cycle": n, "cycle_id": stats.CycleID})
		cycleLog.Info("Starting cycle")

		err := c.searchKeywords(ctx, cycleLog, &stats)
		if err == nil && c.cfg.URLQueueEnabled() {
			err = c.drainQueue(ctx, cycleLog, c.cfg.QueueBatchSize, &stats)
		}
		stats.Duration = time.Since(start)
		logStats(cycleLog, stats)

		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Shutdown requested, poller stopped")
				return nil
			}
			return err
		}

		cycleLog.Infof("Waiting %v before next cycle...", c.cfg.CycleDelay)
		if err := c.opts.Pacer.Wait(ctx, c.cfg.CycleDelay); err != nil {
			c.log.Info("Shutdown requested during cycle delay, poller stopped")
			return nil
		}
	}
}

// RunCycle performs one pass over all keywords.
// The only error returned is the context's, when cancelled mid-cycle.
func (c *Crawler) RunCycle(ctx context.Context) (models.CycleStats, error) {
	start := time.Now()
	stats := newStats(len(c.cfg.Keywords))
	err := c.searchKeywords(ctx, c.log.WithField("cycle_id", stats.CycleID), &stats)
	stats.Duration = time.Since(start)
	return stats, err
}

// ProcessQueue dequeues up to batch URLs and processes them with keyword "queued".
// Links added are reported in QueueLinksAdded.
func (c *Crawler) ProcessQueue(ctx context.Context, batch int) (models.CycleStats, error) {
	start := time.Now()
	stats := newStats(0)
	err := c.drainQueue(ctx, c.log.WithField("cycle_id", stats.CycleID), batch, &stats)
	stats.Duration = time.Since(start)
	return stats, err
}

func (c *Crawler) searchKeywords(ctx context.Context, cycleLog *logrus.Entry, stats *models.CycleStats) error {
	keywords := c.cfg.Keywords
	for i, keyword := range keywords {
		if err := ctx.Err(); err != nil {
			return err
		}
		kwLog := cycleLog.WithField("keyword", keyword)
		kwLog.Infof("Processing keyword (%d/%d)", i+1, len(keywords))

		urls, err := c.opts.Engine.Search(ctx, keyword, c.cfg.SearchPagesToRequest)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			kwLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Search failed: %v", err)
			stats.Failures++
		}
		stats.URLsFound += len(urls)

		if len(urls) == 0 {
			kwLog.Info("No search result URLs found")
		} else {
			kwLog.Infof("Found %d URLs from search. Processing...", len(urls))
		}

		for j, pageURL := range urls {
			outcome, added, err := c.processPage(ctx, kwLog, pageURL, keyword, c.cfg.ShouldSkipProcessedURLs())
			if err != nil {
				return err
			}
			stats.Record(outcome, added)

			if !outcome.IsSkip() && j < len(urls)-1 {
				if err := c.opts.Pacer.Wait(ctx, c.cfg.FetchDelay); err != nil {
					return err
				}
			}
		}

		if i < len(keywords)-1 {
			kwLog.Debug("Waiting before next keyword search...")
			if err := c.opts.Pacer.Wait(ctx, c.cfg.SearchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Crawler) drainQueue(ctx context.Context, cycleLog *logrus.Entry, batch int, stats *models.CycleStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	queueLog := cycleLog.WithField("keyword", models.QueuedKeyword)

	urls, err := c.opts.Store.DequeueURLs(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		queueLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to read URL queue: %v", err)
		return nil
	}
	if len(urls) == 0 {
		queueLog.Info("URL queue is empty")
		return nil
	}
	queueLog.Infof("Processing %d URLs from the queue...", len(urls))

	for i, pageURL := range urls {
		// Dequeued URLs that are not reached stay removed; they come back if seen again
		outcome, added, err := c.processPage(ctx, queueLog, pageURL, models.QueuedKeyword, true)
		if err != nil {
			return err
		}
		stats.Record(outcome, 0)
		stats.QueueLinksAdded += added

		if !outcome.IsSkip() && i < len(urls)-1 {
			if err := c.opts.Pacer.Wait(ctx, c.cfg.FetchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// processPage handles one candidate URL. A non-nil error means ctx was cancelled;
// every other failure is logged and reported through the outcome.
func (c *Crawler) processPage(ctx context.Context, parentLog *logrus.Entry, pageURL, keyword string, skipProcessed bool) (models.PageOutcome, int, error) {
	if err := ctx.Err(); err != nil {
		return models.OutcomeUnset, 0, err
	}
	pageLog := parentLog.WithField("url", pageURL)

	if utils.MatchesAny(c.exclusions, pageURL) {
		pageLog.Debug("Skipping excluded URL")
		return models.OutcomeSkippedExcluded, 0, nil
	}

	if skipProcessed {
		done, err := c.opts.Store.IsURLProcessed(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return models.OutcomeUnset, 0, ctx.Err()
			}
			pageLog.Warnf("Could not check processed state, fetching anyway: %v", err)
		} else if done {
			pageLog.Debug("Skipping already processed URL")
			return models.OutcomeSkippedProcessed, 0, nil
		}
	}

	if c.cfg.RespectRobotsTxt && c.opts.Robots != nil {
		if u, err := url.Parse(pageURL); err == nil && !c.opts.Robots.Allowed(ctx, u, c.cfg.UserAgent) {
			pageLog.Info("Skipping URL disallowed by robots.txt")
			return models.OutcomeSkippedRobots, 0, nil
		}
	}

	doc, finalURL, err := c.opts.Pages.ReadHTML(ctx, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return models.OutcomeUnset, 0, ctx.Err()
		}
		pageLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Failed to extract links: %v", err)
		if isPermanentPageError(err) {
			// Refetching would fail the same way
			if err := c.opts.Store.MarkURLProcessed(ctx, pageURL); err != nil {
				pageLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to mark URL processed: %v", err)
			}
		}
		return models.OutcomeFailed, 0, nil
	}

	links := c.opts.Extractor.Extract(doc, finalURL)

	if err := c.opts.Store.MarkURLProcessed(ctx, pageURL); err != nil {
		pageLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to mark URL processed: %v", err)
	}
	if c.cfg.URLQueueEnabled() && len(links.Internal) > 0 {
		queued, err := c.opts.Store.EnqueueURLs(ctx, links.Internal)
		if err != nil {
			pageLog.WithField("error_type", utils.CategorizeError(err)).Errorf("Failed to queue internal links: %v", err)
		} else if queued > 0 {
			pageLog.Debugf("Queued %d internal links", queued)
		}
	}

	added := 0
	for _, link := range links.Telegram {
		rec := models.LinkRecord{
			Link:         link,
			SourceURL:    pageURL,
			Keyword:      keyword,
			DiscoveredAt: time.Now().UTC(),
		}
		ok, err := c.opts.Store.AddLink(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return models.OutcomeProcessed, added, ctx.Err()
			}
			pageLog.WithFields(logrus.Fields{"link": link, "error_type": utils.CategorizeError(err)}).
				Errorf("Failed to store link: %v", err)
			continue
		}
		if !ok {
			pageLog.WithField("link", link).Debug("Link already stored")
			continue
		}
		added++
		pageLog.WithField("link", link).Info("New link stored")
		if c.opts.Announcer != nil {
			c.opts.Announcer.Enqueue(rec)
		}
	}

	pageLog.WithFields(logrus.Fields{
		"telegram_links": len(links.Telegram),
		"internal_links": len(links.Internal),
		"added":          added,
	}).Debug("Page processed")
	return models.OutcomeProcessed, added, nil
}

// isPermanentPageError reports whether err will repeat on every attempt.
// Network errors and 5xx responses are retried on a later sighting.
func isPermanentPageError(err error) bool {
	return errors.Is(err, utils.ErrNonHTMLContent) ||
		errors.Is(err, utils.ErrBodyTooLarge) ||
		errors.Is(err, utils.ErrClientHTTPError)
}

func logStats(cycleLog *logrus.Entry, stats models.CycleStats) {
	cycleLog.WithFields(logrus.Fields{
		"keywords":          stats.Keywords,
		"urls_found":        stats.URLsFound,
		"urls_processed":    stats.URLsProcessed,
		"urls_skipped":      stats.URLsSkipped,
		"failures":          stats.Failures,
		"links_added":       stats.LinksAdded,
		"queue_links_added": stats.QueueLinksAdded,
		"duration":          stats.Duration.Round(time.Millisecond),
	}).Infof("Cycle complete. Total links added this cycle: %d", stats.LinksAdded+stats.QueueLinksAdded)
}
