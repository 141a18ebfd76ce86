package models

import "time"

// QueuedKeyword is stored as the keyword for links found while draining the URL queue
const QueuedKeyword = "queued"

// LinkRecord is one discovered Telegram link. Link is unique across the store.
type LinkRecord struct {
	ID           int64     `json:"id,omitempty"`
	Link         string    `json:"link"`
	SourceURL    string    `json:"source_url"`
	Keyword      string    `json:"keyword"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// PageEntry records a page whose link extraction completed
type PageEntry struct {
	URL         string    `json:"url"`
	ProcessedAt time.Time `json:"processed_at"`
}

// QueueEntry is a same-host URL waiting for a later queue batch
type QueueEntry struct {
	URL     string    `json:"url"`
	AddedAt time.Time `json:"added_at"`
}

// LinkFilter narrows ListLinks results. Zero value lists the newest 20 links.
type LinkFilter struct {
	Keyword  string // Exact keyword match
	Contains string // Substring of link or source URL
	Limit    int
}

// KeywordCount is the number of stored links attributed to one keyword
type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// CycleStats summarises one pass over the keywords plus its queue batch
type CycleStats struct {
	CycleID         string        `json:"cycle_id"`
	Keywords        int           `json:"keywords"`
	URLsFound       int           `json:"urls_found"`
	URLsProcessed   int           `json:"urls_processed"`
	URLsSkipped     int           `json:"urls_skipped"`
	Failures        int           `json:"failures"`
	LinksAdded      int           `json:"links_added"`
	QueueLinksAdded int           `json:"queue_links_added"`
	Duration        time.Duration `json:"duration"`
}

// Record folds a page outcome into the counters.
func (s *CycleStats) Record(o PageOutcome, added int) {
	switch o {
	case OutcomeProcessed:
		s.URLsProcessed++
	case OutcomeFailed:
		s.Failures++
	case OutcomeSkippedProcessed, OutcomeSkippedExcluded, OutcomeSkippedRobots:
		s.URLsSkipped++
	}
	s.LinksAdded += added
}
