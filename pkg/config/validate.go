package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Keywords: trim and drop blanks, keep order
	kept := c.Keywords[:0:0]
	for _, kw := range c.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			warnings = append(warnings, "ignoring empty keyword")
			continue
		}
		kept = append(kept, kw)
	}
	c.Keywords = kept
	if len(c.Keywords) == 0 {
		return warnings, fmt.Errorf("%w: keywords list is empty", utils.ErrConfigValidation)
	}

	// SearchEngine
	c.SearchEngine = strings.ToLower(strings.TrimSpace(c.SearchEngine))
	switch c.SearchEngine {
	case "":
		c.SearchEngine = DefaultSearchEngine
	case "duckduckgo", "bing":
	default:
		return warnings, fmt.Errorf("%w: unknown search_engine %q (want duckduckgo or bing)", utils.ErrConfigValidation, c.SearchEngine)
	}

	// SearchPagesToRequest
	if c.SearchPagesToRequest < 1 {
		warnings = append(warnings, "search_pages_to_request should be >= 1, defaulting to 1")
		c.SearchPagesToRequest = 1
	}

	// Delays
	for _, d := range []struct {
		name string
		val  *time.Duration
	}{
		{"search_delay", &c.SearchDelay},
		{"fetch_delay", &c.FetchDelay},
		{"cycle_delay", &c.CycleDelay},
		{"delay_jitter", &c.DelayJitter},
	} {
		if *d.val < 0 {
			warnings = append(warnings, fmt.Sprintf("%s cannot be negative, setting to 0", d.name))
			*d.val = 0
		}
	}

	// UserAgent
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = DefaultUserAgent
	}

	// MaxDownloadSizeBytes
	if c.MaxDownloadSizeBytes < 0 {
		warnings = append(warnings, "max_download_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxDownloadSizeBytes = 0
	}

	// DatabasePath
	if c.DatabasePath == "" {
		warnings = append(warnings, fmt.Sprintf("database_path is empty, defaulting to '%s'", DefaultDatabasePath))
		c.DatabasePath = DefaultDatabasePath
	}

	// StorageDriver
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	switch c.StorageDriver {
	case "":
		c.StorageDriver = DefaultStorageDriver
	case "sqlite", "badger":
	default:
		return warnings, fmt.Errorf("%w: unknown storage_driver %q (want sqlite or badger)", utils.ErrConfigValidation, c.StorageDriver)
	}

	// QueueBatchSize
	if c.QueueBatchSize <= 0 {
		c.QueueBatchSize = DefaultQueueBatchSize
	}

	// ExcludedURLPatterns
	if _, err := c.CompiledExclusions(); err != nil {
		return warnings, err
	}

	c.validateHTTPClientSettings()
	c.validateLog()
	warnings = append(warnings, c.validateBot()...)

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 20 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (c *AppConfig) validateLog() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "json" {
		c.Log.Format = "text"
	}
}

// validateBot applies bot defaults. A bot enabled without credentials is switched off.
func (c *AppConfig) validateBot() (warnings []string) {
	b := &c.Bot
	if b.SendDelay <= 0 {
		b.SendDelay = 2 * time.Second
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 100
	}
	if b.MaxFailures <= 0 {
		b.MaxFailures = 5
	}
	if b.OpenTimeout <= 0 {
		b.OpenTimeout = 60 * time.Second
	}
	if b.APIBaseURL == "" {
		b.APIBaseURL = DefaultTelegramAPIBaseURL
	}
	b.APIBaseURL = strings.TrimRight(b.APIBaseURL, "/")

	if b.Enabled && (b.Token == "" || b.ChatID == "") {
		warnings = append(warnings, "bot.enabled is true but bot.token or bot.chat_id is empty, disabling bot")
		b.Enabled = false
	}
	return warnings
}
