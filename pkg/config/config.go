package config

import (
	"regexp"
	"time"

	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// Default values used when config.yaml is absent or leaves a key unset.
const (
	DefaultUserAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultDatabasePath         = "telescraper.db"
	DefaultSearchEngine         = "duckduckgo"
	DefaultStorageDriver        = "sqlite"
	DefaultMaxDownloadSizeBytes = 5 * 1024 * 1024
	DefaultQueueBatchSize       = 10
	DefaultTelegramAPIBaseURL   = "https://api.telegram.org"
)

// DefaultKeywords are the directory-style queries searched when no keywords are configured.
var DefaultKeywords = []string{
	"telegram public groups list",
	"telegram channel directory",
	"telegram tech channels",
	"telegram news groups",
}

// AppConfig holds the global application configuration
type AppConfig struct {
	Keywords             []string         `yaml:"keywords"`
	SearchEngine         string           `yaml:"search_engine,omitempty"`
	SearchPagesToRequest int              `yaml:"search_pages_to_request,omitempty"`
	SearchDelay          time.Duration    `yaml:"search_delay,omitempty"`
	FetchDelay           time.Duration    `yaml:"fetch_delay,omitempty"`
	CycleDelay           time.Duration    `yaml:"cycle_delay,omitempty"`
	DelayJitter          time.Duration    `yaml:"delay_jitter,omitempty"`
	UserAgent            string           `yaml:"user_agent,omitempty"`
	MaxDownloadSizeBytes int64            `yaml:"max_download_size_bytes,omitempty"` // 0 = unlimited
	DatabasePath         string           `yaml:"database_path,omitempty"`
	StorageDriver        string           `yaml:"storage_driver,omitempty"`
	SkipProcessedURLs    *bool            `yaml:"skip_processed_urls,omitempty"`
	EnableURLQueue       *bool            `yaml:"enable_url_queue,omitempty"`
	QueueBatchSize       int              `yaml:"queue_batch_size,omitempty"`
	ExcludedURLPatterns  []string         `yaml:"excluded_url_patterns,omitempty"` // Regex patterns for search results to skip
	RespectRobotsTxt     bool             `yaml:"respect_robots_txt,omitempty"`
	HTTPClientSettings   HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Log                  LogConfig        `yaml:"log,omitempty"`
	Bot                  BotConfig        `yaml:"bot,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
	File   string `yaml:"file,omitempty"`   // Optional file, appended to alongside stdout
}

// BotConfig configures the optional Telegram bot that announces newly stored links
type BotConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Token       string        `yaml:"token,omitempty"`
	ChatID      string        `yaml:"chat_id,omitempty"`
	SendDelay   time.Duration `yaml:"send_delay,omitempty"`
	QueueSize   int           `yaml:"queue_size,omitempty"`
	MaxFailures int           `yaml:"max_failures,omitempty"`
	OpenTimeout time.Duration `yaml:"open_timeout,omitempty"`
	APIBaseURL  string        `yaml:"api_base_url,omitempty"`
}

// Default returns the built-in configuration used when no config file exists.
func Default() AppConfig {
	cfg := AppConfig{
		Keywords:             append([]string(nil), DefaultKeywords...),
		SearchEngine:         DefaultSearchEngine,
		SearchPagesToRequest: 1,
		SearchDelay:          5 * time.Second,
		FetchDelay:           10 * time.Second,
		CycleDelay:           10 * time.Second,
		DelayJitter:          2 * time.Second,
		UserAgent:            DefaultUserAgent,
		MaxDownloadSizeBytes: DefaultMaxDownloadSizeBytes,
		DatabasePath:         DefaultDatabasePath,
		StorageDriver:        DefaultStorageDriver,
		QueueBatchSize:       DefaultQueueBatchSize,
	}
	cfg.validateHTTPClientSettings()
	cfg.validateLog()
	cfg.validateBot()
	return cfg
}

// ShouldSkipProcessedURLs reports whether already-processed pages are skipped (default true).
func (c *AppConfig) ShouldSkipProcessedURLs() bool {
	if c.SkipProcessedURLs != nil {
		return *c.SkipProcessedURLs
	}
	return true
}

// URLQueueEnabled reports whether internal links are queued for later batches (default true).
func (c *AppConfig) URLQueueEnabled() bool {
	if c.EnableURLQueue != nil {
		return *c.EnableURLQueue
	}
	return true
}

// CompiledExclusions compiles ExcludedURLPatterns.
func (c *AppConfig) CompiledExclusions() ([]*regexp.Regexp, error) {
	return utils.CompileRegexPatterns(c.ExcludedURLPatterns)
}
