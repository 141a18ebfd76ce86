package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/telescraper/pkg/config"
	"github.com/Sriram-PR/telescraper/pkg/crawler"
	"github.com/Sriram-PR/telescraper/pkg/fetch"
	applog "github.com/Sriram-PR/telescraper/pkg/log"
	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/notify"
	"github.com/Sriram-PR/telescraper/pkg/process"
	"github.com/Sriram-PR/telescraper/pkg/search"
	"github.com/Sriram-PR/telescraper/pkg/storage"
)

const (
	version           = "1.0.0"
	defaultConfigPath = "config.yaml"
)

func main() {
	if len(os.Args) < 2 {
		runPoll(nil)
		return
	}

	switch os.Args[1] {
	case "run":
		runPoll(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "links":
		runLinks(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("telescraper %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		// Bare flags run the poller: telescraper -config my.yaml
		if strings.HasPrefix(os.Args[1], "-") {
			runPoll(os.Args[1:])
			return
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `telescraper - Telegram link poller

Usage:
  telescraper [command] [options]

Commands:
  run         Poll search engines for Telegram links (default)
  validate    Validate configuration file
  links       Print stored links as TSV
  mcp-server  Start MCP server over the stored links
  version     Show version info

Run 'telescraper <command> -h' for command-specific help.`)
}

// flagWasSet reports whether name was given on the command line
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// loadConfig loads path (falling back to defaults when it is missing and was not
// asked for explicitly) and validates the result.
func loadConfig(path string, explicit bool) (*config.AppConfig, []string, error) {
	appCfg, _, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := appCfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return appCfg, warnings, nil
}

// runPoll handles the run subcommand
func runPoll(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := fs.String("config", defaultConfigPath, "Path to config file (built-in defaults are used if the default path is missing)")
	logLevel := fs.String("loglevel", "", "Log level override (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: telescraper run [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  telescraper\n")
		fmt.Fprintf(os.Stderr, "  telescraper run -config config.yaml -loglevel debug\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(executePoll(*configFile, flagWasSet(fs, "config"), *logLevel))
}

// executePoll wires the poller and blocks until it stops. Returns the exit code.
func executePoll(configFile string, explicitConfig bool, logLevelStr string) int {
	appCfg, warnings, err := loadConfig(configFile, explicitConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	log, closeLog, err := applog.New(appCfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		return 1
	}
	defer closeLog()
	if err := applog.SetLevel(log, logLevelStr); err != nil {
		log.Warnf("Invalid log level '%s', keeping '%s'. Error: %v", logLevelStr, log.GetLevel(), err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(appCfg, log)

	// ===========================================================
	// == Setup Context & Signal Handling ==
	// ===========================================================
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		sig := <-sigChan
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()
	defer signal.Stop(sigChan)

	// ===========================================================
	// == Initialize Components ==
	// ===========================================================
	log.Info("Initializing components...")
	logEntry := log.WithField("component", "main")

	// --- Storage ---
	store, err := storage.Open(ctx, appCfg.StorageDriver, appCfg.DatabasePath, logEntry)
	if err != nil {
		log.Errorf("Failed to open link store: %v", err)
		return 1
	}
	defer func() {
		// Background store work must stop before the DB is closed
		cancel()
		if err := store.Close(); err != nil {
			log.Errorf("Error closing link store: %v", err)
		}
	}()

	// --- HTTP Fetching Components ---
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log)
	fetcher := fetch.NewFetcher(httpClient, logEntry)
	pages := fetch.NewPageReader(fetcher, appCfg.UserAgent, appCfg.MaxDownloadSizeBytes, logEntry)
	pacer := fetch.NewPacer(appCfg.DelayJitter, logEntry)

	engine, err := search.New(appCfg.SearchEngine, search.Options{
		UserAgent: appCfg.UserAgent,
		Fetcher:   fetcher,
		Pacer:     pacer,
		PageDelay: appCfg.SearchDelay,
		MaxBytes:  appCfg.MaxDownloadSizeBytes,
		Log:       logEntry,
	})
	if err != nil {
		log.Errorf("Failed to create search engine: %v", err)
		return 1
	}

	opts := crawler.Options{
		Store:     store,
		Engine:    engine,
		Pages:     pages,
		Extractor: process.NewLinkExtractor(log),
		Pacer:     pacer,
	}
	if appCfg.RespectRobotsTxt {
		opts.Robots = fetch.NewRobotsHandler(fetcher, appCfg.UserAgent, logEntry)
	}

	// --- Notifications ---
	var dispatcher *notify.Dispatcher
	if appCfg.Bot.Enabled {
		notifier := notify.NewTelegramNotifier(appCfg.Bot, httpClient, logEntry)
		dispatcher = notify.NewDispatcher(notifier, appCfg.Bot.QueueSize, logEntry)
		opts.Announcer = dispatcher
		log.Infof("Telegram bot enabled (chat %s, send delay %v)", appCfg.Bot.ChatID, appCfg.Bot.SendDelay)
	} else {
		log.Info("Telegram bot disabled, links are only stored")
	}

	poller, err := crawler.New(appCfg, opts, logEntry)
	if err != nil {
		log.Errorf("Failed to initialize poller: %v", err)
		return 1
	}

	// ===========================================================
	// == Run ==
	// ===========================================================
	// Queued notifications keep sending for DrainTimeout after shutdown starts
	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()
	go func() {
		<-ctx.Done()
		select {
		case <-time.After(notify.DrainTimeout):
			cancelSend()
		case <-sendCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if dispatcher != nil {
			defer dispatcher.Close()
		}
		return poller.Run(gctx)
	})
	if dispatcher != nil {
		g.Go(func() error {
			return dispatcher.Run(sendCtx)
		})
	}
	runErr := g.Wait()

	if total, err := store.CountLinks(context.WithoutCancel(ctx)); err == nil {
		log.Infof("%d links stored in %s", total, appCfg.DatabasePath)
	}

	if runErr != nil {
		log.Errorf("Poller finished with error: %v", runErr)
		return 1
	}
	log.Info("Poller stopped.")
	return 0
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Keywords:%d, Engine:%s, Pages:%d",
		len(appCfg.Keywords), appCfg.SearchEngine, appCfg.SearchPagesToRequest)
	log.Infof("Config Delays: Search:%v, Fetch:%v, Cycle:%v, Jitter:%v",
		appCfg.SearchDelay, appCfg.FetchDelay, appCfg.CycleDelay, appCfg.DelayJitter)
	log.Infof("Config Storage: Driver:%s, Path:%s, SkipProcessed:%t, URLQueue:%t (batch %d)",
		appCfg.StorageDriver, appCfg.DatabasePath, appCfg.ShouldSkipProcessedURLs(), appCfg.URLQueueEnabled(), appCfg.QueueBatchSize)
	log.Infof("Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, MaxDownload:%d bytes, Robots:%t",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.MaxDownloadSizeBytes, appCfg.RespectRobotsTxt)
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", defaultConfigPath, "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: telescraper validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doValidate(*configFile, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: %d keywords, engine %s, storage %s (%s)\n",
		len(appCfg.Keywords), appCfg.SearchEngine, appCfg.StorageDriver, appCfg.DatabasePath)
	if appCfg.Bot.Enabled {
		fmt.Fprintf(stdout, "OK: bot enabled for chat %s\n", appCfg.Bot.ChatID)
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runLinks handles the links subcommand
func runLinks(args []string) {
	fs := flag.NewFlagSet("links", flag.ExitOnError)
	configFile := fs.String("config", defaultConfigPath, "Path to config file")
	keyword := fs.String("keyword", "", "Only links found for this keyword ('queued' for URL queue finds)")
	limit := fs.Int("limit", storage.DefaultListLimit, "Maximum number of links, newest first")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: telescraper links [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	exitCode := doLinks(*configFile, flagWasSet(fs, "config"), *keyword, *limit, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doLinks prints stored links as tab-separated rows, newest first.
// Returns exit code (0 = success, 1 = error).
func doLinks(configPath string, explicitConfig bool, keyword string, limit int, stdout, stderr io.Writer) int {
	appCfg, _, err := loadConfig(configPath, explicitConfig)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	log := logrus.New()
	log.SetOutput(stderr)
	log.SetLevel(logrus.WarnLevel)

	ctx := context.Background()
	store, err := storage.Open(ctx, appCfg.StorageDriver, appCfg.DatabasePath, log.WithField("component", "links"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	records, err := store.ListLinks(ctx, models.LinkFilter{Keyword: keyword, Limit: limit})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "discovered_at\tkeyword\tlink\tsource_url")
	for _, rec := range records {
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n",
			rec.DiscoveredAt.Format(time.RFC3339), rec.Keyword, rec.Link, rec.SourceURL)
	}
	return 0
}
