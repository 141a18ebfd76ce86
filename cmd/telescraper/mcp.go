package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/mcp"
	"github.com/Sriram-PR/telescraper/pkg/storage"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", defaultConfigPath, "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: telescraper mcp-server [options]

Start an MCP (Model Context Protocol) server over the stored links.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport
  telescraper mcp-server -config config.yaml

  # Start with SSE transport on port 8080
  telescraper mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_keywords  List configured keywords with stored link counts
  search_links   Search stored links by substring and keyword
  link_stats     Total links, per-keyword counts and URL queue length
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := doMcpServer(ctx, *configFile, flagWasSet(fs, "config"), *transport, *port, *logLevel, os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

// doMcpServer is the testable implementation of the MCP server
func doMcpServer(ctx context.Context, configPath string, explicitConfig bool, transport string, port int, logLevel string, stdout, stderr io.Writer) int {
	// Setup logger
	log := logrus.New()
	log.SetOutput(stderr) // MCP protocol uses stdout, logs go to stderr
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid log level: %s\n", logLevel)
		return 1
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	// Load config
	appCfg, warnings, err := loadConfig(configPath, explicitConfig)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	store, err := storage.Open(ctx, appCfg.StorageDriver, appCfg.DatabasePath, log.WithField("component", "mcp"))
	if err != nil {
		fmt.Fprintf(stderr, "Error opening link store: %v\n", err)
		return 1
	}
	defer store.Close()

	// Create and run MCP server
	serverCfg := &mcp.ServerConfig{
		AppConfig: appCfg,
		Store:     store,
		Transport: transport,
		Port:      port,
		Logger:    log,
	}

	server, err := mcp.NewServer(serverCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	log.Infof("Starting MCP server (transport: %s)", transport)

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}

	return 0
}
