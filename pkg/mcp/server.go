package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/config"
	"github.com/Sriram-PR/telescraper/pkg/storage"
)

const (
	serverName    = "telescraper"
	serverVersion = "1.0.0"

	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

// LinkSource is the read side of the link store the tools query
type LinkSource interface {
	storage.LinkReader
	QueueLength(ctx context.Context) (int, error)
}

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig *config.AppConfig
	Store     LinkSource
	Transport string // "stdio" or "sse"
	Port      int
	Logger    *logrus.Logger
}

// Server exposes the stored links as read-only MCP tools
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	log       *logrus.Entry
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "mcp"),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	listKeywordsTool := mcp.NewTool("list_keywords",
		mcp.WithDescription("List the configured search keywords and how many links each has produced"),
	)
	s.mcpServer.AddTool(listKeywordsTool, s.handleListKeywords)

	searchLinksTool := mcp.NewTool("search_links",
		mcp.WithDescription("Search stored Telegram links, newest first"),
		mcp.WithString("query",
			mcp.Description("Substring to match against the link or its source page URL (optional)"),
		),
		mcp.WithString("keyword",
			mcp.Description("Only links discovered for this keyword; use 'queued' for links found via the URL queue (optional)"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of links to return (default: %d, max: %d)", defaultSearchLimit, maxSearchLimit)),
		),
	)
	s.mcpServer.AddTool(searchLinksTool, s.handleSearchLinks)

	linkStatsTool := mcp.NewTool("link_stats",
		mcp.WithDescription("Total stored links, per-keyword counts and URL queue length"),
	)
	s.mcpServer.AddTool(linkStatsTool, s.handleLinkStats)

	s.log.Infof("Registered %d MCP tools", 3)
}

// Run starts the MCP server with the configured transport and blocks.
// The SSE transport shuts down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	switch s.cfg.Transport {
	case "stdio", "":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)

		errCh := make(chan error, 1)
		go func() { errCh <- sseServer.Start(addr) }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			s.log.Info("Shutting down MCP server...")
			return sseServer.Shutdown(context.WithoutCancel(ctx))
		}
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}
