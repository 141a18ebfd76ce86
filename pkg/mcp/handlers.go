package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Sriram-PR/telescraper/pkg/models"
)

// handleListKeywords handles the list_keywords tool
func (s *Server) handleListKeywords(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counts, err := s.cfg.Store.CountByKeyword(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count links: %v", err)), nil
	}
	byKeyword := make(map[string]int, len(counts))
	for _, kc := range counts {
		byKeyword[kc.Keyword] = kc.Count
	}

	keywords := make([]map[string]interface{}, 0, len(s.cfg.AppConfig.Keywords))
	configured := make(map[string]bool, len(s.cfg.AppConfig.Keywords))
	for _, kw := range s.cfg.AppConfig.Keywords {
		configured[kw] = true
		keywords = append(keywords, map[string]interface{}{
			"keyword":    kw,
			"links":      byKeyword[kw],
			"configured": true,
		})
	}
	// Keywords removed from the config (and "queued") still own stored links
	for _, kc := range counts {
		if configured[kc.Keyword] {
			continue
		}
		keywords = append(keywords, map[string]interface{}{
			"keyword":    kc.Keyword,
			"links":      kc.Count,
			"configured": false,
		})
	}

	result := map[string]interface{}{
		"keywords":      keywords,
		"search_engine": s.cfg.AppConfig.SearchEngine,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleSearchLinks handles the search_links tool
func (s *Server) handleSearchLinks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := strings.TrimSpace(request.GetString("query", ""))
	keyword := strings.TrimSpace(request.GetString("keyword", ""))
	limit := request.GetInt("limit", defaultSearchLimit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	startTime := time.Now()
	records, err := s.cfg.Store.ListLinks(ctx, models.LinkFilter{
		Keyword:  keyword,
		Contains: query,
		Limit:    limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to search links: %v", err)), nil
	}

	links := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		links = append(links, map[string]interface{}{
			"link":          rec.Link,
			"source_url":    rec.SourceURL,
			"keyword":       rec.Keyword,
			"discovered_at": rec.DiscoveredAt.Format(time.RFC3339),
		})
	}

	result := map[string]interface{}{
		"query":          query,
		"keyword":        keyword,
		"links":          links,
		"total_results":  len(links),
		"limit":          limit,
		"search_time_ms": time.Since(startTime).Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleLinkStats handles the link_stats tool
func (s *Server) handleLinkStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	total, err := s.cfg.Store.CountLinks(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count links: %v", err)), nil
	}
	counts, err := s.cfg.Store.CountByKeyword(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count links: %v", err)), nil
	}
	queued, err := s.cfg.Store.QueueLength(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read queue length: %v", err)), nil
	}

	result := map[string]interface{}{
		"total_links":  total,
		"by_keyword":   counts,
		"queue_length": queued,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
