package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ircfeedbot/kit"
)

// RegisterMCP registers the bot's ops tools on an MCP server. Every
// tool is read-only against the bot; none of them posts to IRC.
func (b *Bot) RegisterMCP(srv *mcp.Server) {
	b.registerListChannels(srv)
	b.registerListFeeds(srv)
	b.registerStats(srv)
	b.registerSearch(srv)
	b.registerCheckFeed(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool wires the shared middleware spine around a tool
// endpoint before handing it to the transport binding.
func (b *Bot) registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	wrapped := kit.Chain(kit.Logging(nil, tool.Name), kit.Recover())(endpoint)
	kit.RegisterMCPTool(srv, tool, wrapped, decode)
}

// decodeNone accepts any arguments and passes nothing to the endpoint,
// for tools without parameters.
func decodeNone(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{}, nil
}

func (b *Bot) registerListChannels(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "feedbot_list_channels",
		Description: "List the channels the bot occupies, with join state, topic, last activity, and queue depth",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return b.ChannelStates(), nil
	}

	b.registerTool(srv, tool, endpoint, decodeNone)
}

func (b *Bot) registerListFeeds(srv *mcp.Server) {
	type req struct {
		Scope string `json:"scope"`
	}

	tool := &mcp.Tool{
		Name:        "feedbot_list_feeds",
		Description: "List configured feeds with their reader state, optionally filtered by channel",
		InputSchema: inputSchema(map[string]any{
			"scope": map[string]any{"type": "string", "description": "Channel to filter by, e.g. #tech"},
		}, nil),
	}

	endpoint := func(_ context.Context, r any) (any, error) {
		p := r.(*req)
		states := b.FeedStates()
		if p.Scope == "" {
			return states, nil
		}
		var filtered []FeedState
		for _, st := range states {
			if st.Scope == p.Scope {
				filtered = append(filtered, st)
			}
		}
		return filtered, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		p := &req{}
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: p}, nil
	}

	b.registerTool(srv, tool, endpoint, decode)
}

func (b *Bot) registerStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "feedbot_stats",
		Description: "Get the bot's lifetime counters: feeds read, entries listed and posted, messages sent, alerts, fetch approaches",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		if b.rec == nil {
			return nil, errors.New("bot: stats not enabled")
		}
		return b.rec.Counters(ctx)
	}

	b.registerTool(srv, tool, endpoint, decodeNone)
}

func (b *Bot) registerSearch(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
	}
	type resp struct {
		Query string   `json:"query"`
		Lines []string `json:"lines"`
	}

	tool := &mcp.Tool{
		Name:        "feedbot_search",
		Description: "Search the published archive with GitHub code-search syntax; returns the reply lines an IRC user would see",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
		}, []string{"query"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if b.searcher == nil {
			return nil, errors.New("bot: search not configured")
		}
		return &resp{Query: p.Query, Lines: b.searcher.Respond(ctx, p.Query)}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		if p.Query == "" {
			return nil, fmt.Errorf("query is required")
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	b.registerTool(srv, tool, endpoint, decode)
}

func (b *Bot) registerCheckFeed(srv *mcp.Server) {
	type req struct {
		Scope string `json:"scope"`
		Name  string `json:"name"`
	}

	tool := &mcp.Tool{
		Name:        "feedbot_check_feed",
		Description: "Read a configured feed immediately and report entry and dedup counts without posting anything",
		InputSchema: inputSchema(map[string]any{
			"name":  map[string]any{"type": "string", "description": "Feed name"},
			"scope": map[string]any{"type": "string", "description": "Channel, when the name is ambiguous"},
		}, []string{"name"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return b.CheckFeed(ctx, p.Scope, p.Name)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("name is required")
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	b.registerTool(srv, tool, endpoint, decode)
}
