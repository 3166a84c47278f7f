package bot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "ircfeedbot-test", Version: "0.1.0"}

// mcpSession connects an in-memory MCP client to a server carrying the
// bot's tools.
func mcpSession(t *testing.T, b *Bot) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	b.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

// mcpCallToolErr is mcpCallTool for calls expected to fail at the tool
// level: the protocol call must succeed, the result must carry an error.
func mcpCallToolErr(t *testing.T, session *mcp.ClientSession, name string, args any) error {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	terr := result.GetError()
	if terr == nil {
		t.Fatalf("CallTool(%s): expected tool error", name)
	}
	return terr
}

// WHAT: the MCP server advertises exactly the five feedbot tools.
// WHY: automation discovers the surface via tools/list; a missing or
// misnamed tool breaks clients silently.
func TestMCPToolList(t *testing.T) {
	b, _ := handlerBot(t, cfgBasic)
	session := mcpSession(t, b)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	want := map[string]bool{
		"feedbot_list_channels": true,
		"feedbot_list_feeds":    true,
		"feedbot_stats":         true,
		"feedbot_search":        true,
		"feedbot_check_feed":    true,
	}
	for _, tool := range res.Tools {
		if !want[tool.Name] {
			t.Errorf("unexpected tool %q", tool.Name)
		}
		delete(want, tool.Name)
	}
	for name := range want {
		t.Errorf("missing tool %q", name)
	}
}

// WHAT: feedbot_list_channels returns the channel snapshots as JSON.
// WHY: the tool is the remote version of /feeds triage; it must see
// the same join state the handlers maintain.
func TestMCPListChannels(t *testing.T) {
	b, _ := handlerBot(t, cfgBasic)
	session := mcpSession(t, b)

	text := mcpCallTool(t, session, "feedbot_list_channels", map[string]any{})
	var states []ChannelState
	if err := json.Unmarshal([]byte(text), &states); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	byScope := map[string]ChannelState{}
	for _, st := range states {
		byScope[st.Scope] = st
	}
	if st, ok := byScope["#tech"]; !ok || !st.Joined {
		t.Fatalf("#tech state: %+v, present %v", st, ok)
	}
	if st, ok := byScope["#alerts"]; !ok || !st.Joined {
		t.Fatalf("#alerts state: %+v, present %v", st, ok)
	}
}

// WHAT: feedbot_list_feeds returns all feeds, and a scope argument
// filters them.
// WHY: multi-channel deployments need per-channel views; the filter
// must not leak feeds across scopes.
func TestMCPListFeeds(t *testing.T) {
	b, _ := handlerBot(t, cfgBasic)
	session := mcpSession(t, b)

	text := mcpCallTool(t, session, "feedbot_list_feeds", map[string]any{})
	var states []FeedState
	if err := json.Unmarshal([]byte(text), &states); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(states) != 1 || states[0].Name != "job" || states[0].Scope != "#tech" {
		t.Fatalf("feed states: %+v", states)
	}

	text = mcpCallTool(t, session, "feedbot_list_feeds", map[string]any{"scope": "#nowhere"})
	states = nil
	if err := json.Unmarshal([]byte(text), &states); err != nil {
		t.Fatalf("unmarshal filtered: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("filter leaked feeds: %+v", states)
	}
}

// WHAT: feedbot_check_feed probes a feed through the tool surface
// without posting anything to IRC.
// WHY: the probe is the remote diagnostic for a quiet feed; a probe
// that announced entries would be worse than no probe.
func TestMCPCheckFeed(t *testing.T) {
	b, client := handlerBot(t, cfgBasic)
	b.fetcher.(*fakeFetcher).set("https://feeds.test/jobs.xml", rssBody(
		item{"E1", "https://x.test/1"},
	))
	session := mcpSession(t, b)

	text := mcpCallTool(t, session, "feedbot_check_feed", map[string]any{"name": "job"})
	var res CheckResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Feed != "job" || res.Entries != 1 || res.Unposted != 1 {
		t.Fatalf("probe result: %+v", res)
	}
	if got := len(client.messagesTo("#tech")); got != 0 {
		t.Fatalf("probe posted %d messages", got)
	}
}

// WHAT: tools fail as tool errors, not protocol errors, when their
// collaborator is absent or the arguments are bad.
// WHY: a protocol failure tears down the session; a tool error tells
// the caller what to fix and leaves the session alive.
func TestMCPToolErrors(t *testing.T) {
	b, _ := handlerBot(t, cfgBasic) // no stats recorder, no searcher
	session := mcpSession(t, b)

	mcpCallToolErr(t, session, "feedbot_stats", map[string]any{})
	mcpCallToolErr(t, session, "feedbot_search", map[string]any{"query": "golang"})
	mcpCallToolErr(t, session, "feedbot_check_feed", map[string]any{})
	mcpCallToolErr(t, session, "feedbot_check_feed", map[string]any{"name": "nope"})

	// The session survived all of it.
	if _, err := session.ListTools(context.Background(), nil); err != nil {
		t.Fatalf("session died after tool errors: %v", err)
	}
}
