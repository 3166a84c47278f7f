package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/ircfeedbot/parse"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// WHAT: a full config compiles with defaults layered under per-feed
// settings and all expression kinds compiled.
// WHY: the whole pipeline trusts compiled feed configs; a silent
// mis-layering here shows up as wrong behavior everywhere downstream.
func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
host: irc.libera.chat
ssl_port: 6697
nick: feedbot
mode: "+igR"
admin: "admin!*@user/admin*"
mirror: "#mirror"
publish:
  github: example/feed-archive
defaults:
  new: none
  shorten: false
feeds:
  "#chan":
    plain:
      url: https://example.com/feed.xml
    rich:
      url:
        - https://example.com/a.xml
        - https://example.com/b.xml
      period: 0.5
      new: all
      shorten: true
      dedup: feed
      group: tech
      https: true
      www: false
      blacklist:
        title:
          - foo
          - [bar, baz]
      whitelist:
        explain: true
        url: example\.com
      sub:
        title:
          pattern: "^Re: "
          repl: ""
      format:
        re:
          url: "id=(?P<id>\\d+)"
        str:
          title: "{title} ({id})"
      topic:
        v: "release/(\\d+)"
      alerts:
        read: false
      style:
        name:
          fg: red
          bold: true
      message:
        summary: true
    scraped:
      url: https://example.com/page
      html:
        select: li.item
        link: a
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Host != "irc.libera.chat" || cfg.SSLPort != 6697 || cfg.Nick != "feedbot" {
		t.Errorf("connection = %s:%d %s", cfg.Host, cfg.SSLPort, cfg.Nick)
	}
	if cfg.AlertsChannel != "##feedbot-alerts" {
		t.Errorf("alerts channel = %q", cfg.AlertsChannel)
	}
	if _, ok := cfg.Feeds["##feedbot-alerts"]; !ok {
		t.Error("alerts channel not added as a scope")
	}
	if !cfg.IsAdmin("admin!x@user/admin/bot") {
		t.Error("admin glob rejected matching identity")
	}
	if cfg.IsAdmin("mallory!x@host") {
		t.Error("admin glob accepted non-matching identity")
	}

	plain := cfg.Feeds["#chan"]["plain"]
	if plain.New != "none" || plain.Shorten {
		t.Errorf("defaults not layered: new=%q shorten=%v", plain.New, plain.Shorten)
	}
	if plain.Parser != parse.KindSyndication {
		t.Errorf("default parser = %v", plain.Parser)
	}
	if plain.PeriodHours != PeriodHoursDefault {
		t.Errorf("default period = %v", plain.PeriodHours)
	}
	if !plain.AlertRead || !plain.AlertEmpty || !plain.MessageTitle || plain.MessageSummary {
		t.Error("per-feed defaults wrong")
	}

	rich := cfg.Feeds["#chan"]["rich"]
	if len(rich.URLs) != 2 {
		t.Errorf("urls = %v", rich.URLs)
	}
	if rich.PeriodHours != 0.5 || rich.New != "all" || !rich.Shorten || rich.Dedup != "feed" {
		t.Errorf("overrides not applied: %+v", rich)
	}
	if !rich.HTTPS || !rich.StripWWW {
		t.Error("https/www flags not compiled")
	}
	if rich.Block == nil || len(rich.Block.Title) != 3 {
		t.Errorf("blacklist patterns = %+v", rich.Block)
	}
	if rich.Allow == nil || len(rich.Allow.URL) != 1 || !rich.Explain {
		t.Errorf("whitelist = %+v explain=%v", rich.Allow, rich.Explain)
	}
	if rich.Sub == nil || rich.Sub.Title == nil || rich.Sub.Title.Pattern.String() != "^Re: " {
		t.Errorf("sub = %+v", rich.Sub)
	}
	if rich.Format == nil || rich.Format.Title != "{title} ({id})" || rich.Format.Re["url"] == nil {
		t.Errorf("format = %+v", rich.Format)
	}
	if len(rich.Topic) != 1 || rich.Topic[0].Key != "v" {
		t.Errorf("topic = %+v", rich.Topic)
	}
	if rich.AlertRead || !rich.AlertEmpty {
		t.Errorf("alerts = read:%v empty:%v", rich.AlertRead, rich.AlertEmpty)
	}
	if rich.Style == nil || rich.Style.Fg != "red" || !rich.Style.Bold {
		t.Errorf("style = %+v", rich.Style)
	}
	if !rich.MessageSummary {
		t.Error("message.summary not compiled")
	}
	if rich.Group != "tech" {
		t.Errorf("group = %q", rich.Group)
	}

	scraped := cfg.Feeds["#chan"]["scraped"]
	if scraped.Parser != parse.KindHTML || scraped.Selection.Select != "li.item" || scraped.Selection.Link != "a" {
		t.Errorf("html parser selection = %v %+v", scraped.Parser, scraped.Selection)
	}
}

// WHAT: legacy parser keys select the equivalent parser.
// WHY: existing configs written for the older selector names keep
// working after the selector languages changed.
func TestLoadConfigParserAliases(t *testing.T) {
	path := writeConfig(t, `
host: irc.example.org
nick: bot
feeds:
  "#c":
    a:
      url: https://e.com/1
      jmes: "items[]"
    b:
      url: https://e.com/2
      pandas:
        select: "link=URL"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if kind := cfg.Feeds["#c"]["a"].Parser; kind != parse.KindJMESPath {
		t.Errorf("jmes alias = %v", kind)
	}
	if kind := cfg.Feeds["#c"]["b"].Parser; kind != parse.KindCSV {
		t.Errorf("pandas alias = %v", kind)
	}
}

// WHAT: every problem in a broken config is reported in one error.
// WHY: operators fix the file once, not once per restart.
func TestLoadConfigCollectsProblems(t *testing.T) {
	path := writeConfig(t, `
nick: bot
admin: "a[!b"
feeds:
  "#c":
    broken:
      period: -2
      dedup: sometimes
      blacklist:
        title: "("
      jmespath: ""
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("broken config accepted")
	}
	msg := err.Error()
	for _, want := range []string{
		"host is required",
		"url is required",
		"period",
		"dedup",
		"blacklist.title",
		"select expression is required",
		"admin",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error does not mention %q:\n%s", want, msg)
		}
	}
}

// WHAT: Leaves flattens nested mappings and sequences to unique scalar
// values, skipping nulls.
// WHY: block and allow lists are written as arbitrarily nested YAML
// groupings purely for the operator's readability.
func TestLeaves(t *testing.T) {
	struct_ := map[string]any{
		"k0": nil,
		"k1": "v1",
		"k2": []any{"v0", nil, "v1"},
		"k3": []any{"v0", []any{"v2", nil, []any{"v3"}}},
		"k4": map[string]any{"k0": nil},
		"k5": map[string]any{"k1": map[string]any{"k2": "v4"}},
	}
	got := Leaves(struct_)
	want := map[string]bool{"v0": true, "v1": true, "v2": true, "v3": true, "v4": true}
	if len(got) != len(want) {
		t.Fatalf("leaves = %v, want %v", got, want)
	}
	for _, v := range got {
		if !want[v] {
			t.Errorf("unexpected leaf %q", v)
		}
	}
}

// WHAT: matching checks title patterns, then URL patterns, then
// category patterns, reporting which key matched.
// WHY: explain mode emphasizes the matched title span, so the key
// distinction is user-visible.
func TestPatternListMatch(t *testing.T) {
	pl := compileTestList(t, map[string]any{
		"title":    "go",
		"url":      `example\.org`,
		"category": "news",
	})

	key, re := pl.Match("all about go", "https://other.net/x", nil)
	if key != "title" || re == nil {
		t.Errorf("title match = %q %v", key, re)
	}
	key, _ = pl.Match("nothing", "https://example.org/x", nil)
	if key != "url" {
		t.Errorf("url match = %q", key)
	}
	key, _ = pl.Match("nothing", "https://other.net/x", []string{"sports", "news"})
	if key != "category" {
		t.Errorf("category match = %q", key)
	}
	key, re = pl.Match("nothing", "https://other.net/x", []string{"sports"})
	if key != "" || re != nil {
		t.Errorf("no-match = %q %v", key, re)
	}
}

func compileTestList(t *testing.T, m map[string]any) *PatternList {
	t.Helper()
	var problems []string
	pl := compilePatternList(m, "test", func(format string, args ...any) {
		problems = append(problems, format)
	})
	if len(problems) != 0 {
		t.Fatalf("compile problems: %v", problems)
	}
	return pl
}

// WHAT: derived feed values honor the floors: period is clamped, idle
// wait vanishes at the floor, and the new-feed cap follows policy.
// WHY: these derived values drive the scheduler and poster loops.
func TestFeedDerived(t *testing.T) {
	defer func(env string) { Env = env }(Env)
	Env = "prod"

	fast := &Feed{PeriodHours: 0.1, New: "some"}
	if fast.Period() != time.Duration(0.2*float64(time.Hour)) {
		t.Errorf("floored period = %v", fast.Period())
	}
	if fast.MinIdle() != 0 {
		t.Errorf("minIdle at floor = %v, want 0", fast.MinIdle())
	}
	if fast.MaxPostsIfNew() != 3 {
		t.Errorf("maxPostsIfNew(some) = %d", fast.MaxPostsIfNew())
	}

	slow := &Feed{PeriodHours: 2, New: "all"}
	if slow.Period() != 2*time.Hour {
		t.Errorf("period = %v", slow.Period())
	}
	if slow.MinIdle() != MinChannelIdleTime() {
		t.Errorf("minIdle = %v", slow.MinIdle())
	}
	if slow.MaxPostsIfNew() >= 0 {
		t.Errorf("maxPostsIfNew(all) = %d, want unlimited", slow.MaxPostsIfNew())
	}
	if slow.RepeatAlertInterval() != 2*time.Hour {
		t.Errorf("repeat alert interval = %v", slow.RepeatAlertInterval())
	}

	none := &Feed{PeriodHours: 1, New: "none"}
	if none.MaxPostsIfNew() != 0 {
		t.Errorf("maxPostsIfNew(none) = %d", none.MaxPostsIfNew())
	}
	if none.RepeatAlertInterval() != time.Hour {
		t.Errorf("repeat alert interval floor = %v", none.RepeatAlertInterval())
	}

	if lo, hi := slow.PeriodMin(), slow.PeriodMax(); lo >= slow.Period() || hi <= slow.Period() {
		t.Errorf("jitter bounds = %v..%v around %v", lo, hi, slow.Period())
	}
}
