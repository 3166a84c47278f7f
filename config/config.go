// CLAUDE:SUMMARY Instance configuration: YAML tree -> compiled per-feed configs with defaults layering, regex/glob compilation, and whole-file validation.
// CLAUDE:EXPORTS Instance, Feed, PatternList, Sub, SubRule, Format, Style, TopicRule, LoadConfig, Leaves
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ircfeedbot/parse"
)

// Instance is the compiled process configuration.
type Instance struct {
	Host          string
	SSLPort       int
	Nick          string
	Mode          string
	SSLVerify     bool
	AlertsChannel string
	Admin         string
	Mirror        string
	Once          bool
	LogIRC        bool
	Publish       map[string]string
	Feeds         map[string]map[string]*Feed
	Dir           string

	adminGlob glob.Glob
}

// Feed is one compiled feed configuration, defaults already applied.
type Feed struct {
	Scope string
	Name  string

	URLs        []string
	PeriodHours float64
	Parser      parse.Kind
	Selection   parse.Selection

	Block   *PatternList
	Allow   *PatternList
	Explain bool

	HTTPS    bool
	StripWWW bool
	Sub      *Sub
	Format   *Format

	Dedup   string
	New     string
	Shorten bool
	Group   string
	Topic   []TopicRule

	AlertRead  bool
	AlertEmpty bool

	Style          *Style
	MessageTitle   bool
	MessageSummary bool
}

// PatternList holds the compiled patterns of a block or allow list.
type PatternList struct {
	Title    []*regexp.Regexp
	URL      []*regexp.Regexp
	Category []*regexp.Regexp
}

// Match returns the key name and first pattern matching the entry
// values, checking title, then URL, then each category.
func (pl *PatternList) Match(title, longURL string, categories []string) (string, *regexp.Regexp) {
	for _, re := range pl.Title {
		if re.MatchString(title) {
			return "title", re
		}
	}
	for _, re := range pl.URL {
		if re.MatchString(longURL) {
			return "url", re
		}
	}
	for _, re := range pl.Category {
		for _, c := range categories {
			if re.MatchString(c) {
				return "category", re
			}
		}
	}
	return "", nil
}

// Sub holds per-attribute substitution rules.
type Sub struct {
	Title   *SubRule
	URL     *SubRule
	Summary *SubRule
}

// SubRule is one regex replacement.
type SubRule struct {
	Pattern *regexp.Regexp
	Repl    string
}

// Format holds per-attribute extraction regexes and format templates.
type Format struct {
	Re    map[string]*regexp.Regexp
	Title string
	URL   string
}

// Style styles the feed-name prefix of posted messages.
type Style struct {
	Fg      string
	Bg      string
	Bold    bool
	Italics bool
}

// TopicRule derives one topic segment from the posted entry's URL.
type TopicRule struct {
	Key string
	Re  *regexp.Regexp
}

type rawInstance struct {
	Host          string `yaml:"host"`
	SSLPort       int    `yaml:"ssl_port"`
	Nick          string `yaml:"nick"`
	Mode          string `yaml:"mode"`
	SSLVerify     *bool  `yaml:"ssl_verify"`
	AlertsChannel string `yaml:"alerts_channel"`
	Admin         string `yaml:"admin"`
	Mirror        string `yaml:"mirror"`
	Once          bool   `yaml:"once"`
	Log           struct {
		IRC bool `yaml:"irc"`
	} `yaml:"log"`
	Defaults map[string]any                       `yaml:"defaults"`
	Publish  map[string]string                    `yaml:"publish"`
	Feeds    map[string]map[string]map[string]any `yaml:"feeds"`
}

// LoadConfig reads and compiles a YAML config file. All problems in the
// file are reported together in one error.
func LoadConfig(path string) (*Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var raw rawInstance
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return compile(&raw, filepath.Dir(path))
}

func compile(raw *rawInstance, dir string) (*Instance, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	inst := &Instance{
		Host:      raw.Host,
		SSLPort:   raw.SSLPort,
		Nick:      raw.Nick,
		Mode:      raw.Mode,
		SSLVerify: raw.SSLVerify == nil || *raw.SSLVerify,
		Admin:     raw.Admin,
		Mirror:    raw.Mirror,
		Once:      raw.Once,
		LogIRC:    raw.Log.IRC,
		Publish:   raw.Publish,
		Dir:       dir,
	}
	if inst.Host == "" {
		addf("host is required")
	}
	if inst.Nick == "" {
		addf("nick is required")
	}
	if inst.SSLPort == 0 {
		inst.SSLPort = 6697
	}
	if raw.Admin != "" {
		g, err := glob.Compile(raw.Admin)
		if err != nil {
			addf("admin: bad glob %q: %v", raw.Admin, err)
		} else {
			inst.adminGlob = g
		}
	}

	format := raw.AlertsChannel
	if format == "" {
		format = AlertsChannelFormatDefault
	}
	inst.AlertsChannel = strings.ReplaceAll(format, "{nick}", raw.Nick)

	defaults := map[string]any{"new": "some", "shorten": true}
	for k, v := range raw.Defaults {
		defaults[k] = v
	}

	inst.Feeds = make(map[string]map[string]*Feed, len(raw.Feeds)+1)
	for scope, feedsRaw := range raw.Feeds {
		compiled := make(map[string]*Feed, len(feedsRaw))
		for name, body := range feedsRaw {
			merged := make(map[string]any, len(defaults)+len(body))
			for k, v := range defaults {
				merged[k] = v
			}
			for k, v := range body {
				merged[k] = v
			}
			compiled[name] = compileFeed(scope, name, merged, addf)
		}
		inst.Feeds[scope] = compiled
	}
	// The alerts channel is a joined scope like any other.
	if _, ok := inst.Feeds[inst.AlertsChannel]; !ok {
		inst.Feeds[inst.AlertsChannel] = map[string]*Feed{}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("config: %d problems:\n  %s", len(problems), strings.Join(problems, "\n  "))
	}
	return inst, nil
}

// parserKeys are searched in order; the first present key selects the
// parser. hext, jmes, and pandas are accepted as aliases from older
// configs.
var parserKeys = []struct {
	key  string
	kind parse.Kind
}{
	{"csv", parse.KindCSV},
	{"hext", parse.KindHTML},
	{"html", parse.KindHTML},
	{"jmes", parse.KindJMESPath},
	{"jmespath", parse.KindJMESPath},
	{"pandas", parse.KindCSV},
}

func compileFeed(scope, name string, merged map[string]any, addf func(string, ...any)) *Feed {
	at := fmt.Sprintf("feeds.%s.%s", scope, name)
	errf := func(format string, args ...any) {
		addf(at+": "+format, args...)
	}

	f := &Feed{
		Scope:        scope,
		Name:         name,
		PeriodHours:  PeriodHoursDefault,
		Parser:       parse.KindSyndication,
		Dedup:        DedupDefault,
		New:          "some",
		Shorten:      true,
		AlertRead:    true,
		AlertEmpty:   true,
		MessageTitle: true,
	}

	f.URLs = stringList(merged["url"])
	if len(f.URLs) == 0 {
		errf("url is required")
	}

	if v, ok := merged["period"]; ok {
		if p, ok := floatValue(v); ok && p > 0 {
			f.PeriodHours = p
		} else {
			errf("period: want positive hours, got %v", v)
		}
	}

	for _, pk := range parserKeys {
		v, ok := merged[pk.key]
		if !ok || v == nil {
			continue
		}
		f.Parser = pk.kind
		switch v := v.(type) {
		case string:
			f.Selection = parse.Selection{Select: v}
		case map[string]any:
			f.Selection = parse.Selection{
				Select:   stringValue(v["select"]),
				Follow:   stringValue(v["follow"]),
				Title:    stringValue(v["title"]),
				Link:     stringValue(v["link"]),
				Summary:  stringValue(v["summary"]),
				Category: stringValue(v["category"]),
			}
		default:
			errf("%s: want selector string or mapping, got %T", pk.key, v)
		}
		break
	}
	switch f.Parser {
	case parse.KindJMESPath, parse.KindHTML:
		if f.Selection.Select == "" {
			errf("%s: select expression is required", f.Parser)
		}
	}

	if m, ok := mapValue(merged["blacklist"]); ok && len(m) > 0 {
		f.Block = compilePatternList(m, at+".blacklist", addf)
	}
	if m, ok := mapValue(merged["whitelist"]); ok && len(m) > 0 {
		f.Allow = compilePatternList(m, at+".whitelist", addf)
		f.Explain = boolValue(m["explain"], false)
	}

	f.HTTPS = boolValue(merged["https"], false)
	if v, ok := merged["www"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			f.StripWWW = true
		}
	}

	if m, ok := mapValue(merged["sub"]); ok && len(m) > 0 {
		f.Sub = &Sub{
			Title:   compileSubRule(m["title"], at+".sub.title", addf),
			URL:     compileSubRule(m["url"], at+".sub.url", addf),
			Summary: compileSubRule(m["summary"], at+".sub.summary", addf),
		}
	}

	if m, ok := mapValue(merged["format"]); ok && len(m) > 0 {
		fo := &Format{Re: map[string]*regexp.Regexp{}}
		if re, ok := mapValue(m["re"]); ok {
			for _, k := range sortedKeys(re) {
				s, isStr := re[k].(string)
				if !isStr {
					errf("format.re.%s: want regex string, got %T", k, re[k])
					continue
				}
				rx, err := regexp.Compile(s)
				if err != nil {
					errf("format.re.%s: %v", k, err)
					continue
				}
				fo.Re[k] = rx
			}
		}
		if str, ok := mapValue(m["str"]); ok {
			fo.Title = stringValue(str["title"])
			fo.URL = stringValue(str["url"])
		}
		f.Format = fo
	}

	if v, ok := merged["dedup"]; ok {
		switch s := stringValue(v); s {
		case "channel", "feed":
			f.Dedup = s
		default:
			errf("dedup: want channel or feed, got %q", s)
		}
	}
	if v, ok := merged["new"]; ok {
		switch s := stringValue(v); s {
		case "none", "some", "all":
			f.New = s
		default:
			errf("new: want none, some, or all, got %q", s)
		}
	}
	f.Shorten = boolValue(merged["shorten"], true)
	f.Group = stringValue(merged["group"])

	if m, ok := mapValue(merged["topic"]); ok {
		for _, k := range sortedKeys(m) {
			s, isStr := m[k].(string)
			if !isStr {
				errf("topic.%s: want regex string, got %T", k, m[k])
				continue
			}
			rx, err := regexp.Compile(s)
			if err != nil {
				errf("topic.%s: %v", k, err)
				continue
			}
			f.Topic = append(f.Topic, TopicRule{Key: k, Re: rx})
		}
	}

	if m, ok := mapValue(merged["alerts"]); ok {
		f.AlertRead = boolValue(m["read"], true)
		f.AlertEmpty = boolValue(m["empty"], true)
	}

	if m, ok := mapValue(merged["style"]); ok {
		if nm, ok := mapValue(m["name"]); ok {
			f.Style = &Style{
				Fg:      stringValue(nm["fg"]),
				Bg:      stringValue(nm["bg"]),
				Bold:    boolValue(nm["bold"], false),
				Italics: boolValue(nm["italics"], false),
			}
		}
	}

	if m, ok := mapValue(merged["message"]); ok {
		f.MessageTitle = boolValue(m["title"], true)
		f.MessageSummary = boolValue(m["summary"], false)
	}

	return f
}

func compilePatternList(m map[string]any, at string, addf func(string, ...any)) *PatternList {
	compileAll := func(key string) []*regexp.Regexp {
		values := Leaves(m[key])
		patterns := make([]*regexp.Regexp, 0, len(values))
		for _, v := range values {
			rx, err := regexp.Compile(v)
			if err != nil {
				addf("%s.%s: %v", at, key, err)
				continue
			}
			patterns = append(patterns, rx)
		}
		return patterns
	}
	return &PatternList{
		Title:    compileAll("title"),
		URL:      compileAll("url"),
		Category: compileAll("category"),
	}
}

func compileSubRule(v any, at string, addf func(string, ...any)) *SubRule {
	m, ok := mapValue(v)
	if !ok || len(m) == 0 {
		return nil
	}
	pattern := stringValue(m["pattern"])
	rx, err := regexp.Compile(pattern)
	if err != nil {
		addf("%s: %v", at, err)
		return nil
	}
	return &SubRule{Pattern: rx, Repl: stringValue(m["repl"])}
}

// Leaves returns the scalar leaf values of arbitrarily nested mappings
// and sequences, excluding nulls, deduplicated. Mapping keys are walked
// in sorted order so the result is deterministic.
func Leaves(v any) []string {
	var out []string
	seen := map[string]struct{}{}
	var walk func(v any)
	walk = func(v any) {
		switch v := v.(type) {
		case nil:
		case map[string]any:
			for _, k := range sortedKeys(v) {
				walk(v[k])
			}
		case []any:
			for _, e := range v {
				walk(e)
			}
		default:
			s := fmt.Sprint(v)
			if _, ok := seen[s]; ok {
				return
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	walk(v)
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringList(v any) []string {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s := stringValue(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func boolValue(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func floatValue(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func mapValue(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// IsAdmin reports whether a nick!user@host identity matches the admin
// glob. No admin configured means no admins.
func (c *Instance) IsAdmin(identity string) bool {
	return c.adminGlob != nil && c.adminGlob.Match(identity)
}

// DBPath is the dedup database location, next to the config file.
func (c *Instance) DBPath() string {
	return filepath.Join(c.Dir, DBFilename)
}

// CacheDir is the on-disk cache root, next to the config file.
func (c *Instance) CacheDir() string {
	return filepath.Join(c.Dir, CacheDirName)
}

// Scopes returns all configured channels sorted, alerts channel
// included.
func (c *Instance) Scopes() []string {
	scopes := make([]string, 0, len(c.Feeds))
	for scope := range c.Feeds {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// AllFeeds returns every compiled feed sorted by scope then name.
func (c *Instance) AllFeeds() []*Feed {
	var feeds []*Feed
	for _, scope := range c.Scopes() {
		names := make([]string, 0, len(c.Feeds[scope]))
		for name := range c.Feeds[scope] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			feeds = append(feeds, c.Feeds[scope][name])
		}
	}
	return feeds
}

// Period is the effective average poll period, floor applied.
func (f *Feed) Period() time.Duration {
	h := f.PeriodHours
	if floor := PeriodHoursMin(); h < floor {
		h = floor
	}
	return time.Duration(h * float64(time.Hour))
}

// PeriodMin and PeriodMax bound the jittered per-cycle period.
func (f *Feed) PeriodMin() time.Duration {
	return time.Duration(float64(f.Period()) * (1 - PeriodJitterPercent/100.0))
}

func (f *Feed) PeriodMax() time.Duration {
	return time.Duration(float64(f.Period()) * (1 + PeriodJitterPercent/100.0))
}

// MinIdle is the required channel quiet time before this feed's
// entries are announced. Zero (skip the wait) when the configured
// period sits at or below the floor, so very-short-period feeds keep
// flowing.
func (f *Feed) MinIdle() time.Duration {
	if f.PeriodHours > PeriodHoursMin() {
		return MinChannelIdleTime()
	}
	return 0
}

// MaxPostsIfNew is the announcement cap for a feed with no dedup
// history; negative means unlimited.
func (f *Feed) MaxPostsIfNew() int {
	return NewFeedPostsMax[f.New]
}

// RepeatAlertInterval is the minimum gap between repeated read-failure
// alerts for this feed.
func (f *Feed) RepeatAlertInterval() time.Duration {
	if p := f.Period(); p > time.Hour {
		return p
	}
	return time.Hour
}

func (f *Feed) String() string {
	return fmt.Sprintf("feed %s of %s", f.Name, f.Scope)
}
