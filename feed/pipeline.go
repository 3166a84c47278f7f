package feed

import (
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/ircfeedbot/config"
)

var htmlStripper = bluemonday.StrictPolicy()

// Process runs the ordered entry pipeline for one feed: block filter,
// allow filter, URL canonicalization, substitution, format templates,
// HTML stripping, typographic normalization, title truncation, and
// order-preserving dedup by long URL. Stages that do not remove
// entries preserve input order, so announcement order equals the
// returned order.
func Process(f *config.Feed, entries []*Entry) []*Entry {
	if f.Block != nil {
		kept := make([]*Entry, 0, len(entries))
		for _, e := range entries {
			if key, _ := f.Block.Match(e.Title, e.LongURL, e.Categories); key == "" {
				kept = append(kept, e)
			}
		}
		slog.Debug("feed: applied block list", "feed", f.String(), "in", len(entries), "kept", len(kept))
		entries = kept
		if len(entries) == 0 {
			return entries
		}
	}

	if f.Allow != nil {
		kept := make([]*Entry, 0, len(entries))
		for _, e := range entries {
			key, re := f.Allow.Match(e.Title, e.LongURL, e.Categories)
			if key == "" {
				continue
			}
			if key == "title" {
				e.MatchedPattern = re
			}
			kept = append(kept, e)
		}
		slog.Debug("feed: applied allow list", "feed", f.String(), "in", len(entries), "kept", len(kept))
		entries = kept
		if len(entries) == 0 {
			return entries
		}
	}

	for _, e := range entries {
		e.LongURL = canonURL(f, e.LongURL)
	}

	if f.Sub != nil {
		for _, e := range entries {
			e.Title = substitute(f.Sub.Title, e.Title)
			e.LongURL = substitute(f.Sub.URL, e.LongURL)
			e.Summary = substitute(f.Sub.Summary, e.Summary)
		}
	}

	if f.Format != nil {
		applyFormat(f, entries)
	}

	for _, e := range entries {
		e.Title = collapseSpace(stripHTML(e.Title))
		e.Summary = collapseSpace(stripHTML(e.Summary))
	}

	for _, e := range entries {
		e.Title = normalizeTitle(e.Title)
		e.Title = ShortenToBytes(e.Title, config.TitleMaxBytes)
	}

	return dedupByURL(entries)
}

func canonURL(f *config.Feed, u string) string {
	if f.HTTPS && strings.HasPrefix(u, "http://") {
		u = "https://" + u[len("http://"):]
	}
	if f.StripWWW {
		for _, scheme := range []string{"https://", "http://"} {
			if rest, ok := strings.CutPrefix(u, scheme+"www."); ok {
				u = scheme + rest
				break
			}
		}
	}
	// Some APIs hand out URLs with literal spaces in query values.
	return strings.ReplaceAll(strings.TrimSpace(u), " ", "%20")
}

func substitute(rule *config.SubRule, v string) string {
	if rule == nil || v == "" {
		return v
	}
	return rule.Pattern.ReplaceAllString(v, rule.Repl)
}

func applyFormat(f *config.Feed, entries []*Entry) {
	titleTemplate := f.Format.Title
	if titleTemplate == "" {
		titleTemplate = "{title}"
	}
	urlTemplate := f.Format.URL
	if urlTemplate == "" {
		urlTemplate = "{url}"
	}

	reKeys := make([]string, 0, len(f.Format.Re))
	for k := range f.Format.Re {
		reKeys = append(reKeys, k)
	}
	sort.Strings(reKeys)

	for _, e := range entries {
		params := make(map[string]string, len(e.Extra)+4)
		for k, v := range e.Extra {
			params[k] = v
		}
		params["title"] = e.Title
		params["url"] = e.LongURL
		params["summary"] = e.Summary
		params["categories"] = strings.Join(e.Categories, ", ")
		for _, key := range reKeys {
			if m := f.Format.Re[key].FindStringSubmatch(params[key]); m != nil {
				for gi, gname := range f.Format.Re[key].SubexpNames() {
					if gname != "" && gi < len(m) {
						params[gname] = m[gi]
					}
				}
			}
		}

		if s, err := formatMap(titleTemplate, params); err != nil {
			slog.Warn("feed: cannot format entry title", "feed", f.String(), "template", titleTemplate, "error", err)
		} else {
			e.Title = s
		}
		if s, err := formatMap(urlTemplate, params); err != nil {
			slog.Warn("feed: cannot format entry url", "feed", f.String(), "template", urlTemplate, "error", err)
		} else {
			e.LongURL = s
		}
	}
}

// formatMap substitutes {name} references from params, with {{ and }}
// as literal braces. A reference to a missing key is an error so the
// caller can keep the original value.
func formatMap(template string, params map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(template); {
		switch c := template[i]; c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed brace at %d", i)
			}
			key := template[i+1 : i+end]
			v, ok := params[key]
			if !ok {
				return "", fmt.Errorf("no value for %q", key)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", fmt.Errorf("unmatched brace at %d", i)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	return html.UnescapeString(htmlStripper.Sanitize(s))
}

func normalizeTitle(title string) string {
	// Strip outer curly quotes when they wrap the whole title.
	r := []rune(title)
	if len(r) > 2 && r[0] == '“' && r[len(r)-1] == '”' {
		inner := string(r[1 : len(r)-1])
		if !strings.ContainsAny(inner, "“”") {
			title = inner
		}
	}

	// Drop the trailing period of single-sentence titles.
	trimmed := strings.TrimRightFunc(title, unicode.IsSpace)
	if !strings.Contains(trimmed, ". ") {
		title = strings.TrimRight(trimmed, ".")
	}

	// Tone down all-caps multi-word titles.
	if len(strings.Fields(title)) > 1 && isUpper(title) {
		title = capitalize(title)
	}
	return title
}

func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) || unicode.IsTitle(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}

func capitalize(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) > 0 {
		r[0] = unicode.ToUpper(r[0])
	}
	return string(r)
}

func dedupByURL(entries []*Entry) []*Entry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.LongURL]; ok {
			continue
		}
		seen[e.LongURL] = struct{}{}
		out = append(out, e)
	}
	if removed := len(entries) - len(out); removed > 0 {
		slog.Debug("feed: removed duplicate entry URLs", "removed", removed, "kept", len(out))
	}
	return out
}
