package parse

import (
	"encoding/json"
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// jmespathParser evaluates JMESPath expressions over a decoded JSON
// document. Select must yield a list of objects with title/link fields;
// Follow may yield strings or objects with a url field.
type jmespathParser struct {
	data any
	sel  Selection
}

func newJMESPath(body []byte, sel Selection) (Parser, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("parse: jmespath: decode json: %w", err)
	}
	return &jmespathParser{data: data, sel: sel}, nil
}

func (p *jmespathParser) Entries() ([]RawEntry, error) {
	res, err := jmespath.Search(p.sel.Select, p.data)
	if err != nil {
		return nil, fmt.Errorf("parse: jmespath: %q: %w", p.sel.Select, err)
	}
	items, ok := res.([]any)
	if !ok {
		if res == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("parse: jmespath: %q yielded %T, want a list", p.sel.Select, res)
	}

	entries := make([]RawEntry, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		link, _ := obj["link"].(string)
		if link == "" {
			continue
		}
		entries = append(entries, RawEntry{
			Title:      stringField(obj["title"]),
			Link:       link,
			Summary:    stringField(obj["summary"]),
			Categories: categoriesField(obj["category"]),
			Extra:      extraFields(obj),
		})
	}
	return entries, nil
}

func (p *jmespathParser) FollowURLs() ([]string, error) {
	if p.sel.Follow == "" {
		return nil, nil
	}
	res, err := jmespath.Search(p.sel.Follow, p.data)
	if err != nil {
		return nil, fmt.Errorf("parse: jmespath follow: %q: %w", p.sel.Follow, err)
	}
	items, ok := res.([]any)
	if !ok {
		return nil, nil
	}
	var urls []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			urls = append(urls, v)
		case map[string]any:
			if u, ok := v["url"].(string); ok {
				urls = append(urls, u)
			}
		}
	}
	return uniqueStrings(urls), nil
}

// extraFields flattens the object's scalar values for use as
// format-template parameters. Nested lists and objects are skipped.
func extraFields(obj map[string]any) map[string]string {
	var extra map[string]string
	for k, v := range obj {
		switch v.(type) {
		case nil, []any, map[string]any:
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[k] = stringField(v)
	}
	return extra
}

func stringField(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// categoriesField accepts a scalar or a list; sources disagree on which
// they emit.
func categoriesField(v any) []string {
	switch c := v.(type) {
	case nil:
		return nil
	case string:
		if c == "" {
			return nil
		}
		return []string{c}
	case []any:
		var out []string
		for _, item := range c {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{fmt.Sprint(c)}
	}
}
