package parse

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// csvParser reads tabular records with a header row. Select maps entry
// fields to column names ("title=Name, link=URL"); with an empty Select
// the columns title/link/summary/category are used directly. Follow
// names a column of URLs to crawl.
type csvParser struct {
	header  []string
	records [][]string
	sel     Selection
	columns map[string]string // entry field -> column name
}

func newCSV(body []byte, sel Selection) (Parser, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse: csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("parse: csv: empty document")
	}

	columns := map[string]string{
		"title":    "title",
		"link":     "link",
		"summary":  "summary",
		"category": "category",
	}
	if sel.Select != "" {
		for _, pair := range strings.Split(sel.Select, ",") {
			field, column, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return nil, fmt.Errorf("parse: csv: bad column mapping %q", pair)
			}
			columns[strings.TrimSpace(field)] = strings.TrimSpace(column)
		}
	}

	return &csvParser{
		header:  records[0],
		records: records[1:],
		sel:     sel,
		columns: columns,
	}, nil
}

func (p *csvParser) Entries() ([]RawEntry, error) {
	title := p.columnIndex(p.columns["title"])
	link := p.columnIndex(p.columns["link"])
	summary := p.columnIndex(p.columns["summary"])
	category := p.columnIndex(p.columns["category"])
	if link < 0 {
		return nil, fmt.Errorf("parse: csv: link column %q not found", p.columns["link"])
	}

	var entries []RawEntry
	for _, rec := range p.records {
		l := field(rec, link)
		if l == "" {
			continue
		}
		e := RawEntry{
			Title:   field(rec, title),
			Link:    l,
			Summary: field(rec, summary),
			Extra:   p.extraColumns(rec),
		}
		if c := field(rec, category); c != "" {
			e.Categories = []string{c}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (p *csvParser) FollowURLs() ([]string, error) {
	if p.sel.Follow == "" {
		return nil, nil
	}
	idx := p.columnIndex(p.sel.Follow)
	if idx < 0 {
		return nil, fmt.Errorf("parse: csv: follow column %q not found", p.sel.Follow)
	}
	var urls []string
	for _, rec := range p.records {
		if u := field(rec, idx); u != "" {
			urls = append(urls, u)
		}
	}
	return uniqueStrings(urls), nil
}

// extraColumns exposes every column of the record under its header name
// for use as format-template parameters.
func (p *csvParser) extraColumns(rec []string) map[string]string {
	var extra map[string]string
	for i, h := range p.header {
		name := strings.TrimSpace(h)
		if name == "" {
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[name] = field(rec, i)
	}
	return extra
}

func (p *csvParser) columnIndex(name string) int {
	for i, h := range p.header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func field(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}
