// CLAUDE:SUMMARY Parser dispatch: one registry mapping parser kinds to factories producing normalized entry lists plus follow-URLs.
// CLAUDE:EXPORTS Parser, RawEntry, Selection, Kind, New
package parse

import "fmt"

// Kind selects a parser variant.
type Kind string

const (
	// KindSyndication parses RSS/Atom/JSON-feed documents. No selector.
	KindSyndication Kind = "syndication"
	// KindJMESPath evaluates a JMESPath expression over a JSON document.
	KindJMESPath Kind = "jmespath"
	// KindHTML extracts entries from an HTML document via CSS selectors.
	KindHTML Kind = "html"
	// KindCSV reads tabular records with a header row.
	KindCSV Kind = "csv"
)

// RawEntry is the normalized parser output, before the entry pipeline.
// Extra carries any further scalar fields the source document exposed
// (JSON object keys, CSV columns) for use as format-template
// parameters.
type RawEntry struct {
	Title      string
	Link       string
	Summary    string
	Categories []string
	Extra      map[string]string
}

// Selection carries the per-feed extraction expressions. Select and
// Follow are interpreted by the chosen variant (JMESPath expression,
// CSS selector, column mapping); the remaining fields refine HTML
// extraction within each matched element.
type Selection struct {
	Select   string
	Follow   string
	Title    string
	Link     string
	Summary  string
	Category string
}

// Parser produces normalized entries and optional follow-URLs from one
// fetched document.
type Parser interface {
	Entries() ([]RawEntry, error)
	FollowURLs() ([]string, error)
}

type factory func(body []byte, sel Selection) (Parser, error)

var factories = map[Kind]factory{
	KindSyndication: newSyndication,
	KindJMESPath:    newJMESPath,
	KindHTML:        newHTML,
	KindCSV:         newCSV,
}

// Known reports whether kind names a registered parser variant.
func Known(kind Kind) bool {
	_, ok := factories[kind]
	return ok
}

// New builds a parser of the given kind over body. The returned parser
// contains panics from the underlying extraction libraries and surfaces
// them as errors, so a malformed document cannot take down a reader.
func New(kind Kind, body []byte, sel Selection) (p Parser, err error) {
	f, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("parse: unknown parser kind %q", kind)
	}
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("parse: %s parser panicked: %v", kind, r)
		}
	}()
	inner, err := f(body, sel)
	if err != nil {
		return nil, err
	}
	return contained{inner}, nil
}

// contained wraps a parser so panics surface as errors.
type contained struct {
	p Parser
}

func (c contained) Entries() (entries []RawEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entries, err = nil, fmt.Errorf("parse: parser panicked: %v", r)
		}
	}()
	return c.p.Entries()
}

func (c contained) FollowURLs() (urls []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			urls, err = nil, fmt.Errorf("parse: parser panicked: %v", r)
		}
	}()
	return c.p.FollowURLs()
}

// uniqueStrings collapses duplicates preserving first-seen order.
func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
