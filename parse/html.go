package parse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlParser extracts entries from an HTML document. Select matches one
// element per entry; the Title/Link/Summary/Category sub-selectors are
// evaluated within each match. An empty Title selector takes the match's
// own text; the link comes from the href attribute of the Link selector
// target (or the first nested anchor).
type htmlParser struct {
	doc *goquery.Document
	sel Selection
}

func newHTML(body []byte, sel Selection) (Parser, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse: html: %w", err)
	}
	return &htmlParser{doc: doc, sel: sel}, nil
}

func (p *htmlParser) Entries() ([]RawEntry, error) {
	var entries []RawEntry
	p.doc.Find(p.sel.Select).Each(func(_ int, s *goquery.Selection) {
		entry := RawEntry{
			Title: p.text(s, p.sel.Title),
			Link:  p.href(s),
		}
		if p.sel.Summary != "" {
			entry.Summary = p.text(s, p.sel.Summary)
		}
		if p.sel.Category != "" {
			s.Find(p.sel.Category).Each(func(_ int, c *goquery.Selection) {
				if cat := strings.TrimSpace(c.Text()); cat != "" {
					entry.Categories = append(entry.Categories, cat)
				}
			})
		}
		if entry.Link == "" {
			return
		}
		entries = append(entries, entry)
	})
	return entries, nil
}

func (p *htmlParser) FollowURLs() ([]string, error) {
	if p.sel.Follow == "" {
		return nil, nil
	}
	var urls []string
	p.doc.Find(p.sel.Follow).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" {
			urls = append(urls, href)
			return
		}
		if href, ok := s.Find("a").First().Attr("href"); ok && href != "" {
			urls = append(urls, href)
		}
	})
	return uniqueStrings(urls), nil
}

func (p *htmlParser) text(s *goquery.Selection, selector string) string {
	if selector != "" {
		s = s.Find(selector).First()
	}
	return strings.Join(strings.Fields(s.Text()), " ")
}

func (p *htmlParser) href(s *goquery.Selection) string {
	target := s
	if p.sel.Link != "" {
		target = s.Find(p.sel.Link).First()
	}
	if href, ok := target.Attr("href"); ok && href != "" {
		return href
	}
	if href, ok := target.Find("a").First().Attr("href"); ok && href != "" {
		return href
	}
	return ""
}
