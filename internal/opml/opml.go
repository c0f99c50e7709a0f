// Package opml converts between OPML subscription lists and the feeds of
// settings.json.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/bryan-buckman/digestdesk/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and returns its feeds. The first folder
// level becomes the feed group; deeper levels are flattened into it and
// feeds outside any folder land in model.DefaultFeedGroup. Imported feeds
// are enabled.
func Parse(r io.Reader) ([]model.Feed, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	feeds := []model.Feed{}
	var walk func(outlines []Outline, group string)
	walk = func(outlines []Outline, group string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				name := o.Title
				if name == "" {
					name = o.Text
				}
				g := group
				if g == "" {
					g = model.DefaultFeedGroup
				}
				feeds = append(feeds, model.Feed{
					URL:     strings.TrimSpace(o.XMLURL),
					Name:    strings.TrimSpace(name),
					Group:   g,
					Enabled: true,
				})
			} else if len(o.Outlines) > 0 {
				g := group
				if g == "" {
					g = o.Text
					if g == "" {
						g = o.Title
					}
				}
				walk(o.Outlines, g)
			}
		}
	}
	walk(doc.Body.Outlines, "")
	return feeds, nil
}

// Merge appends the imported feeds whose URL is not yet in current and
// returns the result with the number added. current is not modified.
func Merge(current, imported []model.Feed) ([]model.Feed, int) {
	seen := make(map[string]bool, len(current))
	for _, f := range current {
		seen[f.URL] = true
	}
	next := slices.Clone(current)
	added := 0
	for _, f := range imported {
		if f.URL == "" || seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		next = append(next, f)
		added++
	}
	return next, added
}

// Export renders feeds as an OPML 2.0 document with one folder per group.
// Folders are sorted by name; feeds keep their configured order. Disabled
// feeds are included.
func Export(title string, feeds []model.Feed, created time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: created.Format(time.RFC1123Z),
		},
	}

	folders := make(map[string]*Outline)
	for _, f := range feeds {
		group := f.Group
		if group == "" {
			group = model.DefaultFeedGroup
		}
		fo, ok := folders[group]
		if !ok {
			fo = &Outline{Text: group, Title: group}
			folders[group] = fo
		}
		fo.Outlines = append(fo.Outlines, Outline{
			Text:   f.Name,
			Title:  f.Name,
			Type:   "rss",
			XMLURL: f.URL,
		})
	}

	names := make([]string, 0, len(folders))
	for name := range folders {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		doc.Body.Outlines = append(doc.Body.Outlines, *folders[name])
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
