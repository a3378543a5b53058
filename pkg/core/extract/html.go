// Package extract turns fetched HTML into plain text that is safe to hand to
// a model: markup and script bodies are dropped and known prompt-steering
// phrases are redacted.
package extract

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Document is the text extracted from one page.
type Document struct {
	Title string
	Text  string
}

var skipElements = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"svg":      {},
	"iframe":   {},
}

var blockElements = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "tr": {}, "section": {}, "article": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {}, "blockquote": {}, "pre": {},
}

// HTML tokenizes r and returns its visible text and title. Entities are
// decoded by the tokenizer; whitespace is collapsed. The result is not yet
// sanitized.
func HTML(r io.Reader) Document {
	z := html.NewTokenizer(r)
	var (
		text    strings.Builder
		title   strings.Builder
		skip    int
		inTitle bool
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return Document{
				Title: CollapseWhitespace(title.String()),
				Text:  CollapseWhitespace(text.String()),
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "title" {
				inTitle = true
				continue
			}
			if _, ok := skipElements[tag]; ok && tt == html.StartTagToken {
				skip++
				continue
			}
			if _, ok := blockElements[tag]; ok {
				text.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "title" {
				inTitle = false
				continue
			}
			if _, ok := skipElements[tag]; ok && skip > 0 {
				skip--
				continue
			}
			if _, ok := blockElements[tag]; ok {
				text.WriteByte('\n')
			}
		case html.TextToken:
			if inTitle {
				title.Write(z.Text())
				continue
			}
			if skip > 0 {
				continue
			}
			text.Write(z.Text())
			text.WriteByte(' ')
		}
	}
}

// CollapseWhitespace folds runs of whitespace into a single space and trims
// the ends.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
