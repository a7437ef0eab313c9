package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// TextPlugin handles plain-text payloads.
type TextPlugin struct{}

// NewTextPlugin returns the plain-text extractor.
func NewTextPlugin() *TextPlugin {
	return &TextPlugin{}
}

// Name identifies the plugin in logs.
func (p *TextPlugin) Name() string { return "text" }

// Matches accepts text/* content types with valid UTF-8 bodies.
func (p *TextPlugin) Matches(contentType string, body []byte) bool {
	return strings.Contains(strings.ToLower(contentType), "text/plain") && utf8.Valid(body)
}

// Extract uses the first line as the title and the whole body as text.
func (p *TextPlugin) Extract(_ context.Context, content Content) (core.Document, error) {
	text := strings.TrimSpace(string(content.Body))
	doc := core.Document{Text: text}
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		doc.Title = strings.TrimSpace(text[:idx])
	} else {
		doc.Title = text
	}
	return doc, nil
}
