package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// HTMLPlugin extracts title, description, text, and links from HTML.
type HTMLPlugin struct{}

// NewHTMLPlugin returns the HTML extractor.
func NewHTMLPlugin() *HTMLPlugin {
	return &HTMLPlugin{}
}

// Name identifies the plugin in logs.
func (p *HTMLPlugin) Name() string { return "html" }

// Matches accepts html/xhtml content types, or a sniffed doctype when the
// server sent no usable type.
func (p *HTMLPlugin) Matches(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") {
		return true
	}
	if ct == "" || strings.Contains(ct, "octet-stream") {
		head := bytes.ToLower(bytes.TrimSpace(body))
		return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
	}
	return false
}

// Extract parses the document with goquery.
func (p *HTMLPlugin) Extract(_ context.Context, content Content) (core.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content.Body))
	if err != nil {
		return core.Document{}, &core.ExtractionError{
			ContentType: content.ContentType,
			Reason:      "malformed html: " + err.Error(),
		}
	}

	out := core.Document{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		out.Description = strings.TrimSpace(desc)
	}

	doc.Find("script, style, noscript").Remove()
	out.Text = collapseWhitespace(doc.Find("body").Text())

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		out.Links = append(out.Links, href)
	})

	return out, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
