package fetch

import (
	"bytes"
	"strings"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// HeuristicDetector decides whether a probe response needs script execution
// to produce real content.
type HeuristicDetector struct {
	minHTMLBytes int
	keywords     []string
}

// NewHeuristicDetector builds a detector. A page is promoted to the renderer
// when its HTML body is suspiciously small or carries one of the keyword
// markers of a client-rendered shell.
func NewHeuristicDetector(minHTMLBytes int, keywords []string) *HeuristicDetector {
	if len(keywords) == 0 {
		keywords = []string{
			"<div id=\"root\"></div>",
			"<div id=\"app\"></div>",
			"window.__NUXT__",
			"window.__NEXT_DATA__",
		}
	}
	return &HeuristicDetector{
		minHTMLBytes: minHTMLBytes,
		keywords:     keywords,
	}
}

// ShouldPromote reports whether the probe response warrants a headless fetch.
func (d *HeuristicDetector) ShouldPromote(probe core.FetchResponse) bool {
	if !strings.Contains(strings.ToLower(probe.ContentType), "html") {
		return false
	}
	if d.minHTMLBytes > 0 && len(probe.Body) < d.minHTMLBytes {
		return true
	}
	for _, kw := range d.keywords {
		if bytes.Contains(probe.Body, []byte(kw)) {
			return true
		}
	}
	return false
}
