// Package extract turns fetched content into structured documents via a
// registry of capability-matched plugins.
package extract

import (
	"context"
	"time"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Content is the input handed to a plugin.
type Content struct {
	URL         string
	Domain      string
	ContentType string
	Hash        string
	Body        []byte
	FetchedAt   time.Time
}

// Plugin transforms raw content into a structured document. Matches declares
// the capability it handles; registration order breaks ties, so register the
// most specific plugins first.
type Plugin interface {
	Name() string
	Matches(contentType string, body []byte) bool
	Extract(ctx context.Context, content Content) (core.Document, error)
}

// Registry selects and runs the best-matching plugin.
type Registry struct {
	plugins []Plugin
}

// NewRegistry builds a registry over the given plugins.
func NewRegistry(plugins ...Plugin) *Registry {
	return &Registry{plugins: plugins}
}

// Register appends a plugin. Adding a capability means adding a registration,
// not patching dispatch logic.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Select returns the first plugin whose capability matches.
func (r *Registry) Select(contentType string, body []byte) (Plugin, bool) {
	for _, p := range r.plugins {
		if p.Matches(contentType, body) {
			return p, true
		}
	}
	return nil, false
}

// Extract runs the matching plugin. No match is a terminal ExtractionError.
func (r *Registry) Extract(ctx context.Context, content Content) (core.Document, error) {
	plugin, ok := r.Select(content.ContentType, content.Body)
	if !ok {
		return core.Document{}, &core.ExtractionError{
			ContentType: content.ContentType,
			Reason:      "no extractor matches",
		}
	}
	doc, err := plugin.Extract(ctx, content)
	if err != nil {
		return core.Document{}, err
	}
	doc.ContentHash = content.Hash
	doc.URL = content.URL
	doc.Domain = content.Domain
	doc.ContentType = content.ContentType
	doc.FetchedAt = content.FetchedAt
	return doc, nil
}

// Default returns the registry with the standard plugin set.
func Default() *Registry {
	return NewRegistry(
		NewHTMLPlugin(),
		NewJSONPlugin(),
		NewTextPlugin(),
	)
}
