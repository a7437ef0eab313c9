package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// JSONPlugin flattens JSON payloads into key/value fields.
type JSONPlugin struct{}

// NewJSONPlugin returns the JSON extractor.
func NewJSONPlugin() *JSONPlugin {
	return &JSONPlugin{}
}

// Name identifies the plugin in logs.
func (p *JSONPlugin) Name() string { return "json" }

// Matches accepts json content types.
func (p *JSONPlugin) Matches(contentType string, _ []byte) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.HasSuffix(ct, "+json")
}

// Extract flattens the top-level document into dotted field paths.
func (p *JSONPlugin) Extract(_ context.Context, content Content) (core.Document, error) {
	var payload any
	if err := json.Unmarshal(content.Body, &payload); err != nil {
		return core.Document{}, &core.ExtractionError{
			ContentType: content.ContentType,
			Reason:      "malformed json: " + err.Error(),
		}
	}

	fields := make(map[string]string)
	flatten("", payload, fields)

	doc := core.Document{Fields: fields}
	if title, ok := fields["title"]; ok {
		doc.Title = title
	}
	return doc, nil
}

func flatten(prefix string, value any, out map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			flatten(joinPath(prefix, key), child, out)
		}
	case []any:
		for i, child := range v {
			flatten(joinPath(prefix, fmt.Sprintf("%d", i)), child, out)
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
