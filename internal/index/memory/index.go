// Package memory implements the search index over an in-process inverted map.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

type entry struct {
	doc       core.Document
	termFreqs map[string]int
	length    int
}

// Index ingests extracted documents keyed by content hash and answers term
// queries with optional domain/time filters. It never crawls.
type Index struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New constructs an empty Index.
func New() *Index {
	return &Index{
		entries: make(map[string]entry),
	}
}

// Ingest adds or replaces the document for its content hash.
func (i *Index) Ingest(_ context.Context, doc core.Document) error {
	freqs := make(map[string]int)
	total := 0
	for _, field := range []string{doc.Title, doc.Description, doc.Text} {
		for _, term := range tokenize(field) {
			freqs[term]++
			total++
		}
	}
	for _, value := range doc.Fields {
		for _, term := range tokenize(value) {
			freqs[term]++
			total++
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[doc.ContentHash] = entry{doc: doc, termFreqs: freqs, length: total}
	return nil
}

// Query returns references matching every term, best score first.
func (i *Index) Query(_ context.Context, terms string, filters core.SearchFilters, limit int) ([]core.SearchHit, error) {
	queryTerms := tokenize(terms)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	var hits []core.SearchHit
	for _, e := range i.entries {
		if !matchesFilters(e.doc, filters) {
			continue
		}
		score := score(e, queryTerms)
		if score <= 0 {
			continue
		}
		hits = append(hits, core.SearchHit{
			ContentHash: e.doc.ContentHash,
			URL:         e.doc.URL,
			Domain:      e.doc.Domain,
			Title:       e.doc.Title,
			Score:       score,
			FetchedAt:   e.doc.FetchedAt,
		})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score == hits[b].Score {
			return hits[a].URL < hits[b].URL
		}
		return hits[a].Score > hits[b].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Size reports the number of indexed documents.
func (i *Index) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

func matchesFilters(doc core.Document, filters core.SearchFilters) bool {
	if filters.Domain != "" && !strings.EqualFold(filters.Domain, doc.Domain) {
		return false
	}
	if !filters.After.IsZero() && doc.FetchedAt.Before(filters.After) {
		return false
	}
	if !filters.Before.IsZero() && doc.FetchedAt.After(filters.Before) {
		return false
	}
	return true
}

// score is term-frequency based, normalized by document length so short
// relevant pages beat long rambling ones. All terms must match.
func score(e entry, terms []string) float64 {
	if e.length == 0 {
		return 0
	}
	total := 0
	for _, term := range terms {
		freq, ok := e.termFreqs[term]
		if !ok {
			return 0
		}
		total += freq
	}
	return float64(total) / float64(e.length)
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
