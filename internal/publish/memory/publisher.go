// Package memory collects published events in-process for development/testing.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records payloads instead of sending them anywhere.
type Publisher struct {
	mu       sync.Mutex
	payloads []any
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a sequence ID.
func (p *Publisher) Publish(_ context.Context, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return fmt.Sprintf("memory-%d", len(p.payloads)), nil
}

// Payloads returns a copy of everything published so far.
func (p *Publisher) Payloads() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.payloads...)
}
