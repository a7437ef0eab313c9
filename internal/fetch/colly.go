// Package fetch retrieves pages directly or via the headless renderer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Config controls the direct fetch path.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// CollyFetcher performs direct HTTP retrieval via a Colly collector.
type CollyFetcher struct {
	baseCollector *colly.Collector
	cfg           Config
	logger        *zap.Logger
}

// NewCollyFetcher constructs a configured Colly-based fetcher.
func NewCollyFetcher(cfg Config, logger *zap.Logger) (*CollyFetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.Timeout)

	return &CollyFetcher{
		baseCollector: base,
		cfg:           cfg,
		logger:        logger,
	}, nil
}

// Fetch retrieves a page via the configured Colly collector. Non-2xx statuses
// are returned as responses, not errors; classification happens downstream.
func (f *CollyFetcher) Fetch(ctx context.Context, req core.FetchRequest) (core.FetchResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}

	collector := f.baseCollector.Clone()
	collector.SetRequestTimeout(timeout)
	// Colly surfaces non-2xx through OnError; we want the response either way.
	collector.ParseHTTPErrorResponse = true

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{page: toResponse(req.URL, r, time.Since(start))})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			send(fetchResult{page: toResponse(req.URL, r, time.Since(start))})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: fmt.Errorf("fetch %s: %w", req.URL, err)})
	})

	if err := collector.Visit(req.URL); err != nil {
		return core.FetchResponse{}, fmt.Errorf("visit %s: %w", req.URL, err)
	}
	collector.Wait()

	select {
	case <-ctx.Done():
		return core.FetchResponse{}, ctx.Err()
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return core.FetchResponse{}, err
		}
		return res.page, res.err
	default:
		return core.FetchResponse{}, errors.New("colly fetch produced no result")
	}
}

func toResponse(rawURL string, r *colly.Response, elapsed time.Duration) core.FetchResponse {
	headers := http.Header{}
	if r.Headers != nil {
		for k, v := range *r.Headers {
			cp := make([]string, len(v))
			copy(cp, v)
			headers[k] = cp
		}
	}
	finalURL := rawURL
	if r.Request != nil && r.Request.URL != nil {
		finalURL = r.Request.URL.String()
	}
	return core.FetchResponse{
		URL:         rawURL,
		FinalURL:    finalURL,
		StatusCode:  r.StatusCode,
		ContentType: headers.Get("Content-Type"),
		Headers:     headers,
		Body:        append([]byte{}, r.Body...),
		Duration:    elapsed,
	}
}

type fetchResult struct {
	page core.FetchResponse
	err  error
}
