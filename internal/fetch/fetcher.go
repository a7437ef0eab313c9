package fetch

import (
	"context"

	"go.uber.org/zap"

	"github.com/tidecrawl/tidecrawl/internal/core"
)

// Detector decides whether a probe response warrants headless promotion.
type Detector interface {
	ShouldPromote(probe core.FetchResponse) bool
}

// Fetcher composes the direct fetch path with optional headless promotion.
// It probes with the fast path first; when the request hints at rendering or
// the detector flags a client-rendered shell, it retries through the renderer.
type Fetcher struct {
	direct   core.Fetcher
	renderer core.Renderer
	detector Detector
	logger   *zap.Logger
}

// New constructs the composite fetcher. renderer and detector may be nil,
// which disables promotion.
func New(direct core.Fetcher, renderer core.Renderer, detector Detector, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		direct:   direct,
		renderer: renderer,
		detector: detector,
		logger:   logger,
	}
}

// Fetch retrieves the URL, promoting to the rendering service when needed.
func (f *Fetcher) Fetch(ctx context.Context, req core.FetchRequest) (core.FetchResponse, error) {
	if req.Render && f.renderer != nil {
		return f.renderer.Render(ctx, req.URL, req.Timeout)
	}

	resp, err := f.direct.Fetch(ctx, req)
	if err != nil {
		return core.FetchResponse{}, err
	}

	if f.renderer == nil || f.detector == nil || !f.detector.ShouldPromote(resp) {
		return resp, nil
	}

	rendered, err := f.renderer.Render(ctx, req.URL, req.Timeout)
	if err != nil {
		f.logger.Warn("headless promotion failed, keeping probe response",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return resp, nil
	}
	return rendered, nil
}
