package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

// Augmenter turns one retrieval attempt into a prompt-ready context
// bundle. Failure never aborts the turn: any timeout, cancellation or
// bad response degrades to a nil bundle and a context-free prompt.
type Augmenter struct {
	client *Client
	topK   int
	budget time.Duration
	logger *logger.Logger
}

// NewAugmenter creates an augmenter with a per-attempt time budget.
func NewAugmenter(client *Client, topK int, budget time.Duration, log *logger.Logger) *Augmenter {
	return &Augmenter{
		client: client,
		topK:   topK,
		budget: budget,
		logger: log,
	}
}

// Augment issues a single bounded retrieval attempt. No retries: the
// turn already has an overall ceiling, and a stale context block is
// worse than none.
func (a *Augmenter) Augment(ctx context.Context, query, userID string) *ContextBundle {
	if query == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.budget)
	defer cancel()

	start := time.Now()
	resp, err := a.client.Search(ctx, query, a.topK, userID, a.budget)
	if err != nil {
		a.logger.Warn("retrieval degraded to context-free prompt",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	bundle := &ContextBundle{
		Context:       resp.Context,
		ImagesSkipped: resp.ImagesSkipped,
	}

	if len(resp.ImageMap) > 0 {
		bundle.ImageMap = make(map[string]Image, len(resp.ImageMap))
		for placeholder, img := range resp.ImageMap {
			img.URL = a.client.resolveURL(img.URL)
			bundle.ImageMap[placeholder] = img
		}
	}

	for _, img := range resp.Images {
		img.URL = a.client.resolveURL(img.URL)
		bundle.RelatedImages = append(bundle.RelatedImages, img)
	}

	a.logger.Info("retrieval context attached",
		zap.Int("context_len", len(bundle.Context)),
		zap.Int("inline_images", len(bundle.ImageMap)),
		zap.Int("related_images", len(bundle.RelatedImages)),
		zap.Duration("elapsed", time.Since(start)))

	return bundle
}
