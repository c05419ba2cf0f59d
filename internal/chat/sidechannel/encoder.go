// Package sidechannel carries retrieval image metadata to the client on
// response headers, keeping the SSE body free for generation events.
package sidechannel

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/retrieval"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

const (
	HeaderImages        = "X-RAG-Images"
	HeaderRelatedImages = "X-RAG-Related-Images"
	HeaderImagesSkipped = "X-RAG-Images-Skipped"

	// maxHeaderBytes caps each encoded header value. Proxies drop or
	// reject oversized headers, which would kill the whole response.
	maxHeaderBytes = 4096
)

// Apply sets the image metadata headers from an augmentation bundle.
// Headers must be set before the streaming body starts, so Apply is
// called between prepare and stream. It never fails: a value that
// cannot be encoded or does not fit is dropped and reported via the
// skipped header, and any panic is contained since header metadata is
// never worth losing the answer over.
func Apply(h http.Header, bundle *retrieval.ContextBundle, log *logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("sidechannel header encoding panicked", zap.Any("panic", r))
			h.Del(HeaderImages)
			h.Del(HeaderRelatedImages)
			h.Set(HeaderImagesSkipped, "1")
		}
	}()

	if bundle == nil {
		return
	}

	skipped := bundle.ImagesSkipped

	if len(bundle.ImageMap) > 0 {
		if v, ok := encode(bundle.ImageMap, log); ok {
			h.Set(HeaderImages, v)
		} else {
			skipped = true
		}
	}

	if len(bundle.RelatedImages) > 0 {
		if v, ok := encode(bundle.RelatedImages, log); ok {
			h.Set(HeaderRelatedImages, v)
		} else {
			skipped = true
		}
	}

	if skipped {
		h.Set(HeaderImagesSkipped, "1")
	}
}

// encode renders a value as base64(JSON), refusing values whose encoded
// form exceeds the per-header byte cap.
func encode(v any, log *logger.Logger) (string, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Warn("failed to marshal sidechannel header value", zap.Error(err))
		return "", false
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if len(encoded) > maxHeaderBytes {
		log.Info("sidechannel header value over size cap, dropping",
			zap.Int("encoded_bytes", len(encoded)))
		return "", false
	}
	return encoded, true
}

// DecodeImageMap reads the inline image map header back out.
func DecodeImageMap(h http.Header) (map[string]retrieval.Image, error) {
	v := h.Get(HeaderImages)
	if v == "" {
		return nil, nil
	}
	var m map[string]retrieval.Image
	if err := decode(v, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeRelatedImages reads the related images header back out.
func DecodeRelatedImages(h http.Header) ([]retrieval.Image, error) {
	v := h.Get(HeaderRelatedImages)
	if v == "" {
		return nil, nil
	}
	var images []retrieval.Image
	if err := decode(v, &images); err != nil {
		return nil, err
	}
	return images, nil
}

// ImagesSkipped reports whether some image metadata was dropped.
func ImagesSkipped(h http.Header) bool {
	return h.Get(HeaderImagesSkipped) == "1"
}

func decode(v string, target any) error {
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
