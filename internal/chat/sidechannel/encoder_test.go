package sidechannel

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/retrieval"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "console"})
	require.NoError(t, err)
	return log
}

func TestApplyRoundTripsImageMetadata(t *testing.T) {
	bundle := &retrieval.ContextBundle{
		ImageMap: map[string]retrieval.Image{
			"1": {URL: "https://cdn.example.com/a.png", Caption: "figure 1"},
			"2": {URL: "https://cdn.example.com/b.png"},
		},
		RelatedImages: []retrieval.Image{
			{URL: "https://cdn.example.com/related.png", Caption: "see also"},
		},
	}

	h := http.Header{}
	Apply(h, bundle, testLogger(t))

	m, err := DecodeImageMap(h)
	require.NoError(t, err)
	assert.Equal(t, bundle.ImageMap, m)

	related, err := DecodeRelatedImages(h)
	require.NoError(t, err)
	assert.Equal(t, bundle.RelatedImages, related)

	assert.False(t, ImagesSkipped(h))
}

func TestApplyNilBundleSetsNothing(t *testing.T) {
	h := http.Header{}
	Apply(h, nil, testLogger(t))
	assert.Empty(t, h)
}

func TestApplyEmptyBundleSetsNothing(t *testing.T) {
	h := http.Header{}
	Apply(h, &retrieval.ContextBundle{Context: "text only"}, testLogger(t))
	assert.Empty(t, h)
}

func TestApplyDropsOversizedHeaderAndSignalsSkip(t *testing.T) {
	imageMap := make(map[string]retrieval.Image)
	for i := 0; i < 200; i++ {
		imageMap[strings.Repeat("k", 8)+string(rune('a'+i%26))+string(rune('0'+i%10))] = retrieval.Image{
			URL:     "https://cdn.example.com/" + strings.Repeat("x", 64) + ".png",
			Caption: strings.Repeat("long caption text ", 4),
		}
	}

	h := http.Header{}
	Apply(h, &retrieval.ContextBundle{ImageMap: imageMap}, testLogger(t))

	assert.Empty(t, h.Get(HeaderImages), "oversized header must be dropped, not truncated")
	assert.True(t, ImagesSkipped(h))
}

func TestApplyForwardsUpstreamSkipSignal(t *testing.T) {
	h := http.Header{}
	Apply(h, &retrieval.ContextBundle{
		ImageMap:      map[string]retrieval.Image{"1": {URL: "https://cdn.example.com/a.png"}},
		ImagesSkipped: true,
	}, testLogger(t))

	assert.NotEmpty(t, h.Get(HeaderImages))
	assert.True(t, ImagesSkipped(h))
}

func TestApplyKeepsSmallHeaderWhenOtherIsOversized(t *testing.T) {
	var related []retrieval.Image
	for i := 0; i < 300; i++ {
		related = append(related, retrieval.Image{
			URL: "https://cdn.example.com/" + strings.Repeat("y", 48) + ".png",
		})
	}

	h := http.Header{}
	Apply(h, &retrieval.ContextBundle{
		ImageMap:      map[string]retrieval.Image{"1": {URL: "https://cdn.example.com/a.png"}},
		RelatedImages: related,
	}, testLogger(t))

	assert.NotEmpty(t, h.Get(HeaderImages))
	assert.Empty(t, h.Get(HeaderRelatedImages))
	assert.True(t, ImagesSkipped(h))
}

func TestDecodeRejectsCorruptHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderImages, "not-base64!!!")

	_, err := DecodeImageMap(h)
	assert.Error(t, err)
}
