package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Classification is the single authoritative verdict on a provider
// error: whether the signature is recognized, whether a one-shot
// credential fallback may retry it, and the message shown to the user.
type Classification struct {
	Recognized  bool
	Retryable   bool
	Canceled    bool
	UserMessage string
}

const genericErrorMessage = "Something went wrong while generating a response. Please try again."

// Classify maps a provider error onto the taxonomy. Raw internal errors
// are never shown to users; unrecognized errors get the generic message.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Canceled: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{
			Recognized:  true,
			UserMessage: "The response took too long and was cut off. Please try again.",
		}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return Classification{
				Recognized:  true,
				Retryable:   true,
				UserMessage: "The model provider rejected the API credential.",
			}
		case apiErr.HTTPStatusCode == 429:
			return Classification{
				Recognized:  true,
				Retryable:   true,
				UserMessage: "The model provider is rate limiting requests. Please try again in a moment.",
			}
		case isContextLength(apiErr):
			return Classification{
				Recognized:  true,
				UserMessage: "This conversation is too long for the selected model. Start a new chat or remove older messages.",
			}
		case apiErr.HTTPStatusCode >= 500:
			return Classification{
				Recognized:  true,
				Retryable:   true,
				UserMessage: "The model provider had a temporary problem. Please try again.",
			}
		default:
			return Classification{
				Recognized:  true,
				UserMessage: genericErrorMessage,
			}
		}
	}

	return Classification{UserMessage: genericErrorMessage}
}

func isContextLength(apiErr *openai.APIError) bool {
	if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(apiErr.Message, "maximum context length")
}

// DetectLeakedError scans plain output text for a provider error blob
// that slipped through as content. This is the finalizer's secondary
// safety net; it returns the user-facing message, or "" when the text
// looks like a normal answer.
func DetectLeakedError(text string) string {
	trimmed := strings.TrimSpace(text)

	idx := strings.Index(trimmed, `{"error"`)
	if idx == -1 {
		return ""
	}
	// Only treat it as a leak when the blob dominates the output;
	// an answer quoting an error payload is not a failure.
	if idx > 16 {
		return ""
	}

	blob := trimmed[idx:]
	if !gjson.Valid(blob) {
		// Tolerate trailing junk after the JSON object.
		if end := strings.LastIndex(blob, "}"); end > 0 && gjson.Valid(blob[:end+1]) {
			blob = blob[:end+1]
		} else {
			return ""
		}
	}

	msg := gjson.Get(blob, "error.message")
	if !msg.Exists() {
		return ""
	}

	if strings.Contains(msg.String(), "maximum context length") {
		return "This conversation is too long for the selected model. Start a new chat or remove older messages."
	}
	return genericErrorMessage
}
