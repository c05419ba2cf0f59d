package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

const searchToolName = "web_search"

// OpenAIProvider adapts the OpenAI-compatible chat completions API.
// The client is rebuilt per call from the request credential, so a
// fallback swap is just a second Generate with a different credential.
type OpenAIProvider struct {
	search       SearchFunc
	maxToolSteps int
	logger       *logger.Logger
}

// NewOpenAIProvider creates the provider adapter
func NewOpenAIProvider(search SearchFunc, maxToolSteps int, log *logger.Logger) *OpenAIProvider {
	if maxToolSteps <= 0 {
		maxToolSteps = 20
	}
	return &OpenAIProvider{
		search:       search,
		maxToolSteps: maxToolSteps,
		logger:       log,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate opens a cancellable streaming generation call. The first
// stream open happens synchronously so pre-content failures surface as
// a plain error; everything after that flows through the channels.
func (p *OpenAIProvider) Generate(ctx context.Context, req *GenerationRequest) (*GenerationStream, error) {
	client := p.newClient(req)
	chatReq := p.buildRequest(req)

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open generation stream: %w", err)
	}

	textCh := make(chan string, 64)
	reasoningCh := make(chan string, 64)
	toolCh := make(chan ToolCall, 8)
	usageCh := make(chan types.TokenUsage, 1)
	errCh := make(chan error, 1)

	go p.pump(ctx, client, chatReq, stream, textCh, reasoningCh, toolCh, usageCh, errCh)

	return &GenerationStream{
		Text:      textCh,
		Reasoning: reasoningCh,
		ToolCalls: toolCh,
		Usage:     usageCh,
		Errs:      errCh,
	}, nil
}

func (p *OpenAIProvider) newClient(req *GenerationRequest) *openai.Client {
	cfg := openai.DefaultConfig(req.Credential.Key)
	if req.Credential.BaseURL != "" {
		cfg.BaseURL = req.Credential.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

func (p *OpenAIProvider) buildRequest(req *GenerationRequest) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage

	system := req.System
	if req.Context != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Use the following reference material when it is relevant. " +
			"Keep inline image placeholders of the form [img:N] exactly as written.\n\n" + req.Context
	}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if req.ReasoningEffort != "" {
		chatReq.ReasoningEffort = req.ReasoningEffort
	}

	if req.EnableSearch && p.search != nil {
		chatReq.Tools = []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        searchToolName,
				Description: "Search the web for current information. Use for questions about recent events or facts you are unsure of.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query": map[string]interface{}{
							"type":        "string",
							"description": "The search query",
						},
					},
					"required": []string{"query"},
				},
			},
		}}
	}

	return chatReq
}

// pump reads stream chunks and fans them out to the typed channels,
// re-issuing the call for each tool round trip up to maxToolSteps.
func (p *OpenAIProvider) pump(
	ctx context.Context,
	client *openai.Client,
	chatReq openai.ChatCompletionRequest,
	stream *openai.ChatCompletionStream,
	textCh, reasoningCh chan<- string,
	toolCh chan<- ToolCall,
	usageCh chan<- types.TokenUsage,
	errCh chan<- error,
) {
	defer func() {
		close(textCh)
		close(reasoningCh)
		close(toolCh)
		close(usageCh)
		close(errCh)
	}()
	// stream is reassigned on every tool round trip; close whichever one
	// is live when the pump exits.
	defer func() { stream.Close() }()

	usage := types.TokenUsage{}
	sawUsage := false

	for step := 0; step < p.maxToolSteps; step++ {
		pending := map[int]*openai.ToolCall{}
		finish := openai.FinishReasonNull

	chunks:
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break chunks
			}
			if err != nil {
				errCh <- err
				return
			}

			if resp.Usage != nil {
				usage.Add(&types.TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				})
				sawUsage = true
			}

			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]

			if choice.Delta.ReasoningContent != "" {
				select {
				case reasoningCh <- choice.Delta.ReasoningContent:
				case <-ctx.Done():
					return
				}
			}
			if choice.Delta.Content != "" {
				select {
				case textCh <- choice.Delta.Content:
				case <-ctx.Done():
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := pending[idx]
				if !ok {
					acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
					pending[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != openai.FinishReasonNull && choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}

		if finish != openai.FinishReasonToolCalls || len(pending) == 0 {
			if sawUsage {
				usageCh <- usage
			}
			return
		}

		// Execute the search round trip and continue the generation.
		next, err := p.runToolStep(ctx, chatReq, pending, toolCh)
		if err != nil {
			errCh <- err
			return
		}
		chatReq = next

		stream.Close()
		stream, err = client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			errCh <- err
			return
		}
	}

	// Step budget exhausted: terminate rather than loop forever.
	p.logger.Warn("tool step budget exhausted", zap.Int("max_steps", p.maxToolSteps))
	if sawUsage {
		usageCh <- usage
	}
}

func (p *OpenAIProvider) runToolStep(
	ctx context.Context,
	chatReq openai.ChatCompletionRequest,
	pending map[int]*openai.ToolCall,
	toolCh chan<- ToolCall,
) (openai.ChatCompletionRequest, error) {
	// Parallel calls replay in their streamed index order.
	idxs := make([]int, 0, len(pending))
	for idx := range pending {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	calls := make([]openai.ToolCall, 0, len(idxs))
	for _, idx := range idxs {
		calls = append(calls, *pending[idx])
	}

	chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		ToolCalls: calls,
	})

	for _, tc := range calls {
		if tc.Function.Name != searchToolName {
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    "unknown tool",
				ToolCallID: tc.ID,
			})
			continue
		}

		query := gjson.Get(tc.Function.Arguments, "query").String()
		result, err := p.search(ctx, query)
		if err != nil {
			// A failed search is reported to the model, not to the user.
			p.logger.Warn("search tool failed", zap.Error(err), zap.String("query", query))
			result = "search unavailable"
		}

		select {
		case toolCh <- ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments, Result: result}:
		case <-ctx.Done():
			return chatReq, ctx.Err()
		}

		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    result,
			ToolCallID: tc.ID,
		})
	}

	return chatReq, nil
}
