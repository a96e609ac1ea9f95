package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// OpenAIProvider speaks the OpenAI-compatible chat completions protocol,
// which also covers OpenRouter, Ollama's /v1 endpoint and most local
// servers.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	pricing Pricing
	client  *http.Client
}

// NewOpenAIProvider creates the provider. baseURL defaults to the OpenAI
// API.
func NewOpenAIProvider(baseURL, apiKey, model string, pricing Pricing) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model required", types.ErrConfig)
	}
	return &OpenAIProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		pricing: pricing,
		client:  &http.Client{Timeout: 180 * time.Second},
	}, nil
}

// Name identifies the provider.
func (p *OpenAIProvider) Name() string { return "openai/" + p.model }

// Pricing returns the configured cost basis.
func (p *OpenAIProvider) Pricing() Pricing { return p.pricing }

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	Name       string       `json:"name,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature *float32    `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
}

type oaResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete runs a plain completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return p.call(ctx, req, false)
}

// CompleteWithTools runs a completion with tool schemas attached.
func (p *OpenAIProvider) CompleteWithTools(ctx context.Context, req *Request) (*Response, error) {
	return p.call(ctx, req, true)
}

func (p *OpenAIProvider) call(ctx context.Context, req *Request, withTools bool) (*Response, error) {
	body := oaRequest{
		Model:       p.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
	}
	for _, m := range req.Messages {
		om := oaMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == RoleTool {
			om.Role = "tool"
			om.Name = m.ToolName
			om.ToolCallID = m.ToolCallID
		}
		body.Messages = append(body.Messages, om)
	}
	if withTools {
		for _, t := range req.Tools {
			var ot oaTool
			ot.Type = "function"
			ot.Function.Name = t.Name
			ot.Function.Description = t.Description
			ot.Function.Parameters = t.Parameters
			body.Tools = append(body.Tools, ot)
		}
		switch req.ToolChoice {
		case ToolChoiceNone:
			body.ToolChoice = "none"
		case ToolChoiceAny:
			body.ToolChoice = "required"
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLlmRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLlmRequest, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLlmRequest, err)
	}
	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status 429", types.ErrLlmRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", types.ErrLlmAuth, httpResp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d: %s", types.ErrLlmRequest, httpResp.StatusCode, truncate(string(raw), 200))
	}

	var parsed oaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrLlmRequest, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", types.ErrLlmRequest)
	}

	choice := parsed.Choices[0]
	resp := &Response{
		Text:             choice.Message.Content,
		Provider:         p.Name(),
		Model:            p.model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		ResponseID:       parsed.ID,
	}
	switch choice.FinishReason {
	case "stop":
		resp.FinishReason = FinishStop
	case "length":
		resp.FinishReason = FinishLength
	case "tool_calls":
		resp.FinishReason = FinishToolUse
	case "content_filter":
		resp.FinishReason = FinishContentFilter
	default:
		resp.FinishReason = FinishUnknown
	}
	for _, tc := range choice.Message.ToolCalls {
		var params map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
			params = map[string]any{"_raw": tc.Function.Arguments}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:     tc.ID,
			Name:   tc.Function.Name,
			Params: params,
		})
	}
	return resp, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
