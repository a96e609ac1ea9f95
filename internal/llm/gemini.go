package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// GeminiProvider implements the port on Google's Gemini API.
type GeminiProvider struct {
	client  *genai.Client
	model   string
	pricing Pricing
}

// NewGeminiProvider creates the provider.
func NewGeminiProvider(apiKey, model string, pricing Pricing) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini api key required", types.ErrLlmAuth)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLlmRequest, err)
	}
	return &GeminiProvider{client: client, model: model, pricing: pricing}, nil
}

// Name identifies the provider.
func (p *GeminiProvider) Name() string { return "gemini/" + p.model }

// Pricing returns the configured cost basis.
func (p *GeminiProvider) Pricing() Pricing { return p.pricing }

// Complete runs a plain completion.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return p.generate(ctx, req, nil)
}

// CompleteWithTools runs a completion with function declarations.
func (p *GeminiProvider) CompleteWithTools(ctx context.Context, req *Request) (*Response, error) {
	var tools []*genai.Tool
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			}
		}
		tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return p.generate(ctx, req, tools)
}

func (p *GeminiProvider) generate(ctx context.Context, req *Request, tools []*genai.Tool) (*Response, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}
	if tools != nil {
		cfg.Tools = tools
		mode := genai.FunctionCallingConfigModeAuto
		switch req.ToolChoice {
		case ToolChoiceNone:
			mode = genai.FunctionCallingConfigModeNone
		case ToolChoiceAny:
			mode = genai.FunctionCallingConfigModeAny
		}
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode},
		}
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		case RoleTool:
			contents = append(contents, genai.NewContentFromFunctionResponse(
				m.ToolName, map[string]any{"output": m.Content}, genai.RoleUser))
		}
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLlmRequest, err)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", types.ErrLlmRequest)
	}

	cand := result.Candidates[0]
	resp := &Response{
		Provider:     p.Name(),
		Model:        p.model,
		FinishReason: mapGeminiFinish(cand.FinishReason),
		ResponseID:   result.ResponseID,
	}
	if result.UsageMetadata != nil {
		resp.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	if cand.Content != nil {
		for i, part := range cand.Content.Parts {
			if part.Text != "" {
				resp.Text += part.Text
			}
			if part.FunctionCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{
					ID:     fmt.Sprintf("call-%d", i),
					Name:   part.FunctionCall.Name,
					Params: part.FunctionCall.Args,
				})
			}
		}
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishToolUse
	}
	return resp, nil
}

func mapGeminiFinish(r genai.FinishReason) FinishReason {
	switch r {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return FinishContentFilter
	default:
		return FinishUnknown
	}
}
