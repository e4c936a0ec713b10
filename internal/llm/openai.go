package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client for OpenAI and OpenAI-compatible endpoints.
type OpenAIClient struct {
	client *openai.Client
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClient(apiKey)}
}

// NewOpenAIClientWithBaseURL targets an OpenAI-compatible server.
func NewOpenAIClientWithBaseURL(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) NewSession(_ context.Context, opts SessionOptions) (Session, error) {
	if c.client == nil {
		return nil, fmt.Errorf("openai client is not initialized")
	}
	s := &openAISession{client: c.client, opts: opts}
	if opts.SystemPrompt != "" {
		s.history = append(s.history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	return s, nil
}

func (c *OpenAIClient) Close() error { return nil }

type openAISession struct {
	client  *openai.Client
	opts    SessionOptions
	history []openai.ChatCompletionMessage
}

func (s *openAISession) SendText(ctx context.Context, prompt string) (*Reply, error) {
	s.history = append(s.history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	return s.complete(ctx)
}

func (s *openAISession) SendToolResults(ctx context.Context, results []FunctionResponse) (*Reply, error) {
	for _, res := range results {
		payload, err := json.Marshal(res.Response)
		if err != nil {
			payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
		s.history = append(s.history, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Name:       res.Name,
			Content:    string(payload),
			ToolCallID: res.ID,
		})
	}
	return s.complete(ctx)
}

func (s *openAISession) complete(ctx context.Context) (*Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:     s.opts.Model,
		Messages:  s.history,
		Tools:     toOpenAITools(s.opts.Tools),
		MaxTokens: s.opts.MaxTokens,
	}
	if s.opts.Temperature > 0 {
		req.Temperature = float32(s.opts.Temperature)
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat completion: no choices in response")
	}

	msg := resp.Choices[0].Message
	s.history = append(s.history, msg)

	reply := &Reply{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		reply.FunctionCalls = append(reply.FunctionCalls, FunctionCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return reply, nil
}

func toOpenAITools(decls []ToolDecl) []openai.Tool {
	if len(decls) == 0 {
		return nil
	}
	tools := make([]openai.Tool, len(decls))
	for i, d := range decls {
		def := openai.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
		tools[i] = openai.Tool{Type: openai.ToolTypeFunction, Function: &def}
	}
	return tools
}
