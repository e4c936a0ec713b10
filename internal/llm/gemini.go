package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient implements Client on top of Google's generative AI SDK.
// Gemini's chat API maps directly onto the Session contract: a ChatSession
// carries history, and tool results go back as FunctionResponse parts.
type GeminiClient struct {
	client *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

func (c *GeminiClient) NewSession(_ context.Context, opts SessionOptions) (Session, error) {
	if c.client == nil {
		return nil, fmt.Errorf("gemini client is not initialized")
	}
	model := c.client.GenerativeModel(opts.Model)
	if opts.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(opts.SystemPrompt)}}
	}
	if opts.Temperature > 0 {
		model.SetTemperature(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(opts.MaxTokens))
	}
	model.Tools = toGeminiTools(opts.Tools)
	return &geminiSession{chat: model.StartChat()}, nil
}

func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

type geminiSession struct {
	chat *genai.ChatSession
}

func (s *geminiSession) SendText(ctx context.Context, prompt string) (*Reply, error) {
	resp, err := s.chat.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini send message: %w", err)
	}
	return fromGeminiResponse(resp), nil
}

func (s *geminiSession) SendToolResults(ctx context.Context, results []FunctionResponse) (*Reply, error) {
	parts := make([]genai.Part, 0, len(results))
	for _, res := range results {
		parts = append(parts, genai.FunctionResponse{
			Name:     res.Name,
			Response: res.Response,
		})
	}
	resp, err := s.chat.SendMessage(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini send tool results: %w", err)
	}
	return fromGeminiResponse(resp), nil
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) *Reply {
	reply := &Reply{}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return reply
	}
	var textParts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if text := strings.TrimSpace(string(p)); text != "" {
				textParts = append(textParts, text)
			}
		case genai.FunctionCall:
			args := p.Args
			if args == nil {
				args = map[string]any{}
			}
			reply.FunctionCalls = append(reply.FunctionCalls, FunctionCall{
				Name: p.Name,
				Args: args,
			})
		}
	}
	reply.Text = strings.Join(textParts, "\n")
	return reply
}

func toGeminiTools(decls []ToolDecl) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(d.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON-schema-shaped parameter map into the SDK's
// schema type. Only the object/properties/required subset tools declare is
// translated.
func toGeminiSchema(params map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject}
	if params == nil {
		return schema
	}
	if props, ok := params["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			propMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			prop := &genai.Schema{}
			if typ, ok := propMap["type"].(string); ok {
				prop.Type = geminiSchemaType(typ)
			}
			if desc, ok := propMap["description"].(string); ok {
				prop.Description = desc
			}
			if items, ok := propMap["items"].(map[string]any); ok {
				prop.Items = &genai.Schema{Type: genai.TypeString}
				if itemType, ok := items["type"].(string); ok {
					prop.Items.Type = geminiSchemaType(itemType)
				}
			}
			if rawEnum, ok := propMap["enum"].([]any); ok {
				for _, e := range rawEnum {
					if s, ok := e.(string); ok {
						prop.Enum = append(prop.Enum, s)
					}
				}
			}
			schema.Properties[name] = prop
		}
	}
	if required, ok := params["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

func geminiSchemaType(typ string) genai.Type {
	switch typ {
	case "object":
		return genai.TypeObject
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeUnspecified
	}
}
