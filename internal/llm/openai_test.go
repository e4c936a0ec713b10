package llm

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestToOpenAITools(t *testing.T) {
	decls := []ToolDecl{
		{Name: "create_image", Description: "generate an image", Parameters: map[string]any{"type": "object"}},
		{Name: "search_web", Description: "search"},
	}

	tools := toOpenAITools(decls)
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}
	if tools[0].Type != openai.ToolTypeFunction {
		t.Errorf("tool type = %v", tools[0].Type)
	}
	if tools[0].Function.Name != "create_image" || tools[0].Function.Description != "generate an image" {
		t.Errorf("function def = %+v", tools[0].Function)
	}
	if tools[1].Function.Parameters != nil {
		t.Errorf("parameters = %v, want nil", tools[1].Function.Parameters)
	}
}

func TestToOpenAIToolsEmpty(t *testing.T) {
	if toOpenAITools(nil) != nil {
		t.Error("expected nil for no declarations")
	}
}
