// Package llm abstracts function-calling chat sessions so the agent core can
// drive OpenAI-compatible and Gemini backends through one interface.
package llm

import "context"

// FunctionCall is a single tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionResponse carries one tool's result back to the model. Every
// FunctionCall the model emits must be answered by exactly one response.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Reply is one model turn: free text, zero or more requested tool calls.
type Reply struct {
	Text          string
	FunctionCalls []FunctionCall
}

// HasFunctionCalls reports whether the model requested further tool work.
func (r *Reply) HasFunctionCalls() bool {
	return r != nil && len(r.FunctionCalls) > 0
}

// ToolDecl declares a callable tool to the model at session creation.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionOptions configure a new chat session.
type SessionOptions struct {
	Model        string
	SystemPrompt string
	Tools        []ToolDecl
	Temperature  float64
	MaxTokens    int
}

// Session is one running conversation with the model. Implementations keep
// the turn history internally; callers alternate SendText / SendToolResults.
type Session interface {
	SendText(ctx context.Context, prompt string) (*Reply, error)
	SendToolResults(ctx context.Context, results []FunctionResponse) (*Reply, error)
}

// Client creates sessions. Multi-step execution creates one throwaway session
// per step; the conversational loop holds a single session per run.
type Client interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}
