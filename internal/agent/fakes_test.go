package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/stellarlinkco/mediaclaw/internal/llm"
)

// fakeMessenger records every send for assertions.
type fakeMessenger struct {
	mu    sync.Mutex
	sends []sentMessage

	textErr error
}

type sentMessage struct {
	Kind     string // "text", "file", "location", "poll"
	ChatID   string
	Text     string
	URL      string
	Filename string
	Caption  string
	Lat, Lng float64
	Info     string
	Question string
	Options  []string
	Multiple bool
	Quoted   string
}

func (m *fakeMessenger) record(msg sentMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, msg)
}

func (m *fakeMessenger) SendText(ctx context.Context, chatID, text, quotedMessageID string) error {
	if m.textErr != nil {
		return m.textErr
	}
	m.record(sentMessage{Kind: "text", ChatID: chatID, Text: text, Quoted: quotedMessageID})
	return nil
}

func (m *fakeMessenger) SendFileByURL(ctx context.Context, chatID, url, filename, caption, quotedMessageID string) error {
	m.record(sentMessage{Kind: "file", ChatID: chatID, URL: url, Filename: filename, Caption: caption, Quoted: quotedMessageID})
	return nil
}

func (m *fakeMessenger) SendLocation(ctx context.Context, chatID string, latitude, longitude float64, info, quotedMessageID string) error {
	m.record(sentMessage{Kind: "location", ChatID: chatID, Lat: latitude, Lng: longitude, Info: info, Quoted: quotedMessageID})
	return nil
}

func (m *fakeMessenger) SendPoll(ctx context.Context, chatID, question string, options []string, multipleAnswers bool, quotedMessageID string) error {
	m.record(sentMessage{Kind: "poll", ChatID: chatID, Question: question, Options: options, Multiple: multipleAnswers, Quoted: quotedMessageID})
	return nil
}

func (m *fakeMessenger) all() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sends...)
}

func (m *fakeMessenger) ofKind(kind string) []sentMessage {
	var out []sentMessage
	for _, s := range m.all() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (m *fakeMessenger) texts() []string {
	var out []string
	for _, s := range m.ofKind("text") {
		out = append(out, s.Text)
	}
	return out
}

// fakeTool returns canned results, optionally varying per call.
type fakeTool struct {
	spec    ToolSpec
	mu      sync.Mutex
	calls   []map[string]any
	results []*ToolResult // consumed in order; last one repeats
	execErr error
	panics  bool
	fn      func(ctx context.Context, args map[string]any, ec *ExecutionContext) (*ToolResult, error)
}

func (f *fakeTool) Spec() ToolSpec { return f.spec }

func (f *fakeTool) Execute(ctx context.Context, args map[string]any, ec *ExecutionContext) (*ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	n := len(f.calls)
	f.mu.Unlock()

	if f.panics {
		panic("fake tool exploded")
	}
	if f.fn != nil {
		return f.fn(ctx, args, ec)
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	if len(f.results) == 0 {
		return &ToolResult{Success: true, Data: fmt.Sprintf("call %d", n)}, nil
	}
	idx := n - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSession replays scripted model replies.
type fakeSession struct {
	mu       sync.Mutex
	replies  []*llm.Reply
	sendErr  error
	prompts  []string
	received [][]llm.FunctionResponse
}

func (s *fakeSession) next() (*llm.Reply, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	if len(s.replies) == 0 {
		return &llm.Reply{Text: "done"}, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *fakeSession) SendText(ctx context.Context, prompt string) (*llm.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return s.next()
}

func (s *fakeSession) SendToolResults(ctx context.Context, responses []llm.FunctionResponse) (*llm.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, responses)
	return s.next()
}

// fakeClient hands out sessions in creation order.
type fakeClient struct {
	mu       sync.Mutex
	sessions []*fakeSession
	created  int
	err      error
}

func (c *fakeClient) NewSession(ctx context.Context, opts llm.SessionOptions) (llm.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.created >= len(c.sessions) {
		return &fakeSession{}, nil
	}
	s := c.sessions[c.created]
	c.created++
	return s, nil
}

func (c *fakeClient) Close() error { return nil }

func callTo(name string, args map[string]any) llm.FunctionCall {
	return llm.FunctionCall{ID: name + "-1", Name: name, Args: args}
}

func callsTo(name string, args map[string]any) []llm.FunctionCall {
	return []llm.FunctionCall{callTo(name, args)}
}

func registryWith(t interface{ Fatalf(string, ...any) }, tools ...Tool) *Registry {
	r := NewRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return r
}
