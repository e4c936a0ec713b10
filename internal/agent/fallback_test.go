package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/mediaclaw/internal/resilience"
)

func newFallback(m *fakeMessenger) *Fallback {
	return NewFallback(resilience.NewRegistry(resilience.Config{FailureThreshold: 2}), m)
}

func TestFallbackFirstProviderSucceeds(t *testing.T) {
	m := &fakeMessenger{}
	f := newFallback(m)
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	res := f.Execute(context.Background(), ec, FallbackRequest{
		Tool:      "create_image",
		Providers: []string{"replicate", "fal"},
		Try: func(ctx context.Context, provider string) (*ToolResult, error) {
			return &ToolResult{Success: true, ImageURL: "http://x/1.jpg"}, nil
		},
	})

	require.NotNil(t, res)
	assert.Empty(t, res.Error)
	assert.Equal(t, "replicate", res.Provider)
	assert.Empty(t, m.texts(), "no retry notice on first-provider success")
}

func TestFallbackMovesToNextProviderWithNotice(t *testing.T) {
	m := &fakeMessenger{}
	f := newFallback(m)
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	res := f.Execute(context.Background(), ec, FallbackRequest{
		Tool:      "create_image",
		Providers: []string{"replicate", "fal"},
		Try: func(ctx context.Context, provider string) (*ToolResult, error) {
			if provider == "replicate" {
				return nil, errors.New("rate limited")
			}
			return &ToolResult{Success: true, ImageURL: "http://x/2.jpg"}, nil
		},
	})

	require.NotNil(t, res)
	assert.Equal(t, "fal", res.Provider)
	assert.Contains(t, m.texts(), "Trying fal instead…")
}

func TestFallbackResultErrorCountsAsFailure(t *testing.T) {
	m := &fakeMessenger{}
	f := newFallback(m)
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	res := f.Execute(context.Background(), ec, FallbackRequest{
		Tool:      "create_video",
		Providers: []string{"minimax", "kling"},
		Try: func(ctx context.Context, provider string) (*ToolResult, error) {
			if provider == "minimax" {
				return &ToolResult{Success: false, Error: "content policy"}, nil
			}
			return &ToolResult{Success: true, VideoURL: "http://x/1.mp4"}, nil
		},
	})

	assert.Equal(t, "kling", res.Provider)
}

func TestFallbackTextOnlyIsSuccess(t *testing.T) {
	m := &fakeMessenger{}
	f := newFallback(m)
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	tries := 0
	res := f.Execute(context.Background(), ec, FallbackRequest{
		Tool:      "create_image",
		Providers: []string{"replicate", "fal"},
		Try: func(ctx context.Context, provider string) (*ToolResult, error) {
			tries++
			return &ToolResult{Success: true, TextOnly: true, Data: "I can't draw that, but here is a description."}, nil
		},
	})

	assert.Empty(t, res.Error)
	assert.Equal(t, 1, tries, "text-only answer must not fall through to the next provider")
}

func TestFallbackExhaustionAggregatesAndMarksSent(t *testing.T) {
	m := &fakeMessenger{}
	f := newFallback(m)
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	res := f.Execute(context.Background(), ec, FallbackRequest{
		Tool:      "create_image",
		Providers: []string{"replicate", "fal", "openai"},
		Try: func(ctx context.Context, provider string) (*ToolResult, error) {
			return nil, errors.New(provider + " down")
		},
	})

	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.ErrorsAlreadySent)
	assert.Contains(t, res.Error, "create_image failed on every provider:")
	assert.Contains(t, res.Error, "- replicate: replicate down")
	assert.Contains(t, res.Error, "- fal: fal down")
	assert.Contains(t, res.Error, "- openai: openai down")

	// The same aggregate went to the user exactly once.
	var reports int
	for _, text := range m.texts() {
		if text == res.Error {
			reports++
		}
	}
	assert.Equal(t, 1, reports)
}

func TestFallbackRequestedProviderSingleMessage(t *testing.T) {
	m := &fakeMessenger{}
	f := newFallback(m)
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	res := f.Execute(context.Background(), ec, FallbackRequest{
		Tool:              "create_image",
		Providers:         []string{"fal"},
		RequestedProvider: "fal",
		Try: func(ctx context.Context, provider string) (*ToolResult, error) {
			return nil, errors.New("no capacity")
		},
	})

	assert.Equal(t, "create_image failed with fal: no capacity", res.Error)
	assert.True(t, res.ErrorsAlreadySent)
}

func TestFallbackSkipsOpenBreaker(t *testing.T) {
	m := &fakeMessenger{}
	breakers := resilience.NewRegistry(resilience.Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	f := NewFallback(breakers, m)
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	// Trip replicate/create_image ahead of time.
	_, err := breakers.Get("replicate", "create_image").Execute(context.Background(),
		func(ctx context.Context) (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)

	tried := map[string]bool{}
	res := f.Execute(context.Background(), ec, FallbackRequest{
		Tool:      "create_image",
		Providers: []string{"replicate", "fal"},
		Try: func(ctx context.Context, provider string) (*ToolResult, error) {
			tried[provider] = true
			return &ToolResult{Success: true, ImageURL: "http://x/3.jpg"}, nil
		},
	})

	assert.False(t, tried["replicate"], "open breaker must be skipped without a call")
	assert.True(t, tried["fal"])
	assert.Equal(t, "fal", res.Provider)
}

func TestFallbackNoProvidersConfigured(t *testing.T) {
	f := newFallback(&fakeMessenger{})
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	res := f.Execute(context.Background(), ec, FallbackRequest{Tool: "create_image"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no providers configured")
}
