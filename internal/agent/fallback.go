package agent

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/mediaclaw/internal/resilience"
)

// FallbackRequest describes one tool call to attempt across an ordered
// provider list. Try executes the actual provider call; the fallback layer
// owns breaker checks, retry notices and error aggregation.
type FallbackRequest struct {
	Tool      string
	Providers []string
	// RequestedProvider is set when the user pinned a specific provider; the
	// final error then names that provider alone instead of the full list.
	RequestedProvider string
	Try               func(ctx context.Context, provider string) (*ToolResult, error)
}

type providerFailure struct {
	Provider string
	Message  string
}

// Fallback tries providers in order for one tool call, one breaker per
// (provider, tool) attempt, stopping at first success.
type Fallback struct {
	Breakers  *resilience.Registry
	Messenger Messenger
}

func NewFallback(breakers *resilience.Registry, messenger Messenger) *Fallback {
	return &Fallback{Breakers: breakers, Messenger: messenger}
}

// Execute returns the first successful result, or one aggregated failure
// with ErrorsAlreadySent set after the user has been told. Exactly one
// success path or one final failure report; never both, never silence.
func (f *Fallback) Execute(ctx context.Context, ec *ExecutionContext, req FallbackRequest) *ToolResult {
	if req.Try == nil || len(req.Providers) == 0 {
		return Failure("no providers configured for %s", req.Tool)
	}

	var failures []providerFailure

	for i, provider := range req.Providers {
		if i > 0 {
			notify(ctx, f.Messenger, ec.ChatID, fmt.Sprintf("Trying %s instead…", provider))
		}

		breaker := f.Breakers.Get(provider, req.Tool)
		if breaker.IsOpen() {
			// Skip without calling; recorded like any provider failure so
			// fallback proceeds instead of blocking on a known-bad provider.
			failures = append(failures, providerFailure{
				Provider: provider,
				Message:  "temporarily unavailable (too many recent failures)",
			})
			log.Printf("[fallback] %s/%s skipped: breaker open", provider, req.Tool)
			continue
		}

		value, err := breaker.Execute(ctx, func(callCtx context.Context) (any, error) {
			return req.Try(callCtx, provider)
		})
		if err != nil {
			failures = append(failures, providerFailure{Provider: provider, Message: err.Error()})
			continue
		}

		res, ok := value.(*ToolResult)
		if !ok || res == nil {
			failures = append(failures, providerFailure{Provider: provider, Message: "provider returned no result"})
			continue
		}
		if res.Error != "" {
			failures = append(failures, providerFailure{Provider: provider, Message: res.Error})
			continue
		}

		// A textOnly result is valid content without media: success, not a
		// reason to fall through to the next provider.
		if res.Provider == "" {
			res.Provider = provider
		}
		return res
	}

	return f.reportExhausted(ctx, ec, req, failures)
}

func (f *Fallback) reportExhausted(ctx context.Context, ec *ExecutionContext, req FallbackRequest, failures []providerFailure) *ToolResult {
	var message string
	if req.RequestedProvider != "" {
		message = fmt.Sprintf("%s failed with %s: %s",
			req.Tool, req.RequestedProvider, failureFor(failures, req.RequestedProvider))
	} else {
		lines := make([]string, 0, len(failures)+1)
		lines = append(lines, fmt.Sprintf("%s failed on every provider:", req.Tool))
		for _, fail := range failures {
			lines = append(lines, fmt.Sprintf("- %s: %s", fail.Provider, fail.Message))
		}
		message = strings.Join(lines, "\n")
	}

	notify(ctx, f.Messenger, ec.ChatID, message)

	res := Failure("%s", message)
	res.ErrorsAlreadySent = true
	return res
}

func failureFor(failures []providerFailure, provider string) string {
	for _, fail := range failures {
		if fail.Provider == provider {
			return fail.Message
		}
	}
	if len(failures) > 0 {
		return failures[len(failures)-1].Message
	}
	return "unknown error"
}
