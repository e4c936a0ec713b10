package agent

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/mediaclaw/internal/llm"
)

const DefaultMaxIterations = 10

// ContextStore persists run context between conversations. Implementations
// are collaborators; the loop saves best-effort after a successful run.
type ContextStore interface {
	GetAgentContext(ctx context.Context, chatID string) (*Snapshot, error)
	SaveAgentContext(ctx context.Context, chatID string, snap Snapshot) error
}

// Loop drives one conversational run: send a prompt, execute whatever tool
// calls come back, feed results into the next turn, stop on a text-only
// reply or the iteration cap.
type Loop struct {
	Handler       *Handler
	Store         ContextStore
	MaxIterations int
	// CleanText strips known non-content markers from model text before it
	// is surfaced. Presentation-layer collaborator; nil means identity.
	CleanText func(string) string
}

// Run executes the state machine over an already-created session. The only
// error returned is a model/session failure; tool failures are reported
// inline and never abort the run.
func (l *Loop) Run(ctx context.Context, session llm.Session, prompt string, ec *ExecutionContext) (*RunResult, error) {
	maxIterations := l.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	// Restore whatever the last run for this chat left behind. A failed load
	// starts a fresh context; it never aborts the run.
	if l.Store != nil && ec.ChatID != "" {
		snap, err := l.Store.GetAgentContext(ctx, ec.ChatID)
		if err != nil {
			log.Printf("[loop] load context for %s failed: %v", ec.ChatID, err)
		} else if snap != nil {
			ec.Restore(*snap)
			if note := recapAssets(snap.Assets); note != "" {
				prompt = note + "\n\n" + prompt
			}
		}
	}

	rs := NewRunState()
	iterations := 0

	reply, err := session.SendText(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("model turn: %w", err)
	}

	for reply.HasFunctionCalls() {
		if iterations >= maxIterations {
			log.Printf("[loop] chat %s hit iteration cap (%d)", ec.ChatID, maxIterations)
			return &RunResult{
				Success:     false,
				Error:       "I couldn't finish that request, please try again.",
				ToolsUsed:   ec.ToolsUsed(),
				Iterations:  iterations,
				ToolCalls:   ec.CallLog,
				ToolResults: ec.PreviousResults,
			}, nil
		}

		responses := l.Handler.ExecuteBatch(ctx, reply.FunctionCalls, ec, rs)
		iterations++

		reply, err = session.SendToolResults(ctx, responses)
		if err != nil {
			return nil, fmt.Errorf("model turn %d: %w", iterations, err)
		}
	}

	return l.finalize(ctx, reply.Text, ec, iterations), nil
}

// finalize assembles the terminal result from the model's closing text and
// the accumulated context.
func (l *Loop) finalize(ctx context.Context, text string, ec *ExecutionContext, iterations int) *RunResult {
	if l.CleanText != nil {
		text = l.CleanText(text)
	}
	if ec.SuppressFinalResponse {
		text = ""
	}

	result := &RunResult{
		Success:     true,
		Text:        text,
		ToolsUsed:   ec.ToolsUsed(),
		Iterations:  iterations,
		ToolCalls:   ec.CallLog,
		ToolResults: ec.PreviousResults,
		MultiStep:   false,
	}

	if img := ec.producedImage(); img != nil {
		result.ImageURL = img.URL
		result.ImageCaption = img.Caption
	}
	if vid := ec.producedVideo(); vid != nil {
		result.VideoURL = vid.URL
		result.VideoCaption = vid.Caption
	}
	if aud := ec.producedAudio(); aud != nil {
		result.AudioURL = aud.URL
	}
	result.Poll = ec.producedPoll()

	if lat, lng, info, ok := lastLocation(ec); ok {
		result.Latitude = lat
		result.Longitude = lng
		result.LocationInfo = info
	}

	if l.Store != nil && ec.ChatID != "" {
		if err := l.Store.SaveAgentContext(ctx, ec.ChatID, ec.Snapshot()); err != nil {
			log.Printf("[loop] save context for %s failed: %v", ec.ChatID, err)
		}
	}

	return result
}

// recapAssets summarizes a prior run's latest assets so the model can resolve
// references like "the image" without regenerating anything.
func recapAssets(assets GeneratedAssets) string {
	var lines []string
	if img := latestMedia(assets.Images); img != nil {
		lines = append(lines, "- image: "+img.URL)
	}
	if vid := latestMedia(assets.Videos); vid != nil {
		lines = append(lines, "- video: "+vid.URL)
	}
	if aud := latestMedia(assets.Audio); aud != nil {
		lines = append(lines, "- audio: "+aud.URL)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Previously generated in this chat:\n" + strings.Join(lines, "\n")
}

// lastLocation finds the most recent tool result carrying coordinates,
// walking the call log backwards.
func lastLocation(ec *ExecutionContext) (*float64, *float64, string, bool) {
	for i := len(ec.CallLog) - 1; i >= 0; i-- {
		res, ok := ec.PreviousResults[ec.CallLog[i].Tool]
		if !ok || res.Latitude == nil || res.Longitude == nil {
			continue
		}
		return res.Latitude, res.Longitude, res.LocationInfo, true
	}
	return nil, nil, "", false
}
