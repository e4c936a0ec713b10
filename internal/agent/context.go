package agent

import (
	"encoding/json"
	"time"
)

// MediaAsset is one generated image, video or audio artifact.
type MediaAsset struct {
	URL       string    `json:"url"`
	Caption   string    `json:"caption,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PollAsset is one generated poll.
type PollAsset struct {
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// GeneratedAssets accumulates everything a run produced, per kind, in
// production order. Lists only grow during a run; "latest" is the last entry.
type GeneratedAssets struct {
	Images []MediaAsset `json:"images,omitempty"`
	Videos []MediaAsset `json:"videos,omitempty"`
	Audio  []MediaAsset `json:"audio,omitempty"`
	Polls  []PollAsset  `json:"polls,omitempty"`
}

// ToolCallRecord is one entry in a run's append-only audit trail.
type ToolCallRecord struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// IncomingMessage is the user request that started the run, including any
// quoted-message reference the channel attached.
type IncomingMessage struct {
	Text            string `json:"text"`
	MessageID       string `json:"messageId,omitempty"`
	QuotedMessageID string `json:"quotedMessageId,omitempty"`
	QuotedText      string `json:"quotedText,omitempty"`
}

// ExecutionContext is the mutable record shared across one agent run. It is
// owned exclusively by the running loop: tool fan-out never mutates it
// directly, the handler applies all mutations during fan-in.
type ExecutionContext struct {
	ChatID      string
	Input       IncomingMessage
	LastCommand string

	// PreviousResults holds the most recent result per tool name.
	PreviousResults map[string]*ToolResult

	// CallLog and Assets are append-only; nothing is removed mid-run.
	CallLog []ToolCallRecord
	Assets  GeneratedAssets

	// restored marks how much of each asset list was seeded from a prior
	// snapshot, so delivery only covers what this run produced.
	restored restoredCounts

	// SuppressFinalResponse forces the run's final text to be empty. Set by
	// tools that already streamed their own output.
	SuppressFinalResponse bool
}

func NewExecutionContext(chatID string, input IncomingMessage) *ExecutionContext {
	return &ExecutionContext{
		ChatID:          chatID,
		Input:           input,
		PreviousResults: make(map[string]*ToolResult),
	}
}

// RecordCall appends one audit entry and stores the result as the tool's most
// recent one.
func (ec *ExecutionContext) RecordCall(name string, args map[string]any, res *ToolResult) {
	rec := ToolCallRecord{Tool: name, Args: args, At: time.Now()}
	if res != nil {
		ec.PreviousResults[name] = res
		rec.Success = res.Success
		rec.Error = res.Error
	}
	ec.CallLog = append(ec.CallLog, rec)
}

// HasIdenticalCall reports whether a call with the same tool name and
// byte-identical arguments was already logged this run.
func (ec *ExecutionContext) HasIdenticalCall(name string, args map[string]any) bool {
	want := canonicalArgs(args)
	for _, rec := range ec.CallLog {
		if rec.Tool == name && canonicalArgs(rec.Args) == want {
			return true
		}
	}
	return false
}

// canonicalArgs renders args deterministically so identical maps compare
// equal regardless of insertion order. encoding/json sorts map keys.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// TrackAssets appends whatever the result produced to the per-kind lists.
// The caller invokes it exactly once per result.
func (ec *ExecutionContext) TrackAssets(res *ToolResult) {
	if res == nil {
		return
	}
	now := time.Now()
	if res.ImageURL != "" {
		ec.Assets.Images = append(ec.Assets.Images, MediaAsset{
			URL:       res.ImageURL,
			Caption:   res.BestCaption(res.ImageCaption),
			Prompt:    res.RevisedPrompt,
			Provider:  res.Provider,
			CreatedAt: now,
		})
	}
	if res.VideoURL != "" {
		ec.Assets.Videos = append(ec.Assets.Videos, MediaAsset{
			URL:       res.VideoURL,
			Caption:   res.BestCaption(res.VideoCaption),
			Prompt:    res.RevisedPrompt,
			Provider:  res.Provider,
			CreatedAt: now,
		})
	}
	if res.AudioURL != "" {
		ec.Assets.Audio = append(ec.Assets.Audio, MediaAsset{
			URL:       res.AudioURL,
			Caption:   res.BestCaption(""),
			Provider:  res.Provider,
			CreatedAt: now,
		})
	}
	if res.Poll != nil {
		ec.Assets.Polls = append(ec.Assets.Polls, PollAsset{
			Question:  res.Poll.Question,
			Options:   append([]string(nil), res.Poll.Options...),
			Topic:     res.Poll.Topic,
			CreatedAt: now,
		})
	}
}

type restoredCounts struct {
	images, videos, audio, polls int
}

// Restore seeds the context with a prior run's assets so references like
// "the image" keep resolving across conversations. The call log is not
// restored: duplicate detection is scoped to a single run, and a repeat of
// yesterday's request must run again.
func (ec *ExecutionContext) Restore(snap Snapshot) {
	ec.Assets = GeneratedAssets{
		Images: append([]MediaAsset(nil), snap.Assets.Images...),
		Videos: append([]MediaAsset(nil), snap.Assets.Videos...),
		Audio:  append([]MediaAsset(nil), snap.Assets.Audio...),
		Polls:  append([]PollAsset(nil), snap.Assets.Polls...),
	}
	ec.restored = restoredCounts{
		images: len(ec.Assets.Images),
		videos: len(ec.Assets.Videos),
		audio:  len(ec.Assets.Audio),
		polls:  len(ec.Assets.Polls),
	}
}

func latestMedia(list []MediaAsset) *MediaAsset {
	if len(list) == 0 {
		return nil
	}
	return &list[len(list)-1]
}

func (ec *ExecutionContext) LatestImage() *MediaAsset { return latestMedia(ec.Assets.Images) }
func (ec *ExecutionContext) LatestVideo() *MediaAsset { return latestMedia(ec.Assets.Videos) }
func (ec *ExecutionContext) LatestAudio() *MediaAsset { return latestMedia(ec.Assets.Audio) }

func (ec *ExecutionContext) LatestPoll() *PollAsset {
	if len(ec.Assets.Polls) == 0 {
		return nil
	}
	return &ec.Assets.Polls[len(ec.Assets.Polls)-1]
}

// producedMedia is latestMedia restricted to entries this run appended.
func producedMedia(list []MediaAsset, restored int) *MediaAsset {
	if len(list) <= restored {
		return nil
	}
	return &list[len(list)-1]
}

func (ec *ExecutionContext) producedImage() *MediaAsset {
	return producedMedia(ec.Assets.Images, ec.restored.images)
}

func (ec *ExecutionContext) producedVideo() *MediaAsset {
	return producedMedia(ec.Assets.Videos, ec.restored.videos)
}

func (ec *ExecutionContext) producedAudio() *MediaAsset {
	return producedMedia(ec.Assets.Audio, ec.restored.audio)
}

func (ec *ExecutionContext) producedPoll() *PollAsset {
	if len(ec.Assets.Polls) <= ec.restored.polls {
		return nil
	}
	return &ec.Assets.Polls[len(ec.Assets.Polls)-1]
}

// ToolsUsed returns the distinct tool names in call order.
func (ec *ExecutionContext) ToolsUsed() []string {
	seen := make(map[string]bool, len(ec.CallLog))
	var names []string
	for _, rec := range ec.CallLog {
		if !seen[rec.Tool] {
			seen[rec.Tool] = true
			names = append(names, rec.Tool)
		}
	}
	return names
}

// Snapshot is the persisted subset of a context: the audit trail and the
// produced assets. A run that restored a prior snapshot saves the combined
// asset history, so "the image" keeps pointing somewhere across runs; the
// call log it saves is this run's alone.
type Snapshot struct {
	ToolCalls []ToolCallRecord `json:"toolCalls"`
	Assets    GeneratedAssets  `json:"generatedAssets"`
}

func (ec *ExecutionContext) Snapshot() Snapshot {
	return Snapshot{ToolCalls: ec.CallLog, Assets: ec.Assets}
}
