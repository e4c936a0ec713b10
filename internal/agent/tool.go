package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/stellarlinkco/mediaclaw/internal/llm"
)

// Capability classifies a tool once, at registration, instead of ad hoc
// name lists in every consumer.
type Capability int

const (
	// CapabilityData tools fetch or compute information (search, memory).
	CapabilityData Capability = iota
	// CapabilityCreation tools produce a media asset and are single-use per
	// run: one success blocks further calls to the same tool.
	CapabilityCreation
	// CapabilityOutput tools act on the outside world (messaging, polls,
	// location).
	CapabilityOutput
)

func (c Capability) String() string {
	switch c {
	case CapabilityData:
		return "data"
	case CapabilityCreation:
		return "creation"
	case CapabilityOutput:
		return "output"
	default:
		return "unknown"
	}
}

// ToolSpec is a tool's static descriptor.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Capability  Capability
	// Stochastic tools produce different output for identical arguments
	// (randomized content, retry tools) and are exempt from identical-args
	// deduplication.
	Stochastic bool
}

// Tool is a named action executed on behalf of the model. Execute returns
// expected failures as ToolResult.Error, not as a Go error; the handler still
// contains anything that escapes.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args map[string]any, ec *ExecutionContext) (*ToolResult, error)
}

// PollPayload is the structured poll a tool produced.
type PollPayload struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	Topic           string   `json:"topic,omitempty"`
	MultipleAnswers bool     `json:"multipleAnswers,omitempty"`
}

// ToolResult is the loosely-typed union every tool returns. Presence of a
// media URL field is itself the signal of what was produced.
type ToolResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    string `json:"data,omitempty"`

	ImageURL     string       `json:"imageUrl,omitempty"`
	ImageCaption string       `json:"imageCaption,omitempty"`
	VideoURL     string       `json:"videoUrl,omitempty"`
	VideoCaption string       `json:"videoCaption,omitempty"`
	AudioURL     string       `json:"audioUrl,omitempty"`
	Poll         *PollPayload `json:"poll,omitempty"`

	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	LocationInfo string   `json:"locationInfo,omitempty"`

	Caption       string `json:"caption,omitempty"`
	Description   string `json:"description,omitempty"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
	Provider      string `json:"provider,omitempty"`

	SuppressFinalResponse bool `json:"suppressFinalResponse,omitempty"`
	ErrorsAlreadySent     bool `json:"errorsAlreadySent,omitempty"`
	// TextOnly marks a valid text answer from a media provider; fallback
	// treats it as success, not as a failure to retry.
	TextOnly bool `json:"textOnly,omitempty"`
	// RetryInProgress suppresses the immediate error notification while the
	// tool's own fallback is still running.
	RetryInProgress bool `json:"retryInProgress,omitempty"`
}

// BestCaption picks caption text in fixed priority: the explicit per-media
// caption, then the generic caption, description, revised prompt, empty.
func (r *ToolResult) BestCaption(explicit string) string {
	for _, c := range []string{explicit, r.Caption, r.Description, r.RevisedPrompt} {
		if c != "" {
			return c
		}
	}
	return ""
}

// AsResponse renders the result as the key/value map handed back to the
// model for its matching function call.
func (r *ToolResult) AsResponse() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	if _, ok := out["success"]; !ok {
		out["success"] = r.Success
	}
	return out
}

// Failure builds a success:false result from a message.
func Failure(format string, args ...any) *ToolResult {
	return &ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := tool.Spec().Name
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations renders tool specs for session creation. With a filter it
// returns only the named tools, which multi-step uses to restrict a step's
// session to its single target tool.
func (r *Registry) Declarations(filter ...string) []llm.ToolDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]bool, len(filter))
	for _, name := range filter {
		want[name] = true
	}

	var decls []llm.ToolDecl
	for _, name := range r.namesLocked() {
		if len(filter) > 0 && !want[name] {
			continue
		}
		spec := r.tools[name].Spec()
		decls = append(decls, llm.ToolDecl{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return decls
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
