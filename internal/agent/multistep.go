package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/stellarlinkco/mediaclaw/internal/llm"
)

// Step is one unit of a pre-built plan. Steps are immutable once planned;
// execution never reorders or skips them except on fatal error.
type Step struct {
	Number     int            `json:"stepNumber"`
	Action     string         `json:"action"`
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step `json:"steps"`
}

const (
	defaultStepToolTurns = 4
	stepSummaryTextLimit = 200
)

// PlanRunner executes a plan strictly sequentially: each step runs as an
// isolated one-shot session restricted to its single named tool, and its
// results are delivered before the next step starts.
type PlanRunner struct {
	Client   llm.Client
	Session  llm.SessionOptions
	Registry *Registry
	Handler  *Handler
	Sender   *Sender
	Fallback *Fallback

	// AutoProviderSwitch enables the canonical cross-provider retry after a
	// failed creation step. When false the policy is report-and-stop: the
	// tool's own error stands and no alternate provider is tried.
	AutoProviderSwitch bool
	// ProvidersFor returns the aggregate provider list for a creation tool.
	ProvidersFor func(tool string) []string
	// StepToolTurns caps model turns inside one step.
	StepToolTurns int
}

type stepOutcome struct {
	step   Step
	text   string
	result *ToolResult
	failed bool
}

// Execute runs every step of the plan. A failed step is reported and the
// plan continues; only context cancellation aborts early.
func (p *PlanRunner) Execute(ctx context.Context, plan Plan, ec *ExecutionContext) (*RunResult, error) {
	rs := NewRunState()
	outcomes := make([]stepOutcome, 0, len(plan.Steps))
	iterations := 0

	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome, turns := p.runStep(ctx, step, outcomes, ec, rs)
		iterations += turns

		if outcome.failed {
			outcome = p.recoverStep(ctx, step, outcome, ec)
		}

		if !outcome.failed {
			p.deliverStep(ctx, step, outcome, ec)
		}
		outcomes = append(outcomes, outcome)
	}

	completed := 0
	for _, o := range outcomes {
		if !o.failed {
			completed++
		}
	}

	planCopy := plan
	return &RunResult{
		Success:        true,
		Text:           combineStepTexts(outcomes),
		ToolsUsed:      ec.ToolsUsed(),
		Iterations:     iterations,
		ToolCalls:      ec.CallLog,
		ToolResults:    ec.PreviousResults,
		MultiStep:      true,
		Plan:           &planCopy,
		StepsCompleted: completed,
		TotalSteps:     len(plan.Steps),
		AlreadySent:    true,
	}, nil
}

// runStep drives one isolated session for the step. Any session failure is
// contained here and reported with a step-number prefix.
func (p *PlanRunner) runStep(ctx context.Context, step Step, prior []stepOutcome, ec *ExecutionContext, rs *RunState) (stepOutcome, int) {
	outcome := stepOutcome{step: step}
	turns := 0

	if step.Tool != "" {
		notify(ctx, p.Handler.messenger, ec.ChatID,
			fmt.Sprintf("Step %d: %s…", step.Number, humanizeToolName(step.Tool)))
	}

	opts := p.Session
	opts.Tools = nil
	if step.Tool != "" {
		opts.Tools = p.Registry.Declarations(step.Tool)
	}

	session, err := p.Client.NewSession(ctx, opts)
	if err != nil {
		return p.failStep(ctx, step, outcome, fmt.Sprintf("could not start step: %v", err), ec), turns
	}

	reply, err := session.SendText(ctx, p.buildStepPrompt(step, prior))
	if err != nil {
		return p.failStep(ctx, step, outcome, err.Error(), ec), turns
	}
	turns++

	maxTurns := p.StepToolTurns
	if maxTurns <= 0 {
		maxTurns = defaultStepToolTurns
	}

	executed := false
	for reply.HasFunctionCalls() && turns < maxTurns {
		responses := make([]llm.FunctionResponse, 0, len(reply.FunctionCalls))
		for _, call := range reply.FunctionCalls {
			switch {
			case step.Tool == "" || call.Name != step.Tool:
				responses = append(responses, syntheticResponse(call,
					Failure("%s is not available in this step; only %s may be used", call.Name, stepToolLabel(step))))
			case executed:
				responses = append(responses, syntheticResponse(call,
					Failure("%s already ran for this step; summarize its result instead", step.Tool)))
			default:
				responses = append(responses, p.Handler.ExecuteBatch(ctx, []llm.FunctionCall{call}, ec, rs)...)
				executed = true
				outcome.result = ec.PreviousResults[step.Tool]
			}
		}

		reply, err = session.SendToolResults(ctx, responses)
		if err != nil {
			if !executed {
				return p.failStep(ctx, step, outcome, err.Error(), ec), turns
			}
			// The tool already ran; proceed without concluding text.
			reply = &llm.Reply{}
		}
		turns++

		if executed && !reply.HasFunctionCalls() {
			break
		}
	}

	outcome.text = strings.TrimSpace(reply.Text)
	if outcome.result != nil && !outcome.result.Success {
		outcome.failed = true
	}
	return outcome, turns
}

func stepToolLabel(step Step) string {
	if step.Tool == "" {
		return "no tool"
	}
	return step.Tool
}

func syntheticResponse(call llm.FunctionCall, res *ToolResult) llm.FunctionResponse {
	return llm.FunctionResponse{ID: call.ID, Name: call.Name, Response: res.AsResponse()}
}

func (p *PlanRunner) failStep(ctx context.Context, step Step, outcome stepOutcome, message string, ec *ExecutionContext) stepOutcome {
	outcome.failed = true
	if outcome.result == nil {
		outcome.result = Failure("step %d failed: %s", step.Number, message)
	}
	log.Printf("[plan] step %d failed: %s", step.Number, message)
	return outcome
}

// recoverStep applies the bounded creation-tool fallback, or reports the
// failure when no fallback applies. A failed step never aborts the plan.
func (p *PlanRunner) recoverStep(ctx context.Context, step Step, outcome stepOutcome, ec *ExecutionContext) stepOutcome {
	res := outcome.result

	tool, known := p.Registry.Get(step.Tool)
	creation := known && tool.Spec().Capability == CapabilityCreation

	switch {
	case !creation:
		// Non-creation failures are reported directly, no retry.
		p.reportStepFailure(ctx, step, outcome, ec)
		return outcome
	case providerPinned(step, ec):
		// The user chose a provider; switching behind their back is not ours
		// to do.
		p.reportStepFailure(ctx, step, outcome, ec)
		return outcome
	case res != nil && res.ErrorsAlreadySent:
		// The tool's own execution already walked the provider list; an
		// external retry would duplicate work.
		return outcome
	case !p.AutoProviderSwitch:
		// Strict policy: stop here, the tool's error stands.
		p.reportStepFailure(ctx, step, outcome, ec)
		return outcome
	}

	providers := p.fallbackProviders(step.Tool, res)
	if len(providers) == 0 || p.Fallback == nil {
		p.reportStepFailure(ctx, step, outcome, ec)
		return outcome
	}

	log.Printf("[plan] step %d: retrying %s across %v", step.Number, step.Tool, providers)
	var triedArgs map[string]any
	replacement := p.Fallback.Execute(ctx, ec, FallbackRequest{
		Tool:      step.Tool,
		Providers: providers,
		Try: func(callCtx context.Context, provider string) (*ToolResult, error) {
			args := cloneArgs(step.Parameters)
			args["provider"] = provider
			triedArgs = args
			return tool.Execute(callCtx, args, ec)
		},
	})

	if replacement.Error != "" {
		// Fallback already told the user the tool fully failed.
		outcome.result = replacement
		return outcome
	}

	// triedArgs holds the winning attempt's arguments, provider included.
	ec.RecordCall(step.Tool, triedArgs, replacement)
	ec.TrackAssets(replacement)
	outcome.result = replacement
	outcome.failed = false
	return outcome
}

func (p *PlanRunner) reportStepFailure(ctx context.Context, step Step, outcome stepOutcome, ec *ExecutionContext) {
	res := outcome.result
	if res == nil || res.ErrorsAlreadySent {
		return
	}
	// Already surfaced by the handler's immediate error notification.
	if res.Error != "" && !res.RetryInProgress && ec.PreviousResults[step.Tool] == res {
		return
	}
	message := res.Error
	if message == "" {
		message = "unknown error"
	}
	notify(ctx, p.Handler.messenger, ec.ChatID, fmt.Sprintf("Step %d failed: %s", step.Number, message))
}

// providerPinned reports whether the user explicitly chose a provider or
// service for this step.
func providerPinned(step Step, ec *ExecutionContext) bool {
	for _, key := range []string{"provider", "service"} {
		if v, ok := step.Parameters[key]; ok {
			if s, _ := v.(string); s != "" {
				return true
			}
		}
	}
	if res, ok := ec.PreviousResults[step.Tool]; ok && res != nil {
		for _, rec := range ec.CallLog {
			if rec.Tool != step.Tool {
				continue
			}
			for _, key := range []string{"provider", "service"} {
				if v, ok := rec.Args[key]; ok {
					if s, _ := v.(string); s != "" {
						return true
					}
				}
			}
		}
	}
	return false
}

// fallbackProviders is the aggregate provider list for the tool minus the
// provider that already failed.
func (p *PlanRunner) fallbackProviders(tool string, res *ToolResult) []string {
	if p.ProvidersFor == nil {
		return nil
	}
	all := p.ProvidersFor(tool)
	lastTried := ""
	if res != nil {
		lastTried = res.Provider
	}
	var out []string
	for _, provider := range all {
		if provider != lastTried {
			out = append(out, provider)
		}
	}
	return out
}

// deliverStep pushes a successful step's assets and text to the channel
// immediately; multi-step never batches deliveries at the end.
func (p *PlanRunner) deliverStep(ctx context.Context, step Step, outcome stepOutcome, ec *ExecutionContext) {
	if p.Sender == nil {
		return
	}
	d := Delivery{
		ChatID:          ec.ChatID,
		QuotedMessageID: ec.Input.MessageID,
		Text:            outcome.text,
	}
	if step.Tool != "" {
		d.ToolsUsed = []string{step.Tool}
	}
	if res := outcome.result; res != nil {
		d.ImageURL = res.ImageURL
		d.ImageCaption = res.BestCaption(res.ImageCaption)
		d.VideoURL = res.VideoURL
		d.VideoCaption = res.BestCaption(res.VideoCaption)
		d.AudioURL = res.AudioURL
		d.Poll = res.Poll
		d.Latitude = res.Latitude
		d.Longitude = res.Longitude
		d.LocationInfo = res.LocationInfo
	}
	p.Sender.Deliver(ctx, d)
}

// buildStepPrompt prepends a compact summary of prior steps' outcomes and
// appends the plan's concrete parameters as a hint.
func (p *PlanRunner) buildStepPrompt(step Step, prior []stepOutcome) string {
	var b strings.Builder
	if len(prior) > 0 {
		b.WriteString("Progress so far:\n")
		for _, o := range prior {
			b.WriteString(summarizeOutcome(o))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(step.Action)
	if len(step.Parameters) > 0 {
		b.WriteString("\n\nUse these parameters: ")
		b.WriteString(formatParameters(step.Parameters))
	}
	return b.String()
}

func summarizeOutcome(o stepOutcome) string {
	label := fmt.Sprintf("Step %d", o.step.Number)
	switch {
	case o.failed:
		label += " failed"
	case o.result != nil && o.result.ImageURL != "":
		label += " produced an image"
	case o.result != nil && o.result.VideoURL != "":
		label += " produced a video"
	case o.result != nil && o.result.AudioURL != "":
		label += " produced audio"
	case o.result != nil && o.result.Poll != nil:
		label += " produced a poll"
	case o.result != nil && o.result.Latitude != nil:
		label += " produced a location"
	default:
		label += " completed"
	}
	if text := truncateRunes(o.text, stepSummaryTextLimit); text != "" {
		label += ": " + text
	}
	return label
}

func truncateRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

func formatParameters(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ", ")
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	return out
}

// combineStepTexts labels each step's text by index; if nothing produced
// text the combined result is a default completion sentence.
func combineStepTexts(outcomes []stepOutcome) string {
	var parts []string
	for _, o := range outcomes {
		if o.text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Step %d: %s", o.step.Number, o.text))
	}
	if len(parts) == 0 {
		return "All steps of the task were completed."
	}
	return strings.Join(parts, "\n\n")
}
