package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/stellarlinkco/mediaclaw/internal/llm"
)

// RunState carries the per-run one-shot bookkeeping that outlives a single
// batch: which tools have been acknowledged to the user and which single-use
// creation tools already succeeded.
type RunState struct {
	Acknowledged      map[string]bool
	SucceededCreation map[string]bool
}

func NewRunState() *RunState {
	return &RunState{
		Acknowledged:      make(map[string]bool),
		SucceededCreation: make(map[string]bool),
	}
}

// Handler executes one batch of tool calls from a model turn: dedup, batched
// acknowledgment, concurrent execution, context mutation and asset tracking.
type Handler struct {
	registry  *Registry
	messenger Messenger
}

func NewHandler(registry *Registry, messenger Messenger) *Handler {
	return &Handler{registry: registry, messenger: messenger}
}

// batchEntry pairs a call with its precomputed verdict. Blocked calls still
// get a response: function-calling protocols require one response per call.
type batchEntry struct {
	call    llm.FunctionCall
	spec    ToolSpec
	known   bool
	blocked *ToolResult
	result  *ToolResult
}

// ExecuteBatch runs all calls from one model turn and returns one response
// per call, in request order. Surviving calls execute concurrently; all
// ExecutionContext mutation happens here, on the caller's goroutine, in call
// order, so the context needs no locking.
func (h *Handler) ExecuteBatch(ctx context.Context, calls []llm.FunctionCall, ec *ExecutionContext, rs *RunState) []llm.FunctionResponse {
	if rs == nil {
		rs = NewRunState()
	}

	entries := make([]batchEntry, len(calls))
	batchSeen := make(map[string]bool)
	batchCreation := make(map[string]bool)

	for i, call := range calls {
		entry := batchEntry{call: call}
		if tool, ok := h.registry.Get(call.Name); ok {
			entry.known = true
			entry.spec = tool.Spec()
		}
		if entry.known {
			entry.blocked = h.dedupVerdict(entry, ec, rs, batchSeen, batchCreation)
			if entry.blocked == nil {
				if !entry.spec.Stochastic {
					batchSeen[call.Name+"\x00"+canonicalArgs(call.Args)] = true
				}
				if entry.spec.Capability == CapabilityCreation {
					batchCreation[call.Name] = true
				}
			}
		}
		entries[i] = entry
	}

	h.acknowledge(ctx, entries, ec, rs)

	// Fan-out: execute surviving calls concurrently. No ordering guarantee
	// between them; results land in their slot.
	var wg sync.WaitGroup
	for i := range entries {
		if entries[i].blocked != nil {
			continue
		}
		wg.Add(1)
		go func(e *batchEntry) {
			defer wg.Done()
			e.result = h.executeOne(ctx, e.call, ec)
		}(&entries[i])
	}
	wg.Wait()

	// Fan-in: apply all context mutation in call order.
	responses := make([]llm.FunctionResponse, len(entries))
	for i := range entries {
		e := &entries[i]
		res := e.result
		if e.blocked != nil {
			res = e.blocked
		}
		if res == nil {
			res = Failure("tool %s produced no result", e.call.Name)
		}

		if e.blocked == nil {
			ec.RecordCall(e.call.Name, e.call.Args, res)
			if res.SuppressFinalResponse {
				ec.SuppressFinalResponse = true
			}
			if res.Error != "" && !res.ErrorsAlreadySent && !res.RetryInProgress {
				notify(ctx, h.messenger, ec.ChatID, res.Error)
			}
			if e.known && e.spec.Capability == CapabilityCreation && res.Success {
				rs.SucceededCreation[e.call.Name] = true
			}
			ec.TrackAssets(res)
		}

		responses[i] = llm.FunctionResponse{
			ID:       e.call.ID,
			Name:     e.call.Name,
			Response: res.AsResponse(),
		}
	}
	return responses
}

// dedupVerdict returns a synthetic error result when the call must not run.
func (h *Handler) dedupVerdict(e batchEntry, ec *ExecutionContext, rs *RunState, batchSeen, batchCreation map[string]bool) *ToolResult {
	name := e.call.Name
	if e.spec.Capability == CapabilityCreation && (rs.SucceededCreation[name] || batchCreation[name]) {
		return Failure("%s already ran in this request; it creates one result per request", name)
	}
	if e.spec.Stochastic {
		return nil
	}
	key := name + "\x00" + canonicalArgs(e.call.Args)
	if batchSeen[key] || ec.HasIdenticalCall(name, e.call.Args) {
		return Failure("duplicate call to %s with identical arguments was skipped", name)
	}
	return nil
}

// acknowledge notifies the channel once per distinct not-yet-acknowledged
// tool name, before execution, batched across the turn.
func (h *Handler) acknowledge(ctx context.Context, entries []batchEntry, ec *ExecutionContext, rs *RunState) {
	var pending []string
	for _, e := range entries {
		if e.blocked != nil || !e.known {
			continue
		}
		if !rs.Acknowledged[e.call.Name] {
			rs.Acknowledged[e.call.Name] = true
			pending = append(pending, e.call.Name)
		}
	}
	for _, name := range pending {
		notify(ctx, h.messenger, ec.ChatID, fmt.Sprintf("Working on it: %s…", humanizeToolName(name)))
	}
}

// executeOne runs a single call. An unknown name, a returned error or a
// panic all become a success:false result; nothing propagates to the caller,
// so one bad tool cannot crash the run.
func (h *Handler) executeOne(ctx context.Context, call llm.FunctionCall, ec *ExecutionContext) (res *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[handler] tool %s panicked: %v", call.Name, r)
			res = Failure("tool %s failed: %v", call.Name, r)
		}
	}()

	tool, ok := h.registry.Get(call.Name)
	if !ok {
		return Failure("unknown tool: %s", call.Name)
	}

	result, err := tool.Execute(ctx, call.Args, ec)
	if err != nil {
		log.Printf("[handler] tool %s returned error: %v", call.Name, err)
		return Failure("tool %s failed: %v", call.Name, err)
	}
	if result == nil {
		return Failure("tool %s returned no result", call.Name)
	}
	return result
}

func humanizeToolName(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
