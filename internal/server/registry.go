// Package server exposes the engine's tools over line-delimited JSON-RPC 2.0
// on stdio, with a read-only loopback HTTP mirror for dashboards.
package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"loom/internal/engine"
	"loom/internal/types"
)

// Handler executes one tool call. Params arrive as the raw JSON object.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Tool is one named operation with its input schema.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Handler     Handler                `json:"-"`
}

// Registry is the content-addressed tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Duplicate names are a programming error.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// schema builds a JSON-schema object from property name → type pairs.
func schema(required []string, props map[string]string) map[string]interface{} {
	properties := map[string]interface{}{}
	for name, typ := range props {
		properties[name] = map[string]interface{}{"type": typ}
	}
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// typed adapts a handler taking a decoded request struct.
func typed[Req any](fn func(ctx context.Context, req Req) (interface{}, error)) Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var req Req
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, types.NewValidation("params", "malformed parameters: %v", err)
			}
		}
		return fn(ctx, req)
	}
}

// idParam is the shared single-id input shape.
type idParam struct {
	ID string `json:"id"`
}

type taskIDParam struct {
	TaskID string `json:"taskId"`
}

type agentIDParam struct {
	AgentID string `json:"agentId"`
}

// BuildRegistry wires every tool to its engine method.
func BuildRegistry(e *engine.Engine) *Registry {
	r := NewRegistry()

	// Initiatives and progress.
	r.Register(Tool{
		Name:        "initiative_link",
		Description: "Link or switch the current initiative; switching auto-archives the previous initiative's streams",
		InputSchema: schema([]string{"id", "title"}, map[string]string{"id": "string", "title": "string", "description": "string"}),
		Handler: typed(func(_ context.Context, req engine.InitiativeLinkRequest) (interface{}, error) {
			return e.InitiativeLink(req)
		}),
	})
	r.Register(Tool{
		Name:        "initiative_archive",
		Description: "Export an initiative's full content to a JSON archive, optionally wiping dependents",
		InputSchema: schema(nil, map[string]string{"initiativeId": "string", "wipe": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.InitiativeArchiveRequest) (interface{}, error) {
			return e.InitiativeArchive(req)
		}),
	})
	r.Register(Tool{
		Name:        "initiative_wipe",
		Description: "Delete an initiative's PRDs, tasks, and dependents; requires confirm",
		InputSchema: schema([]string{"initiativeId", "confirm"}, map[string]string{"initiativeId": "string", "confirm": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.InitiativeWipeRequest) (interface{}, error) {
			return e.InitiativeWipe(req)
		}),
	})
	r.Register(Tool{
		Name:        "progress_summary",
		Description: "Aggregate PRD, task, milestone, and stream progress for an initiative",
		InputSchema: schema(nil, map[string]string{"initiativeId": "string"}),
		Handler: typed(func(_ context.Context, req engine.ProgressSummaryRequest) (interface{}, error) {
			return e.ProgressSummary(req)
		}),
	})

	// PRDs.
	r.Register(Tool{
		Name:        "prd_create",
		Description: "Create a PRD under the current or named initiative; type and scope lock are classified from text",
		InputSchema: schema([]string{"title"}, map[string]string{"initiativeId": "string", "title": "string", "description": "string", "content": "string"}),
		Handler: typed(func(_ context.Context, req engine.PRDCreateRequest) (interface{}, error) {
			return e.PRDCreate(req)
		}),
	})
	r.Register(Tool{
		Name:        "prd_get",
		Description: "Fetch a PRD document by id",
		InputSchema: schema([]string{"id"}, map[string]string{"id": "string"}),
		Handler: typed(func(_ context.Context, req idParam) (interface{}, error) {
			return e.PRDGet(req.ID)
		}),
	})
	r.Register(Tool{
		Name:        "prd_list",
		Description: "List PRDs, optionally scoped to an initiative",
		InputSchema: schema(nil, map[string]string{"initiativeId": "string"}),
		Handler: typed(func(_ context.Context, req engine.PRDListRequest) (interface{}, error) {
			return e.PRDList(req)
		}),
	})

	// Tasks.
	r.Register(Tool{
		Name:        "task_create",
		Description: "Create a task or subtask; stream dependencies are cycle-checked and activation mode auto-detected",
		InputSchema: schema([]string{"title"}, map[string]string{"prdId": "string", "parentId": "string", "title": "string", "description": "string", "assignedAgent": "string", "metadata": "object"}),
		Handler: typed(func(_ context.Context, req engine.TaskCreateRequest) (interface{}, error) {
			return e.TaskCreate(req)
		}),
	})
	r.Register(Tool{
		Name:        "task_update",
		Description: "Update a task; completion transitions run the quality gates",
		InputSchema: schema([]string{"id"}, map[string]string{"id": "string", "title": "string", "description": "string", "assignedAgent": "string", "status": "string", "blockedReason": "string", "notes": "string", "metadata": "object"}),
		Handler: typed(func(ctx context.Context, req engine.TaskUpdateRequest) (interface{}, error) {
			return e.TaskUpdate(ctx, req)
		}),
	})
	r.Register(Tool{
		Name:        "task_get",
		Description: "Fetch a task with subtask counts; optionally expands subtasks and work products",
		InputSchema: schema([]string{"id"}, map[string]string{"id": "string", "includeSubtasks": "boolean", "includeWorkProducts": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.TaskGetRequest) (interface{}, error) {
			return e.TaskGet(req)
		}),
	})
	r.Register(Tool{
		Name:        "task_list",
		Description: "List tasks filtered by prd, parent, status, or agent",
		InputSchema: schema(nil, map[string]string{"prdId": "string", "parentId": "string", "status": "string", "assignedAgent": "string", "includeArchived": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.TaskListRequest) (interface{}, error) {
			return e.TaskList(req)
		}),
	})

	// Work products.
	r.Register(Tool{
		Name:        "work_product_store",
		Description: "Validate and persist an agent deliverable",
		InputSchema: schema([]string{"taskId", "type", "title", "content"}, map[string]string{"taskId": "string", "type": "string", "title": "string", "content": "string", "metadata": "object"}),
		Handler: typed(func(_ context.Context, req engine.WorkProductStoreRequest) (interface{}, error) {
			return e.WorkProductStore(req)
		}),
	})
	r.Register(Tool{
		Name:        "work_product_get",
		Description: "Fetch a work product with full content",
		InputSchema: schema([]string{"id"}, map[string]string{"id": "string"}),
		Handler: typed(func(_ context.Context, req idParam) (interface{}, error) {
			return e.WorkProductGet(req.ID)
		}),
	})
	r.Register(Tool{
		Name:        "work_product_list",
		Description: "List a task's work products, newest first, content summarized",
		InputSchema: schema([]string{"taskId"}, map[string]string{"taskId": "string", "type": "string"}),
		Handler: typed(func(_ context.Context, req engine.WorkProductListRequest) (interface{}, error) {
			return e.WorkProductList(req)
		}),
	})

	// Checkpoints.
	r.Register(Tool{
		Name:        "checkpoint_create",
		Description: "Snapshot a task's full working state",
		InputSchema: schema([]string{"taskId"}, map[string]string{"taskId": "string", "trigger": "string", "executionPhase": "string", "executionStep": "string", "agentContext": "object", "draftContent": "string", "draftType": "string", "pauseMetadata": "object", "expiresIn": "integer"}),
		Handler: typed(func(_ context.Context, req engine.CheckpointCreateRequest) (interface{}, error) {
			return e.CheckpointCreate(req)
		}),
	})
	r.Register(Tool{
		Name:        "checkpoint_get",
		Description: "Fetch a checkpoint by id",
		InputSchema: schema([]string{"id"}, map[string]string{"id": "string"}),
		Handler: typed(func(_ context.Context, req idParam) (interface{}, error) {
			return e.CheckpointGet(req.ID)
		}),
	})
	r.Register(Tool{
		Name:        "checkpoint_list",
		Description: "List a task's checkpoints, newest first",
		InputSchema: schema([]string{"taskId"}, map[string]string{"taskId": "string"}),
		Handler: typed(func(_ context.Context, req taskIDParam) (interface{}, error) {
			return e.CheckpointList(req.TaskID)
		}),
	})
	r.Register(Tool{
		Name:        "checkpoint_resume",
		Description: "Reconstruct working state from the latest or a named checkpoint",
		InputSchema: schema([]string{"taskId"}, map[string]string{"taskId": "string", "checkpointId": "string"}),
		Handler: typed(func(_ context.Context, req engine.CheckpointResumeRequest) (interface{}, error) {
			return e.CheckpointResume(req)
		}),
	})
	r.Register(Tool{
		Name:        "checkpoint_cleanup",
		Description: "Delete expired, aged, or surplus checkpoints",
		InputSchema: schema(nil, map[string]string{"taskId": "string", "olderThanDays": "integer", "keepLatest": "integer"}),
		Handler: typed(func(_ context.Context, req engine.CheckpointCleanupRequest) (interface{}, error) {
			return e.CheckpointCleanup(req)
		}),
	})

	// Iterations.
	r.Register(Tool{
		Name:        "iteration_start",
		Description: "Open a bounded iteration loop on a task",
		InputSchema: schema([]string{"taskId", "maxIterations", "completionPromises"}, map[string]string{"taskId": "string", "maxIterations": "integer", "completionPromises": "array", "validationRules": "array", "circuitBreakerThreshold": "integer"}),
		Handler: typed(func(_ context.Context, req engine.IterationStartRequest) (interface{}, error) {
			return e.IterationStart(req)
		}),
	})
	r.Register(Tool{
		Name:        "iteration_validate",
		Description: "Run the completion decision procedure over agent output",
		InputSchema: schema([]string{"iterationId"}, map[string]string{"iterationId": "string", "agentOutput": "string"}),
		Handler: typed(func(ctx context.Context, req engine.IterationValidateRequest) (interface{}, error) {
			return e.IterationValidate(ctx, req)
		}),
	})
	r.Register(Tool{
		Name:        "iteration_next",
		Description: "Advance the iteration loop, appending the last result to history",
		InputSchema: schema([]string{"iterationId"}, map[string]string{"iterationId": "string", "validationPassed": "boolean", "validationDetail": "string", "agentContext": "object"}),
		Handler: typed(func(_ context.Context, req engine.IterationNextRequest) (interface{}, error) {
			return e.IterationNext(req)
		}),
	})
	r.Register(Tool{
		Name:        "iteration_complete",
		Description: "Close the loop with a configured completion promise",
		InputSchema: schema([]string{"iterationId", "completionPromise"}, map[string]string{"iterationId": "string", "completionPromise": "string", "workProductId": "string"}),
		Handler: typed(func(_ context.Context, req engine.IterationCompleteRequest) (interface{}, error) {
			return e.IterationComplete(req)
		}),
	})

	// Streams.
	r.Register(Tool{
		Name:        "stream_list",
		Description: "Aggregate stream-bearing tasks into per-stream summaries",
		InputSchema: schema(nil, map[string]string{"initiativeId": "string", "prdId": "string", "includeArchived": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.StreamListRequest) (interface{}, error) {
			return e.StreamList(req)
		}),
	})
	r.Register(Tool{
		Name:        "stream_get",
		Description: "Fetch a stream's tasks and derived overall status",
		InputSchema: schema([]string{"streamId"}, map[string]string{"streamId": "string", "includeArchived": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.StreamGetRequest) (interface{}, error) {
			return e.StreamGet(req)
		}),
	})
	r.Register(Tool{
		Name:        "stream_conflict_check",
		Description: "Find files contested by other streams' active tasks",
		InputSchema: schema([]string{"files"}, map[string]string{"files": "array", "excludeStreamId": "string"}),
		Handler: typed(func(_ context.Context, req engine.StreamConflictCheckRequest) (interface{}, error) {
			return e.StreamConflictCheck(req)
		}),
	})
	r.Register(Tool{
		Name:        "stream_archive_all",
		Description: "Archive every stream-bearing task; requires confirm",
		InputSchema: schema([]string{"confirm"}, map[string]string{"confirm": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.StreamArchiveAllRequest) (interface{}, error) {
			return e.StreamArchiveAll(req)
		}),
	})
	r.Register(Tool{
		Name:        "stream_unarchive",
		Description: "Restore an archived stream's tasks",
		InputSchema: schema([]string{"streamId"}, map[string]string{"streamId": "string", "newInitiativeId": "string", "prdId": "string"}),
		Handler: typed(func(_ context.Context, req engine.StreamUnarchiveRequest) (interface{}, error) {
			return e.StreamUnarchive(req)
		}),
	})

	// Agents.
	r.Register(Tool{
		Name:        "agent_handoff",
		Description: "Record an agent-to-agent transfer on a task's handoff chain",
		InputSchema: schema([]string{"taskId", "fromAgent", "toAgent"}, map[string]string{"taskId": "string", "fromAgent": "string", "toAgent": "string", "workProductId": "string", "handoffContext": "string"}),
		Handler: typed(func(_ context.Context, req engine.AgentHandoffRequest) (interface{}, error) {
			return e.AgentHandoff(req)
		}),
	})
	r.Register(Tool{
		Name:        "agent_chain_get",
		Description: "Fetch a task's handoff chain and per-agent work products",
		InputSchema: schema([]string{"taskId"}, map[string]string{"taskId": "string"}),
		Handler: typed(func(_ context.Context, req taskIDParam) (interface{}, error) {
			return e.AgentChainGet(req.TaskID)
		}),
	})
	r.Register(Tool{
		Name:        "agent_performance_get",
		Description: "Aggregate an agent's recorded task outcomes",
		InputSchema: schema([]string{"agentId"}, map[string]string{"agentId": "string"}),
		Handler: typed(func(_ context.Context, req agentIDParam) (interface{}, error) {
			return e.AgentPerformanceGet(req.AgentID)
		}),
	})

	// Scope changes.
	r.Register(Tool{
		Name:        "scope_change_request",
		Description: "File a change request against a scope-locked PRD",
		InputSchema: schema([]string{"prdId", "description"}, map[string]string{"prdId": "string", "requestType": "string", "description": "string", "rationale": "string", "requestedBy": "string"}),
		Handler: typed(func(_ context.Context, req engine.ScopeChangeRequestInput) (interface{}, error) {
			return e.ScopeChangeRequest(req)
		}),
	})
	r.Register(Tool{
		Name:        "scope_change_review",
		Description: "Approve or reject a pending scope change; reviews are one-shot",
		InputSchema: schema([]string{"id", "approve"}, map[string]string{"id": "string", "approve": "boolean", "reviewedBy": "string", "reviewNotes": "string"}),
		Handler: typed(func(_ context.Context, req engine.ScopeChangeReviewInput) (interface{}, error) {
			return e.ScopeChangeReview(req)
		}),
	})
	r.Register(Tool{
		Name:        "scope_change_list",
		Description: "List scope change requests by PRD and status",
		InputSchema: schema(nil, map[string]string{"prdId": "string", "status": "string"}),
		Handler: typed(func(_ context.Context, req engine.ScopeChangeListInput) (interface{}, error) {
			return e.ScopeChangeList(req)
		}),
	})

	// Preflight.
	r.Register(Tool{
		Name:        "preflight_check",
		Description: "Probe the environment: progress, git, dev server, test baseline",
		InputSchema: schema(nil, map[string]string{}),
		Handler: typed(func(ctx context.Context, _ struct{}) (interface{}, error) {
			return e.PreflightCheck(ctx)
		}),
	})

	// Security hooks and protocol violations.
	r.Register(Tool{
		Name:        "hook_register_security",
		Description: "Register a pattern-based pre-tool-use security rule",
		InputSchema: schema([]string{"id", "name", "patterns"}, map[string]string{"id": "string", "name": "string", "description": "string", "priority": "integer", "enabled": "boolean", "patterns": "array"}),
		Handler: typed(func(_ context.Context, req engine.HookRegisterSecurityRequest) (interface{}, error) {
			return e.HookRegisterSecurity(req)
		}),
	})
	r.Register(Tool{
		Name:        "hook_list_security",
		Description: "List registered security rules by descending priority",
		InputSchema: schema(nil, map[string]string{}),
		Handler: typed(func(_ context.Context, _ struct{}) (interface{}, error) {
			return e.HookListSecurity()
		}),
	})
	r.Register(Tool{
		Name:        "hook_test_security",
		Description: "Evaluate the security pipeline against a hypothetical tool call",
		InputSchema: schema([]string{"toolName"}, map[string]string{"toolName": "string", "toolInput": "object", "metadata": "object"}),
		Handler: typed(func(_ context.Context, req engine.HookTestSecurityRequest) (interface{}, error) {
			return e.HookTestSecurity(req)
		}),
	})
	r.Register(Tool{
		Name:        "hook_toggle_security",
		Description: "Enable or disable a security rule",
		InputSchema: schema([]string{"id", "enabled"}, map[string]string{"id": "string", "enabled": "boolean"}),
		Handler: typed(func(_ context.Context, req engine.HookToggleSecurityRequest) (interface{}, error) {
			return e.HookToggleSecurity(req)
		}),
	})
	r.Register(Tool{
		Name:        "protocol_violation_log",
		Description: "Record a session guardrail breach",
		InputSchema: schema([]string{"violationType"}, map[string]string{"sessionId": "string", "violationType": "string", "severity": "string", "context": "object", "suggestion": "string"}),
		Handler: typed(func(_ context.Context, req engine.ProtocolViolationLogRequest) (interface{}, error) {
			return e.ProtocolViolationLog(req)
		}),
	})
	r.Register(Tool{
		Name:        "protocol_violations_get",
		Description: "List recorded guardrail breaches, newest first",
		InputSchema: schema(nil, map[string]string{"sessionId": "string", "limit": "integer"}),
		Handler: typed(func(_ context.Context, req engine.ProtocolViolationsGetRequest) (interface{}, error) {
			return e.ProtocolViolationsGet(req)
		}),
	})

	return r
}
