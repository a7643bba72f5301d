// Package types defines the persistent entities of the loom coordination
// engine and the shared error taxonomy. All IDs are opaque strings with a
// type-distinguishing prefix; timestamps are RFC-3339 UTC.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID prefixes for each entity kind.
const (
	PrefixInitiative  = "INIT-"
	PrefixPRD         = "PRD-"
	PrefixTask        = "TASK-"
	PrefixWorkProduct = "WP-"
	PrefixCheckpoint  = "CP-"
	PrefixIteration   = "IT-"
	PrefixHandoff     = "HO-"
	PrefixScopeChange = "SCR-"
	PrefixViolation   = "VIOL-"
)

// NewID generates a prefixed opaque identifier.
func NewID(prefix string) string {
	return prefix + uuid.NewString()[:8]
}

// NewIterationID generates an iteration id carrying a timestamp component so
// iteration checkpoints sort naturally in debugging output.
func NewIterationID() string {
	return fmt.Sprintf("%s%d-%s", PrefixIteration, time.Now().UnixMilli(), uuid.NewString()[:6])
}

// Metadata is an opaque textual mapping serialized as a JSON document.
// Values are arbitrary JSON; consumers must not collide on keys.
type Metadata map[string]interface{}

// Clone returns a shallow copy so callers can overlay keys safely.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetString returns a string value, or "" when absent or not a string.
func (m Metadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// GetStringSlice coerces a metadata value into a []string. JSON decoding
// produces []interface{}, so both shapes are accepted.
func (m Metadata) GetStringSlice(key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GetInt coerces a numeric metadata value into an int.
func (m Metadata) GetInt(key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Task status values.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
	TaskCancelled  = "cancelled"
)

// ValidTaskStatus reports whether s is a recognized task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

// PRD types derived from title+description keyword classification.
const (
	PRDFeature    = "FEATURE"
	PRDExperience = "EXPERIENCE"
	PRDDefect     = "DEFECT"
	PRDQuestion   = "QUESTION"
	PRDTechnical  = "TECHNICAL"
)

// Work-product types.
const (
	WPTechnicalDesign = "technical_design"
	WPImplementation  = "implementation"
	WPTestPlan        = "test_plan"
	WPDocumentation   = "documentation"
	WPOther           = "other"
)

// Checkpoint triggers.
const (
	TriggerManual        = "manual"
	TriggerAutoStatus    = "auto_status"
	TriggerAutoIteration = "auto_iteration"
)

// Stream phases, in execution order.
const (
	PhaseFoundation  = "foundation"
	PhaseParallel    = "parallel"
	PhaseIntegration = "integration"
)

// PhaseRank orders stream phases: foundation < parallel < integration.
// Unknown phases sort last.
func PhaseRank(phase string) int {
	switch phase {
	case PhaseFoundation:
		return 0
	case PhaseParallel:
		return 1
	case PhaseIntegration:
		return 2
	}
	return 3
}

// Activation modes hint at analysis depth for a task.
const (
	ModeUltrawork = "ultrawork"
	ModeAnalyze   = "analyze"
	ModeQuick     = "quick"
	ModeThorough  = "thorough"
)

// ValidActivationMode reports whether mode is recognized (empty means unset).
func ValidActivationMode(mode string) bool {
	switch mode {
	case "", ModeUltrawork, ModeAnalyze, ModeQuick, ModeThorough:
		return true
	}
	return false
}

// Performance outcomes recorded on terminal task transitions.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeBlocked    = "blocked"
	OutcomeReassigned = "reassigned"
)

// Scope-change request types and statuses.
const (
	ScopeAddTask    = "add_task"
	ScopeModifyTask = "modify_task"
	ScopeRemoveTask = "remove_task"

	ScopePending  = "pending"
	ScopeApproved = "approved"
	ScopeRejected = "rejected"
)

// Completion signals returned by iteration_validate, in priority order
// BLOCKED > COMPLETE > ESCALATE > CONTINUE.
const (
	SignalContinue = "CONTINUE"
	SignalComplete = "COMPLETE"
	SignalBlocked  = "BLOCKED"
	SignalEscalate = "ESCALATE"
)

// Security hook actions and severities.
const (
	ActionAllow = "ALLOW"
	ActionWarn  = "WARN"
	ActionBlock = "BLOCK"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Initiative is the root of a workspace scope. At most one initiative is
// current per workspace; the row is never deleted.
type Initiative struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Current     bool      `json:"current"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Milestone groups task ids inside PRD metadata.
type Milestone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	TaskIDs     []string `json:"taskIds,omitempty"`
}

// PRD is a product-requirements document owned by an initiative.
type PRD struct {
	ID           string    `json:"id"`
	InitiativeID string    `json:"initiativeId"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Content      string    `json:"content,omitempty"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	Status       string    `json:"status"` // active | archived
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PRDType reads the derived prd_type from metadata.
func (p *PRD) PRDType() string { return p.Metadata.GetString("prd_type") }

// ScopeLocked reads the scope_locked flag from metadata.
func (p *PRD) ScopeLocked() bool {
	if p.Metadata == nil {
		return false
	}
	locked, _ := p.Metadata["scope_locked"].(bool)
	return locked
}

// Task is a unit of work. Subtasks set ParentID; top-level tasks may set
// PRDID. A task has at most one of the two as primary parent.
type Task struct {
	ID            string    `json:"id"`
	PRDID         string    `json:"prdId,omitempty"`
	ParentID      string    `json:"parentId,omitempty"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	AssignedAgent string    `json:"assignedAgent,omitempty"`
	Status        string    `json:"status"`
	BlockedReason string    `json:"blockedReason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Metadata      Metadata  `json:"metadata,omitempty"`
	Archived      bool      `json:"archived"`
	ArchivedAt    time.Time `json:"archivedAt,omitempty"`
	ArchivedBy    string    `json:"archivedByInitiativeId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// StreamID returns the semantic stream this task belongs to, if any.
func (t *Task) StreamID() string { return t.Metadata.GetString("streamId") }

// StreamName returns the stream display name from metadata.
func (t *Task) StreamName() string { return t.Metadata.GetString("streamName") }

// StreamPhase returns the stream phase from metadata.
func (t *Task) StreamPhase() string { return t.Metadata.GetString("streamPhase") }

// StreamDependencies returns the stream ids this task's stream depends on.
func (t *Task) StreamDependencies() []string { return t.Metadata.GetStringSlice("streamDependencies") }

// Files returns the file paths this task touches.
func (t *Task) Files() []string { return t.Metadata.GetStringSlice("files") }

// WorktreePath returns the isolation worktree, if the stream is isolated.
func (t *Task) WorktreePath() string { return t.Metadata.GetString("worktreePath") }

// QualityGates returns the per-task gate override. The second return
// distinguishes "absent" from "explicitly empty" (which disables gates).
func (t *Task) QualityGates() ([]string, bool) {
	if t.Metadata == nil {
		return nil, false
	}
	if _, present := t.Metadata["qualityGates"]; !present {
		return nil, false
	}
	return t.Metadata.GetStringSlice("qualityGates"), true
}

// WorkProduct is an immutable deliverable attached to a task.
type WorkProduct struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubtaskState is the snapshot of one subtask inside a checkpoint.
type SubtaskState struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Checkpoint is an ordered recoverable snapshot scoped to a task.
// Iteration checkpoints are distinguished by IterationConfig != nil.
type Checkpoint struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"taskId"`
	Sequence       int            `json:"sequence"`
	Trigger        string         `json:"trigger"`
	TaskStatus     string         `json:"taskStatus"`
	TaskNotes      string         `json:"taskNotes,omitempty"`
	TaskMetadata   Metadata       `json:"taskMetadata,omitempty"`
	BlockedReason  string         `json:"blockedReason,omitempty"`
	AssignedAgent  string         `json:"assignedAgent,omitempty"`
	ExecutionPhase string         `json:"executionPhase,omitempty"`
	ExecutionStep  string         `json:"executionStep,omitempty"`
	AgentContext   Metadata       `json:"agentContext,omitempty"`
	DraftContent   string         `json:"draftContent,omitempty"`
	DraftType      string         `json:"draftType,omitempty"`
	SubtaskStates  []SubtaskState `json:"subtaskStates,omitempty"`

	IterationID        string             `json:"iterationId,omitempty"`
	IterationConfig    *IterationConfig   `json:"iterationConfig,omitempty"`
	IterationNumber    int                `json:"iterationNumber,omitempty"`
	IterationHistory   []IterationRecord  `json:"iterationHistory,omitempty"`
	CompletionPromises []string           `json:"completionPromises,omitempty"`
	ValidationState    *ValidationState   `json:"validationState,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// IsIteration reports whether this checkpoint anchors an iteration loop.
func (c *Checkpoint) IsIteration() bool { return c.IterationConfig != nil }

// Expired reports whether the checkpoint is past its expiry.
func (c *Checkpoint) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// ValidationRuleSpec is a tagged variant: Type selects the rule semantics.
type ValidationRuleSpec struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Command          string `json:"command,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	TimeoutMs        int64  `json:"timeout,omitempty"`
	ExpectedExitCode *int   `json:"expectedExitCode,omitempty"`
	Pattern          string `json:"pattern,omitempty"`
	Substring        string `json:"substring,omitempty"`
	Target           string `json:"target,omitempty"` // work_product | task_notes | agent_output
}

// IterationConfig bounds a validate-advance-complete loop.
type IterationConfig struct {
	MaxIterations           int                  `json:"maxIterations"`
	CompletionPromises      []string             `json:"completionPromises"`
	ValidationRules         []ValidationRuleSpec `json:"validationRules,omitempty"`
	CircuitBreakerThreshold int                  `json:"circuitBreakerThreshold,omitempty"`
}

// IterationRecord is one entry of an iteration's chronological history.
type IterationRecord struct {
	Iteration        int       `json:"iteration"`
	Timestamp        time.Time `json:"timestamp"`
	ValidationPassed bool      `json:"validationPassed"`
	ValidationDetail string    `json:"validationDetail,omitempty"`
	CheckpointID     string    `json:"checkpointId,omitempty"`
}

// RuleResult is the outcome of a single validation rule.
type RuleResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// ValidationState is the last persisted validate outcome for an iteration.
type ValidationState struct {
	Iteration        int          `json:"iteration"`
	ValidationPassed bool         `json:"validationPassed"`
	CompletionSignal string       `json:"completionSignal"`
	DetectedPromise  string       `json:"detectedPromise,omitempty"`
	Feedback         []string     `json:"feedback,omitempty"`
	Results          []RuleResult `json:"results,omitempty"`
	ValidatedAt      time.Time    `json:"validatedAt"`
}

// Handoff records an agent-to-agent work transfer for a task.
type Handoff struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"taskId"`
	FromAgent      string    `json:"fromAgent"`
	ToAgent        string    `json:"toAgent"`
	WorkProductID  string    `json:"workProductId"`
	HandoffContext string    `json:"handoffContext"`
	ChainPosition  int       `json:"chainPosition"`
	ChainLength    int       `json:"chainLength"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ScopeChange is a request to alter a scope-locked PRD.
type ScopeChange struct {
	ID          string    `json:"id"`
	PRDID       string    `json:"prdId"`
	RequestType string    `json:"requestType"`
	Description string    `json:"description"`
	Rationale   string    `json:"rationale,omitempty"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	Status      string    `json:"status"`
	ReviewedAt  time.Time `json:"reviewedAt,omitempty"`
	ReviewedBy  string    `json:"reviewedBy,omitempty"`
	ReviewNotes string    `json:"reviewNotes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Activity is one append-only audit trail entry.
type Activity struct {
	ID           int64     `json:"id"`
	InitiativeID string    `json:"initiativeId,omitempty"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	Action       string    `json:"action"`
	Summary      string    `json:"summary"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PerformanceRecord logs a per-agent outcome.
type PerformanceRecord struct {
	ID              int64     `json:"id"`
	AgentID         string    `json:"agentId"`
	TaskID          string    `json:"taskId"`
	WorkProductType string    `json:"workProductType,omitempty"`
	Complexity      string    `json:"complexity,omitempty"`
	Outcome         string    `json:"outcome"`
	DurationMs      int64     `json:"durationMs,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ProtocolViolation audits a main-session guardrail breach.
type ProtocolViolation struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	InitiativeID  string    `json:"initiativeId,omitempty"`
	ViolationType string    `json:"violationType"`
	Severity      string    `json:"severity"`
	Context       Metadata  `json:"context,omitempty"`
	Suggestion    string    `json:"suggestion,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Truncate shortens s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
