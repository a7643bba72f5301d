package engine

import (
	"time"

	"loom/internal/logging"
	"loom/internal/sechook"
	"loom/internal/types"
)

// HookRegisterSecurityRequest is the hook_register_security input.
type HookRegisterSecurityRequest struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Priority    int                   `json:"priority,omitempty"`
	Enabled     *bool                 `json:"enabled,omitempty"`
	Patterns    []sechook.PatternSpec `json:"patterns"`
}

// HookRegisterSecurity registers a pattern-based security rule.
func (e *Engine) HookRegisterSecurity(req HookRegisterSecurityRequest) (map[string]interface{}, error) {
	if len(req.Patterns) == 0 {
		return nil, types.NewValidation("patterns", "at least one pattern is required")
	}
	rule, err := sechook.NewPatternRule(req.ID, req.Name, req.Description, req.Priority, req.Patterns)
	if err != nil {
		return nil, err
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := sechook.Register(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":        rule.ID,
		"enabled":   rule.Enabled,
		"priority":  rule.Priority,
		"patterns":  len(req.Patterns),
		"timestamp": time.Now().UTC(),
	}, nil
}

// HookListSecurity lists registered rules by descending priority.
func (e *Engine) HookListSecurity() (map[string]interface{}, error) {
	rules := sechook.List()
	return map[string]interface{}{
		"rules":     rules,
		"count":     len(rules),
		"timestamp": time.Now().UTC(),
	}, nil
}

// HookTestSecurityRequest is the hook_test_security input.
type HookTestSecurityRequest struct {
	ToolName  string                 `json:"toolName"`
	ToolInput map[string]interface{} `json:"toolInput"`
	Metadata  types.Metadata         `json:"metadata,omitempty"`
}

// HookTestSecurity evaluates the pipeline against a hypothetical invocation
// without executing anything.
func (e *Engine) HookTestSecurity(req HookTestSecurityRequest) (map[string]interface{}, error) {
	if req.ToolName == "" {
		return nil, types.NewValidation("toolName", "tool name is required")
	}
	decision, elapsed := sechook.Test(sechook.Input{
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
		Metadata:  req.Metadata,
	})
	logging.Hooks("test %s: %s in %s", req.ToolName, decision, elapsed)
	return map[string]interface{}{
		"allowed":       decision.Allowed,
		"action":        decision.Action,
		"violations":    decision.Violations,
		"executionTime": elapsed.String(),
		"timestamp":     time.Now().UTC(),
	}, nil
}

// HookToggleSecurityRequest is the hook_toggle_security input.
type HookToggleSecurityRequest struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// HookToggleSecurity enables or disables a rule by id.
func (e *Engine) HookToggleSecurity(req HookToggleSecurityRequest) (map[string]interface{}, error) {
	if req.ID == "" {
		return nil, types.NewValidation("id", "rule id is required")
	}
	if err := sechook.Toggle(req.ID, req.Enabled); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":        req.ID,
		"enabled":   req.Enabled,
		"timestamp": time.Now().UTC(),
	}, nil
}

// ProtocolViolationLogRequest is the protocol_violation_log input.
type ProtocolViolationLogRequest struct {
	SessionID     string         `json:"sessionId,omitempty"`
	ViolationType string         `json:"violationType"`
	Severity      string         `json:"severity,omitempty"`
	Context       types.Metadata `json:"context,omitempty"`
	Suggestion    string         `json:"suggestion,omitempty"`
}

// ProtocolViolationLog records a main-session guardrail breach. The session
// id defaults to this process's session.
func (e *Engine) ProtocolViolationLog(req ProtocolViolationLogRequest) (map[string]interface{}, error) {
	if req.ViolationType == "" {
		return nil, types.NewValidation("violationType", "violation type is required")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = e.sessionID
	}
	initiativeID := ""
	if current, err := e.store.CurrentInitiative(); err == nil && current != nil {
		initiativeID = current.ID
	}

	v := &types.ProtocolViolation{
		ID:            types.NewID(types.PrefixViolation),
		SessionID:     sessionID,
		InitiativeID:  initiativeID,
		ViolationType: req.ViolationType,
		Severity:      orElse(req.Severity, types.SeverityMedium),
		Context:       req.Context,
		Suggestion:    req.Suggestion,
	}
	if err := e.store.RecordViolation(v); err != nil {
		return nil, err
	}

	logging.Hooks("protocol violation %s: %s (%s)", v.ID, v.ViolationType, v.Severity)
	return map[string]interface{}{
		"id":        v.ID,
		"sessionId": v.SessionID,
		"severity":  v.Severity,
		"timestamp": v.CreatedAt,
	}, nil
}

// ProtocolViolationsGetRequest is the protocol_violations_get input.
type ProtocolViolationsGetRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ProtocolViolationsGet returns recorded violations, newest first.
func (e *Engine) ProtocolViolationsGet(req ProtocolViolationsGetRequest) (map[string]interface{}, error) {
	violations, err := e.store.ListViolations(req.SessionID, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"violations": violations,
		"count":      len(violations),
		"timestamp":  time.Now().UTC(),
	}, nil
}
