package engine

import (
	"fmt"
	"time"

	"loom/internal/types"
)

// handoffContextLimit caps the free-text context on a handoff. Longer
// context belongs in a work product.
const handoffContextLimit = 50

// AgentHandoffRequest is the agent_handoff input.
type AgentHandoffRequest struct {
	TaskID         string `json:"taskId"`
	FromAgent      string `json:"fromAgent"`
	ToAgent        string `json:"toAgent"`
	WorkProductID  string `json:"workProductId"`
	HandoffContext string `json:"handoffContext,omitempty"`
}

// AgentHandoff appends a transfer to the task's handoff chain. The
// referenced work product must exist and belong to the task.
func (e *Engine) AgentHandoff(req AgentHandoffRequest) (map[string]interface{}, error) {
	if req.TaskID == "" {
		return nil, types.NewValidation("taskId", "task id is required")
	}
	if req.FromAgent == "" || req.ToAgent == "" {
		return nil, types.NewValidation("fromAgent", "both fromAgent and toAgent are required")
	}
	if len(req.HandoffContext) > handoffContextLimit {
		return nil, types.NewValidation("handoffContext",
			"context is %d characters, maximum is %d", len(req.HandoffContext), handoffContextLimit)
	}

	task, err := e.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, types.NewNotFound("task", req.TaskID)
	}
	if req.WorkProductID != "" {
		wp, err := e.store.GetWorkProduct(req.WorkProductID)
		if err != nil {
			return nil, err
		}
		if wp == nil {
			return nil, types.NewNotFound("work_product", req.WorkProductID)
		}
		if wp.TaskID != req.TaskID {
			return nil, types.NewValidation("workProductId",
				"work product %s belongs to task %s", wp.ID, wp.TaskID)
		}
	}

	h := &types.Handoff{
		ID:             types.NewID(types.PrefixHandoff),
		TaskID:         req.TaskID,
		FromAgent:      req.FromAgent,
		ToAgent:        req.ToAgent,
		WorkProductID:  req.WorkProductID,
		HandoffContext: req.HandoffContext,
	}
	if err := e.store.CreateHandoff(h); err != nil {
		return nil, err
	}

	e.logActivityForTask(task, "handoff", h.ID, "agent_handoff",
		fmt.Sprintf("%s → %s (%d/%d)", h.FromAgent, h.ToAgent, h.ChainPosition, h.ChainLength))

	return map[string]interface{}{
		"id":            h.ID,
		"taskId":        h.TaskID,
		"chainPosition": h.ChainPosition,
		"chainLength":   h.ChainLength,
		"timestamp":     h.CreatedAt,
	}, nil
}

// AgentChainGet returns the task's handoff chain in order, plus every work
// product attributed to the agent who handed it off. The final agent records
// no outgoing handoff, so their products map to "unknown".
func (e *Engine) AgentChainGet(taskID string) (map[string]interface{}, error) {
	if taskID == "" {
		return nil, types.NewValidation("taskId", "task id is required")
	}
	handoffs, err := e.store.ListHandoffs(taskID)
	if err != nil {
		return nil, err
	}
	wps, err := e.store.ListWorkProducts(taskID, "")
	if err != nil {
		return nil, err
	}

	byProduct := make(map[string]string, len(handoffs))
	for _, h := range handoffs {
		if h.WorkProductID != "" {
			byProduct[h.WorkProductID] = h.FromAgent
		}
	}

	products := make([]map[string]interface{}, 0, len(wps))
	for _, wp := range wps {
		agent, ok := byProduct[wp.ID]
		if !ok {
			agent = "unknown"
		}
		products = append(products, map[string]interface{}{
			"id":        wp.ID,
			"type":      wp.Type,
			"title":     wp.Title,
			"agent":     agent,
			"createdAt": wp.CreatedAt,
		})
	}

	return map[string]interface{}{
		"taskId":       taskID,
		"handoffs":     handoffs,
		"chainLength":  len(handoffs),
		"workProducts": products,
		"timestamp":    time.Now().UTC(),
	}, nil
}

// AgentPerformanceGet aggregates an agent's recorded outcomes.
func (e *Engine) AgentPerformanceGet(agentID string) (map[string]interface{}, error) {
	if agentID == "" {
		return nil, types.NewValidation("agentId", "agent id is required")
	}
	perf, err := e.store.AggregatePerformance(agentID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"performance": perf,
		"timestamp":   time.Now().UTC(),
	}, nil
}
