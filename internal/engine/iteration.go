package engine

import (
	"context"
	"fmt"
	"time"

	"loom/internal/bus"
	"loom/internal/iterate"
	"loom/internal/logging"
	"loom/internal/types"
)

// IterationStartRequest is the iteration_start input.
type IterationStartRequest struct {
	TaskID                  string                     `json:"taskId"`
	MaxIterations           int                        `json:"maxIterations"`
	CompletionPromises      []string                   `json:"completionPromises"`
	ValidationRules         []types.ValidationRuleSpec `json:"validationRules,omitempty"`
	CircuitBreakerThreshold int                        `json:"circuitBreakerThreshold,omitempty"`
}

// IterationStart opens a bounded validate-advance-complete loop anchored on
// an iteration checkpoint. Iteration checkpoints never expire.
func (e *Engine) IterationStart(req IterationStartRequest) (map[string]interface{}, error) {
	cfg := &types.IterationConfig{
		MaxIterations:           req.MaxIterations,
		CompletionPromises:      req.CompletionPromises,
		ValidationRules:         req.ValidationRules,
		CircuitBreakerThreshold: req.CircuitBreakerThreshold,
	}
	if err := iterate.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	task, err := e.mutableTask(req.TaskID)
	if err != nil {
		return nil, err
	}

	cp := &types.Checkpoint{
		ID:                 types.NewID(types.PrefixCheckpoint),
		TaskID:             task.ID,
		Trigger:            types.TriggerAutoIteration,
		TaskStatus:         task.Status,
		TaskNotes:          task.Notes,
		TaskMetadata:       task.Metadata.Clone(),
		AssignedAgent:      task.AssignedAgent,
		IterationID:        types.NewIterationID(),
		IterationConfig:    cfg,
		IterationNumber:    1,
		CompletionPromises: req.CompletionPromises,
	}
	if err := e.store.CreateCheckpoint(cp); err != nil {
		return nil, err
	}

	e.bus.Publish(bus.IterationStarted, cp.IterationID, map[string]interface{}{
		"taskId": task.ID, "maxIterations": cfg.MaxIterations,
	})
	e.logActivityForTask(task, "iteration", cp.IterationID, "iteration_started",
		fmt.Sprintf("max %d iterations", cfg.MaxIterations))
	logging.Iteration("started %s on %s (max %d, %d promises, %d rules)",
		cp.IterationID, task.ID, cfg.MaxIterations, len(cfg.CompletionPromises), len(cfg.ValidationRules))

	return map[string]interface{}{
		"iterationId":     cp.IterationID,
		"checkpointId":    cp.ID,
		"taskId":          task.ID,
		"iterationNumber": cp.IterationNumber,
		"maxIterations":   cfg.MaxIterations,
		"timestamp":       cp.CreatedAt,
	}, nil
}

// IterationValidateRequest is the iteration_validate input.
type IterationValidateRequest struct {
	IterationID string `json:"iterationId"`
	AgentOutput string `json:"agentOutput,omitempty"`
}

// IterationValidate runs the completion decision procedure for the current
// iteration: promise tags, safety guards, stop hooks, validation rules, and
// the continuation guard, in that order. Signal priority is
// BLOCKED > COMPLETE > ESCALATE > CONTINUE.
func (e *Engine) IterationValidate(ctx context.Context, req IterationValidateRequest) (map[string]interface{}, error) {
	cp, err := e.iterationCheckpoint(req.IterationID)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(cp.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, types.NewNotFound("task", cp.TaskID)
	}

	blocked := iterate.DetectPromiseByTag(req.AgentOutput, "BLOCKED")
	complete := iterate.DetectPromiseByTag(req.AgentOutput, "COMPLETE")
	safetySignal, safetyReason := iterate.CheckSafety(cp.IterationNumber, cp.IterationConfig, cp.IterationHistory)

	signal := types.SignalContinue
	detected := ""
	feedback := []string{}
	switch {
	case blocked != "":
		signal = types.SignalBlocked
		detected = blocked
	case complete != "":
		signal = types.SignalComplete
		detected = complete
	case safetySignal != "":
		signal = safetySignal
		feedback = append(feedback, safetyReason)
	}

	priorPassed := cp.ValidationState != nil && cp.ValidationState.ValidationPassed
	var hookDecision *iterate.HookDecision
	if safetySignal == "" {
		hookDecision = iterate.EvaluateHooks(task.ID, iterate.HookInput{
			IterationID:      req.IterationID,
			AgentOutput:      req.AgentOutput,
			ValidationPassed: priorPassed,
			Promises:         cp.IterationConfig.CompletionPromises,
		})
		if hookDecision != nil && signal == types.SignalContinue {
			switch hookDecision.Action {
			case iterate.HookComplete:
				signal = types.SignalComplete
			case iterate.HookEscalate:
				signal = types.SignalEscalate
				feedback = append(feedback, hookDecision.Reason)
			}
		}
	}

	validationPassed := signal != types.SignalBlocked
	var results []types.RuleResult
	if signal != types.SignalBlocked && signal != types.SignalComplete {
		latestProduct := ""
		if wps, err := e.store.ListWorkProducts(task.ID, ""); err == nil && len(wps) > 0 {
			latestProduct = wps[0].Content
		}
		results = iterate.RunRules(ctx, cp.IterationConfig.ValidationRules, iterate.RuleInputs{
			WorkProduct: latestProduct,
			TaskNotes:   task.Notes,
			AgentOutput: req.AgentOutput,
			ProjectRoot: e.projectRoot,
		})
		for _, r := range results {
			if !r.Passed {
				validationPassed = false
				feedback = append(feedback, fmt.Sprintf("[%s] %s", r.Name, r.Message))
			}
		}
	}

	cp.ValidationState = &types.ValidationState{
		Iteration:        cp.IterationNumber,
		ValidationPassed: validationPassed,
		CompletionSignal: signal,
		DetectedPromise:  detected,
		Feedback:         feedback,
		Results:          results,
		ValidatedAt:      time.Now().UTC(),
	}
	if err := e.store.UpdateIterationState(cp); err != nil {
		return nil, err
	}

	contDecision, updatedMeta := iterate.GuardContinuation(
		req.AgentOutput, task.Metadata, true, cp.IterationNumber, cp.IterationConfig.MaxIterations)
	if contDecision.Decision == iterate.DecisionAutoResume {
		task.Metadata = updatedMeta
		if err := e.store.UpdateTask(task); err != nil {
			return nil, err
		}
	}

	logging.Iteration("validated %s iteration %d: signal=%s passed=%v",
		req.IterationID, cp.IterationNumber, signal, validationPassed)

	resp := map[string]interface{}{
		"iterationId":                req.IterationID,
		"iterationNumber":            cp.IterationNumber,
		"validationPassed":           validationPassed,
		"completionSignal":           signal,
		"detectedPromise":            detected,
		"feedback":                   feedback,
		"results":                    results,
		"completionPromisesDetected": iterate.DetectConfiguredPromises(req.AgentOutput, cp.IterationConfig.CompletionPromises),
		"timestamp":                  cp.ValidationState.ValidatedAt,
	}
	if hookDecision != nil {
		resp["hookDecision"] = hookDecision
	}
	if contDecision.Incomplete {
		resp["continuationDecision"] = contDecision
	}
	return resp, nil
}

// IterationNextRequest is the iteration_next input.
type IterationNextRequest struct {
	IterationID      string         `json:"iterationId"`
	ValidationPassed *bool          `json:"validationPassed,omitempty"`
	ValidationDetail string         `json:"validationDetail,omitempty"`
	AgentContext     types.Metadata `json:"agentContext,omitempty"`
}

// IterationNext appends the supplied result to history and advances the
// iteration number. Fails when the loop is already at its maximum.
func (e *Engine) IterationNext(req IterationNextRequest) (map[string]interface{}, error) {
	cp, err := e.iterationCheckpoint(req.IterationID)
	if err != nil {
		return nil, err
	}
	if cp.IterationNumber >= cp.IterationConfig.MaxIterations {
		return nil, types.NewValidation("iterationId",
			"iteration %d is already at the maximum of %d", cp.IterationNumber, cp.IterationConfig.MaxIterations)
	}

	record := types.IterationRecord{
		Iteration: cp.IterationNumber,
		Timestamp: time.Now().UTC(),
	}
	if req.ValidationPassed != nil {
		record.ValidationPassed = *req.ValidationPassed
	} else if cp.ValidationState != nil && cp.ValidationState.Iteration == cp.IterationNumber {
		record.ValidationPassed = cp.ValidationState.ValidationPassed
	}
	record.ValidationDetail = req.ValidationDetail

	task, err := e.store.GetTask(cp.TaskID)
	if err != nil {
		return nil, err
	}
	if task != nil {
		auto, err := e.snapshotTask(task, types.TriggerAutoIteration, &CheckpointCreateRequest{
			AgentContext:    req.AgentContext,
			IterationNumber: cp.IterationNumber + 1,
		})
		if err != nil {
			logging.Checkpoint("iteration auto-checkpoint for %s failed: %v", task.ID, err)
		} else {
			record.CheckpointID = auto.ID
		}
	}

	cp.IterationHistory = append(cp.IterationHistory, record)
	cp.IterationNumber++
	cp.ValidationState = nil
	if err := e.store.UpdateIterationState(cp); err != nil {
		return nil, err
	}

	e.bus.Publish(bus.IterationAdvanced, req.IterationID, map[string]interface{}{
		"taskId": cp.TaskID, "iterationNumber": cp.IterationNumber,
	})
	logging.Iteration("%s advanced to iteration %d of %d",
		req.IterationID, cp.IterationNumber, cp.IterationConfig.MaxIterations)

	return map[string]interface{}{
		"iterationId":     req.IterationID,
		"iterationNumber": cp.IterationNumber,
		"maxIterations":   cp.IterationConfig.MaxIterations,
		"historyLength":   len(cp.IterationHistory),
		"timestamp":       record.Timestamp,
	}, nil
}

// IterationCompleteRequest is the iteration_complete input.
type IterationCompleteRequest struct {
	IterationID       string `json:"iterationId"`
	CompletionPromise string `json:"completionPromise"`
	WorkProductID     string `json:"workProductId,omitempty"`
}

// IterationComplete closes the loop: the promise must be one of the
// configured completion promises verbatim. The task is completed and the
// continuation bookkeeping dropped.
func (e *Engine) IterationComplete(req IterationCompleteRequest) (map[string]interface{}, error) {
	cp, err := e.iterationCheckpoint(req.IterationID)
	if err != nil {
		return nil, err
	}

	configured := false
	for _, p := range cp.IterationConfig.CompletionPromises {
		if p == req.CompletionPromise {
			configured = true
			break
		}
	}
	if !configured {
		return nil, types.NewValidation("completionPromise",
			"%q is not one of the configured completion promises", req.CompletionPromise)
	}

	task, err := e.mutableTask(cp.TaskID)
	if err != nil {
		return nil, err
	}
	oldStatus := task.Status
	task.Status = types.TaskCompleted
	task.Notes = appendNotes(task.Notes, "Iteration completed: "+req.CompletionPromise)

	meta := iterate.ClearContinuation(task.Metadata)
	if meta == nil {
		meta = types.Metadata{}
	} else {
		meta = meta.Clone()
	}
	meta["iterationComplete"] = map[string]interface{}{
		"completedAt":       time.Now().UTC().Format(time.RFC3339),
		"totalIterations":   cp.IterationNumber,
		"completionPromise": req.CompletionPromise,
		"workProductId":     req.WorkProductID,
	}
	task.Metadata = meta

	if err := e.store.UpdateTask(task); err != nil {
		return nil, err
	}
	if task.Status != oldStatus {
		e.afterStatusChange(task, oldStatus)
	}

	e.bus.Publish(bus.IterationComplete, req.IterationID, map[string]interface{}{
		"taskId": task.ID, "totalIterations": cp.IterationNumber,
	})
	e.logActivityForTask(task, "iteration", req.IterationID, "iteration_completed",
		fmt.Sprintf("after %d iterations", cp.IterationNumber))
	logging.Iteration("%s completed after %d iterations", req.IterationID, cp.IterationNumber)

	return map[string]interface{}{
		"iterationId":     req.IterationID,
		"taskId":          task.ID,
		"taskStatus":      task.Status,
		"totalIterations": cp.IterationNumber,
		"timestamp":       time.Now().UTC(),
	}, nil
}

func (e *Engine) iterationCheckpoint(iterationID string) (*types.Checkpoint, error) {
	if iterationID == "" {
		return nil, types.NewValidation("iterationId", "iteration id is required")
	}
	cp, err := e.store.CheckpointByIteration(iterationID)
	if err != nil {
		return nil, err
	}
	if cp == nil || !cp.IsIteration() {
		return nil, types.NewNotFound("iteration", iterationID)
	}
	return cp, nil
}
