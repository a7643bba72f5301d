package engine

import (
	"fmt"
	"time"

	"loom/internal/types"
)

// ScopeChangeRequestInput is the scope_change_request input.
type ScopeChangeRequestInput struct {
	PRDID       string `json:"prdId"`
	RequestType string `json:"requestType"`
	Description string `json:"description"`
	Rationale   string `json:"rationale,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// ScopeChangeRequest files a pending change request against a scope-locked
// PRD. Unlocked PRDs take changes directly and reject requests.
func (e *Engine) ScopeChangeRequest(req ScopeChangeRequestInput) (map[string]interface{}, error) {
	if req.PRDID == "" {
		return nil, types.NewValidation("prdId", "prd id is required")
	}
	if req.Description == "" {
		return nil, types.NewValidation("description", "description is required")
	}

	prd, err := e.store.GetPRD(req.PRDID)
	if err != nil {
		return nil, err
	}
	if prd == nil {
		return nil, types.NewNotFound("prd", req.PRDID)
	}
	if !prd.ScopeLocked() {
		return nil, types.NewValidation("prdId",
			"prd %s is not scope-locked; edit it directly", req.PRDID)
	}

	sc := &types.ScopeChange{
		ID:          types.NewID(types.PrefixScopeChange),
		PRDID:       req.PRDID,
		RequestType: req.RequestType,
		Description: req.Description,
		Rationale:   req.Rationale,
		RequestedBy: req.RequestedBy,
		Status:      types.ScopePending,
	}
	if err := e.store.CreateScopeChange(sc); err != nil {
		return nil, err
	}

	e.logActivity("scope_change", sc.ID, "scope_change_requested",
		fmt.Sprintf("%s on %s", sc.RequestType, sc.PRDID), nil)

	return map[string]interface{}{
		"id":        sc.ID,
		"prdId":     sc.PRDID,
		"status":    sc.Status,
		"timestamp": sc.CreatedAt,
	}, nil
}

// ScopeChangeReviewInput is the scope_change_review input.
type ScopeChangeReviewInput struct {
	ID          string `json:"id"`
	Approve     bool   `json:"approve"`
	ReviewedBy  string `json:"reviewedBy,omitempty"`
	ReviewNotes string `json:"reviewNotes,omitempty"`
}

// ScopeChangeReview settles a pending request. Reviews are one-shot: only
// pending requests are reviewable.
func (e *Engine) ScopeChangeReview(req ScopeChangeReviewInput) (map[string]interface{}, error) {
	if req.ID == "" {
		return nil, types.NewValidation("id", "scope change id is required")
	}
	sc, err := e.store.GetScopeChange(req.ID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, types.NewNotFound("scope change", req.ID)
	}
	if sc.Status != types.ScopePending {
		return nil, types.NewValidation("id",
			"scope change %s is already %s", sc.ID, sc.Status)
	}

	if req.Approve {
		sc.Status = types.ScopeApproved
	} else {
		sc.Status = types.ScopeRejected
	}
	sc.ReviewedAt = time.Now().UTC()
	sc.ReviewedBy = req.ReviewedBy
	sc.ReviewNotes = req.ReviewNotes
	if err := e.store.ReviewScopeChange(sc); err != nil {
		return nil, err
	}

	e.logActivity("scope_change", sc.ID, "scope_change_reviewed",
		fmt.Sprintf("%s by %s", sc.Status, orElse(sc.ReviewedBy, "unreviewed")), nil)

	return map[string]interface{}{
		"id":         sc.ID,
		"prdId":      sc.PRDID,
		"status":     sc.Status,
		"reviewedAt": sc.ReviewedAt,
		"timestamp":  time.Now().UTC(),
	}, nil
}

// ScopeChangeListInput is the scope_change_list input.
type ScopeChangeListInput struct {
	PRDID  string `json:"prdId,omitempty"`
	Status string `json:"status,omitempty"`
}

// ScopeChangeList lists requests oldest first.
func (e *Engine) ScopeChangeList(req ScopeChangeListInput) (map[string]interface{}, error) {
	scs, err := e.store.ListScopeChanges(req.PRDID, req.Status)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"scopeChanges": scs,
		"count":        len(scs),
		"timestamp":    time.Now().UTC(),
	}, nil
}
