package engine

import (
	"fmt"
	"time"

	"loom/internal/classify"
	"loom/internal/types"
)

// PRDCreateRequest is the prd_create input.
type PRDCreateRequest struct {
	InitiativeID string         `json:"initiativeId,omitempty"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Content      string         `json:"content,omitempty"`
	Metadata     types.Metadata `json:"metadata,omitempty"`
}

// PRDCreate creates a PRD under the given (or current) initiative. The
// prd_type and scope_locked metadata keys are derived from title and
// description when the caller does not supply them.
func (e *Engine) PRDCreate(req PRDCreateRequest) (map[string]interface{}, error) {
	if req.Title == "" {
		return nil, types.NewValidation("title", "prd title is required")
	}

	initiativeID := req.InitiativeID
	if initiativeID == "" {
		current, err := e.store.CurrentInitiative()
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, types.NewValidation("initiativeId", "no initiative linked and none supplied")
		}
		initiativeID = current.ID
	}

	md := req.Metadata.Clone()
	if md.GetString("prd_type") == "" {
		md["prd_type"] = classify.PRDType(req.Title, req.Description)
	}
	if _, present := md["scope_locked"]; !present {
		md["scope_locked"] = classify.ScopeLockDefault(md.GetString("prd_type"))
	}

	prd := &types.PRD{
		ID:           types.NewID(types.PrefixPRD),
		InitiativeID: initiativeID,
		Title:        req.Title,
		Description:  req.Description,
		Content:      req.Content,
		Metadata:     md,
		Status:       "active",
	}
	if err := e.store.CreatePRD(prd); err != nil {
		return nil, err
	}

	e.logActivity("prd", prd.ID, "prd_created",
		fmt.Sprintf("%s (%s)", prd.Title, md.GetString("prd_type")), nil)

	return map[string]interface{}{
		"id":          prd.ID,
		"prdType":     md.GetString("prd_type"),
		"scopeLocked": prd.ScopeLocked(),
		"status":      prd.Status,
		"timestamp":   prd.CreatedAt,
	}, nil
}

// PRDGet returns the PRD document, or nil when absent.
func (e *Engine) PRDGet(id string) (*types.PRD, error) {
	return e.store.GetPRD(id)
}

// PRDListRequest is the prd_list input.
type PRDListRequest struct {
	InitiativeID string `json:"initiativeId,omitempty"`
}

// PRDList lists PRDs, optionally scoped to an initiative.
func (e *Engine) PRDList(req PRDListRequest) (map[string]interface{}, error) {
	prds, err := e.store.ListPRDs(req.InitiativeID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"prds":      prds,
		"count":     len(prds),
		"timestamp": time.Now().UTC(),
	}, nil
}
