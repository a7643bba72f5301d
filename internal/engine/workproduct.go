package engine

import (
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/types"
	"loom/internal/validate"
)

// WorkProductStoreRequest is the work_product_store input.
type WorkProductStoreRequest struct {
	TaskID   string         `json:"taskId"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata types.Metadata `json:"metadata,omitempty"`
}

// WorkProductStore validates and persists an agent deliverable. A rejecting
// rule fails the call with actionable feedback; warnings and flags are
// persisted alongside the product under metadata.validation.
func (e *Engine) WorkProductStore(req WorkProductStoreRequest) (map[string]interface{}, error) {
	if req.TaskID == "" {
		return nil, types.NewValidation("taskId", "task id is required")
	}

	wp := &types.WorkProduct{
		ID:       types.NewID(types.PrefixWorkProduct),
		TaskID:   req.TaskID,
		Type:     req.Type,
		Title:    req.Title,
		Content:  req.Content,
		Metadata: req.Metadata.Clone(),
	}

	findings, rejected := validate.Run(wp)
	if rejected {
		return nil, types.NewValidation("content", "%s", validate.RejectionFeedback(findings))
	}
	if len(findings) > 0 {
		if wp.Metadata == nil {
			wp.Metadata = types.Metadata{}
		}
		wp.Metadata["validation"] = findings
	}

	if err := e.store.CreateWorkProduct(wp); err != nil {
		return nil, err
	}

	e.logActivity("work_product", wp.ID, "work_product_stored",
		wp.Title+" ("+wp.Type+")", nil)
	logging.Tools("work product stored: %s for %s (%s, %d findings)",
		wp.ID, wp.TaskID, wp.Type, len(findings))

	resp := map[string]interface{}{
		"id":        wp.ID,
		"taskId":    wp.TaskID,
		"type":      wp.Type,
		"summary":   summarize(wp.Content, 300),
		"wordCount": len(strings.Fields(wp.Content)),
		"timestamp": wp.CreatedAt,
	}
	if len(findings) > 0 {
		resp["validation"] = findings
	}
	return resp, nil
}

// WorkProductGet returns the full product, or nil when absent.
func (e *Engine) WorkProductGet(id string) (*types.WorkProduct, error) {
	return e.store.GetWorkProduct(id)
}

// WorkProductListRequest is the work_product_list input.
type WorkProductListRequest struct {
	TaskID string `json:"taskId"`
	Type   string `json:"type,omitempty"`
}

// WorkProductList lists a task's products newest first, content summarized.
func (e *Engine) WorkProductList(req WorkProductListRequest) (map[string]interface{}, error) {
	wps, err := e.store.ListWorkProducts(req.TaskID, req.Type)
	if err != nil {
		return nil, err
	}
	listings := make([]map[string]interface{}, 0, len(wps))
	for _, wp := range wps {
		listings = append(listings, map[string]interface{}{
			"id":        wp.ID,
			"type":      wp.Type,
			"title":     wp.Title,
			"summary":   summarize(wp.Content, 300),
			"wordCount": len(strings.Fields(wp.Content)),
			"createdAt": wp.CreatedAt,
		})
	}
	return map[string]interface{}{
		"workProducts": listings,
		"count":        len(listings),
		"timestamp":    time.Now().UTC(),
	}, nil
}
