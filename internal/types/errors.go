package types

import "fmt"

// NotFoundError indicates an entity id does not exist. Plain get operations
// return nil instead; secondary lookups surface this error.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError indicates an input violated a stated precondition.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError.
func NewValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CycleError indicates a stream dependency cycle.
type CycleError struct {
	StreamID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("Circular dependency detected: %s creates a cycle in stream dependencies", e.StreamID)
}

// ArchivedTaskError indicates a mutation attempt against an archived task.
// It carries the stream and the initiative whose switch archived the task.
type ArchivedTaskError struct {
	TaskID       string
	StreamID     string
	InitiativeID string
}

func (e *ArchivedTaskError) Error() string {
	return fmt.Sprintf("task %s is archived (stream %s, archived by initiative %s) and cannot be modified",
		e.TaskID, e.StreamID, e.InitiativeID)
}

// ConfigError indicates a malformed configuration file.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Path, e.Reason)
}

// StoreError wraps an IO/schema/transaction failure after rollback.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
