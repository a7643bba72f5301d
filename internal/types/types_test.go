package types

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	id := NewID(PrefixTask)
	if !strings.HasPrefix(id, "TASK-") {
		t.Errorf("NewID prefix = %q, want TASK-", id)
	}
	if len(id) != len(PrefixTask)+8 {
		t.Errorf("NewID length = %d, want %d", len(id), len(PrefixTask)+8)
	}
	if NewID(PrefixTask) == id {
		t.Error("NewID returned duplicate ids")
	}
}

func TestMetadataGetStringSlice(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		want int
	}{
		{"Nil", nil, 0},
		{"Native", Metadata{"files": []string{"a.go", "b.go"}}, 2},
		{"Decoded", Metadata{"files": []interface{}{"a.go", "b.go", "c.go"}}, 3},
		{"Mixed", Metadata{"files": []interface{}{"a.go", 42}}, 1},
		{"WrongType", Metadata{"files": "a.go"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.meta.GetStringSlice("files")
			if len(got) != tt.want {
				t.Errorf("GetStringSlice() = %v, want %d entries", got, tt.want)
			}
		})
	}
}

func TestMetadataClone(t *testing.T) {
	orig := Metadata{"a": 1}
	clone := orig.Clone()
	clone["b"] = 2
	if _, ok := orig["b"]; ok {
		t.Error("Clone shares backing map with original")
	}
}

func TestPhaseRank(t *testing.T) {
	if !(PhaseRank(PhaseFoundation) < PhaseRank(PhaseParallel) &&
		PhaseRank(PhaseParallel) < PhaseRank(PhaseIntegration)) {
		t.Error("phase ordering broken")
	}
	if PhaseRank("weird") <= PhaseRank(PhaseIntegration) {
		t.Error("unknown phase should sort last")
	}
}

func TestTaskQualityGates(t *testing.T) {
	task := &Task{}
	if _, present := task.QualityGates(); present {
		t.Error("absent qualityGates reported present")
	}

	task.Metadata = Metadata{"qualityGates": []interface{}{}}
	gates, present := task.QualityGates()
	if !present || len(gates) != 0 {
		t.Errorf("explicit empty gates = (%v, %v), want ([], true)", gates, present)
	}
}

func TestCheckpointExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	cp := &Checkpoint{ExpiresAt: &past}
	if !cp.Expired(now) {
		t.Error("past expiry not reported expired")
	}
	if (&Checkpoint{}).Expired(now) {
		t.Error("nil expiry reported expired")
	}
}

func TestCycleErrorMessage(t *testing.T) {
	err := &CycleError{StreamID: "Stream-C"}
	if !strings.Contains(err.Error(), "Circular dependency detected") {
		t.Errorf("CycleError message = %q", err.Error())
	}
}

func TestErrorsAs(t *testing.T) {
	var wrapped error = &StoreError{Op: "insert", Err: errors.New("disk full")}
	var se *StoreError
	if !errors.As(wrapped, &se) {
		t.Fatal("errors.As failed for StoreError")
	}
	if se.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}
