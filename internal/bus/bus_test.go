package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishOrder(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(CheckpointCreated, func(e Event) { got = append(got, "first:"+e.EntityID) })
	b.Subscribe(CheckpointCreated, func(e Event) { got = append(got, "second:"+e.EntityID) })

	b.Publish(CheckpointCreated, "CP-1", nil)

	assert.Equal(t, []string{"first:CP-1", "second:CP-1"}, got)
}

func TestWildcardSubscriber(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe("*", func(Event) { count++ })

	b.Publish(CheckpointCreated, "CP-1", nil)
	b.Publish(TaskStatusChanged, "TASK-1", map[string]interface{}{"old": "pending"})

	assert.Equal(t, 2, count)
}

func TestPanicIsolation(t *testing.T) {
	b := New()
	reached := false
	b.Subscribe(IterationStarted, func(Event) { panic("boom") })
	b.Subscribe(IterationStarted, func(Event) { reached = true })

	assert.NotPanics(t, func() { b.Publish(IterationStarted, "IT-1", nil) })
	assert.True(t, reached, "handler after panicking handler should still run")
}

func TestNoSubscribers(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Publish("unknown.topic", "X", nil) })
}
