package journal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocunited/weave/pkg/turn"
)

type recordingSink struct {
	events []*turn.Event
	err    error
}

func (s *recordingSink) Publish(ev *turn.Event) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestFanoutPublishesToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	fanout := NewFanout(a, b)

	ev := event("chat-1", 0, "hello")
	require.NoError(t, fanout.Publish(ev))

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Same(t, ev, a.events[0])
}

func TestFanoutAddBindsLateSink(t *testing.T) {
	a := &recordingSink{}
	fanout := NewFanout(a)

	late := &recordingSink{}
	fanout.Add(late)

	require.NoError(t, fanout.Publish(event("chat-1", 0, "hello")))
	assert.Len(t, a.events, 1)
	assert.Len(t, late.events, 1)
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	failing := &recordingSink{err: fmt.Errorf("disk full")}
	healthy := &recordingSink{}
	fanout := NewFanout(failing, healthy)

	err := fanout.Publish(event("chat-1", 0, "hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, healthy.events, 1)
}
