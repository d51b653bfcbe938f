package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNopSinkDiscardsSilently(t *testing.T) {
	assert.NotPanics(t, func() { NopSink{}.Publish(Event{Domain: "example.com."}) })
}

func TestChannelSinkDeliversWithinCapacity(t *testing.T) {
	s := NewChannelSink(2)
	s.Publish(Event{Domain: "a.example."})
	s.Publish(Event{Domain: "b.example."})

	first := <-s.Events()
	second := <-s.Events()
	assert.Equal(t, "a.example.", first.Domain)
	assert.Equal(t, "b.example.", second.Domain)
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	s.Publish(Event{Domain: "kept."})
	s.Publish(Event{Domain: "dropped."})

	assert.Len(t, s.Events(), 1)
	got := <-s.Events()
	assert.Equal(t, "kept.", got.Domain)
}

func TestNewChannelSinkDefaultsBufferWhenNonPositive(t *testing.T) {
	s := NewChannelSink(0)
	require := assert.New(t)
	require.NotNil(s.ch)
	for i := 0; i < 64; i++ {
		s.Publish(Event{})
	}
	require.Len(s.Events(), 64)
}
