package forward

import (
	"testing"

	"livefabric/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamForwardStartsWithLeaveClocksRunning(t *testing.T) {
	f := NewStreamForward("demo", nil, ForwardOptions{}, testLogger())
	defer f.Close()

	// No publisher and no subscribers yet: both clocks run from creation.
	assert.NotZero(t, f.PublishLeaveAt())
	assert.NotZero(t, f.SubscribeLeaveAt())
	assert.False(t, f.Cascaded())

	info := f.Info()
	assert.Equal(t, domain.StreamID("demo"), info.ID)
	assert.Nil(t, info.Publish)
	assert.Empty(t, info.Subscribers)
}

func TestStreamForwardSessionLookupMisses(t *testing.T) {
	f := NewStreamForward("demo", nil, ForwardOptions{}, testLogger())
	defer f.Close()

	assert.ErrorIs(t, f.SelectLayer("nope", "q"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, f.AddICECandidate("nope", "a=candidate:1"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, f.RemoveSession("nope"), domain.ErrSessionNotFound)

	_, err := f.Layers()
	assert.ErrorIs(t, err, domain.ErrNoPublisher)
}

func TestStreamForwardCloseIsIdempotent(t *testing.T) {
	var events []domain.Event
	f := NewStreamForward("demo", nil, ForwardOptions{
		Emit: func(e domain.Event) { events = append(events, e) },
	}, testLogger())

	f.Close()
	f.Close()
	assert.Empty(t, events)

	// Operations after close fail cleanly.
	_, err := f.publisherSource()
	require.ErrorIs(t, err, domain.ErrStreamNotFound)
}
