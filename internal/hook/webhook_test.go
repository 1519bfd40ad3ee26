package hook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"livefabric/internal/core/domain"
	"livefabric/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookDeliversEventBody(t *testing.T) {
	received := make(chan eventBody, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body eventBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
	}))
	defer srv.Close()

	wh := NewWebhook([]string{srv.URL}, "http://node:7777", ports.NopMetrics{}, zap.NewNop().Sugar())

	events := make(chan domain.Event, 1)
	events <- domain.Event{Type: domain.EventPublishUp, StreamID: "demo", Timestamp: time.Now()}
	close(events)

	wh.Hook(context.Background(), events)

	body := <-received
	assert.Equal(t, "http://node:7777", body.Addr)
	assert.Equal(t, domain.EventPublishUp, body.Event.Type)
	assert.Equal(t, domain.StreamID("demo"), body.Event.StreamID)
}

func TestWebhookNon2xxIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook([]string{srv.URL}, "addr", ports.NopMetrics{}, zap.NewNop().Sugar())

	events := make(chan domain.Event, 1)
	events <- domain.Event{Type: domain.EventStreamUp, StreamID: "demo"}
	close(events)
	wh.Hook(context.Background(), events)

	assert.Equal(t, int64(1), calls.Load())
}

func TestWebhookStopsAfterNodeDown(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	wh := NewWebhook([]string{srv.URL}, "addr", ports.NopMetrics{}, zap.NewNop().Sugar())

	events := make(chan domain.Event, 2)
	events <- domain.Event{Type: domain.EventNodeDown}
	events <- domain.Event{Type: domain.EventStreamUp, StreamID: "late"}

	done := make(chan struct{})
	go func() {
		wh.Hook(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hook did not stop after Node.Down")
	}
	assert.Equal(t, int64(1), calls.Load())
}
