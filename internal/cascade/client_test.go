package cascade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livefabric/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient() *Client {
	return NewClient(300*time.Millisecond, 500*time.Millisecond, zap.NewNop().Sugar())
}

func TestStreamInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/streams", r.URL.Path)
		assert.Equal(t, "demo", r.URL.Query().Get("streams"))
		assert.Equal(t, "Bearer node-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]domain.StreamSnapshot{{
			ID: "demo",
			Publish: &domain.SessionSnapshot{
				ID:           "s1",
				ConnectState: domain.ConnectStateConnected,
			},
		}})
	}))
	defer srv.Close()

	infos, err := testClient().StreamInfo(context.Background(), srv.URL, "Bearer node-token", []domain.StreamID{"demo"})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].PublisherConnected())
}

func TestReforward(t *testing.T) {
	var got reforwardRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/reforward/demo", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient().Reforward(context.Background(), srv.URL, "", "demo", "http://other/whip/demo")
	require.NoError(t, err)
	assert.Equal(t, "http://other/whip/demo", got.TargetURL)
}

func TestReforwardUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient().Reforward(context.Background(), srv.URL, "", "demo", "http://other/whip/demo")
	assert.Error(t, err)
}

func TestDeleteSessionToleratesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/session/demo/s9", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, testClient().DeleteSession(context.Background(), srv.URL, "", "demo", "s9"))
}

func TestPostWhipOffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/sdp", r.Header.Get("Content-Type"))
		assert.Equal(t, "http://origin", r.Header.Get(HeaderReforwardOrigin))
		assert.Equal(t, "s1", r.Header.Get(HeaderReforwardSession))
		w.Header().Set("Location", "/session/demo/abc")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("v=0 answer"))
	}))
	defer srv.Close()

	answer, location, err := testClient().PostWhipOffer(context.Background(), srv.URL+"/whip/demo", "v=0 offer", DialOptions{
		Origin:        "http://origin",
		OriginSession: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", answer)
	// A relative Location is resolved against the dialed host.
	assert.Equal(t, srv.URL+"/session/demo/abc", location)
}

func TestClientHonorsTotalDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(50*time.Millisecond, 100*time.Millisecond, zap.NewNop().Sugar())
	start := time.Now()
	_, err := c.StreamInfo(context.Background(), srv.URL, "", nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}
