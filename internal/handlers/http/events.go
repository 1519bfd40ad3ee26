package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"livefabric/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// sseKeepAlive bounds how long an idle SSE connection stays silent.
const sseKeepAlive = 15 * time.Second

func parseStreamFilter(c *gin.Context) []domain.StreamID {
	var ids []domain.StreamID
	if raw := c.Query("streams"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				ids = append(ids, domain.StreamID(s))
			}
		}
	}
	return ids
}

// StreamEventsSSE streams lifecycle events as server-sent events. Closing
// the request unregisters the observer.
func (h *Handler) StreamEventsSSE(c *gin.Context) {
	events, cancel := h.streams.SubscribeEvents(parseStreamFilter(c))
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-keepAlive.C:
			c.SSEvent("keepalive", time.Now().UnixMilli())
			return true
		case event, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				return true
			}
			c.SSEvent("stream", string(data))
			return true
		}
	})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamEventsWS streams the same events over a websocket for clients that
// cannot hold an SSE connection.
func (h *Handler) StreamEventsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.streams.SubscribeEvents(parseStreamFilter(c))
	defer cancel()

	// Reader goroutine: surface client disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
