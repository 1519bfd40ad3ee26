package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"livefabric/internal/core/domain"
	"livefabric/internal/core/ports"

	"go.uber.org/zap"
)

// eventBody is the webhook delivery payload.
type eventBody struct {
	Addr    string             `json:"addr"`
	Metrics domain.NodeMetrics `json:"metrics"`
	Event   domain.Event       `json:"event"`
}

// Webhook POSTs every lifecycle event to the configured endpoints.
// Delivery is best-effort: a non-2xx response or transport error is logged
// and never retried, and never fails a forwarding operation.
type Webhook struct {
	urls    []string
	addr    string
	client  *http.Client
	metrics ports.MetricsObserver
	logger  *zap.SugaredLogger
}

// NewWebhook builds the hook; one shared client serves every delivery.
func NewWebhook(urls []string, addr string, metrics ports.MetricsObserver, logger *zap.SugaredLogger) *Webhook {
	return &Webhook{
		urls:    urls,
		addr:    addr,
		client:  &http.Client{Timeout: 5 * time.Second},
		metrics: metrics,
		logger:  logger,
	}
}

var _ ports.EventHook = (*Webhook)(nil)

// Hook consumes the event stream until it closes or ctx is done. A
// Node.Down event is delivered and then terminates the hook.
func (w *Webhook) Hook(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			w.deliver(ctx, event)
			if event.Type == domain.EventNodeDown {
				return
			}
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, event domain.Event) {
	body := eventBody{
		Addr:    w.addr,
		Metrics: w.metrics.NodeMetrics(),
		Event:   event,
	}
	data, err := json.Marshal(body)
	if err != nil {
		w.logger.Warnw("webhook marshal failed", "error", err)
		return
	}

	for _, url := range w.urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			w.logger.Warnw("webhook request failed", "url", url, "error", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warnw("webhook delivery failed", "url", url, "type", event.Type, "error", err)
			continue
		}
		if resp.StatusCode/100 != 2 {
			w.logger.Warnw("webhook rejected", "url", url, "type", event.Type, "status", resp.StatusCode)
		}
		resp.Body.Close()
	}
}
