package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"livefabric/internal/core/domain"
	"livefabric/pkg/circuitbreaker"
	"livefabric/pkg/errors"

	"go.uber.org/zap"
)

// Headers carried on the cascade WHIP dial so the receiving node can mark
// the ingress as cascaded.
const (
	HeaderReforwardOrigin  = "X-Reforward-Origin"
	HeaderReforwardSession = "X-Reforward-Session"
)

// Client is the shared pooled HTTP client for all cross-node calls. Every
// call runs under the fixed connect/total deadlines; there is no per-call
// client construction.
type Client struct {
	http   *http.Client
	logger *zap.SugaredLogger

	// One breaker per peer host: a dead node fails fast instead of burning
	// the call deadline on every tick.
	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// NewClient builds the pooled client with the given deadlines (defaults
// 300 ms connect, 500 ms total).
func NewClient(connectTimeout, totalTimeout time.Duration, logger *zap.SugaredLogger) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 300 * time.Millisecond
	}
	if totalTimeout <= 0 {
		totalTimeout = 500 * time.Millisecond
	}
	return &Client{
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger:   logger,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(host string) *circuitbreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig())
		c.breakers[host] = cb
	}
	return cb
}

func (c *Client) do(req *http.Request, authorization string) (*http.Response, error) {
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	var resp *http.Response
	err := c.breakerFor(req.URL.Host).Execute(func() error {
		var doErr error
		resp, doErr = c.http.Do(req)
		return doErr
	})
	if err != nil {
		return nil, errors.NewUpstreamProxyError(err)
	}
	return resp, nil
}

// StreamInfo fetches stream snapshots from a peer node.
func (c *Client) StreamInfo(ctx context.Context, baseURL, authorization string, streams []domain.StreamID) ([]domain.StreamSnapshot, error) {
	u := strings.TrimSuffix(baseURL, "/") + "/api/streams"
	if len(streams) > 0 {
		ids := make([]string, 0, len(streams))
		for _, s := range streams {
			ids = append(ids, string(s))
		}
		u += "?streams=" + url.QueryEscape(strings.Join(ids, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, authorization)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewUpstreamProxyError(fmt.Errorf("stream info returned %d", resp.StatusCode))
	}
	var out []domain.StreamSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.NewUpstreamProxyError(err)
	}
	return out, nil
}

// reforwardRequest is the admin body asking a node to push a stream.
type reforwardRequest struct {
	TargetURL          string `json:"targetUrl"`
	AdminAuthorization string `json:"adminAuthorization,omitempty"`
}

// Reforward asks the node at baseURL to push the stream to targetURL.
func (c *Client) Reforward(ctx context.Context, baseURL, adminAuthorization string, stream domain.StreamID, targetURL string) error {
	body, err := json.Marshal(reforwardRequest{TargetURL: targetURL})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/admin/reforward/%s", strings.TrimSuffix(baseURL, "/"), stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, adminAuthorization)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errors.NewUpstreamProxyError(fmt.Errorf("reforward returned %d", resp.StatusCode))
	}
	return nil
}

// DeleteSession removes a session on a peer node.
func (c *Client) DeleteSession(ctx context.Context, baseURL, authorization string, stream domain.StreamID, session domain.SessionID) error {
	u := fmt.Sprintf("%s/session/%s/%s", strings.TrimSuffix(baseURL, "/"), stream, session)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, authorization)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return errors.NewUpstreamProxyError(fmt.Errorf("session delete returned %d", resp.StatusCode))
	}
	return nil
}

// DialOptions tags a WHIP dial with the originating cascade session.
type DialOptions struct {
	Origin        string
	OriginSession domain.SessionID
	Authorization string
}

// PostWhipOffer posts an SDP offer to a WHIP endpoint and returns the
// answer plus the created session resource URL.
func (c *Client) PostWhipOffer(ctx context.Context, whipURL, offerSDP string, opts DialOptions) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, whipURL, strings.NewReader(offerSDP))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if opts.Origin != "" {
		req.Header.Set(HeaderReforwardOrigin, opts.Origin)
		req.Header.Set(HeaderReforwardSession, string(opts.OriginSession))
	}

	resp, err := c.do(req, opts.Authorization)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", "", errors.NewUpstreamProxyError(fmt.Errorf("whip dial returned %d", resp.StatusCode))
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", errors.NewUpstreamProxyError(err)
	}

	location := resp.Header.Get("Location")
	if location != "" && strings.HasPrefix(location, "/") {
		if base, perr := url.Parse(whipURL); perr == nil {
			location = base.Scheme + "://" + base.Host + location
		}
	}
	return string(answer), location, nil
}
