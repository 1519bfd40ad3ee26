package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"livefabric/internal/core/domain"
	"livefabric/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	nodesKey  = "nodes"
	nodePrefix = "node:"
	roomPrefix = "room:"

	// entryTTL is the registry entry lifetime; heartbeats refresh it.
	entryTTL = 3 * time.Second
)

// RedisRegistry is the cluster view backed by a shared Redis. Node and
// stream-ownership entries expire unless the heartbeat task refreshes them.
type RedisRegistry struct {
	client *redis.Client
	record domain.NodeRecord

	mu    sync.RWMutex
	owned map[domain.StreamID]struct{}

	logger *zap.SugaredLogger
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis", "address", address, "db", db)
	return &RedisRegistry{
		client: client,
		owned:  make(map[domain.StreamID]struct{}),
		logger: logger,
	}, nil
}

var _ ports.NodeRegistry = (*RedisRegistry)(nil)

type nodeEntry struct {
	Alias    string              `json:"alias"`
	URL      string              `json:"url"`
	Metadata domain.NodeMetadata `json:"metadata"`
	Metrics  domain.NodeMetrics  `json:"metrics"`
	// unix ms of the last heartbeat; the TTL alone already bounds staleness
	// but the timestamp survives into Nodes() listings.
	Heartbeat int64 `json:"heartbeat"`
}

// Register announces this node.
func (r *RedisRegistry) Register(ctx context.Context, record domain.NodeRecord) error {
	r.record = record
	if err := r.client.SAdd(ctx, nodesKey, record.URL).Err(); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	return r.Heartbeat(ctx, record.Metrics)
}

// Heartbeat refreshes the node blob and every owned room entry.
func (r *RedisRegistry) Heartbeat(ctx context.Context, metrics domain.NodeMetrics) error {
	entry := nodeEntry{
		Alias:     r.record.Alias,
		URL:       r.record.URL,
		Metadata:  r.record.Metadata,
		Metrics:   metrics,
		Heartbeat: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal node entry: %w", err)
	}
	if err := r.client.Set(ctx, nodePrefix+r.record.URL, data, entryTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh node entry: %w", err)
	}

	r.mu.RLock()
	owned := make([]domain.StreamID, 0, len(r.owned))
	for id := range r.owned {
		owned = append(owned, id)
	}
	r.mu.RUnlock()

	for _, id := range owned {
		// XX: only refresh entries we still hold; a lapsed claim is not
		// silently re-taken from another node.
		err := r.client.SetArgs(ctx, roomPrefix+string(id), r.record.URL, redis.SetArgs{
			Mode: "XX",
			TTL:  entryTTL,
		}).Err()
		if err != nil && err != redis.Nil {
			r.logger.Debugw("room refresh failed", "stream", id, "error", err)
		}
	}
	return nil
}

// Nodes lists all registered nodes.
func (r *RedisRegistry) Nodes(ctx context.Context) ([]domain.NodeRecord, error) {
	addrs, err := r.client.SMembers(ctx, nodesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	out := make([]domain.NodeRecord, 0, len(addrs))
	for _, addr := range addrs {
		data, err := r.client.Get(ctx, nodePrefix+addr).Result()
		if err == redis.Nil {
			continue // expired entry, node is dead
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get node entry: %w", err)
		}
		var entry nodeEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			r.logger.Warnw("malformed node entry", "addr", addr, "error", err)
			continue
		}
		out = append(out, domain.NodeRecord{
			Alias:     entry.Alias,
			URL:       entry.URL,
			Metadata:  entry.Metadata,
			Metrics:   entry.Metrics,
			Heartbeat: time.UnixMilli(entry.Heartbeat),
		})
	}
	return out, nil
}

// ClaimStream records this node as the stream owner while it holds the
// publisher.
func (r *RedisRegistry) ClaimStream(ctx context.Context, stream domain.StreamID) error {
	if err := r.client.Set(ctx, roomPrefix+string(stream), r.record.URL, entryTTL).Err(); err != nil {
		return fmt.Errorf("failed to claim stream: %w", err)
	}
	r.mu.Lock()
	r.owned[stream] = struct{}{}
	r.mu.Unlock()
	return nil
}

// ReleaseStream drops the ownership entry. Only entries this node claimed
// are deleted; another node's claim is left alone.
func (r *RedisRegistry) ReleaseStream(ctx context.Context, stream domain.StreamID) error {
	r.mu.Lock()
	_, owned := r.owned[stream]
	delete(r.owned, stream)
	r.mu.Unlock()
	if !owned {
		return nil
	}
	if err := r.client.Del(ctx, roomPrefix+string(stream)).Err(); err != nil {
		return fmt.Errorf("failed to release stream: %w", err)
	}
	return nil
}

// StreamOwner resolves the node currently owning the stream.
func (r *RedisRegistry) StreamOwner(ctx context.Context, stream domain.StreamID) (domain.NodeAddr, bool, error) {
	addr, err := r.client.Get(ctx, roomPrefix+string(stream)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get stream owner: %w", err)
	}
	return domain.NodeAddr(addr), true, nil
}

// RunHeartbeat refreshes registry entries on the given cadence until ctx is
// done. metricsFn samples the current node counters.
func (r *RedisRegistry) RunHeartbeat(ctx context.Context, interval time.Duration, metricsFn func() domain.NodeMetrics) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, metricsFn()); err != nil {
				r.logger.Warnw("heartbeat failed", "error", err)
			}
		}
	}
}

// Close removes this node from the registry and closes the connection.
func (r *RedisRegistry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.SRem(ctx, nodesKey, r.record.URL).Err()
	_ = r.client.Del(ctx, nodePrefix+r.record.URL).Err()
	return r.client.Close()
}
