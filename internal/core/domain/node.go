package domain

import "time"

// NodeStaleAfter is how long after the last heartbeat a node counts as dead.
const NodeStaleAfter = 10 * time.Second

// NodeMetrics are the per-node counters published with every heartbeat and
// webhook delivery.
type NodeMetrics struct {
	Stream    uint64 `json:"stream"`
	Publish   uint64 `json:"publish"`
	Subscribe uint64 `json:"subscribe"`
	Reforward uint64 `json:"reforward"`
}

// NodeAuth carries the credentials other nodes need to call this one.
type NodeAuth struct {
	Authorization      string `json:"authorization,omitempty"`
	AdminAuthorization string `json:"adminAuthorization,omitempty"`
}

// NodeStreamInfo is the capacity/cascade policy part of the node metadata
// blob stored in the cluster registry.
type NodeStreamInfo struct {
	PubMax               uint64 `json:"pubMax"`
	SubMax               uint64 `json:"subMax"`
	ReforwardIdleTimeout uint64 `json:"reforwardMaximumIdleTime"`
	ReforwardCascade     bool   `json:"reforwardCascade"`
}

// NodeMetadata is the blob kept under node:{addr} in the registry.
type NodeMetadata struct {
	Auth       NodeAuth       `json:"auth"`
	StreamInfo NodeStreamInfo `json:"streamInfo"`
}

// NodeRecord is the cluster view of one edge node.
type NodeRecord struct {
	Alias     string       `json:"alias"`
	URL       string       `json:"url"`
	Metadata  NodeMetadata `json:"metadata"`
	Metrics   NodeMetrics  `json:"metrics"`
	Heartbeat time.Time    `json:"heartbeat"`
}

// Alive reports whether the node heartbeated recently enough to be a
// cascade target.
func (n NodeRecord) Alive(now time.Time) bool {
	return now.Sub(n.Heartbeat) < NodeStaleAfter
}

// RemainingSubCapacity is the selection key for cascade placement.
func (n NodeRecord) RemainingSubCapacity() int64 {
	return int64(n.Metadata.StreamInfo.SubMax) - int64(n.Metrics.Subscribe)
}
