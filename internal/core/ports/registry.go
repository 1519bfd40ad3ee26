package ports

import (
	"context"

	"livefabric/internal/core/domain"
)

// NodeRegistry is the cluster view shared between nodes. Entries carry TTLs;
// a node that stops heartbeating disappears within domain.NodeStaleAfter.
type NodeRegistry interface {
	// Register announces this node and writes its metadata blob once;
	// Heartbeat refreshes it afterwards.
	Register(ctx context.Context, record domain.NodeRecord) error
	// Heartbeat refreshes the node entry and every owned stream entry.
	Heartbeat(ctx context.Context, metrics domain.NodeMetrics) error
	// Nodes lists the registered nodes whose entries are still present; the
	// list may hold nodes that are no longer alive, so callers filter with
	// NodeRecord.Alive.
	Nodes(ctx context.Context) ([]domain.NodeRecord, error)
	// ClaimStream records this node as owner of the stream while it holds
	// the publisher.
	ClaimStream(ctx context.Context, stream domain.StreamID) error
	// ReleaseStream drops the ownership entry.
	ReleaseStream(ctx context.Context, stream domain.StreamID) error
	// StreamOwner resolves the node currently owning the stream.
	StreamOwner(ctx context.Context, stream domain.StreamID) (domain.NodeAddr, bool, error)
	Close() error
}
