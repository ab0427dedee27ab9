package cluster

import (
	"context"
)

// Member is a registered participant of a cluster. Data is opaque to the
// cluster and is defined by the application.
type Member struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// Cluster tracks the set of registered members.
type Cluster interface {
	// CreateMembership creates an unregistered membership with a unique ID.
	CreateMembership() (Membership, error)

	// GetMembers returns the registered members, sorted by ID.
	GetMembers(ctx context.Context) ([]Member, error)

	// WatchMembers returns a channel that emits the full member set whenever
	// it changes, starting with the current set. Sets are dropped while a
	// reader has one pending. The channel is closed when ctx is cancelled or
	// the cluster is closed.
	WatchMembers(ctx context.Context) <-chan []Member

	// Close stops the cluster and closes all watch channels.
	Close()
}

// Membership is the handle a process uses to appear in a Cluster.
type Membership interface {
	ID() string

	Data() string

	// SetData updates the member's data, which is propagated to watchers if
	// the membership is registered.
	SetData(data string) error

	// Register makes the membership visible. It is idempotent.
	Register(ctx context.Context) error

	// Deregister removes the membership. It is idempotent.
	Deregister(ctx context.Context) error
}
