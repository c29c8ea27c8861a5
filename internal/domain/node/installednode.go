package node

import (
	"context"
	"time"
)

// InstalledNode is a node that was granted a port at some point.
type InstalledNode struct {
	UUID       string
	Name       string
	Type       int
	IP         string
	Port       int
	Online     bool
	LastSeenAt time.Time
	Info       map[string]any
}

// InstalledNodeRepository persists the installed-node ledger.
type InstalledNodeRepository interface {
	Upsert(ctx context.Context, n *InstalledNode) error
	MarkOffline(ctx context.Context, uuid string) error
	GetByUUID(ctx context.Context, uuid string) (*InstalledNode, error)
	List(ctx context.Context) ([]*InstalledNode, error)
}
