package dto

import (
	"time"

	"github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/shared/mapper"
)

// Acknowledgement values of a change registration.
const (
	RegisteredOK     = "OK"
	RegisteredFailed = "FAILED"
)

// StatusOnline is reported by every running node.
const StatusOnline = "online"

// GetPortRequest is the get_port payload a slave sends to its master.
type GetPortRequest struct {
	UUID string `json:"uuid" validate:"required"`
	Type int    `json:"type" validate:"gte=0"`
	Name string `json:"name"`
}

// PortResponse answers get_port. Port 0 means the pool is exhausted.
type PortResponse struct {
	Port int `json:"port"`
}

// NodeEvent carries a node in gateway notifications.
type NodeEvent struct {
	Node node.Descriptor `json:"node"`
}

// NodeChange is the on_node_change payload.
type NodeChange struct {
	Event string          `json:"event"`
	Node  node.Descriptor `json:"node"`
}

const (
	NodeChangeAppended = "append"
	NodeChangeRemoved  = "remove"
)

// LocalNodesResponse answers get_local_nodes.
type LocalNodesResponse struct {
	Nodes []node.Descriptor `json:"nodes"`
}

// NodeStatusResponse answers get_node_status.
type NodeStatusResponse struct {
	Status string    `json:"status"`
	State  string    `json:"state"`
	Info   node.Info `json:"info"`
}

// RegistrationResponse answers register_on_node_change and
// unregister_on_node_change.
type RegistrationResponse struct {
	Type       int    `json:"type"`
	Registered string `json:"registered"`
}

// GatewayAccessPayload travels in the gateway handshake header.
type GatewayAccessPayload struct {
	NodeName string `json:"node_name"`
	NodeType int    `json:"node_type"`
}

// InstalledNodeDTO is one ledger row in get_installed_nodes.
type InstalledNodeDTO struct {
	UUID       string         `json:"uuid"`
	Name       string         `json:"name"`
	Type       int            `json:"type"`
	IP         string         `json:"ip"`
	Port       int            `json:"port"`
	Online     bool           `json:"online"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	Info       map[string]any `json:"info,omitempty"`
}

// InstalledNodesResponse answers get_installed_nodes.
type InstalledNodesResponse struct {
	Nodes []*InstalledNodeDTO `json:"nodes"`
}

// ToInstalledNodeDTO converts a ledger entry.
func ToInstalledNodeDTO(n *node.InstalledNode) *InstalledNodeDTO {
	if n == nil {
		return nil
	}
	return &InstalledNodeDTO{
		UUID:       n.UUID,
		Name:       n.Name,
		Type:       n.Type,
		IP:         n.IP,
		Port:       n.Port,
		Online:     n.Online,
		LastSeenAt: n.LastSeenAt,
		Info:       n.Info,
	}
}

// ToInstalledNodeDTOs converts a ledger listing, skipping nil entries.
func ToInstalledNodeDTOs(nodes []*node.InstalledNode) []*InstalledNodeDTO {
	return mapper.MapSlicePtrSkipNil(nodes, ToInstalledNodeDTO)
}
