package node

import "fmt"

// StatusBits is the bitmask kept in a connection's metadata.
type StatusBits = uint32

const (
	// StatusConnected is set once the peer answered get_node_info.
	StatusConnected StatusBits = 1 << 0
	// StatusPortAssigned is set once the master issued a listener port.
	StatusPortAssigned StatusBits = 1 << 2

	StatusReady = StatusConnected | StatusPortAssigned
)

// Role is the part a node plays in the mesh.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

func NewRole(role string) (Role, error) {
	r := Role(role)
	switch r {
	case RoleMaster, RoleSlave:
		return r, nil
	default:
		return "", fmt.Errorf("invalid node role: %s", role)
	}
}

func (r Role) String() string {
	return string(r)
}

// Descriptor identifies a node to the gateway and to its peers.
type Descriptor struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
	UUID string `json:"uuid"`
	Type int    `json:"type"`
	Name string `json:"name,omitempty"`
}

// Info is what a node reports about itself in get_node_info and ping.
type Info struct {
	UUID         string `json:"uuid"`
	Type         int    `json:"type"`
	Name         string `json:"name"`
	IsMaster     bool   `json:"is_master"`
	MasterUUID   string `json:"master_uuid"`
	PID          int    `json:"pid"`
	ListenerPort int    `json:"listener_port"`
	IP           string `json:"ip"`
}
