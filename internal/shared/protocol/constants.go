// Package protocol defines the envelope exchanged between mesh nodes, its
// builders and the stream framing used on raw sockets.
package protocol

// MessageType is the routing class of an envelope. The set is open; unknown
// values are carried through untouched.
type MessageType string

const (
	MessageTypeDirect    MessageType = "DIRECT"
	MessageTypePrivate   MessageType = "PRIVATE"
	MessageTypeWebface   MessageType = "WEBFACE"
	MessageTypeBroadcast MessageType = "BROADCAST"
	MessageTypeMaster    MessageType = "MASTER"
	MessageTypeCustom    MessageType = "CUSTOM"
	// MessageTypeHandshake is consumed by the WebSocket bridge and never
	// reaches the node core.
	MessageTypeHandshake MessageType = "HANDSHAKE"
)

// Direction tells requests from responses.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Command selects the handler for an envelope.
type Command string

const (
	CmdGetPort                Command = "get_port"
	CmdGetLocalNodes          Command = "get_local_nodes"
	CmdGetNodeInfo            Command = "get_node_info"
	CmdGetNodeStatus          Command = "get_node_status"
	CmdGetInstalledNodes      Command = "get_installed_nodes"
	CmdNodeConnected          Command = "node_connected"
	CmdNodeDisconnected       Command = "node_disconnected"
	CmdMasterAppendNode       Command = "master_append_node"
	CmdMasterRemoveNode       Command = "master_remove_node"
	CmdRegisterOnNodeChange   Command = "register_on_node_change"
	CmdUnregisterOnNodeChange Command = "unregister_on_node_change"
	CmdOnNodeChange           Command = "on_node_change"
	CmdPing                   Command = "ping"
)

// Well known destinations.
const (
	DestinationGateway = "GATEWAY"
	DestinationMaster  = "MASTER"
	DestinationWebface = "WEBFACE"
)

// Additional keys written by transport bridges.
const (
	AdditionalClientType = "client_type"
	AdditionalWSID       = "ws_id"
	AdditionalPipe       = "pipe"

	ClientTypeGlobalWS = "global_ws"
	PipeLocalWS        = "LOCAL_WS"
	PipeGateway        = "GATEWAY"
	StampLocalWS       = "local_ws"
)
