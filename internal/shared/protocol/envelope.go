package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
)

// Header routes an envelope.
type Header struct {
	MessageType MessageType `json:"message_type"`
	Destination string      `json:"destination"`
	Source      string      `json:"source"`
	Direction   Direction   `json:"direction"`
}

// DataHeader names the command and when the envelope was built.
type DataHeader struct {
	Command   Command `json:"command"`
	Timestamp string  `json:"timestamp"`
}

// Data carries the command and its opaque payload.
type Data struct {
	Header  DataHeader `json:"header"`
	Payload any        `json:"payload"`
}

// User holds the opaque authorization tag. It is not verified by the core.
type User struct {
	Key string `json:"key"`
}

// Envelope is the wire message.
type Envelope struct {
	Header     Header         `json:"header"`
	Data       Data           `json:"data"`
	User       User           `json:"user"`
	Additional map[string]any `json:"additional"`
	Piggybag   any            `json:"piggybag"`
	Stamping   []string       `json:"stamping,omitempty"`

	// Raw is the exact serialized form the envelope was parsed from. It is
	// cleared by every builder.
	Raw []byte `json:"-"`
}

// Command returns data.header.command.
func (e *Envelope) Command() Command {
	return e.Data.Header.Command
}

// Payload returns data.payload.
func (e *Envelope) Payload() any {
	return e.Data.Payload
}

func (e *Envelope) IsRequest() bool {
	return e.Header.Direction == DirectionRequest
}

func (e *Envelope) IsResponse() bool {
	return e.Header.Direction == DirectionResponse
}

// Timestamp parses data.header.timestamp as Unix seconds.
func (e *Envelope) Timestamp() (time.Time, error) {
	secs, err := strconv.ParseInt(e.Data.Header.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// AdditionalString returns additional[key] when it holds a string.
func (e *Envelope) AdditionalString(key string) string {
	if e.Additional == nil {
		return ""
	}
	s, _ := e.Additional[key].(string)
	return s
}

// SetAdditional writes a side-channel value, allocating the map if needed.
// Raw no longer matches the envelope afterwards and is cleared.
func (e *Envelope) SetAdditional(key string, value any) {
	e.Raw = nil
	if e.Additional == nil {
		e.Additional = make(map[string]any)
	}
	e.Additional[key] = value
}

// Clone returns a copy that shares no maps or slices with e. Payload and
// piggybag values are shared; they are treated as immutable.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Additional = maps.Clone(e.Additional)
	if c.Additional == nil {
		c.Additional = make(map[string]any)
	}
	if e.Stamping != nil {
		c.Stamping = append([]string(nil), e.Stamping...)
	}
	c.Raw = nil
	return &c
}

// DecodePayload converts the opaque payload into v.
func DecodePayload(e *Envelope, v any) error {
	data, err := json.Marshal(e.Data.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nodeErrors.NewProtocolError("payload does not match command", fmt.Sprintf("%s: %v", e.Command(), err))
	}
	return nil
}

// Marshal serializes the envelope.
func Marshal(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Parse decodes a serialized envelope and keeps the input in Raw.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, nodeErrors.NewProtocolError("malformed envelope", err.Error())
	}
	if e.Header.MessageType == "" {
		return nil, nodeErrors.NewProtocolError("malformed envelope", "missing header.message_type")
	}
	if e.Additional == nil {
		e.Additional = make(map[string]any)
	}
	e.Raw = append([]byte(nil), data...)
	return &e, nil
}
