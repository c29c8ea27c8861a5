package protocol

import (
	"fmt"
	"strconv"
	"time"
)

// Builder stamps envelopes with the node's authorization key and the
// current time.
type Builder struct {
	Key string
	Now func() time.Time
}

// NewBuilder returns a Builder using the wall clock.
func NewBuilder(key string) *Builder {
	return &Builder{Key: key, Now: time.Now}
}

func (b *Builder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// Build assembles an envelope. Header scalars are coerced to text and
// data.header.timestamp is set to the current Unix time in seconds.
func (b *Builder) Build(direction Direction, messageType MessageType, destination, source any, command Command, payload, piggybag any) *Envelope {
	return &Envelope{
		Header: Header{
			MessageType: MessageType(text(messageType)),
			Destination: text(destination),
			Source:      text(source),
			Direction:   Direction(text(direction)),
		},
		Data: Data{
			Header: DataHeader{
				Command:   Command(text(command)),
				Timestamp: strconv.FormatInt(b.now().Unix(), 10),
			},
			Payload: payload,
		},
		User:       User{Key: b.Key},
		Additional: make(map[string]any),
		Piggybag:   piggybag,
	}
}

// BuildRequest is Build with direction "request".
func (b *Builder) BuildRequest(messageType MessageType, destination, source any, command Command, payload, piggybag any) *Envelope {
	return b.Build(DirectionRequest, messageType, destination, source, command, payload, piggybag)
}

// BuildResponse answers original: source and destination are swapped,
// direction becomes "response" and the payload is replaced. Every other
// field is carried over. original is not modified.
func BuildResponse(original *Envelope, payload any) *Envelope {
	resp := original.Clone()
	resp.Header.Destination = original.Header.Source
	resp.Header.Source = original.Header.Destination
	resp.Header.Direction = DirectionResponse
	resp.Data.Payload = payload
	return resp
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
