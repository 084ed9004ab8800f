package transport

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/arunaabhs/olive_sync/crdt"
)

// MessageKind discriminates wire messages.
type MessageKind int

const (
	// KindHello announces a connection and reports per-file versions
	// so the remote side can replay missed history.
	KindHello MessageKind = iota
	// KindDelta carries one opaque replication delta.
	KindDelta
	// KindPresence carries one ephemeral presence update.
	KindPresence
)

// Envelope is the outer wire message. Every message is independently
// applicable; no batching is required and redelivery is harmless.
type Envelope struct {
	Kind      MessageKind      `msgpack:"k"`
	Project   string           `msgpack:"pr"`
	Timestamp int64            `msgpack:"ts"` // unix millis, stamped at send time
	Hello     *HelloMessage    `msgpack:"h,omitempty"`
	Delta     *DeltaMessage    `msgpack:"d,omitempty"`
	Presence  *PresenceMessage `msgpack:"p,omitempty"`
}

// HelloMessage is sent once per established connection.
type HelloMessage struct {
	ConnID   string                        `msgpack:"c"`
	Versions map[string]crdt.VersionVector `msgpack:"v,omitempty"`
}

// DeltaMessage carries opaque serialized operations for one document.
// FileKey rides next to the opaque delta so receivers can route without
// decoding it.
type DeltaMessage struct {
	FileKey     string `msgpack:"f"`
	Delta       []byte `msgpack:"d"`
	OriginActor string `msgpack:"o"`
}

// PresenceMessage carries one peer's cursor/selection/identity state.
type PresenceMessage struct {
	ConnID      string     `msgpack:"c"`
	UserID      string     `msgpack:"u"`
	DisplayName string     `msgpack:"n"`
	Color       string     `msgpack:"col"`
	Cursor      *Cursor    `msgpack:"cur,omitempty"`
	Selection   *Selection `msgpack:"sel,omitempty"`
	Timestamp   int64      `msgpack:"ts"`
}

type Cursor struct {
	Line   int `msgpack:"l"`
	Column int `msgpack:"c"`
}

type Selection struct {
	StartLine int `msgpack:"sl"`
	StartCol  int `msgpack:"sc"`
	EndLine   int `msgpack:"el"`
	EndCol    int `msgpack:"ec"`
}

// Encode serializes the envelope, stamping Timestamp if unset.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes one wire message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
