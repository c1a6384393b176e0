// Package protocol implements the minimal session handshake the factory
// needs in order to assign a session id and session timeout to a freshly
// accepted connection. Everything past the handshake is opaque to the
// factory and is the responsibility of the upstream request pipeline
// (out of scope, per the factory's external-collaborator boundary).
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the handshake message carried on the wire.
type MessageType string

const (
	// MsgTypeConnect is sent by the client immediately after the socket
	// is accepted, before any session id has been assigned.
	MsgTypeConnect MessageType = "connect"
	// MsgTypeConnected is the server's response, carrying the assigned
	// (or renewed) session id and the negotiated timeout.
	MsgTypeConnected MessageType = "connected"
	// MsgTypePing is a keepalive sent by an established session.
	MsgTypePing MessageType = "ping"
	// MsgTypePong acknowledges a ping.
	MsgTypePong MessageType = "pong"
)

// BaseMessage is the common envelope every message shares.
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// ConnectRequest is sent by the client on connection. SessionID is 0 for
// a brand new session, or nonzero when the client is attempting to
// re-establish a previously assigned session.
type ConnectRequest struct {
	Type             MessageType `json:"type"`
	ProtocolVersion  int         `json:"protocol_version"`
	SessionID        uint64      `json:"session_id"`
	SessionTimeoutMs int64       `json:"session_timeout_ms"`
}

// ConnectResponse is the server's handshake acknowledgment.
type ConnectResponse struct {
	Type             MessageType `json:"type"`
	SessionID        uint64      `json:"session_id"`
	SessionTimeoutMs int64       `json:"session_timeout_ms"`
	Accepted         bool        `json:"accepted"`
	Reason           string      `json:"reason,omitempty"`
}

// PingMessage is a client keepalive.
type PingMessage struct {
	Type MessageType `json:"type"`
}

// PongMessage acknowledges a PingMessage.
type PongMessage struct {
	Type MessageType `json:"type"`
}

// ParseMessage decodes a single JSON line into the appropriate message
// type based on its "type" field.
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeConnect:
		var msg ConnectRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid connect message: %w", err)
		}
		return &msg, nil

	case MsgTypePing:
		var msg PingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// EncodeMessage encodes a message to JSON.
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewConnectResponse builds a handshake acknowledgment.
func NewConnectResponse(sessionID uint64, timeoutMs int64, accepted bool, reason string) *ConnectResponse {
	return &ConnectResponse{
		Type:             MsgTypeConnected,
		SessionID:        sessionID,
		SessionTimeoutMs: timeoutMs,
		Accepted:         accepted,
		Reason:           reason,
	}
}

// NewPong builds a keepalive acknowledgment.
func NewPong() *PongMessage {
	return &PongMessage{Type: MsgTypePong}
}
