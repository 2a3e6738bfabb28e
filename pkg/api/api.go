// Package api defines the messages exchanged with the signaling service and
// with exit nodes.
//
// The signaling service speaks in named events. Each event carries at most one
// JSON payload, so handlers receive it as raw bytes and unwrap it into the
// payload struct for that event name (two-pass unmarshal).
//
// Example (as seen on the wire inside a Socket.IO EVENT packet):
//
//	["PEER_FOUND",{"targetId":"Jk2x0_fA9dAAAB"}]
//	["SIGNAL_RECEIVED",{"senderId":"Jk2x0_fA9dAAAB","signal":{"type":"answer","sdp":"v=0..."}}]
//
// Once a tunnel to an exit node is open, the only bytes that cross it are one
// FetchRequest and one FetchResponse.
package api

import (
	"github.com/goccy/go-json"

	"github.com/openrag/openrag-go/pkg/ice"
)

// Event is a control-channel event name.
type Event = string

// Control-channel events.
//
//	out REQUEST_PEER       -
//	in  PEER_FOUND         {targetId}
//	in  NO_PEERS_AVAILABLE -
//	out SIGNAL_MESSAGE     {targetId, signal}
//	in  SIGNAL_RECEIVED    {senderId, signal}
//	in  ICE_CONFIG         {iceServers}
const (
	RequestPeer      Event = "REQUEST_PEER"
	PeerFound        Event = "PEER_FOUND"
	NoPeersAvailable Event = "NO_PEERS_AVAILABLE"
	SignalMessage    Event = "SIGNAL_MESSAGE"
	SignalReceived   Event = "SIGNAL_RECEIVED"
	IceConfig        Event = "ICE_CONFIG"
)

type (
	// Auth is presented once in the control-channel handshake.
	Auth struct {
		Token string `json:"token"`
	}
	PeerFoundEvent struct {
		TargetId string `json:"targetId"`
	}
	SignalMessageEvent struct {
		TargetId string `json:"targetId"`
		Signal   Signal `json:"signal"`
	}
	// SignalReceivedEvent keeps the descriptor raw so a malformed one
	// doesn't spoil the sender id.
	SignalReceivedEvent struct {
		SenderId string          `json:"senderId"`
		Signal   json.RawMessage `json:"signal,omitempty"`
	}
	IceConfigEvent struct {
		IceServers ice.Servers `json:"iceServers"`
	}
)

// Unwrap decodes data into a new T or returns nil if it can't.
func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

// UnwrapChecked is Unwrap that keeps the decoding error.
func UnwrapChecked[T any](data []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
