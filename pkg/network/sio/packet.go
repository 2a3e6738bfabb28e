// Package sio is a minimal Socket.IO v5 client over the Engine.IO v4
// websocket transport. Only the default namespace and text packets
// are supported.
//
// Every websocket message is one Engine.IO packet, the first byte is its type:
//
//	0{"sid":"..","pingInterval":25000,"pingTimeout":20000}  open
//	2 / 3                                                 ping / pong
//	4<socket.io packet>                                   message
//
// Socket.IO packets are encoded as
//
//	<type>[<namespace>,][<ack id>][<json>]
//	40{"token":".."}          connect
//	42["PEER_FOUND",{..}]     event
package sio

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// EngineType is an Engine.IO packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// PacketType is a Socket.IO packet type.
type PacketType byte

const (
	Connect      PacketType = '0'
	Disconnect   PacketType = '1'
	Event        PacketType = '2'
	Ack          PacketType = '3'
	ConnectError PacketType = '4'
	BinaryEvent  PacketType = '5'
	BinaryAck    PacketType = '6'
)

// DefaultNamespace is the only namespace the client joins.
const DefaultNamespace = "/"

var errBadPacket = errors.New("socket.io: bad packet")

// Open is the Engine.IO handshake data, durations are in ms.
type Open struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

type Packet struct {
	Type      PacketType
	Namespace string
	AckId     *int
	Data      json.RawMessage
}

// SplitEngine returns the Engine.IO type of a websocket message and its data.
func SplitEngine(message []byte) (EngineType, []byte, error) {
	if len(message) == 0 {
		return 0, nil, errBadPacket
	}
	t := EngineType(message[0])
	if t < EngineOpen || t > EngineNoop {
		return 0, nil, fmt.Errorf("%w: engine type %q", errBadPacket, message[0])
	}
	return t, message[1:], nil
}

// DecodePacket parses the data of an Engine.IO message packet.
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if len(data) == 0 {
		return p, errBadPacket
	}
	p.Type = PacketType(data[0])
	if p.Type < Connect || p.Type > BinaryAck {
		return p, fmt.Errorf("%w: type %q", errBadPacket, data[0])
	}
	rest := data[1:]
	if p.Type == BinaryEvent || p.Type == BinaryAck {
		// attachments count: 51-/ns,["ev",{"_placeholder":true,"num":0}]
		i := bytes.IndexByte(rest, '-')
		if i < 0 {
			return p, errBadPacket
		}
		rest = rest[i+1:]
	}
	p.Namespace = DefaultNamespace
	if len(rest) > 0 && rest[0] == '/' {
		i := bytes.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace, rest = string(rest), nil
		} else {
			p.Namespace, rest = string(rest[:i]), rest[i+1:]
		}
	}
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		id, err := strconv.Atoi(string(rest[:n]))
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", errBadPacket, err)
		}
		p.AckId, rest = &id, rest[n:]
	}
	if len(rest) > 0 {
		if !json.Valid(rest) {
			return p, fmt.Errorf("%w: payload isn't json", errBadPacket)
		}
		p.Data = rest
	}
	return p, nil
}

// Encode makes the websocket message of the packet.
func (p Packet) Encode() []byte {
	var b bytes.Buffer
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.AckId != nil {
		b.WriteString(strconv.Itoa(*p.AckId))
	}
	b.Write(p.Data)
	return b.Bytes()
}

// Event splits an event packet into its name and the first argument.
func (p Packet) Event() (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return "", nil, fmt.Errorf("%w: event: %v", errBadPacket, err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", errBadPacket)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", errBadPacket, err)
	}
	if len(args) > 1 {
		return name, args[1], nil
	}
	return name, nil, nil
}

// EventPacket makes an event with zero or one argument, nil means none.
func EventPacket(name string, payload any) (Packet, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: Event, Data: data}, nil
}

// ConnectPacket makes the namespace connect with auth data, nil means none.
func ConnectPacket(auth any) (Packet, error) {
	p := Packet{Type: Connect}
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return p, err
		}
		p.Data = data
	}
	return p, nil
}

// ConnectErrorMessage pulls the text out of a CONNECT_ERROR payload,
// either {"message":".."} or a plain string.
func ConnectErrorMessage(data json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

// URL converts a service address into its websocket transport endpoint.
//
//	https://example.com      -> wss://example.com/socket.io/?EIO=4&transport=websocket
//	http://localhost:3000/rt -> ws://localhost:3000/rt/socket.io/?EIO=4&transport=websocket
func URL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("socket.io: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("socket.io: no host in %q", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
