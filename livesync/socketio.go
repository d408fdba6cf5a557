package livesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// The push server speaks socket.io v5 over the engine.io v4 websocket transport.
// Only text packets are used:
//
//	0{"sid":...,"pingInterval":...,"pingTimeout":...}  open
//	1                                                   close
//	2 / 3                                               ping / pong
//	40 / 40{"sid":...}                                  namespace connect
//	41                                                  namespace disconnect
//	42["<event name>",<arg>]                            event
//	44{"message":...}                                   namespace connect error

const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
)

const (
	socketConnect      byte = '0'
	socketDisconnect   byte = '1'
	socketEvent        byte = '2'
	socketAck          byte = '3'
	socketConnectError byte = '4'
)

const socketPath = "/socket.io/"

// the server must send one of these within the interval plus the timeout
type engineOpenPacket struct {
	Sid          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload,omitempty"`
}

func (self *engineOpenPacket) ReadTimeout(fallback time.Duration) time.Duration {
	if self.PingInterval <= 0 {
		return fallback
	}
	return time.Duration(self.PingInterval+self.PingTimeout) * time.Millisecond
}

type socketPacket struct {
	engineType byte
	// set only for engine message packets
	socketType byte
	namespace  string
	data       []byte
}

func parseSocketPacket(message []byte) (*socketPacket, error) {
	if len(message) == 0 {
		return nil, errors.New("empty packet")
	}
	packet := &socketPacket{
		engineType: message[0],
		namespace:  "/",
	}
	rest := message[1:]
	if packet.engineType != engineMessage {
		packet.data = rest
		return packet, nil
	}
	if len(rest) == 0 {
		return nil, errors.New("message packet without socket type")
	}
	packet.socketType = rest[0]
	rest = rest[1:]

	if 0 < len(rest) && rest[0] == '/' {
		i := strings.IndexByte(string(rest), ',')
		if i < 0 {
			packet.namespace = string(rest)
			rest = nil
		} else {
			packet.namespace = string(rest[:i])
			rest = rest[i+1:]
		}
	}
	// ack id
	for 0 < len(rest) && '0' <= rest[0] && rest[0] <= '9' {
		rest = rest[1:]
	}
	packet.data = rest
	return packet, nil
}

// 42["name",args...]
func encodeSocketEvent(name string, args ...any) ([]byte, error) {
	values := append([]any{name}, args...)
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return append([]byte{engineMessage, socketEvent}, data...), nil
}

func encodeSocketConnect(auth any) ([]byte, error) {
	packet := []byte{engineMessage, socketConnect}
	if auth == nil {
		return packet, nil
	}
	data, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}
	return append(packet, data...), nil
}

// the event name and its first argument
// handlers in this package take exactly one argument, as the server emits
func parseSocketEvent(data []byte) (string, json.RawMessage, error) {
	var values []json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return "", nil, fmt.Errorf("event: %w", err)
	}
	if len(values) == 0 {
		return "", nil, errors.New("event without a name")
	}
	var name string
	if err := json.Unmarshal(values[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name: %w", err)
	}
	if len(values) < 2 {
		return name, json.RawMessage("null"), nil
	}
	return name, values[1], nil
}

// http(s)://host[/prefix] -> ws(s)://host[/prefix]/socket.io/?EIO=4&transport=websocket
func socketUrl(serverAddress string) (string, error) {
	u, err := url.Parse(serverAddress)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, serverAddress)
	}
	u.Path = strings.TrimRight(u.Path, "/") + socketPath
	query := u.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()
	return u.String(), nil
}
