package livesynctest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// server side of the socket.io v5 / engine.io v4 websocket transport, text packets only

const socketSendBufferSize = 64

type socket struct {
	sid    string
	send   chan []byte
	cancel context.CancelFunc

	stateLock sync.Mutex
	viewerId  string
}

func (self *socket) registeredAs(viewerId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.viewerId == viewerId
}

func (self *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		writeError(w, http.StatusBadRequest, "Transport unknown")
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ts]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &socket{
		sid:    uuid.NewString(),
		send:   make(chan []byte, socketSendBufferSize),
		cancel: cancel,
	}

	open, _ := json.Marshal(map[string]any{
		"sid":          s.sid,
		"upgrades":     []string{},
		"pingInterval": self.settings.PingInterval.Milliseconds(),
		"pingTimeout":  self.settings.PingTimeout.Milliseconds(),
		"maxPayload":   1000000,
	})
	if err := ws.WriteMessage(websocket.TextMessage, append([]byte("0"), open...)); err != nil {
		return
	}

	// namespace connect
	ws.SetReadDeadline(time.Now().Add(self.settings.PingTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil || !strings.HasPrefix(string(message), "40") {
		glog.Infof("[ts]%s expected namespace connect\n", s.sid)
		return
	}
	connected, _ := json.Marshal(map[string]string{"sid": s.sid})
	if err := ws.WriteMessage(websocket.TextMessage, append([]byte("40"), connected...)); err != nil {
		return
	}

	self.stateLock.Lock()
	self.sockets[s.sid] = s
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.sockets, s.sid)
		self.stateLock.Unlock()
	}()
	glog.V(1).Infof("[ts]%s connected\n", s.sid)

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	go func() {
		defer cancel()
		pingTicker := time.NewTicker(self.settings.PingInterval)
		defer pingTicker.Stop()
		for {
			var message []byte
			select {
			case <-ctx.Done():
				return
			case <-pingTicker.C:
				message = []byte("2")
			case message = <-s.send:
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.PingTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}()

	readTimeout := self.settings.PingInterval + self.settings.PingTimeout
	for {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch {
		case string(message) == "3":
		case string(message) == "1", string(message) == "41":
			return
		case strings.HasPrefix(string(message), "42"):
			var values []json.RawMessage
			if err := json.Unmarshal(message[2:], &values); err != nil || len(values) < 2 {
				continue
			}
			var name string
			if err := json.Unmarshal(values[0], &name); err != nil {
				continue
			}
			if name == "register" {
				var viewerId string
				if err := json.Unmarshal(values[1], &viewerId); err != nil {
					continue
				}
				s.stateLock.Lock()
				s.viewerId = viewerId
				s.stateLock.Unlock()
				glog.V(1).Infof("[ts]%s register %s\n", s.sid, viewerId)
			}
		}
	}
}

// Emits an event to every connected socket.
func (self *Server) Broadcast(eventName string, payload any) {
	self.emit(eventName, payload, func(s *socket) bool {
		return true
	})
}

func (self *Server) emitTo(viewerId string, eventName string, payload any) {
	self.emit(eventName, payload, func(s *socket) bool {
		return s.registeredAs(viewerId)
	})
}

func (self *Server) emit(eventName string, payload any, include func(*socket) bool) {
	data, err := json.Marshal([]any{eventName, payload})
	if err != nil {
		panic(err)
	}
	message := append([]byte("42"), data...)

	for _, s := range lo.Filter(self.connectedSockets(), func(s *socket, _ int) bool {
		return include(s)
	}) {
		select {
		case s.send <- message:
		default:
			glog.Infof("[ts]%s send queue full, drop %s\n", s.sid, eventName)
		}
	}
}

func (self *Server) connectedSockets() []*socket {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return lo.Values(self.sockets)
}

func (self *Server) ConnectionCount() int {
	return len(self.connectedSockets())
}

// true when a connected socket registered as the viewer
func (self *Server) Registered(viewerId string) bool {
	return lo.SomeBy(self.connectedSockets(), func(s *socket) bool {
		return s.registeredAs(viewerId)
	})
}

// Closes every socket without a close packet, as a network drop would.
func (self *Server) DropConnections() {
	for _, s := range self.connectedSockets() {
		s.cancel()
	}
}

// Sends the engine close packet to every socket.
func (self *Server) CloseConnections() {
	for _, s := range self.connectedSockets() {
		select {
		case s.send <- []byte("1"):
		default:
			s.cancel()
		}
	}
}

func (self *socket) String() string {
	return fmt.Sprintf("socket(%s)", self.sid)
}
