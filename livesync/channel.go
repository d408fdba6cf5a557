package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ChannelState int

const (
	ChannelStateConnecting ChannelState = iota
	ChannelStateConnected
	// the connection dropped after it was established
	ChannelStateDisconnected
	// the dial or handshake failed
	ChannelStateError
	// closed by the owner. Terminal.
	ChannelStateClosed
)

func (self ChannelState) String() string {
	switch self {
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateConnected:
		return "connected"
	case ChannelStateDisconnected:
		return "disconnected"
	case ChannelStateError:
		return "error"
	case ChannelStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// receives the first argument of a channel event
type EventHandler func(payload json.RawMessage)

const registerEventName = "register"

type socketConn struct {
	ws   *websocket.Conn
	open *engineOpenPacket
}

// A push connection scoped to one mounted view.
//
// Connection failures never reach the owner: the state moves to error or disconnected,
// the error is kept for `LastError`, and the view keeps its last known state.
// After `Disconnect` returns no handler runs.
type EventChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	handleId      Id
	serverAddress string
	credentials   *CredentialStore
	settings      *ChannelSettings
	metrics       *Metrics
	log           LogFunction

	stateLock sync.Mutex
	state     ChannelState
	lastErr   error
	viewerId  string
	// the send queue of the current connection, nil when not connected
	send    chan []byte
	started bool

	handlersLock   sync.Mutex
	handlers       map[string]*CallbackList[EventHandler]
	stateCallbacks *CallbackList[func(ChannelState)]

	// held while handlers run so that disconnect can wait them out
	dispatchLock sync.Mutex

	done chan struct{}
}

// connects with default settings and no credential
func Connect(ctx context.Context, serverAddress string) *EventChannel {
	channel := NewEventChannel(ctx, serverAddress, nil, DefaultChannelSettings(), nil)
	channel.Start()
	return channel
}

// The channel does not dial until `Start`,
// so that handlers and the registration can be attached first.
func NewEventChannel(
	ctx context.Context,
	serverAddress string,
	credentials *CredentialStore,
	settings *ChannelSettings,
	metrics *Metrics,
) *EventChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	handleId := NewId()
	return &EventChannel{
		ctx:            cancelCtx,
		cancel:         cancel,
		handleId:       handleId,
		serverAddress:  serverAddress,
		credentials:    credentials,
		settings:       settings,
		metrics:        metrics,
		log:            LogFn(1, fmt.Sprintf("[c]%s", handleId)),
		state:          ChannelStateConnecting,
		handlers:       map[string]*CallbackList[EventHandler]{},
		stateCallbacks: NewCallbackList[func(ChannelState)](),
		done:           make(chan struct{}),
	}
}

func (self *EventChannel) HandleId() Id {
	return self.handleId
}

func (self *EventChannel) Start() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.started {
		return
	}
	self.started = true
	go self.run()
}

// returns a function that removes the handler
func (self *EventChannel) On(eventName string, handler EventHandler) func() {
	self.handlersLock.Lock()
	handlers, ok := self.handlers[eventName]
	if !ok {
		handlers = NewCallbackList[EventHandler]()
		self.handlers[eventName] = handlers
	}
	self.handlersLock.Unlock()
	return handlers.Add(handler)
}

func (self *EventChannel) OnStateChange(callback func(ChannelState)) func() {
	return self.stateCallbacks.Add(callback)
}

// Routes per-viewer events to this channel.
// The registration is sent now if connected, and again after every reconnect.
func (self *EventChannel) Register(viewerId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.viewerId = viewerId
	if self.send != nil {
		self.enqueueRegistration(self.send)
	}
}

func (self *EventChannel) State() ChannelState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the most recent connection failure, for diagnostics only
func (self *EventChannel) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

// closed when the connection loop exits
func (self *EventChannel) Done() <-chan struct{} {
	return self.done
}

// Closes the connection. After this returns no handler runs.
// Must not be called from inside a handler.
func (self *EventChannel) Disconnect() {
	self.cancel()
	// wait out a dispatch in progress. Later dispatches see the canceled context.
	self.dispatchLock.Lock()
	self.dispatchLock.Unlock()
	self.setState(ChannelStateClosed, nil)
	self.log("disconnect")
}

func (self *EventChannel) run() {
	defer close(self.done)

	wsUrl, err := socketUrl(self.serverAddress)
	if err != nil {
		self.fail(ChannelStateError, &ChannelError{Op: "url", Err: err})
		return
	}

	for {
		self.setState(ChannelStateConnecting, nil)

		connect := func() (*socketConn, error) {
			return self.connect(wsUrl)
		}
		var conn *socketConn
		if glog.V(2) {
			conn, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.handleId), connect)
		} else {
			conn, err = connect()
		}
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			self.fail(ChannelStateError, &ChannelError{Op: "connect", Err: err})
		} else {
			self.metrics.ChannelConnected()
			err = self.handle(conn)
			self.metrics.ChannelDisconnected()
			if self.ctx.Err() != nil {
				return
			}
			self.fail(ChannelStateDisconnected, &ChannelError{Op: "read", Err: err})
		}

		if !self.settings.Reconnect {
			// stale until the owner mounts again
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *EventChannel) connect(wsUrl string) (*socketConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	header := http.Header{}
	var auth map[string]string
	if self.credentials != nil {
		if token := self.credentials.Token(); token != "" {
			header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
			auth = map[string]string{"token": token}
		}
	}

	ws, _, err := dialer.DialContext(self.ctx, wsUrl, header)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	packet, err := readSocketPacket(ws)
	if err != nil {
		return nil, err
	}
	if packet.engineType != engineOpen {
		return nil, fmt.Errorf("handshake error: expected open, got %q", packet.engineType)
	}
	open := &engineOpenPacket{}
	if err := json.Unmarshal(packet.data, open); err != nil {
		return nil, fmt.Errorf("handshake error: %w", err)
	}

	connectBytes, err := encodeSocketConnect(auth)
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, connectBytes); err != nil {
		return nil, err
	}

	for {
		packet, err := readSocketPacket(ws)
		if err != nil {
			return nil, err
		}
		switch {
		case packet.engineType == enginePing:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, []byte{enginePong}); err != nil {
				return nil, err
			}
		case packet.engineType == engineClose:
			return nil, errors.New("handshake error: closed by server")
		case packet.engineType == engineMessage && packet.socketType == socketConnect:
			success = true
			return &socketConn{ws: ws, open: open}, nil
		case packet.engineType == engineMessage && packet.socketType == socketConnectError:
			return nil, fmt.Errorf("connect refused: %s", string(packet.data))
		}
	}
}

func readSocketPacket(ws *websocket.Conn) (*socketPacket, error) {
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return parseSocketPacket(message)
	}
}

// runs one established connection until it drops or the channel is closed
func (self *EventChannel) handle(conn *socketConn) error {
	ws := conn.ws
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.send = send
	if self.viewerId != "" {
		self.enqueueRegistration(send)
	}
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.stateLock.Unlock()
	}()

	self.setState(ChannelStateConnected, nil)
	self.log("connected sid=%s", conn.open.Sid)

	go func() {
		// unblocks the read below
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[cs]%s-> error = %s\n", self.handleId, err)
					return
				}
				glog.V(2).Infof("[cs]%s-> %s\n", self.handleId, message)
			}
		}
	}()

	readTimeout := conn.open.ReadTimeout(self.settings.ReadTimeout)
	for {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if handleCtx.Err() != nil && self.ctx.Err() == nil {
				// the writer failed first
				return errors.New("write failed")
			}
			return err
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, self.handleId)
			continue
		}

		packet, err := parseSocketPacket(message)
		if err != nil {
			glog.Infof("[cr]%s<- bad packet = %s\n", self.handleId, err)
			continue
		}

		switch packet.engineType {
		case enginePing:
			glog.V(2).Infof("[cr]ping %s<-\n", self.handleId)
			select {
			case <-handleCtx.Done():
			case send <- []byte{enginePong}:
			}
		case engineClose:
			return errors.New("closed by server")
		case engineMessage:
			switch packet.socketType {
			case socketEvent:
				name, payload, err := parseSocketEvent(packet.data)
				if err != nil {
					glog.Infof("[cr]%s<- bad event = %s\n", self.handleId, err)
					continue
				}
				glog.V(2).Infof("[cr]%s<- %s\n", self.handleId, name)
				self.dispatch(name, payload)
			case socketDisconnect:
				return errors.New("namespace disconnected by server")
			}
		}
	}
}

// must hold the state lock
func (self *EventChannel) enqueueRegistration(send chan []byte) {
	message, err := encodeSocketEvent(registerEventName, self.viewerId)
	if err != nil {
		glog.Infof("[c]%s register error = %s\n", self.handleId, err)
		return
	}
	select {
	case send <- message:
		self.log("register %s", self.viewerId)
	default:
		glog.Infof("[c]%s register dropped, send queue full\n", self.handleId)
	}
}

func (self *EventChannel) dispatch(eventName string, payload json.RawMessage) {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	if self.ctx.Err() != nil {
		return
	}

	self.handlersLock.Lock()
	handlers, ok := self.handlers[eventName]
	self.handlersLock.Unlock()
	if !ok {
		return
	}
	for _, handler := range handlers.Get() {
		HandleError(func() {
			handler(payload)
		})
	}
}

func (self *EventChannel) fail(state ChannelState, err *ChannelError) {
	glog.Infof("[c]%s %s\n", self.handleId, err)
	self.metrics.ChannelError()
	self.setState(state, err)
}

func (self *EventChannel) setState(state ChannelState, err error) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state == ChannelStateClosed {
			// terminal
			return false
		}
		if err != nil {
			self.lastErr = err
		}
		if self.state == state {
			return false
		}
		self.state = state
		return true
	}()
	if changed {
		for _, callback := range self.stateCallbacks.Get() {
			HandleError(func() {
				callback(state)
			})
		}
	}
}
