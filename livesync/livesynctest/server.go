package livesynctest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/bringyour/sangh/livesync"
)

// An in-process stand-in for the sangh api and push server.
// Lists are held in memory; every change is emitted to the connected sockets
// with the same event names the real server uses.

type Settings struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	// signs the tokens issued by login
	JwtSecret []byte
}

func DefaultSettings() *Settings {
	return &Settings{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		JwtSecret:    []byte("livesynctest"),
	}
}

type account struct {
	password string
	viewer   *livesync.Viewer
}

type Server struct {
	settings *Settings
	router   chi.Router
	upgrader websocket.Upgrader

	stateLock sync.Mutex
	// endpoint -> entities in list order
	lists map[string][]livesync.Entity
	// viewer id -> notifications, newest first
	notifications map[string][]*livesync.Notification
	// email -> account
	accounts map[string]*account
	// sid -> socket
	sockets map[string]*socket
	// list requests wait while this is open
	snapshotHold chan struct{}
	listRequests int
}

func NewServer(settings *Settings) *Server {
	server := &Server{
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		lists:         map[string][]livesync.Entity{},
		notifications: map[string][]*livesync.Notification{},
		accounts:      map[string]*account{},
		sockets:       map[string]*socket{},
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Post("/auth/login", server.handleLogin)
	router.Post("/auth/register", server.handleRegister)
	router.Handle("/socket.io/", http.HandlerFunc(server.handleSocket))

	router.Get("/events", server.handleList)
	router.Get("/resources", server.handleList)
	router.Get("/seva", server.handleList)
	router.Get("/shakhas", server.handleList)

	router.Group(func(r chi.Router) {
		r.Use(server.requireAuth)
		r.Get("/auth/me", server.handleMe)
		r.Get("/notifications/my", server.handleMyNotifications)
		r.Post("/events/{id}/interest", server.handleInterest(true))
		r.Delete("/events/{id}/interest", server.handleInterest(false))

		serveCommands(r, server, livesync.EventKind)
		serveCommands(r, server, livesync.ResourceKind)
		serveCommands(r, server, livesync.SevaKind)
		serveCommands(r, server, livesync.ShakhaKind)
		r.Post("/notifications", server.handleCreateNotification)
		r.Delete("/notifications/{id}", server.handleDeleteNotification)
	})

	server.router = router
	return server
}

func NewServerWithDefaults() *Server {
	return NewServer(DefaultSettings())
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self.router.ServeHTTP(w, r)
}

// Adds an account that can log in. Returns a signed token for the viewer.
func (self *Server) AddAccount(email string, password string, viewer *livesync.Viewer) string {
	self.stateLock.Lock()
	self.accounts[email] = &account{
		password: password,
		viewer:   viewer,
	}
	self.stateLock.Unlock()
	return self.Token(viewer.Id)
}

// a bearer token accepted by this server for the viewer
func (self *Server) Token(viewerId string) string {
	claims := gojwt.MapClaims{
		"id":  viewerId,
		"iat": time.Now().Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(self.settings.JwtSecret)
	if err != nil {
		panic(err)
	}
	return signed
}

func (self *Server) viewerId(token string) (string, error) {
	parsed, err := gojwt.Parse(token, func(token *gojwt.Token) (any, error) {
		return self.settings.JwtSecret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return "", errors.New("bad claims")
	}
	viewerId, ok := claims["id"].(string)
	if !ok || viewerId == "" {
		return "", errors.New("token has no viewer id")
	}
	return viewerId, nil
}

// Blocks list requests until the returned function is called.
// Used to deliver channel events before a snapshot response.
func (self *Server) HoldSnapshots() (release func()) {
	hold := make(chan struct{})
	self.stateLock.Lock()
	self.snapshotHold = hold
	self.stateLock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			self.stateLock.Lock()
			if self.snapshotHold == hold {
				self.snapshotHold = nil
			}
			self.stateLock.Unlock()
			close(hold)
		})
	}
}

// the number of list requests received, including held ones
func (self *Server) ListRequests() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.listRequests
}

// Adds entities to a list without emitting events.
func Seed[T livesync.Entity](server *Server, kind livesync.Kind[T], entities ...T) {
	server.stateLock.Lock()
	defer server.stateLock.Unlock()
	for _, entity := range entities {
		server.lists[kind.Endpoint] = append(server.lists[kind.Endpoint], entity)
	}
}

// Adds the entity to the front of its list and emits `<namespace>:created`.
func Create[T livesync.Entity](server *Server, kind livesync.Kind[T], entity T) {
	func() {
		server.stateLock.Lock()
		defer server.stateLock.Unlock()
		server.lists[kind.Endpoint] = append([]livesync.Entity{entity}, server.lists[kind.Endpoint]...)
	}()
	server.Broadcast(livesync.EventName(kind.Namespace, livesync.ActionCreated), entity)
}

// Replaces the entity in its list and emits `<namespace>:updated`.
func Update[T livesync.Entity](server *Server, kind livesync.Kind[T], entity T) {
	server.replace(kind.Endpoint, entity)
	server.Broadcast(livesync.EventName(kind.Namespace, livesync.ActionUpdated), entity)
}

// Removes the entity from its list and emits `<namespace>:deleted`.
func Delete[T livesync.Entity](server *Server, kind livesync.Kind[T], id string) {
	func() {
		server.stateLock.Lock()
		defer server.stateLock.Unlock()
		server.lists[kind.Endpoint] = lo.Reject(server.lists[kind.Endpoint], func(entity livesync.Entity, _ int) bool {
			return entity.EntityId() == id
		})
	}()
	server.Broadcast(livesync.EventName(kind.Namespace, livesync.ActionDeleted), map[string]string{"_id": id})
}

// Stores the notification for each recipient and emits `notification` to their registered sockets.
func (self *Server) Notify(notification *livesync.Notification) {
	if notification.Id == "" {
		notification.Id = NewEntityId()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}
	self.stateLock.Lock()
	for _, viewerId := range notification.Recipients {
		self.notifications[viewerId] = append([]*livesync.Notification{notification}, self.notifications[viewerId]...)
	}
	self.stateLock.Unlock()

	for _, viewerId := range notification.Recipients {
		self.emitTo(viewerId, "notification", notification)
	}
}

func (self *Server) replace(endpoint string, entity livesync.Entity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	list := self.lists[endpoint]
	_, i, ok := lo.FindIndexOf(list, func(e livesync.Entity) bool {
		return e.EntityId() == entity.EntityId()
	})
	if ok {
		list[i] = entity
	}
}

func (self *Server) event(eventId string) (*livesync.Event, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, entity := range self.lists[livesync.EventKind.Endpoint] {
		if event, ok := entity.(*livesync.Event); ok && event.Id == eventId {
			return event, true
		}
	}
	return nil, false
}

func NewEntityId() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

type viewerIdKey struct{}

func withViewerId(ctx context.Context, viewerId string) context.Context {
	return context.WithValue(ctx, viewerIdKey{}, viewerId)
}

func viewerIdFromContext(ctx context.Context) string {
	viewerId, _ := ctx.Value(viewerIdKey{}).(string)
	return viewerId
}

func (self *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "No token, authorization denied")
			return
		}
		viewerId, err := self.viewerId(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Token is not valid")
			return
		}
		next.ServeHTTP(w, r.WithContext(withViewerId(r.Context(), viewerId)))
	})
}

func (self *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var args livesync.AuthLoginArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	self.stateLock.Lock()
	account, ok := self.accounts[args.Email]
	self.stateLock.Unlock()
	if !ok || account.password != args.Password {
		writeError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}
	writeJson(w, http.StatusOK, &livesync.AuthLoginResult{
		Token: self.Token(account.viewer.Id),
		User:  account.viewer,
	})
}

func (self *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var args livesync.AuthRegisterArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil || args.Email == "" || args.Password == "" {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	self.stateLock.Lock()
	_, exists := self.accounts[args.Email]
	if !exists {
		self.accounts[args.Email] = &account{
			password: args.Password,
			viewer: &livesync.Viewer{
				Id:    NewEntityId(),
				Name:  args.Name,
				Email: args.Email,
				Role:  "user",
			},
		}
	}
	self.stateLock.Unlock()
	if exists {
		writeError(w, http.StatusBadRequest, "User already exists")
		return
	}
	writeJson(w, http.StatusCreated, &livesync.AuthRegisterResult{Msg: "User registered successfully"})
}

func (self *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	viewerId := viewerIdFromContext(r.Context())
	self.stateLock.Lock()
	account, ok := lo.Find(lo.Values(self.accounts), func(a *account) bool {
		return a.viewer.Id == viewerId
	})
	self.stateLock.Unlock()
	if !ok {
		writeJson(w, http.StatusOK, &livesync.Viewer{Id: viewerId})
		return
	}
	writeJson(w, http.StatusOK, account.viewer)
}

func (self *Server) handleList(w http.ResponseWriter, r *http.Request) {
	self.stateLock.Lock()
	self.listRequests += 1
	hold := self.snapshotHold
	self.stateLock.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	self.stateLock.Lock()
	items := append([]livesync.Entity{}, self.lists[r.URL.Path]...)
	self.stateLock.Unlock()
	writeJson(w, http.StatusOK, items)
}

func (self *Server) handleMyNotifications(w http.ResponseWriter, r *http.Request) {
	viewerId := viewerIdFromContext(r.Context())
	self.stateLock.Lock()
	items := append([]*livesync.Notification{}, self.notifications[viewerId]...)
	self.stateLock.Unlock()
	writeJson(w, http.StatusOK, items)
}

func (self *Server) handleInterest(interested bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewerId := viewerIdFromContext(r.Context())
		eventId := chi.URLParam(r, "id")

		event, ok := self.event(eventId)
		if !ok {
			writeError(w, http.StatusNotFound, "Event not found")
			return
		}

		// the stored event is replaced, never edited, so that readers of earlier values are unaffected
		updated := *event
		participants := lo.Reject(event.Participants, func(ref livesync.Ref, _ int) bool {
			return ref.Id == viewerId
		})
		if interested {
			participants = append(participants, livesync.Ref{Id: viewerId})
		}
		updated.Participants = participants

		self.replace(livesync.EventKind.Endpoint, &updated)
		self.Broadcast("event:interest", &updated)
		writeJson(w, http.StatusOK, &updated)
	}
}

// Serves create, update and delete for a kind. Each change is emitted the same way
// as `Create`, `Update` and `Delete`.
func serveCommands[T livesync.Entity](router chi.Router, server *Server, kind livesync.Kind[T]) {
	notFound := fmt.Sprintf("%s not found", kind.Name)

	router.Post(kind.Endpoint, func(w http.ResponseWriter, r *http.Request) {
		entity, err := decodeCommandEntity(r, kind, NewEntityId())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		Create(server, kind, entity)
		writeJson(w, http.StatusCreated, entity)
	})

	router.Put(kind.Endpoint+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !server.contains(kind.Endpoint, id) {
			writeError(w, http.StatusNotFound, notFound)
			return
		}
		entity, err := decodeCommandEntity(r, kind, id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		Update(server, kind, entity)
		writeJson(w, http.StatusOK, entity)
	})

	router.Delete(kind.Endpoint+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !server.contains(kind.Endpoint, id) {
			writeError(w, http.StatusNotFound, notFound)
			return
		}
		Delete(server, kind, id)
		writeJson(w, http.StatusOK, map[string]string{"msg": fmt.Sprintf("%s deleted", kind.Name)})
	})
}

// decodes the request body as an entity of the kind with the given id
func decodeCommandEntity[T livesync.Entity](r *http.Request, kind livesync.Kind[T], id string) (T, error) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		var empty T
		return empty, errors.New("Invalid request")
	}
	fields["_id"] = id
	body, err := json.Marshal(fields)
	if err != nil {
		var empty T
		return empty, err
	}
	return livesync.DecodeEntity(kind, body)
}

func (self *Server) contains(endpoint string, id string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return lo.ContainsBy(self.lists[endpoint], func(entity livesync.Entity) bool {
		return entity.EntityId() == id
	})
}

func (self *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	notification, err := decodeCommandEntity(r, livesync.NotificationKind, NewEntityId())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	self.Notify(notification)
	writeJson(w, http.StatusCreated, notification)
}

// removes the notification from every recipient. Nothing is emitted.
func (self *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found := false
	self.stateLock.Lock()
	for viewerId, notifications := range self.notifications {
		kept := lo.Reject(notifications, func(n *livesync.Notification, _ int) bool {
			return n.Id == id
		})
		if len(kept) != len(notifications) {
			found = true
			self.notifications[viewerId] = kept
		}
	}
	self.stateLock.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJson(w, http.StatusOK, map[string]string{"msg": "notification deleted"})
}

func writeJson(w http.ResponseWriter, statusCode int, value any) {
	body, err := json.Marshal(value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	body, _ := json.Marshal(map[string]string{"msg": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(body)
	glog.V(1).Infof("[ts]%d %s\n", statusCode, message)
}

func (self *Server) String() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return fmt.Sprintf("livesynctest(lists=%d sockets=%d)", len(self.lists), len(self.sockets))
}
