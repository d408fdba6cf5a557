package livesync

import (
	"fmt"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// `model.User` as returned by login and /auth/me
type Viewer struct {
	Id    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Holds the bearer credential attached to every request.
// The api clears it on a 401; the sync core does not interpret auth beyond that.
type CredentialStore struct {
	stateLock sync.Mutex
	token     string
	viewer    *Viewer

	clearCallbacks *CallbackList[func()]
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		clearCallbacks: NewCallbackList[func()](),
	}
}

func NewCredentialStoreWithToken(token string) *CredentialStore {
	store := NewCredentialStore()
	store.SetToken(token)
	return store
}

func (self *CredentialStore) SetToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
}

func (self *CredentialStore) Token() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

func (self *CredentialStore) SetViewer(viewer *Viewer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.viewer = viewer
}

func (self *CredentialStore) Viewer() *Viewer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.viewer
}

// the credential is no longer valid
func (self *CredentialStore) Clear() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.token = ""
		self.viewer = nil
	}()
	for _, callback := range self.clearCallbacks.Get() {
		HandleError(callback)
	}
}

func (self *CredentialStore) AddClearCallback(callback func()) func() {
	return self.clearCallbacks.Add(callback)
}

// The viewer id used to register for per-viewer events.
// Prefers the viewer set at login and falls back to the token claims.
func (self *CredentialStore) ViewerId() (string, error) {
	self.stateLock.Lock()
	token := self.token
	viewer := self.viewer
	self.stateLock.Unlock()

	if viewer != nil && viewer.Id != "" {
		return viewer.Id, nil
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return ParseViewerIdUnverified(token)
}

// The token is verified by the server on each request.
// The client only reads the identity claims.
func ParseViewerIdUnverified(token string) (string, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	if user, ok := claims["user"].(map[string]any); ok {
		if id, ok := user["id"].(string); ok && id != "" {
			return id, nil
		}
	}
	for _, key := range []string{"id", "user_id", "sub"} {
		if id, ok := claims[key].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("token has no viewer id claim")
}
