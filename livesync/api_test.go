package livesync_test

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/sangh/livesync"
	"github.com/bringyour/sangh/livesync/livesynctest"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testServerSettings() *livesynctest.Settings {
	settings := livesynctest.DefaultSettings()
	settings.PingInterval = 200 * time.Millisecond
	settings.PingTimeout = time.Second
	return settings
}

// returns the server and its base url
func newTestServer(t *testing.T) (*livesynctest.Server, string) {
	server := livesynctest.NewServer(testServerSettings())
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.DropConnections()
		httpServer.Close()
	})
	return server, httpServer.URL
}

func testEvent(id string, name string) *livesync.Event {
	return &livesync.Event{
		Id:          id,
		EventName:   name,
		IsOpenToAll: true,
	}
}

func TestListSync(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.EventKind, testEvent("1", "A"), testEvent("2", "B"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := livesync.NewSanghApiWithContext(ctx, serverUrl, nil, livesync.DefaultApiSettings())
	events, err := livesync.ListSync(ctx, api, livesync.EventKind)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].Id, "1")
	assert.Equal(t, events[1].EventName, "B")

	resources, err := livesync.ListSync(ctx, api, livesync.ResourceKind)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(resources), 0)
}

func TestLoginAndMe(t *testing.T) {
	server, serverUrl := newTestServer(t)
	server.AddAccount("a@example.org", "secret", &livesync.Viewer{Id: "u1", Name: "A", Email: "a@example.org"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credentials := livesync.NewCredentialStore()
	api := livesync.NewSanghApiWithContext(ctx, serverUrl, credentials, livesync.DefaultApiSettings())

	_, err := api.AuthLoginSync(ctx, &livesync.AuthLoginArgs{Email: "a@example.org", Password: "wrong"})
	var networkErr *livesync.NetworkError
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, networkErr.StatusCode, http.StatusBadRequest)
	assert.Equal(t, networkErr.Message, "Invalid credentials")
	assert.Equal(t, credentials.Token(), "")

	result, err := api.AuthLoginSync(ctx, &livesync.AuthLoginArgs{Email: "a@example.org", Password: "secret"})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.User.Id, "u1")
	assert.Equal(t, credentials.Token(), result.Token)

	viewer, err := api.AuthMeSync(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, viewer.Name, "A")

	viewerId, err := credentials.ViewerId()
	assert.Equal(t, err, nil)
	assert.Equal(t, viewerId, "u1")
}

func TestRegisterThenLogin(t *testing.T) {
	_, serverUrl := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credentials := livesync.NewCredentialStore()
	api := livesync.NewSanghApiWithContext(ctx, serverUrl, credentials, livesync.DefaultApiSettings())

	args := &livesync.AuthRegisterArgs{Name: "B", Email: "b@example.org", Password: "secret"}
	result, err := api.AuthRegisterSync(ctx, args)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Msg, "User registered successfully")
	// registering does not sign in
	assert.Equal(t, credentials.Token(), "")

	_, err = api.AuthRegisterSync(ctx, args)
	var networkErr *livesync.NetworkError
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, networkErr.StatusCode, http.StatusBadRequest)
	assert.Equal(t, networkErr.Message, "User already exists")

	login, err := api.AuthLoginSync(ctx, &livesync.AuthLoginArgs{Email: "b@example.org", Password: "secret"})
	assert.Equal(t, err, nil)
	assert.Equal(t, login.User.Name, "B")
	assert.NotEqual(t, credentials.Token(), "")
}

func TestUnauthorizedClearsCredential(t *testing.T) {
	_, serverUrl := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credentials := livesync.NewCredentialStoreWithToken("expired")
	cleared := make(chan struct{}, 1)
	credentials.AddClearCallback(func() {
		cleared <- struct{}{}
	})

	api := livesync.NewSanghApiWithContext(ctx, serverUrl, credentials, livesync.DefaultApiSettings())
	_, err := api.AuthMeSync(ctx)

	var networkErr *livesync.NetworkError
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, networkErr.IsUnauthorized(), true)
	assert.Equal(t, credentials.Token(), "")
	select {
	case <-cleared:
	default:
		t.Fatal("clear callback not called")
	}
}

func TestCommandNotFound(t *testing.T) {
	server, serverUrl := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credentials := livesync.NewCredentialStoreWithToken(server.Token("u1"))
	api := livesync.NewSanghApiWithContext(ctx, serverUrl, credentials, livesync.DefaultApiSettings())

	_, err := api.EventInterestSync(ctx, "missing", true)
	var networkErr *livesync.NetworkError
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, networkErr.StatusCode, http.StatusNotFound)
	assert.Equal(t, networkErr.Message, "Event not found")
	// only a 401 clears the credential
	assert.NotEqual(t, credentials.Token(), "")
}

func TestNetworkErrorWithoutResponse(t *testing.T) {
	_, serverUrl := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := livesync.NewSanghApiWithContext(ctx, serverUrl+"/missing-prefix", nil, livesync.DefaultApiSettings())
	_, err := livesync.ListSync(ctx, api, livesync.ShakhaKind)
	var networkErr *livesync.NetworkError
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, networkErr.StatusCode, http.StatusNotFound)

	// nothing listens on port 1
	api = livesync.NewSanghApiWithContext(ctx, "http://127.0.0.1:1", nil, livesync.DefaultApiSettings())
	_, err = livesync.ListSync(ctx, api, livesync.ShakhaKind)
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, networkErr.StatusCode, 0)
	assert.NotEqual(t, errors.Unwrap(err), nil)
}

func TestBlockingApiCallback(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.EventKind, testEvent("7", "Seven"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	credentials := livesync.NewCredentialStoreWithToken(server.Token("u1"))
	api := livesync.NewSanghApiWithContext(ctx, serverUrl, credentials, livesync.DefaultApiSettings())

	callback, results := livesync.NewBlockingApiCallback[*livesync.Event]()
	api.EventInterest("7", true, callback)

	select {
	case result := <-results:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, result.Result.IsInterested("u1"), true)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}
