package livesync_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/bringyour/sangh/livesync"
	"github.com/bringyour/sangh/livesync/livesynctest"
)

func eventIds(events []*livesync.Event) []string {
	return lo.Map(events, func(event *livesync.Event, _ int) string {
		return event.Id
	})
}

func requireReady[T livesync.Entity](t *testing.T, view *livesync.LiveView[T]) {
	require.Eventually(t, func() bool {
		status, _ := view.Status()
		return status == livesync.ViewReady
	}, waitFor, tick)
}

func requireConnected[T livesync.Entity](t *testing.T, view *livesync.LiveView[T]) {
	require.Eventually(t, func() bool {
		return view.Channel().State() == livesync.ChannelStateConnected
	}, waitFor, tick)
}

func testClient(t *testing.T, serverUrl string, credentials *livesync.CredentialStore) *livesync.Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := livesync.NewClientWithDefaults(ctx, serverUrl, credentials)
	t.Cleanup(func() {
		client.Close()
		cancel()
	})
	return client
}

func TestViewSnapshotThenEvents(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.EventKind, testEvent("2", "B"), testEvent("3", "C"))

	client := testClient(t, serverUrl, nil)
	view := livesync.MountWithDefaults(context.Background(), client, livesync.EventKind)
	defer view.Unmount()

	requireReady(t, view)
	requireConnected(t, view)
	assert.Equal(t, eventIds(view.Items()), []string{"2", "3"})

	// readers get their own copy
	items := view.Items()
	items[0] = testEvent("x", "X")
	assert.Equal(t, eventIds(view.Items()), []string{"2", "3"})

	livesynctest.Create(server, livesync.EventKind, testEvent("1", "A"))
	require.Eventually(t, func() bool {
		return len(view.Items()) == 3
	}, waitFor, tick)
	assert.Equal(t, eventIds(view.Items()), []string{"1", "2", "3"})

	livesynctest.Update(server, livesync.EventKind, testEvent("2", "B2"))
	require.Eventually(t, func() bool {
		event, ok := view.Get("2")
		return ok && event.EventName == "B2"
	}, waitFor, tick)
	assert.Equal(t, eventIds(view.Items()), []string{"1", "2", "3"})

	livesynctest.Delete(server, livesync.EventKind, "2")
	livesynctest.Delete(server, livesync.EventKind, "2")
	require.Eventually(t, func() bool {
		return len(view.Items()) == 2
	}, waitFor, tick)
	assert.Equal(t, eventIds(view.Items()), []string{"1", "3"})
}

func TestViewSnapshotEventRace(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.EventKind, testEvent("4", "D"))

	release := server.HoldSnapshots()
	defer release()

	client := testClient(t, serverUrl, nil)
	view := livesync.MountWithDefaults(context.Background(), client, livesync.EventKind)
	defer view.Unmount()

	requireConnected(t, view)
	require.Eventually(t, func() bool {
		return server.ListRequests() == 1
	}, waitFor, tick)

	// the event resolves before the snapshot
	livesynctest.Create(server, livesync.EventKind, testEvent("5", "E"))
	require.Eventually(t, func() bool {
		return len(view.Items()) == 1
	}, waitFor, tick)
	status, _ := view.Status()
	assert.Equal(t, status, livesync.ViewLoading)

	release()
	requireReady(t, view)

	items := view.Items()
	assert.Equal(t, eventIds(items), []string{"5", "4"})
	five, ok := view.Get("5")
	assert.Equal(t, ok, true)
	assert.Equal(t, five.EventName, "E")
}

func TestViewOptimisticAndBroadcastConverge(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.EventKind, testEvent("6", "F"), testEvent("7", "G"))

	credentials := livesync.NewCredentialStoreWithToken(server.Token("u1"))
	client := testClient(t, serverUrl, credentials)
	view := livesync.MountWithDefaults(context.Background(), client, livesync.EventKind)
	defer view.Unmount()

	requireReady(t, view)
	requireConnected(t, view)

	broadcasts := make(chan struct{}, 16)
	view.Channel().On("event:interest", func(payload json.RawMessage) {
		broadcasts <- struct{}{}
	})

	seven, ok := view.Get("7")
	assert.Equal(t, ok, true)
	assert.Equal(t, seven.IsInterested("u1"), false)

	result, err := livesync.ToggleInterest(context.Background(), view.Mutator(), seven, "u1")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.IsInterested("u1"), true)

	select {
	case <-broadcasts:
	case <-time.After(waitFor):
		t.Fatal("no broadcast")
	}

	// both the response and the broadcast were applied; the toggle happened once
	require.Eventually(t, func() bool {
		event, ok := view.Get("7")
		return ok && event.IsInterested("u1")
	}, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, eventIds(view.Items()), []string{"6", "7"})
	seven, _ = view.Get("7")
	assert.Equal(t, len(seven.Participants), 1)

	// and back
	result, err = livesync.ToggleInterest(context.Background(), view.Mutator(), seven, "u1")
	assert.Equal(t, err, nil)
	assert.Equal(t, result.IsInterested("u1"), false)
	require.Eventually(t, func() bool {
		event, ok := view.Get("7")
		return ok && !event.IsInterested("u1")
	}, waitFor, tick)
}

func TestViewUnmountCancelsSnapshot(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.EventKind, testEvent("1", "A"))

	release := server.HoldSnapshots()
	defer release()

	client := testClient(t, serverUrl, nil)
	view := livesync.MountWithDefaults(context.Background(), client, livesync.EventKind)

	changes := make(chan []*livesync.Event, 16)
	view.OnChange(func(items []*livesync.Event) {
		changes <- items
	})

	require.Eventually(t, func() bool {
		return server.ListRequests() == 1
	}, waitFor, tick)

	view.Unmount()
	release()

	select {
	case <-view.Done():
	case <-time.After(waitFor):
		t.Fatal("view loop did not exit")
	}
	select {
	case <-changes:
		t.Fatal("collection changed after unmount")
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, len(view.Items()), 0)
	status, _ := view.Status()
	assert.Equal(t, status, livesync.ViewLoading)
	assert.Equal(t, view.Channel().State(), livesync.ChannelStateClosed)

	_, err := view.Mutate(livesync.InterestCommand("1", true))
	assert.Equal(t, errors.Is(err, livesync.ErrUnmounted), true)

	// unmount twice is fine
	view.Unmount()
}

func TestViewSnapshotError(t *testing.T) {
	_, serverUrl := newTestServer(t)

	client := testClient(t, serverUrl+"/missing-prefix", nil)
	settings := livesync.DefaultViewSettings()
	settings.Live = false
	view := livesync.Mount(context.Background(), client, livesync.ShakhaKind, settings)
	defer view.Unmount()

	require.Eventually(t, func() bool {
		status, _ := view.Status()
		return status == livesync.ViewError
	}, waitFor, tick)

	_, err := view.Status()
	assert.Equal(t, livesync.DisplayMessage(err), "Failed to load")
	assert.Equal(t, len(view.Items()), 0)
	assert.Equal(t, view.Channel(), nil)
}

func TestViewNotifications(t *testing.T) {
	server, serverUrl := newTestServer(t)
	server.Notify(&livesync.Notification{Title: "earlier", Recipients: []string{"u1"}})

	credentials := livesync.NewCredentialStoreWithToken(server.Token("u1"))
	client := testClient(t, serverUrl, credentials)
	view := livesync.MountWithDefaults(context.Background(), client, livesync.NotificationKind)
	defer view.Unmount()

	requireReady(t, view)
	require.Eventually(t, func() bool {
		return server.Registered("u1")
	}, waitFor, tick)

	server.Notify(&livesync.Notification{Title: "now", Recipients: []string{"u1"}})
	require.Eventually(t, func() bool {
		return len(view.Items()) == 2
	}, waitFor, tick)
	titles := lo.Map(view.Items(), func(n *livesync.Notification, _ int) string {
		return n.Title
	})
	assert.Equal(t, titles, []string{"now", "earlier"})
}

func TestViewReconnectReloadsSnapshot(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.SevaKind, &livesync.SevaProject{Id: "s1", ProjectName: "Food"})

	client := testClient(t, serverUrl, nil)
	settings := livesync.DefaultViewSettings()
	settings.ChannelSettings.Reconnect = true
	settings.ChannelSettings.ReconnectTimeout = 50 * time.Millisecond
	view := livesync.Mount(context.Background(), client, livesync.SevaKind, settings)
	defer view.Unmount()

	requireReady(t, view)
	requireConnected(t, view)

	// missed while the channel is down
	livesynctest.Seed(server, livesync.SevaKind, &livesync.SevaProject{Id: "s2", ProjectName: "Books"})
	server.DropConnections()

	require.Eventually(t, func() bool {
		return len(view.Items()) == 2
	}, waitFor, tick)
	assert.Equal(t, server.ListRequests(), 2)
}

func TestViewReconnectDropsMissedDelete(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(
		server,
		livesync.SevaKind,
		&livesync.SevaProject{Id: "s1", ProjectName: "Food"},
		&livesync.SevaProject{Id: "s2", ProjectName: "Books"},
	)

	client := testClient(t, serverUrl, nil)
	settings := livesync.DefaultViewSettings()
	settings.ChannelSettings.Reconnect = true
	settings.ChannelSettings.ReconnectTimeout = 200 * time.Millisecond
	view := livesync.Mount(context.Background(), client, livesync.SevaKind, settings)
	defer view.Unmount()

	requireReady(t, view)
	requireConnected(t, view)
	assert.Equal(t, len(view.Items()), 2)

	server.DropConnections()
	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 0
	}, waitFor, tick)
	// no socket receives the deleted event
	livesynctest.Delete(server, livesync.SevaKind, "s2")

	require.Eventually(t, func() bool {
		return server.ListRequests() == 2 && len(view.Items()) == 1
	}, waitFor, tick)
	projects := view.Items()
	assert.Equal(t, projects[0].Id, "s1")
	_, ok := view.Get("s2")
	assert.Equal(t, ok, false)
}

func TestViewCommandsConvergeWithBroadcast(t *testing.T) {
	server, serverUrl := newTestServer(t)

	credentials := livesync.NewCredentialStoreWithToken(server.Token("admin"))
	client := testClient(t, serverUrl, credentials)
	view := livesync.MountWithDefaults(context.Background(), client, livesync.ResourceKind)
	defer view.Unmount()

	requireReady(t, view)
	requireConnected(t, view)

	echoes := make(chan string, 16)
	for _, eventName := range livesync.ResourceKind.EventNames() {
		view.Channel().On(eventName, func(payload json.RawMessage) {
			echoes <- eventName
		})
	}
	requireEcho := func(eventName string) {
		select {
		case echo := <-echoes:
			assert.Equal(t, echo, eventName)
		case <-time.After(waitFor):
			t.Fatalf("no %s", eventName)
		}
		// the echo is applied after the command result
		time.Sleep(100 * time.Millisecond)
	}

	created, err := view.Mutate(livesync.CreateCommand(livesync.ResourceKind, &livesync.Resource{Title: "Gita"}))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, created.Id, "")
	requireEcho("resource:created")
	assert.Equal(t, len(view.Items()), 1)
	resource, ok := view.Get(created.Id)
	assert.Equal(t, ok, true)
	assert.Equal(t, resource.Title, "Gita")

	updated, err := view.Mutate(livesync.UpdateCommand(livesync.ResourceKind, &livesync.Resource{Id: created.Id, Title: "Gita 2"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, updated.Title, "Gita 2")
	requireEcho("resource:updated")
	assert.Equal(t, len(view.Items()), 1)
	resource, _ = view.Get(created.Id)
	assert.Equal(t, resource.Title, "Gita 2")

	_, err = view.Mutate(livesync.DeleteCommand(livesync.ResourceKind, created.Id))
	assert.Equal(t, err, nil)
	requireEcho("resource:deleted")
	assert.Equal(t, len(view.Items()), 0)

	// already gone
	_, err = view.Mutate(livesync.DeleteCommand(livesync.ResourceKind, created.Id))
	var networkErr *livesync.NetworkError
	assert.Equal(t, errors.As(err, &networkErr), true)
	assert.Equal(t, networkErr.StatusCode, http.StatusNotFound)
	assert.Equal(t, livesync.DisplayMessage(err), "Failed to delete resource")
	assert.Equal(t, len(view.Items()), 0)

	// the next snapshot agrees
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resources, err := livesync.ListSync(ctx, client.Api(), livesync.ResourceKind)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(resources), 0)
}

func TestViewDeleteCommandBeforeEcho(t *testing.T) {
	server, serverUrl := newTestServer(t)
	livesynctest.Seed(server, livesync.ShakhaKind, &livesync.Shakha{Id: "k1", Name: "North"}, &livesync.Shakha{Id: "k2", Name: "South"})

	credentials := livesync.NewCredentialStoreWithToken(server.Token("admin"))
	client := testClient(t, serverUrl, credentials)
	settings := livesync.DefaultViewSettings()
	settings.Live = false
	view := livesync.Mount(context.Background(), client, livesync.ShakhaKind, settings)
	defer view.Unmount()

	requireReady(t, view)

	// without a channel the command result alone removes the entity
	_, err := view.Mutate(livesync.DeleteCommand(livesync.ShakhaKind, "k1"))
	assert.Equal(t, err, nil)
	require.Eventually(t, func() bool {
		return len(view.Items()) == 1
	}, waitFor, tick)
	shakhas := view.Items()
	assert.Equal(t, shakhas[0].Id, "k2")
}
