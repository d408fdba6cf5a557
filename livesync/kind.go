package livesync

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Binds an entity kind to where its snapshot is read and how its channel events are named.
type Kind[T Entity] struct {
	Name EntityKind
	// snapshot endpoint, relative to the api url
	Endpoint string
	// create, update and delete endpoint when it differs from `Endpoint`
	CommandEndpoint string
	// prefix of the channel event names, `<namespace>:<action>`
	Namespace string
	// additional event names the server emits for this kind
	Aliases map[string]Action
	// the server only routes events to a registered viewer
	RequiresRegistration bool
	New                  func() T
}

var EventKind = Kind[*Event]{
	Name:      EntityKindEvent,
	Endpoint:  "/events",
	Namespace: "event",
	Aliases: map[string]Action{
		// sent to everyone when a viewer joins or leaves an event
		"event:interest": ActionUpdated,
	},
	New: func() *Event { return &Event{} },
}

var ResourceKind = Kind[*Resource]{
	Name:      EntityKindResource,
	Endpoint:  "/resources",
	Namespace: "resource",
	New:       func() *Resource { return &Resource{} },
}

var SevaKind = Kind[*SevaProject]{
	Name:      EntityKindSeva,
	Endpoint:  "/seva",
	Namespace: "seva",
	New:       func() *SevaProject { return &SevaProject{} },
}

var ShakhaKind = Kind[*Shakha]{
	Name:      EntityKindShakha,
	Endpoint:  "/shakhas",
	Namespace: "shakha",
	New:       func() *Shakha { return &Shakha{} },
}

var NotificationKind = Kind[*Notification]{
	Name:            EntityKindNotification,
	Endpoint:        "/notifications/my",
	CommandEndpoint: "/notifications",
	Namespace:       "notification",
	Aliases: map[string]Action{
		"notification": ActionCreated,
	},
	RequiresRegistration: true,
	New:                  func() *Notification { return &Notification{} },
}

func (self Kind[T]) commandEndpoint() string {
	if self.CommandEndpoint != "" {
		return self.CommandEndpoint
	}
	return self.Endpoint
}

// all channel event names a view of this kind listens to
func (self Kind[T]) EventNames() []string {
	names := []string{
		EventName(self.Namespace, ActionCreated),
		EventName(self.Namespace, ActionUpdated),
		EventName(self.Namespace, ActionDeleted),
	}
	aliases := []string{}
	for name := range self.Aliases {
		aliases = append(aliases, name)
	}
	slices.Sort(aliases)
	return append(names, aliases...)
}

// resolves a channel event name to the action it carries for this kind
func (self Kind[T]) Action(eventName string) (Action, error) {
	if action, ok := self.Aliases[eventName]; ok {
		return action, nil
	}
	namespace, action, err := ParseEventName(eventName)
	if err != nil {
		return "", err
	}
	if namespace != self.Namespace {
		return "", fmt.Errorf("event %s is not in namespace %s", eventName, self.Namespace)
	}
	return action, nil
}
