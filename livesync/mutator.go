package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

// A user initiated command on one entity.
type Command struct {
	// for display, e.g. "add interest"
	Name string
	// empty for a create. Creates of one kind share a single in flight slot.
	EntityId string
	Method   string
	// relative to the api url
	Path string
	Args any
	// how the result is applied. The zero value applies the result as an update.
	Action Action
}

// interested is the state the viewer asks for
func InterestCommand(eventId string, interested bool) *Command {
	path := fmt.Sprintf("/events/%s/interest", url.PathEscape(eventId))
	if interested {
		return &Command{
			Name:     "add interest",
			EntityId: eventId,
			Method:   http.MethodPost,
			Path:     path,
			Action:   ActionUpdated,
		}
	}
	return &Command{
		Name:     "remove interest",
		EntityId: eventId,
		Method:   http.MethodDelete,
		Path:     path,
		Action:   ActionUpdated,
	}
}

// `POST /<kind>`. The server assigns the id.
func CreateCommand[T Entity](kind Kind[T], entity T) *Command {
	return &Command{
		Name:   fmt.Sprintf("create %s", kind.Name),
		Method: http.MethodPost,
		Path:   kind.commandEndpoint(),
		Args:   entity,
		Action: ActionCreated,
	}
}

// `PUT /<kind>/{id}`
func UpdateCommand[T Entity](kind Kind[T], entity T) *Command {
	id := entity.EntityId()
	return &Command{
		Name:     fmt.Sprintf("update %s", kind.Name),
		EntityId: id,
		Method:   http.MethodPut,
		Path:     fmt.Sprintf("%s/%s", kind.commandEndpoint(), url.PathEscape(id)),
		Args:     entity,
		Action:   ActionUpdated,
	}
}

// `DELETE /<kind>/{id}`
func DeleteCommand[T Entity](kind Kind[T], id string) *Command {
	return &Command{
		Name:     fmt.Sprintf("delete %s", kind.Name),
		EntityId: id,
		Method:   http.MethodDelete,
		Path:     fmt.Sprintf("%s/%s", kind.commandEndpoint(), url.PathEscape(id)),
		Action:   ActionDeleted,
	}
}

// Issues commands and routes the server's post-state (or the deletion) through the same apply path
// as channel events. The server also broadcasts the change to every client,
// including this one; since apply is idempotent, the echo converges instead of
// toggling twice.
type OptimisticMutator[T Entity] struct {
	api     *SanghApi
	kind    Kind[T]
	metrics *Metrics
	// the owner's apply entry point. Returns an error when the owner is gone.
	apply func(ChannelEvent[T]) error

	stateLock sync.Mutex
	// entity id -> command in flight
	inFlight map[string]*Command

	pendingCallbacks *CallbackList[func(entityId string, pending bool)]
}

func NewOptimisticMutator[T Entity](
	api *SanghApi,
	kind Kind[T],
	apply func(ChannelEvent[T]) error,
	metrics *Metrics,
) *OptimisticMutator[T] {
	return &OptimisticMutator[T]{
		api:              api,
		kind:             kind,
		metrics:          metrics,
		apply:            apply,
		inFlight:         map[string]*Command{},
		pendingCallbacks: NewCallbackList[func(string, bool)](),
	}
}

// true while a command for the entity is in flight. The triggering control is disabled.
func (self *OptimisticMutator[T]) Pending(entityId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.inFlight[entityId]
	return ok
}

func (self *OptimisticMutator[T]) OnPendingChange(callback func(entityId string, pending bool)) func() {
	return self.pendingCallbacks.Add(callback)
}

// Blocks until the command resolves.
// On failure the collection is untouched and the error is a *MutationError.
func (self *OptimisticMutator[T]) Mutate(ctx context.Context, command *Command) (T, error) {
	var empty T

	if !self.begin(command) {
		self.metrics.Mutation(command.Name, "in_flight")
		return empty, &MutationError{Command: command, Err: ErrMutationInFlight}
	}
	defer self.end(command)

	result, err := CommandSync(ctx, self.api, self.kind, command)
	if ctx.Err() != nil {
		self.metrics.Mutation(command.Name, "discarded")
		return empty, fmt.Errorf("%s %s: %w", command.Name, command.EntityId, ErrUnmounted)
	}
	if err != nil {
		self.metrics.Mutation(command.Name, "error")
		glog.Infof("[m]%s %s error = %s\n", command.Name, command.EntityId, err)
		return empty, &MutationError{Command: command, Err: err}
	}

	var event ChannelEvent[T]
	switch command.Action {
	case ActionCreated:
		event = Created(result)
	case ActionDeleted:
		event = Deleted[T](self.kind.Name, command.EntityId)
	default:
		event = Updated(result)
	}
	if err := self.apply(event); err != nil {
		// the owner unmounted while the command was in flight
		self.metrics.Mutation(command.Name, "discarded")
		return result, err
	}
	self.metrics.Mutation(command.Name, "ok")
	return result, nil
}

// Mutate on a new goroutine
func (self *OptimisticMutator[T]) MutateAsync(ctx context.Context, command *Command, callback func(result T, err error)) {
	go func() {
		result, err := self.Mutate(ctx, command)
		if errors.Is(err, ErrUnmounted) {
			return
		}
		callback(result, err)
	}()
}

func (self *OptimisticMutator[T]) begin(command *Command) bool {
	started := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if _, ok := self.inFlight[command.EntityId]; ok {
			return false
		}
		self.inFlight[command.EntityId] = command
		return true
	}()
	if started {
		self.notifyPending(command.EntityId, true)
	}
	return started
}

func (self *OptimisticMutator[T]) end(command *Command) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.inFlight, command.EntityId)
	}()
	self.notifyPending(command.EntityId, false)
}

func (self *OptimisticMutator[T]) notifyPending(entityId string, pending bool) {
	for _, callback := range self.pendingCallbacks.Get() {
		HandleError(func() {
			callback(entityId, pending)
		})
	}
}

// Joins the event if the viewer is not a participant, otherwise leaves it.
func ToggleInterest(
	ctx context.Context,
	mutator *OptimisticMutator[*Event],
	event *Event,
	viewerId string,
) (*Event, error) {
	return mutator.Mutate(ctx, InterestCommand(event.Id, !event.IsInterested(viewerId)))
}
