package livesync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

func (self Action) valid() bool {
	switch self {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	default:
		return false
	}
}

// A create, update or delete notification for one entity.
// `Entity` is set for created and updated; `Id` is always set.
type ChannelEvent[T Entity] struct {
	Action Action
	Kind   EntityKind
	Id     string
	Entity T
}

func Created[T Entity](entity T) ChannelEvent[T] {
	return ChannelEvent[T]{
		Action: ActionCreated,
		Kind:   entity.EntityKind(),
		Id:     entity.EntityId(),
		Entity: entity,
	}
}

func Updated[T Entity](entity T) ChannelEvent[T] {
	return ChannelEvent[T]{
		Action: ActionUpdated,
		Kind:   entity.EntityKind(),
		Id:     entity.EntityId(),
		Entity: entity,
	}
}

func Deleted[T Entity](kind EntityKind, id string) ChannelEvent[T] {
	return ChannelEvent[T]{
		Action: ActionDeleted,
		Kind:   kind,
		Id:     id,
	}
}

func (self ChannelEvent[T]) String() string {
	return fmt.Sprintf("%s:%s(%s)", self.Kind, self.Action, self.Id)
}

func EventName(namespace string, action Action) string {
	return fmt.Sprintf("%s:%s", namespace, action)
}

func ParseEventName(eventName string) (namespace string, action Action, err error) {
	namespace, actionStr, ok := strings.Cut(eventName, ":")
	if !ok || namespace == "" {
		err = fmt.Errorf("event name must be <kind>:<action>: %s", eventName)
		return
	}
	action = Action(actionStr)
	if !action.valid() {
		err = fmt.Errorf("unknown action %s in event %s", actionStr, eventName)
		return
	}
	return
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type deletedPayload struct {
	Id string `json:"_id" validate:"required"`
}

// decodes one wire event for a kind
// the payload is validated before it can reach a collection
func DecodeChannelEvent[T Entity](kind Kind[T], eventName string, payload json.RawMessage) (ChannelEvent[T], error) {
	action, err := kind.Action(eventName)
	if err != nil {
		return ChannelEvent[T]{}, err
	}

	switch action {
	case ActionDeleted:
		var deleted deletedPayload
		if err := json.Unmarshal(payload, &deleted); err != nil {
			return ChannelEvent[T]{}, fmt.Errorf("%s payload: %w", eventName, err)
		}
		if err := validate.Struct(&deleted); err != nil {
			return ChannelEvent[T]{}, fmt.Errorf("%s payload: %w", eventName, err)
		}
		return Deleted[T](kind.Name, deleted.Id), nil
	default:
		entity, err := DecodeEntity(kind, payload)
		if err != nil {
			return ChannelEvent[T]{}, fmt.Errorf("%s payload: %w", eventName, err)
		}
		return ChannelEvent[T]{
			Action: action,
			Kind:   kind.Name,
			Id:     entity.EntityId(),
			Entity: entity,
		}, nil
	}
}

func DecodeEntity[T Entity](kind Kind[T], payload []byte) (T, error) {
	entity := kind.New()
	if err := json.Unmarshal(payload, entity); err != nil {
		var empty T
		return empty, err
	}
	if err := validate.Struct(entity); err != nil {
		var empty T
		return empty, err
	}
	return entity, nil
}

func DecodeEntities[T Entity](kind Kind[T], payload []byte) ([]T, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, err
	}
	entities := make([]T, 0, len(raws))
	for i, raw := range raws {
		entity, err := DecodeEntity(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", kind.Name, i, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}
