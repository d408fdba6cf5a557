package livesync

import (
	"golang.org/x/exp/slices"
)

// An ordered, id deduplicated list of entities of one kind.
//
// Order is reception order for entities created by channel events (most recent first),
// snapshot order for entities first seen in a snapshot (appended),
// and is stable under update. Delete removes exactly one slot.
//
// The collection is owned by one view and is mutated only through `Apply` and `ApplySnapshotAt`.
// It does no locking; the owning view serializes access.
type Collection[T Entity] struct {
	// entity ids in display order
	order []string
	// entity id -> entity
	entities map[string]T
	// ids removed by a channel event
	// a snapshot read before the delete must not bring these back
	tombstones map[string]bool
	// incremented each time a snapshot read is issued
	generation uint64
	// entity id -> generation when a channel event last wrote the entity
	written map[string]uint64
}

func NewCollection[T Entity]() *Collection[T] {
	return &Collection[T]{
		order:      []string{},
		entities:   map[string]T{},
		tombstones: map[string]bool{},
		written:    map[string]uint64{},
	}
}

func (self *Collection[T]) Len() int {
	return len(self.order)
}

func (self *Collection[T]) Contains(id string) bool {
	_, ok := self.entities[id]
	return ok
}

func (self *Collection[T]) Get(id string) (T, bool) {
	entity, ok := self.entities[id]
	return entity, ok
}

// a copy of the entities in display order
func (self *Collection[T]) Items() []T {
	items := make([]T, 0, len(self.order))
	for _, id := range self.order {
		items = append(items, self.entities[id])
	}
	return items
}

func (self *Collection[T]) Ids() []string {
	return slices.Clone(self.order)
}

func (self *Collection[T]) insertFront(entity T) {
	id := entity.EntityId()
	self.order = slices.Insert(self.order, 0, id)
	self.entities[id] = entity
}

func (self *Collection[T]) append(entity T) {
	id := entity.EntityId()
	self.order = append(self.order, id)
	self.entities[id] = entity
}

// replaces the fields of a present entity without moving it
func (self *Collection[T]) replace(entity T) bool {
	id := entity.EntityId()
	if _, ok := self.entities[id]; !ok {
		return false
	}
	self.entities[id] = entity
	return true
}

// Marks the issue of a snapshot read. The returned generation is passed back
// with the read's result so that later channel writes survive the merge.
func (self *Collection[T]) BeginSnapshot() uint64 {
	self.generation += 1
	return self.generation
}

func (self *Collection[T]) markWritten(id string) {
	self.written[id] = self.generation
}

// true if a channel event wrote the entity after the snapshot read of `generation` was issued
func (self *Collection[T]) writtenSince(id string, generation uint64) bool {
	written, ok := self.written[id]
	return ok && generation <= written
}

func (self *Collection[T]) remove(id string) bool {
	delete(self.written, id)
	if _, ok := self.entities[id]; !ok {
		return false
	}
	delete(self.entities, id)
	if i := slices.Index(self.order, id); 0 <= i {
		self.order = slices.Delete(self.order, i, i+1)
	}
	return true
}

func (self *Collection[T]) tombstone(id string) {
	self.tombstones[id] = true
}

func (self *Collection[T]) isTombstoned(id string) bool {
	return self.tombstones[id]
}

func (self *Collection[T]) untombstone(id string) {
	delete(self.tombstones, id)
}
