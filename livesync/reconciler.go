package livesync

// Applies one channel event to a collection and returns the collection.
//
// created and updated collapse into each other based on presence:
// a present entity is replaced in place, an absent entity is inserted at the front.
// This makes apply idempotent and makes the result independent of whether
// the snapshot or the channel event for an entity resolves first.
// deleted removes the entity if present and is a no-op otherwise.
//
// There is no field versioning. The last applied write wins.
func Apply[T Entity](collection *Collection[T], event ChannelEvent[T]) *Collection[T] {
	switch event.Action {
	case ActionCreated, ActionUpdated:
		if !collection.replace(event.Entity) {
			collection.insertFront(event.Entity)
		}
		collection.untombstone(event.Id)
		collection.markWritten(event.Id)
	case ActionDeleted:
		collection.remove(event.Id)
		collection.tombstone(event.Id)
	}
	return collection
}

// Merges a snapshot read into a collection.
// The snapshot is the full current state at the time of the read, so the read's generation
// (from `BeginSnapshot`) decides what the merge may remove.
// Entities already present are replaced in place, new entities are appended in snapshot order,
// and entities deleted by a channel event are skipped.
// Present entities missing from the snapshot are removed unless a channel event
// wrote them after the read was issued. This drops deletes missed while the channel was down.
func ApplySnapshotAt[T Entity](collection *Collection[T], items []T, generation uint64) *Collection[T] {
	snapshotIds := map[string]bool{}
	for _, item := range items {
		snapshotIds[item.EntityId()] = true
	}
	for _, id := range collection.Ids() {
		if !snapshotIds[id] && !collection.writtenSince(id, generation) {
			collection.remove(id)
		}
	}

	for _, item := range items {
		id := item.EntityId()
		if collection.isTombstoned(id) {
			continue
		}
		if !collection.replace(item) {
			collection.append(item)
		}
	}
	return collection
}

// merges a snapshot read at the collection's current generation
func ApplySnapshot[T Entity](collection *Collection[T], items []T) *Collection[T] {
	return ApplySnapshotAt(collection, items, collection.generation)
}

// Binds a collection to the single apply entry point used by the channel,
// the snapshot loader and the mutator.
type Reconciler[T Entity] struct {
	collection *Collection[T]
	metrics    *Metrics
}

func NewReconciler[T Entity](collection *Collection[T], metrics *Metrics) *Reconciler[T] {
	return &Reconciler[T]{
		collection: collection,
		metrics:    metrics,
	}
}

func (self *Reconciler[T]) Collection() *Collection[T] {
	return self.collection
}

func (self *Reconciler[T]) Apply(event ChannelEvent[T]) {
	Apply(self.collection, event)
	self.metrics.EventApplied(event.Kind, event.Action)
}

func (self *Reconciler[T]) BeginSnapshot() uint64 {
	return self.collection.BeginSnapshot()
}

func (self *Reconciler[T]) ApplySnapshot(kind EntityKind, items []T, generation uint64) {
	ApplySnapshotAt(self.collection, items, generation)
	self.metrics.SnapshotApplied(kind, len(items))
}
