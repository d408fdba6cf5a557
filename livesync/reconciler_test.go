package livesync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testEvent(id string, name string) *Event {
	return &Event{
		Id:        id,
		EventName: name,
	}
}

func testCollection(events ...*Event) *Collection[*Event] {
	return ApplySnapshot(NewCollection[*Event](), events)
}

func names(collection *Collection[*Event]) []string {
	out := []string{}
	for _, event := range collection.Items() {
		out = append(out, event.EventName)
	}
	return out
}

func TestApplyIdempotent(t *testing.T) {
	events := []ChannelEvent[*Event]{
		Created(testEvent("1", "A")),
		Created(testEvent("9", "new")),
		Updated(testEvent("2", "B2")),
		Updated(testEvent("8", "unseen")),
		Deleted[*Event](EntityKindEvent, "3"),
		Deleted[*Event](EntityKindEvent, "404"),
	}
	for _, event := range events {
		once := Apply(testCollection(testEvent("1", "A"), testEvent("2", "B"), testEvent("3", "C")), event)
		twice := Apply(Apply(testCollection(testEvent("1", "A"), testEvent("2", "B"), testEvent("3", "C")), event), event)
		assert.Equal(t, once.Ids(), twice.Ids())
		assert.Equal(t, names(once), names(twice))
	}
}

func TestApplyCreatedDedup(t *testing.T) {
	c := testCollection(testEvent("1", "A"))
	Apply(c, Created(testEvent("1", "A2")))
	assert.Equal(t, c.Len(), 1)
	assert.Equal(t, names(c), []string{"A2"})
}

func TestApplyCreatedInsertsAtFront(t *testing.T) {
	c := testCollection(testEvent("2", "B"), testEvent("3", "C"))
	Apply(c, Created(testEvent("1", "A")))
	assert.Equal(t, c.Ids(), []string{"1", "2", "3"})
}

func TestApplyUpdatePreservesPosition(t *testing.T) {
	c := testCollection(testEvent("1", "A"), testEvent("2", "B"), testEvent("3", "C"))
	Apply(c, Updated(testEvent("2", "B2")))
	assert.Equal(t, c.Ids(), []string{"1", "2", "3"})
	assert.Equal(t, names(c), []string{"A", "B2", "C"})
}

func TestApplyUpdateUnknownInserts(t *testing.T) {
	c := testCollection(testEvent("1", "A"))
	Apply(c, Updated(testEvent("2", "B")))
	assert.Equal(t, c.Ids(), []string{"2", "1"})
}

func TestApplyDeleteRemovesExactlyOne(t *testing.T) {
	c := testCollection(testEvent("1", "A"), testEvent("2", "B"), testEvent("3", "C"))
	Apply(c, Deleted[*Event](EntityKindEvent, "2"))
	assert.Equal(t, c.Ids(), []string{"1", "3"})
	Apply(c, Deleted[*Event](EntityKindEvent, "2"))
	assert.Equal(t, c.Ids(), []string{"1", "3"})
	_, ok := c.Get("2")
	assert.Equal(t, ok, false)
}

func TestSnapshotEventRaceConverges(t *testing.T) {
	// snapshot first
	a := NewCollection[*Event]()
	ApplySnapshot(a, []*Event{testEvent("4", "D"), testEvent("5", "E")})
	Apply(a, Created(testEvent("5", "E2")))

	// event first
	b := NewCollection[*Event]()
	Apply(b, Created(testEvent("5", "E2")))
	ApplySnapshot(b, []*Event{testEvent("4", "D"), testEvent("5", "E2")})

	for _, c := range []*Collection[*Event]{a, b} {
		assert.Equal(t, c.Len(), 2)
		five, ok := c.Get("5")
		assert.Equal(t, ok, true)
		assert.Equal(t, five.EventName, "E2")
	}
}

func TestSnapshotSkipsDeleted(t *testing.T) {
	// the delete arrives before a snapshot that was read earlier
	c := NewCollection[*Event]()
	Apply(c, Deleted[*Event](EntityKindEvent, "2"))
	ApplySnapshot(c, []*Event{testEvent("1", "A"), testEvent("2", "B")})
	assert.Equal(t, c.Ids(), []string{"1"})

	// a later create brings it back
	Apply(c, Created(testEvent("2", "B2")))
	assert.Equal(t, c.Ids(), []string{"2", "1"})
	ApplySnapshot(c, []*Event{testEvent("2", "B3"), testEvent("1", "A")})
	assert.Equal(t, names(c), []string{"B3", "A"})
}

func TestSnapshotDropsMissedDelete(t *testing.T) {
	c := NewCollection[*Event]()
	ApplySnapshotAt(c, []*Event{testEvent("1", "A"), testEvent("2", "B"), testEvent("3", "C")}, c.BeginSnapshot())
	Apply(c, Updated(testEvent("3", "C2")))

	// 2 and 3 were deleted while the channel was down
	generation := c.BeginSnapshot()
	// written after the reload was issued, not yet in the read
	Apply(c, Created(testEvent("4", "D")))
	ApplySnapshotAt(c, []*Event{testEvent("1", "A")}, generation)

	assert.Equal(t, c.Ids(), []string{"4", "1"})
	_, ok := c.Get("3")
	assert.Equal(t, ok, false)
}

func TestSnapshotKeepsWritesAfterStaleRead(t *testing.T) {
	c := NewCollection[*Event]()
	first := c.BeginSnapshot()
	second := c.BeginSnapshot()
	Apply(c, Created(testEvent("5", "E")))

	// both reads resolve after the event; neither saw it
	ApplySnapshotAt(c, []*Event{testEvent("1", "A")}, first)
	ApplySnapshotAt(c, []*Event{testEvent("1", "A")}, second)
	assert.Equal(t, c.Ids(), []string{"5", "1"})

	// a read issued after the event that does not contain it is authoritative
	ApplySnapshotAt(c, []*Event{testEvent("1", "A")}, c.BeginSnapshot())
	assert.Equal(t, c.Ids(), []string{"1"})
}

func TestCollectionItemsIsCopy(t *testing.T) {
	c := testCollection(testEvent("1", "A"), testEvent("2", "B"))
	items := c.Items()
	items[0] = testEvent("x", "X")
	ids := c.Ids()
	ids[0] = "x"
	assert.Equal(t, c.Ids(), []string{"1", "2"})
	assert.Equal(t, names(c), []string{"A", "B"})
}

func TestReconcilerMetrics(t *testing.T) {
	// nil metrics are allowed
	r := NewReconciler(NewCollection[*Event](), nil)
	r.ApplySnapshot(EntityKindEvent, []*Event{testEvent("1", "A")}, r.BeginSnapshot())
	r.Apply(Updated(testEvent("1", "A2")))
	assert.Equal(t, names(r.Collection()), []string{"A2"})
}
