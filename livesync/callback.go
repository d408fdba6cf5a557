package livesync

import (
	"sync"

	"golang.org/x/exp/slices"
)

type callbackEntry[T any] struct {
	id       uint64
	callback T
}

// makes a copy of the list on update
// so that `get` can be iterated without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    uint64
	callbacks []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	callbacks := self.callbacks
	self.mutex.Unlock()

	out := make([]T, 0, len(callbacks))
	for _, entry := range callbacks {
		out = append(out, entry.callback)
	}
	return out
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// returns a function that removes the callback. Removing twice is a no-op.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	id := self.nextId
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{id: id, callback: callback})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry callbackEntry[T]) bool {
		return entry.id == id
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = []callbackEntry[T]{}
}
