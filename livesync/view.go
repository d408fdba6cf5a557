package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"
)

type ViewStatus int

const (
	ViewLoading ViewStatus = iota
	ViewReady
	// the snapshot failed. Channel events still apply.
	ViewError
)

func (self ViewStatus) String() string {
	switch self {
	case ViewLoading:
		return "loading"
	case ViewReady:
		return "ready"
	case ViewError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// A mounted, live updating list of one entity kind.
//
// Every change to the collection (snapshot, channel event, mutation result)
// is queued to one goroutine per view and applied in arrival order.
// Readers see copies published after each change.
type LiveView[T Entity] struct {
	ctx    context.Context
	cancel context.CancelFunc

	handleId Id
	client   *Client
	kind     Kind[T]
	settings *ViewSettings
	log      LogFunction
	chLog    LogFunction

	// owned by the update loop
	reconciler *Reconciler[T]
	loader     *SnapshotLoader[T]
	mutator    *OptimisticMutator[T]
	// nil when the view is not live
	channel *EventChannel

	updates chan func()

	stateLock      sync.Mutex
	status         ViewStatus
	err            error
	items          []T
	snapshotLoaded bool
	connectedOnce  bool

	changeCallbacks *CallbackList[func([]T)]

	done chan struct{}
}

func Mount[T Entity](ctx context.Context, client *Client, kind Kind[T], settings *ViewSettings) *LiveView[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	handleId := NewId()
	view := &LiveView[T]{
		ctx:             cancelCtx,
		cancel:          cancel,
		handleId:        handleId,
		client:          client,
		kind:            kind,
		settings:        settings,
		log:             LogFn(1, fmt.Sprintf("[v]%s", handleId)),
		reconciler:      NewReconciler(NewCollection[T](), client.Metrics()),
		loader:          NewSnapshotLoader(client.Api(), kind, client.Metrics()),
		updates:         make(chan func(), settings.UpdateQueueSize),
		status:          ViewLoading,
		items:           []T{},
		changeCallbacks: NewCallbackList[func([]T)](),
		done:            make(chan struct{}),
	}
	view.chLog = SubLogFn(1, view.log, "channel")
	view.mutator = NewOptimisticMutator(client.Api(), kind, view.apply, client.Metrics())

	go view.run()

	view.log("mount %s", kind.Name)
	view.load()

	if settings.Live {
		view.channel = NewEventChannel(
			cancelCtx,
			client.SocketUrl(),
			client.Credentials(),
			settings.ChannelSettings,
			client.Metrics(),
		)
		for _, eventName := range kind.EventNames() {
			view.channel.On(eventName, func(payload json.RawMessage) {
				view.onChannelEvent(eventName, payload)
			})
		}
		if kind.RequiresRegistration {
			if viewerId, err := client.Credentials().ViewerId(); err == nil {
				view.channel.Register(viewerId)
			} else {
				glog.Infof("[v]%s %s not registered = %s\n", handleId, kind.Name, err)
			}
		}
		view.channel.OnStateChange(view.onChannelState)
		view.channel.Start()
	}

	return view
}

func MountWithDefaults[T Entity](ctx context.Context, client *Client, kind Kind[T]) *LiveView[T] {
	return Mount(ctx, client, kind, DefaultViewSettings())
}

func (self *LiveView[T]) HandleId() Id {
	return self.handleId
}

func (self *LiveView[T]) Kind() Kind[T] {
	return self.kind
}

// Cancels the snapshot load and any in flight mutation, disconnects the channel
// and stops the update loop. Results that arrive later are discarded.
// Safe to call more than once.
func (self *LiveView[T]) Unmount() {
	unmount := func() {
		self.cancel()
		if self.channel != nil {
			self.channel.Disconnect()
		}
	}
	if glog.V(2) {
		Trace(fmt.Sprintf("[v]unmount %s", self.handleId), unmount)
	} else {
		unmount()
	}
	self.log("unmount")
}

// closed when the update loop exits
func (self *LiveView[T]) Done() <-chan struct{} {
	return self.done
}

func (self *LiveView[T]) Status() (ViewStatus, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status, self.err
}

// a copy of the latest published items, in display order
func (self *LiveView[T]) Items() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.items)
}

func (self *LiveView[T]) Get(id string) (T, bool) {
	return lo.Find(self.Items(), func(entity T) bool {
		return entity.EntityId() == id
	})
}

// nil when the view is not live
func (self *LiveView[T]) Channel() *EventChannel {
	return self.channel
}

func (self *LiveView[T]) Mutator() *OptimisticMutator[T] {
	return self.mutator
}

// Runs on the update loop after every change. Returns a function that removes the callback.
func (self *LiveView[T]) OnChange(callback func(items []T)) func() {
	return self.changeCallbacks.Add(callback)
}

// Issues the command and applies the server's result to this view.
// Returns `ErrUnmounted` once the view is unmounted.
func (self *LiveView[T]) Mutate(command *Command) (T, error) {
	if self.ctx.Err() != nil {
		var empty T
		return empty, ErrUnmounted
	}
	return self.mutator.Mutate(self.ctx, command)
}

func (self *LiveView[T]) MutateAsync(command *Command, callback func(result T, err error)) {
	self.mutator.MutateAsync(self.ctx, command, callback)
}

// the single entry point for channel events and mutation results
func (self *LiveView[T]) apply(event ChannelEvent[T]) error {
	return self.submit(func() {
		self.reconciler.Apply(event)
	})
}

func (self *LiveView[T]) submit(update func()) error {
	if self.ctx.Err() != nil {
		return ErrUnmounted
	}
	select {
	case <-self.ctx.Done():
		return ErrUnmounted
	case self.updates <- update:
		return nil
	}
}

func (self *LiveView[T]) run() {
	defer close(self.done)
	for {
		select {
		case <-self.ctx.Done():
			return
		case update := <-self.updates:
			if self.ctx.Err() != nil {
				return
			}
			update()
			self.publish()
		}
	}
}

func (self *LiveView[T]) publish() {
	items := self.reconciler.Collection().Items()
	self.stateLock.Lock()
	self.items = items
	self.stateLock.Unlock()

	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(slices.Clone(items))
		})
	}
}

// The read's generation is taken on the update loop,
// ordered against the channel events already applied.
func (self *LiveView[T]) load() {
	self.submit(func() {
		generation := self.reconciler.BeginSnapshot()
		self.loader.LoadAsync(self.ctx, func(items []T, err error) {
			self.submit(func() {
				if err != nil {
					glog.Infof("[v]%s %s snapshot error = %s\n", self.handleId, self.kind.Name, err)
					self.stateLock.Lock()
					if !self.snapshotLoaded {
						// a reload failure keeps the last good state
						self.status = ViewError
					}
					self.err = err
					self.stateLock.Unlock()
					return
				}
				self.reconciler.ApplySnapshot(self.kind.Name, items, generation)
				self.stateLock.Lock()
				self.snapshotLoaded = true
				self.status = ViewReady
				self.err = nil
				self.stateLock.Unlock()
				self.log("snapshot %d items", len(items))
			})
		})
	})
}

// runs on the channel's read goroutine
func (self *LiveView[T]) onChannelEvent(eventName string, payload json.RawMessage) {
	event, err := DecodeChannelEvent(self.kind, eventName, payload)
	if err != nil {
		glog.Infof("[v]%s drop %s = %s\n", self.handleId, eventName, err)
		return
	}
	glog.V(2).Infof("[v]%s %s\n", self.handleId, event)
	self.apply(event)
}

// Events emitted while the channel was down are lost,
// so every connection after the first re-merges a snapshot.
// The merge also removes entities deleted during the outage.
func (self *LiveView[T]) onChannelState(state ChannelState) {
	self.chLog("%s", state)
	if state != ChannelStateConnected {
		return
	}
	reconnected := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		reconnected := self.connectedOnce
		self.connectedOnce = true
		return reconnected
	}()
	if reconnected {
		self.load()
	}
}
