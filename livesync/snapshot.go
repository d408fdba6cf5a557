package livesync

import (
	"context"
	"fmt"
)

// One-shot bulk read that seeds a collection. No retry.
type SnapshotLoader[T Entity] struct {
	api     *SanghApi
	kind    Kind[T]
	metrics *Metrics
}

func NewSnapshotLoader[T Entity](api *SanghApi, kind Kind[T], metrics *Metrics) *SnapshotLoader[T] {
	return &SnapshotLoader[T]{
		api:     api,
		kind:    kind,
		metrics: metrics,
	}
}

// Returns `ErrUnmounted` when `ctx` was canceled before the response was used,
// even if the response itself arrived.
func (self *SnapshotLoader[T]) Load(ctx context.Context) ([]T, error) {
	items, err := ListSync(ctx, self.api, self.kind)
	if ctx.Err() != nil {
		self.metrics.SnapshotLoad(self.kind.Name, "discarded")
		return nil, fmt.Errorf("%s snapshot: %w", self.kind.Name, ErrUnmounted)
	}
	if err != nil {
		self.metrics.SnapshotLoad(self.kind.Name, "error")
		return nil, err
	}
	self.metrics.SnapshotLoad(self.kind.Name, "ok")
	return items, nil
}

// Loads on a new goroutine. `callback` is not called if `ctx` is canceled first.
func (self *SnapshotLoader[T]) LoadAsync(ctx context.Context, callback func(items []T, err error)) {
	go func() {
		items, err := self.Load(ctx)
		if ctx.Err() != nil {
			return
		}
		callback(items, err)
	}()
}
