// File: core/pipeline/flow.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FlowController bounds the number of in-flight transfer slots and
// hands out specific idle slot indices. A weighted semaphore limits
// how many slots are busy; a mutex-guarded FIFO of idle indices
// decides which slot a successful acquisition gets, giving FIFO-ish
// slot reuse without scanning the whole pool.

package pipeline

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sync/semaphore"

	"github.com/momentics/hioload-gds/api"
)

// FlowController enforces the pool invariant: at any instant the
// number of claimed slots plus available permits equals the capacity.
type FlowController struct {
	capacity int64
	sem      *semaphore.Weighted

	mu   sync.Mutex
	idle *queue.Queue // of int slot indices
}

// NewFlowController creates a controller for n slots, all idle.
func NewFlowController(n int) *FlowController {
	fc := &FlowController{
		capacity: int64(n),
		sem:      semaphore.NewWeighted(int64(n)),
		idle:     queue.New(),
	}
	for i := 0; i < n; i++ {
		fc.idle.Add(i)
	}
	return fc
}

// Acquire blocks until a slot is available and returns its index.
// A permit with no matching idle index means the controller's
// accounting is broken, which is fatal for the run.
func (fc *FlowController) Acquire(ctx context.Context) (int, error) {
	if err := fc.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.idle.Length() == 0 {
		fc.sem.Release(1)
		return 0, api.ErrFlowAccounting
	}
	return fc.idle.Remove().(int), nil
}

// Release returns a slot index to the idle set and frees its permit.
// Must be called exactly once per successful Acquire.
func (fc *FlowController) Release(index int) {
	fc.mu.Lock()
	fc.idle.Add(index)
	fc.mu.Unlock()
	fc.sem.Release(1)
}

// Drain blocks until every slot is idle again. Taking the whole
// capacity at once is only possible when no acquisition is
// outstanding, so a successful Drain implies true quiescence.
func (fc *FlowController) Drain(ctx context.Context) error {
	if err := fc.sem.Acquire(ctx, fc.capacity); err != nil {
		return err
	}
	fc.sem.Release(fc.capacity)
	return nil
}

// Idle reports how many slots are currently available.
func (fc *FlowController) Idle() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.idle.Length()
}

// Capacity reports the fixed pool size.
func (fc *FlowController) Capacity() int {
	return int(fc.capacity)
}
