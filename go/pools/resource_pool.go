/*
Copyright 2026 The Tabstream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pools provides functionality to manage and reuse resources
// like connections.
package pools

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tabstream.io/tabstream/go/log"
)

var (
	// ErrClosed is returned if ResourcePool is used when it's closed.
	ErrClosed = errors.New("resource pool is closed")

	// ErrTimeout is returned if a resource get times out.
	ErrTimeout = errors.New("resource pool timed out")
)

// Factory is a function that can be used to create a resource.
type Factory func(context.Context) (Resource, error)

// Resource defines the interface that every resource must provide.
// Thread synchronization between Close() and IsClosed()
// is the responsibility of the caller.
type Resource interface {
	Close()
	IsClosed() bool
}

type resourceWrapper struct {
	resource Resource
	timeUsed time.Time
}

// ResourcePool allows you to use a pool of resources.
//
// The pool owns `capacity` slots, each either an open resource or an
// empty placeholder. At all times the number of pooled plus claimed
// resources never exceeds the capacity. Resources are opened lazily by
// the factory, outside any pool-wide lock, so a slow connect never
// blocks other pool operations.
type ResourcePool struct {
	available  atomic.Int64
	active     atomic.Int64
	inUse      atomic.Int64
	waiters    atomic.Int64
	waitCount  atomic.Int64
	waitTime   atomic.Int64
	idleClosed atomic.Int64

	capacity    int
	minActive   int
	idleTimeout atomic.Int64

	resources chan resourceWrapper
	factory   Factory

	closed   atomic.Bool
	stopIdle chan struct{}
}

// NewResourcePool creates a new ResourcePool.
// capacity is the number of possible resources in the pool: there can
// be up to 'capacity' of these at a given time.
// If a resource is unused beyond idleTimeout, it's discarded; an
// idleTimeout of 0 means that there is no timeout. minActive resources
// are preserved during idle reclamation.
func NewResourcePool(factory Factory, capacity int, idleTimeout time.Duration, minActive int) *ResourcePool {
	if capacity <= 0 {
		panic(errors.New("invalid/out of range capacity"))
	}
	if minActive > capacity {
		panic(fmt.Errorf("minActive %v higher than capacity %v", minActive, capacity))
	}

	rp := &ResourcePool{
		capacity:  capacity,
		minActive: minActive,
		resources: make(chan resourceWrapper, capacity),
		factory:   factory,
		stopIdle:  make(chan struct{}),
	}
	rp.available.Store(int64(capacity))
	rp.idleTimeout.Store(int64(idleTimeout))

	for i := 0; i < capacity; i++ {
		rp.resources <- resourceWrapper{}
	}

	if idleTimeout != 0 {
		go rp.idleLoop(idleTimeout / 10)
	}
	return rp
}

// idleLoop periodically reclaims idle resources. Shutdown is observed
// before the next interval elapses.
func (rp *ResourcePool) idleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rp.stopIdle:
			return
		case <-ticker.C:
			rp.closeIdleResources()
		}
	}
}

// closeIdleResources scans the pool for idle resources, discarding
// those unused past the idle timeout while preserving the minimum
// active count.
func (rp *ResourcePool) closeIdleResources() {
	idleTimeout := rp.IdleTimeout()
	if idleTimeout == 0 {
		return
	}

	pooled := int(rp.available.Load()) - int(rp.waiters.Load())
	for i := 0; i < pooled; i++ {
		var wrapper resourceWrapper
		select {
		case wrapper = <-rp.resources:
		default:
			// Stop early if we don't get anything new from the pool.
			return
		}

		if wrapper.resource != nil &&
			time.Until(wrapper.timeUsed.Add(idleTimeout)) < 0 &&
			rp.active.Load() > int64(rp.minActive) {
			wrapper.resource.Close()
			wrapper.resource = nil
			rp.active.Add(-1)
			rp.idleClosed.Add(1)
		}

		rp.resources <- wrapper
	}
}

// Get will return the next available resource. If none is available
// and capacity has not been reached, it will create a new one using
// the factory. Otherwise it waits until a resource is returned or the
// context expires, in which case it returns ErrTimeout.
func (rp *ResourcePool) Get(ctx context.Context) (Resource, error) {
	if rp.closed.Load() {
		return nil, ErrClosed
	}
	if ctx.Err() != nil {
		return nil, ErrTimeout
	}

	var wrapper resourceWrapper
	var ok bool
	select {
	case wrapper, ok = <-rp.resources:
	default:
		startTime := time.Now()
		rp.waiters.Add(1)
		select {
		case wrapper, ok = <-rp.resources:
			rp.waiters.Add(-1)
			rp.recordWait(startTime)
		case <-ctx.Done():
			rp.waiters.Add(-1)
			return nil, ErrTimeout
		}
	}
	if !ok {
		return nil, ErrClosed
	}

	// Slots come out in FIFO order, so an empty slot can sit in front
	// of an idle resource. Prefer the pooled resource: swap the empty
	// slot back and claim the open one.
	if wrapper.resource == nil {
		for i := len(rp.resources); i > 0; i-- {
			var other resourceWrapper
			var drained bool
			select {
			case other, drained = <-rp.resources:
			default:
			}
			if !drained {
				break
			}
			if other.resource != nil {
				rp.resources <- wrapper
				wrapper = other
				break
			}
			rp.resources <- other
		}
	}

	// An empty slot: open a resource for it. No pool state is held
	// locked across the factory call.
	if wrapper.resource == nil {
		var err error
		wrapper.resource, err = rp.factory(ctx)
		if err != nil {
			rp.resources <- resourceWrapper{}
			return nil, err
		}
		rp.active.Add(1)
	}

	rp.available.Add(-1)
	rp.inUse.Add(1)
	return wrapper.resource, nil
}

// Put will return a resource to the pool and notify one waiter. For
// every successful Get, a corresponding Put is required. If you no
// longer need a resource, call Put(nil) instead of returning the
// closed resource; a new one will be created in its place on the next
// Get.
func (rp *ResourcePool) Put(resource Resource) {
	wrapper := resourceWrapper{}
	if resource != nil && !resource.IsClosed() {
		wrapper = resourceWrapper{resource: resource, timeUsed: time.Now()}
	} else {
		rp.active.Add(-1)
	}

	select {
	case rp.resources <- wrapper:
	default:
		panic(errors.New("attempt to Put into a full ResourcePool"))
	}
	rp.inUse.Add(-1)
	rp.available.Add(1)
}

// Close empties the pool, calling Close on all its resources. It
// stops the idle reclamation loop, waits for all resources to be
// returned, and disallows any further Get.
func (rp *ResourcePool) Close() {
	if !rp.closed.CompareAndSwap(false, true) {
		return
	}
	close(rp.stopIdle)

	for i := 0; i < rp.capacity; i++ {
		wrapper := <-rp.resources
		if wrapper.resource != nil {
			wrapper.resource.Close()
			rp.active.Add(-1)
		}
		rp.available.Add(-1)
	}
	close(rp.resources)
	log.InfoS("resource pool closed", "idleClosed", rp.IdleClosed(), "waitCount", rp.WaitCount())
}

// IsClosed returns true if the resource pool is closed.
func (rp *ResourcePool) IsClosed() bool {
	return rp.closed.Load()
}

func (rp *ResourcePool) recordWait(start time.Time) {
	rp.waitCount.Add(1)
	rp.waitTime.Add(int64(time.Since(start)))
}

// SetIdleTimeout sets the idle timeout for pooled resources.
func (rp *ResourcePool) SetIdleTimeout(idleTimeout time.Duration) {
	rp.idleTimeout.Store(int64(idleTimeout))
}

// StatsJSON returns the stats in JSON format.
func (rp *ResourcePool) StatsJSON() string {
	return fmt.Sprintf(`{"Capacity": %v, "Available": %v, "Active": %v, "InUse": %v, "WaitCount": %v, "WaitTime": %v, "IdleTimeout": %v, "IdleClosed": %v}`,
		rp.Capacity(),
		rp.Available(),
		rp.Active(),
		rp.InUse(),
		rp.WaitCount(),
		rp.WaitTime().Nanoseconds(),
		rp.IdleTimeout().Nanoseconds(),
		rp.IdleClosed(),
	)
}

// Capacity returns the capacity.
func (rp *ResourcePool) Capacity() int64 {
	return int64(rp.capacity)
}

// Available returns the number of currently unused and available slots.
func (rp *ResourcePool) Available() int64 {
	return rp.available.Load()
}

// Active returns the number of open resources either in the pool or
// claimed for use.
func (rp *ResourcePool) Active() int64 {
	return rp.active.Load()
}

// InUse returns the number of claimed resources from the pool.
func (rp *ResourcePool) InUse() int64 {
	return rp.inUse.Load()
}

// MinActive returns the minimum number of resources preserved by idle
// reclamation.
func (rp *ResourcePool) MinActive() int64 {
	return int64(rp.minActive)
}

// WaitCount returns the total number of waits.
func (rp *ResourcePool) WaitCount() int64 {
	return rp.waitCount.Load()
}

// WaitTime returns the total wait time.
func (rp *ResourcePool) WaitTime() time.Duration {
	return time.Duration(rp.waitTime.Load())
}

// IdleTimeout returns the idle timeout.
func (rp *ResourcePool) IdleTimeout() time.Duration {
	return time.Duration(rp.idleTimeout.Load())
}

// IdleClosed returns the count of resources closed due to idle timeout.
func (rp *ResourcePool) IdleClosed() int64 {
	return rp.idleClosed.Load()
}
