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

/*
Package tdsconnpool exposes a PooledConn object with wrapped access to
a single server connection, and a ConnectionPool object to pool these
connections.
*/
package tdsconnpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"tabstream.io/tabstream/go/log"
	"tabstream.io/tabstream/go/pools"
	"tabstream.io/tabstream/go/tds"
)

// ErrConnPoolClosed is returned if the connection pool is closed.
var ErrConnPoolClosed = errors.New("connection pool is closed")

// defaultStaleAfter is how long a connection may sit idle before a Get
// revalidates it with a server round trip.
const defaultStaleAfter = 30 * time.Second

// ConnectionPool re-exposes ResourcePool as a pool of PooledConn
// objects.
type ConnectionPool struct {
	mu          sync.Mutex
	connections *pools.ResourcePool
	capacity    int
	idleTimeout time.Duration
	minActive   int
	staleAfter  time.Duration
	pingTimeout time.Duration

	// params and auth are set at Open() time.
	params tds.ConnParams
	auth   tds.Authenticator
}

// NewConnectionPool creates a new ConnectionPool. The pool holds no
// connections until Open is called.
func NewConnectionPool(capacity int, idleTimeout time.Duration, minActive int) *ConnectionPool {
	return &ConnectionPool{
		capacity:    capacity,
		idleTimeout: idleTimeout,
		minActive:   minActive,
		staleAfter:  defaultStaleAfter,
		pingTimeout: 5 * time.Second,
	}
}

func (cp *ConnectionPool) pool() (p *pools.ResourcePool) {
	cp.mu.Lock()
	p = cp.connections
	cp.mu.Unlock()
	return p
}

// Open must be called before starting to use the pool.
//
// For instance:
// pool := tdsconnpool.NewConnectionPool(10, 30*time.Second, 0)
// pool.Open(params, auth)
// ...
// conn, err := pool.Get(ctx)
// ...
// conn.Recycle()
func (cp *ConnectionPool) Open(params tds.ConnParams, auth tds.Authenticator) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.params = params
	cp.auth = auth
	cp.connections = pools.NewResourcePool(cp.connect, cp.capacity, cp.idleTimeout, cp.minActive)
}

// connect is used by the resource pool to create a new Resource.
func (cp *ConnectionPool) connect(context.Context) (pools.Resource, error) {
	c, err := tds.Connect(cp.params, cp.auth)
	if err != nil {
		return nil, err
	}
	return &PooledConn{
		Conn: c,
		pool: cp,
	}, nil
}

// Close will close the pool and wait for connections to be returned
// before exiting.
func (cp *ConnectionPool) Close() {
	p := cp.pool()
	if p == nil {
		return
	}
	// We should not hold the lock while calling Close
	// because it waits for connections to be returned.
	p.Close()
	cp.mu.Lock()
	cp.connections = nil
	cp.mu.Unlock()
}

// Get returns a validated connection. You must call Recycle on the
// PooledConn once done.
//
// Validation is tiered: a connection that failed or is mid-statement
// is discarded outright, and one that sat idle past the staleness
// window gets a server round trip before being handed out. A discarded
// connection frees its slot, so Get retries until it finds a healthy
// connection or dials a fresh one.
func (cp *ConnectionPool) Get(ctx context.Context) (*PooledConn, error) {
	for {
		p := cp.pool()
		if p == nil {
			return nil, ErrConnPoolClosed
		}
		r, err := p.Get(ctx)
		if err != nil {
			return nil, err
		}
		conn := r.(*PooledConn)
		if err := cp.validate(conn); err != nil {
			log.WarnS("discarding pooled connection", "session", conn.SessionID(), "error", err)
			conn.Close()
			p.Put(nil)
			continue
		}
		return conn, nil
	}
}

func (cp *ConnectionPool) validate(conn *PooledConn) error {
	if conn.IsClosed() {
		return errors.New("connection is closed")
	}
	if s := conn.State(); s != tds.StateIdle {
		return errors.New("connection is " + s.String())
	}
	if time.Since(conn.LastUsedAt()) > cp.staleAfter {
		if err := conn.Ping(cp.pingTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Put puts a connection into the pool.
func (cp *ConnectionPool) Put(conn *PooledConn) {
	p := cp.pool()
	if p == nil {
		panic(ErrConnPoolClosed)
	}
	if conn == nil {
		// conn has a type, if we just Put(conn), we end up
		// putting an interface with a nil value, that is not
		// equal to a nil value. So just put a plain nil.
		p.Put(nil)
		return
	}
	p.Put(conn)
}

// SetStaleAfter sets the idle window beyond which a Get revalidates
// the connection with a server round trip.
func (cp *ConnectionPool) SetStaleAfter(staleAfter time.Duration) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.staleAfter = staleAfter
}

// SetIdleTimeout sets the idleTimeout on the pool.
func (cp *ConnectionPool) SetIdleTimeout(idleTimeout time.Duration) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.connections != nil {
		cp.connections.SetIdleTimeout(idleTimeout)
	}
	cp.idleTimeout = idleTimeout
}

// StatsJSON returns the pool stats as a JSON object.
func (cp *ConnectionPool) StatsJSON() string {
	p := cp.pool()
	if p == nil {
		return "{}"
	}
	return p.StatsJSON()
}

// Capacity returns the pool capacity.
func (cp *ConnectionPool) Capacity() int64 {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.Capacity()
}

// Available returns the number of available connections in the pool.
func (cp *ConnectionPool) Available() int64 {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.Available()
}

// Active returns the number of open connections in the pool.
func (cp *ConnectionPool) Active() int64 {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.Active()
}

// InUse returns the number of in-use connections in the pool.
func (cp *ConnectionPool) InUse() int64 {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.InUse()
}

// WaitCount returns how many times a Get had to wait for a connection.
func (cp *ConnectionPool) WaitCount() int64 {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.WaitCount()
}

// WaitTime returns the pool WaitTime.
func (cp *ConnectionPool) WaitTime() time.Duration {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.WaitTime()
}

// IdleTimeout returns the idle timeout for the pool.
func (cp *ConnectionPool) IdleTimeout() time.Duration {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.IdleTimeout()
}

// IdleClosed returns the number of connections closed due to idle
// timeout.
func (cp *ConnectionPool) IdleClosed() int64 {
	p := cp.pool()
	if p == nil {
		return 0
	}
	return p.IdleClosed()
}
