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

package tdsconnpool

import (
	"tabstream.io/tabstream/go/tds"
)

// PooledConn re-exposes a server connection as a pooled resource.
// It implements the pools.Resource interface through the embedded
// *tds.Conn.
type PooledConn struct {
	*tds.Conn
	pool *ConnectionPool
}

// Recycle returns the connection to the pool. A connection that is no
// longer usable frees its slot instead, so a fresh one can be dialed
// in its place.
func (pc *PooledConn) Recycle() {
	if pc.IsClosed() || pc.State() != tds.StateIdle {
		pc.Close()
		pc.pool.Put(nil)
		return
	}
	pc.pool.Put(pc)
}
