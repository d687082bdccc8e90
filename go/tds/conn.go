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

package tds

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tabstream.io/tabstream/go/log"
)

// State is the connection's position in its lifecycle. All transitions
// are compare-and-swap: an operation invoked from the wrong state is
// rejected with a wrong-state error instead of corrupting the
// connection, which is what makes concurrent misuse detectable.
type State int32

const (
	// StateDisconnected means the transport is gone. Reachable from any
	// state via teardown.
	StateDisconnected State = iota

	// StateAuthenticating covers the whole handshake, including
	// encryption negotiation and routing hops.
	StateAuthenticating

	// StateIdle means the connection is ready for a batch.
	StateIdle

	// StateExecuting means a batch is in flight and response bytes may
	// be received.
	StateExecuting

	// StateCancelling means a cancel request was sent and the
	// connection is waiting for its acknowledgement.
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAuthenticating:
		return "Authenticating"
	case StateIdle:
		return "Idle"
	case StateExecuting:
		return "Executing"
	case StateCancelling:
		return "Cancelling"
	}
	return "Unknown"
}

// Conn is one connection to a server. It is not safe for concurrent
// use by two callers; the state machine detects and rejects such
// misuse.
type Conn struct {
	// conn is the transport. It is replaced by the encrypted channel
	// once the encryption handshake completes.
	conn net.Conn

	state atomic.Int32

	params ConnParams
	auth   Authenticator

	// packetSize is the negotiated frame size. Starts at the requested
	// size and may be renegotiated by the server at login.
	packetSize int

	// spid is the session process id the server assigned, echoed into
	// every frame header after login.
	spid uint16

	// seq is the next frame sequence id within the current message.
	seq uint8

	// Server identity from the login acknowledgement.
	serverProgName string
	serverVersion  uint32

	encrypted bool
	lastError string

	createdAt  time.Time
	lastUsedAt time.Time

	// txnMu guards the transaction token, which is set and cleared by
	// the external transaction-management collaborator only.
	txnMu    sync.Mutex
	txnToken [8]byte
	inTxn    bool
}

// Connect creates a connection and completes the handshake, following
// server routing instructions up to the hop limit.
func Connect(params ConnParams, auth Authenticator) (*Conn, error) {
	c := &Conn{
		params:     params,
		auth:       auth,
		packetSize: params.packetSize(),
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect() error {
	c.state.Store(int32(StateAuthenticating))

	target := c.params
	for hop := 0; ; hop++ {
		conn, err := net.DialTimeout("tcp", target.address(), target.ConnectTimeout)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			return err
		}
		c.conn = conn
		c.seq = 0
		c.encrypted = false

		routing, err := c.handshake(&target)
		if err != nil {
			c.teardown(err)
			return err
		}
		if routing == nil {
			c.state.Store(int32(StateIdle))
			return nil
		}

		// The server wants us elsewhere: close this transport and
		// restart the handshake against the new target.
		c.conn.Close()
		if hop >= maxRedirects {
			err := NewProtoError(ERTooManyRedirects, "login exceeded %v routing hops", maxRedirects)
			c.teardown(err)
			return err
		}
		log.InfoS("login redirected", "host", routing.Host, "port", routing.Port, "hop", hop+1)
		target.Host = routing.Host
		target.Port = routing.Port
	}
}

// transition moves the state machine from one state to another. It
// fails with a wrong-state error if the connection is not currently in
// the expected source state.
func (c *Conn) transition(from, to State) error {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return NewProtoError(ERWrongState, "connection is %v, not %v", State(c.state.Load()), from)
	}
	return nil
}

// State returns the connection's current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsClosed reports whether the connection is disconnected.
func (c *Conn) IsClosed() bool {
	return c.State() == StateDisconnected
}

// Close tears the connection down. It is valid from any state.
func (c *Conn) Close() {
	c.teardown(nil)
}

// teardown forces the connection to Disconnected and closes the
// transport. The triggering error, if any, is kept as the last error.
func (c *Conn) teardown(err error) {
	c.state.Store(int32(StateDisconnected))
	if err != nil {
		c.lastError = err.Error()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// LastError returns the text of the error that ended the connection.
func (c *Conn) LastError() string {
	return c.lastError
}

// SessionID returns the server-assigned session process id.
func (c *Conn) SessionID() uint16 {
	return c.spid
}

// ServerInfo returns the server program name and version from the
// login acknowledgement.
func (c *Conn) ServerInfo() (string, uint32) {
	return c.serverProgName, c.serverVersion
}

// CreatedAt returns the connection's creation time.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsedAt returns the time of the last batch or receive.
func (c *Conn) LastUsedAt() time.Time {
	return c.lastUsedAt
}

// PacketSize returns the negotiated frame size.
func (c *Conn) PacketSize() int {
	return c.packetSize
}

// SetTransactionToken installs the active transaction token. Called by
// the transaction-management collaborator after it observes a
// transaction-begin environment change.
func (c *Conn) SetTransactionToken(token [8]byte) {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	c.txnToken = token
	c.inTxn = true
}

// ClearTransactionToken removes the active transaction token.
func (c *Conn) ClearTransactionToken() {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	c.txnToken = [8]byte{}
	c.inTxn = false
}

// transactionToken returns the active token and whether one is set.
func (c *Conn) transactionToken() ([8]byte, bool) {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	return c.txnToken, c.inTxn
}

//
// Frame I/O.
//

// writeMessage sends one logical message, fragmenting it across frames
// of the negotiated size. The sequence id starts at 1 for each message
// and wraps modulo 256; only the final frame carries the end-of-message
// flag.
func (c *Conn) writeMessage(typ PacketType, payload []byte) error {
	maxPayload := c.packetSize - packetHeaderSize
	c.seq = 1
	for {
		chunk := payload
		last := true
		if len(chunk) > maxPayload {
			chunk = payload[:maxPayload]
			last = false
		}
		pkt := &Packet{
			Type:    typ,
			EOM:     last,
			SPID:    c.spid,
			SeqID:   c.seq,
			Payload: chunk,
		}
		if _, err := c.conn.Write(pkt.Serialize()); err != nil {
			c.teardown(err)
			return err
		}
		c.seq++ // wraps modulo 256 by overflow
		if last {
			return nil
		}
		payload = payload[maxPayload:]
	}
}

// readPacket reads one frame from the transport. A zero timeout means
// no deadline. Network errors tear the connection down; retry policy
// belongs to the caller.
func (c *Conn) readPacket(timeout time.Duration) (*Packet, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			c.teardown(err)
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, packetHeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.teardown(err)
		return nil, err
	}
	length := int(header[2])<<8 | int(header[3])
	if length < packetHeaderSize || length > MaxPacketSize {
		err := NewProtoError(ERMalformedFrame, "frame length %v out of range", length)
		c.teardown(err)
		return nil, err
	}
	payload := make([]byte, length-packetHeaderSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		c.teardown(err)
		return nil, err
	}
	// The server tells us our session process id in its reply headers.
	if spid := uint16(header[4])<<8 | uint16(header[5]); spid != 0 && c.spid == 0 {
		c.spid = spid
	}
	return &Packet{
		Type:    PacketType(header[0]),
		EOM:     header[1]&packetStatusEOM != 0,
		SPID:    uint16(header[4])<<8 | uint16(header[5]),
		SeqID:   header[6],
		Payload: payload,
	}, nil
}

// readMessage reads and reassembles one whole message by concatenating
// frame payloads until the end-of-message flag.
func (c *Conn) readMessage(timeout time.Duration) ([]byte, error) {
	var message []byte
	for {
		pkt, err := c.readPacket(timeout)
		if err != nil {
			return nil, err
		}
		message = append(message, pkt.Payload...)
		if pkt.EOM {
			return message, nil
		}
	}
}

// ReceiveNext returns the payload of the next response frame. It is
// only valid while a batch is executing or being cancelled; the caller
// feeds the bytes to its stream parser.
func (c *Conn) ReceiveNext(timeout time.Duration) ([]byte, error) {
	state := c.State()
	if state != StateExecuting && state != StateCancelling {
		return nil, NewProtoError(ERWrongState, "cannot receive in state %v", state)
	}
	pkt, err := c.readPacket(timeout)
	if err != nil {
		return nil, err
	}
	c.lastUsedAt = time.Now()
	return pkt.Payload, nil
}
