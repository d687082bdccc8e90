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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createSocketPair returns a server and client side of a connected TCP
// socket, dialed through a short-lived local listener.
func createSocketPair(t *testing.T) (net.Listener, net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)

	var serverConn net.Conn
	var serverErr error
	done := make(chan struct{})
	go func() {
		serverConn, serverErr = listener.Accept()
		close(done)
	}()

	clientConn, err := net.DialTimeout("tcp", listener.Addr().String(), 10*time.Second)
	require.NoError(t, err)
	<-done
	require.NoError(t, serverErr)

	t.Cleanup(func() {
		listener.Close()
		serverConn.Close()
		clientConn.Close()
	})
	return listener, serverConn, clientConn
}

// newTestConn wraps a transport in a client connection in the given
// state, bypassing the login sequence.
func newTestConn(netConn net.Conn, state State) *Conn {
	c := &Conn{
		conn:       netConn,
		packetSize: DefaultPacketSize,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}
	c.params.CancelAckTimeout = 2 * time.Second
	c.state.Store(int32(state))
	return c
}

// serverReadMessage reassembles one client message on the server side.
func serverReadMessage(t *testing.T, conn net.Conn) (PacketType, []byte) {
	t.Helper()
	var message []byte
	for {
		header := make([]byte, packetHeaderSize)
		_, err := io.ReadFull(conn, header)
		require.NoError(t, err)
		length := int(header[2])<<8 | int(header[3])
		payload := make([]byte, length-packetHeaderSize)
		_, err = io.ReadFull(conn, payload)
		require.NoError(t, err)
		message = append(message, payload...)
		if header[1]&packetStatusEOM != 0 {
			return PacketType(header[0]), message
		}
	}
}

// serverWriteReply sends a server reply message as a single frame.
func serverWriteReply(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	pkt := &Packet{Type: PacketReply, EOM: true, SPID: 56, SeqID: 1, Payload: payload}
	_, err := conn.Write(pkt.Serialize())
	require.NoError(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", StateDisconnected.String())
	assert.Equal(t, "Authenticating", StateAuthenticating.String())
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Executing", StateExecuting.String())
	assert.Equal(t, "Cancelling", StateCancelling.String())
}

func TestWrongStateErrors(t *testing.T) {
	_, _, cConn := createSocketPair(t)

	c := newTestConn(cConn, StateDisconnected)
	err := c.ExecuteBatch("SELECT 1")
	assert.Equal(t, ERWrongState, ErrorNumber(err))

	c.state.Store(int32(StateIdle))
	_, err = c.ReceiveNext(time.Second)
	assert.Equal(t, ERWrongState, ErrorNumber(err))
	err = c.CompleteBatch()
	assert.Equal(t, ERWrongState, ErrorNumber(err))
	err = c.RequestCancel()
	assert.Equal(t, ERWrongState, ErrorNumber(err))

	// Recoverable: the connection stays usable.
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.IsClosed())
}

func TestWriteMessageFragmentation(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)

	c := newTestConn(cConn, StateIdle)
	c.packetSize = 16 // 8 payload bytes per frame

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		c.writeMessage(PacketSQLBatch, payload)
	}()

	var got []byte
	var seqIDs []uint8
	for {
		header := make([]byte, packetHeaderSize)
		_, err := io.ReadFull(sConn, header)
		require.NoError(t, err)
		length := int(header[2])<<8 | int(header[3])
		chunk := make([]byte, length-packetHeaderSize)
		_, err = io.ReadFull(sConn, chunk)
		require.NoError(t, err)
		got = append(got, chunk...)
		seqIDs = append(seqIDs, header[6])
		if header[1]&packetStatusEOM != 0 {
			break
		}
		// Every non-final frame must be full.
		assert.Equal(t, 8, len(chunk))
	}
	assert.Equal(t, payload, got)
	assert.Equal(t, []uint8{1, 2, 3}, seqIDs)
}

func TestExecuteBatchPlain(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	require.NoError(t, c.ExecuteBatch("SELECT 1"))
	assert.Equal(t, StateExecuting, c.State())

	typ, message := serverReadMessage(t, sConn)
	assert.Equal(t, PacketSQLBatch, typ)
	assert.Equal(t, "SELECT 1", ucs2Decode(message))
}

func TestExecuteBatchTransactionHeader(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	token := [8]byte{8, 7, 6, 5, 4, 3, 2, 1}
	c.SetTransactionToken(token)
	require.NoError(t, c.ExecuteBatch("DELETE FROM t"))

	typ, message := serverReadMessage(t, sConn)
	assert.Equal(t, PacketSQLBatch, typ)

	// 22-byte transaction context, then the SQL text.
	require.Greater(t, len(message), txnHeaderTotalLen)
	total, pos, _ := readUint32(message, 0)
	assert.EqualValues(t, txnHeaderTotalLen, total)
	sub, pos, _ := readUint32(message, pos)
	assert.EqualValues(t, txnSubHeaderLen, sub)
	htype, pos, _ := readUint16(message, pos)
	assert.EqualValues(t, txnHeaderType, htype)
	raw, pos, _ := readBytes(message, pos, 8)
	assert.Equal(t, token[:], raw)
	count, pos, _ := readUint32(message, pos)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, "DELETE FROM t", ucs2Decode(message[pos:]))

	// After the token is cleared, batches carry plain SQL again.
	c.state.Store(int32(StateIdle))
	c.ClearTransactionToken()
	require.NoError(t, c.ExecuteBatch("SELECT 2"))
	_, message = serverReadMessage(t, sConn)
	assert.Equal(t, "SELECT 2", ucs2Decode(message))
}

func TestQueryRoundTrip(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	go func() {
		serverReadMessage(t, sConn)
		var stream []byte
		stream = append(stream, buildColMetaDataInt4("id")...)
		stream = append(stream, buildRowInt4(10)...)
		stream = append(stream, buildRowInt4(20)...)
		stream = append(stream, buildDone(tokenDone, doneCount, 2)...)
		serverWriteReply(t, sConn, stream)
	}()

	result, err := c.Query("SELECT id FROM t", 5*time.Second)
	require.NoError(t, err)
	require.Len(t, result.Columns, 1)
	assert.Equal(t, "id", result.Columns[0].Name)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, []byte{10, 0, 0, 0}, result.Rows[0][0])
	assert.Equal(t, []byte{20, 0, 0, 0}, result.Rows[1][0])
	assert.EqualValues(t, 2, result.RowsAffected)

	// The connection is idle again and picked up the session id from
	// the reply header.
	assert.Equal(t, StateIdle, c.State())
	assert.EqualValues(t, 56, c.SessionID())
}

func TestQueryMultiStatement(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	// Two result sets: only the last one is kept.
	go func() {
		serverReadMessage(t, sConn)
		var stream []byte
		stream = append(stream, buildColMetaDataInt4("a")...)
		stream = append(stream, buildRowInt4(1)...)
		stream = append(stream, buildDone(tokenDone, doneMore|doneCount, 1)...)
		stream = append(stream, buildColMetaDataInt4("b")...)
		stream = append(stream, buildRowInt4(2)...)
		stream = append(stream, buildDone(tokenDone, doneCount, 1)...)
		serverWriteReply(t, sConn, stream)
	}()

	result, err := c.Query("SELECT a; SELECT b", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", result.Columns[0].Name)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, []byte{2, 0, 0, 0}, result.Rows[0][0])
	assert.Equal(t, StateIdle, c.State())
}

func TestQueryLeadingRowlessStatement(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	// The first statement produces no columns, only a non-final
	// completion token. It must not end the stream: the second
	// statement's result set is the one returned.
	go func() {
		serverReadMessage(t, sConn)
		var stream []byte
		stream = append(stream, buildDone(tokenDone, doneMore|doneCount, 3)...)
		stream = append(stream, buildColMetaDataInt4("a")...)
		stream = append(stream, buildRowInt4(9)...)
		stream = append(stream, buildRowInt4(10)...)
		stream = append(stream, buildDone(tokenDone, doneCount, 2)...)
		serverWriteReply(t, sConn, stream)
	}()

	result, err := c.Query("UPDATE t SET x = 1; SELECT a", 5*time.Second)
	require.NoError(t, err)
	require.Len(t, result.Columns, 1)
	assert.Equal(t, "a", result.Columns[0].Name)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, []byte{9, 0, 0, 0}, result.Rows[0][0])
	assert.Equal(t, []byte{10, 0, 0, 0}, result.Rows[1][0])
	assert.EqualValues(t, 2, result.RowsAffected)
	assert.Equal(t, StateIdle, c.State())
}

func TestQueryServerError(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	go func() {
		serverReadMessage(t, sConn)
		var stream []byte
		stream = append(stream, buildMessage(tokenError, 208, 16, "invalid object name 't'")...)
		stream = append(stream, buildDone(tokenDone, doneError, 0)...)
		serverWriteReply(t, sConn, stream)
	}()

	_, err := c.Query("SELECT * FROM t", 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, 208, ErrorNumber(err))
	assert.Contains(t, err.Error(), "invalid object name")

	// A final completion token ends the exchange cleanly: the
	// connection survives a statement error.
	assert.Equal(t, StateIdle, c.State())
}

func TestQueryErrorMidStream(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	// The failing statement is not the last of the batch: the error
	// surfaces immediately and the connection is no longer reusable.
	go func() {
		serverReadMessage(t, sConn)
		var stream []byte
		stream = append(stream, buildMessage(tokenError, 547, 16, "constraint violation")...)
		stream = append(stream, buildDone(tokenDone, doneError|doneMore, 0)...)
		serverWriteReply(t, sConn, stream)
	}()

	_, err := c.Query("DELETE a; SELECT b", 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, 547, ErrorNumber(err))
	assert.True(t, c.IsClosed())
}

func TestQueryReceiveTimeout(t *testing.T) {
	_, _, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	// The server never answers.
	_, err := c.Query("SELECT 1", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, c.IsClosed())
}

func TestCancelFlow(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	require.NoError(t, c.ExecuteBatch("WAITFOR DELAY '00:10:00'"))

	go func() {
		serverReadMessage(t, sConn) // the batch
		typ, _ := serverReadMessage(t, sConn)
		assert.Equal(t, PacketAttention, typ)

		// Rows that were already in flight, then the acknowledgement.
		var stream []byte
		stream = append(stream, buildColMetaDataInt4("id")...)
		stream = append(stream, buildRowInt4(1)...)
		stream = append(stream, buildDone(tokenDone, doneAttention, 0)...)
		serverWriteReply(t, sConn, stream)
	}()

	require.NoError(t, c.RequestCancel())
	assert.Equal(t, StateCancelling, c.State())
	require.NoError(t, c.AwaitCancelAck())
	assert.Equal(t, StateIdle, c.State())
}

func TestCancelAckTimeout(t *testing.T) {
	_, sConn, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)
	c.params.CancelAckTimeout = 100 * time.Millisecond

	require.NoError(t, c.ExecuteBatch("SELECT 1"))
	serverReadMessage(t, sConn)
	require.NoError(t, c.RequestCancel())
	serverReadMessage(t, sConn)

	// The server never acknowledges: the connection must be torn down.
	err := c.AwaitCancelAck()
	require.Error(t, err)
	assert.True(t, c.IsClosed())
}

func TestCloseIsIdempotent(t *testing.T) {
	_, _, cConn := createSocketPair(t)
	c := newTestConn(cConn, StateIdle)

	c.Close()
	assert.True(t, c.IsClosed())
	c.Close()
	assert.True(t, c.IsClosed())
}
