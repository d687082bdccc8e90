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
	"time"

	"tabstream.io/tabstream/go/log"
)

// Transaction-context block constants. When a transaction token is
// active, every batch carries this 22-byte header ahead of the SQL
// text.
const (
	txnHeaderTotalLen = 22
	txnSubHeaderLen   = 18
	txnHeaderType     = 2
)

// ExecuteBatch serializes the SQL text and sends it. Only valid while
// idle; the connection moves to Executing and the caller then drives
// ReceiveNext until a final completion token.
func (c *Conn) ExecuteBatch(sql string) error {
	if err := c.transition(StateIdle, StateExecuting); err != nil {
		return err
	}

	text := ucs2Encode(sql)
	var payload []byte
	if token, ok := c.transactionToken(); ok {
		payload = make([]byte, txnHeaderTotalLen+len(text))
		pos := writeUint32(payload, 0, txnHeaderTotalLen)
		pos = writeUint32(payload, pos, txnSubHeaderLen)
		pos = writeUint16(payload, pos, txnHeaderType)
		pos = writeBytes(payload, pos, token[:])
		pos = writeUint32(payload, pos, 1) // outstanding request count
		writeBytes(payload, pos, text)
	} else {
		payload = text
	}

	c.lastUsedAt = time.Now()
	if err := c.writeMessage(PacketSQLBatch, payload); err != nil {
		// writeMessage already tore the connection down.
		return err
	}
	return nil
}

// CompleteBatch returns the connection to Idle after the caller has
// consumed a final completion token.
func (c *Conn) CompleteBatch() error {
	return c.transition(StateExecuting, StateIdle)
}

// RequestCancel asks the server to abandon the executing batch. The
// connection moves to Cancelling; the caller must then wait for the
// acknowledgement with AwaitCancelAck.
func (c *Conn) RequestCancel() error {
	if err := c.transition(StateExecuting, StateCancelling); err != nil {
		return err
	}
	if err := c.writeMessage(PacketAttention, nil); err != nil {
		return err
	}
	log.InfoS("cancel requested", "session", c.spid)
	return nil
}

// AwaitCancelAck drains the response stream until the server
// acknowledges the cancel, bounded by the cancellation timeout. On
// acknowledgement the connection returns to Idle; on timeout it is
// torn down and not reusable.
func (c *Conn) AwaitCancelAck() error {
	timeout := c.params.cancelAckTimeout()
	deadline := time.Now().Add(timeout)

	parser := &StreamParser{}
	parser.DrainRows(true)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			err := NewProtoError(ERCancelAckTimeout, "no cancel acknowledgement within %v", timeout)
			c.teardown(err)
			return err
		}
		data, err := c.ReceiveNext(remaining)
		if err != nil {
			return err
		}
		parser.Feed(data)
		for {
			tok, err := parser.TryParseNext()
			if err != nil {
				c.teardown(err)
				return err
			}
			if tok == nil {
				break
			}
			if done, ok := tok.(*Done); ok && done.Attention() {
				return c.transition(StateCancelling, StateIdle)
			}
		}
	}
}

// Result is a fully materialized result set.
type Result struct {
	Columns []ColumnDescriptor
	Rows    [][][]byte
	Nulls   [][]bool

	// RowsAffected is the row count of the final completion token.
	RowsAffected uint64
}

// Query executes a batch and drives the receive/parse loop to
// completion, materializing the last result set of the batch. It is a
// convenience for callers that do not stream; hosts with their own
// loop use ExecuteBatch and ReceiveNext directly.
//
// A completion token that is not final never ends the loop, even when
// no columns were seen yet: only a final completion token (or an
// error) does. An error bit on any completion token surfaces
// immediately.
func (c *Conn) Query(sql string, timeout time.Duration) (*Result, error) {
	if err := c.ExecuteBatch(sql); err != nil {
		return nil, err
	}

	parser := &StreamParser{}
	result := &Result{}
	var srvErr *ProtoError

	for {
		data, err := c.ReceiveNext(timeout)
		if err != nil {
			return nil, err
		}
		parser.Feed(data)

		for {
			tok, err := parser.TryParseNext()
			if err != nil {
				c.teardown(err)
				return nil, err
			}
			if tok == nil {
				break
			}
			switch tok := tok.(type) {
			case *ColMetaData:
				// A new metadata token starts the next result set and
				// fully replaces the previous one.
				result.Columns = tok.Columns
				result.Rows = result.Rows[:0]
				result.Nulls = result.Nulls[:0]
			case *Row:
				if tok.Skipped {
					continue
				}
				row := make([][]byte, len(tok.Data.Values))
				nulls := make([]bool, len(tok.Data.Null))
				for i, v := range tok.Data.Values {
					row[i] = append([]byte(nil), v...)
				}
				copy(nulls, tok.Data.Null)
				result.Rows = append(result.Rows, row)
				result.Nulls = append(result.Nulls, nulls)
			case *ServerError:
				if srvErr == nil {
					srvErr = tok.asProtoError()
				}
			case *ServerInfo:
				log.InfoS("server message", "number", tok.Number, "text", tok.Text)
			case *EnvChange:
				c.applyEnvChange(tok)
			case *Done:
				if tok.Err() && srvErr == nil {
					srvErr = &ProtoError{Message: "statement failed with no error detail"}
				}
				if srvErr != nil {
					// An error ends the stream immediately, even on a
					// completion token that is not final. A non-final
					// one leaves undrained results behind, so the
					// connection cannot be reused.
					if tok.More() {
						c.teardown(srvErr)
					} else if err := c.CompleteBatch(); err != nil {
						return nil, err
					}
					return nil, srvErr
				}
				if tok.More() {
					// More result sets follow in the same response.
					continue
				}
				result.RowsAffected = tok.RowCount
				if err := c.CompleteBatch(); err != nil {
					return nil, err
				}
				return result, nil
			}
		}
	}
}

// Ping runs a minimal round trip to validate the connection.
func (c *Conn) Ping(timeout time.Duration) error {
	_, err := c.Query("SELECT 1", timeout)
	return err
}
