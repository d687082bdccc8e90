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

// This file contains the incremental parser for the server's response
// token stream. The parser is single-threaded and cooperative: Feed
// appends received bytes, TryParseNext consumes at most one complete
// token and never blocks. The caller decides when to feed more bytes.

// Token is one self-describing unit of a server response stream.
type Token interface {
	isToken()
}

// ColMetaData announces the columns of the result set that follows. It
// fully replaces any previously announced column set.
type ColMetaData struct {
	Columns []ColumnDescriptor
}

// Row is one decoded data row. Data points at the parser's reusable
// row storage and is only valid until the next TryParseNext call.
// Skipped is set in drain mode, where values are not materialized.
type Row struct {
	Data    *RowData
	Skipped bool
}

// Done marks the completion of one statement in the batch.
type Done struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

// More reports whether more result sets follow in the same response.
// A Done with More set must not be treated as end-of-stream.
func (d *Done) More() bool { return d.Status&doneMore != 0 }

// Err reports whether the statement completed with an error.
func (d *Done) Err() bool { return d.Status&doneError != 0 }

// Attention reports whether this completion acknowledges a cancel
// request.
func (d *Done) Attention() bool { return d.Status&doneAttention != 0 }

// ServerError is an error reported by the server, kept verbatim.
type ServerError struct {
	Number     int32
	State      uint8
	Severity   uint8
	Text       string
	ServerName string
	ProcName   string
	Line       int32
}

func (e *ServerError) asProtoError() *ProtoError {
	return &ProtoError{
		Num:      int(e.Number),
		State:    e.State,
		Severity: e.Severity,
		Message:  e.Text,
	}
}

// ServerInfo is an informational message from the server.
type ServerInfo struct {
	Number     int32
	State      uint8
	Severity   uint8
	Text       string
	ServerName string
	ProcName   string
	Line       int32
}

// RoutingInfo is a server instruction to reconnect elsewhere. Host may
// carry an instance-name suffix which must be stripped before DNS
// resolution but preserved for the server-name login field.
type RoutingInfo struct {
	Host string
	Port int
}

// EnvChange reports a session environment change. The core forwards it
// without interpreting it, except for frame-size renegotiation and
// routing which the connection applies itself.
type EnvChange struct {
	Type     uint8
	NewValue string
	OldValue string

	// TxnToken is set for the transaction subtypes.
	TxnToken [8]byte

	// Routing is set for the routing subtype.
	Routing *RoutingInfo
}

// LoginAck is the server's successful login acknowledgement.
type LoginAck struct {
	Interface    uint8
	ProtoVersion uint32
	ProgName     string
	ProgVersion  [4]byte
}

// FedAuthInfo names the token endpoint and audience for federated
// authentication.
type FedAuthInfo struct {
	STSURL string
	SPN    string
}

// ReturnStatus is a stored procedure's return value.
type ReturnStatus struct {
	Value int32
}

func (*ColMetaData) isToken()  {}
func (*Row) isToken()          {}
func (*Done) isToken()         {}
func (*ServerError) isToken()  {}
func (*ServerInfo) isToken()   {}
func (*EnvChange) isToken()    {}
func (*LoginAck) isToken()     {}
func (*FedAuthInfo) isToken()  {}
func (*ReturnStatus) isToken() {}

const (
	// compactMinPos is the minimum consumed prefix before the parser
	// considers compacting its buffer.
	compactMinPos = 4096
)

// StreamParser incrementally parses a response token stream from
// arbitrary-sized chunks of bytes. It is not safe for concurrent use.
type StreamParser struct {
	buf []byte
	pos int

	columns []ColumnDescriptor
	row     RowData

	// drainRows skips row materialization: row lengths are computed
	// without copying values, which is substantially cheaper when the
	// caller discards the result set.
	drainRows bool
}

// Feed appends received bytes to the parse buffer.
func (p *StreamParser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Columns returns the active column descriptors.
func (p *StreamParser) Columns() []ColumnDescriptor {
	return p.columns
}

// DrainRows toggles drain mode for subsequent row tokens.
func (p *StreamParser) DrainRows(drain bool) {
	p.drainRows = drain
}

// Reset discards buffered bytes and column state, preparing the parser
// for a new response stream.
func (p *StreamParser) Reset() {
	p.buf = p.buf[:0]
	p.pos = 0
	p.columns = nil
}

// TryParseNext attempts to consume one complete token. It returns
// (nil, nil) when the buffer does not hold a complete token yet; the
// caller feeds more bytes and tries again. It never blocks and never
// retries internally.
//
// An unrecognized token id is fatal: without a known length the stream
// cannot be resynchronized. A small whitelist of known tokens with a
// 2-byte length prefix is skipped without interpretation.
func (p *StreamParser) TryParseNext() (Token, error) {
	id, pos, ok := readByte(p.buf, p.pos)
	if !ok {
		return nil, nil
	}

	var tok Token
	var err error
	switch id {
	case tokenColMetaData:
		tok, pos, ok, err = p.parseColMetaData(pos)
	case tokenRow:
		tok, pos, ok, err = p.parseRow(pos, false)
	case tokenNBCRow:
		tok, pos, ok, err = p.parseRow(pos, true)
	case tokenDone, tokenDoneProc, tokenDoneInProc:
		tok, pos, ok = p.parseDone(pos)
	case tokenError:
		tok, pos, ok = p.parseMessage(pos, true)
	case tokenInfo:
		tok, pos, ok = p.parseMessage(pos, false)
	case tokenEnvChange:
		tok, pos, ok, err = p.parseEnvChange(pos)
	case tokenLoginAck:
		tok, pos, ok = p.parseLoginAck(pos)
	case tokenFedAuthInfo:
		tok, pos, ok = p.parseFedAuthInfo(pos)
	case tokenReturnStatus:
		var value uint32
		value, pos, ok = readUint32(p.buf, pos)
		tok = &ReturnStatus{Value: int32(value)}
	case tokenOrder, tokenTabName, tokenColInfo, tokenReturnValue, tokenFeatureAck, tokenSessionState:
		// Known but uninteresting: skipped via their length prefix.
		tok, pos, ok, err = p.skipToken(id, pos)
	default:
		return nil, NewProtoError(ERUnknownToken, "unknown response token 0x%02X", id)
	}

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	p.pos = pos
	p.compact()
	return tok, nil
}

// compact discards the consumed prefix once it exceeds half the buffer
// and a minimum size, bounding memory growth on long streams.
func (p *StreamParser) compact() {
	if p.pos < compactMinPos || p.pos*2 < len(p.buf) {
		return
	}
	n := copy(p.buf, p.buf[p.pos:])
	p.buf = p.buf[:n]
	p.pos = 0
}

func (p *StreamParser) parseColMetaData(pos int) (Token, int, bool, error) {
	count, pos, ok := readUint16(p.buf, pos)
	if !ok {
		return nil, 0, false, nil
	}
	// 0xFFFF announces a statement with no result columns.
	if count == 0xFFFF {
		count = 0
	}
	columns := make([]ColumnDescriptor, 0, count)
	for i := 0; i < int(count); i++ {
		// UserType and flags precede the type info; not interpreted.
		if _, pos, ok = readBytes(p.buf, pos, 6); !ok {
			return nil, 0, false, nil
		}
		var col ColumnDescriptor
		var err error
		col, pos, ok, err = readTypeInfo(p.buf, pos)
		if err != nil {
			return nil, 0, false, err
		}
		if !ok {
			return nil, 0, false, nil
		}
		if col.Name, pos, ok = readBVarChar(p.buf, pos); !ok {
			return nil, 0, false, nil
		}
		columns = append(columns, col)
	}
	p.columns = columns
	return &ColMetaData{Columns: columns}, pos, true, nil
}

func (p *StreamParser) parseRow(pos int, nbc bool) (Token, int, bool, error) {
	dst := &p.row
	if p.drainRows {
		dst = nil
	}
	var newPos int
	var ok bool
	var err error
	if nbc {
		newPos, ok, err = decodeNBCRow(p.columns, p.buf, pos, dst)
	} else {
		newPos, ok, err = decodeRow(p.columns, p.buf, pos, dst)
	}
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	return &Row{Data: dst, Skipped: p.drainRows}, newPos, true, nil
}

func (p *StreamParser) parseDone(pos int) (Token, int, bool) {
	raw, pos, ok := readBytes(p.buf, pos, 12)
	if !ok {
		return nil, 0, false
	}
	done := &Done{}
	done.Status, _, _ = readUint16(raw, 0)
	done.CurCmd, _, _ = readUint16(raw, 2)
	done.RowCount, _, _ = readUint64(raw, 4)
	return done, pos, true
}

func (p *StreamParser) parseMessage(pos int, isError bool) (Token, int, bool) {
	length, pos, ok := readUint16(p.buf, pos)
	if !ok {
		return nil, 0, false
	}
	body, pos, ok := readBytes(p.buf, pos, int(length))
	if !ok {
		return nil, 0, false
	}

	number, cur, ok := readUint32(body, 0)
	if !ok {
		return nil, 0, false
	}
	state, cur, ok := readByte(body, cur)
	if !ok {
		return nil, 0, false
	}
	severity, cur, ok := readByte(body, cur)
	if !ok {
		return nil, 0, false
	}
	text, cur, ok := readUSVarChar(body, cur)
	if !ok {
		return nil, 0, false
	}
	serverName, cur, ok := readBVarChar(body, cur)
	if !ok {
		return nil, 0, false
	}
	procName, cur, ok := readBVarChar(body, cur)
	if !ok {
		return nil, 0, false
	}
	line, _, ok := readUint32(body, cur)
	if !ok {
		return nil, 0, false
	}

	if isError {
		return &ServerError{
			Number:     int32(number),
			State:      state,
			Severity:   severity,
			Text:       text,
			ServerName: serverName,
			ProcName:   procName,
			Line:       int32(line),
		}, pos, true
	}
	return &ServerInfo{
		Number:     int32(number),
		State:      state,
		Severity:   severity,
		Text:       text,
		ServerName: serverName,
		ProcName:   procName,
		Line:       int32(line),
	}, pos, true
}

func (p *StreamParser) parseEnvChange(pos int) (Token, int, bool, error) {
	length, pos, ok := readUint16(p.buf, pos)
	if !ok {
		return nil, 0, false, nil
	}
	body, pos, ok := readBytes(p.buf, pos, int(length))
	if !ok {
		return nil, 0, false, nil
	}

	subtype, cur, ok := readByte(body, 0)
	if !ok {
		return nil, 0, false, nil
	}
	env := &EnvChange{Type: subtype}

	switch subtype {
	case envTypBeginTxn, envTypCommitTxn, envTypRollbackTxn:
		// New value: 1-byte length (8 or 0) followed by the token.
		size, cur, ok := readByte(body, cur)
		if !ok {
			return nil, 0, false, nil
		}
		if size > 0 {
			raw, _, ok := readBytes(body, cur, int(size))
			if !ok {
				return nil, 0, false, nil
			}
			copy(env.TxnToken[:], raw)
		}

	case envTypRouting:
		routing, err := parseRoutingValue(body, cur)
		if err != nil {
			return nil, 0, false, err
		}
		if routing == nil {
			return nil, 0, false, nil
		}
		env.Routing = routing

	default:
		// Old and new values as length-prefixed strings.
		if env.NewValue, cur, ok = readBVarChar(body, cur); !ok {
			return nil, 0, false, nil
		}
		if env.OldValue, _, ok = readBVarChar(body, cur); !ok {
			return nil, 0, false, nil
		}
	}

	return env, pos, true, nil
}

// parseRoutingValue parses the routing instruction: a 2-byte value
// length, a protocol byte, a little-endian port, and the alternate
// server name.
func parseRoutingValue(body []byte, pos int) (*RoutingInfo, error) {
	valueLen, pos, ok := readUint16(body, pos)
	if !ok {
		return nil, nil
	}
	value, _, ok := readBytes(body, pos, int(valueLen))
	if !ok {
		return nil, nil
	}
	protocol, cur, ok := readByte(value, 0)
	if !ok {
		return nil, nil
	}
	if protocol != 0 {
		return nil, NewProtoError(ERUnknownToken, "unsupported routing protocol %v", protocol)
	}
	port, cur, ok := readUint16(value, cur)
	if !ok {
		return nil, nil
	}
	host, _, ok := readUSVarChar(value, cur)
	if !ok {
		return nil, nil
	}
	return &RoutingInfo{Host: host, Port: int(port)}, nil
}

func (p *StreamParser) parseLoginAck(pos int) (Token, int, bool) {
	length, pos, ok := readUint16(p.buf, pos)
	if !ok {
		return nil, 0, false
	}
	body, pos, ok := readBytes(p.buf, pos, int(length))
	if !ok {
		return nil, 0, false
	}

	ack := &LoginAck{}
	var cur int
	if ack.Interface, cur, ok = readByte(body, 0); !ok {
		return nil, 0, false
	}
	var version uint32
	if version, cur, ok = readUint32(body, cur); !ok {
		return nil, 0, false
	}
	ack.ProtoVersion = version
	if ack.ProgName, cur, ok = readBVarChar(body, cur); !ok {
		return nil, 0, false
	}
	raw, _, ok := readBytes(body, cur, 4)
	if !ok {
		return nil, 0, false
	}
	copy(ack.ProgVersion[:], raw)
	return ack, pos, true
}

func (p *StreamParser) parseFedAuthInfo(pos int) (Token, int, bool) {
	// This token carries a 4-byte length, unlike most.
	length, pos, ok := readUint32(p.buf, pos)
	if !ok {
		return nil, 0, false
	}
	body, pos, ok := readBytes(p.buf, pos, int(length))
	if !ok {
		return nil, 0, false
	}

	count, cur, ok := readUint32(body, 0)
	if !ok {
		return nil, 0, false
	}
	info := &FedAuthInfo{}
	for i := 0; i < int(count); i++ {
		id, next, ok := readByte(body, cur)
		if !ok {
			return nil, 0, false
		}
		dataLen, next, ok := readUint32(body, next)
		if !ok {
			return nil, 0, false
		}
		offset, next, ok := readUint32(body, next)
		if !ok {
			return nil, 0, false
		}
		cur = next
		if int(offset)+int(dataLen) > len(body) {
			return nil, 0, false
		}
		value := ucs2Decode(body[offset : offset+dataLen])
		switch id {
		case fedAuthInfoSTSURL:
			info.STSURL = value
		case fedAuthInfoSPN:
			info.SPN = value
		}
	}
	return info, pos, true
}

// skipToken consumes a whitelisted token via its 2-byte length prefix
// without interpreting it.
func (p *StreamParser) skipToken(id uint8, pos int) (Token, int, bool, error) {
	length, pos, ok := readUint16(p.buf, pos)
	if !ok {
		return nil, 0, false, nil
	}
	if _, pos, ok = readBytes(p.buf, pos, int(length)); !ok {
		return nil, 0, false, nil
	}
	// Skipped tokens are consumed silently, so recurse for the next
	// token instead of reporting a placeholder.
	return p.nextAfterSkip(pos)
}

func (p *StreamParser) nextAfterSkip(pos int) (Token, int, bool, error) {
	p.pos = pos
	tok, err := p.TryParseNext()
	if err != nil {
		return nil, 0, false, err
	}
	if tok == nil {
		return nil, 0, false, nil
	}
	return tok, p.pos, true, nil
}
