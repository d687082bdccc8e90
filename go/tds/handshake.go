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
	"fmt"
	"os"

	"tabstream.io/tabstream/go/log"
)

// clientVersion is advertised in the pre-login version option:
// major, minor, build (2 bytes), sub-build (2 bytes).
var clientVersion = [6]byte{1, 0, 0, 1, 0, 0}

// handshake drives the login sequence on a freshly dialed transport:
// pre-login negotiation, the optional encryption handshake, the login
// record, the optional federated token exchange, and the server's
// final response. A non-nil RoutingInfo result means the server wants
// the whole sequence restarted against another target.
func (c *Conn) handshake(target *ConnParams) (*RoutingInfo, error) {
	serverEncryption, err := c.prelogin(target)
	if err != nil {
		return nil, err
	}

	encrypt, err := negotiateEncryption(target.Encryption, serverEncryption)
	if err != nil {
		return nil, err
	}
	if encrypt {
		if err := c.startTLS(target); err != nil {
			return nil, err
		}
	}

	login, err := c.buildLoginRecord(target)
	if err != nil {
		return nil, err
	}
	if err := c.writeMessage(PacketLogin, login); err != nil {
		return nil, err
	}

	return c.readLoginResponse(target)
}

// negotiateEncryption applies the encryption policy to the server's
// pre-login answer. Requesting encryption from a server that does not
// support or declines it fails, as does declining encryption a server
// requires.
func negotiateEncryption(client, server EncryptionLevel) (bool, error) {
	clientWants := client == EncryptOn || client == EncryptRequired
	switch server {
	case EncryptOn, EncryptRequired:
		if !clientWants {
			return false, NewProtoError(EREncryptionNegotiationFailed,
				"server requires encryption but client declined it")
		}
		return true, nil
	case EncryptOff, EncryptNotSupported:
		if clientWants {
			return false, NewProtoError(EREncryptionNegotiationFailed,
				"client requested encryption but server reported %v", server)
		}
		return false, nil
	}
	return false, NewProtoError(EREncryptionNegotiationFailed,
		"server reported unknown encryption level %v", uint8(server))
}

// prelogin sends the negotiate frame and parses the server's answer,
// returning the server's encryption level.
func (c *Conn) prelogin(target *ConnParams) (EncryptionLevel, error) {
	options := []struct {
		token uint8
		data  []byte
	}{
		{preloginVersion, clientVersion[:]},
		{preloginEncryption, []byte{byte(target.Encryption)}},
		{preloginThreadID, []byte{0, 0, 0, 0}},
		{preloginMARS, []byte{0}},
	}
	if c.auth.FedAuth() {
		options = append(options, struct {
			token uint8
			data  []byte
		}{preloginFedAuthRequired, []byte{1}})
	}

	// Option table: (token, offset, length) entries plus terminator,
	// followed by the option data.
	tableSize := len(options)*5 + 1
	total := tableSize
	for _, opt := range options {
		total += len(opt.data)
	}
	payload := make([]byte, total)
	pos := 0
	dataPos := tableSize
	for _, opt := range options {
		pos = writeByte(payload, pos, opt.token)
		pos = writeUint16BE(payload, pos, uint16(dataPos))
		pos = writeUint16BE(payload, pos, uint16(len(opt.data)))
		dataPos = writeBytes(payload, dataPos, opt.data)
	}
	writeByte(payload, pos, preloginTerminator)

	if err := c.writeMessage(PacketPrelogin, payload); err != nil {
		return 0, err
	}

	response, err := c.readMessage(target.ConnectTimeout)
	if err != nil {
		return 0, err
	}
	fields, err := parsePreloginOptions(response)
	if err != nil {
		return 0, err
	}
	enc, ok := fields[preloginEncryption]
	if !ok || len(enc) != 1 {
		return 0, NewProtoError(EREncryptionNegotiationFailed,
			"server pre-login reply carries no encryption option")
	}
	return EncryptionLevel(enc[0]), nil
}

// parsePreloginOptions parses the type-offset-length option table of a
// negotiate frame.
func parsePreloginOptions(data []byte) (map[uint8][]byte, error) {
	fields := make(map[uint8][]byte)
	pos := 0
	for {
		token, next, ok := readByte(data, pos)
		if !ok {
			return nil, NewProtoError(ERMalformedFrame, "truncated pre-login option table")
		}
		if token == preloginTerminator {
			return fields, nil
		}
		offset, next, ok := readUint16BE(data, next)
		if !ok {
			return nil, NewProtoError(ERMalformedFrame, "truncated pre-login option table")
		}
		length, next, ok := readUint16BE(data, next)
		if !ok {
			return nil, NewProtoError(ERMalformedFrame, "truncated pre-login option table")
		}
		if int(offset)+int(length) > len(data) {
			return nil, NewProtoError(ERMalformedFrame, "pre-login option %v points outside the frame", token)
		}
		fields[token] = data[offset : int(offset)+int(length)]
		pos = next
	}
}

// buildLoginRecord serializes the login record: a 94-byte fixed prefix
// of numeric fields and offset/length pairs, followed by the UTF-16
// string data. Password credentials are embedded obfuscated; federated
// logins advertise intent only and carry no password.
func (c *Conn) buildLoginRecord(target *ConnParams) ([]byte, error) {
	hostname, _ := os.Hostname()

	type field struct {
		data []byte
	}
	// Pair order is fixed by the wire format; unused slots stay empty.
	fields := []field{
		{ucs2Encode(hostname)},                 // client host
		{ucs2Encode(target.User)},              // user
		{obfuscatePassword(c.auth.Password())}, // password
		{ucs2Encode(target.AppName)},           // app name
		{ucs2Encode(target.serverName())},      // server name
		{nil},                                  // extension
		{ucs2Encode("tabstream")},              // client library
		{nil},                                  // language
		{ucs2Encode(target.Database)},          // database
	}
	if c.auth.FedAuth() {
		fields[2].data = nil
	}

	total := loginRecordFixedSize
	for _, f := range fields {
		total += len(f.data)
	}

	data := make([]byte, total)
	pos := writeUint32(data, 0, uint32(total))
	pos = writeUint32(data, pos, clientProtocolVersion)
	pos = writeUint32(data, pos, uint32(c.packetSize))
	pos = writeUint32(data, pos, 0) // client program version
	pos = writeUint32(data, pos, uint32(os.Getpid()))
	pos = writeUint32(data, pos, 0) // connection id
	pos = writeByte(data, pos, loginOptionFlags1)
	pos = writeByte(data, pos, loginOptionFlags2ODBC)
	pos = writeByte(data, pos, 0) // type flags
	flags3 := byte(0)
	if c.auth.FedAuth() {
		flags3 |= loginOptionFlags3FedAuth
	}
	pos = writeByte(data, pos, flags3)
	pos = writeUint32(data, pos, 0) // client time zone
	pos = writeUint32(data, pos, 0) // client lcid

	// Offset/length pairs; lengths are in characters.
	stringPos := loginRecordFixedSize
	for _, f := range fields {
		pos = writeUint16(data, pos, uint16(stringPos))
		pos = writeUint16(data, pos, uint16(len(f.data)/2))
		stringPos += len(f.data)
	}
	pos = writeBytes(data, pos, make([]byte, 6)) // client id
	pos = writeUint16(data, pos, 0)              // sspi offset
	pos = writeUint16(data, pos, 0)              // sspi length
	pos = writeUint16(data, pos, 0)              // attach-db-file offset
	pos = writeUint16(data, pos, 0)              // attach-db-file length
	pos = writeUint16(data, pos, 0)              // change-password offset
	pos = writeUint16(data, pos, 0)              // change-password length
	pos = writeUint32(data, pos, 0)              // sspi long length

	for _, f := range fields {
		pos = writeBytes(data, pos, f.data)
	}
	return data, nil
}

// sendFedAuthToken sends the bearer token in its dedicated frame: a
// 4-byte total length and 4-byte token length prefix the token bytes
// on the first fragment only; oversized tokens fragment like any other
// message.
func (c *Conn) sendFedAuthToken(token string) error {
	encoded := ucs2Encode(token)
	payload := make([]byte, 8+len(encoded))
	pos := writeUint32(payload, 0, uint32(4+len(encoded)))
	pos = writeUint32(payload, pos, uint32(len(encoded)))
	writeBytes(payload, pos, encoded)
	return c.writeMessage(PacketFedAuthToken, payload)
}

// readLoginResponse parses the server's reply to the login record (and
// to the federated token, if one is requested). Success records the
// session id and negotiated frame size; failure surfaces the server's
// error verbatim; a routing instruction is returned for the caller to
// follow.
func (c *Conn) readLoginResponse(target *ConnParams) (*RoutingInfo, error) {
	parser := &StreamParser{}
	var routing *RoutingInfo
	var loggedIn bool

	for {
		message, err := c.readMessage(target.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		parser.Feed(message)

		var fedAuthInfo *FedAuthInfo
		for {
			tok, err := parser.TryParseNext()
			if err != nil {
				return nil, err
			}
			if tok == nil {
				break
			}
			switch tok := tok.(type) {
			case *LoginAck:
				loggedIn = true
				c.serverProgName = tok.ProgName
				c.serverVersion = tok.ProtoVersion
				log.InfoS("logged in", "server", tok.ProgName, "protocol", fmt.Sprintf("0x%08X", tok.ProtoVersion))
			case *ServerError:
				return nil, &ProtoError{
					Num:      ERAuthenticationRejected,
					Severity: tok.Severity,
					State:    tok.State,
					Message:  tok.Text,
				}
			case *EnvChange:
				c.applyEnvChange(tok)
				if tok.Routing != nil {
					routing = tok.Routing
				}
			case *FedAuthInfo:
				fedAuthInfo = tok
			case *Done:
				if fedAuthInfo != nil {
					break
				}
				if routing != nil {
					return routing, nil
				}
				if !loggedIn {
					return nil, NewProtoError(ERAuthenticationRejected,
						"server closed the login exchange without an acknowledgement")
				}
				return nil, nil
			}
		}

		if fedAuthInfo != nil {
			token, err := c.auth.Token()
			if err != nil {
				return nil, err
			}
			log.InfoS("sending federated token", "endpoint", fedAuthInfo.STSURL)
			if err := c.sendFedAuthToken(token); err != nil {
				return nil, err
			}
		}
	}
}

// applyEnvChange applies the environment changes the connection itself
// cares about. Everything else is forwarded to interested collaborators
// by the receive loop.
func (c *Conn) applyEnvChange(env *EnvChange) {
	switch env.Type {
	case envTypPacketSize:
		if size := parsePacketSize(env.NewValue); size > 0 {
			c.packetSize = size
		}
	case envTypDatabase:
		log.InfoS("session database changed", "database", env.NewValue)
	}
}

func parsePacketSize(value string) int {
	size := 0
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0
		}
		size = size*10 + int(r-'0')
	}
	if size < MinPacketSize || size > MaxPacketSize {
		return 0
	}
	return size
}
