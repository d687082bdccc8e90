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

// This file contains the constant definitions for the wire protocol:
// packet types, packet status flags, pre-login options, login options,
// response token ids and data type ids.

// PacketType identifies the type of a wire frame.
type PacketType uint8

const (
	// PacketSQLBatch carries a SQL batch from client to server.
	PacketSQLBatch PacketType = 1

	// PacketReply is sent by the server in response to client requests.
	PacketReply PacketType = 4

	// PacketAttention asks the server to cancel the running request.
	PacketAttention PacketType = 6

	// PacketFedAuthToken carries a federated authentication bearer token.
	PacketFedAuthToken PacketType = 8

	// PacketTransMgrReq carries a transaction manager request.
	PacketTransMgrReq PacketType = 14

	// PacketLogin carries the client login record.
	PacketLogin PacketType = 16

	// PacketPrelogin negotiates connection parameters before login.
	PacketPrelogin PacketType = 18
)

// Packet status flags (second header byte).
const (
	// packetStatusEOM marks the last frame of a message.
	packetStatusEOM uint8 = 0x01

	// packetStatusIgnore asks the peer to discard the message.
	packetStatusIgnore uint8 = 0x02

	// packetStatusResetConnection requests a connection reset before
	// processing the message.
	packetStatusResetConnection uint8 = 0x08
)

const (
	// packetHeaderSize is the size of the fixed frame header.
	packetHeaderSize = 8

	// MinPacketSize is the smallest negotiable frame size.
	MinPacketSize = 512

	// MaxPacketSize is the largest frame size the protocol allows.
	MaxPacketSize = 32767

	// DefaultPacketSize is the frame size requested at login when the
	// configuration does not override it.
	DefaultPacketSize = 4096
)

// Pre-login option tokens.
const (
	preloginVersion         uint8 = 0
	preloginEncryption      uint8 = 1
	preloginInstance        uint8 = 2
	preloginThreadID        uint8 = 3
	preloginMARS            uint8 = 4
	preloginFedAuthRequired uint8 = 6
	preloginTerminator      uint8 = 0xFF
)

// EncryptionLevel is the client's or server's encryption preference,
// exchanged during pre-login.
type EncryptionLevel uint8

const (
	// EncryptOff encrypts the login frame only.
	EncryptOff EncryptionLevel = 0

	// EncryptOn encrypts the whole session.
	EncryptOn EncryptionLevel = 1

	// EncryptNotSupported declines encryption entirely.
	EncryptNotSupported EncryptionLevel = 2

	// EncryptRequired refuses to proceed without encryption.
	EncryptRequired EncryptionLevel = 3
)

func (e EncryptionLevel) String() string {
	switch e {
	case EncryptOff:
		return "off"
	case EncryptOn:
		return "on"
	case EncryptNotSupported:
		return "not-supported"
	case EncryptRequired:
		return "required"
	}
	return "unknown"
}

// Login record option flags.
const (
	// loginOptionFlags1 defaults: ORDER_X86, CHARSET_ASCII, FLOAT_IEEE_754,
	// use-db and init-db-fatal off, set-lang on.
	loginOptionFlags1 uint8 = 0xE0

	// loginOptionFlags2ODBC makes the server apply the fixed bundle of
	// ODBC session defaults.
	loginOptionFlags2ODBC uint8 = 0x02

	// loginOptionFlags3FedAuth advertises that the login carries a
	// federated authentication extension instead of a password.
	loginOptionFlags3FedAuth uint8 = 0x10

	// loginRecordFixedSize is the size of the fixed prefix of the login
	// record, before the variable string data.
	loginRecordFixedSize = 94

	// clientProtocolVersion is the protocol generation this client speaks.
	clientProtocolVersion uint32 = 0x74000004
)

// Response token ids.
const (
	tokenReturnStatus uint8 = 0x79
	tokenColMetaData  uint8 = 0x81
	tokenOrder        uint8 = 0xA9
	tokenError        uint8 = 0xAA
	tokenInfo         uint8 = 0xAB
	tokenReturnValue  uint8 = 0xAC
	tokenLoginAck     uint8 = 0xAD
	tokenFeatureAck   uint8 = 0xAE
	tokenRow          uint8 = 0xD1
	tokenNBCRow       uint8 = 0xD2
	tokenEnvChange    uint8 = 0xE3
	tokenSessionState uint8 = 0xE4
	tokenFedAuthInfo  uint8 = 0xEE
	tokenDone         uint8 = 0xFD
	tokenDoneProc     uint8 = 0xFE
	tokenDoneInProc   uint8 = 0xFF

	tokenTabName uint8 = 0xA4
	tokenColInfo uint8 = 0xA5
)

// Completion token status flags.
const (
	doneMore      uint16 = 0x0001
	doneError     uint16 = 0x0002
	doneCount     uint16 = 0x0010
	doneAttention uint16 = 0x0020
)

// Environment change subtypes.
const (
	envTypDatabase    uint8 = 1
	envTypLanguage    uint8 = 2
	envTypPacketSize  uint8 = 4
	envTypBeginTxn    uint8 = 8
	envTypCommitTxn   uint8 = 9
	envTypRollbackTxn uint8 = 10
	envTypRouting     uint8 = 20
)

// Federated authentication info option ids.
const (
	fedAuthInfoSTSURL uint8 = 1
	fedAuthInfoSPN    uint8 = 2
)

// Data type ids. Only the types this client decodes are listed; any
// other id on the wire is a fatal error.
const (
	// Fixed-width, never null on the wire.
	typeInt1     uint8 = 0x30
	typeBit      uint8 = 0x32
	typeInt2     uint8 = 0x34
	typeInt4     uint8 = 0x38
	typeDateTim4 uint8 = 0x3A
	typeFlt4     uint8 = 0x3B
	typeMoney    uint8 = 0x3C
	typeDateTime uint8 = 0x3D
	typeFlt8     uint8 = 0x3E
	typeMoney4   uint8 = 0x7A
	typeInt8     uint8 = 0x7F

	// Nullable variants with a 1-byte length prefix.
	typeGUID         uint8 = 0x24
	typeIntN         uint8 = 0x26
	typeDateN        uint8 = 0x28
	typeTimeN        uint8 = 0x29
	typeDateTime2N   uint8 = 0x2A
	typeDateTimeOffN uint8 = 0x2B
	typeDecimalN     uint8 = 0x6A
	typeNumericN     uint8 = 0x6C
	typeBitN         uint8 = 0x68
	typeFltN         uint8 = 0x6D
	typeMoneyN       uint8 = 0x6E
	typeDateTimeN    uint8 = 0x6F

	// Variable-length with a 2-byte length prefix; a declared length of
	// 0xFFFF selects the chunked unbounded encoding instead.
	typeBigVarBinary uint8 = 0xA5
	typeBigVarChar   uint8 = 0xA7
	typeBigBinary    uint8 = 0xAD
	typeBigChar      uint8 = 0xAF
	typeNVarChar     uint8 = 0xE7
	typeNChar        uint8 = 0xEF
)

// Sentinels of the variable-length encodings.
const (
	// charNull is the NULL sentinel of the 2-byte length prefix.
	charNull uint16 = 0xFFFF

	// maxLenMarker in column metadata selects the chunked encoding.
	maxLenMarker uint16 = 0xFFFF

	// plpNull marks a NULL value in the chunked encoding.
	plpNull uint64 = 0xFFFFFFFFFFFFFFFF

	// plpUnknownLen marks a value of unknown total length: chunks follow
	// until a zero-length terminator chunk.
	plpUnknownLen uint64 = 0xFFFFFFFFFFFFFFFE
)

// maxRedirects bounds the number of routing hops followed during login.
const maxRedirects = 5
