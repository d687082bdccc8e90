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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerialize(t *testing.T) {
	p := &Packet{
		Type:    PacketSQLBatch,
		EOM:     true,
		SPID:    0x1234,
		SeqID:   1,
		Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	data := p.Serialize()
	want := []byte{
		0x01,       // type
		0x01,       // status: end of message
		0x00, 0x0C, // length, big-endian, header inclusive
		0x12, 0x34, // session process id, big-endian
		0x01, // sequence id
		0x00, // reserved
		0xDE, 0xAD, 0xBE, 0xEF,
	}
	assert.Equal(t, want, data)
}

func TestPacketRoundTrip(t *testing.T) {
	in := &Packet{
		Type:    PacketReply,
		EOM:     false,
		SPID:    77,
		SeqID:   3,
		Payload: []byte("hello"),
	}
	data := in.Serialize()

	out, consumed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), consumed)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.EOM, out.EOM)
	assert.Equal(t, in.SPID, out.SPID)
	assert.Equal(t, in.SeqID, out.SeqID)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestPacketParseIncomplete(t *testing.T) {
	full := (&Packet{Type: PacketReply, EOM: true, Payload: []byte("abcdef")}).Serialize()

	// Every strict prefix must report need-more-data, not an error.
	for i := 0; i < len(full); i++ {
		p, consumed, err := ParsePacket(full[:i])
		require.NoError(t, err, "prefix length %v", i)
		assert.Nil(t, p, "prefix length %v", i)
		assert.Equal(t, 0, consumed, "prefix length %v", i)
	}

	// Trailing bytes of the next frame are left unconsumed.
	p, consumed, err := ParsePacket(append(append([]byte{}, full...), 0x04, 0x01))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, len(full), consumed)
}

func TestPacketParseMalformed(t *testing.T) {
	// Declared length below the header size.
	short := []byte{0x04, 0x01, 0x00, 0x07, 0x00, 0x00, 0x01, 0x00}
	_, _, err := ParsePacket(short)
	require.Error(t, err)
	assert.Equal(t, ERMalformedFrame, ErrorNumber(err))

	// Declared length above the maximum frame size.
	big := []byte{0x04, 0x01, 0xFF, 0xFF, 0x00, 0x00, 0x01, 0x00}
	_, _, err = ParsePacket(big)
	require.Error(t, err)
	assert.Equal(t, ERMalformedFrame, ErrorNumber(err))
}
