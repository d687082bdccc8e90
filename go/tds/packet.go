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

// Packet is one length-prefixed unit of wire data. The 8-byte header
// carries the packet type, status flags, the big-endian total length
// (header inclusive), the big-endian session process id, a sequence id
// and a reserved byte.
//
// Frames are not self-describing beyond their length: a logical message
// larger than the negotiated frame size is split across consecutive
// frames, and only the last one sets the end-of-message flag. Receivers
// reassemble by concatenating payloads until that flag is seen.
type Packet struct {
	Type  PacketType
	EOM   bool
	SPID  uint16
	SeqID uint8

	Payload []byte
}

// Serialize returns the wire form of the packet.
func (p *Packet) Serialize() []byte {
	data := make([]byte, packetHeaderSize+len(p.Payload))
	pos := writeByte(data, 0, byte(p.Type))
	var status uint8
	if p.EOM {
		status |= packetStatusEOM
	}
	pos = writeByte(data, pos, status)
	pos = writeUint16BE(data, pos, uint16(packetHeaderSize+len(p.Payload)))
	pos = writeUint16BE(data, pos, p.SPID)
	pos = writeByte(data, pos, p.SeqID)
	writeByte(data, pos, 0) // reserved
	writeBytes(data, packetHeaderSize, p.Payload)
	return data
}

// ParsePacket parses one frame from the front of data. It returns the
// parsed frame and the number of bytes consumed. A consumed count of
// zero with a nil error means data does not yet hold a complete frame
// and the caller must supply more bytes.
//
// A declared length below the header size or above MaxPacketSize is a
// malformed frame: the stream cannot be resynchronized and the
// connection must close.
func ParsePacket(data []byte) (*Packet, int, error) {
	if len(data) < packetHeaderSize {
		return nil, 0, nil
	}
	length := int(data[2])<<8 | int(data[3])
	if length < packetHeaderSize {
		return nil, 0, NewProtoError(ERMalformedFrame, "frame length %v below header size", length)
	}
	if length > MaxPacketSize {
		return nil, 0, NewProtoError(ERMalformedFrame, "frame length %v exceeds maximum %v", length, MaxPacketSize)
	}
	if len(data) < length {
		return nil, 0, nil
	}
	p := &Packet{
		Type:    PacketType(data[0]),
		EOM:     data[1]&packetStatusEOM != 0,
		SPID:    uint16(data[4])<<8 | uint16(data[5]),
		SeqID:   data[6],
		Payload: data[packetHeaderSize:length],
	}
	return p, length, nil
}
