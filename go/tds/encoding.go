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
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// This file contains the data encoding and decoding functions.
//
// The same assumptions are made for all the encoding functions:
// - there is enough space to write the data in the buffer. If not, we
// will panic with out of bounds.
// - all functions start writing at 'pos' in the buffer, and return the next position.
//
// The read functions all return the value, the new position, and whether
// the read succeeded. A failed read means the buffer does not hold enough
// bytes yet; it is never a format error.

func writeByte(data []byte, pos int, value byte) int {
	data[pos] = value
	return pos + 1
}

func writeUint16(data []byte, pos int, value uint16) int {
	binary.LittleEndian.PutUint16(data[pos:], value)
	return pos + 2
}

func writeUint16BE(data []byte, pos int, value uint16) int {
	binary.BigEndian.PutUint16(data[pos:], value)
	return pos + 2
}

func writeUint32(data []byte, pos int, value uint32) int {
	binary.LittleEndian.PutUint32(data[pos:], value)
	return pos + 4
}

func writeUint64(data []byte, pos int, value uint64) int {
	binary.LittleEndian.PutUint64(data[pos:], value)
	return pos + 8
}

func writeBytes(data []byte, pos int, value []byte) int {
	return pos + copy(data[pos:], value)
}

func readByte(data []byte, pos int) (byte, int, bool) {
	if pos >= len(data) {
		return 0, 0, false
	}
	return data[pos], pos + 1, true
}

func readBytes(data []byte, pos int, size int) ([]byte, int, bool) {
	if pos+size > len(data) {
		return nil, 0, false
	}
	return data[pos : pos+size], pos + size, true
}

func readUint16(data []byte, pos int) (uint16, int, bool) {
	if pos+2 > len(data) {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(data[pos:]), pos + 2, true
}

func readUint16BE(data []byte, pos int) (uint16, int, bool) {
	if pos+2 > len(data) {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(data[pos:]), pos + 2, true
}

func readUint32(data []byte, pos int) (uint32, int, bool) {
	if pos+4 > len(data) {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(data[pos:]), pos + 4, true
}

func readUint64(data []byte, pos int) (uint64, int, bool) {
	if pos+8 > len(data) {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint64(data[pos:]), pos + 8, true
}

//
// Protocol string helpers. All strings on the wire are UTF-16LE.
//

var ucs2 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// ucs2Encode transcodes a string to its UTF-16LE wire form.
func ucs2Encode(value string) []byte {
	encoded, err := ucs2.NewEncoder().Bytes([]byte(value))
	if err != nil {
		// The UTF-16 encoder replaces unrepresentable runes instead of
		// failing; an error here means a broken encoder configuration.
		panic(err)
	}
	return encoded
}

// ucs2Decode transcodes UTF-16LE wire bytes to a string. Odd trailing
// bytes are dropped.
func ucs2Decode(data []byte) string {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	decoded, err := ucs2.NewDecoder().Bytes(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}

// readUcs2 reads a UTF-16 string of charLen characters.
func readUcs2(data []byte, pos int, charLen int) (string, int, bool) {
	raw, pos, ok := readBytes(data, pos, charLen*2)
	if !ok {
		return "", 0, false
	}
	return ucs2Decode(raw), pos, true
}

// readBVarChar reads a string with a 1-byte character-count prefix.
func readBVarChar(data []byte, pos int) (string, int, bool) {
	size, pos, ok := readByte(data, pos)
	if !ok {
		return "", 0, false
	}
	return readUcs2(data, pos, int(size))
}

// readUSVarChar reads a string with a 2-byte character-count prefix.
func readUSVarChar(data []byte, pos int) (string, int, bool) {
	size, pos, ok := readUint16(data, pos)
	if !ok {
		return "", 0, false
	}
	return readUcs2(data, pos, int(size))
}

// obfuscatePassword applies the login password obfuscation to the
// UTF-16LE password bytes: each byte's nibbles are swapped, then the
// byte is XORed with 0xA5.
func obfuscatePassword(password string) []byte {
	encoded := ucs2Encode(password)
	for i, b := range encoded {
		encoded[i] = ((b << 4) | (b >> 4)) ^ 0xA5
	}
	return encoded
}
