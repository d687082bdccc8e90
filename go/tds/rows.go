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
	"fmt"
	"math"
	"math/big"

	"github.com/google/uuid"
)

// ColumnDescriptor describes one result column. A metadata token
// produces one descriptor per column; the set is immutable until the
// next metadata token fully replaces it.
type ColumnDescriptor struct {
	// Name is the column's display name.
	Name string

	// TypeID is the wire data type id.
	TypeID uint8

	// Nullable is set for the length-prefixed nullable type variants.
	Nullable bool

	// Unbounded selects the chunked unbounded value encoding.
	Unbounded bool

	// Length is the fixed byte width or the declared length bound.
	Length int

	// Precision and Scale apply to precision-scaled numeric and
	// scale-dependent temporal types.
	Precision uint8
	Scale     uint8
}

// RowData holds one decoded row: one byte buffer per column and a
// parallel null mask. A RowData is valid for one row only; the parser
// reuses it for the next row, but the buffers never alias the parser's
// internal buffer or another row's buffers.
type RowData struct {
	Values [][]byte
	Null   []bool
}

func (r *RowData) reset(columns int) {
	if cap(r.Values) < columns {
		r.Values = make([][]byte, columns)
		r.Null = make([]bool, columns)
	}
	r.Values = r.Values[:columns]
	r.Null = r.Null[:columns]
	for i := range r.Values {
		r.Values[i] = r.Values[i][:0]
		r.Null[i] = false
	}
}

// Wire encoding categories.
type wireCategory int

const (
	catFixed wireCategory = iota
	catByteLen
	catUShortLen
)

// fixedWidth returns the byte width of the fixed-width types.
func fixedWidth(typeID uint8) int {
	switch typeID {
	case typeInt1, typeBit:
		return 1
	case typeInt2:
		return 2
	case typeInt4, typeDateTim4, typeFlt4, typeMoney4:
		return 4
	case typeMoney, typeDateTime, typeFlt8, typeInt8:
		return 8
	}
	return 0
}

// category maps a type id to its wire encoding category.
func category(typeID uint8) (wireCategory, error) {
	switch typeID {
	case typeInt1, typeBit, typeInt2, typeInt4, typeDateTim4, typeFlt4,
		typeMoney, typeDateTime, typeFlt8, typeMoney4, typeInt8:
		return catFixed, nil
	case typeGUID, typeIntN, typeDateN, typeTimeN, typeDateTime2N,
		typeDateTimeOffN, typeDecimalN, typeNumericN, typeBitN, typeFltN,
		typeMoneyN, typeDateTimeN:
		return catByteLen, nil
	case typeBigVarBinary, typeBigVarChar, typeBigBinary, typeBigChar,
		typeNVarChar, typeNChar:
		return catUShortLen, nil
	}
	return 0, NewProtoError(ERUnknownType, "unsupported data type 0x%02X", typeID)
}

// isCharType reports whether the type carries a collation in its type info.
func isCharType(typeID uint8) bool {
	switch typeID {
	case typeBigVarChar, typeBigChar, typeNVarChar, typeNChar:
		return true
	}
	return false
}

// timeWidth is the byte width of the time component for a declared
// scale: 3 bytes for scales 0-2, 4 for 3-4, 5 for 5-7.
func timeWidth(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

// readTypeInfo reads one column's type description from a metadata
// token.
func readTypeInfo(data []byte, pos int) (col ColumnDescriptor, newPos int, ok bool, err error) {
	typeID, pos, ok := readByte(data, pos)
	if !ok {
		return col, 0, false, nil
	}
	col.TypeID = typeID

	cat, err := category(typeID)
	if err != nil {
		return col, 0, false, err
	}

	switch cat {
	case catFixed:
		col.Length = fixedWidth(typeID)

	case catByteLen:
		col.Nullable = true
		switch typeID {
		case typeDateN:
			col.Length = 3
		case typeTimeN, typeDateTime2N, typeDateTimeOffN:
			var scale byte
			if scale, pos, ok = readByte(data, pos); !ok {
				return col, 0, false, nil
			}
			col.Scale = scale
			col.Length = timeWidth(scale)
			if typeID == typeDateTime2N {
				col.Length += 3
			} else if typeID == typeDateTimeOffN {
				col.Length += 5
			}
		case typeDecimalN, typeNumericN:
			var size, precision, scale byte
			if size, pos, ok = readByte(data, pos); !ok {
				return col, 0, false, nil
			}
			if precision, pos, ok = readByte(data, pos); !ok {
				return col, 0, false, nil
			}
			if scale, pos, ok = readByte(data, pos); !ok {
				return col, 0, false, nil
			}
			col.Length = int(size)
			col.Precision = precision
			col.Scale = scale
		default:
			var size byte
			if size, pos, ok = readByte(data, pos); !ok {
				return col, 0, false, nil
			}
			col.Length = int(size)
		}

	case catUShortLen:
		col.Nullable = true
		var size uint16
		if size, pos, ok = readUint16(data, pos); !ok {
			return col, 0, false, nil
		}
		if size == maxLenMarker {
			col.Unbounded = true
		} else {
			col.Length = int(size)
		}
		if isCharType(typeID) {
			// Collation: not interpreted, all text is UTF-16 on the wire.
			if _, pos, ok = readBytes(data, pos, 5); !ok {
				return col, 0, false, nil
			}
		}
	}

	return col, pos, true, nil
}

// decodeValue decodes one column value at pos. When materialize is nil,
// the value's bytes are skipped without being copied, which is
// substantially cheaper for result sets the caller discards.
//
// ok=false with a nil error means more bytes are needed; the caller
// restores its position and retries once more data arrives.
func decodeValue(col *ColumnDescriptor, data []byte, pos int, materialize *[]byte) (null bool, newPos int, ok bool, err error) {
	cat, err := category(col.TypeID)
	if err != nil {
		return false, 0, false, err
	}

	switch cat {
	case catFixed:
		raw, pos, ok := readBytes(data, pos, col.Length)
		if !ok {
			return false, 0, false, nil
		}
		if materialize != nil {
			*materialize = append(*materialize, raw...)
		}
		return false, pos, true, nil

	case catByteLen:
		size, pos, ok := readByte(data, pos)
		if !ok {
			return false, 0, false, nil
		}
		if size == 0 {
			return true, pos, true, nil
		}
		raw, pos, ok := readBytes(data, pos, int(size))
		if !ok {
			return false, 0, false, nil
		}
		if materialize != nil {
			if col.TypeID == typeGUID && size == 16 {
				*materialize = appendCanonicalGUID(*materialize, raw)
			} else {
				*materialize = append(*materialize, raw...)
			}
		}
		return false, pos, true, nil

	case catUShortLen:
		if col.Unbounded {
			return decodePLP(data, pos, materialize)
		}
		size, pos, ok := readUint16(data, pos)
		if !ok {
			return false, 0, false, nil
		}
		if size == charNull {
			return true, pos, true, nil
		}
		raw, pos, ok := readBytes(data, pos, int(size))
		if !ok {
			return false, 0, false, nil
		}
		if materialize != nil {
			*materialize = append(*materialize, raw...)
		}
		return false, pos, true, nil
	}

	return false, 0, false, NewProtoError(ERUnknownType, "unsupported data type 0x%02X", col.TypeID)
}

// decodePLP decodes a chunked unbounded value: an 8-byte total length
// (with NULL and unknown-length sentinels) followed by 4-byte
// length-prefixed chunks, terminated by a zero-length chunk.
func decodePLP(data []byte, pos int, materialize *[]byte) (null bool, newPos int, ok bool, err error) {
	total, pos, ok := readUint64(data, pos)
	if !ok {
		return false, 0, false, nil
	}
	if total == plpNull {
		return true, pos, true, nil
	}
	for {
		var chunkLen uint32
		if chunkLen, pos, ok = readUint32(data, pos); !ok {
			return false, 0, false, nil
		}
		if chunkLen == 0 {
			return false, pos, true, nil
		}
		var chunk []byte
		if chunk, pos, ok = readBytes(data, pos, int(chunkLen)); !ok {
			return false, 0, false, nil
		}
		if materialize != nil {
			*materialize = append(*materialize, chunk...)
		}
	}
}

// appendCanonicalGUID reorders the mixed-endianness wire layout of a
// globally-unique identifier to its canonical big-endian form: the
// first three groups (4+2+2 bytes) are little-endian on the wire, the
// last 8 bytes are already big-endian.
func appendCanonicalGUID(dst []byte, wire []byte) []byte {
	dst = append(dst, wire[3], wire[2], wire[1], wire[0])
	dst = append(dst, wire[5], wire[4])
	dst = append(dst, wire[7], wire[6])
	return append(dst, wire[8:16]...)
}

// decodeRow decodes a standard-encoding row into dst using the active
// column descriptors.
func decodeRow(columns []ColumnDescriptor, data []byte, pos int, dst *RowData) (newPos int, ok bool, err error) {
	if dst != nil {
		dst.reset(len(columns))
	}
	for i := range columns {
		var materialize *[]byte
		if dst != nil {
			materialize = &dst.Values[i]
		}
		null, next, ok, err := decodeValue(&columns[i], data, pos, materialize)
		if err != nil || !ok {
			return 0, ok, err
		}
		if dst != nil {
			dst.Null[i] = null
		}
		pos = next
	}
	return pos, true, nil
}

// decodeNBCRow decodes a null-bitmap-compressed row: a leading bitmap
// of ceil(columns/8) bytes marks NULL columns, and data follows only
// for the non-NULL ones. Non-NULL values keep their usual length
// prefixes; only NULL columns' bytes are omitted entirely.
func decodeNBCRow(columns []ColumnDescriptor, data []byte, pos int, dst *RowData) (newPos int, ok bool, err error) {
	bitmap, pos, ok := readBytes(data, pos, (len(columns)+7)/8)
	if !ok {
		return 0, false, nil
	}
	if dst != nil {
		dst.reset(len(columns))
	}
	for i := range columns {
		if bitmap[i/8]&(1<<(i%8)) != 0 {
			if dst != nil {
				dst.Null[i] = true
			}
			continue
		}
		var materialize *[]byte
		if dst != nil {
			materialize = &dst.Values[i]
		}
		null, next, ok, err := decodeValue(&columns[i], data, pos, materialize)
		if err != nil || !ok {
			return 0, ok, err
		}
		if dst != nil {
			dst.Null[i] = null
		}
		pos = next
	}
	return pos, true, nil
}

// FormatValue renders a decoded value for display. Binary types render
// as hex, text types are transcoded from their wire encoding, and the
// numeric and identifier types are interpreted positionally.
func (col *ColumnDescriptor) FormatValue(value []byte, null bool) string {
	if null {
		return "NULL"
	}
	switch col.TypeID {
	case typeInt1:
		return fmt.Sprintf("%d", value[0])
	case typeInt2:
		return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(value)))
	case typeInt4:
		return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(value)))
	case typeInt8:
		return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(value)))
	case typeIntN:
		switch len(value) {
		case 1:
			return fmt.Sprintf("%d", value[0])
		case 2:
			return fmt.Sprintf("%d", int16(binary.LittleEndian.Uint16(value)))
		case 4:
			return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(value)))
		case 8:
			return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(value)))
		}
	case typeBit, typeBitN:
		if value[0] != 0 {
			return "true"
		}
		return "false"
	case typeFlt4:
		return fmt.Sprintf("%v", math.Float32frombits(binary.LittleEndian.Uint32(value)))
	case typeFlt8:
		return fmt.Sprintf("%v", math.Float64frombits(binary.LittleEndian.Uint64(value)))
	case typeFltN:
		if len(value) == 4 {
			return fmt.Sprintf("%v", math.Float32frombits(binary.LittleEndian.Uint32(value)))
		}
		return fmt.Sprintf("%v", math.Float64frombits(binary.LittleEndian.Uint64(value)))
	case typeGUID:
		u, err := uuid.FromBytes(value)
		if err != nil {
			return fmt.Sprintf("%X", value)
		}
		return u.String()
	case typeDecimalN, typeNumericN:
		return formatDecimal(value, col.Scale)
	case typeNVarChar, typeNChar, typeBigVarChar, typeBigChar:
		return ucs2Decode(value)
	}
	return fmt.Sprintf("0x%X", value)
}

// formatDecimal renders a precision-scaled numeric value: a sign byte
// (1 = positive) followed by the little-endian magnitude.
func formatDecimal(value []byte, scale uint8) string {
	if len(value) < 2 {
		return fmt.Sprintf("0x%X", value)
	}
	magnitude := make([]byte, len(value)-1)
	for i, b := range value[1:] {
		magnitude[len(magnitude)-1-i] = b
	}
	n := new(big.Int).SetBytes(magnitude)
	rat := new(big.Rat).SetFrac(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil))
	text := rat.FloatString(int(scale))
	if value[0] == 0 {
		return "-" + text
	}
	return text
}
