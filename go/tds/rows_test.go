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

func TestReadTypeInfo(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want ColumnDescriptor
	}{{
		name: "fixed int",
		data: []byte{typeInt4},
		want: ColumnDescriptor{TypeID: typeInt4, Length: 4},
	}, {
		name: "nullable int",
		data: []byte{typeIntN, 4},
		want: ColumnDescriptor{TypeID: typeIntN, Nullable: true, Length: 4},
	}, {
		name: "decimal",
		data: []byte{typeDecimalN, 9, 18, 2},
		want: ColumnDescriptor{TypeID: typeDecimalN, Nullable: true, Length: 9, Precision: 18, Scale: 2},
	}, {
		name: "date",
		data: []byte{typeDateN},
		want: ColumnDescriptor{TypeID: typeDateN, Nullable: true, Length: 3},
	}, {
		name: "time scale 0",
		data: []byte{typeTimeN, 0},
		want: ColumnDescriptor{TypeID: typeTimeN, Nullable: true, Length: 3},
	}, {
		name: "time scale 7",
		data: []byte{typeTimeN, 7},
		want: ColumnDescriptor{TypeID: typeTimeN, Nullable: true, Length: 5, Scale: 7},
	}, {
		name: "datetime2 scale 3",
		data: []byte{typeDateTime2N, 3},
		want: ColumnDescriptor{TypeID: typeDateTime2N, Nullable: true, Length: 7, Scale: 3},
	}, {
		name: "datetimeoffset scale 7",
		data: []byte{typeDateTimeOffN, 7},
		want: ColumnDescriptor{TypeID: typeDateTimeOffN, Nullable: true, Length: 10, Scale: 7},
	}, {
		name: "bounded nvarchar",
		data: append([]byte{typeNVarChar, 100, 0}, make([]byte, 5)...),
		want: ColumnDescriptor{TypeID: typeNVarChar, Nullable: true, Length: 100},
	}, {
		name: "unbounded nvarchar",
		data: append([]byte{typeNVarChar, 0xFF, 0xFF}, make([]byte, 5)...),
		want: ColumnDescriptor{TypeID: typeNVarChar, Nullable: true, Unbounded: true},
	}, {
		name: "varbinary without collation",
		data: []byte{typeBigVarBinary, 16, 0},
		want: ColumnDescriptor{TypeID: typeBigVarBinary, Nullable: true, Length: 16},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			col, pos, ok, err := readTypeInfo(tc.data, 0)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, len(tc.data), pos)
			assert.Equal(t, tc.want, col)
		})
	}
}

func TestReadTypeInfoUnknown(t *testing.T) {
	_, _, _, err := readTypeInfo([]byte{0x99}, 0)
	require.Error(t, err)
	assert.Equal(t, ERUnknownType, ErrorNumber(err))
}

func TestDecodeRowMixed(t *testing.T) {
	columns := []ColumnDescriptor{
		{TypeID: typeInt4, Length: 4},
		{TypeID: typeIntN, Nullable: true, Length: 8},
		{TypeID: typeNVarChar, Nullable: true, Length: 20},
	}

	var data []byte
	data = appendUint32(data, 7)             // int4 value
	data = append(data, 0)                   // null bigint
	data = appendUint16(data, 4)             // nvarchar length in bytes
	data = append(data, ucs2Encode("ok")...) // "ok"

	var row RowData
	pos, ok, err := decodeRow(columns, data, 0, &row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(data), pos)

	assert.False(t, row.Null[0])
	assert.Equal(t, []byte{7, 0, 0, 0}, row.Values[0])
	assert.True(t, row.Null[1])
	assert.Empty(t, row.Values[1])
	assert.False(t, row.Null[2])
	assert.Equal(t, "ok", ucs2Decode(row.Values[2]))
}

func TestDecodeRowFixedWidth(t *testing.T) {
	// Fixed-width values carry no length prefix; their bytes must still
	// be materialized, not just skipped.
	columns := []ColumnDescriptor{
		{TypeID: typeInt1, Length: 1},
		{TypeID: typeFlt8, Length: 8},
	}
	var data []byte
	data = append(data, 0x2A)
	data = appendUint64(data, 0x3FF8000000000000)

	var row RowData
	pos, ok, err := decodeRow(columns, data, 0, &row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(data), pos)
	assert.Equal(t, []byte{0x2A}, row.Values[0])
	assert.Equal(t, "1.5", columns[1].FormatValue(row.Values[1], false))
}

func TestDecodeRowCharNull(t *testing.T) {
	columns := []ColumnDescriptor{{TypeID: typeNVarChar, Nullable: true, Length: 20}}
	data := []byte{0xFF, 0xFF}

	var row RowData
	_, ok, err := decodeRow(columns, data, 0, &row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Null[0])
}

func TestDecodeRowTruncated(t *testing.T) {
	columns := []ColumnDescriptor{{TypeID: typeInt8, Length: 8}}
	var row RowData
	_, ok, err := decodeRow(columns, []byte{1, 2, 3}, 0, &row)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeNBCRow(t *testing.T) {
	// Nine nullable columns force a two-byte bitmap. Columns 0 and 2
	// are NULL; their bytes are omitted entirely from the row data.
	columns := make([]ColumnDescriptor, 9)
	for i := range columns {
		columns[i] = ColumnDescriptor{TypeID: typeIntN, Nullable: true, Length: 4}
	}

	data := []byte{0b00000101, 0b00000000}
	for i := 0; i < 7; i++ {
		data = append(data, 4)
		data = appendUint32(data, uint32(i+1))
	}

	var row RowData
	pos, ok, err := decodeNBCRow(columns, data, 0, &row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(data), pos)

	assert.True(t, row.Null[0])
	assert.False(t, row.Null[1])
	assert.True(t, row.Null[2])
	for i := 3; i < 9; i++ {
		assert.False(t, row.Null[i], "column %v", i)
	}
	assert.Equal(t, []byte{1, 0, 0, 0}, row.Values[1])
	assert.Equal(t, []byte{7, 0, 0, 0}, row.Values[8])
}

func TestDecodeGUID(t *testing.T) {
	columns := []ColumnDescriptor{{TypeID: typeGUID, Nullable: true, Length: 16}}
	data := []byte{16,
		0x04, 0x03, 0x02, 0x01,
		0x06, 0x05,
		0x08, 0x07,
		0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
	}

	var row RowData
	_, ok, err := decodeRow(columns, data, 0, &row)
	require.NoError(t, err)
	require.True(t, ok)

	// The first three groups are little-endian on the wire and must be
	// reordered to the canonical form.
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}
	assert.Equal(t, want, row.Values[0])
	assert.Equal(t, "01020304-0506-0708-090a-0b0c0d0e0f10", columns[0].FormatValue(row.Values[0], false))
}

func TestDecodePLP(t *testing.T) {
	columns := []ColumnDescriptor{{TypeID: typeNVarChar, Nullable: true, Unbounded: true}}

	// Unknown total length: chunks until a zero-length terminator.
	var data []byte
	data = appendUint64(data, plpUnknownLen)
	data = appendUint32(data, 4)
	data = append(data, ucs2Encode("ab")...)
	data = appendUint32(data, 2)
	data = append(data, ucs2Encode("c")...)
	data = appendUint32(data, 0)

	var row RowData
	pos, ok, err := decodeRow(columns, data, 0, &row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(data), pos)
	assert.Equal(t, "abc", ucs2Decode(row.Values[0]))

	// NULL sentinel.
	data = appendUint64(nil, plpNull)
	_, ok, err = decodeRow(columns, data, 0, &row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Null[0])

	// A truncated chunk must report need-more-data.
	data = appendUint64(nil, plpUnknownLen)
	data = appendUint32(data, 10)
	data = append(data, 1, 2, 3)
	_, ok, err = decodeRow(columns, data, 0, &row)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeRowDrain(t *testing.T) {
	columns := []ColumnDescriptor{
		{TypeID: typeInt4, Length: 4},
		{TypeID: typeNVarChar, Nullable: true, Length: 20},
	}
	var data []byte
	data = appendUint32(data, 1)
	data = appendUint16(data, 8)
	data = append(data, ucs2Encode("gone")...)

	// A nil destination skips materialization but still consumes the
	// exact value bytes.
	pos, ok, err := decodeRow(columns, data, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(data), pos)
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		col   ColumnDescriptor
		value []byte
		null  bool
		want  string
	}{{
		name: "null",
		col:  ColumnDescriptor{TypeID: typeInt4},
		null: true,
		want: "NULL",
	}, {
		name:  "int4 negative",
		col:   ColumnDescriptor{TypeID: typeInt4},
		value: appendUint32(nil, 0xFFFFFFFF),
		want:  "-1",
	}, {
		name:  "intn 8 bytes",
		col:   ColumnDescriptor{TypeID: typeIntN},
		value: appendUint64(nil, 1<<40),
		want:  "1099511627776",
	}, {
		name:  "bit true",
		col:   ColumnDescriptor{TypeID: typeBitN},
		value: []byte{1},
		want:  "true",
	}, {
		name:  "float",
		col:   ColumnDescriptor{TypeID: typeFltN},
		value: appendUint64(nil, 0x3FF8000000000000), // 1.5
		want:  "1.5",
	}, {
		name:  "nvarchar",
		col:   ColumnDescriptor{TypeID: typeNVarChar},
		value: ucs2Encode("héllo"),
		want:  "héllo",
	}, {
		name:  "binary",
		col:   ColumnDescriptor{TypeID: typeBigVarBinary},
		value: []byte{0xCA, 0xFE},
		want:  "0xCAFE",
	}, {
		name:  "decimal positive",
		col:   ColumnDescriptor{TypeID: typeNumericN, Scale: 2},
		value: []byte{1, 0x39, 0x30, 0, 0}, // 12345, scale 2
		want:  "123.45",
	}, {
		name:  "decimal negative",
		col:   ColumnDescriptor{TypeID: typeDecimalN, Scale: 0},
		value: []byte{0, 0x2A, 0, 0, 0}, // -42
		want:  "-42",
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.col.FormatValue(tc.value, tc.null))
		})
	}
}
