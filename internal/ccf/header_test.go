package ccf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Offsets of the metadata fields of the sample file ("id", "score", "name").
const (
	sampleHeaderSizeField = 9
	sampleNumRowsField    = 13
	sampleNumColumnsField = 21
	sampleIdNameField     = 25
	sampleIdTypeField     = 27
	sampleIdOffsetField   = 28
	sampleNameNameField   = 86
	sampleNameUncompSize  = 107
	sampleMetadataSize    = 92
)

func openBytes(data []byte) (*Reader, error) {
	return NewReader(NopReadSeekCloser(bytes.NewReader(data)))
}

func TestHeaderLayout(t *testing.T) {
	data := writeTable(t, sampleColumns, sampleRows)

	require.Equal(t, Magic[:], data[:8])
	require.Equal(t, []byte("CCFv1\x00\x00\x00"), data[:8])
	require.Equal(t, FORMAT_VERSION, data[8])
	require.Equal(t, uint32(sampleMetadataSize), binary.LittleEndian.Uint32(data[sampleHeaderSizeField:]))
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(data[sampleNumRowsField:]))
	require.Equal(t, uint16(3), binary.LittleEndian.Uint16(data[sampleNumColumnsField:]))

	require.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[PREAMBLE_SIZE:]))
	require.Equal(t, "id", string(data[sampleIdNameField:sampleIdNameField+2]))
	require.Equal(t, byte(ColumnTypeInt32), data[sampleIdTypeField])
	require.Equal(t, uint64(PREAMBLE_SIZE+sampleMetadataSize), binary.LittleEndian.Uint64(data[sampleIdOffsetField:]))
	require.Equal(t, "name", string(data[sampleNameNameField:sampleNameNameField+4]))

	reader, err := openBytes(data)
	require.NoError(t, err)

	header := reader.Header()
	require.Equal(t, uint64(PREAMBLE_SIZE+sampleMetadataSize), header.DataOffset())

	// Blocks are contiguous, in schema order, and end exactly at the end of the file
	cursor := header.DataOffset()
	for _, col := range header.Columns {
		require.Equal(t, cursor, col.Offset, "column %q", col.Name)
		cursor += col.CompressedSize
	}
	require.Equal(t, uint64(len(data)), cursor)
}

func TestOffsetInvariant(t *testing.T) {
	data := writeTable(t, sampleColumns, sampleRows)

	header, err := ReadHeader(bytes.NewReader(data))
	require.NoError(t, err)

	for _, col := range header.Columns {
		require.LessOrEqual(t, col.Offset+col.CompressedSize, uint64(len(data)))

		block := data[col.Offset : col.Offset+col.CompressedSize]
		raw, err := NewStructuredReader(block).ReadZlib(col.UncompressedSize)
		require.NoError(t, err, "column %q", col.Name)
		require.Len(t, raw, int(col.UncompressedSize))
	}
}

func TestDeterministicOutput(t *testing.T) {
	first := writeTable(t, sampleColumns, sampleRows)
	second := writeTable(t, sampleColumns, sampleRows)
	require.Equal(t, first, second)
}

func TestHeaderRejection(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(data []byte) []byte
		expected error
	}{
		{
			name: "Bad magic",
			mutate: func(data []byte) []byte {
				data[0] = 'X'
				return data
			},
			expected: ErrBadMagic,
		},
		{
			name: "Unknown version",
			mutate: func(data []byte) []byte {
				data[8] = 255
				return data
			},
			expected: ErrUnsupportedVersion,
		},
		{
			name: "Header size too large",
			mutate: func(data []byte) []byte {
				binary.LittleEndian.PutUint32(data[sampleHeaderSizeField:], sampleMetadataSize+1)
				return data
			},
			expected: ErrHeaderSizeMismatch,
		},
		{
			name: "Header size too small",
			mutate: func(data []byte) []byte {
				binary.LittleEndian.PutUint32(data[sampleHeaderSizeField:], sampleMetadataSize-1)
				return data
			},
			expected: ErrHeaderSizeMismatch,
		},
		{
			name: "Column count larger than metadata",
			mutate: func(data []byte) []byte {
				binary.LittleEndian.PutUint16(data[sampleNumColumnsField:], 4)
				return data
			},
			expected: ErrHeaderSizeMismatch,
		},
		{
			name: "Invalid column type",
			mutate: func(data []byte) []byte {
				data[sampleIdTypeField] = 7
				return data
			},
			expected: ErrSchemaMismatch,
		},
		{
			name: "Block past the end of the file",
			mutate: func(data []byte) []byte {
				return data[:len(data)-1]
			},
			expected: ErrTruncatedInput,
		},
		{
			name: "Block inside the header",
			mutate: func(data []byte) []byte {
				binary.LittleEndian.PutUint64(data[sampleIdOffsetField:], 10)
				return data
			},
			expected: ErrHeaderSizeMismatch,
		},
		{
			name: "Truncated preamble",
			mutate: func(data []byte) []byte {
				return data[:PREAMBLE_SIZE-1]
			},
			expected: ErrTruncatedInput,
		},
		{
			name: "Truncated metadata",
			mutate: func(data []byte) []byte {
				return data[:PREAMBLE_SIZE+10]
			},
			expected: ErrTruncatedInput,
		},
		{
			name: "Empty file",
			mutate: func(data []byte) []byte {
				return data[:0]
			},
			expected: ErrTruncatedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(writeTable(t, sampleColumns, sampleRows))

			_, err := openBytes(data)
			require.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestDuplicateColumnNames(t *testing.T) {
	columns := []ColumnDef{
		{Name: "ab", Type: ColumnTypeInt32},
		{Name: "ac", Type: ColumnTypeInt32},
	}
	data := writeTable(t, columns, []Row{{int32(1), int32(2)}})

	// Skip the first entry (fixed fields plus "ab") and the length prefix of the second one
	secondName := PREAMBLE_SIZE + metadataEntryFixedSize + 2 + 2
	require.Equal(t, "ac", string(data[secondName:secondName+2]))
	data[secondName+1] = 'b'

	_, err := openBytes(data)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestMagicCheckedBeforeColumnData(t *testing.T) {
	data := writeTable(t, sampleColumns, sampleRows)
	data[8] = 255

	tracker := &trackingReadSeeker{r: bytes.NewReader(data)}
	_, err := NewReader(tracker)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
	require.False(t, tracker.touched(PREAMBLE_SIZE, int64(len(data))), "read past the preamble before rejecting the version")
}

func TestWriterValidation(t *testing.T) {
	t.Run("Duplicate names", func(t *testing.T) {
		_, err := NewWriter([]ColumnDef{{Name: "a"}, {Name: "a"}}, NopWriteCloser(&bytes.Buffer{}), nil)
		require.ErrorIs(t, err, ErrInvalidColumn)
	})

	t.Run("Empty name", func(t *testing.T) {
		_, err := NewWriter([]ColumnDef{{Name: ""}}, NopWriteCloser(&bytes.Buffer{}), nil)
		require.ErrorIs(t, err, ErrInvalidColumn)
	})

	t.Run("Unknown type", func(t *testing.T) {
		_, err := NewWriter([]ColumnDef{{Name: "a", Type: 3}}, NopWriteCloser(&bytes.Buffer{}), nil)
		require.ErrorIs(t, err, ErrInvalidColumn)
	})

	t.Run("Invalid compression level", func(t *testing.T) {
		_, err := NewWriter(sampleColumns, NopWriteCloser(&bytes.Buffer{}), &WriterConf{CompressionLevel: 42})
		require.Error(t, err)
	})

	t.Run("Row width", func(t *testing.T) {
		writer, err := NewWriter(sampleColumns, NopWriteCloser(&bytes.Buffer{}), nil)
		require.NoError(t, err)
		require.ErrorIs(t, writer.Write([]Row{{int32(1)}}), ErrInvalidValue)
	})

	t.Run("Value type", func(t *testing.T) {
		var buf bytes.Buffer
		writer, err := NewWriter(sampleColumns, NopWriteCloser(&buf), nil)
		require.NoError(t, err)
		require.NoError(t, writer.Write([]Row{{"1", 2.0, "x"}}))
		require.ErrorIs(t, writer.Close(), ErrInvalidValue)
	})

	t.Run("Closed writer", func(t *testing.T) {
		writer, err := NewWriter(sampleColumns, NopWriteCloser(&bytes.Buffer{}), nil)
		require.NoError(t, err)
		require.NoError(t, writer.Close())
		require.ErrorIs(t, writer.Write(sampleRows), ErrWriterClosed)
		require.ErrorIs(t, writer.Close(), ErrWriterClosed)
	})
}

func TestUnknownColumn(t *testing.T) {
	reader, err := openBytes(writeTable(t, sampleColumns, sampleRows))
	require.NoError(t, err)

	_, err = reader.ReadColumns("name", "missing")
	require.ErrorIs(t, err, ErrUnknownColumn)

	_, err = reader.ReadColumn("missing")
	require.ErrorIs(t, err, ErrUnknownColumn)

	for res := range reader.Rows("missing") {
		require.ErrorIs(t, res.Err, ErrUnknownColumn)
	}
}
