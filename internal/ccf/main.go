package ccf

import "fmt"

// A CCF file is a single self-describing file laid out as follows (all integers little endian):
// - The preamble (23 bytes):
// 	- Magic (8 bytes, "CCFv1\0\0\0")
// 	- The format version (uint8)
// 	- The size of the column metadata region in bytes (uint32)
// 	- The number of rows (uint64)
// 	- The number of columns (uint16)
// - The column metadata, for each column in schema order:
// 	- Name length (uint16) followed by the UTF-8 name
// 	- Type (uint8 enum)
// 	- Absolute offset of the column block (uint64)
// 	- Compressed length of the block (uint64)
// 	- Uncompressed length of the block (uint64)
// - The column blocks, in schema order. Each block is zlib compressed and decompresses to:
// 	- Null bitmap length (uint32) followed by the bitmap (bit i set means row i is null)
// 	- The typed payload, one slot per row including null rows:
// 		- Int32/Float64: fixed width values
// 		- String: numRows+1 uint32 offsets followed by the concatenated bytes
//
// A reader only needs the preamble and the metadata to locate any column, so columns
// that are not requested are never read.

var ErrBadMagic = fmt.Errorf("bad magic: not a ccf file")
var ErrUnsupportedVersion = fmt.Errorf("unsupported format version")
var ErrHeaderSizeMismatch = fmt.Errorf("header size mismatch")
var ErrTruncatedInput = fmt.Errorf("truncated input")
var ErrCorruptBlock = fmt.Errorf("corrupt column block")
var ErrSchemaMismatch = fmt.Errorf("schema mismatch")
var ErrUnknownColumn = fmt.Errorf("unknown column")

// Write side errors.
var ErrInvalidColumn = fmt.Errorf("invalid column definition")
var ErrInvalidValue = fmt.Errorf("invalid value")
var ErrBlockTooLarge = fmt.Errorf("column block too large")
var ErrWriterClosed = fmt.Errorf("writer already closed")

var Magic = [8]byte{'C', 'C', 'F', 'v', '1', 0, 0, 0}

const FORMAT_VERSION uint8 = 1

// PREAMBLE_SIZE is the length of the fixed part of the header that precedes the column metadata.
const PREAMBLE_SIZE = 8 + 1 + 4 + 8 + 2

// fixed part of a metadata entry: name length, type, offset, compressed and uncompressed size
const metadataEntryFixedSize = 2 + 1 + 8 + 8 + 8

type ColumnType uint8

const (
	ColumnTypeInt32   ColumnType = 0
	ColumnTypeFloat64 ColumnType = 1
	ColumnTypeString  ColumnType = 2
)

func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeInt32, ColumnTypeFloat64, ColumnTypeString:
		return true
	default:
		return false
	}
}

func (t ColumnType) String() string {
	switch t {
	case ColumnTypeInt32:
		return "int32"
	case ColumnTypeFloat64:
		return "float64"
	case ColumnTypeString:
		return "string"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

type ColumnDef struct {
	Name string
	Type ColumnType
}

// ColumnMetadata is the on-disk descriptor of a column: its definition plus the location of its block.
type ColumnMetadata struct {
	ColumnDef
	Offset           uint64
	CompressedSize   uint64
	UncompressedSize uint64
}

// Row holds one value per column. A nil value is NULL, otherwise the value is
// an int32, a float64 or a string depending on the column type.
type Row []any

// Column is a decoded column: its definition and one value per row, nil meaning NULL.
type Column struct {
	ColumnDef
	Values []any
}

// Table is a set of decoded columns sharing the same number of rows.
type Table struct {
	NumRows uint64
	Columns []Column
}

// Column returns the column with the given name.
func (t *Table) Column(name string) (Column, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Row builds the i-th row of the table, with the values in column order.
func (t *Table) Row(i int) Row {
	row := make(Row, len(t.Columns))
	for j, col := range t.Columns {
		row[j] = col.Values[i]
	}
	return row
}
