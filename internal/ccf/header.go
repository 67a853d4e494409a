package ccf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Header is the decoded preamble and column metadata of a CCF file.
type Header struct {
	Version uint8
	NumRows uint64
	Columns []ColumnMetadata
	// Size of the metadata region, excluding the preamble
	MetadataSize uint32
}

// DataOffset returns the absolute offset of the first column block.
func (h *Header) DataOffset() uint64 {
	return PREAMBLE_SIZE + uint64(h.MetadataSize)
}

// Column returns the metadata of the named column.
func (h *Header) Column(name string) (ColumnMetadata, bool) {
	for _, col := range h.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnMetadata{}, false
}

// CompressedSize returns the total size of the column blocks.
func (h *Header) CompressedSize() uint64 {
	var size uint64
	for _, col := range h.Columns {
		size += col.CompressedSize
	}
	return size
}

// UncompressedSize returns the total size of the column blocks once decompressed.
func (h *Header) UncompressedSize() uint64 {
	var size uint64
	for _, col := range h.Columns {
		size += col.UncompressedSize
	}
	return size
}

// metadataSize returns the number of bytes the column metadata entries take on disk.
func metadataSize(columns []ColumnDef) (uint32, error) {
	var size uint64
	for _, col := range columns {
		size += metadataEntryFixedSize + uint64(len(col.Name))
	}
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("%w: column metadata of %d bytes overflows the header size field", ErrInvalidColumn, size)
	}
	return uint32(size), nil
}

// validateColumns checks the constraints the header format puts on a schema.
func validateColumns(columns []ColumnDef) error {
	if len(columns) > math.MaxUint16 {
		return fmt.Errorf("%w: %d columns, at most %d are supported", ErrInvalidColumn, len(columns), math.MaxUint16)
	}

	seen := make(map[string]struct{}, len(columns))
	for i, col := range columns {
		switch {
		case col.Name == "":
			return fmt.Errorf("%w: column %d has an empty name", ErrInvalidColumn, i)
		case len(col.Name) > math.MaxUint16:
			return fmt.Errorf("%w: column %d name is %d bytes long", ErrInvalidColumn, i, len(col.Name))
		case !utf8.ValidString(col.Name):
			return fmt.Errorf("%w: column %d name is not valid UTF-8", ErrInvalidColumn, i)
		case !col.Type.Valid():
			return fmt.Errorf("%w: column %q has unknown type %d", ErrInvalidColumn, col.Name, uint8(col.Type))
		}

		if _, ok := seen[col.Name]; ok {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidColumn, col.Name)
		}
		seen[col.Name] = struct{}{}
	}

	return nil
}

// writeHeader writes the preamble followed by one metadata entry per column.
func writeHeader(w *StructuredWriter, h *Header) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	if err := w.WriteUint8(h.Version); err != nil {
		return err
	}
	if err := w.WriteUInt32(h.MetadataSize); err != nil {
		return err
	}
	if err := w.WriteUInt64(h.NumRows); err != nil {
		return err
	}
	if err := w.WriteUInt16(uint16(len(h.Columns))); err != nil {
		return err
	}

	for _, col := range h.Columns {
		if err := w.WriteShortString(col.Name); err != nil {
			return err
		}
		if err := w.WriteUint8(uint8(col.Type)); err != nil {
			return err
		}
		if err := w.WriteUInt64(col.Offset); err != nil {
			return err
		}
		if err := w.WriteUInt64(col.CompressedSize); err != nil {
			return err
		}
		if err := w.WriteUInt64(col.UncompressedSize); err != nil {
			return err
		}
	}

	return nil
}

// readFull reads exactly len(buf) bytes from the stream, reporting a short stream as ErrTruncatedInput.
func readFull(r io.Reader, buf []byte, what string) error {
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended while reading %s", ErrTruncatedInput, what)
	}
	return err
}

// ReadHeader parses the preamble and the column metadata from r, leaving r positioned at the first column block.
// The magic and the version are checked before anything else is read.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [len(Magic)]byte
	if err := readFull(r, magic[:], "magic"); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, magic[:])
	}

	var version [1]byte
	if err := readFull(r, version[:], "version"); err != nil {
		return nil, err
	}
	if version[0] != FORMAT_VERSION {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version[0])
	}

	var rest [PREAMBLE_SIZE - len(Magic) - 1]byte
	if err := readFull(r, rest[:], "preamble"); err != nil {
		return nil, err
	}
	preamble := NewStructuredReader(rest[:])
	// The preamble buffer has exactly the right size, so these reads cannot fail
	metadataSize, _ := preamble.ReadUInt32()
	numRows, _ := preamble.ReadUInt64()
	numColumns, _ := preamble.ReadUInt16()

	h := &Header{
		Version:      version[0],
		NumRows:      numRows,
		MetadataSize: metadataSize,
	}

	// Every entry takes at least the fixed size, which bounds the allocation before reading
	if uint64(numColumns)*metadataEntryFixedSize > uint64(metadataSize) {
		return nil, fmt.Errorf("%w: %d columns cannot fit in %d bytes of metadata", ErrHeaderSizeMismatch, numColumns, metadataSize)
	}

	metadata := bytes.NewBuffer(nil)
	n, err := metadata.ReadFrom(io.LimitReader(r, int64(metadataSize)))
	if err != nil {
		return nil, err
	}
	if n != int64(metadataSize) {
		return nil, fmt.Errorf("%w: stream ended after %d of %d bytes of column metadata", ErrTruncatedInput, n, metadataSize)
	}

	columns, err := parseColumnMetadata(NewStructuredReader(metadata.Bytes()), int(numColumns))
	if err != nil {
		return nil, err
	}
	h.Columns = columns

	return h, nil
}

func parseColumnMetadata(r *StructuredReader, numColumns int) ([]ColumnMetadata, error) {
	columns := make([]ColumnMetadata, numColumns)
	seen := make(map[string]struct{}, numColumns)

	for i := range columns {
		col, err := parseColumnEntry(r)
		if errors.Is(err, ErrTruncatedInput) {
			return nil, fmt.Errorf("%w: metadata entry %d runs past the declared header size: %v", ErrHeaderSizeMismatch, i, err)
		} else if err != nil {
			return nil, err
		}

		if _, ok := seen[col.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrSchemaMismatch, col.Name)
		}
		seen[col.Name] = struct{}{}

		columns[i] = col
	}

	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d unused bytes after %d metadata entries", ErrHeaderSizeMismatch, r.Remaining(), numColumns)
	}

	return columns, nil
}

func parseColumnEntry(r *StructuredReader) (ColumnMetadata, error) {
	name, err := r.ReadShortString()
	if err != nil {
		return ColumnMetadata{}, err
	}
	if name == "" {
		return ColumnMetadata{}, fmt.Errorf("%w: empty column name", ErrSchemaMismatch)
	}
	if !utf8.ValidString(name) {
		return ColumnMetadata{}, fmt.Errorf("%w: column name %q is not valid UTF-8", ErrSchemaMismatch, name)
	}

	colType, err := r.ReadUint8()
	if err != nil {
		return ColumnMetadata{}, err
	}
	if !ColumnType(colType).Valid() {
		return ColumnMetadata{}, fmt.Errorf("%w: column %q has unknown type %d", ErrSchemaMismatch, name, colType)
	}

	offset, err := r.ReadUInt64()
	if err != nil {
		return ColumnMetadata{}, err
	}

	compressedSize, err := r.ReadUInt64()
	if err != nil {
		return ColumnMetadata{}, err
	}

	uncompressedSize, err := r.ReadUInt64()
	if err != nil {
		return ColumnMetadata{}, err
	}

	return ColumnMetadata{
		ColumnDef:        ColumnDef{Name: name, Type: ColumnType(colType)},
		Offset:           offset,
		CompressedSize:   compressedSize,
		UncompressedSize: uncompressedSize,
	}, nil
}
