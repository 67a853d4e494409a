package ccf

import (
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/ZaninAndrea/ccf/pkg/containers"
)

// Reader decodes columns of a CCF file on demand. Opening a reader only parses the header,
// each column block is read from the file the first time it is requested.
//
// A Reader is not safe for concurrent use, open one Reader per goroutine instead.
type Reader struct {
	file     io.ReadSeekCloser
	fileSize uint64
	header   *Header
	index    map[string]int
}

// NewReader parses the header of file. The caller keeps ownership of file until NewReader succeeds,
// from then on it is closed by Reader.Close.
func NewReader(file io.ReadSeekCloser) (*Reader, error) {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	header, err := ReadHeader(file)
	if err != nil {
		return nil, err
	}

	reader := &Reader{
		file:     file,
		fileSize: uint64(size),
		header:   header,
		index:    make(map[string]int, len(header.Columns)),
	}
	for i, col := range header.Columns {
		reader.index[col.Name] = i
	}

	if err := reader.checkBlockBounds(); err != nil {
		return nil, err
	}

	return reader, nil
}

func NewReaderFS(filePath string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	reader, err := NewReader(file)
	if err != nil {
		return nil, multierror.Append(err, file.Close())
	}
	return reader, nil
}

// checkBlockBounds verifies that every block lies between the end of the header and the end of the file.
func (r *Reader) checkBlockBounds() error {
	dataOffset := r.header.DataOffset()
	for _, col := range r.header.Columns {
		if col.Offset < dataOffset {
			return fmt.Errorf("%w: column %q block starts at %d, inside the %d byte header", ErrHeaderSizeMismatch, col.Name, col.Offset, dataOffset)
		}
		if col.Offset > r.fileSize || col.CompressedSize > r.fileSize-col.Offset {
			return fmt.Errorf("%w: column %q block [%d, +%d) ends past the end of the %d byte file", ErrTruncatedInput, col.Name, col.Offset, col.CompressedSize, r.fileSize)
		}
	}
	return nil
}

// Header returns the parsed file header.
func (r *Reader) Header() *Header {
	return r.header
}

// NumRows returns the number of rows stored in the file.
func (r *Reader) NumRows() uint64 {
	return r.header.NumRows
}

// ListColumns returns the column definitions in schema order.
func (r *Reader) ListColumns() []ColumnDef {
	columns := make([]ColumnDef, len(r.header.Columns))
	for i, col := range r.header.Columns {
		columns[i] = col.ColumnDef
	}
	return columns
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll decodes every column, in schema order.
func (r *Reader) ReadAll() (*Table, error) {
	names := make([]string, len(r.header.Columns))
	for i, col := range r.header.Columns {
		names[i] = col.Name
	}
	return r.ReadColumns(names...)
}

// ReadColumns decodes the named columns, in the requested order. Repeated names are decoded once.
// Calling it without names returns a table with no columns.
//
// All names are resolved before any block is read, so an unknown name fails the whole read.
func (r *Reader) ReadColumns(names ...string) (*Table, error) {
	selected := make([]ColumnMetadata, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		i, ok := r.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		selected = append(selected, r.header.Columns[i])
	}

	table := &Table{
		NumRows: r.header.NumRows,
		Columns: make([]Column, len(selected)),
	}
	for i, meta := range selected {
		values, err := r.readColumn(meta)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", meta.Name, err)
		}
		table.Columns[i] = Column{ColumnDef: meta.ColumnDef, Values: values}
	}

	return table, nil
}

// ReadColumn decodes a single column.
func (r *Reader) ReadColumn(name string) ([]any, error) {
	table, err := r.ReadColumns(name)
	if err != nil {
		return nil, err
	}
	return table.Columns[0].Values, nil
}

func (r *Reader) readColumn(meta ColumnMetadata) ([]any, error) {
	if _, err := r.file.Seek(int64(meta.Offset), io.SeekStart); err != nil {
		return nil, err
	}

	compressed := make([]byte, meta.CompressedSize)
	if err := readFull(r.file, compressed, "column block"); err != nil {
		return nil, err
	}

	return decodeBlock(compressed, meta.Type, r.header.NumRows, meta.UncompressedSize)
}

// Rows returns an iterator over the rows of the named columns (every column when no name is given).
//
// The selected columns are decoded up front, then the rows are built one by one.
func (r *Reader) Rows(names ...string) iter.Seq[containers.Result[Row]] {
	return func(yield func(containers.Result[Row]) bool) {
		var table *Table
		var err error
		if len(names) == 0 {
			table, err = r.ReadAll()
		} else {
			table, err = r.ReadColumns(names...)
		}
		if err != nil {
			yield(containers.Err[Row](err))
			return
		}

		for i := uint64(0); i < table.NumRows; i++ {
			if !yield(containers.Ok(table.Row(int(i)))) {
				return
			}
		}
	}
}
