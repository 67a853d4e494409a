package ccf

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zlib"
)

// WriterConf configures a Writer
type WriterConf struct {
	CompressionLevel int // The zlib compression level of the column blocks. Defaults to 6.
}

// DefaultCompressionLevel matches the level zlib uses when none is requested.
const DefaultCompressionLevel = 6

// Writer buffers rows in memory and lays out the whole file when it is closed,
// because block offsets are only known once every column has been compressed.
type Writer struct {
	file    io.WriteCloser
	columns []ColumnDef
	conf    WriterConf

	bufferedRows []Row
	closed       bool
}

func NewWriter(columns []ColumnDef, file io.WriteCloser, conf *WriterConf) (*Writer, error) {
	if err := validateColumns(columns); err != nil {
		return nil, err
	}

	writer := &Writer{
		file:         file,
		columns:      columns,
		bufferedRows: []Row{},
	}
	if conf != nil {
		writer.conf = *conf
	}
	if writer.conf.CompressionLevel == 0 {
		writer.conf.CompressionLevel = DefaultCompressionLevel
	}
	if writer.conf.CompressionLevel < zlib.HuffmanOnly || writer.conf.CompressionLevel > zlib.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", writer.conf.CompressionLevel)
	}

	return writer, nil
}

func NewWriterFS(columns []ColumnDef, filePath string, conf *WriterConf) (*Writer, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}

	writer, err := NewWriter(columns, file, conf)
	if err != nil {
		return nil, multierror.Append(err, file.Close())
	}
	return writer, nil
}

// Write appends rows to the table. Every row must have one value per column.
func (w *Writer) Write(rows []Row) error {
	if w.closed {
		return ErrWriterClosed
	}

	for i, row := range rows {
		if len(row) != len(w.columns) {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrInvalidValue, len(w.bufferedRows)+i, len(row), len(w.columns))
		}
	}

	w.bufferedRows = append(w.bufferedRows, rows...)
	return nil
}

// Close encodes the buffered table, writes the file and closes the underlying writer.
// The underlying writer is closed even when encoding fails.
func (w *Writer) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	var result *multierror.Error
	if err := w.flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := w.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (w *Writer) flush() error {
	blocks := make([]encodedBlock, len(w.columns))
	for i, col := range w.columns {
		values := make([]any, len(w.bufferedRows))
		for j, row := range w.bufferedRows {
			values[j] = row[i]
		}

		block, err := encodeBlock(values, col.Type, w.conf.CompressionLevel)
		if err != nil {
			return fmt.Errorf("column %q: %w", col.Name, err)
		}
		blocks[i] = block
	}

	header, err := layoutHeader(w.columns, uint64(len(w.bufferedRows)), blocks)
	if err != nil {
		return err
	}

	sw := NewStructuredWriter(w.file)
	if err := writeHeader(sw, header); err != nil {
		return err
	}

	for i, block := range blocks {
		if sw.Offset() != header.Columns[i].Offset {
			return fmt.Errorf("column %q: block written at offset %d, expected %d", w.columns[i].Name, sw.Offset(), header.Columns[i].Offset)
		}
		if _, err := sw.Write(block.data); err != nil {
			return err
		}
	}

	return nil
}

// layoutHeader assigns each block an absolute offset, in schema order, starting right after the header.
func layoutHeader(columns []ColumnDef, numRows uint64, blocks []encodedBlock) (*Header, error) {
	size, err := metadataSize(columns)
	if err != nil {
		return nil, err
	}

	header := &Header{
		Version:      FORMAT_VERSION,
		NumRows:      numRows,
		MetadataSize: size,
		Columns:      make([]ColumnMetadata, len(columns)),
	}

	cursor := header.DataOffset()
	for i, col := range columns {
		header.Columns[i] = ColumnMetadata{
			ColumnDef:        col,
			Offset:           cursor,
			CompressedSize:   uint64(len(blocks[i].data)),
			UncompressedSize: blocks[i].uncompressedSize,
		}
		cursor += uint64(len(blocks[i].data))
	}

	return header, nil
}
