package ccf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
)

type StructuredWriter struct {
	w      io.Writer
	offset uint64
}

func NewStructuredWriter(w io.Writer) *StructuredWriter {
	return &StructuredWriter{w: w, offset: 0}
}

// Write writes data to the underlying writer with no special formatting.
func (sw *StructuredWriter) Write(p []byte) (int, error) {
	n, err := sw.w.Write(p)
	sw.offset += uint64(n)
	return n, err
}

// Offset returns the number of bytes written so far.
func (sw *StructuredWriter) Offset() uint64 {
	return sw.offset
}

// WriteUInt64 writes a 64-bit unsigned integer to the underlying writer.
func (sw *StructuredWriter) WriteUInt64(value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	_, err := sw.Write(buf[:])
	return err
}

// WriteFloat64 writes a 64-bit floating-point number to the underlying writer.
// The bit pattern is preserved, so NaN payloads survive a round trip.
func (sw *StructuredWriter) WriteFloat64(value float64) error {
	return sw.WriteUInt64(math.Float64bits(value))
}

// WriteUInt32 writes a 32-bit unsigned integer to the underlying writer.
func (sw *StructuredWriter) WriteUInt32(value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := sw.Write(buf[:])
	return err
}

// WriteInt32 writes a 32-bit signed integer to the underlying writer.
func (sw *StructuredWriter) WriteInt32(value int32) error {
	return sw.WriteUInt32(uint32(value))
}

// WriteUInt16 writes a 16-bit unsigned integer to the underlying writer.
func (sw *StructuredWriter) WriteUInt16(value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	_, err := sw.Write(buf[:])
	return err
}

// WriteUint8 writes an 8-bit unsigned integer to the underlying writer.
func (sw *StructuredWriter) WriteUint8(value uint8) error {
	var buf [1]byte
	buf[0] = value
	_, err := sw.Write(buf[:])
	return err
}

// WriteShortString writes a string prefixed with its length as a uint16.
func (sw *StructuredWriter) WriteShortString(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: string of %d bytes does not fit a uint16 length", ErrInvalidColumn, len(s))
	}
	if err := sw.WriteUInt16(uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(sw, s)
	return err
}

// WriteZlib compresses the input data using zlib at the given level and writes it to the underlying writer.
// The same input and level always produce the same output.
func (sw *StructuredWriter) WriteZlib(p []byte, level int) error {
	compressedWriter, err := zlib.NewWriterLevel(sw, level)
	if err != nil {
		return err
	}

	_, err = compressedWriter.Write(p)
	if err != nil {
		return err
	}

	return compressedWriter.Close()
}

// StructuredReader decodes fixed width little endian values from an in-memory buffer.
// Running out of data is always reported as ErrTruncatedInput.
type StructuredReader struct {
	r *bytes.Reader
}

func NewStructuredReader(data []byte) *StructuredReader {
	return &StructuredReader{r: bytes.NewReader(data)}
}

// Remaining returns the number of unread bytes.
func (sr *StructuredReader) Remaining() int {
	return sr.r.Len()
}

func (sr *StructuredReader) readFull(buf []byte) error {
	_, err := io.ReadFull(sr.r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrTruncatedInput, len(buf), sr.r.Len())
	}
	return err
}

// ReadBytes reads exactly n raw bytes.
func (sr *StructuredReader) ReadBytes(n int) ([]byte, error) {
	if n > sr.r.Len() {
		return nil, fmt.Errorf("%w: need %d bytes, %d available", ErrTruncatedInput, n, sr.r.Len())
	}
	data := make([]byte, n)
	if err := sr.readFull(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadShortString reads a string prefixed with its length as a uint16.
func (sr *StructuredReader) ReadShortString() (string, error) {
	length, err := sr.ReadUInt16()
	if err != nil {
		return "", err
	}

	data, err := sr.ReadBytes(int(length))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadUInt64 reads a 64-bit unsigned integer from the underlying reader.
func (sr *StructuredReader) ReadUInt64() (uint64, error) {
	var buf [8]byte
	if err := sr.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadFloat64 reads a 64-bit floating-point number from the underlying reader.
func (sr *StructuredReader) ReadFloat64() (float64, error) {
	bits, err := sr.ReadUInt64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// ReadUInt32 reads a 32-bit unsigned integer from the underlying reader.
func (sr *StructuredReader) ReadUInt32() (uint32, error) {
	var buf [4]byte
	if err := sr.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadInt32 reads a 32-bit signed integer from the underlying reader.
func (sr *StructuredReader) ReadInt32() (int32, error) {
	value, err := sr.ReadUInt32()
	return int32(value), err
}

// ReadUInt16 reads a 16-bit unsigned integer from the underlying reader.
func (sr *StructuredReader) ReadUInt16() (uint16, error) {
	var buf [2]byte
	if err := sr.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint8 reads an 8-bit unsigned integer from the underlying reader.
func (sr *StructuredReader) ReadUint8() (uint8, error) {
	var buf [1]byte
	if err := sr.readFull(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// maxPrealloc caps the buffer reserved up front for a decompressed block,
// since the expected size comes from an untrusted header.
const maxPrealloc = 64 << 20

// ReadZlib decompresses all the remaining data, which must inflate to exactly expectedSize bytes.
func (sr *StructuredReader) ReadZlib(expectedSize uint64) ([]byte, error) {
	if expectedSize >= math.MaxInt64 {
		return nil, fmt.Errorf("%w: declared uncompressed size %d is not addressable", ErrCorruptBlock, expectedSize)
	}

	compressedReader, err := zlib.NewReader(sr.r)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptBlock, err)
	}
	defer compressedReader.Close()

	buffer := bytes.NewBuffer(nil)
	buffer.Grow(int(min(expectedSize+1, maxPrealloc)))

	// Reading one byte past the expected size detects blocks that inflate to more than declared
	_, err = buffer.ReadFrom(io.LimitReader(compressedReader, int64(expectedSize)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptBlock, err)
	}

	if uint64(buffer.Len()) != expectedSize {
		return nil, fmt.Errorf("%w: uncompressed size mismatch: declared %d, got %d", ErrCorruptBlock, expectedSize, buffer.Len())
	}

	return buffer.Bytes(), nil
}
