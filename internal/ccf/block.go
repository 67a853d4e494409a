package ccf

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/ZaninAndrea/ccf/pkg/compression"
)

// encodedBlock is a compressed column block together with the sizes recorded in the header.
type encodedBlock struct {
	data             []byte
	uncompressedSize uint64
}

// encodeBlock serializes the null bitmap and the typed payload of a column and compresses the result.
func encodeBlock(values []any, columnType ColumnType, level int) (encodedBlock, error) {
	nulls := make([]bool, len(values))
	for i, v := range values {
		nulls[i] = v == nil
	}
	bitmap := compression.EncodeBitmap(nulls)
	if uint64(len(bitmap)) > math.MaxUint32 {
		return encodedBlock{}, fmt.Errorf("%w: null bitmap of %d bytes", ErrBlockTooLarge, len(bitmap))
	}

	raw := bytes.NewBuffer(nil)
	rawWriter := NewStructuredWriter(raw)
	if err := rawWriter.WriteUInt32(uint32(len(bitmap))); err != nil {
		return encodedBlock{}, err
	}
	if _, err := rawWriter.Write(bitmap); err != nil {
		return encodedBlock{}, err
	}

	var err error
	switch columnType {
	case ColumnTypeInt32:
		err = writeInt32Payload(rawWriter, values)
	case ColumnTypeFloat64:
		err = writeFloat64Payload(rawWriter, values)
	case ColumnTypeString:
		err = writeStringPayload(rawWriter, values)
	default:
		err = fmt.Errorf("%w: type %v", ErrInvalidColumn, columnType)
	}
	if err != nil {
		return encodedBlock{}, err
	}

	compressed := bytes.NewBuffer(nil)
	if err := NewStructuredWriter(compressed).WriteZlib(raw.Bytes(), level); err != nil {
		return encodedBlock{}, err
	}

	return encodedBlock{
		data:             compressed.Bytes(),
		uncompressedSize: uint64(raw.Len()),
	}, nil
}

func writeInt32Payload(w *StructuredWriter, values []any) error {
	for i, v := range values {
		var value int32
		if v != nil {
			typed, ok := v.(int32)
			if !ok {
				return fmt.Errorf("%w: row %d holds %T, expected int32", ErrInvalidValue, i, v)
			}
			value = typed
		}

		if err := w.WriteInt32(value); err != nil {
			return err
		}
	}
	return nil
}

func writeFloat64Payload(w *StructuredWriter, values []any) error {
	for i, v := range values {
		var value float64
		if v != nil {
			typed, ok := v.(float64)
			if !ok {
				return fmt.Errorf("%w: row %d holds %T, expected float64", ErrInvalidValue, i, v)
			}
			value = typed
		}

		if err := w.WriteFloat64(value); err != nil {
			return err
		}
	}
	return nil
}

func writeStringPayload(w *StructuredWriter, values []any) error {
	strs := make([]string, len(values))
	var total uint64
	for i, v := range values {
		if v == nil {
			continue
		}
		typed, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: row %d holds %T, expected string", ErrInvalidValue, i, v)
		}
		if !utf8.ValidString(typed) {
			return fmt.Errorf("%w: row %d is not valid UTF-8", ErrInvalidValue, i)
		}
		strs[i] = typed
		total += uint64(len(typed))
	}
	if total > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes of string data overflow uint32 offsets", ErrBlockTooLarge, total)
	}

	var offset uint32
	if err := w.WriteUInt32(offset); err != nil {
		return err
	}
	for _, s := range strs {
		offset += uint32(len(s))
		if err := w.WriteUInt32(offset); err != nil {
			return err
		}
	}

	for _, s := range strs {
		if _, err := w.Write([]byte(s)); err != nil {
			return err
		}
	}
	return nil
}

// decodeBlock decompresses a column block and rebuilds numRows values, nil where the bitmap marks a null.
func decodeBlock(compressed []byte, columnType ColumnType, numRows uint64, uncompressedSize uint64) ([]any, error) {
	raw, err := NewStructuredReader(compressed).ReadZlib(uncompressedSize)
	if err != nil {
		return nil, err
	}
	r := NewStructuredReader(raw)

	nulls, err := readNullBitmap(r, numRows)
	if err != nil {
		return nil, err
	}

	// numRows fits an int once the bitmap has been read
	n := len(nulls)

	var values []any
	switch columnType {
	case ColumnTypeInt32:
		values, err = readInt32Payload(r, nulls)
	case ColumnTypeFloat64:
		values, err = readFloat64Payload(r, nulls)
	case ColumnTypeString:
		values, err = readStringPayload(r, nulls)
	default:
		err = fmt.Errorf("%w: unknown column type %d", ErrSchemaMismatch, uint8(columnType))
	}
	if err != nil {
		return nil, err
	}

	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d rows", ErrCorruptBlock, r.Remaining(), n)
	}

	return values, nil
}

func readNullBitmap(r *StructuredReader, numRows uint64) ([]bool, error) {
	expectedLen := numRows/8 + min(numRows%8, 1)

	bitmapLen, err := r.ReadUInt32()
	if err != nil {
		return nil, err
	}
	if uint64(bitmapLen) != expectedLen {
		return nil, fmt.Errorf("%w: null bitmap is %d bytes, expected %d for %d rows", ErrSchemaMismatch, bitmapLen, expectedLen, numRows)
	}

	bitmap, err := r.ReadBytes(int(bitmapLen))
	if err != nil {
		return nil, err
	}

	nulls, err := compression.DecodeBitmap(bitmap, int(numRows))
	if errors.Is(err, compression.ErrShortBitmap) {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedInput, err)
	}
	return nulls, err
}

// checkFixedPayload makes sure the remaining data holds width bytes per row before anything is allocated.
func checkFixedPayload(r *StructuredReader, rows int, width int) error {
	if rows > r.Remaining()/width {
		return fmt.Errorf("%w: %d rows need %d bytes, %d available", ErrTruncatedInput, rows, uint64(rows)*uint64(width), r.Remaining())
	}
	return nil
}

func readInt32Payload(r *StructuredReader, nulls []bool) ([]any, error) {
	if err := checkFixedPayload(r, len(nulls), 4); err != nil {
		return nil, err
	}

	values := make([]any, len(nulls))
	for i := range nulls {
		value, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		if !nulls[i] {
			values[i] = value
		}
	}
	return values, nil
}

func readFloat64Payload(r *StructuredReader, nulls []bool) ([]any, error) {
	if err := checkFixedPayload(r, len(nulls), 8); err != nil {
		return nil, err
	}

	values := make([]any, len(nulls))
	for i := range nulls {
		value, err := r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		if !nulls[i] {
			values[i] = value
		}
	}
	return values, nil
}

func readStringPayload(r *StructuredReader, nulls []bool) ([]any, error) {
	if err := checkFixedPayload(r, len(nulls)+1, 4); err != nil {
		return nil, err
	}

	offsets := make([]uint32, len(nulls)+1)
	for i := range offsets {
		offset, err := r.ReadUInt32()
		if err != nil {
			return nil, err
		}
		if i == 0 && offset != 0 {
			return nil, fmt.Errorf("%w: string offsets start at %d", ErrCorruptBlock, offset)
		}
		if i > 0 && offset < offsets[i-1] {
			return nil, fmt.Errorf("%w: string offset %d decreases", ErrCorruptBlock, i)
		}
		offsets[i] = offset
	}

	dataLen := offsets[len(offsets)-1]
	if int(dataLen) > r.Remaining() {
		return nil, fmt.Errorf("%w: string data needs %d bytes, %d available", ErrTruncatedInput, dataLen, r.Remaining())
	}
	data, err := r.ReadBytes(int(dataLen))
	if err != nil {
		return nil, err
	}

	values := make([]any, len(nulls))
	for i := range nulls {
		if nulls[i] {
			continue
		}
		s := data[offsets[i]:offsets[i+1]]
		if !utf8.Valid(s) {
			return nil, fmt.Errorf("%w: row %d is not valid UTF-8", ErrCorruptBlock, i)
		}
		values[i] = string(s)
	}
	return values, nil
}
