package compression

import (
	"fmt"
	"unsafe"
)

var ErrShortBitmap = fmt.Errorf("bitmap shorter than value count")

// BitmapLen returns the number of bytes needed to store n bits.
func BitmapLen(n int) int {
	return (n + 7) / 8
}

// EncodeBitmap packs a slice of booleans into BitmapLen(len(values)) bytes.
// Bit i is stored in byte i/8, least significant bit first. Unused bits of the last byte are zero.
func EncodeBitmap(values []bool) []byte {
	encodedLen := BitmapLen(len(values))
	encoded := make([]byte, encodedLen)

	// Process full bytes (groups of 8 booleans)
	fullBytes := len(values) / 8
	for i := 0; i < fullBytes; i++ {
		// a bool is stored as a single 0 or 1 byte, so it can be shifted into place directly
		offset := i * 8
		encoded[i] = *(*uint8)(unsafe.Pointer(&values[offset])) |
			(*(*uint8)(unsafe.Pointer(&values[offset+1])) << 1) |
			(*(*uint8)(unsafe.Pointer(&values[offset+2])) << 2) |
			(*(*uint8)(unsafe.Pointer(&values[offset+3])) << 3) |
			(*(*uint8)(unsafe.Pointer(&values[offset+4])) << 4) |
			(*(*uint8)(unsafe.Pointer(&values[offset+5])) << 5) |
			(*(*uint8)(unsafe.Pointer(&values[offset+6])) << 6) |
			(*(*uint8)(unsafe.Pointer(&values[offset+7])) << 7)
	}

	// Process remaining booleans
	if remaining := len(values) % 8; remaining > 0 {
		offset := fullBytes * 8
		var b uint8
		for j := 0; j < remaining; j++ {
			b |= *(*uint8)(unsafe.Pointer(&values[offset+j])) << j
		}
		encoded[encodedLen-1] = b
	}

	return encoded
}

// DecodeBitmap unpacks the first n bits of encoded. Bits past n are ignored.
func DecodeBitmap(encoded []byte, n int) ([]bool, error) {
	if len(encoded) < BitmapLen(n) {
		return nil, fmt.Errorf("%w: %d bytes for %d values", ErrShortBitmap, len(encoded), n)
	}

	decoded := make([]bool, n)
	for i := 0; i < n; i++ {
		decoded[i] = (encoded[i/8] & (1 << (i % 8))) != 0
	}

	return decoded, nil
}
