package procpatch

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadValue reads a fixed-size little-endian T at addr. T must be a type
// encoding/binary can size, such as int32, float32 or a struct of them.
func ReadValue[T any](h *Handle, addr uintptr) (T, error) {
	var v T
	size := binary.Size(v)
	if size < 0 {
		return v, fmt.Errorf("%T has no fixed size", v)
	}

	buf, err := h.Read(addr, size)
	if err != nil {
		return v, err
	}
	if len(buf) < size {
		return v, fmt.Errorf("%T at 0x%x: %w", v, addr, io.ErrUnexpectedEOF)
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// WriteValue writes v at addr in little-endian order. A partial write is an
// error, unlike Write.
func WriteValue[T any](h *Handle, addr uintptr, v T) error {
	buf, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return h.writeAll(addr, buf)
}
