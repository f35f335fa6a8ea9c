package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single frame's payload. Frames larger than
// this are rejected without partial parsing.
const DefaultMaxFrameBytes = 16 << 20 // 16 MiB

// ErrFrameTooLarge is returned by ReadFrame when the declared length exceeds
// the configured ceiling.
type ErrFrameTooLarge struct {
	Declared, Max uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("wire: frame of %d bytes exceeds ceiling of %d bytes", e.Declared, e.Max)
}

// WriteFrame writes a fixed-width big-endian length prefix followed by
// exactly that many payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting anything declared
// larger than maxBytes before reading a single payload byte.
func ReadFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxBytes {
		return nil, &ErrFrameTooLarge{Declared: n, Max: maxBytes}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}
