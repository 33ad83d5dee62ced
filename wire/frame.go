package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxFramePayload caps a single frame's payload. The limit protects the
// reader against memory exhaustion from a corrupt or hostile length prefix.
const MaxFramePayload = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned when a frame's length prefix exceeds
// MaxFramePayload, in either direction.
var ErrFrameTooLarge = errors.New("frame payload exceeds maximum allowed size")

// WriteFrame writes payload preceded by its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload. It blocks until a full frame
// is available or the underlying reader fails.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
