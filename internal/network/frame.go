package network

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/relaygate-project/relaygate/internal/protocol"
)

// FrameHeaderSize is the length prefix in front of every message on a
// stream-mode session.
const FrameHeaderSize = 4

// ReadFrame reads a single length-prefixed message.
// Frame format: [4-byte LE length][message bytes...]
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, fmt.Errorf("received zero-length frame: %w", protocol.ErrMalformedPacket)
	}
	if length > protocol.MaxPacketSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d): %w",
			length, protocol.MaxPacketSize, protocol.ErrMalformedPacket)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", length, err)
	}

	return payload, nil
}

// WriteFrame writes data with its length prefix in a single Write call.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > protocol.MaxPacketSize {
		return fmt.Errorf("invalid frame size %d: %w", len(data), protocol.ErrMalformedPacket)
	}

	buf := make([]byte, FrameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[FrameHeaderSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
