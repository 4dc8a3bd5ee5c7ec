package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

// PacketBuilder constructs little-endian binary messages.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteLongString writes a string with a 4-byte length prefix.
// Format: [length:4][string bytes...]
func (b *PacketBuilder) WriteLongString(s string) *PacketBuilder {
	b.WriteUint32(uint32(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteNullString writes a null-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns a copy of the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// BuildWithFamily returns the constructed bytes prefixed with a family tag.
func (b *PacketBuilder) BuildWithFamily(f Family) []byte {
	data := b.buf.Bytes()
	result := make([]byte, TagSize+len(data))
	binary.LittleEndian.PutUint32(result[:TagSize], uint32(f))
	copy(result[TagSize:], data)
	return result
}

// BuildTextMessage frames a record as an ACTION or TEXT message. The payload
// is NUL-terminated the way the game client sends it.
func BuildTextMessage(f Family, rec *Record) []byte {
	return NewPacketBuilder().
		WriteNullString(string(rec.Encode())).
		BuildWithFamily(f)
}
