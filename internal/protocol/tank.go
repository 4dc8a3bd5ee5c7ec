package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TankPacket is the fixed 56-byte header of a BINARY message plus its
// extended data.
//
// Header layout (offsets relative to the byte after the family tag):
//
//	0  type        u8     28 y        f32
//	1  objType     u8     32 xSpeed   f32
//	2  jumpCount   u8     36 ySpeed   f32
//	3  animType    u8     40 rotation f32
//	4  netID       i32    44 intX     i32
//	8  targetNetID i32    48 intY     i32
//	12 flags       u32    52 extraLen u32
//	16 floatValue  f32
//	20 value       i32 (call delay for CALL_FUNCTION)
//	24 x           f32
type TankPacket struct {
	Type        TankType
	ObjType     uint8
	JumpCount   uint8
	AnimType    uint8
	NetID       int32
	TargetNetID int32
	Flags       uint32
	FloatValue  float32
	Value       int32
	X, Y        float32
	XSpeed      float32
	YSpeed      float32
	Rotation    float32
	IntX, IntY  int32
	Extra       []byte
}

// DecodeTank parses a tank packet starting at the byte after the family tag.
func DecodeTank(b []byte) (*TankPacket, error) {
	if len(b) < TankHeaderSize {
		return nil, fmt.Errorf("tank header needs %d bytes, have %d: %w",
			TankHeaderSize, len(b), ErrMalformedPacket)
	}

	le := binary.LittleEndian
	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(b[off:])) }

	t := &TankPacket{
		Type:        TankType(b[0]),
		ObjType:     b[1],
		JumpCount:   b[2],
		AnimType:    b[3],
		NetID:       int32(le.Uint32(b[4:])),
		TargetNetID: int32(le.Uint32(b[8:])),
		Flags:       le.Uint32(b[12:]),
		FloatValue:  f32(16),
		Value:       int32(le.Uint32(b[20:])),
		X:           f32(24),
		Y:           f32(28),
		XSpeed:      f32(32),
		YSpeed:      f32(36),
		Rotation:    f32(40),
		IntX:        int32(le.Uint32(b[44:])),
		IntY:        int32(le.Uint32(b[48:])),
	}

	extraLen := le.Uint32(b[52:])
	rest := b[TankHeaderSize:]
	if uint64(extraLen) > uint64(len(rest)) {
		return nil, fmt.Errorf("tank extra data declares %d bytes, have %d: %w",
			extraLen, len(rest), ErrMalformedPacket)
	}
	if extraLen > 0 {
		t.Extra = append([]byte(nil), rest[:extraLen]...)
	}

	return t, nil
}

// DecodeTankMessage parses a full BINARY message including its family tag.
func DecodeTankMessage(msg []byte) (*TankPacket, error) {
	if len(msg) < TagSize {
		return nil, fmt.Errorf("message shorter than tag: %w", ErrMalformedPacket)
	}
	if f := Family(binary.LittleEndian.Uint32(msg)); f != FamilyBinary {
		return nil, fmt.Errorf("family %s is not binary: %w", f, ErrMalformedPacket)
	}
	return DecodeTank(msg[TagSize:])
}

// Encode serializes the header and extended data. The extended flag is set
// whenever extra data is present.
func (t *TankPacket) Encode() []byte {
	flags := t.Flags
	if len(t.Extra) > 0 {
		flags |= FlagExtended
	}

	b := NewPacketBuilder()
	b.WriteUint8(byte(t.Type)).
		WriteUint8(t.ObjType).
		WriteUint8(t.JumpCount).
		WriteUint8(t.AnimType).
		WriteInt32(t.NetID).
		WriteInt32(t.TargetNetID).
		WriteUint32(flags).
		WriteFloat32(t.FloatValue).
		WriteInt32(t.Value).
		WriteFloat32(t.X).
		WriteFloat32(t.Y).
		WriteFloat32(t.XSpeed).
		WriteFloat32(t.YSpeed).
		WriteFloat32(t.Rotation).
		WriteInt32(t.IntX).
		WriteInt32(t.IntY).
		WriteUint32(uint32(len(t.Extra))).
		WriteBytes(t.Extra)
	return b.Build()
}

// EncodeMessage serializes the tank packet wrapped in the BINARY family tag.
func (t *TankPacket) EncodeMessage() []byte {
	b := NewPacketBuilder()
	b.WriteBytes(t.Encode())
	return b.BuildWithFamily(FamilyBinary)
}
