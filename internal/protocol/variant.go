package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// VariantKind is the type byte of one variant entry.
type VariantKind uint8

// Variant kinds as they appear on the wire.
const (
	KindFloat  VariantKind = 1
	KindString VariantKind = 2
	KindVec2   VariantKind = 3
	KindVec3   VariantKind = 4
	KindUint32 VariantKind = 5
	KindInt32  VariantKind = 9
)

// String returns the log name of a kind.
func (k VariantKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindVec2:
		return "vec2"
	case KindVec3:
		return "vec3"
	case KindUint32:
		return "uint32"
	case KindInt32:
		return "int32"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Variant is one typed argument of a remote call. Only the field matching
// Kind is meaningful.
type Variant struct {
	Index uint8
	Kind  VariantKind

	Str   string
	Int   int32
	Uint  uint32
	Float float32
	Vec   [3]float32
}

// StringVariant builds a STRING variant.
func StringVariant(s string) Variant { return Variant{Kind: KindString, Str: s} }

// IntVariant builds an INT32 variant.
func IntVariant(v int32) Variant { return Variant{Kind: KindInt32, Int: v} }

// UintVariant builds a UINT32 variant.
func UintVariant(v uint32) Variant { return Variant{Kind: KindUint32, Uint: v} }

// FloatVariant builds a FLOAT variant.
func FloatVariant(v float32) Variant { return Variant{Kind: KindFloat, Float: v} }

// Vec2Variant builds a VEC2 variant.
func Vec2Variant(x, y float32) Variant { return Variant{Kind: KindVec2, Vec: [3]float32{x, y, 0}} }

// Vec3Variant builds a VEC3 variant.
func Vec3Variant(x, y, z float32) Variant { return Variant{Kind: KindVec3, Vec: [3]float32{x, y, z}} }

// AsInt returns the value of an integer variant widened to int64.
func (v Variant) AsInt() (int64, bool) {
	switch v.Kind {
	case KindInt32:
		return int64(v.Int), true
	case KindUint32:
		return int64(v.Uint), true
	case KindFloat:
		return int64(v.Float), true
	default:
		return 0, false
	}
}

// String renders the value for logs.
func (v Variant) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt32:
		return strconv.FormatInt(int64(v.Int), 10)
	case KindUint32:
		return strconv.FormatUint(uint64(v.Uint), 10)
	case KindFloat:
		return strconv.FormatFloat(float64(v.Float), 'g', -1, 32)
	case KindVec2:
		return fmt.Sprintf("(%g, %g)", v.Vec[0], v.Vec[1])
	case KindVec3:
		return fmt.Sprintf("(%g, %g, %g)", v.Vec[0], v.Vec[1], v.Vec[2])
	default:
		return "?"
	}
}

// VariantList is an ordered list of variants. The first entry of a remote
// call is the function name.
type VariantList []Variant

// Name returns the function name of a call, or "" if the list does not start
// with a string.
func (l VariantList) Name() string {
	if len(l) == 0 || l[0].Kind != KindString {
		return ""
	}
	return l[0].Str
}

// At returns the variant at position i.
func (l VariantList) At(i int) (Variant, bool) {
	if i < 0 || i >= len(l) {
		return Variant{}, false
	}
	return l[i], true
}

// String renders the list one entry per line, as "[index]: value".
func (l VariantList) String() string {
	var sb strings.Builder
	for i, v := range l {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%d]: %s", v.Index, v.String())
	}
	return sb.String()
}

// DecodeVariants parses a variant list: a count byte followed by
// [index:1][kind:1][value] entries.
func DecodeVariants(b []byte) (VariantList, error) {
	r := bytes.NewReader(b)

	count, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("variant count: %w", ErrMalformedPacket)
	}

	list := make(VariantList, 0, count)
	for i := 0; i < int(count); i++ {
		v, err := readVariant(r)
		if err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		list = append(list, v)
	}

	return list, nil
}

func readVariant(r *bytes.Reader) (Variant, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Variant{}, ErrMalformedPacket
	}

	v := Variant{Index: hdr[0], Kind: VariantKind(hdr[1])}

	var err error
	switch v.Kind {
	case KindFloat:
		err = binary.Read(r, binary.LittleEndian, &v.Float)
	case KindString:
		var n uint32
		if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
			break
		}
		if int64(n) > int64(r.Len()) {
			return Variant{}, fmt.Errorf("string of %d bytes with %d left: %w", n, r.Len(), ErrMalformedPacket)
		}
		s := make([]byte, n)
		_, err = io.ReadFull(r, s)
		v.Str = string(s)
	case KindVec2:
		err = binary.Read(r, binary.LittleEndian, v.Vec[:2])
	case KindVec3:
		err = binary.Read(r, binary.LittleEndian, v.Vec[:])
	case KindUint32:
		err = binary.Read(r, binary.LittleEndian, &v.Uint)
	case KindInt32:
		err = binary.Read(r, binary.LittleEndian, &v.Int)
	default:
		return Variant{}, fmt.Errorf("kind %d at index %d: %w", hdr[1], hdr[0], ErrUnknownVariantKind)
	}

	if err != nil {
		return Variant{}, fmt.Errorf("%s value: %w", v.Kind, ErrMalformedPacket)
	}
	return v, nil
}

// EncodeVariants serializes a list with its count byte. Indexes are written
// as stored.
func EncodeVariants(list VariantList) ([]byte, error) {
	if len(list) > math.MaxUint8 {
		return nil, fmt.Errorf("%d variants exceed the count byte: %w", len(list), ErrMalformedPacket)
	}

	b := NewPacketBuilder()
	b.WriteUint8(byte(len(list)))
	for _, v := range list {
		b.WriteUint8(v.Index).WriteUint8(byte(v.Kind))
		switch v.Kind {
		case KindFloat:
			b.WriteFloat32(v.Float)
		case KindString:
			b.WriteLongString(v.Str)
		case KindVec2:
			b.WriteFloat32(v.Vec[0]).WriteFloat32(v.Vec[1])
		case KindVec3:
			b.WriteFloat32(v.Vec[0]).WriteFloat32(v.Vec[1]).WriteFloat32(v.Vec[2])
		case KindUint32:
			b.WriteUint32(v.Uint)
		case KindInt32:
			b.WriteInt32(v.Int)
		default:
			return nil, fmt.Errorf("kind %d at index %d: %w", v.Kind, v.Index, ErrUnknownVariantKind)
		}
	}
	return b.Build(), nil
}

// CallOptions are the tank header fields a CALL_FUNCTION message carries
// besides its arguments.
type CallOptions struct {
	NetID int32
	Delay int32
}

// DefaultCallOptions targets no particular object and runs immediately.
func DefaultCallOptions() CallOptions {
	return CallOptions{NetID: -1, Delay: 0}
}

// VariantOf infers a variant from a Go value.
func VariantOf(arg any) (Variant, error) {
	switch a := arg.(type) {
	case Variant:
		return a, nil
	case string:
		return StringVariant(a), nil
	case int:
		return IntVariant(int32(a)), nil
	case int8:
		return IntVariant(int32(a)), nil
	case int16:
		return IntVariant(int32(a)), nil
	case int32:
		return IntVariant(a), nil
	case int64:
		return IntVariant(int32(a)), nil
	case uint8:
		return UintVariant(uint32(a)), nil
	case uint16:
		return UintVariant(uint32(a)), nil
	case uint32:
		return UintVariant(a), nil
	case uint:
		return UintVariant(uint32(a)), nil
	case float32:
		return FloatVariant(a), nil
	case float64:
		return FloatVariant(float32(a)), nil
	case [2]float32:
		return Vec2Variant(a[0], a[1]), nil
	case [3]float32:
		return Vec3Variant(a[0], a[1], a[2]), nil
	default:
		return Variant{}, fmt.Errorf("cannot encode %T as variant: %w", arg, ErrUnknownVariantKind)
	}
}

// EncodeCall builds a complete CALL_FUNCTION message: the function name and
// args become a variant list, the list becomes the tank packet's extended
// data, and the tank packet is wrapped in the BINARY family tag. Args are
// indexed from 1 in order; Variant args keep their kind and value.
func EncodeCall(opts CallOptions, name string, args ...any) ([]byte, error) {
	list := make(VariantList, 0, len(args)+1)
	list = append(list, StringVariant(name))
	for _, arg := range args {
		v, err := VariantOf(arg)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	for i := range list {
		list[i].Index = uint8(i)
	}
	return EncodeCallList(opts, list)
}

// EncodeCallList builds a CALL_FUNCTION message from an existing list,
// keeping its indexes.
func EncodeCallList(opts CallOptions, list VariantList) ([]byte, error) {
	extra, err := EncodeVariants(list)
	if err != nil {
		return nil, err
	}

	tank := &TankPacket{
		Type:  TankCallFunction,
		NetID: opts.NetID,
		Value: opts.Delay,
		Flags: FlagExtended,
		Extra: extra,
	}
	return tank.EncodeMessage(), nil
}

// DecodeCall parses a full CALL_FUNCTION message into its variant list and
// tank header.
func DecodeCall(msg []byte) (VariantList, *TankPacket, error) {
	tank, err := DecodeTankMessage(msg)
	if err != nil {
		return nil, nil, err
	}
	if tank.Type != TankCallFunction {
		return nil, tank, fmt.Errorf("tank type %s is not call_function: %w", tank.Type, ErrMalformedPacket)
	}

	list, err := DecodeVariants(tank.Extra)
	if err != nil {
		return nil, tank, err
	}
	return list, tank, nil
}
