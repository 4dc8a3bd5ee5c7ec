package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Envelope is a classified message. Raw is never modified; rewrites build a
// new slice.
type Envelope struct {
	Raw     []byte
	Family  Family
	SubType TankType // BINARY only
}

// Payload returns the bytes after the family tag.
func (e Envelope) Payload() []byte {
	if len(e.Raw) < TagSize {
		return nil
	}
	return e.Raw[TagSize:]
}

// Record decodes the payload of an ACTION or TEXT message.
func (e Envelope) Record() (*Record, error) {
	return DecodeRecord(e.Payload())
}

// Classify reads the family tag and, for BINARY messages, the tank sub-type.
// Unrecognized tags classify as FamilyUnknown without error.
func Classify(b []byte) (Envelope, error) {
	if len(b) < TagSize {
		return Envelope{}, fmt.Errorf("%d byte message has no family tag: %w", len(b), ErrMalformedPacket)
	}

	env := Envelope{Raw: b}
	switch f := Family(binary.LittleEndian.Uint32(b)); f {
	case FamilyHello, FamilyAction, FamilyText:
		env.Family = f
	case FamilyBinary:
		if len(b) < TagSize+1 {
			return Envelope{}, fmt.Errorf("binary message has no tank type: %w", ErrMalformedPacket)
		}
		env.Family = f
		env.SubType = TankType(b[TagSize])
	default:
		env.Family = FamilyUnknown
	}

	return env, nil
}

// CleanValue strips the NUL padding some clients leave on text values.
func CleanValue(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
