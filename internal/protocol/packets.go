// Package protocol implements the message codecs the relay needs to inspect
// and rewrite game traffic: the family classifier, the line-oriented text
// record codec, the tank packet header, the variant argument list carried by
// remote calls, and the klv handshake token. Every multi-byte value on the
// wire is little-endian.
package protocol

import "errors"

// Family is the 4-byte message tag at the start of every message.
type Family uint32

// Message families.
const (
	FamilyHello  Family = 0 // Server hello, no payload of interest
	FamilyAction Family = 1 // Text record carrying an "action" key
	FamilyText   Family = 2 // Text record (login handshake and friends)
	FamilyBinary Family = 4 // Tank packet

	// FamilyUnknown is reported for any tag outside the table above.
	FamilyUnknown Family = 0xFFFFFFFF
)

// String returns the log name of a family.
func (f Family) String() string {
	switch f {
	case FamilyHello:
		return "hello"
	case FamilyAction:
		return "action"
	case FamilyText:
		return "text"
	case FamilyBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// TankType is the sub-type byte of a BINARY message.
type TankType uint8

// Tank packet types. Only a handful are acted on; the rest are named for logs.
const (
	TankState                 TankType = 0
	TankCallFunction          TankType = 1
	TankUpdateStatus          TankType = 2
	TankTileChangeRequest     TankType = 3
	TankSendMapData           TankType = 4
	TankSendTileUpdateData    TankType = 5
	TankSendTileUpdateMulti   TankType = 6
	TankTileActivateRequest   TankType = 7
	TankTileApplyDamage       TankType = 8
	TankSendInventoryState    TankType = 9
	TankItemActivateRequest   TankType = 10
	TankItemActivateObject    TankType = 11
	TankSendTileTreeState     TankType = 12
	TankModifyItemInventory   TankType = 13
	TankItemChangeObject      TankType = 14
	TankSendLock              TankType = 15
	TankSendItemDatabaseData  TankType = 16
	TankSendParticleEffect    TankType = 17
	TankSetIconState          TankType = 18
	TankItemEffect            TankType = 19
	TankSetCharacterState     TankType = 20
	TankPingReply             TankType = 21
	TankPingRequest           TankType = 22
	TankGotPunched            TankType = 23
	TankAppCheckResponse      TankType = 24
	TankAppIntegrityFail      TankType = 25
	TankDisconnect            TankType = 26
	TankBattleJoin            TankType = 27
)

var tankTypeNames = map[TankType]string{
	TankState:                "state",
	TankCallFunction:         "call_function",
	TankUpdateStatus:         "update_status",
	TankTileChangeRequest:    "tile_change_request",
	TankSendMapData:          "send_map_data",
	TankSendTileUpdateData:   "send_tile_update_data",
	TankSendTileUpdateMulti:  "send_tile_update_multiple",
	TankTileActivateRequest:  "tile_activate_request",
	TankTileApplyDamage:      "tile_apply_damage",
	TankSendInventoryState:   "send_inventory_state",
	TankItemActivateRequest:  "item_activate_request",
	TankItemActivateObject:   "item_activate_object_request",
	TankSendTileTreeState:    "send_tile_tree_state",
	TankModifyItemInventory:  "modify_item_inventory",
	TankItemChangeObject:     "item_change_object",
	TankSendLock:             "send_lock",
	TankSendItemDatabaseData: "send_item_database_data",
	TankSendParticleEffect:   "send_particle_effect",
	TankSetIconState:         "set_icon_state",
	TankItemEffect:           "item_effect",
	TankSetCharacterState:    "set_character_state",
	TankPingReply:            "ping_reply",
	TankPingRequest:          "ping_request",
	TankGotPunched:           "got_punched",
	TankAppCheckResponse:     "app_check_response",
	TankAppIntegrityFail:     "app_integrity_fail",
	TankDisconnect:           "disconnect",
	TankBattleJoin:           "battle_join",
}

// String returns the log name of a tank type.
func (t TankType) String() string {
	if name, ok := tankTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

const (
	// TagSize is the size of the family tag prefix.
	TagSize = 4

	// TankHeaderSize is the fixed tank header that follows the tag of a
	// BINARY message.
	TankHeaderSize = 56

	// MaxPacketSize bounds a single message, framing included.
	MaxPacketSize = 1 << 20
)

// Tank header flag bits.
const (
	// FlagExtended marks a tank packet that carries extended data.
	FlagExtended uint32 = 1 << 3
)

var (
	// ErrMalformedRecord is returned for a text line without a '|' separator.
	ErrMalformedRecord = errors.New("malformed text record")

	// ErrUnknownVariantKind is returned for a variant kind byte outside the
	// supported set.
	ErrUnknownVariantKind = errors.New("unknown variant kind")

	// ErrMalformedPacket is returned for truncated or inconsistent binary
	// input.
	ErrMalformedPacket = errors.New("malformed packet")
)
