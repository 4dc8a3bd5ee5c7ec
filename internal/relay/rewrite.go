package relay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaygate-project/relaygate/internal/protocol"
)

// Remote calls the relay rewrites on the server to client leg.
const (
	callConsoleMessage = "OnConsoleMessage"
	callSpawn          = "OnSpawn"
	callSendToServer   = "OnSendToServer"
)

// Rewrite rule names, used as metric labels.
const (
	ruleLogin        = "login"
	ruleConsole      = "console_prefix"
	ruleSpawn        = "spawn_mod_state"
	ruleSendToServer = "send_to_server"
)

// loginRewrite injects session material into a client login record. The
// first klv the client offers is cached on the session and replayed on every
// later login, including logins after a hand-off. It returns the token the
// relay would have generated itself, which is logged for comparison only.
func loginRewrite(rec *protocol.Record, s *Session, country string) string {
	rec.Set("meta", s.Meta)
	rec.Set("country", country)

	if s.KLV == "" {
		if klv, ok := rec.Get("klv"); ok {
			s.KLV = protocol.CleanValue(klv)
		}
	}
	if s.KLV != "" {
		rec.Set("klv", s.KLV)
	}

	proto, _ := rec.Get("protocol")
	version, _ := rec.Get("game_version")
	rid, _ := rec.Get("rid")
	n, err := strconv.Atoi(strings.TrimSpace(protocol.CleanValue(proto)))
	if err != nil {
		return ""
	}
	return protocol.GenerateKLV(n, protocol.CleanValue(version), protocol.CleanValue(rid))
}

// consoleRewrite prefixes the text argument of an OnConsoleMessage call.
func consoleRewrite(list protocol.VariantList, prefix string) error {
	v, ok := list.At(1)
	if !ok || v.Kind != protocol.KindString {
		return fmt.Errorf("%s: missing text argument: %w", callConsoleMessage, protocol.ErrMalformedPacket)
	}
	list[1].Str = prefix + v.Str
	return nil
}

// spawnRewrite marks the local avatar as a moderator in an OnSpawn call so
// the client unlocks its moderator-only views.
func spawnRewrite(list protocol.VariantList) error {
	v, ok := list.At(1)
	if !ok || v.Kind != protocol.KindString {
		return fmt.Errorf("%s: missing spawn record: %w", callSpawn, protocol.ErrMalformedPacket)
	}

	rec, err := protocol.DecodeRecord([]byte(v.Str))
	if err != nil {
		return fmt.Errorf("%s: %w", callSpawn, err)
	}
	rec.Set("mstate", "1")
	rec.Set("smstate", "0")
	list[1].Str = string(rec.Encode())
	return nil
}

// parseSendToServer extracts the hand-off target from an OnSendToServer call.
// Arguments: port, token, user id, "host|door|session", login mode.
func parseSendToServer(list protocol.VariantList) (HandoffTarget, error) {
	var t HandoffTarget

	portV, ok := list.At(1)
	if !ok {
		return t, fmt.Errorf("%s: missing port: %w", callSendToServer, protocol.ErrMalformedPacket)
	}
	port, ok := portV.AsInt()
	if !ok || port < 1 || port > 65535 {
		return t, fmt.Errorf("%s: invalid port %s: %w", callSendToServer, portV, protocol.ErrMalformedPacket)
	}
	t.Port = int(port)

	if v, ok := list.At(2); ok {
		t.Token, _ = v.AsInt()
	}
	if v, ok := list.At(3); ok {
		t.UserID, _ = v.AsInt()
	}

	addrV, ok := list.At(4)
	if !ok || addrV.Kind != protocol.KindString {
		return t, fmt.Errorf("%s: missing address: %w", callSendToServer, protocol.ErrMalformedPacket)
	}
	parts := strings.SplitN(protocol.CleanValue(addrV.Str), "|", 3)
	t.Host = strings.TrimSpace(parts[0])
	if t.Host == "" {
		return t, fmt.Errorf("%s: empty host: %w", callSendToServer, protocol.ErrMalformedPacket)
	}
	if len(parts) > 1 {
		t.DoorID = parts[1]
	}
	if len(parts) > 2 {
		t.SessionToken = parts[2]
	}
	return t, nil
}

// sendToServerRewrite points an OnSendToServer call at the relay. The port
// keeps its variant kind.
func sendToServerRewrite(list protocol.VariantList, t HandoffTarget, publicHost string, port int) {
	switch list[1].Kind {
	case protocol.KindUint32:
		list[1].Uint = uint32(port)
	case protocol.KindFloat:
		list[1].Float = float32(port)
	default:
		list[1].Kind = protocol.KindInt32
		list[1].Int = int32(port)
	}
	list[4].Str = publicHost + "|" + t.DoorID + "|" + t.SessionToken
}
