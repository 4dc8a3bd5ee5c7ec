package protocol

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Opaque constants of the klv hash chain.
const (
	klvSalt0 = "e9fc40ec08f9ea6393f59c65e37f750aacddf68490c4f92d0d2523a5bc02ea63"
	klvSalt1 = "c85df9056ee603b849a93e1ebab5dd5f66e1fb8b2f4a8caef8d13b9f9e013fa4"
	klvSalt2 = "3ca373dffbf463bb337e0fd768a2f395b8e417475438916506c721551f32038d"
	klvSalt3 = "73eff5914c61a20a71ada81a6fc7780700fb1c0285659b4899bc172a24c14fc1"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// GenerateKLV computes the handshake token the official client derives from
// the protocol number, game version and request id. The result is 64
// lowercase hex characters. Inputs are hashed as their UTF-8 bytes.
func GenerateKLV(protocol int, version, requestID string) string {
	p := strconv.Itoa(protocol)

	h0 := sha256Hex(md5Hex(sha256Hex(p)))
	h1 := sha256Hex(sha256Hex(version))
	h2 := sha256Hex(sha256Hex(p + klvSalt3))
	hid := sha256Hex(md5Hex(requestID))

	var sb strings.Builder
	sb.Grow(7 * 64)
	sb.WriteString(h0)
	sb.WriteString(klvSalt0)
	sb.WriteString(h1)
	sb.WriteString(klvSalt1)
	sb.WriteString(hid)
	sb.WriteString(klvSalt2)
	sb.WriteString(h2)

	return sha256Hex(sb.String())
}
