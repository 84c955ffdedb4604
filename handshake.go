package msgnet

import (
	"encoding/binary"
	"math/rand/v2"
	"time"
)

// Scrambler constants shared by both ends.
//
// Scramble is keyless obfuscation used as the handshake response function.
// It only proves the peer speaks this protocol; it is not a security boundary
// and must stay bit-for-bit stable for interoperability.
const (
	scrambleIn  uint64 = 0x12345678ABCD1234
	scrambleOut uint64 = 0x4321DCBA87654321
)

// handshakeSize is the size of the challenge and of the response.
const handshakeSize = 8

// Scramble maps a handshake challenge to its expected response.
func Scramble(x uint64) uint64 {
	out := x ^ scrambleIn
	out = (out&0xF0F0F0F0F0F0F0F0)>>4 | (out&0x0F0F0F0F0F0F0F0F)<<4
	return out ^ scrambleOut
}

// newChallenge returns a pseudo-random challenge seeded from the current time.
func newChallenge() uint64 {
	now := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(now, now^scrambleIn)).Uint64()
}

func encodeHandshake(v uint64) []byte {
	buf := make([]byte, handshakeSize)
	binary.NativeEndian.PutUint64(buf, v)
	return buf
}

func decodeHandshake(buf []byte) uint64 {
	return binary.NativeEndian.Uint64(buf)
}
