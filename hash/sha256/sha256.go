// Package sha256 implements the SHA-256 one-way hash with an explicit
// continuation state, mirroring the streaming design of hash/sha1: a
// 64-byte-aligned fragment can be folded into the running hash with
// Continue, and the final fragment (any length) is finalized with the
// standard 0x80 pad, zero padding and 64-bit big-endian bit length.
package sha256

import "encoding/binary"

// Size is the size, in bytes, of a SHA-256 digest.
const Size = 32

const chunk = 64

var initHash = [8]uint32{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

var k = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5,
	0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3,
	0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc,
	0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7,
	0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13,
	0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3,
	0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5,
	0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208,
	0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

func ror(x uint32, n uint) uint32 {
	return (x << (32 - n)) | (x >> n)
}

// New seeds the initial hash constants then delegates to Continue.
func New(message []byte, final bool, totalBytes uint64) (out [Size]byte, err error) {
	var h [8]uint32
	copy(h[:], initHash[:])
	writeHash(&out, h)

	if err := Continue(out[:], message, final, totalBytes); err != nil {
		return out, err
	}

	return out, nil
}

func readHash(b [Size]byte, h *[8]uint32) {
	for i := range h {
		h[i] = binary.BigEndian.Uint32(b[i*4:])
	}
}

func writeHash(b *[Size]byte, h [8]uint32) {
	for i, v := range h {
		binary.BigEndian.PutUint32(b[i*4:], v)
	}
}

// Continue hashes the next fragment, reading and updating the
// intermediate hash held as big-endian dwords in state. See
// hash/sha1.Continue for the exact continuation/finalization contract;
// it is identical here.
func Continue(state []byte, message []byte, final bool, totalBytes uint64) error {
	if len(state) < Size {
		return errInvalidState
	}

	if !final && len(message)%chunk != 0 {
		return errUnalignedFragment
	}

	var h [8]uint32
	readHash([Size]byte(state[:Size]), &h)

	for len(message) >= chunk {
		hashChunk(message[:chunk], &h)
		message = message[chunk:]
	}

	if final {
		var last [128]byte
		n := copy(last[:], message)
		last[n] = 0x80

		if n <= 55 {
			binary.BigEndian.PutUint64(last[56:64], totalBytes<<3)
			hashChunk(last[:64], &h)
		} else {
			binary.BigEndian.PutUint64(last[120:128], totalBytes<<3)
			hashChunk(last[:64], &h)
			hashChunk(last[64:128], &h)
		}

		for i := range last {
			last[i] = 0
		}
	}

	var out [Size]byte
	writeHash(&out, h)
	copy(state[:Size], out[:])

	return nil
}

func hashChunk(buf []byte, h *[8]uint32) {
	var w [64]uint32

	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(buf[i*4:])
	}

	for i := 16; i < 64; i++ {
		s0 := ror(w[i-15], 7) ^ ror(w[i-15], 18) ^ (w[i-15] >> 3)
		s1 := ror(w[i-2], 17) ^ ror(w[i-2], 19) ^ (w[i-2] >> 10)
		w[i] = w[i-16] + s0 + w[i-7] + s1
	}

	a, b, c, d, e, f, g, hh := h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7]

	for i := 0; i < 64; i++ {
		s1 := ror(e, 6) ^ ror(e, 11) ^ ror(e, 25)
		ch := (e & f) ^ (^e & g)
		tmp1 := hh + s1 + ch + k[i] + w[i]
		s0 := ror(a, 2) ^ ror(a, 13) ^ ror(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		tmp2 := s0 + maj

		hh = g
		g = f
		f = e
		e = d + tmp1
		d = c
		c = b
		b = a
		a = tmp1 + tmp2
	}

	h[0] += a
	h[1] += b
	h[2] += c
	h[3] += d
	h[4] += e
	h[5] += f
	h[6] += g
	h[7] += hh

	for i := range w {
		w[i] = 0
	}
}

var (
	errInvalidState      = stateError("sha256: state buffer shorter than digest size")
	errUnalignedFragment = stateError("sha256: non-final fragment must be a multiple of 512 bits")
)

type stateError string

func (e stateError) Error() string { return string(e) }
