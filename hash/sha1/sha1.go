// Package sha1 implements the SHA-1 one-way hash with an explicit
// continuation state, for use by code (the user-credential store, in
// particular) that streams a message in fragments rather than holding it
// entirely in memory at once.
//
// Two modes are exposed: Continue, for 64-byte-aligned fragments that are
// not the end of the message, and the finalizing path reached by passing
// final=true to Continue, which appends the standard 0x80 pad, zero
// padding and a 64-bit big-endian bit length before hashing the last one
// or two chunks.
package sha1

import "encoding/binary"

// Size is the size, in bytes, of a SHA-1 digest.
const Size = 20

const chunk = 64

var initHash = [5]uint32{0x67452301, 0xEFCDAB89, 0x98BADCFE, 0x10325476, 0xC3D2E1F0}

func rol(x uint32, n uint) uint32 {
	return (x << n) | (x >> (32 - n))
}

// New seeds the initial hash constants into a fresh digest, then
// delegates to Continue. It is the entry point for hashing a message from
// scratch.
func New(message []byte, final bool, totalBytes uint64) (out [Size]byte, err error) {
	var h [5]uint32
	copy(h[:], initHash[:])

	writeHash(&out, h)

	if err := Continue(out[:], message, final, totalBytes); err != nil {
		return out, err
	}

	readHash(out, &h)
	writeHash(&out, h)

	return out, nil
}

func readHash(b [Size]byte, h *[5]uint32) {
	for i := range h {
		h[i] = binary.BigEndian.Uint32(b[i*4:])
	}
}

func writeHash(b *[Size]byte, h [5]uint32) {
	for i, v := range h {
		binary.BigEndian.PutUint32(b[i*4:], v)
	}
}

// Continue hashes the next fragment of a message, reading and updating the
// intermediate hash held (as big-endian dwords) in state.
//
// If final is false, len(message) must be a multiple of 64 bytes — any
// remainder is the caller's to carry into the next call. If final is
// true, message is the last fragment (of any length, including zero) and
// totalBytes is the full message length in bytes, across every fragment
// hashed so far including this one; the function performs the standard
// pad-and-length-append finalization before returning the completed
// digest in state.
func Continue(state []byte, message []byte, final bool, totalBytes uint64) error {
	if len(state) < Size {
		return errInvalidState
	}

	if !final && len(message)%chunk != 0 {
		return errUnalignedFragment
	}

	var h [5]uint32
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

func hashChunk(buf []byte, h *[5]uint32) {
	var w [80]uint32

	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(buf[i*4:])
	}

	for i := 16; i < 80; i++ {
		w[i] = rol(w[i-3]^w[i-8]^w[i-14]^w[i-16], 1)
	}

	a, b, c, d, e := h[0], h[1], h[2], h[3], h[4]

	for i := 0; i < 80; i++ {
		var f, k uint32

		switch {
		case i < 20:
			f = (b & c) | (^b & d)
			k = 0x5A827999
		case i < 40:
			f = b ^ c ^ d
			k = 0x6ED9EBA1
		case i < 60:
			f = (b & c) | (b & d) | (c & d)
			k = 0x8F1BBCDC
		default:
			f = b ^ c ^ d
			k = 0xCA62C1D6
		}

		tmp := rol(a, 5) + f + e + k + w[i]
		e = d
		d = c
		c = rol(b, 30)
		b = a
		a = tmp
	}

	h[0] += a
	h[1] += b
	h[2] += c
	h[3] += d
	h[4] += e

	for i := range w {
		w[i] = 0
	}
}

var (
	errInvalidState      = stateError("sha1: state buffer shorter than digest size")
	errUnalignedFragment = stateError("sha1: non-final fragment must be a multiple of 512 bits")
)

type stateError string

func (e stateError) Error() string { return string(e) }
