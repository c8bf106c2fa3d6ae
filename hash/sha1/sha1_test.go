package sha1

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyString(t *testing.T) {
	out, err := New(nil, true, 0)
	require.NoError(t, err)
	require.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", hex.EncodeToString(out[:]))
}

func TestAbc(t *testing.T) {
	out, err := New([]byte("abc"), true, 3)
	require.NoError(t, err)
	require.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", hex.EncodeToString(out[:]))
}

func TestContinuationAcrossChunks(t *testing.T) {
	msg := make([]byte, 64*3+17)
	for i := range msg {
		msg[i] = byte(i)
	}

	oneShot, err := New(msg, true, uint64(len(msg)))
	require.NoError(t, err)

	var stateArr [Size]byte
	state := stateArr[:]
	copy(state, initialDigest())

	off := 0
	for len(msg)-off >= 128 {
		require.NoError(t, Continue(state, msg[off:off+64], false, 0))
		off += 64
	}
	require.NoError(t, Continue(state, msg[off:], true, uint64(len(msg))))

	require.Equal(t, oneShot[:], state)
}

func TestNonFinalFragmentMustBeAligned(t *testing.T) {
	var state [Size]byte
	copy(state[:], initialDigest())
	err := Continue(state[:], make([]byte, 10), false, 0)
	require.Error(t, err)
}

func initialDigest() []byte {
	var out [Size]byte
	writeHash(&out, initHash)
	return out[:]
}
