package sha256

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyString(t *testing.T) {
	out, err := New(nil, true, 0)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hex.EncodeToString(out[:]))
}

func TestAbc(t *testing.T) {
	out, err := New([]byte("abc"), true, 3)
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(out[:]))
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
