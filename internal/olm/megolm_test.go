package olm

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMegolmRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)

	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := NewInboundGroupSession(key, "sender-curve-key")
	require.NoError(t, err)
	require.Equal(t, out.ID(), in.ID())

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("message %d", i)
		ct, err := out.Encrypt([]byte(msg))
		require.NoError(t, err)
		plain, index, err := in.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, msg, string(plain))
		require.Equal(t, uint32(i), index)
	}
}

func TestMegolmEarlierMessageStaysDecryptable(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := NewInboundGroupSession(key, "sender")
	require.NoError(t, err)

	ct0, err := out.Encrypt([]byte("zero"))
	require.NoError(t, err)
	ct1, err := out.Encrypt([]byte("one"))
	require.NoError(t, err)

	// Later message first: the stored ratchet must not advance.
	plain, _, err := in.Decrypt(ct1)
	require.NoError(t, err)
	require.Equal(t, "one", string(plain))

	plain, _, err = in.Decrypt(ct0)
	require.NoError(t, err)
	require.Equal(t, "zero", string(plain))
}

func TestMegolmLateJoinCannotReadHistory(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)

	ct0, err := out.Encrypt([]byte("before the share"))
	require.NoError(t, err)

	// Session key exported after the first message.
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := NewInboundGroupSession(key, "sender")
	require.NoError(t, err)

	_, _, err = in.Decrypt(ct0)
	require.ErrorIs(t, err, ErrBadMessage)

	ct1, err := out.Encrypt([]byte("after the share"))
	require.NoError(t, err)
	plain, _, err := in.Decrypt(ct1)
	require.NoError(t, err)
	require.Equal(t, "after the share", string(plain))
}

func TestMegolmRatchetRollover(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := NewInboundGroupSession(key, "sender")
	require.NoError(t, err)

	// Cross the 2^8 boundary so part 2 of the ratchet rolls over.
	var last string
	for i := 0; i < 260; i++ {
		last, err = out.Encrypt([]byte("tick"))
		require.NoError(t, err)
	}
	plain, index, err := in.Decrypt(last)
	require.NoError(t, err)
	require.Equal(t, "tick", string(plain))
	require.Equal(t, uint32(259), index)
}

func TestMegolmSignatureTamper(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := NewInboundGroupSession(key, "sender")
	require.NoError(t, err)

	ct, err := out.Encrypt([]byte("signed"))
	require.NoError(t, err)
	b := []byte(ct)
	b[0] ^= 0x01
	_, _, err = in.Decrypt(string(b))
	require.ErrorIs(t, err, ErrBadMessage)
}

func TestMegolmPickleRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := NewInboundGroupSession(key, "sender")
	require.NoError(t, err)

	data, err := in.Pickle()
	require.NoError(t, err)
	restored, err := UnpickleInboundGroupSession(data)
	require.NoError(t, err)
	require.Equal(t, in.ID(), restored.ID())

	ct, err := out.Encrypt([]byte("persisted"))
	require.NoError(t, err)
	plain, _, err := restored.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(plain))

	outData, err := out.Pickle()
	require.NoError(t, err)
	outRestored, err := UnpickleOutboundGroupSession(outData)
	require.NoError(t, err)
	require.Equal(t, out.ID(), outRestored.ID())
}

func TestMegolmExportForwarding(t *testing.T) {
	out, err := NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	first, err := NewInboundGroupSession(key, "sender")
	require.NoError(t, err)

	// Forward from the first receiver to a second one.
	exported, err := first.Export()
	require.NoError(t, err)
	second, err := NewInboundGroupSession(exported, "sender")
	require.NoError(t, err)

	ct, err := out.Encrypt([]byte("forwarded"))
	require.NoError(t, err)
	plain, _, err := second.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "forwarded", string(plain))
}
