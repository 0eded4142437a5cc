package roomstate

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peregrine-im/matrix-go/internal/cryptostore"
	"github.com/peregrine-im/matrix-go/internal/olm"
)

type titleEvent struct{ roomID, title string }

type decryptedEvent struct{ roomID, eventID, text string }

type keyRequest struct{ userID, roomID, senderKey, sessionID string }

type fakeRequester struct{ requests []keyRequest }

func (f *fakeRequester) RequestRoomKey(userID, roomID, senderKey, sessionID string) error {
	f.requests = append(f.requests, keyRequest{userID, roomID, senderKey, sessionID})
	return nil
}

type fixture struct {
	engine    *Engine
	store     *cryptostore.Store
	requester *fakeRequester
	titles    []titleEvent
	decrypted []decryptedEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := cryptostore.Open(t.TempDir(), rand.Reader, nil)
	require.NoError(t, err)

	f := &fixture{store: store, requester: &fakeRequester{}}
	f.engine = New(Config{
		Store:     store,
		Requester: f.requester,
		OnTitle: func(roomID, title string) {
			f.titles = append(f.titles, titleEvent{roomID, title})
		},
		OnDecrypted: func(roomID, eventID, text string) {
			f.decrypted = append(f.decrypted, decryptedEvent{roomID, eventID, text})
		},
	})
	return f
}

func stateEvent(t *testing.T, evType, stateKey string, content map[string]any) Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return Event{Type: evType, StateKey: stateKey, Content: raw}
}

func TestNamingTiersMonotonic(t *testing.T) {
	f := newFixture(t)
	const room = "!r:hs"

	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.room.member", "@bob:hs",
		map[string]any{"membership": "join", "displayname": "Bob"})))
	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.room.member", "@alice:hs",
		map[string]any{"membership": "join", "displayname": "Alice"})))
	require.Equal(t, "Alice, Bob", f.engine.Get(room).Name)
	require.Equal(t, TierMembers, f.engine.Get(room).Tier)

	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.room.canonical_alias", "",
		map[string]any{"alias": "#chat:hs"})))
	require.Equal(t, "#chat:hs", f.engine.Get(room).Name)

	// Membership changes no longer feed the title.
	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.room.member", "@carol:hs",
		map[string]any{"membership": "join", "displayname": "Carol"})))
	require.Equal(t, "#chat:hs", f.engine.Get(room).Name)

	// An empty m.room.name must not override the alias.
	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.room.name", "",
		map[string]any{"name": ""})))
	require.Equal(t, "#chat:hs", f.engine.Get(room).Name)
	require.Equal(t, TierCanonicalAlias, f.engine.Get(room).Tier)

	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.room.name", "",
		map[string]any{"name": "Project"})))
	require.Equal(t, "Project", f.engine.Get(room).Name)
	require.Equal(t, TierName, f.engine.Get(room).Tier)

	// Aliases arriving after a NAME-tier name are ignored.
	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.room.canonical_alias", "",
		map[string]any{"alias": "#other:hs"})))
	require.Equal(t, "Project", f.engine.Get(room).Name)
}

func TestMemberLeaveReemitsTitle(t *testing.T) {
	f := newFixture(t)
	const room = "!r:hs"
	f.engine.SetMember(room, "@a:hs", "Ann")
	f.engine.SetMember(room, "@b:hs", "Ben")
	require.Equal(t, "Ann, Ben", f.engine.Get(room).Name)

	f.engine.RemoveMember(room, "@b:hs")
	require.Equal(t, "Ann", f.engine.Get(room).Name)
	require.Equal(t, "Ann", f.titles[len(f.titles)-1].title)
}

func TestPlaintextPassThrough(t *testing.T) {
	f := newFixture(t)
	text, pending, err := f.engine.DecryptMessage("!r:hs", Event{
		Type:    "m.room.message",
		EventID: "$1",
		Content: json.RawMessage(`{"msgtype":"m.text","body":"hello"}`),
	})
	require.NoError(t, err)
	require.False(t, pending)
	require.Equal(t, "hello", text)
}

func encryptedEvent(t *testing.T, eventID, sessionID, ciphertext string) Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"algorithm":  "m.megolm.v1.aes-sha2",
		"sender_key": "sender-curve-key",
		"session_id": sessionID,
		"ciphertext": ciphertext,
	})
	require.NoError(t, err)
	return Event{Type: "m.room.encrypted", EventID: eventID, Sender: "@bot:hs", Content: raw}
}

func groupEncrypt(t *testing.T, out *olm.OutboundGroupSession, body string) string {
	t.Helper()
	plain := fmt.Sprintf(`{"type":"m.room.message","content":{"msgtype":"m.text","body":%q}}`, body)
	ct, err := out.Encrypt([]byte(plain))
	require.NoError(t, err)
	return ct
}

func TestDecryptWithResidentSession(t *testing.T) {
	f := newFixture(t)
	const room = "!r:hs"
	out, err := olm.NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	require.NoError(t, f.engine.ImportSession(room, "sender-curve-key", key))

	text, pending, err := f.engine.DecryptMessage(room, encryptedEvent(t, "$1", out.ID(), groupEncrypt(t, out, "hi")))
	require.NoError(t, err)
	require.False(t, pending)
	require.Equal(t, "hi", text)
}

// One queued encrypted message plus a room key yields exactly one
// decrypted-message event.
func TestExactlyOneDecryptAfterRoomKey(t *testing.T) {
	f := newFixture(t)
	const room = "!r:hs"
	out, err := olm.NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)

	_, pending, err := f.engine.DecryptMessage(room, encryptedEvent(t, "$1", out.ID(), groupEncrypt(t, out, "secret")))
	require.NoError(t, err)
	require.True(t, pending)
	state, ok := f.engine.PendingState(room, out.ID())
	require.True(t, ok)
	require.Equal(t, AwaitingForward, state) // no bridgebot known yet

	require.NoError(t, f.engine.ImportSession(room, "sender-curve-key", key))
	require.Len(t, f.decrypted, 1)
	require.Equal(t, decryptedEvent{room, "$1", "secret"}, f.decrypted[0])

	_, ok = f.engine.PendingState(room, out.ID())
	require.False(t, ok)
}

func TestPendingQueueDrainsInOrder(t *testing.T) {
	f := newFixture(t)
	const room = "!r:hs"
	out, err := olm.NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, pending, err := f.engine.DecryptMessage(room,
			encryptedEvent(t, fmt.Sprintf("$%d", i), out.ID(), groupEncrypt(t, out, fmt.Sprintf("msg %d", i))))
		require.NoError(t, err)
		require.True(t, pending)
	}

	require.NoError(t, f.engine.ImportSession(room, "sender-curve-key", key))
	require.Len(t, f.decrypted, 3)
	for i, d := range f.decrypted {
		require.Equal(t, fmt.Sprintf("$%d", i), d.eventID)
		require.Equal(t, fmt.Sprintf("msg %d", i), d.text)
	}
}

// A decrypt failure mid-queue drops the remaining entries.
func TestQueueDropsRemainderOnFailure(t *testing.T) {
	f := newFixture(t)
	const room = "!r:hs"
	out, err := olm.NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)

	_, _, err = f.engine.DecryptMessage(room, encryptedEvent(t, "$0", out.ID(), groupEncrypt(t, out, "ok")))
	require.NoError(t, err)
	_, _, err = f.engine.DecryptMessage(room, encryptedEvent(t, "$1", out.ID(), "not-a-ciphertext"))
	require.NoError(t, err)
	_, _, err = f.engine.DecryptMessage(room, encryptedEvent(t, "$2", out.ID(), groupEncrypt(t, out, "lost")))
	require.NoError(t, err)

	require.NoError(t, f.engine.ImportSession(room, "sender-curve-key", key))
	require.Len(t, f.decrypted, 1)
	require.Equal(t, "$0", f.decrypted[0].eventID)

	_, ok := f.engine.PendingState(room, out.ID())
	require.False(t, ok, "failed entry must be dropped, not retried")
}

func TestBridgebotKeyRequest(t *testing.T) {
	f := newFixture(t)
	const room = "!r:hs"
	require.NoError(t, f.engine.HandleEvent(room, stateEvent(t, "m.bridge", "",
		map[string]any{"bridgebot": "@bridge:hs"})))

	out, err := olm.NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	_, pending, err := f.engine.DecryptMessage(room, encryptedEvent(t, "$1", out.ID(), groupEncrypt(t, out, "x")))
	require.NoError(t, err)
	require.True(t, pending)

	require.Len(t, f.requester.requests, 1)
	req := f.requester.requests[0]
	require.Equal(t, keyRequest{"@bridge:hs", room, "sender-curve-key", out.ID()}, req)

	state, ok := f.engine.PendingState(room, out.ID())
	require.True(t, ok)
	require.Equal(t, AwaitingSession, state)

	// A second ciphertext for the same session joins the queue without a
	// second key request.
	_, pending, err = f.engine.DecryptMessage(room, encryptedEvent(t, "$2", out.ID(), groupEncrypt(t, out, "y")))
	require.NoError(t, err)
	require.True(t, pending)
	require.Len(t, f.requester.requests, 1)
}

func TestUnknownAlgorithmDropped(t *testing.T) {
	f := newFixture(t)
	raw, err := json.Marshal(map[string]any{
		"algorithm":  "m.olm.v1.curve25519-aes-sha2",
		"session_id": "s",
		"ciphertext": "x",
	})
	require.NoError(t, err)
	text, pending, err := f.engine.DecryptMessage("!r:hs", Event{Type: "m.room.encrypted", Content: raw})
	require.NoError(t, err)
	require.False(t, pending)
	require.Empty(t, text)
}
