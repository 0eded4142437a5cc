package engine

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peregrine-im/matrix-go/internal/olm"
	"github.com/peregrine-im/matrix-go/internal/transport"
)

// fakeHS is a minimal homeserver speaking just enough HTTP/1.1 for the
// engine: keep-alive, Content-Length or chunked framing, JSON bodies.
// closeAfterSync drops the connection after serving that many sync
// responses, simulating a proxy cutting the long poll.
type fakeHS struct {
	t              *testing.T
	ln             net.Listener
	chunked        bool
	closeAfterSync int

	mu        sync.Mutex
	syncPaths []string
	uploads   []json.RawMessage
	firstSync json.RawMessage
}

func newFakeHS(t *testing.T, firstSync json.RawMessage) *fakeHS {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hs := &fakeHS{t: t, ln: ln, firstSync: firstSync}
	go hs.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return hs
}

func (hs *fakeHS) dial() transport.DialFunc {
	return func() (net.Conn, error) {
		return net.Dial("tcp", hs.ln.Addr().String())
	}
}

func (hs *fakeHS) acceptLoop() {
	for {
		conn, err := hs.ln.Accept()
		if err != nil {
			return
		}
		go hs.serve(conn)
	}
}

func (hs *fakeHS) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		reqLine, err := br.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.Fields(strings.TrimSpace(reqLine))
		if len(parts) < 2 {
			return
		}
		method, target := parts[0], parts[1]

		contentLength := 0
		for {
			h, err := br.ReadString('\n')
			if err != nil {
				return
			}
			h = strings.TrimSpace(h)
			if h == "" {
				break
			}
			if name, value, ok := strings.Cut(h, ":"); ok &&
				strings.EqualFold(strings.TrimSpace(name), "content-length") {
				contentLength, _ = strconv.Atoi(strings.TrimSpace(value))
			}
		}
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return
		}

		respBody, err := json.Marshal(hs.route(method, target, body))
		if err != nil {
			return
		}
		if hs.chunked {
			fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\n\r\n")
			half := len(respBody) / 2
			for _, part := range [][]byte{respBody[:half], respBody[half:]} {
				if len(part) > 0 {
					fmt.Fprintf(conn, "%x\r\n%s\r\n", len(part), part)
				}
			}
			io.WriteString(conn, "0\r\n\r\n")
		} else {
			fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n", len(respBody))
			conn.Write(respBody)
		}
		if hs.dropConn(target) {
			return
		}
	}
}

func (hs *fakeHS) dropConn(target string) bool {
	if !strings.HasPrefix(target, apiPrefix+"/sync") {
		return false
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.closeAfterSync > 0 && len(hs.syncPaths) == hs.closeAfterSync
}

func (hs *fakeHS) route(method, target string, body []byte) any {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	switch {
	case strings.HasPrefix(target, apiPrefix+"/login"):
		return map[string]any{
			"user_id":      "@me:hs",
			"access_token": "tok",
			"device_id":    "DEV1",
		}
	case strings.HasPrefix(target, apiPrefix+"/keys/upload"):
		hs.uploads = append(hs.uploads, append(json.RawMessage(nil), body...))
		return map[string]any{
			"one_time_key_counts": map[string]any{"signed_curve25519": 15},
		}
	case strings.HasPrefix(target, apiPrefix+"/keys/query"):
		return map[string]any{
			"device_keys": map[string]any{
				"@me:hs": map[string]any{"DEV1": map[string]any{
					"device_id": "DEV1",
					"keys":      map[string]any{},
				}},
			},
		}
	case strings.HasPrefix(target, apiPrefix+"/sync"):
		hs.syncPaths = append(hs.syncPaths, target)
		if len(hs.syncPaths) == 1 {
			return hs.firstSync
		}
		return map[string]any{"next_batch": fmt.Sprintf("b%d", len(hs.syncPaths))}
	case strings.Contains(target, "/messages"):
		return map[string]any{
			"start": "hist-start",
			"end":   "hist-end",
			"chunk": []any{map[string]any{
				"type":             "m.room.message",
				"event_id":         "$old",
				"sender":           "@a:hs",
				"origin_server_ts": 123,
				"content":          map[string]any{"msgtype": "m.text", "body": "old news"},
			}},
		}
	case strings.HasPrefix(target, apiPrefix+"/sendToDevice/"):
		return map[string]any{}
	}
	hs.t.Errorf("fake homeserver: unhandled %s %s", method, target)
	return map[string]any{}
}

// firstSyncPayload builds a sync response carrying a room key to-device
// event, a member join and a megolm message encrypted with that key.
func firstSyncPayload(t *testing.T) json.RawMessage {
	t.Helper()
	out, err := olm.NewOutboundGroupSession(rand.Reader)
	require.NoError(t, err)
	sessionKey, err := out.SessionKey()
	require.NoError(t, err)
	ct, err := out.Encrypt([]byte(`{"type":"m.room.message","content":{"msgtype":"m.text","body":"covert"}}`))
	require.NoError(t, err)

	payload := map[string]any{
		"next_batch": "b1",
		"to_device": map[string]any{
			"events": []any{map[string]any{
				"type":   "m.room_key",
				"sender": "@bot:hs",
				"content": map[string]any{
					"algorithm":   "m.megolm.v1.aes-sha2",
					"room_id":     "!r:hs",
					"session_id":  out.ID(),
					"session_key": sessionKey,
					"sender_key":  "bot-curve-key",
				},
			}},
		},
		"rooms": map[string]any{
			"join": map[string]any{
				"!r:hs": map[string]any{
					"state": map[string]any{
						"events": []any{map[string]any{
							"type":      "m.room.member",
							"state_key": "@a:hs",
							"content":   map[string]any{"membership": "join", "displayname": "Ann"},
						}},
					},
					"timeline": map[string]any{
						"events": []any{map[string]any{
							"type":     "m.room.encrypted",
							"event_id": "$enc",
							"sender":   "@bot:hs",
							"content": map[string]any{
								"algorithm":  "m.megolm.v1.aes-sha2",
								"sender_key": "bot-curve-key",
								"session_id": out.ID(),
								"ciphertext": ct,
							},
						}},
					},
				},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "events channel closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine event")
		return nil
	}
}

func TestEngineEndToEnd(t *testing.T) {
	hs := newFakeHS(t, firstSyncPayload(t))
	dataDir := t.TempDir()

	e := New(Config{
		Host:     "hs.test",
		Dial:     hs.dial(),
		DataDir:  dataDir,
		Username: "me",
		Password: "pw",
	})
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run() }()
	events := e.Events()

	status, ok := nextEvent(t, events).(VerificationStatus)
	require.True(t, ok, "first event must be the verification status")
	require.False(t, status.Verified)

	title, ok := nextEvent(t, events).(RoomTitle)
	require.True(t, ok)
	require.Equal(t, RoomTitle{RoomID: "!r:hs", Title: "Ann"}, title)

	dec, ok := nextEvent(t, events).(MessageDecrypted)
	require.True(t, ok)
	require.Equal(t, MessageDecrypted{RoomID: "!r:hs", EventID: "$enc", Text: "covert"}, dec)

	e.RequestMessages("!r:hs", "", "b")
	hist, ok := nextEvent(t, events).(RoomMessages)
	require.True(t, ok)
	require.Equal(t, "!r:hs", hist.RoomID)
	require.Equal(t, "hist-end", hist.Token)
	require.Len(t, hist.Messages, 1)
	require.Equal(t, Message{ID: "$old", Sender: "@a:hs", Text: "old news", Timestamp: 123}, hist.Messages[0])

	e.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	// Device id persisted on first login; later syncs resumed from the
	// advertised batch token.
	deviceID, err := os.ReadFile(filepath.Join(dataDir, deviceIDFile))
	require.NoError(t, err)
	require.Equal(t, "DEV1\n", string(deviceID))

	hs.mu.Lock()
	defer hs.mu.Unlock()
	require.GreaterOrEqual(t, len(hs.syncPaths), 2)
	require.NotContains(t, hs.syncPaths[0], "since=")
	require.Contains(t, hs.syncPaths[1], "since=b1")
	require.NotEmpty(t, hs.uploads, "device keys must be uploaded on first run")
	require.Contains(t, string(hs.uploads[0]), "device_keys")
	require.Contains(t, string(hs.uploads[0]), "signed_curve25519:")
}

func TestEngineDeviceIDMismatchFatal(t *testing.T) {
	hs := newFakeHS(t, json.RawMessage(`{"next_batch":"b1"}`))
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, deviceIDFile), []byte("OTHER\n"), 0o600))

	e := New(Config{
		Host:     "hs.test",
		Dial:     hs.dial(),
		DataDir:  dataDir,
		Username: "me",
		Password: "pw",
	})
	err := e.Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "device")
}

func startEngine(t *testing.T, hs *fakeHS) (*Engine, chan error) {
	t.Helper()
	e := New(Config{
		Host:     "hs.test",
		Dial:     hs.dial(),
		DataDir:  t.TempDir(),
		Username: "me",
		Password: "pw",
	})
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run() }()
	return e, errCh
}

func stopEngine(t *testing.T, e *Engine, errCh chan error) {
	t.Helper()
	e.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func waitSyncs(t *testing.T, hs *fakeHS, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		return len(hs.syncPaths) >= n
	}, 5*time.Second, 10*time.Millisecond)
}

// Consecutive long-poll cycles over chunked bodies on one keep-alive
// connection: each body's chunk terminator must be consumed before the
// next response's status line can be read.
func TestEngineChunkedSyncCycles(t *testing.T) {
	hs := newFakeHS(t, json.RawMessage(`{"next_batch":"b1"}`))
	hs.chunked = true

	e, errCh := startEngine(t, hs)
	nextEvent(t, e.Events()) // verification status
	waitSyncs(t, hs, 3)
	stopEngine(t, e, errCh)

	hs.mu.Lock()
	defer hs.mu.Unlock()
	require.Contains(t, hs.syncPaths[1], "since=b1")
	require.Contains(t, hs.syncPaths[2], "since=b2")
}

// A room key whose session key does not parse is dropped; the loop
// keeps syncing. Anyone can address to-device events at us.
func TestEngineBadRoomKeySkipped(t *testing.T) {
	first, err := json.Marshal(map[string]any{
		"next_batch": "b1",
		"to_device": map[string]any{
			"events": []any{map[string]any{
				"type":   "m.room_key",
				"sender": "@evil:hs",
				"content": map[string]any{
					"algorithm":   "m.megolm.v1.aes-sha2",
					"room_id":     "!r:hs",
					"session_id":  "sess",
					"session_key": "!!!not-base64!!!",
					"sender_key":  "evil-curve-key",
				},
			}},
		},
	})
	require.NoError(t, err)
	hs := newFakeHS(t, first)

	e, errCh := startEngine(t, hs)
	nextEvent(t, e.Events())
	waitSyncs(t, hs, 2)
	stopEngine(t, e, errCh)
}

// A dropped sync connection gets the same one-reconnect budget as
// request calls: the long poll is replayed on a fresh connection.
func TestEngineSyncReconnectsOnce(t *testing.T) {
	hs := newFakeHS(t, json.RawMessage(`{"next_batch":"b1"}`))
	hs.closeAfterSync = 1

	e, errCh := startEngine(t, hs)
	nextEvent(t, e.Events())
	waitSyncs(t, hs, 2)
	stopEngine(t, e, errCh)

	hs.mu.Lock()
	defer hs.mu.Unlock()
	require.Contains(t, hs.syncPaths[1], "since=b1")
}
