// Package engine runs the sync loop: one goroutine owning the crypto
// store, key directory, room table and verification state, fed by a
// command channel and the long-poll sync socket, emitting events to the
// caller. Nothing the engine owns is touched from any other goroutine.
package engine

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peregrine-im/matrix-go/internal/cryptostore"
	"github.com/peregrine-im/matrix-go/internal/keydir"
	"github.com/peregrine-im/matrix-go/internal/olm"
	"github.com/peregrine-im/matrix-go/internal/roomstate"
	"github.com/peregrine-im/matrix-go/internal/sas"
	"github.com/peregrine-im/matrix-go/internal/transport"
)

const (
	syncTimeout     = 30 * time.Second
	pollInterval    = 250 * time.Millisecond
	otkLowWater     = 10
	otkTarget       = 15
	historyPageSize = 30

	deviceIDFile = "device_id"
	txnidFile    = "txnid"
	keyListFile  = "key_list"
)

// Config wires an Engine to one account and one homeserver.
type Config struct {
	Host       string // Host header value
	Dial       transport.DialFunc
	DataDir    string
	Username   string
	Password   string
	DeviceName string
	Logger     *log.Logger
	Rand       io.Reader
}

// Engine is the sync loop actor. Construct with New, drive with Run on
// a dedicated goroutine, communicate via Events and the command methods.
type Engine struct {
	cfg Config

	api      *apiClient
	syncConn *transport.Conn
	store    *cryptostore.Store
	dir      *keydir.Directory
	rooms    *roomstate.Engine
	verifier *sas.Machine
	txn      *txnCounter

	userID    string
	deviceID  string
	curveKey  string // own curve25519 identity, unpadded base64
	nextBatch string

	syncInFlight bool
	syncRetried  bool

	commands chan command
	events   chan Event
}

// New prepares an engine. No I/O happens until Run.
func New(cfg Config) *Engine {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Engine{
		cfg:      cfg,
		commands: make(chan command, 16),
		events:   make(chan Event, 64),
	}
}

// Events is the engine-to-caller channel. Closed when Run returns.
func (e *Engine) Events() <-chan Event { return e.events }

// Stop asks the loop to exit at its next drain point.
func (e *Engine) Stop() { e.commands <- command{kind: cmdStop} }

// ConfirmSAS reports that the user compared the emoji and they match.
func (e *Engine) ConfirmSAS() { e.commands <- command{kind: cmdConfirmSAS} }

// RequestMessages asks for one page of room history. dir is "b" or "f";
// an empty token starts from the room's current edge.
func (e *Engine) RequestMessages(roomID, token, dir string) {
	e.commands <- command{kind: cmdRequestMessages, roomID: roomID, token: token, dir: dir}
}

// Run executes startup, the sync loop and shutdown. It returns nil after
// a Stop command; any other return is a fatal protocol or storage error.
func (e *Engine) Run() error {
	defer close(e.events)
	defer e.shutdown()
	if err := e.start(); err != nil {
		return err
	}

	for {
		select {
		case cmd := <-e.commands:
			if cmd.kind == cmdStop {
				return nil
			}
			if err := e.handleCommand(cmd); err != nil {
				return err
			}
			continue
		default:
		}

		if !e.syncInFlight {
			if err := e.sendSync(); err != nil {
				if err := e.retrySync(err); err != nil {
					return err
				}
				continue
			}
			e.syncInFlight = true
		}
		ready, err := e.syncConn.Poll(pollInterval)
		if err != nil {
			if err := e.retrySync(err); err != nil {
				return err
			}
			continue
		}
		if !ready {
			continue
		}
		e.syncInFlight = false
		resp, err := e.syncConn.Recv(false)
		if err != nil {
			if err := e.retrySync(err); err != nil {
				return err
			}
			continue
		}
		e.syncRetried = false
		if err := e.readSync(resp); err != nil {
			return err
		}
	}
}

// retrySync gives the long poll the same retry budget as request calls:
// one reconnect and replay of the in-flight sync. Protocol violations
// and a second failure in a row stay fatal.
func (e *Engine) retrySync(cause error) error {
	if e.syncRetried || errors.Is(cause, transport.ErrProtocol) {
		return cause
	}
	e.syncRetried = true
	e.logf("engine: sync failed (%v), reconnecting", cause)
	if err := e.syncConn.Reconnect(); err != nil {
		return fmt.Errorf("engine: reconnect after %v: %w", cause, err)
	}
	e.syncInFlight = false
	return nil
}

func (e *Engine) start() error {
	if err := os.MkdirAll(e.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("engine: data dir: %w", err)
	}

	var err error
	e.txn, err = openTxnCounter(filepath.Join(e.cfg.DataDir, txnidFile))
	if err != nil {
		return err
	}
	e.store, err = cryptostore.Open(e.cfg.DataDir, e.cfg.Rand, e.cfg.Logger)
	if err != nil {
		return err
	}

	apiConn, err := transport.Dial(e.cfg.Host, e.cfg.Dial, e.cfg.Logger)
	if err != nil {
		return err
	}
	e.api = &apiClient{conn: apiConn, logger: e.cfg.Logger}

	savedDevice, err := e.loadDeviceID()
	if err != nil {
		return err
	}
	login, err := e.api.login(e.cfg.Username, e.cfg.Password, savedDevice, e.cfg.DeviceName)
	if err != nil {
		return err
	}
	e.userID = login.UserID
	e.deviceID = login.DeviceID
	switch {
	case savedDevice == "":
		if err := e.saveDeviceID(login.DeviceID); err != nil {
			return err
		}
	case savedDevice != login.DeviceID:
		return fmt.Errorf("engine: server assigned device %s, account dir belongs to %s",
			login.DeviceID, savedDevice)
	}
	e.logf("engine: logged in as %s device %s", e.userID, e.deviceID)

	curve := e.store.Account().Curve25519Key()
	e.curveKey = base64.RawStdEncoding.EncodeToString(curve[:])

	e.syncConn, err = transport.Dial(e.cfg.Host, e.cfg.Dial, e.cfg.Logger)
	if err != nil {
		return err
	}

	e.dir = keydir.New(e.api, e.cfg.Logger)
	if err := e.dir.Load(filepath.Join(e.cfg.DataDir, keyListFile)); err != nil {
		return err
	}
	e.rooms = roomstate.New(roomstate.Config{
		Store:     e.store,
		Requester: e,
		Logger:    e.cfg.Logger,
		OnTitle: func(roomID, title string) {
			e.emit(RoomTitle{RoomID: roomID, Title: title})
		},
		OnDecrypted: func(roomID, eventID, text string) {
			e.emit(MessageDecrypted{RoomID: roomID, EventID: eventID, Text: text})
		},
	})
	e.verifier = sas.New(sas.Config{
		UserID:     e.userID,
		DeviceID:   e.deviceID,
		Ed25519Key: base64.RawStdEncoding.EncodeToString(e.store.Account().Ed25519Key()),
		Sender:     e,
		Directory:  e.dir,
		Logger:     e.cfg.Logger,
		Rand:       e.cfg.Rand,
		OnEmoji:    func(idx [7]int) { e.emit(SASEmoji{Indices: idx}) },
		OnComplete: func() { e.emit(SASComplete{}) },
	})

	if !e.store.Account().Shared {
		if err := e.publishKeys(0); err != nil {
			return err
		}
	}

	dev, err := e.dir.GetDevice(e.userID, e.deviceID)
	if err != nil {
		return err
	}
	e.emit(VerificationStatus{Verified: dev != nil && dev.SignedBySelf})
	return nil
}

// publishKeys uploads device keys (when unshared) plus enough one-time
// keys to reach the target, then marks everything published.
func (e *Engine) publishKeys(serverCount int) error {
	batch, err := e.store.TopUp(otkTarget, serverCount)
	if err != nil {
		return err
	}
	if batch == nil && e.store.Account().Shared {
		return nil
	}
	count, err := e.api.uploadKeys(e.userID, e.deviceID, e.store.Account(), batch)
	if err != nil {
		return err
	}
	if err := e.store.MarkKeysPublished(); err != nil {
		return err
	}
	e.logf("engine: uploaded keys, server holds %d one-time keys", count)
	return nil
}

func (e *Engine) shutdown() {
	if e.rooms != nil {
		if err := e.rooms.Close(); err != nil {
			e.logf("engine: flush rooms: %v", err)
		}
	}
	if e.dir != nil {
		if err := e.dir.Save(filepath.Join(e.cfg.DataDir, keyListFile)); err != nil {
			e.logf("engine: save key list: %v", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logf("engine: close store: %v", err)
		}
	}
	if e.syncConn != nil {
		e.syncConn.Close()
	}
	if e.api != nil {
		e.api.conn.Close()
	}
}

func (e *Engine) loadDeviceID() (string, error) {
	data, err := os.ReadFile(filepath.Join(e.cfg.DataDir, deviceIDFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("engine: read device id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (e *Engine) saveDeviceID(id string) error {
	path := filepath.Join(e.cfg.DataDir, deviceIDFile)
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("engine: write device id: %w", err)
	}
	return nil
}

// sendSync issues the long poll on the dedicated sync connection.
func (e *Engine) sendSync() error {
	path := fmt.Sprintf("%s/sync?timeout=%d", apiPrefix, syncTimeout.Milliseconds())
	if e.nextBatch != "" {
		path += "&since=" + e.nextBatch
	}
	headers := map[string]string{"Authorization": "Bearer " + e.api.token}
	return e.syncConn.Send("GET", path, headers, nil)
}

// readSync parses one sync response and applies it. The body stream is
// drained to its end before reuse of the connection: the chunked
// terminator sits past the JSON value, and leaving it on the socket
// would desync the next response.
func (e *Engine) readSync(resp *transport.Response) error {
	if resp.Stream == nil {
		return fmt.Errorf("%w: sync response without body", transport.ErrProtocol)
	}
	res, err := parseSync(resp.Stream)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, resp.Stream); err != nil {
		return fmt.Errorf("engine: drain sync body: %w", err)
	}
	return e.apply(res)
}

func (e *Engine) apply(res *syncResult) error {
	if res.NextBatch != "" {
		e.nextBatch = res.NextBatch
	}
	e.dir.ApplyDeltas(res.Changed, res.Left)

	for _, ev := range res.ToDevice {
		if err := e.dispatchToDevice(ev.Sender, "", ev.Type, ev.Content); err != nil {
			return err
		}
	}
	for roomID, events := range res.Rooms {
		for _, ev := range events {
			if err := e.rooms.HandleEvent(roomID, ev); err != nil {
				return err
			}
		}
	}

	if res.OTKCount >= 0 && res.OTKCount < otkLowWater {
		if err := e.publishKeys(int(res.OTKCount)); err != nil {
			return err
		}
	}
	return nil
}

// dispatchToDevice routes one to-device event. senderKey is the olm
// identity key of the sender when the event was carried inside an olm
// envelope, empty otherwise.
func (e *Engine) dispatchToDevice(sender, senderKey, evType string, content json.RawMessage) error {
	switch {
	case evType == "m.room.encrypted":
		return e.handleOlmEnvelope(sender, content)

	case evType == "m.room_key" || evType == "m.forwarded_room_key":
		var key struct {
			RoomID     string `json:"room_id"`
			SessionKey string `json:"session_key"`
			SenderKey  string `json:"sender_key"`
		}
		if err := json.Unmarshal(content, &key); err != nil || key.RoomID == "" {
			return nil
		}
		if key.SenderKey == "" {
			key.SenderKey = senderKey
		}
		if err := e.rooms.ImportSession(key.RoomID, key.SenderKey, key.SessionKey); err != nil {
			// Anyone can send to-device events; a garbage session key
			// must not take the loop down. Storage failures still do.
			if errors.Is(err, olm.ErrBadMessage) {
				e.logf("engine: room key from %s rejected: %v", sender, err)
				return nil
			}
			return err
		}
		return nil

	case strings.HasPrefix(evType, "m.key.verification."):
		return e.verifier.Handle(evType, sender, content)

	case evType == "m.room_key_request":
		// We never serve keys; only the bridgebot side does.
		return nil
	}
	return nil
}

// handleOlmEnvelope decrypts a 1:1 olm message and re-dispatches the
// inner event. Undecryptable envelopes are dropped, not fatal.
func (e *Engine) handleOlmEnvelope(sender string, content json.RawMessage) error {
	var env struct {
		Algorithm  string `json:"algorithm"`
		SenderKey  string `json:"sender_key"`
		Ciphertext map[string]struct {
			Type int    `json:"type"`
			Body string `json:"body"`
		} `json:"ciphertext"`
	}
	if err := json.Unmarshal(content, &env); err != nil {
		return nil
	}
	if env.Algorithm != "m.olm.v1.curve25519-aes-sha2" {
		return nil
	}
	msg, ok := env.Ciphertext[e.curveKey]
	if !ok {
		return nil
	}

	plain, err := e.store.DecryptOlm(sender, env.SenderKey, msg.Type, msg.Body)
	if err != nil {
		e.logf("engine: olm decrypt from %s failed: %v", sender, err)
		return nil
	}
	var inner struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plain, &inner); err != nil {
		e.logf("engine: olm plaintext from %s is not an event", sender)
		return nil
	}
	return e.dispatchToDevice(sender, env.SenderKey, inner.Type, inner.Content)
}

func (e *Engine) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdConfirmSAS:
		return e.verifier.Confirm()
	case cmdRequestMessages:
		return e.fetchHistory(cmd.roomID, cmd.token, cmd.dir)
	}
	return nil
}

// fetchHistory pages one batch of room history, decrypting what it can.
// Messages still waiting for a session arrive later as MessageDecrypted.
func (e *Engine) fetchHistory(roomID, token, dir string) error {
	resp, err := e.api.messages(roomID, token, dir)
	if err != nil {
		return err
	}

	var msgs []Message
	for _, raw := range resp.Chunk {
		var ev struct {
			Type     string          `json:"type"`
			EventID  string          `json:"event_id"`
			Sender   string          `json:"sender"`
			StateKey string          `json:"state_key"`
			TS       int64           `json:"origin_server_ts"`
			Content  json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		if ev.Type != "m.room.message" && ev.Type != "m.room.encrypted" {
			continue
		}
		text, pending, err := e.rooms.DecryptMessage(roomID, roomstate.Event{
			Type:     ev.Type,
			EventID:  ev.EventID,
			Sender:   ev.Sender,
			StateKey: ev.StateKey,
			Content:  ev.Content,
		})
		if err != nil {
			return err
		}
		if pending || text == "" {
			continue
		}
		msgs = append(msgs, Message{ID: ev.EventID, Sender: ev.Sender, Text: text, Timestamp: ev.TS})
	}

	e.emit(RoomMessages{RoomID: roomID, Messages: msgs, Token: resp.End, Dir: dir})
	if len(msgs) > 0 {
		if err := e.store.FlushRoom(roomID); err != nil {
			return err
		}
	}
	return nil
}

// SendToDevice implements sas.ToDeviceSender.
func (e *Engine) SendToDevice(eventType, userID, deviceID string, content map[string]any) error {
	txnID, err := e.txn.Next()
	if err != nil {
		return err
	}
	return e.api.sendToDevice(eventType, txnID, map[string]map[string]any{
		userID: {deviceID: content},
	})
}

// RequestRoomKey implements roomstate.KeyRequester.
func (e *Engine) RequestRoomKey(userID, roomID, senderKey, sessionID string) error {
	reqID, err := e.txn.Next()
	if err != nil {
		return err
	}
	return e.SendToDevice("m.room_key_request", userID, "*", map[string]any{
		"action":               "request",
		"requesting_device_id": e.deviceID,
		"request_id":           reqID,
		"body": map[string]any{
			"algorithm":  "m.megolm.v1.aes-sha2",
			"room_id":    roomID,
			"sender_key": senderKey,
			"session_id": sessionID,
		},
	})
}

func (e *Engine) emit(ev Event) { e.events <- ev }

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Printf(format, args...)
	}
}
