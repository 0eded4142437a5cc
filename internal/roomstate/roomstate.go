// Package roomstate keeps the per-room table: naming, membership,
// the bridgebot peer and the queue of messages waiting for a group
// session. Rooms are created lazily on first reference and stay
// resident until shutdown.
package roomstate

import (
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/peregrine-im/matrix-go/internal/cryptostore"
)

// NameTier orders the sources a room name can come from. Once a higher
// tier supplies a name, lower-tier events are ignored and membership
// tracking stops feeding the title.
type NameTier int

const (
	TierNone NameTier = iota
	TierMembers
	TierCanonicalAlias
	TierName
)

// PendingState tracks why a session is still missing: AwaitingForward
// means nobody has been asked yet, AwaitingSession means a key request
// went out to the room's bridgebot.
type PendingState int

const (
	AwaitingForward PendingState = iota
	AwaitingSession
)

type pendingMessage struct {
	eventID    string
	ciphertext string
}

type pendingEntry struct {
	state PendingState
	queue []pendingMessage
}

// Room is one room's resident state.
type Room struct {
	ID        string
	Name      string
	Tier      NameTier
	Bridgebot string

	members map[string]string // user id -> display name
	pending map[string]*pendingEntry
}

// KeyRequester sends an m.room_key_request to a peer.
type KeyRequester interface {
	RequestRoomKey(userID, roomID, senderKey, sessionID string) error
}

// Config wires the room engine to the crypto store and event sinks.
type Config struct {
	Store       *cryptostore.Store
	Requester   KeyRequester
	Logger      *log.Logger
	OnTitle     func(roomID, title string)
	OnDecrypted func(roomID, eventID, text string)
}

// Engine owns the room table. Single-threaded; the sync loop drives it.
type Engine struct {
	cfg   Config
	rooms map[string]*Room
}

// New returns an engine with an empty room table.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, rooms: map[string]*Room{}}
}

// Get returns the room, creating it on first reference.
func (e *Engine) Get(roomID string) *Room {
	r, ok := e.rooms[roomID]
	if !ok {
		r = &Room{
			ID:      roomID,
			members: map[string]string{},
			pending: map[string]*pendingEntry{},
		}
		e.rooms[roomID] = r
	}
	return r
}

// Rooms returns the ids of all resident rooms.
func (e *Engine) Rooms() []string {
	ids := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Event is one captured room event from sync or history paging.
type Event struct {
	Type     string
	EventID  string
	Sender   string
	StateKey string
	Content  json.RawMessage
}

// HandleEvent applies one state or timeline event. Message events that
// decrypt immediately are reported through OnDecrypted.
func (e *Engine) HandleEvent(roomID string, ev Event) error {
	switch ev.Type {
	case "m.room.name":
		var content struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil
		}
		e.SetName(roomID, content.Name, TierName)
	case "m.room.canonical_alias":
		var content struct {
			Alias string `json:"alias"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil
		}
		e.SetName(roomID, content.Alias, TierCanonicalAlias)
	case "m.room.member":
		var content struct {
			Membership  string `json:"membership"`
			DisplayName string `json:"displayname"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil
		}
		switch content.Membership {
		case "join":
			e.SetMember(roomID, ev.StateKey, content.DisplayName)
		case "leave", "ban":
			e.RemoveMember(roomID, ev.StateKey)
		}
	case "m.bridge":
		var content struct {
			Bridgebot string `json:"bridgebot"`
		}
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return nil
		}
		if content.Bridgebot != "" {
			e.Get(roomID).Bridgebot = content.Bridgebot
			e.logf("roomstate: %s bridgebot is %s", roomID, content.Bridgebot)
		}
	case "m.room.message", "m.room.encrypted":
		text, pending, err := e.DecryptMessage(roomID, ev)
		if err != nil {
			return err
		}
		if !pending && text != "" && e.cfg.OnDecrypted != nil {
			e.cfg.OnDecrypted(roomID, ev.EventID, text)
		}
	}
	return nil
}

// SetName applies a name candidate at the given tier. Lower-tier and
// empty candidates are ignored; an accepted name re-emits the title.
func (e *Engine) SetName(roomID, name string, tier NameTier) {
	r := e.Get(roomID)
	if name == "" || tier < r.Tier {
		return
	}
	if name == r.Name && tier == r.Tier {
		return
	}
	r.Name = name
	r.Tier = tier
	if e.cfg.OnTitle != nil {
		e.cfg.OnTitle(roomID, name)
	}
}

// SetMember records a member. While the room name is still derived from
// membership, any change re-derives the joined display-name list.
func (e *Engine) SetMember(roomID, userID, displayName string) {
	if userID == "" {
		return
	}
	if displayName == "" {
		displayName = userID
	}
	r := e.Get(roomID)
	if r.members[userID] == displayName {
		return
	}
	r.members[userID] = displayName
	e.refreshMemberTitle(r)
}

// RemoveMember drops a member from the room.
func (e *Engine) RemoveMember(roomID, userID string) {
	r := e.Get(roomID)
	if _, ok := r.members[userID]; !ok {
		return
	}
	delete(r.members, userID)
	e.refreshMemberTitle(r)
}

func (e *Engine) refreshMemberTitle(r *Room) {
	if r.Tier > TierMembers {
		return
	}
	names := make([]string, 0, len(r.members))
	for _, name := range r.members {
		names = append(names, name)
	}
	slices.Sort(names)
	e.SetName(r.ID, strings.Join(names, ", "), TierMembers)
}

// encryptedContent is the m.room.encrypted payload subset we need.
type encryptedContent struct {
	Algorithm  string `json:"algorithm"`
	SenderKey  string `json:"sender_key"`
	SessionID  string `json:"session_id"`
	Ciphertext string `json:"ciphertext"`
}

// DecryptMessage resolves one message event to text. Plain m.room.message
// events pass through. Encrypted events either decrypt now, or are queued
// against their session id: when the session is already known-missing the
// ciphertext joins the queue, otherwise a new pending entry is created and
// the room's bridgebot (if known) is asked for the key.
func (e *Engine) DecryptMessage(roomID string, ev Event) (text string, pending bool, err error) {
	if ev.Type == "m.room.message" {
		return messageBody(ev.Content), false, nil
	}

	var content encryptedContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", false, nil
	}
	if content.Algorithm != "m.megolm.v1.aes-sha2" || content.SessionID == "" {
		return "", false, nil
	}

	r := e.Get(roomID)
	if p, ok := r.pending[content.SessionID]; ok {
		p.queue = append(p.queue, pendingMessage{ev.EventID, content.Ciphertext})
		return "", true, nil
	}

	plain, _, err := e.cfg.Store.DecryptMegolm(roomID, content.SessionID, content.Ciphertext)
	if err == nil {
		return messageBody(plain), false, nil
	}

	p := &pendingEntry{
		state: AwaitingForward,
		queue: []pendingMessage{{ev.EventID, content.Ciphertext}},
	}
	r.pending[content.SessionID] = p
	e.logf("roomstate: %s missing session %s, queued %s", roomID, content.SessionID, ev.EventID)

	if r.Bridgebot != "" && e.cfg.Requester != nil {
		if err := e.cfg.Requester.RequestRoomKey(r.Bridgebot, roomID, content.SenderKey, content.SessionID); err != nil {
			return "", true, fmt.Errorf("roomstate: key request: %w", err)
		}
		p.state = AwaitingSession
	}
	return "", true, nil
}

// ImportSession installs a group session from an m.room_key or
// m.forwarded_room_key event and drains that session's pending queue in
// arrival order, one decrypted event per success. The first failure
// drops the rest of the queue; replaying the survivors against a session
// that already rejected one of them would only fail again. The session
// is persisted before returning.
func (e *Engine) ImportSession(roomID, senderKey, sessionKey string) error {
	sess, err := e.cfg.Store.ImportGroupSession(roomID, senderKey, sessionKey)
	if err != nil {
		return fmt.Errorf("roomstate: import session: %w", err)
	}

	r := e.Get(roomID)
	if p, ok := r.pending[sess.ID()]; ok {
		delete(r.pending, sess.ID())
		for i, msg := range p.queue {
			plain, _, err := e.cfg.Store.DecryptMegolm(roomID, sess.ID(), msg.ciphertext)
			if err != nil {
				e.logf("roomstate: %s session %s: %d queued messages dropped: %v",
					roomID, sess.ID(), len(p.queue)-i, err)
				break
			}
			if e.cfg.OnDecrypted != nil {
				e.cfg.OnDecrypted(roomID, msg.eventID, messageBody(plain))
			}
		}
	}

	if err := e.cfg.Store.FlushRoom(roomID); err != nil {
		return fmt.Errorf("roomstate: import session: %w", err)
	}
	return nil
}

// PendingState reports the pending entry for a session, if any.
func (e *Engine) PendingState(roomID, sessionID string) (PendingState, bool) {
	p, ok := e.Get(roomID).pending[sessionID]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Close flushes every room's dirty sessions.
func (e *Engine) Close() error {
	for id := range e.rooms {
		if err := e.cfg.Store.FlushRoom(id); err != nil {
			return err
		}
	}
	return nil
}

// messageBody extracts the text body from message content or from a
// decrypted megolm plaintext (a full event with nested content).
func messageBody(raw []byte) string {
	var direct struct {
		Body    string `json:"body"`
		Content *struct {
			Body string `json:"body"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &direct); err != nil {
		return ""
	}
	if direct.Body != "" {
		return direct.Body
	}
	if direct.Content != nil {
		return direct.Content.Body
	}
	return ""
}

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Printf(format, args...)
	}
}
