// Package cryptostore owns the device's crypto state on disk: the
// account pickle, per-peer-user olm session files and per-room megolm
// session files. Session caches are small fixed-capacity LRUs; evicting a
// megolm session flushes it to disk first, and olm session files are
// loaded and written back around every use rather than kept resident.
package cryptostore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/peregrine-im/matrix-go/internal/olm"
)

const (
	accountFile = "olm_account_pickle"
	usersDir    = "users"
	roomsDir    = "rooms"

	// olmCacheSize bounds sessions kept per peer user; megolmCacheSize
	// bounds resident group sessions per room.
	olmCacheSize    = 4
	megolmCacheSize = 4
)

// Store is the disk-backed crypto state for one account.
type Store struct {
	dir    string
	rand   io.Reader
	logger *log.Logger
	acct   *olm.Account
	rooms  map[string]*roomCache
}

type roomCache struct {
	// entries is most-recently-used first, at most megolmCacheSize long.
	entries []*olm.InboundGroupSession
}

// Open loads the account pickle from dir, creating a fresh account (and
// the directory layout) on first run.
func Open(dir string, rand io.Reader, logger *log.Logger) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, usersDir), filepath.Join(dir, roomsDir)} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("cryptostore: mkdir %s: %w", d, err)
		}
	}

	s := &Store{dir: dir, rand: rand, logger: logger, rooms: map[string]*roomCache{}}

	data, err := os.ReadFile(filepath.Join(dir, accountFile))
	switch {
	case err == nil:
		s.acct, err = olm.UnpickleAccount(data, rand)
		if err != nil {
			return nil, fmt.Errorf("cryptostore: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		s.acct, err = olm.NewAccount(rand)
		if err != nil {
			return nil, fmt.Errorf("cryptostore: %w", err)
		}
		if err := s.SaveAccount(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cryptostore: read account: %w", err)
	}
	return s, nil
}

// Account exposes the olm account for key uploads and signing.
func (s *Store) Account() *olm.Account { return s.acct }

// SaveAccount re-pickles the account to disk.
func (s *Store) SaveAccount() error {
	data, err := s.acct.Pickle()
	if err != nil {
		return fmt.Errorf("cryptostore: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, accountFile), data, 0o600); err != nil {
		return fmt.Errorf("cryptostore: write account: %w", err)
	}
	return nil
}

// KeyBatch is fresh key material awaiting upload.
type KeyBatch struct {
	OneTimeKeys []olm.OneTimeKey
	Fallback    *olm.OneTimeKey
}

// TopUp generates exactly the shortfall needed to bring the server-held
// one-time key count up to target, plus a fallback key if none is
// unpublished. Returns nil when nothing needs uploading. The account is
// re-pickled after any generation.
func (s *Store) TopUp(target, serverCount int) (*KeyBatch, error) {
	batch := &KeyBatch{}
	if shortfall := target - serverCount; shortfall > 0 {
		keys, err := s.acct.GenerateOneTimeKeys(shortfall)
		if err != nil {
			return nil, fmt.Errorf("cryptostore: %w", err)
		}
		batch.OneTimeKeys = keys
	}
	if !s.acct.UnpublishedFallback() {
		fk, err := s.acct.GenerateFallbackKey()
		if err != nil {
			return nil, fmt.Errorf("cryptostore: %w", err)
		}
		batch.Fallback = &fk
	}
	if len(batch.OneTimeKeys) == 0 && batch.Fallback == nil {
		return nil, nil
	}
	if err := s.SaveAccount(); err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkKeysPublished flags all pending keys as uploaded and re-pickles.
func (s *Store) MarkKeysPublished() error {
	s.acct.MarkKeysPublished()
	return s.SaveAccount()
}

// DecryptOlm decrypts a 1:1 to-device ciphertext from the given sender.
// Type 0 (pre-key) messages may establish a new inbound session, which
// consumes the matching one-time key from the account. All decrypt
// failures are olm.ErrBadMessage: the caller skips the event.
func (s *Store) DecryptOlm(senderUser, senderKey string, msgType int, ciphertext string) ([]byte, error) {
	sessions, err := s.loadUserSessions(senderUser)
	if err != nil {
		return nil, err
	}

	for i, sess := range sessions {
		if msgType == olm.MsgTypePreKey && !sess.Matches(ciphertext) {
			continue
		}
		plain, derr := sess.Decrypt(msgType, ciphertext)
		if derr != nil {
			if errors.Is(derr, olm.ErrBadMessage) {
				continue
			}
			return nil, derr
		}
		promote(sessions, i)
		if err := s.saveUserSessions(senderUser, sessions); err != nil {
			return nil, err
		}
		return plain, nil
	}

	if msgType != olm.MsgTypePreKey {
		return nil, fmt.Errorf("%w: no session for sender %s", olm.ErrBadMessage, senderUser)
	}

	sess, err := olm.NewInboundSession(s.acct, ciphertext)
	if err != nil {
		return nil, err
	}
	if got := base64.RawStdEncoding.EncodeToString(sess.TheirIdentity[:]); got != senderKey {
		return nil, fmt.Errorf("%w: sender key mismatch", olm.ErrBadMessage)
	}
	plain, err := sess.Decrypt(msgType, ciphertext)
	if err != nil {
		return nil, err
	}

	logf(s.logger, "cryptostore: new inbound olm session %s from %s", sess.ID(), senderUser)

	// The one-time key is single-use: consume it and persist the account
	// before anything else can crash us into reuse.
	s.acct.RemoveOneTimeKey(sess.OneTimePub)
	if err := s.SaveAccount(); err != nil {
		return nil, err
	}

	sessions = append([]*olm.Session{sess}, sessions...)
	if len(sessions) > olmCacheSize {
		sessions = sessions[:olmCacheSize]
	}
	if err := s.saveUserSessions(senderUser, sessions); err != nil {
		return nil, err
	}
	return plain, nil
}

// DecryptMegolm decrypts a room ciphertext with the resident session or
// one loaded from disk. Success marks the session dirty for the next
// flush. Unknown sessions and ratchet failures are olm.ErrBadMessage.
func (s *Store) DecryptMegolm(roomID, sessionID, ciphertext string) ([]byte, uint32, error) {
	sess, err := s.groupSession(roomID, sessionID)
	if err != nil {
		return nil, 0, err
	}
	plain, index, err := sess.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, err
	}
	sess.NeedsSave = true
	return plain, index, nil
}

// HasGroupSession reports whether the session is resident or on disk.
func (s *Store) HasGroupSession(roomID, sessionID string) bool {
	_, err := s.groupSession(roomID, sessionID)
	return err == nil
}

// ImportGroupSession creates or overwrites a room's group session from a
// shared session key and persists it immediately.
func (s *Store) ImportGroupSession(roomID, senderKey, sessionKey string) (*olm.InboundGroupSession, error) {
	sess, err := olm.NewInboundGroupSession(sessionKey, senderKey)
	if err != nil {
		return nil, err
	}

	logf(s.logger, "cryptostore: import group session %s for %s", sess.ID(), roomID)

	cache := s.roomCacheFor(roomID)
	for i, existing := range cache.entries {
		if existing.ID() == sess.ID() {
			cache.entries[i] = sess
			promoteGroup(cache.entries, i)
			if err := s.saveGroupSession(roomID, sess); err != nil {
				return nil, err
			}
			return sess, nil
		}
	}
	if err := s.insertGroupSession(roomID, cache, sess); err != nil {
		return nil, err
	}
	if err := s.saveGroupSession(roomID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// FlushRoom writes the room's dirty sessions to disk.
func (s *Store) FlushRoom(roomID string) error {
	cache, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	for _, sess := range cache.entries {
		if !sess.NeedsSave {
			continue
		}
		if err := s.saveGroupSession(roomID, sess); err != nil {
			return err
		}
		sess.NeedsSave = false
	}
	return nil
}

// Close flushes every room's dirty sessions.
func (s *Store) Close() error {
	for roomID := range s.rooms {
		if err := s.FlushRoom(roomID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) roomCacheFor(roomID string) *roomCache {
	cache, ok := s.rooms[roomID]
	if !ok {
		cache = &roomCache{}
		s.rooms[roomID] = cache
	}
	return cache
}

func (s *Store) groupSession(roomID, sessionID string) (*olm.InboundGroupSession, error) {
	cache := s.roomCacheFor(roomID)
	for i, sess := range cache.entries {
		if sess.ID() == sessionID {
			promoteGroup(cache.entries, i)
			return cache.entries[0], nil
		}
	}

	data, err := os.ReadFile(s.groupSessionPath(roomID, sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: unknown group session %s", olm.ErrBadMessage, sessionID)
		}
		return nil, fmt.Errorf("cryptostore: read group session: %w", err)
	}
	sess, err := olm.UnpickleInboundGroupSession(data)
	if err != nil {
		return nil, fmt.Errorf("cryptostore: %w", err)
	}
	if err := s.insertGroupSession(roomID, cache, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// insertGroupSession puts sess at the front of the room's LRU, flushing
// and dropping the least recently used entry past capacity.
func (s *Store) insertGroupSession(roomID string, cache *roomCache, sess *olm.InboundGroupSession) error {
	cache.entries = append([]*olm.InboundGroupSession{sess}, cache.entries...)
	if len(cache.entries) > megolmCacheSize {
		evicted := cache.entries[len(cache.entries)-1]
		cache.entries = cache.entries[:len(cache.entries)-1]
		if err := s.saveGroupSession(roomID, evicted); err != nil {
			return err
		}
		evicted.NeedsSave = false
	}
	return nil
}

func (s *Store) saveGroupSession(roomID string, sess *olm.InboundGroupSession) error {
	dir := filepath.Join(s.dir, roomsDir, encodePath(roomID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cryptostore: mkdir room: %w", err)
	}
	data, err := sess.Pickle()
	if err != nil {
		return fmt.Errorf("cryptostore: %w", err)
	}
	path := filepath.Join(dir, encodePath(sess.ID()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cryptostore: write group session: %w", err)
	}
	return nil
}

func (s *Store) groupSessionPath(roomID, sessionID string) string {
	return filepath.Join(s.dir, roomsDir, encodePath(roomID), encodePath(sessionID))
}

// loadUserSessions reads the sender's session file: one base64 pickle per
// line, most recently used first.
func (s *Store) loadUserSessions(user string) ([]*olm.Session, error) {
	data, err := os.ReadFile(s.userSessionsPath(user))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cryptostore: read sessions for %s: %w", user, err)
	}

	var sessions []*olm.Session
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("cryptostore: sessions for %s: %w", user, err)
		}
		sess, err := olm.UnpickleSession(raw, s.rand)
		if err != nil {
			return nil, fmt.Errorf("cryptostore: %w", err)
		}
		sessions = append(sessions, sess)
		if len(sessions) == olmCacheSize {
			break
		}
	}
	return sessions, nil
}

func (s *Store) saveUserSessions(user string, sessions []*olm.Session) error {
	var b strings.Builder
	for _, sess := range sessions {
		data, err := sess.Pickle()
		if err != nil {
			return fmt.Errorf("cryptostore: %w", err)
		}
		b.WriteString(base64.StdEncoding.EncodeToString(data))
		b.WriteByte('\n')
	}
	path := s.userSessionsPath(user)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("cryptostore: write sessions for %s: %w", user, err)
	}
	return nil
}

func (s *Store) userSessionsPath(user string) string {
	return filepath.Join(s.dir, usersDir, encodePath(user))
}

func encodePath(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

// promote moves element i to the front, preserving the order of the rest.
func promote(sessions []*olm.Session, i int) {
	if i == 0 {
		return
	}
	sess := sessions[i]
	copy(sessions[1:i+1], sessions[:i])
	sessions[0] = sess
}

func promoteGroup(sessions []*olm.InboundGroupSession, i int) {
	if i == 0 {
		return
	}
	sess := sessions[i]
	copy(sessions[1:i+1], sessions[:i])
	sessions[0] = sess
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
