// Package sas implements emoji-based interactive device verification
// over to-device messages. One Machine verifies this device against one
// other device of the same user. Every inbound handler starts with guard
// clauses on state, sender, device and transaction id; a message that
// fails a guard is dropped silently and the state is unchanged. Only a
// MAC that fails byte comparison is fatal.
package sas

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/peregrine-im/matrix-go/internal/canonical"
	"github.com/peregrine-im/matrix-go/internal/keydir"
)

// State is the verification progress. MacNeedMac means the peer's MAC
// arrived before local confirmation and is buffered; MacNeedMatch means
// we confirmed locally and are waiting for the peer's MAC.
type State int

const (
	StateRequest State = iota
	StateStart
	StateKey
	StateMacNeedMatchAndMac
	StateMacNeedMatch
	StateMacNeedMac
	StateDone
	StateEnd
)

const (
	keyAgreement = "curve25519-hkdf-sha256"
	hashSHA256   = "sha256"
	macMethod    = "hkdf-hmac-sha256.v2"
	sasEmoji     = "emoji"
	sasMethod    = "m.sas.v1"

	sasInfoPrefix = "MATRIX_KEY_VERIFICATION_SAS|"
	macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC"

	// Request timestamps older than 10 minutes or more than 5 minutes
	// into the future are stale or clock-skewed and dropped.
	tsPast   = 10 * time.Minute
	tsFuture = 5 * time.Minute
)

// ToDeviceSender delivers one verification message to one device.
type ToDeviceSender interface {
	SendToDevice(eventType, userID, deviceID string, content map[string]any) error
}

// Config wires a Machine to its surroundings.
type Config struct {
	UserID     string
	DeviceID   string
	Ed25519Key string // own device signing key, unpadded base64
	Sender     ToDeviceSender
	Directory  *keydir.Directory
	Logger     *log.Logger
	Rand       io.Reader        // defaults to crypto/rand
	Now        func() time.Time // defaults to time.Now
	OnEmoji    func([7]int)
	OnComplete func()
}

// Machine is the per-verification state machine. Not safe for concurrent
// use; the sync loop owns it.
type Machine struct {
	cfg   Config
	state State

	txnID      string
	peerDevice string

	ourPriv [32]byte
	ourPub  string // unpadded base64
	peerPub string

	secret []byte // ECDH shared secret, set on key receipt

	// Peer MAC buffered while waiting for local confirmation.
	pendingMAC json.RawMessage
}

// New returns a Machine waiting for a verification request.
func New(cfg Config) *Machine {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{cfg: cfg}
}

// State returns the current verification state.
func (m *Machine) State() State { return m.state }

// Handle dispatches one inbound m.key.verification.* event by type
// suffix. Unknown types are dropped.
func (m *Machine) Handle(eventType, sender string, raw json.RawMessage) error {
	switch eventType {
	case "m.key.verification.request":
		return m.handleRequest(sender, raw)
	case "m.key.verification.start":
		return m.handleStart(sender, raw)
	case "m.key.verification.key":
		return m.handleKey(sender, raw)
	case "m.key.verification.mac":
		return m.handleMAC(sender, raw)
	case "m.key.verification.done":
		return m.handleDone(sender, raw)
	}
	return nil
}

func (m *Machine) handleRequest(sender string, raw json.RawMessage) error {
	if m.state != StateRequest || sender != m.cfg.UserID {
		return nil
	}
	var content struct {
		FromDevice string   `json:"from_device"`
		Methods    []string `json:"methods"`
		Timestamp  int64    `json:"timestamp"`
		TxnID      string   `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil
	}
	if content.FromDevice == "" || content.FromDevice == m.cfg.DeviceID {
		return nil
	}
	if !slices.Contains(content.Methods, sasMethod) {
		return nil
	}
	ts := time.UnixMilli(content.Timestamp)
	now := m.cfg.Now()
	if ts.Before(now.Add(-tsPast)) || ts.After(now.Add(tsFuture)) {
		m.logf("sas: request from %s outside timestamp window, dropped", content.FromDevice)
		return nil
	}

	m.txnID = content.TxnID
	m.peerDevice = content.FromDevice
	if err := m.send("m.key.verification.ready", map[string]any{
		"from_device":    m.cfg.DeviceID,
		"methods":        []string{sasMethod},
		"transaction_id": m.txnID,
	}); err != nil {
		return err
	}
	m.state = StateStart
	m.logf("sas: verification with device %s started, txn %s", m.peerDevice, m.txnID)
	return nil
}

func (m *Machine) handleStart(sender string, raw json.RawMessage) error {
	if m.state != StateStart || sender != m.cfg.UserID {
		return nil
	}
	var content struct {
		FromDevice string   `json:"from_device"`
		Method     string   `json:"method"`
		TxnID      string   `json:"transaction_id"`
		KeyProtos  []string `json:"key_agreement_protocols"`
		Hashes     []string `json:"hashes"`
		MACs       []string `json:"message_authentication_codes"`
		ShortAuth  []string `json:"short_authentication_string"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil
	}
	if content.TxnID != m.txnID || content.FromDevice != m.peerDevice {
		return nil
	}
	if content.Method != sasMethod ||
		!slices.Contains(content.KeyProtos, keyAgreement) ||
		!slices.Contains(content.Hashes, hashSHA256) ||
		!(slices.Contains(content.MACs, macMethod) || slices.Contains(content.MACs, "hkdf-hmac-sha256")) ||
		!slices.Contains(content.ShortAuth, sasEmoji) {
		m.logf("sas: start offers no usable algorithm set, dropped")
		return nil
	}

	if _, err := io.ReadFull(m.cfg.Rand, m.ourPriv[:]); err != nil {
		return fmt.Errorf("sas: ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(m.ourPriv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("sas: ephemeral key: %w", err)
	}
	m.ourPub = base64.RawStdEncoding.EncodeToString(pub)

	canon, err := canonical.JSON(raw)
	if err != nil {
		return fmt.Errorf("sas: canonicalize start: %w", err)
	}
	commitment := sha256.Sum256(append([]byte(m.ourPub), canon...))

	if err := m.send("m.key.verification.accept", map[string]any{
		"transaction_id":              m.txnID,
		"key_agreement_protocol":      keyAgreement,
		"hash":                        hashSHA256,
		"message_authentication_code": macMethod,
		"short_authentication_string": []string{sasEmoji},
		"commitment":                  base64.RawStdEncoding.EncodeToString(commitment[:]),
	}); err != nil {
		return err
	}
	if err := m.send("m.key.verification.key", map[string]any{
		"transaction_id": m.txnID,
		"key":            m.ourPub,
	}); err != nil {
		return err
	}
	m.state = StateKey
	return nil
}

func (m *Machine) handleKey(sender string, raw json.RawMessage) error {
	if m.state != StateKey || sender != m.cfg.UserID {
		return nil
	}
	var content struct {
		TxnID string `json:"transaction_id"`
		Key   string `json:"key"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil
	}
	if content.TxnID != m.txnID {
		return nil
	}
	peerPub, err := base64.RawStdEncoding.DecodeString(content.Key)
	if err != nil || len(peerPub) != 32 {
		return nil
	}

	secret, err := curve25519.X25519(m.ourPriv[:], peerPub)
	if err != nil {
		return fmt.Errorf("sas: ecdh: %w", err)
	}
	m.peerPub = content.Key
	m.secret = secret

	// Transcript binds both identities, both keys and the transaction;
	// the initiating side (the peer) comes first.
	info := sasInfoPrefix +
		m.cfg.UserID + "|" + m.peerDevice + "|" + m.peerPub + "|" +
		m.cfg.UserID + "|" + m.cfg.DeviceID + "|" + m.ourPub + "|" +
		m.txnID
	var sasBytes [6]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), sasBytes[:]); err != nil {
		return fmt.Errorf("sas: derive short string: %w", err)
	}

	if m.cfg.OnEmoji != nil {
		m.cfg.OnEmoji(emojiIndices(sasBytes))
	}
	m.state = StateMacNeedMatchAndMac
	return nil
}

// emojiIndices packs the first 42 bits of the SAS stream into 7 six-bit
// indices, most significant first.
func emojiIndices(b [6]byte) [7]int {
	bits := uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	var out [7]int
	for i := range out {
		out[i] = int(bits>>(42-6*i)) & 0x3F
	}
	return out
}

// Confirm reports that the user compared the emoji and they match. Sends
// our MAC; if the peer's MAC was already buffered it is verified now and
// the exchange completes.
func (m *Machine) Confirm() error {
	if m.state != StateMacNeedMatchAndMac && m.state != StateMacNeedMac {
		return nil
	}

	masterID, masterKey, err := m.cfg.Directory.MasterKey(m.cfg.UserID)
	if err != nil {
		return fmt.Errorf("sas: confirm: %w", err)
	}
	keys := map[string]string{
		"ed25519:" + m.cfg.DeviceID: m.cfg.Ed25519Key,
	}
	if masterID != "" {
		keys["ed25519:"+masterID] = masterKey
	}

	macs, keyIDsMAC, err := m.computeMACs(m.cfg.DeviceID, m.peerDevice, keys)
	if err != nil {
		return err
	}
	if err := m.send("m.key.verification.mac", map[string]any{
		"transaction_id": m.txnID,
		"mac":            macs,
		"keys":           keyIDsMAC,
	}); err != nil {
		return err
	}

	if m.state == StateMacNeedMac {
		buffered := m.pendingMAC
		m.pendingMAC = nil
		m.state = StateDone
		if err := m.verifyPeerMAC(buffered); err != nil {
			return err
		}
		return m.sendDone()
	}
	m.state = StateMacNeedMatch
	return nil
}

func (m *Machine) handleMAC(sender string, raw json.RawMessage) error {
	if sender != m.cfg.UserID {
		return nil
	}
	var content struct {
		TxnID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil
	}
	if content.TxnID != m.txnID {
		return nil
	}

	switch m.state {
	case StateMacNeedMatchAndMac:
		m.pendingMAC = append(json.RawMessage(nil), raw...)
		m.state = StateMacNeedMac
		return nil
	case StateMacNeedMatch:
		m.state = StateDone
		if err := m.verifyPeerMAC(raw); err != nil {
			return err
		}
		return m.sendDone()
	}
	return nil
}

func (m *Machine) handleDone(sender string, raw json.RawMessage) error {
	if m.state != StateDone || sender != m.cfg.UserID {
		return nil
	}
	var content struct {
		TxnID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil
	}
	if content.TxnID != m.txnID {
		return nil
	}
	m.state = StateEnd
	if m.cfg.OnComplete != nil {
		m.cfg.OnComplete()
	}
	m.logf("sas: verification with device %s complete", m.peerDevice)
	return nil
}

func (m *Machine) sendDone() error {
	return m.send("m.key.verification.done", map[string]any{
		"transaction_id": m.txnID,
	})
}

// computeMACs builds the per-key MAC map and the MAC over the sorted
// key-id list, keyed by HKDF with an info string scoped to sender,
// recipient, transaction and key id.
func (m *Machine) computeMACs(senderDevice, recipientDevice string, keys map[string]string) (map[string]string, string, error) {
	base := macInfoPrefix +
		m.cfg.UserID + senderDevice +
		m.cfg.UserID + recipientDevice +
		m.txnID

	keyIDs := make([]string, 0, len(keys))
	for id := range keys {
		keyIDs = append(keyIDs, id)
	}
	slices.Sort(keyIDs)

	macs := make(map[string]string, len(keys))
	for _, id := range keyIDs {
		mac, err := m.macOne(base+id, keys[id])
		if err != nil {
			return nil, "", err
		}
		macs[id] = mac
	}
	keyIDsMAC, err := m.macOne(base+"KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		return nil, "", err
	}
	return macs, keyIDsMAC, nil
}

func (m *Machine) macOne(info, value string) (string, error) {
	var key [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, m.secret, nil, []byte(info)), key[:]); err != nil {
		return "", fmt.Errorf("sas: mac key: %w", err)
	}
	h := hmac.New(sha256.New, key[:])
	h.Write([]byte(value))
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil)), nil
}

// verifyPeerMAC recomputes the peer's MACs locally and byte-compares.
// The master key is matched by id; any other key id must be the device
// being verified or a cross-signed device from the directory. A
// mismatch is fatal.
func (m *Machine) verifyPeerMAC(raw json.RawMessage) error {
	var content struct {
		MAC  map[string]string `json:"mac"`
		Keys string            `json:"keys"`
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("sas: bad mac message: %w", err)
	}

	masterID, masterKey, err := m.cfg.Directory.MasterKey(m.cfg.UserID)
	if err != nil {
		return fmt.Errorf("sas: verify mac: %w", err)
	}

	keys := make(map[string]string, len(content.MAC))
	for id := range content.MAC {
		alg, name, ok := strings.Cut(id, ":")
		if !ok || alg != "ed25519" {
			return fmt.Errorf("sas: unexpected mac key id %q", id)
		}
		switch name {
		case masterID:
			keys[id] = masterKey
		default:
			dev, err := m.cfg.Directory.GetDevice(m.cfg.UserID, name)
			if err != nil {
				return fmt.Errorf("sas: verify mac: %w", err)
			}
			if dev == nil || dev.Ed25519 == "" {
				return fmt.Errorf("sas: mac references unknown device %s", name)
			}
			if name != m.peerDevice && !dev.SignedBySelf {
				return fmt.Errorf("sas: mac references unverified device %s", name)
			}
			keys[id] = dev.Ed25519
		}
	}

	// The peer computed with itself as sender and us as recipient.
	base := macInfoPrefix +
		m.cfg.UserID + m.peerDevice +
		m.cfg.UserID + m.cfg.DeviceID +
		m.txnID

	keyIDs := make([]string, 0, len(keys))
	for id := range keys {
		keyIDs = append(keyIDs, id)
	}
	slices.Sort(keyIDs)

	want, err := m.macOne(base+"KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		return err
	}
	if want != content.Keys {
		return fmt.Errorf("sas: key list mac mismatch from device %s", m.peerDevice)
	}
	for _, id := range keyIDs {
		want, err := m.macOne(base+id, keys[id])
		if err != nil {
			return err
		}
		if want != content.MAC[id] {
			return fmt.Errorf("sas: mac mismatch for %s from device %s", id, m.peerDevice)
		}
	}
	return nil
}

func (m *Machine) send(eventType string, content map[string]any) error {
	err := m.cfg.Sender.SendToDevice(eventType, m.cfg.UserID, m.peerDevice, content)
	if err != nil {
		return fmt.Errorf("sas: send %s: %w", eventType, err)
	}
	return nil
}

func (m *Machine) logf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
