package olm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const megolmMsgInfo = "MEGOLM_KEYS"

// megolmRatchet is the four-part hash ratchet. Part 3 advances every
// message; parts 2, 1 and 0 roll over every 2^8, 2^16 and 2^24 messages,
// rehashing the parts below them.
type megolmRatchet struct {
	Parts   [4]Key `cbor:"1,keyasint"`
	Counter uint32 `cbor:"2,keyasint"`
}

func hashPart(parent Key, part int) Key {
	var out Key
	m := hmac.New(sha256.New, parent[:])
	m.Write([]byte{byte(part)})
	copy(out[:], m.Sum(nil))
	return out
}

func (r *megolmRatchet) advance() {
	r.Counter++
	switch {
	case r.Counter&0xFFFFFF == 0:
		r.Parts[0] = hashPart(r.Parts[0], 0)
		r.Parts[1] = hashPart(r.Parts[0], 1)
		r.Parts[2] = hashPart(r.Parts[1], 2)
		r.Parts[3] = hashPart(r.Parts[2], 3)
	case r.Counter&0xFFFF == 0:
		r.Parts[1] = hashPart(r.Parts[1], 1)
		r.Parts[2] = hashPart(r.Parts[1], 2)
		r.Parts[3] = hashPart(r.Parts[2], 3)
	case r.Counter&0xFF == 0:
		r.Parts[2] = hashPart(r.Parts[2], 2)
		r.Parts[3] = hashPart(r.Parts[2], 3)
	default:
		r.Parts[3] = hashPart(r.Parts[3], 3)
	}
}

func (r *megolmRatchet) advanceTo(counter uint32) error {
	if counter < r.Counter {
		return fmt.Errorf("%w: ratchet already past index %d", ErrBadMessage, counter)
	}
	for r.Counter < counter {
		r.advance()
	}
	return nil
}

func (r *megolmRatchet) messageKeys() (aesKey, macKey [32]byte, iv [16]byte, err error) {
	var seed [128]byte
	for i, p := range r.Parts {
		copy(seed[i*32:], p[:])
	}
	var mk Key
	h := sha256.Sum256(seed[:])
	copy(mk[:], h[:])
	return deriveCipherKeys(mk, megolmMsgInfo)
}

type megolmMessage struct {
	Version    uint8  `cbor:"1,keyasint"`
	Counter    uint32 `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
}

// sessionExport is the shareable session key: the ratchet at its earliest
// exportable point plus the session's signing public key.
type sessionExport struct {
	Version uint8  `cbor:"1,keyasint"`
	Counter uint32 `cbor:"2,keyasint"`
	Parts   [4]Key `cbor:"3,keyasint"`
	PubKey  []byte `cbor:"4,keyasint"`
}

// OutboundGroupSession encrypts room messages for a group. Each message is
// signed with the session's ed25519 key so receivers can attribute the
// ratchet.
type OutboundGroupSession struct {
	Ratchet     megolmRatchet      `cbor:"1,keyasint"`
	SigningSeed []byte             `cbor:"2,keyasint"`
	signingKey  ed25519.PrivateKey `cbor:"-"`
}

// NewOutboundGroupSession creates a fresh group session.
func NewOutboundGroupSession(rand io.Reader) (*OutboundGroupSession, error) {
	var r megolmRatchet
	for i := range r.Parts {
		if _, err := io.ReadFull(rand, r.Parts[i][:]); err != nil {
			return nil, fmt.Errorf("olm: megolm ratchet seed: %w", err)
		}
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("olm: megolm signing seed: %w", err)
	}
	return &OutboundGroupSession{
		Ratchet:     r,
		SigningSeed: seed,
		signingKey:  ed25519.NewKeyFromSeed(seed),
	}, nil
}

// ID returns the session identifier: the unpadded-base64 signing key.
func (o *OutboundGroupSession) ID() string {
	pub := o.signingKey.Public().(ed25519.PublicKey)
	return base64.RawStdEncoding.EncodeToString(pub)
}

// Encrypt encrypts plaintext at the current ratchet position and advances.
func (o *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	aesKey, macKey, iv, err := o.Ratchet.messageKeys()
	if err != nil {
		return "", err
	}
	ct, err := encryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return "", err
	}
	body, err := pickleEnc.Marshal(megolmMessage{Version: msgVersion, Counter: o.Ratchet.Counter, Ciphertext: ct})
	if err != nil {
		return "", fmt.Errorf("olm: encode group message: %w", err)
	}
	mac := truncatedMAC(macKey, body)
	body = append(body, mac[:]...)
	sig := ed25519.Sign(o.signingKey, body)
	body = append(body, sig...)
	o.Ratchet.advance()
	return base64.RawStdEncoding.EncodeToString(body), nil
}

// SessionKey exports the session at its current ratchet position for
// sharing with receivers.
func (o *OutboundGroupSession) SessionKey() (string, error) {
	pub := o.signingKey.Public().(ed25519.PublicKey)
	data, err := pickleEnc.Marshal(sessionExport{
		Version: msgVersion,
		Counter: o.Ratchet.Counter,
		Parts:   o.Ratchet.Parts,
		PubKey:  pub,
	})
	if err != nil {
		return "", fmt.Errorf("olm: export group session: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(data), nil
}

// InboundGroupSession decrypts room messages from one sender session. The
// ratchet is kept at the earliest known position so older messages up to
// that point remain decryptable.
type InboundGroupSession struct {
	Ratchet   megolmRatchet     `cbor:"1,keyasint"`
	PubKey    []byte            `cbor:"2,keyasint"`
	SenderKey string            `cbor:"3,keyasint"` // curve25519 key of the device that shared it
	NeedsSave bool              `cbor:"-"`
	pubKey    ed25519.PublicKey `cbor:"-"`
}

// NewInboundGroupSession imports a session from a shared session key.
func NewInboundGroupSession(sessionKey, senderKey string) (*InboundGroupSession, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: session key base64: %v", ErrBadMessage, err)
	}
	var exp sessionExport
	if err := cbor.Unmarshal(raw, &exp); err != nil {
		return nil, fmt.Errorf("%w: session key: %v", ErrBadMessage, err)
	}
	if exp.Version != msgVersion || len(exp.PubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: malformed session key", ErrBadMessage)
	}
	return &InboundGroupSession{
		Ratchet:   megolmRatchet{Parts: exp.Parts, Counter: exp.Counter},
		PubKey:    exp.PubKey,
		SenderKey: senderKey,
		pubKey:    ed25519.PublicKey(exp.PubKey),
	}, nil
}

// ID returns the session identifier: the unpadded-base64 signing key.
func (g *InboundGroupSession) ID() string {
	return base64.RawStdEncoding.EncodeToString(g.PubKey)
}

// Decrypt verifies and decrypts a group message, returning the plaintext
// and the message index. The stored ratchet position is not advanced, so
// any message at or after it stays decryptable.
func (g *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: base64: %v", ErrBadMessage, err)
	}
	if len(raw) < ed25519.SignatureSize+9 {
		return nil, 0, fmt.Errorf("%w: short group message", ErrBadMessage)
	}
	sig := raw[len(raw)-ed25519.SignatureSize:]
	body := raw[:len(raw)-ed25519.SignatureSize]
	if !ed25519.Verify(g.pubKey, body, sig) {
		return nil, 0, fmt.Errorf("%w: bad group signature", ErrBadMessage)
	}

	macGot := body[len(body)-8:]
	encoded := body[:len(body)-8]
	var msg megolmMessage
	if err := cbor.Unmarshal(encoded, &msg); err != nil {
		return nil, 0, fmt.Errorf("%w: decode group message: %v", ErrBadMessage, err)
	}
	if msg.Version != msgVersion {
		return nil, 0, fmt.Errorf("%w: version %d", ErrBadMessage, msg.Version)
	}

	r := g.Ratchet // copy; stored ratchet stays at the earliest position
	if err := r.advanceTo(msg.Counter); err != nil {
		return nil, 0, err
	}
	aesKey, macKey, iv, err := r.messageKeys()
	if err != nil {
		return nil, 0, err
	}
	macWant := truncatedMAC(macKey, encoded)
	if !hmac.Equal(macGot, macWant[:]) {
		return nil, 0, fmt.Errorf("%w: bad group MAC", ErrBadMessage)
	}
	plaintext, err := decryptCBC(aesKey, iv, msg.Ciphertext)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, msg.Counter, nil
}

// Export re-serializes the session key at the stored ratchet position,
// used to forward the session to another device.
func (g *InboundGroupSession) Export() (string, error) {
	data, err := pickleEnc.Marshal(sessionExport{
		Version: msgVersion,
		Counter: g.Ratchet.Counter,
		Parts:   g.Ratchet.Parts,
		PubKey:  g.PubKey,
	})
	if err != nil {
		return "", fmt.Errorf("olm: export group session: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(data), nil
}

// Pickle serializes the inbound session.
func (g *InboundGroupSession) Pickle() ([]byte, error) {
	data, err := pickleEnc.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("olm: pickle group session: %w", err)
	}
	return data, nil
}

// UnpickleInboundGroupSession restores an inbound session.
func UnpickleInboundGroupSession(data []byte) (*InboundGroupSession, error) {
	var g InboundGroupSession
	if err := cbor.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: group session: %v", ErrBadPickle, err)
	}
	if len(g.PubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: group session key size", ErrBadPickle)
	}
	g.pubKey = ed25519.PublicKey(g.PubKey)
	return &g, nil
}

// Pickle serializes the outbound session.
func (o *OutboundGroupSession) Pickle() ([]byte, error) {
	data, err := pickleEnc.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("olm: pickle outbound group session: %w", err)
	}
	return data, nil
}

// UnpickleOutboundGroupSession restores an outbound session.
func UnpickleOutboundGroupSession(data []byte) (*OutboundGroupSession, error) {
	var o OutboundGroupSession
	if err := cbor.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: outbound group session: %v", ErrBadPickle, err)
	}
	if len(o.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: outbound group session seed", ErrBadPickle)
	}
	o.signingKey = ed25519.NewKeyFromSeed(o.SigningSeed)
	return &o, nil
}
