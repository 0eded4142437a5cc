package olm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

// Message types on the wire.
const (
	MsgTypePreKey = 0
	MsgTypeNormal = 1
)

const (
	sessionKeyInfo = "OLM_ROOT"
	sessionMsgInfo = "OLM_KEYS"

	// maxSkip bounds how far a receiving chain may be advanced for a
	// single message; anything further is treated as an exhausted ratchet.
	maxSkip = 2000
	// maxSkippedKeys bounds retained out-of-order message keys.
	maxSkippedKeys = 40
)

type senderChain struct {
	Ratchet keyPair `cbor:"1,keyasint"`
	Key     Key     `cbor:"2,keyasint"`
	Index   uint32  `cbor:"3,keyasint"`
}

type receiverChain struct {
	RatchetPub Key    `cbor:"1,keyasint"`
	Key        Key    `cbor:"2,keyasint"`
	Index      uint32 `cbor:"3,keyasint"`
}

type skippedKey struct {
	RatchetPub Key    `cbor:"1,keyasint"`
	Index      uint32 `cbor:"2,keyasint"`
	MsgKey     Key    `cbor:"3,keyasint"`
}

// Session is a pairwise double-ratchet channel with one peer device.
// The outbound side keeps sending pre-key (type 0) messages until the
// peer has demonstrably ratcheted, after which both sides exchange
// normal (type 1) messages.
type Session struct {
	RootKey        Key             `cbor:"1,keyasint"`
	Sender         *senderChain    `cbor:"2,keyasint,omitempty"`
	Receivers      []receiverChain `cbor:"3,keyasint,omitempty"`
	Skipped        []skippedKey    `cbor:"4,keyasint,omitempty"`
	TheirIdentity  Key             `cbor:"5,keyasint"`
	BaseKey        Key             `cbor:"6,keyasint"` // creator's ephemeral public key
	OurIdentityPub Key             `cbor:"7,keyasint"`
	OneTimePub     Key             `cbor:"8,keyasint"` // responder one-time key consumed at setup
	Received       bool            `cbor:"9,keyasint"` // a message from the peer has been decrypted

	rand io.Reader
}

// preKeyMessage wraps an inner ratchet message with the session-setup keys.
type preKeyMessage struct {
	Version     uint8  `cbor:"1,keyasint"`
	OneTimeKey  Key    `cbor:"2,keyasint"`
	BaseKey     Key    `cbor:"3,keyasint"`
	IdentityKey Key    `cbor:"4,keyasint"`
	Message     []byte `cbor:"5,keyasint"`
}

type ratchetMessage struct {
	Version    uint8  `cbor:"1,keyasint"`
	RatchetKey Key    `cbor:"2,keyasint"`
	Index      uint32 `cbor:"3,keyasint"`
	Ciphertext []byte `cbor:"4,keyasint"`
}

const msgVersion = 3

// NewOutboundSession establishes a session toward a peer device from its
// identity key and a claimed one-time key, using a triple Diffie-Hellman
// over a fresh ephemeral base key.
func NewOutboundSession(acct *Account, theirIdentity, theirOneTime Key) (*Session, error) {
	base, err := generateKeyPair(acct.rand)
	if err != nil {
		return nil, err
	}

	d1, err := dh(acct.Identity.Priv, theirOneTime)
	if err != nil {
		return nil, err
	}
	d2, err := dh(base.Priv, theirIdentity)
	if err != nil {
		return nil, err
	}
	d3, err := dh(base.Priv, theirOneTime)
	if err != nil {
		return nil, err
	}

	root, chain, err := initialKeys(d1, d2, d3)
	if err != nil {
		return nil, err
	}

	ratchet, err := generateKeyPair(acct.rand)
	if err != nil {
		return nil, err
	}

	return &Session{
		RootKey:        root,
		Sender:         &senderChain{Ratchet: ratchet, Key: chain},
		TheirIdentity:  theirIdentity,
		BaseKey:        base.Pub,
		OurIdentityPub: acct.Identity.Pub,
		OneTimePub:     theirOneTime,
		rand:           acct.rand,
	}, nil
}

// NewInboundSession establishes a session from an incoming pre-key
// message, resolving the consumed one-time key from the account. The
// message payload itself is decrypted with Session.Decrypt afterwards.
func NewInboundSession(acct *Account, ciphertext string) (*Session, error) {
	pkm, err := parsePreKeyMessage(ciphertext)
	if err != nil {
		return nil, err
	}

	otPriv, ok := acct.oneTimePrivate(pkm.OneTimeKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown one-time key", ErrBadMessage)
	}

	d1, err := dh(otPriv, pkm.IdentityKey)
	if err != nil {
		return nil, err
	}
	d2, err := dh(acct.Identity.Priv, pkm.BaseKey)
	if err != nil {
		return nil, err
	}
	d3, err := dh(otPriv, pkm.BaseKey)
	if err != nil {
		return nil, err
	}

	root, chain, err := initialKeys(d1, d2, d3)
	if err != nil {
		return nil, err
	}

	var inner ratchetMessage
	if err := cbor.Unmarshal(pkm.Message[:len(pkm.Message)-8], &inner); err != nil {
		return nil, fmt.Errorf("%w: inner message: %v", ErrBadMessage, err)
	}

	return &Session{
		RootKey:        root,
		Receivers:      []receiverChain{{RatchetPub: inner.RatchetKey, Key: chain}},
		TheirIdentity:  pkm.IdentityKey,
		BaseKey:        pkm.BaseKey,
		OurIdentityPub: acct.Identity.Pub,
		OneTimePub:     pkm.OneTimeKey,
		rand:           acct.rand,
	}, nil
}

func initialKeys(d1, d2, d3 Key) (Key, Key, error) {
	secret := make([]byte, 0, 96)
	secret = append(secret, d1[:]...)
	secret = append(secret, d2[:]...)
	secret = append(secret, d3[:]...)
	var root, chain Key
	r := hkdf.New(sha256.New, secret, nil, []byte(sessionKeyInfo))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return root, chain, fmt.Errorf("olm: session KDF: %w", err)
	}
	copy(root[:], buf[:32])
	copy(chain[:], buf[32:])
	return root, chain, nil
}

// SetRand attaches the randomness source after unpickling.
func (s *Session) SetRand(rand io.Reader) { s.rand = rand }

// ID identifies the session by the three keys that established it.
func (s *Session) ID() string {
	h := sha256.New()
	h.Write(s.TheirIdentity[:])
	h.Write(s.BaseKey[:])
	h.Write(s.OneTimePub[:])
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}

// Matches reports whether a pre-key message belongs to this session: the
// peer retransmitting the same session setup.
func (s *Session) Matches(ciphertext string) bool {
	pkm, err := parsePreKeyMessage(ciphertext)
	if err != nil {
		return false
	}
	return pkm.IdentityKey == s.TheirIdentity &&
		pkm.BaseKey == s.BaseKey &&
		pkm.OneTimeKey == s.OneTimePub
}

// Encrypt returns the message type and base64 ciphertext for plaintext.
// Until the peer has answered, messages are wrapped as pre-key messages so
// the receiver can establish the session.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	if s.Sender == nil {
		// First send after receiving: step the root ratchet with a
		// fresh ratchet key against the peer's latest one.
		if len(s.Receivers) == 0 {
			return 0, "", fmt.Errorf("olm: session has no chains")
		}
		ratchet, err := generateKeyPair(s.rand)
		if err != nil {
			return 0, "", err
		}
		shared, err := dh(ratchet.Priv, s.Receivers[len(s.Receivers)-1].RatchetPub)
		if err != nil {
			return 0, "", err
		}
		root, chain, err := kdfRoot(s.RootKey, shared)
		if err != nil {
			return 0, "", err
		}
		s.RootKey = root
		s.Sender = &senderChain{Ratchet: ratchet, Key: chain}
	}

	next, msgKey := kdfChain(s.Sender.Key)
	msg := ratchetMessage{
		Version:    msgVersion,
		RatchetKey: s.Sender.Ratchet.Pub,
		Index:      s.Sender.Index,
	}

	aesKey, macKey, iv, err := deriveCipherKeys(msgKey, sessionMsgInfo)
	if err != nil {
		return 0, "", err
	}
	msg.Ciphertext, err = encryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return 0, "", err
	}

	body, err := pickleEnc.Marshal(msg)
	if err != nil {
		return 0, "", fmt.Errorf("olm: encode message: %w", err)
	}
	mac := truncatedMAC(macKey, body)
	body = append(body, mac[:]...)

	s.Sender.Key = next
	s.Sender.Index++

	if !s.Received {
		pkm := preKeyMessage{
			Version:     msgVersion,
			OneTimeKey:  s.OneTimePub,
			BaseKey:     s.BaseKey,
			IdentityKey: s.OurIdentityPub,
			Message:     body,
		}
		wrapped, err := pickleEnc.Marshal(pkm)
		if err != nil {
			return 0, "", fmt.Errorf("olm: encode pre-key message: %w", err)
		}
		return MsgTypePreKey, base64.RawStdEncoding.EncodeToString(wrapped), nil
	}
	return MsgTypeNormal, base64.RawStdEncoding.EncodeToString(body), nil
}

// Decrypt decrypts a message of the given type. Pre-key messages carry
// the inner ratchet message; normal messages are the ratchet message
// directly. All failures are ErrBadMessage.
func (s *Session) Decrypt(msgType int, ciphertext string) ([]byte, error) {
	var body []byte
	switch msgType {
	case MsgTypePreKey:
		pkm, err := parsePreKeyMessage(ciphertext)
		if err != nil {
			return nil, err
		}
		if pkm.IdentityKey != s.TheirIdentity || pkm.BaseKey != s.BaseKey {
			return nil, fmt.Errorf("%w: pre-key message for a different session", ErrBadMessage)
		}
		body = pkm.Message
	case MsgTypeNormal:
		raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrBadMessage, err)
		}
		body = raw
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessage, msgType)
	}

	if len(body) < 9 {
		return nil, fmt.Errorf("%w: short message", ErrBadMessage)
	}
	macGot := body[len(body)-8:]
	encoded := body[:len(body)-8]

	var msg ratchetMessage
	if err := cbor.Unmarshal(encoded, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrBadMessage, err)
	}
	if msg.Version != msgVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadMessage, msg.Version)
	}

	msgKey, err := s.messageKey(msg.RatchetKey, msg.Index)
	if err != nil {
		return nil, err
	}

	aesKey, macKey, iv, err := deriveCipherKeys(msgKey, sessionMsgInfo)
	if err != nil {
		return nil, err
	}
	macWant := truncatedMAC(macKey, encoded)
	if !hmac.Equal(macGot, macWant[:]) {
		return nil, fmt.Errorf("%w: bad MAC", ErrBadMessage)
	}

	plaintext, err := decryptCBC(aesKey, iv, msg.Ciphertext)
	if err != nil {
		return nil, err
	}
	s.Received = true
	return plaintext, nil
}

// messageKey resolves the message key for (ratchetPub, index), stepping
// the root ratchet for an unseen ratchet key and advancing the receiving
// chain as needed. Skipped message keys are retained up to a bound.
func (s *Session) messageKey(ratchetPub Key, index uint32) (Key, error) {
	for i, sk := range s.Skipped {
		if sk.RatchetPub == ratchetPub && sk.Index == index {
			s.Skipped = append(s.Skipped[:i], s.Skipped[i+1:]...)
			return sk.MsgKey, nil
		}
	}

	var chain *receiverChain
	for i := range s.Receivers {
		if s.Receivers[i].RatchetPub == ratchetPub {
			chain = &s.Receivers[i]
			break
		}
	}
	if chain == nil {
		if s.Sender == nil {
			return Key{}, fmt.Errorf("%w: no ratchet state", ErrBadMessage)
		}
		shared, err := dh(s.Sender.Ratchet.Priv, ratchetPub)
		if err != nil {
			return Key{}, err
		}
		root, chainKey, err := kdfRoot(s.RootKey, shared)
		if err != nil {
			return Key{}, err
		}
		s.RootKey = root
		s.Receivers = append(s.Receivers, receiverChain{RatchetPub: ratchetPub, Key: chainKey})
		chain = &s.Receivers[len(s.Receivers)-1]
		// The sender chain is stale once the peer has ratcheted; the
		// next Encrypt creates a fresh one.
		s.Sender = nil
	}

	if index < chain.Index {
		return Key{}, fmt.Errorf("%w: ratchet exhausted at index %d", ErrBadMessage, index)
	}
	if index-chain.Index > maxSkip {
		return Key{}, fmt.Errorf("%w: message index %d too far ahead", ErrBadMessage, index)
	}

	for chain.Index < index {
		next, msgKey := kdfChain(chain.Key)
		s.Skipped = append(s.Skipped, skippedKey{RatchetPub: ratchetPub, Index: chain.Index, MsgKey: msgKey})
		if len(s.Skipped) > maxSkippedKeys {
			s.Skipped = s.Skipped[len(s.Skipped)-maxSkippedKeys:]
		}
		chain.Key = next
		chain.Index++
	}

	next, msgKey := kdfChain(chain.Key)
	chain.Key = next
	chain.Index++
	return msgKey, nil
}

func parsePreKeyMessage(ciphertext string) (*preKeyMessage, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrBadMessage, err)
	}
	var pkm preKeyMessage
	if err := cbor.Unmarshal(raw, &pkm); err != nil {
		return nil, fmt.Errorf("%w: decode pre-key message: %v", ErrBadMessage, err)
	}
	if pkm.Version != msgVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadMessage, pkm.Version)
	}
	if len(pkm.Message) < 9 {
		return nil, fmt.Errorf("%w: short inner message", ErrBadMessage)
	}
	return &pkm, nil
}

func encryptCBC(key [32]byte, iv [16]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("olm: AES: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(key [32]byte, iv [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrBadMessage, len(ciphertext))
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("olm: AES: %w", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, ciphertext)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padding := make([]byte, pad)
	for i := range padding {
		padding[i] = byte(pad)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("pkcs7: invalid data length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, fmt.Errorf("pkcs7: invalid padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("pkcs7: inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}

// Pickle serializes the session.
func (s *Session) Pickle() ([]byte, error) {
	data, err := pickleEnc.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("olm: pickle session: %w", err)
	}
	return data, nil
}

// UnpickleSession restores a session from Pickle output.
func UnpickleSession(data []byte, rand io.Reader) (*Session, error) {
	var s Session
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: session: %v", ErrBadPickle, err)
	}
	s.rand = rand
	return &s, nil
}
