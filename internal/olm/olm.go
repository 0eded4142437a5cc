// Package olm implements the 1:1 double-ratchet and group-ratchet
// cryptosystems used for end-to-end encryption: identity accounts with
// one-time keys, pairwise ratchet sessions for to-device messages, and
// inbound/outbound group sessions for room messages. State snapshots
// ("pickles") are CBOR-encoded for disk persistence.
package olm

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrBadMessage covers all recoverable decrypt failures: bad MAC, unknown
// session or ratchet index, exhausted ratchet. Callers treat these as
// skippable, never fatal.
var ErrBadMessage = errors.New("olm: message cannot be decrypted")

// ErrBadPickle indicates a corrupt persisted session or account snapshot.
// Unlike decrypt failures this is unrecoverable local state.
var ErrBadPickle = errors.New("olm: corrupt pickle")

// Key is a 32-byte curve25519 or symmetric key.
type Key = [32]byte

type keyPair struct {
	Priv Key `cbor:"1,keyasint"`
	Pub  Key `cbor:"2,keyasint"`
}

func generateKeyPair(rand io.Reader) (keyPair, error) {
	var kp keyPair
	if _, err := io.ReadFull(rand, kp.Priv[:]); err != nil {
		return kp, fmt.Errorf("olm: read random: %w", err)
	}
	// Curve25519 private key clamping.
	kp.Priv[0] &= 248
	kp.Priv[31] &= 127
	kp.Priv[31] |= 64
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("olm: derive public key: %w", err)
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

func dh(priv, pub Key) (Key, error) {
	var out Key
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("olm: X25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// kdfRoot derives a new (root key, chain key) pair from the current root
// key and a ratchet DH output. HKDF-SHA256 keyed by the root key as salt.
func kdfRoot(rootKey, dhOut Key) (Key, Key, error) {
	var newRoot, chain Key
	r := hkdf.New(sha256.New, dhOut[:], rootKey[:], []byte("OLM_RATCHET"))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return newRoot, chain, fmt.Errorf("olm: root KDF: %w", err)
	}
	copy(newRoot[:], buf[:32])
	copy(chain[:], buf[32:])
	return newRoot, chain, nil
}

// kdfChain advances a chain key one step and derives the message key for
// the current step.
func kdfChain(chainKey Key) (next Key, msgKey Key) {
	m := hmac.New(sha256.New, chainKey[:])
	m.Write([]byte{0x01})
	copy(msgKey[:], m.Sum(nil))
	m = hmac.New(sha256.New, chainKey[:])
	m.Write([]byte{0x02})
	copy(next[:], m.Sum(nil))
	return next, msgKey
}

// deriveCipherKeys expands a message key into AES-256 key, HMAC-SHA256 key
// and CBC IV.
func deriveCipherKeys(msgKey Key, info string) (aesKey, macKey [32]byte, iv [16]byte, err error) {
	r := hkdf.New(sha256.New, msgKey[:], nil, []byte(info))
	buf := make([]byte, 80)
	if _, err = io.ReadFull(r, buf); err != nil {
		err = fmt.Errorf("olm: cipher KDF: %w", err)
		return
	}
	copy(aesKey[:], buf[:32])
	copy(macKey[:], buf[32:64])
	copy(iv[:], buf[64:])
	return
}

func truncatedMAC(key [32]byte, data []byte) [8]byte {
	var out [8]byte
	m := hmac.New(sha256.New, key[:])
	m.Write(data)
	copy(out[:], m.Sum(nil))
	return out
}

// pickleEncMode returns the CBOR encoding options used for all pickles.
// Core-deterministic encoding keeps snapshots byte-stable across saves.
func pickleEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

var pickleEnc = pickleEncMode()
