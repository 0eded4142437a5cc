package olm

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// OneTimeKey is a single-use curve25519 key published to the server so
// peers can establish inbound sessions with us.
type OneTimeKey struct {
	ID        string  `cbor:"1,keyasint"`
	Keys      keyPair `cbor:"2,keyasint"`
	Published bool    `cbor:"3,keyasint"`
}

// Account holds the device's long-term identity: a curve25519 key pair for
// ratchet key agreement, an ed25519 key pair for signing, the pool of
// one-time keys and at most one unpublished fallback key.
type Account struct {
	Identity    keyPair            `cbor:"1,keyasint"`
	SigningSeed []byte             `cbor:"2,keyasint"`
	OneTimeKeys []OneTimeKey       `cbor:"3,keyasint"`
	Fallback    *OneTimeKey        `cbor:"4,keyasint,omitempty"`
	Shared      bool               `cbor:"5,keyasint"` // device keys uploaded
	rand        io.Reader          `cbor:"-"`
	signingKey  ed25519.PrivateKey `cbor:"-"`
}

// NewAccount generates a fresh identity from the given randomness source.
func NewAccount(rand io.Reader) (*Account, error) {
	id, err := generateKeyPair(rand)
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("olm: signing seed: %w", err)
	}
	a := &Account{Identity: id, SigningSeed: seed, rand: rand}
	a.signingKey = ed25519.NewKeyFromSeed(seed)
	return a, nil
}

// SetRand attaches the randomness source after unpickling.
func (a *Account) SetRand(rand io.Reader) { a.rand = rand }

// Curve25519Key returns the identity key agreement public key.
func (a *Account) Curve25519Key() Key { return a.Identity.Pub }

// Ed25519Key returns the signing public key.
func (a *Account) Ed25519Key() ed25519.PublicKey {
	return a.signingKey.Public().(ed25519.PublicKey)
}

// SigningKey returns the ed25519 private key for canonical-JSON signing.
func (a *Account) SigningKey() ed25519.PrivateKey { return a.signingKey }

// Sign returns the ed25519 signature over message.
func (a *Account) Sign(message []byte) []byte {
	return ed25519.Sign(a.signingKey, message)
}

// GenerateOneTimeKeys adds n unpublished one-time keys to the pool and
// returns them.
func (a *Account) GenerateOneTimeKeys(n int) ([]OneTimeKey, error) {
	fresh := make([]OneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := generateKeyPair(a.rand)
		if err != nil {
			return nil, err
		}
		k := OneTimeKey{ID: uuid.NewString(), Keys: kp}
		a.OneTimeKeys = append(a.OneTimeKeys, k)
		fresh = append(fresh, k)
	}
	return fresh, nil
}

// GenerateFallbackKey replaces the fallback key with a fresh unpublished
// one and returns it.
func (a *Account) GenerateFallbackKey() (OneTimeKey, error) {
	kp, err := generateKeyPair(a.rand)
	if err != nil {
		return OneTimeKey{}, err
	}
	k := OneTimeKey{ID: uuid.NewString(), Keys: kp}
	a.Fallback = &k
	return k, nil
}

// UnpublishedFallback reports whether an unpublished fallback key exists.
func (a *Account) UnpublishedFallback() bool {
	return a.Fallback != nil && !a.Fallback.Published
}

// MarkKeysPublished flags every pending one-time key and the fallback key
// as published.
func (a *Account) MarkKeysPublished() {
	for i := range a.OneTimeKeys {
		a.OneTimeKeys[i].Published = true
	}
	if a.Fallback != nil {
		a.Fallback.Published = true
	}
}

// RemoveOneTimeKey removes the one-time key with the given public part,
// consumed by an inbound pre-key message. Removing an unknown key is a
// no-op: the peer may have used the fallback key.
func (a *Account) RemoveOneTimeKey(pub Key) {
	for i := range a.OneTimeKeys {
		if a.OneTimeKeys[i].Keys.Pub == pub {
			a.OneTimeKeys = append(a.OneTimeKeys[:i], a.OneTimeKeys[i+1:]...)
			return
		}
	}
}

// oneTimePrivate resolves the private half for an inbound pre-key message,
// checking the one-time pool first and then the fallback key.
func (a *Account) oneTimePrivate(pub Key) (Key, bool) {
	for i := range a.OneTimeKeys {
		if a.OneTimeKeys[i].Keys.Pub == pub {
			return a.OneTimeKeys[i].Keys.Priv, true
		}
	}
	if a.Fallback != nil && a.Fallback.Keys.Pub == pub {
		return a.Fallback.Keys.Priv, true
	}
	return Key{}, false
}

// PublicBase64 returns the unpadded-base64 public key used in uploads.
func (k OneTimeKey) PublicBase64() string {
	return base64.RawStdEncoding.EncodeToString(k.Keys.Pub[:])
}

// Pickle serializes the account.
func (a *Account) Pickle() ([]byte, error) {
	data, err := pickleEnc.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("olm: pickle account: %w", err)
	}
	return data, nil
}

// UnpickleAccount restores an account from Pickle output.
func UnpickleAccount(data []byte, rand io.Reader) (*Account, error) {
	var a Account
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: account: %v", ErrBadPickle, err)
	}
	if len(a.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: account: bad signing seed", ErrBadPickle)
	}
	a.signingKey = ed25519.NewKeyFromSeed(a.SigningSeed)
	a.rand = rand
	return &a, nil
}
