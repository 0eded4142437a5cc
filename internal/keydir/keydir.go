// Package keydir tracks remote users' devices and cross-signing keys.
// Entries go stale lazily: device-list deltas from sync and on-demand
// lookups only flag users outdated, and the next lookup batches every
// outdated user into one keys/query refresh. Signature chains are
// verified master → self-signing → device; a failed verification leaves
// the key unverified rather than erroring.
package keydir

import (
	"bufio"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/peregrine-im/matrix-go/internal/canonical"
)

// Device is one remote device's key material.
type Device struct {
	DeviceID     string
	Curve25519   string // key agreement key, unpadded base64
	Ed25519      string // signing key, unpadded base64
	SignedBySelf bool   // device key signed by the user's self-signing key
}

// User is one directory entry.
type User struct {
	UserID              string
	AllDevices          bool // subscribed to the full device list
	Outdated            bool
	MasterKeyID         string
	MasterKey           string
	SelfSigningKeyID    string
	SelfSigningKey      string
	SelfSigningVerified bool // self-signing key signed by master
	Devices             map[string]*Device
}

// QueryResult carries one user's raw keys/query response objects.
type QueryResult struct {
	MasterKey      json.RawMessage
	SelfSigningKey json.RawMessage
	Devices        map[string]json.RawMessage
}

// QueryClient performs the batched keys/query call.
type QueryClient interface {
	QueryKeys(users []string) (map[string]QueryResult, error)
}

// Directory is the device/key directory for all known users.
type Directory struct {
	users  map[string]*User
	query  QueryClient
	logger *log.Logger
}

// New creates an empty directory backed by the given query client.
func New(query QueryClient, logger *log.Logger) *Directory {
	return &Directory{users: map[string]*User{}, query: query, logger: logger}
}

func (d *Directory) user(userID string) *User {
	u, ok := d.users[userID]
	if !ok {
		u = &User{UserID: userID, Outdated: true, Devices: map[string]*Device{}}
		d.users[userID] = u
	}
	return u
}

// GetDevice returns the directory entry for one device, creating the
// user as outdated and refreshing first if anything known-stale would be
// read. Returns nil if the server does not know the device.
func (d *Directory) GetDevice(userID, deviceID string) (*Device, error) {
	u := d.user(userID)
	if _, ok := u.Devices[deviceID]; !ok && !u.AllDevices {
		u.Outdated = true
	}
	if err := d.Refresh(); err != nil {
		return nil, err
	}
	return u.Devices[deviceID], nil
}

// AllDevices subscribes to the user's full device list and returns it.
func (d *Directory) AllDevices(userID string) (map[string]*Device, error) {
	u := d.user(userID)
	if !u.AllDevices {
		u.AllDevices = true
		u.Outdated = true
	}
	if err := d.Refresh(); err != nil {
		return nil, err
	}
	return u.Devices, nil
}

// MasterKey returns the user's cross-signing master key id and key,
// refreshing if stale.
func (d *Directory) MasterKey(userID string) (id, key string, err error) {
	u := d.user(userID)
	if err := d.Refresh(); err != nil {
		return "", "", err
	}
	return u.MasterKeyID, u.MasterKey, nil
}

// ApplyDeltas handles a device-list push from sync: left users are
// dropped outright, changed users flagged for the next refresh.
func (d *Directory) ApplyDeltas(changed, left []string) {
	for _, userID := range left {
		delete(d.users, userID)
	}
	for _, userID := range changed {
		if u, ok := d.users[userID]; ok {
			u.Outdated = true
		}
	}
}

// Refresh batches all outdated users into one keys/query call. A no-op
// when nothing is stale.
func (d *Directory) Refresh() error {
	var stale []string
	for userID, u := range d.users {
		if u.Outdated {
			stale = append(stale, userID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	results, err := d.query.QueryKeys(stale)
	if err != nil {
		return fmt.Errorf("keydir: refresh: %w", err)
	}

	for _, userID := range stale {
		u := d.users[userID]
		u.Outdated = false
		res, ok := results[userID]
		if !ok {
			continue
		}
		d.applyResult(u, res)
	}
	return nil
}

func (d *Directory) applyResult(u *User, res QueryResult) {
	u.Devices = map[string]*Device{}
	u.MasterKeyID, u.MasterKey = extractKey(res.MasterKey, "ed25519")
	u.SelfSigningKeyID, u.SelfSigningKey = extractKey(res.SelfSigningKey, "ed25519")
	u.SelfSigningVerified = false

	masterPub := decodeKey(u.MasterKey)
	if masterPub != nil && res.SelfSigningKey != nil {
		err := canonical.VerifyJSON(masterPub, u.UserID, u.MasterKeyID, res.SelfSigningKey)
		if err == nil {
			u.SelfSigningVerified = true
		} else {
			logf(d.logger, "keydir: self-signing key of %s unverified: %v", u.UserID, err)
		}
	}

	selfPub := decodeKey(u.SelfSigningKey)
	for deviceID, raw := range res.Devices {
		var dk struct {
			DeviceID string            `json:"device_id"`
			Keys     map[string]string `json:"keys"`
		}
		if err := json.Unmarshal(raw, &dk); err != nil {
			logf(d.logger, "keydir: bad device keys for %s/%s: %v", u.UserID, deviceID, err)
			continue
		}
		dev := &Device{
			DeviceID:   deviceID,
			Curve25519: dk.Keys["curve25519:"+deviceID],
			Ed25519:    dk.Keys["ed25519:"+deviceID],
		}
		if selfPub != nil && u.SelfSigningVerified {
			if err := canonical.VerifyJSON(selfPub, u.UserID, u.SelfSigningKeyID, raw); err == nil {
				dev.SignedBySelf = true
			} else {
				logf(d.logger, "keydir: device %s/%s unverified: %v", u.UserID, deviceID, err)
			}
		}
		u.Devices[deviceID] = dev
	}
}

// extractKey pulls the key id and base64 key of the given algorithm out
// of a cross-signing key object.
func extractKey(raw json.RawMessage, algorithm string) (id, key string) {
	if raw == nil {
		return "", ""
	}
	var obj struct {
		Keys map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", ""
	}
	for fullID, k := range obj.Keys {
		if alg, rest, ok := strings.Cut(fullID, ":"); ok && alg == algorithm {
			return rest, k
		}
	}
	return "", ""
}

func decodeKey(b64 string) ed25519.PublicKey {
	if b64 == "" {
		return nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(raw)
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Save writes the directory as one flat line-oriented file: user count
// first, then per-user blocks. Users with no verified key material are
// skipped; re-learning them is cheaper than persisting noise.
func (d *Directory) Save(path string) error {
	var keep []*User
	for _, u := range d.users {
		if u.MasterKey == "" && len(u.Devices) == 0 {
			continue
		}
		keep = append(keep, u)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", len(keep))
	for _, u := range keep {
		fmt.Fprintf(&b, "%s\n%s\n", u.UserID, flags(u.AllDevices))
		fmt.Fprintf(&b, "%s\n%s\n", u.MasterKeyID, u.MasterKey)
		fmt.Fprintf(&b, "%s\n%s\n%s\n", u.SelfSigningKeyID, u.SelfSigningKey, flags(u.SelfSigningVerified))
		fmt.Fprintf(&b, "%d\n", len(u.Devices))
		for _, dev := range u.Devices {
			fmt.Fprintf(&b, "%s\n%s\n%s\n%s\n", dev.DeviceID, dev.Curve25519, dev.Ed25519, flags(dev.SignedBySelf))
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("keydir: save: %w", err)
	}
	return nil
}

// Load restores a directory previously written by Save. A missing file
// yields an empty directory.
func (d *Directory) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keydir: load: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := func() string {
		if sc.Scan() {
			return sc.Text()
		}
		return ""
	}
	count, err := strconv.Atoi(line())
	if err != nil {
		return fmt.Errorf("keydir: load: user count: %w", err)
	}
	for i := 0; i < count; i++ {
		u := &User{Devices: map[string]*Device{}}
		u.UserID = line()
		u.AllDevices = line() == "1"
		u.MasterKeyID = line()
		u.MasterKey = line()
		u.SelfSigningKeyID = line()
		u.SelfSigningKey = line()
		u.SelfSigningVerified = line() == "1"
		devCount, err := strconv.Atoi(line())
		if err != nil {
			return fmt.Errorf("keydir: load %s: device count: %w", u.UserID, err)
		}
		for j := 0; j < devCount; j++ {
			dev := &Device{}
			dev.DeviceID = line()
			dev.Curve25519 = line()
			dev.Ed25519 = line()
			dev.SignedBySelf = line() == "1"
			u.Devices[dev.DeviceID] = dev
		}
		if u.UserID == "" {
			return fmt.Errorf("keydir: load: truncated file")
		}
		d.users[u.UserID] = u
	}
	return nil
}

func flags(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
