// Package matrix provides a high-level client for an end-to-end
// encrypted Matrix chat account: password login, incremental sync,
// olm/megolm decryption with on-disk persistence, emoji device
// verification and room history paging.
package matrix

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peregrine-im/matrix-go/internal/engine"
	"github.com/peregrine-im/matrix-go/internal/transport"
)

// Event is one engine notification; see the concrete types below.
type Event = engine.Event

// VerificationStatus reports once at startup whether this device is
// already cross-signed.
type VerificationStatus = engine.VerificationStatus

// RoomTitle carries a room's new display title.
type RoomTitle = engine.RoomTitle

// Message is one resolved timeline message.
type Message = engine.Message

// RoomMessages is one page of room history.
type RoomMessages = engine.RoomMessages

// MessageDecrypted delivers a message that decrypted after its timeline
// position, typically once a room key arrived.
type MessageDecrypted = engine.MessageDecrypted

// SASEmoji carries the 7 emoji indices to show the user.
type SASEmoji = engine.SASEmoji

// SASComplete signals that interactive verification finished.
type SASComplete = engine.SASComplete

// Client is the main entry point. All account state lives on a single
// engine goroutine; the caller talks to it through Events and the
// command methods.
type Client struct {
	host       string
	dial       transport.DialFunc
	tlsConfig  *tls.Config
	dataDir    string
	username   string
	password   string
	deviceName string
	logger     *log.Logger

	eng       *engine.Engine
	done      chan error
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithHomeserver sets the homeserver address as "host" or "host:port"
// (port defaults to 443).
func WithHomeserver(addr string) Option {
	return func(c *Client) { c.host = addr }
}

// WithTLSConfig overrides the TLS configuration, typically to pin the
// homeserver's root certificate.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDataDir overrides the account data directory. If not set, defaults
// to $XDG_DATA_HOME/matrix-go/<username>.
func WithDataDir(path string) Option {
	return func(c *Client) { c.dataDir = path }
}

// WithDeviceDisplayName sets the display name sent on first login.
func WithDeviceDisplayName(name string) Option {
	return func(c *Client) { c.deviceName = name }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDialFunc overrides how the underlying connections are opened.
// Intended for tests and unusual transports; normal use dials TLS to
// the homeserver.
func WithDialFunc(dial transport.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// NewClient creates a client for one account. Nothing happens until Run.
func NewClient(username, password string, opts ...Option) *Client {
	c := &Client{
		username:   username,
		password:   password,
		deviceName: "matrix-go",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// DefaultDataDir returns the base directory for account data.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "matrix-go")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "matrix-go"
	}
	return filepath.Join(home, ".local", "share", "matrix-go")
}

// Run logs in and starts the sync loop on its own goroutine. It returns
// immediately; progress and failures surface through Events and Close.
func (c *Client) Run() error {
	if c.host == "" {
		return fmt.Errorf("matrix: no homeserver configured (use WithHomeserver)")
	}
	if c.username == "" {
		return fmt.Errorf("matrix: no username")
	}

	addr := c.host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	dial := c.dial
	if dial == nil {
		dial = transport.TLSDialer(addr, c.tlsConfig)
	}
	dataDir := c.dataDir
	if dataDir == "" {
		dataDir = filepath.Join(DefaultDataDir(), c.username)
	}

	c.eng = engine.New(engine.Config{
		Host:       c.host,
		Dial:       dial,
		DataDir:    dataDir,
		Username:   c.username,
		Password:   c.password,
		DeviceName: c.deviceName,
		Logger:     c.logger,
	})
	c.done = make(chan error, 1)
	go func() { c.done <- c.eng.Run() }()
	return nil
}

// Events is the engine-to-caller channel. Closed when the engine stops.
func (c *Client) Events() <-chan Event {
	if c.eng == nil {
		return nil
	}
	return c.eng.Events()
}

// RequestMessages asks for one page of room history. dir is "b" for
// older or "f" for newer; an empty token starts at the current edge.
// Results arrive as a RoomMessages event.
func (c *Client) RequestMessages(roomID, token, dir string) error {
	if c.eng == nil {
		return fmt.Errorf("matrix: not running")
	}
	c.eng.RequestMessages(roomID, token, dir)
	return nil
}

// ConfirmSAS reports that the user compared the verification emoji and
// they match.
func (c *Client) ConfirmSAS() error {
	if c.eng == nil {
		return fmt.Errorf("matrix: not running")
	}
	c.eng.ConfirmSAS()
	return nil
}

// Close stops the engine and waits for it to flush and exit. It returns
// the engine's exit error, if any. Safe to call more than once.
func (c *Client) Close() error {
	if c.eng == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.eng.Stop()
		c.closeErr = <-c.done
	})
	return c.closeErr
}
