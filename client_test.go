package matrix

import (
	"errors"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("alice", "pw")
	require.Equal(t, "alice", c.username)
	require.Equal(t, "matrix-go", c.deviceName)
	require.Empty(t, c.host)
}

func TestOptions(t *testing.T) {
	logger := log.New(os.Stderr, "", 0)
	c := NewClient("alice", "pw",
		WithHomeserver("hs.example:8448"),
		WithDataDir("/tmp/x"),
		WithDeviceDisplayName("laptop"),
		WithLogger(logger),
	)
	require.Equal(t, "hs.example:8448", c.host)
	require.Equal(t, "/tmp/x", c.dataDir)
	require.Equal(t, "laptop", c.deviceName)
	require.Same(t, logger, c.logger)
}

func TestRunRequiresHomeserver(t *testing.T) {
	c := NewClient("alice", "pw")
	require.Error(t, c.Run())
}

func TestDefaultDataDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/share")
	require.Equal(t, filepath.Join("/custom/share", "matrix-go"), DefaultDataDir())
}

// A dial failure is fatal: the events channel closes and Close returns
// the engine's error.
func TestCloseReturnsEngineError(t *testing.T) {
	dialErr := errors.New("no route to homeserver")
	c := NewClient("alice", "pw",
		WithHomeserver("hs.example"),
		WithDataDir(t.TempDir()),
		WithDialFunc(func() (net.Conn, error) { return nil, dialErr }),
	)
	require.NoError(t, c.Run())

	select {
	case _, ok := <-c.Events():
		require.False(t, ok, "expected closed events channel")
	case <-time.After(5 * time.Second):
		t.Fatal("events channel never closed")
	}

	err := c.Close()
	require.ErrorIs(t, err, dialErr)
	require.ErrorIs(t, c.Close(), dialErr) // idempotent
}

func TestCommandsBeforeRun(t *testing.T) {
	c := NewClient("alice", "pw")
	require.Error(t, c.ConfirmSAS())
	require.Error(t, c.RequestMessages("!r:hs", "", "b"))
	require.NoError(t, c.Close())
}
