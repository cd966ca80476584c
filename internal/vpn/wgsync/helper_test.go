package wgsync

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHelper пишет скрипт, который ведёт себя как update_wg_config.sh:
// записывает аргументы и содержимое stage-файла, выходит с кодом из $exitFile.
func fakeHelper(t *testing.T, body string) (script, logDir string) {
	t.Helper()
	dir := t.TempDir()
	script = filepath.Join(dir, "update_wg_config.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nLOG="+dir+"\n"+body), 0o755))
	return script, dir
}

const recordingHelper = `
echo "$@" >> "$LOG/args"
if [ "$1" = "add" ]; then cat "$2" > "$LOG/staged"; fi
echo "peer table updated"
exit 0
`

func newHelper(t *testing.T, script string) *Helper {
	t.Helper()
	return New(Options{
		HelperPath: script,
		Timeout:    5 * time.Second,
		StagingDir: t.TempDir(),
	})
}

func stagedLeftovers(t *testing.T, h *Helper) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(h.opts.StagingDir, "wg_peer_add_*"))
	require.NoError(t, err)
	return m
}

func TestAddPeerStagesStanzaAndCleansUp(t *testing.T) {
	script, logDir := fakeHelper(t, recordingHelper)
	h := newHelper(t, script)

	err := h.AddPeer(context.Background(), "PUBKEY=", netip.MustParsePrefix("10.0.0.2/32"))
	require.NoError(t, err)

	staged, err := os.ReadFile(filepath.Join(logDir, "staged"))
	require.NoError(t, err)
	assert.Equal(t, "\n[Peer]\nPublicKey = PUBKEY=\nAllowedIPs = 10.0.0.2/32\n", string(staged))

	args, err := os.ReadFile(filepath.Join(logDir, "args"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(args), "add "+h.opts.StagingDir))

	assert.Empty(t, stagedLeftovers(t, h), "staged file must be removed")
}

func TestAddPeerNonZeroExit(t *testing.T) {
	script, _ := fakeHelper(t, "echo 'wg: permission denied' >&2\nexit 3\n")
	h := newHelper(t, script)

	err := h.AddPeer(context.Background(), "PUBKEY=", netip.MustParsePrefix("10.0.0.2/32"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHelperFailed)

	var he *HelperError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "add", he.Verb)
	assert.Equal(t, 3, he.ExitCode)
	assert.Contains(t, he.Output, "permission denied")

	assert.Empty(t, stagedLeftovers(t, h), "staged file must be removed on failure too")
}

func TestAddPeerTimeout(t *testing.T) {
	script, _ := fakeHelper(t, "sleep 5\n")
	h := New(Options{HelperPath: script, Timeout: 100 * time.Millisecond, StagingDir: t.TempDir()})

	start := time.Now()
	err := h.AddPeer(context.Background(), "PUBKEY=", netip.MustParsePrefix("10.0.0.2/32"))
	assert.ErrorIs(t, err, ErrHelperTimeout)
	assert.ErrorIs(t, err, ErrHelperFailed)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Empty(t, stagedLeftovers(t, h))
}

func TestAddPeerInsufficientSpace(t *testing.T) {
	script, logDir := fakeHelper(t, recordingHelper)
	h := New(Options{HelperPath: script, StagingDir: t.TempDir(), MinFreeBytes: 1 << 62})

	err := h.AddPeer(context.Background(), "PUBKEY=", netip.MustParsePrefix("10.0.0.2/32"))
	assert.ErrorIs(t, err, ErrHelperFailed)

	_, statErr := os.Stat(filepath.Join(logDir, "args"))
	assert.True(t, os.IsNotExist(statErr), "helper must not run without staging space")
}

func TestRemovePeer(t *testing.T) {
	script, logDir := fakeHelper(t, recordingHelper)
	h := newHelper(t, script)

	require.NoError(t, h.RemovePeer(context.Background(), "PUBKEY="))

	args, err := os.ReadFile(filepath.Join(logDir, "args"))
	require.NoError(t, err)
	assert.Equal(t, "remove PUBKEY=\n", string(args))
}

func TestRemovePeerFailure(t *testing.T) {
	script, _ := fakeHelper(t, "echo 'peer not found' >&2\nexit 1\n")
	h := newHelper(t, script)

	err := h.RemovePeer(context.Background(), "PUBKEY=")
	var he *HelperError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "remove", he.Verb)
}

func TestStatus(t *testing.T) {
	up, _ := fakeHelper(t, "echo \"interface: $2\"\nexit 0\n")
	h := New(Options{WGBinary: up, Interface: "wg7"})

	st, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.InterfaceUp)
	assert.Equal(t, "interface: wg7\n", st.RawOutput)

	down, _ := fakeHelper(t, "echo 'Unable to access interface: No such device' >&2\nexit 1\n")
	h = New(Options{WGBinary: down})

	st, err = h.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.InterfaceUp)
	assert.Contains(t, st.RawOutput, "No such device")
}

func TestMissingHelperBinary(t *testing.T) {
	h := newHelper(t, filepath.Join(t.TempDir(), "does-not-exist"))
	err := h.RemovePeer(context.Background(), "PUBKEY=")
	assert.ErrorIs(t, err, ErrHelperFailed)
}
