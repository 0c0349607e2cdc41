package pty

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/ploinky/ploinky/pkg/perr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopStart avoids spawning a real shell/PTY device so the cap and debounce
// logic can be tested deterministically and without OS dependencies; it
// hands back a real *os.File (one end of an os.Pipe) so Tab's Write/Close
// calls stay valid.
func noopStart() (*exec.Cmd, *os.File, error) {
	r, _, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	return exec.Command("true"), r, nil
}

func TestAllocateEnforcesGlobalCap(t *testing.T) {
	b := New("docker")
	for i := 0; i < globalMaxTabs; i++ {
		_, err := b.allocate("sess-"+tabName(i), tabName(i), Local, noopStart)
		require.NoError(t, err)
	}
	_, err := b.allocate("sessB", "overflow", Local, noopStart)
	require.Error(t, err)
	assert.Equal(t, perr.Capacity, perr.As(err))
}

func TestAllocateEnforcesPerSessionCap(t *testing.T) {
	b := New("docker")
	for i := 0; i < perSessionMaxTabs; i++ {
		_, err := b.allocate("sess1", tabName(i), Local, noopStart)
		require.NoError(t, err)
	}
	_, err := b.allocate("sess1", "fourth", Local, noopStart)
	require.Error(t, err)
	assert.Equal(t, perr.RateLimited, perr.As(err))
}

func TestAllocateAllowsAnotherSessionAfterOneIsFull(t *testing.T) {
	b := New("docker")
	for i := 0; i < perSessionMaxTabs; i++ {
		_, err := b.allocate("sessFull", tabName(i), Local, noopStart)
		require.NoError(t, err)
	}
	_, err := b.allocate("sessOther", "tab-other", Local, noopStart)
	require.NoError(t, err, "a different session must not be capped by another session's tabs")
}

func TestReconnectWithinDebounceIntervalIsRateLimited(t *testing.T) {
	b := New("docker")
	_, err := b.allocate("sess1", "tabX", Local, noopStart)
	require.NoError(t, err)

	_, err = b.allocate("sess1", "tabX", Local, noopStart)
	require.Error(t, err, "reconnect within 1s of the previous connect must be rejected")
	assert.Equal(t, perr.RateLimited, perr.As(err))
}

func TestDisposeFreesBothGlobalAndSessionSlots(t *testing.T) {
	b := New("docker")
	_, err := b.allocate("sess1", "tabY", Local, noopStart)
	require.NoError(t, err)
	assert.Equal(t, 1, b.LiveTabCount())

	b.Dispose("tabY")
	assert.Equal(t, 0, b.LiveTabCount())

	// The freed slot is usable immediately by a different tab id; the
	// just-disposed tab id itself still owes its reconnect debounce (see
	// TestReconnectDebouncePersistsAcrossDispose).
	_, err = b.allocate("sess1", "tabYOther", Local, noopStart)
	require.NoError(t, err, "after dispose, the freed slot must admit a new tab")
}

func TestReconnectDebouncePersistsAcrossDispose(t *testing.T) {
	b := New("docker")
	_, err := b.allocate("sess1", "tabX", Local, noopStart)
	require.NoError(t, err)

	b.Dispose("tabX")

	_, err = b.allocate("sess1", "tabX", Local, noopStart)
	require.Error(t, err, "reconnecting to a just-disposed tab within 1s must still be rate limited")
	assert.Equal(t, perr.RateLimited, perr.As(err))
}

func TestDisposeAllClearsEveryTab(t *testing.T) {
	b := New("docker")
	for i := 0; i < 3; i++ {
		_, err := b.allocate("sess1", tabName(i), Local, noopStart)
		require.NoError(t, err)
	}
	b.DisposeAll()
	assert.Equal(t, 0, b.LiveTabCount())
}

func tabName(i int) string {
	return "tab-" + string(rune('a'+i))
}

func TestGetReturnsLiveTab(t *testing.T) {
	b := New("docker")
	_, err := b.allocate("sess1", "tabZ", Local, noopStart)
	require.NoError(t, err)

	tab, ok := b.Get("tabZ")
	require.True(t, ok)
	assert.Equal(t, "tabZ", tab.ID)

	_, ok = b.Get("missing")
	assert.False(t, ok)
}

func TestSubscribeReceivesBroadcastFrames(t *testing.T) {
	tab := &Tab{ID: "t1"}
	ch := tab.subscribe()
	defer tab.unsubscribe(ch)

	tab.broadcast(frame{data: []byte("hello")})

	select {
	case f := <-ch:
		assert.Equal(t, "hello", string(f.data))
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast frame")
	}
}
