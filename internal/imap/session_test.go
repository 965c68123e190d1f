package imap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunamail/syncd/internal/testutil"
)

func newTestSession(t *testing.T, srv *testutil.IMAPServer) *Session {
	t.Helper()

	s, err := Dial("username", srv.Secret(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDial(t *testing.T) {
	srv := testutil.NewIMAPServer(t)

	t.Run("successful login", func(t *testing.T) {
		s := newTestSession(t, srv)
		assert.Equal(t, StateAuthenticated, s.State())
		assert.Equal(t, "username", s.Account())
	})

	t.Run("rejected credentials", func(t *testing.T) {
		secret := srv.Secret()
		secret.Password = "wrong"
		_, err := Dial("username", secret, 5*time.Second)
		assert.Error(t, err)
	})

	t.Run("unreachable host", func(t *testing.T) {
		secret := srv.Secret()
		secret.Port = 1
		_, err := Dial("username", secret, time.Second)
		assert.Error(t, err)
	})
}

func TestListFolders(t *testing.T) {
	srv := testutil.NewIMAPServer(t)
	srv.CreateFolder(t, "INBOX/Receipts")
	srv.CreateFolder(t, "Archive")

	s := newTestSession(t, srv)
	tree, err := s.ListFolders()
	require.NoError(t, err)

	inbox, ok := tree["INBOX"]
	require.True(t, ok, "INBOX missing from tree")
	assert.Contains(t, inbox.Children, "Receipts")
	assert.Contains(t, tree, "Archive")
}

func TestOpenFolder(t *testing.T) {
	srv := testutil.NewIMAPServer(t)

	t.Run("select and cache", func(t *testing.T) {
		s := newTestSession(t, srv)

		mbox, err := s.OpenFolder("INBOX", true)
		require.NoError(t, err)
		assert.Equal(t, "INBOX", mbox.Name)

		path, ok := s.Selected()
		assert.True(t, ok)
		assert.Equal(t, "INBOX", path)

		// Reopening the same folder in the same mode is a no-op.
		again, err := s.OpenFolder("INBOX", true)
		require.NoError(t, err)
		assert.Same(t, mbox, again)
	})

	t.Run("missing folder keeps session alive", func(t *testing.T) {
		s := newTestSession(t, srv)

		_, err := s.OpenFolder("NoSuchFolder", true)
		require.Error(t, err)
		assert.NotEqual(t, StateError, s.State())

		_, err = s.OpenFolder("INBOX", true)
		assert.NoError(t, err)
	})
}

func TestClose(t *testing.T) {
	srv := testutil.NewIMAPServer(t)
	s := newTestSession(t, srv)

	require.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())

	// Closing twice is a no-op.
	assert.NoError(t, s.Close())

	_, err := s.ListFolders()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestSessions(t *testing.T) {
	srv := testutil.NewIMAPServer(t)
	secret := srv.Secret()

	t.Run("one live session per account", func(t *testing.T) {
		reg := NewSessions(5 * time.Second)
		defer reg.CloseAll()

		first, err := reg.Get("username", secret)
		require.NoError(t, err)

		second, err := reg.Get("username", secret)
		require.NoError(t, err)
		assert.Same(t, first, second)
	})

	t.Run("dead session is replaced", func(t *testing.T) {
		reg := NewSessions(5 * time.Second)
		defer reg.CloseAll()

		first, err := reg.Get("username", secret)
		require.NoError(t, err)
		require.NoError(t, first.Close())

		second, err := reg.Get("username", secret)
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, StateAuthenticated, second.State())
	})

	t.Run("invalidate forgets the session", func(t *testing.T) {
		reg := NewSessions(5 * time.Second)
		defer reg.CloseAll()

		first, err := reg.Get("username", secret)
		require.NoError(t, err)

		reg.Invalidate("username")
		assert.Equal(t, StateDisconnected, first.State())

		second, err := reg.Get("username", secret)
		require.NoError(t, err)
		assert.NotSame(t, first, second)
	})
}
