package imap

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/lunamail/syncd/internal/models"
)

// State is the lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateIdle
	StateFetching
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrSessionDead is returned when an operation is attempted on a session
// that has hit a transport error. Dead sessions are never revived; the
// caller must dial a fresh one.
var ErrSessionDead = errors.New("session has failed and must be re-dialed")

// ErrNotAuthenticated is returned when an operation requires an
// authenticated session.
var ErrNotAuthenticated = errors.New("session is not authenticated")

// Session is one logical IMAP connection for one account. The currently
// selected folder is explicit session state, inspectable via Selected, so
// callers can avoid redundant SELECT round trips. A transport error moves
// the session to StateError permanently.
//
// A session serializes its own commands: the underlying transport
// multiplexes one command stream, so operations within a sync pass run
// sequentially per folder.
type Session struct {
	account string
	client  *client.Client

	mu       sync.Mutex
	state    State
	openPath string
	readOnly bool
	mbox     *imap.MailboxStatus
}

// Dial connects and authenticates a new session for the account using its
// decrypted login secret. Authentication rejection and unreachable hosts
// both surface as a connection error; nothing is retried.
func Dial(account string, secret models.LoginSecret, timeout time.Duration) (*Session, error) {
	s := &Session{account: account, state: StateConnecting}

	dialer := &net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", secret.Host, secret.Port)

	var c *client.Client
	var err error
	if secret.TLS {
		c, err = client.DialWithDialerTLS(dialer, addr, nil)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		s.state = StateError
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if err := c.Login(secret.Username, secret.Password); err != nil {
		_ = c.Logout()
		s.state = StateError
		return nil, fmt.Errorf("failed to authenticate %s: %w", account, err)
	}

	s.client = c
	s.state = StateAuthenticated
	return s, nil
}

// Account returns the account identifier this session belongs to.
func (s *Session) Account() string {
	return s.account
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Selected returns the currently open folder path and whether one is open.
func (s *Session) Selected() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openPath, s.openPath != ""
}

// usable reports an error unless the session is in a live state.
func (s *Session) usable() error {
	switch s.state {
	case StateError:
		return ErrSessionDead
	case StateDisconnected, StateConnecting:
		return ErrNotAuthenticated
	default:
		return nil
	}
}

// fail marks the session dead after a transport error and wraps err.
func (s *Session) fail(err error) error {
	s.state = StateError
	return fmt.Errorf("session for %s terminated: %w", s.account, err)
}

// ListFolders retrieves the server's folder hierarchy as a nested tree.
// Hierarchy delimiters are preserved per node; non-selectable intermediate
// folders appear as plain tree nodes.
func (s *Session) ListFolders() (models.FolderTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	tree := make(models.FolderTree)
	for m := range mailboxes {
		insertMailbox(tree, m)
	}

	if err := <-done; err != nil {
		return nil, s.fail(fmt.Errorf("failed to list folders: %w", err))
	}

	return tree, nil
}

// insertMailbox places one LIST response into the tree, creating any
// missing ancestors along the way.
func insertMailbox(tree models.FolderTree, m *imap.MailboxInfo) {
	delim := m.Delimiter
	parts := []string{m.Name}
	if delim != "" {
		parts = strings.Split(m.Name, delim)
	}

	node := tree
	for i, name := range parts {
		if name == "" {
			continue
		}
		f, ok := node[name]
		if !ok {
			f = &models.Folder{Delimiter: delim}
			node[name] = f
		}
		if i < len(parts)-1 {
			if f.Children == nil {
				f.Children = make(models.FolderTree)
			}
			node = f.Children
		}
	}
}

// OpenFolder selects the folder at path. Selecting the folder that is
// already open in the same mode is a no-op and returns the cached mailbox
// status; switching folders mid-session issues a fresh SELECT/EXAMINE.
func (s *Session) OpenFolder(path string, readOnly bool) (*imap.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}

	if s.openPath == path && s.readOnly == readOnly && s.mbox != nil {
		return s.mbox, nil
	}

	mbox, err := s.client.Select(path, readOnly)
	if err != nil {
		// A SELECT that fails can be a bad folder name, not a dead
		// transport. Only kill the session when the connection state says so.
		if s.client.State() == imap.LogoutState {
			return nil, s.fail(fmt.Errorf("failed to select folder %s: %w", path, err))
		}
		s.openPath = ""
		s.mbox = nil
		return nil, fmt.Errorf("failed to select folder %s: %w", path, err)
	}

	s.openPath = path
	s.readOnly = readOnly
	s.mbox = mbox
	s.state = StateIdle
	return mbox, nil
}

// Close logs the session out and moves it to StateDisconnected. Closing a
// dead or already-closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateError || s.state == StateDisconnected || s.client == nil {
		s.state = StateDisconnected
		return nil
	}

	err := s.client.Logout()
	s.state = StateDisconnected
	s.openPath = ""
	s.mbox = nil
	if err != nil {
		return fmt.Errorf("failed to log out %s: %w", s.account, err)
	}
	return nil
}
