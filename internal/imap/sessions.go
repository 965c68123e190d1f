package imap

import (
	"log"
	"sync"
	"time"

	"github.com/lunamail/syncd/internal/models"
)

// Sessions tracks at most one live session per account. A session that has
// died (StateError) or been closed is replaced on the next Get; it is never
// handed out again.
type Sessions struct {
	mu          sync.Mutex
	live        map[string]*Session
	dialTimeout time.Duration
}

// NewSessions creates a session registry with the given dial timeout.
func NewSessions(dialTimeout time.Duration) *Sessions {
	return &Sessions{
		live:        make(map[string]*Session),
		dialTimeout: dialTimeout,
	}
}

// Get returns the account's live session, dialing a new one if the account
// has none or its previous session is no longer usable.
func (r *Sessions) Get(account string, secret models.LoginSecret) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.live[account]; ok {
		switch s.State() {
		case StateError, StateDisconnected:
			delete(r.live, account)
		default:
			return s, nil
		}
	}

	s, err := Dial(account, secret, r.dialTimeout)
	if err != nil {
		return nil, err
	}

	r.live[account] = s
	return s, nil
}

// Dedicated dials a session outside the registry. Long-lived watchers use
// this so IDLE never blocks the account's sync session; the caller owns
// the session's lifecycle.
func (r *Sessions) Dedicated(account string, secret models.LoginSecret) (*Session, error) {
	return Dial(account, secret, r.dialTimeout)
}

// Invalidate closes and forgets the account's session, if any.
func (r *Sessions) Invalidate(account string) {
	r.mu.Lock()
	s, ok := r.live[account]
	delete(r.live, account)
	r.mu.Unlock()

	if ok {
		if err := s.Close(); err != nil {
			log.Printf("Failed to close session for %s: %v", account, err)
		}
	}
}

// CloseAll closes every live session. Used at shutdown.
func (r *Sessions) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.live))
	for account, s := range r.live {
		sessions = append(sessions, s)
		delete(r.live, account)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			log.Printf("Failed to close session for %s: %v", s.Account(), err)
		}
	}
}
