package imap

import (
	"context"
	"fmt"
	"time"

	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
)

// Watch blocks, running IMAP IDLE on the folder at path and invoking
// onUpdate whenever the server signals a mailbox change. Servers without
// IDLE are polled every fallback interval instead. Watch returns when ctx
// is canceled or the session dies; a dead session is left in StateError
// and must be re-dialed.
func (s *Session) Watch(ctx context.Context, path string, fallback time.Duration, onUpdate func()) error {
	if _, err := s.OpenFolder(path, true); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return err
	}
	updates := make(chan client.Update, 16)
	s.client.Updates = updates
	idleClient := idle.NewClient(s.client)
	s.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- idleClient.IdleWithFallback(stop, fallback)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case err := <-done:
			if err != nil {
				s.mu.Lock()
				s.state = StateError
				s.mu.Unlock()
				return fmt.Errorf("idle on %s failed: %w", path, err)
			}
			return nil
		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				onUpdate()
			}
		}
	}
}
