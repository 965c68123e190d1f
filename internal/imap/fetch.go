package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/emersion/go-imap"
	"github.com/lunamail/syncd/internal/models"
)

// ErrNoSuchMessage is returned by FetchOne when the server has no message
// at the requested UID.
var ErrNoSuchMessage = errors.New("no such message")

// RawAttributes carries the server-reported attributes of one fetched
// message.
type RawAttributes struct {
	Flags        []string
	InternalDate time.Time
	Size         uint32
}

// MessageFunc is invoked once per fetched message with its UID, parsed
// envelope, and raw attributes. Returning an error rejects the whole batch.
type MessageFunc func(uid uint32, env *models.Envelope, attrs RawAttributes) error

// BatchResult reports the outcome of a completed fetch batch.
type BatchResult struct {
	// Highest is the greatest UID observed, or the previous watermark when
	// nothing new was seen. Only valid when the batch completed; a failed
	// batch returns no result at all so the watermark cannot advance.
	Highest       uint32
	Fetched       int
	ParseFailures int
	UIDValidity   uint32
}

// FetchNewer performs the incremental fetch for one folder: everything from
// the stored watermark onward (`highest:*`), headers only. Each message's
// header literal is accumulated to completion, parsed, and handed to fn.
//
// A parse failure skips that one message and the batch continues. A
// transport failure, context cancellation, or fn error rejects the whole
// batch: no BatchResult is returned and the caller must not advance the
// watermark.
func FetchNewer(ctx context.Context, s *Session, path string, highest uint32, fn MessageFunc) (*BatchResult, error) {
	mbox, err := s.OpenFolder(path, true)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Highest: highest, UIDValidity: mbox.UidValidity}
	if mbox.Messages == 0 {
		return result, nil
	}

	from := highest
	if from == 0 {
		from = 1
	}
	set := new(imap.SeqSet)
	set.AddRange(from, 0) // 0 is *, the highest UID in the mailbox

	section := headerSection()
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}

	if err := s.beginFetch(); err != nil {
		return nil, err
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(set, items, messages)
	}()

	var batchErr error
	for msg := range messages {
		if batchErr != nil {
			continue // drain the channel so the goroutine can finish
		}
		if err := ctx.Err(); err != nil {
			batchErr = err
			continue
		}

		raw, err := readLiteral(msg.GetBody(section))
		if err != nil {
			batchErr = fmt.Errorf("failed to read header literal for UID %d: %w", msg.Uid, err)
			continue
		}

		env, err := ParseHeader(raw)
		if err != nil {
			log.Printf("Skipping unparseable message %s UID %d: %v", path, msg.Uid, err)
			result.ParseFailures++
			if msg.Uid > result.Highest {
				result.Highest = msg.Uid
			}
			continue
		}

		attrs := RawAttributes{Flags: msg.Flags, InternalDate: msg.InternalDate, Size: msg.Size}
		if err := fn(msg.Uid, env, attrs); err != nil {
			batchErr = err
			continue
		}

		result.Fetched++
		if msg.Uid > result.Highest {
			result.Highest = msg.Uid
		}
	}

	if err := <-done; err != nil {
		s.endFetch(err)
		return nil, fmt.Errorf("fetch batch for %s rejected: %w", path, err)
	}
	s.endFetch(nil)

	if batchErr != nil {
		return nil, fmt.Errorf("fetch batch for %s rejected: %w", path, batchErr)
	}

	return result, nil
}

// FullMessage is the result of a single-message fetch: the parsed envelope
// plus the complete raw message for the body store.
type FullMessage struct {
	UID      uint32
	Envelope *models.Envelope
	Raw      []byte
	Attrs    RawAttributes
}

// FetchOne fetches exactly one message by UID, full body included. Used for
// on-demand body loading.
func FetchOne(s *Session, path string, uid uint32) (*FullMessage, error) {
	if _, err := s.OpenFolder(path, true); err != nil {
		return nil, err
	}

	set := new(imap.SeqSet)
	set.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}

	if err := s.beginFetch(); err != nil {
		return nil, err
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(set, items, messages)
	}()

	var full *FullMessage
	var readErr error
	for msg := range messages {
		if full != nil || readErr != nil {
			continue
		}

		raw, err := readLiteral(msg.GetBody(section))
		if err != nil {
			readErr = fmt.Errorf("failed to read body literal for UID %d: %w", msg.Uid, err)
			continue
		}

		env, err := ParseHeader(raw)
		if err != nil {
			readErr = fmt.Errorf("failed to parse message UID %d: %w", msg.Uid, err)
			continue
		}

		full = &FullMessage{
			UID:      msg.Uid,
			Envelope: env,
			Raw:      raw,
			Attrs:    RawAttributes{Flags: msg.Flags, InternalDate: msg.InternalDate, Size: msg.Size},
		}
	}

	if err := <-done; err != nil {
		s.endFetch(err)
		return nil, fmt.Errorf("fetch of %s UID %d rejected: %w", path, uid, err)
	}
	s.endFetch(nil)

	if readErr != nil {
		return nil, readErr
	}
	if full == nil {
		return nil, fmt.Errorf("%w: %s UID %d", ErrNoSuchMessage, path, uid)
	}

	return full, nil
}

// headerSection is the BODY.PEEK[HEADER] fetch section.
func headerSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
}

// readLiteral accumulates a streamed message literal to completion. The
// transport may deliver it in several chunks; the reader ends at the
// message's end-of-literal boundary.
func readLiteral(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("server returned no literal")
	}
	return io.ReadAll(r)
}

// beginFetch moves the session into StateFetching.
func (s *Session) beginFetch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	s.state = StateFetching
	return nil
}

// endFetch returns the session to StateIdle, or kills it when the batch
// ended with a transport error.
func (s *Session) endFetch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = StateError
		s.openPath = ""
		s.mbox = nil
		return
	}
	s.state = StateIdle
}
