package testutil

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// CapturedMessage is one submission received by the SMTP sink.
type CapturedMessage struct {
	From string
	To   []string
	Data []byte
}

// SMTPSink is an in-process SMTP server that records every submission. It
// accepts any credentials.
type SMTPSink struct {
	Address string

	mu       sync.Mutex
	messages []CapturedMessage
	srv      *smtp.Server
}

// NewSMTPSink starts the sink on a random loopback port and registers its
// shutdown with the test.
func NewSMTPSink(t *testing.T) *SMTPSink {
	t.Helper()

	sink := &SMTPSink{}

	srv := smtp.NewServer(sink)
	srv.AllowInsecureAuth = true
	srv.Domain = "localhost"
	sink.srv = srv

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	sink.Address = listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil {
			t.Logf("SMTP sink error: %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() { _ = srv.Close() })
	return sink
}

// Messages returns a copy of everything received so far.
func (s *SMTPSink) Messages() []CapturedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// NewSession implements smtp.Backend.
func (s *SMTPSink) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &sinkSession{sink: s}, nil
}

type sinkSession struct {
	sink *SMTPSink
	from string
	to   []string
}

func (s *sinkSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *sinkSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		return nil
	}), nil
}

func (s *sinkSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *sinkSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *sinkSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	s.sink.messages = append(s.sink.messages, CapturedMessage{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
	})
	return nil
}

func (s *sinkSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *sinkSession) Logout() error {
	return nil
}
