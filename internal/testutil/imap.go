// Package testutil holds in-process servers and fixtures shared by the
// package tests: an IMAP server with a memory backend, an SMTP sink, a
// throwaway Postgres container, and a deterministic vault.
package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"

	"github.com/lunamail/syncd/internal/models"
)

// IMAPServer is an in-process IMAP server over go-imap's memory backend.
// The backend ships one user ("username"/"password") with an INBOX.
type IMAPServer struct {
	Address string
	Backend *memory.Backend

	srv *server.Server
}

// NewIMAPServer starts an IMAP server on a random loopback port and
// registers its shutdown with the test.
func NewIMAPServer(t *testing.T) *IMAPServer {
	t.Helper()

	be := memory.New()
	srv := server.New(be)
	srv.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := srv.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give the listener goroutine time to start accepting.
	time.Sleep(50 * time.Millisecond)

	s := &IMAPServer{
		Address: listener.Addr().String(),
		Backend: be,
		srv:     srv,
	}
	t.Cleanup(func() { _ = srv.Close() })
	return s
}

// Secret returns a login secret pointing at this server, usable with the
// session layer directly.
func (s *IMAPServer) Secret() models.LoginSecret {
	host, port, _ := net.SplitHostPort(s.Address)
	var portNum int
	fmt.Sscanf(port, "%d", &portNum)
	return models.LoginSecret{
		Host:     host,
		Port:     portNum,
		TLS:      false,
		Username: "username",
		Password: "password",
	}
}

// Connect opens a raw authenticated client connection for fixture setup.
func (s *IMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := c.Login("username", "password"); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	t.Cleanup(func() { _ = c.Logout() })
	return c
}

// CreateFolder creates a folder on the server. Nested names use the
// backend's "/" delimiter.
func (s *IMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	c := s.Connect(t)
	if err := c.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// Message describes a fixture message to append.
type Message struct {
	MessageID string
	InReplyTo string
	Subject   string
	From      string
	To        string
	Date      time.Time
	Body      string
}

// AddMessage appends a message to the folder and returns its UID.
func (s *IMAPServer) AddMessage(t *testing.T, folder string, msg Message) uint32 {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(folder, false); err != nil {
		t.Fatalf("Failed to select folder %s: %v", folder, err)
	}

	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	if msg.Body == "" {
		msg.Body = "Test message body."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msg.MessageID)
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	if err := c.Append(folder, []string{imap.SeenFlag}, msg.Date, strings.NewReader(b.String())); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", msg.MessageID)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}
	return uids[len(uids)-1]
}
