// Package relay submits composed messages to the account's outbound SMTP
// endpoint. Submission is fire-and-forget: the caller gets an error or
// nothing, there is no queue and no retry here.
package relay

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/lunamail/syncd/internal/models"
)

// Outbound is one message to submit.
type Outbound struct {
	From      string
	To        []string
	Cc        []string
	Subject   string
	MessageID string
	InReplyTo string
	Body      string
}

// Send composes the message and submits it over the endpoint described by
// the login secret. TLS secrets use implicit TLS; the rest connect in the
// clear, which only makes sense against a local submission agent.
func Send(secret models.LoginSecret, msg Outbound) error {
	raw, err := compose(msg)
	if err != nil {
		return fmt.Errorf("failed to compose message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", secret.Host, secret.Port)

	var client *smtp.Client
	if secret.TLS {
		client, err = smtp.DialTLS(addr, nil)
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer func() { _ = client.Close() }()

	auth := sasl.NewPlainClient("", secret.Username, secret.Password)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("authentication with %s failed: %w", addr, err)
	}

	recipients := append(append([]string(nil), msg.To...), msg.Cc...)
	if err := client.SendMail(msg.From, recipients, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("submission to %s failed: %w", addr, err)
	}
	return client.Quit()
}

func compose(msg Outbound) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("bad From address %q: %w", msg.From, err)
	}
	to, err := parseAddresses(msg.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseAddresses(msg.Cc)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	if len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMsgIDList("Message-Id", []string{msg.MessageID})
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseAddresses(raw []string) ([]*mail.Address, error) {
	addrs := make([]*mail.Address, 0, len(raw))
	for _, r := range raw {
		a, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("bad address %q: %w", r, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
