package imap

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/lunamail/syncd/internal/models"
)

// ParseHeader parses accumulated raw message bytes (header block or full
// message) into an Envelope. Individual malformed address headers are
// tolerated; only an unreadable header block is an error.
func ParseHeader(raw []byte) (*models.Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message header")
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message header: %w", err)
	}

	out := &models.Envelope{
		Subject:   env.GetHeader("Subject"),
		From:      addressList(env, "From"),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
		MessageID: CanonicalMessageID(env.GetHeader("Message-Id")),
		InReplyTo: CanonicalMessageID(env.GetHeader("In-Reply-To")),
	}

	if date := env.GetHeader("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			out.Date = t
		}
	}

	return out, nil
}

// addressList extracts one address header as formatted strings, dropping
// entries that do not parse.
func addressList(env *enmime.Envelope, header string) []string {
	addrs, err := env.AddressList(header)
	if err != nil {
		return nil
	}

	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if formatted := formatAddress(a); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

// formatAddress renders a parsed address as "Name <user@host>" or
// "user@host".
func formatAddress(a *mail.Address) string {
	if a == nil || a.Address == "" {
		return ""
	}
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return a.Address
}

// CanonicalMessageID normalizes a Message-Id or In-Reply-To header value:
// surrounding whitespace and angle brackets are stripped and only the first
// identifier is kept.
func CanonicalMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	// In-Reply-To may carry several identifiers; thread edges use the first.
	if i := strings.Index(value, ">"); i >= 0 {
		value = value[:i+1]
	}

	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return strings.TrimSpace(value)
}
