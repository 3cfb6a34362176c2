// Package rfc822 renders cached messages back into wire form. Both the
// IMAP append path and the SMTP transport feed servers from the same
// encoder so an uploaded copy and a delivered copy are byte-identical.
package rfc822

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// Encode renders msg as an RFC 5322 message with a single inline text
// body. Parts fetched from elsewhere keep their place through the
// message's stored headers.
func Encode(msg *model.Message) ([]byte, error) {
	var header mail.Header
	if !msg.EffectiveDate().IsZero() {
		header.SetDate(msg.EffectiveDate())
	}
	header.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		header.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	}
	if len(msg.From) > 0 {
		header.SetAddressList("From", ParseAddressList(msg.From))
	}
	if len(msg.To) > 0 {
		header.SetAddressList("To", ParseAddressList(msg.To))
	}
	for key, value := range msg.Headers {
		header.Set(key, value)
	}

	var buf bytes.Buffer
	writer, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(writer, msg.Body); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseAddressList converts "Name <addr>" strings into structured
// addresses. Bare addresses pass through unchanged.
func ParseAddressList(raw []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(raw))
	for _, s := range raw {
		out = append(out, ParseAddress(s))
	}
	return out
}

// ParseAddress splits one "Name <addr>" form.
func ParseAddress(s string) *mail.Address {
	name := ""
	addr := strings.TrimSpace(s)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			name = strings.TrimSpace(s[:i])
			addr = strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return &mail.Address{Name: name, Address: addr}
}

// BareAddress extracts just the addr-spec of one address string.
func BareAddress(s string) string {
	return ParseAddress(s).Address
}
