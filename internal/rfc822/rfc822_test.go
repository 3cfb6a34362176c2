package rfc822

import (
	"strings"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in       string
		wantName string
		wantAddr string
	}{
		{"alice@example.org", "", "alice@example.org"},
		{"Alice <alice@example.org>", "Alice", "alice@example.org"},
		{"  Alice Liddell   <alice@example.org>  ", "Alice Liddell", "alice@example.org"},
		{"<alice@example.org>", "", "alice@example.org"},
	}
	for _, tc := range cases {
		got := ParseAddress(tc.in)
		if got.Name != tc.wantName || got.Address != tc.wantAddr {
			t.Errorf("ParseAddress(%q) = %q/%q, want %q/%q",
				tc.in, got.Name, got.Address, tc.wantName, tc.wantAddr)
		}
	}
}

func TestBareAddress(t *testing.T) {
	if got := BareAddress("Bob <bob@example.org>"); got != "bob@example.org" {
		t.Errorf("BareAddress = %q", got)
	}
}

func TestEncodeRendersHeadersAndBody(t *testing.T) {
	msg := model.NewMessage("1", "OUTBOX")
	msg.Subject = "hello there"
	msg.From = []string{"Alice <alice@example.org>"}
	msg.To = []string{"bob@example.org"}
	msg.MessageID = "<abc123@example.org>"
	msg.Date = time.Date(2026, time.April, 2, 10, 30, 0, 0, time.UTC)
	msg.Body = "line one\r\nline two\r\n"
	msg.Headers["X-Mailer"] = "mailsync"

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	text := string(raw)

	for _, want := range []string{
		"Subject: hello there",
		"alice@example.org",
		"bob@example.org",
		"Message-Id: <abc123@example.org>",
		"X-Mailer: mailsync",
		"line one",
		"line two",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("encoded message missing %q:\n%s", want, text)
		}
	}

	headerEnd := strings.Index(text, "\r\n\r\n")
	if headerEnd < 0 {
		t.Fatal("no header/body separator")
	}
	if !strings.Contains(text[headerEnd:], "line one") {
		t.Error("body not after the header separator")
	}
}

func TestEncodeWithoutOptionalFields(t *testing.T) {
	msg := model.NewMessage("1", "OUTBOX")
	msg.Body = "minimal"

	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("encoding minimal message: %v", err)
	}
	if !strings.Contains(string(raw), "minimal") {
		t.Error("body lost")
	}
}
