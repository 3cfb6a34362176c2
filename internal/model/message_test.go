package model

import (
	"testing"
	"time"
)

func TestLocalUIDs(t *testing.T) {
	uid := NewLocalUID()
	if !IsLocalUID(uid) {
		t.Errorf("NewLocalUID() = %q, not recognized as local", uid)
	}
	if uid == NewLocalUID() {
		t.Error("NewLocalUID returned the same value twice")
	}
	for _, serverUID := range []string{"1", "4711", ""} {
		if IsLocalUID(serverUID) {
			t.Errorf("IsLocalUID(%q) = true", serverUID)
		}
	}
}

func TestEffectiveDatePrefersInternalDate(t *testing.T) {
	header := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	internal := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)

	msg := NewMessage("1", "INBOX")
	msg.Date = header
	if !msg.EffectiveDate().Equal(header) {
		t.Error("header date not used when internal date is missing")
	}

	msg.InternalDate = internal
	if !msg.EffectiveDate().Equal(internal) {
		t.Error("internal date not preferred")
	}
}

func TestOlderThanIgnoresUndatedMessages(t *testing.T) {
	msg := NewMessage("1", "INBOX")
	if msg.OlderThan(time.Now()) {
		t.Error("undated message considered old")
	}
	msg.Date = time.Now().Add(-time.Hour)
	if !msg.OlderThan(time.Now()) {
		t.Error("hour-old message not considered old")
	}
}

func TestIsDownloaded(t *testing.T) {
	msg := NewMessage("1", "INBOX")
	if msg.IsDownloaded() {
		t.Error("empty message reported downloaded")
	}
	msg.SetFlag(FlagDownloadedPartial, true)
	if !msg.IsDownloaded() {
		t.Error("partial download not reported")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	msg := NewMessage("1", "INBOX")
	msg.From = []string{"a@example.org"}
	msg.Headers["X-Thing"] = "one"
	msg.SetFlag(FlagSeen, true)
	msg.Parts = []Part{{Path: "1", MIMEType: "text/plain"}}

	dup := msg.Clone()
	dup.From[0] = "b@example.org"
	dup.Headers["X-Thing"] = "two"
	dup.SetFlag(FlagSeen, false)
	dup.Parts[0].Path = "2"

	if msg.From[0] != "a@example.org" || msg.Headers["X-Thing"] != "one" || !msg.IsSet(FlagSeen) {
		t.Errorf("clone shares state with the original: %+v", msg)
	}
	if msg.Parts[0].Path != "1" {
		t.Error("clone shares the parts slice header")
	}
}

func TestPartIsText(t *testing.T) {
	if !(&Part{MIMEType: "text/html"}).IsText() {
		t.Error("text/html not recognized as text")
	}
	if (&Part{MIMEType: "application/pdf"}).IsText() {
		t.Error("application/pdf recognized as text")
	}
}
