package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalUIDPrefix marks messages that exist only in the local cache and have
// not yet been assigned a UID by the server. A message with such a UID must
// never be referenced in a remote protocol call.
const LocalUIDPrefix = "Local-"

// IdentityHeader is set on drafts composed by this client. The outbound
// delivery engine skips messages carrying it, which guards against the
// degenerate configuration where Outbox and Drafts are the same folder.
const IdentityHeader = "X-Mailsync-Identity"

// NewLocalUID generates a fresh local-only message UID.
func NewLocalUID() string {
	return LocalUIDPrefix + uuid.NewString()
}

// IsLocalUID reports whether uid was assigned locally rather than by the
// server.
func IsLocalUID(uid string) bool {
	return strings.HasPrefix(uid, LocalUIDPrefix)
}

// Part describes one MIME part of a message. For "large" messages only the
// structure is fetched up front; text-bearing parts are downloaded during
// sync and the rest on demand.
type Part struct {
	// Path is the IMAP part specifier, e.g. "1" or "2.1".
	Path string `json:"path"`

	// MIMEType is the part's media type, e.g. "text/plain".
	MIMEType string `json:"mime_type"`

	// Filename is the attachment file name, if any.
	Filename string `json:"filename,omitempty"`

	// Size is the encoded part size in bytes.
	Size int64 `json:"size"`

	// Content holds the decoded part body once downloaded.
	Content []byte `json:"content,omitempty"`

	// Downloaded reports whether Content has been fetched.
	Downloaded bool `json:"downloaded"`
}

// IsText reports whether the part carries displayable text.
func (p *Part) IsText() bool {
	return strings.HasPrefix(p.MIMEType, "text/")
}

// Message is the local/remote duality of a mail message: the same type
// represents an entry in the local cache and an item fetched from a remote
// folder. A message is identified by its UID, unique within a folder.
type Message struct {
	UID    string
	Folder string

	Subject   string
	From      []string
	To        []string
	MessageID string

	// Date is the header date; InternalDate is the server's receive time.
	Date         time.Time
	InternalDate time.Time

	Size  int64
	Flags FlagSet

	// Headers holds a small subset of raw headers the engine inspects
	// (identity marker, threading headers).
	Headers map[string]string

	Body  string
	Parts []Part
}

// NewMessage returns an empty message with an initialized flag set.
func NewMessage(uid, folder string) *Message {
	return &Message{
		UID:     uid,
		Folder:  folder,
		Flags:   NewFlagSet(),
		Headers: make(map[string]string),
	}
}

// IsSet reports whether the given flag is set on the message.
func (m *Message) IsSet(f Flag) bool {
	return m.Flags.Has(f)
}

// SetFlag adds or removes a flag on the message.
func (m *Message) SetFlag(f Flag, value bool) {
	if m.Flags == nil {
		m.Flags = NewFlagSet()
	}
	m.Flags.Set(f, value)
}

// EffectiveDate is the timestamp used for windowing and age cutoffs:
// the internal date when known, otherwise the header date.
func (m *Message) EffectiveDate() time.Time {
	if !m.InternalDate.IsZero() {
		return m.InternalDate
	}
	return m.Date
}

// OlderThan reports whether the message predates t. Messages without any
// date are never considered old.
func (m *Message) OlderThan(t time.Time) bool {
	d := m.EffectiveDate()
	return !d.IsZero() && d.Before(t)
}

// IsDownloaded reports whether any content for the message is cached
// locally.
func (m *Message) IsDownloaded() bool {
	return m.IsSet(FlagDownloadedFull) || m.IsSet(FlagDownloadedPartial)
}

// Clone returns a deep-enough copy for handing to another goroutine. Part
// contents are shared; everything the sync engine mutates is copied.
func (m *Message) Clone() *Message {
	out := *m
	out.Flags = m.Flags.Clone()
	out.From = append([]string(nil), m.From...)
	out.To = append([]string(nil), m.To...)
	out.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	out.Parts = append([]Part(nil), m.Parts...)
	return &out
}
