package model

import (
	"strings"
	"sync"
	"time"
)

// DeletePolicy controls what happens on the server when a message is
// deleted locally.
type DeletePolicy string

const (
	DeletePolicyNever      DeletePolicy = "never"
	DeletePolicyOnDelete   DeletePolicy = "on_delete"
	DeletePolicyMarkAsRead DeletePolicy = "mark_as_read"
)

// ExpungePolicy controls when deleted messages are expunged from the
// remote folder.
type ExpungePolicy string

const (
	ExpungeImmediately ExpungePolicy = "immediately"
	ExpungeManually    ExpungePolicy = "manually"
	ExpungeOnPoll      ExpungePolicy = "on_poll"
)

// StoreKind identifies the remote protocol family of an account.
type StoreKind string

const (
	StoreKindIMAP StoreKind = "imap"
	StoreKindPOP3 StoreKind = "pop3"
)

// Identity is one of the sender addresses belonging to the account owner.
type Identity struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Email string `mapstructure:"email" yaml:"email"`
}

// Account is the configuration aggregate for one mailbox: remote endpoint
// policy flags, special folder names, and the sync watermarks the engine
// advances. An account owns exactly one local cache and one remote store
// handle; both are attached by the composition root.
type Account struct {
	UUID  string
	Name  string
	Email string

	Identities []Identity
	StoreKind  StoreKind

	InboxFolder  string
	TrashFolder  string
	SentFolder   string
	DraftsFolder string
	SpamFolder   string
	OutboxFolder string

	DeletePolicy  DeletePolicy
	ExpungePolicy ExpungePolicy

	DisplayMode FolderMode
	SyncMode    FolderMode
	PushMode    FolderMode
	NotifyMode  FolderMode

	// DisplayCount is the default visible limit for new folders.
	DisplayCount int

	// MaximumAutoDownloadSize splits sync downloads into "small" (full
	// fetch) and "large" (structure first); 0 means unlimited.
	MaximumAutoDownloadSize int64

	// MaximumPolledMessageAge bounds the sync window in days; 0 disables
	// the cutoff.
	MaximumPolledMessageAge int

	// MaxSendAttempts bounds delivery retries per outbox message within
	// one process lifetime.
	MaxSendAttempts int

	// PollInterval is the minimum age of a folder's last check before a
	// periodic mail check syncs it again.
	PollInterval time.Duration

	SyncRemoteDeletions    bool
	NotifyNewMail          bool
	NotifySelfNewMail      bool
	NotifyContactsMailOnly bool
	RemoteSearchNumResults int

	mu sync.Mutex
	// latestOldMessageSeen is a monotonically advancing watermark used to
	// bound POP3 notification suppression.
	latestOldMessageSeen time.Time
}

// HasSentFolder reports whether a Sent folder is configured.
func (a *Account) HasSentFolder() bool { return a.SentFolder != "" }

// HasTrashFolder reports whether a Trash folder is configured.
func (a *Account) HasTrashFolder() bool { return a.TrashFolder != "" }

// HasDraftsFolder reports whether a Drafts folder is configured.
func (a *Account) HasDraftsFolder() bool { return a.DraftsFolder != "" }

// IsSpecialFolder reports whether name is one of the account's Trash, Sent
// or Drafts folders, which the sync engine creates on demand.
func (a *Account) IsSpecialFolder(name string) bool {
	return name != "" &&
		(name == a.TrashFolder || name == a.SentFolder || name == a.DraftsFolder)
}

// IsAnIdentity reports whether any of the given addresses belongs to the
// account owner.
func (a *Account) IsAnIdentity(addrs []string) bool {
	for _, addr := range addrs {
		addr = strings.ToLower(extractAddress(addr))
		if addr == "" {
			continue
		}
		if addr == strings.ToLower(a.Email) {
			return true
		}
		for _, id := range a.Identities {
			if addr == strings.ToLower(id.Email) {
				return true
			}
		}
	}
	return false
}

// extractAddress pulls the bare address out of a "Name <addr>" form.
func extractAddress(s string) string {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			return strings.TrimSpace(s[i+1 : i+j])
		}
	}
	return strings.TrimSpace(s)
}

// EarliestPollDate returns the oldest message date the sync window may
// include, or the zero time when no age limit is configured.
func (a *Account) EarliestPollDate(now time.Time) time.Time {
	if a.MaximumPolledMessageAge <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -a.MaximumPolledMessageAge)
}

// LatestOldMessageSeen returns the POP3 notification-suppression watermark.
func (a *Account) LatestOldMessageSeen() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latestOldMessageSeen
}

// AdvanceLatestOldMessageSeen moves the watermark forward to t. Moves
// backward are ignored; the watermark only advances.
func (a *Account) AdvanceLatestOldMessageSeen(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.After(a.latestOldMessageSeen) {
		a.latestOldMessageSeen = t
	}
}
