// Package remote defines the capability contracts the synchronization core
// consumes: a remote message store with folders, a pusher for
// server-initiated change notification, and a transport for outbound
// delivery. Concrete protocol drivers (IMAP, SMTP) implement these.
package remote

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// OpenMode selects how a folder is opened.
type OpenMode int

const (
	OpenReadOnly OpenMode = iota
	OpenReadWrite
)

// FetchProfile selects what Fetch retrieves per message.
type FetchProfile struct {
	Envelope  bool
	Flags     bool
	Body      bool
	Structure bool
}

// FetchListener observes per-message progress of a batch fetch.
type FetchListener func(completed, total int, msg *model.Message)

// Store is a handle to one account's remote mailbox server.
type Store interface {
	// GetFolder returns a handle to the named folder. The folder need not
	// exist remotely; Exists/Create probe and establish it.
	GetFolder(name string) (Folder, error)

	// GetPersonalNamespaces lists the folder names in the account's
	// personal namespace.
	GetPersonalNamespaces(ctx context.Context) ([]string, error)

	IsMoveCapable() bool
	IsCopyCapable() bool
	IsPushCapable() bool
	IsExpungeCapable() bool
	IsSeenFlagSupported() bool

	// GetPusher returns a pusher delivering server events to receiver, or
	// nil when the store is not push capable.
	GetPusher(receiver PushReceiver) Pusher

	// CheckSettings verifies connectivity and credentials.
	CheckSettings(ctx context.Context) error
}

// Folder is a handle to one remote folder. Open before use, Close in a
// deferred or finally-scoped call; Close never fails loudly.
type Folder interface {
	Name() string

	Open(ctx context.Context, mode OpenMode) error
	Close()

	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error

	// MessageCount returns the number of messages in the open folder.
	MessageCount(ctx context.Context) (int, error)

	// Messages returns envelope-level handles for the messages in the
	// inclusive sequence-number range [start, end], excluding messages
	// older than since (zero time disables the cutoff).
	Messages(ctx context.Context, start, end int, since time.Time) ([]*model.Message, error)

	// Fetch populates the requested profile items on the given messages,
	// invoking listener (when non-nil) as each message completes.
	Fetch(ctx context.Context, msgs []*model.Message, profile FetchProfile, listener FetchListener) error

	// FetchPart downloads a single MIME part of a message.
	FetchPart(ctx context.Context, msg *model.Message, part *model.Part) error

	// Search returns the UIDs of messages matching the free-text query and
	// the flag constraints.
	Search(ctx context.Context, query string, requiredFlags, forbiddenFlags []model.Flag) ([]string, error)

	// SetFlags mutates flags on the given messages. A nil uids slice
	// addresses every message in the folder.
	SetFlags(ctx context.Context, uids []string, flags []model.Flag, value bool) error

	// IsFlagSupported reports whether the server can persist flag.
	IsFlagSupported(flag model.Flag) bool

	Expunge(ctx context.Context) error
	ExpungeUIDs(ctx context.Context, uids []string) error

	// CopyMessages copies uids into dest and returns a source-UID to
	// destination-UID map when the server reports one.
	CopyMessages(ctx context.Context, uids []string, dest Folder) (map[string]string, error)

	// MoveMessages moves uids into dest and, like CopyMessages, returns a
	// UID map when the server reports one.
	MoveMessages(ctx context.Context, uids []string, dest Folder) (map[string]string, error)

	// Delete disposes of the messages server-side: moved to trashFolder
	// when one is named, otherwise flagged deleted.
	Delete(ctx context.Context, uids []string, trashFolder string) error

	// Append uploads a message and returns its server-assigned UID, or ""
	// when the server does not report one.
	Append(ctx context.Context, msg *model.Message) (string, error)

	// UIDFromMessageID resolves a Message-ID header to a UID, or "" when
	// not found.
	UIDFromMessageID(ctx context.Context, messageID string) (string, error)

	// NewPushState folds a pushed message into the folder's opaque push
	// state token.
	NewPushState(old string, msg *model.Message) string
}

// Pusher keeps a server connection listening for mailbox changes and
// reports them to the PushReceiver it was built with.
type Pusher interface {
	Start(folders []string)
	Refresh()
	Stop()

	// RefreshInterval is how often the connection must be refreshed to
	// stay alive; drivers derive it from server limits.
	RefreshInterval() time.Duration
	LastRefresh() time.Time
}

// PushReceiver is implemented by the synchronization core; push-capable
// store drivers report server events through it. Calls block until the
// event is fully applied to the local cache, which is deliberate
// backpressure on the push connection.
type PushReceiver interface {
	MessagesArrived(folder string, msgs []*model.Message)
	MessagesRemoved(folder string, msgs []*model.Message)
	MessagesFlagsChanged(folder string, msgs []*model.Message)

	// SyncFolder requests a full resync of folder and blocks until it
	// terminates (finished or failed).
	SyncFolder(folder string)

	PushError(message string, err error)
	AuthenticationFailed()

	GetPushState(folder string) string
	SetPushActive(folder string, active bool)
}

// Transport delivers one fully populated message. Failures are classified
// via remote.Error kinds.
type Transport interface {
	SendMessage(ctx context.Context, msg *model.Message) error
}
