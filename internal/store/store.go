// Package store defines the durable per-account message cache the
// synchronization core runs against, and provides its SQLite
// implementation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// ErrStorageUnavailable signals that the cache is temporarily inaccessible
// (locked database, missing volume). Work that hits it is rescheduled, not
// discarded.
var ErrStorageUnavailable = errors.New("storage temporarily unavailable")

// ErrFolderNotFound is returned when opening a folder that does not exist
// in the cache.
var ErrFolderNotFound = errors.New("folder not found")

// PendingCommand is one durably logged deferred remote mutation. Commands
// replay strictly in ID order per account.
type PendingCommand struct {
	ID      int64           `db:"id"`
	Name    string          `db:"name"`
	Payload json.RawMessage `db:"payload"`
}

// LocalStore is one account's durable message cache.
type LocalStore interface {
	// Folder returns a handle to the named local folder. The handle is
	// cheap; Open establishes it.
	Folder(name string) (LocalFolder, error)

	// FolderNames lists all folders present in the cache.
	FolderNames(ctx context.Context) ([]string, error)

	// PendingCommands returns the account's command log in replay order.
	PendingCommands(ctx context.Context) ([]PendingCommand, error)

	// AddPendingCommand appends a command with a JSON-marshaled payload to
	// the tail of the log.
	AddPendingCommand(ctx context.Context, name string, payload any) error

	// RemovePendingCommand deletes one executed (or poisoned) command.
	RemovePendingCommand(ctx context.Context, id int64) error

	Close() error
}

// LocalFolder is a handle to one folder in the cache. Open with the mode
// the operation needs and Close when done; mutations require
// remote.OpenReadWrite.
type LocalFolder interface {
	Name() string

	Open(ctx context.Context, mode remote.OpenMode) error
	Close()

	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context) error

	MessageCount(ctx context.Context) (int, error)
	UnreadCount(ctx context.Context) (int, error)

	// Message returns the cached message with the given UID, or nil when
	// absent.
	Message(ctx context.Context, uid string) (*model.Message, error)

	Messages(ctx context.Context) ([]*model.Message, error)

	// AllMessagesAndEffectiveDates maps every cached UID to its effective
	// timestamp; the sync diff runs off this map.
	AllMessagesAndEffectiveDates(ctx context.Context) (map[string]time.Time, error)

	// AppendMessages inserts messages into the cache. Messages without a
	// UID are assigned a fresh local-only UID in place.
	AppendMessages(ctx context.Context, msgs []*model.Message) error

	// UpdateMessage rewrites a cached message's content and flags.
	UpdateMessage(ctx context.Context, msg *model.Message) error

	// ChangeUID rebinds a cached message to a new UID, typically after the
	// server assigned one during append.
	ChangeUID(ctx context.Context, oldUID, newUID string) error

	SetFlags(ctx context.Context, uids []string, flags []model.Flag, value bool) error
	SetFlagsForAllMessages(ctx context.Context, flags []model.Flag, value bool) error

	DestroyMessages(ctx context.Context, uids []string) error
	DestroyAllMessages(ctx context.Context) error

	// MoveMessages relocates messages to dest and returns an old-UID to
	// new-UID map; moved messages receive fresh local-only UIDs in dest.
	MoveMessages(ctx context.Context, uids []string, dest LocalFolder) (map[string]string, error)

	// MessagesBeyondVisibleLimit lists the oldest messages exceeding the
	// folder's visible limit, candidates for purging.
	MessagesBeyondVisibleLimit(ctx context.Context) ([]*model.Message, error)

	OldestMessageDate(ctx context.Context) (time.Time, error)

	Settings(ctx context.Context) (model.FolderSettings, error)
	SetSettings(ctx context.Context, s model.FolderSettings) error

	Status(ctx context.Context) (string, error)
	SetStatus(ctx context.Context, status string) error

	LastChecked(ctx context.Context) (time.Time, error)
	SetLastChecked(ctx context.Context, t time.Time) error
	SetLastPush(ctx context.Context, t time.Time) error

	MoreMessages(ctx context.Context) (model.MoreMessages, error)
	SetMoreMessages(ctx context.Context, m model.MoreMessages) error

	PushState(ctx context.Context) (string, error)
	SetPushState(ctx context.Context, state string) error

	// LastNotifiedUID is the highest numeric UID a new-mail notification
	// was raised for; it guards against re-notification on resync.
	LastNotifiedUID(ctx context.Context) (int64, error)
	SetLastNotifiedUID(ctx context.Context, uid int64) error
}
