package controller

import (
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// EventKind discriminates the Event union.
type EventKind int

const (
	// EventCheckMailStarted and EventCheckMailFinished bracket a whole
	// mail check across one or more accounts.
	EventCheckMailStarted EventKind = iota
	EventCheckMailFinished

	// Folder synchronization lifecycle.
	EventSyncStarted
	EventSyncHeadersStarted
	EventSyncHeadersProgress
	EventSyncHeadersFinished
	EventSyncProgress
	EventSyncNewMessage
	EventSyncRemovedMessage
	EventSyncFlagChanged
	EventSyncFinished
	EventSyncFailed

	// EventFolderStatusChanged fires whenever a folder's stored status
	// line or counts may have changed and views should refresh.
	EventFolderStatusChanged

	// EventMessageUIDChanged fires when a locally assigned UID is
	// replaced by the server-assigned one.
	EventMessageUIDChanged

	// Remote body / attachment loading.
	EventLoadMessageStarted
	EventLoadMessageFinished
	EventLoadMessageFailed
	EventLoadAttachmentStarted
	EventLoadAttachmentFinished
	EventLoadAttachmentFailed

	// Outbox delivery lifecycle.
	EventSendStarted
	EventSendCompleted
	EventSendFailed

	// Pending command replay lifecycle.
	EventPendingCommandsStarted
	EventPendingCommandStarted
	EventPendingCommandCompleted
	EventPendingCommandsFinished

	// Remote search lifecycle.
	EventRemoteSearchStarted
	EventRemoteSearchServerQueryComplete
	EventRemoteSearchFinished
	EventRemoteSearchFailed
)

var eventKindNames = map[EventKind]string{
	EventCheckMailStarted:                "check-mail-started",
	EventCheckMailFinished:               "check-mail-finished",
	EventSyncStarted:                     "sync-started",
	EventSyncHeadersStarted:              "sync-headers-started",
	EventSyncHeadersProgress:             "sync-headers-progress",
	EventSyncHeadersFinished:             "sync-headers-finished",
	EventSyncProgress:                    "sync-progress",
	EventSyncNewMessage:                  "sync-new-message",
	EventSyncRemovedMessage:              "sync-removed-message",
	EventSyncFlagChanged:                 "sync-flag-changed",
	EventSyncFinished:                    "sync-finished",
	EventSyncFailed:                      "sync-failed",
	EventFolderStatusChanged:             "folder-status-changed",
	EventMessageUIDChanged:               "message-uid-changed",
	EventLoadMessageStarted:              "load-message-started",
	EventLoadMessageFinished:             "load-message-finished",
	EventLoadMessageFailed:               "load-message-failed",
	EventLoadAttachmentStarted:           "load-attachment-started",
	EventLoadAttachmentFinished:          "load-attachment-finished",
	EventLoadAttachmentFailed:            "load-attachment-failed",
	EventSendStarted:                     "send-started",
	EventSendCompleted:                   "send-completed",
	EventSendFailed:                      "send-failed",
	EventPendingCommandsStarted:          "pending-commands-started",
	EventPendingCommandStarted:           "pending-command-started",
	EventPendingCommandCompleted:         "pending-command-completed",
	EventPendingCommandsFinished:         "pending-commands-finished",
	EventRemoteSearchStarted:             "remote-search-started",
	EventRemoteSearchServerQueryComplete: "remote-search-server-query-complete",
	EventRemoteSearchFinished:            "remote-search-finished",
	EventRemoteSearchFailed:              "remote-search-failed",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is the single notification type delivered to listeners. Which
// fields are populated depends on Kind; unused fields are zero. An
// Event is immutable once published.
type Event struct {
	Kind    EventKind
	Account *model.Account

	// Folder names the folder the event concerns, when any.
	Folder string

	// Message carries the affected message for per-message events such
	// as EventSyncNewMessage.
	Message *model.Message

	// UID and NewUID are set for EventMessageUIDChanged. UID alone is
	// set for per-message events that do not carry the full message.
	UID    string
	NewUID string

	// Completed and Total report progress for progress events. Total
	// may be zero when the extent is unknown.
	Completed int
	Total     int

	// NewCount and UnreadCount summarize a finished synchronization.
	NewCount    int
	UnreadCount int

	// Command names the pending command for replay events.
	Command string

	// Err is set on failure events.
	Err error
}

// Listener receives controller events. Handle is called sequentially
// per listener but possibly from different goroutines; implementations
// that touch shared state must synchronize.
type Listener interface {
	Handle(Event)
}

// ListenerFunc adapts a function to the Listener interface. Each value
// carries its own identity, so registration and removal must use the
// same one. The pointer form keeps the value usable as a map key.
type ListenerFunc struct {
	fn func(Event)
}

// NewListenerFunc wraps fn as a Listener.
func NewListenerFunc(fn func(Event)) *ListenerFunc {
	return &ListenerFunc{fn: fn}
}

func (f *ListenerFunc) Handle(e Event) { f.fn(e) }
