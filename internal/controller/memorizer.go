package controller

import (
	"sync"

	"github.com/nhle/mailsync/internal/model"
)

type memoryState int

const (
	memoryIdle memoryState = iota
	memoryStarted
	memoryFinished
	memoryFailed
)

// memory records the last observed lifecycle state of one account/folder
// pair for one activity (syncing, sending, replaying pending commands).
type memory struct {
	account *model.Account
	folder  string

	syncState     memoryState
	syncCompleted int
	syncTotal     int
	syncNewCount  int
	syncErr       error

	sendState memoryState
	sendErr   error

	pendingState   memoryState
	pendingCommand string
}

func memoryKey(account *model.Account, folder string) string {
	return account.UUID + ":" + folder
}

// Memorizer is a Listener that remembers in-flight activity so that a
// listener attached mid-operation can be brought up to date. The
// controller registers exactly one Memorizer and replays it through
// RefreshOther when a caller passes a fresh listener.
type Memorizer struct {
	mu       sync.Mutex
	memories map[string]*memory
}

func NewMemorizer() *Memorizer {
	return &Memorizer{memories: make(map[string]*memory)}
}

func (m *Memorizer) memoryFor(account *model.Account, folder string) *memory {
	key := memoryKey(account, folder)
	mem, ok := m.memories[key]
	if !ok {
		mem = &memory{account: account, folder: folder}
		m.memories[key] = mem
	}
	return mem
}

func (m *Memorizer) Handle(e Event) {
	if e.Account == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mem := m.memoryFor(e.Account, e.Folder)

	switch e.Kind {
	case EventSyncStarted:
		mem.syncState = memoryStarted
		mem.syncCompleted, mem.syncTotal = 0, 0
		mem.syncErr = nil
	case EventSyncProgress, EventSyncHeadersProgress:
		mem.syncCompleted, mem.syncTotal = e.Completed, e.Total
	case EventSyncFinished:
		mem.syncState = memoryFinished
		mem.syncNewCount = e.NewCount
	case EventSyncFailed:
		mem.syncState = memoryFailed
		mem.syncErr = e.Err

	case EventSendStarted:
		mem.sendState = memoryStarted
		mem.sendErr = nil
	case EventSendCompleted:
		mem.sendState = memoryFinished
	case EventSendFailed:
		mem.sendState = memoryFailed
		mem.sendErr = e.Err

	case EventPendingCommandsStarted:
		mem.pendingState = memoryStarted
		mem.pendingCommand = ""
	case EventPendingCommandStarted:
		mem.pendingCommand = e.Command
	case EventPendingCommandsFinished:
		mem.pendingState = memoryFinished
		mem.pendingCommand = ""
	}
}

// RefreshOther replays remembered in-progress activity to l so that it
// sees the started events it missed. Finished and failed states are not
// replayed; they are only meaningful to listeners that saw the start.
func (m *Memorizer) RefreshOther(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.memories {
		if mem.syncState == memoryStarted {
			l.Handle(Event{Kind: EventSyncStarted, Account: mem.account, Folder: mem.folder})
			if mem.syncTotal > 0 {
				l.Handle(Event{
					Kind: EventSyncProgress, Account: mem.account, Folder: mem.folder,
					Completed: mem.syncCompleted, Total: mem.syncTotal,
				})
			}
		}
		if mem.sendState == memoryStarted {
			l.Handle(Event{Kind: EventSendStarted, Account: mem.account, Folder: mem.folder})
		}
		if mem.pendingState == memoryStarted {
			l.Handle(Event{Kind: EventPendingCommandsStarted, Account: mem.account, Folder: mem.folder})
			if mem.pendingCommand != "" {
				l.Handle(Event{
					Kind: EventPendingCommandStarted, Account: mem.account,
					Folder: mem.folder, Command: mem.pendingCommand,
				})
			}
		}
	}
}

// RemoveAccount forgets all memories belonging to the account.
func (m *Memorizer) RemoveAccount(accountUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, mem := range m.memories {
		if mem.account.UUID == accountUUID {
			delete(m.memories, key)
		}
	}
}
