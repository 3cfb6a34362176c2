package controller

import (
	"errors"
	"testing"
)

func TestListenerSetDeliversExtraExactlyOnce(t *testing.T) {
	set := newListenerSet()

	registered := &recordingListener{}
	set.Add(registered)

	// Extra listener that is also registered must not see the event twice.
	set.Add(registered)
	set.Publish(Event{Kind: EventSyncStarted}, registered)
	if got := registered.count(EventSyncStarted); got != 1 {
		t.Errorf("registered extra listener saw %d events, want 1", got)
	}

	// A non-registered extra listener still gets the event.
	extra := &recordingListener{}
	set.Publish(Event{Kind: EventSyncFinished}, extra)
	if got := extra.count(EventSyncFinished); got != 1 {
		t.Errorf("extra listener saw %d events, want 1", got)
	}
}

func TestListenerSetRemove(t *testing.T) {
	set := newListenerSet()
	l := &recordingListener{}
	set.Add(l)
	set.Remove(l)
	set.Publish(Event{Kind: EventSyncStarted}, nil)
	if got := len(l.all()); got != 0 {
		t.Errorf("removed listener saw %d events", got)
	}
}

func TestListenerSetAcceptsListenerFunc(t *testing.T) {
	set := newListenerSet()

	var got []EventKind
	l := NewListenerFunc(func(e Event) { got = append(got, e.Kind) })
	other := NewListenerFunc(func(Event) {})
	set.Add(l)
	set.Add(other)

	set.Publish(Event{Kind: EventSyncStarted}, nil)
	if len(got) != 1 || got[0] != EventSyncStarted {
		t.Fatalf("func listener saw %v, want one sync-started", got)
	}

	// The extra path compares listeners; func adapters must survive it
	// and still deliver exactly once.
	set.Publish(Event{Kind: EventSyncFinished}, l)
	if n := len(got); n != 2 {
		t.Errorf("func listener saw %d events, want 2", n)
	}

	set.Remove(l)
	set.Publish(Event{Kind: EventSyncFailed}, nil)
	if got[len(got)-1] == EventSyncFailed {
		t.Error("removed func listener still receiving events")
	}
}

func TestMemorizerReplaysInProgressSync(t *testing.T) {
	account := testAccount()
	m := NewMemorizer()

	m.Handle(Event{Kind: EventSyncStarted, Account: account, Folder: "INBOX"})
	m.Handle(Event{Kind: EventSyncProgress, Account: account, Folder: "INBOX", Completed: 3, Total: 9})

	late := &recordingListener{}
	m.RefreshOther(late)

	if got := late.count(EventSyncStarted); got != 1 {
		t.Fatalf("late listener saw %d sync-started events, want 1", got)
	}
	progress, ok := late.last(EventSyncProgress)
	if !ok || progress.Completed != 3 || progress.Total != 9 {
		t.Errorf("replayed progress = %+v, want 3/9", progress)
	}
}

func TestMemorizerDoesNotReplayFinishedWork(t *testing.T) {
	account := testAccount()
	m := NewMemorizer()

	m.Handle(Event{Kind: EventSyncStarted, Account: account, Folder: "INBOX"})
	m.Handle(Event{Kind: EventSyncFinished, Account: account, Folder: "INBOX", NewCount: 2})
	m.Handle(Event{Kind: EventSendStarted, Account: account})
	m.Handle(Event{Kind: EventSendFailed, Account: account, Err: errors.New("boom")})

	late := &recordingListener{}
	m.RefreshOther(late)

	if got := len(late.all()); got != 0 {
		t.Errorf("late listener saw %d events for settled work, want 0", got)
	}
}

func TestMemorizerReplaysPendingCommandInFlight(t *testing.T) {
	account := testAccount()
	m := NewMemorizer()

	m.Handle(Event{Kind: EventPendingCommandsStarted, Account: account})
	m.Handle(Event{Kind: EventPendingCommandStarted, Account: account, Command: commandSetFlag})

	late := &recordingListener{}
	m.RefreshOther(late)

	if got := late.count(EventPendingCommandsStarted); got != 1 {
		t.Fatalf("late listener saw %d pending-started events, want 1", got)
	}
	cmd, ok := late.last(EventPendingCommandStarted)
	if !ok || cmd.Command != commandSetFlag {
		t.Errorf("replayed command = %+v, want %s", cmd, commandSetFlag)
	}
}

func TestMemorizerRemoveAccountForgets(t *testing.T) {
	account := testAccount()
	m := NewMemorizer()

	m.Handle(Event{Kind: EventSyncStarted, Account: account, Folder: "INBOX"})
	m.RemoveAccount(account.UUID)

	late := &recordingListener{}
	m.RefreshOther(late)
	if got := len(late.all()); got != 0 {
		t.Errorf("forgotten account still replayed %d events", got)
	}
}
