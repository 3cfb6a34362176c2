package controller

import (
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

func TestSendDeliversOutboxAndRelocatesToSent(t *testing.T) {
	f := newFixture(t)

	msg := makeMessage("", "outgoing", time.Now())
	f.seedLocal(t, "OUTBOX", msg)

	f.c.sendPendingMessages(f.account, nil)
	f.drain(t)

	if got := f.sender.SentCount(); got != 1 {
		t.Fatalf("delivered %d messages, want 1", got)
	}
	if uids := f.localUIDs(t, "OUTBOX"); len(uids) != 0 {
		t.Errorf("outbox not emptied: %v", uids)
	}
	// The sent copy lands in the local Sent folder and its queued upload
	// rebinds it to a server UID.
	sentUIDs := f.localUIDs(t, "Sent")
	if len(sentUIDs) != 1 {
		t.Fatalf("local Sent = %v, want one message", sentUIDs)
	}
	if model.IsLocalUID(sentUIDs[0]) {
		t.Errorf("sent copy still has local UID %s after upload replay", sentUIDs[0])
	}
	if remoteUIDs := f.remote.Folder("Sent").UIDs(); len(remoteUIDs) != 1 {
		t.Errorf("remote Sent = %v, want one message", remoteUIDs)
	}
	if _, ok := f.listener.last(EventSendCompleted); !ok {
		t.Error("no send-completed event")
	}
	if got := f.notifier.count("showSendFailed"); got != 0 {
		t.Errorf("clean pass raised %d failure notifications", got)
	}
}

func TestSendSkipsDraftsSharingTheOutbox(t *testing.T) {
	f := newFixture(t)

	draft := makeMessage("", "unfinished draft", time.Now())
	draft.Headers[model.IdentityHeader] = f.account.UUID
	f.seedLocal(t, "OUTBOX", draft)

	f.c.sendPendingMessages(f.account, nil)

	if got := f.sender.Attempts; got != 0 {
		t.Errorf("draft was handed to the transport (%d attempts)", got)
	}
	if uids := f.localUIDs(t, "OUTBOX"); len(uids) != 1 {
		t.Errorf("draft disappeared from outbox: %v", uids)
	}
	if got := f.notifier.count("showSendFailed"); got != 0 {
		t.Errorf("skipped draft raised %d failure notifications", got)
	}
}

func TestSendStopsRetryingAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.sender.Err = remote.Transientf("smtp greeting timeout")

	f.seedLocal(t, "OUTBOX", makeMessage("", "stuck", time.Now()))

	// One more pass than the attempt budget.
	for i := 0; i < f.account.MaxSendAttempts+1; i++ {
		f.c.sendPendingMessages(f.account, nil)
	}

	if got, want := f.sender.Attempts, f.account.MaxSendAttempts; got != want {
		t.Errorf("transport attempts = %d, want %d", got, want)
	}
	// Every pass still surfaces the failure to the user.
	if got, want := f.notifier.count("showSendFailed"), f.account.MaxSendAttempts+1; got != want {
		t.Errorf("failure notifications = %d, want %d", got, want)
	}
	// The message stays put for a manual retry after restart.
	if uids := f.localUIDs(t, "OUTBOX"); len(uids) != 1 {
		t.Errorf("outbox = %v, want the stuck message retained", uids)
	}
}

func TestSendOneFailureNotificationPerPass(t *testing.T) {
	f := newFixture(t)
	f.sender.Err = remote.Transientf("relay refused")

	f.seedLocal(t, "OUTBOX",
		makeMessage("", "first", time.Now()),
		makeMessage("", "second", time.Now()),
		makeMessage("", "third", time.Now()))

	f.c.sendPendingMessages(f.account, nil)

	if got := f.sender.Attempts; got != 3 {
		t.Errorf("transport attempts = %d, want 3", got)
	}
	if got := f.notifier.count("showSendFailed"); got != 1 {
		t.Errorf("failure notifications = %d, want exactly 1 per pass", got)
	}
	if got := f.listener.count(EventSendFailed); got != 1 {
		t.Errorf("send-failed events = %d, want 1", got)
	}
}

func TestSendPermanentFailureParksMessageInDrafts(t *testing.T) {
	f := newFixture(t)
	f.sender.Err = remote.Permanentf("550 no such user")

	f.seedLocal(t, "OUTBOX", makeMessage("", "bad recipient", time.Now()))

	f.c.sendPendingMessages(f.account, nil)

	if uids := f.localUIDs(t, "OUTBOX"); len(uids) != 0 {
		t.Errorf("permanently failed message still in outbox: %v", uids)
	}
	if uids := f.localUIDs(t, "Drafts"); len(uids) != 1 {
		t.Errorf("local Drafts = %v, want the parked message", uids)
	}
	if got := f.notifier.count("showSendFailed"); got != 1 {
		t.Errorf("failure notifications = %d, want 1", got)
	}
}

func TestSendUnknownFailureKindTreatedAsPermanent(t *testing.T) {
	f := newFixture(t)
	f.sender.Err = remote.NewError(remote.FailureKind(99), "unmapped failure", nil)

	f.seedLocal(t, "OUTBOX", makeMessage("", "odd failure", time.Now()))

	f.c.sendPendingMessages(f.account, nil)

	if uids := f.localUIDs(t, "OUTBOX"); len(uids) != 0 {
		t.Errorf("message with unclassifiable failure still in outbox: %v", uids)
	}
	if uids := f.localUIDs(t, "Drafts"); len(uids) != 1 {
		t.Errorf("local Drafts = %v, want the parked message", uids)
	}
}

func TestSendAuthFailureRaisesAuthNotification(t *testing.T) {
	f := newFixture(t)
	f.sender.Err = remote.NewError(remote.FailureAuth, "credentials rejected", nil)

	f.seedLocal(t, "OUTBOX", makeMessage("", "blocked", time.Now()))

	f.c.sendPendingMessages(f.account, nil)

	if got := f.notifier.count("showAuthenticationError"); got != 1 {
		t.Errorf("auth notifications = %d, want 1", got)
	}
	uids := f.localUIDs(t, "OUTBOX")
	if len(uids) != 1 {
		t.Fatalf("outbox = %v, want message retained", uids)
	}
	if msg := f.localMessage(t, "OUTBOX", uids[0]); !msg.IsSet(model.FlagSendFailed) {
		t.Error("failed message not flagged send-failed")
	}
}

func TestSendSuccessRetractsStandingFailure(t *testing.T) {
	f := newFixture(t)
	f.sender.Err = remote.Transientf("temporarily unavailable")

	f.seedLocal(t, "OUTBOX", makeMessage("", "eventually fine", time.Now()))

	f.c.sendPendingMessages(f.account, nil)
	if got := f.notifier.count("showSendFailed"); got != 1 {
		t.Fatalf("failure notifications = %d, want 1", got)
	}

	f.sender.Err = nil
	f.c.sendPendingMessages(f.account, nil)
	f.drain(t)

	if got := f.sender.SentCount(); got != 1 {
		t.Errorf("delivered %d messages, want 1", got)
	}
	if got := f.notifier.count("clearSendFailed"); got != 1 {
		t.Errorf("clearSendFailed calls = %d, want 1", got)
	}
}

func TestSendDisposesDeletedOutboxMessages(t *testing.T) {
	f := newFixture(t)

	msg := makeMessage("", "changed my mind", time.Now())
	msg.SetFlag(model.FlagDeleted, true)
	f.seedLocal(t, "OUTBOX", msg)

	f.c.sendPendingMessages(f.account, nil)

	if got := f.sender.Attempts; got != 0 {
		t.Errorf("deleted message was handed to the transport (%d attempts)", got)
	}
	if uids := f.localUIDs(t, "OUTBOX"); len(uids) != 0 {
		t.Errorf("deleted message not destroyed: %v", uids)
	}
}
