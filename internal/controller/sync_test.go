package controller

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

func TestSyncDownloadsNewMessages(t *testing.T) {
	f := newFixture(t)

	inbox := f.remote.Folder("INBOX")
	inbox.Seed(makeMessage("10", "first", time.Now().Add(-2*time.Minute)))
	inbox.Seed(makeMessage("11", "second", time.Now().Add(-time.Minute)))

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	uids := f.localUIDs(t, "INBOX")
	if len(uids) != 2 || !hasUID(uids, "10") || !hasUID(uids, "11") {
		t.Fatalf("local INBOX = %v, want [10 11]", uids)
	}
	for _, uid := range uids {
		msg := f.localMessage(t, "INBOX", uid)
		if !msg.IsSet(model.FlagDownloadedFull) {
			t.Errorf("message %s not marked fully downloaded", uid)
		}
		if msg.Body == "" {
			t.Errorf("message %s has no body", uid)
		}
	}

	finished, ok := f.listener.last(EventSyncFinished)
	if !ok {
		t.Fatal("no sync-finished event")
	}
	if finished.NewCount != 2 || finished.Total != 2 {
		t.Errorf("sync-finished new=%d total=%d, want 2/2", finished.NewCount, finished.Total)
	}
	if got := f.notifier.count("showNewMail"); got != 2 {
		t.Errorf("new-mail notifications = %d, want 2", got)
	}
	if got := f.listener.count(EventSyncFailed); got != 0 {
		t.Errorf("sync-failed events = %d, want 0", got)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)

	inbox := f.remote.Folder("INBOX")
	inbox.Seed(makeMessage("10", "only", time.Now()))

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)
	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	if uids := f.localUIDs(t, "INBOX"); len(uids) != 1 {
		t.Fatalf("local INBOX = %v, want exactly one message", uids)
	}
	finished, _ := f.listener.last(EventSyncFinished)
	if finished.NewCount != 0 {
		t.Errorf("second sync reported %d new messages, want 0", finished.NewCount)
	}
	// An already-cached message is never re-notified.
	if got := f.notifier.count("showNewMail"); got != 1 {
		t.Errorf("new-mail notifications = %d, want 1", got)
	}
}

func TestSyncReconcilesRemoteDeletions(t *testing.T) {
	f := newFixture(t)

	f.seedLocal(t, "INBOX",
		makeMessage("1", "gone remotely", time.Now()),
		makeMessage("2", "still there", time.Now()))
	f.remote.Folder("INBOX").Seed(makeMessage("2", "still there", time.Now()))

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	uids := f.localUIDs(t, "INBOX")
	if hasUID(uids, "1") {
		t.Error("message deleted remotely survived locally")
	}
	if !hasUID(uids, "2") {
		t.Error("retained message disappeared")
	}
	if e, ok := f.listener.last(EventSyncRemovedMessage); !ok || e.UID != "1" {
		t.Errorf("removal event = %+v, want uid 1", e)
	}
}

func TestSyncKeepsRemoteDeletionsWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.account.SyncRemoteDeletions = false

	f.seedLocal(t, "INBOX", makeMessage("1", "kept", time.Now()))

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	if uids := f.localUIDs(t, "INBOX"); !hasUID(uids, "1") {
		t.Error("local message destroyed although deletion sync is off")
	}
}

func TestSyncNeverDestroysLocalOnlyMessages(t *testing.T) {
	f := newFixture(t)

	draft := makeMessage("", "not yet uploaded", time.Now())
	f.seedLocal(t, "INBOX", draft)

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	if uids := f.localUIDs(t, "INBOX"); !hasUID(uids, draft.UID) {
		t.Error("local-only message was destroyed by deletion reconciliation")
	}
}

func TestSyncAppliesRemoteFlagChanges(t *testing.T) {
	f := newFixture(t)

	cached := makeMessage("5", "flag me", time.Now())
	f.seedLocal(t, "INBOX", cached)

	remoteCopy := makeMessage("5", "flag me", time.Now())
	remoteCopy.SetFlag(model.FlagSeen, true)
	remoteCopy.SetFlag(model.FlagFlagged, true)
	f.remote.Folder("INBOX").Seed(remoteCopy)

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	got := f.localMessage(t, "INBOX", "5")
	if !got.IsSet(model.FlagSeen) || !got.IsSet(model.FlagFlagged) {
		t.Errorf("local flags = %v, want seen and flagged", got.Flags)
	}
	if _, ok := f.listener.last(EventSyncFlagChanged); !ok {
		t.Error("no flag-changed event")
	}
}

func TestSyncRemoteDeletedFlagRemovesMessage(t *testing.T) {
	f := newFixture(t)

	f.seedLocal(t, "INBOX", makeMessage("6", "deleted on server", time.Now()))
	remoteCopy := makeMessage("6", "deleted on server", time.Now())
	remoteCopy.SetFlag(model.FlagDeleted, true)
	f.remote.Folder("INBOX").Seed(remoteCopy)

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	got := f.localMessage(t, "INBOX", "6")
	if got == nil {
		t.Fatal("message vanished entirely; expected deleted flag")
	}
	if !got.IsSet(model.FlagDeleted) {
		t.Error("remote deletion flag not applied")
	}
	if e, ok := f.listener.last(EventSyncRemovedMessage); !ok || e.UID != "6" {
		t.Errorf("removal event = %+v, want uid 6", e)
	}
	if got := f.listener.count(EventSyncFlagChanged); got != 0 {
		t.Errorf("deleted message raised %d flag-changed events, want removal only", got)
	}
}

func TestSyncLargeMessageFetchesStructureFirst(t *testing.T) {
	f := newFixture(t)
	f.account.MaximumAutoDownloadSize = 1024

	big := makeMessage("20", "large with attachment", time.Now())
	big.Size = 5000
	big.Parts = []model.Part{
		{Path: "1", MIMEType: "text/plain", Size: 100, Content: []byte("text body")},
		{Path: "2", MIMEType: "application/pdf", Filename: "doc.pdf", Size: 4900, Content: []byte("%PDF")},
	}
	f.remote.Folder("INBOX").Seed(big)

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	got := f.localMessage(t, "INBOX", "20")
	if got == nil {
		t.Fatal("large message not cached")
	}
	if !got.IsSet(model.FlagDownloadedPartial) {
		t.Error("large message not marked partially downloaded")
	}
	if got.IsSet(model.FlagDownloadedFull) {
		t.Error("large message wrongly marked fully downloaded")
	}
	var text, attachment *model.Part
	for i := range got.Parts {
		switch got.Parts[i].Path {
		case "1":
			text = &got.Parts[i]
		case "2":
			attachment = &got.Parts[i]
		}
	}
	if text == nil || !text.Downloaded {
		t.Error("text part was not fetched eagerly")
	}
	if attachment == nil {
		t.Fatal("attachment part missing from structure")
	}
	if attachment.Downloaded {
		t.Error("attachment fetched eagerly; it should wait for demand")
	}
}

func TestSyncFailurePublishesRootCause(t *testing.T) {
	f := newFixture(t)

	inbox := f.remote.Folder("INBOX")
	inbox.OpenErr = remote.Transientf("connection refused")

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	failed, ok := f.listener.last(EventSyncFailed)
	if !ok {
		t.Fatal("no sync-failed event")
	}
	if failed.Err == nil || failed.Err.Error() != "connection refused" {
		t.Errorf("failure cause = %v, want root cause string", failed.Err)
	}
	if got := f.listener.count(EventSyncFinished); got != 0 {
		t.Errorf("failed sync also published %d finished events", got)
	}
	// The fetching notification is retracted on the failure path too.
	if got := f.notifier.count("clearFetchingMail"); got != 1 {
		t.Errorf("clearFetchingMail calls = %d, want 1", got)
	}
}

func TestSyncPurgesBeyondVisibleLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inbox := f.remote.Folder("INBOX")
	inbox.Seed(makeMessage("1", "oldest", time.Now().Add(-3*time.Hour)))
	inbox.Seed(makeMessage("2", "middle", time.Now().Add(-2*time.Hour)))
	inbox.Seed(makeMessage("3", "newest", time.Now().Add(-time.Hour)))

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	local, err := f.local.Folder("INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if err := local.Open(ctx, remote.OpenReadWrite); err != nil {
		t.Fatal(err)
	}
	settings, err := local.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	settings.VisibleLimit = 2
	if err := local.SetSettings(ctx, settings); err != nil {
		t.Fatal(err)
	}
	local.Close()

	f.c.synchronizeMailboxSynchronous(f.account, "INBOX", nil)

	uids := f.localUIDs(t, "INBOX")
	if hasUID(uids, "1") {
		t.Errorf("oldest message survived the visible limit purge: %v", uids)
	}
	if !hasUID(uids, "2") || !hasUID(uids, "3") {
		t.Errorf("window messages missing: %v", uids)
	}
}

func TestSyncCreatesMissingSpecialFolder(t *testing.T) {
	f := newFixture(t)
	f.remote.Missing["Sent"] = true

	f.c.synchronizeMailboxSynchronous(f.account, "Sent", nil)

	if got := f.listener.count(EventSyncFailed); got != 0 {
		t.Errorf("missing special folder raised %d failures, want none", got)
	}
	if exists, _ := f.remote.Folder("Sent").Exists(context.Background()); !exists {
		t.Error("Sent folder was not created on demand")
	}
	if _, ok := f.listener.last(EventSyncFinished); !ok {
		t.Error("pass did not finish")
	}
}
