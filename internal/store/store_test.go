package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func openFolder(t *testing.T, s *store.SQLiteStore, name string, mode remote.OpenMode) store.LocalFolder {
	t.Helper()
	folder, err := s.Folder(name)
	if err != nil {
		t.Fatalf("resolving folder %s: %v", name, err)
	}
	if err := folder.Open(context.Background(), mode); err != nil {
		t.Fatalf("opening folder %s: %v", name, err)
	}
	t.Cleanup(func() { folder.Close() })
	return folder
}

func storedMessage(uid, subject string, received time.Time) *model.Message {
	msg := model.NewMessage(uid, "")
	msg.Subject = subject
	msg.From = []string{"sender@example.org"}
	msg.To = []string{"user@example.com"}
	msg.MessageID = "<" + uid + "@example.org>"
	msg.Date = received
	msg.InternalDate = received
	msg.Body = "body"
	return msg
}

func TestOpenReadWriteCreatesFolder(t *testing.T) {
	s := testutil.NewTestStore(t)
	openFolder(t, s, "INBOX", remote.OpenReadWrite)

	names, err := s.FolderNames(context.Background())
	if err != nil {
		t.Fatalf("listing folders: %v", err)
	}
	if len(names) != 1 || names[0] != "INBOX" {
		t.Errorf("folders = %v, want [INBOX]", names)
	}
}

func TestOpenReadOnlyMissingFolderFails(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder, err := s.Folder("Nowhere")
	if err != nil {
		t.Fatalf("resolving folder: %v", err)
	}
	err = folder.Open(context.Background(), remote.OpenReadOnly)
	if !errors.Is(err, store.ErrFolderNotFound) {
		t.Errorf("open error = %v, want ErrFolderNotFound", err)
	}
}

func TestAppendAssignsLocalUIDs(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	anon := storedMessage("", "no uid yet", time.Now())
	named := storedMessage("7", "server uid", time.Now())
	if err := folder.AppendMessages(context.Background(), []*model.Message{anon, named}); err != nil {
		t.Fatalf("appending: %v", err)
	}

	if anon.UID == "" || !model.IsLocalUID(anon.UID) {
		t.Errorf("assigned uid = %q, want a local uid", anon.UID)
	}
	if named.UID != "7" {
		t.Errorf("existing uid rewritten to %q", named.UID)
	}
	if n, _ := folder.MessageCount(context.Background()); n != 2 {
		t.Errorf("message count = %d, want 2", n)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	when := time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)
	msg := storedMessage("42", "round trip", when)
	msg.Headers = map[string]string{"X-Custom": "yes"}
	msg.Size = 1234
	msg.SetFlag(model.FlagSeen, true)
	msg.Parts = []model.Part{{Path: "1", MIMEType: "text/plain", Size: 10}}
	if err := folder.AppendMessages(context.Background(), []*model.Message{msg}); err != nil {
		t.Fatalf("appending: %v", err)
	}

	got, err := folder.Message(context.Background(), "42")
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if got == nil {
		t.Fatal("message not found after append")
	}
	if got.Subject != "round trip" || got.MessageID != "<42@example.org>" {
		t.Errorf("envelope mangled: %+v", got)
	}
	if !got.InternalDate.Equal(when) {
		t.Errorf("internal date = %v, want %v", got.InternalDate, when)
	}
	if !got.IsSet(model.FlagSeen) {
		t.Error("seen flag lost")
	}
	if got.Headers["X-Custom"] != "yes" {
		t.Error("headers lost")
	}
	if len(got.Parts) != 1 || got.Parts[0].MIMEType != "text/plain" {
		t.Errorf("parts mangled: %+v", got.Parts)
	}
	if got.Size != 1234 {
		t.Errorf("size = %d, want 1234", got.Size)
	}
}

func TestMissingMessageIsNil(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	got, err := folder.Message(context.Background(), "99")
	if err != nil {
		t.Fatalf("reading absent message: %v", err)
	}
	if got != nil {
		t.Errorf("absent message = %+v, want nil", got)
	}
}

func TestMessagesOrderedNewestFirst(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	base := time.Now().Truncate(time.Millisecond)
	err := folder.AppendMessages(context.Background(), []*model.Message{
		storedMessage("1", "oldest", base.Add(-2*time.Hour)),
		storedMessage("2", "middle", base.Add(-time.Hour)),
		storedMessage("3", "newest", base),
	})
	if err != nil {
		t.Fatalf("appending: %v", err)
	}

	msgs, err := folder.Messages(context.Background())
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	want := []string{"3", "2", "1"}
	for i, w := range want {
		if msgs[i].UID != w {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].UID, w)
		}
	}
}

func TestSetFlagsSkipsUnknownUIDs(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	msg := storedMessage("5", "flaggable", time.Now())
	if err := folder.AppendMessages(context.Background(), []*model.Message{msg}); err != nil {
		t.Fatalf("appending: %v", err)
	}

	err := folder.SetFlags(context.Background(), []string{"5", "no-such-uid"},
		[]model.Flag{model.FlagFlagged}, true)
	if err != nil {
		t.Fatalf("setting flags: %v", err)
	}
	got, _ := folder.Message(context.Background(), "5")
	if !got.IsSet(model.FlagFlagged) {
		t.Error("flag not applied")
	}

	if err := folder.SetFlags(context.Background(), []string{"5"}, []model.Flag{model.FlagFlagged}, false); err != nil {
		t.Fatalf("clearing flags: %v", err)
	}
	got, _ = folder.Message(context.Background(), "5")
	if got.IsSet(model.FlagFlagged) {
		t.Error("flag not cleared")
	}
}

func TestUnreadCountIgnoresSeen(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	seen := storedMessage("1", "seen", time.Now())
	seen.SetFlag(model.FlagSeen, true)
	unseen := storedMessage("2", "unseen", time.Now())
	if err := folder.AppendMessages(context.Background(), []*model.Message{seen, unseen}); err != nil {
		t.Fatalf("appending: %v", err)
	}

	n, err := folder.UnreadCount(context.Background())
	if err != nil {
		t.Fatalf("counting unread: %v", err)
	}
	if n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
}

func TestChangeUIDRebindsMessage(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	msg := storedMessage("", "uploaded later", time.Now())
	if err := folder.AppendMessages(context.Background(), []*model.Message{msg}); err != nil {
		t.Fatalf("appending: %v", err)
	}
	if err := folder.ChangeUID(context.Background(), msg.UID, "2001"); err != nil {
		t.Fatalf("changing uid: %v", err)
	}

	if old, _ := folder.Message(context.Background(), msg.UID); old != nil {
		t.Error("old uid still resolves")
	}
	if got, _ := folder.Message(context.Background(), "2001"); got == nil {
		t.Error("new uid does not resolve")
	}
}

func TestMoveMessagesAssignsFreshLocalUIDs(t *testing.T) {
	s := testutil.NewTestStore(t)
	src := openFolder(t, s, "INBOX", remote.OpenReadWrite)
	dest := openFolder(t, s, "Archive", remote.OpenReadWrite)

	msg := storedMessage("8", "movable", time.Now())
	if err := src.AppendMessages(context.Background(), []*model.Message{msg}); err != nil {
		t.Fatalf("appending: %v", err)
	}

	uidMap, err := src.MoveMessages(context.Background(), []string{"8"}, dest)
	if err != nil {
		t.Fatalf("moving: %v", err)
	}
	newUID, ok := uidMap["8"]
	if !ok || !model.IsLocalUID(newUID) {
		t.Fatalf("uidMap = %v, want fresh local uid for 8", uidMap)
	}
	if n, _ := src.MessageCount(context.Background()); n != 0 {
		t.Errorf("source still holds %d messages", n)
	}
	if got, _ := dest.Message(context.Background(), newUID); got == nil || got.Subject != "movable" {
		t.Errorf("destination message = %+v", got)
	}
}

func TestDestroyMessages(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	err := folder.AppendMessages(context.Background(), []*model.Message{
		storedMessage("1", "goes", time.Now()),
		storedMessage("2", "stays", time.Now()),
	})
	if err != nil {
		t.Fatalf("appending: %v", err)
	}

	if err := folder.DestroyMessages(context.Background(), []string{"1"}); err != nil {
		t.Fatalf("destroying: %v", err)
	}
	if got, _ := folder.Message(context.Background(), "1"); got != nil {
		t.Error("destroyed message still present")
	}
	if got, _ := folder.Message(context.Background(), "2"); got == nil {
		t.Error("unrelated message destroyed")
	}

	if err := folder.DestroyAllMessages(context.Background()); err != nil {
		t.Fatalf("clearing: %v", err)
	}
	if n, _ := folder.MessageCount(context.Background()); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}

func TestMessagesBeyondVisibleLimit(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	base := time.Now().Truncate(time.Millisecond)
	err := folder.AppendMessages(context.Background(), []*model.Message{
		storedMessage("1", "oldest", base.Add(-3*time.Hour)),
		storedMessage("2", "older", base.Add(-2*time.Hour)),
		storedMessage("3", "newest", base),
	})
	if err != nil {
		t.Fatalf("appending: %v", err)
	}

	// No limit configured: nothing overflows.
	overflow, err := folder.MessagesBeyondVisibleLimit(context.Background())
	if err != nil {
		t.Fatalf("listing overflow: %v", err)
	}
	if len(overflow) != 0 {
		t.Errorf("overflow without limit = %d messages", len(overflow))
	}

	settings, err := folder.Settings(context.Background())
	if err != nil {
		t.Fatalf("reading settings: %v", err)
	}
	settings.VisibleLimit = 2
	if err := folder.SetSettings(context.Background(), settings); err != nil {
		t.Fatalf("writing settings: %v", err)
	}

	overflow, err = folder.MessagesBeyondVisibleLimit(context.Background())
	if err != nil {
		t.Fatalf("listing overflow: %v", err)
	}
	if len(overflow) != 1 || overflow[0].UID != "1" {
		t.Errorf("overflow = %+v, want the oldest message only", overflow)
	}
}

func TestFolderSettingsDefaultsAndRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)

	settings, err := folder.Settings(context.Background())
	if err != nil {
		t.Fatalf("reading settings: %v", err)
	}
	if settings.DisplayClass != model.ClassNone || settings.SyncClass != model.ClassInherited {
		t.Errorf("defaults = %+v", settings)
	}

	settings.DisplayClass = model.ClassFirst
	settings.NotifyClass = model.ClassSecond
	settings.VisibleLimit = 50
	if err := folder.SetSettings(context.Background(), settings); err != nil {
		t.Fatalf("writing settings: %v", err)
	}
	got, err := folder.Settings(context.Background())
	if err != nil {
		t.Fatalf("re-reading settings: %v", err)
	}
	if got != settings {
		t.Errorf("settings = %+v, want %+v", got, settings)
	}
}

func TestFolderStateColumns(t *testing.T) {
	s := testutil.NewTestStore(t)
	folder := openFolder(t, s, "INBOX", remote.OpenReadWrite)
	ctx := context.Background()

	if err := folder.SetStatus(ctx, "connection refused"); err != nil {
		t.Fatalf("setting status: %v", err)
	}
	if got, _ := folder.Status(ctx); got != "connection refused" {
		t.Errorf("status = %q", got)
	}

	when := time.Now().Truncate(time.Millisecond)
	if err := folder.SetLastChecked(ctx, when); err != nil {
		t.Fatalf("setting last checked: %v", err)
	}
	if got, _ := folder.LastChecked(ctx); !got.Equal(when) {
		t.Errorf("last checked = %v, want %v", got, when)
	}

	if got, _ := folder.MoreMessages(ctx); got != model.MoreMessagesUnknown {
		t.Errorf("initial more-messages = %v", got)
	}
	if err := folder.SetMoreMessages(ctx, model.MoreMessagesTrue); err != nil {
		t.Fatalf("setting more-messages: %v", err)
	}
	if got, _ := folder.MoreMessages(ctx); got != model.MoreMessagesTrue {
		t.Errorf("more-messages = %v", got)
	}

	if err := folder.SetPushState(ctx, "uidnext=400"); err != nil {
		t.Fatalf("setting push state: %v", err)
	}
	if got, _ := folder.PushState(ctx); got != "uidnext=400" {
		t.Errorf("push state = %q", got)
	}

	if err := folder.SetLastNotifiedUID(ctx, 321); err != nil {
		t.Fatalf("setting watermark: %v", err)
	}
	if got, _ := folder.LastNotifiedUID(ctx); got != 321 {
		t.Errorf("last notified uid = %d", got)
	}
}

func TestPendingCommandLogReplayOrder(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	type payload struct {
		Folder string `json:"folder"`
	}
	if err := s.AddPendingCommand(ctx, "set_flag", payload{Folder: "INBOX"}); err != nil {
		t.Fatalf("adding first command: %v", err)
	}
	if err := s.AddPendingCommand(ctx, "expunge", payload{Folder: "Trash"}); err != nil {
		t.Fatalf("adding second command: %v", err)
	}

	commands, err := s.PendingCommands(ctx)
	if err != nil {
		t.Fatalf("listing commands: %v", err)
	}
	if len(commands) != 2 || commands[0].Name != "set_flag" || commands[1].Name != "expunge" {
		t.Fatalf("commands = %+v, want set_flag then expunge", commands)
	}

	var p payload
	if err := json.Unmarshal(commands[0].Payload, &p); err != nil || p.Folder != "INBOX" {
		t.Errorf("payload = %+v (%v), want folder INBOX", p, err)
	}

	if err := s.RemovePendingCommand(ctx, commands[0].ID); err != nil {
		t.Fatalf("removing command: %v", err)
	}
	commands, err = s.PendingCommands(ctx)
	if err != nil {
		t.Fatalf("re-listing commands: %v", err)
	}
	if len(commands) != 1 || commands[0].Name != "expunge" {
		t.Errorf("commands after removal = %+v", commands)
	}
}

func TestWriteRequiresReadWriteMode(t *testing.T) {
	s := testutil.NewTestStore(t)
	// Create the folder first, then reopen read-only.
	rw := openFolder(t, s, "INBOX", remote.OpenReadWrite)
	rw.Close()

	ro := openFolder(t, s, "INBOX", remote.OpenReadOnly)
	err := ro.AppendMessages(context.Background(), []*model.Message{
		storedMessage("1", "nope", time.Now()),
	})
	if err == nil {
		t.Error("append succeeded on a read-only handle")
	}
}
