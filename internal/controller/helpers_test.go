package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

// recordingListener collects every event it receives.
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) Handle(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *recordingListener) count(kind EventKind) int {
	n := 0
	for _, e := range l.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *recordingListener) last(kind EventKind) (Event, bool) {
	var out Event
	found := false
	for _, e := range l.all() {
		if e.Kind == kind {
			out = e
			found = true
		}
	}
	return out, found
}

// recordingNotifier records the names of notification calls in order.
type recordingNotifier struct {
	mu      sync.Mutex
	calls   []string
	newMail []*model.Message
}

func (n *recordingNotifier) record(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, name)
}

func (n *recordingNotifier) count(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, call := range n.calls {
		if call == name {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) ShowNewMail(account *model.Account, msg *model.Message) {
	n.mu.Lock()
	n.newMail = append(n.newMail, msg)
	n.mu.Unlock()
	n.record("showNewMail")
}
func (n *recordingNotifier) ClearNewMail(account *model.Account) { n.record("clearNewMail") }
func (n *recordingNotifier) ShowSendFailed(account *model.Account, err error) {
	n.record("showSendFailed")
}
func (n *recordingNotifier) ClearSendFailed(account *model.Account) { n.record("clearSendFailed") }
func (n *recordingNotifier) ShowFetchingMail(account *model.Account, folder string) {
	n.record("showFetchingMail")
}
func (n *recordingNotifier) ClearFetchingMail(account *model.Account) {
	n.record("clearFetchingMail")
}
func (n *recordingNotifier) ShowSendingMail(account *model.Account)  { n.record("showSendingMail") }
func (n *recordingNotifier) ClearSendingMail(account *model.Account) { n.record("clearSendingMail") }
func (n *recordingNotifier) ShowAuthenticationError(account *model.Account, incoming bool) {
	n.record("showAuthenticationError")
}
func (n *recordingNotifier) ShowCertificateError(account *model.Account, incoming bool) {
	n.record("showCertificateError")
}

// testAccount returns an account configured with the full set of special
// folders and permissive sync modes.
func testAccount() *model.Account {
	return &model.Account{
		UUID:                    "acct-1",
		Name:                    "test",
		Email:                   "user@example.com",
		StoreKind:               model.StoreKindIMAP,
		InboxFolder:             "INBOX",
		TrashFolder:             "Trash",
		SentFolder:              "Sent",
		DraftsFolder:            "Drafts",
		OutboxFolder:            "OUTBOX",
		DeletePolicy:            model.DeletePolicyOnDelete,
		ExpungePolicy:           model.ExpungeImmediately,
		DisplayMode:             model.ModeAll,
		SyncMode:                model.ModeAll,
		PushMode:                model.ModeAll,
		NotifyMode:              model.ModeAll,
		DisplayCount:            25,
		MaximumAutoDownloadSize: 32 * 1024,
		MaxSendAttempts:         3,
		PollInterval:            time.Minute,
		SyncRemoteDeletions:     true,
		NotifyNewMail:           true,
	}
}

type fixture struct {
	c        *Controller
	account  *model.Account
	backend  Backend
	local    *store.SQLiteStore
	remote   *testutil.FakeRemoteStore
	sender   *testutil.FakeTransport
	notifier *recordingNotifier
	listener *recordingListener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	local := testutil.NewTestStore(t)
	rs := testutil.NewFakeRemoteStore()
	sender := &testutil.FakeTransport{}
	notifier := &recordingNotifier{}

	c := NewController(zerolog.Nop(), notifier)
	t.Cleanup(c.Stop)

	account := testAccount()
	backend := Backend{Local: local, Remote: rs, Transport: sender}
	c.RegisterAccount(account, backend)

	listener := &recordingListener{}
	c.AddListener(listener)

	return &fixture{
		c:        c,
		account:  account,
		backend:  backend,
		local:    local,
		remote:   rs,
		sender:   sender,
		notifier: notifier,
		listener: listener,
	}
}

// seedLocal inserts messages into the named local folder, creating it if
// needed, and returns the UIDs they ended up with.
func (f *fixture) seedLocal(t *testing.T, folderName string, msgs ...*model.Message) []string {
	t.Helper()
	folder, err := f.local.Folder(folderName)
	if err != nil {
		t.Fatalf("resolving folder %s: %v", folderName, err)
	}
	if err := folder.Open(context.Background(), remote.OpenReadWrite); err != nil {
		t.Fatalf("opening folder %s: %v", folderName, err)
	}
	defer folder.Close()
	if err := folder.AppendMessages(context.Background(), msgs); err != nil {
		t.Fatalf("seeding folder %s: %v", folderName, err)
	}
	uids := make([]string, len(msgs))
	for i, m := range msgs {
		uids[i] = m.UID
	}
	return uids
}

// localMessage reads one message back from the local cache, nil if absent.
func (f *fixture) localMessage(t *testing.T, folderName, uid string) *model.Message {
	t.Helper()
	folder, err := f.local.Folder(folderName)
	if err != nil {
		t.Fatalf("resolving folder %s: %v", folderName, err)
	}
	if err := folder.Open(context.Background(), remote.OpenReadWrite); err != nil {
		t.Fatalf("opening folder %s: %v", folderName, err)
	}
	defer folder.Close()
	msg, err := folder.Message(context.Background(), uid)
	if err != nil {
		t.Fatalf("reading message %s: %v", uid, err)
	}
	return msg
}

// localUIDs lists the UIDs currently cached in the named folder.
func (f *fixture) localUIDs(t *testing.T, folderName string) []string {
	t.Helper()
	folder, err := f.local.Folder(folderName)
	if err != nil {
		t.Fatalf("resolving folder %s: %v", folderName, err)
	}
	if err := folder.Open(context.Background(), remote.OpenReadWrite); err != nil {
		t.Fatalf("opening folder %s: %v", folderName, err)
	}
	defer folder.Close()
	msgs, err := folder.Messages(context.Background())
	if err != nil {
		t.Fatalf("listing folder %s: %v", folderName, err)
	}
	uids := make([]string, len(msgs))
	for i, m := range msgs {
		uids[i] = m.UID
	}
	return uids
}

// pendingNames lists the names of the queued pending commands in order.
func (f *fixture) pendingNames(t *testing.T) []string {
	t.Helper()
	commands, err := f.local.PendingCommands(context.Background())
	if err != nil {
		t.Fatalf("reading pending commands: %v", err)
	}
	names := make([]string, len(commands))
	for i, cmd := range commands {
		names[i] = cmd.Name
	}
	return names
}

// drain blocks until the worker has consumed everything queued before
// the call.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	f.c.putBackground("drain", nil, func() error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
}

// makeMessage builds a minimal downloaded message.
func makeMessage(uid, subject string, received time.Time) *model.Message {
	msg := model.NewMessage(uid, "")
	msg.Subject = subject
	msg.From = []string{"Sender <sender@example.org>"}
	msg.To = []string{"user@example.com"}
	msg.MessageID = "<" + uid + "@example.org>"
	msg.Date = received
	msg.InternalDate = received
	msg.Body = "body of " + subject
	msg.SetFlag(model.FlagDownloadedFull, true)
	return msg
}

func hasUID(uids []string, uid string) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}
