package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// FakeRemoteStore is an in-memory remote.Store for tests. Folders are
// created on first access unless listed in Missing.
type FakeRemoteStore struct {
	mu      sync.Mutex
	folders map[string]*FakeRemoteFolder

	// Missing names folders that do not exist until Create is called.
	Missing map[string]bool

	MoveCapable    bool
	CopyCapable    bool
	PushCapable    bool
	ExpungeCapable bool

	// CheckSettingsErr is returned by CheckSettings when set.
	CheckSettingsErr error
}

// NewFakeRemoteStore returns a store with move, copy and expunge enabled.
func NewFakeRemoteStore() *FakeRemoteStore {
	return &FakeRemoteStore{
		folders:        make(map[string]*FakeRemoteFolder),
		Missing:        make(map[string]bool),
		MoveCapable:    true,
		CopyCapable:    true,
		ExpungeCapable: true,
	}
}

// Folder returns the named fake folder, creating the handle if needed.
// Tests use this to seed messages and inspect results.
func (s *FakeRemoteStore) Folder(name string) *FakeRemoteFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		f = &FakeRemoteFolder{name: name, store: s, exists: !s.Missing[name]}
		s.folders[name] = f
	}
	return f
}

func (s *FakeRemoteStore) GetFolder(name string) (remote.Folder, error) {
	return s.Folder(name), nil
}

func (s *FakeRemoteStore) GetPersonalNamespaces(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.folders))
	for name, f := range s.folders {
		if f.exists {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FakeRemoteStore) IsMoveCapable() bool       { return s.MoveCapable }
func (s *FakeRemoteStore) IsCopyCapable() bool       { return s.CopyCapable }
func (s *FakeRemoteStore) IsPushCapable() bool       { return s.PushCapable }
func (s *FakeRemoteStore) IsExpungeCapable() bool    { return s.ExpungeCapable }
func (s *FakeRemoteStore) IsSeenFlagSupported() bool { return true }

func (s *FakeRemoteStore) GetPusher(receiver remote.PushReceiver) remote.Pusher { return nil }

func (s *FakeRemoteStore) CheckSettings(ctx context.Context) error { return s.CheckSettingsErr }

// FakeRemoteFolder is an in-memory remote.Folder. Messages live in
// insertion order; sequence numbers are 1-based positions.
type FakeRemoteFolder struct {
	name  string
	store *FakeRemoteStore

	mu      sync.Mutex
	exists  bool
	msgs    []*model.Message
	nextUID int

	// Calls records the names of mutating operations, in order.
	Calls []string

	// OpenErr, FetchErr, AppendErr and SetFlagsErr inject failures.
	OpenErr     error
	FetchErr    error
	AppendErr   error
	SetFlagsErr error

	// SearchResult overrides Search output when non-nil.
	SearchResult []string
}

func (f *FakeRemoteFolder) Name() string { return f.name }

// Seed adds a message with the given UID to the fake folder.
func (f *FakeRemoteFolder) Seed(msg *model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.Folder = f.name
	f.msgs = append(f.msgs, msg)
}

// UIDs returns the UIDs currently in the folder, in sequence order.
func (f *FakeRemoteFolder) UIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	uids := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		uids[i] = m.UID
	}
	return uids
}

// Message returns the stored message with the given UID, or nil.
func (f *FakeRemoteFolder) Message(uid string) *model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(uid)
}

func (f *FakeRemoteFolder) find(uid string) *model.Message {
	for _, m := range f.msgs {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

func (f *FakeRemoteFolder) record(op string) {
	f.Calls = append(f.Calls, op)
}

func (f *FakeRemoteFolder) Open(ctx context.Context, mode remote.OpenMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open")
	return f.OpenErr
}

func (f *FakeRemoteFolder) Close() {}

func (f *FakeRemoteFolder) Exists(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *FakeRemoteFolder) Create(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	f.exists = true
	return nil
}

func (f *FakeRemoteFolder) MessageCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs), nil
}

func (f *FakeRemoteFolder) Messages(ctx context.Context, start, end int, since time.Time) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if start < 1 {
		start = 1
	}
	if end > len(f.msgs) {
		end = len(f.msgs)
	}
	var out []*model.Message
	for i := start - 1; i < end; i++ {
		m := f.msgs[i]
		if !since.IsZero() && m.EffectiveDate().Before(since) {
			continue
		}
		out = append(out, envelopeOf(m))
	}
	return out, nil
}

func (f *FakeRemoteFolder) Fetch(ctx context.Context, msgs []*model.Message, profile remote.FetchProfile, listener remote.FetchListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch")
	if f.FetchErr != nil {
		return f.FetchErr
	}
	for i, msg := range msgs {
		stored := f.find(msg.UID)
		if stored == nil {
			continue
		}
		if profile.Envelope {
			msg.Subject = stored.Subject
			msg.From = append([]string(nil), stored.From...)
			msg.To = append([]string(nil), stored.To...)
			msg.MessageID = stored.MessageID
			msg.Date = stored.Date
			msg.InternalDate = stored.InternalDate
			msg.Size = stored.Size
		}
		if profile.Flags {
			msg.Flags = serverVisibleFlags(stored.Flags)
		}
		if profile.Body {
			msg.Body = stored.Body
		}
		if profile.Structure {
			msg.Parts = append([]model.Part(nil), stored.Parts...)
		}
		if listener != nil {
			listener(i+1, len(msgs), msg)
		}
	}
	return nil
}

func (f *FakeRemoteFolder) FetchPart(ctx context.Context, msg *model.Message, part *model.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetchPart")
	stored := f.find(msg.UID)
	if stored != nil {
		for _, p := range stored.Parts {
			if p.Path == part.Path {
				part.Content = p.Content
				part.Downloaded = true
				if part.IsText() {
					msg.Body = string(p.Content)
				}
			}
		}
	}
	return nil
}

func (f *FakeRemoteFolder) Search(ctx context.Context, query string, requiredFlags, forbiddenFlags []model.Flag) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SearchResult != nil {
		return f.SearchResult, nil
	}
	var uids []string
	for _, m := range f.msgs {
		if query != "" && !strings.Contains(strings.ToLower(m.Subject), strings.ToLower(query)) {
			continue
		}
		if hasAll(m, requiredFlags) && hasNone(m, forbiddenFlags) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func (f *FakeRemoteFolder) SetFlags(ctx context.Context, uids []string, flags []model.Flag, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("setFlags")
	if f.SetFlagsErr != nil {
		return f.SetFlagsErr
	}
	for _, m := range f.msgs {
		if uids != nil && !contains(uids, m.UID) {
			continue
		}
		for _, flag := range flags {
			m.SetFlag(flag, value)
		}
	}
	return nil
}

func (f *FakeRemoteFolder) IsFlagSupported(flag model.Flag) bool { return !flag.IsInternal() }

func (f *FakeRemoteFolder) Expunge(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("expunge")
	kept := f.msgs[:0]
	for _, m := range f.msgs {
		if !m.IsSet(model.FlagDeleted) {
			kept = append(kept, m)
		}
	}
	f.msgs = kept
	return nil
}

func (f *FakeRemoteFolder) ExpungeUIDs(ctx context.Context, uids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("expungeUIDs")
	kept := f.msgs[:0]
	for _, m := range f.msgs {
		if contains(uids, m.UID) && m.IsSet(model.FlagDeleted) {
			continue
		}
		kept = append(kept, m)
	}
	f.msgs = kept
	return nil
}

func (f *FakeRemoteFolder) CopyMessages(ctx context.Context, uids []string, dest remote.Folder) (map[string]string, error) {
	f.mu.Lock()
	f.record("copy:" + dest.Name())
	clones := make(map[string]*model.Message, len(uids))
	for _, uid := range uids {
		if m := f.find(uid); m != nil {
			clones[uid] = m.Clone()
		}
	}
	f.mu.Unlock()

	destFake := f.store.Folder(dest.Name())
	uidMap := make(map[string]string, len(clones))
	for uid, clone := range clones {
		uidMap[uid] = destFake.adopt(clone)
	}
	return uidMap, nil
}

func (f *FakeRemoteFolder) MoveMessages(ctx context.Context, uids []string, dest remote.Folder) (map[string]string, error) {
	uidMap, err := f.CopyMessages(ctx, uids, dest)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("move:" + dest.Name())
	kept := f.msgs[:0]
	for _, m := range f.msgs {
		if _, moved := uidMap[m.UID]; !moved {
			kept = append(kept, m)
		}
	}
	f.msgs = kept
	return uidMap, nil
}

// adopt stores a message under a fresh server UID and returns it.
func (f *FakeRemoteFolder) adopt(m *model.Message) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUID++
	m.UID = fmt.Sprintf("%d", 1000+f.nextUID)
	m.Folder = f.name
	f.msgs = append(f.msgs, m)
	return m.UID
}

func (f *FakeRemoteFolder) Delete(ctx context.Context, uids []string, trashFolder string) error {
	if trashFolder != "" {
		trash, _ := f.store.GetFolder(trashFolder)
		_, err := f.MoveMessages(ctx, uids, trash)
		return err
	}
	return f.SetFlags(ctx, uids, []model.Flag{model.FlagDeleted}, true)
}

func (f *FakeRemoteFolder) Append(ctx context.Context, msg *model.Message) (string, error) {
	f.mu.Lock()
	if f.AppendErr != nil {
		f.mu.Unlock()
		return "", f.AppendErr
	}
	f.record("append")
	f.mu.Unlock()
	return f.adopt(msg.Clone()), nil
}

func (f *FakeRemoteFolder) UIDFromMessageID(ctx context.Context, messageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.MessageID == messageID {
			return m.UID, nil
		}
	}
	return "", nil
}

func (f *FakeRemoteFolder) NewPushState(old string, msg *model.Message) string {
	return msg.UID
}

func envelopeOf(m *model.Message) *model.Message {
	env := model.NewMessage(m.UID, m.Folder)
	env.Subject = m.Subject
	env.From = append([]string(nil), m.From...)
	env.To = append([]string(nil), m.To...)
	env.MessageID = m.MessageID
	env.Date = m.Date
	env.InternalDate = m.InternalDate
	env.Size = m.Size
	env.Flags = serverVisibleFlags(m.Flags)
	return env
}

// serverVisibleFlags drops client-internal flags, which a real server
// never stores or reports.
func serverVisibleFlags(fs model.FlagSet) model.FlagSet {
	out := model.NewFlagSet()
	for _, flag := range fs.Slice() {
		if !flag.IsInternal() {
			out.Set(flag, true)
		}
	}
	return out
}

func hasAll(m *model.Message, flags []model.Flag) bool {
	for _, flag := range flags {
		if !m.IsSet(flag) {
			return false
		}
	}
	return true
}

func hasNone(m *model.Message, flags []model.Flag) bool {
	for _, flag := range flags {
		if m.IsSet(flag) {
			return false
		}
	}
	return true
}

func contains(uids []string, uid string) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}

// FakeTransport records delivery attempts and fails the UIDs it is told
// to fail.
type FakeTransport struct {
	mu sync.Mutex

	// Err fails every delivery when set.
	Err error
	// ErrByMessageID fails specific messages.
	ErrByMessageID map[string]error

	// Attempts counts every delivery attempt, failed ones included.
	Attempts int

	Sent []*model.Message
}

func (t *FakeTransport) SendMessage(ctx context.Context, msg *model.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Attempts++
	if err, ok := t.ErrByMessageID[msg.MessageID]; ok {
		return err
	}
	if t.Err != nil {
		return t.Err
	}
	t.Sent = append(t.Sent, msg.Clone())
	return nil
}

// SentCount returns how many deliveries succeeded.
func (t *FakeTransport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Sent)
}

var _ remote.Store = (*FakeRemoteStore)(nil)
var _ remote.Folder = (*FakeRemoteFolder)(nil)
var _ remote.Transport = (*FakeTransport)(nil)
