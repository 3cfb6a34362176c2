package imapstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// folder is one mailbox on one dedicated connection.
type folder struct {
	store *Store
	name  string

	client   *imapclient.Client
	selected bool
	count    int
}

func (f *folder) Name() string { return f.name }

// Open connects and selects the mailbox. A mailbox missing server-side
// leaves the handle connected but unselected so Exists and Create can
// establish it.
func (f *folder) Open(ctx context.Context, mode remote.OpenMode) error {
	if f.client == nil {
		client, err := f.store.connect(nil)
		if err != nil {
			return err
		}
		f.client = client
	}
	options := &imap.SelectOptions{ReadOnly: mode == remote.OpenReadOnly}
	data, err := f.client.Select(f.name, options).Wait()
	if err != nil {
		f.selected = false
		f.count = 0
		return selectFailure(f.name, err)
	}
	f.selected = true
	f.count = int(data.NumMessages)
	return nil
}

// selectFailure sorts a failed SELECT: a status rejection from the
// server means the mailbox is missing, which Exists and Create recover
// from, while anything else is a connection problem that must surface
// as retryable.
func selectFailure(name string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return nil
	}
	return remote.Transientf("selecting %s: %v", name, err)
}

// Close logs out and drops the connection. Closing mid-command aborts
// it, which remote search cancellation relies on.
func (f *folder) Close() {
	if f.client == nil {
		return
	}
	if err := f.client.Logout().Wait(); err != nil {
		_ = f.client.Close()
	}
	f.client = nil
	f.selected = false
}

func (f *folder) requireSelected() error {
	if f.client == nil {
		return remote.Transientf("folder %s is not open", f.name)
	}
	if !f.selected {
		return remote.Permanentf("folder %s does not exist on the server", f.name)
	}
	return nil
}

func (f *folder) Exists(ctx context.Context) (bool, error) {
	if f.client == nil {
		return false, remote.Transientf("folder %s is not open", f.name)
	}
	if f.selected {
		return true, nil
	}
	boxes, err := f.client.List("", f.name, nil).Collect()
	if err != nil {
		return false, remote.Transientf("listing %s: %v", f.name, err)
	}
	return len(boxes) > 0, nil
}

func (f *folder) Create(ctx context.Context) error {
	if f.client == nil {
		return remote.Transientf("folder %s is not open", f.name)
	}
	if err := f.client.Create(f.name, nil).Wait(); err != nil {
		return remote.Transientf("creating %s: %v", f.name, err)
	}
	data, err := f.client.Select(f.name, nil).Wait()
	if err != nil {
		return remote.Transientf("selecting %s: %v", f.name, err)
	}
	f.selected = true
	f.count = int(data.NumMessages)
	return nil
}

func (f *folder) MessageCount(ctx context.Context) (int, error) {
	if err := f.requireSelected(); err != nil {
		return 0, err
	}
	return f.count, nil
}

// Messages fetches envelope-level handles for the sequence-number range
// [start, end], dropping messages older than since.
func (f *folder) Messages(ctx context.Context, start, end int, since time.Time) ([]*model.Message, error) {
	if err := f.requireSelected(); err != nil {
		return nil, err
	}
	if start < 1 || end < start {
		return nil, nil
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(uint32(start), uint32(end))

	options := &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
	}
	bufs, err := f.collectFetch(seqSet, options)
	if err != nil {
		return nil, err
	}

	msgs := make([]*model.Message, 0, len(bufs))
	for _, buf := range bufs {
		msg := messageFromBuffer(f.name, buf)
		if !since.IsZero() && msg.EffectiveDate().Before(since) {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (f *folder) collectFetch(numSet imap.NumSet, options *imap.FetchOptions) ([]*imapclient.FetchMessageBuffer, error) {
	fetchCmd := f.client.Fetch(numSet, options)
	var bufs []*imapclient.FetchMessageBuffer
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		bufs = append(bufs, buf)
	}
	if err := fetchCmd.Close(); err != nil {
		return bufs, remote.Transientf("fetching from %s: %v", f.name, err)
	}
	return bufs, nil
}

// Fetch populates the requested profile items on msgs in place, matched
// back by UID.
func (f *folder) Fetch(ctx context.Context, msgs []*model.Message, profile remote.FetchProfile, listener remote.FetchListener) error {
	if err := f.requireSelected(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	uidSet, byUID, err := uidSetOf(msgs)
	if err != nil {
		return err
	}

	options := &imap.FetchOptions{UID: true}
	if profile.Envelope {
		options.Envelope = true
		options.InternalDate = true
		options.RFC822Size = true
	}
	if profile.Flags {
		options.Flags = true
	}
	var bodySection *imap.FetchItemBodySection
	if profile.Body {
		bodySection = &imap.FetchItemBodySection{Peek: true}
		options.BodySection = []*imap.FetchItemBodySection{bodySection}
	}
	if profile.Structure {
		options.BodyStructure = &imap.FetchItemBodyStructure{Extended: true}
	}

	fetchCmd := f.client.Fetch(uidSet, options)
	completed := 0
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}
		buf, err := data.Collect()
		if err != nil {
			continue
		}
		msg, ok := byUID[strconv.FormatUint(uint64(buf.UID), 10)]
		if !ok {
			continue
		}
		applyBuffer(msg, buf, bodySection)
		completed++
		if listener != nil {
			listener(completed, len(msgs), msg)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return remote.Transientf("fetching from %s: %v", f.name, err)
	}
	return nil
}

// FetchPart downloads one MIME part by its dotted path.
func (f *folder) FetchPart(ctx context.Context, msg *model.Message, part *model.Part) error {
	if err := f.requireSelected(); err != nil {
		return err
	}
	uid, err := parseUID(msg.UID)
	if err != nil {
		return err
	}
	path, err := partNumbers(part.Path)
	if err != nil {
		return err
	}
	section := &imap.FetchItemBodySection{Part: path, Peek: true}
	options := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	bufs, err := f.collectFetch(imap.UIDSetNum(uid), options)
	if err != nil {
		return err
	}
	if len(bufs) == 0 {
		return remote.Permanentf("message %s not found in %s", msg.UID, f.name)
	}
	raw := bufs[0].FindBodySection(section)
	if raw == nil {
		return remote.Permanentf("message %s has no part %s", msg.UID, part.Path)
	}
	part.Content = raw
	part.Downloaded = true
	if part.IsText() {
		msg.Body = string(raw)
	}
	return nil
}

func (f *folder) Search(ctx context.Context, query string, requiredFlags, forbiddenFlags []model.Flag) ([]string, error) {
	if err := f.requireSelected(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{}
	if query != "" {
		criteria.Text = []string{query}
	}
	for _, flag := range requiredFlags {
		criteria.Flag = append(criteria.Flag, imapFlag(flag))
	}
	for _, flag := range forbiddenFlags {
		criteria.NotFlag = append(criteria.NotFlag, imapFlag(flag))
	}
	data, err := f.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, remote.Transientf("searching %s: %v", f.name, err)
	}
	uids := data.AllUIDs()
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		out = append(out, strconv.FormatUint(uint64(uid), 10))
	}
	return out, nil
}

func (f *folder) SetFlags(ctx context.Context, uids []string, flags []model.Flag, value bool) error {
	if err := f.requireSelected(); err != nil {
		return err
	}
	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, flag := range flags {
		if flag.IsInternal() {
			continue
		}
		imapFlags = append(imapFlags, imapFlag(flag))
	}
	if len(imapFlags) == 0 {
		return nil
	}
	op := imap.StoreFlagsAdd
	if !value {
		op = imap.StoreFlagsDel
	}
	storeFlags := &imap.StoreFlags{Op: op, Silent: true, Flags: imapFlags}

	var numSet imap.NumSet
	if uids == nil {
		if f.count == 0 {
			return nil
		}
		var seqSet imap.SeqSet
		seqSet.AddRange(1, uint32(f.count))
		numSet = seqSet
	} else {
		uidSet, err := parseUIDSet(uids)
		if err != nil {
			return err
		}
		numSet = uidSet
	}
	if err := f.client.Store(numSet, storeFlags, nil).Close(); err != nil {
		return remote.Transientf("storing flags in %s: %v", f.name, err)
	}
	return nil
}

// IsFlagSupported reports whether the server can persist flag. Internal
// flags never leave the device.
func (f *folder) IsFlagSupported(flag model.Flag) bool {
	return !flag.IsInternal()
}

func (f *folder) Expunge(ctx context.Context) error {
	if err := f.requireSelected(); err != nil {
		return err
	}
	if err := f.client.Expunge().Close(); err != nil {
		return remote.Transientf("expunging %s: %v", f.name, err)
	}
	return nil
}

func (f *folder) ExpungeUIDs(ctx context.Context, uids []string) error {
	if err := f.requireSelected(); err != nil {
		return err
	}
	uidSet, err := parseUIDSet(uids)
	if err != nil {
		return err
	}
	if f.client.Caps().Has(imap.CapUIDPlus) {
		if err := f.client.UIDExpunge(uidSet).Close(); err != nil {
			return remote.Transientf("expunging uids in %s: %v", f.name, err)
		}
		return nil
	}
	// Without UIDPLUS a full expunge is the best available.
	return f.Expunge(ctx)
}

func (f *folder) CopyMessages(ctx context.Context, uids []string, dest remote.Folder) (map[string]string, error) {
	if err := f.requireSelected(); err != nil {
		return nil, err
	}
	uidSet, err := parseUIDSet(uids)
	if err != nil {
		return nil, err
	}
	data, err := f.client.Copy(uidSet, dest.Name()).Wait()
	if err != nil {
		return nil, remote.Transientf("copying from %s to %s: %v", f.name, dest.Name(), err)
	}
	return uidMapFromCopyData(data.SourceUIDs, data.DestUIDs), nil
}

func (f *folder) MoveMessages(ctx context.Context, uids []string, dest remote.Folder) (map[string]string, error) {
	if err := f.requireSelected(); err != nil {
		return nil, err
	}
	uidSet, err := parseUIDSet(uids)
	if err != nil {
		return nil, err
	}
	if f.client.Caps().Has(imap.CapMove) {
		data, err := f.client.Move(uidSet, dest.Name()).Wait()
		if err != nil {
			return nil, remote.Transientf("moving from %s to %s: %v", f.name, dest.Name(), err)
		}
		return uidMapFromCopyData(data.SourceUIDs, data.DestUIDs), nil
	}
	// Fallback for servers without MOVE: copy, flag deleted, expunge.
	copyData, err := f.client.Copy(uidSet, dest.Name()).Wait()
	if err != nil {
		return nil, remote.Transientf("copying from %s to %s: %v", f.name, dest.Name(), err)
	}
	if err := f.SetFlags(ctx, uids, []model.Flag{model.FlagDeleted}, true); err != nil {
		return nil, err
	}
	if err := f.ExpungeUIDs(ctx, uids); err != nil {
		return nil, err
	}
	return uidMapFromCopyData(copyData.SourceUIDs, copyData.DestUIDs), nil
}

// Delete moves the messages to trashFolder when one is named, otherwise
// flags them deleted in place.
func (f *folder) Delete(ctx context.Context, uids []string, trashFolder string) error {
	if trashFolder != "" && trashFolder != f.name {
		dest, err := f.store.GetFolder(trashFolder)
		if err != nil {
			return err
		}
		_, err = f.MoveMessages(ctx, uids, dest)
		return err
	}
	return f.SetFlags(ctx, uids, []model.Flag{model.FlagDeleted}, true)
}

// Append uploads the message and returns the server-assigned UID when
// the server reports one (UIDPLUS).
func (f *folder) Append(ctx context.Context, msg *model.Message) (string, error) {
	if f.client == nil {
		return "", remote.Transientf("folder %s is not open", f.name)
	}
	raw, err := rawMessage(msg)
	if err != nil {
		return "", remote.Permanentf("encoding message %s: %v", msg.UID, err)
	}
	options := &imap.AppendOptions{Flags: serverFlags(msg)}
	if !msg.InternalDate.IsZero() {
		options.Time = msg.InternalDate
	}
	cmd := f.client.Append(f.name, int64(len(raw)), options)
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return "", remote.Transientf("uploading to %s: %v", f.name, err)
	}
	if err := cmd.Close(); err != nil {
		return "", remote.Transientf("uploading to %s: %v", f.name, err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return "", remote.Transientf("uploading to %s: %v", f.name, err)
	}
	if data == nil || data.UID == 0 {
		return "", nil
	}
	return strconv.FormatUint(uint64(data.UID), 10), nil
}

// UIDFromMessageID resolves a Message-ID header to a UID, used to dedup
// interrupted appends.
func (f *folder) UIDFromMessageID(ctx context.Context, messageID string) (string, error) {
	if err := f.requireSelected(); err != nil {
		return "", err
	}
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: messageID}},
	}
	data, err := f.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return "", remote.Transientf("searching %s by message-id: %v", f.name, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return "", nil
	}
	return strconv.FormatUint(uint64(uids[0]), 10), nil
}

// NewPushState folds a pushed message into the folder's highest-seen-UID
// cursor.
func (f *folder) NewPushState(old string, msg *model.Message) string {
	highest, _ := strconv.ParseUint(old, 10, 64)
	uid, err := strconv.ParseUint(msg.UID, 10, 64)
	if err == nil && uid > highest {
		highest = uid
	}
	return strconv.FormatUint(highest, 10)
}

func parseUID(uid string) (imap.UID, error) {
	if model.IsLocalUID(uid) {
		return 0, remote.Permanentf("uid %s is local-only", uid)
	}
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, remote.Permanentf("invalid uid %s", uid)
	}
	return imap.UID(n), nil
}

func parseUIDSet(uids []string) (imap.UIDSet, error) {
	nums := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		n, err := parseUID(uid)
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	return imap.UIDSetNum(nums...), nil
}

func uidSetOf(msgs []*model.Message) (imap.UIDSet, map[string]*model.Message, error) {
	byUID := make(map[string]*model.Message, len(msgs))
	nums := make([]imap.UID, 0, len(msgs))
	for _, msg := range msgs {
		n, err := parseUID(msg.UID)
		if err != nil {
			return nil, nil, err
		}
		nums = append(nums, n)
		byUID[msg.UID] = msg
	}
	return imap.UIDSetNum(nums...), byUID, nil
}

func uidMapFromCopyData(src, dst imap.NumSet) map[string]string {
	srcSet, ok1 := src.(imap.UIDSet)
	dstSet, ok2 := dst.(imap.UIDSet)
	if !ok1 || !ok2 {
		return nil
	}
	srcUIDs, ok1 := srcSet.Nums()
	dstUIDs, ok2 := dstSet.Nums()
	if !ok1 || !ok2 || len(srcUIDs) != len(dstUIDs) {
		return nil
	}
	out := make(map[string]string, len(srcUIDs))
	for i := range srcUIDs {
		out[strconv.FormatUint(uint64(srcUIDs[i]), 10)] =
			strconv.FormatUint(uint64(dstUIDs[i]), 10)
	}
	return out
}

func partNumbers(path string) ([]int, error) {
	if path == "" {
		return nil, remote.Permanentf("empty part path")
	}
	pieces := strings.Split(path, ".")
	nums := make([]int, 0, len(pieces))
	for _, piece := range pieces {
		n, err := strconv.Atoi(piece)
		if err != nil {
			return nil, remote.Permanentf("invalid part path %s", path)
		}
		nums = append(nums, n)
	}
	return nums, nil
}
