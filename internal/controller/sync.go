package controller

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// folderSync carries the state of one folder synchronization pass
// through its phases: replay, open, window, diff, reconcile, download,
// flag-sync, purge, finalize. Each phase is a method so its
// partial-failure behavior stays independently testable.
type folderSync struct {
	c        *Controller
	logger   zerolog.Logger
	account  *model.Account
	backend  Backend
	folder   string
	listener Listener

	local    store.LocalFolder
	remoteF  remote.Folder
	earliest time.Time

	localDates  map[string]time.Time
	remoteByUID map[string]*model.Message
	toEvaluate  []*model.Message

	toDownload []*model.Message
	toFlagSync []*model.Message

	newMessages int
}

// synchronizeMailboxSynchronous reconciles one folder's local cache with
// its remote state. It never lets an error escape: every failure path
// funnels into an EventSyncFailed carrying a root-cause string and the
// folder's status line.
func (c *Controller) synchronizeMailboxSynchronous(account *model.Account, folderName string, listener Listener) {
	logger := c.logger.With().
		Str("account", account.Name).
		Str("folder", folderName).
		Logger()

	c.notifier.ShowFetchingMail(account, folderName)
	defer c.notifier.ClearFetchingMail(account)

	c.publish(Event{Kind: EventSyncStarted, Account: account, Folder: folderName}, listener)

	backend, err := c.backend(account)
	if err != nil {
		c.publishSyncFailed(account, folderName, listener, err)
		return
	}

	// Pending commands replay first so that local mutations reach the
	// server before their effects are diffed away. A replay failure is
	// recorded, not fatal: message sync continues best-effort and the
	// failure surfaces in the folder status.
	var commandErr error
	if err := c.processPendingCommands(account, backend, listener); err != nil {
		logger.Warn().Err(err).Msg("pending command replay failed, syncing anyway")
		commandErr = err
	}

	s := &folderSync{
		c:        c,
		logger:   logger,
		account:  account,
		backend:  backend,
		folder:   folderName,
		listener: listener,
		earliest: account.EarliestPollDate(c.now()),
	}
	defer func() {
		if s.local != nil {
			s.local.Close()
		}
		if s.remoteF != nil {
			s.remoteF.Close()
		}
	}()

	if err := s.run(); err != nil {
		s.finalize(commandErr)
		c.publishSyncFailed(account, folderName, listener, err)
		return
	}

	total := 0
	unread := 0
	if s.local != nil {
		if n, err := s.local.MessageCount(c.ctx); err == nil {
			total = n
		}
		if n, err := s.local.UnreadCount(c.ctx); err == nil {
			unread = n
		}
	}
	s.finalize(commandErr)

	logger.Info().Int("new", s.newMessages).Int("total", total).Msg("synchronized folder")
	c.publish(Event{
		Kind:        EventSyncFinished,
		Account:     account,
		Folder:      folderName,
		NewCount:    s.newMessages,
		Total:       total,
		UnreadCount: unread,
	}, listener)
}

func (c *Controller) publishSyncFailed(account *model.Account, folderName string, listener Listener, err error) {
	c.logger.Error().
		Str("account", account.Name).
		Str("folder", folderName).
		Err(err).
		Msg("synchronization failed")
	c.publish(Event{
		Kind:    EventSyncFailed,
		Account: account,
		Folder:  folderName,
		Err:     fmt.Errorf("%s", remote.RootCauseMessage(err)),
	}, listener)
}

// run executes the phases in order. A special folder missing remotely
// that could not be created ends the pass early but successfully, with
// s.remoteF left nil.
func (s *folderSync) run() error {
	if err := s.openFolders(); err != nil {
		return err
	}
	if s.remoteF == nil {
		return nil
	}
	msgs, err := s.window()
	if err != nil {
		return err
	}
	s.diff(msgs)
	if err := s.reconcileDeletions(); err != nil {
		return err
	}
	if err := s.classify(); err != nil {
		return err
	}
	if err := s.download(); err != nil {
		return err
	}
	if err := s.flagSync(); err != nil {
		return err
	}
	if err := s.purge(); err != nil {
		return err
	}
	s.advanceWatermark(msgs)
	return nil
}

// openFolders opens the local cache read-write and the remote folder
// read-only. A special folder (Trash/Sent/Drafts) missing remotely is
// created on demand; when creation fails the sync ends quietly with
// s.remoteF left nil.
func (s *folderSync) openFolders() error {
	local, err := s.backend.Local.Folder(s.folder)
	if err != nil {
		return err
	}
	if err := local.Open(s.c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	s.local = local

	dates, err := local.AllMessagesAndEffectiveDates(s.c.ctx)
	if err != nil {
		return err
	}
	s.localDates = dates

	remoteF, err := s.backend.Remote.GetFolder(s.folder)
	if err != nil {
		return err
	}
	if s.account.IsSpecialFolder(s.folder) {
		exists, err := remoteF.Exists(s.c.ctx)
		if err != nil {
			return err
		}
		if !exists {
			if err := remoteF.Create(s.c.ctx); err != nil {
				s.logger.Info().Err(err).Msg("special folder absent remotely and could not be created")
				return nil
			}
		}
	}
	if err := remoteF.Open(s.c.ctx, remote.OpenReadOnly); err != nil {
		return err
	}
	s.remoteF = remoteF
	return nil
}

// window fetches envelope handles for the newest visibleLimit messages
// (all of them when no limit is set), excluding messages older than the
// account's poll cutoff, and refreshes the more-messages tri-state.
func (s *folderSync) window() ([]*model.Message, error) {
	count, err := s.remoteF.MessageCount(s.c.ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if err := s.local.SetMoreMessages(s.c.ctx, model.MoreMessagesFalse); err != nil {
			return nil, err
		}
		return nil, nil
	}

	settings, err := s.local.Settings(s.c.ctx)
	if err != nil {
		return nil, err
	}
	start := 1
	if settings.VisibleLimit > 0 && count > settings.VisibleLimit {
		start = count - settings.VisibleLimit + 1
	}

	s.c.publish(Event{Kind: EventSyncHeadersStarted, Account: s.account, Folder: s.folder}, s.listener)
	msgs, err := s.remoteF.Messages(s.c.ctx, start, count, s.earliest)
	if err != nil {
		return nil, err
	}
	s.c.publish(Event{
		Kind: EventSyncHeadersFinished, Account: s.account, Folder: s.folder,
		Completed: len(msgs), Total: len(msgs),
	}, s.listener)

	more := model.MoreMessagesFalse
	if start > 1 {
		more = model.MoreMessagesTrue
	}
	if err := s.local.SetMoreMessages(s.c.ctx, more); err != nil {
		return nil, err
	}
	return msgs, nil
}

// diff retains remote messages already cached with a timestamp inside
// the poll window and queues the rest for per-message evaluation.
func (s *folderSync) diff(msgs []*model.Message) {
	s.remoteByUID = make(map[string]*model.Message, len(msgs))
	for _, msg := range msgs {
		s.remoteByUID[msg.UID] = msg
		if ts, ok := s.localDates[msg.UID]; ok {
			if s.earliest.IsZero() || !ts.Before(s.earliest) {
				s.toFlagSync = append(s.toFlagSync, msg)
				continue
			}
		}
		s.toEvaluate = append(s.toEvaluate, msg)
	}
}

// reconcileDeletions destroys local messages that vanished from the
// remote working set, when the account opts into syncing deletions.
// Local-only messages are never touched; they have no remote
// counterpart yet.
func (s *folderSync) reconcileDeletions() error {
	if !s.account.SyncRemoteDeletions {
		return nil
	}
	var gone []string
	for uid := range s.localDates {
		if model.IsLocalUID(uid) {
			continue
		}
		if _, ok := s.remoteByUID[uid]; !ok {
			gone = append(gone, uid)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	// The deletion horizon may have moved; force a follow-up probe.
	if err := s.local.SetMoreMessages(s.c.ctx, model.MoreMessagesUnknown); err != nil {
		return err
	}
	if err := s.local.DestroyMessages(s.c.ctx, gone); err != nil {
		return err
	}
	for _, uid := range gone {
		s.c.publish(Event{
			Kind: EventSyncRemovedMessage, Account: s.account, Folder: s.folder, UID: uid,
		}, s.listener)
	}
	return nil
}

// classify runs the download evaluation over every unsynced remote
// message and splits the set into content downloads and flag syncs.
func (s *folderSync) classify() error {
	for _, msg := range s.toEvaluate {
		local, err := s.local.Message(s.c.ctx, msg.UID)
		if err != nil {
			return err
		}
		switch {
		case msg.IsSet(model.FlagDeleted):
			// Deleted remotely: flag-sync only, never download.
			s.toFlagSync = append(s.toFlagSync, msg)
		case local == nil && !msg.IsSet(model.FlagDownloadedFull) && !msg.IsSet(model.FlagDownloadedPartial):
			s.toDownload = append(s.toDownload, msg)
		case local == nil:
			// Absent locally but the store already carries content flags;
			// adopt it as-is.
			if err := s.local.AppendMessages(s.c.ctx, []*model.Message{msg}); err != nil {
				return err
			}
			s.recordNewMessage(msg)
		case local.IsSet(model.FlagDeleted):
			// Locally deleted messages are never re-downloaded.
		default:
			s.toFlagSync = append(s.toFlagSync, msg)
		}
	}
	return nil
}

// download fetches content for the classified messages, splitting by the
// account's auto-download threshold: small messages in one full fetch,
// large ones structure-first with only text parts fetched eagerly.
func (s *folderSync) download() error {
	if len(s.toDownload) == 0 {
		return nil
	}
	var small, large []*model.Message
	threshold := s.account.MaximumAutoDownloadSize
	for _, msg := range s.toDownload {
		if threshold > 0 && msg.Size > threshold {
			large = append(large, msg)
		} else {
			small = append(small, msg)
		}
	}
	if err := s.downloadSmall(small); err != nil {
		return err
	}
	return s.downloadLarge(large)
}

func (s *folderSync) downloadSmall(msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	profile := remote.FetchProfile{Envelope: true, Flags: true, Body: true}
	err := s.remoteF.Fetch(s.c.ctx, msgs, profile, func(completed, total int, msg *model.Message) {
		s.c.publish(Event{
			Kind: EventSyncProgress, Account: s.account, Folder: s.folder,
			Completed: completed, Total: total,
		}, s.listener)
	})
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		msg.SetFlag(model.FlagDownloadedFull, true)
		if err := s.local.AppendMessages(s.c.ctx, []*model.Message{msg}); err != nil {
			return err
		}
		s.recordNewMessage(msg)
	}
	return nil
}

func (s *folderSync) downloadLarge(msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	profile := remote.FetchProfile{Envelope: true, Flags: true, Structure: true}
	if err := s.remoteF.Fetch(s.c.ctx, msgs, profile, nil); err != nil {
		return err
	}
	for _, msg := range msgs {
		complete := true
		for i := range msg.Parts {
			part := &msg.Parts[i]
			if !part.IsText() {
				// Non-text parts are fetched on demand via LoadAttachment.
				complete = false
				continue
			}
			if err := s.remoteF.FetchPart(s.c.ctx, msg, part); err != nil {
				return err
			}
		}
		if complete {
			msg.SetFlag(model.FlagDownloadedFull, true)
		} else {
			msg.SetFlag(model.FlagDownloadedPartial, true)
		}
		if err := s.local.AppendMessages(s.c.ctx, []*model.Message{msg}); err != nil {
			return err
		}
		s.recordNewMessage(msg)
	}
	return nil
}

// recordNewMessage publishes the new-message event and, when the
// notification policy allows, raises a new-mail notification and
// advances the folder's last-notified watermark.
func (s *folderSync) recordNewMessage(msg *model.Message) {
	s.newMessages++
	s.c.publish(Event{
		Kind: EventSyncNewMessage, Account: s.account, Folder: s.folder,
		Message: msg, UID: msg.UID,
	}, s.listener)

	if msg.IsSet(model.FlagSeen) {
		return
	}
	if !s.c.shouldNotifyForMessage(s.c.ctx, s.account, s.local, msg) {
		return
	}
	s.c.notifier.ShowNewMail(s.account, msg)
	if uid, ok := numericUID(msg.UID); ok {
		if last, err := s.local.LastNotifiedUID(s.c.ctx); err == nil && uid > last {
			if err := s.local.SetLastNotifiedUID(s.c.ctx, uid); err != nil {
				s.logger.Warn().Err(err).Msg("cannot advance last notified uid")
			}
		}
	}
}

// flagSync reconciles flags on messages that were not freshly
// downloaded. Messages that become deleted emit removal events instead
// of change events and have any standing notification retracted.
func (s *folderSync) flagSync() error {
	var fetchable []*model.Message
	for _, msg := range s.toFlagSync {
		if !msg.IsSet(model.FlagDeleted) {
			fetchable = append(fetchable, msg)
		}
	}
	if len(fetchable) > 0 {
		if err := s.remoteF.Fetch(s.c.ctx, fetchable, remote.FetchProfile{Flags: true}, nil); err != nil {
			return err
		}
	}
	for _, msg := range s.toFlagSync {
		local, err := s.local.Message(s.c.ctx, msg.UID)
		if err != nil {
			return err
		}
		changed := syncFlags(local, msg, s.account)
		if !changed {
			continue
		}
		if err := s.local.UpdateMessage(s.c.ctx, local); err != nil {
			return err
		}
		if local.IsSet(model.FlagDeleted) {
			s.c.publish(Event{
				Kind: EventSyncRemovedMessage, Account: s.account, Folder: s.folder, UID: local.UID,
			}, s.listener)
			s.c.notifier.ClearNewMail(s.account)
			continue
		}
		s.c.publish(Event{
			Kind: EventSyncFlagChanged, Account: s.account, Folder: s.folder,
			Message: local, UID: local.UID,
		}, s.listener)
	}
	return nil
}

// syncFlags applies the remote flag state onto the local message.
// Reports whether anything changed.
func syncFlags(local, remoteMsg *model.Message, account *model.Account) bool {
	if local == nil || local.IsSet(model.FlagDeleted) {
		return false
	}
	if remoteMsg.IsSet(model.FlagDeleted) {
		if account.SyncRemoteDeletions {
			local.SetFlag(model.FlagDeleted, true)
			return true
		}
		return false
	}
	changed := false
	for _, flag := range model.SyncFlags {
		if remoteMsg.IsSet(flag) != local.IsSet(flag) {
			local.SetFlag(flag, remoteMsg.IsSet(flag))
			changed = true
		}
	}
	return changed
}

// purge destroys local messages beyond the folder's visible limit.
func (s *folderSync) purge() error {
	overflow, err := s.local.MessagesBeyondVisibleLimit(s.c.ctx)
	if err != nil {
		return err
	}
	if len(overflow) == 0 {
		return nil
	}
	uids := make([]string, 0, len(overflow))
	for _, msg := range overflow {
		uids = append(uids, msg.UID)
	}
	if err := s.local.DestroyMessages(s.c.ctx, uids); err != nil {
		return err
	}
	for _, uid := range uids {
		s.c.publish(Event{
			Kind: EventSyncRemovedMessage, Account: s.account, Folder: s.folder, UID: uid,
		}, s.listener)
	}
	return nil
}

// advanceWatermark moves the account's oldest-old-message watermark when
// the window surfaced a message older than the poll cutoff. The
// watermark bounds notification suppression for POP3 accounts.
func (s *folderSync) advanceWatermark(msgs []*model.Message) {
	if s.earliest.IsZero() {
		return
	}
	var oldest time.Time
	for _, msg := range msgs {
		d := msg.EffectiveDate()
		if d.IsZero() {
			continue
		}
		if oldest.IsZero() || d.Before(oldest) {
			oldest = d
		}
	}
	if !oldest.IsZero() && oldest.Before(s.earliest) {
		s.account.AdvanceLatestOldMessageSeen(oldest)
	}
}

// finalize records the pass outcome on the folder: a nil status on
// success, the replay failure's root cause otherwise, plus the
// last-checked timestamp. It runs on every path out of a sync.
func (s *folderSync) finalize(commandErr error) {
	if s.local == nil {
		return
	}
	status := ""
	if commandErr != nil {
		status = remote.RootCauseMessage(commandErr)
	}
	if err := s.local.SetStatus(s.c.ctx, status); err != nil {
		s.logger.Warn().Err(err).Msg("cannot record folder status")
	}
	if err := s.local.SetLastChecked(s.c.ctx, s.c.now()); err != nil {
		s.logger.Warn().Err(err).Msg("cannot record folder check time")
	}
	s.c.publish(Event{Kind: EventFolderStatusChanged, Account: s.account, Folder: s.folder}, s.listener)
}
