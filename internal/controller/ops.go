package controller

import (
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// SetFlag applies a flag mutation locally at once and queues the remote
// counterpart as a pending command.
func (c *Controller) SetFlag(account *model.Account, folderName string, uids []string, flag model.Flag, value bool) {
	c.putBackground(fmt.Sprintf("setFlag:%s:%s", account.Name, folderName), nil, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		if err := c.setFlagSynchronous(account, backend, folderName, uids, flag, value); err != nil {
			return err
		}
		return c.processPendingLogged(account, backend)
	})
}

func (c *Controller) setFlagSynchronous(account *model.Account, backend Backend, folderName string, uids []string, flag model.Flag, value bool) error {
	folder, err := backend.Local.Folder(folderName)
	if err != nil {
		return err
	}
	if err := folder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer folder.Close()

	if err := folder.SetFlags(c.ctx, uids, []model.Flag{flag}, value); err != nil {
		return err
	}
	c.publish(Event{Kind: EventFolderStatusChanged, Account: account, Folder: folderName}, nil)

	// The outbox has no remote counterpart, and internal flags never
	// leave the device.
	if folderName == account.OutboxFolder || flag.IsInternal() {
		return nil
	}
	remoteUIDs := withoutLocalUIDs(uids)
	if len(remoteUIDs) == 0 {
		return nil
	}
	return c.queuePendingCommand(account, backend, commandSetFlag, PendingSetFlag{
		Folder: folderName,
		Flag:   flag,
		Value:  value,
		UIDs:   remoteUIDs,
	})
}

// DeleteMessages disposes of messages according to the account's trash
// configuration and delete policy: moved to Trash when one is
// configured, otherwise flagged deleted in place with the remote
// mutation queued per policy. Outbox messages are destroyed outright.
func (c *Controller) DeleteMessages(account *model.Account, folderName string, uids []string, listener Listener) {
	c.putBackground(fmt.Sprintf("deleteMessages:%s:%s", account.Name, folderName), listener, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		if err := c.deleteMessagesSynchronous(account, backend, folderName, uids, listener); err != nil {
			return err
		}
		return c.processPendingLogged(account, backend)
	})
}

func (c *Controller) deleteMessagesSynchronous(account *model.Account, backend Backend, folderName string, uids []string, listener Listener) error {
	folder, err := backend.Local.Folder(folderName)
	if err != nil {
		return err
	}
	if err := folder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer folder.Close()

	if folderName == account.OutboxFolder {
		// Never-sent messages simply disappear; the send pass also skips
		// anything already flagged deleted.
		for _, uid := range uids {
			c.clearSendCount(account, uid)
		}
		if err := folder.DestroyMessages(c.ctx, uids); err != nil {
			return err
		}
		c.publishRemovals(account, folderName, uids, listener)
		return nil
	}

	moveToTrash := account.HasTrashFolder() && folderName != account.TrashFolder
	if !moveToTrash {
		// No trash (or already in it): messages that never reached the
		// server simply vanish, the rest are flagged deleted in place.
		localUIDs, remoteUIDs := splitLocalUIDs(uids)
		if len(localUIDs) > 0 {
			if err := folder.DestroyMessages(c.ctx, localUIDs); err != nil {
				return err
			}
		}
		if len(remoteUIDs) > 0 {
			if err := folder.SetFlags(c.ctx, remoteUIDs, []model.Flag{model.FlagDeleted}, true); err != nil {
				return err
			}
		}
		c.publishRemovals(account, folderName, uids, listener)

		if len(remoteUIDs) == 0 {
			return nil
		}
		switch account.DeletePolicy {
		case model.DeletePolicyOnDelete:
			return c.queuePendingCommand(account, backend, commandSetFlag, PendingSetFlag{
				Folder: folderName, Flag: model.FlagDeleted, Value: true, UIDs: remoteUIDs,
			})
		case model.DeletePolicyMarkAsRead:
			// The server copies stay; they just stop counting as unread.
			return c.queuePendingCommand(account, backend, commandSetFlag, PendingSetFlag{
				Folder: folderName, Flag: model.FlagSeen, Value: true, UIDs: remoteUIDs,
			})
		default:
			c.logger.Debug().
				Str("account", account.Name).
				Str("policy", string(account.DeletePolicy)).
				Msg("delete policy keeps server copies")
			return nil
		}
	}

	trash, err := backend.Local.Folder(account.TrashFolder)
	if err != nil {
		return err
	}
	if err := trash.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer trash.Close()

	uidMap, err := folder.MoveMessages(c.ctx, uids, trash)
	if err != nil {
		return err
	}
	c.publishRemovals(account, folderName, uids, listener)
	c.publish(Event{Kind: EventFolderStatusChanged, Account: account, Folder: account.TrashFolder}, listener)

	switch account.DeletePolicy {
	case model.DeletePolicyOnDelete:
		remoteMap := make(map[string]string, len(uidMap))
		for oldUID, newUID := range uidMap {
			if !model.IsLocalUID(oldUID) {
				remoteMap[oldUID] = newUID
			}
		}
		if len(remoteMap) == 0 {
			return nil
		}
		return c.queuePendingCommand(account, backend, commandMoveOrCopy, PendingMoveOrCopy{
			Src:    folderName,
			Dest:   account.TrashFolder,
			IsCopy: false,
			UIDMap: remoteMap,
		})
	case model.DeletePolicyMarkAsRead:
		remoteUIDs := withoutLocalUIDs(uids)
		if len(remoteUIDs) == 0 {
			return nil
		}
		// The server copies stay in the source folder, marked read.
		return c.queuePendingCommand(account, backend, commandSetFlag, PendingSetFlag{
			Folder: folderName, Flag: model.FlagSeen, Value: true, UIDs: remoteUIDs,
		})
	default:
		c.logger.Debug().
			Str("account", account.Name).
			Str("policy", string(account.DeletePolicy)).
			Msg("delete policy keeps server copies")
		return nil
	}
}

// MoveMessages relocates messages between folders, locally at once and
// remotely through the pending log. Refused when the remote store
// cannot move.
func (c *Controller) MoveMessages(account *model.Account, srcFolder string, uids []string, destFolder string, listener Listener) {
	c.moveOrCopy(account, srcFolder, uids, destFolder, false, listener)
}

// CopyMessages duplicates messages into another folder; same discipline
// as MoveMessages.
func (c *Controller) CopyMessages(account *model.Account, srcFolder string, uids []string, destFolder string, listener Listener) {
	c.moveOrCopy(account, srcFolder, uids, destFolder, true, listener)
}

func (c *Controller) moveOrCopy(account *model.Account, srcFolder string, uids []string, destFolder string, isCopy bool, listener Listener) {
	verb := "move"
	if isCopy {
		verb = "copy"
	}
	c.putBackground(fmt.Sprintf("%sMessages:%s:%s", verb, account.Name, srcFolder), listener, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		if isCopy && !backend.Remote.IsCopyCapable() {
			return fmt.Errorf("account %s cannot copy messages remotely", account.Name)
		}
		if !isCopy && !backend.Remote.IsMoveCapable() {
			return fmt.Errorf("account %s cannot move messages remotely", account.Name)
		}
		if err := c.moveOrCopySynchronous(account, backend, srcFolder, uids, destFolder, isCopy, listener); err != nil {
			return err
		}
		return c.processPendingLogged(account, backend)
	})
}

func (c *Controller) moveOrCopySynchronous(account *model.Account, backend Backend, srcFolder string, uids []string, destFolder string, isCopy bool, listener Listener) error {
	src, err := backend.Local.Folder(srcFolder)
	if err != nil {
		return err
	}
	if err := src.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer src.Close()

	dest, err := backend.Local.Folder(destFolder)
	if err != nil {
		return err
	}
	if err := dest.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer dest.Close()

	uidMap := make(map[string]string, len(uids))
	if isCopy {
		for _, uid := range uids {
			msg, err := src.Message(c.ctx, uid)
			if err != nil {
				return err
			}
			if msg == nil {
				continue
			}
			dup := msg.Clone()
			dup.UID = ""
			dup.Folder = destFolder
			if err := dest.AppendMessages(c.ctx, []*model.Message{dup}); err != nil {
				return err
			}
			uidMap[uid] = dup.UID
		}
	} else {
		uidMap, err = src.MoveMessages(c.ctx, uids, dest)
		if err != nil {
			return err
		}
		c.publishRemovals(account, srcFolder, uids, listener)
	}
	c.publish(Event{Kind: EventFolderStatusChanged, Account: account, Folder: destFolder}, listener)

	remoteMap := make(map[string]string, len(uidMap))
	for oldUID, newUID := range uidMap {
		if !model.IsLocalUID(oldUID) {
			remoteMap[oldUID] = newUID
		}
	}
	if len(remoteMap) == 0 {
		return nil
	}
	return c.queuePendingCommand(account, backend, commandMoveOrCopy, PendingMoveOrCopy{
		Src:    srcFolder,
		Dest:   destFolder,
		IsCopy: isCopy,
		UIDMap: remoteMap,
	})
}

// Expunge queues a remote expunge of the folder.
func (c *Controller) Expunge(account *model.Account, folderName string) {
	c.putBackground(fmt.Sprintf("expunge:%s:%s", account.Name, folderName), nil, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		if err := c.queuePendingCommand(account, backend, commandExpunge, PendingExpunge{Folder: folderName}); err != nil {
			return err
		}
		return c.processPendingLogged(account, backend)
	})
}

// MarkAllMessagesRead marks every message in the folder seen, locally at
// once and remotely through the pending log.
func (c *Controller) MarkAllMessagesRead(account *model.Account, folderName string) {
	c.putBackground(fmt.Sprintf("markAllRead:%s:%s", account.Name, folderName), nil, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		folder, err := backend.Local.Folder(folderName)
		if err != nil {
			return err
		}
		if err := folder.Open(c.ctx, remote.OpenReadWrite); err != nil {
			return err
		}
		defer folder.Close()
		if err := folder.SetFlagsForAllMessages(c.ctx, []model.Flag{model.FlagSeen}, true); err != nil {
			return err
		}
		c.publish(Event{Kind: EventFolderStatusChanged, Account: account, Folder: folderName}, nil)
		c.notifier.ClearNewMail(account)

		if err := c.queuePendingCommand(account, backend, commandMarkAllRead, PendingMarkAllRead{Folder: folderName}); err != nil {
			return err
		}
		return c.processPendingLogged(account, backend)
	})
}

// EmptyTrash destroys everything in the local trash and queues the
// remote counterpart.
func (c *Controller) EmptyTrash(account *model.Account, listener Listener) {
	c.putBackground("emptyTrash:"+account.Name, listener, func() error {
		if !account.HasTrashFolder() {
			return nil
		}
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		trash, err := backend.Local.Folder(account.TrashFolder)
		if err != nil {
			return err
		}
		if err := trash.Open(c.ctx, remote.OpenReadWrite); err != nil {
			return err
		}
		defer trash.Close()
		if err := trash.DestroyAllMessages(c.ctx); err != nil {
			return err
		}
		c.publish(Event{Kind: EventFolderStatusChanged, Account: account, Folder: account.TrashFolder}, listener)

		if err := c.queuePendingCommand(account, backend, commandEmptyTrash, PendingEmptyTrash{}); err != nil {
			return err
		}
		return c.processPendingLogged(account, backend)
	})
}

// ClearFolder wipes a folder's local cache without touching the server.
func (c *Controller) ClearFolder(account *model.Account, folderName string, listener Listener) {
	c.putBackground(fmt.Sprintf("clearFolder:%s:%s", account.Name, folderName), listener, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		folder, err := backend.Local.Folder(folderName)
		if err != nil {
			return err
		}
		if err := folder.Open(c.ctx, remote.OpenReadWrite); err != nil {
			return err
		}
		defer folder.Close()
		if err := folder.DestroyAllMessages(c.ctx); err != nil {
			return err
		}
		c.publish(Event{Kind: EventFolderStatusChanged, Account: account, Folder: folderName}, listener)
		return nil
	})
}

// SaveDraft stores a message in the Drafts folder with the identity
// marker set and queues its upload.
func (c *Controller) SaveDraft(account *model.Account, msg *model.Message) {
	c.put("saveDraft:"+account.Name, nil, func() error {
		if !account.HasDraftsFolder() {
			return fmt.Errorf("account %s has no drafts folder", account.Name)
		}
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		drafts, err := backend.Local.Folder(account.DraftsFolder)
		if err != nil {
			return err
		}
		if err := drafts.Open(c.ctx, remote.OpenReadWrite); err != nil {
			return err
		}
		defer drafts.Close()

		if msg.Headers == nil {
			msg.Headers = make(map[string]string)
		}
		msg.Headers[model.IdentityHeader] = account.UUID
		msg.Folder = account.DraftsFolder
		msg.UID = ""
		if err := drafts.AppendMessages(c.ctx, []*model.Message{msg}); err != nil {
			return err
		}
		c.publish(Event{Kind: EventFolderStatusChanged, Account: account, Folder: account.DraftsFolder}, nil)

		if err := c.queuePendingCommand(account, backend, commandAppend, PendingAppend{
			Folder: account.DraftsFolder,
			UID:    msg.UID,
		}); err != nil {
			return err
		}
		return c.processPendingLogged(account, backend)
	})
}

// SendMessage places a composed message in the outbox and triggers a
// delivery pass.
func (c *Controller) SendMessage(account *model.Account, msg *model.Message, listener Listener) {
	c.put("sendMessage:"+account.Name, listener, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		outbox, err := backend.Local.Folder(account.OutboxFolder)
		if err != nil {
			return err
		}
		if err := outbox.Open(c.ctx, remote.OpenReadWrite); err != nil {
			return err
		}
		defer outbox.Close()

		msg.Folder = account.OutboxFolder
		msg.UID = ""
		if err := outbox.AppendMessages(c.ctx, []*model.Message{msg}); err != nil {
			return err
		}
		c.SendPendingMessages(account, listener)
		return nil
	})
}

// LoadMessageRemote downloads the full content of one message the user
// is waiting on. Foreground priority.
func (c *Controller) LoadMessageRemote(account *model.Account, folderName, uid string, listener Listener) {
	c.put(fmt.Sprintf("loadMessageRemote:%s:%s:%s", account.Name, folderName, uid), listener, func() error {
		c.publish(Event{Kind: EventLoadMessageStarted, Account: account, Folder: folderName, UID: uid}, listener)

		msg, err := c.loadMessageRemoteSynchronous(account, folderName, uid)
		if err != nil {
			c.publish(Event{
				Kind: EventLoadMessageFailed, Account: account, Folder: folderName, UID: uid,
				Err: fmt.Errorf("%s", remote.RootCauseMessage(err)),
			}, listener)
			return nil
		}
		c.publish(Event{
			Kind: EventLoadMessageFinished, Account: account, Folder: folderName,
			UID: uid, Message: msg,
		}, listener)
		return nil
	})
}

func (c *Controller) loadMessageRemoteSynchronous(account *model.Account, folderName, uid string) (*model.Message, error) {
	if model.IsLocalUID(uid) {
		return nil, fmt.Errorf("message %s has not been uploaded yet", uid)
	}
	backend, err := c.backend(account)
	if err != nil {
		return nil, err
	}
	local, err := backend.Local.Folder(folderName)
	if err != nil {
		return nil, err
	}
	if err := local.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return nil, err
	}
	defer local.Close()

	remoteFolder, err := backend.Remote.GetFolder(folderName)
	if err != nil {
		return nil, err
	}
	if err := remoteFolder.Open(c.ctx, remote.OpenReadOnly); err != nil {
		return nil, err
	}
	defer remoteFolder.Close()

	msg := &model.Message{UID: uid, Folder: folderName, Flags: model.NewFlagSet()}
	profile := remote.FetchProfile{Envelope: true, Flags: true, Body: true}
	if err := remoteFolder.Fetch(c.ctx, []*model.Message{msg}, profile, nil); err != nil {
		return nil, err
	}
	msg.SetFlag(model.FlagDownloadedFull, true)
	if err := local.AppendMessages(c.ctx, []*model.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// LoadAttachment downloads a single MIME part on demand. Foreground
// priority.
func (c *Controller) LoadAttachment(account *model.Account, folderName, uid, partPath string, listener Listener) {
	c.put(fmt.Sprintf("loadAttachment:%s:%s:%s", account.Name, folderName, uid), listener, func() error {
		c.publish(Event{Kind: EventLoadAttachmentStarted, Account: account, Folder: folderName, UID: uid}, listener)

		err := c.loadAttachmentSynchronous(account, folderName, uid, partPath)
		if err != nil {
			c.publish(Event{
				Kind: EventLoadAttachmentFailed, Account: account, Folder: folderName, UID: uid,
				Err: fmt.Errorf("%s", remote.RootCauseMessage(err)),
			}, listener)
			return nil
		}
		c.publish(Event{Kind: EventLoadAttachmentFinished, Account: account, Folder: folderName, UID: uid}, listener)
		return nil
	})
}

func (c *Controller) loadAttachmentSynchronous(account *model.Account, folderName, uid, partPath string) error {
	backend, err := c.backend(account)
	if err != nil {
		return err
	}
	local, err := backend.Local.Folder(folderName)
	if err != nil {
		return err
	}
	if err := local.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer local.Close()

	msg, err := local.Message(c.ctx, uid)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not found in %s", uid, folderName)
	}
	if model.IsLocalUID(msg.UID) {
		return fmt.Errorf("message %s has not been uploaded yet", uid)
	}
	var part *model.Part
	for i := range msg.Parts {
		if msg.Parts[i].Path == partPath {
			part = &msg.Parts[i]
			break
		}
	}
	if part == nil {
		return fmt.Errorf("message %s has no part %s", uid, partPath)
	}
	if part.Downloaded {
		return nil
	}

	remoteFolder, err := backend.Remote.GetFolder(folderName)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(c.ctx, remote.OpenReadOnly); err != nil {
		return err
	}
	defer remoteFolder.Close()

	if err := remoteFolder.FetchPart(c.ctx, msg, part); err != nil {
		return err
	}
	part.Downloaded = true
	return local.UpdateMessage(c.ctx, msg)
}

// processPendingLogged replays the pending log, letting storage
// unavailability bubble up for the dispatch-level requeue and demoting
// everything else to a log line: later replays retry it.
func (c *Controller) processPendingLogged(account *model.Account, backend Backend) error {
	err := c.processPendingCommands(account, backend, nil)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrStorageUnavailable) {
		return err
	}
	c.logger.Warn().Str("account", account.Name).Err(err).Msg("pending command replay halted")
	return nil
}

func (c *Controller) publishRemovals(account *model.Account, folderName string, uids []string, listener Listener) {
	for _, uid := range uids {
		c.publish(Event{
			Kind: EventSyncRemovedMessage, Account: account, Folder: folderName, UID: uid,
		}, listener)
	}
}

func splitLocalUIDs(uids []string) (localUIDs, remoteUIDs []string) {
	for _, uid := range uids {
		if model.IsLocalUID(uid) {
			localUIDs = append(localUIDs, uid)
		} else {
			remoteUIDs = append(remoteUIDs, uid)
		}
	}
	return localUIDs, remoteUIDs
}

func withoutLocalUIDs(uids []string) []string {
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if !model.IsLocalUID(uid) {
			out = append(out, uid)
		}
	}
	return out
}
