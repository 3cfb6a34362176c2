package controller

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// Pending command names as persisted in the command log.
const (
	commandAppend      = "append"
	commandMoveOrCopy  = "move_or_copy"
	commandSetFlag     = "set_flag"
	commandExpunge     = "expunge"
	commandMarkAllRead = "mark_all_read"
	commandEmptyTrash  = "empty_trash"
)

// errInvalidCommand marks a pending command that can never succeed
// (malformed payload, nonsense arguments). Such commands are dropped
// from the log instead of halting replay.
var errInvalidCommand = errors.New("invalid pending command")

// PendingAppend uploads a locally created message (draft save, sent
// copy, trash move target) to the remote folder.
type PendingAppend struct {
	Folder string `json:"folder"`
	UID    string `json:"uid"`
}

// PendingMoveOrCopy replays a local move or copy against the server.
// UIDMap maps source UIDs to the local UIDs assigned in the destination
// folder, so server-assigned UIDs can be folded back in.
type PendingMoveOrCopy struct {
	Src    string            `json:"src"`
	Dest   string            `json:"dest"`
	IsCopy bool              `json:"is_copy"`
	UIDMap map[string]string `json:"uid_map"`
}

// PendingSetFlag replays a flag mutation against the server.
type PendingSetFlag struct {
	Folder string     `json:"folder"`
	Flag   model.Flag `json:"flag"`
	Value  bool       `json:"value"`
	UIDs   []string   `json:"uids"`
}

// PendingExpunge expunges deleted messages from a remote folder.
type PendingExpunge struct {
	Folder string `json:"folder"`
}

// PendingMarkAllRead marks every message in a remote folder seen.
type PendingMarkAllRead struct {
	Folder string `json:"folder"`
}

// PendingEmptyTrash deletes and expunges everything in the remote trash.
type PendingEmptyTrash struct{}

// queuePendingCommand appends one command to the account's durable log.
func (c *Controller) queuePendingCommand(account *model.Account, backend Backend, name string, payload any) error {
	if err := backend.Local.AddPendingCommand(c.ctx, name, payload); err != nil {
		return fmt.Errorf("queueing %s command for %s: %w", name, account.Name, err)
	}
	return nil
}

// processPendingCommands replays the account's command log in order.
// Success and permanent failure remove a command; a malformed command is
// dropped as poison; a transient failure halts replay so that later
// commands never apply ahead of an earlier retryable one. An empty log
// returns immediately without firing any events.
func (c *Controller) processPendingCommands(account *model.Account, backend Backend, listener Listener) error {
	commands, err := backend.Local.PendingCommands(c.ctx)
	if err != nil {
		return fmt.Errorf("reading pending commands for %s: %w", account.Name, err)
	}
	if len(commands) == 0 {
		return nil
	}

	c.publish(Event{Kind: EventPendingCommandsStarted, Account: account}, listener)
	defer c.publish(Event{Kind: EventPendingCommandsFinished, Account: account}, listener)

	for _, cmd := range commands {
		c.publish(Event{Kind: EventPendingCommandStarted, Account: account, Command: cmd.Name}, listener)

		err := c.processPendingCommand(account, backend, cmd)
		switch {
		case err == nil:
			// fall through to removal
		case errors.Is(err, errInvalidCommand):
			// Poison discard: the command can never succeed, so keeping
			// it would wedge the log forever.
			c.logger.Warn().
				Str("account", account.Name).
				Str("command", cmd.Name).
				Err(err).
				Msg("dropping unprocessable pending command")
		case remote.IsPermanent(err):
			c.logger.Warn().
				Str("account", account.Name).
				Str("command", cmd.Name).
				Err(err).
				Msg("pending command failed permanently")
		default:
			// Transient: leave this and all later commands queued.
			return fmt.Errorf("processing pending command %s: %w", cmd.Name, err)
		}

		if err := backend.Local.RemovePendingCommand(c.ctx, cmd.ID); err != nil {
			return fmt.Errorf("removing pending command %d: %w", cmd.ID, err)
		}
		c.publish(Event{Kind: EventPendingCommandCompleted, Account: account, Command: cmd.Name}, listener)
	}
	return nil
}

func (c *Controller) processPendingCommand(account *model.Account, backend Backend, cmd store.PendingCommand) error {
	switch cmd.Name {
	case commandAppend:
		var p PendingAppend
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return c.processPendingAppend(account, backend, p)
	case commandMoveOrCopy:
		var p PendingMoveOrCopy
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return c.processPendingMoveOrCopy(account, backend, p)
	case commandSetFlag:
		var p PendingSetFlag
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return c.processPendingSetFlag(account, backend, p)
	case commandExpunge:
		var p PendingExpunge
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return c.processPendingExpunge(account, backend, p)
	case commandMarkAllRead:
		var p PendingMarkAllRead
		if err := decodePayload(cmd.Payload, &p); err != nil {
			return err
		}
		return c.processPendingMarkAllRead(account, backend, p)
	case commandEmptyTrash:
		return c.processPendingEmptyTrash(account, backend)
	default:
		return fmt.Errorf("%w: unknown command %q", errInvalidCommand, cmd.Name)
	}
}

func decodePayload(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	return nil
}

// processPendingAppend uploads one local message. The append may already
// have run before a crash, so the message's remote copy is probed first
// (by UID when the message already carries a server UID, otherwise by
// Message-ID when a previous attempt got as far as starting the copy) and
// the newer side wins.
func (c *Controller) processPendingAppend(account *model.Account, backend Backend, p PendingAppend) error {
	if p.Folder == "" || p.UID == "" {
		return fmt.Errorf("%w: append needs folder and uid", errInvalidCommand)
	}

	localFolder, err := backend.Local.Folder(p.Folder)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	if err := localFolder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer localFolder.Close()

	msg, err := localFolder.Message(c.ctx, p.UID)
	if err != nil {
		return err
	}
	if msg == nil || msg.IsSet(model.FlagDestroyed) {
		// The message went away while the command was queued.
		return nil
	}

	remoteFolder, err := backend.Remote.GetFolder(p.Folder)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer remoteFolder.Close()

	exists, err := remoteFolder.Exists(c.ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := remoteFolder.Create(c.ctx); err != nil {
			// Cannot establish the target folder; nothing to upload into.
			return nil
		}
	}

	remoteUID := ""
	if !model.IsLocalUID(msg.UID) {
		remoteUID = msg.UID
	} else if msg.IsSet(model.FlagRemoteCopyStarted) && msg.MessageID != "" {
		remoteUID, err = remoteFolder.UIDFromMessageID(c.ctx, msg.MessageID)
		if err != nil {
			return err
		}
	}

	if remoteUID == "" {
		return c.uploadMessage(account, localFolder, remoteFolder, msg)
	}

	// A remote copy may exist; compare dates and keep the newer side.
	probe := &model.Message{UID: remoteUID, Folder: p.Folder, Flags: model.NewFlagSet()}
	if err := remoteFolder.Fetch(c.ctx, []*model.Message{probe}, remote.FetchProfile{Envelope: true, Flags: true}, nil); err != nil {
		return err
	}
	if !probe.InternalDate.IsZero() && probe.InternalDate.After(msg.EffectiveDate()) {
		// The remote copy is newer; discard the stale local one. The next
		// sync downloads the remote version.
		return localFolder.DestroyMessages(c.ctx, []string{msg.UID})
	}

	if err := c.uploadMessage(account, localFolder, remoteFolder, msg); err != nil {
		return err
	}
	if !probe.InternalDate.IsZero() {
		// Retire the superseded remote copy.
		if err := remoteFolder.SetFlags(c.ctx, []string{remoteUID}, []model.Flag{model.FlagDeleted}, true); err != nil {
			return err
		}
		if account.ExpungePolicy == model.ExpungeImmediately {
			if err := remoteFolder.ExpungeUIDs(c.ctx, []string{remoteUID}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) uploadMessage(account *model.Account, localFolder store.LocalFolder, remoteFolder remote.Folder, msg *model.Message) error {
	// Marking the copy as started before the upload lets a post-crash
	// replay find a half-finished append through the Message-ID probe.
	msg.SetFlag(model.FlagRemoteCopyStarted, true)
	if err := localFolder.SetFlags(c.ctx, []string{msg.UID}, []model.Flag{model.FlagRemoteCopyStarted}, true); err != nil {
		return err
	}

	oldUID := msg.UID
	newUID, err := remoteFolder.Append(c.ctx, msg)
	if err != nil {
		return err
	}
	if newUID == "" || newUID == oldUID {
		return nil
	}
	if err := localFolder.ChangeUID(c.ctx, oldUID, newUID); err != nil {
		return err
	}
	c.publish(Event{
		Kind:    EventMessageUIDChanged,
		Account: account,
		Folder:  localFolder.Name(),
		UID:     oldUID,
		NewUID:  newUID,
	}, nil)
	return nil
}

func (c *Controller) processPendingMoveOrCopy(account *model.Account, backend Backend, p PendingMoveOrCopy) error {
	if p.Src == "" || p.Dest == "" || len(p.UIDMap) == 0 {
		return fmt.Errorf("%w: move/copy needs src, dest and uids", errInvalidCommand)
	}

	// Local-only UIDs were never uploaded; an Append command handles them
	// separately and they must not reach the server.
	uids := make([]string, 0, len(p.UIDMap))
	for uid := range p.UIDMap {
		if !model.IsLocalUID(uid) {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil
	}

	srcFolder, err := backend.Remote.GetFolder(p.Src)
	if err != nil {
		return err
	}
	if err := srcFolder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer srcFolder.Close()

	exists, err := srcFolder.Exists(c.ctx)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	destFolder, err := backend.Remote.GetFolder(p.Dest)
	if err != nil {
		return err
	}

	var serverMap map[string]string
	if p.IsCopy {
		serverMap, err = srcFolder.CopyMessages(c.ctx, uids, destFolder)
	} else {
		serverMap, err = srcFolder.MoveMessages(c.ctx, uids, destFolder)
	}
	if err != nil {
		return err
	}

	if !p.IsCopy && account.ExpungePolicy == model.ExpungeImmediately {
		if err := srcFolder.ExpungeUIDs(c.ctx, uids); err != nil {
			c.logger.Warn().Str("folder", p.Src).Err(err).Msg("expunge after move failed")
		}
	}

	// Fold server-assigned destination UIDs back into the local cache.
	if p.IsCopy || len(serverMap) == 0 {
		return nil
	}
	localDest, err := backend.Local.Folder(p.Dest)
	if err != nil {
		return nil
	}
	if err := localDest.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return nil
	}
	defer localDest.Close()
	for srcUID, localUID := range p.UIDMap {
		newUID, ok := serverMap[srcUID]
		if !ok || localUID == "" || newUID == localUID {
			continue
		}
		if err := localDest.ChangeUID(c.ctx, localUID, newUID); err != nil {
			return err
		}
		c.publish(Event{
			Kind:    EventMessageUIDChanged,
			Account: account,
			Folder:  p.Dest,
			UID:     localUID,
			NewUID:  newUID,
		}, nil)
	}
	return nil
}

func (c *Controller) processPendingSetFlag(account *model.Account, backend Backend, p PendingSetFlag) error {
	if p.Folder == "" || p.Flag == "" || len(p.UIDs) == 0 {
		return fmt.Errorf("%w: set-flag needs folder, flag and uids", errInvalidCommand)
	}

	uids := make([]string, 0, len(p.UIDs))
	for _, uid := range p.UIDs {
		if !model.IsLocalUID(uid) {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil
	}

	remoteFolder, err := backend.Remote.GetFolder(p.Folder)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer remoteFolder.Close()

	exists, err := remoteFolder.Exists(c.ctx)
	if err != nil {
		return err
	}
	if !exists || !remoteFolder.IsFlagSupported(p.Flag) {
		return nil
	}
	if err := remoteFolder.SetFlags(c.ctx, uids, []model.Flag{p.Flag}, p.Value); err != nil {
		return err
	}
	if p.Flag == model.FlagDeleted && p.Value && account.ExpungePolicy == model.ExpungeImmediately {
		return remoteFolder.ExpungeUIDs(c.ctx, uids)
	}
	return nil
}

func (c *Controller) processPendingExpunge(_ *model.Account, backend Backend, p PendingExpunge) error {
	if p.Folder == "" {
		return fmt.Errorf("%w: expunge needs a folder", errInvalidCommand)
	}
	remoteFolder, err := backend.Remote.GetFolder(p.Folder)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer remoteFolder.Close()

	exists, err := remoteFolder.Exists(c.ctx)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return remoteFolder.Expunge(c.ctx)
}

func (c *Controller) processPendingMarkAllRead(_ *model.Account, backend Backend, p PendingMarkAllRead) error {
	if p.Folder == "" {
		return fmt.Errorf("%w: mark-all-read needs a folder", errInvalidCommand)
	}
	remoteFolder, err := backend.Remote.GetFolder(p.Folder)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer remoteFolder.Close()

	exists, err := remoteFolder.Exists(c.ctx)
	if err != nil {
		return err
	}
	if !exists || !remoteFolder.IsFlagSupported(model.FlagSeen) {
		return nil
	}
	// nil uids addresses every message in the folder.
	return remoteFolder.SetFlags(c.ctx, nil, []model.Flag{model.FlagSeen}, true)
}

func (c *Controller) processPendingEmptyTrash(account *model.Account, backend Backend) error {
	if !account.HasTrashFolder() {
		return nil
	}
	remoteFolder, err := backend.Remote.GetFolder(account.TrashFolder)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer remoteFolder.Close()

	exists, err := remoteFolder.Exists(c.ctx)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := remoteFolder.SetFlags(c.ctx, nil, []model.Flag{model.FlagDeleted}, true); err != nil {
		return err
	}
	if backend.Remote.IsExpungeCapable() {
		return remoteFolder.Expunge(c.ctx)
	}
	return nil
}
