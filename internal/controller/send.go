package controller

import (
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// incrementSendCount bumps and returns the process-lifetime delivery
// attempt counter for one outbox message. The counter is deliberately
// not persisted: restarting the application gives abandoned messages a
// fresh set of attempts.
func (c *Controller) incrementSendCount(account *model.Account, uid string) int {
	c.sendCountMu.Lock()
	defer c.sendCountMu.Unlock()
	key := account.UUID + "/" + uid
	c.sendCount[key]++
	return c.sendCount[key]
}

func (c *Controller) clearSendCount(account *model.Account, uid string) {
	c.sendCountMu.Lock()
	defer c.sendCountMu.Unlock()
	delete(c.sendCount, account.UUID+"/"+uid)
}

// sendPendingMessages drains the account's outbox through the transport.
// One pass raises at most one send-failed notification no matter how
// many messages failed; a fully clean pass retracts any standing one.
func (c *Controller) sendPendingMessages(account *model.Account, listener Listener) {
	logger := c.logger.With().Str("account", account.Name).Logger()

	backend, err := c.backend(account)
	if err != nil {
		logger.Error().Err(err).Msg("cannot send pending messages")
		return
	}

	outbox, err := backend.Local.Folder(account.OutboxFolder)
	if err != nil {
		logger.Error().Err(err).Msg("cannot resolve outbox")
		return
	}
	if err := outbox.Open(c.ctx, remote.OpenReadWrite); err != nil {
		if errors.Is(err, store.ErrFolderNotFound) {
			return
		}
		logger.Error().Err(err).Msg("cannot open outbox")
		return
	}
	defer outbox.Close()

	msgs, err := outbox.Messages(c.ctx)
	if err != nil {
		logger.Error().Err(err).Msg("cannot list outbox")
		return
	}
	if len(msgs) == 0 {
		return
	}

	c.publish(Event{Kind: EventSendStarted, Account: account, Folder: account.OutboxFolder}, listener)
	c.notifier.ShowSendingMail(account)
	defer c.notifier.ClearSendingMail(account)

	anyFailed := false
	var lastErr error
	for _, msg := range msgs {
		failed, err := c.sendOneMessage(account, backend, outbox, msg, listener)
		if failed {
			anyFailed = true
			if err != nil {
				lastErr = err
			}
		}
	}

	if anyFailed {
		if lastErr == nil {
			lastErr = fmt.Errorf("delivery attempts exhausted")
		}
		c.notifier.ShowSendFailed(account, lastErr)
		c.publish(Event{
			Kind: EventSendFailed, Account: account, Folder: account.OutboxFolder,
			Err: fmt.Errorf("%s", remote.RootCauseMessage(lastErr)),
		}, listener)
		return
	}
	c.notifier.ClearSendFailed(account)
	c.publish(Event{Kind: EventSendCompleted, Account: account, Folder: account.OutboxFolder}, listener)
}

// sendOneMessage attempts delivery of a single outbox message. The
// returned bool reports an unresolved failure counting toward the
// pass-level notification.
func (c *Controller) sendOneMessage(account *model.Account, backend Backend, outbox store.LocalFolder, msg *model.Message, listener Listener) (bool, error) {
	logger := c.logger.With().
		Str("account", account.Name).
		Str("uid", msg.UID).
		Logger()

	// A message deleted while waiting in the outbox is disposed of, not sent.
	if msg.IsSet(model.FlagDeleted) || msg.IsSet(model.FlagDestroyed) {
		c.clearSendCount(account, msg.UID)
		if err := outbox.DestroyMessages(c.ctx, []string{msg.UID}); err != nil {
			logger.Warn().Err(err).Msg("cannot destroy deleted outbox message")
		}
		return false, nil
	}

	// A draft identity marker means Outbox and Drafts share a folder;
	// drafts are never sent.
	if msg.Headers[model.IdentityHeader] != "" {
		return false, nil
	}

	attempts := c.incrementSendCount(account, msg.UID)
	if attempts > account.MaxSendAttempts {
		logger.Warn().Int("attempts", attempts-1).Msg("giving up on outbox message")
		return true, nil
	}

	if err := outbox.SetFlags(c.ctx, []string{msg.UID}, []model.Flag{model.FlagSendInProgress}, true); err != nil {
		return true, err
	}
	sendErr := backend.Transport.SendMessage(c.ctx, msg)
	if err := outbox.SetFlags(c.ctx, []string{msg.UID}, []model.Flag{model.FlagSendInProgress}, false); err != nil {
		logger.Warn().Err(err).Msg("cannot clear in-progress flag")
	}

	if sendErr == nil {
		c.clearSendCount(account, msg.UID)
		if err := outbox.SetFlags(c.ctx, []string{msg.UID}, []model.Flag{model.FlagSeen}, true); err != nil {
			logger.Warn().Err(err).Msg("cannot mark sent message seen")
		}
		if err := c.relocateSentMessage(account, backend, outbox, msg); err != nil {
			logger.Error().Err(err).Msg("sent but could not relocate message")
			return true, err
		}
		logger.Info().Msg("message sent")
		return false, nil
	}

	logger.Error().Err(sendErr).Msg("delivery failed")
	if err := outbox.SetFlags(c.ctx, []string{msg.UID}, []model.Flag{model.FlagSendFailed}, true); err != nil {
		logger.Warn().Err(err).Msg("cannot set send-failed flag")
	}

	switch remote.KindOf(sendErr) {
	case remote.FailureAuth:
		c.notifier.ShowAuthenticationError(account, false)
	case remote.FailureCertificate:
		c.notifier.ShowCertificateError(account, false)
	case remote.FailureTransient:
		// Stays in the outbox for the next pass.
	default:
		// Permanent, or a classification this version does not know;
		// retrying would fail the same way.
		if err := c.moveToDrafts(account, backend, outbox, msg); err != nil {
			logger.Warn().Err(err).Msg("cannot move failed message to drafts")
		}
	}
	return true, sendErr
}

// relocateSentMessage moves a delivered message out of the outbox: into
// the Sent folder with an Append pending command when one is configured,
// otherwise it is simply flagged deleted.
func (c *Controller) relocateSentMessage(account *model.Account, backend Backend, outbox store.LocalFolder, msg *model.Message) error {
	if !account.HasSentFolder() {
		return outbox.SetFlags(c.ctx, []string{msg.UID}, []model.Flag{model.FlagDeleted}, true)
	}

	sent, err := backend.Local.Folder(account.SentFolder)
	if err != nil {
		return err
	}
	if err := sent.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer sent.Close()

	uidMap, err := outbox.MoveMessages(c.ctx, []string{msg.UID}, sent)
	if err != nil {
		return err
	}
	newUID, ok := uidMap[msg.UID]
	if !ok {
		return fmt.Errorf("message %s vanished during move to sent", msg.UID)
	}
	if err := c.queuePendingCommand(account, backend, commandAppend, PendingAppend{
		Folder: account.SentFolder,
		UID:    newUID,
	}); err != nil {
		return err
	}
	c.ProcessPendingCommands(account)
	return nil
}

// moveToDrafts parks a permanently failed message in the Drafts folder
// so the user can fix and resend it. Without a Drafts folder the message
// stays put with its send-failed flag.
func (c *Controller) moveToDrafts(account *model.Account, backend Backend, outbox store.LocalFolder, msg *model.Message) error {
	if !account.HasDraftsFolder() {
		return nil
	}
	drafts, err := backend.Local.Folder(account.DraftsFolder)
	if err != nil {
		return err
	}
	if err := drafts.Open(c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer drafts.Close()

	c.clearSendCount(account, msg.UID)
	_, err = outbox.MoveMessages(c.ctx, []string{msg.UID}, drafts)
	return err
}
