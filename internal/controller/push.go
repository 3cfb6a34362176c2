package controller

import (
	"fmt"
	"sync"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// SetupPushing starts a pusher for the account covering every folder
// whose push class matches the account's push mode. Reports whether a
// pusher was started.
func (c *Controller) SetupPushing(account *model.Account) bool {
	backend, err := c.backend(account)
	if err != nil {
		c.logger.Error().Err(err).Msg("cannot set up pushing")
		return false
	}
	if !backend.Remote.IsPushCapable() {
		return false
	}

	names, err := backend.Local.FolderNames(c.ctx)
	if err != nil {
		c.logger.Error().Str("account", account.Name).Err(err).Msg("cannot list folders for push")
		return false
	}
	var pushFolders []string
	for _, name := range names {
		if name == account.OutboxFolder {
			continue
		}
		folder, err := backend.Local.Folder(name)
		if err != nil {
			continue
		}
		if err := folder.Open(c.ctx, remote.OpenReadOnly); err != nil {
			continue
		}
		settings, err := folder.Settings(c.ctx)
		folder.Close()
		if err != nil {
			continue
		}
		if !modeMismatch(account.PushMode, settings.EffectivePushClass()) {
			pushFolders = append(pushFolders, name)
		}
	}
	if len(pushFolders) == 0 {
		return false
	}

	receiver := &pushReceiver{c: c, account: account, backend: backend}
	pusher := backend.Remote.GetPusher(receiver)
	if pusher == nil {
		return false
	}

	c.mu.Lock()
	if old, ok := c.pushers[account.UUID]; ok {
		old.Stop()
	}
	c.pushers[account.UUID] = pusher
	c.mu.Unlock()

	c.logger.Info().
		Str("account", account.Name).
		Strs("folders", pushFolders).
		Msg("starting push")
	pusher.Start(pushFolders)
	return true
}

// StopPushing stops the account's pusher, if one is running.
func (c *Controller) StopPushing(account *model.Account) {
	c.mu.Lock()
	pusher, ok := c.pushers[account.UUID]
	delete(c.pushers, account.UUID)
	c.mu.Unlock()
	if ok {
		pusher.Stop()
	}
}

// StopAllPushing stops every running pusher.
func (c *Controller) StopAllPushing() {
	c.mu.Lock()
	pushers := make([]remote.Pusher, 0, len(c.pushers))
	for _, p := range c.pushers {
		pushers = append(pushers, p)
	}
	c.pushers = make(map[string]remote.Pusher)
	c.mu.Unlock()
	for _, p := range pushers {
		p.Stop()
	}
}

// pushReceiver adapts server-push callbacks onto the dispatch queue.
// Every call blocks its (push-layer) caller until the work is applied
// to the local cache: the push connection must not race ahead of
// persistence.
type pushReceiver struct {
	c       *Controller
	account *model.Account
	backend Backend
}

// enqueueAndWait puts the work on the dispatch queue and blocks until it
// ran.
func (r *pushReceiver) enqueueAndWait(description string, run func() error) {
	done := make(chan struct{})
	r.c.putBackground(description, nil, func() error {
		defer close(done)
		return run()
	})
	select {
	case <-done:
	case <-r.c.ctx.Done():
		// Shutting down; the queue may have dropped the work.
	}
}

func (r *pushReceiver) MessagesArrived(folder string, msgs []*model.Message) {
	r.enqueueAndWait(fmt.Sprintf("pushArrived:%s:%s", r.account.Name, folder), func() error {
		return r.applyPushedMessages(folder, msgs)
	})
}

func (r *pushReceiver) MessagesFlagsChanged(folder string, msgs []*model.Message) {
	r.enqueueAndWait(fmt.Sprintf("pushFlags:%s:%s", r.account.Name, folder), func() error {
		return r.applyPushedMessages(folder, msgs)
	})
}

func (r *pushReceiver) MessagesRemoved(folder string, msgs []*model.Message) {
	r.enqueueAndWait(fmt.Sprintf("pushRemoved:%s:%s", r.account.Name, folder), func() error {
		if !r.account.SyncRemoteDeletions {
			return nil
		}
		local, err := r.backend.Local.Folder(folder)
		if err != nil {
			return err
		}
		if err := local.Open(r.c.ctx, remote.OpenReadWrite); err != nil {
			return err
		}
		defer local.Close()

		uids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			if !model.IsLocalUID(msg.UID) {
				uids = append(uids, msg.UID)
			}
		}
		if err := local.DestroyMessages(r.c.ctx, uids); err != nil {
			return err
		}
		r.c.publishRemovals(r.account, folder, uids, nil)
		return local.SetLastPush(r.c.ctx, r.c.now())
	})
}

// applyPushedMessages runs the download classification and flag
// reconciliation against exactly the pushed message set, the same code
// path a polled sync takes.
func (r *pushReceiver) applyPushedMessages(folder string, msgs []*model.Message) error {
	s := &folderSync{
		c:        r.c,
		logger:   r.c.logger.With().Str("account", r.account.Name).Str("folder", folder).Str("origin", "push").Logger(),
		account:  r.account,
		backend:  r.backend,
		folder:   folder,
		earliest: r.account.EarliestPollDate(r.c.now()),
	}
	local, err := r.backend.Local.Folder(folder)
	if err != nil {
		return err
	}
	if err := local.Open(r.c.ctx, remote.OpenReadWrite); err != nil {
		return err
	}
	defer local.Close()
	s.local = local

	remoteFolder, err := r.backend.Remote.GetFolder(folder)
	if err != nil {
		return err
	}
	if err := remoteFolder.Open(r.c.ctx, remote.OpenReadOnly); err != nil {
		return err
	}
	defer remoteFolder.Close()
	s.remoteF = remoteFolder

	s.toEvaluate = msgs
	if err := s.classify(); err != nil {
		return err
	}
	if err := s.download(); err != nil {
		return err
	}
	if err := s.flagSync(); err != nil {
		return err
	}
	return local.SetLastPush(r.c.ctx, r.c.now())
}

// SyncFolder enqueues a full background synchronization and blocks until
// it terminates.
func (r *pushReceiver) SyncFolder(folder string) {
	done := make(chan struct{})
	var once sync.Once
	listener := NewListenerFunc(func(e Event) {
		if e.Account == nil || e.Account.UUID != r.account.UUID || e.Folder != folder {
			return
		}
		if e.Kind == EventSyncFinished || e.Kind == EventSyncFailed {
			once.Do(func() { close(done) })
		}
	})
	r.c.synchronizeMailbox(r.account, folder, listener)
	select {
	case <-done:
	case <-r.c.ctx.Done():
	}
}

func (r *pushReceiver) PushError(message string, err error) {
	r.c.logger.Error().Str("account", r.account.Name).Err(err).Msg(message)
}

func (r *pushReceiver) AuthenticationFailed() {
	r.c.notifier.ShowAuthenticationError(r.account, true)
}

func (r *pushReceiver) GetPushState(folder string) string {
	local, err := r.backend.Local.Folder(folder)
	if err != nil {
		return ""
	}
	if err := local.Open(r.c.ctx, remote.OpenReadWrite); err != nil {
		return ""
	}
	defer local.Close()
	state, err := local.PushState(r.c.ctx)
	if err != nil {
		return ""
	}
	return state
}

func (r *pushReceiver) SetPushActive(folder string, active bool) {
	r.c.logger.Debug().
		Str("account", r.account.Name).
		Str("folder", folder).
		Bool("active", active).
		Msg("push state changed")
	r.c.publish(Event{Kind: EventFolderStatusChanged, Account: r.account, Folder: folder}, nil)
}
