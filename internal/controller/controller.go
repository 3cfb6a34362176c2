// Package controller implements the mail synchronization and delivery
// core: a durable pending-command log replayed before each sync, a
// priority dispatch queue drained by a single worker goroutine, the
// folder synchronization engine, the outbox delivery engine, and the
// listener fan-out that keeps observers informed.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// storageRetryDelay is how long a command rescheduled after a storage
// unavailability waits before re-entering the queue.
const storageRetryDelay = 30 * time.Second

// Backend bundles the per-account collaborators: the durable local
// cache, the remote mailbox driver, and the outbound transport.
type Backend struct {
	Local     store.LocalStore
	Remote    remote.Store
	Transport remote.Transport
}

// Contacts answers whether a sender address belongs to the user's
// address book. Used only by the notify-contacts-only rule.
type Contacts interface {
	IsContact(email string) bool
}

// Controller owns the dispatch queue and worker goroutine and exposes
// every mailbox operation. Construct one per process with NewController
// and share it by reference; Stop tears down the worker.
type Controller struct {
	logger   zerolog.Logger
	notifier notify.Notifier
	contacts Contacts
	now      func() time.Time

	queue      *commandQueue
	seq        atomic.Uint64
	retryDelay time.Duration

	listeners *listenerSet
	memorizer *Memorizer

	mu       sync.Mutex
	backends map[string]Backend
	pushers  map[string]remote.Pusher

	sendCountMu sync.Mutex
	sendCount   map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithContacts wires a contacts lookup for the notify-contacts-only rule.
func WithContacts(contacts Contacts) Option {
	return func(c *Controller) { c.contacts = contacts }
}

// WithClock overrides the time source. Tests use this to pin "now".
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRetryDelay overrides the storage-unavailable requeue delay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Controller) { c.retryDelay = d }
}

// NewController builds a controller and starts its worker goroutine.
func NewController(logger zerolog.Logger, notifier notify.Notifier, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		logger:     logger.With().Str("component", "controller").Logger(),
		notifier:   notifier,
		now:        time.Now,
		queue:      newCommandQueue(),
		retryDelay: storageRetryDelay,
		listeners:  newListenerSet(),
		memorizer:  NewMemorizer(),
		backends:   make(map[string]Backend),
		pushers:    make(map[string]remote.Pusher),
		sendCount:  make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The memorizer observes everything so late listeners can catch up.
	c.listeners.Add(c.memorizer)

	c.wg.Add(1)
	go c.runWorker()
	return c
}

// Stop shuts down the worker. Queued commands that have not started are
// dropped; the in-flight command finishes. Stop blocks until the worker
// exits.
func (c *Controller) Stop() {
	c.cancel()
	c.queue.Close()
	c.StopAllPushing()
	c.wg.Wait()
}

// AddListener registers l and immediately replays any in-progress
// activity to it.
func (c *Controller) AddListener(l Listener) {
	c.listeners.Add(l)
	c.memorizer.RefreshOther(l)
}

func (c *Controller) RemoveListener(l Listener) {
	c.listeners.Remove(l)
}

// publish delivers e to all registered listeners plus the per-call
// listener, if any.
func (c *Controller) publish(e Event, extra Listener) {
	c.listeners.Publish(e, extra)
}

// RegisterAccount makes the account's backend available to the
// controller. It must be called before any operation references the
// account.
func (c *Controller) RegisterAccount(account *model.Account, backend Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backends[account.UUID] = backend
}

// UnregisterAccount removes the account's backend, stops its pusher,
// and forgets its memorized listener state.
func (c *Controller) UnregisterAccount(account *model.Account) {
	c.StopPushing(account)
	c.mu.Lock()
	delete(c.backends, account.UUID)
	c.mu.Unlock()
	c.memorizer.RemoveAccount(account.UUID)
}

func (c *Controller) backend(account *model.Account) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.backends[account.UUID]
	if !ok {
		return Backend{}, fmt.Errorf("account %s (%s) is not registered", account.Name, account.UUID)
	}
	return b, nil
}

// put enqueues a foreground command.
func (c *Controller) put(description string, listener Listener, run func() error) {
	c.enqueue(description, listener, run, true)
}

// putBackground enqueues a background command.
func (c *Controller) putBackground(description string, listener Listener, run func() error) {
	c.enqueue(description, listener, run, false)
}

func (c *Controller) enqueue(description string, listener Listener, run func() error, foreground bool) {
	c.queue.Put(&command{
		description: description,
		listener:    listener,
		run:         run,
		foreground:  foreground,
		seq:         c.seq.Add(1),
	})
}

// runWorker is the single dispatch loop. A command returning a storage
// unavailability is requeued after retryDelay with its priority class
// preserved; any other error, and any panic, is logged and the loop
// moves on.
func (c *Controller) runWorker() {
	defer c.wg.Done()
	for {
		cmd, ok := c.queue.Take()
		if !ok {
			return
		}
		c.execute(cmd)
	}
}

func (c *Controller) execute(cmd *command) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("command", cmd.description).
				Interface("panic", r).
				Msg("command panicked")
		}
	}()

	c.logger.Debug().Str("command", cmd.description).Msg("running command")
	err := cmd.run()
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrStorageUnavailable) {
		c.logger.Warn().
			Str("command", cmd.description).
			Dur("delay", c.retryDelay).
			Msg("storage unavailable, rescheduling command")
		timer := time.AfterFunc(c.retryDelay, func() {
			c.queue.Put(cmd)
		})
		go func() {
			<-c.ctx.Done()
			timer.Stop()
		}()
		return
	}
	c.logger.Error().Str("command", cmd.description).Err(err).Msg("command failed")
}

// runInBackground executes a read-only operation on its own goroutine
// so that it never queues behind remote I/O.
func (c *Controller) runInBackground(description string, run func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().
					Str("operation", description).
					Interface("panic", r).
					Msg("operation panicked")
			}
		}()
		run()
	}()
}

// CheckMail runs an outbox delivery pass and a synchronization of every
// eligible folder for each account. When ignoreLastCheck is false,
// folders checked more recently than the account's poll interval are
// skipped.
func (c *Controller) CheckMail(accounts []*model.Account, ignoreLastCheck bool, listener Listener) {
	c.publish(Event{Kind: EventCheckMailStarted}, listener)
	for _, account := range accounts {
		account := account
		c.putBackground("checkMail:"+account.Name, listener, func() error {
			c.sendPendingMessages(account, listener)
			c.checkMailForAccount(account, ignoreLastCheck, listener)
			return nil
		})
	}
	c.putBackground("checkMailFinished", listener, func() error {
		c.publish(Event{Kind: EventCheckMailFinished}, listener)
		return nil
	})
}

func (c *Controller) checkMailForAccount(account *model.Account, ignoreLastCheck bool, listener Listener) {
	backend, err := c.backend(account)
	if err != nil {
		c.logger.Error().Err(err).Msg("cannot check mail")
		return
	}
	names, err := backend.Local.FolderNames(c.ctx)
	if err != nil {
		c.logger.Error().Str("account", account.Name).Err(err).Msg("cannot list folders")
		return
	}
	for _, name := range names {
		if name == account.OutboxFolder {
			continue
		}
		if !c.shouldSyncFolder(account, backend, name, ignoreLastCheck) {
			continue
		}
		c.synchronizeMailbox(account, name, listener)
	}
}

// shouldSyncFolder applies the account's folder-class sync mode and the
// poll interval to decide whether a folder joins this check.
func (c *Controller) shouldSyncFolder(account *model.Account, backend Backend, name string, ignoreLastCheck bool) bool {
	folder, err := backend.Local.Folder(name)
	if err != nil {
		c.logger.Warn().Str("folder", name).Err(err).Msg("cannot resolve folder")
		return false
	}
	if err := folder.Open(c.ctx, remote.OpenReadWrite); err != nil {
		c.logger.Warn().Str("folder", name).Err(err).Msg("cannot open folder for check")
		return false
	}
	defer folder.Close()

	settings, err := folder.Settings(c.ctx)
	if err != nil {
		return false
	}
	if modeMismatch(account.SyncMode, settings.EffectiveSyncClass()) {
		return false
	}
	if !ignoreLastCheck {
		last, err := folder.LastChecked(c.ctx)
		if err == nil && !last.IsZero() && c.now().Sub(last) < account.PollInterval {
			return false
		}
	}
	return true
}

// SynchronizeMailbox enqueues a background synchronization of one folder.
func (c *Controller) SynchronizeMailbox(account *model.Account, folderName string, listener Listener) {
	c.synchronizeMailbox(account, folderName, listener)
}

func (c *Controller) synchronizeMailbox(account *model.Account, folderName string, listener Listener) {
	c.putBackground(fmt.Sprintf("synchronizeMailbox:%s:%s", account.Name, folderName), listener, func() error {
		c.synchronizeMailboxSynchronous(account, folderName, listener)
		return nil
	})
}

// SendPendingMessages enqueues an outbox delivery pass for the account.
func (c *Controller) SendPendingMessages(account *model.Account, listener Listener) {
	c.putBackground("sendPendingMessages:"+account.Name, listener, func() error {
		c.sendPendingMessages(account, listener)
		return nil
	})
}

// ProcessPendingCommands enqueues a replay of the account's pending
// command log without a full synchronization.
func (c *Controller) ProcessPendingCommands(account *model.Account) {
	c.putBackground("processPendingCommands:"+account.Name, nil, func() error {
		backend, err := c.backend(account)
		if err != nil {
			return err
		}
		err = c.processPendingCommands(account, backend, nil)
		if errors.Is(err, store.ErrStorageUnavailable) {
			return err
		}
		if err != nil {
			c.logger.Error().Str("account", account.Name).Err(err).Msg("pending command replay halted")
		}
		return nil
	})
}
