// Package sched drives periodic mail checks for registered accounts.
package sched

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/controller"
	"github.com/nhle/mailsync/internal/model"
)

// PollState represents the current state of an account's poll cycle.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
)

// PollStatus holds the polling state for a single account.
type PollStatus struct {
	AccountUUID string
	State       PollState
	LastPoll    time.Time
}

// defaultInterval is used when an account does not configure one.
const defaultInterval = 5 * time.Minute

// accountEntry holds a registered account, its poll interval, and the
// channel that wakes its goroutine for an immediate check. One channel
// per account keeps triggers from being consumed by the wrong loop.
type accountEntry struct {
	account  *model.Account
	interval time.Duration
	trigger  chan struct{}
}

// Poller schedules background mail checks through the controller. Each
// registered account gets its own goroutine ticking at the account's
// poll interval; an immediate check can be triggered at any time.
type Poller struct {
	c      *controller.Controller
	logger zerolog.Logger

	mu       sync.Mutex
	accounts []accountEntry
	statuses map[string]*PollStatus
	stopCh   chan struct{}
	running  bool
}

// New creates a Poller dispatching into the given controller.
func New(c *controller.Controller, logger zerolog.Logger) *Poller {
	return &Poller{
		c:        c,
		logger:   logger.With().Str("component", "poller").Logger(),
		statuses: make(map[string]*PollStatus),
		stopCh:   make(chan struct{}),
	}
}

// RegisterAccount adds an account to the polling schedule.
func (p *Poller) RegisterAccount(account *model.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	interval := account.PollInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	p.accounts = append(p.accounts, accountEntry{
		account:  account,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	})
	p.statuses[account.UUID] = &PollStatus{AccountUUID: account.UUID, State: PollIdle}
}

// Start launches one polling goroutine per registered account.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	accounts := make([]accountEntry, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.Unlock()

	for _, entry := range accounts {
		go p.pollAccount(entry)
	}
}

// Stop halts all polling goroutines.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

// RefreshAll triggers an immediate check of all registered accounts.
func (p *Poller) RefreshAll() {
	p.mu.Lock()
	accounts := make([]accountEntry, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.Unlock()

	for _, entry := range accounts {
		select {
		case entry.trigger <- struct{}{}:
		default:
			// A trigger is already queued; one wake is enough.
		}
	}
}

// RefreshAccount triggers an immediate check of a single account.
func (p *Poller) RefreshAccount(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.accounts {
		if entry.account.UUID != uuid {
			continue
		}
		select {
		case entry.trigger <- struct{}{}:
		default:
		}
		return
	}
}

// Statuses returns the current poll status of all registered accounts.
func (p *Poller) Statuses() []PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]PollStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	return statuses
}

// pollAccount runs the polling loop for a single account.
func (p *Poller) pollAccount(entry accountEntry) {
	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	// Do an initial check immediately
	p.check(entry)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.check(entry)
		case <-entry.trigger:
			p.check(entry)
		}
	}
}

// check queues one mail check for the account. The controller worker
// does the actual work; this only records that a cycle started.
func (p *Poller) check(entry accountEntry) {
	p.setStatus(entry.account.UUID, PollRunning)
	p.logger.Debug().Str("account", entry.account.Name).Msg("queueing mail check")
	p.c.CheckMail([]*model.Account{entry.account}, false, nil)
	p.setStatus(entry.account.UUID, PollIdle)
}

func (p *Poller) setStatus(uuid string, state PollState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.statuses[uuid]; ok {
		s.State = state
		s.LastPoll = time.Now()
	}
}
