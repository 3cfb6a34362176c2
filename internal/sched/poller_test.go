package sched

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/controller"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
)

func newTestPoller(t *testing.T) *Poller {
	t.Helper()
	c := controller.NewController(zerolog.Nop(), notify.NewLogNotifier(zerolog.Nop()))
	t.Cleanup(c.Stop)
	return New(c, zerolog.Nop())
}

func TestRegisterAccountTracksStatus(t *testing.T) {
	p := newTestPoller(t)
	p.RegisterAccount(&model.Account{UUID: "acct-1", Name: "One", PollInterval: time.Minute})
	p.RegisterAccount(&model.Account{UUID: "acct-2", Name: "Two"})

	statuses := p.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	seen := make(map[string]PollStatus, len(statuses))
	for _, s := range statuses {
		seen[s.AccountUUID] = s
	}
	for _, uuid := range []string{"acct-1", "acct-2"} {
		s, ok := seen[uuid]
		if !ok {
			t.Fatalf("no status for %s", uuid)
		}
		if s.State != PollIdle {
			t.Errorf("%s state = %v, want idle", uuid, s.State)
		}
		if !s.LastPoll.IsZero() {
			t.Errorf("%s has a poll timestamp before any poll ran", uuid)
		}
	}
}

func TestRegisterAccountDefaultsInterval(t *testing.T) {
	p := newTestPoller(t)
	p.RegisterAccount(&model.Account{UUID: "acct-1"})

	if got := p.accounts[0].interval; got != defaultInterval {
		t.Errorf("interval = %v, want %v", got, defaultInterval)
	}
}

func TestRefreshAccountRoutesToItsOwnTrigger(t *testing.T) {
	p := newTestPoller(t)
	p.RegisterAccount(&model.Account{UUID: "acct-1"})
	p.RegisterAccount(&model.Account{UUID: "acct-2"})

	p.RefreshAccount("acct-2")

	if got := len(p.accounts[0].trigger); got != 0 {
		t.Errorf("acct-1 trigger length = %d, want 0", got)
	}
	if got := len(p.accounts[1].trigger); got != 1 {
		t.Errorf("acct-2 trigger length = %d, want 1", got)
	}

	p.RefreshAccount("no-such-account")
	p.RefreshAll()
	if got := len(p.accounts[0].trigger); got != 1 {
		t.Errorf("acct-1 trigger length after refresh-all = %d, want 1", got)
	}
}

func TestRefreshDoesNotBlockWhenIdle(t *testing.T) {
	p := newTestPoller(t)
	p.RegisterAccount(&model.Account{UUID: "acct-1"})

	// No polling goroutines are draining the channel; triggers must
	// still return immediately.
	for i := 0; i < 50; i++ {
		p.RefreshAccount("acct-1")
	}
	p.RefreshAll()
}

func TestStopBeforeStartIsHarmless(t *testing.T) {
	p := newTestPoller(t)
	p.Stop()
	p.Stop()
}
