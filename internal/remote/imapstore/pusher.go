package imapstore

import (
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/remote"
)

// idleRefreshInterval keeps the IDLE session inside the 29-minute
// deadline RFC 2177 servers enforce.
const idleRefreshInterval = 24 * time.Minute

// pusher runs one IDLE connection per folder and funnels server events
// into the PushReceiver.
type pusher struct {
	store    *Store
	receiver remote.PushReceiver

	mu          sync.Mutex
	stops       map[string]chan struct{}
	refresh     chan struct{}
	lastRefresh time.Time
	wg          sync.WaitGroup
}

func newPusher(store *Store, receiver remote.PushReceiver) *pusher {
	return &pusher{
		store:    store,
		receiver: receiver,
		stops:    make(map[string]chan struct{}),
		refresh:  make(chan struct{}, 1),
	}
}

func (p *pusher) Start(folders []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range folders {
		if _, running := p.stops[name]; running {
			continue
		}
		stop := make(chan struct{})
		p.stops[name] = stop
		p.wg.Add(1)
		go p.idleLoop(name, stop)
	}
	p.lastRefresh = time.Now()
}

func (p *pusher) Refresh() {
	p.mu.Lock()
	p.lastRefresh = time.Now()
	p.mu.Unlock()
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

func (p *pusher) Stop() {
	p.mu.Lock()
	for name, stop := range p.stops {
		close(stop)
		delete(p.stops, name)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *pusher) RefreshInterval() time.Duration { return idleRefreshInterval }

func (p *pusher) LastRefresh() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRefresh
}

// idleLoop keeps one folder under IDLE, reconnecting after errors with a
// flat backoff, until stopped.
func (p *pusher) idleLoop(name string, stop <-chan struct{}) {
	defer p.wg.Done()
	logger := p.store.logger.With().Str("folder", name).Logger()

	for {
		select {
		case <-stop:
			return
		default:
		}
		if err := p.idleSession(name, stop); err != nil {
			logger.Warn().Err(err).Msg("push session ended, reconnecting")
			p.receiver.PushError("push connection lost", err)
			select {
			case <-stop:
				return
			case <-time.After(time.Minute):
			}
			continue
		}
		return
	}
}

// idleSession holds one connection in IDLE, cycling the command at the
// refresh interval. A mailbox change triggers a full folder resync
// through the receiver, which blocks until the sync applied.
func (p *pusher) idleSession(name string, stop <-chan struct{}) error {
	changed := make(chan struct{}, 1)
	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					signal()
				}
			},
			Expunge: func(seqNum uint32) {
				signal()
			},
		},
	}

	client, err := p.store.connect(options)
	if err != nil {
		if remote.KindOf(err) == remote.FailureAuth {
			p.receiver.AuthenticationFailed()
		}
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if !client.Caps().Has(imap.CapIdle) {
		return remote.Permanentf("server does not support IDLE")
	}
	if _, err := client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return remote.Transientf("selecting %s for push: %v", name, err)
	}

	p.receiver.SetPushActive(name, true)
	defer p.receiver.SetPushActive(name, false)

	for {
		idleCmd, err := client.Idle()
		if err != nil {
			return remote.Transientf("starting idle on %s: %v", name, err)
		}

		var resync bool
		select {
		case <-stop:
			_ = idleCmd.Close()
			return nil
		case <-p.refresh:
		case <-changed:
			resync = true
		case <-time.After(idleRefreshInterval):
		}
		if err := idleCmd.Close(); err != nil {
			return remote.Transientf("stopping idle on %s: %v", name, err)
		}
		if resync {
			p.receiver.SyncFolder(name)
		}
	}
}
