package pointer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/t7a/vaultbase/keys"
)

// ErrPublishInFlight means this process already has a publish racing
// for the same name.  The operation is not retried here; the caller
// waits for the first one to settle.
var ErrPublishInFlight = errors.New("publish already in flight")

// Publisher signs and publishes records, guarding each name with an
// in-flight flag so an operation never races its own retries.  There
// is deliberately no cross-process lock per name; the network is the
// serialization point.
type Publisher struct {
	Net Network
	TTL time.Duration

	mu       sync.Mutex
	inflight map[string]bool
}

func NewPublisher(net Network) *Publisher {
	return &Publisher{Net: net, inflight: make(map[string]bool)}
}

func (p *Publisher) acquire(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[name] {
		return false
	}
	p.inflight[name] = true
	return true
}

func (p *Publisher) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, name)
}

// Publish signs cid at seq under sk's name and submits it.  The
// context applies only until the network accepts the record; an
// accepted publish is never treated as cancelled, since that would
// diverge local and remote sequence numbers.
func (p *Publisher) Publish(ctx context.Context, sk *keys.SigningKey, cid string, seq uint64) (rec *Record, err error) {
	name := sk.PointerName()
	if !p.acquire(name) {
		return nil, ErrPublishInFlight
	}
	defer p.release(name)

	rec, err = NewRecord(sk, cid, seq, p.TTL)
	if err != nil {
		return nil, err
	}
	err = p.Net.Publish(ctx, rec)
	if err != nil {
		return nil, err
	}
	return
}

// Poller keeps a set of pointer names fresh by periodic resolution.
// The default interval is 30 seconds.  Pause while backgrounded or
// offline; Kick on regaining foreground or connectivity.
type Poller struct {
	Net      Network
	Interval time.Duration
	OnUpdate func(name string, rec *Record)

	mu     sync.Mutex
	names  map[string]int64 // last seen sequence, -1 when never seen
	paused bool
	kick   chan struct{}
}

const DefaultPollInterval = 30 * time.Second

func NewPoller(net Network, onUpdate func(string, *Record)) *Poller {
	return &Poller{
		Net:      net,
		Interval: DefaultPollInterval,
		OnUpdate: onUpdate,
		names:    make(map[string]int64),
		kick:     make(chan struct{}, 1),
	}
}

// Watch adds a name to the poll set, starting from the given known
// sequence; pass -1 for a name never resolved before, so even a
// genesis record counts as news.
func (p *Poller) Watch(name string, seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[name] = seq
}

// Unwatch drops a name from the poll set.
func (p *Poller) Unwatch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.names, name)
}

// Pause stops polling until Resume; a paused poller ignores ticks but
// still honors Kick-on-Resume semantics.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume restarts polling and triggers an immediate sweep.
func (p *Poller) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.Kick()
}

// Kick triggers an immediate sweep, e.g. on regaining connectivity or
// on a watcher event.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.Sweep(ctx)
	}
}

// Sweep resolves every watched name once and reports changes through
// OnUpdate.
func (p *Poller) Sweep(ctx context.Context) {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	names := make(map[string]int64, len(p.names))
	for name, seq := range p.names {
		names[name] = seq
	}
	p.mu.Unlock()

	for name, seen := range names {
		rec, err := p.Net.Resolve(ctx, name)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			// retryable; next sweep will try again
			log.Debugf("poll %s: %v", name, err)
			continue
		}
		if int64(rec.Sequence) <= seen {
			continue
		}
		p.mu.Lock()
		p.names[name] = int64(rec.Sequence)
		p.mu.Unlock()
		if p.OnUpdate != nil {
			p.OnUpdate(name, rec)
		}
	}
}
