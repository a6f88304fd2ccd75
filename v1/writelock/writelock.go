package writelock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/broadcast"
	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/logger"
	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/metrics"
	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/peerid"
)

type state int

const (
	stateNonHolder state = iota
	statePending
	stateHolder
)

// Lock is one peer's view of the shared write lock. All protocol state is
// owned by a single event loop; inbound messages, timer fires and API calls
// are marshaled onto it, so no lock guards the state itself.
//
// A nil transport selects degraded single-peer mode: the sole peer is always
// holder and nothing is ever sent.
type Lock struct {
	id        string
	transport broadcast.Transport
	cfg       Config
	log       logger.Logger

	cmds     chan func()
	destroyC chan struct{}
	doneC    chan struct{}
	destroy  sync.Once

	holder    atomic.Bool
	observers observerRegistry
	mets      *metrics.Protocol

	// Observer notifications are delivered in order on a dedicated goroutine,
	// never on the event loop, so callbacks are free to call back into the API.
	notifyMu   sync.Mutex
	notifyQ    []notification
	notifyWake chan struct{}

	// Event-loop-owned state below; never touched from other goroutines.
	st           state
	holderID     string
	lastBeat     time.Time
	waiters      []chan bool
	acquireTimer *time.Timer
	beatTicker   *time.Ticker
	staleTicker  *time.Ticker
	inbound      <-chan broadcast.Message
	subCancel    context.CancelFunc
}

// notification is one holder transition plus the observers registered at the
// moment it happened. Snapshotting at transition time keeps delivery faithful
// to registration order even when callbacks subscribe or unsubscribe.
type notification struct {
	holder  bool
	entries []observerEntry
}

// New constructs a Lock on the given transport and starts its event loop.
// The caller owns the lifecycle: construct once, subscribe consumers, and
// Destroy on shutdown.
func New(transport broadcast.Transport, opts ...Option) (*Lock, error) {
	o := options{cfg: DefaultConfig(), log: logger.NoOp{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.validate(); err != nil {
		return nil, err
	}
	if o.peerID == "" {
		o.peerID = peerid.New()
	}

	l := &Lock{
		id:         o.peerID,
		transport:  transport,
		cfg:        o.cfg,
		log:        o.log,
		mets:       metrics.NewProtocol(o.peerID),
		cmds:       make(chan func()),
		destroyC:   make(chan struct{}),
		doneC:      make(chan struct{}),
		notifyWake: make(chan struct{}, 1),
	}
	if o.registry != nil {
		l.mets.Register(o.registry)
	}

	if transport != nil {
		subCtx, cancel := context.WithCancel(context.Background())
		ch, err := transport.Subscribe(subCtx)
		if err != nil {
			cancel()
			return nil, err
		}
		l.inbound = ch
		l.subCancel = cancel
		l.staleTicker = time.NewTicker(o.cfg.StalenessThreshold / 2)
	} else {
		// No medium at all: sole peer, immediately holder.
		l.st = stateHolder
		l.holderID = l.id
		l.holder.Store(true)
		l.mets.Holder.Set(1)
	}

	go l.notifier()
	go l.run()
	return l, nil
}

// PeerID returns this peer's identifier.
func (l *Lock) PeerID() string { return l.id }

// IsHolder reports the current local belief.
func (l *Lock) IsHolder() bool { return l.holder.Load() }

// Acquire requests the lock. It resolves true if this peer becomes holder
// and false if the current holder denies the request. Calling it while a
// request is pending joins the in-flight attempt; calling it while holding
// returns true immediately. ctx bounds only the caller's wait: the protocol
// attempt itself always runs to completion.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	res := make(chan bool, 1)
	if !l.post(func() { l.acquireLocked(res) }) {
		return l.holder.Load(), nil
	}
	select {
	case v := <-res:
		return v, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-l.doneC:
		return l.holder.Load(), nil
	}
}

// Release voluntarily relinquishes the lock. No-op if not currently holder.
// On return the local belief is already non-holder.
func (l *Lock) Release() {
	done := make(chan struct{})
	if !l.post(func() { l.releaseLocked(); close(done) }) {
		return
	}
	<-done
}

// OnChange registers a callback invoked on every holder transition with the
// new holder status. Callbacks run one transition at a time, in registration
// order, off the event loop; they may call Acquire, Release or Destroy.
// The returned function unsubscribes it.
func (l *Lock) OnChange(fn func(holder bool)) (unsubscribe func()) {
	return l.observers.add(fn)
}

// Destroy performs a best-effort release, stops all timers and drops the
// transport subscription. It is idempotent, and every public method is a
// safe no-op afterwards.
func (l *Lock) Destroy() {
	l.destroy.Do(func() { close(l.destroyC) })
	<-l.doneC
}

// post marshals fn onto the event loop. Returns false once destroyed.
func (l *Lock) post(fn func()) bool {
	select {
	case l.cmds <- fn:
		return true
	case <-l.doneC:
		return false
	}
}

// queueNotify records a holder transition for the notifier goroutine. Runs on
// the event loop and never blocks, so a callback that posts back onto the
// loop cannot wedge it.
func (l *Lock) queueNotify(holder bool) {
	l.notifyMu.Lock()
	l.notifyQ = append(l.notifyQ, notification{holder: holder, entries: l.observers.snapshot()})
	l.notifyMu.Unlock()
	select {
	case l.notifyWake <- struct{}{}:
	default:
	}
}

func (l *Lock) drainNotifications() []notification {
	l.notifyMu.Lock()
	q := l.notifyQ
	l.notifyQ = nil
	l.notifyMu.Unlock()
	return q
}

func (l *Lock) notifier() {
	for {
		q := l.drainNotifications()
		for _, n := range q {
			invokeObservers(n.entries, n.holder, l.log)
		}
		if len(q) > 0 {
			continue
		}
		select {
		case <-l.notifyWake:
		case <-l.doneC:
			for _, n := range l.drainNotifications() {
				invokeObservers(n.entries, n.holder, l.log)
			}
			return
		}
	}
}

func (l *Lock) run() {
	defer close(l.doneC)
	for {
		var acquireC, beatC, staleC <-chan time.Time
		if l.acquireTimer != nil {
			acquireC = l.acquireTimer.C
		}
		if l.beatTicker != nil {
			beatC = l.beatTicker.C
		}
		if l.staleTicker != nil {
			staleC = l.staleTicker.C
		}
		select {
		case fn := <-l.cmds:
			fn()
		case m, ok := <-l.inbound:
			if !ok {
				l.inbound = nil
				continue
			}
			l.handleMessage(m)
		case <-acquireC:
			l.acquireTimer = nil
			l.onAcquireWaitExpired()
		case <-beatC:
			l.emitHeartbeat()
		case <-staleC:
			l.checkStaleness()
		case <-l.destroyC:
			l.teardown()
			return
		}
	}
}

// acquireLocked runs on the event loop.
func (l *Lock) acquireLocked(res chan bool) {
	switch l.st {
	case stateHolder:
		res <- true
	case statePending:
		l.waiters = append(l.waiters, res)
	case stateNonHolder:
		if l.transport == nil {
			// Degraded mode never leaves stateHolder, but guard anyway.
			l.becomeHolder()
			res <- true
			return
		}
		l.waiters = append(l.waiters, res)
		l.startAcquisition()
	}
}

// startAcquisition broadcasts a request and arms the wait timer. Caller
// must have checked st == stateNonHolder.
func (l *Lock) startAcquisition() {
	l.st = statePending
	l.mets.Acquires.Inc()
	l.send(broadcast.NewMessage(broadcast.KindRequest, l.id))
	l.acquireTimer = time.NewTimer(l.cfg.AcquireWait)
}

// onAcquireWaitExpired fires when no denial arrived within the window.
func (l *Lock) onAcquireWaitExpired() {
	if l.st != statePending {
		return
	}
	l.becomeHolder()
	l.send(broadcast.NewMessage(broadcast.KindGrant, l.id))
	l.resolveWaiters(true)
}

func (l *Lock) becomeHolder() {
	l.st = stateHolder
	l.holderID = l.id
	l.holder.Store(true)
	l.mets.Holder.Set(1)
	if l.transport != nil {
		l.beatTicker = time.NewTicker(l.cfg.HeartbeatInterval)
	}
	l.log.Infow("acquired write lock", "peer", l.id)
	l.queueNotify(true)
}

// loseHolder transitions holder -> non-holder, adopting newHolder as the
// believed holder (may be empty).
func (l *Lock) loseHolder(newHolder string) {
	l.st = stateNonHolder
	l.holderID = newHolder
	l.lastBeat = time.Now()
	l.holder.Store(false)
	l.mets.Holder.Set(0)
	if l.beatTicker != nil {
		l.beatTicker.Stop()
		l.beatTicker = nil
	}
	l.queueNotify(false)
}

func (l *Lock) releaseLocked() {
	if l.st != stateHolder || l.transport == nil {
		return
	}
	l.send(broadcast.Message{Kind: broadcast.KindRelease, SenderID: l.id})
	l.loseHolder("")
	l.lastBeat = time.Time{}
	l.log.Infow("released write lock", "peer", l.id)
}

func (l *Lock) emitHeartbeat() {
	if l.st != stateHolder {
		return
	}
	l.mets.Heartbeats.Inc()
	l.send(broadcast.NewMessage(broadcast.KindHeartbeat, l.id))
}

// checkStaleness reclaims the lock when the believed holder has been silent
// past the threshold. This is the only recovery path for crashed holders.
func (l *Lock) checkStaleness() {
	if l.st != stateNonHolder || l.holderID == "" {
		return
	}
	if time.Since(l.lastBeat) <= l.cfg.StalenessThreshold {
		return
	}
	l.log.Infow("holder went stale, attempting takeover", "peer", l.id, "stale_holder", l.holderID)
	l.holderID = ""
	l.mets.Takeovers.Inc()
	l.startAcquisition()
}

func (l *Lock) handleMessage(m broadcast.Message) {
	if m.SenderID == l.id {
		return // some media echo the sender's own messages
	}
	switch m.Kind {
	case broadcast.KindRequest:
		l.handleRequest(m)
	case broadcast.KindDeny:
		l.handleDeny(m)
	case broadcast.KindGrant:
		l.handleClaim(m)
	case broadcast.KindHeartbeat:
		l.handleHeartbeat(m)
	case broadcast.KindRelease:
		l.handleRelease(m)
	}
}

// handleRequest: only the current holder answers; everyone else stays silent.
func (l *Lock) handleRequest(m broadcast.Message) {
	if l.st != stateHolder {
		return
	}
	l.mets.DenialsSent.Inc()
	l.send(broadcast.Message{
		Kind:     broadcast.KindDeny,
		SenderID: l.id,
		HolderID: l.id,
		TargetID: m.SenderID,
	})
}

// handleDeny: a denial addressed to this peer settles a pending request.
// The denial itself counts as proof of life, so the staleness clock restarts.
func (l *Lock) handleDeny(m broadcast.Message) {
	if m.TargetID != l.id {
		return
	}
	if l.st == stateHolder {
		// The denial arrived after our wait timer already fired: the denier
		// held the lock when we requested, so our claim was false. Step down.
		l.log.Warnw("late denial, stepping down", "peer", l.id, "holder", m.SenderID)
		l.loseHolder(m.SenderID)
		return
	}
	if l.st != statePending {
		return
	}
	l.mets.DenialsReceived.Inc()
	if l.acquireTimer != nil {
		l.acquireTimer.Stop()
		l.acquireTimer = nil
	}
	l.st = stateNonHolder
	l.holderID = m.HolderID
	if l.holderID == "" {
		l.holderID = m.SenderID
	}
	l.lastBeat = time.Now()
	l.resolveWaiters(false)
	l.queueNotify(false)
}

// handleClaim processes a grant: the sender has declared itself holder.
func (l *Lock) handleClaim(m broadcast.Message) {
	if l.st == stateHolder {
		l.maybeYield(m.SenderID)
		return
	}
	l.holderID = m.SenderID
	l.lastBeat = time.Now()
}

func (l *Lock) handleHeartbeat(m broadcast.Message) {
	if l.st == stateHolder {
		l.maybeYield(m.SenderID)
		return
	}
	if l.holderID == "" || l.holderID == m.SenderID {
		l.holderID = m.SenderID
		l.lastBeat = time.Now()
	}
}

// maybeYield resolves a dual-holder window. Every peer evaluates the same
// rule from the same message set: the lexicographically smaller identifier
// keeps the lock, so exactly one of two concurrent holders steps down.
func (l *Lock) maybeYield(otherID string) {
	if otherID >= l.id {
		return
	}
	l.log.Warnw("yielding to concurrent holder", "peer", l.id, "winner", otherID)
	l.loseHolder(otherID)
}

// handleRelease is the fast recovery path: the believed holder said goodbye,
// so re-acquire immediately instead of waiting out the staleness threshold.
func (l *Lock) handleRelease(m broadcast.Message) {
	if l.st != stateNonHolder || l.holderID != m.SenderID {
		return
	}
	l.holderID = ""
	l.lastBeat = time.Time{}
	l.startAcquisition()
}

func (l *Lock) resolveWaiters(holder bool) {
	for _, w := range l.waiters {
		select {
		case w <- holder:
		default:
		}
	}
	l.waiters = nil
}

// send broadcasts best-effort. A failed send is equivalent to a message the
// medium dropped, so it is logged and swallowed, never propagated.
func (l *Lock) send(m broadcast.Message) {
	if l.transport == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.transport.Send(ctx, m); err != nil {
		l.mets.SendFailures.Inc()
		l.log.Warnw("broadcast send failed", "kind", string(m.Kind), "peer", l.id, "err", err)
	}
}

func (l *Lock) teardown() {
	if l.st == stateHolder && l.transport != nil {
		l.send(broadcast.Message{Kind: broadcast.KindRelease, SenderID: l.id})
	}
	wasHolder := l.st == stateHolder
	l.st = stateNonHolder
	l.holder.Store(false)
	l.mets.Holder.Set(0)
	if l.acquireTimer != nil {
		l.acquireTimer.Stop()
		l.acquireTimer = nil
	}
	if l.beatTicker != nil {
		l.beatTicker.Stop()
		l.beatTicker = nil
	}
	if l.staleTicker != nil {
		l.staleTicker.Stop()
		l.staleTicker = nil
	}
	if l.subCancel != nil {
		l.subCancel()
		l.subCancel = nil
	}
	l.resolveWaiters(false)
	if wasHolder {
		l.queueNotify(false)
	}
}
