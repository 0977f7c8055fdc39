// Package pool multiplexes many client sessions onto few backend
// connections. Connections are pooled per Key, admission to the global
// budget is FIFO, and released connections hand off directly to the
// oldest same-key waiter before touching the idle list.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgtether/pgtether/pkg/backend"
)

var (
	// ErrPoolExhausted: the pool is at max_size and the caller's deadline
	// left no room to wait.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrAcquireTimeout: the caller waited its full deadline without a
	// connection becoming available.
	ErrAcquireTimeout = errors.New("timed out waiting for a backend connection")

	// ErrPoolShuttingDown: Shutdown has begun; no new admissions.
	ErrPoolShuttingDown = errors.New("pool is shutting down")
)

const (
	// resetTimeout bounds the pool's own ROLLBACK when reclaiming a
	// connection whose session disappeared mid-transaction.
	resetTimeout = 15 * time.Second

	// probeTimeout bounds reaper liveness pings.
	probeTimeout = 5 * time.Second
)

// ConnectFunc establishes one authenticated backend connection for a
// key. The proxy builds it from server config and the secret cache.
type ConnectFunc func(ctx context.Context, key backend.Key) (*backend.Conn, error)

// CancelFunc fires an out-of-band cancel request for a backend identity.
type CancelFunc func(ctx context.Context, pid, secret uint32) error

// Config tunes one Manager.
type Config struct {
	// MaxSize is the global budget: connecting, idle, and leased
	// connections together never exceed it.
	MaxSize int

	// MinSize is the floor below which the reaper stops evicting.
	MinSize int

	// AcquireTimeout bounds each Acquire. Zero means the caller's
	// context is the only limit.
	AcquireTimeout time.Duration

	// IdleTimeout evicts connections idle longer than this. Idle
	// connections past half of it get a liveness probe.
	IdleTimeout time.Duration

	// MaxConnectionLifetime retires connections by age, at release and
	// from the reaper.
	MaxConnectionLifetime time.Duration

	// HealthCheckInterval is the reaper period. Zero disables it.
	HealthCheckInterval time.Duration

	// RollbackOnDisconnect lets the pool reclaim cleanly-released
	// connections stuck in a transaction by rolling them back instead of
	// discarding them.
	RollbackOnDisconnect bool

	// OnClose observes every connection the pool closes, labeled with a
	// short reason. May be nil.
	OnClose func(reason string)
}

// Manager owns every backend connection and its lifecycle.
type Manager struct {
	cfg     Config
	connect ConnectFunc
	cancel  CancelFunc
	logger  *slog.Logger

	// baseCtx parents background work (pool-initiated spawns, rollbacks,
	// probes) so force-shutdown can cut it all off.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	keys         map[backend.Key]*keyPool
	leasedSet    map[*backend.Conn]struct{}
	connecting   int
	idleCount    int
	waiting      int
	shuttingDown bool

	reaperStop chan struct{}
	reaperDone chan struct{}
	forceCh    chan struct{}
	forceOnce  sync.Once
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	// Total is connecting + idle + leased, the budget in use.
	Total      int
	Idle       int
	Leased     int
	Connecting int
	Waiting    int
}

// NewManager starts a pool. The reaper runs until Shutdown when
// HealthCheckInterval is set.
func NewManager(cfg Config, connect ConnectFunc, cancel CancelFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		connect:    connect,
		cancel:     cancel,
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		keys:       make(map[backend.Key]*keyPool),
		leasedSet:  make(map[*backend.Conn]struct{}),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
		forceCh:    make(chan struct{}),
	}
	go m.runReaper()
	return m
}

// keyPoolLocked returns the shard for key, creating it if needed.
func (m *Manager) keyPoolLocked(key backend.Key) *keyPool {
	kp := m.keys[key]
	if kp == nil {
		kp = newKeyPool()
		m.keys[key] = kp
	}
	return kp
}

func (m *Manager) totalLocked() int {
	return m.connecting + m.idleCount + len(m.leasedSet)
}

// Acquire leases a connection for key: reuse the warmest idle one, else
// connect within the budget, else queue FIFO behind earlier waiters. The
// effective deadline is the caller's context capped by AcquireTimeout.
func (m *Manager) Acquire(ctx context.Context, key backend.Key) (*Lease, error) {
	if m.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.AcquireTimeout)
		defer cancel()
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrPoolShuttingDown
	}

	kp := m.keyPoolLocked(key)
	if conn := kp.popIdle(); conn != nil {
		m.idleCount--
		m.leasedSet[conn] = struct{}{}
		m.mu.Unlock()
		conn.MarkLeased()
		return &Lease{m: m, conn: conn}, nil
	}

	if m.totalLocked() < m.cfg.MaxSize {
		m.connecting++
		m.mu.Unlock()
		return m.connectForCaller(ctx, key)
	}

	if ctx.Err() != nil {
		waiting := m.waiting
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d connections in use, %d waiting", ErrPoolExhausted, m.cfg.MaxSize, waiting)
	}

	w := newWaiter(key)
	w.elem = kp.waiters.PushBack(w)
	m.waiting++
	waiting := m.waiting
	// Another key may be hoarding idle budget; a waiter arriving is a
	// scheduling event like a freed slot.
	m.serviceQueueLocked()
	m.mu.Unlock()

	m.logger.Debug("acquire queued", "key", key, "waiting", waiting)
	return m.await(ctx, w)
}

// connectForCaller runs the synchronous spawn of Acquire step two. The
// budget slot was charged by the caller; failure returns it and surfaces
// the handshake error to this caller only.
func (m *Manager) connectForCaller(ctx context.Context, key backend.Key) (*Lease, error) {
	conn, err := m.connect(ctx, key)

	m.mu.Lock()
	m.connecting--
	if err != nil {
		m.serviceQueueLocked()
		m.mu.Unlock()
		return nil, err
	}
	m.leasedSet[conn] = struct{}{}
	m.mu.Unlock()

	conn.MarkLeased()
	return &Lease{m: m, conn: conn}, nil
}

// await suspends an enqueued Acquire until hand-off, deadline, or force
// shutdown. A waiter that gave up but lost the fulfillment race receives
// the connection anyway and puts it straight back.
func (m *Manager) await(ctx context.Context, w *waiter) (*Lease, error) {
	select {
	case conn := <-w.ready:
		return &Lease{m: m, conn: conn}, nil

	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrAcquireTimeout, time.Since(w.enqueuedAt).Round(time.Millisecond))
		}
		if w.abandon() {
			m.removeWaiter(w)
			return nil, err
		}
		m.release(<-w.ready, OutcomeClean)
		return nil, err

	case <-m.forceCh:
		if w.abandon() {
			m.removeWaiter(w)
			return nil, ErrPoolShuttingDown
		}
		m.release(<-w.ready, OutcomeClean)
		return nil, ErrPoolShuttingDown
	}
}

func (m *Manager) removeWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kp := m.keys[w.key]; kp != nil {
		kp.waiters.Remove(w.elem)
	}
	m.waiting--
}

// release is the single funnel for returning connections. The connection
// is accounted leased on entry; every branch settles the bookkeeping
// exactly once.
func (m *Manager) release(conn *backend.Conn, outcome Outcome) {
	state := conn.State()
	if outcome == OutcomeDirty || state == backend.StateBroken || state == backend.StateClosed {
		reason := "released_dirty"
		if outcome != OutcomeDirty {
			reason = "broken"
		}
		m.discardLeased(conn, reason)
		return
	}

	if !conn.AtRest() {
		if conn.TxStatus().InTransaction() && m.cfg.RollbackOnDisconnect {
			go m.rollbackAndRequeue(conn)
			return
		}
		m.discardLeased(conn, "mid_stream")
		return
	}

	if m.cfg.MaxConnectionLifetime > 0 && conn.Age() > m.cfg.MaxConnectionLifetime {
		m.discardLeased(conn, "lifetime")
		return
	}

	m.requeue(conn)
}

// rollbackAndRequeue reclaims a connection whose session vanished inside
// a transaction. It stays accounted leased until the rollback settles.
func (m *Manager) rollbackAndRequeue(conn *backend.Conn) {
	ctx, cancel := context.WithTimeout(m.baseCtx, resetTimeout)
	defer cancel()

	if err := conn.Rollback(ctx); err != nil {
		m.logger.Warn("rollback of abandoned transaction failed",
			"conn_id", conn.ID(), "key", conn.Key(), "error", err)
		conn.MarkBroken(err)
		m.discardLeased(conn, "rollback_failed")
		return
	}
	m.logger.Debug("rolled back abandoned transaction", "conn_id", conn.ID(), "key", conn.Key())
	m.release(conn, OutcomeClean)
}

// requeue hands the connection to the oldest same-key waiter, else idles
// it. Hand-off outranks the idle list so a releasing session can never
// leapfrog a queued one.
func (m *Manager) requeue(conn *backend.Conn) {
	m.mu.Lock()
	kp := m.keyPoolLocked(conn.Key())
	if m.deliverLocked(kp, conn) {
		m.mu.Unlock()
		return
	}
	if m.shuttingDown {
		delete(m.leasedSet, conn)
		m.mu.Unlock()
		go m.closeConn(conn, "shutdown")
		return
	}
	delete(m.leasedSet, conn)
	m.idleCount++
	kp.idle.PushFront(conn)
	m.mu.Unlock()
	conn.MarkIdle()
}

// deliverLocked fulfills the oldest pending waiter on kp with conn,
// keeping it accounted leased. Must hold m.mu. False means no waiter
// took it.
func (m *Manager) deliverLocked(kp *keyPool, conn *backend.Conn) bool {
	for {
		w := kp.popWaiterCandidate()
		if w == nil {
			return false
		}
		if w.fulfill(conn) {
			m.waiting--
			m.leasedSet[conn] = struct{}{}
			conn.MarkLeased()
			return true
		}
	}
}

// discardLeased settles a leased connection by closing it and servicing
// the queue with the freed slot.
func (m *Manager) discardLeased(conn *backend.Conn, reason string) {
	m.mu.Lock()
	delete(m.leasedSet, conn)
	m.serviceQueueLocked()
	m.mu.Unlock()

	m.logger.Debug("discarding backend connection",
		"conn_id", conn.ID(), "key", conn.Key(), "reason", reason, "use_count", conn.UseCount())
	go m.closeConn(conn, reason)
}

// closeConn closes conn and reports the close to the OnClose observer.
func (m *Manager) closeConn(conn *backend.Conn, reason string) {
	if m.cfg.OnClose != nil {
		m.cfg.OnClose(reason)
	}
	_ = conn.Close()
}

// serviceQueueLocked reacts to a scheduling event (freed budget slot,
// waiter arrival, reaper tick): one pool-initiated spawn for the
// globally oldest waiter's key. When the budget is full of idle
// connections under other keys, the stalest of them is retired to make
// room. One spawn per event, and a failed spawn does not cascade; the
// next event tries again, so waiters see persistent backend failure as
// a timeout rather than a retry storm.
func (m *Manager) serviceQueueLocked() {
	if m.shuttingDown {
		return
	}

	var oldest *waiter
	for _, kp := range m.keys {
		w := kp.peekPending()
		if w == nil {
			continue
		}
		if oldest == nil || w.enqueuedAt.Before(oldest.enqueuedAt) {
			oldest = w
		}
	}
	if oldest == nil {
		return
	}

	if m.totalLocked() >= m.cfg.MaxSize {
		victim := m.idleVictimLocked(oldest.key)
		if victim == nil {
			return
		}
		m.idleCount--
		m.logger.Debug("retiring idle connection for budget",
			"conn_id", victim.ID(), "key", victim.Key(), "for_key", oldest.key)
		go m.closeConn(victim, "retired")
	}

	m.connecting++
	go m.spawnForKey(oldest.key)
}

// idleVictimLocked removes and returns the least recently used idle
// connection under any key other than keep. Nil when no other key has
// idle connections; same-key idle never exists while same-key waiters
// do, because releases hand off first.
func (m *Manager) idleVictimLocked(keep backend.Key) *backend.Conn {
	var (
		victim     *backend.Conn
		victimElem *list.Element
		victimList *list.List
	)
	for key, kp := range m.keys {
		if key == keep {
			continue
		}
		e := kp.idle.Back()
		if e == nil {
			continue
		}
		conn := e.Value.(*backend.Conn)
		if victim == nil || conn.LastUsedAt().Before(victim.LastUsedAt()) {
			victim, victimElem, victimList = conn, e, kp.idle
		}
	}
	if victim != nil {
		victimList.Remove(victimElem)
	}
	return victim
}

// spawnForKey connects on behalf of queued waiters. The new connection
// goes to the oldest same-key waiter still pending, or idles if everyone
// left meanwhile.
func (m *Manager) spawnForKey(key backend.Key) {
	conn, err := m.connect(m.baseCtx, key)

	m.mu.Lock()
	m.connecting--
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("pool-initiated connect failed", "key", key, "error", err)
		return
	}

	kp := m.keyPoolLocked(key)
	if m.deliverLocked(kp, conn) {
		m.mu.Unlock()
		return
	}
	if m.shuttingDown {
		m.mu.Unlock()
		go m.closeConn(conn, "shutdown")
		return
	}
	m.idleCount++
	kp.idle.PushFront(conn)
	m.mu.Unlock()
	conn.MarkIdle()
}

// Cancel routes an out-of-band cancel request to the backend that issued
// (pid, secret). It touches no pool bookkeeping.
func (m *Manager) Cancel(ctx context.Context, pid, secret uint32) error {
	if m.cancel == nil {
		return errors.New("pool: no cancel function configured")
	}
	return m.cancel(ctx, pid, secret)
}

// Stats snapshots occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Total:      m.totalLocked(),
		Idle:       m.idleCount,
		Leased:     len(m.leasedSet),
		Connecting: m.connecting,
		Waiting:    m.waiting,
	}
}

// Shutdown stops admissions, lets in-flight leases and already-queued
// waiters drain until ctx expires, then force-closes what remains and
// fails leftover waiters with ErrPoolShuttingDown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	m.mu.Unlock()

	close(m.reaperStop)
	<-m.reaperDone

	drained := m.waitDrained(ctx)

	m.forceOnce.Do(func() { close(m.forceCh) })
	m.baseCancel()

	m.mu.Lock()
	conns := make([]*backend.Conn, 0, len(m.leasedSet)+m.idleCount)
	for conn := range m.leasedSet {
		conns = append(conns, conn)
	}
	for _, kp := range m.keys {
		for e := kp.idle.Front(); e != nil; e = e.Next() {
			conns = append(conns, e.Value.(*backend.Conn))
		}
		kp.idle.Init()
	}
	m.leasedSet = make(map[*backend.Conn]struct{})
	m.idleCount = 0
	m.mu.Unlock()

	for _, conn := range conns {
		m.closeConn(conn, "shutdown")
	}

	if drained {
		m.logger.Info("pool drained cleanly")
		return nil
	}
	m.logger.Warn("pool shutdown forced", "closed", len(conns))
	return ctx.Err()
}

func (m *Manager) waitDrained(ctx context.Context) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		drained := len(m.leasedSet) == 0 && m.waiting == 0 && m.connecting == 0
		m.mu.Unlock()
		if drained {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
