package pool

import (
	"context"
	"time"

	"github.com/pgtether/pgtether/pkg/backend"
)

// runReaper ticks every HealthCheckInterval until Shutdown.
func (m *Manager) runReaper() {
	defer close(m.reaperDone)

	if m.cfg.HealthCheckInterval <= 0 {
		<-m.reaperStop
		return
	}

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reaperStop:
			return
		case <-ticker.C:
			m.reapOnce(time.Now())
		}
	}
}

// reapOnce walks the idle lists once: evict connections past IdleTimeout
// or MaxConnectionLifetime while the pool stays at or above MinSize,
// liveness-probe connections idle past half the timeout, then re-service
// the admission queue with whatever budget opened up.
//
// Idle lists keep the most recently returned connection at the front, so
// walking from the back visits the stalest first.
func (m *Manager) reapOnce(now time.Time) {
	type eviction struct {
		conn   *backend.Conn
		reason string
	}
	var evict []eviction
	var probe []*backend.Conn

	m.mu.Lock()
	live := m.totalLocked()
	for key, kp := range m.keys {
		for e := kp.idle.Back(); e != nil; {
			prev := e.Prev()
			conn := e.Value.(*backend.Conn)
			idleFor := now.Sub(conn.LastUsedAt())
			age := now.Sub(conn.CreatedAt())

			tooIdle := m.cfg.IdleTimeout > 0 && idleFor > m.cfg.IdleTimeout
			tooOld := m.cfg.MaxConnectionLifetime > 0 && age > m.cfg.MaxConnectionLifetime

			switch {
			case (tooIdle || tooOld) && live > m.cfg.MinSize:
				kp.idle.Remove(e)
				m.idleCount--
				live--
				reason := "idle_timeout"
				if tooOld {
					reason = "lifetime"
				}
				evict = append(evict, eviction{conn, reason})
			case m.cfg.IdleTimeout > 0 && idleFor > m.cfg.IdleTimeout/2:
				// Probe holds the budget slot outside the idle list so
				// the connection cannot be leased mid-ping.
				kp.idle.Remove(e)
				m.idleCount--
				m.connecting++
				probe = append(probe, conn)
			}
			e = prev
		}
		if kp.empty() {
			delete(m.keys, key)
		}
	}
	m.mu.Unlock()

	for _, ev := range evict {
		m.logger.Debug("reaping backend connection",
			"conn_id", ev.conn.ID(), "key", ev.conn.Key(), "reason", ev.reason,
			"age", now.Sub(ev.conn.CreatedAt()), "idle", now.Sub(ev.conn.LastUsedAt()))
		m.retireIdle(ev.conn, ev.reason)
	}
	for _, conn := range probe {
		go m.probeIdle(conn)
	}

	m.mu.Lock()
	m.serviceQueueLocked()
	m.mu.Unlock()
}

// retireIdle closes a connection already removed from all bookkeeping
// and services the queue with the freed slot.
func (m *Manager) retireIdle(conn *backend.Conn, reason string) {
	m.mu.Lock()
	m.serviceQueueLocked()
	m.mu.Unlock()
	go m.closeConn(conn, reason)
}

// probeIdle pings a long-idle connection. Survivors requeue through the
// usual hand-off path; failures free their slot.
func (m *Manager) probeIdle(conn *backend.Conn) {
	ctx, cancel := context.WithTimeout(m.baseCtx, probeTimeout)
	defer cancel()
	err := conn.Ping(ctx)

	m.mu.Lock()
	m.connecting--
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("idle liveness probe failed",
			"conn_id", conn.ID(), "key", conn.Key(), "error", err)
		conn.MarkBroken(err)
		m.retireIdle(conn, "probe_failed")
		return
	}

	kp := m.keyPoolLocked(conn.Key())
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
}
