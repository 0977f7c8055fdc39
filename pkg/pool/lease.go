package pool

import (
	"fmt"
	"sync/atomic"

	"github.com/pgtether/pgtether/pkg/backend"
)

// Outcome is the lessee's judgement of the connection's stream position
// at release time.
type Outcome int

const (
	// OutcomeClean means the connection sits at a known message boundary
	// with no reply bytes in flight. The pool may reuse it, rolling back
	// an open transaction first if policy allows.
	OutcomeClean Outcome = iota

	// OutcomeDirty means the stream position is unknown (a read was in
	// flight, or a transport or protocol error occurred). The connection
	// is discarded.
	OutcomeDirty
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeDirty:
		return "dirty"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Lease is exclusive ownership of one backend connection between Acquire
// and Release.
type Lease struct {
	m        *Manager
	conn     *backend.Conn
	released atomic.Bool
}

// Conn is the leased connection. Invalid after Release.
func (l *Lease) Conn() *backend.Conn { return l.conn }

// Key is the pooling identity the lease was acquired under.
func (l *Lease) Key() backend.Key { return l.conn.Key() }

// Release returns the connection to the pool. Further calls do nothing,
// so teardown paths may release without coordinating.
func (l *Lease) Release(outcome Outcome) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.m.release(l.conn, outcome)
}
