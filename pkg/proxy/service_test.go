package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgtether/pgtether/pkg/config"
)

// newTestService builds a Service with no servers and no listeners, for
// exercising the shutdown machinery directly.
func newTestService(t *testing.T) *Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Service{
		logger:     slog.New(slog.DiscardHandler),
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		sessions:   make(map[*Session]struct{}),
	}
}

func TestShutdownModeString(t *testing.T) {
	assert.Equal(t, "none", ShutdownNone.String())
	assert.Equal(t, "wait_for_clients", ShutdownWaitForClients.String())
	assert.Equal(t, "immediate", ShutdownImmediate.String())
	assert.Equal(t, "unknown(99)", ShutdownMode(99).String())
}

func TestShutdownEscalation(t *testing.T) {
	svc := newTestService(t)
	require.False(t, svc.IsShuttingDown())

	got := svc.Shutdown(ShutdownWaitForClients)
	assert.Equal(t, ShutdownWaitForClients, got)
	assert.True(t, svc.IsShuttingDown())
	assert.NoError(t, svc.ctx.Err(), "graceful shutdown must not cancel live sessions")
	select {
	case <-svc.shutdownCh:
	default:
		t.Fatal("shutdownCh still open after Shutdown")
	}

	// A second graceful request means the operator is done waiting.
	got = svc.Shutdown(ShutdownWaitForClients)
	assert.Equal(t, ShutdownImmediate, got)
	assert.Error(t, svc.ctx.Err())

	// Immediate is terminal.
	got = svc.Shutdown(ShutdownWaitForClients)
	assert.Equal(t, ShutdownImmediate, got)
	assert.Equal(t, ShutdownImmediate, svc.GetShutdownMode())
}

func TestShutdownImmediateDirect(t *testing.T) {
	svc := newTestService(t)

	got := svc.Shutdown(ShutdownImmediate)
	assert.Equal(t, ShutdownImmediate, got)
	assert.Error(t, svc.ctx.Err())
	select {
	case <-svc.shutdownCh:
	default:
		t.Fatal("shutdownCh still open after immediate shutdown")
	}
}

func TestShutdownNoneReturnsCurrentMode(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, ShutdownNone, svc.Shutdown(ShutdownNone))

	svc.Shutdown(ShutdownWaitForClients)
	assert.Equal(t, ShutdownWaitForClients, svc.Shutdown(ShutdownNone),
		"asking for the current mode must not escalate")
}

func TestShutdownHandlerClosesListeners(t *testing.T) {
	svc := newTestService(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svc.mu.Lock()
	svc.listeners = append(svc.listeners, ln)
	svc.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svc.shutdownHandler()
		close(done)
	}()

	svc.Shutdown(ShutdownWaitForClients)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdownHandler did not run")
	}

	_, err = ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestCancelAllSessions(t *testing.T) {
	svc := newTestService(t)
	srv := &server{svc: svc, cfg: &config.ServerConfig{Name: "test"}, logger: svc.logger}

	client, proxyEnd := net.Pipe()
	defer client.Close()
	sess := newSession(svc, srv, proxyEnd)
	svc.addSession(sess)
	require.Equal(t, 1, svc.SessionCount())

	svc.cancelAllSessions()

	select {
	case <-sess.ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session context not cancelled")
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "client socket should be closed")
}

func TestConcurrentShutdown(t *testing.T) {
	svc := newTestService(t)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				svc.Shutdown(ShutdownWaitForClients)
			} else {
				svc.Shutdown(ShutdownImmediate)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, ShutdownImmediate, svc.GetShutdownMode())
}
