package testing

import (
	"context"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgx/v5"
)

func TestMockServer_SimpleQuery(t *testing.T) {
	steps := TrustHandshakeSteps(42, 4242)
	steps = append(steps, SimpleQuerySteps("SELECT 1", "SELECT 1")...)
	steps = append(steps, WaitForClose())

	server := NewMockServer(t, steps...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, "postgres://postgres@"+server.Addr()+"/postgres?sslmode=disable")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		t.Fatalf("exec: %v", err)
	}

	conn.Close(ctx)
	if err := <-errCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestMockServer_CleartextAuth(t *testing.T) {
	steps := []pgmock.Step{
		ExpectAnyStartup(),
		SendCleartextAuthRequest(),
		ExpectPassword("hunter2"),
	}
	steps = append(steps, FinishAuthSteps(7, 77)...)
	steps = append(steps, WaitForClose())

	server := NewMockServer(t, steps...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, "postgres://postgres:hunter2@"+server.Addr()+"/postgres?sslmode=disable")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn.Close(ctx)

	if err := <-errCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestMockServer_QueuedScripts(t *testing.T) {
	server := NewMockServer(t)
	for i := 0; i < 2; i++ {
		steps := TrustHandshakeSteps(uint32(i+1), 100)
		steps = append(steps, WaitForClose())
		server.Enqueue(steps...)
	}
	server.ServeBackground()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		conn, err := pgx.Connect(ctx, "postgres://postgres@"+server.Addr()+"/postgres?sslmode=disable")
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		conn.Close(ctx)
	}
}
