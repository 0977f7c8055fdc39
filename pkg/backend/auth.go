package backend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgtether/pgtether/pkg/pgwire"
)

const scramMechanism = "SCRAM-SHA-256"

// answerAuth handles one AuthenticationRequest during the handshake.
// AuthenticationOk is a no-op; the outer loop keeps reading until
// ReadyForQuery.
func (c *Conn) answerAuth(ctx context.Context, f pgwire.Frame, password PasswordFunc) error {
	msg, err := pgwire.BackendMessage(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil

	case *pgproto3.AuthenticationCleartextPassword:
		pw, err := c.resolvePassword(ctx, password)
		if err != nil {
			return err
		}
		return c.sendAuthResponse(&pgproto3.PasswordMessage{Password: pw})

	case *pgproto3.AuthenticationMD5Password:
		pw, err := c.resolvePassword(ctx, password)
		if err != nil {
			return err
		}
		hashed := ComputeMD5Password(c.key.User, pw, m.Salt)
		return c.sendAuthResponse(&pgproto3.PasswordMessage{Password: hashed})

	case *pgproto3.AuthenticationSASL:
		pw, err := c.resolvePassword(ctx, password)
		if err != nil {
			return err
		}
		return c.saslHandshake(m, pw)

	default:
		return fmt.Errorf("%w: unsupported authentication request %T", ErrHandshakeFailed, msg)
	}
}

func (c *Conn) resolvePassword(ctx context.Context, password PasswordFunc) (string, error) {
	if password == nil {
		return "", fmt.Errorf("%w: server requested a password but none is configured for %v", ErrHandshakeFailed, c.key)
	}
	pw, err := password(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: resolve password: %v", ErrHandshakeFailed, err)
	}
	return pw, nil
}

func (c *Conn) sendAuthResponse(msg pgproto3.FrontendMessage) error {
	if err := c.sendMessage(msg); err != nil {
		return fmt.Errorf("%w: write auth response: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// saslHandshake runs the SCRAM-SHA-256 exchange: SASLInitialResponse,
// SASLContinue, SASLResponse, SASLFinal. The outer handshake loop then
// sees AuthenticationOk.
func (c *Conn) saslHandshake(m *pgproto3.AuthenticationSASL, password string) error {
	if !slices.Contains(m.AuthMechanisms, scramMechanism) {
		return fmt.Errorf("%w: no supported SASL mechanism among %v", ErrHandshakeFailed, m.AuthMechanisms)
	}

	sc, err := newScramClient(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	err = c.sendAuthResponse(&pgproto3.SASLInitialResponse{
		AuthMechanism: scramMechanism,
		Data:          sc.clientFirstMessage(),
	})
	if err != nil {
		return err
	}

	cont, err := c.readSASL(func(msg pgproto3.BackendMessage) ([]byte, bool) {
		m, ok := msg.(*pgproto3.AuthenticationSASLContinue)
		if !ok {
			return nil, false
		}
		return m.Data, true
	}, "SASLContinue")
	if err != nil {
		return err
	}
	if err := sc.recvServerFirstMessage(cont); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if err := c.sendAuthResponse(&pgproto3.SASLResponse{Data: sc.clientFinalMessage()}); err != nil {
		return err
	}

	final, err := c.readSASL(func(msg pgproto3.BackendMessage) ([]byte, bool) {
		m, ok := msg.(*pgproto3.AuthenticationSASLFinal)
		if !ok {
			return nil, false
		}
		return m.Data, true
	}, "SASLFinal")
	if err != nil {
		return err
	}
	if err := sc.recvServerFinalMessage(final); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// readSASL reads the next frame of a SASL exchange, turning server
// ErrorResponses (bad password, unknown user) into handshake failures.
func (c *Conn) readSASL(extract func(pgproto3.BackendMessage) ([]byte, bool), want string) ([]byte, error) {
	f, err := c.scanner.Scan()
	if err != nil {
		return nil, handshakeReadError(err)
	}
	if f.Type == pgwire.MsgServerErrorResponse {
		return nil, c.handshakeServerError(f)
	}
	msg, err := pgwire.BackendMessage(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	data, ok := extract(msg)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %T", ErrHandshakeFailed, want, msg)
	}
	return data, nil
}

// ComputeMD5Password builds the response to an MD5 challenge:
// "md5" + hex(md5(hex(md5(password + user)) + salt)).
func ComputeMD5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}
