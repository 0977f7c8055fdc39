package proxy

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgtether/pgtether/pkg/backend"
	"github.com/pgtether/pgtether/pkg/config"
	"github.com/pgtether/pgtether/pkg/pgwire"
)

type authPhase int

const (
	authPhaseDone authPhase = iota
	authPhasePassword
	authPhaseMD5
	authPhaseSASLFirst
	authPhaseSASLFinal
)

// AuthSession drives one client authentication exchange as a state
// machine over wire frames. It performs no I/O: Begin returns the first
// server message to send (nil under trust), and each Advance consumes
// one client frame and returns the next messages to send. The exchange
// is over when Done reports true; any error ends the session.
//
// Every tag-'p' frame is ambiguous on the wire (PasswordMessage,
// SASLInitialResponse, SASLResponse share it), so the current phase
// picks the decoding.
type AuthSession struct {
	mode       config.AuthMode
	username   string
	users      map[string]UserCredentials
	iterations int

	phase    authPhase
	salt     [4]byte
	scram    *scramConversation
	mockUser bool
	matched  UserCredentials
}

func newAuthSession(mode config.AuthMode, username string, users map[string]UserCredentials, iterations int) *AuthSession {
	return &AuthSession{mode: mode, username: username, users: users, iterations: iterations}
}

// Begin returns the authentication request to send to the client, or nil
// when the mode requires no exchange.
func (a *AuthSession) Begin() (pgproto3.BackendMessage, error) {
	switch a.mode {
	case config.AuthTrust:
		a.matched = a.credentialsOrDefault()
		a.phase = authPhaseDone
		return nil, nil
	case config.AuthPassword:
		a.phase = authPhasePassword
		return &pgproto3.AuthenticationCleartextPassword{}, nil
	case config.AuthMD5:
		if _, err := rand.Read(a.salt[:]); err != nil {
			return nil, fmt.Errorf("generate md5 salt: %w", err)
		}
		a.phase = authPhaseMD5
		return &pgproto3.AuthenticationMD5Password{Salt: a.salt}, nil
	case config.AuthSCRAM:
		u, known := a.users[a.username]
		if !known {
			// Run the exchange against an empty password so probing an
			// unknown user looks exactly like a wrong password. The final
			// message fails regardless of the proof.
			u = NewUserCredentials(a.username, "")
			a.mockUser = true
		}
		conv, err := newScramConversation(u.Password(), a.iterations)
		if err != nil {
			return nil, err
		}
		a.scram = conv
		a.matched = u
		a.phase = authPhaseSASLFirst
		return &pgproto3.AuthenticationSASL{AuthMechanisms: []string{scramMechanismSHA256}}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", a.mode)
	}
}

// Advance consumes one client frame and returns the authentication
// messages to send next. A returned *pgwire.Err is ready to forward to
// the client verbatim.
func (a *AuthSession) Advance(f pgwire.Frame) ([]pgproto3.BackendMessage, error) {
	if f.Type != pgwire.MsgClientPassword {
		return nil, pgwire.NewProtocolViolation(nil,
			fmt.Sprintf("expected password message during authentication, got %v", f.Type))
	}
	switch a.phase {
	case authPhasePassword:
		return nil, a.handleCleartext(f)
	case authPhaseMD5:
		return nil, a.handleMD5(f)
	case authPhaseSASLFirst:
		return a.handleSASLFirst(f)
	case authPhaseSASLFinal:
		return a.handleSASLFinal(f)
	default:
		return nil, pgwire.NewProtocolViolation(nil, "unexpected password message")
	}
}

// Done reports whether the exchange has completed successfully.
func (a *AuthSession) Done() bool {
	return a.phase == authPhaseDone
}

// Credentials returns the authenticated user's credentials. Under trust
// the password may be empty when the user is not in the server's table.
func (a *AuthSession) Credentials() UserCredentials {
	return a.matched
}

func (a *AuthSession) credentialsOrDefault() UserCredentials {
	if u, ok := a.users[a.username]; ok {
		return u
	}
	return NewUserCredentials(a.username, "")
}

func (a *AuthSession) handleCleartext(f pgwire.Frame) error {
	var msg pgproto3.PasswordMessage
	if err := msg.Decode(f.Body); err != nil {
		return pgwire.NewProtocolViolation(err, "malformed password message")
	}
	u, known := a.users[a.username]
	if !known || !constantTimeCompare([]byte(msg.Password), []byte(u.Password())) {
		return a.failed(nil)
	}
	a.matched = u
	a.phase = authPhaseDone
	return nil
}

func (a *AuthSession) handleMD5(f pgwire.Frame) error {
	var msg pgproto3.PasswordMessage
	if err := msg.Decode(f.Body); err != nil {
		return pgwire.NewProtocolViolation(err, "malformed password message")
	}
	u, known := a.users[a.username]
	expected := backend.ComputeMD5Password(a.username, u.Password(), a.salt)
	if !known || !constantTimeCompare([]byte(msg.Password), []byte(expected)) {
		return a.failed(nil)
	}
	a.matched = u
	a.phase = authPhaseDone
	return nil
}

func (a *AuthSession) handleSASLFirst(f pgwire.Frame) ([]pgproto3.BackendMessage, error) {
	var init pgproto3.SASLInitialResponse
	if err := init.Decode(f.Body); err != nil {
		return nil, pgwire.NewProtocolViolation(err, "malformed SASLInitialResponse")
	}
	if init.AuthMechanism != scramMechanismSHA256 {
		return nil, pgwire.NewProtocolViolation(nil,
			fmt.Sprintf("client selected an invalid SASL authentication mechanism %q", init.AuthMechanism))
	}
	clientFirst := string(init.Data)

	// PostgreSQL clients identify via the startup packet and send an
	// empty SCRAM username. A non-empty one must agree with the startup
	// user or the proof would verify against the wrong credentials.
	if name := scramClientUsername(clientFirst); name != "" && name != a.username {
		return nil, a.failed(fmt.Errorf("scram username %q does not match startup user %q", name, a.username))
	}

	serverFirst, err := a.scram.firstMessage(clientFirst)
	if err != nil {
		if errors.Is(err, errChannelBinding) {
			return nil, pgwire.NewProtocolViolation(err, "channel binding is not supported by this server")
		}
		return nil, pgwire.NewProtocolViolation(err, "malformed SCRAM client-first-message")
	}
	a.phase = authPhaseSASLFinal
	return []pgproto3.BackendMessage{
		&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)},
	}, nil
}

func (a *AuthSession) handleSASLFinal(f pgwire.Frame) ([]pgproto3.BackendMessage, error) {
	var resp pgproto3.SASLResponse
	if err := resp.Decode(f.Body); err != nil {
		return nil, pgwire.NewProtocolViolation(err, "malformed SASLResponse")
	}
	serverFinal, err := a.scram.finalMessage(string(resp.Data))
	if err != nil {
		return nil, a.failed(err)
	}
	if a.mockUser {
		return nil, a.failed(fmt.Errorf("unknown user %q", a.username))
	}
	a.phase = authPhaseDone
	return []pgproto3.BackendMessage{
		&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)},
	}, nil
}

func (a *AuthSession) failed(cause error) error {
	return pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.InvalidPassword,
		fmt.Sprintf("password authentication failed for user %q", a.username), cause)
}
