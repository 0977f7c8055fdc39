package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/pgtether/pgtether/pkg/config"
)

// UserCredentials pairs a username with its resolved password. Every
// formatting surface redacts the password, so a UserCredentials can pass
// through logs, %v, %#v, and JSON without leaking the secret.
type UserCredentials struct {
	username string
	password string
}

func NewUserCredentials(username, password string) UserCredentials {
	return UserCredentials{username: username, password: password}
}

// Username returns the name the credentials authenticate.
func (u UserCredentials) Username() string {
	return u.username
}

// Password returns the secret itself. The auth exchanges and the backend
// connector are the only intended callers.
func (u UserCredentials) Password() string {
	return u.password
}

func (u UserCredentials) String() string {
	return fmt.Sprintf("UserCredentials{username: %q, password: [REDACTED]}", u.username)
}

// GoString keeps %#v from dumping the struct fields.
func (u UserCredentials) GoString() string {
	return u.String()
}

// Format implements fmt.Formatter so no verb prints the password.
func (u UserCredentials) Format(f fmt.State, verb rune) {
	switch {
	case verb == 'v' && (f.Flag('+') || f.Flag('#')):
		fmt.Fprint(f, u.String())
	default:
		fmt.Fprintf(f, "{%s [REDACTED]}", u.username)
	}
}

func (u UserCredentials) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"username":%q,"password":"[REDACTED]"}`, u.username)), nil
}

func (u UserCredentials) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u UserCredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", u.username),
		slog.String("password", "[REDACTED]"),
	)
}

// resolveUserCredentials materializes a server's configured users through
// the secret cache. It runs once at startup, after Validate has already
// proven every reference resolvable.
func resolveUserCredentials(ctx context.Context, users []config.UserConfig, secrets *config.SecretCache) (map[string]UserCredentials, error) {
	out := make(map[string]UserCredentials, len(users))
	for i := range users {
		username, err := secrets.Get(ctx, users[i].Username)
		if err != nil {
			return nil, fmt.Errorf("users[%d].username: %w", i, err)
		}
		password, err := secrets.Get(ctx, users[i].Password)
		if err != nil {
			return nil, fmt.Errorf("users[%d].password: %w", i, err)
		}
		if _, dup := out[username]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, username)
		}
		out[username] = NewUserCredentials(username, password)
	}
	return out, nil
}

// constantTimeCompare reports whether a and b are equal without leaking
// where they diverge.
func constantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
