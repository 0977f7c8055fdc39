package backend

import (
	"log/slog"
	"strings"

	"github.com/pgtether/pgtether/pkg/pgwire"
)

// Key identifies which backend sessions are interchangeable: same user,
// same database, same tracked startup parameters in the same client-sent
// order. Two connections may serve each other's sessions only when their
// keys are equal; nothing is ever reset or renegotiated across a match.
//
// Key is comparable and usable as a map key.
type Key struct {
	User     string
	Database string

	// encodedParams is the tracked startup parameters canonically encoded
	// as NUL-separated name/value pairs, preserving order.
	encodedParams string
}

// NewKey builds a Key. params must already exclude user and database and
// keep the client-sent order.
func NewKey(user, database string, params []pgwire.Param) Key {
	if database == "" {
		database = user
	}
	var b strings.Builder
	for _, p := range params {
		b.WriteString(p.Name)
		b.WriteByte(0)
		b.WriteString(p.Value)
		b.WriteByte(0)
	}
	return Key{User: user, Database: database, encodedParams: b.String()}
}

// Params decodes the tracked startup parameters in their original order.
func (k Key) Params() []pgwire.Param {
	if k.encodedParams == "" {
		return nil
	}
	fields := strings.Split(strings.TrimSuffix(k.encodedParams, "\x00"), "\x00")
	out := make([]pgwire.Param, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		out = append(out, pgwire.Param{Name: fields[i], Value: fields[i+1]})
	}
	return out
}

// StartupParams returns the full ordered parameter list for a startup
// packet: user, database, then the tracked parameters.
func (k Key) StartupParams() []pgwire.Param {
	out := make([]pgwire.Param, 0, 2+len(k.Params()))
	out = append(out, pgwire.Param{Name: "user", Value: k.User})
	out = append(out, pgwire.Param{Name: "database", Value: k.Database})
	return append(out, k.Params()...)
}

// String renders the key for logs: user@database plus any parameters.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.User)
	b.WriteByte('@')
	b.WriteString(k.Database)
	for i, p := range k.Params() {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// LogValue keeps keys structured in slog output.
func (k Key) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user", k.User),
		slog.String("database", k.Database),
	)
}
