package proxy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// scramMechanismSHA256 is the only SASL mechanism the proxy advertises.
	// SCRAM-SHA-256-PLUS requires channel binding to a TLS connection, and
	// the listener does not terminate TLS.
	scramMechanismSHA256 = "SCRAM-SHA-256"

	scramSaltSize        = 16
	scramServerNonceSize = 18
	scramKeySize         = sha256.Size
)

// errChannelBinding marks a client-first-message whose gs2 flag demands
// channel binding ("p=..."). The caller turns it into a protocol error
// rather than an authentication failure.
var errChannelBinding = errors.New("channel binding is not supported")

// scramConversation runs the server side of a SCRAM-SHA-256 exchange
// (RFC 5802, RFC 7677) for a single client.
//
// PostgreSQL clients usually leave the username empty in the
// client-first-message ("n=,") because the startup packet already names the
// user, so the conversation is bound to a password chosen by the caller and
// never consults the n attribute itself.
type scramConversation struct {
	saltedPassword []byte
	iterations     int
	salt           []byte

	gs2Header   string
	clientBare  string
	serverFirst string
	nonce       string
}

// newScramConversation prepares a conversation verifying the given password.
// The password is normalized with SASLprep the way PostgreSQL does; a
// password that fails normalization is used as-is.
func newScramConversation(password string, iterations int) (*scramConversation, error) {
	salt := make([]byte, scramSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating SCRAM salt: %w", err)
	}
	if normalized, err := stringprep.SASLprep.Prepare(password); err == nil {
		password = normalized
	}
	return &scramConversation{
		saltedPassword: pbkdf2.Key([]byte(password), salt, iterations, scramKeySize, sha256.New),
		iterations:     iterations,
		salt:           salt,
	}, nil
}

// firstMessage consumes the client-first-message and returns the
// server-first-message.
func (c *scramConversation) firstMessage(clientFirst string) (string, error) {
	// gs2-header "," client-first-message-bare, where the gs2 header is
	// cbind-flag "," [ authzid ].
	parts := strings.SplitN(clientFirst, ",", 3)
	if len(parts) != 3 {
		return "", errors.New("malformed client-first-message")
	}
	switch flag := parts[0]; {
	case flag == "n", flag == "y":
	case strings.HasPrefix(flag, "p="):
		return "", errChannelBinding
	default:
		return "", fmt.Errorf("malformed gs2 channel binding flag %q", flag)
	}
	c.gs2Header = parts[0] + "," + parts[1] + ","
	c.clientBare = parts[2]

	clientNonce := scramAttributes(c.clientBare)["r"]
	if clientNonce == "" {
		return "", errors.New("client-first-message carries no nonce")
	}

	serverNonce := make([]byte, scramServerNonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return "", fmt.Errorf("generating SCRAM nonce: %w", err)
	}
	c.nonce = clientNonce + base64.StdEncoding.EncodeToString(serverNonce)
	c.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d",
		c.nonce, base64.StdEncoding.EncodeToString(c.salt), c.iterations)
	return c.serverFirst, nil
}

// finalMessage consumes the client-final-message, verifies the client proof,
// and returns the server-final-message. Any error means authentication
// failed.
func (c *scramConversation) finalMessage(clientFinal string) (string, error) {
	attrs := scramAttributes(clientFinal)

	binding, err := base64.StdEncoding.DecodeString(attrs["c"])
	if err != nil {
		return "", fmt.Errorf("invalid channel binding encoding: %w", err)
	}
	// Without channel binding the c attribute is just the echoed gs2 header.
	if string(binding) != c.gs2Header {
		return "", errors.New("channel binding does not match client-first-message")
	}

	if attrs["r"] != c.nonce {
		return "", errors.New("nonce does not match server-first-message")
	}

	proofB64 := attrs["p"]
	if proofB64 == "" {
		return "", errors.New("client-final-message carries no proof")
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("invalid proof encoding: %w", err)
	}

	// The p attribute is last, so everything before it is the
	// client-final-message-without-proof used in the AuthMessage.
	idx := strings.LastIndex(clientFinal, ",p=")
	if idx < 0 {
		return "", errors.New("malformed client-final-message")
	}
	authMessage := c.clientBare + "," + c.serverFirst + "," + clientFinal[:idx]

	clientKey := scramHMAC(c.saltedPassword, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	signature := scramHMAC(storedKey[:], authMessage)

	if len(proof) != len(signature) {
		return "", errors.New("proof verification failed")
	}
	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ signature[i]
	}
	recoveredStored := sha256.Sum256(recovered)
	if !hmac.Equal(storedKey[:], recoveredStored[:]) {
		return "", errors.New("proof verification failed")
	}

	serverKey := scramHMAC(c.saltedPassword, "Server Key")
	return "v=" + base64.StdEncoding.EncodeToString(scramHMAC(serverKey, authMessage)), nil
}

// scramClientUsername returns the decoded n attribute of a
// client-first-message, or "" when the client left it out.
func scramClientUsername(clientFirst string) string {
	parts := strings.SplitN(clientFirst, ",", 3)
	if len(parts) != 3 {
		return ""
	}
	name := scramAttributes(parts[2])["n"]
	name = strings.ReplaceAll(name, "=2C", ",")
	name = strings.ReplaceAll(name, "=3D", "=")
	return name
}

// scramAttributes parses the comma separated attr=value list SCRAM messages
// are built from. Values may themselves contain '=' (base64 padding), so
// only the first '=' splits.
func scramAttributes(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if k, v, ok := strings.Cut(part, "="); ok && len(k) == 1 {
			attrs[k] = v
		}
	}
	return attrs
}

func scramHMAC(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
