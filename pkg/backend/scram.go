package backend

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

// scramClient runs the client side of SCRAM-SHA-256 (RFC 5802/7677) with
// the gs2 header "n,," since channel binding is not offered.
type scramClient struct {
	password    []byte
	clientNonce []byte

	clientFirstBare []byte

	serverFirst []byte
	fullNonce   []byte
	salt        []byte
	iterations  int

	saltedPassword []byte
	authMessage    []byte
}

func newScramClient(password string) (*scramClient, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	nonce := make([]byte, base64.RawStdEncoding.EncodedLen(len(raw)))
	base64.RawStdEncoding.Encode(nonce, raw)

	// Same normalization PostgreSQL applies; a password that fails
	// SASLprep is sent as-is.
	if prepared, err := stringprep.SASLprep.Prepare(password); err == nil {
		password = prepared
	}
	return &scramClient{
		password:    []byte(password),
		clientNonce: nonce,
	}, nil
}

func (sc *scramClient) clientFirstMessage() []byte {
	sc.clientFirstBare = fmt.Appendf(nil, "n=,r=%s", sc.clientNonce)
	return append([]byte("n,,"), sc.clientFirstBare...)
}

func (sc *scramClient) recvServerFirstMessage(msg []byte) error {
	sc.serverFirst = bytes.Clone(msg)

	attrs, err := splitScramAttrs(sc.serverFirst, "r", "s", "i")
	if err != nil {
		return fmt.Errorf("server-first-message: %w", err)
	}

	sc.fullNonce = attrs[0]
	if !bytes.HasPrefix(sc.fullNonce, sc.clientNonce) || len(sc.fullNonce) <= len(sc.clientNonce) {
		return errors.New("server-first-message: nonce does not extend client nonce")
	}

	sc.salt, err = base64.StdEncoding.DecodeString(string(attrs[1]))
	if err != nil {
		return fmt.Errorf("server-first-message: bad salt: %w", err)
	}

	sc.iterations, err = strconv.Atoi(string(attrs[2]))
	if err != nil || sc.iterations <= 0 {
		return errors.New("server-first-message: bad iteration count")
	}
	return nil
}

func (sc *scramClient) clientFinalMessage() []byte {
	// "biws" is base64("n,,"), echoing the gs2 header.
	withoutProof := fmt.Appendf(nil, "c=biws,r=%s", sc.fullNonce)

	sc.saltedPassword = pbkdf2.Key(sc.password, sc.salt, sc.iterations, 32, sha256.New)
	sc.authMessage = bytes.Join([][]byte{sc.clientFirstBare, sc.serverFirst, withoutProof}, []byte(","))

	clientKey := hmacSHA256(sc.saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSig := hmacSHA256(storedKey[:], sc.authMessage)

	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSig[i]
	}

	return fmt.Appendf(withoutProof, ",p=%s", base64.StdEncoding.EncodeToString(proof))
}

// recvServerFinalMessage checks the server signature, proving the server
// also knows the password derivation.
func (sc *scramClient) recvServerFinalMessage(msg []byte) error {
	attrs, err := splitScramAttrs(msg, "v")
	if err != nil {
		return fmt.Errorf("server-final-message: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(string(attrs[0]))
	if err != nil {
		return fmt.Errorf("server-final-message: bad verifier: %w", err)
	}

	serverKey := hmacSHA256(sc.saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, sc.authMessage)
	if !hmac.Equal(want, serverSig) {
		return errors.New("server signature mismatch")
	}
	return nil
}

// splitScramAttrs parses "k1=v1,k2=v2,..." requiring the given attribute
// names in order. The final attribute keeps any embedded commas.
func splitScramAttrs(msg []byte, names ...string) ([][]byte, error) {
	out := make([][]byte, 0, len(names))
	rest := msg
	for i, name := range names {
		prefix := []byte(name + "=")
		if !bytes.HasPrefix(rest, prefix) {
			return nil, fmt.Errorf("missing attribute %q", name)
		}
		rest = rest[len(prefix):]
		if i == len(names)-1 {
			out = append(out, rest)
			break
		}
		idx := bytes.IndexByte(rest, ',')
		if idx == -1 {
			return nil, fmt.Errorf("missing attribute after %q", name)
		}
		out = append(out, rest[:idx])
		rest = rest[idx+1:]
	}
	return out, nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
