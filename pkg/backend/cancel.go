package backend

import (
	"context"
	"fmt"
	"net"

	"github.com/pgtether/pgtether/pkg/pgwire"
)

// SendCancel opens a throwaway connection to addr and sends a
// CancelRequest for the backend identified by (pid, secret). The server
// acts on the request and closes without replying, so the only failure
// modes are dialing and writing.
func SendCancel(ctx context.Context, dialer Dialer, addr string, pid, secret uint32) error {
	if dialer == nil {
		dialer = (&net.Dialer{}).DialContext
	}
	nc, err := dialer(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrBackendUnavailable, addr, err)
	}
	defer nc.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}

	pkt := pgwire.StartupPacket{
		Kind:      pgwire.KindCancelRequest,
		ProcessID: pid,
		SecretKey: secret,
	}
	if _, err := nc.Write(pkt.Encode()); err != nil {
		return fmt.Errorf("write cancel request: %w", err)
	}

	// Block until the server closes, which is its only acknowledgement.
	_, _ = nc.Read(make([]byte, 1))
	return nil
}
