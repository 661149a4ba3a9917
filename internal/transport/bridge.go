// Bridge pumps bytes between a box's per-box Unix socket and the guest
// agent's vsock port, one goroutine pair per connection, generalized from
// the host-facing unix-socket server shape in the teacher's mux bridge.
package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// Channel names one of the three logical channels sharing this wire
// format; each gets its own vsock port and Unix socket path.
type Channel string

const (
	ChannelExec   Channel = "exec"
	ChannelPTY    Channel = "pty"
	ChannelAttest Channel = "attest"
)

// Bridge listens on a Unix socket and, for each accepted connection,
// dials the guest's vsock port and pumps bytes bidirectionally.
type Bridge struct {
	SocketPath string
	CID        uint32
	Port       uint32
	Channel    Channel
	Logger     *slog.Logger
}

// Serve accepts connections on SocketPath until ctx is cancelled. Stale
// sockets from a prior run are removed before listening.
func (b *Bridge) Serve(ctx context.Context) error {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}

	if err := os.Remove(b.SocketPath); err != nil && !os.IsNotExist(err) {
		return boxerr.Wrap(boxerr.KindIoError, err, "removing stale socket %q", b.SocketPath)
	}

	ln, err := net.Listen("unix", b.SocketPath)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "listening on %q", b.SocketPath)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return boxerr.Wrap(boxerr.KindIoError, err, "accepting on %q", b.SocketPath)
			}
		}
		go b.handle(ctx, conn)
	}
}

func (b *Bridge) handle(ctx context.Context, hostConn net.Conn) {
	defer hostConn.Close()

	guestConn, err := vsock.Dial(b.CID, b.Port, nil)
	if err != nil {
		b.Logger.Error("dialing guest vsock", "channel", b.Channel, "cid", b.CID, "port", b.Port, "error", err)
		return
	}
	defer guestConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(guestConn, hostConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(hostConn, guestConn)
		done <- struct{}{}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}
