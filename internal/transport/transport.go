// Package transport carries voice datagrams between a local and a remote
// UDP endpoint. Transports are cached per endpoint pair by a Factory.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/metrics"
)

// UDP is a bound, connected socket. One send and one receive may be in
// flight at a time; concurrent calls in the same direction queue up in
// arrival order.
type UDP struct {
	local  netip.AddrPort
	remote netip.AddrPort
	conn   *net.UDPConn

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Dial binds local and connects to remote. A zero local address lets the
// kernel choose.
func Dial(local, remote netip.AddrPort) (*UDP, error) {
	var laddr *net.UDPAddr
	if local.IsValid() {
		laddr = net.UDPAddrFromAddrPort(local)
	}
	conn, err := net.DialUDP("udp", laddr, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w: %w", remote, errs.ErrTransport, err)
	}
	return &UDP{
		local:  local,
		remote: remote,
		conn:   conn,
	}, nil
}

// LocalAddr returns the address the socket is bound to.
func (u *UDP) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// RemoteAddr returns the remote endpoint.
func (u *UDP) RemoteAddr() netip.AddrPort {
	return u.remote
}

// Send writes one datagram.
func (u *UDP) Send(ctx context.Context, b []byte) error {
	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := u.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w: %w", errs.ErrTransport, err)
	}
	n, err := u.conn.Write(b)
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w: %w", u.remote, errs.ErrTransport, err)
	}
	metrics.PacketsSent.Inc()
	metrics.BytesSent.Add(float64(n))
	return nil
}

// ReceiveInto reads one datagram into buf and returns its length. It
// returns when ctx is done.
func (u *UDP) ReceiveInto(ctx context.Context, buf []byte) (int, error) {
	u.recvMu.Lock()
	defer u.recvMu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deadline, _ := ctx.Deadline()
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("failed to set read deadline: %w: %w", errs.ErrTransport, err)
	}

	stop := context.AfterFunc(ctx, func() {
		// unblocks the pending read
		_ = u.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := u.conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("failed to receive from %s: %w: %w", u.remote, errs.ErrTransport, err)
	}
	metrics.PacketsReceived.Inc()
	metrics.BytesReceived.Add(float64(n))
	return n, nil
}

// Close releases the socket. Calling it more than once is safe.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.conn.Close()
	})
	return u.closeErr
}

type endpointPair struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

// Factory caches one transport per endpoint pair. It is the only transport
// state shared between sessions and is safe for concurrent use.
type Factory struct {
	mu         sync.Mutex
	transports map[endpointPair]*UDP
	dial       func(local, remote netip.AddrPort) (*UDP, error)
	logger     *slog.Logger
}

// NewFactory returns an empty factory.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		transports: make(map[endpointPair]*UDP),
		dial:       Dial,
		logger:     logger,
	}
}

// GetOrCreate returns the cached transport for the pair, dialing it on
// first use.
func (f *Factory) GetOrCreate(local, remote netip.AddrPort) (*UDP, error) {
	key := endpointPair{local: local, remote: remote}

	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.transports[key]; ok {
		return t, nil
	}
	t, err := f.dial(local, remote)
	if err != nil {
		return nil, err
	}
	f.transports[key] = t
	metrics.OpenTransports.Inc()
	f.logger.Debug("opened voice transport", "local", t.LocalAddr().String(), "remote", remote.String())
	return t, nil
}

// Create dials a new transport and caches it under the address it bound
// to. Use it when local leaves the port to the kernel, which would
// otherwise make every caller to the same remote share one socket.
func (f *Factory) Create(local, remote netip.AddrPort) (*UDP, error) {
	t, err := f.dial(local, remote)
	if err != nil {
		return nil, err
	}
	key := endpointPair{local: t.LocalAddr(), remote: remote}

	f.mu.Lock()
	f.transports[key] = t
	f.mu.Unlock()

	metrics.OpenTransports.Inc()
	f.logger.Debug("opened voice transport", "local", key.local.String(), "remote", remote.String())
	return t, nil
}

// Remove closes and evicts the transport for the pair, if any.
func (f *Factory) Remove(local, remote netip.AddrPort) error {
	key := endpointPair{local: local, remote: remote}

	f.mu.Lock()
	t, ok := f.transports[key]
	delete(f.transports, key)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.OpenTransports.Dec()
	return t.Close()
}

// Len returns the number of cached transports.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// Close closes every cached transport.
func (f *Factory) Close() error {
	f.mu.Lock()
	transports := f.transports
	f.transports = make(map[endpointPair]*UDP)
	f.mu.Unlock()

	var err error
	for _, t := range transports {
		metrics.OpenTransports.Dec()
		err = errors.Join(err, t.Close())
	}
	return err
}
