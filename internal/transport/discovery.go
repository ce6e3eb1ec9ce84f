package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/glizzus/voicecore/internal/errs"
)

const (
	discoveryPacketSize = 74
	discoveryBodySize   = 70
	discoveryAddrSize   = 64

	discoveryRequest  = 0x1
	discoveryResponse = 0x2
)

// EncodeDiscoveryRequest builds the IP discovery request for ssrc.
func EncodeDiscoveryRequest(ssrc uint32) []byte {
	b := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(b[0:], discoveryRequest)
	binary.BigEndian.PutUint16(b[2:], discoveryBodySize)
	binary.BigEndian.PutUint32(b[4:], ssrc)
	return b
}

// EncodeDiscoveryResponse builds the reply a voice server sends for a
// discovery request. It is used by test servers.
func EncodeDiscoveryResponse(ssrc uint32, external netip.AddrPort) []byte {
	b := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(b[0:], discoveryResponse)
	binary.BigEndian.PutUint16(b[2:], discoveryBodySize)
	binary.BigEndian.PutUint32(b[4:], ssrc)
	copy(b[8:8+discoveryAddrSize], external.Addr().String())
	binary.BigEndian.PutUint16(b[72:], external.Port())
	return b
}

// DecodeDiscoveryResponse extracts the external address from a discovery
// reply.
func DecodeDiscoveryResponse(b []byte) (netip.AddrPort, error) {
	if len(b) < discoveryPacketSize {
		return netip.AddrPort{}, fmt.Errorf("discovery reply of %d bytes: %w", len(b), errs.ErrProtocolViolation)
	}
	if t := binary.BigEndian.Uint16(b[0:]); t != discoveryResponse {
		return netip.AddrPort{}, fmt.Errorf("discovery reply type %#x: %w", t, errs.ErrProtocolViolation)
	}
	raw := b[8 : 8+discoveryAddrSize]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	addr, err := netip.ParseAddr(string(raw))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("discovery reply address %q: %w", raw, errs.ErrProtocolViolation)
	}
	return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(b[72:])), nil
}

// DiscoverIP asks the voice server which external address it sees for
// this socket.
func (u *UDP) DiscoverIP(ctx context.Context, ssrc uint32) (netip.AddrPort, error) {
	if err := u.Send(ctx, EncodeDiscoveryRequest(ssrc)); err != nil {
		return netip.AddrPort{}, err
	}
	buf := make([]byte, discoveryPacketSize)
	for {
		n, err := u.ReceiveInto(ctx, buf)
		if err != nil {
			return netip.AddrPort{}, err
		}
		// voice frames may already be arriving; skip them
		if n != discoveryPacketSize || binary.BigEndian.Uint16(buf) != discoveryResponse {
			continue
		}
		return DecodeDiscoveryResponse(buf[:n])
	}
}
