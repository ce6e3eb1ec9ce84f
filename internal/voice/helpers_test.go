package voice_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/glizzus/voicecore/internal/rtpframe"
	"github.com/glizzus/voicecore/internal/transport"
	"github.com/glizzus/voicecore/internal/voice"
	"github.com/glizzus/voicecore/internal/voicecrypt"
)

const waitTimeout = 5 * time.Second

type wsFrame struct {
	typ  int
	data []byte
	err  error
}

// fakeConn is an in-memory gateway connection. The test plays the voice
// server on the other end.
type fakeConn struct {
	in     chan wsFrame
	out    chan wsFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan wsFrame, 64),
		out:    make(chan wsFrame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		if f.err != nil {
			return 0, nil, f.err
		}
		return f.typ, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- wsFrame{typ: messageType, data: append([]byte(nil), data...)}:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// serverClose makes the next read fail as if the server closed the socket.
func (c *fakeConn) serverClose(code int, text string) {
	c.in <- wsFrame{err: &websocket.CloseError{Code: code, Text: text}}
}

func (c *fakeConn) sendJSON(t *testing.T, op voice.Opcode, seq int64, d any) {
	t.Helper()
	data, err := json.Marshal(d)
	require.NoError(t, err)
	msg, err := json.Marshal(map[string]any{"op": op, "d": json.RawMessage(data), "seq": seq})
	require.NoError(t, err)
	c.in <- wsFrame{typ: websocket.TextMessage, data: msg}
}

func (c *fakeConn) sendBinary(seq uint16, op voice.Opcode, payload []byte) {
	frame := make([]byte, 3, 3+len(payload))
	binary.BigEndian.PutUint16(frame, seq)
	frame[2] = byte(op)
	c.in <- wsFrame{typ: websocket.BinaryMessage, data: append(frame, payload...)}
}

// sent is a serverbound message as the server sees it.
type sent struct {
	op      voice.Opcode
	data    map[string]any
	payload []byte
}

// expect returns the next client message, skipping heartbeats, and fails
// unless it carries op.
func (c *fakeConn) expect(t *testing.T, op voice.Opcode) sent {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case f := <-c.out:
			if f.typ == websocket.CloseMessage {
				continue
			}
			var m sent
			if f.typ == websocket.BinaryMessage {
				require.NotEmpty(t, f.data)
				m = sent{op: voice.Opcode(f.data[0]), payload: f.data[1:]}
			} else {
				var raw struct {
					Op voice.Opcode   `json:"op"`
					D  map[string]any `json:"d"`
				}
				require.NoError(t, json.Unmarshal(f.data, &raw))
				m = sent{op: raw.Op, data: raw.D}
			}
			if m.op == voice.OpHeartbeat {
				continue
			}
			require.Equal(t, op, m.op, "unexpected client message")
			return m
		case <-timeout:
			t.Fatalf("timed out waiting for %s", op)
			return sent{}
		}
	}
}

// fakeGateway hands out a fresh fakeConn on every dial. The dial numbered
// stall signals stalled and only completes once its context is done.
type fakeGateway struct {
	conns   chan *fakeConn
	dials   atomic.Int32
	urls    chan string
	stall   atomic.Int32
	stalled chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		conns:   make(chan *fakeConn, 8),
		urls:    make(chan string, 8),
		stalled: make(chan struct{}, 1),
	}
}

func (g *fakeGateway) dial(ctx context.Context, url string) (voice.Conn, error) {
	c := newFakeConn()
	if n := g.dials.Add(1); n == g.stall.Load() {
		g.stalled <- struct{}{}
		<-ctx.Done()
	}
	g.urls <- url
	g.conns <- c
	return c, nil
}

func (g *fakeGateway) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a gateway dial")
		return nil
	}
}

// voiceServer is the UDP side of the voice server. It answers IP
// discovery and records every other datagram.
type voiceServer struct {
	conn    *net.UDPConn
	client  atomic.Pointer[netip.AddrPort]
	packets chan []byte
}

func newVoiceServer(t *testing.T) *voiceServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v := &voiceServer{conn: conn, packets: make(chan []byte, 64)}
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if n == 74 && buf[1] == 0x1 {
				v.client.Store(&from)
				ssrc := binary.BigEndian.Uint32(buf[4:])
				if _, err := conn.WriteToUDPAddrPort(transport.EncodeDiscoveryResponse(ssrc, from), from); err != nil {
					return
				}
				continue
			}
			v.packets <- append([]byte(nil), buf[:n]...)
		}
	}()
	return v
}

func (v *voiceServer) port() uint16 {
	return v.conn.LocalAddr().(*net.UDPAddr).AddrPort().Port()
}

func (v *voiceServer) send(t *testing.T, packet []byte) {
	t.Helper()
	client := v.client.Load()
	require.NotNil(t, client, "client never ran ip discovery")
	_, err := v.conn.WriteToUDPAddrPort(packet, *client)
	require.NoError(t, err)
}

func (v *voiceServer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-v.packets:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a voice packet")
		return nil
	}
}

// rtpPacket seals payload the way the voice server relays a member's
// audio.
func rtpPacket(t *testing.T, c *voicecrypt.Cipher, seq uint16, ssrc uint32, payload []byte, nonce uint32) []byte {
	t.Helper()
	header := make([]byte, rtpframe.HeaderSize)
	require.NoError(t, rtpframe.WriteHeader(header, rtpframe.Header{
		Sequence:  seq,
		Timestamp: uint32(seq) * 960,
		SSRC:      ssrc,
	}))
	packet, err := c.Seal(header, payload, nonce)
	require.NoError(t, err)
	return packet
}

func nextFrame(t *testing.T, s *voice.Session) voice.Frame {
	t.Helper()
	select {
	case f, ok := <-s.Frames():
		require.True(t, ok, "frames channel closed")
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a decrypted frame")
		return voice.Frame{}
	}
}

func byteList(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
