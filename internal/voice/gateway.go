package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/metrics"
)

// GatewayVersion is the voice gateway protocol version requested on dial.
const GatewayVersion = 8

// Conn is the part of a websocket connection the session uses.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Dialer opens a gateway connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with gorilla's default dialer.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// GatewayURL builds the websocket URL for a voice server endpoint.
func GatewayURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "wss://")
	endpoint = strings.TrimSuffix(endpoint, "/")
	return fmt.Sprintf("wss://%s/?v=%d", endpoint, GatewayVersion)
}

// closeError turns a websocket read failure into a CloseError. Failures
// without a close frame count as abnormal closure.
func closeError(err error) *errs.CloseError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &errs.CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return &errs.CloseError{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

func (s *Session) conn() Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.gw
}

func (s *Session) setConn(c Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.gw = c
}

func (s *Session) write(messageType int, data []byte, op Opcode) error {
	conn := s.conn()
	if conn == nil {
		return fmt.Errorf("write %s: %w", op, ErrNotConnected)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write %s: %w", op, err)
	}
	metrics.GatewayMessages.WithLabelValues("out", op.String()).Inc()
	return nil
}

func (s *Session) sendJSON(op Opcode, data any) error {
	d, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	b, err := json.Marshal(message{Op: op, Data: d})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	return s.write(websocket.TextMessage, b, op)
}

func (s *Session) sendBinary(op Opcode, payload []byte) error {
	return s.write(websocket.BinaryMessage, encodeBinary(op, payload), op)
}
