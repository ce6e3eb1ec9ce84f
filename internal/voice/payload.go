package voice

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/mls"
	"github.com/glizzus/voicecore/internal/varint"
)

// message is a JSON gateway frame.
type message struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"seq,omitempty"`
}

type identifyData struct {
	ServerID               string `json:"server_id"`
	UserID                 string `json:"user_id"`
	SessionID              string `json:"session_id"`
	Token                  string `json:"token"`
	MaxDaveProtocolVersion uint16 `json:"max_dave_protocol_version"`
}

type resumeData struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    int64  `json:"seq_ack"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type heartbeatData struct {
	Nonce  int64 `json:"t"`
	SeqAck int64 `json:"seq_ack"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string              `json:"protocol"`
	Data     selectProtocolInner `json:"data"`
}

type selectProtocolInner struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode                string    `json:"mode"`
	SecretKey           byteArray `json:"secret_key"`
	DaveProtocolVersion uint16    `json:"dave_protocol_version"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

type clientsConnectedData struct {
	UserIDs []string `json:"user_ids"`
}

type clientDisconnectedData struct {
	UserID string `json:"user_id"`
}

type transitionData struct {
	TransitionID    uint16 `json:"transition_id"`
	ProtocolVersion uint16 `json:"protocol_version,omitempty"`
}

type prepareEpochData struct {
	Epoch           uint64 `json:"epoch"`
	ProtocolVersion uint16 `json:"protocol_version"`
}

// byteArray is a byte slice carried as a JSON array of numbers.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 0xff {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// binaryMessage is a decoded clientbound binary frame.
type binaryMessage struct {
	Seq     uint16
	Op      Opcode
	Payload []byte
}

// parseBinary splits a clientbound binary frame into sequence, opcode and
// payload.
func parseBinary(frame []byte) (binaryMessage, error) {
	if len(frame) < 3 {
		return binaryMessage{}, fmt.Errorf("binary frame of %d bytes: %w", len(frame), errs.ErrProtocolViolation)
	}
	m := binaryMessage{
		Seq:     binary.BigEndian.Uint16(frame),
		Op:      Opcode(frame[2]),
		Payload: frame[3:],
	}
	if !m.Op.Binary() {
		return binaryMessage{}, fmt.Errorf("opcode %s in a binary frame: %w", m.Op, errs.ErrProtocolViolation)
	}
	return m, nil
}

// encodeBinary builds a serverbound binary frame.
func encodeBinary(op Opcode, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(op))
	return append(out, payload...)
}

// parseProposals splits an MlsProposals payload.
func parseProposals(payload []byte) (mls.ProposalOp, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("empty proposals payload: %w", errs.ErrProtocolViolation)
	}
	op := mls.ProposalOp(payload[0])
	if op != mls.ProposalAppend && op != mls.ProposalRevoke {
		return 0, nil, fmt.Errorf("unknown proposals operation %d: %w", op, errs.ErrProtocolViolation)
	}
	return op, payload[1:], nil
}

// ParseTransitionPayload splits the payload of MlsAnnounceCommitTransition
// and MlsWelcome into the transition id and the message.
func ParseTransitionPayload(payload []byte) (uint16, []byte, error) {
	if len(payload) < 2 {
		return 0, nil, fmt.Errorf("transition payload of %d bytes: %w", len(payload), errs.ErrProtocolViolation)
	}
	return binary.BigEndian.Uint16(payload), payload[2:], nil
}

// EncodeTransitionPayload is the inverse of ParseTransitionPayload.
func EncodeTransitionPayload(transitionID uint16, msg []byte) []byte {
	out := make([]byte, 2, 2+len(msg))
	binary.BigEndian.PutUint16(out, transitionID)
	return append(out, msg...)
}

// EncodeCommitWelcome lays out an MlsCommitWelcome payload. The commit is
// length-prefixed so the welcome can follow it directly.
func EncodeCommitWelcome(cw *mls.CommitWelcome) []byte {
	out := make([]byte, 0, varint.MaxLen64+len(cw.Commit)+len(cw.Welcome))
	out = varint.AppendUint64(out, uint64(len(cw.Commit)))
	out = append(out, cw.Commit...)
	return append(out, cw.Welcome...)
}

// ParseCommitWelcome is the inverse of EncodeCommitWelcome.
func ParseCommitWelcome(payload []byte) (*mls.CommitWelcome, error) {
	size, n, err := varint.Uint64(payload)
	if err != nil {
		return nil, fmt.Errorf("commit length: %w", err)
	}
	rest := payload[n:]
	if size > uint64(len(rest)) {
		return nil, fmt.Errorf("commit of %d bytes in %d byte payload: %w", size, len(rest), errs.ErrProtocolViolation)
	}
	cw := &mls.CommitWelcome{Commit: rest[:size]}
	if len(rest) > int(size) {
		cw.Welcome = rest[size:]
	}
	return cw, nil
}
