package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/events"
	"github.com/glizzus/voicecore/internal/generator"
	"github.com/glizzus/voicecore/internal/metrics"
	"github.com/glizzus/voicecore/internal/mls"
	"github.com/glizzus/voicecore/internal/transport"
	"github.com/glizzus/voicecore/internal/voicecrypt"
)

var (
	ErrNotConnected = errors.New("voice session not connected")
	ErrClosed       = errors.New("voice session closed")
	ErrNotEncrypted = errors.New("voice session is not end-to-end encrypted")
)

// Descriptor is what the main gateway hands over for joining a voice
// server.
type Descriptor struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// TrustStore looks up fingerprints the user verified out of band.
type TrustStore interface {
	VerifiedFingerprint(ctx context.Context, userID string) (fingerprint []byte, ok bool, err error)
}

// Options configure a Session. Transports is required, and so is
// Coordinator when MaxProtocolVersion is above zero.
type Options struct {
	Logger      *slog.Logger
	Dialer      Dialer
	Transports  *transport.Factory
	Coordinator *mls.Coordinator

	// MaxProtocolVersion is the highest end-to-end encryption protocol
	// version offered in Identify. Zero disables end-to-end encryption.
	MaxProtocolVersion uint16

	// LocalAddr is the UDP address media is sent from. The zero value
	// lets the kernel pick one. With a zero port every session binds its
	// own socket; a fixed port shares one socket with any other session
	// on the same voice server.
	LocalAddr netip.AddrPort

	Trust  TrustStore
	Events events.Publisher

	FrameBuffer      int
	DiscoveryTimeout time.Duration
	NewBackOff       func() backoff.BackOff
}

// media is the UDP side of a connection. It is immutable once published.
type media struct {
	udp    *transport.UDP
	local  netip.AddrPort
	remote netip.AddrPort
	ssrc   uint32
	mode   voicecrypt.Mode
	cipher *voicecrypt.Cipher
}

// Session is one voice connection. Gateway messages are handled on a
// single read goroutine; the heartbeat and media receive loops run beside
// it, and group state changes go through the coordinator.
type Session struct {
	desc   Descriptor
	opts   Options
	logger *slog.Logger
	fsm    *fsm.FSM

	connMu  sync.Mutex
	gw      Conn
	writeMu sync.Mutex

	lastSeq     atomic.Int64
	awaitingAck atomic.Bool
	hello       chan time.Duration

	established   chan struct{}
	establishOnce sync.Once

	group atomic.Pointer[mls.Session]
	media atomic.Pointer[media]

	// owned by the read loop
	pending        *media
	mediaCancel    context.CancelFunc
	resumeFrom     string
	externalSender []byte
	lastRoster     mls.Roster

	usersMu sync.RWMutex
	users   map[string]struct{}
	ssrcs   map[uint32]string

	sendMu       sync.Mutex
	sequence     *generator.Counter[uint16]
	timestamp    *generator.Counter[uint32]
	nonce        *generator.Counter[uint32]
	frameCounter *generator.Counter[uint32]

	frames chan Frame

	lifeMu   sync.Mutex
	runCtx   context.Context
	runGroup *errgroup.Group
	cancel   context.CancelFunc
	done     chan struct{}
	err      error

	closeOnce sync.Once
	closeErr  error
}

const (
	defaultFrameBuffer      = 64
	defaultDiscoveryTimeout = 5 * time.Second

	// samples per 20 ms Opus frame at 48 kHz
	frameSamples = 960
)

// New prepares a session for desc. Open connects it.
func New(desc Descriptor, opts Options) (*Session, error) {
	if opts.Transports == nil {
		return nil, errors.New("voice session requires a transport factory")
	}
	if opts.MaxProtocolVersion > 0 && opts.Coordinator == nil {
		return nil, errors.New("end-to-end encryption requires a group coordinator")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = defaultFrameBuffer
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = time.Minute
			return b
		}
	}

	uuids := generator.UUIDV4Generator{}
	id, err := uuids.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to generate connection id: %w", err)
	}
	logger := opts.Logger.With(
		"connectionID", id,
		"guildID", desc.GuildID,
		"channelID", desc.ChannelID,
	)

	s := &Session{
		desc:         desc,
		opts:         opts,
		logger:       logger,
		fsm:          newStateMachine(logger),
		hello:        make(chan time.Duration, 1),
		established:  make(chan struct{}),
		users:        make(map[string]struct{}),
		ssrcs:        make(map[uint32]string),
		sequence:     generator.NewCounter[uint16](0, 1),
		timestamp:    generator.NewCounter[uint32](0, frameSamples),
		nonce:        generator.NewCounter[uint32](0, 1),
		frameCounter: generator.NewCounter[uint32](0, 1),
		frames:       make(chan Frame, opts.FrameBuffer),
		done:         make(chan struct{}),
	}
	s.lastSeq.Store(-1)
	return s, nil
}

// Open connects to the voice gateway and returns once the media session
// is described. The connection keeps running in the background until
// Close is called or it fails; Wait reports the failure.
func (s *Session) Open(ctx context.Context) error {
	conn, err := s.opts.Dialer(ctx, GatewayURL(s.desc.Endpoint))
	if err != nil {
		return fmt.Errorf("failed to dial voice gateway: %w", err)
	}
	s.setConn(conn)
	if err := s.identify(); err != nil {
		conn.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	s.lifeMu.Lock()
	s.runCtx, s.runGroup, s.cancel = gctx, g, cancel
	s.lifeMu.Unlock()

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	go func() {
		s.err = g.Wait()
		if s.err != nil {
			// a failed connection does not keep its group session
			if group := s.group.Swap(nil); group != nil {
				if err := s.opts.Coordinator.Dispose(group); err != nil {
					s.logger.Warn("Failed to dispose group session", slog.Any("error", err))
				}
			}
		}
		close(s.frames)
		close(s.done)
	}()

	select {
	case <-s.established:
		return nil
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return ErrClosed
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Wait blocks until the connection stops and returns the error that
// stopped it, or nil after Close.
func (s *Session) Wait() error {
	s.lifeMu.Lock()
	started := s.cancel != nil
	s.lifeMu.Unlock()
	if !started {
		return ErrNotConnected
	}
	<-s.done
	return s.err
}

// Close stops every loop, releases the media transport and disposes the
// group session. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.transition(context.Background(), eventClose)

		s.lifeMu.Lock()
		cancel := s.cancel
		s.lifeMu.Unlock()
		if cancel != nil {
			cancel()
		}
		if conn := s.conn(); conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
			_ = conn.Close()
		}
		if cancel != nil {
			<-s.done
		}

		var closeErrs []error
		closeErrs = append(closeErrs, s.stopMedia())
		if g := s.group.Swap(nil); g != nil {
			closeErrs = append(closeErrs, s.opts.Coordinator.Dispose(g))
		}
		s.closeErr = errors.Join(closeErrs...)

		s.publish(context.Background(), events.Event{Kind: events.SessionClosed, Epoch: s.Epoch()})
		s.logger.Info("Voice session closed")
	})
	return s.closeErr
}

func (s *Session) identify() error {
	return s.sendJSON(OpIdentify, identifyData{
		ServerID:               s.desc.GuildID,
		UserID:                 s.desc.UserID,
		SessionID:              s.desc.SessionID,
		Token:                  s.desc.Token,
		MaxDaveProtocolVersion: s.opts.MaxProtocolVersion,
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if conn := s.conn(); conn != nil {
			_ = conn.Close()
		}
	})
	defer stop()

	for {
		messageType, data, err := s.conn().ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.reconnect(ctx, err); err != nil {
				return err
			}
			continue
		}
		if err := s.dispatch(ctx, messageType, data); err != nil {
			if errors.Is(err, errs.ErrProtocolViolation) {
				s.logger.Warn("Dropping voice gateway message", slog.Any("error", err))
				continue
			}
			return err
		}
	}
}

// reconnect dials the gateway again after the connection dropped and
// either resumes or identifies from scratch.
func (s *Session) reconnect(ctx context.Context, cause error) error {
	closed := closeError(cause)
	if closed.Terminal() {
		return closed
	}
	state := s.fsm.Current()
	resume := closed.Resumable() &&
		(state == StateEstablished || state == StateBootstrapping || state == StateEncrypted)

	s.logger.Warn(
		"Voice gateway connection lost",
		"code", closed.Code,
		"reason", closed.Reason,
		"state", state,
		"resume", resume,
	)
	if old := s.conn(); old != nil {
		_ = old.Close()
	}

	url := GatewayURL(s.desc.Endpoint)
	conn, err := backoff.RetryWithData(func() (Conn, error) {
		return s.opts.Dialer(ctx, url)
	}, backoff.WithContext(s.opts.NewBackOff(), ctx))
	if err != nil {
		return fmt.Errorf("failed to reconnect to voice gateway: %w", err)
	}
	s.setConn(conn)
	// Close may have run while the dial was in flight
	if ctx.Err() != nil || s.fsm.Current() == StateClosed {
		_ = conn.Close()
		return nil
	}
	s.awaitingAck.Store(false)

	if resume {
		s.resumeFrom = state
		if err := s.transition(ctx, eventResume); err != nil {
			return err
		}
		return s.sendJSON(OpResume, resumeData{
			ServerID:  s.desc.GuildID,
			SessionID: s.desc.SessionID,
			Token:     s.desc.Token,
			SeqAck:    s.lastSeq.Load(),
		})
	}
	return s.reidentify(ctx)
}

// reidentify starts the handshake over. The media transport is released
// and the group is reset, so encryption is bootstrapped again.
func (s *Session) reidentify(ctx context.Context) error {
	if err := s.stopMedia(); err != nil {
		s.logger.Warn("Failed to release media transport", slog.Any("error", err))
	}
	if g := s.group.Load(); g != nil {
		if err := s.opts.Coordinator.Reset(ctx, g); err != nil {
			return err
		}
	}
	s.externalSender = nil
	if err := s.transition(ctx, eventReidentify); err != nil {
		return err
	}
	return s.identify()
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	var tick <-chan time.Time
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case interval := <-s.hello:
			if ticker != nil {
				ticker.Stop()
			}
			ticker = time.NewTicker(interval)
			tick = ticker.C
			s.awaitingAck.Store(false)
		case <-tick:
			if s.awaitingAck.Load() {
				// the read loop sees the closed socket and reconnects
				s.logger.Warn("Voice gateway missed a heartbeat ack, reconnecting")
				if conn := s.conn(); conn != nil {
					_ = conn.Close()
				}
				continue
			}
			err := s.sendJSON(OpHeartbeat, heartbeatData{
				Nonce:  time.Now().UnixMilli(),
				SeqAck: s.lastSeq.Load(),
			})
			if err != nil {
				s.logger.Warn("Failed to send heartbeat", slog.Any("error", err))
				continue
			}
			s.awaitingAck.Store(true)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, messageType int, data []byte) error {
	if messageType == websocket.BinaryMessage {
		m, err := parseBinary(data)
		if err != nil {
			return err
		}
		s.lastSeq.Store(int64(m.Seq))
		metrics.GatewayMessages.WithLabelValues("in", m.Op.String()).Inc()
		if err := s.checkState(m.Op); err != nil {
			return err
		}
		return s.handleBinary(ctx, m)
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to decode gateway message: %w: %w", errs.ErrProtocolViolation, err)
	}
	if msg.Seq != nil {
		s.lastSeq.Store(*msg.Seq)
	}
	metrics.GatewayMessages.WithLabelValues("in", msg.Op.String()).Inc()
	if err := s.checkState(msg.Op); err != nil {
		return err
	}
	return s.handleJSON(ctx, msg)
}

func decode[T any](msg message) (T, error) {
	var d T
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return d, fmt.Errorf("failed to decode %s: %w: %w", msg.Op, errs.ErrProtocolViolation, err)
	}
	return d, nil
}

func (s *Session) handleJSON(ctx context.Context, msg message) error {
	switch msg.Op {
	case OpHello:
		d, err := decode[helloData](msg)
		if err != nil {
			return err
		}
		interval := time.Duration(d.HeartbeatInterval * float64(time.Millisecond))
		if interval <= 0 {
			return fmt.Errorf("heartbeat interval %v: %w", interval, errs.ErrProtocolViolation)
		}
		select {
		case <-s.hello:
		default:
		}
		s.hello <- interval
		return nil

	case OpHeartbeatAck:
		s.awaitingAck.Store(false)
		return nil

	case OpReady:
		d, err := decode[readyData](msg)
		if err != nil {
			return err
		}
		return s.onReady(ctx, d)

	case OpSessionDescription:
		d, err := decode[sessionDescriptionData](msg)
		if err != nil {
			return err
		}
		return s.onSessionDescription(ctx, d)

	case OpResumed:
		s.fsm.SetState(s.resumeFrom)
		s.logger.Info("Voice gateway session resumed", "state", s.resumeFrom)
		return nil

	case OpSpeaking:
		d, err := decode[speakingData](msg)
		if err != nil {
			return err
		}
		if d.UserID != "" {
			s.usersMu.Lock()
			s.ssrcs[d.SSRC] = d.UserID
			s.users[d.UserID] = struct{}{}
			s.usersMu.Unlock()
		}
		return nil

	case OpClientsConnected:
		d, err := decode[clientsConnectedData](msg)
		if err != nil {
			return err
		}
		return s.onClientsConnected(ctx, d.UserIDs)

	case OpClientDisconnected:
		d, err := decode[clientDisconnectedData](msg)
		if err != nil {
			return err
		}
		return s.onClientDisconnected(ctx, d.UserID)

	case OpPrepareTransition:
		d, err := decode[transitionData](msg)
		if err != nil {
			return err
		}
		return s.onPrepareTransition(ctx, d)

	case OpExecuteTransition:
		d, err := decode[transitionData](msg)
		if err != nil {
			return err
		}
		return s.onExecuteTransition(ctx, d.TransitionID)

	case OpPrepareEpoch:
		d, err := decode[prepareEpochData](msg)
		if err != nil {
			return err
		}
		return s.onPrepareEpoch(ctx, d)
	}

	s.logger.Debug("Ignoring voice gateway message", "op", msg.Op)
	return nil
}

func (s *Session) onReady(ctx context.Context, d readyData) error {
	mode, err := voicecrypt.Select(d.Modes)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(d.IP)
	if err != nil {
		return fmt.Errorf("voice server address %q: %w", d.IP, errs.ErrProtocolViolation)
	}
	remote := netip.AddrPortFrom(ip, d.Port)

	var udp *transport.UDP
	local := s.opts.LocalAddr
	if local.Port() == 0 {
		udp, err = s.opts.Transports.Create(local, remote)
		if udp != nil {
			local = udp.LocalAddr()
		}
	} else {
		udp, err = s.opts.Transports.GetOrCreate(local, remote)
	}
	if err != nil {
		return err
	}
	m := &media{
		udp:    udp,
		local:  local,
		remote: remote,
		ssrc:   d.SSRC,
		mode:   mode,
	}
	s.pending = m

	dctx, cancel := context.WithTimeout(ctx, s.opts.DiscoveryTimeout)
	defer cancel()
	external, err := udp.DiscoverIP(dctx, d.SSRC)
	if err != nil {
		return fmt.Errorf("ip discovery failed: %w", err)
	}
	s.logger.Info("Voice server ready", "ssrc", d.SSRC, "remote", remote, "external", external, "mode", mode)

	err = s.sendJSON(OpSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolInner{
			Address: external.Addr().String(),
			Port:    external.Port(),
			Mode:    string(mode),
		},
	})
	if err != nil {
		return err
	}
	return s.transition(ctx, eventReady)
}

func (s *Session) onSessionDescription(ctx context.Context, d sessionDescriptionData) error {
	m := s.pending
	if m == nil {
		return fmt.Errorf("session description without a pending transport: %w", errs.ErrProtocolViolation)
	}
	if voicecrypt.Mode(d.Mode) != m.mode {
		s.logger.Warn("Voice server chose a different mode", "selected", m.mode, "described", d.Mode)
		m.mode = voicecrypt.Mode(d.Mode)
	}
	cipher, err := voicecrypt.New(m.mode, d.SecretKey)
	if err != nil {
		return err
	}
	m.cipher = cipher
	s.pending = nil
	s.startMedia(m)

	if err := s.transition(ctx, eventDescribe); err != nil {
		return err
	}
	if d.DaveProtocolVersion > 0 {
		if err := s.bootstrap(ctx, d.DaveProtocolVersion); err != nil {
			return err
		}
	}
	s.establishOnce.Do(func() { close(s.established) })
	return nil
}

// bootstrap makes sure a fresh group session for protocolVersion exists
// and waits for the external sender. An existing group is reset so the
// group the server builds next takes effect under protocolVersion.
func (s *Session) bootstrap(ctx context.Context, protocolVersion uint16) error {
	if s.opts.Coordinator == nil {
		return fmt.Errorf("server requested protocol version %d without a coordinator: %w", protocolVersion, errs.ErrProtocolViolation)
	}
	if g := s.group.Load(); g != nil {
		if err := s.opts.Coordinator.PrepareEpoch(ctx, g, protocolVersion); err != nil {
			return err
		}
	} else {
		g, err := s.opts.Coordinator.CreateSession(ctx, mls.SessionParams{
			ProtocolVersion: protocolVersion,
			GuildID:         s.desc.GuildID,
			ChannelID:       s.desc.ChannelID,
			SessionID:       s.desc.SessionID,
			UserID:          s.desc.UserID,
		})
		if err != nil {
			return err
		}
		s.group.Store(g)
	}
	if s.fsm.Current() == StateBootstrapping {
		return nil
	}
	return s.transition(ctx, eventBootstrap)
}

func (s *Session) onClientsConnected(ctx context.Context, userIDs []string) error {
	s.usersMu.Lock()
	for _, id := range userIDs {
		s.users[id] = struct{}{}
	}
	s.usersMu.Unlock()

	evs := make([]events.Event, 0, len(userIDs))
	for _, id := range userIDs {
		evs = append(evs, events.Event{Kind: events.ClientConnected, UserID: id})
	}
	s.publish(ctx, evs...)
	return nil
}

func (s *Session) onClientDisconnected(ctx context.Context, userID string) error {
	s.usersMu.Lock()
	delete(s.users, userID)
	for ssrc, id := range s.ssrcs {
		if id == userID {
			delete(s.ssrcs, ssrc)
		}
	}
	s.usersMu.Unlock()

	s.publish(ctx, events.Event{Kind: events.ClientDisconnected, UserID: userID})
	return nil
}

// knownUsers lists every user the gateway reported in the channel,
// including the local user.
func (s *Session) knownUsers() []string {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	ids := make([]string, 0, len(s.users)+1)
	ids = append(ids, s.desc.UserID)
	for id := range s.users {
		if id != s.desc.UserID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) userFor(ssrc uint32) string {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return s.ssrcs[ssrc]
}

func (s *Session) publish(ctx context.Context, evs ...events.Event) {
	if s.opts.Events == nil || len(evs) == 0 {
		return
	}
	now := time.Now()
	for i := range evs {
		evs[i].GuildID = s.desc.GuildID
		evs[i].ChannelID = s.desc.ChannelID
		if evs[i].Time.IsZero() {
			evs[i].Time = now
		}
	}
	if err := s.opts.Events.Publish(ctx, evs...); err != nil {
		s.logger.Warn("Failed to publish voice events", slog.Any("error", err))
	}
}

// Epoch returns the group epoch, or zero without end-to-end encryption.
func (s *Session) Epoch() uint64 {
	if g := s.group.Load(); g != nil {
		return g.Epoch()
	}
	return 0
}

// Group returns the published group state, or nil without end-to-end
// encryption.
func (s *Session) Group() *mls.State {
	if g := s.group.Load(); g != nil {
		return g.State()
	}
	return nil
}
