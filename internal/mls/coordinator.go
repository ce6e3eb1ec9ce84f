package mls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glizzus/voicecore/internal/e2ee"
	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/metrics"
)

var (
	ErrCoordinatorClosed = errors.New("coordinator closed")
	ErrSessionDisposed   = errors.New("session disposed")
)

// Session is one voice connection's group. Its fields are owned by the
// coordinator goroutine; other goroutines read it through State.
type Session struct {
	params SessionParams

	handle   Handle
	disposed bool
	roster   Roster

	pendingCommit []byte
	staged        map[uint16]*stagedTransition

	// announcedVersion is the protocol version of a group announced by
	// PrepareEpoch. The next staged group change uses it.
	announcedVersion uint16
	announced        bool

	state       atomic.Pointer[State]
	disposeOnce sync.Once
	disposeErr  error
}

type stagedTransition struct {
	protocolVersion uint16
	groupChange     bool
	roster          Roster
	keys            map[string][]byte
	authenticator   []byte
}

// Params returns the parameters the session was created with.
func (s *Session) Params() SessionParams {
	return s.params
}

// Handle returns the provider handle. It changes when the session is
// reset and must only be used for diagnostics.
func (s *Session) Handle() Handle {
	return s.handle
}

// State returns the latest published snapshot.
func (s *Session) State() *State {
	return s.state.Load()
}

// Epoch returns the current epoch.
func (s *Session) Epoch() uint64 {
	return s.State().Epoch
}

// Coordinator serializes every mutation of the sessions it creates onto
// one goroutine.
type Coordinator struct {
	provider Provider
	logger   *slog.Logger

	requests  chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinator starts a coordinator around provider. Close stops it.
func NewCoordinator(provider Provider, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		provider: provider,
		logger:   logger,
		requests: make(chan func()),
		done:     make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	for {
		select {
		case fn := <-c.requests:
			fn()
		case <-c.done:
			return
		}
	}
}

// Close stops the coordinator goroutine. Sessions still alive must be
// disposed by their owners; Dispose keeps working after Close.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// do runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	select {
	case <-c.done:
		return ErrCoordinatorClosed
	default:
	}
	errc := make(chan error, 1)
	select {
	case c.requests <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrCoordinatorClosed
	}
	return <-errc
}

// classify keeps provider rejections recoverable and turns anything else
// into a provider failure.
func classify(op string, err error) error {
	if errors.Is(err, errs.ErrInvalidCommitWelcome) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrCryptoProvider, err)
}

// CreateSession creates a group session in the provider.
func (c *Coordinator) CreateSession(ctx context.Context, params SessionParams) (*Session, error) {
	var s *Session
	err := c.do(ctx, func() error {
		h, err := c.provider.CreateSession(ctx, params)
		if err != nil {
			return classify("create session", err)
		}
		s = &Session{
			params: params,
			handle: h,
			roster: make(Roster),
			staged: make(map[uint16]*stagedTransition),
		}
		s.state.Store(&State{
			ProtocolVersion: params.ProtocolVersion,
			Roster:          make(Roster),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("created group session", "channelID", params.ChannelID, "sessionID", params.SessionID)
	return s, nil
}

func (c *Coordinator) withSession(ctx context.Context, s *Session, fn func() error) error {
	return c.do(ctx, func() error {
		if s.disposed {
			return ErrSessionDisposed
		}
		return fn()
	})
}

// Reset replaces the provider session with a fresh one, dropping the
// working roster and anything staged. Published keys stay in place until
// the next transition executes, so media keeps flowing meanwhile.
func (c *Coordinator) Reset(ctx context.Context, s *Session) error {
	return c.withSession(ctx, s, func() error {
		return c.reset(ctx, s)
	})
}

func (c *Coordinator) reset(ctx context.Context, s *Session) error {
	h, err := c.provider.CreateSession(ctx, s.params)
	if err != nil {
		return classify("reset session", err)
	}
	if err := c.provider.Dispose(s.handle); err != nil {
		c.logger.Warn("failed to dispose replaced group session", slog.Any("error", err))
	}
	s.handle = h
	s.roster = make(Roster)
	s.pendingCommit = nil
	clear(s.staged)
	return nil
}

// PrepareEpoch resets the session for a group the server is about to
// create under protocolVersion. The commit or welcome that builds the
// group is staged with that version instead of the published one.
func (c *Coordinator) PrepareEpoch(ctx context.Context, s *Session, protocolVersion uint16) error {
	return c.withSession(ctx, s, func() error {
		if err := c.reset(ctx, s); err != nil {
			return err
		}
		s.params.ProtocolVersion = protocolVersion
		s.announcedVersion = protocolVersion
		s.announced = true
		return nil
	})
}

// stagingVersion is the protocol version a group change staged now takes
// effect with.
func (s *Session) stagingVersion() uint16 {
	if s.announced {
		return s.announcedVersion
	}
	return s.State().ProtocolVersion
}

// SetExternalSender installs the voice server's external sender.
func (c *Coordinator) SetExternalSender(ctx context.Context, s *Session, externalSender []byte) error {
	return c.withSession(ctx, s, func() error {
		if err := c.provider.SetExternalSender(ctx, s.handle, externalSender); err != nil {
			return classify("set external sender", err)
		}
		return nil
	})
}

// KeyPackage returns a key package for joining the group.
func (c *Coordinator) KeyPackage(ctx context.Context, s *Session) ([]byte, error) {
	var kp []byte
	err := c.withSession(ctx, s, func() error {
		var err error
		kp, err = c.provider.KeyPackage(ctx, s.handle)
		if err != nil {
			return classify("key package", err)
		}
		return nil
	})
	return kp, err
}

// ProcessProposals hands proposals to the provider and remembers the
// resulting commit until the server schedules its transition.
func (c *Coordinator) ProcessProposals(ctx context.Context, s *Session, op ProposalOp, proposals []byte, knownUserIDs []string) (*CommitWelcome, error) {
	var cw *CommitWelcome
	err := c.withSession(ctx, s, func() error {
		var err error
		cw, err = c.provider.ProcessProposals(ctx, s.handle, op, proposals, knownUserIDs)
		if err != nil {
			return classify("process proposals", err)
		}
		if cw != nil && len(cw.Commit) > 0 {
			s.pendingCommit = cw.Commit
		}
		return nil
	})
	return cw, err
}

// ProcessCommit applies a commit to the working roster. Members reported
// with an empty key are removed.
func (c *Coordinator) ProcessCommit(ctx context.Context, s *Session, commit []byte) (Roster, error) {
	var out Roster
	err := c.withSession(ctx, s, func() error {
		var err error
		out, err = c.processCommit(ctx, s, commit)
		return err
	})
	return out, err
}

func (c *Coordinator) processCommit(ctx context.Context, s *Session, commit []byte) (Roster, error) {
	update, err := c.provider.ProcessCommit(ctx, s.handle, commit)
	if err != nil {
		return nil, classify("process commit", err)
	}
	for user, key := range update {
		if len(key) == 0 {
			delete(s.roster, user)
			continue
		}
		s.roster[user] = append([]byte(nil), key...)
	}
	s.pendingCommit = nil
	return s.roster.Clone(), nil
}

// ProcessWelcome joins the group from a welcome and merges the members it
// reports into the working roster.
func (c *Coordinator) ProcessWelcome(ctx context.Context, s *Session, welcome []byte, knownUserIDs []string) (Roster, error) {
	var out Roster
	err := c.withSession(ctx, s, func() error {
		var err error
		out, err = c.processWelcome(ctx, s, welcome, knownUserIDs)
		return err
	})
	return out, err
}

func (c *Coordinator) processWelcome(ctx context.Context, s *Session, welcome []byte, knownUserIDs []string) (Roster, error) {
	update, err := c.provider.ProcessWelcome(ctx, s.handle, welcome, knownUserIDs)
	if err != nil {
		return nil, classify("process welcome", err)
	}
	for user, key := range update {
		if len(key) == 0 {
			// a welcome should never carry a member without a key
			c.logger.Warn("skipping roster entry without key material", "userID", user)
			continue
		}
		s.roster[user] = append([]byte(nil), key...)
	}
	s.pendingCommit = nil
	return s.roster.Clone(), nil
}

// stage captures the working roster and the provider's current secrets so
// they can be published when the transition executes.
func (c *Coordinator) stage(ctx context.Context, s *Session, transitionID uint16, protocolVersion uint16) error {
	keys := make(map[string][]byte, len(s.roster))
	for user := range s.roster {
		secret, err := c.provider.SenderSecret(ctx, s.handle, user)
		if err != nil {
			return classify("sender secret", err)
		}
		key, err := e2ee.DeriveKey(secret, user)
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrCryptoProvider, err)
		}
		keys[user] = key
	}
	auth, err := c.provider.EpochAuthenticator(ctx, s.handle)
	if err != nil {
		return classify("epoch authenticator", err)
	}
	s.staged[transitionID] = &stagedTransition{
		protocolVersion: protocolVersion,
		groupChange:     true,
		roster:          s.roster.Clone(),
		keys:            keys,
		authenticator:   auth,
	}
	return nil
}

// StageCommit processes a commit announced for transitionID. Transition
// zero is executed immediately.
func (c *Coordinator) StageCommit(ctx context.Context, s *Session, transitionID uint16, commit []byte) (uint64, error) {
	var epoch uint64
	err := c.withSession(ctx, s, func() error {
		if st, ok := s.staged[transitionID]; ok && st.groupChange && transitionID != 0 {
			// our own commit, already applied when the transition was prepared
			epoch = s.State().Epoch
			return nil
		}
		if _, err := c.processCommit(ctx, s, commit); err != nil {
			return err
		}
		if err := c.stage(ctx, s, transitionID, s.stagingVersion()); err != nil {
			return err
		}
		epoch = s.State().Epoch
		if transitionID == 0 {
			var err error
			epoch, err = c.execute(s, transitionID)
			return err
		}
		return nil
	})
	return epoch, err
}

// StageWelcome processes a welcome announced for transitionID. Transition
// zero is executed immediately.
func (c *Coordinator) StageWelcome(ctx context.Context, s *Session, transitionID uint16, welcome []byte, knownUserIDs []string) (uint64, error) {
	var epoch uint64
	err := c.withSession(ctx, s, func() error {
		if _, err := c.processWelcome(ctx, s, welcome, knownUserIDs); err != nil {
			return err
		}
		if err := c.stage(ctx, s, transitionID, s.stagingVersion()); err != nil {
			return err
		}
		epoch = s.State().Epoch
		if transitionID == 0 {
			var err error
			epoch, err = c.execute(s, transitionID)
			return err
		}
		return nil
	})
	return epoch, err
}

// PrepareTransition stages transitionID for protocolVersion. A commit this
// client sent and the server has not yet announced is applied as part of
// the transition.
func (c *Coordinator) PrepareTransition(ctx context.Context, s *Session, transitionID uint16, protocolVersion uint16) error {
	return c.withSession(ctx, s, func() error {
		if st, ok := s.staged[transitionID]; ok {
			st.protocolVersion = protocolVersion
			return nil
		}
		if s.pendingCommit != nil {
			if _, err := c.processCommit(ctx, s, s.pendingCommit); err != nil {
				return err
			}
			return c.stage(ctx, s, transitionID, protocolVersion)
		}
		s.staged[transitionID] = &stagedTransition{protocolVersion: protocolVersion}
		return nil
	})
}

// ExecuteTransition publishes a staged transition and returns the
// resulting epoch. The epoch advances by one when the transition carries a
// group change.
func (c *Coordinator) ExecuteTransition(ctx context.Context, s *Session, transitionID uint16) (uint64, error) {
	var epoch uint64
	err := c.withSession(ctx, s, func() error {
		var err error
		epoch, err = c.execute(s, transitionID)
		return err
	})
	return epoch, err
}

func (c *Coordinator) execute(s *Session, transitionID uint16) (uint64, error) {
	st, ok := s.staged[transitionID]
	if !ok {
		metrics.Transitions.WithLabelValues("unknown").Inc()
		return s.State().Epoch, fmt.Errorf("transition %d was never prepared: %w", transitionID, errs.ErrProtocolViolation)
	}
	delete(s.staged, transitionID)

	prev := s.State()
	next := *prev
	next.ProtocolVersion = st.protocolVersion

	if st.groupChange {
		ring, err := newKeyring(prev.Epoch+1, st.keys)
		if err != nil {
			return prev.Epoch, fmt.Errorf("%w: %w", errs.ErrCryptoProvider, err)
		}
		next.Epoch = prev.Epoch + 1
		next.Roster = st.roster
		next.Authenticator = st.authenticator
		next.Previous = prev.Current
		next.Current = ring
		s.announced = false
		metrics.Epoch.Set(float64(next.Epoch))
	}
	s.state.Store(&next)
	metrics.Transitions.WithLabelValues("executed").Inc()

	c.logger.Info(
		"executed transition",
		"transitionID", transitionID,
		"epoch", next.Epoch,
		"protocolVersion", next.ProtocolVersion,
		"members", len(next.Roster),
	)
	return next.Epoch, nil
}

// Roster returns a copy of the working roster, which may be ahead of the
// published State while a transition is pending.
func (c *Coordinator) Roster(ctx context.Context, s *Session) (Roster, error) {
	var out Roster
	err := c.withSession(ctx, s, func() error {
		out = s.roster.Clone()
		return nil
	})
	return out, err
}

// Dispose releases the provider handle. Repeated calls return the result
// of the first one.
func (c *Coordinator) Dispose(s *Session) error {
	s.disposeOnce.Do(func() {
		release := func() error {
			s.disposed = true
			clear(s.staged)
			s.pendingCommit = nil
			return c.provider.Dispose(s.handle)
		}
		err := c.do(context.Background(), release)
		if errors.Is(err, ErrCoordinatorClosed) {
			err = release()
		}
		s.disposeErr = err
	})
	return s.disposeErr
}
