package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/events"
	"github.com/glizzus/voicecore/internal/metrics"
	"github.com/glizzus/voicecore/internal/mls"
	"github.com/glizzus/voicecore/internal/verify"
)

func (s *Session) handleBinary(ctx context.Context, m binaryMessage) error {
	g := s.group.Load()
	if g == nil {
		return fmt.Errorf("%s without a group session: %w", m.Op, errs.ErrProtocolViolation)
	}

	switch m.Op {
	case OpMlsExternalSender:
		s.externalSender = append([]byte(nil), m.Payload...)
		if err := s.opts.Coordinator.SetExternalSender(ctx, g, s.externalSender); err != nil {
			return err
		}
		return s.sendKeyPackage(ctx, g)

	case OpMlsProposals:
		op, proposals, err := parseProposals(m.Payload)
		if err != nil {
			return err
		}
		cw, err := s.opts.Coordinator.ProcessProposals(ctx, g, op, proposals, s.knownUsers())
		if err != nil {
			return s.groupFailure(ctx, g, 0, err)
		}
		if cw == nil || len(cw.Commit) == 0 {
			return nil
		}
		return s.sendBinary(OpMlsCommitWelcome, EncodeCommitWelcome(cw))

	case OpMlsAnnounceCommitTransition:
		tid, commit, err := ParseTransitionPayload(m.Payload)
		if err != nil {
			return err
		}
		epoch, err := s.opts.Coordinator.StageCommit(ctx, g, tid, commit)
		if err != nil {
			return s.groupFailure(ctx, g, tid, err)
		}
		return s.staged(ctx, g, tid, epoch)

	case OpMlsWelcome:
		tid, welcome, err := ParseTransitionPayload(m.Payload)
		if err != nil {
			return err
		}
		epoch, err := s.opts.Coordinator.StageWelcome(ctx, g, tid, welcome, s.knownUsers())
		if err != nil {
			return s.groupFailure(ctx, g, tid, err)
		}
		return s.staged(ctx, g, tid, epoch)
	}

	return fmt.Errorf("clientbound %s: %w", m.Op, errs.ErrProtocolViolation)
}

func (s *Session) sendKeyPackage(ctx context.Context, g *mls.Session) error {
	kp, err := s.opts.Coordinator.KeyPackage(ctx, g)
	if err != nil {
		return err
	}
	return s.sendBinary(OpMlsKeyPackage, kp)
}

// staged acknowledges a processed commit or welcome. Transition zero has
// already executed.
func (s *Session) staged(ctx context.Context, g *mls.Session, transitionID uint16, epoch uint64) error {
	if transitionID == 0 {
		return s.executed(ctx, g, epoch)
	}
	return s.sendJSON(OpTransitionReady, transitionData{TransitionID: transitionID})
}

// groupFailure recovers from a rejected commit or welcome by asking for a
// new welcome with a fresh key package. Any other failure ends the session.
func (s *Session) groupFailure(ctx context.Context, g *mls.Session, transitionID uint16, err error) error {
	if !errors.Is(err, errs.ErrInvalidCommitWelcome) {
		return err
	}
	metrics.Transitions.WithLabelValues("rejected").Inc()
	s.logger.Warn(
		"Group message rejected, requesting a new welcome",
		"transitionID", transitionID,
		slog.Any("error", err),
	)

	if err := s.sendJSON(OpMlsInvalidCommitWelcome, transitionData{TransitionID: transitionID}); err != nil {
		return err
	}
	if err := s.opts.Coordinator.Reset(ctx, g); err != nil {
		return err
	}
	if s.externalSender != nil {
		if err := s.opts.Coordinator.SetExternalSender(ctx, g, s.externalSender); err != nil {
			return err
		}
	}
	return s.sendKeyPackage(ctx, g)
}

func (s *Session) onPrepareTransition(ctx context.Context, d transitionData) error {
	g := s.group.Load()
	if g == nil {
		if d.ProtocolVersion > 0 {
			return fmt.Errorf("transition to protocol version %d without a group session: %w", d.ProtocolVersion, errs.ErrProtocolViolation)
		}
		if d.TransitionID == 0 {
			return nil
		}
		return s.sendJSON(OpTransitionReady, transitionData{TransitionID: d.TransitionID})
	}

	if err := s.opts.Coordinator.PrepareTransition(ctx, g, d.TransitionID, d.ProtocolVersion); err != nil {
		return s.groupFailure(ctx, g, d.TransitionID, err)
	}
	if d.TransitionID == 0 {
		epoch, err := s.opts.Coordinator.ExecuteTransition(ctx, g, 0)
		if err != nil {
			return err
		}
		return s.executed(ctx, g, epoch)
	}
	return s.sendJSON(OpTransitionReady, transitionData{TransitionID: d.TransitionID})
}

func (s *Session) onExecuteTransition(ctx context.Context, transitionID uint16) error {
	g := s.group.Load()
	if g == nil {
		return nil
	}
	epoch, err := s.opts.Coordinator.ExecuteTransition(ctx, g, transitionID)
	if err != nil {
		return err
	}
	return s.executed(ctx, g, epoch)
}

// onPrepareEpoch handles the announcement of a new group. Epoch 1 means
// the group is being created from scratch under the announced protocol
// version, so the local group is reset and a new key package is offered.
func (s *Session) onPrepareEpoch(ctx context.Context, d prepareEpochData) error {
	if d.Epoch != 1 {
		s.logger.Debug("Upcoming group epoch", "epoch", d.Epoch, "protocolVersion", d.ProtocolVersion)
		return nil
	}
	if err := s.bootstrap(ctx, d.ProtocolVersion); err != nil {
		return err
	}
	if s.externalSender == nil {
		return nil
	}
	g := s.group.Load()
	if err := s.opts.Coordinator.SetExternalSender(ctx, g, s.externalSender); err != nil {
		return err
	}
	return s.sendKeyPackage(ctx, g)
}

// executed moves the connection state to match the published group state
// and reports what changed.
func (s *Session) executed(ctx context.Context, g *mls.Session, epoch uint64) error {
	st := g.State()

	want, event := StateEstablished, eventDowngrade
	if st.ProtocolVersion > 0 {
		want, event = StateBootstrapping, eventBootstrap
		if st.Encrypted() {
			want, event = StateEncrypted, eventEncrypt
		}
	}
	if s.fsm.Current() != want {
		if err := s.transition(ctx, event); err != nil {
			return err
		}
	}

	s.publish(ctx, events.Event{Kind: events.EpochChanged, Epoch: epoch})
	if !rosterEqual(s.lastRoster, st.Roster) {
		s.publish(ctx, events.Event{Kind: events.RosterChanged, Epoch: epoch})
		s.checkTrust(ctx, st)
		s.lastRoster = st.Roster
	}
	return nil
}

// checkTrust warns when a member the user verified before shows up with
// different key material.
func (s *Session) checkTrust(ctx context.Context, st *mls.State) {
	if s.opts.Trust == nil {
		return
	}
	for userID, key := range st.Roster {
		if userID == s.desc.UserID || bytes.Equal(s.lastRoster[userID], key) {
			continue
		}
		verified, ok, err := s.opts.Trust.VerifiedFingerprint(ctx, userID)
		if err != nil {
			s.logger.Warn("Failed to look up verified fingerprint", "userID", userID, slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		current, err := verify.KeyFingerprint(verify.Version, key, userID)
		if err != nil {
			s.logger.Warn("Failed to fingerprint member key", "userID", userID, slog.Any("error", err))
			continue
		}
		if !bytes.Equal(verified, current) {
			s.logger.Warn("Verified member changed key material", "userID", userID, "epoch", st.Epoch)
			s.publish(ctx, events.Event{Kind: events.KeyChanged, UserID: userID, Epoch: st.Epoch})
		}
	}
}

func rosterEqual(a, b mls.Roster) bool {
	if len(a) != len(b) {
		return false
	}
	for user, key := range a {
		other, ok := b[user]
		if !ok || !bytes.Equal(key, other) {
			return false
		}
	}
	return true
}

// PrivacyCode returns the code every member of the call sees for the
// current epoch.
func (s *Session) PrivacyCode() (string, error) {
	st := s.Group()
	if st == nil || !st.Encrypted() {
		return "", ErrNotEncrypted
	}
	return verify.PrivacyCode(st.Authenticator)
}

// PairwiseCode returns the code the local user and userID compare to
// verify each other.
func (s *Session) PairwiseCode(userID string) (string, error) {
	st := s.Group()
	if st == nil || !st.Encrypted() {
		return "", ErrNotEncrypted
	}
	ours, ok := st.Roster[s.desc.UserID]
	if !ok {
		return "", fmt.Errorf("local user missing from roster: %w", ErrNotEncrypted)
	}
	theirs, ok := st.Roster[userID]
	if !ok {
		return "", fmt.Errorf("user %s is not in the group", userID)
	}
	return verify.PairwiseCode(verify.Version, ours, s.desc.UserID, theirs, userID)
}

// Fingerprint returns the key fingerprint of userID in the current epoch.
func (s *Session) Fingerprint(userID string) (verify.Fingerprint, error) {
	st := s.Group()
	if st == nil || !st.Encrypted() {
		return nil, ErrNotEncrypted
	}
	key, ok := st.Roster[userID]
	if !ok {
		return nil, fmt.Errorf("user %s is not in the group", userID)
	}
	return verify.KeyFingerprint(verify.Version, key, userID)
}
