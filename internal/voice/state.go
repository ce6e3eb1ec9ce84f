package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/looplab/fsm"

	"github.com/glizzus/voicecore/internal/errs"
)

// Connection states.
const (
	StateIdentifying   = "identifying"
	StateSelecting     = "selecting"
	StateEstablished   = "established"
	StateBootstrapping = "mls_bootstrap"
	StateEncrypted     = "encrypted"
	StateResuming      = "resuming"
	StateClosed        = "closed"
)

const (
	eventReady      = "ready"
	eventDescribe   = "describe"
	eventBootstrap  = "bootstrap"
	eventEncrypt    = "encrypt"
	eventDowngrade  = "downgrade"
	eventResume     = "resume"
	eventReidentify = "reidentify"
	eventClose      = "close"
)

var live = []string{
	StateIdentifying, StateSelecting, StateEstablished,
	StateBootstrapping, StateEncrypted, StateResuming,
}

func newStateMachine(logger *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateIdentifying,
		fsm.Events{
			{Name: eventReady, Src: []string{StateIdentifying}, Dst: StateSelecting},
			{Name: eventDescribe, Src: []string{StateSelecting}, Dst: StateEstablished},
			{Name: eventBootstrap, Src: []string{StateEstablished, StateEncrypted}, Dst: StateBootstrapping},
			{Name: eventEncrypt, Src: []string{StateBootstrapping}, Dst: StateEncrypted},
			{Name: eventDowngrade, Src: []string{StateBootstrapping, StateEncrypted}, Dst: StateEstablished},
			{Name: eventResume, Src: []string{StateEstablished, StateBootstrapping, StateEncrypted}, Dst: StateResuming},
			{Name: eventReidentify, Src: live, Dst: StateIdentifying},
			{Name: eventClose, Src: live, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info("Voice connection state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// allowedStates lists the states each clientbound opcode may arrive in.
// Opcodes missing here are accepted in every live state.
var allowedStates = map[Opcode][]string{
	OpReady:                       {StateIdentifying},
	OpSessionDescription:          {StateSelecting},
	OpResumed:                     {StateResuming},
	OpMlsExternalSender:           {StateBootstrapping, StateEncrypted},
	OpMlsProposals:                {StateBootstrapping, StateEncrypted},
	OpMlsAnnounceCommitTransition: {StateBootstrapping, StateEncrypted},
	OpMlsWelcome:                  {StateBootstrapping, StateEncrypted},
	OpPrepareTransition:           {StateEstablished, StateBootstrapping, StateEncrypted},
	OpExecuteTransition:           {StateEstablished, StateBootstrapping, StateEncrypted},
	OpPrepareEpoch:                {StateEstablished, StateBootstrapping, StateEncrypted},
}

// checkState rejects op when it cannot arrive in the current state.
func (s *Session) checkState(op Opcode) error {
	current := s.fsm.Current()
	if current == StateClosed {
		return fmt.Errorf("%s after close: %w", op, errs.ErrProtocolViolation)
	}
	states, ok := allowedStates[op]
	if !ok || slices.Contains(states, current) {
		return nil
	}
	return fmt.Errorf("%s in state %s: %w", op, current, errs.ErrProtocolViolation)
}

// transition fires event, treating a transition into the current state as
// success.
func (s *Session) transition(ctx context.Context, event string) error {
	err := s.fsm.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("%s from %s: %w: %w", event, s.fsm.Current(), errs.ErrProtocolViolation, err)
}

// State returns the connection state.
func (s *Session) State() string {
	return s.fsm.Current()
}
