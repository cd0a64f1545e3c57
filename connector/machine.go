package connector

import (
  "context"
  "errors"

  "github.com/looplab/fsm"
  "github.com/rs/zerolog/log"
)

// State is the supervisor state.
type State string

const (
  StateIdle State = "idle"
  StatePairing State = "pairing"
  StateConnecting State = "connecting"
  StateConnected State = "connected"
  StateDisconnecting State = "disconnecting"
  StateError State = "error"
)

func (s State) String() string {
  return string(s)
}

const (
  eventPair = "pair"
  eventConnect = "connect"
  eventEstablish = "establish"
  eventStop = "stop"
  eventStopped = "stopped"
  eventLose = "lose"
  eventFail = "fail"
  eventReset = "reset"
)

func states(s ...State) []string {
  out := make([]string, len(s))

  for i, v := range s {
    out[i] = string(v)
  }

  return out
}

type machine struct {
  fsm *fsm.FSM
}

// newMachine builds the supervisor state machine. onTransition runs synchronously on every
// state change.
func newMachine(onTransition func(from, to State)) *machine {
  return &machine{
    fsm: fsm.NewFSM(
      string(StateIdle),
      fsm.Events{
        {Name: eventPair, Src: states(StateIdle, StateError), Dst: string(StatePairing)},
        {Name: eventConnect, Src: states(StateIdle, StateError, StatePairing), Dst: string(StateConnecting)},
        // error is left only through a host command
        {Name: eventEstablish, Src: states(StatePairing, StateConnecting), Dst: string(StateConnected)},
        {
          Name: eventStop,
          Src: states(StatePairing, StateConnecting, StateConnected, StateError),
          Dst: string(StateDisconnecting),
        },
        {Name: eventStopped, Src: states(StateDisconnecting), Dst: string(StateIdle)},
        {Name: eventLose, Src: states(StatePairing, StateConnecting, StateConnected), Dst: string(StateIdle)},
        {Name: eventFail, Src: states(StatePairing, StateConnecting, StateConnected), Dst: string(StateError)},
        {
          Name: eventReset,
          Src: states(StatePairing, StateConnecting, StateConnected, StateDisconnecting, StateError),
          Dst: string(StateIdle),
        },
      },
      fsm.Callbacks{
        "enter_state": func(_ context.Context, e *fsm.Event) {
          if onTransition != nil {
            onTransition(State(e.Src), State(e.Dst))
          }
        },
      },
    ),
  }
}

func (m *machine) State() State {
  return State(m.fsm.Current())
}

// fire triggers event if it is valid in the current state and reports whether a transition
// happened. Transitions always run to completion.
func (m *machine) fire(event string) bool {
  if m.fsm.Cannot(event) {
    log.Trace().
      Str("Event", event).
      Stringer("State", m.State()).
      Msg("connector: event not applicable in current state")
    return false
  }

  if err := m.fsm.Event(context.Background(), event); err != nil {
    var noTransition fsm.NoTransitionError

    if !errors.As(err, &noTransition) {
      log.Error().
        Err(err).
        Str("Event", event).
        Stringer("State", m.State()).
        Msg("connector: state machine rejected event")
    }

    return false
  }

  return true
}
