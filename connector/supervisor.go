package connector

import (
  "context"
  "errors"
  "fmt"
  "sync/atomic"
  "time"

  "github.com/google/uuid"
  "github.com/rs/zerolog/log"

  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/store"
  "github.com/robertof/go-cgm-connector/utils"
)

var (
  ErrUnattached = errors.New("connector: supervisor is not attached to a store")
  ErrAlreadyRunning = errors.New("connector: supervisor is already running")
  ErrBackendUnavailable = errors.New("connector: backend could not be created")
)

const (
  commandQueueSize = 16
  updateQueueSize = 64
)

type attachment uint8

const (
  unattached attachment = iota
  attached
)

type operation uint8

const (
  operationPair operation = iota
  operationConnect
)

func (o operation) String() string {
  if o == operationPair {
    return "pair"
  }

  return "connect"
}

// activation binds a backend instance to its descriptor. It is replaced, never modified.
type activation struct {
  descriptor Descriptor
  backend Backend
}

// session is one pair or connect operation on the active backend.
type session struct {
  id uint64
  trace string
  op operation
  sensor glucose.Sensor
  cancel context.CancelFunc
}

type retry struct {
  session uint64
  attempt int
}

type Option func(*Supervisor)

func WithReconnectPolicy(p ReconnectPolicy) Option {
  return func(s *Supervisor) {
    s.policy = p
  }
}

// Supervisor owns the single active backend. It executes connector commands received from the
// store and forwards every update of the active backend back into the store, in order.
//
// All state is owned by the Run goroutine; commands and updates are queued onto it.
type Supervisor struct {
  registry *Registry
  policy ReconnectPolicy

  link attachment
  dispatcher store.Dispatcher

  commands chan store.Action
  updates chan Envelope
  retries chan retry
  done chan struct{}
  running atomic.Bool

  machine *machine
  active atomic.Pointer[activation]

  session *session
  generation uint64
  attempts int
  retryPending uint64
}

func NewSupervisor(registry *Registry, opts ...Option) *Supervisor {
  s := &Supervisor{
    registry: registry,
    commands: make(chan store.Action, commandQueueSize),
    updates: make(chan Envelope, updateQueueSize),
    retries: make(chan retry),
    done: make(chan struct{}),
  }

  for _, opt := range opts {
    opt(s)
  }

  s.machine = newMachine(s.onTransition)

  return s
}

// Attach wires the supervisor to the store it dispatches into. It must be called once, before
// Run.
func (s *Supervisor) Attach(d store.Dispatcher) {
  if s.link == attached {
    panic("connector: Supervisor.Attach() called twice")
  }

  s.dispatcher = d
  s.link = attached
}

// Handle receives every store action and queues connector commands for execution.
func (s *Supervisor) Handle(a store.Action) {
  switch a.(type) {
  case PairSensor, ConnectSensor, DisconnectSensor:
  default:
    return
  }

  select {
  case s.commands <- a:
  case <-s.done:
    log.Warn().Str("Command", a.ActionName()).Msg("connector: supervisor stopped, dropping command")
  }
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
  return s.machine.State()
}

// ActiveBackendID returns the id of the backend instance currently held, if any.
func (s *Supervisor) ActiveBackendID() string {
  if a := s.active.Load(); a != nil {
    return a.descriptor.ID
  }

  return ""
}

func (s *Supervisor) Registry() *Registry {
  return s.registry
}

// Run executes commands and forwards updates until the context is cancelled. The active
// backend, if any, is disconnected before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
  if s.link != attached {
    return ErrUnattached
  }

  if !s.running.CompareAndSwap(false, true) {
    return ErrAlreadyRunning
  }

  defer close(s.done)

  log.Info().
    Array("Backends", utils.ToZeroLogArray(s.registry.Descriptors())).
    Bool("Reconnect", s.policy.Enabled).
    Msg("connector: supervisor started")

  for {
    select {
    case <-ctx.Done():
      log.Info().Msg("connector: supervisor shutting down")
      s.release()
      return nil
    case cmd := <-s.commands:
      s.handleCommand(cmd)
    case env := <-s.updates:
      s.handleEnvelope(env)
    case r := <-s.retries:
      s.handleRetry(r)
    }
  }
}

func (s *Supervisor) handleCommand(cmd store.Action) {
  s.attempts = 0

  switch c := cmd.(type) {
  case PairSensor:
    s.activate(cmd, c.BackendID, operationPair, glucose.Sensor{})
  case ConnectSensor:
    s.activate(cmd, c.BackendID, operationConnect, c.Sensor)
  case DisconnectSensor:
    if s.active.Load() == nil {
      log.Debug().Msg("connector: disconnect requested but no backend is active")
      return
    }

    s.release()
  }
}

func (s *Supervisor) activate(cmd store.Action, id string, op operation, sensor glucose.Sensor) {
  desc, err := s.registry.Lookup(id)

  if err != nil {
    s.reject(cmd, err)
    return
  }

  if current := s.active.Load(); current != nil && current.descriptor.ID != id {
    log.Info().
      Str("From", current.descriptor.ID).
      Str("To", id).
      Msg("connector: switching backend")

    s.release()
  }

  a := s.active.Load()

  if a != nil {
    // same backend: end whatever it is doing and reuse the instance.
    s.stop()
  } else {
    backend, err := s.construct(desc)

    if err != nil {
      s.reject(cmd, err)
      return
    }

    a = &activation{descriptor: desc, backend: backend}
    s.active.Store(a)
  }

  s.begin(a, op, sensor)
}

func (s *Supervisor) construct(desc Descriptor) (backend Backend, err error) {
  defer func() {
    if r := recover(); r != nil {
      err = fmt.Errorf("%w: %q panicked: %v", ErrBackendUnavailable, desc.ID, r)
    }
  }()

  backend = desc.Factory()

  if backend == nil {
    return nil, fmt.Errorf("%w: %q factory returned nil", ErrBackendUnavailable, desc.ID)
  }

  activationsCounter.WithLabelValues(desc.ID).Inc()
  log.Info().Stringer("Backend", desc).Msg("connector: created backend instance")

  return backend, nil
}

func (s *Supervisor) begin(a *activation, op operation, sensor glucose.Sensor) {
  s.generation += 1

  ctx, cancel := context.WithCancel(context.Background())
  sess := &session{
    id: s.generation,
    trace: uuid.NewString(),
    op: op,
    sensor: sensor,
    cancel: cancel,
  }

  s.session = sess

  if op == operationPair {
    s.machine.fire(eventPair)
  } else {
    s.machine.fire(eventConnect)
  }

  log.Info().
    Str("Backend", a.descriptor.ID).
    Uint64("Session", sess.id).
    Str("Trace", sess.trace).
    Stringer("Operation", op).
    Msg("connector: starting session")

  out := NewEmitter(ctx, a.descriptor.ID, sess.id, s.updates)

  ok := s.call(a, op.String(), func() {
    if op == operationPair {
      a.backend.PairSensor(ctx, out)
    } else {
      a.backend.ConnectSensor(ctx, sensor, out)
    }
  })

  if !ok {
    s.reset()
  }
}

// stop ends the current session of the active backend, keeping the instance. Updates the
// session already queued are forwarded first; nothing from it is accepted afterwards.
func (s *Supervisor) stop() {
  a := s.active.Load()

  if a == nil {
    return
  }

  sess := s.session

  if sess != nil {
    s.drain()
  }

  s.machine.fire(eventStop)

  if sess != nil {
    sess.cancel()
    s.session = nil
  }

  s.call(a, "disconnect", a.backend.DisconnectSensor)

  s.machine.fire(eventStopped)
}

// release stops the active backend and drops the instance.
func (s *Supervisor) release() {
  a := s.active.Load()

  if a == nil {
    return
  }

  s.stop()
  s.active.Store(nil)

  log.Info().Str("Backend", a.descriptor.ID).Msg("connector: released backend instance")
}

// reset recovers from an invariant violation: the backend is dropped and the machine goes back
// to idle.
func (s *Supervisor) reset() {
  resetsCounter.Inc()

  if s.session != nil {
    s.session.cancel()
    s.session = nil
  }

  if a := s.active.Load(); a != nil {
    s.call(a, "disconnect", a.backend.DisconnectSensor)
    s.active.Store(nil)
  }

  s.machine.fire(eventReset)
}

func (s *Supervisor) drain() {
  for i := 0; i < cap(s.updates); i += 1 {
    select {
    case env := <-s.updates:
      s.handleEnvelope(env)
    default:
      return
    }
  }
}

func (s *Supervisor) handleEnvelope(env Envelope) {
  if env.Session > s.generation {
    log.Error().
      Uint64("Session", env.Session).
      Uint64("Generation", s.generation).
      Stringer("Update", env.Update).
      Msg("connector: update from a session that was never started, resetting")

    s.reset()
    return
  }

  if s.session == nil || env.Session != s.session.id {
    staleUpdatesCounter.Inc()

    log.Debug().
      Uint64("Session", env.Session).
      Stringer("Update", env.Update).
      Msg("connector: discarding update from superseded session")
    return
  }

  a := s.active.Load()

  if a == nil {
    log.Error().
      Uint64("Session", env.Session).
      Stringer("Update", env.Update).
      Msg("connector: update received with no active backend, resetting")

    s.reset()
    return
  }

  forwardedUpdatesCounter.WithLabelValues(a.descriptor.ID, Kind(env.Update)).Inc()
  s.dispatcher.Dispatch(ActionFor(a.descriptor.ID, env.Update))
  s.observe(env.Update)
}

// observe drives the state machine from backend updates.
func (s *Supervisor) observe(u Update) {
  switch u := u.(type) {
  case ConnectionStateChanged:
    switch u.State {
    case ConnectionStateConnecting:
      s.machine.fire(eventConnect)
    case ConnectionStateConnected:
      s.machine.fire(eventEstablish)
      s.attempts = 0
    case ConnectionStateDisconnected:
      s.machine.fire(eventLose)
    case ConnectionStateError:
      s.machine.fire(eventFail)
    }
  case BackendError:
    s.machine.fire(eventFail)

    if s.machine.State() == StateError {
      s.scheduleReconnect()
    }
  }
}

func (s *Supervisor) scheduleReconnect() {
  sess := s.session

  if sess == nil || sess.op != operationConnect || s.retryPending == sess.id {
    return
  }

  if !s.policy.Allows(s.attempts) {
    if s.policy.Enabled {
      log.Warn().
        Int("Attempts", s.attempts).
        Msg("connector: giving up on reconnecting, waiting for a new command")
    }

    return
  }

  r := retry{session: sess.id, attempt: s.attempts}
  delay := s.policy.Backoff(s.attempts)
  s.retryPending = sess.id

  log.Info().
    Int("Attempt", r.attempt + 1).
    Dur("Backoff", delay).
    Msg("connector: scheduling reconnect")

  time.AfterFunc(delay, func() {
    select {
    case s.retries <- r:
    case <-s.done:
    }
  })
}

func (s *Supervisor) handleRetry(r retry) {
  sess := s.session
  a := s.active.Load()

  if a == nil || sess == nil || sess.id != r.session || s.machine.State() != StateError {
    log.Debug().Uint64("Session", r.session).Msg("connector: discarding outdated reconnect")
    return
  }

  reconnectsCounter.Inc()
  s.attempts = r.attempt + 1

  s.stop()
  s.begin(a, operationConnect, sess.sensor)
}

func (s *Supervisor) reject(cmd store.Action, err error) {
  rejectedCommandsCounter.Inc()

  log.Error().
    Err(err).
    Str("Command", cmd.ActionName()).
    Msg("connector: command rejected")

  s.dispatcher.Dispatch(CommandRejected{Command: cmd, Reason: err})
}

func (s *Supervisor) onTransition(from, to State) {
  id := s.ActiveBackendID()

  log.Info().
    Str("Backend", id).
    Stringer("From", from).
    Stringer("To", to).
    Msg("connector: state changed")

  s.dispatcher.Dispatch(ConnectorStateChanged{BackendID: id, From: from, To: to})
}

// call invokes a backend method, turning a panic into a logged failure.
func (s *Supervisor) call(a *activation, what string, fn func()) (ok bool) {
  defer func() {
    if r := recover(); r != nil {
      log.Error().
        Str("Backend", a.descriptor.ID).
        Str("Call", what).
        Interface("Panic", r).
        Msg("connector: backend panicked")

      ok = false
    }
  }()

  fn()

  return true
}
