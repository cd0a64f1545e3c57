package store

import (
  "context"
  "sync"

  "github.com/rs/zerolog/log"
)

// Action is anything that can be dispatched to the store.
type Action interface {
  ActionName() string
}

type Dispatcher interface {
  Dispatch(a Action)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(a Action)

func (f DispatcherFunc) Dispatch(a Action) {
  f(a)
}

// Reducer computes the next state. It must be pure.
type Reducer[S any] func(state S, action Action) S

// Middleware observes every action after it has been reduced. Middlewares may dispatch further
// actions; those are queued behind the current one.
type Middleware interface {
  Handle(a Action)
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(a Action)

func (f MiddlewareFunc) Handle(a Action) {
  f(a)
}

// Attachable middlewares receive the store's dispatcher once, when the store is built.
type Attachable interface {
  Attach(d Dispatcher)
}

type Listener[S any] func(state S, action Action)

type Store[S any] struct {
  reducer Reducer[S]
  middlewares []Middleware
  actions *queue

  mu sync.RWMutex
  state S

  listenersMu sync.Mutex
  listeners map[int]Listener[S]
  nextListener int
}

func New[S any](initial S, reducer Reducer[S], middlewares ...Middleware) *Store[S] {
  s := &Store[S]{
    reducer: reducer,
    middlewares: middlewares,
    actions: newQueue(),
    state: initial,
    listeners: make(map[int]Listener[S]),
  }

  for _, mw := range middlewares {
    if a, ok := mw.(Attachable); ok {
      a.Attach(s)
    }
  }

  return s
}

// Dispatch enqueues an action. It never blocks and is safe for concurrent use.
func (s *Store[S]) Dispatch(a Action) {
  if a == nil {
    log.Warn().Msg("store: ignoring nil action")
    return
  }

  s.actions.push(a)
}

// State returns the latest reduced state.
func (s *Store[S]) State() S {
  s.mu.RLock()
  defer s.mu.RUnlock()

  return s.state
}

// Subscribe registers a listener invoked, on the store goroutine, after every action has been
// reduced and seen by the middlewares.
func (s *Store[S]) Subscribe(l Listener[S]) (cancel func()) {
  s.listenersMu.Lock()
  defer s.listenersMu.Unlock()

  id := s.nextListener
  s.nextListener += 1
  s.listeners[id] = l

  return func() {
    s.listenersMu.Lock()
    defer s.listenersMu.Unlock()

    delete(s.listeners, id)
  }
}

// Pending returns the number of actions waiting to be processed.
func (s *Store[S]) Pending() int {
  return s.actions.len()
}

// Run processes actions in order until the context is cancelled.
func (s *Store[S]) Run(ctx context.Context) error {
  log.Debug().Int("Middlewares", len(s.middlewares)).Msg("store: started")

  for {
    for _, a := range s.actions.drain() {
      s.process(a)
    }

    select {
    case <-ctx.Done():
      log.Debug().Int("Pending", s.actions.len()).Msg("store: stopped")
      return nil
    case <-s.actions.ready:
    }
  }
}

func (s *Store[S]) process(a Action) {
  s.mu.Lock()
  next := s.reducer(s.state, a)
  s.state = next
  s.mu.Unlock()

  for _, mw := range s.middlewares {
    mw.Handle(a)
  }

  s.listenersMu.Lock()
  listeners := make([]Listener[S], 0, len(s.listeners))
  for _, l := range s.listeners {
    listeners = append(listeners, l)
  }
  s.listenersMu.Unlock()

  for _, l := range listeners {
    l(next, a)
  }
}
