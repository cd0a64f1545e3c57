package store_test

import (
  "context"
  "reflect"
  "sync"
  "testing"
  "time"

  "github.com/robertof/go-cgm-connector/store"
)

type add struct {
  n int
}

func (add) ActionName() string { return "add" }

type echo struct {
  n int
}

func (echo) ActionName() string { return "echo" }

func sum(state []int, a store.Action) []int {
  switch a := a.(type) {
  case add:
    return append(append([]int(nil), state...), a.n)
  case echo:
    return append(append([]int(nil), state...), -a.n)
  }

  return state
}

// FakeMiddleware records actions and echoes every add once its dispatcher is attached.
type FakeMiddleware struct {
  mu sync.Mutex
  seen []string
  d store.Dispatcher
}

func (f *FakeMiddleware) Attach(d store.Dispatcher) {
  f.d = d
}

func (f *FakeMiddleware) Handle(a store.Action) {
  f.mu.Lock()
  f.seen = append(f.seen, a.ActionName())
  f.mu.Unlock()

  if a, ok := a.(add); ok {
    f.d.Dispatch(echo{n: a.n})
  }
}

func runStore[S any](t *testing.T, s *store.Store[S]) (stop func()) {
  ctx, cancel := context.WithCancel(context.Background())
  done := make(chan struct{})

  go func() {
    defer close(done)
    s.Run(ctx)
  }()

  return func() {
    cancel()

    select {
    case <-done:
    case <-time.After(time.Second):
      t.Fatalf("store did not stop")
    }
  }
}

func waitFor(t *testing.T, cond func() bool) {
  deadline := time.Now().Add(2 * time.Second)

  for !cond() {
    if time.Now().After(deadline) {
      t.Fatalf("condition not met before deadline")
    }

    time.Sleep(time.Millisecond)
  }
}

func TestStore_ReducesInOrderAndRunsMiddlewares(t *testing.T) {
  mw := &FakeMiddleware{}
  s := store.New[[]int](nil, sum, mw)

  for i := 1; i <= 3; i += 1 {
    s.Dispatch(add{n: i})
  }

  stop := runStore(t, s)
  defer stop()

  waitFor(t, func() bool {
    mw.mu.Lock()
    defer mw.mu.Unlock()

    return len(mw.seen) == 6
  })

  want := []int{1, 2, 3, -1, -2, -3}

  if got := s.State(); !reflect.DeepEqual(got, want) {
    t.Fatalf("State(): got %v, wanted %v", got, want)
  }

  mw.mu.Lock()
  defer mw.mu.Unlock()

  wantSeen := []string{"add", "add", "add", "echo", "echo", "echo"}

  if !reflect.DeepEqual(mw.seen, wantSeen) {
    t.Fatalf("middleware saw %v, wanted %v", mw.seen, wantSeen)
  }
}

func TestStore_SubscribeSeesReducedState(t *testing.T) {
  s := store.New[[]int](nil, sum)

  type observation struct {
    state []int
    action string
  }

  ch := make(chan observation, 10)
  cancel := s.Subscribe(func(state []int, a store.Action) {
    ch <- observation{state: state, action: a.ActionName()}
  })

  stop := runStore(t, s)
  defer stop()

  s.Dispatch(add{n: 7})

  select {
  case got := <-ch:
    want := observation{state: []int{7}, action: "add"}

    if !reflect.DeepEqual(got, want) {
      t.Fatalf("listener: got %+v, wanted %+v", got, want)
    }
  case <-time.After(time.Second):
    t.Fatalf("listener was not invoked")
  }

  cancel()
  s.Dispatch(add{n: 8})

  waitFor(t, func() bool { return len(s.State()) == 2 })

  select {
  case got := <-ch:
    t.Fatalf("cancelled listener invoked with %+v", got)
  case <-time.After(20 * time.Millisecond):
  }
}

func TestStore_DispatchNeverBlocks(t *testing.T) {
  s := store.New[[]int](nil, sum)

  done := make(chan struct{})

  go func() {
    defer close(done)

    for i := 0; i < 10000; i += 1 {
      s.Dispatch(add{n: i})
    }
  }()

  select {
  case <-done:
  case <-time.After(time.Second):
    t.Fatalf("Dispatch() blocked without a running store")
  }

  if got := s.Pending(); got != 10000 {
    t.Fatalf("Pending(): got %v, wanted 10000", got)
  }
}

func TestStore_IgnoresNilAction(t *testing.T) {
  s := store.New[[]int](nil, sum)
  s.Dispatch(nil)

  if got := s.Pending(); got != 0 {
    t.Fatalf("Pending(): got %v, wanted 0", got)
  }
}
