package store

import "sync"

// queue is an unbounded FIFO of actions. Pushing never blocks, so middlewares and
// asynchronous producers can dispatch from any goroutine without risking a deadlock
// against the store loop.
type queue struct {
  mu sync.Mutex
  items []Action
  ready chan struct{}
}

func newQueue() *queue {
  return &queue{
    ready: make(chan struct{}, 1),
  }
}

func (q *queue) push(a Action) {
  q.mu.Lock()
  q.items = append(q.items, a)
  q.mu.Unlock()

  select {
  case q.ready <- struct{}{}:
  default:
  }
}

// drain returns every queued action in arrival order and empties the queue.
func (q *queue) drain() []Action {
  q.mu.Lock()
  defer q.mu.Unlock()

  items := q.items
  q.items = nil

  return items
}

func (q *queue) len() int {
  q.mu.Lock()
  defer q.mu.Unlock()

  return len(q.items)
}
