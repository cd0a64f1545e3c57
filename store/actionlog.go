package store

import (
  "fmt"

  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
)

// ActionLogger logs every action flowing through the store.
type ActionLogger struct {
  Level zerolog.Level
}

func (l ActionLogger) Handle(a Action) {
  log.WithLevel(l.Level).
    Str("Action", a.ActionName()).
    Str("Payload", fmt.Sprintf("%+v", a)).
    Msg("store: action")
}
