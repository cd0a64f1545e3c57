package glucose

import (
  "fmt"
  "sort"
  "time"
)

const (
  // Lower and upper bounds of what a sensor can report, in mg/dL.
  MinValue = 40
  MaxValue = 500
)

type Reading struct {
  Timestamp time.Time
  // Glucose value in mg/dL.
  Value float64
}

func NewReading(ts time.Time, value float64) Reading {
  return Reading{Timestamp: ts, Value: value}
}

func (r Reading) InRange() bool {
  return r.Value >= MinValue && r.Value <= MaxValue
}

func (r Reading) String() string {
  return fmt.Sprintf("Reading[Value=%.0fmg/dL,Timestamp=%v]",
    r.Value, r.Timestamp.Format(time.RFC3339))
}

// SortReadings orders readings oldest first, keeping the original order for equal timestamps.
func SortReadings(readings []Reading) {
  sort.SliceStable(readings, func(i, j int) bool {
    return readings[i].Timestamp.Before(readings[j].Timestamp)
  })
}
