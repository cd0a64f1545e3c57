package connector

import (
  "errors"
  "fmt"
)

var (
  ErrInvalidDescriptor = errors.New("connector: invalid backend descriptor")
  ErrDuplicateBackend = errors.New("connector: duplicate backend id")
  ErrUnknownBackend = errors.New("connector: unknown backend id")
)

// Descriptor describes a backend the user can choose from.
type Descriptor struct {
  ID string
  DisplayName string
  Factory Factory
}

func (d Descriptor) String() string {
  return fmt.Sprintf("%v[%q]", d.ID, d.DisplayName)
}

// Registry is the ordered, immutable catalog of available backends.
type Registry struct {
  descriptors []Descriptor
  index map[string]int
}

func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
  r := &Registry{
    descriptors: make([]Descriptor, 0, len(descriptors)),
    index: make(map[string]int, len(descriptors)),
  }

  for _, d := range descriptors {
    if d.ID == "" {
      return nil, fmt.Errorf("%w: empty id (%q)", ErrInvalidDescriptor, d.DisplayName)
    }

    if d.Factory == nil {
      return nil, fmt.Errorf("%w: %q has no factory", ErrInvalidDescriptor, d.ID)
    }

    if _, ok := r.index[d.ID]; ok {
      return nil, fmt.Errorf("%w: %q", ErrDuplicateBackend, d.ID)
    }

    if d.DisplayName == "" {
      d.DisplayName = d.ID
    }

    r.index[d.ID] = len(r.descriptors)
    r.descriptors = append(r.descriptors, d)
  }

  return r, nil
}

func (r *Registry) Lookup(id string) (Descriptor, error) {
  i, ok := r.index[id]

  if !ok {
    return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownBackend, id)
  }

  return r.descriptors[i], nil
}

func (r *Registry) Has(id string) bool {
  _, ok := r.index[id]
  return ok
}

// Descriptors returns the registered backends in registration order.
func (r *Registry) Descriptors() []Descriptor {
  out := make([]Descriptor, len(r.descriptors))
  copy(out, r.descriptors)

  return out
}

func (r *Registry) IDs() []string {
  ids := make([]string, len(r.descriptors))

  for i, d := range r.descriptors {
    ids[i] = d.ID
  }

  return ids
}

func (r *Registry) Len() int {
  return len(r.descriptors)
}
