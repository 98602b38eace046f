package reconcile

import (
	"maps"
	"slices"
)

// Entry is one element of the collection. Pending entries are keyed by their
// temp id and owned by an intent.
type Entry[T any] struct {
	Key     string
	Value   T
	Pending bool
	Ref     string
}

// State is an immutable snapshot of one collection, newest first. Every
// Reducer operation returns a new State and leaves its input untouched.
type State[T any] struct {
	entries []Entry[T]
	intents map[string]Intent

	// ids deleted recently; late created/updated for them are stale
	tombstones *bounded[struct{}]
	// full entities from updates that arrived before their created
	early *bounded[T]
}

const (
	maxTombstones = 1024
	maxEarly      = 256
)

func newState[T any]() State[T] {
	return State[T]{
		intents:    make(map[string]Intent),
		tombstones: newBounded[struct{}](maxTombstones),
		early:      newBounded[T](maxEarly),
	}
}

// clone also upgrades a zero State into a usable one
func (s State[T]) clone() State[T] {
	out := newState[T]()
	out.entries = slices.Clone(s.entries)
	if s.intents != nil {
		out.intents = maps.Clone(s.intents)
	}
	if s.tombstones != nil {
		out.tombstones = s.tombstones.clone()
	}
	if s.early != nil {
		out.early = s.early.clone()
	}
	return out
}

// Len returns the number of entries, pending ones included
func (s State[T]) Len() int {
	return len(s.entries)
}

// Items returns the entity values in display order
func (s State[T]) Items() []T {
	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Value
	}
	return out
}

// Entries returns a copy of the entries in display order
func (s State[T]) Entries() []Entry[T] {
	return slices.Clone(s.entries)
}

// Keys returns entry keys in display order
func (s State[T]) Keys() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Key
	}
	return out
}

// Get returns the entry value for key
func (s State[T]) Get(key string) (T, bool) {
	if i := s.indexOf(key); i >= 0 {
		return s.entries[i].Value, true
	}
	var zero T
	return zero, false
}

// Intent returns the intent for ref
func (s State[T]) Intent(ref string) (Intent, bool) {
	i, ok := s.intents[ref]
	return i, ok
}

// Pending returns how many entries are still awaiting confirmation
func (s State[T]) Pending() int {
	n := 0
	for _, e := range s.entries {
		if e.Pending {
			n++
		}
	}
	return n
}

func (s State[T]) indexOf(key string) int {
	return slices.IndexFunc(s.entries, func(e Entry[T]) bool { return e.Key == key })
}

func (s *State[T]) remove(i int) {
	s.entries = slices.Delete(s.entries, i, i+1)
}

func (s *State[T]) prepend(e Entry[T]) {
	s.entries = slices.Insert(s.entries, 0, e)
}

// bounded is a small insertion-ordered map that forgets its oldest keys
type bounded[V any] struct {
	max   int
	order []string
	items map[string]V
}

func newBounded[V any](max int) *bounded[V] {
	return &bounded[V]{max: max, items: make(map[string]V)}
}

func (b *bounded[V]) clone() *bounded[V] {
	return &bounded[V]{max: b.max, order: slices.Clone(b.order), items: maps.Clone(b.items)}
}

func (b *bounded[V]) get(key string) (V, bool) {
	v, ok := b.items[key]
	return v, ok
}

func (b *bounded[V]) put(key string, v V) {
	if _, ok := b.items[key]; !ok {
		b.order = append(b.order, key)
	}
	b.items[key] = v
	for len(b.order) > b.max {
		delete(b.items, b.order[0])
		b.order = b.order[1:]
	}
}

func (b *bounded[V]) del(key string) {
	if _, ok := b.items[key]; !ok {
		return
	}
	delete(b.items, key)
	b.order = slices.DeleteFunc(b.order, func(k string) bool { return k == key })
}
