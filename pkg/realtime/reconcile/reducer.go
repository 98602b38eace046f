// Package reconcile merges confirmed realtime events into client-held
// collections that may also contain optimistic entries.
//
// The reducer is pure: each operation takes a State and returns a new one.
// It is order tolerant rather than order dependent:
//   - created is a no-op for a key already present, and replaces the pending
//     entry of a matching intent in place instead of adding a second entry
//   - updated replaces in place and never inserts
//   - deleted removes and remembers the id so stale events cannot resurrect it
//   - an updated that arrives before its created is held and wins over the
//     older created payload
package reconcile

import (
	"errors"
	"fmt"

	"github.com/zfogg/sidechain/realtime/pkg/events"
)

// ErrWrongChannel is returned by Apply for events of another channel
var ErrWrongChannel = errors.New("reconcile: event for another channel")

// Config describes how the reducer sees T
type Config[T any] struct {
	// Channel whose events Apply accepts
	Channel events.Channel
	// Key returns the entity id
	Key func(T) string
	// Ref returns the correlation id echoed by the server, or ""
	Ref func(T) string
	// Visible filters entities per event; nil means always visible
	Visible func(T) bool
	// Decode extracts T from created/updated events
	Decode func(*events.DomainEvent) (T, error)
}

// Reducer applies events and optimistic transitions to States
type Reducer[T any] struct {
	cfg Config[T]
}

// New creates a reducer
func New[T any](cfg Config[T]) *Reducer[T] {
	return &Reducer[T]{cfg: cfg}
}

// Empty returns an empty State
func (r *Reducer[T]) Empty() State[T] {
	return newState[T]()
}

func (r *Reducer[T]) visible(v T) bool {
	return r.cfg.Visible == nil || r.cfg.Visible(v)
}

func (r *Reducer[T]) ref(v T) string {
	if r.cfg.Ref == nil {
		return ""
	}
	return r.cfg.Ref(v)
}

// Apply decodes ev and routes it by type. Malformed events and events of
// other channels return s unchanged together with the error.
func (r *Reducer[T]) Apply(s State[T], ev *events.DomainEvent) (State[T], error) {
	if ev.Channel != r.cfg.Channel {
		return s, fmt.Errorf("%w: %s", ErrWrongChannel, ev.Channel)
	}

	switch ev.Type {
	case events.TypeDeleted:
		d, err := ev.DecodeDeleted()
		if err != nil {
			return s, err
		}
		return r.Deleted(s, d.ID), nil

	case events.TypeCreated, events.TypeUpdated, events.TypeGroupMemberJoined, events.TypeGroupMemberLeft:
		v, err := r.cfg.Decode(ev)
		if err != nil {
			return s, err
		}
		if r.cfg.Key(v) != ev.EntityID {
			return s, fmt.Errorf("%w: payload id %q, entity %q", events.ErrMalformedPayload, r.cfg.Key(v), ev.EntityID)
		}
		if ev.Type == events.TypeCreated {
			return r.Created(s, v), nil
		}
		return r.Updated(s, v), nil
	}

	return s, fmt.Errorf("%w: %s/%s", events.ErrInvalidType, ev.Channel, ev.Type)
}

// Created merges a confirmed new entity
func (r *Reducer[T]) Created(s State[T], v T) State[T] {
	key := r.cfg.Key(v)
	out := s.clone()

	if _, dead := out.tombstones.get(key); dead {
		return s
	}
	if newer, ok := out.early.get(key); ok {
		v = newer
		out.early.del(key)
	}

	intent, mine := out.intents[r.ref(v)]
	mine = mine && intent.State == IntentPending

	if i := out.indexOf(key); i >= 0 {
		if !mine {
			return s
		}
		// already present via baseline; the placeholder is now redundant
		out.dropPending(intent.TempID)
		out.intents[intent.Ref] = confirmed(intent, key)
		return out
	}

	if mine {
		out.intents[intent.Ref] = confirmed(intent, key)
		if j := out.indexOf(intent.TempID); j >= 0 {
			if r.visible(v) {
				out.entries[j] = Entry[T]{Key: key, Value: v}
			} else {
				out.remove(j)
			}
			return out
		}
	}

	if !r.visible(v) {
		if mine {
			return out
		}
		return s
	}
	out.prepend(Entry[T]{Key: key, Value: v})
	return out
}

// Updated replaces the entity in place if present. An entity that is no longer
// visible is removed. Unknown keys are never inserted.
func (r *Reducer[T]) Updated(s State[T], v T) State[T] {
	key := r.cfg.Key(v)
	out := s.clone()

	if _, dead := out.tombstones.get(key); dead {
		return s
	}

	i := out.indexOf(key)
	if i < 0 {
		out.early.put(key, v)
		return out
	}

	if !r.visible(v) {
		out.remove(i)
		return out
	}
	out.entries[i].Value = v
	return out
}

// Deleted removes the entity if present
func (r *Reducer[T]) Deleted(s State[T], key string) State[T] {
	out := s.clone()
	out.tombstones.put(key, struct{}{})
	out.early.del(key)
	if i := out.indexOf(key); i >= 0 && !out.entries[i].Pending {
		out.remove(i)
	}
	return out
}

// Load installs a baseline fetch. Pending entries stay on top unless the
// baseline already contains their confirmed entity; invisible entities are skipped.
func (r *Reducer[T]) Load(s State[T], baseline []T) State[T] {
	out := s.clone()

	var pending []Entry[T]
	for _, e := range out.entries {
		if e.Pending {
			pending = append(pending, e)
		}
	}

	confirmedByRef := make(map[string]string)
	entries := make([]Entry[T], 0, len(baseline)+len(pending))
	seen := make(map[string]bool, len(baseline))
	for _, v := range baseline {
		key := r.cfg.Key(v)
		if seen[key] || !r.visible(v) {
			continue
		}
		if _, dead := out.tombstones.get(key); dead {
			continue
		}
		seen[key] = true
		entries = append(entries, Entry[T]{Key: key, Value: v})
		if ref := r.ref(v); ref != "" {
			confirmedByRef[ref] = key
		}
	}

	kept := pending[:0]
	for _, e := range pending {
		if key, ok := confirmedByRef[e.Ref]; ok {
			out.intents[e.Ref] = confirmed(out.intents[e.Ref], key)
			continue
		}
		kept = append(kept, e)
	}

	out.entries = append(kept, entries...)
	return out
}

// Patch rewrites entries in place. fn returns the new value and whether it changed.
func (r *Reducer[T]) Patch(s State[T], fn func(T) (T, bool)) State[T] {
	var out State[T]
	changed := false
	for i, e := range s.entries {
		v, ok := fn(e.Value)
		if !ok {
			continue
		}
		if !changed {
			out = s.clone()
			changed = true
		}
		out.entries[i].Value = v
	}
	if !changed {
		return s
	}
	return out
}

// AddOptimistic inserts a pending entry under tempID, owned by a new intent ref
func (r *Reducer[T]) AddOptimistic(s State[T], ref, tempID string, v T) (State[T], error) {
	if _, exists := s.intents[ref]; exists {
		return s, fmt.Errorf("%w: %s", ErrDuplicateIntent, ref)
	}
	if s.indexOf(tempID) >= 0 {
		return s, fmt.Errorf("%w: %s", ErrDuplicateKey, tempID)
	}

	out := s.clone()
	out.intents[ref] = Intent{Ref: ref, TempID: tempID, State: IntentPending}
	out.prepend(Entry[T]{Key: tempID, Value: v, Pending: true, Ref: ref})
	return out, nil
}

// Confirm applies the HTTP response of the client's own write. It agrees with
// a created event for the same entity in either order.
func (r *Reducer[T]) Confirm(s State[T], ref string, v T) (State[T], error) {
	intent, ok := s.intents[ref]
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownIntent, ref)
	}

	key := r.cfg.Key(v)
	switch intent.State {
	case IntentConfirmed:
		if intent.EntityID == key {
			return s, nil
		}
		return s, fmt.Errorf("%w: %s already confirmed as %s", ErrInvalidTransition, ref, intent.EntityID)
	case IntentRolledBack:
		return s, fmt.Errorf("%w: %s was rolled back", ErrInvalidTransition, ref)
	}

	out := s.clone()
	out.intents[ref] = confirmed(intent, key)

	if _, dead := out.tombstones.get(key); dead {
		out.dropPending(intent.TempID)
		return out, nil
	}
	if newer, ok := out.early.get(key); ok {
		v = newer
		out.early.del(key)
	}

	j := out.indexOf(intent.TempID)
	if out.indexOf(key) >= 0 || !r.visible(v) {
		if j >= 0 {
			out.remove(j)
		}
		return out, nil
	}
	if j >= 0 {
		out.entries[j] = Entry[T]{Key: key, Value: v}
	} else {
		out.prepend(Entry[T]{Key: key, Value: v})
	}
	return out, nil
}

// Rollback removes the pending entry of a failed write. Repeating it is a no-op.
func (r *Reducer[T]) Rollback(s State[T], ref string) (State[T], error) {
	intent, ok := s.intents[ref]
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownIntent, ref)
	}
	if intent.State == IntentRolledBack {
		return s, nil
	}

	next, err := intent.transition(IntentRolledBack)
	if err != nil {
		return s, err
	}

	out := s.clone()
	out.intents[ref] = next
	out.dropPending(intent.TempID)
	return out, nil
}

func (s *State[T]) dropPending(tempID string) {
	if i := s.indexOf(tempID); i >= 0 && s.entries[i].Pending {
		s.remove(i)
	}
}

func confirmed(i Intent, entityID string) Intent {
	i.State = IntentConfirmed
	i.EntityID = entityID
	return i
}
