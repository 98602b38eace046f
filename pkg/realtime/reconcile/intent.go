package reconcile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Intent errors
var (
	ErrUnknownIntent     = errors.New("reconcile: unknown intent")
	ErrInvalidTransition = errors.New("reconcile: invalid intent transition")
	ErrDuplicateIntent   = errors.New("reconcile: intent already exists")
	ErrDuplicateKey      = errors.New("reconcile: key already present")
)

// IntentState is the lifecycle of one optimistic write
type IntentState int

const (
	IntentPending IntentState = iota
	IntentConfirmed
	IntentRolledBack
)

func (s IntentState) String() string {
	switch s {
	case IntentPending:
		return "pending"
	case IntentConfirmed:
		return "confirmed"
	case IntentRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("IntentState(%d)", int(s))
	}
}

// Intent records one optimistic write, keyed by the client-generated
// correlation id the server echoes back in the created entity.
type Intent struct {
	Ref      string
	TempID   string
	State    IntentState
	EntityID string
}

const tempPrefix = "temp-"

// NewTempID returns the placeholder id for an entry created at now
func NewTempID(now time.Time) string {
	return tempPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

// IsTempID reports whether id is a client placeholder
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

func (i Intent) transition(to IntentState) (Intent, error) {
	if i.State != IntentPending {
		return i, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, i.State, to, i.Ref)
	}
	i.State = to
	return i, nil
}
