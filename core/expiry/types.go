// Package expiry manages delivery-artifact lifetime and the consumer
// re-request handshake. Expiry is evaluated lazily against timestamps;
// no per-artifact timers exist.
package expiry

import (
	"errors"
	"fmt"
	"time"
)

// State of a delivery artifact. Expired is never persisted: it is
// derived from the clock by CheckExpiry.
type State string

const (
	StateFresh          State = "fresh"
	StateExpired        State = "expired"
	StateRequestPending State = "request_pending"
	StateDeclined       State = "declined"
	StateSuperseded     State = "superseded"
)

// allowedTransitions for the persisted states. Declined is terminal for
// the request, not the artifact: the consumer may request again while
// the window is open.
var allowedTransitions = map[State][]State{
	StateFresh:          {StateRequestPending},
	StateRequestPending: {StateSuperseded, StateDeclined},
	StateDeclined:       {StateRequestPending},
	StateSuperseded:     {},
}

func isAllowedTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// DeclineReason is the closed set of reasons an admin may attach when
// declining a redelivery request.
type DeclineReason string

const (
	DeclineNotAvailable    DeclineReason = "not-available"
	DeclineInvalidRequest  DeclineReason = "invalid-request"
	DeclinePolicyViolation DeclineReason = "policy-violation"
	DeclineOther           DeclineReason = "other"
)

// ParseDeclineReason validates an operator-supplied reason string.
func ParseDeclineReason(s string) (DeclineReason, error) {
	switch DeclineReason(s) {
	case DeclineNotAvailable, DeclineInvalidRequest, DeclinePolicyViolation, DeclineOther:
		return DeclineReason(s), nil
	}
	return "", fmt.Errorf("unknown decline reason %q", s)
}

// Artifact is one delivered copy of a stored item. Artifacts are
// superseded, never deleted, so delivery history stays queryable.
type Artifact struct {
	ID              string
	SourceReference int64
	Consumer        string
	State           State
	SentAt          time.Time
	ExpiresAt       time.Time
	RequestID       string
	SupersededBy    string
	DeclineReason   DeclineReason
	DeclineNote     string
}

var (
	ErrUnknownArtifact     = errors.New("unknown delivery artifact")
	ErrUnknownRequest      = errors.New("unknown redelivery request")
	ErrAlreadyPending      = errors.New("redelivery request already pending")
	ErrNotExpired          = errors.New("artifact has not expired")
	ErrRequestWindowClosed = errors.New("redelivery request window closed")
	ErrWrongConsumer       = errors.New("artifact belongs to another consumer")
)

// CheckExpiry reports the effective state of an artifact at the given
// instant. Pure: calling it any number of times never mutates state.
func CheckExpiry(a *Artifact, now time.Time) State {
	if a.State != StateFresh {
		return a.State
	}
	if now.Before(a.ExpiresAt) {
		return StateFresh
	}
	return StateExpired
}
