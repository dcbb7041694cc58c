package model

import (
	"errors"
	"fmt"
)

var (
	ErrStaleReport         = errors.New("stale report")
	ErrUnknownMission      = errors.New("unknown mission")
	ErrUnknownSite         = errors.New("unknown site")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrProviderUnavailable = errors.New("eta provider unavailable")
	ErrPersistence         = errors.New("persistence failure")

	ErrInvalidReport  = errors.New("invalid position report")
	ErrInvalidCommand = errors.New("invalid command")
	ErrLowAccuracy    = errors.New("accuracy above configured ceiling")
	ErrMissionExists  = errors.New("mission already exists")
	ErrInvalidMission = errors.New("invalid mission")
)

// TransitionError describes a trigger the current status has no edge for.
type TransitionError struct {
	From    Status
	Trigger string
	Reason  string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition from %s on %s: %s", e.From, e.Trigger, e.Reason)
	}
	return fmt.Sprintf("invalid transition from %s on %s", e.From, e.Trigger)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
