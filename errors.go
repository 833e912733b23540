package main

import (
	"errors"
	"fmt"
)

// #############################################################################

var (
	ErrDegenerateModel       = errors.New("degenerate model")
	ErrSingularUpdate        = errors.New("singular update")
	ErrCapacityMismatch      = errors.New("capacity mismatch")
	ErrIncompleteAggregation = errors.New("incomplete aggregation")
	ErrUndrainedBuffer       = errors.New("aggregator buffer not drained")
	ErrNoOpenSlot            = errors.New("aggregator has no open slot")
	ErrUnauthorizedDecryptor = errors.New("unauthorized decryptor")
	ErrStaleContext          = errors.New("stale crypto context")
	ErrForeignCiphertext     = errors.New("ciphertext from a foreign key")
	ErrMalformedSample       = errors.New("malformed sample")
)

// DegenerateModelError is returned by the E-step when every component
// density underflows for a sample.
type DegenerateModelError struct {
	PartyID int
	Sum     float64
}

func (e *DegenerateModelError) Error() string {
	return fmt.Sprintf("party %d: responsibility normaliser is %v: %v", e.PartyID, e.Sum, ErrDegenerateModel)
}

func (e *DegenerateModelError) Unwrap() error {
	return ErrDegenerateModel
}

// SingularUpdateError reports a component whose aggregated weight fell
// below MinComponentWeight.
type SingularUpdateError struct {
	Component int
	Weight    float64
}

func (e *SingularUpdateError) Error() string {
	return fmt.Sprintf("component %d: aggregated weight %g below floor %g: %v", e.Component, e.Weight, MinComponentWeight, ErrSingularUpdate)
}

func (e *SingularUpdateError) Unwrap() error {
	return ErrSingularUpdate
}

// PartyError wraps a failure local to a single party.
type PartyError struct {
	PartyID int
	Err     error
}

func (e *PartyError) Error() string {
	return fmt.Sprintf("party %d: %v", e.PartyID, e.Err)
}

func (e *PartyError) Unwrap() error {
	return e.Err
}

// #############################################################################
