package domain

import (
	"errors"
	"fmt"
)

// Error categories. Every typed error below unwraps to one of these so
// callers can branch with errors.Is without knowing the concrete type.
var (
	ErrValidation       = errors.New("validation error")
	ErrComplianceAccess = errors.New("compliance access denied")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrPersistence      = errors.New("persistence failure")
	ErrLookup           = errors.New("value unknown")
)

// ValidationError reports the first failing field of an input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ComplianceAccessError is returned when a logbook operation runs while a
// required module flag is disabled.
type ComplianceAccessError struct {
	BuybackEnabled bool
	LogbookEnabled bool
}

func (e *ComplianceAccessError) Error() string {
	missing := make([]string, 0, 2)
	if !e.BuybackEnabled {
		missing = append(missing, "buyback")
	}
	if !e.LogbookEnabled {
		missing = append(missing, "logbook")
	}
	return fmt.Sprintf("compliance ledger unavailable: module(s) disabled: %v", missing)
}

func (e *ComplianceAccessError) Unwrap() error { return ErrComplianceAccess }

// StateTransitionError describes a rejected lifecycle move. State is unchanged.
type StateTransitionError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e *StateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: cannot transition %s -> %s: %s", e.Entity, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s: cannot transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrStateTransition }

// PersistenceError wraps a storage failure that rolled back the whole operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// LookupError is returned when the catalog has no base price for a model.
// Repository failures during a lookup are PersistenceErrors instead.
type LookupError struct {
	Brand string
	Model string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("base price unknown for %s %s", e.Brand, e.Model)
}

func (e *LookupError) Unwrap() error { return ErrLookup }

// Category returns the stable machine-readable category of err, used by the
// transport layer to tell "fix your input" apart from system problems.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrComplianceAccess):
		return "compliance_access"
	case errors.Is(err, ErrStateTransition):
		return "state_transition"
	case errors.Is(err, ErrLookup):
		return "value_unknown"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
