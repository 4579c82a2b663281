// Package enginerr defines the engine's error kinds. Callers match kinds
// with errors.Is against the exported sentinels; the Error type carries
// enough context (entity, id, required vs available amounts) for a caller
// to reconcile a failure without re-reading raw state.
package enginerr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind sentinels. Every Error unwraps to exactly one of these.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrInvalidState         = errors.New("invalid state")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrInternal             = errors.New("internal error")
)

// Error is a kind-tagged engine error.
type Error struct {
	Kind   error  // one of the sentinels above
	Entity string // "account", "order", "strategy", "position", "quote"
	ID     string // identifier of the entity, when known
	Msg    string

	// Required/Available are set for insufficient-funds and
	// insufficient-position failures.
	Required  *decimal.Decimal
	Available *decimal.Decimal
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Entity != "" {
		s = e.Entity + " " + e.ID + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Required != nil && e.Available != nil {
		s += fmt.Sprintf(" (required %s, available %s)", e.Required, e.Available)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Kind }

// NotFound reports an absent entity.
func NotFound(entity, id string) error {
	return &Error{Kind: ErrNotFound, Entity: entity, ID: id}
}

// Conflict reports a uniqueness or lifecycle conflict.
func Conflict(entity, id, msg string) error {
	return &Error{Kind: ErrConflict, Entity: entity, ID: id, Msg: msg}
}

// InvalidState reports an operation on an entity outside its required
// lifecycle state.
func InvalidState(entity, id, msg string) error {
	return &Error{Kind: ErrInvalidState, Entity: entity, ID: id, Msg: msg}
}

// InsufficientFunds reports a cash shortfall. No mutation has occurred.
func InsufficientFunds(accountID string, required, available decimal.Decimal) error {
	return &Error{
		Kind: ErrInsufficientFunds, Entity: "account", ID: accountID,
		Required: &required, Available: &available,
	}
}

// InsufficientPosition reports a share shortfall. No mutation has occurred.
func InsufficientPosition(accountID, instrumentID string, required, available int64) error {
	req := decimal.NewFromInt(required)
	avail := decimal.NewFromInt(available)
	return &Error{
		Kind: ErrInsufficientPosition, Entity: "position",
		ID: accountID + "/" + instrumentID,
		Required: &req, Available: &avail,
	}
}

// Upstream reports a price oracle failure for an instrument.
func Upstream(instrumentID string, err error) error {
	return &Error{Kind: ErrUpstreamUnavailable, Entity: "quote", ID: instrumentID, Msg: err.Error()}
}

// Internal wraps an unexpected failure inside a unit of work.
func Internal(msg string, err error) error {
	return &Error{Kind: ErrInternal, Msg: fmt.Sprintf("%s: %v", msg, err)}
}
