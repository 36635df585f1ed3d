package repositories

import "fmt"

// StoreError is the categorised error returned by the in-process repositories.
type StoreError struct {
	Op          string
	Msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.notFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.conflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.unavailable }

// NotFound builds a not-found StoreError.
func NotFound(op, msg string) *StoreError { return &StoreError{Op: op, Msg: msg, notFound: true} }

// Conflict builds a conflict StoreError.
func Conflict(op, msg string) *StoreError { return &StoreError{Op: op, Msg: msg, conflict: true} }

// Unavailable builds an unavailable StoreError.
func Unavailable(op, msg string) *StoreError { return &StoreError{Op: op, Msg: msg, unavailable: true} }
