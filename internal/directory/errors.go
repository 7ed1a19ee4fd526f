package directory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an object referenced by ref does not exist
	ErrNotFound = errors.New("directory object not found")

	// ErrConflict is returned when a create or update would violate a
	// uniqueness constraint of the backend
	ErrConflict = errors.New("directory object conflict")

	// ErrExhausted is returned when no free address is left in a range
	ErrExhausted = errors.New("no free address")

	// ErrNotOwned is returned when a delete targets an object that is not
	// tagged as owned by this agent
	ErrNotOwned = errors.New("directory object not owned")
)

// NotOwnedError names the object that blocked a delete
type NotOwnedError struct {
	Kind Kind
	Ref  string
	Name string
}

func (e *NotOwnedError) Error() string {
	return fmt.Sprintf("refusing to delete %s %q (%s): not owned by this agent", e.Kind, e.Name, e.Ref)
}

func (e *NotOwnedError) Unwrap() error {
	return ErrNotOwned
}

// IsConflict reports whether err signals a uniqueness conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotOwned reports whether err signals an ownership violation
func IsNotOwned(err error) bool {
	return errors.Is(err, ErrNotOwned)
}
