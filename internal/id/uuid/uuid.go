// Package uuid issues and validates batch identifiers.
package uuid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalid rejects supplied IDs that are not UUIDs, or are the nil UUID.
var ErrInvalid = errors.New("batch id must be a uuid")

// NewID returns a time-ordered UUIDv7.
func NewID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// Resolve parses supplied, or issues a new ID when supplied is empty.
func Resolve(supplied string) (uuid.UUID, error) {
	if supplied == "" {
		return NewID()
	}
	id, err := uuid.Parse(supplied)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("batch id %q: %w", supplied, ErrInvalid)
	}
	return id, nil
}
