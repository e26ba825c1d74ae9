package session

import "github.com/google/uuid"

// ID is a session's stable, unique identifier, assigned once at
// construction and never reused (spec.md §3: "id | stable unique identifier
// (128-bit) assigned at construction").
type ID = uuid.UUID

// NewID allocates a fresh 128-bit session identifier.
func NewID() ID {
	return uuid.New()
}
