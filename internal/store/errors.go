package store

import "errors"

// Typed errors surfaced by store operations; callers (control surface,
// broker, turn manager) switch on these to build protocol-level `.error`
// responses.
var (
	// ErrInvalidID is returned when an agent or session ID is empty, contains
	// a "." or ".." segment, or would resolve outside the project root.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrNotFound is returned when a referenced agent or session does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned by create operations when the target
	// directory already exists.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrMainSessionProtected is returned by attempts to delete the "main"
	// session directly instead of deleting the owning agent.
	ErrMainSessionProtected = errors.New("store: main session cannot be deleted directly")
)
