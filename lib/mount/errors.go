package mount

import "errors"

var (
	// ErrLoopMount is returned when attaching the image backing file to a
	// loop device fails
	ErrLoopMount = errors.New("loop mount failed")

	// ErrNamespaceMount is returned when the container filesystem view
	// cannot be assembled in the private mount namespace
	ErrNamespaceMount = errors.New("namespace mount failed")

	// ErrUserMount is returned when a user-requested bind mount cannot be
	// applied
	ErrUserMount = errors.New("user mount failed")

	// ErrMountNotAllowed is returned when a user mount destination falls
	// outside the site's allowed locations
	ErrMountNotAllowed = errors.New("mount destination not allowed")
)
