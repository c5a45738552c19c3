package images

import "errors"

var (
	// ErrNotFound is returned when no image metadata exists for the
	// requested type and identifier
	ErrNotFound = errors.New("image not found")

	// ErrInvalidIdentifier is returned when the identifier cannot be
	// normalized for the requested image type
	ErrInvalidIdentifier = errors.New("invalid image identifier")

	// ErrBadMetadata is returned when image metadata exists but cannot be
	// used
	ErrBadMetadata = errors.New("invalid image metadata")
)
