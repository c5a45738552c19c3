package volumes

import "errors"

var (
	// ErrInvalidMapping is returned when a volume mapping argument is
	// missing its source or destination segment
	ErrInvalidMapping = errors.New("invalid volume mapping")
)
