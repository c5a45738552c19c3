package request

import "errors"

var (
	// ErrUsage is returned for any bad invocation: malformed volume
	// mapping, missing option value, or wrong positional count. The caller
	// prints usage and exits before any privileged step.
	ErrUsage = errors.New("invalid usage")
)
