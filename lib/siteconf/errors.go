package siteconf

import "errors"

var (
	// ErrConfigLoad is returned when the site configuration is missing or
	// malformed. Nothing downstream is meaningful without it.
	ErrConfigLoad = errors.New("site configuration load failed")

	// ErrMissingKey is returned when a required site configuration key is
	// absent
	ErrMissingKey = errors.New("missing required site configuration key")
)
