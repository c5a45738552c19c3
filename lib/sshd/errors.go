package sshd

import "errors"

var (
	// ErrProvision is returned when installing the user's key inside the
	// environment fails
	ErrProvision = errors.New("ssh provisioning failed")

	// ErrDaemonStart is returned when the scoped ssh daemon cannot be
	// started
	ErrDaemonStart = errors.New("sshd start failed")
)
