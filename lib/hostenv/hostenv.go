// Package hostenv builds the minimal trusted environment a privileged
// prologue tool is willing to hand to its subprocesses. The batch system
// that invokes us supplies an arbitrary, untrusted ambient environment;
// none of it may leak into anything we exec.
package hostenv

import (
	"fmt"
	"strings"
)

// TrustedPath is the only search path privileged helpers are run with.
const TrustedPath = "/usr/bin:/usr/sbin:/bin:/sbin"

// Environment is an ordered set of KEY=VALUE pairs. It is constructed once
// at process start and threaded into every subprocess, replacing the
// inherited environment entirely.
type Environment struct {
	vars []string
}

// Trusted returns the hardened environment: a single PATH entry and
// nothing else.
func Trusted() *Environment {
	return &Environment{
		vars: []string{"PATH=" + TrustedPath},
	}
}

// Environ renders the environment for exec.Cmd.Env. The returned slice is
// a copy; callers may append to it freely.
func (e *Environment) Environ() []string {
	out := make([]string, len(e.vars))
	copy(out, e.vars)
	return out
}

// Lookup returns the value for key and whether it is set.
func (e *Environment) Lookup(key string) (string, bool) {
	prefix := key + "="
	for _, v := range e.vars {
		if strings.HasPrefix(v, prefix) {
			return v[len(prefix):], true
		}
	}
	return "", false
}

// Set adds or replaces a variable. Used by tests and by collaborators that
// need to pass a scoped setting (never inherited state) to a helper.
func (e *Environment) Set(key, value string) {
	prefix := key + "="
	for i, v := range e.vars {
		if strings.HasPrefix(v, prefix) {
			e.vars[i] = fmt.Sprintf("%s=%s", key, value)
			return
		}
	}
	e.vars = append(e.vars, fmt.Sprintf("%s=%s", key, value))
}
