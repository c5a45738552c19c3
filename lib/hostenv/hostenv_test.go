package hostenv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrusted(t *testing.T) {
	env := Trusted()

	environ := env.Environ()
	require.Len(t, environ, 1)
	require.Equal(t, "PATH="+TrustedPath, environ[0])

	path, ok := env.Lookup("PATH")
	require.True(t, ok)
	require.Equal(t, TrustedPath, path)

	_, ok = env.Lookup("HOME")
	require.False(t, ok)
}

func TestEnvironIsACopy(t *testing.T) {
	env := Trusted()

	environ := env.Environ()
	environ[0] = "PATH=/tmp/evil"

	path, ok := env.Lookup("PATH")
	require.True(t, ok)
	require.Equal(t, TrustedPath, path)
}

func TestSet(t *testing.T) {
	env := Trusted()

	env.Set("SSHD_CONFIG", "/etc/stageroot/sshd_config")
	v, ok := env.Lookup("SSHD_CONFIG")
	require.True(t, ok)
	require.Equal(t, "/etc/stageroot/sshd_config", v)

	env.Set("SSHD_CONFIG", "/other")
	v, _ = env.Lookup("SSHD_CONFIG")
	require.Equal(t, "/other", v)
	require.Len(t, env.Environ(), 2)
}
