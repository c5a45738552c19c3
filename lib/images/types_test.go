package images

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImageDataDump(t *testing.T) {
	img := &ImageData{
		Type:         "docker",
		Identifier:   "ubuntu:16.04",
		Format:       "squashfs",
		Path:         "/var/images/ubuntu.squashfs",
		UseLoopMount: true,
		Env:          []string{"PATH=/usr/bin"},
	}

	var buf bytes.Buffer
	img.Dump(&buf)
	out := buf.String()

	require.Contains(t, out, "type: docker")
	require.Contains(t, out, "identifier: ubuntu:16.04")
	require.Contains(t, out, "format: squashfs")
	require.Contains(t, out, "useLoopMount: true")
	require.Contains(t, out, "env: PATH=/usr/bin")
}
