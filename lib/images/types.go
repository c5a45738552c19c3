package images

import (
	"fmt"
	"io"
	"strings"
)

// ImageData describes one resolved image: where its backing store lives
// and how the mount subsystem has to expose it. Everything beyond
// UseLoopMount and Path is opaque to the setup pipeline.
type ImageData struct {
	Type       string
	Identifier string

	// Format of the backing store: "squashfs", "ext4" or "dir".
	Format string

	// Path is the backing file (loop formats) or tree (dir format).
	Path string

	// UseLoopMount is true when the backing store must be exposed through
	// a loop device before it can be mounted.
	UseLoopMount bool

	// Job environment recorded by the image gateway; passed through to
	// the assembled environment untouched.
	Env        []string
	Entrypoint []string
}

// Dump writes the fixed human-readable image dump used by verbose mode.
func (d *ImageData) Dump(w io.Writer) {
	fmt.Fprintln(w, "***** Image Data *****")
	fmt.Fprintf(w, "type: %s\n", d.Type)
	fmt.Fprintf(w, "identifier: %s\n", d.Identifier)
	fmt.Fprintf(w, "format: %s\n", d.Format)
	fmt.Fprintf(w, "path: %s\n", d.Path)
	fmt.Fprintf(w, "useLoopMount: %t\n", d.UseLoopMount)
	fmt.Fprintf(w, "env: %s\n", strings.Join(d.Env, " "))
	fmt.Fprintf(w, "entrypoint: %s\n", strings.Join(d.Entrypoint, " "))
	fmt.Fprintln(w, "***** End Image Data *****")
}
