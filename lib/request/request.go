// Package request turns the command line of one prologue invocation into a
// validated, read-only setup request. Nothing in this package performs a
// privileged operation; it runs before any collaborator is touched.
package request

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/oncompute/stageroot/lib/volumes"
)

// Request is the per-invocation configuration. It is populated once by
// Parse and read-only for the rest of the run.
type Request struct {
	SSHPublicKey string
	User         string
	ImageType    string
	ImageID      string
	UID          int
	MinNodeSpec  string
	Volumes      *volumes.Map
	Verbose      bool
}

// UsageText is written to stderr on any usage failure.
const UsageText = `usage: stageroot [options] imageType imageID

options:
  -v source:destination[:flags]  bind-mount a path into the environment,
                                 repeatable, applied in order
  -s pubkey                      ssh public key to install for the user
  -u user                        acting user name
  -U uid                         numeric uid of the acting user
  -N spec                        minimum node specification string
  -V                             verbose configuration dump
`

// volumeList collects repeated -v arguments into the mapping store.
type volumeList struct {
	m *volumes.Map
}

func (v *volumeList) String() string { return "" }

func (v *volumeList) Set(arg string) error {
	entry, err := volumes.ParseMapping(arg)
	if err != nil {
		return err
	}
	return v.m.Append(entry)
}

// Parse builds a Request from the process arguments (excluding argv[0]).
// Exactly two positionals are required: the image type and the image
// identifier. Both are passed through FilterIdentifier before validation,
// so an identifier made entirely of rejected bytes fails as missing.
func Parse(args []string) (*Request, error) {
	req := &Request{Volumes: volumes.NewMap()}

	fs := flag.NewFlagSet("stageroot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(&volumeList{m: req.Volumes}, "v", "volume mapping")
	fs.StringVar(&req.SSHPublicKey, "s", "", "ssh public key")
	fs.StringVar(&req.User, "u", "", "acting user")
	uid := fs.String("U", "", "numeric uid")
	fs.StringVar(&req.MinNodeSpec, "N", "", "minimum node spec")
	fs.BoolVar(&req.Verbose, "V", false, "verbose")

	// Options and positionals may be interleaved, as with permuting
	// getopt: each parse pass stops at the next positional, which is
	// collected before parsing resumes on the remainder.
	var positionals []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUsage, err)
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positionals = append(positionals, rest[0])
		rest = rest[1:]
	}

	if *uid != "" {
		n, err := strconv.Atoi(*uid)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad uid %q", ErrUsage, *uid)
		}
		req.UID = n
	}

	if len(positionals) != 2 {
		return nil, fmt.Errorf("%w: must specify image type and image identifier", ErrUsage)
	}
	req.ImageType = FilterIdentifier(positionals[0])
	req.ImageID = FilterIdentifier(positionals[1])
	if req.ImageType == "" || req.ImageID == "" {
		return nil, fmt.Errorf("%w: empty image type or identifier", ErrUsage)
	}

	return req, nil
}

// FilterIdentifier strips an identifier down to the alphabet
// [A-Za-z0-9_:.+-]. Every other byte is dropped, not replaced: the filter
// is lossy by contract, so metacharacters never reach collaborators that
// build paths or spawn helpers from these values.
func FilterIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '_', c == ':', c == '.', c == '+', c == '-':
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Dump writes the fixed human-readable configuration dump used by verbose
// mode. The format is for operators, not machines.
func (r *Request) Dump(w io.Writer) {
	fmt.Fprintln(w, "***** Setup Request *****")
	fmt.Fprintf(w, "imageType: %s\n", r.ImageType)
	fmt.Fprintf(w, "imageIdentifier: %s\n", r.ImageID)
	fmt.Fprintf(w, "sshPubKey: %s\n", r.SSHPublicKey)
	fmt.Fprintf(w, "user: %s\n", r.User)
	fmt.Fprintf(w, "uid: %d\n", r.UID)
	fmt.Fprintf(w, "minNodeSpec: %s\n", r.MinNodeSpec)
	fmt.Fprintf(w, "volumeMap: %d maps\n", r.Volumes.Len())
	for _, m := range r.Volumes.All() {
		flags := m.Flags
		if flags == "" {
			flags = "NONE"
		}
		fmt.Fprintf(w, "    FROM: %s, TO: %s, FLAGS: %s\n", m.Source, m.Destination, flags)
	}
	fmt.Fprintln(w, "***** End Setup Request *****")
}
