// Package volumes holds the ordered set of user-requested bind mounts for
// one container environment. Order matters: a later mapping may shadow an
// earlier one at the same destination, and the mount subsystem applies the
// entries exactly in append order.
package volumes

import (
	"fmt"
	"strings"
)

// allocBlock is the fixed capacity increment the store grows by.
const allocBlock = 10

// Mapping is one user-requested bind mount. Flags is empty when the user
// supplied none. A Mapping is immutable once appended to a Map.
type Mapping struct {
	Source      string
	Destination string
	Flags       string
}

func (m Mapping) String() string {
	if m.Flags == "" {
		return m.Source + ":" + m.Destination
	}
	return m.Source + ":" + m.Destination + ":" + m.Flags
}

// ParseMapping parses one "source:destination[:flags]" argument. Both the
// source and destination segments must be present and non-empty.
func ParseMapping(arg string) (Mapping, error) {
	parts := strings.Split(arg, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mapping{}, fmt.Errorf("%w: %q (want source:destination[:flags])", ErrInvalidMapping, arg)
	}
	m := Mapping{Source: parts[0], Destination: parts[1]}
	if len(parts) == 3 {
		m.Flags = parts[2]
	}
	if m.Source == "" || m.Destination == "" {
		return Mapping{}, fmt.Errorf("%w: %q (empty source or destination)", ErrInvalidMapping, arg)
	}
	return m, nil
}

// Map is an append-only, ordered store of mappings. Its backing storage is
// a single slice of records, so the source, destination and flags of an
// entry can never drift out of sync with each other. Capacity is grown in
// fixed blocks; the backing storage always carries one zero-value entry
// past the last appended mapping as a terminal marker.
type Map struct {
	entries []Mapping // entries[:n] are live, entries[n] is the zero terminal
	n       int
}

// NewMap returns an empty store. No storage is allocated until the first
// append.
func NewMap() *Map {
	return &Map{}
}

// Append adds a mapping after the last one. Growth reallocates the backing
// storage as one unit: either the whole store ends up with room for the new
// entry plus its terminal marker, or the store is left untouched and an
// error is returned.
func (m *Map) Append(entry Mapping) error {
	if entry.Source == "" || entry.Destination == "" {
		return fmt.Errorf("%w: empty source or destination", ErrInvalidMapping)
	}
	// Room for the new entry and the terminal marker behind it.
	if m.n+2 > cap(m.entries) {
		grown := make([]Mapping, m.n+2, cap(m.entries)+allocBlock)
		copy(grown, m.entries[:m.n])
		m.entries = grown
	}
	m.entries = m.entries[:m.n+2]
	m.entries[m.n] = entry
	m.entries[m.n+1] = Mapping{}
	m.n++
	return nil
}

// Len returns the number of appended mappings.
func (m *Map) Len() int {
	return m.n
}

// Cap returns the current capacity of the backing storage, in entries.
func (m *Map) Cap() int {
	return cap(m.entries)
}

// At returns the i-th mapping in append order.
func (m *Map) At(i int) Mapping {
	return m.entries[i]
}

// All returns the live mappings in append order. The returned slice shares
// no storage with the Map.
func (m *Map) All() []Mapping {
	out := make([]Mapping, m.n)
	copy(out, m.entries[:m.n])
	return out
}

// terminal returns the entry just past the live ones. Kept unexported; it
// exists so tests can assert the marker invariant.
func (m *Map) terminal() Mapping {
	if m.entries == nil {
		return Mapping{}
	}
	return m.entries[m.n]
}
