package mount

import (
	"context"
	"fmt"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/oncompute/stageroot/lib/images"
	"github.com/oncompute/stageroot/lib/volumes"
)

// ApplyUserMounts applies every user-requested mapping, in append order,
// as a bind mount inside the assembled root. Order is a user-visible
// contract: a later mapping bound over the same destination is what the
// job sees there. The first failure aborts the remaining applications.
func (s *Subsystem) ApplyUserMounts(ctx context.Context, img *images.ImageData, maps []volumes.Mapping) error {
	for _, m := range maps {
		if err := s.applyUserMount(m); err != nil {
			return err
		}
		s.log.Info("applied user mount", "source", m.Source, "destination", m.Destination, "flags", m.Flags)
	}
	return nil
}

func (s *Subsystem) applyUserMount(m volumes.Mapping) error {
	readOnly, err := parseMountFlags(m.Flags)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUserMount, m, err)
	}
	if err := checkAllowedDestination(m.Destination, s.cfg.AllowedUserMountLocations); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUserMount, m, err)
	}

	if _, err := os.Stat(m.Source); err != nil {
		return fmt.Errorf("%w: %s: source: %v", ErrUserMount, m, err)
	}
	target, err := securejoin.SecureJoin(s.Root(), m.Destination)
	if err != nil {
		return fmt.Errorf("%w: %s: destination: %v", ErrUserMount, m, err)
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("%w: %s: create target: %v", ErrUserMount, m, err)
	}

	if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUserMount, m, err)
	}
	if readOnly {
		if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("%w: %s: remount read-only: %v", ErrUserMount, m, err)
		}
	}
	return nil
}

// parseMountFlags interprets the optional flags segment of a mapping.
// Only "ro" is recognized; an empty string means a plain read-write bind.
func parseMountFlags(flags string) (readOnly bool, err error) {
	switch flags {
	case "":
		return false, nil
	case "ro":
		return true, nil
	default:
		return false, fmt.Errorf("unknown mount flag %q", flags)
	}
}

// checkAllowedDestination enforces the site's allowed user mount
// locations. The check runs on the logical destination, before it is
// joined under the root.
func checkAllowedDestination(dest string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, prefix := range allowed {
		if dest == prefix || strings.HasPrefix(dest, strings.TrimSuffix(prefix, "/")+"/") {
			return nil
		}
	}
	return fmt.Errorf("%w: %s (allowed: %s)", ErrMountNotAllowed, dest, strings.Join(allowed, " "))
}
