// Package mount assembles the container filesystem view for one batch
// job: a private mount namespace holding the resolved image tree behind a
// writable overlay, site-mandated binds, and finally the user-requested
// binds. All of it runs privileged and fail-fast; nothing here retries.
package mount

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/u-root/u-root/pkg/mount/loop"
	"golang.org/x/sys/unix"

	"github.com/oncompute/stageroot/lib/hostenv"
	"github.com/oncompute/stageroot/lib/images"
	"github.com/oncompute/stageroot/lib/siteconf"
)

// Subsystem performs the privileged mount operations for one invocation.
// It remembers what it has acquired so a failed run can optionally tear
// the pieces down again.
type Subsystem struct {
	cfg *siteconf.SiteConfig
	env *hostenv.Environment
	log *slog.Logger

	loopDev   string // attached loop device, "" if none
	assembled bool   // namespace tree constructed under the mount point
}

// NewSubsystem creates a mount subsystem bound to the loaded site
// configuration and the trusted environment.
func NewSubsystem(cfg *siteconf.SiteConfig, env *hostenv.Environment, log *slog.Logger) *Subsystem {
	return &Subsystem{cfg: cfg, env: env, log: log}
}

// Root returns the directory that becomes the job's root filesystem once
// MountNamespace has succeeded.
func (s *Subsystem) Root() string {
	return filepath.Join(s.cfg.UDIMountPoint, "rootfs")
}

func (s *Subsystem) imageDir() string {
	return filepath.Join(s.cfg.UDIMountPoint, "image")
}

// LoopMount attaches the image backing file to a free loop device. Only
// called for loop-backed formats. Each invocation gets its own device, so
// concurrent prologues on one host never collide.
func (s *Subsystem) LoopMount(ctx context.Context, img *images.ImageData) error {
	dev, err := loop.FindDevice()
	if err != nil {
		return fmt.Errorf("%w: no free loop device: %v", ErrLoopMount, err)
	}
	if err := loop.SetFile(dev, img.Path); err != nil {
		return fmt.Errorf("%w: attach %s to %s: %v", ErrLoopMount, img.Path, dev, err)
	}
	s.loopDev = dev
	s.log.Info("attached loop device", "device", dev, "image", img.Path)
	return nil
}

// MountNamespace constructs the container filesystem view inside a
// private mount namespace: tmpfs working area at the UDI mount point, the
// image tree mounted read-only, a writable overlay above it, core
// pseudo-filesystems, the site-mandated binds, and the minimum-node spec
// record. Any failure is fatal to the run; nothing downstream may expose
// a partially assembled tree.
func (s *Subsystem) MountNamespace(ctx context.Context, img *images.ImageData, user, minNodeSpec string) error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("%w: unshare mount namespace: %v", ErrNamespaceMount, err)
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("%w: make / rprivate: %v", ErrNamespaceMount, err)
	}

	udi := s.cfg.UDIMountPoint
	if err := os.MkdirAll(udi, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrNamespaceMount, udi, err)
	}
	if err := unix.Mount("tmpfs", udi, "tmpfs", 0, "mode=0755"); err != nil {
		return fmt.Errorf("%w: tmpfs at %s: %v", ErrNamespaceMount, udi, err)
	}
	s.assembled = true

	for _, dir := range []string{s.imageDir(), s.Root(), filepath.Join(udi, "upper"), filepath.Join(udi, "work")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrNamespaceMount, dir, err)
		}
	}

	if err := s.mountImage(img); err != nil {
		return err
	}

	overlayData := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		s.imageDir(), filepath.Join(udi, "upper"), filepath.Join(udi, "work"))
	if err := unix.Mount("overlay", s.Root(), "overlay", 0, overlayData); err != nil {
		return fmt.Errorf("%w: overlay at %s: %v", ErrNamespaceMount, s.Root(), err)
	}

	if err := s.mountCoreFs(); err != nil {
		return err
	}
	if err := s.mountSiteFs(); err != nil {
		return err
	}
	if minNodeSpec != "" {
		if err := s.writeNodeContext(minNodeSpec); err != nil {
			return err
		}
	}

	s.log.Info("assembled container filesystem",
		"root", s.Root(), "image", img.Path, "user", user)
	return nil
}

// mountImage exposes the resolved image tree at the image directory,
// through the attached loop device or as a read-only bind of a tree.
func (s *Subsystem) mountImage(img *images.ImageData) error {
	if img.UseLoopMount {
		if s.loopDev == "" {
			return fmt.Errorf("%w: image %s needs a loop device but none is attached",
				ErrNamespaceMount, img.Path)
		}
		if err := unix.Mount(s.loopDev, s.imageDir(), img.Format, unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("%w: mount %s (%s) at %s: %v",
				ErrNamespaceMount, s.loopDev, img.Format, s.imageDir(), err)
		}
		return nil
	}

	if err := unix.Mount(img.Path, s.imageDir(), "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("%w: bind %s at %s: %v", ErrNamespaceMount, img.Path, s.imageDir(), err)
	}
	if err := unix.Mount("", s.imageDir(), "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("%w: remount %s read-only: %v", ErrNamespaceMount, s.imageDir(), err)
	}
	return nil
}

func (s *Subsystem) mountCoreFs() error {
	root := s.Root()

	procDir := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrNamespaceMount, procDir, err)
	}
	if err := unix.Mount("proc", procDir, "proc", 0, ""); err != nil {
		return fmt.Errorf("%w: mount proc: %v", ErrNamespaceMount, err)
	}

	for _, name := range []string{"dev", "sys"} {
		target := filepath.Join(root, name)
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrNamespaceMount, target, err)
		}
		if err := unix.Mount("/"+name, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("%w: bind /%s: %v", ErrNamespaceMount, name, err)
		}
	}
	return nil
}

// mountSiteFs applies the binds the site requires in every environment.
// The entries were validated when the site configuration loaded. They run
// before any user mount, so user mounts may shadow them.
func (s *Subsystem) mountSiteFs() error {
	for _, m := range s.cfg.SiteFs {
		target, err := securejoin.SecureJoin(s.Root(), m.Destination)
		if err != nil {
			return fmt.Errorf("%w: siteFs destination %q: %v", ErrNamespaceMount, m.Destination, err)
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrNamespaceMount, target, err)
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("%w: bind %s at %s: %v", ErrNamespaceMount, m.Source, target, err)
		}
	}
	return nil
}

func (s *Subsystem) writeNodeContext(minNodeSpec string) error {
	ctxPath := s.cfg.NodeContextPath
	if ctxPath == "" {
		ctxPath = "/var/nodeContext"
	}
	target, err := securejoin.SecureJoin(s.Root(), ctxPath)
	if err != nil {
		return fmt.Errorf("%w: node context path %q: %v", ErrNamespaceMount, ctxPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrNamespaceMount, filepath.Dir(target), err)
	}
	if err := os.WriteFile(target, []byte(minNodeSpec+"\n"), 0644); err != nil {
		return fmt.Errorf("%w: write node context: %v", ErrNamespaceMount, err)
	}
	return nil
}

// Teardown releases resources this subsystem acquired, best-effort and in
// reverse order. It is only invoked on a failed run, and only when the
// site opted into cleanupOnFailure; the default policy leaves reclamation
// to the batch epilogue.
func (s *Subsystem) Teardown() error {
	var errs []error

	if s.assembled {
		for _, target := range []string{s.Root(), s.imageDir(), s.cfg.UDIMountPoint} {
			if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
				errs = append(errs, fmt.Errorf("unmount %s: %w", target, err))
			}
		}
		s.assembled = false
	}
	if s.loopDev != "" {
		if err := loop.ClearFile(s.loopDev); err != nil {
			errs = append(errs, fmt.Errorf("clear loop device %s: %w", s.loopDev, err))
		}
		s.loopDev = ""
	}

	if len(errs) > 0 {
		return fmt.Errorf("teardown: %v", errs)
	}
	return nil
}
