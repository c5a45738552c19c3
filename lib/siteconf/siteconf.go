// Package siteconf loads the site-wide configuration consumed by every
// privileged collaborator. The file lives at a fixed, well-known location
// and is key=value formatted; it is read once per invocation and treated
// as read-only afterwards.
package siteconf

import (
	"fmt"
	"io"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"github.com/oncompute/stageroot/lib/volumes"
)

// DefaultPath is the fixed location the prologue loads its site
// configuration from.
const DefaultPath = "/etc/stageroot/stageroot.conf"

// SiteConfig carries the paths and policy every collaborator call needs.
type SiteConfig struct {
	// UDIMountPoint is the directory the container environment is
	// assembled under.
	UDIMountPoint string

	// ImageBasePath is the directory the image gateway writes resolved
	// image metadata and backing files into.
	ImageBasePath string

	// LoopImageBasePath overrides ImageBasePath for loop-backed image
	// files when set.
	LoopImageBasePath string

	// SiteFs lists site-mandated bind mounts applied when the namespace
	// is assembled, before any user mount. Entries are validated at load
	// time; a malformed entry fails the whole configuration.
	SiteFs []volumes.Mapping

	// AllowedUserMountLocations restricts where user mounts may land
	// inside the environment. Empty means no restriction.
	AllowedUserMountLocations []string

	// SSHDPath and SSHDConfigPath locate the scoped ssh daemon started
	// when a job requests key provisioning.
	SSHDPath       string
	SSHDConfigPath string

	// NodeContextPath is where the minimum-node spec is recorded inside
	// the environment for job tooling to read.
	NodeContextPath string

	// CleanupOnFailure selects whether a failed run tears down resources
	// it already acquired (loop device, assembled tree) on the way out.
	// Off by default: the site epilogue owns reclamation unless the site
	// explicitly opts in.
	CleanupOnFailure bool
}

// Load reads and validates the site configuration at path.
func Load(path string) (*SiteConfig, error) {
	kv, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, path, err)
	}

	siteFs, err := parseSiteFs(kv["siteFs"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, path, err)
	}

	cfg := &SiteConfig{
		UDIMountPoint:             kv["udiMount"],
		ImageBasePath:             kv["imagePath"],
		LoopImageBasePath:         kv["loopImagePath"],
		SiteFs:                    siteFs,
		AllowedUserMountLocations: lo.Uniq(splitList(kv["allowedUserMounts"])),
		SSHDPath:                  kv["sshdPath"],
		SSHDConfigPath:            kv["sshdConfig"],
		NodeContextPath:           kv["nodeContextPath"],
		CleanupOnFailure:          parseBool(kv["cleanupOnFailure"]),
	}
	if cfg.SSHDPath == "" {
		cfg.SSHDPath = "/usr/sbin/sshd"
	}

	for key, val := range map[string]string{
		"udiMount":  cfg.UDIMountPoint,
		"imagePath": cfg.ImageBasePath,
	} {
		if val == "" {
			return nil, fmt.Errorf("%w: %s (%s)", ErrMissingKey, key, path)
		}
	}

	return cfg, nil
}

// splitList splits a whitespace-separated config value.
func splitList(v string) []string {
	return strings.Fields(v)
}

// parseSiteFs validates the site bind mounts up front, so a bad entry
// surfaces as a configuration error instead of a mid-assembly mount
// failure.
func parseSiteFs(v string) ([]volumes.Mapping, error) {
	var maps []volumes.Mapping
	for _, entry := range splitList(v) {
		m, err := volumes.ParseMapping(entry)
		if err != nil {
			return nil, fmt.Errorf("siteFs entry %q: %v", entry, err)
		}
		maps = append(maps, m)
	}
	return maps, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "yes", "true", "on":
		return true
	}
	return false
}

// Dump writes the fixed human-readable site configuration dump used by
// verbose mode.
func (c *SiteConfig) Dump(w io.Writer) {
	fmt.Fprintln(w, "***** Site Configuration *****")
	fmt.Fprintf(w, "udiMount: %s\n", c.UDIMountPoint)
	fmt.Fprintf(w, "imagePath: %s\n", c.ImageBasePath)
	fmt.Fprintf(w, "loopImagePath: %s\n", c.LoopImageBasePath)
	fmt.Fprintf(w, "siteFs: %s\n", strings.Join(lo.Map(c.SiteFs, func(m volumes.Mapping, _ int) string {
		return m.String()
	}), " "))
	fmt.Fprintf(w, "allowedUserMounts: %s\n", strings.Join(c.AllowedUserMountLocations, " "))
	fmt.Fprintf(w, "sshdPath: %s\n", c.SSHDPath)
	fmt.Fprintf(w, "sshdConfig: %s\n", c.SSHDConfigPath)
	fmt.Fprintf(w, "nodeContextPath: %s\n", c.NodeContextPath)
	fmt.Fprintf(w, "cleanupOnFailure: %t\n", c.CleanupOnFailure)
	fmt.Fprintln(w, "***** End Site Configuration *****")
}
