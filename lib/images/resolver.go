// Package images resolves an (imageType, identifier) pair to the backing
// store prepared out-of-band by the site's image gateway. The gateway
// pulls and converts images on its own schedule; by the time a job's
// prologue runs, resolution is a metadata lookup under the site image
// path. Registry access never happens here.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/oncompute/stageroot/lib/siteconf"
)

// imageMetadata is the JSON record the image gateway writes per image.
type imageMetadata struct {
	Format     string   `json:"format"`
	Filename   string   `json:"filename"`
	Env        []string `json:"env,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
}

// Resolver looks images up against one site configuration.
type Resolver struct {
	cfg *siteconf.SiteConfig
}

// NewResolver creates a resolver bound to the loaded site configuration.
func NewResolver(cfg *siteconf.SiteConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns the ImageData for the requested type and identifier.
// Docker identifiers are normalized the way the gateway records them
// (shorthand expanded, :latest supplied); id/local identifiers are used
// verbatim.
func (r *Resolver) Resolve(ctx context.Context, imageType, identifier string) (*ImageData, error) {
	key, err := lookupKey(imageType, identifier)
	if err != nil {
		return nil, err
	}

	metaPath := filepath.Join(r.cfg.ImageBasePath, imageType, key+".json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: type %s, identifier %s", ErrNotFound, imageType, identifier)
		}
		return nil, fmt.Errorf("read image metadata for %s:%s: %w", imageType, identifier, err)
	}

	var meta imageMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadMetadata, metaPath, err)
	}
	if meta.Filename == "" {
		return nil, fmt.Errorf("%w: %s: no backing filename", ErrBadMetadata, metaPath)
	}

	img := &ImageData{
		Type:       imageType,
		Identifier: identifier,
		Format:     meta.Format,
		Env:        meta.Env,
		Entrypoint: meta.Entrypoint,
	}

	switch meta.Format {
	case "squashfs", "ext4":
		img.UseLoopMount = true
		base := r.cfg.LoopImageBasePath
		if base == "" {
			base = r.cfg.ImageBasePath
		}
		img.Path = filepath.Join(base, meta.Filename)
	case "dir":
		img.Path = filepath.Join(r.cfg.ImageBasePath, meta.Filename)
	default:
		return nil, fmt.Errorf("%w: %s: unknown format %q", ErrBadMetadata, metaPath, meta.Format)
	}

	if _, err := os.Stat(img.Path); err != nil {
		return nil, fmt.Errorf("%w: type %s, identifier %s: backing store %s missing",
			ErrNotFound, imageType, identifier, img.Path)
	}
	return img, nil
}

// lookupKey converts an identifier into the filesystem-safe metadata key
// the gateway writes. The identifier arrives pre-filtered, but docker
// normalization reintroduces '/', which is flattened here.
func lookupKey(imageType, identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidIdentifier)
	}
	if imageType != "docker" {
		return identifier, nil
	}

	named, err := reference.ParseNormalizedNamed(identifier)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidIdentifier, identifier, err)
	}
	normalized := reference.TagNameOnly(named).String()
	return strings.ReplaceAll(normalized, "/", "_"), nil
}
