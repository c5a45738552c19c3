// Package setup sequences the privileged phases that turn a validated
// request into a running container environment: site config load, image
// resolution, loop mount, namespace assembly, optional ssh provisioning
// and the user's bind mounts. The pipeline is a strict single-pass state
// machine; every collaborator failure is immediately fatal, with no
// retries and no downgrading to warnings. A half-built privileged
// environment is strictly worse than an aborted job launch.
package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/oncompute/stageroot/lib/hostenv"
	"github.com/oncompute/stageroot/lib/images"
	"github.com/oncompute/stageroot/lib/mount"
	"github.com/oncompute/stageroot/lib/request"
	"github.com/oncompute/stageroot/lib/siteconf"
	"github.com/oncompute/stageroot/lib/sshd"
	"github.com/oncompute/stageroot/lib/volumes"
)

// Resolver resolves an image type and identifier against the site's
// image store.
type Resolver interface {
	Resolve(ctx context.Context, imageType, identifier string) (*images.ImageData, error)
}

// Mounter performs the privileged mount operations and remembers what it
// acquired so a failed run can optionally tear it down.
type Mounter interface {
	LoopMount(ctx context.Context, img *images.ImageData) error
	MountNamespace(ctx context.Context, img *images.ImageData, user, minNodeSpec string) error
	ApplyUserMounts(ctx context.Context, img *images.ImageData, maps []volumes.Mapping) error
	Root() string
	Teardown() error
}

// SSHProvisioner installs the job user's key and starts the scoped
// daemon.
type SSHProvisioner interface {
	Provision(ctx context.Context, pubKey, user string, uid int) error
	Start(ctx context.Context) error
}

// Pipeline wires the collaborators together for one invocation. The
// factory fields exist so tests can substitute fakes; production wiring
// comes from NewPipeline.
type Pipeline struct {
	SitePath string
	Out      io.Writer // verbose dump destination
	Log      *slog.Logger
	Env      *hostenv.Environment

	LoadSite    func(path string) (*siteconf.SiteConfig, error)
	NewResolver func(cfg *siteconf.SiteConfig) Resolver
	NewMounter  func(cfg *siteconf.SiteConfig) Mounter
	NewSSH      func(cfg *siteconf.SiteConfig, root string) SSHProvisioner

	state State
}

// NewPipeline returns a pipeline bound to the production collaborators.
func NewPipeline(env *hostenv.Environment, out io.Writer, log *slog.Logger) *Pipeline {
	return &Pipeline{
		SitePath: siteconf.DefaultPath,
		Out:      out,
		Log:      log,
		Env:      env,
		LoadSite: siteconf.Load,
		NewResolver: func(cfg *siteconf.SiteConfig) Resolver {
			return images.NewResolver(cfg)
		},
		NewMounter: func(cfg *siteconf.SiteConfig) Mounter {
			return mount.NewSubsystem(cfg, env, log)
		},
		NewSSH: func(cfg *siteconf.SiteConfig, root string) SSHProvisioner {
			return sshd.NewProvisioner(cfg, env, root, log)
		},
		state: StateInit,
	}
}

// State reports the pipeline's current (or terminal) state.
func (p *Pipeline) State() State {
	return p.state
}

// Run executes the setup sequence for one parsed request. The request
// was validated before any privileged work, so the pipeline starts in
// StateConfigParsed. On failure the process-visible contract is one
// diagnostic line naming the phase (and identifier where available) and
// a non-zero exit; resources already committed are only reclaimed when
// the site opted into cleanupOnFailure.
func (p *Pipeline) Run(ctx context.Context, req *request.Request) error {
	p.state = StateConfigParsed

	cfg, err := p.LoadSite(p.SitePath)
	if err != nil {
		return p.fail("site config", err)
	}
	p.state = StateSiteConfigLoaded

	if req.Verbose {
		req.Dump(p.Out)
		cfg.Dump(p.Out)
	}

	mounter := p.NewMounter(cfg)

	img, err := p.NewResolver(cfg).Resolve(ctx, req.ImageType, req.ImageID)
	if err != nil {
		return p.fail("image", fmt.Errorf("get image %s of type %s: %w", req.ImageID, req.ImageType, err))
	}
	p.state = StateImageResolved

	if req.Verbose {
		img.Dump(p.Out)
	}

	if img.UseLoopMount {
		if err := mounter.LoopMount(ctx, img); err != nil {
			return p.failWith(cfg, mounter, "loop mount", err)
		}
		p.state = StateLoopMounted
	}

	if err := mounter.MountNamespace(ctx, img, req.User, req.MinNodeSpec); err != nil {
		return p.failWith(cfg, mounter, "namespace mount", err)
	}
	p.state = StateNamespaceMounted

	if wantSSH(req) {
		ssh := p.NewSSH(cfg, mounter.Root())
		if err := ssh.Provision(ctx, req.SSHPublicKey, req.User, req.UID); err != nil {
			return p.failWith(cfg, mounter, "ssh", err)
		}
		if err := ssh.Start(ctx); err != nil {
			return p.failWith(cfg, mounter, "ssh", err)
		}
		p.state = StateSSHConfigured
	}

	if err := mounter.ApplyUserMounts(ctx, img, req.Volumes.All()); err != nil {
		return p.failWith(cfg, mounter, "user mounts", err)
	}
	p.state = StateUserMountsApplied

	p.state = StateDone
	return nil
}

// wantSSH gates the conditional ssh phase: key, user and uid must all be
// simultaneously present and non-zero. A key for root (uid 0), or a key
// without a user, skips provisioning entirely.
func wantSSH(req *request.Request) bool {
	return req.SSHPublicKey != "" && req.User != "" && req.UID != 0
}

func (p *Pipeline) fail(phase string, err error) error {
	p.state = StateFailed
	p.Log.Error("setup failed", "phase", phase, "error", err)
	return fmt.Errorf("%s: %w", phase, err)
}

// failWith is fail plus the cleanup-on-failure policy: teardown of the
// resources the mounter has acquired runs best-effort, and only when the
// site asked for it. The default leaves the loop device and assembled
// tree for the batch epilogue to reclaim.
func (p *Pipeline) failWith(cfg *siteconf.SiteConfig, mounter Mounter, phase string, err error) error {
	if cfg != nil && cfg.CleanupOnFailure && mounter != nil {
		if terr := mounter.Teardown(); terr != nil {
			p.Log.Warn("cleanup on failure incomplete", "error", terr)
		}
	}
	return p.fail(phase, err)
}
