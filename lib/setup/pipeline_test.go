package setup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oncompute/stageroot/lib/hostenv"
	"github.com/oncompute/stageroot/lib/images"
	"github.com/oncompute/stageroot/lib/request"
	"github.com/oncompute/stageroot/lib/siteconf"
	"github.com/oncompute/stageroot/lib/volumes"
)

type fakeResolver struct {
	calls *[]string
	img   *images.ImageData
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, imageType, identifier string) (*images.ImageData, error) {
	*f.calls = append(*f.calls, "resolve")
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

type fakeMounter struct {
	calls *[]string

	loopErr      error
	namespaceErr error
	userErr      error

	applied   []volumes.Mapping
	tornDown  bool
	teardowns int
}

func (f *fakeMounter) LoopMount(ctx context.Context, img *images.ImageData) error {
	*f.calls = append(*f.calls, "loop")
	return f.loopErr
}

func (f *fakeMounter) MountNamespace(ctx context.Context, img *images.ImageData, user, minNodeSpec string) error {
	*f.calls = append(*f.calls, "namespace")
	return f.namespaceErr
}

func (f *fakeMounter) ApplyUserMounts(ctx context.Context, img *images.ImageData, maps []volumes.Mapping) error {
	*f.calls = append(*f.calls, "userMounts")
	f.applied = maps
	return f.userErr
}

func (f *fakeMounter) Root() string { return "/var/udiMount/rootfs" }

func (f *fakeMounter) Teardown() error {
	f.tornDown = true
	f.teardowns++
	return nil
}

type fakeSSH struct {
	calls        *[]string
	provisionErr error
	startErr     error
}

func (f *fakeSSH) Provision(ctx context.Context, pubKey, user string, uid int) error {
	*f.calls = append(*f.calls, "sshProvision")
	return f.provisionErr
}

func (f *fakeSSH) Start(ctx context.Context) error {
	*f.calls = append(*f.calls, "sshStart")
	return f.startErr
}

type harness struct {
	pipeline *Pipeline
	calls    []string
	resolver *fakeResolver
	mounter  *fakeMounter
	ssh      *fakeSSH
	out      *bytes.Buffer
	cfg      *siteconf.SiteConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		out: &bytes.Buffer{},
		cfg: &siteconf.SiteConfig{
			UDIMountPoint: "/var/udiMount",
			ImageBasePath: "/var/images",
		},
	}
	h.resolver = &fakeResolver{
		calls: &h.calls,
		img: &images.ImageData{
			Type:         "docker",
			Identifier:   "ubuntu:16.04",
			Format:       "squashfs",
			UseLoopMount: true,
			Path:         "/var/images/ubuntu.squashfs",
		},
	}
	h.mounter = &fakeMounter{calls: &h.calls}
	h.ssh = &fakeSSH{calls: &h.calls}

	h.pipeline = &Pipeline{
		SitePath: "/etc/stageroot/stageroot.conf",
		Out:      h.out,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Env:      hostenv.Trusted(),
		LoadSite: func(path string) (*siteconf.SiteConfig, error) {
			h.calls = append(h.calls, "siteConfig")
			return h.cfg, nil
		},
		NewResolver: func(cfg *siteconf.SiteConfig) Resolver { return h.resolver },
		NewMounter:  func(cfg *siteconf.SiteConfig) Mounter { return h.mounter },
		NewSSH:      func(cfg *siteconf.SiteConfig, root string) SSHProvisioner { return h.ssh },
	}
	return h
}

func parseArgs(t *testing.T, args ...string) *request.Request {
	t.Helper()
	req, err := request.Parse(args)
	require.NoError(t, err)
	return req
}

func TestRunFullSequence(t *testing.T) {
	h := newHarness(t)
	req := parseArgs(t,
		"-v", "/scratch:/data",
		"-s", "ssh-rsa AAAA...",
		"-u", "jdoe",
		"-U", "3104",
		"docker", "ubuntu:16.04",
	)

	err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StateDone, h.pipeline.State())
	require.Equal(t,
		[]string{"siteConfig", "resolve", "loop", "namespace", "sshProvision", "sshStart", "userMounts"},
		h.calls)
	require.Equal(t, req.Volumes.All(), h.mounter.applied)
	require.False(t, h.mounter.tornDown)
}

func TestRunSkipsLoopForDirImages(t *testing.T) {
	h := newHarness(t)
	h.resolver.img = &images.ImageData{
		Type: "local", Identifier: "custom", Format: "dir",
		Path: "/var/images/trees/custom",
	}

	err := h.pipeline.Run(context.Background(), parseArgs(t, "local", "custom"))
	require.NoError(t, err)
	require.Equal(t, []string{"siteConfig", "resolve", "namespace", "userMounts"}, h.calls)
}

func TestRunSkipsSSHUnlessFullyGated(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"key without user", []string{"-s", "ssh-rsa AAAA...", "-U", "3104", "docker", "ubuntu"}},
		{"key with uid zero", []string{"-s", "ssh-rsa AAAA...", "-u", "root", "docker", "ubuntu"}},
		{"user without key", []string{"-u", "jdoe", "-U", "3104", "docker", "ubuntu"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.pipeline.Run(context.Background(), parseArgs(t, tt.args...))
			require.NoError(t, err)
			// Straight from namespace mount to user mounts.
			require.Equal(t, []string{"siteConfig", "resolve", "loop", "namespace", "userMounts"}, h.calls)
			require.Equal(t, StateDone, h.pipeline.State())
		})
	}
}

func TestRunFailFastOnResolution(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = images.ErrNotFound

	err := h.pipeline.Run(context.Background(), parseArgs(t,
		"-s", "k", "-u", "jdoe", "-U", "3104", "docker", "ubuntu:16.04"))
	require.ErrorIs(t, err, images.ErrNotFound)
	require.Equal(t, StateFailed, h.pipeline.State())

	// No privileged collaborator runs after the failure.
	require.Equal(t, []string{"siteConfig", "resolve"}, h.calls)

	// Diagnostic names the requested type and identifier.
	require.Contains(t, err.Error(), "ubuntu:16.04")
	require.Contains(t, err.Error(), "docker")
}

func TestRunFailFastOnSiteConfig(t *testing.T) {
	h := newHarness(t)
	h.pipeline.LoadSite = func(path string) (*siteconf.SiteConfig, error) {
		return nil, siteconf.ErrConfigLoad
	}

	err := h.pipeline.Run(context.Background(), parseArgs(t, "docker", "ubuntu"))
	require.ErrorIs(t, err, siteconf.ErrConfigLoad)
	require.Equal(t, StateFailed, h.pipeline.State())
	require.Empty(t, h.calls)
}

func TestRunFailFastOnNamespaceMount(t *testing.T) {
	h := newHarness(t)
	h.mounter.namespaceErr = errors.New("mount exploded")

	err := h.pipeline.Run(context.Background(), parseArgs(t,
		"-s", "k", "-u", "jdoe", "-U", "3104", "-v", "/a:/b", "docker", "ubuntu"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "namespace mount")
	require.Equal(t, []string{"siteConfig", "resolve", "loop", "namespace"}, h.calls)
	require.Equal(t, StateFailed, h.pipeline.State())
}

func TestRunFailFastOnSSH(t *testing.T) {
	h := newHarness(t)
	h.ssh.startErr = errors.New("sshd refused")

	err := h.pipeline.Run(context.Background(), parseArgs(t,
		"-s", "k", "-u", "jdoe", "-U", "3104", "docker", "ubuntu"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssh")
	require.NotContains(t, h.calls, "userMounts")
	require.Equal(t, StateFailed, h.pipeline.State())
}

func TestRunUserMountFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.mounter.userErr = errors.New("bind failed")

	err := h.pipeline.Run(context.Background(), parseArgs(t, "-v", "/a:/b", "docker", "ubuntu"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "user mounts")
	require.Equal(t, StateFailed, h.pipeline.State())
}

func TestRunNoTeardownByDefault(t *testing.T) {
	h := newHarness(t)
	h.mounter.userErr = errors.New("bind failed")

	_ = h.pipeline.Run(context.Background(), parseArgs(t, "-v", "/a:/b", "docker", "ubuntu"))
	require.False(t, h.mounter.tornDown)
}

func TestRunTeardownWhenSiteOptsIn(t *testing.T) {
	h := newHarness(t)
	h.cfg.CleanupOnFailure = true
	h.mounter.userErr = errors.New("bind failed")

	_ = h.pipeline.Run(context.Background(), parseArgs(t, "-v", "/a:/b", "docker", "ubuntu"))
	require.True(t, h.mounter.tornDown)
	require.Equal(t, 1, h.mounter.teardowns)
}

func TestRunVerboseDumpBeforePrivilegedSteps(t *testing.T) {
	h := newHarness(t)
	h.mounter.loopErr = errors.New("no loop devices")

	err := h.pipeline.Run(context.Background(), parseArgs(t, "-V", "docker", "ubuntu:16.04"))
	require.Error(t, err)

	// Even though the first privileged step failed, the dump is complete:
	// request, site config, and the resolved image.
	out := h.out.String()
	require.Contains(t, out, "imageIdentifier: ubuntu:16.04")
	require.Contains(t, out, "udiMount: /var/udiMount")
	require.Contains(t, out, "format: squashfs")
	require.Contains(t, out, "useLoopMount: true")
}

func TestRunQuietWithoutVerbose(t *testing.T) {
	h := newHarness(t)
	err := h.pipeline.Run(context.Background(), parseArgs(t, "docker", "ubuntu"))
	require.NoError(t, err)
	require.Empty(t, h.out.String())
}

func TestUserMountOrderPreserved(t *testing.T) {
	h := newHarness(t)
	req := parseArgs(t,
		"-v", "/first:/data",
		"-v", "/second:/data",
		"docker", "ubuntu",
	)

	err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	// Both mappings reach the mounter, in order: the later one is bound
	// last, so its source is what the job sees at /data.
	require.Len(t, h.mounter.applied, 2)
	require.Equal(t, "/first", h.mounter.applied[0].Source)
	require.Equal(t, "/second", h.mounter.applied[1].Source)
}
