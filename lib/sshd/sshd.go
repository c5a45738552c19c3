// Package sshd provisions ssh access into an assembled container
// environment: it installs the job user's public key inside the
// environment and starts the site's scoped ssh daemon. Both steps run
// only when the prologue was given a key, a user and a non-zero uid.
package sshd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/oncompute/stageroot/lib/hostenv"
	"github.com/oncompute/stageroot/lib/siteconf"
)

// Provisioner installs keys and starts the scoped daemon for one
// assembled environment root.
type Provisioner struct {
	cfg  *siteconf.SiteConfig
	env  *hostenv.Environment
	root string
	log  *slog.Logger
}

// NewProvisioner binds a provisioner to the environment root produced by
// the mount subsystem.
func NewProvisioner(cfg *siteconf.SiteConfig, env *hostenv.Environment, root string, log *slog.Logger) *Provisioner {
	return &Provisioner{cfg: cfg, env: env, root: root, log: log}
}

// Provision writes the public key to the user's authorized_keys inside
// the environment, owned by the job uid.
func (p *Provisioner) Provision(ctx context.Context, pubKey, user string, uid int) error {
	home := p.homeDir(user)
	sshDir, err := securejoin.SecureJoin(p.root, filepath.Join(home, ".ssh"))
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrProvision, home, err)
	}
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrProvision, sshDir, err)
	}

	keyFile := filepath.Join(sshDir, "authorized_keys")
	if err := os.WriteFile(keyFile, []byte(strings.TrimSpace(pubKey)+"\n"), 0600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrProvision, keyFile, err)
	}
	for _, path := range []string{sshDir, keyFile} {
		if err := os.Chown(path, uid, -1); err != nil {
			return fmt.Errorf("%w: chown %s to %d: %v", ErrProvision, path, uid, err)
		}
	}

	p.log.Info("installed ssh key", "user", user, "uid", uid, "path", keyFile)
	return nil
}

// Start launches the site ssh daemon with the site's sshd configuration.
// The daemon sees only the trusted environment.
func (p *Provisioner) Start(ctx context.Context) error {
	args := []string{}
	if p.cfg.SSHDConfigPath != "" {
		args = append(args, "-f", p.cfg.SSHDConfigPath)
	}

	cmd := exec.CommandContext(ctx, p.cfg.SSHDPath, args...)
	cmd.Env = p.env.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v, output: %s", ErrDaemonStart, p.cfg.SSHDPath, err, output)
	}

	p.log.Info("started scoped sshd", "binary", p.cfg.SSHDPath, "config", p.cfg.SSHDConfigPath)
	return nil
}

// homeDir resolves the user's home from the environment's own passwd
// file, falling back to /home/<user> when the image carries no entry.
func (p *Provisioner) homeDir(user string) string {
	passwd, err := securejoin.SecureJoin(p.root, "etc/passwd")
	if err == nil {
		if home := lookupPasswdHome(passwd, user); home != "" {
			return home
		}
	}
	return filepath.Join("/home", user)
}

func lookupPasswdHome(path, user string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) >= 6 && fields[0] == user {
			return fields[5]
		}
	}
	return ""
}
