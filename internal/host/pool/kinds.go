package pool

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/host/docker"
	"github.com/kandev/agentpool/internal/host/models"
	"github.com/kandev/agentpool/internal/secrets"
)

// Kind implements the operations that differ between host kinds.
type Kind interface {
	// Create validates the kind-specific descriptor and stores the host.
	Create(ctx context.Context, host *models.AgentHost) error
	// InitClient opens a container client for the host.
	InitClient(ctx context.Context, host *models.AgentHost) (docker.ContainerClient, error)
}

const (
	defaultSSHPort   = 22
	sshDialTimeout   = 15 * time.Second
	remoteSocketPath = "/var/run/docker.sock"
)

func (p *Pool) defaultKinds() map[models.Kind]Kind {
	return map[models.Kind]Kind{
		models.KindLocalSocket: &localSocketKind{pool: p},
		models.KindSSH:         &sshKind{pool: p},
		models.KindCluster:     &clusterKind{pool: p},
	}
}

// localSocketKind talks to the container socket of this machine. At most one
// such host exists.
type localSocketKind struct {
	pool *Pool
}

func (k *localSocketKind) socketPath(host *models.AgentHost) string {
	if host.Config.LocalSocket != nil && host.Config.LocalSocket.SocketPath != "" {
		return host.Config.LocalSocket.SocketPath
	}
	return k.pool.config.SocketPath
}

func (k *localSocketKind) Create(ctx context.Context, host *models.AgentHost) error {
	p := k.pool
	path := k.socketPath(host)
	host.Config = models.Config{LocalSocket: &models.LocalSocketConfig{SocketPath: path}}

	unlock, err := p.coord.Lock(ctx, coordination.LocalSocketKey, p.config.LockTimeout)
	if err != nil {
		return apperrors.NotAvailable("local socket host registration is in progress")
	}
	defer unlock()

	existing, err := p.hosts.ListByKind(ctx, models.KindLocalSocket)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		for _, h := range existing {
			if derr := p.DeleteHost(ctx, h.ID); derr != nil {
				p.logger.Warn("failed to remove stale local socket host", zap.String("host_id", h.ID), zap.Error(derr))
			}
		}
		return apperrors.NotAvailable(fmt.Sprintf("container socket %s is not available", path))
	}
	if len(existing) > 0 {
		return apperrors.NotAvailable(fmt.Sprintf("local socket host %q already exists", existing[0].Name))
	}
	return p.hosts.Create(ctx, host)
}

func (k *localSocketKind) InitClient(_ context.Context, host *models.AgentHost) (docker.ContainerClient, error) {
	path := k.socketPath(host)
	if _, err := os.Stat(path); err != nil {
		return nil, apperrors.NotAvailable(fmt.Sprintf("container socket %s is not available", path))
	}
	return docker.NewClient(k.pool.logger, nil, k.pool.clientOpts(client.WithHost("unix://"+path))...)
}

// sshKind reaches a remote docker daemon through an SSH tunnel, authenticated
// with an RSA key from the secret store.
type sshKind struct {
	pool *Pool
}

func (k *sshKind) Create(ctx context.Context, host *models.AgentHost) error {
	cfg := host.Config.SSH
	if cfg == nil {
		return apperrors.ValidationError("config.ssh", "is required for ssh hosts")
	}
	switch {
	case cfg.Host == "":
		return apperrors.ValidationError("config.ssh.host", "is required")
	case cfg.User == "":
		return apperrors.ValidationError("config.ssh.user", "is required")
	case cfg.Secret == "":
		return apperrors.ValidationError("config.ssh.secret", "a secret reference is required")
	}
	if cfg.HostKey != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey)); err != nil {
			return apperrors.ValidationError("config.ssh.host_key", err.Error())
		}
	}
	host.Config = models.Config{SSH: cfg}
	return k.pool.hosts.Create(ctx, host)
}

func (k *sshKind) InitClient(ctx context.Context, host *models.AgentHost) (docker.ContainerClient, error) {
	p := k.pool
	cfg := host.Config.SSH
	if cfg == nil {
		return nil, apperrors.BadRequest("host has no ssh configuration")
	}
	if p.secrets == nil {
		return nil, apperrors.NotAvailable("secret store is not configured")
	}

	secret, err := p.secrets.Lookup(ctx, cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("lookup secret %s: %w", cfg.Secret, err)
	}
	if secret.Category != secrets.CategorySSHKey {
		return nil, apperrors.BadRequest(fmt.Sprintf("secret %s is not an ssh key", cfg.Secret))
	}
	signer, err := rsaSigner(secret.Value)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", cfg.Secret, err)
	}
	verifyHost, err := hostKeyCallback(cfg.HostKey)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: verifyHost,
		Timeout:         sshDialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	tunnel := ssh.NewClient(sshConn, chans, reqs)

	socket := cfg.SocketPath
	if socket == "" {
		socket = remoteSocketPath
	}
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return tunnel.DialContext(ctx, "unix", socket)
	}
	c, err := docker.NewClient(p.logger, tunnel, p.clientOpts(
		client.WithHost("http://"+cfg.Host),
		client.WithDialContext(dial),
	)...)
	if err != nil {
		_ = tunnel.Close()
		return nil, err
	}
	return c, nil
}

func rsaSigner(pemKey string) (ssh.Signer, error) {
	raw, err := ssh.ParseRawPrivateKey([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", raw)
	}
	return ssh.NewSignerFromKey(key)
}

func hostKeyCallback(authorized string) (ssh.HostKeyCallback, error) {
	if authorized == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorized))
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

// clusterKind targets a clustered docker endpoint over TLS.
type clusterKind struct {
	pool *Pool
}

func (k *clusterKind) Create(ctx context.Context, host *models.AgentHost) error {
	cfg := host.Config.Cluster
	if cfg == nil || cfg.Endpoint == "" {
		return apperrors.ValidationError("config.cluster.endpoint", "is required for cluster hosts")
	}
	if _, err := client.ParseHostURL(cfg.Endpoint); err != nil {
		return apperrors.ValidationError("config.cluster.endpoint", err.Error())
	}
	host.Config = models.Config{Cluster: cfg}
	return k.pool.hosts.Create(ctx, host)
}

func (k *clusterKind) InitClient(_ context.Context, host *models.AgentHost) (docker.ContainerClient, error) {
	cfg := host.Config.Cluster
	if cfg == nil {
		return nil, apperrors.BadRequest("host has no cluster configuration")
	}
	opts := []client.Opt{client.WithHost(cfg.Endpoint)}
	if cfg.CertPath != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             filepath.Join(cfg.CertPath, "ca.pem"),
			CertFile:           filepath.Join(cfg.CertPath, "cert.pem"),
			KeyFile:            filepath.Join(cfg.CertPath, "key.pem"),
			InsecureSkipVerify: !cfg.TLSVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("load TLS material from %s: %w", cfg.CertPath, err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}
	return docker.NewClient(k.pool.logger, nil, k.pool.clientOpts(opts...)...)
}
