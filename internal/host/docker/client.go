// Package docker wraps the Docker SDK with the container operations the host
// pool needs to run agents: list, start, resume, stop and delete by name.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/common/logger"
)

// Labels put on every agent container.
const (
	LabelHost  = "agentpool.host"
	LabelAgent = "agentpool.agent"
)

// Container states reported by the runtime.
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateCreated = "created"
)

// ErrNotFound is returned when no container matches the name.
var ErrNotFound = errors.New("container not found")

// ContainerClient is the per-host container runtime handle.
type ContainerClient interface {
	Ping(ctx context.Context) error
	List(ctx context.Context, filter Filter) ([]Container, error)
	Start(ctx context.Context, opts StartOptions) (*Container, error)
	Resume(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// Filter selects containers by name prefix and labels.
type Filter struct {
	NamePrefix string
	Labels     map[string]string
}

// Container describes a container as listed by the runtime.
type Container struct {
	ID     string
	Name   string
	Image  string
	State  string
	Status string
	Labels map[string]string
}

func (c Container) Running() bool { return c.State == StateRunning }

// StartOptions describes a fresh agent container.
type StartOptions struct {
	Name    string
	Image   string
	Cmd     []string
	Env     []string
	Labels  map[string]string
	Network string
}

// Client is a ContainerClient over the Docker Engine API.
type Client struct {
	cli    *client.Client
	closer io.Closer
	logger *logger.Logger
}

var _ ContainerClient = (*Client)(nil)

// NewClient creates a Docker client from opts. closer, when not nil, is closed
// together with the client; the SSH kind passes its tunnel here.
func NewClient(log *logger.Logger, closer io.Closer, opts ...client.Opt) (*Client, error) {
	opts = append([]client.Opt{client.WithAPIVersionNegotiation()}, opts...)
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	log.Debug("Docker client created", zap.String("host", cli.DaemonHost()))
	return &Client{cli: cli, closer: closer, logger: log}, nil
}

// Close closes the Docker client and the attached closer.
func (c *Client) Close() error {
	var result *multierror.Error
	if err := c.cli.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Ping checks if the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// List returns every container, running or not, matching filter.
func (c *Client) List(ctx context.Context, filter Filter) ([]Container, error) {
	args := filters.NewArgs()
	for key, value := range filter.Labels {
		args.Add("label", fmt.Sprintf("%s=%s", key, value))
	}
	if filter.NamePrefix != "" {
		// The daemon matches names as substrings; the prefix is enforced below.
		args.Add("name", filter.NamePrefix)
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]Container, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		if !strings.HasPrefix(name, filter.NamePrefix) {
			continue
		}
		out = append(out, Container{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
			Labels: ctr.Labels,
		})
	}
	return out, nil
}

// Start creates and starts a container. A stale container with the same
// name is removed first.
func (c *Client) Start(ctx context.Context, opts StartOptions) (*Container, error) {
	if err := c.ensureImage(ctx, opts.Image); err != nil {
		return nil, err
	}
	if err := c.Delete(ctx, opts.Name); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	cfg := &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    opts.Env,
		Labels: opts.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:   container.NetworkMode(opts.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", opts.Name, err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", opts.Name, err)
	}

	c.logger.Info("Container started", zap.String("name", opts.Name), zap.String("id", resp.ID))
	return &Container{
		ID:     resp.ID,
		Name:   opts.Name,
		Image:  opts.Image,
		State:  StateRunning,
		Labels: opts.Labels,
	}, nil
}

func (c *Client) ensureImage(ctx context.Context, ref string) error {
	if _, err := c.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	c.logger.Info("Pulling image", zap.String("image", ref))
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Resume starts an existing stopped container. Resuming a running container is a no-op.
func (c *Client) Resume(ctx context.Context, name string) error {
	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		return c.wrapErr("inspect", name, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return nil
	}
	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return c.wrapErr("start", name, err)
	}
	c.logger.Info("Container resumed", zap.String("name", name))
	return nil
}

// Stop stops a container, waiting at most timeout before killing it.
func (c *Client) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		return c.wrapErr("stop", name, err)
	}
	c.logger.Info("Container stopped", zap.String("name", name))
	return nil
}

// Delete force-removes a container and its anonymous volumes.
func (c *Client) Delete(ctx context.Context, name string) error {
	err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		return c.wrapErr("remove", name, err)
	}
	c.logger.Info("Container removed", zap.String("name", name))
	return nil
}

func (c *Client) wrapErr(op, name string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, name, ErrNotFound)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, name, err)
}
