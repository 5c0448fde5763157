// Package container is a thin, stable capability interface over the
// Docker Engine API, in the idiom of the control plane's earlier
// docker.Client wrapper: list/create/delete containers and networks,
// exec. It generalizes the single-container assumption into "stacks" —
// named groups of containers sharing a label — since the Docker Engine
// API has no native multi-container compose primitive.
package container

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/arkady-emelyanov/go-shellparse"
	"github.com/containerd/errdefs"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/nova-hosting/controlplane/internal/errkind"
)

const stackLabel = "controlplane.stack"

// Client wraps the Docker Engine API client the way the fleet's earlier
// docker.Client does: one concrete struct, no global state.
type Client struct {
	docker      *client.Client
	networkName string
}

// ClientConfig configures the single environment (Docker daemon
// endpoint) this gateway targets.
type ClientConfig struct {
	Host        string
	APIVersion  string
	NetworkName string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	if cfg.Host != "" && cfg.Host != "unix:///var/run/docker.sock" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "creating docker client", err)
	}

	networkName := cfg.NetworkName
	if networkName == "" {
		networkName = "controlplane-network"
	}
	return &Client{docker: docker, networkName: networkName}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// NetworkName returns the gateway's own default network, resolved from
// ClientConfig at construction (falling back to "controlplane-network"
// when unconfigured).
func (c *Client) NetworkName() string {
	return c.networkName
}

// retryDocker runs fn under the package's standard backoff policy, so a
// transient daemon hiccup (classified ExternalUnavailable by classify)
// doesn't fail a reconcile or lifecycle step outright.
func retryDocker(ctx context.Context, fn func() error) error {
	return errkind.Retry(ctx, errkind.DefaultRetryConfig(), fn)
}

// Environment mirrors the single Docker daemon endpoint this gateway is
// configured against.
type Environment struct {
	ID   string
	Name string
}

// ListEnvironments always returns the single configured endpoint: there
// is no multi-environment management layer in front of this client.
func (c *Client) ListEnvironments(ctx context.Context) ([]Environment, error) {
	var envs []Environment
	err := retryDocker(ctx, func() error {
		info, err := c.docker.Info(ctx)
		if err != nil {
			return classify(err, "listing environments")
		}
		envs = []Environment{{ID: info.ID, Name: info.Name}}
		return nil
	})
	return envs, err
}

func (c *Client) FirstEnvironmentID(ctx context.Context) (string, error) {
	envs, err := c.ListEnvironments(ctx)
	if err != nil {
		return "", err
	}
	if len(envs) == 0 {
		return "", errkind.New(errkind.Inconsistent, "no environments available")
	}
	return envs[0].ID, nil
}

// ContainerSpec describes a single container within a stack. Networks
// lists every overlay network the container must join — a game server
// joins one per declared proxy so each proxy can reach it; a proxy
// joins its own. When empty, the container joins only the gateway's
// default network.
type ContainerSpec struct {
	Name       string
	Image      string
	Env        []string
	Ports      map[int]int       // hostPort -> containerPort
	Networks   []string
	BindMounts map[string]string // hostPath -> containerPath
	Labels     map[string]string
}

// Stack is a named group of containers created together and tracked by
// a shared controlplane.stack label.
type Stack struct {
	Name         string
	ContainerIDs []string
}

// CreateStack decomposes a stack into its constituent ContainerCreate
// calls, sharing a common controlplane.stack=<name> label, and starts
// each container. Every network named across specs (plus the gateway's
// default) is created first if absent, so a container requesting more
// than one of a fleet's overlay networks can always join all of them.
func (c *Client) CreateStack(ctx context.Context, name string, specs []ContainerSpec) (*Stack, error) {
	networks := map[string]bool{c.networkName: true}
	for _, spec := range specs {
		for _, n := range spec.Networks {
			networks[n] = true
		}
	}
	for n := range networks {
		if err := c.EnsureNetwork(ctx, n); err != nil {
			return nil, err
		}
	}

	stack := &Stack{Name: name}
	for _, spec := range specs {
		id, err := c.createContainer(ctx, name, spec)
		if err != nil {
			c.rollbackStack(ctx, stack)
			return nil, err
		}
		stack.ContainerIDs = append(stack.ContainerIDs, id)
		if err := c.docker.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
			c.rollbackStack(ctx, stack)
			return nil, classify(err, "starting stack container")
		}
	}
	return stack, nil
}

func (c *Client) rollbackStack(ctx context.Context, stack *Stack) {
	for _, id := range stack.ContainerIDs {
		_ = c.docker.ContainerStop(ctx, id, dockercontainer.StopOptions{})
		_ = c.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true})
	}
}

func (c *Client) createContainer(ctx context.Context, stackName string, spec ContainerSpec) (string, error) {
	labels := map[string]string{stackLabel: stackName}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for hostPort, containerPort := range spec.Ports {
		p, err := nat.NewPort("tcp", fmt.Sprintf("%d", containerPort))
		if err != nil {
			return "", errkind.Wrap(errkind.Validation, "invalid port spec", err)
		}
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)}}
	}

	var binds []string
	for host, containerPath := range spec.BindMounts {
		binds = append(binds, fmt.Sprintf("%s:%s", host, containerPath))
	}

	networks := spec.Networks
	if len(networks) == 0 {
		networks = []string{c.networkName}
	}

	containerCfg := &dockercontainer.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:        binds,
		PortBindings: portBindings,
		NetworkMode:  dockercontainer.NetworkMode(networks[0]),
	}

	var id string
	err := retryDocker(ctx, func() error {
		resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
		if err != nil {
			return classify(err, "creating container")
		}
		id = resp.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	// The Docker Engine API only accepts one network at create time
	// (via NetworkMode above); every additional network this spec names
	// is joined with an explicit connect, matching how the Docker CLI
	// itself attaches a container to more than one network.
	for _, name := range networks[1:] {
		netName := name
		if err := retryDocker(ctx, func() error {
			return c.docker.NetworkConnect(ctx, netName, id, nil)
		}); err != nil {
			return id, classify(err, "attaching container to network "+netName)
		}
	}
	return id, nil
}

// ListStacks lists every distinct controlplane.stack label value present
// among containers, regardless of whether they match the current
// ProxyDefinitions — the reconciler decides orphan status.
func (c *Client) ListStacks(ctx context.Context) ([]Stack, error) {
	var containers []dockercontainer.Summary
	err := retryDocker(ctx, func() error {
		list, err := c.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true})
		if err != nil {
			return classify(err, "listing containers for stacks")
		}
		containers = list
		return nil
	})
	if err != nil {
		return nil, err
	}

	byName := map[string]*Stack{}
	var order []string
	for _, ctr := range containers {
		name, ok := ctr.Labels[stackLabel]
		if !ok {
			continue
		}
		s, ok := byName[name]
		if !ok {
			s = &Stack{Name: name}
			byName[name] = s
			order = append(order, name)
		}
		s.ContainerIDs = append(s.ContainerIDs, ctr.ID)
	}

	stacks := make([]Stack, 0, len(order))
	for _, name := range order {
		stacks = append(stacks, *byName[name])
	}
	return stacks, nil
}

func (c *Client) GetStackByName(ctx context.Context, name string) (*Stack, error) {
	stacks, err := c.ListStacks(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range stacks {
		if s.Name == name {
			return &s, nil
		}
	}
	return nil, nil
}

// StartStack starts every container in the stack.
func (c *Client) StartStack(ctx context.Context, name string) error {
	stack, err := c.GetStackByName(ctx, name)
	if err != nil {
		return err
	}
	if stack == nil {
		return errkind.New(errkind.Conflict, "stack not found: "+name)
	}
	for _, id := range stack.ContainerIDs {
		if err := c.StartContainer(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopStack stops every container in the stack but does not remove it or
// its data — used for orphaned managed stacks, which are reported but
// never destroyed.
func (c *Client) StopStack(ctx context.Context, name string) error {
	stack, err := c.GetStackByName(ctx, name)
	if err != nil {
		return err
	}
	if stack == nil {
		return nil
	}
	for _, id := range stack.ContainerIDs {
		if _, err := c.StopContainer(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteStack stops and removes every container in the stack.
func (c *Client) DeleteStack(ctx context.Context, name string) error {
	stack, err := c.GetStackByName(ctx, name)
	if err != nil {
		return err
	}
	if stack == nil {
		return nil
	}
	for _, id := range stack.ContainerIDs {
		if _, err := c.StopContainer(ctx, id); err != nil {
			return err
		}
		if err := c.RemoveContainer(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListContainers lists every container on the configured environment.
func (c *Client) ListContainers(ctx context.Context) ([]dockercontainer.Summary, error) {
	var containers []dockercontainer.Summary
	err := retryDocker(ctx, func() error {
		list, err := c.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true})
		if err != nil {
			return classify(err, "listing containers")
		}
		containers = list
		return nil
	})
	return containers, err
}

// FindContainersFilter narrows FindContainers by image and/or name
// substring; zero-value fields are unconstrained.
type FindContainersFilter struct {
	Image string
	Name  string
}

func (c *Client) FindContainers(ctx context.Context, filter FindContainersFilter) ([]dockercontainer.Summary, error) {
	f := filters.NewArgs()
	if filter.Name != "" {
		f.Add("name", filter.Name)
	}
	if filter.Image != "" {
		f.Add("ancestor", filter.Image)
	}
	containers, err := c.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classify(err, "finding containers")
	}
	return containers, nil
}

func (c *Client) GetContainer(ctx context.Context, identifier string) (*dockercontainer.InspectResponse, error) {
	inspect, err := c.docker.ContainerInspect(ctx, identifier)
	if err != nil {
		return nil, classify(err, "inspecting container")
	}
	return &inspect, nil
}

func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerStart(ctx, containerID, dockercontainer.StartOptions{}); err != nil {
		return classify(err, "starting container")
	}
	return nil
}

// StopContainer stops a container, tolerating NotFound. Returns whether
// the container was actually found.
func (c *Client) StopContainer(ctx context.Context, containerID string) (bool, error) {
	timeout := 5
	err := c.docker.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &timeout})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify(err, "stopping container")
	}
	return true, nil
}

// RemoveContainer removes a container, tolerating NotFound.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify(err, "removing container")
	}
	return nil
}

// EnsureNetwork creates name as a bridge network if absent. Called for
// the gateway's own default network and for every per-proxy overlay
// network a ProxyDefinition declares, so a fresh environment never hits
// a NetworkMode pointing at a network that was never created.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	return retryDocker(ctx, func() error {
		networks, err := c.docker.NetworkList(ctx, network.ListOptions{})
		if err != nil {
			return classify(err, "listing networks")
		}
		for _, net := range networks {
			if net.Name == name {
				return nil
			}
		}

		_, err = c.docker.NetworkCreate(ctx, name, network.CreateOptions{
			Driver: "bridge",
			Labels: map[string]string{"controlplane.managed": "true"},
		})
		if err != nil {
			return classify(err, "creating network")
		}
		return nil
	})
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec splits command into argv with a shell-syntax parser and runs it
// inside containerID, demultiplexing stdout/stderr.
func (c *Client) Exec(ctx context.Context, containerID string, command string) (*ExecResult, error) {
	argv, err := shellparse.StringToSlice(command)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, "parsing exec command", err)
	}

	execConfig := dockercontainer.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          argv,
	}
	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, classify(err, "creating exec")
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, classify(err, "attaching to exec")
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "reading exec output", err)
	}

	inspectResp, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, classify(err, "inspecting exec")
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// classify turns a raw Docker API error into a typed error, using
// containerd/errdefs status inspection for NotFound tolerance.
func classify(err error, context string) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return errkind.Wrap(errkind.Conflict, context, err)
	case errdefs.IsConflict(err):
		return errkind.Wrap(errkind.Conflict, context, err)
	case errdefs.IsUnavailable(err) || errdefs.IsUnknown(err) || strings.Contains(err.Error(), "connection refused"):
		return errkind.Wrap(errkind.ExternalUnavailable, context, err)
	default:
		return errkind.Wrap(errkind.Internal, context, err)
	}
}
