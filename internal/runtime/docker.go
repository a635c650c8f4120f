package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/moby/go-archive"

	"github.com/siteio/agent/internal/apps"
)

// Docker drives a local Docker daemon through its SDK.
type Docker struct {
	cli     *client.Client
	dataDir string
	logger  *slog.Logger
}

// NewDocker creates the Docker adapter. The client connects lazily, so
// construction succeeds even while the daemon is still coming up;
// IsAvailable reports the live state.
func NewDocker(dataDir string, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{cli: cli, dataDir: dataDir, logger: logger}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// IsAvailable probes the daemon.
func (d *Docker) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := d.cli.Ping(ctx)
	return err == nil
}

// EnsureNetwork idempotently creates a user-defined bridge network.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return newError("inspect network "+name, err)
	}

	if _, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return newError("create network "+name, err)
	}
	d.logger.Info("created network", "network", name)
	return nil
}

// Pull blocks until the image pull completes. The progress stream is
// drained line-wise; an in-stream error fails the pull.
func (d *Docker) Pull(ctx context.Context, ref string) error {
	d.logger.Info("pulling image", "image", ref)

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return newError("pull image "+ref, err)
	}
	defer reader.Close()

	if err := drainStream(reader); err != nil {
		return newError("pull image "+ref, err)
	}
	return nil
}

// Build tars the context directory and builds it into opts.Tag. The
// dockerfile path is relative to the context. A failed build returns
// the collected build output alongside the daemon error.
func (d *Docker) Build(ctx context.Context, opts BuildOptions) error {
	d.logger.Info("building image", "tag", opts.Tag, "context", opts.ContextPath, "no_cache", opts.NoCache)

	buildContext, err := archive.TarWithOptions(opts.ContextPath, &archive.TarOptions{})
	if err != nil {
		return newError("build image "+opts.Tag, fmt.Errorf("failed to create build context: %w", err))
	}
	defer buildContext.Close()

	buildArgs := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		buildArgs[k] = &v
	}

	resp, err := d.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  filepath.ToSlash(opts.Dockerfile),
		BuildArgs:   buildArgs,
		NoCache:     opts.NoCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return newError("build image "+opts.Tag, err)
	}
	defer resp.Body.Close()

	var log strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var message jsonmessage.JSONMessage
		if err := json.Unmarshal(scanner.Bytes(), &message); err != nil {
			continue
		}
		if message.Error != nil {
			return newOutputError("build image "+opts.Tag, message.Error, log.String())
		}
		if message.Stream != "" {
			log.WriteString(message.Stream)
		}
	}
	if err := scanner.Err(); err != nil {
		return newOutputError("build image "+opts.Tag, err, log.String())
	}

	d.logger.Info("image built", "tag", opts.Tag)
	return nil
}

// Run starts a detached container and returns its id. Relative volume
// host names resolve to per-app directories under <data>/volumes,
// created on first use.
func (d *Docker) Run(ctx context.Context, cfg ContainerConfig) (string, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts, err := d.buildMounts(cfg)
	if err != nil {
		return "", newError("run container "+cfg.Name, err)
	}

	config := &container.Config{
		Image:  cfg.Image,
		Env:    env,
		Labels: cfg.Labels,
	}
	hostConfig := &container.HostConfig{
		Mounts:     mounts,
		ExtraHosts: cfg.ExtraHosts,
	}
	if cfg.RestartPolicy != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(cfg.RestartPolicy),
		}
	}

	if cfg.InternalPort > 0 {
		config.ExposedPorts = nat.PortSet{
			nat.Port(fmt.Sprintf("%d/tcp", cfg.InternalPort)): struct{}{},
		}
	}
	if len(cfg.Ports) > 0 {
		if config.ExposedPorts == nil {
			config.ExposedPorts = nat.PortSet{}
		}
		hostConfig.PortBindings = nat.PortMap{}
		for _, p := range cfg.Ports {
			port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
			config.ExposedPorts[port] = struct{}{}
			hostConfig.PortBindings[port] = append(hostConfig.PortBindings[port], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: strconv.Itoa(p.HostPort),
			})
		}
	}

	var netConfig *network.NetworkingConfig
	if cfg.Network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				cfg.Network: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, cfg.Name)
	if err != nil {
		return "", newError("create container "+cfg.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", newError("start container "+cfg.Name, err)
	}

	d.logger.Info("container started", "container", cfg.Name, "container_id", resp.ID[:12])
	return resp.ID, nil
}

// buildMounts resolves volume host paths: absolute paths are bound as
// given, anything else names a managed per-app directory.
func (d *Docker) buildMounts(cfg ContainerConfig) ([]mount.Mount, error) {
	if len(cfg.Volumes) == 0 {
		return nil, nil
	}

	appName := strings.TrimPrefix(cfg.Name, apps.NamePrefix)
	mounts := make([]mount.Mount, 0, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		source := v.HostName
		if !filepath.IsAbs(source) {
			source = d.VolumePath(appName, v.HostName)
			if err := os.MkdirAll(source, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create volume directory: %w", err)
			}
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   source,
			Target:   v.MountPath,
			ReadOnly: v.ReadOnly,
		})
	}
	return mounts, nil
}

// VolumePath is where a named app volume lives on the host.
func (d *Docker) VolumePath(appName, hostName string) string {
	return filepath.Join(d.dataDir, "volumes", appName, hostName)
}

// VolumesPath is the root of an app's named volumes, removed when the
// app is deleted.
func (d *Docker) VolumesPath(appName string) string {
	return filepath.Join(d.dataDir, "volumes", appName)
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return newError("stop container "+name, err)
	}
	return nil
}

// Remove force-removes a container. A container that is already gone is
// not an error.
func (d *Docker) Remove(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return newError("remove container "+name, err)
	}
	return nil
}

func (d *Docker) Restart(ctx context.Context, name string) error {
	if err := d.cli.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return newError("restart container "+name, err)
	}
	return nil
}

func (d *Docker) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, newError("inspect container "+name, err)
	}
	return info.State != nil && info.State.Running, nil
}

func (d *Docker) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, newError("inspect container "+name, err)
	}
	return true, nil
}

func (d *Docker) Inspect(ctx context.Context, name string) (ContainerInfo, error) {
	raw, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return ContainerInfo{}, newError("inspect container "+name, err)
	}

	info := ContainerInfo{ID: raw.ID}
	if raw.Config != nil {
		info.Image = raw.Config.Image
	}
	if raw.State != nil {
		startedAt, _ := time.Parse(time.RFC3339Nano, raw.State.StartedAt)
		info.State = ContainerState{
			Running:   raw.State.Running,
			Status:    raw.State.Status,
			StartedAt: startedAt,
			ExitCode:  raw.State.ExitCode,
		}
	}
	if raw.NetworkSettings != nil && len(raw.NetworkSettings.Ports) > 0 {
		info.Ports = make(map[string]string)
		for port, bindings := range raw.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			info.Ports[string(port)] = bindings[0].HostIP + ":" + bindings[0].HostPort
		}
	}
	return info, nil
}

// Logs returns the container's combined output, demultiplexed from the
// daemon's stream format. tail <= 0 returns everything.
func (d *Docker) Logs(ctx context.Context, name string, tail int) (string, error) {
	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}

	reader, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg,
	})
	if err != nil {
		return "", newError("read logs of "+name, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", newError("read logs of "+name, err)
	}

	combined := stdout.Bytes()
	combined = append(combined, stderr.Bytes()...)
	return string(combined), nil
}

func (d *Docker) ImageExists(ctx context.Context, tag string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, tag)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, newError("inspect image "+tag, err)
	}
	return true, nil
}

func (d *Docker) RemoveImage(ctx context.Context, tag string) error {
	_, err := d.cli.ImageRemove(ctx, tag, image.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return newError("remove image "+tag, err)
	}
	return nil
}

// drainStream consumes a pull/push progress stream, surfacing the first
// in-stream error. The daemon reports most failures this way rather
// than through the initial response.
func drainStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var message jsonmessage.JSONMessage
		if err := json.Unmarshal(scanner.Bytes(), &message); err != nil {
			continue
		}
		if message.Error != nil {
			return message.Error
		}
	}
	return scanner.Err()
}
