// Package dockerlauncher runs each worker in its own container on a docker host.
package dockerlauncher

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/launcher"
)

const Type = "docker"

const SessionLabel = "corral.session"

type Config struct {
	Image       string `json:"image" yaml:"image"`
	NetworkMode string `json:"networkMode" yaml:"networkMode"`
	MemoryMB    int64  `json:"memoryMB" yaml:"memoryMB"`
	Pull        bool   `json:"pull" yaml:"pull"`
	// StopTimeoutSec is how long docker waits after SIGTERM before killing.
	StopTimeoutSec int `json:"stopTimeoutSec" yaml:"stopTimeoutSec"`
}

func (c Config) String() string {
	return fmt.Sprintf("Docker Launcher Config:\n\tImage: %s\n\tNetworkMode: %s\n\tMemoryMB: %d\n\tPull: %t",
		c.Image, c.NetworkMode, c.MemoryMB, c.Pull)
}

// containerAPI is the part of the docker client the launcher uses.
type containerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type Launcher struct {
	cfg    Config
	client containerAPI
}

// New connects to the docker host named by the environment (DOCKER_HOST etc).
func New(cfg Config) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "docker client")
	}
	return newWithClient(cfg, cli), nil
}

func newWithClient(cfg Config, api containerAPI) *Launcher {
	return &Launcher{cfg: cfg, client: api}
}

func (l *Launcher) Launch(ctx context.Context, sessionID string, count int, spec coord.WorkerSpec) ([]coord.WorkerHandle, error) {
	img := spec.Image
	if img == "" {
		img = l.cfg.Image
	}
	if img == "" {
		return nil, errors.New("docker launcher needs an image")
	}
	if l.cfg.Pull {
		rc, err := l.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "pulling %s", img)
		}
		// the pull only completes once its progress stream is drained
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "pulling %s", img)
		}
	}

	handles := []coord.WorkerHandle{}
	for i := 0; i < count; i++ {
		index := spec.FirstIndex + i
		labels := map[string]string{SessionLabel: sessionID}
		for k, v := range spec.Labels {
			labels[k] = v
		}
		hostConfig := &container.HostConfig{
			NetworkMode: container.NetworkMode(l.cfg.NetworkMode),
		}
		if l.cfg.MemoryMB > 0 {
			hostConfig.Resources.Memory = l.cfg.MemoryMB * 1024 * 1024
		}
		resp, err := l.client.ContainerCreate(ctx, &container.Config{
			Image:  img,
			Cmd:    spec.Command,
			Env:    launcher.EnvList(launcher.WorkerEnv(sessionID, index, spec)),
			Labels: labels,
		}, hostConfig, nil, nil, fmt.Sprintf("corral-%s-%d", sessionID, index))
		if err != nil {
			return handles, errors.Wrapf(err, "creating container for worker %d of %d", i, count)
		}
		handle := coord.WorkerHandle{Launcher: Type, ID: resp.ID, Index: index}
		if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			l.remove(ctx, resp.ID)
			return handles, errors.Wrapf(err, "starting container for worker %d of %d", i, count)
		}
		handles = append(handles, handle)
		log.WithFields(
			log.Fields{
				"sessionID":   sessionID,
				"index":       index,
				"containerID": resp.ID,
				"image":       img,
			}).Info("Started docker worker")
	}
	return handles, nil
}

// Stop stops and removes the container. A container that no longer exists
// counts as stopped.
func (l *Launcher) Stop(ctx context.Context, handle coord.WorkerHandle) error {
	opts := container.StopOptions{}
	if l.cfg.StopTimeoutSec > 0 {
		timeout := l.cfg.StopTimeoutSec
		opts.Timeout = &timeout
	}
	if err := l.client.ContainerStop(ctx, handle.ID, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "stopping container %s", handle.ID)
	}
	return l.remove(ctx, handle.ID)
}

func (l *Launcher) remove(ctx context.Context, id string) error {
	err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "removing container %s", id)
	}
	return nil
}
