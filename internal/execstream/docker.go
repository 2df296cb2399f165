package execstream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

const dockerResizeTimeout = 5 * time.Second

// DockerDialer execs into local or remote Docker containers. The workload is
// the container name or id; Target.Container is ignored.
type DockerDialer struct {
	client *dockerclient.Client
}

func NewDockerDialer(ctx context.Context, host string) (*DockerDialer, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	log.Println("Docker daemon connected")
	return &DockerDialer{client: cli}, nil
}

func (d *DockerDialer) Name() string {
	return "docker"
}

func (d *DockerDialer) Open(ctx context.Context, req Request) (Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	name := req.Target.Workload

	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, fmt.Errorf("container %s is not running", name)
	}

	console := &[2]uint{uint(req.Size.Rows), uint(req.Size.Cols)}
	created, err := d.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          req.Command,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  console,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true, ConsoleSize: console})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &dockerStream{client: d.client, execID: created.ID, resp: resp}, nil
}

type dockerStream struct {
	client *dockerclient.Client
	execID string
	resp   types.HijackedResponse
	once   sync.Once
}

// Read goes through the response reader, which may already hold bytes
// buffered during the HTTP upgrade.
func (s *dockerStream) Read(p []byte) (int, error)  { return s.resp.Reader.Read(p) }
func (s *dockerStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *dockerStream) Resize(size Size) error {
	ctx, cancel := context.WithTimeout(context.Background(), dockerResizeTimeout)
	defer cancel()
	return s.client.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Width:  uint(size.Cols),
		Height: uint(size.Rows),
	})
}

func (s *dockerStream) Close() error {
	s.once.Do(s.resp.Close)
	return nil
}
