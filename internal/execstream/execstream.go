// Package execstream opens interactive, TTY-enabled command streams inside
// remote workloads. Every backend exposes the same Stream contract so the
// session layer never needs to know where the shell actually runs.
package execstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

// Target names the workload and, optionally, the container inside it.
// Backends interpret the fields differently: for Kubernetes the workload is
// a pod name (or "namespace/pod"), for Docker it is a container id, for SSH
// it is host[:port] with Container naming the login user.
type Target struct {
	Workload  string
	Container string
}

// Size is a terminal geometry in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

// Request describes a stream to open.
type Request struct {
	Target  Target
	Command []string
	Size    Size
}

// Stream is a bidirectional TTY byte stream into a running command.
// Read returns combined terminal output and io.EOF once the command exits.
// Write delivers keystrokes. Close is idempotent.
type Stream interface {
	io.ReadWriteCloser
	Resize(Size) error
}

// Dialer opens streams for one backend.
type Dialer interface {
	Open(ctx context.Context, req Request) (Stream, error)
	Name() string
}

var (
	ErrNoBackend    = errors.New("no exec backend available")
	ErrEmptyCommand = errors.New("empty command")
	ErrEmptyTarget  = errors.New("empty target")
)

// Options configures backend selection.
type Options struct {
	Backend       string
	Namespace     string
	Kubeconfig    string
	DockerHost    string
	SSHKeyPath    string
	SSHKnownHosts string
}

// New selects and initializes a backend. "auto" tries Kubernetes first and
// then Docker, the same order a cluster deployment would prefer.
func New(ctx context.Context, opts Options) (Dialer, error) {
	backend := opts.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "ssh":
		d, err := NewSSHDialer(opts.SSHKeyPath, opts.SSHKnownHosts)
		if err != nil {
			return nil, err
		}
		log.Println("Exec backend: using SSH")
		return d, nil
	case "local":
		return NewLocalDialer(), nil
	}

	if backend == "auto" || backend == "kubernetes" {
		k8s, err := NewKubernetesDialer(ctx, opts.Kubeconfig, opts.Namespace)
		if err == nil {
			log.Println("Exec backend: using Kubernetes")
			return k8s, nil
		}
		log.Printf("Kubernetes backend unavailable: %v", err)
	}

	if backend == "auto" || backend == "docker" {
		docker, err := NewDockerDialer(ctx, opts.DockerHost)
		if err == nil {
			log.Println("Exec backend: using Docker")
			return docker, nil
		}
		log.Printf("Docker backend unavailable: %v", err)
	}

	return nil, fmt.Errorf("%w (tried: %s)", ErrNoBackend, backend)
}

func validate(req Request) error {
	if req.Target.Workload == "" {
		return ErrEmptyTarget
	}
	if len(req.Command) == 0 {
		return ErrEmptyCommand
	}
	return nil
}
