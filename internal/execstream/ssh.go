package execstream

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	sshDialTimeout = 10 * time.Second
	sshDefaultUser = "root"
	sshDefaultPort = "22"
)

// SSHDialer opens PTY sessions on remote hosts. The workload is host[:port]
// and Target.Container names the login user.
type SSHDialer struct {
	signer          ssh.Signer
	hostKeyCallback ssh.HostKeyCallback
}

func NewSSHDialer(keyPath, knownHostsPath string) (*SSHDialer, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("ssh backend requires a private key path")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return newSSHDialer(signer, knownHostsPath)
}

func newSSHDialer(signer ssh.Signer, knownHostsPath string) (*SSHDialer, error) {
	d := &SSHDialer{signer: signer}
	if knownHostsPath == "" {
		log.Println("WARNING: ssh host keys are not verified (no known_hosts configured)")
		d.hostKeyCallback = ssh.InsecureIgnoreHostKey()
		return d, nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	d.hostKeyCallback = cb
	return d, nil
}

func (d *SSHDialer) Name() string {
	return "ssh"
}

func (d *SSHDialer) Open(ctx context.Context, req Request) (Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	addr := req.Target.Workload
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, sshDefaultPort)
	}
	user := req.Target.Container
	if user == "" {
		user = sshDefaultUser
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         sshDialTimeout,
	}

	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	stream, err := startPTY(client, req)
	if err != nil {
		client.Close()
		return nil, err
	}
	return stream, nil
}

func startPTY(client *ssh.Client, req Request) (*sshStream, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(req.Size.Rows), int(req.Size.Cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := strings.Join(req.Command, " ")
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	return &sshStream{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

type sshStream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	once    sync.Once
}

func (s *sshStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshStream) Resize(size Size) error {
	return s.session.WindowChange(int(size.Rows), int(size.Cols))
}

func (s *sshStream) Close() error {
	s.once.Do(func() {
		s.stdin.Close()
		s.session.Close()
		s.client.Close()
	})
	return nil
}
