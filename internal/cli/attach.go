// Package cli implements the interactive "attach" command: it puts the
// local terminal in raw mode and drives a termclient.Terminal against a
// running bridge.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/edurange/termbridge/internal/termclient"
)

const (
	defaultServer = "http://localhost:8000"
	closeTimeout  = 5 * time.Second

	retryHint = "\r\nPress r to retry or Ctrl-] to quit.\r\n"
)

// AttachOptions are the parsed attach flags.
type AttachOptions struct {
	Server    string
	Target    string
	Container string
	Transport string
	NoRTT     bool
}

// ParseAttachFlags parses the attach command line. The target may be given
// with --target or as the single positional argument.
func ParseAttachFlags(args []string, stderr io.Writer) (AttachOptions, error) {
	var opts AttachOptions
	fs := pflag.NewFlagSet("attach", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.Server, "server", "s", envOr("TERMBRIDGE_SERVER", defaultServer), "bridge base URL")
	fs.StringVarP(&opts.Target, "target", "t", "", "workload to attach to (pod, container id or host)")
	fs.StringVarP(&opts.Container, "container", "c", "", "container inside the workload")
	fs.StringVar(&opts.Transport, "transport", "relay", "transport: relay or direct")
	fs.BoolVar(&opts.NoRTT, "no-rtt", false, "disable round-trip time measurement")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: termbridge attach [flags] <target>\n\nPress Ctrl-] to detach.\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	switch rest := fs.Args(); {
	case len(rest) > 1:
		return opts, fmt.Errorf("unexpected argument: %s", rest[1])
	case len(rest) == 1 && opts.Target != "" && opts.Target != rest[0]:
		return opts, fmt.Errorf("target given twice: %q and %q", opts.Target, rest[0])
	case len(rest) == 1:
		opts.Target = rest[0]
	}
	if opts.Target == "" {
		return opts, errors.New("target is required")
	}
	if opts.Transport != "relay" && opts.Transport != "direct" {
		return opts, fmt.Errorf("unknown transport %q (want relay or direct)", opts.Transport)
	}
	return opts, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Attacher connects one local terminal to a remote shell.
type Attacher struct {
	Opts AttachOptions
	In   io.Reader
	Out  io.Writer
	// Fd is the controlling terminal, or -1 when input is not a tty.
	Fd int
	// Terminal options; the zero value uses the client defaults.
	Terminal termclient.Options
}

// RunAttach is the entry point for "termbridge attach".
func RunAttach(ctx context.Context, args []string) error {
	opts, err := ParseAttachFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	a := &Attacher{Opts: opts, In: os.Stdin, Out: os.Stdout, Fd: fd}
	return a.Run(ctx)
}

func (a *Attacher) size() (int, int) {
	if a.Fd >= 0 {
		if w, h, err := term.GetSize(a.Fd); err == nil && w > 0 && h > 0 {
			return w, h
		}
	}
	return 80, 24
}

func (a *Attacher) transport(cols, rows int) termclient.Transport {
	client := termclient.NewClient(a.Opts.Server, nil)
	if a.Opts.Transport == "direct" {
		return termclient.NewDirectTransport(client, a.Opts.Target, a.Opts.Container, cols, rows)
	}
	return termclient.NewRelayTransport(client, a.Opts.Target, a.Opts.Container, cols, rows)
}

// Run attaches until the user detaches, the shell exits, the controller
// gives up and the user quits, or ctx is cancelled. The remote session is
// closed on the way out.
func (a *Attacher) Run(ctx context.Context) error {
	if a.Fd >= 0 {
		oldState, err := term.MakeRaw(a.Fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(a.Fd, oldState)

		io.WriteString(a.Out, enableFocusReports)
		defer io.WriteString(a.Out, disableFocusReports)
	}

	gaveUp := make(chan struct{}, 1)
	topts := a.Terminal
	topts.DisableRTT = topts.DisableRTT || a.Opts.NoRTT
	onState := topts.OnState
	topts.OnState = func(s termclient.State) {
		if onState != nil {
			onState(s)
		}
		if s == termclient.StateGaveUp {
			select {
			case gaveUp <- struct{}{}:
			default:
			}
		}
	}

	cols, rows := a.size()
	t := termclient.NewTerminal(a.transport(cols, rows), a.Out, topts)
	t.Start()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := t.Close(closeCtx); err != nil {
			log.Printf("[attach] close session: %v", err)
		}
	}()

	if a.Fd >= 0 {
		sigwinch := make(chan os.Signal, 1)
		signal.Notify(sigwinch, syscall.SIGWINCH)
		defer signal.Stop(sigwinch)
		go func() {
			for range sigwinch {
				if w, h := a.size(); w > 0 && h > 0 {
					t.Resize(w, h)
				}
			}
		}()
	}

	detached := make(chan struct{})
	inputErr := make(chan error, 1)
	go a.readInput(t, detached, inputErr)

	for {
		select {
		case <-detached:
			return nil
		case err := <-inputErr:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		case <-t.Done():
			if errors.Is(t.Err(), termclient.ErrShellExited) {
				return nil
			}
			return t.Err()
		case <-gaveUp:
			io.WriteString(a.Out, retryHint)
		case <-ctx.Done():
			return nil
		}
	}
}

// readInput forwards keystrokes until detach or a read error. While the
// controller has given up, "r" asks for a fresh attempt and nothing else is
// forwarded.
func (a *Attacher) readInput(t *termclient.Terminal, detached chan<- struct{}, errc chan<- error) {
	var filter inputFilter
	buf := make([]byte, 4096)
	for {
		n, err := a.In.Read(buf)
		if n > 0 {
			out, events := filter.Filter(buf[:n])
			for _, ev := range events {
				switch ev {
				case eventFocusIn:
					t.SetVisible(true)
				case eventFocusOut:
					t.SetVisible(false)
				}
			}
			if t.State() == termclient.StateGaveUp {
				if len(out) > 0 && (out[0] == 'r' || out[0] == 'R') {
					t.Reconnect()
				}
			} else if len(out) > 0 {
				t.Write(out)
			}
			if len(events) > 0 && events[len(events)-1] == eventDetach {
				close(detached)
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}
