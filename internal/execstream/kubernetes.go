package execstream

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

// KubernetesDialer execs into pod containers over SPDY.
type KubernetesDialer struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	namespace  string
}

// NewKubernetesDialer prefers in-cluster credentials and falls back to a
// kubeconfig file. The namespace is probed so a misconfigured cluster fails
// at startup rather than on the first attach.
func NewKubernetesDialer(ctx context.Context, kubeconfig, namespace string) (*KubernetesDialer, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			kubeconfig = clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	if _, err := clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("k8s namespace check: %w", err)
	}

	return &KubernetesDialer{clientset: clientset, restConfig: cfg, namespace: namespace}, nil
}

func (k *KubernetesDialer) Name() string {
	return "kubernetes"
}

// splitPodRef accepts "pod" or "namespace/pod".
func (k *KubernetesDialer) splitPodRef(ref string) (string, string) {
	if ns, pod, ok := strings.Cut(ref, "/"); ok && ns != "" && pod != "" {
		return ns, pod
	}
	return k.namespace, ref
}

// resolve checks that the pod is running and that the requested container
// exists in it. An empty container selects the pod's first container.
func (k *KubernetesDialer) resolve(ctx context.Context, t Target) (ns, pod, container string, err error) {
	ns, pod = k.splitPodRef(t.Workload)
	p, err := k.clientset.CoreV1().Pods(ns).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", "", "", fmt.Errorf("pod %s/%s not found", ns, pod)
		}
		return "", "", "", fmt.Errorf("get pod %s/%s: %w", ns, pod, err)
	}
	if p.Status.Phase != corev1.PodRunning {
		return "", "", "", fmt.Errorf("pod %s/%s is %s", ns, pod, p.Status.Phase)
	}
	if len(p.Spec.Containers) == 0 {
		return "", "", "", fmt.Errorf("pod %s/%s has no containers", ns, pod)
	}

	if t.Container == "" {
		return ns, pod, p.Spec.Containers[0].Name, nil
	}
	for _, c := range p.Spec.Containers {
		if c.Name == t.Container {
			return ns, pod, c.Name, nil
		}
	}
	return "", "", "", fmt.Errorf("container %q not found in pod %s/%s", t.Container, ns, pod)
}

func (k *KubernetesDialer) Open(ctx context.Context, req Request) (Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	ns, pod, container, err := k.resolve(ctx, req.Target)
	if err != nil {
		return nil, err
	}

	execReq := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(ns).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   req.Command,
			Stdin:     true,
			Stdout:    true,
			Stderr:    false,
			TTY:       true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", execReq.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	sizes := newSizeQueue(req.Size)

	// The exec outlives the request that opened it, so it gets its own
	// context cancelled from Close.
	streamCtx, cancel := context.WithCancel(context.Background())

	go func() {
		err := exec.StreamWithContext(streamCtx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: sizes,
		})
		if err != nil && streamCtx.Err() == nil {
			log.Printf("[execstream] k8s exec %s/%s:%s ended: %v", ns, pod, container, err)
		}
		if err == nil {
			err = io.EOF
		}
		stdoutW.CloseWithError(err)
	}()

	return &pipeStream{
		stdin:  stdinW,
		stdout: stdoutR,
		sizes:  sizes,
		cancel: cancel,
	}, nil
}

// sizeQueue feeds remotecommand. Only the latest size matters, so a pending
// size is replaced rather than queued behind.
type sizeQueue struct {
	mu   sync.Mutex
	ch   chan remotecommand.TerminalSize
	done chan struct{}
	once sync.Once
}

func newSizeQueue(initial Size) *sizeQueue {
	q := &sizeQueue{
		ch:   make(chan remotecommand.TerminalSize, 1),
		done: make(chan struct{}),
	}
	q.ch <- remotecommand.TerminalSize{Width: initial.Cols, Height: initial.Rows}
	return q
}

func (q *sizeQueue) Next() *remotecommand.TerminalSize {
	select {
	case s := <-q.ch:
		return &s
	case <-q.done:
		return nil
	}
}

func (q *sizeQueue) push(s Size) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.ch:
	default:
	}
	q.ch <- remotecommand.TerminalSize{Width: s.Cols, Height: s.Rows}
}

func (q *sizeQueue) close() {
	q.once.Do(func() { close(q.done) })
}

// pipeStream adapts a goroutine-driven exec to the Stream interface.
type pipeStream struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	sizes  *sizeQueue
	cancel context.CancelFunc
	once   sync.Once
}

func (s *pipeStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *pipeStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *pipeStream) Resize(size Size) error {
	s.sizes.push(size)
	return nil
}

func (s *pipeStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.sizes.close()
		s.stdin.Close()
		s.stdout.Close()
	})
	return nil
}
