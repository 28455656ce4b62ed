package launcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesConfig holds settings for the Kubernetes launcher.
type KubernetesConfig struct {
	// Namespace where the Job is created.
	Namespace string
	// ServiceAccount for the Job pod (optional).
	ServiceAccount string
	// Resource limits for the Job container.
	CPULimit    string
	MemoryLimit string
}

// KubernetesLauncher runs the command as a single-pod Kubernetes Job.
type KubernetesLauncher struct {
	name    string
	image   string
	command []string
	config  KubernetesConfig
	events  Events
	log     *slog.Logger

	clientset kubernetes.Interface

	mu        sync.Mutex
	env       map[string]string
	outLog    *slog.Logger
	jobName   string
	podName   string
	started   bool
	exited    bool
	raw       int
	corrected int

	recent   *recentBuffer
	exitedCh chan struct{}
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// NewKubernetesLauncher creates a Job-backed launcher. In-cluster
// configuration is tried first, with a kubeconfig fallback for local use.
func NewKubernetesLauncher(name, img string, command []string, cfg KubernetesConfig, events Events, log *slog.Logger) (*KubernetesLauncher, error) {
	if log == nil {
		log = slog.Default()
	}

	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homeDir(), ".kube", "config")
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("launcher %s: kubernetes config: %w", name, err)
		}
		log.Debug("using kubeconfig", "path", kubeconfig)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("launcher %s: kubernetes clientset: %w", name, err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.CPULimit == "" {
		cfg.CPULimit = "500m"
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = "256Mi"
	}

	return &KubernetesLauncher{
		name:      name,
		image:     img,
		command:   command,
		config:    cfg,
		events:    events,
		log:       log,
		outLog:    log,
		clientset: clientset,
		raw:       -1,
		corrected: -1,
		recent:    newRecentBuffer(DefaultRecentLineLimit),
		exitedCh:  make(chan struct{}),
	}, nil
}

// SetEnv sets pod environment variables. Must be called before Start.
func (l *KubernetesLauncher) SetEnv(env map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.env = env
}

// SetOutputLog sets the target for the pod's output lines.
func (l *KubernetesLauncher) SetOutputLog(log *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outLog = log
}

// SetRecentLineLimit bounds the recent-output buffer.
func (l *KubernetesLauncher) SetRecentLineLimit(n int) {
	l.recent.setLimit(n)
}

// Start creates the Job and begins watching its pod.
func (l *KubernetesLauncher) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: already started", l.name)
	}
	if l.image == "" {
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: image is required", l.name)
	}

	var envVars []corev1.EnvVar
	for k, v := range l.env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}
	outLog := l.outLog
	l.mu.Unlock()

	ctx := context.Background()
	jobName := fmt.Sprintf("forkguard-%d", time.Now().UnixNano())

	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(l.config.CPULimit),
			corev1.ResourceMemory: resource.MustParse(l.config.MemoryLimit),
		},
	}

	// Retries stay with the caller, never with the Job controller.
	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: l.config.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "forkguard",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":                     jobName,
						"app.kubernetes.io/managed-by": "forkguard",
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:      "run",
							Image:     l.image,
							Command:   l.command,
							Env:       envVars,
							Resources: resources,
						},
					},
				},
			},
		},
	}
	if l.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = l.config.ServiceAccount
	}

	created, err := l.clientset.BatchV1().Jobs(l.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("launcher %s: create job: %w", l.name, err)
	}

	l.mu.Lock()
	l.jobName = created.Name
	l.started = true
	l.mu.Unlock()

	l.log.Debug("job created", "name", l.name, "job", created.Name, "namespace", l.config.Namespace)

	go l.awaitExit(ctx, outLog)

	if l.events != nil {
		l.events.ProcessStarted()
	}
	return nil
}

func (l *KubernetesLauncher) awaitExit(ctx context.Context, outLog *slog.Logger) {
	raw := -1

	podName, err := l.waitForPod(ctx)
	if err != nil {
		l.log.Warn("pod never appeared", "name", l.name, "error", err)
		l.finish(raw)
		return
	}
	l.mu.Lock()
	l.podName = podName
	l.mu.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(1)
	go l.streamOutput(ctx, &pumps, podName, outLog)

	watcher, err := l.clientset.CoreV1().Pods(l.config.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		l.log.Warn("pod watch failed", "name", l.name, "error", err)
		pumps.Wait()
		l.finish(raw)
		return
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			break
		}
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}
		switch pod.Status.Phase {
		case corev1.PodSucceeded:
			raw = 0
		case corev1.PodFailed:
			if len(pod.Status.ContainerStatuses) > 0 {
				if term := pod.Status.ContainerStatuses[0].State.Terminated; term != nil {
					raw = int(term.ExitCode)
				}
			}
		default:
			continue
		}
		break
	}

	pumps.Wait()
	l.finish(raw)
}

// finish records the exit and raises the notification. Pod exit codes already
// fold signal death into the 128+ range, so corrected equals raw.
func (l *KubernetesLauncher) finish(raw int) {
	l.recent.markFinal()

	l.mu.Lock()
	l.exited = true
	l.raw = raw
	l.corrected = raw
	l.mu.Unlock()
	close(l.exitedCh)

	l.log.Debug("job finished", "name", l.name, "code", raw)
	if l.events != nil {
		l.events.ProcessExited(raw, raw)
	}
}

// waitForPod polls until the Job's pod exists and returns its name.
func (l *KubernetesLauncher) waitForPod(ctx context.Context) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := l.clientset.CoreV1().Pods(l.config.Namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", l.jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

func (l *KubernetesLauncher) streamOutput(ctx context.Context, pumps *sync.WaitGroup, podName string, outLog *slog.Logger) {
	defer pumps.Done()

	if err := l.waitForContainerReady(ctx, podName); err != nil {
		return
	}

	req := l.clientset.CoreV1().Pods(l.config.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: "run",
		Follow:    true,
	})
	rc, err := req.Stream(ctx)
	if err != nil {
		l.log.Warn("pod log stream unavailable", "name", l.name, "error", err)
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		l.recent.append(line)
		if outLog != nil {
			outLog.Info(line, "name", l.name)
		}
	}
}

// waitForContainerReady waits for the container to start or reach a terminal
// phase, at which point logs can be read.
func (l *KubernetesLauncher) waitForContainerReady(ctx context.Context, podName string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pod, err := l.clientset.CoreV1().Pods(l.config.Namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				return err
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return nil
			}
		}
	}
}

// Stop deletes the Job with foreground propagation so its pod is cleaned up.
func (l *KubernetesLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	jobName := l.jobName
	exited := l.exited
	l.mu.Unlock()

	if jobName == "" || exited {
		return nil
	}

	propagation := metav1.DeletePropagationForeground
	err := l.clientset.BatchV1().Jobs(l.config.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return fmt.Errorf("launcher %s: delete job %s: %w", l.name, jobName, err)
	}

	// Bound the wait for the exit notification by the caller's grace context.
	select {
	case <-l.exitedCh:
	case <-ctx.Done():
	}
	return nil
}

// ExitCode returns the pod's exit code once the Job has finished.
func (l *KubernetesLauncher) ExitCode() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raw, l.exited
}

// ExitCodeSignCorrected returns the sign-corrected exit code once the Job has
// finished.
func (l *KubernetesLauncher) ExitCodeSignCorrected() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.corrected, l.exited
}

// RecentOutput returns a snapshot of the most recent output lines.
func (l *KubernetesLauncher) RecentOutput() []string {
	return l.recent.snapshot()
}

// RecentOutputWait returns the recent output after a bounded wait.
func (l *KubernetesLauncher) RecentOutputWait(final bool, wait time.Duration) []string {
	return l.recent.wait(final, wait)
}
