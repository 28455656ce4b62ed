package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerLauncher runs the command inside a Docker container.
type DockerLauncher struct {
	name    string
	image   string
	command []string
	events  Events
	log     *slog.Logger

	client *client.Client

	mu          sync.Mutex
	env         map[string]string
	outLog      *slog.Logger
	containerID string
	started     bool
	exited      bool
	raw         int
	corrected   int

	recent   *recentBuffer
	exitedCh chan struct{}
}

func envList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// NewDockerLauncher creates a container-backed launcher. The client is
// initialized from the standard environment variables (DOCKER_HOST, etc.).
func NewDockerLauncher(name, img string, command []string, events Events, log *slog.Logger) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("launcher %s: docker client: %w", name, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DockerLauncher{
		name:      name,
		image:     img,
		command:   command,
		events:    events,
		log:       log,
		outLog:    log,
		client:    cli,
		raw:       -1,
		corrected: -1,
		recent:    newRecentBuffer(DefaultRecentLineLimit),
		exitedCh:  make(chan struct{}),
	}, nil
}

// SetEnv sets container environment variables. Must be called before Start.
func (l *DockerLauncher) SetEnv(env map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.env = env
}

// SetOutputLog sets the target for the container's output lines.
func (l *DockerLauncher) SetOutputLog(log *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outLog = log
}

// SetRecentLineLimit bounds the recent-output buffer.
func (l *DockerLauncher) SetRecentLineLimit(n int) {
	l.recent.setLimit(n)
}

// Start creates and starts the container, pulling the image first if it is
// not present locally.
func (l *DockerLauncher) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: already started", l.name)
	}
	if l.image == "" {
		l.mu.Unlock()
		return fmt.Errorf("launcher %s: image is required", l.name)
	}
	env := envList(l.env)
	outLog := l.outLog
	l.mu.Unlock()

	ctx := context.Background()

	// Check locally first to save a pull.
	if _, err := l.client.ImageInspect(ctx, l.image); err != nil {
		reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("launcher %s: pull image %s: %w", l.name, l.image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	containerConfig := &container.Config{
		Image: l.image,
		Cmd:   l.command,
		Env:   env,
		Tty:   true,
	}
	resp, err := l.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("launcher %s: create container: %w", l.name, err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("launcher %s: start container: %w", l.name, err)
	}

	l.mu.Lock()
	l.containerID = resp.ID
	l.started = true
	l.mu.Unlock()

	l.log.Debug("container started", "name", l.name, "container_id", resp.ID)

	var pumps sync.WaitGroup
	pumps.Add(1)
	go l.streamOutput(ctx, &pumps, resp.ID, outLog)
	go l.awaitExit(ctx, &pumps, resp.ID)

	if l.events != nil {
		l.events.ProcessStarted()
	}
	return nil
}

func (l *DockerLauncher) streamOutput(ctx context.Context, pumps *sync.WaitGroup, containerID string, outLog *slog.Logger) {
	defer pumps.Done()

	rc, err := l.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		l.log.Warn("container log stream unavailable", "name", l.name, "error", err)
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

func (l *DockerLauncher) awaitExit(ctx context.Context, pumps *sync.WaitGroup, containerID string) {
	raw := -1
	statusCh, errCh := l.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		l.log.Warn("container wait failed", "name", l.name, "error", err)
	case status := <-statusCh:
		raw = int(status.StatusCode)
		if status.Error != nil {
			l.log.Warn("container exited with error", "name", l.name, "error", status.Error.Message)
		}
	}

	// The log stream closes once the container stops.
	pumps.Wait()
	l.recent.markFinal()

	// Container exit codes already fold signal death into the 128+ range.
	l.mu.Lock()
	l.exited = true
	l.raw = raw
	l.corrected = raw
	l.mu.Unlock()
	close(l.exitedCh)

	l.log.Debug("container exited", "name", l.name, "code", raw)
	if l.events != nil {
		l.events.ProcessExited(raw, raw)
	}
}

// Stop stops the container, allowing it the context's remaining time (or 5s)
// to exit before the daemon kills it.
func (l *DockerLauncher) Stop(ctx context.Context) error {
	l.mu.Lock()
	containerID := l.containerID
	exited := l.exited
	l.mu.Unlock()

	if containerID == "" || exited {
		return nil
	}

	grace := 5
	if deadline, ok := ctx.Deadline(); ok {
		if s := int(time.Until(deadline).Seconds()); s > 0 {
			grace = s
		}
	}
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		return fmt.Errorf("launcher %s: stop container: %w", l.name, err)
	}

	// Return once the wait goroutine has observed the exit, so callers see
	// the exit notification ordered before Stop completes.
	select {
	case <-l.exitedCh:
	case <-ctx.Done():
	}
	return nil
}

// ExitCode returns the container's exit code once it has stopped.
func (l *DockerLauncher) ExitCode() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raw, l.exited
}

// ExitCodeSignCorrected returns the sign-corrected exit code once the
// container has stopped.
func (l *DockerLauncher) ExitCodeSignCorrected() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.corrected, l.exited
}

// RecentOutput returns a snapshot of the most recent output lines.
func (l *DockerLauncher) RecentOutput() []string {
	return l.recent.snapshot()
}

// RecentOutputWait returns the recent output after a bounded wait.
func (l *DockerLauncher) RecentOutputWait(final bool, wait time.Duration) []string {
	return l.recent.wait(final, wait)
}
