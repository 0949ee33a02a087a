package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker — Runner поверх Docker Engine API.
type Docker struct {
	inner  *client.Client
	logger *slog.Logger
}

var _ Runner = (*Docker)(nil)

// NewDocker создаёт Docker runner. Пустой host — настройки из окружения.
func NewDocker(host string, logger *slog.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{inner: inner, logger: logger}, nil
}

// Ping проверяет доступность Docker daemon.
func (d *Docker) Ping(ctx context.Context) error {
	ping, err := d.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Start создаёт и запускает контейнер.
// Если контейнер с таким именем уже есть, возвращается его id.
func (d *Docker) Start(ctx context.Context, spec Spec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	id, err := d.create(ctx, spec)
	if errdefs.IsConflict(err) {
		inspect, ierr := d.inner.ContainerInspect(ctx, spec.Name)
		if ierr != nil {
			return "", fmt.Errorf("container inspect: %w", ierr)
		}
		d.logger.Debug("container already exists", "name", spec.Name, "container_id", inspect.ID)
		if st := statusFromState(inspect.State); st.Running || st.Finished() {
			return inspect.ID, nil
		}
		id, err = inspect.ID, nil
	}
	if err != nil {
		return "", err
	}

	if err := d.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	d.logger.Info("container started", "name", spec.Name, "image", spec.Image, "container_id", id)
	return id, nil
}

func (d *Docker) create(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{}

	r, err := d.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if client.IsErrNotFound(err) {
		if perr := d.pull(ctx, spec.Image); perr != nil {
			return "", perr
		}
		r, err = d.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if errdefs.IsConflict(err) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return r.ID, nil
}

func (d *Docker) pull(ctx context.Context, ref string) error {
	d.logger.Info("pulling image", "image", ref)
	rc, err := d.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, id string) (Status, error) {
	inspect, err := d.inner.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Status{}, ErrNotFound
		}
		return Status{}, fmt.Errorf("container inspect: %w", err)
	}
	st := statusFromState(inspect.State)
	st.ID = inspect.ID
	return st, nil
}

// Logs возвращает последние tail строк stdout и stderr контейнера.
func (d *Docker) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.inner.ContainerLogs(ctx, id, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return out.String(), nil
}

// Remove удаляет контейнер. Отсутствующий контейнер не является ошибкой.
func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Close освобождает ресурсы Docker клиента.
func (d *Docker) Close() error {
	return d.inner.Close()
}

func statusFromState(state *types.ContainerState) Status {
	if state == nil {
		return Status{}
	}
	return Status{
		Running:    state.Running,
		ExitCode:   state.ExitCode,
		StartedAt:  parseTime(state.StartedAt),
		FinishedAt: parseTime(state.FinishedAt),
		Error:      state.Error,
	}
}

// parseTime разбирает время из ответа Docker. Нулевое время
// "0001-01-01T00:00:00Z" означает, что событие ещё не наступило.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
