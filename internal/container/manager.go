// Package container runs agents as short-lived Docker containers. Each
// invocation gets a fresh container which receives its request as a JSON
// file and answers with a JSON result on the last line of stdout.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	goarchive "github.com/moby/go-archive"
	"github.com/mtzanidakis/saat/internal/agent"
	"github.com/mtzanidakis/saat/internal/config"
)

const (
	labelPrefix  = "saat"
	requestFile  = "request.json"
	maxErrorTail = 512
)

// EnvResolver expands secret references in container environments.
type EnvResolver interface {
	ResolveEnv(env map[string]string) (map[string]string, error)
}

type Manager struct {
	docker   *client.Client
	cfg      config.ContainerConfig
	resolver EnvResolver

	mu     sync.Mutex
	active map[string]string // container id -> agent name
}

// Request is written to <workdir>/request.json inside the container.
type Request struct {
	Agent string      `json:"agent"`
	Task  string      `json:"task"`
	Input agent.Input `json:"input"`
}

// Spec describes how to run one agent.
type Spec struct {
	Agent   string
	Image   string
	Command []string
	Env     map[string]string
	Mounts  []Mount
}

func NewManager(cfg config.ContainerConfig, resolver EnvResolver) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/saat"
	}

	return &Manager{
		docker:   docker,
		cfg:      cfg,
		resolver: resolver,
		active:   make(map[string]string),
	}, nil
}

// Run executes one request in a fresh container and returns the decoded
// result. The container is removed afterwards, also when ctx is cancelled.
func (m *Manager) Run(ctx context.Context, spec Spec, req Request) (*agent.Result, error) {
	env := spec.Env
	var scrub *redactor
	if m.resolver != nil && len(env) > 0 {
		resolved, err := m.resolver.ResolveEnv(env)
		if err != nil {
			return nil, err
		}
		scrub = newRedactor(spec.Agent, env, resolved)
		env = resolved
	}

	name := fmt.Sprintf("saat-%s-%s", sanitizeName(spec.Agent), uuid.NewString()[:8])
	containerCfg := &dockercontainer.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        buildEnv(spec.Agent, req.Task, m.cfg.Workdir, env),
		WorkingDir: m.cfg.Workdir,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   spec.Agent,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds: buildBinds(spec.Mounts),
	}
	if m.cfg.Network != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(m.cfg.Network)
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	m.track(resp.ID, spec.Agent)
	defer m.remove(resp.ID)

	archive, cleanup, err := requestArchive(m.cfg.Workdir, req)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	if err := m.docker.CopyToContainer(ctx, resp.ID, "/", archive, dockercontainer.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copy request: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	slog.Debug("agent container started", "agent", spec.Agent, "container", shortID(resp.ID))

	statusCh, errCh := m.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("wait container: %w", ctxErr)
		}
		return nil, fmt.Errorf("wait container: %w", err)
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return nil, fmt.Errorf("wait container: %s", st.Error.Message)
		}
		exitCode = st.StatusCode
	}

	stdout, stderr, err := m.logs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("agent %s exited with status %d: %s", spec.Agent, exitCode, scrub.String(tail(stderr, maxErrorTail)))
	}
	res, err := parseResult(stdout)
	if err != nil {
		return nil, err
	}
	scrub.Result(res)
	return res, nil
}

func (m *Manager) logs(ctx context.Context, id string) (stdout, stderr []byte, err error) {
	rc, err := m.docker.ContainerLogs(ctx, id, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var out, errOut bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errOut, rc); err != nil {
		return nil, nil, fmt.Errorf("read container logs: %w", err)
	}
	return out.Bytes(), errOut.Bytes(), nil
}

func (m *Manager) track(id, agentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = agentName
}

func (m *Manager) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(id), "error", err)
	}
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// ActiveCount returns the number of containers currently running agents.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StopAll force-removes every container started by this manager.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := slices.Collect(maps.Keys(m.active))
	m.mu.Unlock()

	for _, id := range ids {
		m.remove(id)
	}
}

// CleanupStale removes labelled containers left behind by a previous
// process.
func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.Lock()
	activeIDs := maps.Clone(m.active)
	m.mu.Unlock()

	for _, c := range containers {
		if _, ok := activeIDs[c.ID]; !ok {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (m *Manager) Close() error {
	return m.docker.Close()
}

func buildEnv(agentName, task, workdir string, extra map[string]string) []string {
	env := []string{
		"SAAT_AGENT=" + agentName,
		"SAAT_TASK=" + task,
		"SAAT_REQUEST=" + filepath.ToSlash(filepath.Join(workdir, requestFile)),
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}

// requestArchive packs req as <workdir>/request.json into a tar stream
// rooted at "/".
func requestArchive(workdir string, req Request) (io.ReadCloser, func(), error) {
	dir, err := os.MkdirTemp("", "saat-request-")
	if err != nil {
		return nil, nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	rel := strings.TrimPrefix(filepath.Clean("/"+workdir), "/")
	target := filepath.Join(dir, rel)
	if err := os.MkdirAll(target, 0o755); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create request dir: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(target, requestFile), data, 0o644); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("write request: %w", err)
	}

	rc, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("archive request: %w", err)
	}
	return rc, func() { rc.Close(); cleanup() }, nil
}

// parseResult decodes the last non-empty stdout line as an agent.Result.
func parseResult(stdout []byte) (*agent.Result, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, fmt.Errorf("agent produced no output")
	}
	var res agent.Result
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return nil, fmt.Errorf("decode agent result: %w", err)
	}
	return &res, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
