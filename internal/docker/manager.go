package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"fleetsim/internal/execx"
)

// ContainerSpec describes an instance to allocate.
type ContainerSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    map[string]string
	Labels map[string]string
}

// Manager drives the docker CLI. It is injectable for unit tests.
type Manager struct {
	bin string
	r   execx.Runner
}

func NewManager(bin string, r execx.Runner) *Manager {
	if bin == "" {
		bin = "docker"
	}
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{bin: bin, r: r}
}

// CreateContainer allocates (but does not start) a container and returns its
// id. Env and labels are emitted in sorted order so invocations are
// deterministic.
func (m *Manager) CreateContainer(spec ContainerSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("container name is required")
	}
	if spec.Image == "" {
		return "", fmt.Errorf("image is required")
	}
	args := []string{"create", "--name", spec.Name}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return m.output(args...)
}

func (m *Manager) StartContainer(name string) error {
	return m.run("start", name)
}

// StopContainer stops a running container, waiting up to timeoutSec before
// the runtime kills it.
func (m *Manager) StopContainer(name string, timeoutSec int) error {
	if timeoutSec > 0 {
		return m.run("stop", "--time", strconv.Itoa(timeoutSec), name)
	}
	return m.run("stop", name)
}

// RemoveContainer deletes a container. Already-gone containers are treated
// as removed so teardown stays idempotent.
func (m *Manager) RemoveContainer(name string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	err := m.run(append(args, name)...)
	if err == nil || notFound(err) {
		return nil
	}
	return err
}

// CopyInto places a host file inside a container. Works on created and
// stopped containers as well as running ones.
func (m *Manager) CopyInto(instance, hostPath, instPath string) error {
	return m.run("cp", hostPath, instance+":"+instPath)
}

// Inspect returns the runtime's status line for a container.
func (m *Manager) Inspect(name string) (string, error) {
	return m.output("inspect", "--format", "{{.State.Status}}", name)
}

// Logs follows a container's output until ctx is cancelled. Streaming is
// read-only; cancelling it has no effect on the instance itself.
func (m *Manager) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	return m.r.Stream(ctx, m.bin, "logs", "--follow", name)
}

// CreateNetwork creates a bridge network for one simulated link. Creating an
// existing network is a no-op.
func (m *Manager) CreateNetwork(name string) error {
	err := m.run("network", "create", name)
	if err == nil || strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

// RemoveNetwork deletes a link network, tolerating ones already gone.
func (m *Manager) RemoveNetwork(name string) error {
	err := m.run("network", "rm", name)
	if err == nil || notFound(err) {
		return nil
	}
	return err
}

func (m *Manager) ConnectNetwork(network, container string) error {
	return m.run("network", "connect", network, container)
}

// DisconnectNetwork detaches a container from a link network. A container or
// network that is already gone counts as disconnected.
func (m *Manager) DisconnectNetwork(network, container string) error {
	err := m.run("network", "disconnect", "--force", network, container)
	if err == nil || notFound(err) {
		return nil
	}
	return err
}

func (m *Manager) run(args ...string) error {
	if m == nil || m.r == nil {
		return fmt.Errorf("runner not initialized")
	}
	return m.r.Run(m.bin, args...)
}

func (m *Manager) output(args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.Output(m.bin, args...)
}

func notFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such") || strings.Contains(msg, "not found")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
