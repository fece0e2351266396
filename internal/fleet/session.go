package fleet

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"fleetsim/internal/config"
	"fleetsim/internal/docker"
	"fleetsim/internal/keystore"
	"fleetsim/internal/model"
	"fleetsim/internal/topology"
)

// Runtime is the external instance runtime the session drives. docker.Manager
// is the real implementation; tests inject an in-memory fake.
type Runtime interface {
	CreateContainer(spec docker.ContainerSpec) (string, error)
	StartContainer(name string) error
	StopContainer(name string, timeoutSec int) error
	RemoveContainer(name string, force bool) error
	CopyInto(instance, hostPath, instPath string) error
	Inspect(name string) (string, error)
	Logs(ctx context.Context, name string) (io.ReadCloser, error)
	CreateNetwork(name string) error
	RemoveNetwork(name string) error
	ConnectNetwork(network, container string) error
	DisconnectNetwork(network, container string) error
}

// instKeyDir is where instances find their key material and group descriptor.
const instKeyDir = "/keys"

// groupsFile holds the membership descriptor the entrypoint exports as
// TCDICN_GROUPS before handing off to the fleet application.
const groupsFile = instKeyDir + "/groups"

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Session owns every identity, keypair, and topology edge created since the
// orchestrator started. All mutation happens on the single command loop
// thread; no locking is required.
type Session struct {
	cfg   config.Config
	id    string
	rt    Runtime
	keys  *keystore.Store
	topo  *topology.Graph
	nodes map[string]*model.Identity
	log   zerolog.Logger
}

// NewSession builds an empty session. If cfg.KeyDir is unset, key material
// lives in a per-session temp directory removed at cleanup.
func NewSession(cfg config.Config, rt Runtime, logger zerolog.Logger) (*Session, error) {
	id := strings.Split(uuid.NewString(), "-")[0]
	dir := cfg.KeyDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "fleetsim-"+id)
	}
	keys, err := keystore.New(dir)
	if err != nil {
		return nil, fmt.Errorf("key store: %w", err)
	}
	return &Session{
		cfg:   cfg,
		id:    id,
		rt:    rt,
		keys:  keys,
		topo:  topology.New(),
		nodes: map[string]*model.Identity{},
		log:   logger,
	}, nil
}

// ID returns the session identifier used to label runtime resources.
func (s *Session) ID() string { return s.id }

// Names returns every live identity name, sorted.
func (s *Session) Names() []string {
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity returns the live identity for name.
func (s *Session) Identity(name string) (model.Identity, error) {
	n, ok := s.nodes[name]
	if !ok {
		return model.Identity{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	return *n, nil
}

// Keys exposes the session's key store.
func (s *Session) Keys() *keystore.Store { return s.keys }

func (s *Session) containerName(name string) string {
	return s.cfg.NamePrefix + "-" + name
}

func (s *Session) networkName(e topology.Edge) string {
	return s.cfg.NamePrefix + "-net-" + e.A + "--" + e.B
}

// Create allocates an instance for a new identity. Non-relay roles get a
// fresh keypair whose private half is injected into the instance. Any
// failure rolls back completely: no instance and no keys remain registered.
func (s *Session) Create(name, roleStr string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid name %q: letters, digits, - and _ only", name)
	}
	if _, ok := s.nodes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, name)
	}
	role, ok := model.ParseRole(roleStr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, roleStr)
	}

	if role.Keyed() {
		if err := s.keys.Generate(name); err != nil {
			return err
		}
	}

	env := map[string]string{
		"TCDICN_ID":        name,
		"TCDICN_VERBOSITY": s.cfg.Verbosity,
	}
	if role.Keyed() {
		env["TCDICN_KEYFILE"] = instKeyDir + "/" + name + ".pem"
	}
	for k, v := range s.cfg.ExtraEnv {
		env[k] = v
	}

	// The fleet applications read their group descriptor from TCDICN_GROUPS
	// and refuse to start without it. Docker fixes the environment at create
	// time but memberships only arrive at up time, so keyed roles run behind
	// a shell that exports the staged descriptor file just before exec.
	cmd := strings.Fields(s.cfg.EntrypointFor(role))
	if role.Keyed() {
		cmd = []string{"sh", "-c",
			`export TCDICN_GROUPS="$(cat ` + groupsFile + `)"; exec ` + s.cfg.EntrypointFor(role)}
	}

	cname := s.containerName(name)
	id, err := s.rt.CreateContainer(docker.ContainerSpec{
		Name:  cname,
		Image: s.cfg.Image,
		Cmd:   cmd,
		Env:   env,
		Labels: map[string]string{
			"fleetsim.session": s.id,
			"fleetsim.node":    name,
			"fleetsim.role":    string(role),
		},
	})
	if err != nil {
		_ = s.keys.Revoke(name)
		return runtimeErr(err, "create %s", name)
	}

	if role.Keyed() {
		dst := instKeyDir + "/" + name + ".pem"
		if err := s.rt.CopyInto(cname, s.keys.PrivateKeyPath(name), dst); err != nil {
			_ = s.rt.RemoveContainer(cname, true)
			_ = s.keys.Revoke(name)
			return runtimeErr(err, "inject private key into %s", name)
		}
	}

	s.nodes[name] = &model.Identity{Name: name, Role: role, State: model.StateCreated, ContainerID: id}
	s.topo.AddVertex(name)
	s.log.Info().Str("node", name).Str("role", string(role)).Msg("identity created")
	return nil
}

// Up starts an instance. Before the process runs, the node is caught up with
// the public keys it may need at runtime and the group membership descriptor
// is placed in its configuration. Returns false when the node was already
// running (a warning, not a failure). State is unchanged on any failure.
func (s *Session) Up(name string, memberships []model.Membership) (bool, error) {
	n, ok := s.nodes[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	if n.State == model.StateRunning {
		return false, nil
	}

	cname := s.containerName(name)
	if n.Role.Keyed() {
		peers := s.distributionPeers(name, memberships)
		if err := s.keys.DistributeTo(cname, instKeyDir, peers, s.rt); err != nil {
			return false, err
		}
		// Always staged, even with no memberships: the application's
		// TCDICN_GROUPS must be defined (possibly empty) when it starts.
		if err := s.placeGroupsFile(cname, memberships); err != nil {
			return false, err
		}
	}

	if err := s.rt.StartContainer(cname); err != nil {
		return false, runtimeErr(err, "start %s", name)
	}
	n.State = model.StateRunning
	s.log.Info().Str("node", name).Msg("instance running")
	return true, nil
}

// distributionPeers picks which public keys to copy at up-time: every key
// generated so far, or just the membership subset under the "groups" policy.
func (s *Session) distributionPeers(name string, memberships []model.Membership) []string {
	if s.cfg.KeyDistribution == config.DistributeGroups {
		seen := map[string]bool{}
		var peers []string
		for _, m := range memberships {
			for _, peer := range m.Peers {
				if peer != name && !seen[peer] {
					seen[peer] = true
					peers = append(peers, peer)
				}
			}
		}
		sort.Strings(peers)
		return peers
	}

	var peers []string
	for _, peer := range s.keys.Names() {
		if peer != name {
			peers = append(peers, peer)
		}
	}
	return peers
}

// placeGroupsFile renders the membership descriptor (peer names expanded to
// in-instance public-key paths) and copies it into the instance. The
// descriptor is pass-through configuration; the orchestrator does not
// interpret it.
func (s *Session) placeGroupsFile(cname string, memberships []model.Membership) error {
	desc := model.RenderGroups(memberships, func(peer string) string {
		return instKeyDir + "/" + peer + ".pub.pem"
	})
	tmp, err := os.CreateTemp("", "fleetsim-groups-*")
	if err != nil {
		return runtimeErr(err, "write groups descriptor for %s", cname)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.WriteString(desc + "\n"); err != nil {
		_ = tmp.Close()
		return runtimeErr(err, "write groups descriptor for %s", cname)
	}
	if err := tmp.Close(); err != nil {
		return runtimeErr(err, "write groups descriptor for %s", cname)
	}
	if err := s.rt.CopyInto(cname, tmp.Name(), groupsFile); err != nil {
		return runtimeErr(err, "place groups descriptor in %s", cname)
	}
	return nil
}

// Down stops a running instance, retaining its keys and edges for a later
// Up. Returns false when the node was not running (a warning, not a
// failure). State is unchanged on failure.
func (s *Session) Down(name string) (bool, error) {
	n, ok := s.nodes[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	if n.State != model.StateRunning {
		return false, nil
	}
	if err := s.rt.StopContainer(s.containerName(name), s.cfg.StopTimeoutSec); err != nil {
		return false, runtimeErr(err, "stop %s", name)
	}
	n.State = model.StateStopped
	s.log.Info().Str("node", name).Msg("instance stopped")
	return true, nil
}

// Remove deletes an identity: its instance, then (cascading) every edge
// touching it and its key material. Running nodes must be brought down
// first. After the instance removal succeeds the cascade is best-effort on
// the runtime side but unconditional on session state, so no orphan edge is
// observable by a later command.
func (s *Session) Remove(name string) error {
	n, ok := s.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	if n.State == model.StateRunning {
		return fmt.Errorf("%w: %s is running, bring it down first", ErrInvalidState, name)
	}

	cname := s.containerName(name)
	if err := s.rt.RemoveContainer(cname, false); err != nil {
		return runtimeErr(err, "remove %s", name)
	}

	for _, e := range s.topo.RemoveVertex(name) {
		net := s.networkName(e)
		if err := s.rt.DisconnectNetwork(net, s.containerName(e.Other(name))); err != nil {
			s.log.Warn().Str("network", net).Err(err).Msg("detach peer during removal")
		}
		if err := s.rt.RemoveNetwork(net); err != nil {
			s.log.Warn().Str("network", net).Err(err).Msg("remove link network")
		}
	}
	_ = s.keys.Revoke(name)
	n.State = model.StateRemoved
	delete(s.nodes, name)
	s.log.Info().Str("node", name).Msg("identity removed")
	return nil
}

// Connect adds a simulated direct link between two identities, backed by one
// container network joined by both instances. On a partial runtime failure
// the edge is rolled back so graph and runtime state stay consistent.
func (s *Session) Connect(a, b string) error {
	for _, name := range []string{a, b} {
		if _, ok := s.nodes[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
		}
	}
	if err := s.topo.Connect(a, b); err != nil {
		return err
	}

	net := s.networkName(topology.NewEdge(a, b))
	if err := s.rt.CreateNetwork(net); err != nil {
		_ = s.topo.Disconnect(a, b)
		return runtimeErr(err, "create link network %s", net)
	}
	for i, name := range []string{a, b} {
		if err := s.rt.ConnectNetwork(net, s.containerName(name)); err != nil {
			if i == 1 {
				_ = s.rt.DisconnectNetwork(net, s.containerName(a))
			}
			_ = s.rt.RemoveNetwork(net)
			_ = s.topo.Disconnect(a, b)
			return runtimeErr(err, "attach %s to %s", name, net)
		}
	}
	s.log.Info().Str("a", a).Str("b", b).Msg("link connected")
	return nil
}

// Disconnect removes the link between two identities. The graph is updated
// first; runtime teardown failures are reported but do not resurrect the
// edge.
func (s *Session) Disconnect(a, b string) error {
	for _, name := range []string{a, b} {
		if _, ok := s.nodes[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
		}
	}
	if err := s.topo.Disconnect(a, b); err != nil {
		return err
	}

	net := s.networkName(topology.NewEdge(a, b))
	var firstErr error
	for _, name := range []string{a, b} {
		if err := s.rt.DisconnectNetwork(net, s.containerName(name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.rt.RemoveNetwork(net); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return runtimeErr(firstErr, "tear down link network %s", net)
	}
	s.log.Info().Str("a", a).Str("b", b).Msg("link disconnected")
	return nil
}

type viewInfo struct {
	Name      string   `yaml:"name"`
	Role      string   `yaml:"role"`
	State     string   `yaml:"state"`
	Container string   `yaml:"container"`
	Status    string   `yaml:"status,omitempty"`
	Keypair   bool     `yaml:"keypair"`
	Peers     []string `yaml:"peers"`
}

// View renders an identity summary: role, lifecycle state, connected peers,
// keypair presence and the runtime's own view of the instance.
func (s *Session) View(name string) (string, error) {
	n, ok := s.nodes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	info := viewInfo{
		Name:      n.Name,
		Role:      string(n.Role),
		State:     n.State.String(),
		Container: s.containerName(name),
		Keypair:   s.keys.Has(name),
		Peers:     s.topo.Peers(name),
	}
	if status, err := s.rt.Inspect(s.containerName(name)); err == nil {
		info.Status = status
	}
	out, err := yaml.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Logs follows an instance's output until ctx is cancelled.
func (s *Session) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	if _, ok := s.nodes[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, name)
	}
	return s.rt.Logs(ctx, s.containerName(name))
}

// Cleanup tears down everything created this session: every instance, every
// link network and the key directory. Best-effort throughout; each failure
// is logged and counted, none stops the rest.
func (s *Session) Cleanup() int {
	failures := 0

	for _, name := range s.Names() {
		n := s.nodes[name]
		cname := s.containerName(name)
		if n.State == model.StateRunning {
			if err := s.rt.StopContainer(cname, s.cfg.StopTimeoutSec); err != nil {
				s.log.Warn().Str("node", name).Err(err).Msg("cleanup: stop")
			}
		}
		if err := s.rt.RemoveContainer(cname, true); err != nil {
			s.log.Warn().Str("node", name).Err(err).Msg("cleanup: remove instance")
			failures++
		}
		delete(s.nodes, name)
	}

	for _, e := range s.topo.Edges() {
		net := s.networkName(e)
		if err := s.rt.RemoveNetwork(net); err != nil {
			s.log.Warn().Str("network", net).Err(err).Msg("cleanup: remove link network")
			failures++
		}
	}
	s.topo = topology.New()

	if err := s.keys.Purge(); err != nil {
		s.log.Warn().Err(err).Msg("cleanup: purge key material")
		failures++
	}

	s.log.Info().Int("failures", failures).Msg("session cleaned up")
	return failures
}
