package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"fleetsim/internal/config"
	"fleetsim/internal/docker"
	"fleetsim/internal/keystore"
	"fleetsim/internal/model"
	"fleetsim/internal/topology"
)

// fakeRuntime simulates the instance runtime in memory: container states,
// networks with attachments, and files copied into each instance.
type fakeRuntime struct {
	containers map[string]string
	specs      map[string]docker.ContainerSpec
	networks   map[string]map[string]bool
	files      map[string]map[string]string
	failOn     map[string]error
	nextID     int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: map[string]string{},
		specs:      map[string]docker.ContainerSpec{},
		networks:   map[string]map[string]bool{},
		files:      map[string]map[string]string{},
		failOn:     map[string]error{},
	}
}

func (f *fakeRuntime) fail(op string) error { return f.failOn[op] }

func (f *fakeRuntime) CreateContainer(spec docker.ContainerSpec) (string, error) {
	if err := f.fail("create " + spec.Name); err != nil {
		return "", err
	}
	f.containers[spec.Name] = "created"
	f.specs[spec.Name] = spec
	f.files[spec.Name] = map[string]string{}
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID), nil
}

func (f *fakeRuntime) StartContainer(name string) error {
	if err := f.fail("start " + name); err != nil {
		return err
	}
	f.containers[name] = "running"
	return nil
}

func (f *fakeRuntime) StopContainer(name string, timeoutSec int) error {
	if err := f.fail("stop " + name); err != nil {
		return err
	}
	f.containers[name] = "exited"
	return nil
}

func (f *fakeRuntime) RemoveContainer(name string, force bool) error {
	if err := f.fail("rm " + name); err != nil {
		return err
	}
	delete(f.containers, name)
	delete(f.files, name)
	for _, attached := range f.networks {
		delete(attached, name)
	}
	return nil
}

func (f *fakeRuntime) CopyInto(instance, hostPath, instPath string) error {
	if err := f.fail("cp " + instance + ":" + instPath); err != nil {
		return err
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	if f.files[instance] == nil {
		f.files[instance] = map[string]string{}
	}
	f.files[instance][instPath] = string(data)
	return nil
}

func (f *fakeRuntime) Inspect(name string) (string, error) {
	state, ok := f.containers[name]
	if !ok {
		return "", errors.New("No such container: " + name)
	}
	return state, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, name string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("starting\n")), nil
}

func (f *fakeRuntime) CreateNetwork(name string) error {
	if err := f.fail("network create " + name); err != nil {
		return err
	}
	if _, ok := f.networks[name]; !ok {
		f.networks[name] = map[string]bool{}
	}
	return nil
}

func (f *fakeRuntime) RemoveNetwork(name string) error {
	if err := f.fail("network rm " + name); err != nil {
		return err
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeRuntime) ConnectNetwork(network, container string) error {
	if err := f.fail("network connect " + network + " " + container); err != nil {
		return err
	}
	f.networks[network][container] = true
	return nil
}

func (f *fakeRuntime) DisconnectNetwork(network, container string) error {
	if attached, ok := f.networks[network]; ok {
		delete(attached, container)
	}
	return nil
}

var _ Runtime = (*fakeRuntime)(nil)

func newSession(t *testing.T, rt Runtime) *Session {
	t.Helper()
	cfg := config.Default()
	cfg.KeyDir = t.TempDir()
	s, err := NewSession(cfg, rt, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *Session, name, role string) {
	t.Helper()
	if err := s.Create(name, role); err != nil {
		t.Fatalf("Create %s %s: %v", name, role, err)
	}
}

func mustUp(t *testing.T, s *Session, name string) {
	t.Helper()
	started, err := s.Up(name, nil)
	if err != nil {
		t.Fatalf("Up %s: %v", name, err)
	}
	if !started {
		t.Fatalf("Up %s: unexpected no-op", name)
	}
}

func TestCreate_DuplicateIdentity(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	mustCreate(t, s, "alice", "drone")
	if err := s.Create("alice", "inspector"); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("err=%v", err)
	}
}

func TestCreate_UnknownRole(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	if err := s.Create("alice", "pilot"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("err=%v", err)
	}
	if len(s.Names()) != 0 {
		t.Fatalf("names=%v", s.Names())
	}
}

func TestCreate_RelayHasNoKeypair(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "hop1", "node")
	if s.Keys().Has("hop1") {
		t.Fatalf("relay got a keypair")
	}
	// No private key was injected either.
	if len(rt.files["fleet-hop1"]) != 0 {
		t.Fatalf("files=%v", rt.files["fleet-hop1"])
	}
}

func TestCreate_KeyedRoleGetsPrivateKey(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "alice", "drone")
	key, ok := rt.files["fleet-alice"]["/keys/alice.pem"]
	if !ok {
		t.Fatalf("private key not injected: %v", rt.files["fleet-alice"])
	}
	if !strings.Contains(key, "RSA PRIVATE KEY") {
		t.Fatalf("injected material is not a private key PEM")
	}
}

func TestCreate_EntrypointExportsGroupsDescriptor(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "alice", "drone")
	mustCreate(t, s, "hop1", "node")

	// The fleet application reads TCDICN_GROUPS and exits without it, so a
	// keyed role must run behind a shell that defines it from the staged
	// descriptor before exec. The variable itself cannot be baked in at
	// create time.
	spec := rt.specs["fleet-alice"]
	if _, ok := spec.Env["TCDICN_GROUPS"]; ok {
		t.Fatalf("descriptor frozen into create-time env: %v", spec.Env)
	}
	if len(spec.Cmd) != 3 || spec.Cmd[0] != "sh" || spec.Cmd[1] != "-c" {
		t.Fatalf("cmd=%v", spec.Cmd)
	}
	for _, want := range []string{
		`export TCDICN_GROUPS="$(cat /keys/groups)"`,
		"exec python3 applications/drone.py",
	} {
		if !strings.Contains(spec.Cmd[2], want) {
			t.Fatalf("cmd missing %q: %q", want, spec.Cmd[2])
		}
	}
	if spec.Env["TCDICN_ID"] != "alice" || spec.Env["TCDICN_KEYFILE"] != "/keys/alice.pem" {
		t.Fatalf("env=%v", spec.Env)
	}

	// Relays have no descriptor to export and run their entry point as is.
	relay := rt.specs["fleet-hop1"]
	if !reflect.DeepEqual(relay.Cmd, []string{"python3", "applications/node.py"}) {
		t.Fatalf("relay cmd=%v", relay.Cmd)
	}
}

func TestCreate_RuntimeFailureRollsBack(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	rt.failOn["create fleet-alice"] = errors.New("image missing")
	s := newSession(t, rt)

	err := s.Create("alice", "drone")
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("err=%v", err)
	}
	if len(s.Names()) != 0 {
		t.Fatalf("identity leaked: %v", s.Names())
	}
	if s.Keys().Has("alice") {
		t.Fatalf("keys leaked after failed create")
	}
}

func TestCreate_KeyInjectFailureRollsBack(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	rt.failOn["cp fleet-alice:/keys/alice.pem"] = errors.New("cp failed")
	s := newSession(t, rt)

	if err := s.Create("alice", "drone"); err == nil {
		t.Fatalf("expected error")
	}
	if len(s.Names()) != 0 || s.Keys().Has("alice") {
		t.Fatalf("partial state survived failed create")
	}
	if _, ok := rt.containers["fleet-alice"]; ok {
		t.Fatalf("container survived failed create")
	}
}

func TestUp_IdempotentWhileRunning(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	mustCreate(t, s, "alice", "drone")
	mustUp(t, s, "alice")

	started, err := s.Up("alice", nil)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if started {
		t.Fatalf("second Up was not a no-op")
	}
	n, _ := s.Identity("alice")
	if n.State != model.StateRunning {
		t.Fatalf("state=%v", n.State)
	}
}

func TestDown_NoOpWhenNotRunning(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	mustCreate(t, s, "alice", "drone")
	stopped, err := s.Down("alice")
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if stopped {
		t.Fatalf("Down on created node was not a no-op")
	}
}

func TestUpDownUp_PreservesIdentityAndKeys(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	mustCreate(t, s, "ctrl", "controller")
	before, err := s.Keys().PublicKeyOf("ctrl")
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}

	mustUp(t, s, "ctrl")
	if stopped, err := s.Down("ctrl"); err != nil || !stopped {
		t.Fatalf("Down: stopped=%v err=%v", stopped, err)
	}
	mustUp(t, s, "ctrl")

	after, err := s.Keys().PublicKeyOf("ctrl")
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("keypair regenerated across stop/start cycle")
	}
	n, _ := s.Identity("ctrl")
	if n.State != model.StateRunning {
		t.Fatalf("state=%v", n.State)
	}
}

func TestCatchUpDistribution(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)

	// A exists before any edge; B must still receive A's public key when it
	// starts later.
	mustCreate(t, s, "A", "drone")
	mustCreate(t, s, "B", "inspector")
	if err := s.Connect("A", "B"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mustUp(t, s, "A")
	mustUp(t, s, "B")

	for _, n := range []string{"A", "B"} {
		if rt.containers["fleet-"+n] != "running" {
			t.Fatalf("%s not running: %v", n, rt.containers)
		}
	}
	pub, ok := rt.files["fleet-B"]["/keys/A.pub.pem"]
	if !ok {
		t.Fatalf("B did not receive A's public key: %v", rt.files["fleet-B"])
	}
	if !strings.Contains(pub, "PUBLIC KEY") {
		t.Fatalf("distributed material is not a public key PEM")
	}
	if _, ok := rt.files["fleet-B"]["/keys/B.pem"]; !ok {
		t.Fatalf("B lost its own private key")
	}
	// Never the other way: private keys stay with their owner.
	if _, ok := rt.files["fleet-B"]["/keys/A.pem"]; ok {
		t.Fatalf("A's private key leaked to B")
	}
}

func TestUp_DistributionFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "A", "drone")
	mustCreate(t, s, "B", "inspector")

	rt.failOn["cp fleet-B:/keys/A.pub.pem"] = errors.New("cp failed")
	_, err := s.Up("B", nil)
	var derr *keystore.DistributionError
	if !errors.As(err, &derr) {
		t.Fatalf("err=%v", err)
	}
	n, _ := s.Identity("B")
	if n.State != model.StateCreated {
		t.Fatalf("state=%v", n.State)
	}
	if rt.containers["fleet-B"] == "running" {
		t.Fatalf("instance started despite failed distribution")
	}
}

func TestUp_GroupsDescriptorPlaced(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "alice", "drone")
	mustCreate(t, s, "bob", "controller")

	ms := []model.Membership{{Group: "fleet", Peers: []string{"bob"}}}
	if started, err := s.Up("alice", ms); err != nil || !started {
		t.Fatalf("Up: started=%v err=%v", started, err)
	}
	desc := rt.files["fleet-alice"]["/keys/groups"]
	if desc != "fleet:/keys/bob.pub.pem\n" {
		t.Fatalf("descriptor=%q", desc)
	}
}

func TestUp_NoMembershipsStillDefineDescriptor(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "alice", "drone")
	mustUp(t, s, "alice")

	// An up without memberships still stages an (empty) descriptor so the
	// application's TCDICN_GROUPS is defined when it starts.
	desc, ok := rt.files["fleet-alice"]["/keys/groups"]
	if !ok {
		t.Fatalf("descriptor not staged: %v", rt.files["fleet-alice"])
	}
	if desc != "\n" {
		t.Fatalf("descriptor=%q", desc)
	}
}

func TestUp_GroupsDistributionPolicy(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	cfg := config.Default()
	cfg.KeyDir = t.TempDir()
	cfg.KeyDistribution = config.DistributeGroups
	s, err := NewSession(cfg, rt, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	mustCreate(t, s, "alice", "drone")
	mustCreate(t, s, "bob", "controller")
	mustCreate(t, s, "carol", "inspector")

	ms := []model.Membership{{Group: "fleet", Peers: []string{"bob"}}}
	if started, err := s.Up("alice", ms); err != nil || !started {
		t.Fatalf("Up: started=%v err=%v", started, err)
	}
	if _, ok := rt.files["fleet-alice"]["/keys/bob.pub.pem"]; !ok {
		t.Fatalf("membership peer key missing: %v", rt.files["fleet-alice"])
	}
	if _, ok := rt.files["fleet-alice"]["/keys/carol.pub.pem"]; ok {
		t.Fatalf("minimal policy copied a non-membership key")
	}
}

func TestRemove_RunningIsInvalidState(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	mustCreate(t, s, "alice", "drone")
	mustUp(t, s, "alice")
	if err := s.Remove("alice"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err=%v", err)
	}
}

func TestRemove_CascadesEdgesAndKeys(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "a", "drone")
	mustCreate(t, s, "b", "inspector")
	if err := s.Connect("a", "b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Keys().Has("a") {
		t.Fatalf("keys survived removal")
	}
	if len(rt.networks) != 0 {
		t.Fatalf("link network survived removal: %v", rt.networks)
	}
	// b no longer sees a, and a is gone for every subsequent command.
	if view, err := s.View("b"); err != nil || strings.Contains(view, "- a") {
		t.Fatalf("view=%q err=%v", view, err)
	}
	if err := s.Connect("a", "b"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("connect err=%v", err)
	}
	if _, err := s.Up("a", nil); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("up err=%v", err)
	}
	if err := s.Remove("a"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("remove err=%v", err)
	}
}

func TestConnect_DuplicateAndRoundTrip(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "a", "drone")
	mustCreate(t, s, "b", "drone")

	if err := s.Connect("a", "b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect("b", "a"); !errors.Is(err, topology.ErrEdgeExists) {
		t.Fatalf("err=%v", err)
	}
	if len(rt.networks) != 1 {
		t.Fatalf("networks=%v", rt.networks)
	}

	if err := s.Disconnect("a", "b"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if len(rt.networks) != 0 {
		t.Fatalf("networks=%v", rt.networks)
	}
	if err := s.Disconnect("a", "b"); !errors.Is(err, topology.ErrNoSuchEdge) {
		t.Fatalf("err=%v", err)
	}
}

func TestConnect_AttachFailureRollsBack(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	mustCreate(t, s, "a", "drone")
	mustCreate(t, s, "b", "drone")

	rt.failOn["network connect fleet-net-a--b fleet-b"] = errors.New("attach failed")
	if err := s.Connect("a", "b"); err == nil {
		t.Fatalf("expected error")
	}
	if len(rt.networks) != 0 {
		t.Fatalf("half-built network survived: %v", rt.networks)
	}
	// Edge rolled back, so a retry succeeds once the runtime recovers.
	delete(rt.failOn, "network connect fleet-net-a--b fleet-b")
	if err := s.Connect("b", "a"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestView(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	mustCreate(t, s, "alice", "drone")
	mustCreate(t, s, "bob", "node")
	if err := s.Connect("alice", "bob"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	view, err := s.View("alice")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	for _, want := range []string{"role: drone", "state: created", "keypair: true", "- bob"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if _, err := s.View("ghost"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("err=%v", err)
	}
}

func TestCleanup_DrainsEverythingDespiteFailures(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	s := newSession(t, rt)
	for i, role := range []string{"drone", "inspector", "controller"} {
		mustCreate(t, s, fmt.Sprintf("n%d", i), role)
	}
	if err := s.Connect("n0", "n1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect("n1", "n2"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	mustUp(t, s, "n0")

	rt.failOn["rm fleet-n1"] = errors.New("busy")
	keyDir := s.Keys().Dir()

	failures := s.Cleanup()
	if failures != 1 {
		t.Fatalf("failures=%d", failures)
	}
	if len(s.Names()) != 0 {
		t.Fatalf("identities survived cleanup: %v", s.Names())
	}
	if len(rt.networks) != 0 {
		t.Fatalf("networks survived cleanup: %v", rt.networks)
	}
	if len(s.Keys().Names()) != 0 {
		t.Fatalf("keys survived cleanup")
	}
	if _, err := os.Stat(keyDir); !os.IsNotExist(err) {
		t.Fatalf("key dir survived cleanup")
	}
}

func TestUniqueNamesAcrossCreateRemove(t *testing.T) {
	t.Parallel()

	s := newSession(t, newFakeRuntime())
	mustCreate(t, s, "alice", "drone")
	if err := s.Create("alice", "drone"); !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("err=%v", err)
	}
	if err := s.Remove("alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Name becomes reusable once the identity is gone.
	mustCreate(t, s, "alice", "inspector")
	n, _ := s.Identity("alice")
	if n.Role != model.RoleInspector {
		t.Fatalf("role=%v", n.Role)
	}
}
