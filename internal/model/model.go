package model

import (
	"fmt"
	"strings"
)

// Role selects which application entry point an instance runs.
type Role string

const (
	RoleController Role = "controller"
	RoleDrone      Role = "drone"
	RoleInspector  Role = "inspector"
	// RoleRelay is a plain store-and-forward node. It holds no key material
	// and does not participate in the fleet's message-authentication scheme.
	RoleRelay Role = "node"
)

// ParseRole maps an operator-supplied role token to a Role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleController, RoleDrone, RoleInspector, RoleRelay:
		return Role(s), true
	}
	return "", false
}

// Keyed reports whether instances of this role own a keypair.
func (r Role) Keyed() bool {
	return r != RoleRelay
}

// State is the lifecycle state of an identity.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Identity is a named, role-tagged simulated fleet participant.
// The name is chosen by the operator at create time and never changes.
type Identity struct {
	Name        string
	Role        Role
	State       State
	ContainerID string
}

// Membership is one group the operator asked a starting node to join,
// together with the peers whose public keys identify that group. The
// orchestrator passes it through to the instance; it never interprets it.
type Membership struct {
	Group string
	Peers []string
}

// ParseMembership parses a "group:peer[,peer...]" token.
func ParseMembership(token string) (Membership, error) {
	group, peers, ok := strings.Cut(token, ":")
	if !ok || group == "" || peers == "" {
		return Membership{}, fmt.Errorf("malformed group membership %q (want group:peer[,peer...])", token)
	}
	m := Membership{Group: group}
	for _, peer := range strings.Split(peers, ",") {
		if peer == "" {
			return Membership{}, fmt.Errorf("malformed group membership %q: empty peer name", token)
		}
		m.Peers = append(m.Peers, peer)
	}
	return m, nil
}

// RenderGroups renders memberships into the descriptor the fleet applications
// expect: "GROUP1:KEY1,KEY2 GROUP2:KEY3". pathOf maps a peer name to the
// public-key path visible inside the instance.
func RenderGroups(ms []Membership, pathOf func(peer string) string) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		paths := make([]string, 0, len(m.Peers))
		for _, peer := range m.Peers {
			paths = append(paths, pathOf(peer))
		}
		parts = append(parts, m.Group+":"+strings.Join(paths, ","))
	}
	return strings.Join(parts, " ")
}
