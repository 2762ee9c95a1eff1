// Package domain contains the core entities of the rendezvous/relay fabric:
// instances, ID ranges and interaction states. It holds no behavior beyond
// small invariant checks — the stateful logic lives in registry and directory.
package domain

// Instance identifies one running process of the fabric: one (server, port)
// pair among potentially many sharing a host (sibling ports) and many hosts
// (peer servers).
type Instance struct {
	Server string
	Port   string
}

// Addr renders the instance coordinates as "server:port".
func (i Instance) Addr() string {
	return i.Server + ":" + i.Port
}

// IsZero reports whether the instance has no coordinates set.
func (i Instance) IsZero() bool {
	return i.Server == "" && i.Port == ""
}
