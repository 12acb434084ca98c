package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds native tools and protocol-adapter tools and resolves name
// collisions. It is constructed once at startup and mutated only by
// (un)registration calls triggered by tool-server connect/disconnect
// events.
type Registry struct {
	mu       sync.RWMutex
	native   map[string]Tool
	protocol map[string]Tool
	byServer map[string][]string // serverID -> registered names
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		native:   make(map[string]Tool),
		protocol: make(map[string]Tool),
		byServer: make(map[string][]string),
		logger:   logger.With(zap.String("component", "tool_registry")),
	}
}

// RegisterNative adds a native tool. Native names must be unique.
func (r *Registry) RegisterNative(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.native[name]; exists {
		return fmt.Errorf("native tool %q already registered", name)
	}
	if _, exists := r.protocol[name]; exists {
		return fmt.Errorf("tool name %q already taken by a protocol tool", name)
	}
	r.native[name] = t
	return nil
}

// RegisterProtocolTools inserts each tool under its name unless that name
// collides with a native tool or a tool from a different server; colliding
// tools register as serverID_name and have their advertised name rewritten
// so later lookups stay consistent.
func (r *Registry) RegisterProtocolTools(tools []Tool, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		name := t.Name()
		if r.collides(name, serverID) {
			renamed := serverID + "_" + name
			if rn, ok := t.(Renamable); ok {
				rn.Rename(renamed)
			}
			r.logger.Info("tool name collision, registering under server prefix",
				zap.String("server", serverID),
				zap.String("name", name),
				zap.String("renamed", renamed))
			name = renamed
		}
		r.protocol[name] = t
		r.byServer[serverID] = append(r.byServer[serverID], name)
	}
}

func (r *Registry) collides(name, serverID string) bool {
	if _, ok := r.native[name]; ok {
		return true
	}
	if _, ok := r.protocol[name]; !ok {
		return false
	}
	// Same name from the same server replaces itself; a different server
	// collides.
	for _, n := range r.byServer[serverID] {
		if n == name {
			return false
		}
	}
	return true
}

// UnregisterServerTools removes exactly the tools previously attributed to
// the server.
func (r *Registry) UnregisterServerTools(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.byServer[serverID] {
		delete(r.protocol, name)
	}
	delete(r.byServer, serverID)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.native[name]; ok {
		return t, true
	}
	t, ok := r.protocol[name]
	return t, ok
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// All enumerates every registered tool, sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.native)+len(r.protocol))
	for _, t := range r.native {
		out = append(out, t)
	}
	for _, t := range r.protocol {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Catalog renders the tool list as prompt text.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, t := range r.All() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
	}
	return b.String()
}
