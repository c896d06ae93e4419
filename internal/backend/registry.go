package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Service names used by the feature collaborators.
const (
	ServiceIAM       = "iam"
	ServiceAgreement = "agreement"
	ServiceSocial    = "social"
	ServicePlatform  = "platform"
	ServiceSession   = "session"
	ServiceLobby     = "lobby"
	ServiceDSM       = "dsm"
)

// ServiceInfo pairs a service name with the base path its caller serves.
type ServiceInfo struct {
	Name     string `json:"name"`
	BasePath string `json:"base_path"`
}

type entry struct {
	caller   Caller
	basePath string
}

// Registry holds registered service callers and resolves them by name.
type Registry struct {
	mu       sync.RWMutex
	services map[string]entry
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]entry),
	}
}

// Register adds a caller to the registry under the given service name.
// basePath is informational and reported by List.
func (r *Registry) Register(name, basePath string, c Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = entry{caller: c, basePath: basePath}
}

// Resolve returns the caller registered for name.
func (r *Registry) Resolve(name string) (Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("service %q is not registered", name)
	}
	return e.caller, nil
}

// List returns information about all registered services, sorted by name
// for a stable API response.
func (r *Registry) List() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ServiceInfo, 0, len(r.services))
	for name, e := range r.services {
		infos = append(infos, ServiceInfo{Name: name, BasePath: e.basePath})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
