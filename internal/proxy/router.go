package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Router maps group names to their service chains
type Router struct {
	groups map[string]*Group
	mu     sync.RWMutex
}

// NewRouter creates a new Router
func NewRouter() *Router {
	return &Router{
		groups: make(map[string]*Group),
	}
}

// AddGroup registers a group
func (r *Router) AddGroup(g *Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.Name()] = g
}

// GetGroup returns the group with the given name
func (r *Router) GetGroup(name string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("group '%s' not found", name)
	}
	return g, nil
}

// GetGroupFromPath extracts the group name from a URL path and returns the group.
// Path format: /{groupName} or /{groupName}/
func (r *Router) GetGroupFromPath(path string) (*Group, error) {
	name := extractGroupName(path)
	if name == "" {
		return nil, fmt.Errorf("invalid path: group name is required")
	}
	return r.GetGroup(name)
}

// extractGroupName returns the first segment of a URL path.
// Examples:
//
//	/verify -> verify
//	/verify/ -> verify
//	/verify/some/path -> verify
func extractGroupName(path string) string {
	path = strings.TrimPrefix(path, "/")
	if idx := strings.Index(path, "/"); idx != -1 {
		path = path[:idx]
	}
	return path
}

// GetGroupNames returns all registered group names, sorted
func (r *Router) GetGroupNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogStats logs the counters of every group
func (r *Router) LogStats() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range r.groups {
		g.LogStats()
	}
}

// CloseAll shuts every group down concurrently
func (r *Router) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.RUnlock()

	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g *Group) {
			defer wg.Done()
			errs[i] = g.Close(ctx)
		}(i, g)
	}
	wg.Wait()
	return errors.Join(errs...)
}
