package plan

// Role is the slice of a role definition the calculator needs to expand
// removals.
type Role struct {
	// Name identifies the role.
	Name string

	// Inherits are roles granted through the hierarchy.
	Inherits []string

	// Requires are roles the assignment pulls in as prerequisites.
	Requires []string

	// Permits are hard-permitted roles that follow the assignment.
	Permits []string
}

// RoleResolver looks up role definitions. A false return means the role
// no longer exists; the calculator treats that as nothing left to
// remediate.
type RoleResolver interface {
	Role(name string) (*Role, bool)
}

// RoleCache memoizes role lookups for one subject's calculation pass.
// It is caller-scoped: create one per subject (or call Reset between
// subjects) instead of sharing a global cache.
type RoleCache struct {
	fetch   func(name string) (*Role, bool)
	memo    map[string]*Role
	missing map[string]bool
}

// NewRoleCache creates a cache over fetch.
func NewRoleCache(fetch func(name string) (*Role, bool)) *RoleCache {
	cache := &RoleCache{fetch: fetch}
	cache.Reset()
	return cache
}

// Role implements RoleResolver.
func (c *RoleCache) Role(name string) (*Role, bool) {
	if role, ok := c.memo[name]; ok {
		return role, true
	}
	if c.missing[name] {
		return nil, false
	}
	role, ok := c.fetch(name)
	if !ok {
		c.missing[name] = true
		return nil, false
	}
	c.memo[name] = role
	return role, true
}

// Reset invalidates the cache when moving to the next subject.
func (c *RoleCache) Reset() {
	c.memo = make(map[string]*Role)
	c.missing = make(map[string]bool)
}

// StaticRoles is a RoleResolver over a fixed role set, used by tests
// and previews.
type StaticRoles map[string]*Role

// Role implements RoleResolver.
func (s StaticRoles) Role(name string) (*Role, bool) {
	role, ok := s[name]
	return role, ok
}

// expand walks inherited, required and hard-permitted roles from root,
// returning every reachable role name except root itself, in discovery
// order. Missing roles are skipped.
func expand(resolver RoleResolver, root string) []string {
	if resolver == nil {
		return nil
	}

	var result []string
	seen := map[string]bool{root: true}
	queue := []string{root}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		role, ok := resolver.Role(name)
		if !ok {
			continue
		}
		for _, related := range [][]string{role.Inherits, role.Requires, role.Permits} {
			for _, child := range related {
				if seen[child] {
					continue
				}
				seen[child] = true
				result = append(result, child)
				queue = append(queue, child)
			}
		}
	}

	return result
}
