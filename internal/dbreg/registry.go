package dbreg

import "fmt"

// Registry is the process-wide mapping from logical database name to pool.
// A sentinel name "default" must exist once Open returns.
type Registry struct {
	pools map[string]*Pool
}

// Open builds every pool named in cfgs and returns the registry, or the
// first error encountered. cfgs is walked in map order, so when several
// entries fail, which error is returned is not defined.
func Open(cfgs map[string]PoolConfig) (*Registry, error) {
	if _, ok := cfgs[DefaultName]; !ok {
		return nil, fmt.Errorf("dbreg: configuration must define a %q database", DefaultName)
	}

	r := &Registry{pools: make(map[string]*Pool, len(cfgs))}
	for name, cfg := range cfgs {
		pool, err := NewPool(name, cfg)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.pools[name] = pool
	}
	return r, nil
}

// Get resolves a pool by logical name.
func (r *Registry) Get(name string) (*Pool, error) {
	pool, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatabase, name)
	}
	return pool, nil
}

// Default returns the pool registered under the sentinel "default" name.
func (r *Registry) Default() *Pool {
	return r.pools[DefaultName]
}

// Names returns every registered logical database name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

// Close closes every pool in the registry, collecting no error (best
// effort, called during process shutdown).
func (r *Registry) Close() {
	for _, pool := range r.pools {
		_ = pool.Close()
	}
}
