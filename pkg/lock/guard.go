package lock

// ReadGuard holds read locks until released. Release is idempotent, so the
// guard can be released early and still deferred.
type ReadGuard struct {
	manager *Manager
	keys    []Key
}

// Keys returns the sorted set of keys the guard holds.
func (g *ReadGuard) Keys() []Key {
	return g.keys
}

// Release drops the guard's read locks.
func (g *ReadGuard) Release() {
	if g.manager == nil {
		return
	}
	g.manager.releaseKeys(g.keys, stateReadLock)
	g.manager = nil
}

// WriteGuard holds write locks until released. Release is idempotent.
type WriteGuard struct {
	manager *Manager
	keys    []Key
}

// Keys returns the sorted set of keys the guard holds.
func (g *WriteGuard) Keys() []Key {
	return g.keys
}

// Release drops the guard's write locks.
func (g *WriteGuard) Release() {
	if g.manager == nil {
		return
	}
	g.manager.releaseKeys(g.keys, stateWriteLock)
	g.manager = nil
}
