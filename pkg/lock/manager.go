package lock

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// lockState is the state of a lock entry, and doubles as the target a waiter
// is requesting. targetUpgrade only ever appears inside a waiter; an entry
// never rests in that state.
type lockState int

const (
	// stateReadLock - shared access, multiple holders allowed.
	stateReadLock lockState = iota

	// stateLocked - soft-exclusive: blocks other writers but still admits
	// readers. Held while a transaction accumulates mutations.
	stateLocked

	// stateWriteLock - fully exclusive access.
	stateWriteLock

	// targetUpgrade - request to turn a held stateLocked into stateWriteLock,
	// waiting only for outstanding readers to drain.
	targetUpgrade
)

func (s lockState) String() string {
	switch s {
	case stateReadLock:
		return "read"
	case stateLocked:
		return "locked"
	case stateWriteLock:
		return "write"
	case targetUpgrade:
		return "upgrade"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

const nilIndex = -1

// entry is the lock state for one currently referenced key.
// Invariant: readCount > 0 only when state is stateReadLock or stateLocked.
// An entry with state stateReadLock, readCount 0 and an empty queue is
// removed from the map immediately.
type entry struct {
	readCount  uint64
	state      lockState
	head, tail int // waiter slot indices into Manager.slots
}

// waiterSlot is one cell of the waiter arena. Queued waiters form a FIFO
// doubly-linked list per entry via slot indices; a blocked goroutine holds
// only its slot index and the notify channel.
type waiterSlot struct {
	target     lockState
	prev, next int
	notify     chan struct{}
	granted    bool
}

// Manager grants per-key locks under three intents: read (shared), locked
// (soft-exclusive) and write (exclusive), with in-place upgrade of a held
// locked key at commit time. One Manager is owned per filesystem instance.
//
// The mutex guards the key map and the waiter arena and is only ever held
// for O(1) index surgery; it is never held while blocking.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
	slots   []waiterSlot
	free    []int
}

// NewManager creates a new lock manager.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[Key]*entry),
	}
}

// ReadLock acquires read locks on keys and returns a guard that releases them.
// Acquisition never fails other than by ctx cancellation.
func (m *Manager) ReadLock(ctx context.Context, keys []Key) (*ReadGuard, error) {
	held, err := m.lockKeys(ctx, keys, stateReadLock)
	if err != nil {
		return nil, err
	}
	return &ReadGuard{manager: m, keys: held}, nil
}

// ReadLockKeys acquires read locks whose lifetime the caller manages; a
// transaction handler stores the returned keys in the transaction and
// releases them through DropTransaction.
func (m *Manager) ReadLockKeys(ctx context.Context, keys []Key) ([]Key, error) {
	return m.lockKeys(ctx, keys, stateReadLock)
}

// TxnLock acquires soft-exclusive (Locked) locks on keys, returning the
// sorted set of keys held. Keys locked this way are upgraded via
// CommitPrepareKeys, downgraded via DowngradeLocks and released via
// DropTransaction.
func (m *Manager) TxnLock(ctx context.Context, keys []Key) ([]Key, error) {
	log.WithFields(log.Fields{"keys": keys}).Debug("lock::manager::TxnLock; start")
	return m.lockKeys(ctx, keys, stateLocked)
}

// WriteLock acquires fully exclusive locks on keys and returns a guard that
// releases them.
func (m *Manager) WriteLock(ctx context.Context, keys []Key) (*WriteGuard, error) {
	log.WithFields(log.Fields{"keys": keys}).Debug("lock::manager::WriteLock; start")
	held, err := m.lockKeys(ctx, keys, stateWriteLock)
	if err != nil {
		return nil, err
	}
	return &WriteGuard{manager: m, keys: held}, nil
}

// CommitPrepareKeys upgrades keys held as Locked to WriteLock, waiting only
// for outstanding readers to drain. The upgrade waiter takes priority over
// any other queued writer. On cancellation, keys already upgraded are
// downgraded back so the caller still holds what it held before the call.
func (m *Manager) CommitPrepareKeys(ctx context.Context, keys []Key) error {
	log.WithFields(log.Fields{"keys": keys}).Debug("lock::manager::CommitPrepareKeys; start")
	sorted := SortKeys(keys)
	for i, key := range sorted {
		if err := m.lockKey(ctx, key, targetUpgrade); err != nil {
			m.DowngradeLocks(sorted[:i])
			return err
		}
	}
	return nil
}

// DowngradeLocks moves keys from WriteLock back to Locked, letting readers
// back in while the holder keeps excluding other writers. It is a protocol
// violation (and panics) if any key is not currently write locked.
func (m *Manager) DowngradeLocks(keys []Key) {
	sorted := SortKeys(keys)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range sorted {
		m.downgradeLocked(key)
	}
}

// DropTransaction releases every key a transaction holds: txnKeys held as
// Locked (or WriteLock, if the transaction was dropped after commit prepare)
// and readKeys held as read locks. Nothing is applied; rollback is by
// omission.
func (m *Manager) DropTransaction(txnKeys, readKeys []Key) {
	log.WithFields(log.Fields{"txnKeys": txnKeys, "readKeys": readKeys}).Debug("lock::manager::DropTransaction; start")
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range txnKeys {
		m.releaseTxnLocked(key)
	}
	for _, key := range readKeys {
		m.releaseReadLocked(key)
	}
}

//
// Acquisition path
//

// lockKeys sorts and dedupes keys, then acquires them in order. On
// cancellation the already-acquired prefix is released before returning.
func (m *Manager) lockKeys(ctx context.Context, keys []Key, target lockState) ([]Key, error) {
	sorted := SortKeys(keys)
	for i, key := range sorted {
		if err := m.lockKey(ctx, key, target); err != nil {
			m.releaseKeys(sorted[:i], target)
			return nil, err
		}
	}
	return sorted, nil
}

func (m *Manager) lockKey(ctx context.Context, key Key, target lockState) error {
	m.mu.Lock()
	if m.tryGrantLocked(key, target) {
		m.mu.Unlock()
		return nil
	}
	idx := m.enqueueLocked(key, target)
	notify := m.slots[idx].notify
	m.mu.Unlock()

	select {
	case <-notify:
		m.mu.Lock()
		m.freeSlot(idx)
		m.mu.Unlock()
		return nil
	case <-ctx.Done():
		return m.cancelWait(ctx, key, idx, target)
	}
}

// cancelWait is the cancellation path of a blocked waiter. If the grant
// already happened nobody will use it, so it is released immediately;
// otherwise the slot is unlinked and wake re-run since the list changed.
func (m *Manager) cancelWait(ctx context.Context, key Key, idx int, target lockState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[idx].granted {
		m.releaseGrantLocked(key, target)
		m.freeSlot(idx)
		return ctx.Err()
	}
	m.unlinkLocked(key, idx)
	m.freeSlot(idx)
	if e, ok := m.entries[key]; ok {
		m.wakeLocked(key, e)
		m.maybeGCLocked(key, e)
	}
	return ctx.Err()
}

// tryGrantLocked attempts to grant target on key against the current entry
// state. Grant rules:
//
//	absent:    all targets granted
//	read held: read/locked granted if the queue is empty
//	locked:    read granted if the queue is empty or its head is not an
//	           upgrade waiter; upgrade granted once readers have drained
//	write:     nothing granted
func (m *Manager) tryGrantLocked(key Key, target lockState) bool {
	e, ok := m.entries[key]
	if !ok {
		if target == targetUpgrade {
			panic(fmt.Sprintf("lock: upgrade requested for %v which is not txn locked", key))
		}
		ne := &entry{state: target, head: nilIndex, tail: nilIndex}
		if target == stateReadLock {
			ne.readCount = 1
		}
		m.entries[key] = ne
		return true
	}
	queueEmpty := e.head == nilIndex
	switch target {
	case stateReadLock:
		switch e.state {
		case stateReadLock:
			if queueEmpty {
				e.readCount++
				return true
			}
		case stateLocked:
			// A reader may jump the queue unless an upgrade is pending at its
			// head; this is what lets a task holding Locked read its own
			// pending state, without starving the upgrade.
			if queueEmpty || m.slots[e.head].target != targetUpgrade {
				e.readCount++
				return true
			}
		}
	case stateLocked:
		if e.state == stateReadLock && queueEmpty {
			e.state = stateLocked
			return true
		}
	case stateWriteLock:
		// always queues behind an existing entry
	case targetUpgrade:
		if e.state != stateLocked {
			panic(fmt.Sprintf("lock: upgrade requested for %v in state %v", key, e.state))
		}
		if e.readCount == 0 {
			e.state = stateWriteLock
			return true
		}
	}
	return false
}

// wakeLocked pops waiters from the head of the queue while they are
// compatible with the entry state. After granting a write-class waiter it
// stops; after a read grant it keeps popping consecutive read waiters so
// compatible readers wake as one burst.
func (m *Manager) wakeLocked(key Key, e *entry) {
	readBurst := false
	for e.head != nilIndex {
		idx := e.head
		target := m.slots[idx].target
		if readBurst && target != stateReadLock {
			return
		}
		switch e.state {
		case stateReadLock:
			switch target {
			case stateReadLock:
				e.readCount++
			case stateLocked:
				e.state = stateLocked
			case stateWriteLock:
				if e.readCount > 0 {
					return
				}
				e.state = stateWriteLock
			default:
				panic(fmt.Sprintf("lock: upgrade waiter on %v without a txn lock holder", key))
			}
		case stateLocked:
			switch target {
			case stateReadLock:
				e.readCount++
			case targetUpgrade:
				if e.readCount > 0 {
					return
				}
				e.state = stateWriteLock
			default:
				// locked/write waiters wait for the holder to finish
				return
			}
		case stateWriteLock:
			return
		}
		m.slots[idx].granted = true
		close(m.slots[idx].notify)
		m.unlinkLocked(key, idx)
		if target != stateReadLock {
			return
		}
		readBurst = true
	}
}

//
// Release paths
//

func (m *Manager) releaseKeys(keys []Key, target lockState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.releaseGrantLocked(key, target)
	}
}

func (m *Manager) releaseGrantLocked(key Key, target lockState) {
	switch target {
	case stateReadLock:
		m.releaseReadLocked(key)
	case stateLocked:
		m.releaseTxnLocked(key)
	case stateWriteLock:
		m.releaseWriteLocked(key)
	case targetUpgrade:
		// an upgrade grant that will not be used turns back into the
		// Locked the caller still holds
		m.downgradeLocked(key)
	}
}

func (m *Manager) releaseReadLocked(key Key) {
	e, ok := m.entries[key]
	if !ok || e.readCount == 0 {
		panic(fmt.Sprintf("lock: read release on %v which is not read locked", key))
	}
	e.readCount--
	if e.readCount == 0 {
		// draining the last reader may unblock an upgrade or a writer
		m.wakeLocked(key, e)
		m.maybeGCLocked(key, e)
	}
}

// releaseTxnLocked releases a transaction's hold on key. The entry is in
// stateLocked normally, or stateWriteLock if the transaction was dropped
// after CommitPrepareKeys.
func (m *Manager) releaseTxnLocked(key Key) {
	e, ok := m.entries[key]
	if !ok || (e.state != stateLocked && e.state != stateWriteLock) {
		panic(fmt.Sprintf("lock: txn release on %v which is not txn locked", key))
	}
	e.state = stateReadLock
	m.wakeLocked(key, e)
	m.maybeGCLocked(key, e)
}

func (m *Manager) releaseWriteLocked(key Key) {
	e, ok := m.entries[key]
	if !ok || e.state != stateWriteLock {
		panic(fmt.Sprintf("lock: write release on %v which is not write locked", key))
	}
	e.state = stateReadLock
	m.wakeLocked(key, e)
	m.maybeGCLocked(key, e)
}

func (m *Manager) downgradeLocked(key Key) {
	e, ok := m.entries[key]
	if !ok || e.state != stateWriteLock {
		panic(fmt.Sprintf("lock: downgrade on %v which is not write locked", key))
	}
	e.state = stateLocked
	// queued readers are admissible again
	m.wakeLocked(key, e)
}

func (m *Manager) maybeGCLocked(key Key, e *entry) {
	if e.state == stateReadLock && e.readCount == 0 && e.head == nilIndex {
		delete(m.entries, key)
	}
}

//
// Waiter arena
//

func (m *Manager) allocSlot(target lockState) int {
	var idx int
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.slots = append(m.slots, waiterSlot{})
		idx = len(m.slots) - 1
	}
	m.slots[idx] = waiterSlot{
		target: target,
		prev:   nilIndex,
		next:   nilIndex,
		notify: make(chan struct{}),
	}
	return idx
}

func (m *Manager) freeSlot(idx int) {
	m.slots[idx] = waiterSlot{prev: nilIndex, next: nilIndex}
	m.free = append(m.free, idx)
}

// enqueueLocked appends a waiter for key, except that an upgrade waiter goes
// to the head of the queue so pending writers cannot starve a commit.
func (m *Manager) enqueueLocked(key Key, target lockState) int {
	e := m.entries[key]
	idx := m.allocSlot(target)
	s := &m.slots[idx]
	if target == targetUpgrade {
		s.next = e.head
		if e.head != nilIndex {
			m.slots[e.head].prev = idx
		} else {
			e.tail = idx
		}
		e.head = idx
	} else {
		s.prev = e.tail
		if e.tail != nilIndex {
			m.slots[e.tail].next = idx
		} else {
			e.head = idx
		}
		e.tail = idx
	}
	return idx
}

func (m *Manager) unlinkLocked(key Key, idx int) {
	e := m.entries[key]
	s := &m.slots[idx]
	if s.prev != nilIndex {
		m.slots[s.prev].next = s.next
	} else {
		e.head = s.next
	}
	if s.next != nilIndex {
		m.slots[s.next].prev = s.prev
	} else {
		e.tail = s.prev
	}
	s.prev, s.next = nilIndex, nilIndex
}
