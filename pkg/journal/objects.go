package journal

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vsrinivas/fuchsia-sub025/pkg/common"
	"github.com/vsrinivas/fuchsia-sub025/pkg/txn"
)

// storeState is the in-memory state of one object store.
type storeState struct {
	items          map[string][]byte
	flushing       bool
	mutationsKeyID uint64
}

// ObjectManager holds the in-memory state committed mutations are applied to:
// per-store item tables, allocator accounting and the borrowed-bytes counter.
// Operations on it are thread safe using a Mutex.
type ObjectManager struct {
	mu sync.Mutex

	// object stores keyed by their object id
	stores map[uint64]*storeState

	// allocator accounting, keyed by owner object id
	allocatedBytes map[uint64]uint64
	limits         map[uint64]uint64
	markedDeleted  map[uint64]bool

	borrowed uint64
}

// NewObjectManager creates an empty object manager.
func NewObjectManager() *ObjectManager {
	return &ObjectManager{
		stores:         make(map[uint64]*storeState),
		allocatedBytes: make(map[uint64]uint64),
		limits:         make(map[uint64]uint64),
		markedDeleted:  make(map[uint64]bool),
	}
}

func (om *ObjectManager) store(objectID uint64) *storeState {
	s, ok := om.stores[objectID]
	if !ok {
		s = &storeState{items: make(map[string][]byte)}
		om.stores[objectID] = s
	}
	return s
}

// itemMapKey encodes an item key for use in the item map.
func itemMapKey(k txn.ItemKey) string {
	b := common.U64ToByte(k.ObjectID)
	b = append(b, common.U64ToByte(k.AttributeID)...)
	b = append(b, k.Data...)
	return string(b)
}

// ApplyMutation applies one committed mutation to the object identified by
// objectID (a store, the allocator, or a volume). Callers must already have
// journaled the mutation.
func (om *ObjectManager) ApplyMutation(objectID uint64, m txn.Mutation) {
	om.mu.Lock()
	defer om.mu.Unlock()

	switch m.Kind {
	case txn.MutationObjectStore:
		s := om.store(objectID)
		key := itemMapKey(m.Item.Key)
		switch m.Op {
		case txn.OpInsert:
			if _, ok := s.items[key]; ok {
				log.WithFields(log.Fields{"objectID": objectID, "itemKey": m.Item.Key}).Error("journal::objects::ApplyMutation; insert over an existing item")
			}
			s.items[key] = m.Item.Value
		case txn.OpReplaceOrInsert:
			s.items[key] = m.Item.Value
		case txn.OpMerge:
			s.items[key] = append(s.items[key], m.Item.Value...)
		}
	case txn.MutationAllocator:
		switch m.AllocOp {
		case txn.AllocOpAllocate:
			om.allocatedBytes[m.Owner] += m.Range.Length()
		case txn.AllocOpDeallocate:
			if om.allocatedBytes[m.Owner] < m.Range.Length() {
				log.WithFields(log.Fields{"owner": m.Owner, "range": m.Range}).Error("journal::objects::ApplyMutation; deallocate below zero")
				om.allocatedBytes[m.Owner] = 0
			} else {
				om.allocatedBytes[m.Owner] -= m.Range.Length()
			}
		case txn.AllocOpSetLimit:
			om.limits[m.Owner] = m.Bytes
		case txn.AllocOpMarkForDeletion:
			om.markedDeleted[m.Owner] = true
		}
	case txn.MutationBeginFlush:
		om.store(objectID).flushing = true
	case txn.MutationEndFlush:
		om.store(objectID).flushing = false
	case txn.MutationDeleteVolume:
		delete(om.stores, objectID)
	case txn.MutationUpdateBorrowed:
		om.borrowed = m.Bytes
	case txn.MutationUpdateMutationsKey:
		om.store(objectID).mutationsKeyID = m.KeyID
	}
}

// GetItem returns the value of an item in a store. It returns a NotFoundError
// if the store or the item does not exist.
func (om *ObjectManager) GetItem(storeObjectID uint64, key txn.ItemKey) ([]byte, error) {
	om.mu.Lock()
	defer om.mu.Unlock()
	s, ok := om.stores[storeObjectID]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("no store with object id %d", storeObjectID))
	}
	v, ok := s.items[itemMapKey(key)]
	if !ok {
		return nil, common.NewNotFoundError(fmt.Sprintf("no item %v in store %d", key, storeObjectID))
	}
	return v, nil
}

// HasStore reports whether a store exists (i.e. has had mutations applied and
// has not been deleted).
func (om *ObjectManager) HasStore(storeObjectID uint64) bool {
	om.mu.Lock()
	defer om.mu.Unlock()
	_, ok := om.stores[storeObjectID]
	return ok
}

// IsFlushing reports whether a store is between begin-flush and end-flush
// markers.
func (om *ObjectManager) IsFlushing(storeObjectID uint64) bool {
	om.mu.Lock()
	defer om.mu.Unlock()
	s, ok := om.stores[storeObjectID]
	return ok && s.flushing
}

// AllocatedBytes returns the bytes currently allocated to owner.
func (om *ObjectManager) AllocatedBytes(owner uint64) uint64 {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.allocatedBytes[owner]
}

// Limit returns owner's allocation limit, if one has been set.
func (om *ObjectManager) Limit(owner uint64) (uint64, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()
	v, ok := om.limits[owner]
	return v, ok
}

// IsMarkedForDeletion reports whether owner's allocations are marked for deletion.
func (om *ObjectManager) IsMarkedForDeletion(owner uint64) bool {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.markedDeleted[owner]
}

// Borrowed returns the journaled borrowed-bytes counter.
func (om *ObjectManager) Borrowed() uint64 {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.borrowed
}

// MutationsKeyID returns a store's current mutations key id.
func (om *ObjectManager) MutationsKeyID(storeObjectID uint64) uint64 {
	om.mu.Lock()
	defer om.mu.Unlock()
	s, ok := om.stores[storeObjectID]
	if !ok {
		return 0
	}
	return s.mutationsKeyID
}
