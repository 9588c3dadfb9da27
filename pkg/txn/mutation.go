package txn

import (
	"bytes"
	"fmt"
)

// MutationKind identifies the kind of journal record a Mutation carries.
type MutationKind int

const (
	// MutationObjectStore - insert/replace/merge of a keyed item in an object store.
	MutationObjectStore MutationKind = iota

	// MutationAllocator - an allocator edit (allocate/deallocate/set-limit/mark-for-deletion).
	MutationAllocator

	// MutationBeginFlush - marks the start of a store flush.
	MutationBeginFlush

	// MutationEndFlush - marks the end of a store flush.
	MutationEndFlush

	// MutationDeleteVolume - deletes a volume and everything it owns.
	MutationDeleteVolume

	// MutationUpdateBorrowed - records bytes borrowed from the reserved metadata pool.
	MutationUpdateBorrowed

	// MutationUpdateMutationsKey - rolls the key used to encrypt subsequent mutations.
	MutationUpdateMutationsKey
)

func (k MutationKind) String() string {
	switch k {
	case MutationObjectStore:
		return "object_store"
	case MutationAllocator:
		return "allocator"
	case MutationBeginFlush:
		return "begin_flush"
	case MutationEndFlush:
		return "end_flush"
	case MutationDeleteVolume:
		return "delete_volume"
	case MutationUpdateBorrowed:
		return "update_borrowed"
	case MutationUpdateMutationsKey:
		return "update_mutations_key"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Operation is the object-store operation a MutationObjectStore performs.
// It is payload, not key: two object-store mutations with the same item key
// collide regardless of operation.
type Operation int

const (
	// OpInsert - insert; the item must not already exist.
	OpInsert Operation = iota

	// OpReplaceOrInsert - insert or overwrite the item.
	OpReplaceOrInsert

	// OpMerge - merge the item with any existing one (LSM-style).
	OpMerge
)

// AllocOp is the allocator operation a MutationAllocator performs.
type AllocOp int

const (
	// AllocOpAllocate - allocate a device range.
	AllocOpAllocate AllocOp = iota

	// AllocOpDeallocate - free a device range.
	AllocOpDeallocate

	// AllocOpSetLimit - set an owner's byte limit.
	AllocOpSetLimit

	// AllocOpMarkForDeletion - mark all of an owner's allocations for deletion.
	AllocOpMarkForDeletion
)

// ItemKey identifies an item within an object store.
type ItemKey struct {
	ObjectID    uint64
	AttributeID uint64
	Data        []byte
}

// Compare orders two item keys.
func (k ItemKey) Compare(other ItemKey) int {
	if k.ObjectID != other.ObjectID {
		if k.ObjectID < other.ObjectID {
			return -1
		}
		return 1
	}
	if k.AttributeID != other.AttributeID {
		if k.AttributeID < other.AttributeID {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.Data, other.Data)
}

// Item is a keyed object-store record.
type Item struct {
	Key   ItemKey
	Value []byte
}

// DeviceRange is a [Start, End) byte range on the device.
type DeviceRange struct {
	Start uint64
	End   uint64
}

// Length returns the size of the range in bytes.
func (r DeviceRange) Length() uint64 {
	return r.End - r.Start
}

// Mutation is one journaled change record. Ordering and equality are defined
// only on the logical key portion of the payload (item key, device-range
// start, or owner) and deliberately ignore the value, so adding a mutation
// with an existing key replaces the previous payload.
type Mutation struct {
	Kind MutationKind

	// Object store payload
	Op   Operation
	Item Item

	// Allocator payload
	AllocOp AllocOp
	Range   DeviceRange
	Owner   uint64

	// Bytes carries the SetLimit limit or the UpdateBorrowed delta.
	Bytes uint64

	// KeyID carries the UpdateMutationsKey key id.
	KeyID uint64
}

// InsertMutation stages an object-store insert of item.
func InsertMutation(item Item) Mutation {
	return Mutation{Kind: MutationObjectStore, Op: OpInsert, Item: item}
}

// ReplaceOrInsertMutation stages an object-store insert-or-overwrite of item.
func ReplaceOrInsertMutation(item Item) Mutation {
	return Mutation{Kind: MutationObjectStore, Op: OpReplaceOrInsert, Item: item}
}

// MergeMutation stages an object-store merge of item.
func MergeMutation(item Item) Mutation {
	return Mutation{Kind: MutationObjectStore, Op: OpMerge, Item: item}
}

// AllocateMutation stages allocation of rng for owner.
func AllocateMutation(rng DeviceRange, owner uint64) Mutation {
	return Mutation{Kind: MutationAllocator, AllocOp: AllocOpAllocate, Range: rng, Owner: owner}
}

// DeallocateMutation stages deallocation of rng for owner.
func DeallocateMutation(rng DeviceRange, owner uint64) Mutation {
	return Mutation{Kind: MutationAllocator, AllocOp: AllocOpDeallocate, Range: rng, Owner: owner}
}

// SetLimitMutation stages setting owner's allocation limit.
func SetLimitMutation(owner, bytes uint64) Mutation {
	return Mutation{Kind: MutationAllocator, AllocOp: AllocOpSetLimit, Owner: owner, Bytes: bytes}
}

// MarkForDeletionMutation stages marking all of owner's allocations for deletion.
func MarkForDeletionMutation(owner uint64) Mutation {
	return Mutation{Kind: MutationAllocator, AllocOp: AllocOpMarkForDeletion, Owner: owner}
}

// BeginFlushMutation marks the start of a flush of the target store.
func BeginFlushMutation() Mutation {
	return Mutation{Kind: MutationBeginFlush}
}

// EndFlushMutation marks the end of a flush of the target store.
func EndFlushMutation() Mutation {
	return Mutation{Kind: MutationEndFlush}
}

// DeleteVolumeMutation stages deletion of the target volume.
func DeleteVolumeMutation() Mutation {
	return Mutation{Kind: MutationDeleteVolume}
}

// UpdateBorrowedMutation records the bytes currently borrowed from the
// reserved metadata pool.
func UpdateBorrowedMutation(bytes uint64) Mutation {
	return Mutation{Kind: MutationUpdateBorrowed, Bytes: bytes}
}

// UpdateMutationsKeyMutation rolls the mutations encryption key.
func UpdateMutationsKeyMutation(keyID uint64) Mutation {
	return Mutation{Kind: MutationUpdateMutationsKey, KeyID: keyID}
}

// Compare orders two mutations by their logical key only. Payload values
// never participate, so mutations of the same kind and key compare equal.
func (m Mutation) Compare(other Mutation) int {
	if m.Kind != other.Kind {
		if m.Kind < other.Kind {
			return -1
		}
		return 1
	}
	switch m.Kind {
	case MutationObjectStore:
		return m.Item.Key.Compare(other.Item.Key)
	case MutationAllocator:
		if m.AllocOp != other.AllocOp {
			if m.AllocOp < other.AllocOp {
				return -1
			}
			return 1
		}
		switch m.AllocOp {
		case AllocOpAllocate, AllocOpDeallocate:
			if m.Range.Start != other.Range.Start {
				if m.Range.Start < other.Range.Start {
					return -1
				}
				return 1
			}
			return 0
		default:
			if m.Owner != other.Owner {
				if m.Owner < other.Owner {
					return -1
				}
				return 1
			}
			return 0
		}
	}
	// control markers carry no key
	return 0
}

// AssociatedObject is an external object notified when its mutation is
// applied, so in-memory caches stay coherent with committed state without
// this core knowing their concrete type.
type AssociatedObject interface {
	// WillApplyMutation is invoked on the apply path, while the
	// transaction's locks are still held.
	WillApplyMutation(objectID uint64, m Mutation)
}

// TxnMutation is a staged mutation targeting the object (store, allocator or
// volume) identified by ObjectID, optionally carrying an associated object.
type TxnMutation struct {
	ObjectID   uint64
	Mutation   Mutation
	Associated AssociatedObject
}

// compareTxnMutations orders staged mutations by (object id, mutation key).
func compareTxnMutations(a, b *TxnMutation) int {
	if a.ObjectID != b.ObjectID {
		if a.ObjectID < b.ObjectID {
			return -1
		}
		return 1
	}
	return a.Mutation.Compare(b.Mutation)
}
