package lock

import (
	"fmt"
	"sort"
)

// KeyKind identifies the class of lockable resource a Key refers to.
type KeyKind int

const (
	// KindObjectAttribute locks a single attribute of an object.
	KindObjectAttribute KeyKind = iota

	// KindObject locks a whole object within a store.
	KindObject

	// KindRootVolume locks the root volume directory.
	KindRootVolume

	// KindFilesystem locks the whole filesystem. Every transaction takes a read
	// lock on this key, so flush/compaction can exclude all writers at once.
	KindFilesystem

	// KindCachedWrite serializes cached (non-journaled) writes to an attribute.
	KindCachedWrite

	// KindFlush serializes flushing of a store.
	KindFlush

	// KindTruncate serializes truncation of an attribute.
	KindTruncate
)

func (k KeyKind) String() string {
	switch k {
	case KindObjectAttribute:
		return "object_attribute"
	case KindObject:
		return "object"
	case KindRootVolume:
		return "root_volume"
	case KindFilesystem:
		return "filesystem"
	case KindCachedWrite:
		return "cached_write"
	case KindFlush:
		return "flush"
	case KindTruncate:
		return "truncate"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Key identifies a lockable logical resource. Keys are plain comparable values,
// so they can be used directly in the lock map, and are totally ordered so that
// multi-key acquisitions can sort them into one global order.
type Key struct {
	Kind          KeyKind
	StoreObjectID uint64
	ObjectID      uint64
	AttributeID   uint64
}

// ObjectAttributeKey returns the key locking an attribute of an object.
func ObjectAttributeKey(storeObjectID, objectID, attributeID uint64) Key {
	return Key{Kind: KindObjectAttribute, StoreObjectID: storeObjectID, ObjectID: objectID, AttributeID: attributeID}
}

// ObjectKey returns the key locking an object within a store.
func ObjectKey(storeObjectID, objectID uint64) Key {
	return Key{Kind: KindObject, StoreObjectID: storeObjectID, ObjectID: objectID}
}

// RootVolumeKey returns the key locking the root volume directory.
func RootVolumeKey() Key {
	return Key{Kind: KindRootVolume}
}

// FilesystemKey returns the key locking the whole filesystem.
func FilesystemKey() Key {
	return Key{Kind: KindFilesystem}
}

// CachedWriteKey returns the key serializing cached writes to an attribute.
func CachedWriteKey(storeObjectID, objectID, attributeID uint64) Key {
	return Key{Kind: KindCachedWrite, StoreObjectID: storeObjectID, ObjectID: objectID, AttributeID: attributeID}
}

// FlushKey returns the key serializing flushing of the given store.
func FlushKey(storeObjectID uint64) Key {
	return Key{Kind: KindFlush, StoreObjectID: storeObjectID}
}

// TruncateKey returns the key serializing truncation of an attribute.
func TruncateKey(storeObjectID, objectID, attributeID uint64) Key {
	return Key{Kind: KindTruncate, StoreObjectID: storeObjectID, ObjectID: objectID, AttributeID: attributeID}
}

// Compare orders two keys. It returns -1, 0 or 1 if k is smaller, equal or
// greater than other respectively.
func (k Key) Compare(other Key) int {
	if k.Kind != other.Kind {
		if k.Kind < other.Kind {
			return -1
		}
		return 1
	}
	if k.StoreObjectID != other.StoreObjectID {
		if k.StoreObjectID < other.StoreObjectID {
			return -1
		}
		return 1
	}
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
	return 0
}

func (k Key) String() string {
	return fmt.Sprintf("%s(%d,%d,%d)", k.Kind, k.StoreObjectID, k.ObjectID, k.AttributeID)
}

// SortKeys returns a sorted, deduplicated copy of keys. Sorting before
// acquisition establishes one global order so that concurrent multi-key
// requests cannot deadlock against each other.
func SortKeys(keys []Key) []Key {
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Compare(sorted[j]) < 0
	})
	out := sorted[:0]
	for _, k := range sorted {
		if len(out) == 0 || k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
