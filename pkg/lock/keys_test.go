package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyCompare(t *testing.T) {
	assert.Equal(t, 0, ObjectKey(1, 2).Compare(ObjectKey(1, 2)))
	assert.Equal(t, -1, ObjectKey(1, 2).Compare(ObjectKey(1, 3)))
	assert.Equal(t, 1, ObjectKey(2, 0).Compare(ObjectKey(1, 9)))

	// kind dominates ids
	assert.Equal(t, -1, ObjectAttributeKey(9, 9, 9).Compare(ObjectKey(0, 0)))
	assert.Equal(t, -1, ObjectKey(9, 9).Compare(FilesystemKey()))

	assert.Equal(t, 0, FilesystemKey().Compare(FilesystemKey()))
	assert.Equal(t, -1, ObjectAttributeKey(1, 2, 3).Compare(ObjectAttributeKey(1, 2, 4)))
}

func TestKeyKindOrdering(t *testing.T) {
	ordered := []Key{
		ObjectAttributeKey(1, 1, 1),
		ObjectKey(1, 1),
		RootVolumeKey(),
		FilesystemKey(),
		CachedWriteKey(1, 1, 1),
		FlushKey(1),
		TruncateKey(1, 1, 1),
	}
	for i := 1; i < len(ordered); i++ {
		assert.Equal(t, -1, ordered[i-1].Compare(ordered[i]), "%v should order before %v", ordered[i-1], ordered[i])
	}
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "flush(7,0,0)", FlushKey(7).String())
	assert.Equal(t, "object(1,2,0)", ObjectKey(1, 2).String())
}

func TestSortKeysSortsAndDedupes(t *testing.T) {
	keys := []Key{
		ObjectKey(1, 5),
		FilesystemKey(),
		ObjectKey(1, 2),
		ObjectKey(1, 5),
		ObjectAttributeKey(1, 2, 0),
	}
	sorted := SortKeys(keys)

	assert.Equal(t, []Key{
		ObjectAttributeKey(1, 2, 0),
		ObjectKey(1, 2),
		ObjectKey(1, 5),
		FilesystemKey(),
	}, sorted)

	// input untouched
	assert.Equal(t, ObjectKey(1, 5), keys[0])
}

func TestSortKeysEmpty(t *testing.T) {
	assert.Empty(t, SortKeys(nil))
}
