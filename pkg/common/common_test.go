package common

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64BytesConversion(t *testing.T) {
	n := uint64(121)
	b := U64ToByte(n)
	assert.Equal(t, n, ByteToU64(b), fmt.Sprintf("Unexpected error in uint64-bytes comparison; expected %d actual %d", n, ByteToU64(b)))
}

func TestAppendUvarintRoundTrip(t *testing.T) {
	data := AppendUvarint(nil, 0)
	data = AppendUvarint(data, 300)
	data = AppendUvarint(data, 1<<40)
	assert.True(t, len(data) > 3)
}

func TestConfigValidate(t *testing.T) {
	conf := NewDefaultStoreConfig()
	assert.Nil(t, conf.Validate())

	conf.JournalPath = ""
	assert.NotNil(t, conf.Validate())

	conf = NewDefaultStoreConfig()
	conf.TransactionMetadataBytes = conf.ReservedPoolBytes + 1
	assert.NotNil(t, conf.Validate())
}
