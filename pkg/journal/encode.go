package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/vsrinivas/fuchsia-sub025/pkg/common"
	"github.com/vsrinivas/fuchsia-sub025/pkg/txn"
)

// Journal record format: a varint count of mutations, then each mutation as
// its target object id (varint), kind (byte) and a kind-specific payload.
// Variable-size byte strings are length-prefixed with a varint.

func encodeMutations(mutations []txn.TxnMutation) []byte {
	data := common.AppendUvarint(nil, uint64(len(mutations)))
	for i := range mutations {
		m := &mutations[i].Mutation
		data = common.AppendUvarint(data, mutations[i].ObjectID)
		data = append(data, byte(m.Kind))
		switch m.Kind {
		case txn.MutationObjectStore:
			data = append(data, byte(m.Op))
			data = common.AppendUvarint(data, m.Item.Key.ObjectID)
			data = common.AppendUvarint(data, m.Item.Key.AttributeID)
			data = appendStr(data, m.Item.Key.Data)
			data = appendStr(data, m.Item.Value)
		case txn.MutationAllocator:
			data = append(data, byte(m.AllocOp))
			data = common.AppendUvarint(data, m.Range.Start)
			data = common.AppendUvarint(data, m.Range.End)
			data = common.AppendUvarint(data, m.Owner)
			data = common.AppendUvarint(data, m.Bytes)
		case txn.MutationBeginFlush, txn.MutationEndFlush, txn.MutationDeleteVolume:
			// no payload
		case txn.MutationUpdateBorrowed:
			data = common.AppendUvarint(data, m.Bytes)
		case txn.MutationUpdateMutationsKey:
			data = common.AppendUvarint(data, m.KeyID)
		}
	}
	return data
}

func decodeMutations(data []byte) ([]txn.TxnMutation, error) {
	d := decoder{data: data}
	count := d.uvarint()
	mutations := make([]txn.TxnMutation, 0, count)
	for i := uint64(0); i < count; i++ {
		objectID := d.uvarint()
		m := txn.Mutation{Kind: txn.MutationKind(d.byte())}
		switch m.Kind {
		case txn.MutationObjectStore:
			m.Op = txn.Operation(d.byte())
			m.Item.Key.ObjectID = d.uvarint()
			m.Item.Key.AttributeID = d.uvarint()
			m.Item.Key.Data = d.str()
			m.Item.Value = d.str()
		case txn.MutationAllocator:
			m.AllocOp = txn.AllocOp(d.byte())
			m.Range.Start = d.uvarint()
			m.Range.End = d.uvarint()
			m.Owner = d.uvarint()
			m.Bytes = d.uvarint()
		case txn.MutationBeginFlush, txn.MutationEndFlush, txn.MutationDeleteVolume:
		case txn.MutationUpdateBorrowed:
			m.Bytes = d.uvarint()
		case txn.MutationUpdateMutationsKey:
			m.KeyID = d.uvarint()
		default:
			return nil, fmt.Errorf("corrupt journal record: unknown mutation kind %d", m.Kind)
		}
		mutations = append(mutations, txn.TxnMutation{ObjectID: objectID, Mutation: m})
	}
	if d.err != nil {
		return nil, d.err
	}
	return mutations, nil
}

func appendStr(data, s []byte) []byte {
	data = common.AppendUvarint(data, uint64(len(s)))
	return append(data, s...)
}

type decoder struct {
	data []byte
	err  error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data)
	if n <= 0 {
		d.err = fmt.Errorf("corrupt journal record: bad varint")
		return 0
	}
	d.data = d.data[n:]
	return v
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.data) == 0 {
		d.err = fmt.Errorf("corrupt journal record: truncated")
		return 0
	}
	b := d.data[0]
	d.data = d.data[1:]
	return b
}

func (d *decoder) str() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.data)) {
		d.err = fmt.Errorf("corrupt journal record: string length %d exceeds buffer", n)
		return nil
	}
	s := d.data[:n]
	d.data = d.data[n:]
	if len(s) == 0 {
		return nil
	}
	return s
}
