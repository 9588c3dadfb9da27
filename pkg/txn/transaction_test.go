package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsrinivas/fuchsia-sub025/pkg/common"
	"github.com/vsrinivas/fuchsia-sub025/pkg/lock"
)

// testHandler is an in-memory TransactionHandler: it acquires locks like a
// real handler but applies mutations to a plain slice instead of a journal.
type testHandler struct {
	lm         *lock.Manager
	applied    []TxnMutation
	commits    int
	drops      int
	nextOffset uint64
	failErr    error
}

func newTestHandler() *testHandler {
	return &testHandler{lm: lock.NewManager()}
}

func (h *testHandler) NewTransaction(ctx context.Context, keys []lock.Key, opts Options) (*Transaction, error) {
	readKeys, err := h.lm.ReadLockKeys(ctx, []lock.Key{lock.FilesystemKey()})
	if err != nil {
		return nil, err
	}
	txnKeys, err := h.lm.TxnLock(ctx, keys)
	if err != nil {
		h.lm.DropTransaction(nil, readKeys)
		return nil, err
	}
	return NewTransaction(h, opts, txnKeys, readKeys), nil
}

func (h *testHandler) CommitTransaction(ctx context.Context, t *Transaction, callback func(offset uint64)) (uint64, error) {
	if h.failErr != nil {
		return 0, h.failErr
	}
	if err := h.lm.CommitPrepareKeys(ctx, t.TxnLocks()); err != nil {
		return 0, err
	}
	h.applied = append(h.applied, t.TakeMutations()...)
	h.commits++
	offset := h.nextOffset
	h.nextOffset += 512
	if callback != nil {
		callback(offset)
	}
	return offset, nil
}

func (h *testHandler) DropTransaction(t *Transaction) {
	h.lm.DropTransaction(t.TxnLocks(), t.ReadLocks())
	h.drops++
}

func (h *testHandler) LockManager() *lock.Manager {
	return h.lm
}

func newTestTransaction(t *testing.T, h *testHandler, keys ...lock.Key) *Transaction {
	txn, err := h.NewTransaction(context.Background(), keys, Options{})
	require.Nil(t, err)
	return txn
}

func TestAddReplacesByKeyAndReturnsPrevious(t *testing.T) {
	h := newTestHandler()
	txn := newTestTransaction(t, h, lock.ObjectKey(1, 2))
	defer txn.Close()

	prev := txn.Add(1, InsertMutation(item(2, "k", "v1")))
	assert.Nil(t, prev)

	prev = txn.Add(1, ReplaceOrInsertMutation(item(2, "k", "v2")))
	require.NotNil(t, prev)
	assert.Equal(t, []byte("v1"), prev.Item.Value)

	// exactly one entry remains, carrying the second payload
	require.Len(t, txn.Mutations(), 1)
	assert.Equal(t, []byte("v2"), txn.Mutations()[0].Mutation.Item.Value)
	assert.Equal(t, OpReplaceOrInsert, txn.Mutations()[0].Mutation.Op)
}

func TestAddKeepsMutationsSorted(t *testing.T) {
	h := newTestHandler()
	txn := newTestTransaction(t, h, lock.ObjectKey(1, 2))
	defer txn.Close()

	txn.Add(3, InsertMutation(item(9, "c", "v")))
	txn.Add(1, InsertMutation(item(9, "b", "v")))
	txn.Add(1, InsertMutation(item(9, "a", "v")))
	txn.Add(2, AllocateMutation(DeviceRange{Start: 0, End: 4096}, 7))

	ms := txn.Mutations()
	require.Len(t, ms, 4)
	assert.Equal(t, uint64(1), ms[0].ObjectID)
	assert.Equal(t, []byte("a"), ms[0].Mutation.Item.Key.Data)
	assert.Equal(t, uint64(1), ms[1].ObjectID)
	assert.Equal(t, []byte("b"), ms[1].Mutation.Item.Key.Data)
	assert.Equal(t, uint64(2), ms[2].ObjectID)
	assert.Equal(t, uint64(3), ms[3].ObjectID)
}

func TestRemoveThenGetReturnsNil(t *testing.T) {
	h := newTestHandler()
	txn := newTestTransaction(t, h, lock.ObjectKey(1, 2))
	defer txn.Close()

	m := InsertMutation(item(2, "k", "v"))
	txn.Add(1, m)
	require.NotNil(t, txn.GetObjectMutation(1, m))

	txn.Remove(1, m)
	assert.Nil(t, txn.GetObjectMutation(1, m))
	assert.True(t, txn.IsEmpty())
}

func TestGetObjectMutationReadsPendingState(t *testing.T) {
	h := newTestHandler()
	txn := newTestTransaction(t, h, lock.ObjectKey(1, 2))
	defer txn.Close()

	txn.Add(1, ReplaceOrInsertMutation(item(2, "k", "pending")))

	got := txn.GetObjectMutation(1, InsertMutation(item(2, "k", "")))
	require.NotNil(t, got)
	assert.Equal(t, []byte("pending"), got.Item.Value)

	assert.Nil(t, txn.GetObjectMutation(2, InsertMutation(item(2, "k", ""))))
}

func TestCommitAppliesAndReleasesLocks(t *testing.T) {
	h := newTestHandler()
	k := lock.ObjectKey(1, 2)
	txn := newTestTransaction(t, h, k)

	txn.Add(1, InsertMutation(item(2, "k", "v")))
	offset, err := txn.Commit(context.Background())
	require.Nil(t, err)
	assert.Equal(t, uint64(0), offset)
	assert.Equal(t, 1, h.commits)
	require.Len(t, h.applied, 1)

	// the key is free again
	txn2 := newTestTransaction(t, h, k)
	txn2.Close()
}

func TestCommitWithCallbackReceivesOffset(t *testing.T) {
	h := newTestHandler()
	h.nextOffset = 4096
	txn := newTestTransaction(t, h, lock.ObjectKey(1, 2))

	var got uint64
	offset, err := txn.CommitWithCallback(context.Background(), func(o uint64) {
		got = o
	})
	require.Nil(t, err)
	assert.Equal(t, uint64(4096), offset)
	assert.Equal(t, uint64(4096), got)
}

func TestCommitFailureLeavesMutationsIntact(t *testing.T) {
	h := newTestHandler()
	k := lock.ObjectKey(1, 2)
	txn := newTestTransaction(t, h, k)

	txn.Add(1, InsertMutation(item(2, "k", "v")))
	h.failErr = common.NewTransactionCommitError("device gone")

	_, err := txn.Commit(context.Background())
	require.NotNil(t, err)

	// still staged and still locked; Close is the rollback
	assert.Len(t, txn.Mutations(), 1)
	assert.Equal(t, 0, h.drops)

	txn.Close()
	assert.Equal(t, 1, h.drops)
	assert.Empty(t, h.applied)
}

func TestCloseWithoutCommitRollsBack(t *testing.T) {
	h := newTestHandler()
	k := lock.ObjectKey(1, 2)
	txn := newTestTransaction(t, h, k)
	txn.Add(1, InsertMutation(item(2, "k", "v")))

	txn.Close()
	assert.Empty(t, h.applied)
	assert.Equal(t, 1, h.drops)

	// Close is idempotent
	txn.Close()
	assert.Equal(t, 1, h.drops)

	// locks were released without applying anything
	txn2 := newTestTransaction(t, h, k)
	txn2.Close()
}

func TestCommitAndContinueKeepsExclusivity(t *testing.T) {
	h := newTestHandler()
	k := lock.ObjectKey(1, 2)
	txn := newTestTransaction(t, h, k)

	txn.Add(1, InsertMutation(item(2, "part1", "v")))
	require.Nil(t, txn.CommitAndContinue(context.Background()))
	assert.True(t, txn.IsEmpty())
	assert.Equal(t, 1, h.commits)

	// another transaction on the same key must still wait
	pending := make(chan struct{})
	go func() {
		txn2, err := h.NewTransaction(context.Background(), []lock.Key{k}, Options{})
		if err == nil {
			txn2.Close()
		}
		close(pending)
	}()
	select {
	case <-pending:
		t.Fatal("second transaction acquired the key while the first was still live")
	case <-time.After(50 * time.Millisecond):
	}

	// the same transaction keeps staging and commits again
	txn.Add(1, InsertMutation(item(2, "part2", "v")))
	_, err := txn.Commit(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 2, h.commits)

	select {
	case <-pending:
	case <-time.After(5 * time.Second):
		t.Fatal("second transaction never acquired the key")
	}
}

func TestNewTransactionContention(t *testing.T) {
	h := newTestHandler()
	k := lock.ObjectKey(1, 2)

	txnA := newTestTransaction(t, h, k)
	txnA.Add(1, InsertMutation(item(2, "k", "v")))

	done := make(chan error, 1)
	go func() {
		txnB, err := h.NewTransaction(context.Background(), []lock.Key{k}, Options{})
		if err == nil {
			txnB.Close()
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("new transaction on a txn-locked key did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := txnA.Commit(context.Background())
	require.Nil(t, err)

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second transaction never started")
	}
}

func TestCommitOnClosedTransaction(t *testing.T) {
	h := newTestHandler()
	txn := newTestTransaction(t, h, lock.ObjectKey(1, 2))
	txn.Close()

	_, err := txn.Commit(context.Background())
	assert.IsType(t, common.CommittedTransactionError{}, err)
	assert.IsType(t, common.CommittedTransactionError{}, txn.CommitAndContinue(context.Background()))
}
