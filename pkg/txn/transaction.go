package txn

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/vsrinivas/fuchsia-sub025/pkg/common"
	"github.com/vsrinivas/fuchsia-sub025/pkg/lock"
)

// Options controls how a handler sets up a new transaction. The lock and
// transaction core does not interpret these; the journal/allocator layer does.
type Options struct {
	// SkipJournalChecks skips the per-transaction journal budget check.
	SkipJournalChecks bool

	// BorrowMetadataSpace funds the transaction's metadata from the shared
	// reserved pool instead of a dedicated reservation. Only safe for
	// transactions that do not increase space usage after compaction.
	BorrowMetadataSpace bool

	// AllocatorReservation, if set, funds the transaction's metadata as a
	// hold against this reservation.
	AllocatorReservation *Reservation
}

// TransactionHandler is implemented by the filesystem/journal layer. It
// creates transactions with their locks held, durably commits them, and
// releases their locks on drop.
type TransactionHandler interface {
	// NewTransaction acquires read locks then txn locks for keys and returns
	// an initialized transaction with no staged mutations.
	NewTransaction(ctx context.Context, keys []lock.Key, opts Options) (*Transaction, error)

	// CommitTransaction durably journals the transaction's mutations, applies
	// them, clears the staging set, and invokes callback (if non-nil) with
	// the journal offset before any lock is released. On failure the staging
	// set is left intact and locks stay held.
	CommitTransaction(ctx context.Context, t *Transaction, callback func(offset uint64)) (uint64, error)

	// DropTransaction releases everything the transaction holds without
	// applying anything.
	DropTransaction(t *Transaction)

	// LockManager returns the lock manager the handler acquires locks from.
	LockManager() *lock.Manager
}

// Transaction accumulates deduplicated mutations under held locks and commits
// them as a group through its handler. A single transaction is not thread
// safe; operations on it should be called sequentially.
type Transaction struct {
	handler TransactionHandler
	opts    Options

	// staged mutations, sorted by (object id, mutation key)
	mutations []TxnMutation

	// keys held as txn (write-class) locks and as read locks
	txnLocks  []lock.Key
	readLocks []lock.Key

	allocatorReservation *Reservation
	metadataReservation  MetadataReservation

	closed bool
}

// NewTransaction creates a transaction whose locks the handler has already
// acquired. txnLocks and readLocks must be sorted and deduplicated (as
// returned by the lock manager's acquire calls).
func NewTransaction(handler TransactionHandler, opts Options, txnLocks, readLocks []lock.Key) *Transaction {
	return &Transaction{
		handler:   handler,
		opts:      opts,
		txnLocks:  txnLocks,
		readLocks: readLocks,
	}
}

// Options returns the options the transaction was created with. The lock and
// transaction core does not interpret them.
func (t *Transaction) Options() Options {
	return t.opts
}

// TxnLocks returns the keys the transaction holds as txn locks.
func (t *Transaction) TxnLocks() []lock.Key {
	return t.txnLocks
}

// ReadLocks returns the keys the transaction holds as read locks.
func (t *Transaction) ReadLocks() []lock.Key {
	return t.readLocks
}

// Mutations returns the staged mutations in (object id, key) order. The
// returned slice is owned by the transaction.
func (t *Transaction) Mutations() []TxnMutation {
	return t.mutations
}

// IsEmpty reports whether the transaction has no staged mutations.
func (t *Transaction) IsEmpty() bool {
	return len(t.mutations) == 0
}

// MetadataReservation returns how the transaction's metadata space is funded.
func (t *Transaction) MetadataReservation() MetadataReservation {
	return t.metadataReservation
}

// SetMetadataReservation is called by the handler when funding the transaction.
func (t *Transaction) SetMetadataReservation(r MetadataReservation) {
	t.metadataReservation = r
}

// AllocatorReservation returns the external allocator reservation the
// transaction holds bytes against, if any.
func (t *Transaction) AllocatorReservation() *Reservation {
	return t.allocatorReservation
}

// SetAllocatorReservation is called by the handler when funding the transaction.
func (t *Transaction) SetAllocatorReservation(r *Reservation) {
	t.allocatorReservation = r
}

// Add stages m against objectID, replacing any staged mutation with the same
// (object id, key). It returns the previous payload, or nil if the key was
// not staged, so callers can fold repeated edits into one journal entry
// while still observing the prior value.
func (t *Transaction) Add(objectID uint64, m Mutation) *Mutation {
	return t.AddWithObject(objectID, m, nil)
}

// AddWithObject stages m with an associated object that is notified when the
// mutation is applied.
func (t *Transaction) AddWithObject(objectID uint64, m Mutation, assoc AssociatedObject) *Mutation {
	log.WithFields(log.Fields{"objectID": objectID, "kind": m.Kind}).Debug("txn::transaction::AddWithObject; start")

	tm := TxnMutation{ObjectID: objectID, Mutation: m, Associated: assoc}
	i := sort.Search(len(t.mutations), func(i int) bool {
		return compareTxnMutations(&t.mutations[i], &tm) >= 0
	})
	if i < len(t.mutations) && compareTxnMutations(&t.mutations[i], &tm) == 0 {
		prev := t.mutations[i].Mutation
		t.mutations[i] = tm
		return &prev
	}
	t.mutations = append(t.mutations, TxnMutation{})
	copy(t.mutations[i+1:], t.mutations[i:])
	t.mutations[i] = tm
	return nil
}

// Remove cancels a staged mutation with m's (object id, key), if any.
func (t *Transaction) Remove(objectID uint64, m Mutation) {
	tm := TxnMutation{ObjectID: objectID, Mutation: m}
	i := sort.Search(len(t.mutations), func(i int) bool {
		return compareTxnMutations(&t.mutations[i], &tm) >= 0
	})
	if i < len(t.mutations) && compareTxnMutations(&t.mutations[i], &tm) == 0 {
		t.mutations = append(t.mutations[:i], t.mutations[i+1:]...)
	}
}

// GetObjectMutation returns the staged-but-uncommitted mutation matching m's
// (object id, key), or nil. Callers use it to read back pending state
// without re-deriving it.
func (t *Transaction) GetObjectMutation(objectID uint64, m Mutation) *Mutation {
	tm := TxnMutation{ObjectID: objectID, Mutation: m}
	i := sort.Search(len(t.mutations), func(i int) bool {
		return compareTxnMutations(&t.mutations[i], &tm) >= 0
	})
	if i < len(t.mutations) && compareTxnMutations(&t.mutations[i], &tm) == 0 {
		return &t.mutations[i].Mutation
	}
	return nil
}

// TakeMutations removes and returns all staged mutations. Called by the
// handler once the mutations have been journaled.
func (t *Transaction) TakeMutations() []TxnMutation {
	m := t.mutations
	t.mutations = nil
	return m
}

// Commit journals and applies the staged mutations, then releases the
// transaction's locks. It returns the journal offset of the commit. On
// failure the staged mutations and locks are kept, so Close rolls the
// transaction back.
func (t *Transaction) Commit(ctx context.Context) (uint64, error) {
	return t.CommitWithCallback(ctx, nil)
}

// CommitWithCallback commits like Commit and additionally invokes f with the
// journal offset while the transaction's locks are still held, so no
// concurrent transaction can interleave with an externally visible side
// effect of this commit.
func (t *Transaction) CommitWithCallback(ctx context.Context, f func(offset uint64)) (uint64, error) {
	log.WithFields(log.Fields{"mutations": len(t.mutations)}).Info("txn::transaction::Commit; started")

	if t.closed {
		return 0, common.NewCommittedTransactionError("commit on a closed transaction")
	}
	offset, err := t.handler.CommitTransaction(ctx, t, f)
	if err != nil {
		return 0, err
	}
	t.Close()
	return offset, nil
}

// CommitAndContinue commits the staged mutations but keeps the transaction
// alive: its write-class locks are downgraded back to txn locks so it can
// keep staging and commit again within one continuous lock scope. Used to
// split an operation that must look atomic to callers into multiple
// bounded journal transactions.
func (t *Transaction) CommitAndContinue(ctx context.Context) error {
	log.WithFields(log.Fields{"mutations": len(t.mutations)}).Info("txn::transaction::CommitAndContinue; started")

	if t.closed {
		return common.NewCommittedTransactionError("commit on a closed transaction")
	}
	if _, err := t.handler.CommitTransaction(ctx, t, nil); err != nil {
		return err
	}
	if len(t.mutations) != 0 {
		panic(fmt.Sprintf("txn: %d mutations remain staged after commit", len(t.mutations)))
	}
	t.handler.LockManager().DowngradeLocks(t.txnLocks)
	return nil
}

// Close releases the transaction's locks. If mutations are still staged the
// transaction was never committed and they are discarded; nothing is
// applied. Close is idempotent, so `defer t.Close()` is safe alongside an
// explicit Commit.
func (t *Transaction) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if len(t.mutations) > 0 {
		log.WithFields(log.Fields{"mutations": len(t.mutations)}).Warn("txn::transaction::Close; dropping uncommitted transaction")
		t.mutations = nil
	}
	t.handler.DropTransaction(t)
}
