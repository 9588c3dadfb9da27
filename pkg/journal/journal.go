package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/vsrinivas/fuchsia-sub025/pkg/common"
	"github.com/vsrinivas/fuchsia-sub025/pkg/lock"
	"github.com/vsrinivas/fuchsia-sub025/pkg/txn"
)

var journalBucket = []byte("journal")

// Journal is the reference TransactionHandler. It acquires locks from its
// lock manager, appends each committed transaction's mutations to a bbolt
// file under a monotonically increasing byte offset, and applies them to an
// in-memory ObjectManager while the transaction's locks exclude readers.
type Journal struct {
	cfg     *common.StoreConfig
	db      *bolt.DB
	lm      *lock.Manager
	objects *ObjectManager

	// pool funds dedicated metadata reservations
	pool *txn.Reservation

	closed common.ProtectedBool

	mu sync.Mutex
	// bytes currently borrowed from the pool by BorrowMetadataSpace transactions
	borrowed   uint64
	nextOffset uint64
}

// Open opens (creating if needed) the journal at cfg.JournalPath and replays
// its records to rebuild the in-memory object state.
func Open(cfg *common.StoreConfig) (*Journal, error) {
	log.WithFields(log.Fields{"path": cfg.JournalPath}).Info("journal::journal::Open; start")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		lvl, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		log.SetLevel(lvl)
	}
	db, err := bolt.Open(cfg.JournalPath, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}

	j := &Journal{
		cfg:     cfg,
		db:      db,
		lm:      lock.NewManager(),
		objects: NewObjectManager(),
		pool:    txn.NewReservation(cfg.ReservedPoolBytes),
	}

	records := 0
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(journalBucket)
		if err != nil {
			return err
		}
		// replay every record in offset order to rebuild the in-memory
		// state, and resume appending after the last one
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			mutations, err := decodeMutations(v)
			if err != nil {
				return fmt.Errorf("error replaying journal record at offset %d: %w", common.ByteToU64(k), err)
			}
			for _, tm := range mutations {
				j.objects.ApplyMutation(tm.ObjectID, tm.Mutation)
			}
			j.nextOffset = common.ByteToU64(k) + uint64(len(v))
			records++
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{"records": records, "nextOffset": j.nextOffset}).Info("journal::journal::Open; done")
	return j, nil
}

// Close closes the journal file. Transactions can no longer be created or
// committed afterwards.
func (j *Journal) Close() error {
	j.closed.Set(true)
	return j.db.Close()
}

// LockManager returns the lock manager transactions acquire locks from.
func (j *Journal) LockManager() *lock.Manager {
	return j.lm
}

// ObjectManager returns the in-memory state committed mutations are applied to.
func (j *Journal) ObjectManager() *ObjectManager {
	return j.objects
}

// NewTransaction acquires a read lock on the filesystem key, then txn locks
// on keys (always in that order, so lock acquisition cannot cycle), funds the
// transaction's metadata reservation per opts, and returns the transaction.
func (j *Journal) NewTransaction(ctx context.Context, keys []lock.Key, opts txn.Options) (*txn.Transaction, error) {
	log.WithFields(log.Fields{"keys": keys}).Debug("journal::journal::NewTransaction; start")

	if j.closed.Get() {
		return nil, common.NewTransactionCommitError("journal is closed")
	}
	readKeys, err := j.lm.ReadLockKeys(ctx, []lock.Key{lock.FilesystemKey()})
	if err != nil {
		return nil, err
	}
	txnKeys, err := j.lm.TxnLock(ctx, keys)
	if err != nil {
		j.lm.DropTransaction(nil, readKeys)
		return nil, err
	}

	t := txn.NewTransaction(j, opts, txnKeys, readKeys)
	if err := j.fundMetadata(t, opts); err != nil {
		j.lm.DropTransaction(txnKeys, readKeys)
		return nil, err
	}
	return t, nil
}

// fundMetadata sets up the metadata reservation guaranteeing the transaction
// can commit even under low free space.
func (j *Journal) fundMetadata(t *txn.Transaction, opts txn.Options) error {
	amount := j.cfg.TransactionMetadataBytes
	switch {
	case opts.AllocatorReservation != nil:
		if !opts.AllocatorReservation.Take(amount) {
			return common.NewNoSpaceError(fmt.Sprintf("allocator reservation cannot hold %d bytes", amount))
		}
		t.SetAllocatorReservation(opts.AllocatorReservation)
		t.SetMetadataReservation(txn.MetadataReservation{Kind: txn.MetadataReservationHold, Bytes: amount})
	case opts.BorrowMetadataSpace:
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.borrowed+amount > j.cfg.ReservedPoolBytes {
			return common.NewNoSpaceError(fmt.Sprintf("reserved pool cannot lend %d bytes", amount))
		}
		j.borrowed += amount
		t.SetMetadataReservation(txn.MetadataReservation{Kind: txn.MetadataReservationBorrowed, Bytes: amount})
	default:
		if !j.pool.Take(amount) {
			return common.NewNoSpaceError(fmt.Sprintf("reserved pool cannot fund %d bytes", amount))
		}
		t.SetMetadataReservation(txn.MetadataReservation{Kind: txn.MetadataReservationOwned, Reservation: txn.NewReservation(amount)})
	}
	return nil
}

// CommitTransaction upgrades the transaction's txn locks to write locks
// (waiting only for readers already inside), appends the serialized mutations
// to the journal, applies them, clears the staging set and invokes callback
// with the journal offset. Locks are not released here; the transaction's
// Close (or CommitAndContinue's downgrade) does that, which is what keeps the
// callback inside the exclusive window.
func (j *Journal) CommitTransaction(ctx context.Context, t *txn.Transaction, callback func(offset uint64)) (uint64, error) {
	log.WithFields(log.Fields{"mutations": len(t.Mutations())}).Info("journal::journal::CommitTransaction; started")

	data := encodeMutations(t.Mutations())
	if !t.Options().SkipJournalChecks && uint64(len(data)) > txn.TransactionMaxJournalUsage {
		return 0, common.NewJournalFullError(fmt.Sprintf("transaction serializes to %d bytes, limit %d; split it with CommitAndContinue", len(data), txn.TransactionMaxJournalUsage))
	}

	if err := j.lm.CommitPrepareKeys(ctx, t.TxnLocks()); err != nil {
		return 0, err
	}

	j.mu.Lock()
	offset := j.nextOffset
	j.nextOffset += uint64(len(data))
	j.mu.Unlock()

	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put(common.U64ToByte(offset), data)
	})
	if err != nil {
		// the staging set stays intact; drop the exclusivity we took so the
		// caller can retry or roll back
		j.lm.DowngradeLocks(t.TxnLocks())
		return 0, common.NewTransactionCommitError(fmt.Sprintf("error journaling transaction at offset %d: %s", offset, err))
	}

	for _, tm := range t.TakeMutations() {
		if tm.Associated != nil {
			tm.Associated.WillApplyMutation(tm.ObjectID, tm.Mutation)
		}
		j.objects.ApplyMutation(tm.ObjectID, tm.Mutation)
	}
	if callback != nil {
		callback(offset)
	}

	log.WithFields(log.Fields{"offset": offset}).Info("journal::journal::CommitTransaction; committed successfully")
	return offset, nil
}

// DropTransaction releases the transaction's locks without applying anything
// and returns its metadata funding.
func (j *Journal) DropTransaction(t *txn.Transaction) {
	j.lm.DropTransaction(t.TxnLocks(), t.ReadLocks())

	mr := t.MetadataReservation()
	switch mr.Kind {
	case txn.MetadataReservationBorrowed:
		j.mu.Lock()
		j.borrowed -= mr.Bytes
		j.mu.Unlock()
	case txn.MetadataReservationOwned:
		j.pool.Add(mr.Reservation.Amount())
	case txn.MetadataReservationHold:
		t.AllocatorReservation().Add(mr.Bytes)
	}
	t.SetMetadataReservation(txn.MetadataReservation{Kind: txn.MetadataReservationNone})
}

// PoolAvailable returns the bytes left in the reservation pool.
func (j *Journal) PoolAvailable() uint64 {
	return j.pool.Amount()
}

// BorrowedBytes returns the bytes currently borrowed from the pool.
func (j *Journal) BorrowedBytes() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.borrowed
}
