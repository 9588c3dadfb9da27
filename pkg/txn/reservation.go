package txn

import (
	"fmt"
	"sync"
)

// TransactionMaxJournalUsage bounds the serialized size of a single
// transaction in the journal. Logical operations that would exceed it must
// be split into multiple transactions via CommitAndContinue.
const TransactionMaxJournalUsage uint64 = 24576

// Reservation is an amount of space earmarked against a pool (journal
// metadata space or an allocator reservation). A transaction can own one
// outright or hold bytes against an external one.
type Reservation struct {
	mu     sync.Mutex
	amount uint64
}

// NewReservation creates a reservation holding amount bytes.
func NewReservation(amount uint64) *Reservation {
	return &Reservation{amount: amount}
}

// Amount returns the bytes currently held.
func (r *Reservation) Amount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amount
}

// Take removes n bytes from the reservation, reporting whether enough were
// available. On failure the reservation is unchanged.
func (r *Reservation) Take(n uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.amount < n {
		return false
	}
	r.amount -= n
	return true
}

// Add returns n bytes to the reservation.
func (r *Reservation) Add(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amount += n
}

// MetadataReservationKind identifies how a transaction's metadata space is funded.
type MetadataReservationKind int

const (
	// MetadataReservationNone - no metadata space has been set up yet.
	MetadataReservationNone MetadataReservationKind = iota

	// MetadataReservationBorrowed - borrowed from the shared reserved pool.
	// Only safe for transactions that do not increase space usage after
	// compaction.
	MetadataReservationBorrowed

	// MetadataReservationOwned - a dedicated reservation owned by the transaction.
	MetadataReservationOwned

	// MetadataReservationHold - bytes earmarked on an external allocator
	// reservation but not drawn from the shared pool.
	MetadataReservationHold
)

// MetadataReservation models the metadata/journal space guaranteeing a
// transaction can commit even under low free space.
type MetadataReservation struct {
	Kind        MetadataReservationKind
	Reservation *Reservation // set for MetadataReservationOwned
	Bytes       uint64       // set for MetadataReservationBorrowed and MetadataReservationHold
}

func (m MetadataReservation) String() string {
	switch m.Kind {
	case MetadataReservationNone:
		return "none"
	case MetadataReservationBorrowed:
		return fmt.Sprintf("borrowed(%d)", m.Bytes)
	case MetadataReservationOwned:
		return fmt.Sprintf("reservation(%d)", m.Reservation.Amount())
	case MetadataReservationHold:
		return fmt.Sprintf("hold(%d)", m.Bytes)
	}
	return "invalid"
}
