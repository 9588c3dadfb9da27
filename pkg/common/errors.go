package common

import (
	"fmt"
)

// NotFoundError is returned when the required value is not found.
type NotFoundError struct {
	Message string
}

func (nf NotFoundError) Error() string {
	return fmt.Sprintf("%s", nf.Message)
}

// NewNotFoundError creates a new instance of NotFoundError with the given message.
func NewNotFoundError(message string) NotFoundError {
	return NotFoundError{
		Message: message,
	}
}

// CommittedTransactionError is returned when an operation is called on an already committed txn.
type CommittedTransactionError struct {
	Message string
}

func (cte CommittedTransactionError) Error() string {
	return fmt.Sprintf("%s", cte.Message)
}

// NewCommittedTransactionError creates a new instance of CommittedTransactionError with the given message.
func NewCommittedTransactionError(message string) CommittedTransactionError {
	return CommittedTransactionError{
		Message: message,
	}
}

// TransactionCommitError is returned when a commit operation fails on a txn.
type TransactionCommitError struct {
	Message string
}

func (tce TransactionCommitError) Error() string {
	return fmt.Sprintf("%s", tce.Message)
}

// NewTransactionCommitError creates a new instance of TransactionCommitError with the given message.
func NewTransactionCommitError(message string) TransactionCommitError {
	return TransactionCommitError{
		Message: message,
	}
}

// JournalFullError is returned when a single transaction's serialized mutations
// exceed the per-transaction journal budget.
type JournalFullError struct {
	Message string
}

func (jfe JournalFullError) Error() string {
	return fmt.Sprintf("%s", jfe.Message)
}

// NewJournalFullError creates a new instance of JournalFullError with the given message.
func NewJournalFullError(message string) JournalFullError {
	return JournalFullError{
		Message: message,
	}
}

// NoSpaceError is returned when the reserved metadata pool cannot fund a transaction.
type NoSpaceError struct {
	Message string
}

func (nse NoSpaceError) Error() string {
	return fmt.Sprintf("%s", nse.Message)
}

// NewNoSpaceError creates a new instance of NoSpaceError with the given message.
func NewNoSpaceError(message string) NoSpaceError {
	return NoSpaceError{
		Message: message,
	}
}
