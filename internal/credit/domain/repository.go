package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BalanceGuard adds write-time conditions to the account compare-and-swap,
// evaluated against the stored row inside the UPDATE. It closes the window
// between the caller's read and its write.
type BalanceGuard struct {
	// MinAvailable requires allocated - used >= MinAvailable on the old row.
	MinAvailable *int64
	// MinUsed requires used >= MinUsed on the old row.
	MinUsed *int64
}

// Repository persists accounts and the transaction log. Account mutations go
// through UpdateAccount, a compare-and-swap conditioned on the version read
// by the caller; false means the row moved underneath us (or a write-time
// guard failed) and the caller must re-read and retry.
type Repository interface {
	GetAccount(ctx context.Context, tenantID, entityID, targetApplication string) (*CreditAccount, error)
	CreateAccount(ctx context.Context, account *CreditAccount) error
	UpdateAccount(ctx context.Context, account *CreditAccount, expectedVersion int64, guard *BalanceGuard) (bool, error)
	SetReconciliationStatus(ctx context.Context, accountID snowflake.ID, status ReconciliationStatus, at time.Time) error
	ListAccountsByReconciliationStatus(ctx context.Context, status ReconciliationStatus, limit int) ([]CreditAccount, error)

	CreateTransaction(ctx context.Context, tx *CreditTransaction) error
	MarkTransactionProcessed(ctx context.Context, transactionID string, creditRecordID snowflake.ID, at time.Time) error
	MarkTransactionFailed(ctx context.Context, transactionID, message string, at time.Time) error

	FindTransactionByID(ctx context.Context, transactionID string) (*CreditTransaction, error)
	FindAllocationBySourceEventID(ctx context.Context, tenantID, entityID, sourceEventID string) (*CreditTransaction, error)
	FindReservation(ctx context.Context, tenantID, entityID, reservationID string) (*CreditTransaction, error)
	FindReservationOutcome(ctx context.Context, tenantID, entityID, reservationID string) (*CreditTransaction, error)
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]CreditTransaction, error)

	ListProcessedTransactions(ctx context.Context, tenantID, entityID string) ([]CreditTransaction, error)
	ListTransactions(ctx context.Context, tenantID, entityID string, limit, offset int) ([]CreditTransaction, error)
}
