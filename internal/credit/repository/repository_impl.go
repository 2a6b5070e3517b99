package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

// New returns the gorm-backed credit repository.
func New(db *gorm.DB) creditdomain.Repository {
	return &repo{db: db}
}

func (r *repo) GetAccount(ctx context.Context, tenantID, entityID, targetApplication string) (*creditdomain.CreditAccount, error) {
	var account creditdomain.CreditAccount
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id = ? AND target_application = ?", tenantID, entityID, targetApplication).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) CreateAccount(ctx context.Context, account *creditdomain.CreditAccount) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *repo) UpdateAccount(ctx context.Context, account *creditdomain.CreditAccount, expectedVersion int64, guard *creditdomain.BalanceGuard) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&creditdomain.CreditAccount{}).
		Where("id = ? AND version = ?", account.ID, expectedVersion)

	// Guards re-check balance preconditions against the stored row inside
	// the UPDATE, so a stale read can never commit an invalid state.
	if guard != nil {
		if guard.MinAvailable != nil {
			query = query.Where("allocated_credits - used_credits >= ?", *guard.MinAvailable)
		}
		if guard.MinUsed != nil {
			query = query.Where("used_credits >= ?", *guard.MinUsed)
		}
	}

	result := query.Updates(map[string]any{
		"allocated_credits":     account.AllocatedCredits,
		"used_credits":          account.UsedCredits,
		"available_credits":     account.AvailableCredits,
		"version":               account.Version,
		"is_active":             account.IsActive,
		"expires_at":            account.ExpiresAt,
		"transaction_ids":       account.TransactionIDs,
		"last_transaction_id":   account.LastTransactionID,
		"reconciliation_status": account.ReconciliationStatus,
		"last_sync_at":          account.LastSyncAt,
		"last_reconciled_at":    account.LastReconciledAt,
		"updated_at":            time.Now().UTC(),
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SetReconciliationStatus(ctx context.Context, accountID snowflake.ID, status creditdomain.ReconciliationStatus, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE credit_accounts
		 SET reconciliation_status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		at,
		accountID,
	).Error
}

func (r *repo) ListAccountsByReconciliationStatus(ctx context.Context, status creditdomain.ReconciliationStatus, limit int) ([]creditdomain.CreditAccount, error) {
	if limit <= 0 {
		limit = 100
	}
	var accounts []creditdomain.CreditAccount
	err := r.db.WithContext(ctx).
		Where("reconciliation_status = ?", status).
		Order("updated_at ASC").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *repo) CreateTransaction(ctx context.Context, tx *creditdomain.CreditTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *repo) MarkTransactionProcessed(ctx context.Context, transactionID string, creditRecordID snowflake.ID, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE credit_transactions
		 SET status = ?, credit_record_id = ?, processed_at = ?
		 WHERE transaction_id = ? AND status = ?`,
		creditdomain.TransactionStatusProcessed,
		creditRecordID,
		at,
		transactionID,
		creditdomain.TransactionStatusPending,
	).Error
}

func (r *repo) MarkTransactionFailed(ctx context.Context, transactionID, message string, at time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE credit_transactions
		 SET status = ?, error_message = ?, processed_at = ?
		 WHERE transaction_id = ? AND status = ?`,
		creditdomain.TransactionStatusFailed,
		message,
		at,
		transactionID,
		creditdomain.TransactionStatusPending,
	).Error
}

func (r *repo) FindTransactionByID(ctx context.Context, transactionID string) (*creditdomain.CreditTransaction, error) {
	var tx creditdomain.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) FindAllocationBySourceEventID(ctx context.Context, tenantID, entityID, sourceEventID string) (*creditdomain.CreditTransaction, error) {
	var tx creditdomain.CreditTransaction
	// Live attempts win over failed ones: a failed attempt followed by a
	// successful retry must resolve to the retry, whatever their order.
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id = ? AND type = ? AND source_event_id = ? AND status <> ?",
			tenantID, entityID, creditdomain.TransactionTypeAllocation, sourceEventID,
			creditdomain.TransactionStatusFailed).
		Order("created_at ASC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = r.db.WithContext(ctx).
			Where("tenant_id = ? AND entity_id = ? AND type = ? AND source_event_id = ?",
				tenantID, entityID, creditdomain.TransactionTypeAllocation, sourceEventID).
			Order("created_at ASC").
			First(&tx).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) FindReservation(ctx context.Context, tenantID, entityID, reservationID string) (*creditdomain.CreditTransaction, error) {
	var tx creditdomain.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id = ? AND type = ? AND reservation_id = ?",
			tenantID, entityID, creditdomain.TransactionTypeReservation, reservationID).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) FindReservationOutcome(ctx context.Context, tenantID, entityID, reservationID string) (*creditdomain.CreditTransaction, error) {
	var tx creditdomain.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id = ? AND type IN (?, ?) AND reservation_id = ? AND status = ?",
			tenantID, entityID,
			creditdomain.TransactionTypeCommit, creditdomain.TransactionTypeRelease,
			reservationID,
			creditdomain.TransactionStatusProcessed).
		Order("created_at ASC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]creditdomain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []creditdomain.CreditTransaction
	err := r.db.WithContext(ctx).Raw(
		`SELECT * FROM credit_transactions r
		 WHERE r.type = ? AND r.status = ? AND r.expires_at IS NOT NULL AND r.expires_at < ?
		   AND NOT EXISTS (
			   SELECT 1 FROM credit_transactions o
			   WHERE o.tenant_id = r.tenant_id
			     AND o.entity_id = r.entity_id
			     AND o.reservation_id = r.reservation_id
			     AND o.type IN (?, ?)
			     AND o.status = ?
		   )
		 ORDER BY r.expires_at ASC
		 LIMIT ?`,
		creditdomain.TransactionTypeReservation,
		creditdomain.TransactionStatusProcessed,
		before,
		creditdomain.TransactionTypeCommit,
		creditdomain.TransactionTypeRelease,
		creditdomain.TransactionStatusProcessed,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListProcessedTransactions(ctx context.Context, tenantID, entityID string) ([]creditdomain.CreditTransaction, error) {
	var rows []creditdomain.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id = ? AND status = ?",
			tenantID, entityID, creditdomain.TransactionStatusProcessed).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListTransactions(ctx context.Context, tenantID, entityID string, limit, offset int) ([]creditdomain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []creditdomain.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_id = ?", tenantID, entityID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
