// Package domain contains the credit ledger aggregate and its immutable
// transaction log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionType discriminates ledger log entries.
type TransactionType string

const (
	TransactionTypeAllocation  TransactionType = "allocation"
	TransactionTypeConsumption TransactionType = "consumption"
	TransactionTypeRefund      TransactionType = "refund"
	TransactionTypeReservation TransactionType = "reservation"
	TransactionTypeCommit      TransactionType = "commit"
	TransactionTypeRelease     TransactionType = "release"
)

// TransactionStatus is the transaction state machine: pending is the only
// non-terminal state.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusProcessed TransactionStatus = "processed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// CreditSource identifies which system originated a mutation.
type CreditSource string

const (
	SourceWrapper CreditSource = "wrapper"
	SourceCRM     CreditSource = "crm"
	SourceSystem  CreditSource = "system"
)

// ReconciliationStatus reflects the last balance reconciliation outcome.
type ReconciliationStatus string

const (
	ReconciliationSynced  ReconciliationStatus = "synced"
	ReconciliationPending ReconciliationStatus = "pending"
	ReconciliationFailed  ReconciliationStatus = "failed"
)

// TargetApplication scopes an account to the application whose operations
// spend its credits.
const TargetApplicationCRM = "crm"

// CreditAccount is the per-(tenant, entity) balance aggregate. All amounts
// are integer minor units (hundredths of a credit). Version is the
// optimistic-lock token: every successful mutation increments it.
type CreditAccount struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	TenantID          string       `gorm:"type:text;not null;uniqueIndex:ux_credit_accounts_scope,priority:1"`
	EntityID          string       `gorm:"type:text;not null;uniqueIndex:ux_credit_accounts_scope,priority:2"`
	TargetApplication string       `gorm:"type:text;not null;uniqueIndex:ux_credit_accounts_scope,priority:3"`

	AllocatedCredits int64 `gorm:"not null;default:0"`
	UsedCredits      int64 `gorm:"not null;default:0"`
	AvailableCredits int64 `gorm:"not null;default:0"`
	Version          int64 `gorm:"not null;default:1"`

	IsActive  bool `gorm:"not null;default:true"`
	ExpiresAt *time.Time

	TransactionIDs       datatypes.JSONSlice[string] `gorm:"type:json"`
	LastTransactionID    string                      `gorm:"type:text"`
	ReconciliationStatus ReconciliationStatus        `gorm:"type:text;not null;default:synced;index"`
	LastSyncAt           *time.Time
	LastReconciledAt     *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// Expired reports whether the account is past its expiry at the given time.
func (a *CreditAccount) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// CreditTransaction is an append-only audit record. A transaction is created
// pending before the account mutation it describes; once processed or failed
// it is never mutated again.
type CreditTransaction struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TransactionID string       `gorm:"type:text;not null;uniqueIndex"`
	TenantID      string       `gorm:"type:text;not null;index:ix_credit_transactions_scope,priority:1"`
	EntityID      string       `gorm:"type:text;not null;index:ix_credit_transactions_scope,priority:2"`

	Type   TransactionType `gorm:"type:text;not null"`
	Amount int64           `gorm:"not null"`
	Source CreditSource    `gorm:"type:text;not null"`

	OperationType string `gorm:"type:text"`
	OperationID   string `gorm:"type:text"`
	UserID        string `gorm:"type:text"`

	Status       TransactionStatus `gorm:"type:text;not null;default:pending;index"`
	ErrorMessage string            `gorm:"type:text"`
	ProcessedAt  *time.Time

	// SourceEventID carries the stream event id for idempotent application of
	// wrapper-originated allocations.
	SourceEventID string `gorm:"type:text;index"`

	ReservationID string `gorm:"type:text;index"`
	ExpiresAt     *time.Time

	CreditRecordID snowflake.ID      `gorm:"index"`
	Metadata       datatypes.JSONMap `gorm:"type:json"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
