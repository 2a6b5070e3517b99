package domain

import (
	"context"
	"time"
)

// MetadataSourceEventID is the metadata key carrying the stream event id used
// for idempotent allocation.
const MetadataSourceEventID = "source_event_id"

type AllocateRequest struct {
	TenantID string         `json:"tenant_id"`
	EntityID string         `json:"entity_id"`
	Amount   int64          `json:"amount"`
	Source   CreditSource   `json:"source"`
	Metadata map[string]any `json:"metadata"`
}

type ConsumeRequest struct {
	TenantID      string         `json:"tenant_id"`
	EntityID      string         `json:"entity_id"`
	Amount        int64          `json:"amount"`
	OperationType string         `json:"operation_type"`
	OperationID   string         `json:"operation_id"`
	Source        CreditSource   `json:"source"`
	UserID        string         `json:"user_id"`
	Metadata      map[string]any `json:"metadata"`
}

type RefundRequest struct {
	TenantID              string         `json:"tenant_id"`
	EntityID              string         `json:"entity_id"`
	Amount                int64          `json:"amount"`
	OriginalTransactionID string         `json:"original_transaction_id"`
	Reason                string         `json:"reason"`
	Metadata              map[string]any `json:"metadata"`
}

type ReserveRequest struct {
	TenantID      string         `json:"tenant_id"`
	EntityID      string         `json:"entity_id"`
	Amount        int64          `json:"amount"`
	OperationType string         `json:"operation_type"`
	OperationID   string         `json:"operation_id"`
	TTL           time.Duration  `json:"ttl"`
	Metadata      map[string]any `json:"metadata"`
}

// MutationResult pairs the account state after a mutation with the
// transaction that recorded it.
type MutationResult struct {
	Account       *CreditAccount     `json:"account"`
	Transaction   *CreditTransaction `json:"transaction"`
	WasIdempotent bool               `json:"was_idempotent"`
}

type Balance struct {
	TenantID         string `json:"tenant_id"`
	EntityID         string `json:"entity_id"`
	AllocatedCredits int64  `json:"allocated_credits"`
	UsedCredits      int64  `json:"used_credits"`
	AvailableCredits int64  `json:"available_credits"`
	Version          int64  `json:"version"`
	Exists           bool   `json:"exists"`
}

// BalanceTotals holds totals replayed from the transaction log.
type BalanceTotals struct {
	Allocated int64 `json:"allocated"`
	Used      int64 `json:"used"`
}

type VerifyResult struct {
	IsConsistent  bool          `json:"is_consistent"`
	WasReconciled bool          `json:"was_reconciled"`
	Cached        BalanceTotals `json:"cached"`
	Computed      BalanceTotals `json:"computed"`
}

type HistoryRequest struct {
	TenantID string `json:"tenant_id"`
	EntityID string `json:"entity_id"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

// Service is the credit ledger API consumed by the transport layer and the
// event sync consumer. Tenant, entity and user ids are opaque strings
// established by the caller.
type Service interface {
	AllocateCredits(ctx context.Context, req AllocateRequest) (*MutationResult, error)
	ConsumeCredits(ctx context.Context, req ConsumeRequest) (*MutationResult, error)
	RefundCredits(ctx context.Context, req RefundRequest) (*MutationResult, error)

	ReserveCredits(ctx context.Context, req ReserveRequest) (*MutationResult, error)
	CommitReservation(ctx context.Context, tenantID, entityID, reservationID string) (*MutationResult, error)
	ReleaseReservation(ctx context.Context, tenantID, entityID, reservationID string) (*MutationResult, error)

	GetBalance(ctx context.Context, tenantID, entityID string) (*Balance, error)
	GetAvailableCredits(ctx context.Context, tenantID, entityID string) (int64, error)
	VerifyCredits(ctx context.Context, tenantID, entityID string) (*VerifyResult, error)
	ReconcileCredits(ctx context.Context, tenantID, entityID string) (*CreditAccount, error)
	GetTransactionHistory(ctx context.Context, req HistoryRequest) ([]CreditTransaction, error)
}

// AllocationNotifier publishes a downstream notification for allocations that
// originated locally. Implementations must not block the ledger: failures are
// logged by the caller and never roll back the allocation.
type AllocationNotifier interface {
	NotifyCreditAllocated(ctx context.Context, tenantID, entityID string, amount int64, metadata map[string]string) error
}
