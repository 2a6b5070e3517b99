package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/metrics"
	"github.com/smallbiznis/creditledger/internal/retry"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const defaultReservationTTL = 15 * time.Minute

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     creditdomain.Repository
	Config   config.Config
	Notifier creditdomain.AllocationNotifier `optional:"true"`
	Metrics  *metrics.Metrics                `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     creditdomain.Repository
	retryCfg retry.Config
	notifier creditdomain.AllocationNotifier
	metrics  *metrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		log:   p.Log.Named("credit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		retryCfg: retry.Config{
			MaxAttempts: p.Config.Ledger.MaxAttempts,
			BackoffBase: p.Config.Ledger.BackoffBase,
		},
		notifier: p.Notifier,
		metrics:  p.Metrics,
	}
}

func (s *Service) AllocateCredits(ctx context.Context, req creditdomain.AllocateRequest) (*creditdomain.MutationResult, error) {
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	source := req.Source
	if source == "" {
		source = creditdomain.SourceSystem
	}

	sourceEventID := metadataString(req.Metadata, creditdomain.MetadataSourceEventID)
	if sourceEventID != "" {
		existing, err := s.repo.FindAllocationBySourceEventID(ctx, req.TenantID, req.EntityID, sourceEventID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			switch existing.Status {
			case creditdomain.TransactionStatusProcessed:
				account, err := s.repo.GetAccount(ctx, req.TenantID, req.EntityID, creditdomain.TargetApplicationCRM)
				if err != nil {
					return nil, err
				}
				s.countOp("allocate", "idempotent")
				return &creditdomain.MutationResult{
					Account:       account,
					Transaction:   existing,
					WasIdempotent: true,
				}, nil
			case creditdomain.TransactionStatusPending:
				return nil, creditdomain.ErrDuplicateInFlight
			case creditdomain.TransactionStatusFailed:
				// The prior attempt terminated; a fresh transaction retries it.
			}
		}
	}

	now := s.clock.Now()
	tx := &creditdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		TransactionID: newID("tx", now),
		TenantID:      req.TenantID,
		EntityID:      req.EntityID,
		Type:          creditdomain.TransactionTypeAllocation,
		Amount:        req.Amount,
		Source:        source,
		Status:        creditdomain.TransactionStatusPending,
		SourceEventID: sourceEventID,
		Metadata:      toJSONMap(req.Metadata),
		CreatedAt:     now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	fromStream := sourceEventID != ""
	account, err := s.mutateAccount(ctx, req.TenantID, req.EntityID, tx, true, func(a *creditdomain.CreditAccount) (*creditdomain.BalanceGuard, error) {
		a.AllocatedCredits += req.Amount
		if source == creditdomain.SourceWrapper {
			syncAt := s.clock.Now()
			a.LastSyncAt = &syncAt
		}
		return nil, nil
	})
	if err != nil {
		s.failTransaction(ctx, tx, err)
		s.countOp("allocate", "error")
		return nil, err
	}
	s.completeTransaction(ctx, tx, account)
	s.countOp("allocate", "ok")

	// The sync failure path is retried independently of the ledger: the
	// allocation is the source of truth and must not be rolled back here.
	if source == creditdomain.SourceWrapper && !fromStream && s.notifier != nil {
		meta := map[string]string{"transaction_id": tx.TransactionID}
		if err := s.notifier.NotifyCreditAllocated(ctx, req.TenantID, req.EntityID, req.Amount, meta); err != nil {
			s.log.Warn("failed to publish allocation notification",
				zap.String("tenant_id", req.TenantID),
				zap.String("entity_id", req.EntityID),
				zap.Error(err),
			)
		}
	}

	return &creditdomain.MutationResult{Account: account, Transaction: tx}, nil
}

func (s *Service) ConsumeCredits(ctx context.Context, req creditdomain.ConsumeRequest) (*creditdomain.MutationResult, error) {
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	source := req.Source
	if source == "" {
		source = creditdomain.SourceCRM
	}

	now := s.clock.Now()
	tx := &creditdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		TransactionID: newID("tx", now),
		TenantID:      req.TenantID,
		EntityID:      req.EntityID,
		Type:          creditdomain.TransactionTypeConsumption,
		Amount:        req.Amount,
		Source:        source,
		OperationType: req.OperationType,
		OperationID:   req.OperationID,
		UserID:        req.UserID,
		Status:        creditdomain.TransactionStatusPending,
		Metadata:      toJSONMap(req.Metadata),
		CreatedAt:     now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	account, err := s.mutateAccount(ctx, req.TenantID, req.EntityID, tx, false, func(a *creditdomain.CreditAccount) (*creditdomain.BalanceGuard, error) {
		if err := s.consumable(a, req.Amount); err != nil {
			return nil, err
		}
		a.UsedCredits += req.Amount
		return &creditdomain.BalanceGuard{MinAvailable: &req.Amount}, nil
	})
	if err != nil {
		s.failTransaction(ctx, tx, err)
		s.countOp("consume", "error")
		return nil, err
	}
	s.completeTransaction(ctx, tx, account)
	s.countOp("consume", "ok")
	return &creditdomain.MutationResult{Account: account, Transaction: tx}, nil
}

func (s *Service) RefundCredits(ctx context.Context, req creditdomain.RefundRequest) (*creditdomain.MutationResult, error) {
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	meta := toJSONMap(req.Metadata)
	if req.Reason != "" {
		if meta == nil {
			meta = datatypes.JSONMap{}
		}
		meta["reason"] = req.Reason
	}
	tx := &creditdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		TransactionID: newID("tx", now),
		TenantID:      req.TenantID,
		EntityID:      req.EntityID,
		Type:          creditdomain.TransactionTypeRefund,
		Amount:        req.Amount,
		Source:        creditdomain.SourceCRM,
		OperationID:   req.OriginalTransactionID,
		Status:        creditdomain.TransactionStatusPending,
		Metadata:      meta,
		CreatedAt:     now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	account, err := s.mutateAccount(ctx, req.TenantID, req.EntityID, tx, false, func(a *creditdomain.CreditAccount) (*creditdomain.BalanceGuard, error) {
		if a.UsedCredits < req.Amount {
			return nil, creditdomain.ErrExcessiveRefund
		}
		a.UsedCredits -= req.Amount
		return &creditdomain.BalanceGuard{MinUsed: &req.Amount}, nil
	})
	if err != nil {
		s.failTransaction(ctx, tx, err)
		s.countOp("refund", "error")
		return nil, err
	}
	s.completeTransaction(ctx, tx, account)
	s.countOp("refund", "ok")
	return &creditdomain.MutationResult{Account: account, Transaction: tx}, nil
}

func (s *Service) ReserveCredits(ctx context.Context, req creditdomain.ReserveRequest) (*creditdomain.MutationResult, error) {
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	now := s.clock.Now()
	expiresAt := now.Add(ttl)
	tx := &creditdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		TransactionID: newID("tx", now),
		TenantID:      req.TenantID,
		EntityID:      req.EntityID,
		Type:          creditdomain.TransactionTypeReservation,
		Amount:        req.Amount,
		Source:        creditdomain.SourceCRM,
		OperationType: req.OperationType,
		OperationID:   req.OperationID,
		Status:        creditdomain.TransactionStatusPending,
		ReservationID: newID("rsv", now),
		ExpiresAt:     &expiresAt,
		Metadata:      toJSONMap(req.Metadata),
		CreatedAt:     now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	account, err := s.mutateAccount(ctx, req.TenantID, req.EntityID, tx, false, func(a *creditdomain.CreditAccount) (*creditdomain.BalanceGuard, error) {
		if err := s.consumable(a, req.Amount); err != nil {
			return nil, err
		}
		a.UsedCredits += req.Amount
		return &creditdomain.BalanceGuard{MinAvailable: &req.Amount}, nil
	})
	if err != nil {
		s.failTransaction(ctx, tx, err)
		s.countOp("reserve", "error")
		return nil, err
	}
	s.completeTransaction(ctx, tx, account)
	s.countOp("reserve", "ok")
	return &creditdomain.MutationResult{Account: account, Transaction: tx}, nil
}

func (s *Service) CommitReservation(ctx context.Context, tenantID, entityID, reservationID string) (*creditdomain.MutationResult, error) {
	return s.settleReservation(ctx, tenantID, entityID, reservationID, creditdomain.TransactionTypeCommit)
}

func (s *Service) ReleaseReservation(ctx context.Context, tenantID, entityID, reservationID string) (*creditdomain.MutationResult, error) {
	return s.settleReservation(ctx, tenantID, entityID, reservationID, creditdomain.TransactionTypeRelease)
}

func (s *Service) settleReservation(ctx context.Context, tenantID, entityID, reservationID string, outcome creditdomain.TransactionType) (*creditdomain.MutationResult, error) {
	reservation, err := s.repo.FindReservation(ctx, tenantID, entityID, reservationID)
	if err != nil {
		return nil, err
	}
	if reservation == nil || reservation.Status != creditdomain.TransactionStatusProcessed {
		return nil, creditdomain.ErrReservationNotFound
	}
	settled, err := s.repo.FindReservationOutcome(ctx, tenantID, entityID, reservationID)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return nil, creditdomain.ErrReservationNotActive
	}

	now := s.clock.Now()
	tx := &creditdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		TransactionID: newID("tx", now),
		TenantID:      tenantID,
		EntityID:      entityID,
		Type:          outcome,
		Amount:        reservation.Amount,
		Source:        creditdomain.SourceCRM,
		OperationType: reservation.OperationType,
		OperationID:   reservation.TransactionID,
		Status:        creditdomain.TransactionStatusPending,
		ReservationID: reservationID,
		CreatedAt:     now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	amount := reservation.Amount
	account, err := s.mutateAccount(ctx, tenantID, entityID, tx, false, func(a *creditdomain.CreditAccount) (*creditdomain.BalanceGuard, error) {
		if outcome == creditdomain.TransactionTypeRelease {
			if a.UsedCredits < amount {
				return nil, creditdomain.ErrExcessiveRefund
			}
			a.UsedCredits -= amount
			return &creditdomain.BalanceGuard{MinUsed: &amount}, nil
		}
		// Commit keeps the hold in used credits; only the version moves.
		return nil, nil
	})
	if err != nil {
		s.failTransaction(ctx, tx, err)
		return nil, err
	}
	s.completeTransaction(ctx, tx, account)
	return &creditdomain.MutationResult{Account: account, Transaction: tx}, nil
}

func (s *Service) GetBalance(ctx context.Context, tenantID, entityID string) (*creditdomain.Balance, error) {
	account, err := s.repo.GetAccount(ctx, tenantID, entityID, creditdomain.TargetApplicationCRM)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &creditdomain.Balance{TenantID: tenantID, EntityID: entityID}, nil
	}
	return &creditdomain.Balance{
		TenantID:         tenantID,
		EntityID:         entityID,
		AllocatedCredits: account.AllocatedCredits,
		UsedCredits:      account.UsedCredits,
		AvailableCredits: account.AvailableCredits,
		Version:          account.Version,
		Exists:           true,
	}, nil
}

func (s *Service) GetAvailableCredits(ctx context.Context, tenantID, entityID string) (int64, error) {
	balance, err := s.GetBalance(ctx, tenantID, entityID)
	if err != nil {
		return 0, err
	}
	return balance.AvailableCredits, nil
}

func (s *Service) VerifyCredits(ctx context.Context, tenantID, entityID string) (*creditdomain.VerifyResult, error) {
	account, err := s.repo.GetAccount(ctx, tenantID, entityID, creditdomain.TargetApplicationCRM)
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.ListProcessedTransactions(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	computed := replayTotals(rows)

	var cached creditdomain.BalanceTotals
	if account != nil {
		cached = creditdomain.BalanceTotals{Allocated: account.AllocatedCredits, Used: account.UsedCredits}
	}

	result := &creditdomain.VerifyResult{
		IsConsistent: cached == computed,
		Cached:       cached,
		Computed:     computed,
	}
	if result.IsConsistent {
		return result, nil
	}

	s.log.Warn("credit balance drift detected",
		zap.String("tenant_id", tenantID),
		zap.String("entity_id", entityID),
		zap.Int64("cached_allocated", cached.Allocated),
		zap.Int64("cached_used", cached.Used),
		zap.Int64("computed_allocated", computed.Allocated),
		zap.Int64("computed_used", computed.Used),
	)
	if _, err := s.ReconcileCredits(ctx, tenantID, entityID); err == nil {
		result.WasReconciled = true
	}
	return result, nil
}

func (s *Service) ReconcileCredits(ctx context.Context, tenantID, entityID string) (*creditdomain.CreditAccount, error) {
	account, err := s.repo.GetAccount(ctx, tenantID, entityID, creditdomain.TargetApplicationCRM)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, creditdomain.ErrCreditRecordNotFound
	}

	rows, err := s.repo.ListProcessedTransactions(ctx, tenantID, entityID)
	if err != nil {
		return nil, s.reconcileFailed(ctx, account, err)
	}
	totals := replayTotals(rows)

	var updated *creditdomain.CreditAccount
	err = retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		current, err := s.repo.GetAccount(ctx, tenantID, entityID, creditdomain.TargetApplicationCRM)
		if err != nil {
			return err
		}
		if current == nil {
			return creditdomain.ErrCreditRecordNotFound
		}
		expected := current.Version
		now := s.clock.Now()

		current.AllocatedCredits = totals.Allocated
		current.UsedCredits = totals.Used
		current.AvailableCredits = availableOf(totals.Allocated, totals.Used)
		current.Version = expected + 1
		current.ReconciliationStatus = creditdomain.ReconciliationSynced
		current.LastReconciledAt = &now

		ok, err := s.repo.UpdateAccount(ctx, current, expected, nil)
		if err != nil {
			return err
		}
		if !ok {
			return retry.Conflict(fmt.Errorf("version %d superseded", expected))
		}
		updated = current
		return nil
	})
	if err != nil {
		s.countOp("reconcile", "error")
		return nil, s.reconcileFailed(ctx, account, err)
	}
	s.countOp("reconcile", "ok")
	return updated, nil
}

func (s *Service) GetTransactionHistory(ctx context.Context, req creditdomain.HistoryRequest) ([]creditdomain.CreditTransaction, error) {
	return s.repo.ListTransactions(ctx, req.TenantID, req.EntityID, req.Limit, req.Offset)
}

// mutateAccount runs the shared optimistic read-modify-write loop. apply
// adjusts allocated/used on the freshly read account and may return a
// write-time guard; a terminal error from apply aborts the loop immediately.
func (s *Service) mutateAccount(
	ctx context.Context,
	tenantID, entityID string,
	tx *creditdomain.CreditTransaction,
	createIfMissing bool,
	apply func(a *creditdomain.CreditAccount) (*creditdomain.BalanceGuard, error),
) (*creditdomain.CreditAccount, error) {
	var result *creditdomain.CreditAccount
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		account, err := s.repo.GetAccount(ctx, tenantID, entityID, creditdomain.TargetApplicationCRM)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if account == nil {
			if !createIfMissing {
				return creditdomain.ErrCreditRecordNotFound
			}
			fresh := &creditdomain.CreditAccount{
				ID:                   s.genID.Generate(),
				TenantID:             tenantID,
				EntityID:             entityID,
				TargetApplication:    creditdomain.TargetApplicationCRM,
				Version:              1,
				IsActive:             true,
				ReconciliationStatus: creditdomain.ReconciliationSynced,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if _, err := apply(fresh); err != nil {
				return err
			}
			fresh.AvailableCredits = availableOf(fresh.AllocatedCredits, fresh.UsedCredits)
			fresh.TransactionIDs = datatypes.JSONSlice[string]{tx.TransactionID}
			fresh.LastTransactionID = tx.TransactionID
			if err := s.repo.CreateAccount(ctx, fresh); err != nil {
				if db.IsDuplicateKeyErr(err) {
					// A concurrent creator won; the next attempt mutates its row.
					return retry.Conflict(err)
				}
				return err
			}
			result = fresh
			return nil
		}

		expected := account.Version
		guard, err := apply(account)
		if err != nil {
			return err
		}
		account.AvailableCredits = availableOf(account.AllocatedCredits, account.UsedCredits)
		account.Version = expected + 1
		account.TransactionIDs = append(account.TransactionIDs, tx.TransactionID)
		account.LastTransactionID = tx.TransactionID

		ok, err := s.repo.UpdateAccount(ctx, account, expected, guard)
		if err != nil {
			return err
		}
		if !ok {
			return retry.Conflict(fmt.Errorf("version %d superseded", expected))
		}
		result = account
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, creditdomain.ErrConcurrencyExhausted
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) consumable(a *creditdomain.CreditAccount, amount int64) error {
	if !a.IsActive {
		return creditdomain.ErrAccountInactive
	}
	if a.Expired(s.clock.Now()) {
		return creditdomain.ErrAccountExpired
	}
	if a.AvailableCredits < amount {
		return creditdomain.ErrInsufficientCredits
	}
	return nil
}

func (s *Service) completeTransaction(ctx context.Context, tx *creditdomain.CreditTransaction, account *creditdomain.CreditAccount) {
	now := s.clock.Now()
	if err := s.repo.MarkTransactionProcessed(ctx, tx.TransactionID, account.ID, now); err != nil {
		// The balance is already committed; reconciliation resolves the
		// orphan pending row.
		s.log.Error("failed to mark transaction processed",
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(err),
		)
		return
	}
	tx.Status = creditdomain.TransactionStatusProcessed
	tx.CreditRecordID = account.ID
	tx.ProcessedAt = &now
}

func (s *Service) failTransaction(ctx context.Context, tx *creditdomain.CreditTransaction, cause error) {
	now := s.clock.Now()
	if err := s.repo.MarkTransactionFailed(ctx, tx.TransactionID, cause.Error(), now); err != nil {
		s.log.Error("failed to mark transaction failed",
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(err),
		)
		return
	}
	tx.Status = creditdomain.TransactionStatusFailed
	tx.ErrorMessage = cause.Error()
	tx.ProcessedAt = &now
}

func (s *Service) reconcileFailed(ctx context.Context, account *creditdomain.CreditAccount, cause error) error {
	s.log.Error("reconciliation failed",
		zap.String("tenant_id", account.TenantID),
		zap.String("entity_id", account.EntityID),
		zap.Error(cause),
	)
	if err := s.repo.SetReconciliationStatus(ctx, account.ID, creditdomain.ReconciliationFailed, s.clock.Now()); err != nil {
		s.log.Error("failed to record reconciliation status", zap.Error(err))
	}
	return errors.Join(creditdomain.ErrReconciliationFailed, cause)
}

func (s *Service) countOp(op, result string) {
	if s.metrics != nil {
		s.metrics.IncLedgerOp(op, result)
	}
}

// replayTotals reconstructs balance totals from processed transactions in
// creation order. Commits are markers only: the hold already sits in used.
func replayTotals(rows []creditdomain.CreditTransaction) creditdomain.BalanceTotals {
	var totals creditdomain.BalanceTotals
	for _, row := range rows {
		switch row.Type {
		case creditdomain.TransactionTypeAllocation:
			totals.Allocated += row.Amount
		case creditdomain.TransactionTypeConsumption, creditdomain.TransactionTypeReservation:
			totals.Used += row.Amount
		case creditdomain.TransactionTypeRefund, creditdomain.TransactionTypeRelease:
			totals.Used -= row.Amount
		case creditdomain.TransactionTypeCommit:
		}
	}
	return totals
}

func availableOf(allocated, used int64) int64 {
	if available := allocated - used; available > 0 {
		return available
	}
	return 0
}

func newID(prefix string, now time.Time) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), hex.EncodeToString(buf))
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

func toJSONMap(metadata map[string]any) datatypes.JSONMap {
	if metadata == nil {
		return nil
	}
	return datatypes.JSONMap(metadata)
}
