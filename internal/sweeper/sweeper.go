// Package sweeper runs the background maintenance loop: expired reservation
// release, stale tracker claim cleanup and reconciliation of accounts left in
// pending state.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/tracker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockKey = "creditledger:sweeper:lock"

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Repo    creditdomain.Repository
	Credits creditdomain.Service
	Tracker *tracker.Tracker
	Locker  *Locker `optional:"true"`
	Config  config.Config
}

type Sweeper struct {
	log     *zap.Logger
	clock   clock.Clock
	repo    creditdomain.Repository
	credits creditdomain.Service
	tracker *tracker.Tracker
	locker  *Locker
	cfg     config.SweepConfig
}

func New(p Params) *Sweeper {
	return &Sweeper{
		log:     p.Log.Named("sweeper"),
		clock:   p.Clock,
		repo:    p.Repo,
		credits: p.Credits,
		tracker: p.Tracker,
		locker:  p.Locker,
		cfg:     p.Config.Sweep,
	}
}

// RunForever sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one sweep round. When a locker is configured, replicas
// contend for a short-lived lock and losers skip the round.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, lockKey, token); err != nil {
				s.log.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	var err error
	err = errors.Join(err, s.releaseExpiredReservations(ctx))
	err = errors.Join(err, s.cleanupTrackerClaims(ctx))
	err = errors.Join(err, s.reconcilePendingAccounts(ctx))
	return err
}

// releaseExpiredReservations returns held credits for reservations whose TTL
// passed without a commit or release.
func (s *Sweeper) releaseExpiredReservations(ctx context.Context) error {
	var jobErr error
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		reservations, err := s.repo.ListExpiredReservations(ctx, s.clock.Now(), s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(reservations) == 0 {
			return jobErr
		}

		released := 0
		for _, reservation := range reservations {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			_, err := s.credits.ReleaseReservation(ctx, reservation.TenantID, reservation.EntityID, reservation.ReservationID)
			if err != nil {
				// Already settled by a racing caller is not a sweep failure.
				if errors.Is(err, creditdomain.ErrReservationNotActive) || errors.Is(err, creditdomain.ErrReservationNotFound) {
					continue
				}
				jobErr = errors.Join(jobErr, err)
				s.log.Error("release expired reservation",
					zap.String("reservation_id", reservation.ReservationID),
					zap.String("tenant_id", reservation.TenantID),
					zap.Error(err),
				)
				continue
			}
			released++
			s.log.Info("released expired reservation",
				zap.String("reservation_id", reservation.ReservationID),
				zap.String("tenant_id", reservation.TenantID),
				zap.String("entity_id", reservation.EntityID),
				zap.Int64("amount", reservation.Amount),
			)
		}
		// A round where nothing moved means the remainder is stuck; leave it
		// for the next interval instead of spinning.
		if released == 0 {
			return jobErr
		}
	}
}

func (s *Sweeper) cleanupTrackerClaims(ctx context.Context) error {
	swept, err := s.tracker.CleanupStale(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		s.log.Info("swept stale tracker claims", zap.Int64("count", swept))
	}
	return nil
}

// reconcilePendingAccounts retries accounts whose last sync left them pending
// or failed, replaying the transaction log into the cached balance.
func (s *Sweeper) reconcilePendingAccounts(ctx context.Context) error {
	var jobErr error
	for _, status := range []creditdomain.ReconciliationStatus{creditdomain.ReconciliationPending, creditdomain.ReconciliationFailed} {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		accounts, err := s.repo.ListAccountsByReconciliationStatus(ctx, status, s.cfg.BatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		for _, account := range accounts {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if _, err := s.credits.ReconcileCredits(ctx, account.TenantID, account.EntityID); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Error("reconcile account",
					zap.String("tenant_id", account.TenantID),
					zap.String("entity_id", account.EntityID),
					zap.Error(err),
				)
			}
		}
	}
	return jobErr
}
