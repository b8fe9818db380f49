package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	obsmetrics "github.com/quillora/quillbill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Allocate(ctx context.Context, req creditdomain.AllocateRequest) (*creditdomain.AllocateResult, error) {
	var result *creditdomain.AllocateResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.AllocateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordAllocationAudit(ctx, req, result)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAllocation(ctx, string(req.Source), req.Amount)
	}
	return result, nil
}

func (s *Service) AllocateTx(ctx context.Context, tx *gorm.DB, req creditdomain.AllocateRequest) (*creditdomain.AllocateResult, error) {
	if req.UserID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return nil, creditdomain.ErrInvalidPeriod
	}

	now := s.clock.Now()

	balance, err := s.lockOrCreateBalance(ctx, tx, req.UserID, now)
	if err != nil {
		return nil, err
	}

	allocation := &creditdomain.CreditAllocation{
		ID:          s.genID.Generate(),
		UserID:      req.UserID,
		Amount:      req.Amount,
		Remaining:   req.Amount,
		Source:      req.Source,
		PeriodStart: req.PeriodStart.UTC(),
		PeriodEnd:   req.PeriodEnd.UTC(),
		ExpiresAt:   req.ExpiresAt,
		IsCurrent:   true,
		Metadata:    datatypes.JSONMap(req.Metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(allocation).Error; err != nil {
		return nil, err
	}

	newAmount := balance.Amount + req.Amount
	if err := s.updateBalance(ctx, tx, balance.ID, map[string]any{
		"amount":     newAmount,
		"updated_at": now,
	}); err != nil {
		return nil, err
	}

	allocationID := allocation.ID
	entry := &creditdomain.LedgerEntry{
		ID:            s.genID.Generate(),
		UserID:        req.UserID,
		Direction:     creditdomain.DirectionCredit,
		Amount:        req.Amount,
		BalanceBefore: balance.Amount,
		BalanceAfter:  newAmount,
		Source:        req.Source,
		Reason:        req.Reason,
		Status:        creditdomain.StatusCompleted,
		AllocationID:  &allocationID,
		CreatedAt:     now,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	if err := s.reconcile(ctx, tx, req.UserID, newAmount); err != nil {
		return nil, err
	}

	return &creditdomain.AllocateResult{Allocation: allocation, Entry: entry}, nil
}

func (s *Service) Deduct(ctx context.Context, req creditdomain.DeductRequest) (*creditdomain.LedgerEntry, error) {
	var entry *creditdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.DeductTx(ctx, tx, req)
		return err
	})
	if err == creditdomain.ErrBillingPeriodExpired {
		// The rollback undid the stale marking; redo it in its own
		// transaction so the lapsed allocations are retired anyway.
		s.sweepUser(ctx, req.UserID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordDeduction(ctx, req.Amount)
	}
	return entry, nil
}

func (s *Service) DeductTx(ctx context.Context, tx *gorm.DB, req creditdomain.DeductRequest) (*creditdomain.LedgerEntry, error) {
	if req.UserID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	requestID := strings.TrimSpace(req.RequestID)

	now := s.clock.Now()

	// The balance row lock serializes every mutation for this user, so
	// the idempotency lookup below cannot race a concurrent retry.
	balance, err := s.lockBalance(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, creditdomain.ErrNoActiveCreditRecord
	}

	if requestID != "" {
		existing, err := s.findEntryByRequestID(ctx, tx, requestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	reaped, err := s.reapLapsedAllocations(ctx, tx, req.UserID, balance, now)
	if err != nil {
		return nil, err
	}
	balanceAmount := balance.Amount - reaped

	var eligible []creditdomain.CreditAllocation
	if err := tx.WithContext(ctx).
		Where("user_id = ? AND is_current = ? AND remaining > 0", req.UserID, true).
		Order("CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, period_end ASC, id ASC").
		Find(&eligible).Error; err != nil {
		return nil, err
	}

	if len(eligible) == 0 {
		// A current allocation with nothing left means the period is
		// still live and the user is simply out of credits. Expired is
		// reserved for the case where no current allocation survives.
		var current int64
		if err := tx.WithContext(ctx).
			Model(&creditdomain.CreditAllocation{}).
			Where("user_id = ? AND is_current = ?", req.UserID, true).
			Count(&current).Error; err != nil {
			return nil, err
		}
		if current > 0 {
			return nil, creditdomain.ErrInsufficientCredits
		}
		var total int64
		if err := tx.WithContext(ctx).
			Model(&creditdomain.CreditAllocation{}).
			Where("user_id = ?", req.UserID).
			Count(&total).Error; err != nil {
			return nil, err
		}
		if total == 0 {
			return nil, creditdomain.ErrNoActiveCreditRecord
		}
		return nil, creditdomain.ErrBillingPeriodExpired
	}

	if balanceAmount < req.Amount {
		return nil, creditdomain.ErrInsufficientCredits
	}

	// Draw down soonest-expiring allocations first so the user loses as
	// little as possible to expiry.
	left := req.Amount
	for i := range eligible {
		if left == 0 {
			break
		}
		take := eligible[i].Remaining
		if take > left {
			take = left
		}
		if err := tx.WithContext(ctx).
			Model(&creditdomain.CreditAllocation{}).
			Where("id = ?", eligible[i].ID).
			Updates(map[string]any{
				"remaining":  gorm.Expr("remaining - ?", take),
				"updated_at": now,
			}).Error; err != nil {
			return nil, err
		}
		left -= take
	}
	if left != 0 {
		return nil, creditdomain.ErrLedgerInconsistent
	}

	newAmount := balanceAmount - req.Amount
	if err := s.updateBalance(ctx, tx, balance.ID, map[string]any{
		"amount":                newAmount,
		"last_deduction_at":     now,
		"last_deduction_amount": req.Amount,
		"updated_at":            now,
	}); err != nil {
		return nil, err
	}

	entry := &creditdomain.LedgerEntry{
		ID:            s.genID.Generate(),
		UserID:        req.UserID,
		Direction:     creditdomain.DirectionDebit,
		Amount:        req.Amount,
		BalanceBefore: balanceAmount,
		BalanceAfter:  newAmount,
		Reason:        req.Reason,
		Status:        creditdomain.StatusCompleted,
		CreatedAt:     now,
	}
	if requestID != "" {
		entry.RequestID = &requestID
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	if err := s.reconcile(ctx, tx, req.UserID, newAmount); err != nil {
		return nil, err
	}

	return entry, nil
}

func (s *Service) Reverse(ctx context.Context, entryID snowflake.ID, adminID, reason string) (*creditdomain.LedgerEntry, error) {
	if strings.TrimSpace(adminID) == "" {
		return nil, creditdomain.ErrAdminRequired
	}
	var reversal *creditdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original creditdomain.LedgerEntry
		if err := tx.WithContext(ctx).Where("id = ?", entryID).First(&original).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return creditdomain.ErrEntryNotFound
			}
			return err
		}
		if original.Direction != creditdomain.DirectionDebit || original.Status != creditdomain.StatusCompleted {
			return creditdomain.ErrEntryNotReversible
		}

		var reversed int64
		if err := tx.WithContext(ctx).
			Model(&creditdomain.LedgerEntry{}).
			Where("reversal_of = ?", entryID).
			Count(&reversed).Error; err != nil {
			return err
		}
		if reversed > 0 {
			return creditdomain.ErrAlreadyReversed
		}

		now := s.clock.Now()
		balance, err := s.lockBalance(ctx, tx, original.UserID)
		if err != nil {
			return err
		}
		if balance == nil {
			return creditdomain.ErrNoActiveCreditRecord
		}

		if err := s.restoreRemaining(ctx, tx, original.UserID, original.Amount, now); err != nil {
			return err
		}

		newAmount := balance.Amount + original.Amount
		if err := s.updateBalance(ctx, tx, balance.ID, map[string]any{
			"amount":     newAmount,
			"updated_at": now,
		}); err != nil {
			return err
		}

		originalID := original.ID
		reversal = &creditdomain.LedgerEntry{
			ID:            s.genID.Generate(),
			UserID:        original.UserID,
			Direction:     creditdomain.DirectionCredit,
			Amount:        original.Amount,
			BalanceBefore: balance.Amount,
			BalanceAfter:  newAmount,
			Source:        creditdomain.SourceReversal,
			Reason:        reason,
			Status:        creditdomain.StatusReversed,
			ReversalOf:    &originalID,
			CreatedAt:     now,
		}
		return tx.WithContext(ctx).Create(reversal).Error
	})
	if err != nil {
		return nil, err
	}

	if auditErr := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeAdmin,
		ActorID:    adminID,
		Action:     "credits.reversed",
		TargetType: "credit_ledger_entry",
		TargetID:   entryID.String(),
		NewValue:   map[string]any{"amount": reversal.Amount, "balance_after": reversal.BalanceAfter},
		Metadata:   map[string]any{"reason": reason},
	}); auditErr != nil {
		s.log.Warn("audit write failed for reversal", zap.Error(auditErr))
	}
	return reversal, nil
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID) (*creditdomain.CreditBalance, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	var balance creditdomain.CreditBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err == gorm.ErrRecordNotFound {
		return &creditdomain.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (s *Service) HasAvailableCredits(ctx context.Context, userID snowflake.ID, required int64) (bool, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.Amount >= required, nil
}

func (s *Service) ListEntries(ctx context.Context, userID snowflake.ID, limit int) ([]creditdomain.LedgerEntry, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}
	var entries []creditdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (s *Service) ExpireLapsed(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()

	var userIDs []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&creditdomain.CreditAllocation{}).
		Distinct("user_id").
		Where("is_current = ? AND (period_end <= ? OR (expires_at IS NOT NULL AND expires_at <= ?))",
			true, now, now).
		Limit(batchSize).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return 0, err
	}

	// Each user is swept in its own transaction so one failure does
	// not roll back the whole batch.
	swept := 0
	for _, userID := range userIDs {
		if s.sweepUser(ctx, userID) {
			swept++
		}
	}
	return swept, nil
}

func (s *Service) sweepUser(ctx context.Context, userID snowflake.ID) bool {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance == nil {
			return nil
		}
		_, err = s.reapLapsedAllocations(ctx, tx, userID, balance, now)
		return err
	})
	if err != nil {
		s.log.Warn("expiry sweep failed for user",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// lockBalance acquires the per-user balance row lock. Returns nil when
// the user has no balance row yet.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*creditdomain.CreditBalance, error) {
	var balance creditdomain.CreditBalance
	err := tx.WithContext(ctx).Raw(
		`SELECT id, user_id, amount, last_deduction_at, last_deduction_amount, created_at, updated_at
		 FROM credit_balances
		 WHERE user_id = ?
		 FOR UPDATE`,
		userID,
	).Scan(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.ID == 0 {
		return nil, nil
	}
	return &balance, nil
}

// lockOrCreateBalance upserts the balance row lazily on first use, then
// locks it.
func (s *Service) lockOrCreateBalance(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) (*creditdomain.CreditBalance, error) {
	balance, err := s.lockBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		return balance, nil
	}

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (id, user_id, amount, last_deduction_amount, created_at, updated_at)
		 VALUES (?, ?, 0, 0, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		s.genID.Generate(),
		userID,
		now,
		now,
	).Error; err != nil {
		return nil, err
	}

	balance, err = s.lockBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, creditdomain.ErrLedgerInconsistent
	}
	return balance, nil
}

func (s *Service) updateBalance(ctx context.Context, tx *gorm.DB, balanceID snowflake.ID, fields map[string]any) error {
	return tx.WithContext(ctx).
		Model(&creditdomain.CreditBalance{}).
		Where("id = ?", balanceID).
		Updates(fields).Error
}

func (s *Service) findEntryByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*creditdomain.LedgerEntry, error) {
	var entry creditdomain.LedgerEntry
	err := tx.WithContext(ctx).Where("request_id = ?", requestID).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// reapLapsedAllocations debits allocations whose period or expiry has
// passed. Stale rows keep their history but stop counting toward the
// spendable balance. Returns the total credits reaped.
func (s *Service) reapLapsedAllocations(ctx context.Context, tx *gorm.DB, userID snowflake.ID, balance *creditdomain.CreditBalance, now time.Time) (int64, error) {
	var lapsed []creditdomain.CreditAllocation
	if err := tx.WithContext(ctx).
		Where("user_id = ? AND is_current = ? AND (period_end <= ? OR (expires_at IS NOT NULL AND expires_at <= ?))",
			userID, true, now, now).
		Find(&lapsed).Error; err != nil {
		return 0, err
	}
	if len(lapsed) == 0 {
		return 0, nil
	}

	var reaped int64
	running := balance.Amount
	for i := range lapsed {
		remaining := lapsed[i].Remaining
		if err := tx.WithContext(ctx).
			Model(&creditdomain.CreditAllocation{}).
			Where("id = ?", lapsed[i].ID).
			Updates(map[string]any{
				"is_current": false,
				"remaining":  0,
				"updated_at": now,
			}).Error; err != nil {
			return 0, err
		}
		if remaining == 0 {
			continue
		}

		allocationID := lapsed[i].ID
		entry := &creditdomain.LedgerEntry{
			ID:            s.genID.Generate(),
			UserID:        userID,
			Direction:     creditdomain.DirectionDebit,
			Amount:        remaining,
			BalanceBefore: running,
			BalanceAfter:  running - remaining,
			Reason:        "allocation_expired",
			Status:        creditdomain.StatusCompleted,
			AllocationID:  &allocationID,
			CreatedAt:     now,
		}
		if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
			return 0, err
		}
		running -= remaining
		reaped += remaining
	}

	if reaped > 0 {
		if err := s.updateBalance(ctx, tx, balance.ID, map[string]any{
			"amount":     running,
			"updated_at": now,
		}); err != nil {
			return 0, err
		}
	}
	return reaped, nil
}

// restoreRemaining puts reversed credits back on the allocation with the
// latest current period, or creates a standalone grant when none exists.
func (s *Service) restoreRemaining(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, now time.Time) error {
	var target creditdomain.CreditAllocation
	err := tx.WithContext(ctx).
		Where("user_id = ? AND is_current = ? AND period_end > ?", userID, true, now).
		Order("period_end DESC, id DESC").
		First(&target).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if err == nil {
		return tx.WithContext(ctx).
			Model(&creditdomain.CreditAllocation{}).
			Where("id = ?", target.ID).
			Updates(map[string]any{
				"remaining":  gorm.Expr("remaining + ?", amount),
				"updated_at": now,
			}).Error
	}

	allocation := &creditdomain.CreditAllocation{
		ID:          s.genID.Generate(),
		UserID:      userID,
		Amount:      amount,
		Remaining:   amount,
		Source:      creditdomain.SourceReversal,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
		IsCurrent:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return tx.WithContext(ctx).Create(allocation).Error
}

// reconcile verifies the conservation invariant inside the transaction:
// the balance must equal the signed sum of all ledger entries.
func (s *Service) reconcile(ctx context.Context, tx *gorm.DB, userID snowflake.ID, wantAmount int64) error {
	var ledgerSum int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE direction WHEN 'credit' THEN amount ELSE -amount END), 0)
		 FROM credit_ledger_entries
		 WHERE user_id = ?`,
		userID,
	).Scan(&ledgerSum).Error; err != nil {
		return err
	}
	if ledgerSum != wantAmount {
		s.log.Error("credit ledger out of balance",
			zap.String("user_id", userID.String()),
			zap.Int64("balance", wantAmount),
			zap.Int64("ledger_sum", ledgerSum),
		)
		return creditdomain.ErrLedgerInconsistent
	}
	return nil
}

func (s *Service) recordAllocationAudit(ctx context.Context, req creditdomain.AllocateRequest, result *creditdomain.AllocateResult) {
	if result == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeSystem,
		ActorID:    string(req.Source),
		Action:     "credits.allocated",
		TargetType: "credit_allocation",
		TargetID:   result.Allocation.ID.String(),
		NewValue: map[string]any{
			"user_id":       req.UserID.String(),
			"amount":        req.Amount,
			"source":        string(req.Source),
			"balance_after": result.Entry.BalanceAfter,
		},
	}); err != nil {
		s.log.Warn("audit write failed for allocation", zap.Error(err))
	}
}
