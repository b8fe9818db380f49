package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	"github.com/quillora/quillbill/internal/config"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	obsmetrics "github.com/quillora/quillbill/internal/observability/metrics"
	subscriptiondomain "github.com/quillora/quillbill/internal/subscription/domain"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	CreditSvc  creditdomain.Service
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	creditSvc  creditdomain.Service
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	batchSize  int
}

func NewService(p Params) tierdomain.Service {
	batchSize := p.Cfg.Scheduler.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("tier.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		creditSvc:  p.CreditSvc,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		batchSize:  batchSize,
	}
}

func (s *Service) GetTier(ctx context.Context, tierName string) (*tierdomain.TierConfig, error) {
	var tier tierdomain.TierConfig
	err := s.db.WithContext(ctx).Where("tier_name = ?", tierName).First(&tier).Error
	if err == gorm.ErrRecordNotFound {
		return nil, tierdomain.ErrTierNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

func (s *Service) ListTiers(ctx context.Context) ([]tierdomain.TierConfig, error) {
	var tiers []tierdomain.TierConfig
	err := s.db.WithContext(ctx).Order("monthly_price_cents ASC").Find(&tiers).Error
	return tiers, err
}

func (s *Service) PreviewUpdate(ctx context.Context, tierName string, newCredits int64) (*tierdomain.UpdateImpact, error) {
	tier, err := s.GetTier(ctx, tierName)
	if err != nil {
		return nil, err
	}

	var total int64
	if err := s.activeSubscribers(ctx, tierName).Count(&total).Error; err != nil {
		return nil, err
	}
	var willUpgrade int64
	if err := s.activeSubscribers(ctx, tierName).
		Where("monthly_credit_allocation < ?", newCredits).
		Count(&willUpgrade).Error; err != nil {
		return nil, err
	}

	// Cost of granting each eligible user the delta up to newCredits,
	// valued at the configured credit unit.
	var deltaCredits int64
	if err := s.activeSubscribers(ctx, tierName).
		Where("monthly_credit_allocation < ?", newCredits).
		Select("COALESCE(SUM(? - monthly_credit_allocation), 0)", newCredits).
		Scan(&deltaCredits).Error; err != nil {
		return nil, err
	}
	costCents := deltaCredits * s.billing.Get().CreditUnitMicros / 10_000

	return &tierdomain.UpdateImpact{
		TierName:           tierName,
		CurrentCredits:     tier.MonthlyCreditAllocation,
		NewCredits:         newCredits,
		ChangeType:         tierdomain.ClassifyCreditChange(tier.MonthlyCreditAllocation, newCredits),
		SubscriberCount:    total,
		WillUpgrade:        willUpgrade,
		WillRemainSame:     total - willUpgrade,
		EstimatedCostCents: costCents,
	}, nil
}

func (s *Service) ValidateUpdate(ctx context.Context, tierName string, req tierdomain.UpdateRequest) (*tierdomain.ValidationResult, error) {
	tier, err := s.GetTier(ctx, tierName)
	if err != nil {
		return nil, err
	}

	billing := s.billing.Get()
	result := &tierdomain.ValidationResult{Valid: true}
	addError := func(field, message string) {
		result.Valid = false
		result.Errors = append(result.Errors, tierdomain.FieldError{Field: field, Message: message})
	}

	if req.NewCredits < billing.TierCreditMin {
		addError("newCredits", fmt.Sprintf("must be at least %d", billing.TierCreditMin))
	}
	if req.NewCredits > billing.TierCreditMax {
		addError("newCredits", fmt.Sprintf("must not exceed %d", billing.TierCreditMax))
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) < billing.ChangeReasonMinLength {
		addError("reason", fmt.Sprintf("must be at least %d characters", billing.ChangeReasonMinLength))
	}
	if len(reason) > billing.ChangeReasonMaxLength {
		addError("reason", fmt.Sprintf("must not exceed %d characters", billing.ChangeReasonMaxLength))
	}
	if strings.TrimSpace(req.AdminID) == "" {
		addError("adminId", "required")
	}

	switch tierdomain.ClassifyCreditChange(tier.MonthlyCreditAllocation, req.NewCredits) {
	case tierdomain.ChangeNoChange:
		result.Warnings = append(result.Warnings, "new credit amount equals the current allocation")
	case tierdomain.ChangeCreditDecrease:
		result.Warnings = append(result.Warnings, "existing subscribers keep their current allocation; only future allocations decrease")
	}
	return result, nil
}

func (s *Service) ApplyImmediate(ctx context.Context, tierName string, req tierdomain.UpdateRequest) (*tierdomain.ApplyResult, error) {
	tier, err := s.GetTier(ctx, tierName)
	if err != nil {
		return nil, err
	}
	validation, err := s.ValidateUpdate(ctx, tierName, req)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, tierdomain.ErrValidationFailed
	}

	expected := req.ExpectedVersion
	if expected == 0 {
		expected = tier.ConfigVersion
	}
	now := s.clock.Now()

	// The version bump and its history row commit together so an
	// applied config_version always has a matching history entry.
	history := &tierdomain.TierConfigHistory{
		ID:                 s.genID.Generate(),
		TierName:           tierName,
		ConfigVersion:      expected + 1,
		PreviousCredits:    tier.MonthlyCreditAllocation,
		NewCredits:         req.NewCredits,
		PreviousPriceCents: tier.MonthlyPriceCents,
		NewPriceCents:      tier.MonthlyPriceCents,
		ChangeType:         tierdomain.ClassifyCreditChange(tier.MonthlyCreditAllocation, req.NewCredits),
		ChangeReason:       strings.TrimSpace(req.Reason),
		ChangedBy:          req.AdminID,
		ChangedAt:          now,
		AppliedAt:          &now,
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.casUpdateConfig(ctx, tx, tierName, expected, map[string]any{
			"monthly_credit_allocation": req.NewCredits,
			"config_version":            expected + 1,
			"last_modified_by":          req.AdminID,
			"updated_at":                now,
		}); err != nil {
			return err
		}
		return tx.Create(history).Error
	}); err != nil {
		return nil, err
	}

	var affected int64
	var failures []tierdomain.UserFailure
	if req.NewCredits > tier.MonthlyCreditAllocation {
		affected, failures = s.upgradeSubscribers(ctx, tierName, req.NewCredits)
	}
	if affected > 0 {
		if err := s.db.WithContext(ctx).
			Model(&tierdomain.TierConfigHistory{}).
			Where("id = ?", history.ID).
			Update("affected_users_count", affected).Error; err != nil {
			return nil, err
		}
	}

	s.recordTierAudit(ctx, req.AdminID, "tier.credits_applied", tier, req.NewCredits, affected)
	if s.obsMetrics != nil && affected > 0 {
		s.obsMetrics.RecordRolloutUpgrades(ctx, tierName, affected)
	}

	return &tierdomain.ApplyResult{
		TierName:           tierName,
		PreviousCredits:    tier.MonthlyCreditAllocation,
		NewCredits:         req.NewCredits,
		ConfigVersion:      expected + 1,
		AffectedUsersCount: affected,
		Failures:           failures,
	}, nil
}

func (s *Service) ScheduleRollout(ctx context.Context, tierName string, req tierdomain.UpdateRequest, rolloutDate time.Time) (*tierdomain.TierConfig, error) {
	tier, err := s.GetTier(ctx, tierName)
	if err != nil {
		return nil, err
	}
	validation, err := s.ValidateUpdate(ctx, tierName, req)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, tierdomain.ErrValidationFailed
	}
	now := s.clock.Now()
	if !rolloutDate.After(now) {
		return nil, tierdomain.ErrInvalidRolloutDate
	}

	expected := req.ExpectedVersion
	if expected == 0 {
		expected = tier.ConfigVersion
	}

	history := &tierdomain.TierConfigHistory{
		ID:                 s.genID.Generate(),
		TierName:           tierName,
		ConfigVersion:      expected + 1,
		PreviousCredits:    tier.MonthlyCreditAllocation,
		NewCredits:         req.NewCredits,
		PreviousPriceCents: tier.MonthlyPriceCents,
		NewPriceCents:      tier.MonthlyPriceCents,
		ChangeType:         tierdomain.ClassifyCreditChange(tier.MonthlyCreditAllocation, req.NewCredits),
		ChangeReason:       strings.TrimSpace(req.Reason),
		ChangedBy:          req.AdminID,
		ChangedAt:          now,
	}
	// The tier-level number changes right away so new signups get it;
	// existing subscribers wait for the worker.
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.casUpdateConfig(ctx, tx, tierName, expected, map[string]any{
			"monthly_credit_allocation": req.NewCredits,
			"config_version":            expected + 1,
			"last_modified_by":          req.AdminID,
			"apply_to_existing_users":   true,
			"rollout_start_date":        rolloutDate.UTC(),
			"updated_at":                now,
		}); err != nil {
			return err
		}
		return tx.Create(history).Error
	}); err != nil {
		return nil, err
	}

	s.recordTierAudit(ctx, req.AdminID, "tier.rollout_scheduled", tier, req.NewCredits, 0)
	return s.GetTier(ctx, tierName)
}

func (s *Service) ProcessPendingRollouts(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var due []tierdomain.TierConfig
	if err := s.db.WithContext(ctx).
		Where("apply_to_existing_users = ? AND rollout_start_date <= ?", true, now).
		Find(&due).Error; err != nil {
		return 0, err
	}

	applied := 0
	for i := range due {
		tier := &due[i]

		// Claim the rollout. A concurrent worker instance loses this
		// compare-and-set and skips the tier.
		claim := s.db.WithContext(ctx).
			Model(&tierdomain.TierConfig{}).
			Where("id = ? AND apply_to_existing_users = ? AND rollout_start_date <= ?", tier.ID, true, now).
			Updates(map[string]any{
				"apply_to_existing_users": false,
				"rollout_start_date":      nil,
				"updated_at":              now,
			})
		if claim.Error != nil {
			return applied, claim.Error
		}
		if claim.RowsAffected == 0 {
			continue
		}

		affected, failures := s.upgradeSubscribers(ctx, tier.TierName, tier.MonthlyCreditAllocation)
		for _, f := range failures {
			s.log.Warn("rollout allocation failed",
				zap.String("tier", tier.TierName),
				zap.String("user_id", f.UserID.String()),
				zap.String("error", f.Error),
			)
		}

		if err := s.db.WithContext(ctx).
			Model(&tierdomain.TierConfigHistory{}).
			Where("tier_name = ? AND applied_at IS NULL AND config_version = ?", tier.TierName, tier.ConfigVersion).
			Updates(map[string]any{
				"applied_at":           now,
				"affected_users_count": affected,
			}).Error; err != nil {
			return applied, err
		}

		s.recordTierAudit(ctx, "rollout-worker", "tier.rollout_applied", tier, tier.MonthlyCreditAllocation, affected)
		if s.obsMetrics != nil && affected > 0 {
			s.obsMetrics.RecordRolloutUpgrades(ctx, tier.TierName, affected)
		}
		applied++
	}
	return applied, nil
}

func (s *Service) History(ctx context.Context, tierName string, limit int) ([]tierdomain.TierConfigHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}
	q := s.db.WithContext(ctx).Order("changed_at DESC, id DESC").Limit(limit)
	if tierName != "" {
		q = q.Where("tier_name = ?", tierName)
	}
	var history []tierdomain.TierConfigHistory
	err := q.Find(&history).Error
	return history, err
}

func (s *Service) activeSubscribers(ctx context.Context, tierName string) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("tier_name = ? AND status = ?", tierName, subscriptiondomain.StatusActive)
}

func (s *Service) casUpdateConfig(ctx context.Context, db *gorm.DB, tierName string, expectedVersion int64, updates map[string]any) error {
	res := db.WithContext(ctx).
		Model(&tierdomain.TierConfig{}).
		Where("tier_name = ? AND config_version = ?", tierName, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return tierdomain.ErrConcurrentModification
	}
	return nil
}

// upgradeSubscribers grants every active subscriber below newCredits
// the missing delta. Users are processed in bounded batches, one
// transaction per user, so one failure never rolls back the others or
// the tier config change itself.
func (s *Service) upgradeSubscribers(ctx context.Context, tierName string, newCredits int64) (int64, []tierdomain.UserFailure) {
	var affected int64
	var failures []tierdomain.UserFailure

	lastID := snowflake.ID(0)
	for {
		var batch []subscriptiondomain.Subscription
		err := s.activeSubscribers(ctx, tierName).
			Where("monthly_credit_allocation < ? AND id > ?", newCredits, lastID).
			Order("id ASC").
			Limit(s.batchSize).
			Find(&batch).Error
		if err != nil {
			s.log.Error("failed to load subscriber batch",
				zap.String("tier", tierName), zap.Error(err))
			return affected, failures
		}
		if len(batch) == 0 {
			return affected, failures
		}

		for i := range batch {
			sub := &batch[i]
			lastID = sub.ID
			if err := s.upgradeOne(ctx, sub, newCredits); err != nil {
				failures = append(failures, tierdomain.UserFailure{
					UserID: sub.UserID,
					Error:  err.Error(),
				})
				continue
			}
			affected++
		}
		if len(batch) < s.batchSize {
			return affected, failures
		}
	}
}

func (s *Service) upgradeOne(ctx context.Context, sub *subscriptiondomain.Subscription, newCredits int64) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check under the subscription row so a concurrent upgrade
		// or tier change is not double-granted.
		var current subscriptiondomain.Subscription
		err := tx.WithContext(ctx).Raw(
			`SELECT * FROM subscriptions WHERE id = ? FOR UPDATE`, sub.ID,
		).Scan(&current).Error
		if err != nil {
			return err
		}
		if current.ID == 0 || current.Status != subscriptiondomain.StatusActive {
			return nil
		}
		delta := newCredits - current.MonthlyCreditAllocation
		if delta <= 0 {
			return nil
		}

		if _, err := s.creditSvc.AllocateTx(ctx, tx, creditdomain.AllocateRequest{
			UserID:      current.UserID,
			Amount:      delta,
			Source:      creditdomain.SourceTierUpgrade,
			PeriodStart: current.CurrentPeriodStart,
			PeriodEnd:   current.CurrentPeriodEnd,
			Reason:      "tier_credit_upgrade",
		}); err != nil {
			return err
		}

		return tx.WithContext(ctx).
			Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{
				"monthly_credit_allocation": newCredits,
				"updated_at":                now,
			}).Error
	})
}

func (s *Service) recordTierAudit(ctx context.Context, actorID, action string, tier *tierdomain.TierConfig, newCredits, affected int64) {
	actorType := auditdomain.ActorTypeAdmin
	if actorID == "rollout-worker" {
		actorType = auditdomain.ActorTypeSystem
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		TargetType: "tier_config",
		TargetID:   tier.TierName,
		PreviousValue: map[string]any{
			"monthly_credit_allocation": tier.MonthlyCreditAllocation,
			"config_version":            tier.ConfigVersion,
		},
		NewValue: map[string]any{
			"monthly_credit_allocation": newCredits,
			"affected_users_count":      affected,
		},
	}); err != nil {
		s.log.Warn("audit write failed for tier change", zap.Error(err))
	}
}
