package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	"github.com/quillora/quillbill/internal/proration"
	subscriptiondomain "github.com/quillora/quillbill/internal/subscription/domain"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	CreditSvc creditdomain.Service
	TierSvc   tierdomain.Service
	AuditSvc  auditdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	creditSvc creditdomain.Service
	tierSvc   tierdomain.Service
	auditSvc  auditdomain.Service
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		creditSvc: p.CreditSvc,
		tierSvc:   p.TierSvc,
		auditSvc:  p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	existing, err := s.GetActiveByUser(ctx, req.UserID)
	if err != nil && err != subscriptiondomain.ErrSubscriptionNotFound {
		return nil, err
	}
	if existing != nil {
		return nil, subscriptiondomain.ErrAlreadySubscribed
	}

	tier, err := s.tierSvc.GetTier(ctx, req.TierName)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:                      s.genID.Generate(),
		UserID:                  req.UserID,
		TierName:                tier.TierName,
		Status:                  subscriptiondomain.StatusActive,
		CurrentPeriodStart:      now,
		CurrentPeriodEnd:        now.AddDate(0, 1, 0),
		MonthlyCreditAllocation: tier.MonthlyCreditAllocation,
		BYOK:                    req.BYOK,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, err
	}
	if err := s.AllocateSubscriptionCredits(ctx, sub.ID); err != nil {
		return nil, err
	}

	if auditErr := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    req.UserID.String(),
		Action:     "subscription.created",
		TargetType: "subscription",
		TargetID:   sub.ID.String(),
		NewValue: map[string]any{
			"tier":            tier.TierName,
			"monthly_credits": tier.MonthlyCreditAllocation,
		},
	}); auditErr != nil {
		s.log.Warn("audit write failed for subscription create", zap.Error(auditErr))
	}
	return sub, nil
}

func (s *Service) GetActiveByUser(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, subscriptiondomain.StatusActive).
		First(&sub).Error
	if err == gorm.ErrRecordNotFound {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// AllocateSubscriptionCredits funds the subscription's current period.
// A period that already has a subscription-sourced allocation is left
// alone, so renewal webhooks may be retried safely.
func (s *Service) AllocateSubscriptionCredits(ctx context.Context, subscriptionID snowflake.ID) error {
	sub, err := s.getByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != subscriptiondomain.StatusActive {
		return subscriptiondomain.ErrNotActive
	}

	var funded int64
	if err := s.db.WithContext(ctx).
		Model(&creditdomain.CreditAllocation{}).
		Where("user_id = ? AND source = ? AND period_start = ?",
			sub.UserID, creditdomain.SourceSubscription, sub.CurrentPeriodStart).
		Count(&funded).Error; err != nil {
		return err
	}
	if funded > 0 {
		return nil
	}

	_, err = s.creditSvc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:      sub.UserID,
		Amount:      sub.MonthlyCreditAllocation,
		Source:      creditdomain.SourceSubscription,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Reason:      "monthly_allocation",
	})
	return err
}

func (s *Service) Renew(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.getByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != subscriptiondomain.StatusActive {
		return nil, subscriptiondomain.ErrNotActive
	}

	// A renewal only advances a period that has actually ended. A
	// duplicate webhook arriving after the advance sees a live period
	// and settles it instead of moving it a second month.
	if s.clock.Now().Before(sub.CurrentPeriodEnd) {
		s.log.Info("renewal already applied, settling current period",
			zap.String("subscription_id", sub.ID.String()),
		)
		if err := s.AllocateSubscriptionCredits(ctx, sub.ID); err != nil {
			return nil, err
		}
		return s.getByID(ctx, sub.ID)
	}

	// Renewal keeps the period chain contiguous regardless of when the
	// webhook arrives. The advance is conditional on the period we read
	// so two concurrent renewals move it one month, not two.
	newStart := sub.CurrentPeriodEnd
	newEnd := newStart.AddDate(0, 1, 0)

	res := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND current_period_end = ?", sub.ID, sub.CurrentPeriodEnd).
		Updates(map[string]any{
			"current_period_start": newStart,
			"current_period_end":   newEnd,
			"updated_at":           s.clock.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		s.log.Info("renewal already applied, settling current period",
			zap.String("subscription_id", sub.ID.String()),
		)
	}

	// Funding is idempotent per period, so this settles whichever
	// period is now current.
	if err := s.AllocateSubscriptionCredits(ctx, sub.ID); err != nil {
		return nil, err
	}
	return s.getByID(ctx, sub.ID)
}

func (s *Service) ChangeTier(ctx context.Context, req subscriptiondomain.ChangeTierRequest) (*subscriptiondomain.ChangeTierResult, error) {
	sub, err := s.GetActiveByUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if sub.TierName == req.ToTier {
		return nil, subscriptiondomain.ErrSameTier
	}

	fromTier, err := s.tierSvc.GetTier(ctx, sub.TierName)
	if err != nil {
		return nil, err
	}
	toTier, err := s.tierSvc.GetTier(ctx, req.ToTier)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	priced, err := proration.Compute(proration.Input{
		FromTierPriceCents:   fromTier.MonthlyPriceCents,
		ToTierPriceCents:     toTier.MonthlyPriceCents,
		ToTierMonthlyCredits: toTier.MonthlyCreditAllocation,
		PeriodStart:          sub.CurrentPeriodStart,
		PeriodEnd:            sub.CurrentPeriodEnd,
		Now:                  now,
	})
	if err != nil {
		return nil, err
	}

	event := &subscriptiondomain.ProrationEvent{
		ID:                       s.genID.Generate(),
		UserID:                   sub.UserID,
		SubscriptionID:           sub.ID,
		FromTier:                 sub.TierName,
		ToTier:                   toTier.TierName,
		DaysRemaining:            priced.DaysRemaining,
		DaysInCycle:              priced.DaysInCycle,
		UnusedCreditValueCents:   priced.UnusedCreditValueCents,
		NewTierProratedCostCents: priced.NewTierProratedCostCents,
		NetChargeCents:           priced.NetChargeCents,
		ProratedCredits:          priced.ProratedCreditAllocation,
		EffectiveAt:              now,
		Status:                   subscriptiondomain.ProrationPending,
		CreatedAt:                now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(event).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{
				"tier_name":                 toTier.TierName,
				"monthly_credit_allocation": toTier.MonthlyCreditAllocation,
				"updated_at":                now,
			}).Error; err != nil {
			return err
		}
		if priced.ProratedCreditAllocation > 0 {
			if _, err := s.creditSvc.AllocateTx(ctx, tx, creditdomain.AllocateRequest{
				UserID:      sub.UserID,
				Amount:      priced.ProratedCreditAllocation,
				Source:      creditdomain.SourceProration,
				PeriodStart: now,
				PeriodEnd:   sub.CurrentPeriodEnd,
				Reason:      "tier_change_proration",
			}); err != nil {
				return err
			}
		}
		return tx.WithContext(ctx).
			Model(&subscriptiondomain.ProrationEvent{}).
			Where("id = ?", event.ID).
			Update("status", subscriptiondomain.ProrationApplied).Error
	})
	if err != nil {
		return nil, err
	}
	event.Status = subscriptiondomain.ProrationApplied

	if auditErr := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    sub.UserID.String(),
		Action:     "subscription.tier_changed",
		TargetType: "subscription",
		TargetID:   sub.ID.String(),
		PreviousValue: map[string]any{
			"tier": sub.TierName,
		},
		NewValue: map[string]any{
			"tier":             toTier.TierName,
			"net_charge_cents": priced.NetChargeCents,
			"prorated_credits": priced.ProratedCreditAllocation,
		},
	}); auditErr != nil {
		s.log.Warn("audit write failed for tier change", zap.Error(auditErr))
	}

	updated, err := s.getByID(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	return &subscriptiondomain.ChangeTierResult{Subscription: updated, Event: event}, nil
}

func (s *Service) GrantBonusCredits(ctx context.Context, userID snowflake.ID, amount int64, reason string) error {
	if amount <= 0 || strings.TrimSpace(reason) == "" {
		return subscriptiondomain.ErrInvalidGrant
	}

	now := s.clock.Now()
	periodStart, periodEnd := now, now.AddDate(0, 1, 0)
	if sub, err := s.GetActiveByUser(ctx, userID); err == nil {
		periodStart, periodEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	} else if err != subscriptiondomain.ErrSubscriptionNotFound {
		return err
	}

	_, err := s.creditSvc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:      userID,
		Amount:      amount,
		Source:      creditdomain.SourceBonus,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Reason:      reason,
	})
	return err
}

func (s *Service) getByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err == gorm.ErrRecordNotFound {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
