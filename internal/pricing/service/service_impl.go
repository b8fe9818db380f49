package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	"github.com/quillora/quillbill/internal/config"
	pricingdomain "github.com/quillora/quillbill/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Billing  *config.BillingConfigHolder
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	billing  *config.BillingConfigHolder
	auditSvc auditdomain.Service
}

func NewService(p Params) pricingdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("pricing.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		billing:  p.Billing,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Resolve(ctx context.Context, ref pricingdomain.Ref, at time.Time) (pricingdomain.Resolution, error) {
	var candidates []pricingdomain.PricingConfig
	err := s.db.WithContext(ctx).
		Where("status = ?", pricingdomain.StatusApproved).
		Where("effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)", at, at).
		Where("(tier_name IS NULL OR tier_name = ?)", ref.TierName).
		Where("(provider IS NULL OR provider = ?)", ref.Provider).
		Where("(model IS NULL OR model = ?)", ref.Model).
		Find(&candidates).Error
	if err != nil {
		return pricingdomain.Resolution{}, err
	}

	// Most specific scope wins; among equals the latest effective_from.
	var best *pricingdomain.PricingConfig
	for i := range candidates {
		c := &candidates[i]
		if best == nil {
			best = c
			continue
		}
		if c.Specificity() > best.Specificity() ||
			(c.Specificity() == best.Specificity() && c.EffectiveFrom.After(best.EffectiveFrom)) {
			best = c
		}
	}
	if best == nil {
		return pricingdomain.Resolution{
			Multiplier: s.billing.Get().DefaultMarginMultiplier,
			Scope:      "default",
		}, nil
	}

	configID := best.ID
	return pricingdomain.Resolution{
		Multiplier: best.MarginMultiplier,
		ConfigID:   &configID,
		Scope:      scopeName(best),
	}, nil
}

func (s *Service) Propose(ctx context.Context, req pricingdomain.ProposeRequest) (*pricingdomain.PricingConfig, error) {
	if req.Multiplier <= 0 {
		return nil, pricingdomain.ErrInvalidMultiplier
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, pricingdomain.ErrReasonRequired
	}
	if strings.TrimSpace(req.ProposedBy) == "" {
		return nil, pricingdomain.ErrProposerRequired
	}
	if req.EffectiveFrom.IsZero() {
		return nil, pricingdomain.ErrInvalidEffectiveRange
	}
	if req.EffectiveUntil != nil && !req.EffectiveUntil.After(req.EffectiveFrom) {
		return nil, pricingdomain.ErrInvalidEffectiveRange
	}

	now := s.clock.Now()
	cfg := &pricingdomain.PricingConfig{
		ID:               s.genID.Generate(),
		TierName:         req.TierName,
		Provider:         req.Provider,
		Model:            req.Model,
		MarginMultiplier: req.Multiplier,
		EffectiveFrom:    req.EffectiveFrom.UTC(),
		EffectiveUntil:   req.EffectiveUntil,
		Status:           pricingdomain.StatusDraft,
		ProposedBy:       req.ProposedBy,
		ChangeReason:     req.Reason,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
		return nil, err
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeAdmin,
		ActorID:    req.ProposedBy,
		Action:     "pricing.proposed",
		TargetType: "pricing_config",
		TargetID:   cfg.ID.String(),
		NewValue: map[string]any{
			"multiplier": req.Multiplier,
			"scope":      scopeName(cfg),
			"reason":     req.Reason,
		},
	}); err != nil {
		s.log.Warn("audit write failed for pricing proposal", zap.Error(err))
	}
	return cfg, nil
}

func (s *Service) Approve(ctx context.Context, configID snowflake.ID, approvedBy string) (*pricingdomain.PricingConfig, error) {
	if strings.TrimSpace(approvedBy) == "" {
		return nil, pricingdomain.ErrProposerRequired
	}

	var approved *pricingdomain.PricingConfig
	var previous *pricingdomain.PricingConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg pricingdomain.PricingConfig
		if err := tx.WithContext(ctx).Where("id = ?", configID).First(&cfg).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return pricingdomain.ErrConfigNotFound
			}
			return err
		}
		if cfg.Status != pricingdomain.StatusDraft {
			return pricingdomain.ErrNotDraft
		}
		if cfg.ProposedBy == approvedBy {
			return pricingdomain.ErrSelfApproval
		}

		now := s.clock.Now()

		// Close out the config this draft supersedes, if any.
		var current pricingdomain.PricingConfig
		q := tx.WithContext(ctx).
			Where("status = ? AND id != ?", pricingdomain.StatusApproved, cfg.ID).
			Where("effective_from <= ? AND (effective_until IS NULL OR effective_until > ?)", cfg.EffectiveFrom, cfg.EffectiveFrom)
		q = scopeEquals(q, "tier_name", cfg.TierName)
		q = scopeEquals(q, "provider", cfg.Provider)
		q = scopeEquals(q, "model", cfg.Model)
		err := q.First(&current).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		if err == nil {
			previous = &current
			if err := tx.WithContext(ctx).
				Model(&pricingdomain.PricingConfig{}).
				Where("id = ?", current.ID).
				Updates(map[string]any{
					"effective_until": cfg.EffectiveFrom,
					"status":          pricingdomain.StatusRetired,
					"updated_at":      now,
				}).Error; err != nil {
				return err
			}
		}

		updates := map[string]any{
			"status":      pricingdomain.StatusApproved,
			"approved_by": approvedBy,
			"updated_at":  now,
		}
		if previous != nil {
			updates["previous_multiplier"] = previous.MarginMultiplier
		}
		if err := tx.WithContext(ctx).
			Model(&pricingdomain.PricingConfig{}).
			Where("id = ?", cfg.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		cfg.Status = pricingdomain.StatusApproved
		cfg.ApprovedBy = &approvedBy
		cfg.UpdatedAt = now
		if previous != nil {
			cfg.PreviousMultiplier = &previous.MarginMultiplier
		}
		approved = &cfg
		return nil
	})
	if err != nil {
		return nil, err
	}

	auditEntry := auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeAdmin,
		ActorID:    approvedBy,
		Action:     "pricing.approved",
		TargetType: "pricing_config",
		TargetID:   approved.ID.String(),
		NewValue: map[string]any{
			"multiplier": approved.MarginMultiplier,
			"scope":      scopeName(approved),
		},
	}
	if previous != nil {
		auditEntry.PreviousValue = map[string]any{"multiplier": previous.MarginMultiplier}
	}
	if err := s.auditSvc.Record(ctx, auditEntry); err != nil {
		s.log.Warn("audit write failed for pricing approval", zap.Error(err))
	}
	return approved, nil
}

func (s *Service) List(ctx context.Context, status pricingdomain.ConfigStatus, limit int) ([]pricingdomain.PricingConfig, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}
	q := s.db.WithContext(ctx).Order("effective_from DESC, id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var configs []pricingdomain.PricingConfig
	err := q.Find(&configs).Error
	return configs, err
}

func scopeName(c *pricingdomain.PricingConfig) string {
	parts := make([]string, 0, 3)
	if c.TierName != nil {
		parts = append(parts, "tier:"+*c.TierName)
	}
	if c.Provider != nil {
		parts = append(parts, "provider:"+*c.Provider)
	}
	if c.Model != nil {
		parts = append(parts, "model:"+*c.Model)
	}
	if len(parts) == 0 {
		return "global"
	}
	return strings.Join(parts, ",")
}

func scopeEquals(q *gorm.DB, column string, value *string) *gorm.DB {
	if value == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *value)
}
