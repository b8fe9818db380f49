package service

import (
	"context"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	"github.com/quillora/quillbill/internal/config"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	obsmetrics "github.com/quillora/quillbill/internal/observability/metrics"
	pricingdomain "github.com/quillora/quillbill/internal/pricing/domain"
	usagedomain "github.com/quillora/quillbill/internal/tokenusage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	CreditSvc  creditdomain.Service
	PricingSvc pricingdomain.Service
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
	pricingSvc pricingdomain.Service
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("tokenusage.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		creditSvc:  p.CreditSvc,
		pricingSvc: p.PricingSvc,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.RecordResult, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		return nil, usagedomain.ErrInvalidRequestID
	}
	if req.UserID == 0 {
		return nil, usagedomain.ErrInvalidUser
	}
	if req.VendorCostMicros < 0 {
		return nil, usagedomain.ErrInvalidCost
	}
	if req.RequestStartedAt.IsZero() || req.RequestEndedAt.Before(req.RequestStartedAt) {
		return nil, usagedomain.ErrInvalidTimestamp
	}
	if req.Status == "" {
		req.Status = usagedomain.StatusCompleted
	}

	if existing, err := s.findByRequestID(ctx, s.db, req.RequestID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replayResult(ctx, existing)
	}

	resolution, err := s.pricingSvc.Resolve(ctx, pricingdomain.Ref{
		TierName: req.TierName,
		Provider: req.Provider,
		Model:    req.Model,
	}, req.RequestStartedAt)
	if err != nil {
		return nil, err
	}

	creditValueMicros := int64(math.Round(float64(req.VendorCostMicros) * resolution.Multiplier))
	creditUnitMicros := s.billing.Get().CreditUnitMicros
	// Round up: the platform never under-charges a fractional credit.
	credits := ceilDiv(creditValueMicros, creditUnitMicros)
	if req.BYOK {
		credits = 0
	}

	usage := &usagedomain.TokenUsage{
		ID:                s.genID.Generate(),
		RequestID:         req.RequestID,
		UserID:            req.UserID,
		Provider:          req.Provider,
		Model:             req.Model,
		InputTokens:       req.InputTokens,
		OutputTokens:      req.OutputTokens,
		CachedTokens:      req.CachedTokens,
		VendorCostMicros:  req.VendorCostMicros,
		MarginMultiplier:  resolution.Multiplier,
		CreditValueMicros: creditValueMicros,
		CreditsDeducted:   credits,
		PricingConfigID:   resolution.ConfigID,
		BYOK:              req.BYOK,
		Status:            req.Status,
		RequestStartedAt:  req.RequestStartedAt.UTC(),
		RequestEndedAt:    req.RequestEndedAt.UTC(),
		CreatedAt:         s.clock.Now(),
	}

	var newBalance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !req.BYOK && credits > 0 {
			entry, err := s.creditSvc.DeductTx(ctx, tx, creditdomain.DeductRequest{
				UserID:    req.UserID,
				Amount:    credits,
				RequestID: req.RequestID,
				Reason:    "token_usage",
			})
			if err != nil {
				return err
			}
			deductionID := entry.ID
			usage.DeductionID = &deductionID
			newBalance = entry.BalanceAfter
		} else {
			balance, err := s.creditSvc.GetBalance(ctx, req.UserID)
			if err != nil {
				return err
			}
			newBalance = balance.Amount
		}
		return tx.WithContext(ctx).Create(usage).Error
	})
	if err != nil {
		// A concurrent retry may have won the unique index race on
		// request_id; in that case return the prior result.
		if existing, findErr := s.findByRequestID(ctx, s.db, req.RequestID); findErr == nil && existing != nil {
			return s.replayResult(ctx, existing)
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsage(ctx, req.Provider)
	}
	if auditErr := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeSystem,
		ActorID:    "usage-recorder",
		Action:     "usage.recorded",
		TargetType: "token_usage",
		TargetID:   usage.ID.String(),
		NewValue: map[string]any{
			"user_id":          req.UserID.String(),
			"request_id":       req.RequestID,
			"credits_deducted": credits,
			"balance_after":    newBalance,
		},
	}); auditErr != nil {
		s.log.Warn("audit write failed for usage record", zap.Error(auditErr))
	}

	return &usagedomain.RecordResult{
		Usage:           usage,
		CreditsDeducted: credits,
		NewBalance:      newBalance,
	}, nil
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]usagedomain.TokenUsage, error) {
	if userID == 0 {
		return nil, usagedomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}
	var entries []usagedomain.TokenUsage
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (s *Service) findByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*usagedomain.TokenUsage, error) {
	var usage usagedomain.TokenUsage
	err := db.WithContext(ctx).Where("request_id = ?", requestID).First(&usage).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (s *Service) replayResult(ctx context.Context, usage *usagedomain.TokenUsage) (*usagedomain.RecordResult, error) {
	balance, err := s.creditSvc.GetBalance(ctx, usage.UserID)
	if err != nil {
		return nil, err
	}
	return &usagedomain.RecordResult{
		Usage:           usage,
		CreditsDeducted: usage.CreditsDeducted,
		NewBalance:      balance.Amount,
	}, nil
}

func ceilDiv(value, unit int64) int64 {
	if unit <= 0 || value <= 0 {
		return 0
	}
	return (value + unit - 1) / unit
}
