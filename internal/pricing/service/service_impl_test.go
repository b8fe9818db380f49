package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	"github.com/quillora/quillbill/internal/config"
	pricingdomain "github.com/quillora/quillbill/internal/pricing/domain"
	"github.com/quillora/quillbill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopAudit struct{}

func (nopAudit) Record(ctx context.Context, entry auditdomain.Entry) error { return nil }
func (nopAudit) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditRecord, error) {
	return nil, nil
}

func strptr(s string) *string { return &s }

func newTestService(t *testing.T) (pricingdomain.Service, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenSQLite(t, &pricingdomain.PricingConfig{})
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Billing:  config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		AuditSvc: nopAudit{},
	})
	return svc, fc
}

func approve(t *testing.T, svc pricingdomain.Service, req pricingdomain.ProposeRequest) *pricingdomain.PricingConfig {
	t.Helper()
	draft, err := svc.Propose(context.Background(), req)
	require.NoError(t, err)
	cfg, err := svc.Approve(context.Background(), draft.ID, "reviewer")
	require.NoError(t, err)
	return cfg
}

func TestResolveDefaultsWhenNoConfig(t *testing.T) {
	svc, fc := newTestService(t)
	res, err := svc.Resolve(context.Background(), pricingdomain.Ref{
		TierName: "pro", Provider: "anthropic", Model: "claude-sonnet",
	}, fc.Now())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultBillingConfig().DefaultMarginMultiplier, res.Multiplier)
	assert.Nil(t, res.ConfigID)
	assert.Equal(t, "default", res.Scope)
}

func TestResolveMostSpecificScopeWins(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()
	from := fc.Now().Add(-time.Hour)

	approve(t, svc, pricingdomain.ProposeRequest{
		TierName: strptr("pro"), Multiplier: 1.2,
		EffectiveFrom: from, Reason: "tier override", ProposedBy: "alice",
	})
	approve(t, svc, pricingdomain.ProposeRequest{
		Provider: strptr("anthropic"), Multiplier: 1.4,
		EffectiveFrom: from, Reason: "provider override", ProposedBy: "alice",
	})
	model := approve(t, svc, pricingdomain.ProposeRequest{
		Model: strptr("claude-sonnet"), Multiplier: 1.8,
		EffectiveFrom: from, Reason: "model override", ProposedBy: "alice",
	})

	res, err := svc.Resolve(ctx, pricingdomain.Ref{
		TierName: "pro", Provider: "anthropic", Model: "claude-sonnet",
	}, fc.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.8, res.Multiplier)
	require.NotNil(t, res.ConfigID)
	assert.Equal(t, model.ID, *res.ConfigID)

	// Without a model match, the provider scope takes over.
	res, err = svc.Resolve(ctx, pricingdomain.Ref{
		TierName: "pro", Provider: "anthropic", Model: "claude-haiku",
	}, fc.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.4, res.Multiplier)

	// And with neither, the tier scope.
	res, err = svc.Resolve(ctx, pricingdomain.Ref{
		TierName: "pro", Provider: "openai", Model: "gpt-5",
	}, fc.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.2, res.Multiplier)
}

func TestResolveHonorsEffectiveRange(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()
	future := fc.Now().Add(24 * time.Hour)

	approve(t, svc, pricingdomain.ProposeRequest{
		TierName: strptr("pro"), Multiplier: 2.0,
		EffectiveFrom: future, Reason: "future raise", ProposedBy: "alice",
	})

	res, err := svc.Resolve(ctx, pricingdomain.Ref{TierName: "pro"}, fc.Now())
	require.NoError(t, err)
	assert.Equal(t, "default", res.Scope, "future config must not apply yet")

	res, err = svc.Resolve(ctx, pricingdomain.Ref{TierName: "pro"}, future.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Multiplier)
}

func TestApproveSupersedesAndRecordsPrevious(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()
	from := fc.Now().Add(-time.Hour)

	old := approve(t, svc, pricingdomain.ProposeRequest{
		TierName: strptr("pro"), Multiplier: 1.5,
		EffectiveFrom: from, Reason: "initial", ProposedBy: "alice",
	})

	newer := approve(t, svc, pricingdomain.ProposeRequest{
		TierName: strptr("pro"), Multiplier: 1.7,
		EffectiveFrom: fc.Now(), Reason: "cost increase", ProposedBy: "alice",
	})
	require.NotNil(t, newer.PreviousMultiplier)
	assert.Equal(t, 1.5, *newer.PreviousMultiplier)

	res, err := svc.Resolve(ctx, pricingdomain.Ref{TierName: "pro"}, fc.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, res.ConfigID)
	assert.Equal(t, newer.ID, *res.ConfigID)
	assert.Equal(t, 1.7, res.Multiplier)

	// The superseded config is closed, not deleted.
	configs, err := svc.List(ctx, pricingdomain.StatusRetired, 10)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, old.ID, configs[0].ID)
	require.NotNil(t, configs[0].EffectiveUntil)
}

func TestApproveRejectsSelfApproval(t *testing.T) {
	svc, fc := newTestService(t)
	draft, err := svc.Propose(context.Background(), pricingdomain.ProposeRequest{
		TierName: strptr("pro"), Multiplier: 1.5,
		EffectiveFrom: fc.Now(), Reason: "initial", ProposedBy: "alice",
	})
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), draft.ID, "alice")
	assert.ErrorIs(t, err, pricingdomain.ErrSelfApproval)

	_, err = svc.Approve(context.Background(), snowflake.ID(424242), "bob")
	assert.ErrorIs(t, err, pricingdomain.ErrConfigNotFound)
}

func TestProposeValidation(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Propose(ctx, pricingdomain.ProposeRequest{
		Multiplier: 0, EffectiveFrom: fc.Now(), Reason: "x", ProposedBy: "alice",
	})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidMultiplier)

	_, err = svc.Propose(ctx, pricingdomain.ProposeRequest{
		Multiplier: 1.5, EffectiveFrom: fc.Now(), ProposedBy: "alice",
	})
	assert.ErrorIs(t, err, pricingdomain.ErrReasonRequired)

	until := fc.Now().Add(-time.Hour)
	_, err = svc.Propose(ctx, pricingdomain.ProposeRequest{
		Multiplier: 1.5, EffectiveFrom: fc.Now(), EffectiveUntil: &until,
		Reason: "x", ProposedBy: "alice",
	})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidEffectiveRange)
}
