package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	"github.com/quillora/quillbill/internal/config"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	creditservice "github.com/quillora/quillbill/internal/credit/service"
	subscriptiondomain "github.com/quillora/quillbill/internal/subscription/domain"
	"github.com/quillora/quillbill/internal/testutil"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type nopAudit struct{}

func (nopAudit) Record(ctx context.Context, entry auditdomain.Entry) error { return nil }
func (nopAudit) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditRecord, error) {
	return nil, nil
}

type testEnv struct {
	tiers   tierdomain.Service
	credits creditdomain.Service
	db      *gorm.DB
	clock   *clock.FakeClock
	genID   *snowflake.Node
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.OpenSQLite(t,
		&creditdomain.CreditBalance{},
		&creditdomain.CreditAllocation{},
		&creditdomain.LedgerEntry{},
		&subscriptiondomain.Subscription{},
		&tierdomain.TierConfig{},
		&tierdomain.TierConfigHistory{},
	)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	creditSvc := creditservice.NewService(creditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fc, AuditSvc: nopAudit{},
	})
	cfg := config.Config{}
	cfg.Scheduler.BatchSize = 3 // force multiple batches in tests
	tierSvc := NewService(Params{
		Cfg: cfg, DB: db, Log: zap.NewNop(), GenID: node, Clock: fc,
		Billing:   config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		CreditSvc: creditSvc, AuditSvc: nopAudit{},
	})
	return &testEnv{tiers: tierSvc, credits: creditSvc, db: db, clock: fc, genID: node}
}

func (e *testEnv) seedTier(t *testing.T, name string, priceCents, credits int64) *tierdomain.TierConfig {
	t.Helper()
	tier := &tierdomain.TierConfig{
		ID:                      e.genID.Generate(),
		TierName:                name,
		DisplayName:             name,
		MonthlyPriceCents:       priceCents,
		MonthlyCreditAllocation: credits,
		ConfigVersion:           1,
		CreatedAt:               e.clock.Now(),
		UpdatedAt:               e.clock.Now(),
	}
	require.NoError(t, e.db.Create(tier).Error)
	return tier
}

func (e *testEnv) seedSubscriber(t *testing.T, userID snowflake.ID, tierName string, credits int64) *subscriptiondomain.Subscription {
	t.Helper()
	sub := &subscriptiondomain.Subscription{
		ID:                      e.genID.Generate(),
		UserID:                  userID,
		TierName:                tierName,
		Status:                  subscriptiondomain.StatusActive,
		CurrentPeriodStart:      e.clock.Now(),
		CurrentPeriodEnd:        e.clock.Now().AddDate(0, 1, 0),
		MonthlyCreditAllocation: credits,
		CreatedAt:               e.clock.Now(),
		UpdatedAt:               e.clock.Now(),
	}
	require.NoError(t, e.db.Create(sub).Error)

	_, err := e.credits.Allocate(context.Background(), creditdomain.AllocateRequest{
		UserID:      userID,
		Amount:      credits,
		Source:      creditdomain.SourceSubscription,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Reason:      "monthly_allocation",
	})
	require.NoError(t, err)
	return sub
}

const validReason = "credit allotment review for spring launch"

// The upgrade-only policy: a decrease never claws back credits, the
// following increase moves everyone up to the new number.
func TestUpgradeOnlyPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTier(t, "pro", 1900, 2000)
	users := make([]snowflake.ID, 10)
	for i := range users {
		users[i] = snowflake.ID(1000 + i)
		env.seedSubscriber(t, users[i], "pro", 2000)
	}

	down, err := env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 1500, Reason: validReason, AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), down.AffectedUsersCount)
	assert.Equal(t, int64(2), down.ConfigVersion)

	for _, userID := range users {
		balance, err := env.credits.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(2000), balance.Amount, "decrease must not touch existing users")
	}

	up, err := env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 2500, Reason: validReason, AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), up.AffectedUsersCount)
	assert.Empty(t, up.Failures)
	assert.Equal(t, int64(3), up.ConfigVersion)

	for _, userID := range users {
		balance, err := env.credits.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(2500), balance.Amount)
	}

	// Snapshots moved too, so a repeat run grants nothing.
	again, err := env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 2500, Reason: validReason, AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.AffectedUsersCount)
}

func TestPreviewUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTier(t, "pro", 1900, 2000)
	env.seedSubscriber(t, 2001, "pro", 2000)
	env.seedSubscriber(t, 2002, "pro", 2000)
	env.seedSubscriber(t, 2003, "pro", 2500)

	impact, err := env.tiers.PreviewUpdate(ctx, "pro", 2500)
	require.NoError(t, err)
	assert.Equal(t, tierdomain.ChangeCreditIncrease, impact.ChangeType)
	assert.Equal(t, int64(3), impact.SubscriberCount)
	assert.Equal(t, int64(2), impact.WillUpgrade)
	assert.Equal(t, int64(1), impact.WillRemainSame)
	// 2 users x 500 credits x $0.001/credit = $1.00.
	assert.Equal(t, int64(100), impact.EstimatedCostCents)

	// Preview never mutates.
	tier, err := env.tiers.GetTier(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), tier.MonthlyCreditAllocation)
	assert.Equal(t, int64(1), tier.ConfigVersion)

	_, err = env.tiers.PreviewUpdate(ctx, "ghost", 2500)
	assert.ErrorIs(t, err, tierdomain.ErrTierNotFound)
}

func TestValidateUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTier(t, "pro", 1900, 2000)

	result, err := env.tiers.ValidateUpdate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 5, Reason: "no", AdminID: "",
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "newCredits")
	assert.Contains(t, fields, "reason")
	assert.Contains(t, fields, "adminId")

	result, err = env.tiers.ValidateUpdate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 1500, Reason: validReason, AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings, "decrease warns about upgrade-only policy")

	// Invalid requests never reach the config.
	_, err = env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 5, Reason: "no", AdminID: "admin-1",
	})
	assert.ErrorIs(t, err, tierdomain.ErrValidationFailed)
	tier, err := env.tiers.GetTier(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tier.ConfigVersion)
}

func TestApplyImmediateConcurrentModification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTier(t, "pro", 1900, 2000)

	_, err := env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 2200, Reason: validReason, AdminID: "admin-1",
	})
	require.NoError(t, err)

	// A second admin still holding version 1 must fail, not clobber.
	_, err = env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 2100, Reason: validReason, AdminID: "admin-2", ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, tierdomain.ErrConcurrentModification)

	tier, err := env.tiers.GetTier(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(2200), tier.MonthlyCreditAllocation)
	assert.Equal(t, int64(2), tier.ConfigVersion)
}

// Every applied config version must carry a history row: the version
// bump and the history insert commit together, so a lost CAS leaves
// neither behind.
func TestApplyImmediateHistoryCommitsWithVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTier(t, "pro", 1900, 2000)
	env.seedSubscriber(t, 4001, "pro", 2000)

	result, err := env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 2500, Reason: validReason, AdminID: "admin-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.ConfigVersion)

	var rows []tierdomain.TierConfigHistory
	require.NoError(t, env.db.
		Where("tier_name = ? AND config_version = ?", "pro", int64(2)).
		Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2000), rows[0].PreviousCredits)
	assert.Equal(t, int64(2500), rows[0].NewCredits)
	require.NotNil(t, rows[0].AppliedAt)
	assert.Equal(t, int64(1), rows[0].AffectedUsersCount)

	// A stale-version apply rolls back both the bump and its history.
	_, err = env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 2600, Reason: validReason, AdminID: "admin-2", ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, tierdomain.ErrConcurrentModification)

	var count int64
	require.NoError(t, env.db.
		Model(&tierdomain.TierConfigHistory{}).
		Where("tier_name = ?", "pro").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestScheduledRolloutGating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTier(t, "pro", 1900, 2000)
	env.seedSubscriber(t, 3001, "pro", 2000)
	env.seedSubscriber(t, 3002, "pro", 2000)

	rolloutAt := env.clock.Now().Add(48 * time.Hour)
	tier, err := env.tiers.ScheduleRollout(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 3000, Reason: validReason, AdminID: "admin-1",
	}, rolloutAt)
	require.NoError(t, err)
	assert.True(t, tier.ApplyToExistingUsers)
	require.NotNil(t, tier.RolloutStartDate)
	// New signups see the new number immediately.
	assert.Equal(t, int64(3000), tier.MonthlyCreditAllocation)

	// Before the rollout date the worker does nothing.
	applied, err := env.tiers.ProcessPendingRollouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	balance, err := env.credits.GetBalance(ctx, 3001)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.Amount)

	env.clock.Advance(72 * time.Hour)

	applied, err = env.tiers.ProcessPendingRollouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	for _, userID := range []snowflake.ID{3001, 3002} {
		balance, err := env.credits.GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(3000), balance.Amount)
	}

	// History row is marked applied with the user count.
	history, err := env.tiers.History(ctx, "pro", 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.NotNil(t, history[0].AppliedAt)
	assert.Equal(t, int64(2), history[0].AffectedUsersCount)

	// A second worker pass is a no-op.
	applied, err = env.tiers.ProcessPendingRollouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	_, err = env.tiers.ScheduleRollout(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 3100, Reason: validReason, AdminID: "admin-1",
	}, env.clock.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, tierdomain.ErrInvalidRolloutDate)
}

func TestApplyImmediateLargeTierBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTier(t, "pro", 1900, 100)
	// More users than the batch size of 3.
	for i := 0; i < 8; i++ {
		env.seedSubscriber(t, snowflake.ID(4000+i), "pro", 100)
	}

	result, err := env.tiers.ApplyImmediate(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 150, Reason: validReason, AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), result.AffectedUsersCount)
	assert.Empty(t, result.Failures)
}
