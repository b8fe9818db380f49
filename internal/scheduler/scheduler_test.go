package scheduler

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
	tierservice "github.com/quillora/quillbill/internal/tier/service"
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
	sched   *Scheduler
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
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	creditSvc := creditservice.NewService(creditservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fc, AuditSvc: nopAudit{},
	})
	tierSvc := tierservice.NewService(tierservice.Params{
		Cfg: config.Config{}, DB: db, Log: zap.NewNop(), GenID: node, Clock: fc,
		Billing:   config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		CreditSvc: creditSvc, AuditSvc: nopAudit{},
	})
	sched, err := New(Params{
		Log: zap.NewNop(), Clock: fc, TierSvc: tierSvc, CreditSvc: creditSvc,
	})
	require.NoError(t, err)

	return &testEnv{sched: sched, tiers: tierSvc, credits: creditSvc, db: db, clock: fc, genID: node}
}

func (e *testEnv) seedTierWithSubscriber(t *testing.T, userID snowflake.ID, credits int64) {
	t.Helper()
	require.NoError(t, e.db.Create(&tierdomain.TierConfig{
		ID:                      e.genID.Generate(),
		TierName:                "pro",
		DisplayName:             "pro",
		MonthlyPriceCents:       1900,
		MonthlyCreditAllocation: credits,
		ConfigVersion:           1,
		CreatedAt:               e.clock.Now(),
		UpdatedAt:               e.clock.Now(),
	}).Error)
	require.NoError(t, e.db.Create(&subscriptiondomain.Subscription{
		ID:                      e.genID.Generate(),
		UserID:                  userID,
		TierName:                "pro",
		Status:                  subscriptiondomain.StatusActive,
		CurrentPeriodStart:      e.clock.Now(),
		CurrentPeriodEnd:        e.clock.Now().AddDate(0, 1, 0),
		MonthlyCreditAllocation: credits,
		CreatedAt:               e.clock.Now(),
		UpdatedAt:               e.clock.Now(),
	}).Error)
	_, err := e.credits.Allocate(context.Background(), creditdomain.AllocateRequest{
		UserID:      userID,
		Amount:      credits,
		Source:      creditdomain.SourceSubscription,
		PeriodStart: e.clock.Now(),
		PeriodEnd:   e.clock.Now().AddDate(0, 1, 0),
		Reason:      "monthly_allocation",
	})
	require.NoError(t, err)
}

func TestRunOnceAppliesDueRolloutExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTierWithSubscriber(t, 601, 2000)

	_, err := env.tiers.ScheduleRollout(ctx, "pro", tierdomain.UpdateRequest{
		NewCredits: 3000,
		Reason:     "seasonal capacity increase",
		AdminID:    "admin-1",
	}, env.clock.Now().Add(24*time.Hour))
	require.NoError(t, err)

	// Scheduled for tomorrow: today's pass must not touch the user.
	require.NoError(t, env.sched.RunOnce(ctx))
	balance, err := env.credits.GetBalance(ctx, 601)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance.Amount)

	env.clock.Advance(25 * time.Hour)

	require.NoError(t, env.sched.RunOnce(ctx))
	balance, err = env.credits.GetBalance(ctx, 601)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance.Amount)

	// Idempotent: a second pass grants nothing more.
	require.NoError(t, env.sched.RunOnce(ctx))
	balance, err = env.credits.GetBalance(ctx, 601)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance.Amount)
}

func TestRunOnceExpiresLapsedAllocations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTierWithSubscriber(t, 602, 1000)

	env.clock.Advance(32 * 24 * time.Hour)

	require.NoError(t, env.sched.RunOnce(ctx))

	balance, err := env.credits.GetBalance(ctx, 602)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Amount)

	var alloc creditdomain.CreditAllocation
	require.NoError(t, env.db.Where("user_id = ?", 602).First(&alloc).Error)
	assert.False(t, alloc.IsCurrent)
}
