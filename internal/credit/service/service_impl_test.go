package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/clock"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	"github.com/quillora/quillbill/internal/testutil"
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

type capturingAudit struct {
	mu      sync.Mutex
	entries []auditdomain.Entry
}

func (a *capturingAudit) Record(ctx context.Context, entry auditdomain.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *capturingAudit) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditRecord, error) {
	return nil, nil
}

func (a *capturingAudit) byAction(action string) []auditdomain.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var matched []auditdomain.Entry
	for _, entry := range a.entries {
		if entry.Action == action {
			matched = append(matched, entry)
		}
	}
	return matched
}

func newTestService(t *testing.T) (creditdomain.Service, *gorm.DB, *clock.FakeClock) {
	svc, db, fc, _ := newTestServiceWithAudit(t)
	return svc, db, fc
}

func newTestServiceWithAudit(t *testing.T) (creditdomain.Service, *gorm.DB, *clock.FakeClock, *capturingAudit) {
	t.Helper()
	db := testutil.OpenSQLite(t,
		&creditdomain.CreditBalance{},
		&creditdomain.CreditAllocation{},
		&creditdomain.LedgerEntry{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	audit := &capturingAudit{}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		AuditSvc: audit,
	})
	return svc, db, fc, audit
}

func monthlyPeriod(fc *clock.FakeClock) (time.Time, time.Time) {
	start := fc.Now()
	return start, start.AddDate(0, 1, 0)
}

func TestAllocate(t *testing.T) {
	svc, db, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(42)
	start, end := monthlyPeriod(fc)

	result, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:      userID,
		Amount:      1000,
		Source:      creditdomain.SourceSubscription,
		PeriodStart: start,
		PeriodEnd:   end,
		Reason:      "monthly_allocation",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.Allocation.Remaining)
	assert.Equal(t, int64(0), result.Entry.BalanceBefore)
	assert.Equal(t, int64(1000), result.Entry.BalanceAfter)
	assert.Equal(t, creditdomain.DirectionCredit, result.Entry.Direction)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Amount)

	// A second allocation accumulates on the same balance row.
	_, err = svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:      userID,
		Amount:      500,
		Source:      creditdomain.SourceBonus,
		PeriodStart: start,
		PeriodEnd:   end,
		Reason:      "referral_bonus",
	})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance.Amount)

	var rows int64
	require.NoError(t, db.Model(&creditdomain.CreditBalance{}).Where("user_id = ?", userID).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestAllocateValidation(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: 0, Amount: 100, PeriodStart: start, PeriodEnd: end,
	})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidUser)

	_, err = svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: 1, Amount: 0, PeriodStart: start, PeriodEnd: end,
	})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	_, err = svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: 1, Amount: 100, PeriodStart: end, PeriodEnd: start,
	})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidPeriod)
}

func TestDeduct(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(7)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 1000, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	entry, err := svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 23, RequestID: "req-1", Reason: "token_usage",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), entry.BalanceBefore)
	assert.Equal(t, int64(977), entry.BalanceAfter)
	assert.Equal(t, creditdomain.DirectionDebit, entry.Direction)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(977), balance.Amount)
	require.NotNil(t, balance.LastDeductionAt)
	assert.Equal(t, int64(23), balance.LastDeductionAmount)
}

func TestDeductIdempotent(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(8)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 100, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	first, err := svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 40, RequestID: "retry-me", Reason: "token_usage",
	})
	require.NoError(t, err)

	second, err := svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 40, RequestID: "retry-me", Reason: "token_usage",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance.Amount)
}

func TestDeductInsufficientCredits(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(9)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 10, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 11, Reason: "token_usage",
	})
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)

	// Rejection leaves the balance untouched.
	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Amount)
}

func TestDeductDrainedAllocationReportsInsufficient(t *testing.T) {
	svc, db, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(77)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 100, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 100, RequestID: "drain-all", Reason: "token_usage",
	})
	require.NoError(t, err)

	// The period is still live; an empty balance is out-of-credits,
	// not an expired period steering the caller into renewal.
	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 1, RequestID: "one-more", Reason: "token_usage",
	})
	assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)
	assert.NotErrorIs(t, err, creditdomain.ErrBillingPeriodExpired)

	var alloc creditdomain.CreditAllocation
	require.NoError(t, db.Where("user_id = ?", userID).First(&alloc).Error)
	assert.True(t, alloc.IsCurrent)
	assert.Equal(t, int64(0), alloc.Remaining)
}

func TestDeductNoActiveCreditRecord(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Deduct(context.Background(), creditdomain.DeductRequest{
		UserID: 12345, Amount: 1, Reason: "token_usage",
	})
	assert.ErrorIs(t, err, creditdomain.ErrNoActiveCreditRecord)
}

func TestDeductBillingPeriodExpired(t *testing.T) {
	svc, db, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(10)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 500, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	fc.Advance(32 * 24 * time.Hour)

	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 1, Reason: "token_usage",
	})
	assert.ErrorIs(t, err, creditdomain.ErrBillingPeriodExpired)

	// The lapsed allocation is retired, not deleted, and its unspent
	// remainder comes off the balance.
	var alloc creditdomain.CreditAllocation
	require.NoError(t, db.Where("user_id = ?", userID).First(&alloc).Error)
	assert.False(t, alloc.IsCurrent)
	assert.Equal(t, int64(0), alloc.Remaining)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Amount)
}

func TestDeductDrawsDownSoonestExpiryFirst(t *testing.T) {
	svc, db, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(11)
	start, end := monthlyPeriod(fc)

	soon := fc.Now().Add(48 * time.Hour)
	expiring, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 30, Source: creditdomain.SourceBonus,
		PeriodStart: start, PeriodEnd: end, ExpiresAt: &soon,
	})
	require.NoError(t, err)

	openEnded, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 100, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 50, Reason: "token_usage",
	})
	require.NoError(t, err)

	var got creditdomain.CreditAllocation
	require.NoError(t, db.Where("id = ?", expiring.Allocation.ID).First(&got).Error)
	assert.Equal(t, int64(0), got.Remaining, "expiring allocation drains first")

	got = creditdomain.CreditAllocation{}
	require.NoError(t, db.Where("id = ?", openEnded.Allocation.ID).First(&got).Error)
	assert.Equal(t, int64(80), got.Remaining)
}

func TestConcurrentDeductions(t *testing.T) {
	svc, db, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(77)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 1000, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Deduct(ctx, creditdomain.DeductRequest{
				UserID:    userID,
				Amount:    100,
				RequestID: fmt.Sprintf("concurrent-%d", i),
				Reason:    "token_usage",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, creditdomain.ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 10, succeeded)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Amount)

	// Conservation: balance equals the signed ledger sum.
	var ledgerSum int64
	require.NoError(t, db.Raw(
		`SELECT COALESCE(SUM(CASE direction WHEN 'credit' THEN amount ELSE -amount END), 0)
		 FROM credit_ledger_entries WHERE user_id = ?`, userID,
	).Scan(&ledgerSum).Error)
	assert.Equal(t, int64(0), ledgerSum)
}

func TestReverse(t *testing.T) {
	svc, db, fc, audit := newTestServiceWithAudit(t)
	ctx := context.Background()
	userID := snowflake.ID(13)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 200, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	entry, err := svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 50, RequestID: "to-reverse", Reason: "token_usage",
	})
	require.NoError(t, err)

	reversal, err := svc.Reverse(ctx, entry.ID, "admin-7", "billing_dispute")
	require.NoError(t, err)
	assert.Equal(t, creditdomain.DirectionCredit, reversal.Direction)
	assert.Equal(t, creditdomain.StatusReversed, reversal.Status)
	require.NotNil(t, reversal.ReversalOf)
	assert.Equal(t, entry.ID, *reversal.ReversalOf)

	// The audit trail records who reversed, not just why.
	reversed := audit.byAction("credits.reversed")
	require.Len(t, reversed, 1)
	assert.Equal(t, auditdomain.ActorTypeAdmin, reversed[0].ActorType)
	assert.Equal(t, "admin-7", reversed[0].ActorID)
	assert.Equal(t, "billing_dispute", reversed[0].Metadata["reason"])

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Amount)

	// Reversed credits land back on the current allocation.
	var alloc creditdomain.CreditAllocation
	require.NoError(t, db.Where("user_id = ?", userID).First(&alloc).Error)
	assert.Equal(t, int64(200), alloc.Remaining)

	_, err = svc.Reverse(ctx, entry.ID, "admin-7", "billing_dispute")
	assert.ErrorIs(t, err, creditdomain.ErrAlreadyReversed)

	_, err = svc.Reverse(ctx, snowflake.ID(999999), "admin-7", "nope")
	assert.ErrorIs(t, err, creditdomain.ErrEntryNotFound)

	_, err = svc.Reverse(ctx, entry.ID, "", "billing_dispute")
	assert.ErrorIs(t, err, creditdomain.ErrAdminRequired)
}

func TestHasAvailableCredits(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(14)
	start, end := monthlyPeriod(fc)

	ok, err := svc.HasAvailableCredits(ctx, userID, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 5, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	ok, err = svc.HasAvailableCredits(ctx, userID, 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasAvailableCredits(ctx, userID, 6)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireLapsed(t *testing.T) {
	svc, db, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(15)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 300, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)

	swept, err := svc.ExpireLapsed(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, swept, "nothing lapsed yet")

	fc.Advance(32 * 24 * time.Hour)

	swept, err = svc.ExpireLapsed(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	balance, err := svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Amount)

	var expiry creditdomain.LedgerEntry
	require.NoError(t, db.Where("user_id = ? AND reason = ?", userID, "allocation_expired").First(&expiry).Error)
	assert.Equal(t, creditdomain.DirectionDebit, expiry.Direction)
	assert.Equal(t, int64(300), expiry.Amount)
}

func TestListEntries(t *testing.T) {
	svc, _, fc := newTestService(t)
	ctx := context.Background()
	userID := snowflake.ID(16)
	start, end := monthlyPeriod(fc)

	_, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID: userID, Amount: 100, Source: creditdomain.SourceSubscription,
		PeriodStart: start, PeriodEnd: end,
	})
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, creditdomain.DeductRequest{
		UserID: userID, Amount: 10, Reason: "token_usage",
	})
	require.NoError(t, err)

	entries, err := svc.ListEntries(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, creditdomain.DirectionDebit, entries[0].Direction)
	assert.Equal(t, creditdomain.DirectionCredit, entries[1].Direction)
}
