package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

// stockedStall is an owned stall with goods on sale, so it is never idle.
func stockedStall(id int64, due time.Time, escrow domain.GoldAmount) *domain.Stall {
	s := ownedStall(id, due)
	s.EscrowBalance = escrow
	s.Products = []domain.StallProduct{product(id*10, id, 3, "arrow")}
	return s
}

func TestRentRenewal_MissedCyclesAdvanceToFuture(t *testing.T) {
	due := testNow.Add(-3 * testInterval)
	f := newFixture(testNow, stockedStall(1, due, 500))

	require.NoError(t, f.rent.RunOnce(context.Background()))

	st := f.repo.stall(1)
	assert.Equal(t, domain.GoldAmount(400), st.EscrowBalance)
	assert.Equal(t, due.Add(4*testInterval), *st.NextRentDueUTC)
	assert.True(t, st.NextRentDueUTC.After(testNow))
	assert.Nil(t, st.SuspendedUTC)

	entries := f.repo.ledgerOf(domain.LedgerRentPayment)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-100), entries[0].Amount)
	assert.Equal(t, sourceEscrow, entries[0].Metadata["source"])
	assert.Equal(t, []port.Severity{port.SeverityInfo}, f.notifier.severities())
}

func TestRentRenewal_NotDueIsSkipped(t *testing.T) {
	f := newFixture(testNow, stockedStall(1, testNow.Add(time.Hour), 500))

	require.NoError(t, f.rent.RunOnce(context.Background()))

	assert.Equal(t, domain.GoldAmount(500), f.repo.stall(1).EscrowBalance)
	assert.Empty(t, f.notifier.severities())
}

func TestRentRenewal_CoinhouseFirst(t *testing.T) {
	acct := uuid.New()
	st := stockedStall(1, testNow.Add(-time.Minute), 500)
	st.CoinHouseAccountID = &acct
	f := newFixture(testNow, st)
	f.coinhouse.accounts[acct] = &port.CoinhouseAccount{ID: acct, Tag: "cordor", Holder: ownerPersona, Balance: 1000}

	require.NoError(t, f.rent.RunOnce(context.Background()))

	assert.Equal(t, domain.GoldAmount(900), f.coinhouse.balance(acct))
	assert.Equal(t, domain.GoldAmount(500), f.repo.stall(1).EscrowBalance)
	entries := f.repo.ledgerOf(domain.LedgerRentPayment)
	require.Len(t, entries, 1)
	assert.Equal(t, sourceCoinhouse, entries[0].Metadata["source"])
}

func TestRentRenewal_CoinhouseDeclinedFallsBackToEscrow(t *testing.T) {
	acct := uuid.New()
	st := stockedStall(1, testNow.Add(-time.Minute), 500)
	st.CoinHouseAccountID = &acct
	f := newFixture(testNow, st)
	f.coinhouse.accounts[acct] = &port.CoinhouseAccount{ID: acct, Tag: "cordor", Holder: ownerPersona, Balance: 10}

	require.NoError(t, f.rent.RunOnce(context.Background()))

	assert.Equal(t, domain.GoldAmount(10), f.coinhouse.balance(acct))
	assert.Equal(t, domain.GoldAmount(400), f.repo.stall(1).EscrowBalance)
}

func TestRentRenewal_ZeroRentIsNoOp(t *testing.T) {
	due := testNow.Add(-time.Minute)
	st := stockedStall(1, due, 0)
	st.DailyRent = 0
	f := newFixture(testNow, st)

	require.NoError(t, f.rent.RunOnce(context.Background()))

	stored := f.repo.stall(1)
	assert.True(t, stored.IsOwned())
	assert.Equal(t, due.Add(testInterval), *stored.NextRentDueUTC)
	assert.Empty(t, f.repo.ledgerOf(domain.LedgerRentPayment))
}

func TestRentRenewal_ChargeAlreadyTaken(t *testing.T) {
	due := testNow.Add(-time.Minute)
	f := newFixture(testNow, stockedStall(1, due, 500))
	f.idem.held[fmt.Sprintf("rent:1:%d", due.Unix())] = "other-worker"

	require.NoError(t, f.rent.RunOnce(context.Background()))

	assert.Equal(t, domain.GoldAmount(500), f.repo.stall(1).EscrowBalance)
	assert.Empty(t, f.repo.ledgerOf(domain.LedgerRentPayment))
}

func TestRentRenewal_GracePeriodThenSuspension(t *testing.T) {
	ctx := context.Background()
	start := testNow
	f := newFixture(start, stockedStall(1, start.Add(-time.Minute), 0))

	// first failure opens the grace window
	require.NoError(t, f.rent.RunOnce(ctx))
	st := f.repo.stall(1)
	require.True(t, st.IsOwned())
	require.NotNil(t, st.SuspendedUTC)
	assert.Equal(t, start, *st.SuspendedUTC)
	assert.Equal(t, start.Add(24*time.Hour), *st.NextRentDueUTC)
	assert.True(t, st.InGracePeriod())

	// a later pass inside the window does nothing
	f.now = start.Add(time.Hour)
	require.NoError(t, f.rent.RunOnce(ctx))
	assert.Equal(t, st.Version, f.repo.stall(1).Version)

	// a retry inside the window only refreshes the due date
	f.repo.stalls[1].NextRentDueUTC = domain.TimePtr(start.Add(2 * time.Hour))
	f.now = start.Add(2 * time.Hour)
	require.NoError(t, f.rent.RunOnce(ctx))
	st = f.repo.stall(1)
	assert.True(t, st.IsOwned())
	assert.Equal(t, start, *st.SuspendedUTC)
	assert.Equal(t, start.Add(24*time.Hour), *st.NextRentDueUTC)
	assert.Zero(t, f.store.stores)

	// past the window the lease ends and goods move to lockup once
	f.now = start.Add(24*time.Hour + time.Minute)
	require.NoError(t, f.rent.RunOnce(ctx))
	st = f.repo.stall(1)
	assert.False(t, st.IsOwned())
	assert.False(t, st.IsActive)
	assert.NotNil(t, st.DeactivatedUTC)
	assert.Empty(t, st.Products)
	assert.Equal(t, 3, f.store.stores)

	f.now = start.Add(48 * time.Hour)
	require.NoError(t, f.rent.RunOnce(ctx))
	assert.Equal(t, 3, f.store.stores)

	assert.Equal(t, []port.Severity{port.SeverityWarning, port.SeverityAlert, port.SeverityCritical}, f.notifier.severities())
}

func TestRentRenewal_PaymentDuringGraceClearsSuspension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(testNow, stockedStall(1, testNow.Add(-time.Minute), 0))
	require.NoError(t, f.rent.RunOnce(ctx))
	require.NotNil(t, f.repo.stall(1).SuspendedUTC)

	f.repo.stalls[1].EscrowBalance = 250
	f.now = testNow.Add(24 * time.Hour)
	require.NoError(t, f.rent.RunOnce(ctx))

	st := f.repo.stall(1)
	assert.True(t, st.IsOwned())
	assert.Nil(t, st.SuspendedUTC)
	assert.Equal(t, domain.GoldAmount(150), st.EscrowBalance)
	assert.True(t, st.NextRentDueUTC.After(f.now))
}

func TestRentRenewal_EmptyStallHalfwayRefundsHalf(t *testing.T) {
	st := ownedStall(1, testNow.Add(testInterval/2))
	st.UpdatedUTC = testNow.Add(-3 * time.Hour)
	f := newFixture(testNow, st)

	require.NoError(t, f.rent.RunOnce(context.Background()))

	stored := f.repo.stall(1)
	assert.False(t, stored.IsOwned())
	pending := f.repo.ledgerOf(domain.LedgerRefundPending)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(50), pending[0].Amount)
	assert.Empty(t, f.repo.ledgerOf(domain.LedgerRentPayment))
	assert.Equal(t, []port.Severity{port.SeverityAlert}, f.notifier.severities())
}

func TestRentRenewal_EmptyStallRefundGoesToCoinhouse(t *testing.T) {
	acct := uuid.New()
	st := ownedStall(1, testNow.Add(testInterval/4))
	st.UpdatedUTC = testNow.Add(-3 * time.Hour)
	st.CoinHouseAccountID = &acct
	f := newFixture(testNow, st)
	f.coinhouse.accounts[acct] = &port.CoinhouseAccount{ID: acct, Tag: "cordor", Holder: ownerPersona}

	require.NoError(t, f.rent.RunOnce(context.Background()))

	assert.Equal(t, domain.GoldAmount(25), f.coinhouse.balance(acct))
	assert.Empty(t, f.repo.ledgerOf(domain.LedgerRefundPending))
}

func TestRentRenewal_EmptyStallInGraceReleasedWithoutRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(testNow, ownedStall(1, testNow.Add(-time.Minute)))

	// the charge fails on an empty escrow and opens the grace window
	require.NoError(t, f.rent.RunOnce(ctx))
	require.True(t, f.repo.stall(1).InGracePeriod())
	f.repo.stalls[1].UpdatedUTC = testNow

	f.now = testNow.Add(3 * time.Hour)
	require.NoError(t, f.rent.RunOnce(ctx))

	assert.False(t, f.repo.stall(1).IsOwned())
	assert.Empty(t, f.repo.ledgerOf(domain.LedgerRefundPending))
	assert.Empty(t, f.repo.ledgerOf(domain.LedgerRentPayment))
	assert.Empty(t, f.coinhouse.deposits)
}

func TestRentRenewal_RecentlyTouchedEmptyStallStays(t *testing.T) {
	st := ownedStall(1, testNow.Add(time.Hour))
	st.UpdatedUTC = testNow.Add(-30 * time.Minute)
	f := newFixture(testNow, st)

	require.NoError(t, f.rent.RunOnce(context.Background()))

	assert.True(t, f.repo.stall(1).IsOwned())
}

func TestRentRenewal_SweepsLeftoverStockOfUnownedStall(t *testing.T) {
	st := newStall(1)
	st.Products = []domain.StallProduct{product(10, 1, 2, "arrow")}
	f := newFixture(testNow, st)

	require.NoError(t, f.rent.RunOnce(context.Background()))

	assert.Equal(t, 2, f.store.stores)
	assert.Empty(t, f.repo.stall(1).Products)
}

func TestRentRenewal_CancelledContextStops(t *testing.T) {
	f := newFixture(testNow, stockedStall(1, testNow.Add(-time.Minute), 500))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.rent.RunOnce(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.GoldAmount(500), f.repo.stall(1).EscrowBalance)
}

func TestRentRenewal_StartStop(t *testing.T) {
	f := newFixture(testNow)
	f.rent.opts.StartupDelay = time.Hour

	f.rent.Start(context.Background())
	f.rent.Start(context.Background())

	assert.NoError(t, f.rent.Stop())
	assert.NoError(t, f.rent.Stop())
}
