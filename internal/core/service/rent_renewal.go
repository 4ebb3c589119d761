package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/metrics"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

const (
	sourceCoinhouse = "coinhouse"
	sourceEscrow    = "escrow"
	sourceNone      = "none"
)

var errGraceExpired = errors.New("grace period expired")

type RentOptions struct {
	RentInterval     time.Duration
	BillingInterval  time.Duration
	StartupDelay     time.Duration
	GracePeriod      time.Duration
	IdleReleaseAfter time.Duration
	ShutdownWait     time.Duration
	IdempotencyTTL   time.Duration
}

// RentRenewalService is the billing loop. It charges due rent, runs the
// grace period and releases stalls that lapsed or sat empty.
type RentRenewalService struct {
	repo      port.StallRepository
	stalls    *StallService
	lockup    *LockupService
	coinhouse port.Coinhouse
	idem      port.IdempotencyStore
	notifier  port.Notifier
	log       *logger.Logger
	metrics   *metrics.Metrics
	opts      RentOptions
	now       func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRentRenewalService(
	repo port.StallRepository,
	stalls *StallService,
	lockup *LockupService,
	coinhouse port.Coinhouse,
	idem port.IdempotencyStore,
	notifier port.Notifier,
	log *logger.Logger,
	m *metrics.Metrics,
	opts RentOptions,
) *RentRenewalService {
	if opts.BillingInterval <= 0 {
		opts.BillingInterval = time.Hour
	}
	if opts.RentInterval <= 0 {
		opts.RentInterval = 24 * time.Hour
	}
	return &RentRenewalService{
		repo:      repo,
		stalls:    stalls,
		lockup:    lockup,
		coinhouse: coinhouse,
		idem:      idem,
		notifier:  notifier,
		log:       log,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// Start launches the loop. Calling it twice is a no-op.
func (r *RentRenewalService) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	r.log.Info("rent renewal started", "startup_delay", r.opts.StartupDelay, "interval", r.opts.BillingInterval)
}

// Stop cancels the loop and waits up to ShutdownWait for the current stall.
func (r *RentRenewalService) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	wait := r.opts.ShutdownWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	select {
	case <-done:
		r.log.Info("rent renewal stopped")
		return nil
	case <-time.After(wait):
		return fmt.Errorf("rent renewal did not stop within %s", wait)
	}
}

func (r *RentRenewalService) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := time.NewTimer(r.opts.StartupDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		return
	case <-delay.C:
	}

	r.cycle(ctx)
	ticker := time.NewTicker(r.opts.BillingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *RentRenewalService) cycle(ctx context.Context) {
	if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error("rent renewal: cycle failed", "error", err)
	}
}

// RunOnce processes every stall a single time. One stall failing never
// stops the others.
func (r *RentRenewalService) RunOnce(ctx context.Context) error {
	started := time.Now()
	defer func() { r.metrics.ObserveRentCycle(time.Since(started).Seconds()) }()

	stalls, err := r.repo.AllStalls(ctx)
	if err != nil {
		return fmt.Errorf("load stalls: %w", err)
	}
	for _, st := range stalls {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.processSafely(ctx, st)
	}
	return nil
}

func (r *RentRenewalService) processSafely(ctx context.Context, st *domain.Stall) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("rent renewal: panic while processing stall", "stall_id", st.ID, "panic", rec)
		}
	}()
	if err := r.process(ctx, st); err != nil {
		r.log.Error("rent renewal: stall failed", "stall_id", st.ID, "error", err)
	}
}

func (r *RentRenewalService) process(ctx context.Context, st *domain.Stall) error {
	if !st.IsOwned() {
		// leftovers of a release whose lockup transfer did not finish
		if st.ActiveListings() > 0 && r.lockup != nil {
			_, err := r.lockup.MoveToLockup(ctx, st)
			return err
		}
		return nil
	}
	now := r.now().UTC()

	if st.IsActive && st.ActiveListings() == 0 && now.Sub(st.UpdatedUTC) > r.opts.IdleReleaseAfter {
		return r.autoRelease(ctx, st, now)
	}

	if st.NextRentDueUTC == nil {
		_, err := r.repo.UpdateByID(ctx, st.ID, func(s *domain.Stall) error {
			if s.NextRentDueUTC == nil {
				s.NextRentDueUTC = domain.TimePtr(now.Add(r.opts.RentInterval))
			}
			return nil
		})
		return err
	}
	if st.NextRentDueUTC.After(now) {
		return nil
	}
	return r.collect(ctx, st, now)
}

func (r *RentRenewalService) autoRelease(ctx context.Context, st *domain.Stall, now time.Time) error {
	var due time.Time
	if st.NextRentDueUTC != nil {
		due = *st.NextRentDueUTC
	}
	// during grace the due date is the retry deadline of an unpaid period
	var refund domain.GoldAmount
	if st.SuspendedUTC == nil {
		refund = domain.ProratedRefund(st.DailyRent, due, now, r.opts.RentInterval)
	}
	owner := st.OwnerPersona
	out, err := r.stalls.ForceRelease(ctx, st.ID, refund, "Unused rent for an empty stall", func(s *domain.Stall) error {
		if !s.IsOwnedBy(owner) || s.ActiveListings() > 0 {
			return domain.NewError(domain.CodeValidation, "rent.auto_release", "stall changed since it was found empty")
		}
		return nil
	})
	if err != nil {
		if domain.CodeOf(err) == domain.CodeValidation {
			r.log.Debug("rent renewal: auto-release skipped", "stall_id", st.ID, "reason", domain.MessageOf(err))
			return nil
		}
		return err
	}
	r.metrics.Transition("auto_released")
	msg := fmt.Sprintf("Your stall %s stood empty and was released.", st.Tag)
	if refund > 0 {
		msg += fmt.Sprintf(" %d gold of unused rent was returned", refund)
		if out.SettledTo == settledToCoinhouse {
			msg += " to your coinhouse account."
		} else {
			msg += " and is held for you by the market."
		}
	}
	r.notify(ctx, st, msg, port.SeverityAlert)
	return nil
}

func (r *RentRenewalService) collect(ctx context.Context, st *domain.Stall, now time.Time) error {
	key := fmt.Sprintf("rent:%d:%d", st.ID, st.NextRentDueUTC.Unix())
	token, ok, err := r.idem.Acquire(ctx, key, r.opts.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("acquire rent key: %w", err)
	}
	if !ok {
		r.log.Debug("rent renewal: charge already taken", "stall_id", st.ID, "key", key)
		return nil
	}

	source, paid := r.charge(ctx, st, now)
	if paid {
		r.metrics.RentCharged(source, "paid", st.DailyRent.Int64())
		if st.DailyRent > 0 {
			entry := domain.NewLedgerEntry(st.ID, domain.LedgerRentPayment, -st.DailyRent.Int64(), "Rent", now)
			entry.Metadata["source"] = source
			entry.Metadata["idempotency_key"] = key
			r.stalls.appendLedger(ctx, entry)
			r.notify(ctx, st, fmt.Sprintf("Rent of %d gold for %s was paid from your %s.", st.DailyRent, st.Tag, sourceLabel(source)), port.SeverityInfo)
		}
		return nil
	}

	r.metrics.RentCharged(source, "failed", 0)
	if err := r.idem.Release(ctx, key, token); err != nil {
		r.log.Warn("rent renewal: release rent key", "key", key, "error", err)
	}
	return r.failRent(ctx, st, now)
}

// charge draws the rent and records it on the stall. Coinhouse first when
// configured, escrow otherwise or as fallback.
func (r *RentRenewalService) charge(ctx context.Context, st *domain.Stall, now time.Time) (string, bool) {
	rent := st.DailyRent
	if rent <= 0 {
		return sourceNone, r.applyPaid(ctx, st, now, 0)
	}

	if st.CoinHouseAccountID != nil && r.coinhouse != nil {
		if acct := r.rentAccount(ctx, st); acct != nil {
			res, err := r.coinhouse.WithdrawGold(ctx, port.BankRequest{
				Persona: st.OwnerPersona,
				Tag:     acct.Tag,
				Amount:  rent,
				Reason:  fmt.Sprintf("Rent for stall %s", st.Tag),
			})
			switch {
			case err != nil:
				r.log.Warn("rent renewal: coinhouse withdraw", "stall_id", st.ID, "error", err)
			case !res.Success:
				r.log.Info("rent renewal: coinhouse declined", "stall_id", st.ID, "message", res.Message)
			default:
				if r.applyPaid(ctx, st, now, 0) {
					return sourceCoinhouse, true
				}
				r.refundCoinhouse(ctx, st, acct, rent)
				return sourceCoinhouse, false
			}
		}
	}

	if st.EscrowBalance >= rent {
		return sourceEscrow, r.applyPaid(ctx, st, now, rent)
	}
	return sourceEscrow, false
}

func (r *RentRenewalService) rentAccount(ctx context.Context, st *domain.Stall) *port.CoinhouseAccount {
	acct, err := r.coinhouse.GetAccount(ctx, *st.CoinHouseAccountID)
	if err != nil {
		r.log.Warn("rent renewal: coinhouse account lookup", "stall_id", st.ID, "error", err)
		return nil
	}
	return acct
}

func (r *RentRenewalService) applyPaid(ctx context.Context, st *domain.Stall, now time.Time, fromEscrow domain.GoldAmount) bool {
	found, err := r.repo.UpdateByID(ctx, st.ID, domain.RentPaid(now, r.opts.RentInterval, fromEscrow))
	if err != nil {
		r.log.Warn("rent renewal: record payment", "stall_id", st.ID, "error", err)
		return false
	}
	return found
}

func (r *RentRenewalService) refundCoinhouse(ctx context.Context, st *domain.Stall, acct *port.CoinhouseAccount, amount domain.GoldAmount) {
	res, err := r.coinhouse.DepositGold(ctx, port.BankRequest{
		Persona: st.OwnerPersona,
		Tag:     acct.Tag,
		Amount:  amount,
		Reason:  fmt.Sprintf("Rent for stall %s could not be recorded", st.Tag),
	})
	if err != nil || !res.Success {
		r.log.Error("rent renewal: CRITICAL coinhouse rent refund failed", "stall_id", st.ID, "amount", amount, "error", err, "message", res.Message)
	}
}

func (r *RentRenewalService) failRent(ctx context.Context, st *domain.Stall, now time.Time) error {
	var failure domain.RentFailure
	found, err := r.repo.UpdateByID(ctx, st.ID, func(s *domain.Stall) error {
		failure = domain.EvaluateRentFailure(s, now, r.opts.GracePeriod)
		if failure.Stage == domain.GraceExpired {
			return errGraceExpired
		}
		return failure.Apply(s)
	})
	if err != nil && !errors.Is(err, errGraceExpired) {
		return fmt.Errorf("record rent failure: %w", err)
	}
	if !found {
		return nil
	}

	switch failure.Stage {
	case domain.GraceStarted:
		r.metrics.Transition("grace_started")
		r.notify(ctx, st, fmt.Sprintf("Rent of %d gold for %s could not be collected. Settle it before %s or the lease will end.",
			st.DailyRent, st.Tag, failure.RetryAt.Format(time.RFC1123)), port.SeverityWarning)
		return nil
	case domain.GraceContinues:
		r.metrics.Transition("grace_continues")
		r.notify(ctx, st, fmt.Sprintf("Rent for %s is still unpaid. The lease ends at %s.",
			st.Tag, failure.RetryAt.Format(time.RFC1123)), port.SeverityAlert)
		return nil
	}

	owner := st.OwnerPersona
	out, err := r.stalls.ForceRelease(ctx, st.ID, 0, "Lease ended for unpaid rent", func(s *domain.Stall) error {
		if !s.IsOwnedBy(owner) || s.SuspendedUTC == nil {
			return domain.NewError(domain.CodeValidation, "rent.suspend", "stall changed since the grace period was checked")
		}
		return nil
	})
	if err != nil {
		if domain.CodeOf(err) == domain.CodeValidation {
			r.log.Debug("rent renewal: suspension skipped", "stall_id", st.ID, "reason", domain.MessageOf(err))
			return nil
		}
		return err
	}
	r.metrics.Transition("suspended")
	r.notify(ctx, st, fmt.Sprintf("Your lease on %s ended for unpaid rent. %d item(s) were moved to the market lockup.",
		st.Tag, out.ItemsStored), port.SeverityCritical)
	return nil
}

func (r *RentRenewalService) notify(ctx context.Context, st *domain.Stall, message string, severity port.Severity) {
	if r.notifier == nil || st.OwnerCharacterID == nil || *st.OwnerCharacterID == uuid.Nil {
		return
	}
	r.notifier.Notify(ctx, port.Notification{
		CharacterID: *st.OwnerCharacterID,
		Message:     message,
		Severity:    severity,
	})
}

func sourceLabel(source string) string {
	switch source {
	case sourceCoinhouse:
		return "coinhouse account"
	case sourceEscrow:
		return "stall earnings"
	default:
		return source
	}
}
