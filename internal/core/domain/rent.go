package domain

import (
	"math"
	"time"
)

// AdvanceDue moves due forward by whole intervals until it is after now.
// A due date already in the future still advances by one interval.
func AdvanceDue(due, now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return due
	}
	if due.IsZero() {
		return now.Add(interval)
	}
	if due.After(now) {
		return due.Add(interval)
	}
	missed := int64(now.Sub(due) / interval)
	return due.Add(time.Duration(missed+1) * interval)
}

// ProratedRefund returns the share of dailyRent covering the time left
// until nextDue. The fraction is clamped to [0, 1].
func ProratedRefund(dailyRent GoldAmount, nextDue, now time.Time, interval time.Duration) GoldAmount {
	if dailyRent <= 0 || interval <= 0 || nextDue.IsZero() {
		return 0
	}
	remaining := nextDue.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > interval {
		remaining = interval
	}
	frac := float64(remaining) / float64(interval)
	return GoldAmount(math.Round(float64(dailyRent) * frac))
}

// RentFailureStage is the step of the grace-period state machine reached
// after a failed rent charge.
type RentFailureStage int

const (
	GraceStarted RentFailureStage = iota + 1
	GraceContinues
	GraceExpired
)

func (s RentFailureStage) String() string {
	switch s {
	case GraceStarted:
		return "grace_started"
	case GraceContinues:
		return "grace_continues"
	case GraceExpired:
		return "grace_expired"
	default:
		return "unknown"
	}
}

// RentFailure is the outcome of a failed charge: the stage reached and,
// unless the grace period expired, when to try again.
type RentFailure struct {
	Stage      RentFailureStage
	GraceStart time.Time
	RetryAt    time.Time
}

// EvaluateRentFailure runs the grace-period state machine for s at now.
func EvaluateRentFailure(s *Stall, now time.Time, grace time.Duration) RentFailure {
	if s.SuspendedUTC == nil {
		return RentFailure{Stage: GraceStarted, GraceStart: now.UTC(), RetryAt: now.UTC().Add(grace)}
	}
	start := s.SuspendedUTC.UTC()
	deadline := start.Add(grace)
	if now.Before(deadline) {
		return RentFailure{Stage: GraceContinues, GraceStart: start, RetryAt: deadline}
	}
	return RentFailure{Stage: GraceExpired, GraceStart: start}
}

// Apply records a non-terminal failure on the stall. GraceExpired is
// handled by a forced release instead.
func (f RentFailure) Apply(s *Stall) error {
	switch f.Stage {
	case GraceStarted, GraceContinues:
		s.SuspendedUTC = TimePtr(f.GraceStart)
		s.NextRentDueUTC = TimePtr(f.RetryAt)
		return nil
	default:
		return NewError(CodeValidation, "rent.failure", "grace period expired; release the stall instead")
	}
}

// RentPaid records a successful charge. fromEscrow is the part of the rent
// drawn from the stall's own escrow.
func RentPaid(now time.Time, interval time.Duration, fromEscrow GoldAmount) StallMutation {
	return func(s *Stall) error {
		if fromEscrow > 0 {
			if s.EscrowBalance < fromEscrow {
				return NewError(CodeInsufficientEscrow, "rent.paid", "escrow no longer covers the rent")
			}
			s.EscrowBalance -= fromEscrow
		}
		due := now
		if s.NextRentDueUTC != nil {
			due = *s.NextRentDueUTC
		}
		s.LastRentPaidUTC = TimePtr(now)
		s.NextRentDueUTC = TimePtr(AdvanceDue(due, now, interval))
		s.SuspendedUTC = nil
		return nil
	}
}
