package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

func TestAdvanceDue(t *testing.T) {
	now := t0
	tests := []struct {
		name string
		due  time.Time
		want time.Time
	}{
		{name: "unset", due: time.Time{}, want: now.Add(day)},
		{name: "just due", due: now, want: now.Add(day)},
		{name: "three missed", due: now.Add(-3 * day), want: now.Add(day)},
		{name: "partly into a cycle", due: now.Add(-30 * time.Hour), want: now.Add(-30 * time.Hour).Add(2 * day)},
		{name: "already ahead", due: now.Add(time.Hour), want: now.Add(time.Hour + day)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdvanceDue(tt.due, now, day)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(now))
		})
	}
}

func TestAdvanceDue_WholeIntervals(t *testing.T) {
	due := t0.Add(-3 * day)
	got := AdvanceDue(due, t0, day)
	assert.Equal(t, 4*day, got.Sub(due))
}

func TestProratedRefund(t *testing.T) {
	tests := []struct {
		name    string
		rent    GoldAmount
		nextDue time.Time
		want    GoldAmount
	}{
		{name: "halfway", rent: 100, nextDue: t0.Add(12 * time.Hour), want: 50},
		{name: "quarter left", rent: 100, nextDue: t0.Add(6 * time.Hour), want: 25},
		{name: "rounds", rent: 7, nextDue: t0.Add(12 * time.Hour), want: 4},
		{name: "overdue", rent: 100, nextDue: t0.Add(-time.Hour), want: 0},
		{name: "beyond one interval", rent: 100, nextDue: t0.Add(3 * day), want: 100},
		{name: "no due date", rent: 100, want: 0},
		{name: "free stall", rent: 0, nextDue: t0.Add(time.Hour), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProratedRefund(tt.rent, tt.nextDue, t0, day))
		})
	}
}

func TestEvaluateRentFailure(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	grace := day

	first := EvaluateRentFailure(s, t0, grace)
	assert.Equal(t, GraceStarted, first.Stage)
	assert.Equal(t, t0.Add(grace), first.RetryAt)
	require.NoError(t, first.Apply(s))
	assert.Equal(t, t0, *s.SuspendedUTC)
	assert.True(t, s.InGracePeriod())

	again := EvaluateRentFailure(s, t0.Add(5*time.Hour), grace)
	assert.Equal(t, GraceContinues, again.Stage)
	require.NoError(t, again.Apply(s))
	assert.Equal(t, t0, *s.SuspendedUTC)
	assert.Equal(t, t0.Add(grace), *s.NextRentDueUTC)

	expired := EvaluateRentFailure(s, t0.Add(grace), grace)
	assert.Equal(t, GraceExpired, expired.Stage)
	assert.Error(t, expired.Apply(s))
	assert.Equal(t, "grace_expired", expired.Stage.String())
}

func TestRentPaid(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	s.EscrowBalance = 150
	s.SuspendedUTC = TimePtr(t0.Add(-time.Hour))
	s.NextRentDueUTC = TimePtr(t0.Add(-2 * day))

	require.NoError(t, RentPaid(t0, day, 100)(s))

	assert.Equal(t, GoldAmount(50), s.EscrowBalance)
	assert.Nil(t, s.SuspendedUTC)
	assert.Equal(t, t0, *s.LastRentPaidUTC)
	assert.Equal(t, t0.Add(day), *s.NextRentDueUTC)

	err := RentPaid(t0, day, 100)(s)
	assert.True(t, IsCode(err, CodeInsufficientEscrow))
	assert.Equal(t, GoldAmount(50), s.EscrowBalance)
}

func TestGoldAmount(t *testing.T) {
	assert.Equal(t, GoldAmount(0), GoldAmount(5).Sub(9))
	assert.Equal(t, GoldAmount(1<<63-1), GoldAmount(1<<63-1).Add(1))
	_, err := NewGoldAmount(-1)
	assert.True(t, IsCode(err, CodeValidation))
}

func TestParsePersonaID(t *testing.T) {
	p, err := ParsePersonaID(alice.String())
	require.NoError(t, err)
	assert.Equal(t, alice, p)

	_, err = ParsePersonaID("Character:not-a-uuid")
	assert.True(t, IsCode(err, CodePersonaNotGuidBacked))
	_, err = ParsePersonaID("garbage")
	assert.True(t, IsCode(err, CodeValidation))

	_, err = PersonaID{Kind: PersonaPlayer, Value: "KEY"}.CharacterID()
	assert.True(t, IsCode(err, CodePersonaNotGuidBacked))
}
