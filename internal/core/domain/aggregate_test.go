package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	aliceID  = uuid.MustParse("3d5b1c3e-6b7a-4d0c-9f43-7c3a8a1d2e01")
	bobID    = uuid.MustParse("9a2f4e61-0c8d-4b57-a1e3-5d6f7b8c9e02")
	carolID  = uuid.MustParse("e4c8b2a0-1f3d-4a6e-8b9c-0d2e4f6a8b03")
	alice    = CharacterPersona(aliceID)
	bob      = CharacterPersona(bobID)
	carol    = CharacterPersona(carolID)
	aliceWho = OwnerIdentity{CharacterID: aliceID, Persona: alice, DisplayName: "Alice"}
	bobWho   = OwnerIdentity{CharacterID: bobID, Persona: bob, DisplayName: "Bob"}
)

func emptyStall() *Stall {
	return &Stall{ID: 7, Tag: "stall_7", AreaResRef: "market", DailyRent: 100}
}

func claimed(t *testing.T, s *Stall, who OwnerIdentity) *Stall {
	t.Helper()
	mutate, err := NewStallAggregate(s).TryClaim(who, ClaimOptions{LeaseStartUTC: t0, NextRentDueUTC: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, mutate(s))
	return s
}

func TestTryClaim_SetsOwnerAndClearsSuspension(t *testing.T) {
	s := emptyStall()
	s.SuspendedUTC = TimePtr(t0.Add(-time.Hour))
	s.DeactivatedUTC = TimePtr(t0.Add(-time.Hour))

	claimed(t, s, aliceWho)

	require.NotNil(t, s.OwnerCharacterID)
	assert.Equal(t, aliceID, *s.OwnerCharacterID)
	assert.Equal(t, alice, s.OwnerPersona)
	assert.True(t, s.IsActive)
	assert.Nil(t, s.SuspendedUTC)
	assert.Nil(t, s.DeactivatedUTC)
	assert.Equal(t, t0, *s.LeaseStartUTC)
}

func TestTryClaim_OwnershipExclusive(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)

	_, err := NewStallAggregate(s).TryClaim(bobWho, ClaimOptions{LeaseStartUTC: t0})

	assert.True(t, IsCode(err, CodeAlreadyOwned))
	assert.Equal(t, aliceID, *s.OwnerCharacterID)
}

func TestTryClaim_MutationRechecksOwner(t *testing.T) {
	s := emptyStall()
	mutate, err := NewStallAggregate(s).TryClaim(bobWho, ClaimOptions{LeaseStartUTC: t0})
	require.NoError(t, err)

	// alice wins between decision and commit
	claimed(t, s, aliceWho)

	assert.True(t, IsCode(mutate(s), CodeAlreadyOwned))
	assert.Equal(t, alice, s.OwnerPersona)
}

func TestTryClaim_SameOwnerRefreshesTerms(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	acct := uuid.New()

	mutate, err := NewStallAggregate(s).TryClaim(aliceWho, ClaimOptions{
		CoinHouseAccountID: &acct,
		LeaseStartUTC:      t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, mutate(s))

	assert.Equal(t, acct, *s.CoinHouseAccountID)
	assert.Equal(t, t0, *s.LeaseStartUTC)
}

func TestTryClaim_PlayerPersonaWithoutCharacter(t *testing.T) {
	player := PersonaID{Kind: PersonaPlayer, Value: "PUBKEY01"}
	s := emptyStall()

	mutate, err := NewStallAggregate(s).TryClaim(OwnerIdentity{Persona: player, DisplayName: "p"}, ClaimOptions{LeaseStartUTC: t0})
	require.NoError(t, err)
	require.NoError(t, mutate(s))

	assert.Nil(t, s.OwnerCharacterID)
	assert.True(t, s.IsOwnedBy(player))
}

func TestTryRelease(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	s.EscrowBalance = 45
	s.Members = []StallMember{{Persona: carol, CanManageInventory: true}}

	_, err := NewStallAggregate(s).TryRelease(bob, false, t0)
	assert.True(t, IsCode(err, CodeNotOwner))

	rel, err := NewStallAggregate(s).TryRelease(alice, false, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, rel.Apply(s))

	assert.Equal(t, GoldAmount(45), rel.EscrowSettled)
	assert.Equal(t, alice, rel.PreviousOwner.Persona)
	assert.False(t, s.IsOwned())
	assert.False(t, s.IsActive)
	assert.Equal(t, GoldAmount(0), s.EscrowBalance)
	assert.Equal(t, t0.Add(time.Hour), *s.DeactivatedUTC)
	assert.NotNil(t, s.Members[0].RevokedUTC)

	_, err = NewStallAggregate(s).TryRelease(alice, false, t0)
	assert.True(t, IsCode(err, CodeNotOwned))
	_, err = NewStallAggregate(s).TryRelease(PersonaID{}, true, t0)
	assert.NoError(t, err)
}

func TestCreateProduct(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	agg := NewStallAggregate(s)

	p, err := agg.CreateProduct(ProductDescriptor{StallID: 7, ResRef: "ring_01", Name: " Ring ", Price: 30, Quantity: 2}, t0)
	require.NoError(t, err)
	assert.Equal(t, "Ring", p.Name)
	assert.Equal(t, "Ring", p.OriginalName)
	assert.True(t, p.IsActive)

	_, err = agg.CreateProduct(ProductDescriptor{StallID: 8, ResRef: "ring_01"}, t0)
	assert.True(t, IsCode(err, CodeDescriptorMismatch))
	_, err = agg.CreateProduct(ProductDescriptor{StallID: 7, ResRef: "ring_01", Price: -1}, t0)
	assert.True(t, IsCode(err, CodePriceOutOfRange))

	_, err = NewStallAggregate(emptyStall()).CreateProduct(ProductDescriptor{StallID: 7, ResRef: "ring_01"}, t0)
	assert.True(t, IsCode(err, CodeStallInactive))
}

func TestPermissions_InventoryOnlyMember(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	s.EscrowBalance = 60
	s.Members = []StallMember{{Persona: carol, CanManageInventory: true}}
	product := StallProduct{ID: 3, StallID: 7, Price: 10, Quantity: 1, IsActive: true}
	agg := NewStallAggregate(s)

	mutate, err := agg.TryUpdateProductPrice(carol, product, 12)
	require.NoError(t, err)
	assert.True(t, mutate(&product))
	assert.Equal(t, GoldAmount(12), product.Price)

	_, err = agg.TryWithdrawEarnings(carol, nil)
	assert.True(t, IsCode(err, CodeUnauthorized))
	_, err = agg.TryConfigureRentSettings(carol, RentSettings{})
	assert.True(t, IsCode(err, CodeUnauthorized))
}

func TestPermissions_RevokedMemberHasNone(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	s.Members = []StallMember{{Persona: carol, CanManageInventory: true, CanCollectEarnings: true, RevokedUTC: TimePtr(t0)}}
	agg := NewStallAggregate(s)

	assert.False(t, agg.Can(carol, CapManageInventory))
	assert.True(t, agg.Can(alice, CapAll))
}

func TestTryUpdateProductPrice_OnlyExactProduct(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	product := StallProduct{ID: 3, StallID: 7, Price: 10, IsActive: true}
	mutate, err := NewStallAggregate(s).TryUpdateProductPrice(alice, product, 20)
	require.NoError(t, err)

	moved := StallProduct{ID: 3, StallID: 8, Price: 10}
	other := StallProduct{ID: 4, StallID: 7, Price: 10}
	assert.False(t, mutate(&moved))
	assert.False(t, mutate(&other))
	assert.False(t, mutate(nil))
	assert.Equal(t, GoldAmount(10), moved.Price)

	_, err = NewStallAggregate(s).TryUpdateProductPrice(alice, product, -5)
	assert.True(t, IsCode(err, CodePriceOutOfRange))
}

func TestTryWithdrawEarnings(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	s.EscrowBalance = 120
	agg := NewStallAggregate(s)

	tests := []struct {
		name      string
		requested *int64
		amount    GoldAmount
		partial   bool
		code      ErrorCode
	}{
		{name: "all", amount: 120},
		{name: "some", requested: ptr(50), amount: 50},
		{name: "exact", requested: ptr(120), amount: 120},
		{name: "too much", requested: ptr(500), amount: 120, partial: true},
		{name: "zero", requested: ptr(0), code: CodeInvalidWithdrawalAmount},
		{name: "negative", requested: ptr(-3), code: CodeInvalidWithdrawalAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := agg.TryWithdrawEarnings(alice, tt.requested)
			if tt.code != "" {
				assert.True(t, IsCode(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.amount, w.Amount)
			assert.Equal(t, tt.partial, w.WasPartial)
		})
	}
}

func TestTryWithdrawEarnings_NeverNegative(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	s.EscrowBalance = 120
	w, err := NewStallAggregate(s).TryWithdrawEarnings(alice, ptr(100))
	require.NoError(t, err)

	s.EscrowBalance = 30 // rent was taken meanwhile
	assert.True(t, IsCode(w.Apply(s), CodeInsufficientEscrow))
	assert.Equal(t, GoldAmount(30), s.EscrowBalance)

	s.EscrowBalance = 0
	_, err = NewStallAggregate(s).TryWithdrawEarnings(alice, nil)
	assert.True(t, IsCode(err, CodeInsufficientEscrow))
}

func TestTryReclaimProduct(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	product := StallProduct{ID: 3, StallID: 7, IsActive: true, Quantity: 1, ConsignorPersona: bob}
	agg := NewStallAggregate(s)

	_, err := agg.TryReclaimProduct(carol, product)
	assert.True(t, IsCode(err, CodeUnauthorized))

	mutate, err := agg.TryReclaimProduct(bob, product)
	require.NoError(t, err)
	assert.True(t, mutate(&product))
	assert.False(t, product.IsActive)
	assert.False(t, mutate(&product))
}

func TestTryRecordSale(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)
	product := StallProduct{ID: 3, StallID: 7, IsActive: true, Quantity: 4, Price: 25}
	agg := NewStallAggregate(s)

	_, err := agg.TryRecordSale(product, 5)
	assert.True(t, IsCode(err, CodeInvalidQuantity))

	sale, err := agg.TryRecordSale(product, 4)
	require.NoError(t, err)
	assert.Equal(t, GoldAmount(100), sale.Total)
	assert.True(t, sale.ApplyProduct(&product))
	assert.False(t, product.IsActive)
	require.NoError(t, sale.ApplyStall(s))
	assert.Equal(t, GoldAmount(100), s.EscrowBalance)
}

func TestMembers_AddAndRevoke(t *testing.T) {
	s := claimed(t, emptyStall(), aliceWho)

	_, err := NewStallAggregate(s).TryAddMember(bob, MemberGrant{Persona: carol}, t0)
	assert.True(t, IsCode(err, CodeNotOwner))
	_, err = NewStallAggregate(s).TryAddMember(alice, MemberGrant{Persona: alice}, t0)
	assert.True(t, IsCode(err, CodeValidation))

	add, err := NewStallAggregate(s).TryAddMember(alice, MemberGrant{Persona: carol, CanCollectEarnings: true}, t0)
	require.NoError(t, err)
	require.NoError(t, add(s))
	require.Len(t, s.Members, 1)
	assert.True(t, NewStallAggregate(s).Can(carol, CapCollectEarnings))

	revoke, err := NewStallAggregate(s).TryRevokeMember(alice, carol, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, revoke(s))
	require.Len(t, s.Members, 1)
	assert.Equal(t, t0.Add(time.Hour), *s.Members[0].RevokedUTC)
	assert.False(t, NewStallAggregate(s).Can(carol, CapCollectEarnings))

	_, err = NewStallAggregate(s).TryRevokeMember(alice, carol, t0)
	assert.True(t, IsCode(err, CodeMemberNotFound))
}

func ptr(v int64) *int64 { return &v }
