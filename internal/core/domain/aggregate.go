package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Capability is a permission a member may hold on a stall.
type Capability uint8

const (
	CapManageInventory Capability = 1 << iota
	CapConfigureSettings
	CapCollectEarnings

	CapAll = CapManageInventory | CapConfigureSettings | CapCollectEarnings
)

// StallAggregate decides stall operations from one snapshot. It never
// touches storage: every decision comes back as a mutation or a typed error.
type StallAggregate struct {
	stall *Stall
	perms map[PersonaID]Capability
}

// NewStallAggregate snapshots s and resolves permissions once.
func NewStallAggregate(s *Stall) *StallAggregate {
	snap := s.Clone()
	perms := make(map[PersonaID]Capability, len(snap.Members)+1)
	for _, m := range snap.Members {
		if !m.IsActive() || m.Persona.IsZero() {
			continue
		}
		var c Capability
		if m.CanManageInventory {
			c |= CapManageInventory
		}
		if m.CanConfigureSettings {
			c |= CapConfigureSettings
		}
		if m.CanCollectEarnings {
			c |= CapCollectEarnings
		}
		perms[m.Persona] |= c
	}
	if !snap.OwnerPersona.IsZero() {
		perms[snap.OwnerPersona] = CapAll
	}
	return &StallAggregate{stall: snap, perms: perms}
}

// Stall returns the snapshot the aggregate decides on.
func (a *StallAggregate) Stall() *Stall { return a.stall }

// Can reports whether p holds capability c.
func (a *StallAggregate) Can(p PersonaID, c Capability) bool {
	if p.IsZero() {
		return false
	}
	if a.stall.IsOwnedBy(p) {
		return true
	}
	return a.perms[p]&c == c
}

// ClaimOptions are the lease terms chosen by a claimant.
type ClaimOptions struct {
	CoinHouseAccountID  *uuid.UUID
	HoldEarningsInStall bool
	LeaseStartUTC       time.Time
	NextRentDueUTC      time.Time
}

func (a *StallAggregate) isSameOwner(s *Stall, owner OwnerIdentity) bool {
	if !owner.Persona.IsZero() && s.IsOwnedBy(owner.Persona) {
		return true
	}
	return owner.CharacterID != uuid.Nil && s.OwnerCharacterID != nil && *s.OwnerCharacterID == owner.CharacterID
}

// TryClaim hands the stall to owner. Re-claiming by the current owner
// refreshes the lease terms.
func (a *StallAggregate) TryClaim(owner OwnerIdentity, opts ClaimOptions) (StallMutation, error) {
	const op = "stall.claim"
	if owner.Persona.IsZero() && owner.CharacterID == uuid.Nil {
		return nil, NewError(CodeValidation, op, "claimant has no identity")
	}
	if owner.CharacterID == uuid.Nil && owner.Persona.Kind == PersonaCharacter {
		id, err := owner.Persona.CharacterID()
		if err != nil {
			return nil, err
		}
		owner.CharacterID = id
	}
	if a.stall.IsOwned() && !a.isSameOwner(a.stall, owner) {
		return nil, NewError(CodeAlreadyOwned, op, fmt.Sprintf("stall is already leased by %s", a.stall.OwnerDisplayName))
	}
	if opts.LeaseStartUTC.IsZero() {
		return nil, NewError(CodeValidation, op, "lease start is required")
	}

	return func(s *Stall) error {
		same := a.isSameOwner(s, owner)
		if s.IsOwned() && !same {
			return NewError(CodeAlreadyOwned, op, "stall was claimed by someone else")
		}
		if owner.CharacterID != uuid.Nil {
			s.OwnerCharacterID = cloneUUID(&owner.CharacterID)
		} else {
			s.OwnerCharacterID = nil
		}
		s.OwnerPersona = owner.Persona
		s.OwnerDisplayName = strings.TrimSpace(owner.DisplayName)
		s.CoinHouseAccountID = cloneUUID(opts.CoinHouseAccountID)
		s.HoldEarningsInStall = opts.HoldEarningsInStall
		if !same || s.LeaseStartUTC == nil {
			s.LeaseStartUTC = TimePtr(opts.LeaseStartUTC)
		}
		if !opts.NextRentDueUTC.IsZero() {
			s.NextRentDueUTC = TimePtr(opts.NextRentDueUTC)
		}
		s.IsActive = true
		s.SuspendedUTC = nil
		s.DeactivatedUTC = nil
		return nil
	}, nil
}

// Release is a release decision. EscrowSettled is filled when Apply runs
// and holds the escrow that left the stall with its former owner.
type Release struct {
	Apply         StallMutation
	PreviousOwner OwnerIdentity
	EscrowSettled GoldAmount
}

// TryRelease clears ownership. force bypasses owner checks and is used by
// the system itself.
func (a *StallAggregate) TryRelease(requestor PersonaID, force bool, releasedAt time.Time) (*Release, error) {
	const op = "stall.release"
	if !force {
		if !a.stall.IsOwned() {
			return nil, NewError(CodeNotOwned, op, "stall has no owner")
		}
		if !a.stall.IsOwnedBy(requestor) {
			return nil, NewError(CodeNotOwner, op, "only the owner can release this stall")
		}
	}
	r := &Release{PreviousOwner: a.ownerIdentity()}
	r.Apply = func(s *Stall) error {
		r.EscrowSettled = s.EscrowBalance
		s.EscrowBalance = 0
		s.OwnerCharacterID = nil
		s.OwnerPersona = PersonaID{}
		s.OwnerDisplayName = ""
		s.CoinHouseAccountID = nil
		s.HoldEarningsInStall = false
		s.LeaseStartUTC = nil
		s.NextRentDueUTC = nil
		s.IsActive = false
		s.SuspendedUTC = TimePtr(releasedAt)
		s.DeactivatedUTC = TimePtr(releasedAt)
		for i := range s.Members {
			if s.Members[i].IsActive() {
				s.Members[i].RevokedUTC = TimePtr(releasedAt)
			}
		}
		return nil
	}
	return r, nil
}

func (a *StallAggregate) ownerIdentity() OwnerIdentity {
	id := OwnerIdentity{Persona: a.stall.OwnerPersona, DisplayName: a.stall.OwnerDisplayName}
	if a.stall.OwnerCharacterID != nil {
		id.CharacterID = *a.stall.OwnerCharacterID
	}
	return id
}

// CreateProduct builds a listing for this stall.
func (a *StallAggregate) CreateProduct(d ProductDescriptor, now time.Time) (*StallProduct, error) {
	const op = "stall.create_product"
	if d.StallID != a.stall.ID {
		return nil, NewError(CodeDescriptorMismatch, op, fmt.Sprintf("descriptor targets stall %d, not %d", d.StallID, a.stall.ID))
	}
	if !a.stall.IsActive {
		return nil, NewError(CodeStallInactive, op, "stall is not active")
	}
	if d.Price < 0 {
		return nil, NewError(CodePriceOutOfRange, op, "price cannot be negative")
	}
	if d.Quantity < 0 {
		return nil, NewError(CodeInvalidQuantity, op, "quantity cannot be negative")
	}
	if strings.TrimSpace(d.ResRef) == "" {
		return nil, NewError(CodeValidation, op, "product resref is required")
	}
	name := strings.TrimSpace(d.Name)
	original := strings.TrimSpace(d.OriginalName)
	if original == "" {
		original = name
	}
	return &StallProduct{
		StallID:              a.stall.ID,
		ResRef:               d.ResRef,
		Name:                 name,
		OriginalName:         original,
		Price:                d.Price,
		Quantity:             d.Quantity,
		ConsignorPersona:     d.ConsignorPersona,
		ConsignorDisplayName: d.ConsignorDisplayName,
		IsActive:             true,
		SortOrder:            d.SortOrder,
		ItemData:             append([]byte(nil), d.ItemData...),
		ListedUTC:            now.UTC(),
		UpdatedUTC:           now.UTC(),
	}, nil
}

// TryUpdateProductPrice returns a mutation that only applies to the exact
// product it was validated against.
func (a *StallAggregate) TryUpdateProductPrice(requestor PersonaID, product StallProduct, newPrice int64) (ProductMutation, error) {
	const op = "stall.update_price"
	if product.StallID != a.stall.ID {
		return nil, NewError(CodeProductNotFound, op, "product is not listed on this stall")
	}
	if !a.Can(requestor, CapManageInventory) {
		return nil, NewError(CodeUnauthorized, op, "you may not manage this stall's inventory")
	}
	if newPrice < 0 {
		return nil, NewError(CodePriceOutOfRange, op, "price cannot be negative")
	}
	productID, stallID := product.ID, a.stall.ID
	return func(p *StallProduct) bool {
		if p == nil || p.ID != productID || p.StallID != stallID {
			return false
		}
		p.Price = GoldAmount(newPrice)
		return true
	}, nil
}

// TryReclaimProduct lets the owner, an inventory manager or the consignor
// take a listing back. The mutation withdraws the listing from sale.
func (a *StallAggregate) TryReclaimProduct(requestor PersonaID, product StallProduct) (ProductMutation, error) {
	const op = "stall.reclaim_product"
	if product.StallID != a.stall.ID || !product.IsActive {
		return nil, NewError(CodeProductNotFound, op, "product is not listed on this stall")
	}
	consignor := !product.ConsignorPersona.IsZero() && product.ConsignorPersona == requestor
	if !consignor && !a.Can(requestor, CapManageInventory) {
		return nil, NewError(CodeUnauthorized, op, "you may not reclaim this product")
	}
	productID, stallID := product.ID, a.stall.ID
	return func(p *StallProduct) bool {
		if p == nil || p.ID != productID || p.StallID != stallID || !p.IsActive {
			return false
		}
		p.IsActive = false
		return true
	}, nil
}

// RentSettings selects where rent is drawn from.
type RentSettings struct {
	CoinHouseAccountID  *uuid.UUID
	HoldEarningsInStall bool
}

func (a *StallAggregate) TryConfigureRentSettings(requestor PersonaID, settings RentSettings) (StallMutation, error) {
	const op = "stall.configure_rent"
	if !a.stall.IsOwned() {
		return nil, NewError(CodeNotOwned, op, "stall has no owner")
	}
	if !a.Can(requestor, CapConfigureSettings) {
		return nil, NewError(CodeUnauthorized, op, "you may not change this stall's settings")
	}
	account := cloneUUID(settings.CoinHouseAccountID)
	if account != nil && *account == uuid.Nil {
		account = nil
	}
	return func(s *Stall) error {
		s.CoinHouseAccountID = account
		s.HoldEarningsInStall = settings.HoldEarningsInStall
		return nil
	}, nil
}

// Withdrawal is an escrow payout decision. WasPartial means the request
// exceeded the escrow and only Amount will be paid.
type Withdrawal struct {
	Requested  *int64
	Available  GoldAmount
	Amount     GoldAmount
	WasPartial bool
	Apply      StallMutation
}

// TryWithdrawEarnings pays out min(requested, available). A nil request
// takes everything.
func (a *StallAggregate) TryWithdrawEarnings(requestor PersonaID, requested *int64) (*Withdrawal, error) {
	const op = "stall.withdraw"
	if !a.Can(requestor, CapCollectEarnings) {
		return nil, NewError(CodeUnauthorized, op, "you may not collect this stall's earnings")
	}
	if requested != nil && *requested <= 0 {
		return nil, NewError(CodeInvalidWithdrawalAmount, op, "withdrawal amount must be positive")
	}
	available := a.stall.EscrowBalance
	if available <= 0 {
		return nil, NewError(CodeInsufficientEscrow, op, "there are no earnings to collect")
	}
	amount := available
	partial := false
	if requested != nil {
		if GoldAmount(*requested) < available {
			amount = GoldAmount(*requested)
		} else if GoldAmount(*requested) > available {
			partial = true
		}
	}
	w := &Withdrawal{Requested: requested, Available: available, Amount: amount, WasPartial: partial}
	w.Apply = func(s *Stall) error {
		if s.EscrowBalance < amount {
			return NewError(CodeInsufficientEscrow, op, "escrow changed before the withdrawal was applied")
		}
		s.EscrowBalance -= amount
		return nil
	}
	return w, nil
}

// Sale is a purchase decision touching both the product and the escrow.
type Sale struct {
	Quantity     int
	Total        GoldAmount
	ApplyProduct ProductMutation
	ApplyStall   StallMutation
}

func (a *StallAggregate) TryRecordSale(product StallProduct, quantity int) (*Sale, error) {
	const op = "stall.sale"
	if !a.stall.IsActive || !a.stall.IsOwned() {
		return nil, NewError(CodeStallInactive, op, "stall is not trading")
	}
	if product.StallID != a.stall.ID || !product.IsActive {
		return nil, NewError(CodeProductNotFound, op, "product is not listed on this stall")
	}
	if quantity <= 0 || quantity > product.Quantity {
		return nil, NewError(CodeInvalidQuantity, op, fmt.Sprintf("cannot buy %d of %d", quantity, product.Quantity))
	}
	total := GoldAmount(int64(product.Price) * int64(quantity))
	productID, stallID := product.ID, a.stall.ID
	return &Sale{
		Quantity: quantity,
		Total:    total,
		ApplyProduct: func(p *StallProduct) bool {
			if p == nil || p.ID != productID || p.StallID != stallID || !p.IsActive || p.Quantity < quantity {
				return false
			}
			p.Quantity -= quantity
			if p.Quantity == 0 {
				p.IsActive = false
			}
			return true
		},
		ApplyStall: func(s *Stall) error {
			s.EscrowBalance = s.EscrowBalance.Add(total)
			return nil
		},
	}, nil
}

// MemberGrant describes the capabilities offered to a co-owner.
type MemberGrant struct {
	Persona              PersonaID
	DisplayName          string
	CanManageInventory   bool
	CanConfigureSettings bool
	CanCollectEarnings   bool
}

func (a *StallAggregate) TryAddMember(requestor PersonaID, grant MemberGrant, now time.Time) (StallMutation, error) {
	const op = "stall.add_member"
	if !a.stall.IsOwned() {
		return nil, NewError(CodeNotOwned, op, "stall has no owner")
	}
	if !a.stall.IsOwnedBy(requestor) {
		return nil, NewError(CodeNotOwner, op, "only the owner can manage members")
	}
	if grant.Persona.IsZero() || a.stall.IsOwnedBy(grant.Persona) {
		return nil, NewError(CodeValidation, op, "member must be someone other than the owner")
	}
	return func(s *Stall) error {
		for i := range s.Members {
			m := &s.Members[i]
			if m.IsActive() && m.Persona == grant.Persona {
				m.DisplayName = grant.DisplayName
				m.CanManageInventory = grant.CanManageInventory
				m.CanConfigureSettings = grant.CanConfigureSettings
				m.CanCollectEarnings = grant.CanCollectEarnings
				return nil
			}
		}
		s.Members = append(s.Members, StallMember{
			StallID:              s.ID,
			Persona:              grant.Persona,
			DisplayName:          grant.DisplayName,
			CanManageInventory:   grant.CanManageInventory,
			CanConfigureSettings: grant.CanConfigureSettings,
			CanCollectEarnings:   grant.CanCollectEarnings,
			AddedUTC:             now.UTC(),
		})
		return nil
	}, nil
}

// TryRevokeMember soft-deletes a member by stamping the revocation time.
func (a *StallAggregate) TryRevokeMember(requestor, member PersonaID, now time.Time) (StallMutation, error) {
	const op = "stall.revoke_member"
	if !a.stall.IsOwnedBy(requestor) {
		return nil, NewError(CodeNotOwner, op, "only the owner can manage members")
	}
	if !a.hasActiveMember(member) {
		return nil, NewError(CodeMemberNotFound, op, "no active member with that persona")
	}
	return func(s *Stall) error {
		for i := range s.Members {
			if s.Members[i].IsActive() && s.Members[i].Persona == member {
				s.Members[i].RevokedUTC = TimePtr(now)
				return nil
			}
		}
		return NewError(CodeMemberNotFound, op, "member was already revoked")
	}, nil
}

func (a *StallAggregate) hasActiveMember(p PersonaID) bool {
	for _, m := range a.stall.Members {
		if m.IsActive() && m.Persona == p {
			return true
		}
	}
	return false
}
