package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stall is a leasable market slot. Owner fields are only changed through
// mutations produced by StallAggregate.
type Stall struct {
	ID            int64
	Tag           string
	AreaResRef    string
	SettlementTag string

	OwnerCharacterID *uuid.UUID
	OwnerPersona     PersonaID
	OwnerDisplayName string

	IsActive      bool
	EscrowBalance GoldAmount
	DailyRent     GoldAmount

	CoinHouseAccountID  *uuid.UUID
	HoldEarningsInStall bool

	// Claim window hides a payment method the stall does not accept.
	DirectPaymentDisabled    bool
	CoinhousePaymentDisabled bool

	LeaseStartUTC   *time.Time
	LastRentPaidUTC *time.Time
	NextRentDueUTC  *time.Time
	// SuspendedUTC marks the start of a grace period while the stall is
	// still owned, and the suspension time once ownership was cleared.
	SuspendedUTC   *time.Time
	DeactivatedUTC *time.Time
	UpdatedUTC     time.Time

	Version int // optimistic locking

	Members  []StallMember
	Products []StallProduct
}

// IsOwned reports whether any owner identity is set.
func (s *Stall) IsOwned() bool {
	return s.OwnerCharacterID != nil || !s.OwnerPersona.IsZero()
}

// IsOwnedBy compares against the owner persona, falling back to the
// character id for character personas.
func (s *Stall) IsOwnedBy(p PersonaID) bool {
	if p.IsZero() || !s.IsOwned() {
		return false
	}
	if !s.OwnerPersona.IsZero() {
		return s.OwnerPersona == p
	}
	id, err := p.CharacterID()
	return err == nil && s.OwnerCharacterID != nil && *s.OwnerCharacterID == id
}

// MatchesPlacement checks the record against the physical stall being used.
func (s *Stall) MatchesPlacement(areaResRef, tag string) bool {
	return strings.EqualFold(s.AreaResRef, strings.TrimSpace(areaResRef)) &&
		strings.EqualFold(s.Tag, strings.TrimSpace(tag))
}

// ActiveListings counts products that are still for sale.
func (s *Stall) ActiveListings() int {
	n := 0
	for _, p := range s.Products {
		if p.IsActive && p.Quantity > 0 {
			n++
		}
	}
	return n
}

// InGracePeriod is true while the owner still holds the stall after a
// failed rent charge.
func (s *Stall) InGracePeriod() bool {
	return s.IsOwned() && s.IsActive && s.SuspendedUTC != nil
}

// Clone deep-copies the stall so a snapshot survives later mutation.
func (s *Stall) Clone() *Stall {
	c := *s
	c.OwnerCharacterID = cloneUUID(s.OwnerCharacterID)
	c.CoinHouseAccountID = cloneUUID(s.CoinHouseAccountID)
	c.LeaseStartUTC = cloneTime(s.LeaseStartUTC)
	c.LastRentPaidUTC = cloneTime(s.LastRentPaidUTC)
	c.NextRentDueUTC = cloneTime(s.NextRentDueUTC)
	c.SuspendedUTC = cloneTime(s.SuspendedUTC)
	c.DeactivatedUTC = cloneTime(s.DeactivatedUTC)
	c.Members = make([]StallMember, len(s.Members))
	for i, m := range s.Members {
		m.RevokedUTC = cloneTime(m.RevokedUTC)
		c.Members[i] = m
	}
	c.Products = make([]StallProduct, len(s.Products))
	for i, p := range s.Products {
		p.ItemData = append([]byte(nil), p.ItemData...)
		c.Products[i] = p
	}
	return &c
}

// StallMember is a co-owner. Revoked members stay on record for audit.
type StallMember struct {
	ID                   int64
	StallID              int64
	Persona              PersonaID
	DisplayName          string
	CanManageInventory   bool
	CanConfigureSettings bool
	CanCollectEarnings   bool
	AddedUTC             time.Time
	RevokedUTC           *time.Time
}

func (m StallMember) IsActive() bool { return m.RevokedUTC == nil }

// StallProduct is a consigned listing.
type StallProduct struct {
	ID                   int64
	StallID              int64
	ResRef               string
	Name                 string
	OriginalName         string
	Price                GoldAmount
	Quantity             int
	ConsignorPersona     PersonaID
	ConsignorDisplayName string
	IsActive             bool
	SortOrder            int
	ItemData             []byte
	ListedUTC            time.Time
	UpdatedUTC           time.Time
}

// ProductDescriptor is the request to list a new product.
type ProductDescriptor struct {
	StallID              int64
	ResRef               string
	Name                 string
	OriginalName         string
	Price                GoldAmount
	Quantity             int
	ConsignorPersona     PersonaID
	ConsignorDisplayName string
	SortOrder            int
	ItemData             []byte
}

type LedgerEntryType string

const (
	LedgerRentPayment   LedgerEntryType = "rent_payment"
	LedgerWithdrawal    LedgerEntryType = "withdrawal"
	LedgerDeposit       LedgerEntryType = "deposit"
	LedgerSale          LedgerEntryType = "sale"
	LedgerRefund        LedgerEntryType = "refund"
	LedgerRefundPending LedgerEntryType = "refund_pending"
)

const CurrencyGold = "gold"

// LedgerEntry is append-only.
type LedgerEntry struct {
	ID            uuid.UUID
	StallID       int64
	EntryType     LedgerEntryType
	Amount        int64
	Currency      string
	Description   string
	Metadata      map[string]string
	OccurredUTC   time.Time
	TransactionID *uuid.UUID
}

// NewLedgerEntry stamps a fresh id and the gold currency.
func NewLedgerEntry(stallID int64, typ LedgerEntryType, amount int64, description string, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:          uuid.New(),
		StallID:     stallID,
		EntryType:   typ,
		Amount:      amount,
		Currency:    CurrencyGold,
		Description: description,
		Metadata:    map[string]string{},
		OccurredUTC: at.UTC(),
	}
}

// StoredItem is one item copy held in lockup storage.
type StoredItem struct {
	ID              uuid.UUID
	OwnerPersona    PersonaID
	StorageID       string
	ResRef          string
	DisplayName     string
	ItemData        []byte
	SourceStallID   int64
	SourceProductID int64
	StoredUTC       time.Time
}

// OwnerIdentity groups the three owner fields kept consistent on a stall.
type OwnerIdentity struct {
	CharacterID uuid.UUID
	Persona     PersonaID
	DisplayName string
}

// StallMutation applies a decision to a stall inside a repository update.
// A non-nil error aborts the update.
type StallMutation func(s *Stall) error

// ProductMutation reports whether it changed the product.
type ProductMutation func(p *StallProduct) bool

func cloneUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
