package service

import (
	"time"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
)

// Result is the uniform outcome of an application operation. Business
// failures land here with their code; they are never returned as errors.
type Result[T any] struct {
	Success bool
	Code    domain.ErrorCode
	Message string
	Value   T
}

const unavailableMessage = "The market records could not be reached. Please try again shortly."

func succeed[T any](v T, message string) Result[T] {
	return Result[T]{Success: true, Message: message, Value: v}
}

func failed[T any](err error) Result[T] {
	code := domain.CodeOf(err)
	msg := domain.MessageOf(err)
	if code == "" {
		code = domain.CodePersistenceFailure
		msg = unavailableMessage
	}
	return Result[T]{Code: code, Message: msg}
}

type ProductView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ResRef    string `json:"resref"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	Consignor string `json:"consignor,omitempty"`
	Active    bool   `json:"active"`
}

type MemberView struct {
	Persona              string `json:"persona"`
	DisplayName          string `json:"display_name"`
	CanManageInventory   bool   `json:"can_manage_inventory"`
	CanConfigureSettings bool   `json:"can_configure_settings"`
	CanCollectEarnings   bool   `json:"can_collect_earnings"`
}

type StallView struct {
	ID                  int64         `json:"id"`
	Tag                 string        `json:"tag"`
	AreaResRef          string        `json:"area_resref"`
	SettlementTag       string        `json:"settlement_tag"`
	Owned               bool          `json:"owned"`
	OwnerName           string        `json:"owner_name,omitempty"`
	OwnerPersona        string        `json:"owner_persona,omitempty"`
	IsActive            bool          `json:"is_active"`
	EscrowBalance       int64         `json:"escrow_balance"`
	DailyRent           int64         `json:"daily_rent"`
	UsesCoinhouse       bool          `json:"uses_coinhouse"`
	HoldEarningsInStall bool          `json:"hold_earnings_in_stall"`
	NextRentDueUTC      *time.Time    `json:"next_rent_due_utc,omitempty"`
	InGracePeriod       bool          `json:"in_grace_period"`
	Products            []ProductView `json:"products"`
	Members             []MemberView  `json:"members"`
}

func newProductView(p domain.StallProduct) ProductView {
	return ProductView{
		ID:        p.ID,
		Name:      p.Name,
		ResRef:    p.ResRef,
		Price:     p.Price.Int64(),
		Quantity:  p.Quantity,
		Consignor: p.ConsignorDisplayName,
		Active:    p.IsActive,
	}
}

func newStallView(s *domain.Stall) StallView {
	v := StallView{
		ID:                  s.ID,
		Tag:                 s.Tag,
		AreaResRef:          s.AreaResRef,
		SettlementTag:       s.SettlementTag,
		Owned:               s.IsOwned(),
		OwnerName:           s.OwnerDisplayName,
		OwnerPersona:        s.OwnerPersona.String(),
		IsActive:            s.IsActive,
		EscrowBalance:       s.EscrowBalance.Int64(),
		DailyRent:           s.DailyRent.Int64(),
		UsesCoinhouse:       s.CoinHouseAccountID != nil,
		HoldEarningsInStall: s.HoldEarningsInStall,
		NextRentDueUTC:      s.NextRentDueUTC,
		InGracePeriod:       s.InGracePeriod(),
		Products:            make([]ProductView, 0, len(s.Products)),
		Members:             make([]MemberView, 0, len(s.Members)),
	}
	for _, p := range s.Products {
		v.Products = append(v.Products, newProductView(p))
	}
	for _, m := range s.Members {
		if !m.IsActive() {
			continue
		}
		v.Members = append(v.Members, MemberView{
			Persona:              m.Persona.String(),
			DisplayName:          m.DisplayName,
			CanManageInventory:   m.CanManageInventory,
			CanConfigureSettings: m.CanConfigureSettings,
			CanCollectEarnings:   m.CanCollectEarnings,
		})
	}
	return v
}

type WithdrawalView struct {
	Amount     int64 `json:"amount"`
	Available  int64 `json:"available"`
	Requested  int64 `json:"requested,omitempty"`
	WasPartial bool  `json:"was_partial"`
}

type SaleView struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	Total     int64 `json:"total"`
}

// ReleaseOutcome describes what happened to a stall's goods and gold when
// its lease ended.
type ReleaseOutcome struct {
	StallID        int64                `json:"stall_id"`
	PreviousOwner  domain.OwnerIdentity `json:"-"`
	EscrowSettled  int64                `json:"escrow_settled"`
	Refund         int64                `json:"refund"`
	SettledTo      string               `json:"settled_to,omitempty"`
	ProductsMoved  int                  `json:"products_moved"`
	ItemsStored    int                  `json:"items_stored"`
	LockupFailures int                  `json:"lockup_failures"`
}
