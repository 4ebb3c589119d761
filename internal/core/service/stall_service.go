package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/metrics"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

const (
	settledToCoinhouse = "coinhouse"
	settledToPending   = "pending"
)

// StallService translates external requests into aggregate decisions and
// repository writes. Decisions are taken inside the repository update so
// they see the locked row.
type StallService struct {
	repo         port.StallRepository
	lockup       *LockupService
	coinhouse    port.Coinhouse
	main         port.MainContext
	log          *logger.Logger
	metrics      *metrics.Metrics
	rentInterval time.Duration
	now          func() time.Time
}

func NewStallService(
	repo port.StallRepository,
	lockup *LockupService,
	coinhouse port.Coinhouse,
	main port.MainContext,
	log *logger.Logger,
	m *metrics.Metrics,
	rentInterval time.Duration,
) *StallService {
	return &StallService{
		repo:         repo,
		lockup:       lockup,
		coinhouse:    coinhouse,
		main:         main,
		log:          log,
		metrics:      m,
		rentInterval: rentInterval,
		now:          time.Now,
	}
}

func (s *StallService) persistenceError(op string, err error) error {
	if domain.CodeOf(err) != "" {
		return err
	}
	s.log.Error("stall service: persistence failure", "op", op, "error", err)
	return &domain.Error{Code: domain.CodePersistenceFailure, Op: op, Message: unavailableMessage, Cause: err}
}

type ClaimStallRequest struct {
	StallID             int64
	Owner               domain.OwnerIdentity
	AreaResRef          string
	PlaceableTag        string
	CoinHouseAccountID  *uuid.UUID
	HoldEarningsInStall bool
	PaymentSource       string
	AmountPaid          domain.GoldAmount
}

// ClaimStall finalizes a lease for a claimant who already paid.
func (s *StallService) ClaimStall(ctx context.Context, req ClaimStallRequest) Result[StallView] {
	const op = "stall.claim"
	now := s.now().UTC()

	taken, err := s.repo.HasActiveOwnershipInArea(ctx, req.Owner.Persona, req.AreaResRef, req.StallID)
	if err != nil {
		return failed[StallView](s.persistenceError(op, err))
	}
	if taken {
		return failed[StallView](domain.NewError(domain.CodeOwnershipLimit, op, "you already lease a stall in this market"))
	}

	var claimed *domain.Stall
	found, err := s.repo.UpdateByID(ctx, req.StallID, func(st *domain.Stall) error {
		if !st.MatchesPlacement(req.AreaResRef, req.PlaceableTag) {
			return domain.NewError(domain.CodePlaceableMismatch, op, "this stall does not match the market record")
		}
		mutate, err := domain.NewStallAggregate(st).TryClaim(req.Owner, domain.ClaimOptions{
			CoinHouseAccountID:  req.CoinHouseAccountID,
			HoldEarningsInStall: req.HoldEarningsInStall,
			LeaseStartUTC:       now,
			NextRentDueUTC:      now.Add(s.rentInterval),
		})
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		claimed = st.Clone()
		return nil
	})
	if err != nil {
		return failed[StallView](s.persistenceError(op, err))
	}
	if !found {
		return failed[StallView](domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market"))
	}

	if req.AmountPaid > 0 {
		entry := domain.NewLedgerEntry(req.StallID, domain.LedgerRentPayment, -req.AmountPaid.Int64(),
			fmt.Sprintf("Initial lease payment by %s", req.Owner.DisplayName), now)
		entry.Metadata["source"] = req.PaymentSource
		entry.Metadata["persona"] = req.Owner.Persona.String()
		if err := s.repo.AddLedgerEntry(ctx, entry); err != nil {
			// the lease stands; the missing audit line is logged for repair
			s.log.Error("stall service: ledger append failed", "op", op, "stall_id", req.StallID, "error", err)
		}
	}
	s.log.Info("stall claimed", "stall_id", req.StallID, "persona", req.Owner.Persona.String(), "source", req.PaymentSource)
	return succeed(newStallView(claimed), fmt.Sprintf("You now lease %s.", claimed.Tag))
}

// ReleaseStall lets the owner give up the lease. Unsold goods go to lockup.
func (s *StallService) ReleaseStall(ctx context.Context, stallID int64, requestor domain.PersonaID) Result[ReleaseOutcome] {
	out, err := s.release(ctx, stallID, requestor, false, 0, "Stall released by owner", nil)
	if err != nil {
		return failed[ReleaseOutcome](err)
	}
	return succeed(*out, "You have released the stall. Unsold goods were moved to the market lockup.")
}

// ForceRelease is the system path used by rent enforcement. refund is paid
// to the former owner on top of any escrow left in the stall. guard, when
// set, runs on the locked row first and can veto the release.
func (s *StallService) ForceRelease(ctx context.Context, stallID int64, refund domain.GoldAmount, reason string, guard domain.StallMutation) (*ReleaseOutcome, error) {
	return s.release(ctx, stallID, domain.PersonaID{Kind: domain.PersonaSystem, Value: "rent"}, true, refund, reason, guard)
}

func (s *StallService) release(ctx context.Context, stallID int64, requestor domain.PersonaID, force bool, refund domain.GoldAmount, reason string, guard domain.StallMutation) (*ReleaseOutcome, error) {
	const op = "stall.release"
	now := s.now().UTC()

	var (
		rel  *domain.Release
		snap *domain.Stall
	)
	found, err := s.repo.UpdateWithMembers(ctx, stallID, func(st *domain.Stall) error {
		if guard != nil {
			if err := guard(st); err != nil {
				return err
			}
		}
		snap = st.Clone()
		r, err := domain.NewStallAggregate(st).TryRelease(requestor, force, now)
		if err != nil {
			return err
		}
		rel = r
		return r.Apply(st)
	})
	if err != nil {
		return nil, s.persistenceError(op, err)
	}
	if !found {
		return nil, domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market")
	}

	out := &ReleaseOutcome{
		StallID:       stallID,
		PreviousOwner: rel.PreviousOwner,
		EscrowSettled: rel.EscrowSettled.Int64(),
		Refund:        refund.Int64(),
	}
	if s.lockup != nil {
		sum, lerr := s.lockup.MoveToLockup(ctx, snap)
		out.ProductsMoved = sum.ProductsMoved
		out.ItemsStored = sum.ItemsStored
		out.LockupFailures = sum.Failed
		if lerr != nil {
			s.log.Error("stall service: lockup transfer incomplete", "stall_id", stallID, "error", lerr)
		}
	}
	out.SettledTo = s.settleFormerOwner(ctx, snap, rel.EscrowSettled.Add(refund), reason)
	s.log.Info("stall released", "stall_id", stallID, "forced", force, "reason", reason,
		"escrow", out.EscrowSettled, "refund", out.Refund, "settled_to", out.SettledTo)
	return out, nil
}

// settleFormerOwner pays gold leaving a stall to the former owner's
// coinhouse account, or records it as a pending custodial credit.
func (s *StallService) settleFormerOwner(ctx context.Context, snap *domain.Stall, amount domain.GoldAmount, reason string) string {
	if amount <= 0 {
		return ""
	}
	now := s.now().UTC()
	persona := snap.OwnerPersona
	if snap.CoinHouseAccountID != nil && s.coinhouse != nil {
		acct, err := s.coinhouse.GetAccount(ctx, *snap.CoinHouseAccountID)
		if err == nil && acct != nil {
			res, err := s.coinhouse.DepositGold(ctx, port.BankRequest{
				Persona: persona,
				Tag:     acct.Tag,
				Amount:  amount,
				Reason:  reason,
			})
			if err == nil && res.Success {
				entry := domain.NewLedgerEntry(snap.ID, domain.LedgerRefund, -amount.Int64(), reason, now)
				entry.Metadata["destination"] = settledToCoinhouse
				entry.Metadata["account_id"] = acct.ID.String()
				entry.Metadata["persona"] = persona.String()
				s.appendLedger(ctx, entry)
				return settledToCoinhouse
			}
			if err != nil {
				s.log.Warn("stall service: coinhouse refund failed", "stall_id", snap.ID, "error", err)
			} else {
				s.log.Warn("stall service: coinhouse refused refund", "stall_id", snap.ID, "message", res.Message)
			}
		} else if err != nil {
			s.log.Warn("stall service: coinhouse account lookup failed", "stall_id", snap.ID, "error", err)
		}
	}
	entry := domain.NewLedgerEntry(snap.ID, domain.LedgerRefundPending, amount.Int64(), reason+" (held for former owner)", now)
	entry.Metadata["destination"] = settledToPending
	entry.Metadata["persona"] = persona.String()
	entry.Metadata["area"] = snap.AreaResRef
	s.appendLedger(ctx, entry)
	return settledToPending
}

func (s *StallService) appendLedger(ctx context.Context, entry domain.LedgerEntry) {
	if err := s.repo.AddLedgerEntry(ctx, entry); err != nil {
		s.log.Error("stall service: ledger append failed", "stall_id", entry.StallID, "type", string(entry.EntryType), "error", err)
	}
}

type ListProductRequest struct {
	StallID    int64
	Requestor  domain.PersonaID
	Descriptor domain.ProductDescriptor
}

func (s *StallService) ListProduct(ctx context.Context, req ListProductRequest) Result[ProductView] {
	const op = "stall.list_product"
	st, err := s.repo.GetWithMembers(ctx, req.StallID)
	if err != nil {
		return failed[ProductView](s.persistenceError(op, err))
	}
	if st == nil {
		return failed[ProductView](domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market"))
	}
	agg := domain.NewStallAggregate(st)
	if !agg.Can(req.Requestor, domain.CapManageInventory) {
		return failed[ProductView](domain.NewError(domain.CodeUnauthorized, op, "you may not stock this stall"))
	}
	d := req.Descriptor
	if d.ConsignorPersona.IsZero() {
		d.ConsignorPersona = req.Requestor
	}
	product, err := agg.CreateProduct(d, s.now())
	if err != nil {
		return failed[ProductView](err)
	}
	if err := s.repo.AddProduct(ctx, product); err != nil {
		return failed[ProductView](s.persistenceError(op, err))
	}
	return succeed(newProductView(*product), fmt.Sprintf("%s is now for sale at %d gold.", product.Name, product.Price))
}

func (s *StallService) loadProduct(ctx context.Context, op string, stallID, productID int64) (*domain.Stall, *domain.StallProduct, error) {
	st, err := s.repo.GetWithMembers(ctx, stallID)
	if err != nil {
		return nil, nil, s.persistenceError(op, err)
	}
	if st == nil {
		return nil, nil, domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market")
	}
	p, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return nil, nil, s.persistenceError(op, err)
	}
	if p == nil {
		return nil, nil, domain.NewError(domain.CodeProductNotFound, op, "that product is no longer listed")
	}
	return st, p, nil
}

func (s *StallService) RepriceProduct(ctx context.Context, stallID, productID int64, requestor domain.PersonaID, newPrice int64) Result[ProductView] {
	const op = "stall.reprice"
	st, p, err := s.loadProduct(ctx, op, stallID, productID)
	if err != nil {
		return failed[ProductView](err)
	}
	mutate, err := domain.NewStallAggregate(st).TryUpdateProductPrice(requestor, *p, newPrice)
	if err != nil {
		return failed[ProductView](err)
	}
	var updated domain.StallProduct
	applied, err := s.repo.UpdateProduct(ctx, productID, func(row *domain.StallProduct) bool {
		if !mutate(row) {
			return false
		}
		updated = *row
		return true
	})
	if err != nil {
		return failed[ProductView](s.persistenceError(op, err))
	}
	if !applied {
		return failed[ProductView](domain.NewError(domain.CodeProductNotFound, op, "that product changed before the new price was saved"))
	}
	return succeed(newProductView(updated), fmt.Sprintf("%s now costs %d gold.", updated.Name, newPrice))
}

// ReclaimProduct takes a listing off the stall and hands the item back to
// requestor. A failed hand-over puts the listing back on sale.
func (s *StallService) ReclaimProduct(ctx context.Context, stallID, productID int64, requestor domain.PersonaID, recipient port.ItemRecipient) Result[ProductView] {
	const op = "stall.reclaim_product"
	st, p, err := s.loadProduct(ctx, op, stallID, productID)
	if err != nil {
		return failed[ProductView](err)
	}
	mutate, err := domain.NewStallAggregate(st).TryReclaimProduct(requestor, *p)
	if err != nil {
		return failed[ProductView](err)
	}
	var taken domain.StallProduct
	applied, err := s.repo.UpdateProduct(ctx, productID, func(row *domain.StallProduct) bool {
		if !mutate(row) {
			return false
		}
		taken = *row
		return true
	})
	if err != nil {
		return failed[ProductView](s.persistenceError(op, err))
	}
	if !applied {
		return failed[ProductView](domain.NewError(domain.CodeProductNotFound, op, "that product was already taken down"))
	}

	quantity := taken.Quantity
	if quantity < 1 {
		quantity = 1
	}
	var delivered bool
	runErr := s.main.Run(ctx, func(ctx context.Context) error {
		delivered = recipient.ReceiveItem(ctx, taken.ItemData, requestor, quantity)
		return nil
	})
	if runErr != nil || !delivered {
		if _, err := s.repo.UpdateProduct(ctx, productID, func(row *domain.StallProduct) bool {
			if row.ID != productID {
				return false
			}
			row.IsActive = true
			return true
		}); err != nil {
			s.log.Error("stall service: relisting after failed reclaim", "product_id", productID, "error", err)
		}
		return failed[ProductView](domain.NewError(domain.CodeDeliveryFailed, op, "the item could not be handed to you; it remains listed"))
	}
	if err := s.repo.RemoveProduct(ctx, productID); err != nil {
		s.log.Error("stall service: remove reclaimed product", "product_id", productID, "error", err)
	}
	return succeed(newProductView(taken), fmt.Sprintf("You took %s back from the stall.", taken.Name))
}

// WithdrawEarnings pays escrow out to the requestor's purse. A partial
// payout is reported as such, never as a plain success message.
func (s *StallService) WithdrawEarnings(ctx context.Context, stallID int64, requestor domain.PersonaID, requested *int64, purse port.GoldPurse) Result[WithdrawalView] {
	const op = "stall.withdraw"
	now := s.now().UTC()

	var w *domain.Withdrawal
	found, err := s.repo.UpdateByID(ctx, stallID, func(st *domain.Stall) error {
		d, err := domain.NewStallAggregate(st).TryWithdrawEarnings(requestor, requested)
		if err != nil {
			return err
		}
		w = d
		return d.Apply(st)
	})
	if err != nil {
		return failed[WithdrawalView](s.persistenceError(op, err))
	}
	if !found {
		return failed[WithdrawalView](domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market"))
	}

	payErr := s.main.Run(ctx, func(ctx context.Context) error {
		return purse.GiveGold(ctx, requestor, w.Amount)
	})
	if payErr != nil {
		s.log.Error("stall service: payout failed, restoring escrow", "stall_id", stallID, "amount", w.Amount, "error", payErr)
		if _, err := s.repo.UpdateByID(ctx, stallID, func(st *domain.Stall) error {
			st.EscrowBalance = st.EscrowBalance.Add(w.Amount)
			return nil
		}); err != nil {
			s.log.Error("stall service: escrow restore failed", "stall_id", stallID, "amount", w.Amount, "error", err)
		}
		return failed[WithdrawalView](domain.NewError(domain.CodeDeliveryFailed, op, "the gold could not be handed to you; your earnings are untouched"))
	}

	entry := domain.NewLedgerEntry(stallID, domain.LedgerWithdrawal, -w.Amount.Int64(), "Earnings withdrawn", now)
	entry.Metadata["persona"] = requestor.String()
	entry.Metadata["partial"] = strconv.FormatBool(w.WasPartial)
	s.appendLedger(ctx, entry)

	view := WithdrawalView{Amount: w.Amount.Int64(), Available: w.Available.Int64(), WasPartial: w.WasPartial}
	if requested != nil {
		view.Requested = *requested
	}
	if w.WasPartial {
		return succeed(view, fmt.Sprintf("Only %d gold was available. You collected %d of the %d gold requested.", w.Available, w.Amount, view.Requested))
	}
	return succeed(view, fmt.Sprintf("You collected %d gold.", w.Amount))
}

func (s *StallService) ConfigureRentSettings(ctx context.Context, stallID int64, requestor domain.PersonaID, settings domain.RentSettings) Result[StallView] {
	const op = "stall.configure_rent"
	if settings.CoinHouseAccountID != nil && *settings.CoinHouseAccountID != uuid.Nil {
		acct, err := s.coinhouse.GetAccount(ctx, *settings.CoinHouseAccountID)
		if err != nil {
			return failed[StallView](domain.Wrap(domain.CodeCoinhouseUnavailable, op, err))
		}
		if acct == nil {
			return failed[StallView](domain.NewError(domain.CodeValidation, op, "that coinhouse account does not exist"))
		}
	}
	var updated *domain.Stall
	found, err := s.repo.UpdateByID(ctx, stallID, func(st *domain.Stall) error {
		mutate, err := domain.NewStallAggregate(st).TryConfigureRentSettings(requestor, settings)
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		updated = st.Clone()
		return nil
	})
	if err != nil {
		return failed[StallView](s.persistenceError(op, err))
	}
	if !found {
		return failed[StallView](domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market"))
	}
	msg := "Rent will be drawn from the stall's earnings."
	if updated.CoinHouseAccountID != nil {
		msg = "Rent will be drawn from your coinhouse account first."
	}
	return succeed(newStallView(updated), msg)
}

func (s *StallService) AddMember(ctx context.Context, stallID int64, requestor domain.PersonaID, grant domain.MemberGrant) Result[StallView] {
	return s.updateMembers(ctx, "stall.add_member", stallID, func(agg *domain.StallAggregate) (domain.StallMutation, error) {
		return agg.TryAddMember(requestor, grant, s.now())
	}, fmt.Sprintf("%s can now help run the stall.", grant.DisplayName))
}

func (s *StallService) RevokeMember(ctx context.Context, stallID int64, requestor, member domain.PersonaID) Result[StallView] {
	return s.updateMembers(ctx, "stall.revoke_member", stallID, func(agg *domain.StallAggregate) (domain.StallMutation, error) {
		return agg.TryRevokeMember(requestor, member, s.now())
	}, "Member access revoked.")
}

func (s *StallService) updateMembers(ctx context.Context, op string, stallID int64, decide func(*domain.StallAggregate) (domain.StallMutation, error), message string) Result[StallView] {
	var updated *domain.Stall
	found, err := s.repo.UpdateWithMembers(ctx, stallID, func(st *domain.Stall) error {
		mutate, err := decide(domain.NewStallAggregate(st))
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		updated = st.Clone()
		return nil
	})
	if err != nil {
		return failed[StallView](s.persistenceError(op, err))
	}
	if !found {
		return failed[StallView](domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market"))
	}
	return succeed(newStallView(updated), message)
}

// RecordSale books a purchase: stock goes down and the proceeds go to escrow.
func (s *StallService) RecordSale(ctx context.Context, stallID, productID int64, buyer domain.PersonaID, quantity int) Result[SaleView] {
	const op = "stall.sale"
	st, p, err := s.loadProduct(ctx, op, stallID, productID)
	if err != nil {
		return failed[SaleView](err)
	}
	sale, err := domain.NewStallAggregate(st).TryRecordSale(*p, quantity)
	if err != nil {
		return failed[SaleView](err)
	}
	applied, err := s.repo.UpdateProduct(ctx, productID, sale.ApplyProduct)
	if err != nil {
		return failed[SaleView](s.persistenceError(op, err))
	}
	if !applied {
		return failed[SaleView](domain.NewError(domain.CodeInvalidQuantity, op, "not enough stock left for that purchase"))
	}
	found, err := s.repo.UpdateByID(ctx, stallID, sale.ApplyStall)
	if err != nil || !found {
		if _, rerr := s.repo.UpdateProduct(ctx, productID, func(row *domain.StallProduct) bool {
			if row.ID != productID {
				return false
			}
			row.Quantity += quantity
			row.IsActive = true
			return true
		}); rerr != nil {
			s.log.Error("stall service: CRITICAL stock restore failed", "product_id", productID, "quantity", quantity, "error", rerr)
		}
		if err == nil {
			err = domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market")
		}
		return failed[SaleView](s.persistenceError(op, err))
	}

	entry := domain.NewLedgerEntry(stallID, domain.LedgerSale, sale.Total.Int64(),
		fmt.Sprintf("Sold %d x %s", quantity, p.Name), s.now())
	entry.Metadata["buyer"] = buyer.String()
	entry.Metadata["product_id"] = strconv.FormatInt(productID, 10)
	s.appendLedger(ctx, entry)

	return succeed(SaleView{ProductID: productID, Quantity: quantity, Total: sale.Total.Int64()},
		fmt.Sprintf("Bought %d x %s for %d gold.", quantity, p.Name, sale.Total))
}

func (s *StallService) GetStall(ctx context.Context, stallID int64) Result[StallView] {
	const op = "stall.get"
	st, err := s.repo.GetWithMembers(ctx, stallID)
	if err != nil {
		return failed[StallView](s.persistenceError(op, err))
	}
	if st == nil {
		return failed[StallView](domain.NewError(domain.CodeStallNotFound, op, "this stall is not registered with the market"))
	}
	return succeed(newStallView(st), "")
}
