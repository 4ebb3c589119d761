package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/metrics"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

// StorageEngineID is the lockup bucket of an area. It depends only on the
// area resref, so it is stable across restarts.
func StorageEngineID(areaResRef string) string {
	sum := sha256.Sum256([]byte("stall-lockup:" + strings.ToLower(strings.TrimSpace(areaResRef))))
	return hex.EncodeToString(sum[:16])
}

type LockupSummary struct {
	ProductsMoved int
	ItemsStored   int
	Failed        int
}

type DeliverySummary struct {
	Delivered int
	Failed    int
}

// LockupService is the inventory custodian: it moves unsold stock of a
// lapsed stall into per-persona lockup and hands it back later.
type LockupService struct {
	repo    port.StallRepository
	store   port.LockupStore
	main    port.MainContext
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLockupService(repo port.StallRepository, store port.LockupStore, main port.MainContext, log *logger.Logger, m *metrics.Metrics) *LockupService {
	return &LockupService{
		repo:    repo,
		store:   store,
		main:    main,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// MoveToLockup stores every unsold listing of snapshot and removes the
// listing. snapshot must be taken before ownership was cleared so stock
// without a consignor falls back to the former owner.
func (s *LockupService) MoveToLockup(ctx context.Context, snapshot *domain.Stall) (LockupSummary, error) {
	var (
		sum  LockupSummary
		errs []error
	)
	storageID := StorageEngineID(snapshot.AreaResRef)
	for _, p := range snapshot.Products {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if p.Quantity <= 0 {
			// nothing left to store; the empty row is dropped
			if err := s.repo.RemoveProduct(ctx, p.ID); err != nil {
				errs = append(errs, fmt.Errorf("remove empty product %d: %w", p.ID, err))
			}
			continue
		}
		if !p.IsActive {
			// owned by the reclaim in flight
			continue
		}
		owner := p.ConsignorPersona
		if owner.IsZero() {
			owner = snapshot.OwnerPersona
		}
		if owner.IsZero() {
			s.log.Error("lockup: product has no consignor and stall has no owner", "stall_id", snapshot.ID, "product_id", p.ID)
			sum.Failed++
			continue
		}

		stored, err := s.storeCopies(ctx, p, owner, storageID)
		sum.ItemsStored += stored
		s.metrics.LockupStored(stored)
		if err != nil {
			// the listing stays; a later sweep stores the same copies again
			sum.Failed++
			errs = append(errs, err)
			continue
		}
		if err := s.repo.RemoveProduct(ctx, p.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove product %d: %w", p.ID, err))
			continue
		}
		sum.ProductsMoved++
	}
	s.log.Info("lockup: moved stall inventory",
		"stall_id", snapshot.ID, "storage_id", storageID,
		"products", sum.ProductsMoved, "items", sum.ItemsStored, "failed", sum.Failed)
	return sum, errors.Join(errs...)
}

// lockupNamespace scopes the IDs of stored listing copies.
var lockupNamespace = uuid.MustParse("5d0c3a7e-8f2b-4c61-9a4e-2b7f1e6d8c90")

// lockupItemID names copy n of a listing. A retried sweep reproduces the
// same IDs so the store can drop what it already holds.
func lockupItemID(p domain.StallProduct, n int) uuid.UUID {
	return uuid.NewSHA1(lockupNamespace, []byte(fmt.Sprintf("%d:%d:%d", p.StallID, p.ID, n)))
}

func (s *LockupService) storeCopies(ctx context.Context, p domain.StallProduct, owner domain.PersonaID, storageID string) (int, error) {
	name := p.Name
	if name == "" {
		name = p.OriginalName
	}
	for i := 0; i < p.Quantity; i++ {
		item := domain.StoredItem{
			ID:              lockupItemID(p, i),
			OwnerPersona:    owner,
			StorageID:       storageID,
			ResRef:          p.ResRef,
			DisplayName:     name,
			ItemData:        p.ItemData,
			SourceStallID:   p.StallID,
			SourceProductID: p.ID,
			StoredUTC:       s.now().UTC(),
		}
		if err := s.store.Store(ctx, item); err != nil {
			return i, fmt.Errorf("store copy %d of product %d: %w", i+1, p.ID, err)
		}
	}
	return p.Quantity, nil
}

// Outstanding counts what persona still has in lockup for area.
func (s *LockupService) Outstanding(ctx context.Context, persona domain.PersonaID, areaResRef string) (int, error) {
	return s.store.CountByOwner(ctx, persona, StorageEngineID(areaResRef))
}

func (s *LockupService) List(ctx context.Context, persona domain.PersonaID, areaResRef string) ([]domain.StoredItem, error) {
	return s.store.ListByOwner(ctx, persona, StorageEngineID(areaResRef))
}

// ReleaseInventoryToPlayer delivers every lockup item of persona in area.
// A record is removed only after its delivery succeeded; failed ones stay
// for a later attempt.
func (s *LockupService) ReleaseInventoryToPlayer(ctx context.Context, persona domain.PersonaID, areaResRef string, recipient port.ItemRecipient) (DeliverySummary, error) {
	var sum DeliverySummary
	items, err := s.List(ctx, persona, areaResRef)
	if err != nil {
		return sum, fmt.Errorf("list lockup: %w", err)
	}
	for _, item := range items {
		ok, err := s.deliver(ctx, item, persona, recipient)
		if err != nil {
			s.metrics.LockupReleased(sum.Delivered, sum.Failed)
			return sum, err
		}
		if ok {
			sum.Delivered++
		} else {
			sum.Failed++
		}
	}
	s.metrics.LockupReleased(sum.Delivered, sum.Failed)
	s.log.Info("lockup: released inventory", "persona", persona.String(), "area", areaResRef,
		"delivered", sum.Delivered, "failed", sum.Failed)
	return sum, nil
}

// ReclaimItem delivers a single lockup item.
func (s *LockupService) ReclaimItem(ctx context.Context, persona domain.PersonaID, itemID uuid.UUID, recipient port.ItemRecipient) error {
	const op = "lockup.reclaim"
	item, err := s.store.Get(ctx, itemID)
	if err != nil {
		return domain.Wrap(domain.CodePersistenceFailure, op, err)
	}
	if item == nil || item.OwnerPersona != persona {
		return domain.NewError(domain.CodeProductNotFound, op, "that item is not in your lockup")
	}
	ok, err := s.deliver(ctx, *item, persona, recipient)
	if err != nil {
		return err
	}
	if !ok {
		s.metrics.LockupReleased(0, 1)
		return domain.NewError(domain.CodeDeliveryFailed, op, "the item could not be handed over; it stays in lockup")
	}
	s.metrics.LockupReleased(1, 0)
	return nil
}

func (s *LockupService) deliver(ctx context.Context, item domain.StoredItem, persona domain.PersonaID, recipient port.ItemRecipient) (bool, error) {
	var delivered bool
	err := s.main.Run(ctx, func(ctx context.Context) error {
		delivered = recipient.ReceiveItem(ctx, item.ItemData, persona, 1)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deliver lockup item %s: %w", item.ID, err)
	}
	if !delivered {
		return false, nil
	}
	if err := s.store.Delete(ctx, item.ID); err != nil {
		// delivered but still on record: the next release hands it over again
		s.log.Error("lockup: delete after delivery failed", "item_id", item.ID.String(), "error", err)
	}
	return true, nil
}
