package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

// Mock StallRepository
type mockStallRepo struct {
	mu         sync.Mutex
	stalls     map[int64]*domain.Stall
	ledger     []domain.LedgerEntry
	nextProd   int64
	failNext   error
	failRemove error
}

func newMockStallRepo(stalls ...*domain.Stall) *mockStallRepo {
	m := &mockStallRepo{stalls: make(map[int64]*domain.Stall), nextProd: 1000}
	for _, s := range stalls {
		m.stalls[s.ID] = s.Clone()
	}
	return m
}

func (m *mockStallRepo) stall(id int64) *domain.Stall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stalls[id]; ok {
		return s.Clone()
	}
	return nil
}

func (m *mockStallRepo) ledgerOf(typ domain.LedgerEntryType) []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.ledger {
		if e.EntryType == typ {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockStallRepo) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *mockStallRepo) GetByID(ctx context.Context, id int64) (*domain.Stall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stalls[id]
	if !ok {
		return nil, nil
	}
	c := s.Clone()
	c.Members = nil
	return c, nil
}

func (m *mockStallRepo) GetWithMembers(ctx context.Context, id int64) (*domain.Stall, error) {
	return m.stall(id), nil
}

func (m *mockStallRepo) update(id int64, mutate domain.StallMutation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	s, ok := m.stalls[id]
	if !ok {
		return false, nil
	}
	work := s.Clone()
	if err := mutate(work); err != nil {
		return true, err
	}
	work.Version++
	m.stalls[id] = work
	return true, nil
}

func (m *mockStallRepo) UpdateByID(ctx context.Context, id int64, mutate domain.StallMutation) (bool, error) {
	return m.update(id, mutate)
}

func (m *mockStallRepo) UpdateWithMembers(ctx context.Context, id int64, mutate domain.StallMutation) (bool, error) {
	return m.update(id, mutate)
}

func (m *mockStallRepo) AddProduct(ctx context.Context, product *domain.StallProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stalls[product.StallID]
	if !ok {
		return errors.New("stall missing")
	}
	m.nextProd++
	product.ID = m.nextProd
	s.Products = append(s.Products, *product)
	return nil
}

func (m *mockStallRepo) RemoveProduct(ctx context.Context, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRemove; err != nil {
		m.failRemove = nil
		return err
	}
	for _, s := range m.stalls {
		for i, p := range s.Products {
			if p.ID == productID {
				s.Products = append(s.Products[:i], s.Products[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *mockStallRepo) GetProductByID(ctx context.Context, productID int64) (*domain.StallProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stalls {
		for _, p := range s.Products {
			if p.ID == productID {
				c := p
				return &c, nil
			}
		}
	}
	return nil, nil
}

func (m *mockStallRepo) UpdateProduct(ctx context.Context, productID int64, mutate domain.ProductMutation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stalls {
		for i := range s.Products {
			if s.Products[i].ID == productID {
				work := s.Products[i]
				if !mutate(&work) {
					return false, nil
				}
				s.Products[i] = work
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *mockStallRepo) AddLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *mockStallRepo) AllStalls(ctx context.Context) ([]*domain.Stall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.stalls))
	for id := range m.stalls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*domain.Stall, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.stalls[id].Clone())
	}
	return out, nil
}

func (m *mockStallRepo) HasActiveOwnershipInArea(ctx context.Context, owner domain.PersonaID, areaResRef string, excludingStallID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.stalls {
		if id != excludingStallID && s.IsActive && s.IsOwnedBy(owner) && s.AreaResRef == areaResRef {
			return true, nil
		}
	}
	return false, nil
}

// Mock LockupStore
type mockLockupStore struct {
	mu     sync.Mutex
	items  map[uuid.UUID]domain.StoredItem
	order  []uuid.UUID
	stores int
}

func newMockLockupStore() *mockLockupStore {
	return &mockLockupStore{items: make(map[uuid.UUID]domain.StoredItem)}
}

func (m *mockLockupStore) Store(ctx context.Context, item domain.StoredItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	if _, ok := m.items[item.ID]; ok {
		return nil
	}
	m.items[item.ID] = item
	m.order = append(m.order, item.ID)
	return nil
}

func (m *mockLockupStore) ListByOwner(ctx context.Context, owner domain.PersonaID, storageID string) ([]domain.StoredItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StoredItem
	for _, id := range m.order {
		it, ok := m.items[id]
		if ok && it.OwnerPersona == owner && it.StorageID == storageID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *mockLockupStore) Get(ctx context.Context, id uuid.UUID) (*domain.StoredItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (m *mockLockupStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *mockLockupStore) CountByOwner(ctx context.Context, owner domain.PersonaID, storageID string) (int, error) {
	items, err := m.ListByOwner(ctx, owner, storageID)
	return len(items), err
}

// Mock Coinhouse
type mockCoinhouse struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]*port.CoinhouseAccount
	refuse    string
	down      bool
	withdraws int
	deposits  []port.BankRequest
}

func newMockCoinhouse(accounts ...*port.CoinhouseAccount) *mockCoinhouse {
	m := &mockCoinhouse{accounts: make(map[uuid.UUID]*port.CoinhouseAccount)}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockCoinhouse) balance(id uuid.UUID) domain.GoldAmount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Balance
}

func (m *mockCoinhouse) GetAccount(ctx context.Context, id uuid.UUID) (*port.CoinhouseAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errors.New("coinhouse unreachable")
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (m *mockCoinhouse) FindAccount(ctx context.Context, holder domain.PersonaID, settlementTag string) (*port.CoinhouseAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errors.New("coinhouse unreachable")
	}
	for _, a := range m.accounts {
		if a.Holder == holder && string(a.Tag) == settlementTag {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (m *mockCoinhouse) account(req port.BankRequest) *port.CoinhouseAccount {
	for _, a := range m.accounts {
		if a.Holder == req.Persona && a.Tag == req.Tag {
			return a
		}
	}
	return nil
}

func (m *mockCoinhouse) WithdrawGold(ctx context.Context, req port.BankRequest) (port.BankResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdraws++
	if m.down {
		return port.BankResult{}, errors.New("coinhouse unreachable")
	}
	if m.refuse != "" {
		return port.BankResult{Message: m.refuse}, nil
	}
	a := m.account(req)
	if a == nil || a.Balance < req.Amount {
		return port.BankResult{Message: "Insufficient funds."}, nil
	}
	a.Balance -= req.Amount
	return port.BankResult{Success: true}, nil
}

func (m *mockCoinhouse) DepositGold(ctx context.Context, req port.BankRequest) (port.BankResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return port.BankResult{}, errors.New("coinhouse unreachable")
	}
	m.deposits = append(m.deposits, req)
	if a := m.account(req); a != nil {
		a.Balance += req.Amount
	}
	return port.BankResult{Success: true}, nil
}

// Mock GoldPurse
type mockPurse struct {
	mu      sync.Mutex
	gold    map[domain.PersonaID]domain.GoldAmount
	giveErr error
}

func newMockPurse() *mockPurse {
	return &mockPurse{gold: make(map[domain.PersonaID]domain.GoldAmount)}
}

func (m *mockPurse) set(p domain.PersonaID, g domain.GoldAmount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gold[p] = g
}

func (m *mockPurse) of(p domain.PersonaID) domain.GoldAmount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gold[p]
}

func (m *mockPurse) Gold(ctx context.Context, p domain.PersonaID) (domain.GoldAmount, error) {
	return m.of(p), nil
}

func (m *mockPurse) TakeGold(ctx context.Context, p domain.PersonaID, amount domain.GoldAmount) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gold[p] < amount {
		return false, nil
	}
	m.gold[p] -= amount
	return true, nil
}

func (m *mockPurse) GiveGold(ctx context.Context, p domain.PersonaID, amount domain.GoldAmount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.giveErr != nil {
		return m.giveErr
	}
	m.gold[p] += amount
	return nil
}

// Mock ItemRecipient; reject lists item payloads that fail delivery.
type mockRecipient struct {
	mu       sync.Mutex
	calls    int
	received [][]byte
	reject   map[string]bool
}

func (m *mockRecipient) ReceiveItem(ctx context.Context, itemData []byte, p domain.PersonaID, quantity int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.reject[string(itemData)] {
		return false
	}
	m.received = append(m.received, itemData)
	return true
}

type inlineMain struct{}

func (inlineMain) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Mock Notifier
type mockNotifier struct {
	mu   sync.Mutex
	sent []port.Notification
}

func (m *mockNotifier) Notify(ctx context.Context, n port.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
}

func (m *mockNotifier) severities() []port.Severity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]port.Severity, 0, len(m.sent))
	for _, n := range m.sent {
		out = append(out, n.Severity)
	}
	return out
}

// Mock IdempotencyStore
type mockIdempotency struct {
	mu   sync.Mutex
	held map[string]string
	seq  int
}

func newMockIdempotency() *mockIdempotency {
	return &mockIdempotency{held: make(map[string]string)}
}

func (m *mockIdempotency) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return "", false, nil
	}
	m.seq++
	token := uuid.NewString()
	m.held[key] = token
	return token, true, nil
}

func (m *mockIdempotency) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
	}
	return nil
}

// fixture wires the services over the mocks with a fixed clock.
type fixture struct {
	now       time.Time
	repo      *mockStallRepo
	store     *mockLockupStore
	coinhouse *mockCoinhouse
	purse     *mockPurse
	notifier  *mockNotifier
	idem      *mockIdempotency
	lockup    *LockupService
	stalls    *StallService
	rent      *RentRenewalService
}

const testInterval = 24 * time.Hour

func newFixture(now time.Time, stalls ...*domain.Stall) *fixture {
	f := &fixture{
		now:       now,
		repo:      newMockStallRepo(stalls...),
		store:     newMockLockupStore(),
		coinhouse: newMockCoinhouse(),
		purse:     newMockPurse(),
		notifier:  &mockNotifier{},
		idem:      newMockIdempotency(),
	}
	clock := func() time.Time { return f.now }
	log := logger.Nop()
	f.lockup = NewLockupService(f.repo, f.store, inlineMain{}, log, nil)
	f.lockup.now = clock
	f.stalls = NewStallService(f.repo, f.lockup, f.coinhouse, inlineMain{}, log, nil, testInterval)
	f.stalls.now = clock
	f.rent = NewRentRenewalService(f.repo, f.stalls, f.lockup, f.coinhouse, f.idem, f.notifier, log, nil, RentOptions{
		RentInterval:     testInterval,
		BillingInterval:  time.Hour,
		GracePeriod:      24 * time.Hour,
		IdleReleaseAfter: 2 * time.Hour,
		ShutdownWait:     time.Second,
		IdempotencyTTL:   48 * time.Hour,
	})
	f.rent.now = clock
	return f
}

var (
	ownerChar  = uuid.MustParse("7b0e55f4-9a39-4e59-9d2b-2a8b8e3c1a01")
	otherChar  = uuid.MustParse("0f3c7d52-62a1-4c6e-a4c4-98d1f1b5e702")
	helperChar = uuid.MustParse("c1d7a2a9-0d8e-4b6b-bd65-3f1e0a6c9f03")

	ownerPersona  = domain.CharacterPersona(ownerChar)
	otherPersona  = domain.CharacterPersona(otherChar)
	helperPersona = domain.CharacterPersona(helperChar)
)

func ownerIdentity(id uuid.UUID, name string) domain.OwnerIdentity {
	return domain.OwnerIdentity{CharacterID: id, Persona: domain.CharacterPersona(id), DisplayName: name}
}

// newStall builds an unowned active-ready stall.
func newStall(id int64) *domain.Stall {
	return &domain.Stall{
		ID:            id,
		Tag:           "market_stall_1",
		AreaResRef:    "cordor_market",
		SettlementTag: "cordor",
		DailyRent:     100,
	}
}

// ownedStall builds a stall leased by ownerPersona with rent due at due.
func ownedStall(id int64, due time.Time) *domain.Stall {
	s := newStall(id)
	cid := ownerChar
	s.OwnerCharacterID = &cid
	s.OwnerPersona = ownerPersona
	s.OwnerDisplayName = "Aelith"
	s.IsActive = true
	s.LeaseStartUTC = domain.TimePtr(due.Add(-testInterval))
	s.NextRentDueUTC = domain.TimePtr(due)
	s.UpdatedUTC = due.Add(-time.Hour)
	return s
}

func product(id, stallID int64, qty int, data string) domain.StallProduct {
	return domain.StallProduct{
		ID:               id,
		StallID:          stallID,
		ResRef:           "arrow_001",
		Name:             "Arrow",
		Price:            5,
		Quantity:         qty,
		ConsignorPersona: ownerPersona,
		IsActive:         true,
		ItemData:         []byte(data),
	}
}
