package port

import (
	"context"

	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
)

type CoinhouseAccount struct {
	ID      uuid.UUID
	Tag     domain.CoinhouseTag
	Holder  domain.PersonaID
	Balance domain.GoldAmount
}

type BankRequest struct {
	Persona domain.PersonaID
	Tag     domain.CoinhouseTag
	Amount  domain.GoldAmount
	Reason  string
}

// BankResult carries the banking service's verdict. A business refusal is
// Success=false with a message, not an error.
type BankResult struct {
	Success bool
	Message string
}

// Coinhouse is the banking collaborator.
type Coinhouse interface {
	// GetAccount loads an account by id, nil when absent
	GetAccount(ctx context.Context, id uuid.UUID) (*CoinhouseAccount, error)

	// FindAccount looks up the persona's account at the settlement's coinhouse, nil when absent
	FindAccount(ctx context.Context, holder domain.PersonaID, settlementTag string) (*CoinhouseAccount, error)

	WithdrawGold(ctx context.Context, req BankRequest) (BankResult, error)
	DepositGold(ctx context.Context, req BankRequest) (BankResult, error)
}

// GoldPurse is the gold carried by an avatar. Calls must run on the main context.
type GoldPurse interface {
	Gold(ctx context.Context, persona domain.PersonaID) (domain.GoldAmount, error)
	TakeGold(ctx context.Context, persona domain.PersonaID, amount domain.GoldAmount) (bool, error)
	GiveGold(ctx context.Context, persona domain.PersonaID, amount domain.GoldAmount) error
}

// ItemRecipient receives restored items. Returns false for offline or
// invalid targets. Calls must run on the main context.
type ItemRecipient interface {
	ReceiveItem(ctx context.Context, itemData []byte, persona domain.PersonaID, quantity int) bool
}

type Severity string

const (
	SeverityInfo     Severity = "green"
	SeverityWarning  Severity = "yellow"
	SeverityAlert    Severity = "orange"
	SeverityCritical Severity = "red"
)

type Notification struct {
	CharacterID uuid.UUID
	Message     string
	Severity    Severity
}

// Notifier delivers messages to owners; unreachable owners are a silent no-op.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// MainContext marshals work onto the game's main execution context.
type MainContext interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}
