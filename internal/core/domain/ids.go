package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type PersonaKind string

const (
	PersonaCharacter PersonaKind = "Character"
	PersonaPlayer    PersonaKind = "Player"
	PersonaSystem    PersonaKind = "System"
)

// PersonaID identifies the unit of ownership and authorization. Character
// personas are backed by a character uuid; player personas by a public key.
type PersonaID struct {
	Kind  PersonaKind
	Value string
}

// NewPersonaID validates kind and value.
func NewPersonaID(kind PersonaKind, value string) (PersonaID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return PersonaID{}, NewError(CodeValidation, "persona", "persona value is empty")
	}
	switch kind {
	case PersonaCharacter:
		if _, err := uuid.Parse(value); err != nil {
			return PersonaID{}, NewError(CodePersonaNotGuidBacked, "persona", "character persona must be a uuid")
		}
	case PersonaPlayer, PersonaSystem:
	default:
		return PersonaID{}, NewError(CodeValidation, "persona", fmt.Sprintf("unknown persona kind %q", kind))
	}
	return PersonaID{Kind: kind, Value: value}, nil
}

// CharacterPersona is the persona of a character.
func CharacterPersona(id uuid.UUID) PersonaID {
	return PersonaID{Kind: PersonaCharacter, Value: id.String()}
}

// ParsePersonaID reads the "Kind:Value" form produced by String.
func ParsePersonaID(s string) (PersonaID, error) {
	kind, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return PersonaID{}, NewError(CodeValidation, "persona", fmt.Sprintf("malformed persona %q", s))
	}
	return NewPersonaID(PersonaKind(kind), value)
}

func (p PersonaID) String() string {
	if p.IsZero() {
		return ""
	}
	return string(p.Kind) + ":" + p.Value
}

func (p PersonaID) IsZero() bool { return p.Value == "" }

// CharacterID returns the uuid behind a character persona.
func (p PersonaID) CharacterID() (uuid.UUID, error) {
	if p.Kind != PersonaCharacter {
		return uuid.Nil, NewError(CodePersonaNotGuidBacked, "persona", fmt.Sprintf("%s is not a character persona", p))
	}
	id, err := uuid.Parse(p.Value)
	if err != nil {
		return uuid.Nil, NewError(CodePersonaNotGuidBacked, "persona", fmt.Sprintf("%s is not uuid backed", p))
	}
	return id, nil
}

// CoinhouseTag names a bank branch, usually one per settlement.
type CoinhouseTag string

func NewCoinhouseTag(s string) (CoinhouseTag, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", NewError(CodeValidation, "coinhouse_tag", "coinhouse tag is empty")
	}
	if len(s) > 64 {
		return "", NewError(CodeValidation, "coinhouse_tag", "coinhouse tag is longer than 64 characters")
	}
	return CoinhouseTag(s), nil
}

func (t CoinhouseTag) String() string { return string(t) }

// GoldAmount is a non-negative amount of gold.
type GoldAmount int64

func NewGoldAmount(v int64) (GoldAmount, error) {
	if v < 0 {
		return 0, NewError(CodeValidation, "gold", fmt.Sprintf("gold amount %d is negative", v))
	}
	return GoldAmount(v), nil
}

// Add saturates at the int64 maximum.
func (g GoldAmount) Add(o GoldAmount) GoldAmount {
	s := g + o
	if s < g {
		return GoldAmount(1<<63 - 1)
	}
	return s
}

// Sub clamps at zero.
func (g GoldAmount) Sub(o GoldAmount) GoldAmount {
	if o >= g {
		return 0
	}
	return g - o
}

func (g GoldAmount) Int64() int64 { return int64(g) }

// SettlementID identifies the settlement a stall belongs to.
type SettlementID int

func NewSettlementID(v int) (SettlementID, error) {
	if v <= 0 {
		return 0, NewError(CodeValidation, "settlement", fmt.Sprintf("settlement id %d is not positive", v))
	}
	return SettlementID(v), nil
}
