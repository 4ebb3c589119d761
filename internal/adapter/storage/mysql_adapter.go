package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
)

var ErrOptimisticLock = errors.New("optimistic lock conflict")

const stallColumns = `id, tag, area_resref, settlement_tag,
	owner_character_id, owner_persona, owner_display_name,
	is_active, escrow_balance, daily_rent,
	coinhouse_account_id, hold_earnings_in_stall, direct_payment_disabled, coinhouse_payment_disabled,
	lease_start_utc, last_rent_paid_utc, next_rent_due_utc, suspended_utc, deactivated_utc,
	updated_utc, version`

const productColumns = `id, stall_id, resref, name, original_name, price, quantity,
	consignor_persona, consignor_display_name, is_active, sort_order, item_data,
	listed_utc, updated_utc`

const memberColumns = `id, stall_id, persona, display_name,
	can_manage_inventory, can_configure_settings, can_collect_earnings,
	added_utc, revoked_utc`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// MySQLAdapter is the stall repository. Updates lock the stall row with
// SELECT ... FOR UPDATE and bump version on write.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) GetByID(ctx context.Context, id int64) (*domain.Stall, error) {
	return m.load(ctx, m.db, id, false, false)
}

func (m *MySQLAdapter) GetWithMembers(ctx context.Context, id int64) (*domain.Stall, error) {
	return m.load(ctx, m.db, id, true, false)
}

func (m *MySQLAdapter) UpdateByID(ctx context.Context, id int64, mutate domain.StallMutation) (bool, error) {
	return m.update(ctx, id, mutate, false)
}

func (m *MySQLAdapter) UpdateWithMembers(ctx context.Context, id int64, mutate domain.StallMutation) (bool, error) {
	return m.update(ctx, id, mutate, true)
}

func (m *MySQLAdapter) update(ctx context.Context, id int64, mutate domain.StallMutation, saveMembers bool) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := m.load(ctx, tx, id, true, true)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, nil
	}
	version := st.Version
	if err := mutate(st); err != nil {
		return true, err
	}
	st.UpdatedUTC = time.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE stalls SET
			owner_character_id = ?, owner_persona = ?, owner_display_name = ?,
			is_active = ?, escrow_balance = ?, daily_rent = ?,
			coinhouse_account_id = ?, hold_earnings_in_stall = ?,
			direct_payment_disabled = ?, coinhouse_payment_disabled = ?,
			lease_start_utc = ?, last_rent_paid_utc = ?, next_rent_due_utc = ?,
			suspended_utc = ?, deactivated_utc = ?,
			updated_utc = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullUUID(st.OwnerCharacterID), st.OwnerPersona.String(), st.OwnerDisplayName,
		st.IsActive, int64(st.EscrowBalance), int64(st.DailyRent),
		nullUUID(st.CoinHouseAccountID), st.HoldEarningsInStall,
		st.DirectPaymentDisabled, st.CoinhousePaymentDisabled,
		nullTime(st.LeaseStartUTC), nullTime(st.LastRentPaidUTC), nullTime(st.NextRentDueUTC),
		nullTime(st.SuspendedUTC), nullTime(st.DeactivatedUTC),
		st.UpdatedUTC, id, version,
	)
	if err != nil {
		return true, fmt.Errorf("update stall: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return true, ErrOptimisticLock
	}

	if saveMembers {
		if err := m.saveMembers(ctx, tx, st); err != nil {
			return true, err
		}
	}
	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (m *MySQLAdapter) saveMembers(ctx context.Context, tx *sql.Tx, st *domain.Stall) error {
	for i := range st.Members {
		mem := &st.Members[i]
		if mem.ID == 0 {
			result, err := tx.ExecContext(ctx, `
				INSERT INTO stall_members (stall_id, persona, display_name,
					can_manage_inventory, can_configure_settings, can_collect_earnings,
					added_utc, revoked_utc)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				st.ID, mem.Persona.String(), mem.DisplayName,
				mem.CanManageInventory, mem.CanConfigureSettings, mem.CanCollectEarnings,
				mem.AddedUTC.UTC(), nullTime(mem.RevokedUTC),
			)
			if err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
			if id, err := result.LastInsertId(); err == nil {
				mem.ID = id
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE stall_members SET display_name = ?,
				can_manage_inventory = ?, can_configure_settings = ?, can_collect_earnings = ?,
				revoked_utc = ?
			WHERE id = ? AND stall_id = ?`,
			mem.DisplayName,
			mem.CanManageInventory, mem.CanConfigureSettings, mem.CanCollectEarnings,
			nullTime(mem.RevokedUTC), mem.ID, st.ID,
		)
		if err != nil {
			return fmt.Errorf("update member %d: %w", mem.ID, err)
		}
	}
	return nil
}

func (m *MySQLAdapter) load(ctx context.Context, q querier, id int64, withMembers, forUpdate bool) (*domain.Stall, error) {
	query := `SELECT ` + stallColumns + ` FROM stalls WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	st, err := scanStall(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stall: %w", err)
	}

	products, err := m.queryProducts(ctx, q, `WHERE stall_id = ?`, id)
	if err != nil {
		return nil, err
	}
	st.Products = products

	if withMembers {
		rows, err := q.QueryContext(ctx, `SELECT `+memberColumns+` FROM stall_members WHERE stall_id = ? ORDER BY id`, id)
		if err != nil {
			return nil, fmt.Errorf("query members: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			mem, err := scanMember(rows)
			if err != nil {
				return nil, err
			}
			st.Members = append(st.Members, mem)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate members: %w", err)
		}
	}
	return st, nil
}

func (m *MySQLAdapter) queryProducts(ctx context.Context, q querier, where string, args ...any) ([]domain.StallProduct, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+productColumns+` FROM stall_products `+where+` ORDER BY sort_order, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.StallProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

func (m *MySQLAdapter) AddProduct(ctx context.Context, p *domain.StallProduct) error {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO stall_products (stall_id, resref, name, original_name, price, quantity,
			consignor_persona, consignor_display_name, is_active, sort_order, item_data,
			listed_utc, updated_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.StallID, p.ResRef, p.Name, p.OriginalName, int64(p.Price), p.Quantity,
		p.ConsignorPersona.String(), p.ConsignorDisplayName, p.IsActive, p.SortOrder, p.ItemData,
		p.ListedUTC.UTC(), p.UpdatedUTC.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("product id: %w", err)
	}
	p.ID = id
	return nil
}

func (m *MySQLAdapter) RemoveProduct(ctx context.Context, productID int64) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM stall_products WHERE id = ?`, productID); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetProductByID(ctx context.Context, productID int64) (*domain.StallProduct, error) {
	p, err := scanProduct(m.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM stall_products WHERE id = ?`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *MySQLAdapter) UpdateProduct(ctx context.Context, productID int64, mutate domain.ProductMutation) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	p, err := scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM stall_products WHERE id = ? FOR UPDATE`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !mutate(&p) {
		return false, nil
	}
	p.UpdatedUTC = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE stall_products SET name = ?, price = ?, quantity = ?, is_active = ?,
			sort_order = ?, updated_utc = ?
		WHERE id = ?`,
		p.Name, int64(p.Price), p.Quantity, p.IsActive, p.SortOrder, p.UpdatedUTC, productID,
	)
	if err != nil {
		return false, fmt.Errorf("update product: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (m *MySQLAdapter) AddLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode ledger metadata: %w", err)
		}
		metadata = b
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stall_ledger_entries (id, stall_id, entry_type, amount, currency,
			description, metadata, occurred_utc, transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.StallID, string(e.EntryType), e.Amount, e.Currency,
		e.Description, metadata, e.OccurredUTC.UTC(), nullUUID(e.TransactionID),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// LedgerEntries lists a stall's ledger, oldest first.
func (m *MySQLAdapter) LedgerEntries(ctx context.Context, stallID int64) ([]domain.LedgerEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, stall_id, entry_type, amount, currency, description, metadata, occurred_utc, transaction_id
		FROM stall_ledger_entries WHERE stall_id = ? ORDER BY occurred_utc, id`, stallID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e        domain.LedgerEntry
			id       string
			typ      string
			metadata []byte
			txID     sql.NullString
		)
		if err := rows.Scan(&id, &e.StallID, &typ, &e.Amount, &e.Currency, &e.Description, &metadata, &e.OccurredUTC, &txID); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.ID, _ = uuid.Parse(id)
		e.EntryType = domain.LedgerEntryType(typ)
		e.Metadata = map[string]string{}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode ledger metadata: %w", err)
			}
		}
		e.TransactionID = parseNullUUID(txID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) AllStalls(ctx context.Context) ([]*domain.Stall, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+stallColumns+` FROM stalls ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query stalls: %w", err)
	}
	defer rows.Close()

	var (
		out  []*domain.Stall
		byID = make(map[int64]*domain.Stall)
	)
	for rows.Next() {
		st, err := scanStall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stall: %w", err)
		}
		out = append(out, st)
		byID[st.ID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stalls: %w", err)
	}

	products, err := m.queryProducts(ctx, m.db, ``)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		if st, ok := byID[p.StallID]; ok {
			st.Products = append(st.Products, p)
		}
	}
	return out, nil
}

func (m *MySQLAdapter) HasActiveOwnershipInArea(ctx context.Context, owner domain.PersonaID, areaResRef string, excludingStallID int64) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM stalls
			WHERE owner_persona = ? AND area_resref = ? AND id <> ? AND is_active = 1
		)`, owner.String(), areaResRef, excludingStallID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query ownership: %w", err)
	}
	return exists, nil
}

func scanStall(row rowScanner) (*domain.Stall, error) {
	var (
		st                                         domain.Stall
		ownerChar, ownerPersona, coinhouse         sql.NullString
		escrow, rent                               int64
		leaseStart, lastPaid, nextDue, susp, deact sql.NullTime
	)
	err := row.Scan(
		&st.ID, &st.Tag, &st.AreaResRef, &st.SettlementTag,
		&ownerChar, &ownerPersona, &st.OwnerDisplayName,
		&st.IsActive, &escrow, &rent,
		&coinhouse, &st.HoldEarningsInStall, &st.DirectPaymentDisabled, &st.CoinhousePaymentDisabled,
		&leaseStart, &lastPaid, &nextDue, &susp, &deact,
		&st.UpdatedUTC, &st.Version,
	)
	if err != nil {
		return nil, err
	}
	st.OwnerCharacterID = parseNullUUID(ownerChar)
	st.OwnerPersona = parsePersona(ownerPersona.String)
	st.CoinHouseAccountID = parseNullUUID(coinhouse)
	st.EscrowBalance = domain.GoldAmount(escrow)
	st.DailyRent = domain.GoldAmount(rent)
	st.LeaseStartUTC = timeOrNil(leaseStart)
	st.LastRentPaidUTC = timeOrNil(lastPaid)
	st.NextRentDueUTC = timeOrNil(nextDue)
	st.SuspendedUTC = timeOrNil(susp)
	st.DeactivatedUTC = timeOrNil(deact)
	st.UpdatedUTC = st.UpdatedUTC.UTC()
	return &st, nil
}

func scanProduct(row rowScanner) (domain.StallProduct, error) {
	var (
		p         domain.StallProduct
		price     int64
		consignor string
	)
	err := row.Scan(
		&p.ID, &p.StallID, &p.ResRef, &p.Name, &p.OriginalName, &price, &p.Quantity,
		&consignor, &p.ConsignorDisplayName, &p.IsActive, &p.SortOrder, &p.ItemData,
		&p.ListedUTC, &p.UpdatedUTC,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan product: %w", err)
	}
	p.Price = domain.GoldAmount(price)
	p.ConsignorPersona = parsePersona(consignor)
	p.ListedUTC = p.ListedUTC.UTC()
	p.UpdatedUTC = p.UpdatedUTC.UTC()
	return p, nil
}

func scanMember(row rowScanner) (domain.StallMember, error) {
	var (
		mem     domain.StallMember
		persona string
		revoked sql.NullTime
	)
	err := row.Scan(
		&mem.ID, &mem.StallID, &persona, &mem.DisplayName,
		&mem.CanManageInventory, &mem.CanConfigureSettings, &mem.CanCollectEarnings,
		&mem.AddedUTC, &revoked,
	)
	if err != nil {
		return mem, fmt.Errorf("scan member: %w", err)
	}
	mem.Persona = parsePersona(persona)
	mem.AddedUTC = mem.AddedUTC.UTC()
	mem.RevokedUTC = timeOrNil(revoked)
	return mem, nil
}

// parsePersona tolerates legacy rows; an unreadable persona is treated as unset.
func parsePersona(s string) domain.PersonaID {
	if strings.TrimSpace(s) == "" {
		return domain.PersonaID{}
	}
	p, err := domain.ParsePersonaID(s)
	if err != nil {
		return domain.PersonaID{}
	}
	return p
}

func nullUUID(u *uuid.UUID) any {
	if u == nil {
		return nil
	}
	return u.String()
}

func parseNullUUID(s sql.NullString) *uuid.UUID {
	if !s.Valid || s.String == "" {
		return nil
	}
	u, err := uuid.Parse(s.String)
	if err != nil {
		return nil
	}
	return &u
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return domain.TimePtr(t.Time)
}
