package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
)

// StoredItemModel is one lockup row. Item payloads are zstd compressed.
type StoredItemModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	OwnerPersona    string `gorm:"size:128;not null;index:idx_lockup_owner_bucket,priority:1"`
	StorageID       string `gorm:"size:64;not null;index:idx_lockup_owner_bucket,priority:2"`
	ResRef          string `gorm:"size:32;not null"`
	DisplayName     string `gorm:"size:255"`
	ItemData        []byte
	SourceStallID   int64
	SourceProductID int64
	StoredUTC       time.Time `gorm:"not null;index"`
}

func (StoredItemModel) TableName() string { return "lockup_items" }

// LockupGormStore is the durable lockup bucket store.
type LockupGormStore struct {
	db  *gorm.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// MustInitLockupDB opens the postgres lockup database and migrates it.
func MustInitLockupDB(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		panic(fmt.Sprintf("failed to init lockup db: %v", err))
	}
	if err := db.AutoMigrate(&StoredItemModel{}); err != nil {
		panic(fmt.Sprintf("failed to migrate lockup db: %v", err))
	}
	return db
}

func NewLockupGormStore(db *gorm.DB) (*LockupGormStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &LockupGormStore{db: db, enc: enc, dec: dec}, nil
}

// Store inserts the item. Storing an ID that is already present is a no-op,
// so a sweep retried after a partial failure does not duplicate stock.
func (s *LockupGormStore) Store(ctx context.Context, item domain.StoredItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.StoredUTC.IsZero() {
		item.StoredUTC = time.Now()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(s.toModel(item)).Error
}

func (s *LockupGormStore) ListByOwner(ctx context.Context, owner domain.PersonaID, storageID string) ([]domain.StoredItem, error) {
	var models []StoredItemModel
	err := s.db.WithContext(ctx).
		Where("owner_persona = ? AND storage_id = ?", owner.String(), storageID).
		Order("stored_utc, id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	items := make([]domain.StoredItem, 0, len(models))
	for i := range models {
		item, err := s.toDomain(&models[i])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *LockupGormStore) Get(ctx context.Context, id uuid.UUID) (*domain.StoredItem, error) {
	var model StoredItemModel
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item, err := s.toDomain(&model)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *LockupGormStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Delete(&StoredItemModel{ID: id.String()}).Error
}

func (s *LockupGormStore) CountByOwner(ctx context.Context, owner domain.PersonaID, storageID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&StoredItemModel{}).
		Where("owner_persona = ? AND storage_id = ?", owner.String(), storageID).
		Count(&n).Error
	return int(n), err
}

func (s *LockupGormStore) toModel(item domain.StoredItem) *StoredItemModel {
	var data []byte
	if len(item.ItemData) > 0 {
		data = s.enc.EncodeAll(item.ItemData, nil)
	}
	return &StoredItemModel{
		ID:              item.ID.String(),
		OwnerPersona:    item.OwnerPersona.String(),
		StorageID:       item.StorageID,
		ResRef:          item.ResRef,
		DisplayName:     item.DisplayName,
		ItemData:        data,
		SourceStallID:   item.SourceStallID,
		SourceProductID: item.SourceProductID,
		StoredUTC:       item.StoredUTC.UTC(),
	}
}

func (s *LockupGormStore) toDomain(m *StoredItemModel) (domain.StoredItem, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return domain.StoredItem{}, fmt.Errorf("lockup item id %q: %w", m.ID, err)
	}
	var data []byte
	if len(m.ItemData) > 0 {
		data, err = s.dec.DecodeAll(m.ItemData, nil)
		if err != nil {
			return domain.StoredItem{}, fmt.Errorf("decompress lockup item %s: %w", m.ID, err)
		}
	}
	return domain.StoredItem{
		ID:              id,
		OwnerPersona:    parsePersona(m.OwnerPersona),
		StorageID:       m.StorageID,
		ResRef:          m.ResRef,
		DisplayName:     m.DisplayName,
		ItemData:        data,
		SourceStallID:   m.SourceStallID,
		SourceProductID: m.SourceProductID,
		StoredUTC:       m.StoredUTC.UTC(),
	}, nil
}
