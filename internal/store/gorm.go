package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricetracker/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 是 Store 的 MySQL 实现。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建存储实例并执行表结构迁移。
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(
		&model.Item{},
		&model.PriceHistory{},
		&model.Alert{},
		&model.EmbeddingCache{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Transaction 在单个数据库事务中执行 fn。
func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) CreateItem(ctx context.Context, item *model.Item) error {
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *GormStore) ListItems(ctx context.Context, offset, limit int) ([]model.Item, error) {
	items := []model.Item{}
	if limit <= 0 {
		limit = 100
	}
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *GormStore) ListActiveItems(ctx context.Context) ([]model.Item, error) {
	items := []model.Item{}
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *GormStore) GetItem(ctx context.Context, id uint) (*model.Item, error) {
	var item model.Item
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *GormStore) DeactivateItem(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).
		Model(&model.Item{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpdateCurrentPrice(ctx context.Context, id uint, price float64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&model.Item{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_price": price,
			"updated_at":    at,
		}).Error
}

func (s *GormStore) AppendPrice(ctx context.Context, itemID uint, price float64, at time.Time) (*model.PriceHistory, error) {
	entry := model.PriceHistory{
		ItemID:     itemID,
		Price:      price,
		RecordedAt: at,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormStore) ListHistory(ctx context.Context, itemID uint) ([]model.PriceHistory, error) {
	history := []model.PriceHistory{}
	if err := s.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("recorded_at ASC").
		Find(&history).Error; err != nil {
		return nil, err
	}
	return history, nil
}

func (s *GormStore) CreateAlert(ctx context.Context, itemID uint, kind, message string) (*model.Alert, error) {
	alert := model.Alert{
		ItemID:  itemID,
		Kind:    kind,
		Message: message,
	}
	if err := s.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *GormStore) ExistsSimilarMessage(ctx context.Context, itemID uint, kind, substring string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&model.Alert{}).
		Where("item_id = ? AND kind = ? AND message LIKE ?", itemID, kind, "%"+escapeLike(substring)+"%").
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) ListAlerts(ctx context.Context, offset, limit int, unreadOnly bool) ([]model.Alert, error) {
	alerts := []model.Alert{}
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&model.Alert{})
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if err := q.Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *GormStore) GetAlert(ctx context.Context, id uint) (*model.Alert, error) {
	var alert model.Alert
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &alert, nil
}

func (s *GormStore) MarkAlertRead(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).
		Model(&model.Alert{}).
		Where("id = ?", id).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) MarkAllAlertsRead(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Model(&model.Alert{}).
		Where("is_read = ?", false).
		Update("is_read", true).Error
}

func (s *GormStore) DeleteAlert(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Alert{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetEmbedding(ctx context.Context, hash string) ([]float32, bool, error) {
	var entry model.EmbeddingCache
	if err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var vector []float32
	if err := json.Unmarshal(entry.Vector, &vector); err != nil {
		return nil, false, fmt.Errorf("decode cached embedding: %w", err)
	}
	return vector, true, nil
}

func (s *GormStore) PutEmbedding(ctx context.Context, hash string, vector []float32, modelVersion string) error {
	payload, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	entry := model.EmbeddingCache{
		Hash:   hash,
		Vector: datatypes.JSON(payload),
		Model:  modelVersion,
	}
	// 同一哈希重复写入时保持首条不变：缓存条目从不失效。
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoNothing: true,
	}).Create(&entry).Error
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
