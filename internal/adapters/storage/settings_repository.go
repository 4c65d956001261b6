package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/WuChenDi/bitk/internal/ports"
)

// SQLiteSettingsStore implements ports.SettingsStore over the app_settings
// key/value table.
type SQLiteSettingsStore struct {
	db *gorm.DB
}

var _ ports.SettingsStore = (*SQLiteSettingsStore)(nil)

func NewSQLiteSettingsStore(db *gorm.DB) *SQLiteSettingsStore {
	return &SQLiteSettingsStore{db: db}
}

func (s *SQLiteSettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	var m AppSettingModel
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("key = ?", key).First(&m).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return m.Value, true, nil
}

func (s *SQLiteSettingsStore) Set(ctx context.Context, key, value string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Save(&AppSettingModel{Key: key, Value: value}).Error
	}, 3)
}
