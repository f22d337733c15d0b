package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gluk-w/cbash/internal/database"
	"gorm.io/gorm"
)

// SQLStore is a Store persisted in SQLite through gorm.
type SQLStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewSQLStore opens the SQLite database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, nowFn: time.Now}, nil
}

// SetNowFunc replaces the clock; used by tests to expire windows.
func (s *SQLStore) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

func (s *SQLStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	now := s.nowFn()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c database.Counter
		err := tx.Where("key = ?", key).First(&c).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c = database.Counter{Key: key, Count: 1, ExpiresAt: now.Add(ttl)}
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case !now.Before(c.ExpiresAt):
			c.Count = 1
			c.ExpiresAt = now.Add(ttl)
			if err := tx.Save(&c).Error; err != nil {
				return err
			}
		default:
			c.Count++
			if err := tx.Model(&c).Update("count", c.Count).Error; err != nil {
				return err
			}
		}
		count = c.Count
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sql incr %s: %w", key, err)
	}
	return count, nil
}

func (s *SQLStore) PushCapped(ctx context.Context, key string, value []byte, max int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&database.ListEntry{ListKey: key, Value: value}).Error; err != nil {
			return err
		}
		if max <= 0 {
			return nil
		}
		keep := tx.Model(&database.ListEntry{}).
			Select("id").
			Where("list_key = ?", key).
			Order("id DESC").
			Limit(max)
		return tx.Where("list_key = ? AND id NOT IN (?)", key, keep).Delete(&database.ListEntry{}).Error
	})
	if err != nil {
		return fmt.Errorf("sql push %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Range(ctx context.Context, key string, n int) ([][]byte, error) {
	q := s.db.WithContext(ctx).Where("list_key = ?", key).Order("id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	var entries []database.ListEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("sql range %s: %w", key, err)
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

// PurgeExpired deletes counters whose window has ended.
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.nowFn()).Delete(&database.Counter{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) Ping(context.Context) error {
	return database.Ping(s.db)
}

func (s *SQLStore) Close() error {
	return database.Close(s.db)
}
