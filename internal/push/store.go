// Package push stores browser web-push subscriptions and rings callees
// through them.
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tariel-x/medcall/internal/models"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates it.
// ":memory:" gives a throwaway database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open push database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return NewStore(db)
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.PushSubscription{}); err != nil {
		return nil, fmt.Errorf("migrate push subscriptions: %w", err)
	}
	return &Store{db: db}, nil
}

// Subscribe replaces the user's subscriptions with sub, keeping only the
// latest browser registration.
func (s *Store) Subscribe(ctx context.Context, sub models.PushSubscription) (models.PushSubscription, error) {
	sub.UserID = strings.TrimSpace(sub.UserID)
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	sub.P256DH = strings.TrimSpace(sub.P256DH)
	sub.Auth = strings.TrimSpace(sub.Auth)
	if sub.UserID == "" || sub.Endpoint == "" || sub.P256DH == "" || sub.Auth == "" {
		return sub, errors.New("push: user id, endpoint and keys are required")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? OR endpoint = ?", sub.UserID, sub.Endpoint).
			Delete(&models.PushSubscription{}).Error; err != nil {
			return err
		}
		return tx.Create(&sub).Error
	})
	if err != nil {
		return sub, fmt.Errorf("save push subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&models.PushSubscription{})
	if res.Error != nil {
		return fmt.Errorf("delete push subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) ForUser(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("query push subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&models.PushSubscription{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete push subscription %s: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
