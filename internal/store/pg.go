package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"cryptoguard/config"
	"cryptoguard/internal/models"
	"cryptoguard/logger"
)

// PGStore persists to PostgreSQL through gorm.
type PGStore struct {
	db  *gorm.DB
	log *logger.Log
}

func NewPGStore(cfg config.PostgresConfig) (*PGStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.ConnString()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPGStoreFromDB(db)
}

// NewPGStoreFromDB migrates the schema on an existing connection.
func NewPGStoreFromDB(db *gorm.DB) (*PGStore, error) {
	if err := db.AutoMigrate(&models.LatencyMeasurement{}, &models.RateLimitRule{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &PGStore{db: db, log: logger.GetLogger()}
	s.log.WithComponent("pg_store").Info("postgres store ready")
	return s, nil
}

func (s *PGStore) SaveLatencyMeasurement(ctx context.Context, m models.LatencyMeasurement) error {
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert latency measurement: %w", err)
	}
	return nil
}

func (s *PGStore) RecentLatency(ctx context.Context, endpoint string, limit int) ([]models.LatencyMeasurement, error) {
	q := s.db.WithContext(ctx).Order("request_time DESC")
	if endpoint != "" {
		q = q.Where("endpoint = ?", endpoint)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.LatencyMeasurement
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query latency: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetRateLimitRule(ctx context.Context, category string) (models.RateLimitRule, bool, error) {
	var rule models.RateLimitRule
	err := s.db.WithContext(ctx).Where("category = ?", category).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RateLimitRule{}, false, nil
	}
	if err != nil {
		return models.RateLimitRule{}, false, fmt.Errorf("query rate limit rule: %w", err)
	}
	return rule, true, nil
}

// SaveRateLimitRule upserts by category.
func (s *PGStore) SaveRateLimitRule(ctx context.Context, rule models.RateLimitRule) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "category"}},
		UpdateAll: true,
	}).Create(&rule).Error
	if err != nil {
		return fmt.Errorf("upsert rate limit rule: %w", err)
	}
	return nil
}

func (s *PGStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
