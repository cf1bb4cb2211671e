package db

import (
	"errors"
	"fmt"
	"log"

	"skysettle/internal/config"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var errDBUnavailable = errors.New("db unavailable")

type Store struct {
	DB *gorm.DB
}

func NewStore(cfg config.Config) (*Store, error) {
	if cfg.PostgresDSN == "" {
		log.Printf("POSTGRES_DSN not set; starting in no-db mode.")
		return &Store{DB: nil}, nil
	}

	gdb, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &Store{DB: gdb}, nil
}

func (s *Store) Available() bool {
	return s != nil && s.DB != nil
}

// Migrate creates the settlement tables plus the per-request audit
// sequence table the hash chain serializes on.
func (s *Store) Migrate() error {
	if !s.Available() {
		return errDBUnavailable
	}
	if err := s.DB.AutoMigrate(
		&PurchaseRequestModel{},
		&AttestationRecordModel{},
		&RandomnessRecordModel{},
		&AuditEventModel{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := s.DB.Exec(
		"CREATE TABLE IF NOT EXISTS request_audit_seq (request_id VARCHAR(66) PRIMARY KEY, seq BIGINT NOT NULL)",
	).Error; err != nil {
		return fmt.Errorf("migrate audit seq: %w", err)
	}
	return nil
}
