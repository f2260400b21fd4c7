package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sessionRecord is one row per session; the full snapshot lives in Payload.
type sessionRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Mode      string `gorm:"size:16"`
	State     string `gorm:"size:32"`
	TurnCount int
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRecord) TableName() string { return "stage_sessions" }

// SQLStore persists snapshots through gorm.
type SQLStore struct {
	db     *gorm.DB
	ownsDB bool
}

// OpenSQLite opens (or creates) a SQLite database file for snapshots.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// NewSQLStore migrates the schema and returns the store.
func NewSQLStore(db *gorm.DB, ownsDB bool) (*SQLStore, error) {
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &SQLStore{db: db, ownsDB: ownsDB}, nil
}

// Snapshot implements Store.
func (s *SQLStore) Snapshot(ctx context.Context, session chat.Session) error {
	if session.ID == "" {
		return ErrSessionNotFound
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}

	rec := sessionRecord{
		ID:        session.ID,
		Mode:      string(session.Mode),
		State:     session.State,
		TurnCount: session.Turn.TurnCount,
		Payload:   string(payload),
		CreatedAt: session.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"mode", "state", "turn_count", "payload", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// Restore implements Store.
func (s *SQLStore) Restore(ctx context.Context, id string) (chat.Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}

	var session chat.Session
	if err := json.Unmarshal([]byte(rec.Payload), &session); err != nil {
		return chat.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return session, nil
}

// Remove implements Store.
func (s *SQLStore) Remove(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&sessionRecord{}, "id = ?", id).Error
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
