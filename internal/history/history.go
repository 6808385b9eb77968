// Package history archives finished matches in Postgres.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"go.uber.org/zap"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type MatchRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RoomCode   string    `gorm:"size:6;not null;index" json:"roomCode"`
	WinnerID   string    `gorm:"size:64" json:"winnerId,omitempty"`
	Tie        bool      `gorm:"not null" json:"tie"`
	Questions  int       `gorm:"not null" json:"questions"`
	Scores     string    `gorm:"type:text;not null" json:"-"`
	FinishedAt time.Time `gorm:"not null;index" json:"finishedAt"`
}

// ScoreMap decodes the stored scores.
func (r MatchRecord) ScoreMap() (map[string]int, error) {
	out := map[string]int{}
	if r.Scores == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Scores), &out); err != nil {
		return nil, fmt.Errorf("decode scores of record %d: %w", r.ID, err)
	}
	return out, nil
}

type Archive struct {
	db  *gorm.DB
	now func() time.Time
	log *zap.Logger
}

// Open connects to Postgres and migrates the records table.
func Open(dsn string, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger:                 newGormLogger(log),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get archive pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	a := New(db, log)
	if err := a.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return a, nil
}

func New(db *gorm.DB, log *zap.Logger) *Archive {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archive{db: db, now: time.Now, log: log}
}

func (a *Archive) Migrate() error {
	if err := a.db.AutoMigrate(&MatchRecord{}); err != nil {
		return fmt.Errorf("archive migration failed: %w", err)
	}
	return nil
}

// Record stores one finished match. Matches not yet finished are skipped.
func (a *Archive) Record(ctx context.Context, code string, m engine.Match) error {
	if m.Phase != engine.PhaseFinished {
		return nil
	}
	scores, err := json.Marshal(m.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	winner, tie := engine.Winner(m)
	rec := MatchRecord{
		RoomCode:   code,
		WinnerID:   winner,
		Tie:        tie,
		Questions:  len(m.Questions),
		Scores:     string(scores),
		FinishedAt: a.now().UTC(),
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to archive match: %w", err)
	}
	return nil
}

// Hook adapts Record to a match finished callback. Failures are logged.
func (a *Archive) Hook(ctx context.Context, code string, m engine.Match) {
	if err := a.Record(ctx, code, m); err != nil {
		a.log.Error("archive failed", zap.String("room", code), zap.Error(err))
	}
}

// ForRoom lists a room's finished matches, newest first.
func (a *Archive) ForRoom(ctx context.Context, code string) ([]MatchRecord, error) {
	var out []MatchRecord
	err := a.db.WithContext(ctx).
		Where("room_code = ?", code).
		Order("finished_at desc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	return out, nil
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
