// Package history persists run results to a local SQLite database so
// past conformance runs can be reviewed after the process exits.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clickpay/clickconform/internal/scenario"
)

// RunRecord is one stored scenario run.
type RunRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Suite      string    `gorm:"index" json:"suite"`
	StartedAt  time.Time `gorm:"index;not null" json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `gorm:"not null;default:0" json:"total"`
	Succeeded  int       `gorm:"not null;default:0" json:"succeeded"`
	Failed     int       `gorm:"not null;default:0" json:"failed"`

	Scenarios []ScenarioRecord `gorm:"foreignKey:RunID" json:"scenarios,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for the model.
func (RunRecord) TableName() string {
	return "runs"
}

// ScenarioRecord is one scenario outcome within a stored run.
type ScenarioRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID         uuid.UUID `gorm:"type:uuid;index;not null" json:"run_id"`
	Idx           int       `gorm:"not null" json:"idx"`
	Description   string    `json:"description"`
	Action        string    `json:"action"`
	CorrelationID string    `json:"correlation_id"`
	Status        string    `gorm:"index" json:"status"`
	ExpectedError int       `json:"expected_error"`
	ActualError   string    `json:"actual_error"`
	Message       string    `gorm:"type:text" json:"message"`

	Payload  map[string]string `gorm:"type:text;serializer:json" json:"payload"`
	Response map[string]any    `gorm:"type:text;serializer:json" json:"response"`

	DurationMs int64 `json:"duration_ms"`
}

// TableName returns the table name for the model.
func (ScenarioRecord) TableName() string {
	return "run_scenarios"
}

// NewRunRecord converts an executed scenario set into a storable record.
func NewRunRecord(suite string, set []*scenario.TestScenario, startedAt, finishedAt time.Time) *RunRecord {
	rec := &RunRecord{
		ID:         uuid.New(),
		Suite:      suite,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Total:      len(set),
	}

	for _, sc := range set {
		switch sc.Status {
		case scenario.StatusSuccess:
			rec.Succeeded++
		case scenario.StatusError:
			rec.Failed++
		}

		rec.Scenarios = append(rec.Scenarios, ScenarioRecord{
			RunID:         rec.ID,
			Idx:           sc.Idx,
			Description:   sc.Description,
			Action:        string(sc.Action),
			CorrelationID: sc.CorrelationID(),
			Status:        string(sc.Status),
			ExpectedError: sc.ExpectedErrorCode,
			ActualError:   sc.ActualErrorCode,
			Message:       sc.ErrorMessage,
			Payload:       sc.RequestPayload,
			Response:      sc.Response,
			DurationMs:    sc.DurationMs,
		})
	}
	return rec
}

// Store reads and writes run history.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.AutoMigrate(&RunRecord{}, &ScenarioRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing GORM connection without migrating.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun persists a run together with its scenario records.
func (s *Store) SaveRun(ctx context.Context, rec *RunRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// Run retrieves one run with its scenarios. Returns nil when the run
// does not exist.
func (s *Store) Run(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).
		Preload("Scenarios", func(db *gorm.DB) *gorm.DB {
			return db.Order("idx ASC")
		}).
		First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// RecentRuns lists the most recent runs, newest first, without their
// scenario details.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []RunRecord
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// PruneOlderThan removes runs started before the cutoff, with their
// scenarios. Returns the number of runs removed.
func (s *Store) PruneOlderThan(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&RunRecord{}).Select("id").Where("started_at < ?", before)
		if err := tx.Where("run_id IN (?)", sub).Delete(&ScenarioRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("started_at < ?", before).Delete(&RunRecord{})
		pruned = res.RowsAffected
		return res.Error
	})
	return pruned, err
}
