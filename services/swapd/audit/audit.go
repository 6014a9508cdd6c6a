// Package audit persists every escrow and session event for later export.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"htlcswap/core/types"
)

// Record is the stored form of one event. Attributes are kept as JSON so the
// schema does not change when new event types appear.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"index;not null"`
	Chain      string    `gorm:"index"`
	EscrowID   string    `gorm:"index"`
	SessionID  string    `gorm:"index"`
	Attributes string    `gorm:"type:text;not null"`
	Timestamp  int64     `gorm:"index"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of gorm naming strategy.
func (Record) TableName() string { return "swap_audit_events" }

// Attrs decodes the stored attribute map.
func (r Record) Attrs() map[string]string {
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(r.Attributes), &out)
	return out
}

// Dialector picks the gorm driver for dsn: Postgres for URLs and key/value
// connection strings, SQLite for everything else.
func Dialector(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") ||
		strings.HasPrefix(trimmed, "host=") {
		return postgres.Open(trimmed)
	}
	return sqlite.Open(trimmed)
}

// Open connects to dsn and migrates the audit table.
func Open(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("audit: dsn required")
	}
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return db, nil
}

// Sink writes event records to the audit table.
type Sink struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSink wraps an opened audit database.
func NewSink(db *gorm.DB, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{db: db, logger: log, now: time.Now}
}

// Write stores one event.
func (s *Sink) Write(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return errors.New("audit: nil event")
	}
	raw, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("audit: encode attributes: %w", err)
	}
	rec := Record{
		ID:         uuid.New(),
		Type:       evt.Type,
		Chain:      evt.Attr("chain"),
		EscrowID:   evt.Attr("id"),
		SessionID:  evt.Attr("session"),
		Attributes: string(raw),
		Timestamp:  evt.Timestamp,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Consume writes every event received on ch until ch is closed or ctx ends.
// Write failures are logged and do not stop the loop.
func (s *Sink) Consume(ctx context.Context, ch <-chan *types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Write(ctx, evt); err != nil {
				s.logger.Error("audit: write event", "type", evt.Type, "error", err)
			}
		}
	}
}

// Query narrows List results.
type Query struct {
	Type      string
	Chain     string
	EscrowID  string
	SessionID string
	Since     int64
	Until     int64
	Limit     int
}

// List returns matching records ordered by timestamp.
func List(ctx context.Context, db *gorm.DB, q Query) ([]Record, error) {
	tx := db.WithContext(ctx).Model(&Record{})
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Chain != "" {
		tx = tx.Where("chain = ?", q.Chain)
	}
	if q.EscrowID != "" {
		tx = tx.Where("escrow_id = ?", q.EscrowID)
	}
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if q.Since > 0 {
		tx = tx.Where("timestamp >= ?", q.Since)
	}
	if q.Until > 0 {
		tx = tx.Where("timestamp < ?", q.Until)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []Record
	if err := tx.Order("timestamp asc").Order("created_at asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return out, nil
}
