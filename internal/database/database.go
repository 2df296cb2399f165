// Package database persists session history in sqlite.
package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/edurange/termbridge/internal/session"
	"github.com/edurange/termbridge/internal/wire"
)

// Store is the session history store. It implements session.Recorder.
type Store struct {
	db *gorm.DB
}

var _ session.Recorder = (*Store)(nil)

// Open opens (creating if needed) the sqlite database at path. ":memory:"
// gives a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) SessionOpened(info session.Info) error {
	rec := SessionRecord{
		SessionID: info.ID,
		Target:    info.Target.Workload,
		Container: info.Target.Container,
		Transport: string(info.Transport),
		Cols:      info.Dims.Cols,
		Rows:      info.Dims.Rows,
		OpenedAt:  info.CreatedAt,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("insert session %s: %w", info.ID, err)
	}
	return nil
}

func (s *Store) SessionClosed(info session.Info) error {
	closedAt := info.ClosedAt
	res := s.db.Model(&SessionRecord{}).
		Where("session_id = ?", info.ID).
		Updates(map[string]any{
			"closed_at":    &closedAt,
			"close_reason": info.CloseReason,
			"bytes_in":     info.BytesIn,
			"bytes_out":    info.BytesOut,
			"cols":         info.Dims.Cols,
			"rows":         info.Dims.Rows,
		})
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", info.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update session %s: no history row", info.ID)
	}
	return nil
}

// ListHistory returns the most recent sessions first, optionally filtered
// by target. A limit <= 0 returns at most 100 rows.
func (s *Store) ListHistory(target string, limit int) ([]wire.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Order("opened_at DESC").Limit(limit)
	if target != "" {
		q = q.Where("target = ?", target)
	}

	var rows []SessionRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	out := make([]wire.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, wire.HistoryEntry{
			SessionID:   r.SessionID,
			Target:      r.Target,
			Container:   r.Container,
			Transport:   r.Transport,
			OpenedAt:    r.OpenedAt,
			ClosedAt:    r.ClosedAt,
			CloseReason: r.CloseReason,
			BytesIn:     r.BytesIn,
			BytesOut:    r.BytesOut,
		})
	}
	return out, nil
}
