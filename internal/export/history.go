package export

import (
	"context"
	"fmt"
	"time"

	"github.com/qoptics/wavemeterd/internal/infrastructure/database"
)

// Recent limit clamps. The HTTP history endpoint shares these.
const (
	// DefaultRecentLimit is used when a caller asks for zero or fewer rows.
	DefaultRecentLimit = 50

	// MaxRecentLimit caps a single history query.
	MaxRecentLimit = 500
)

// HistoryRepository stores bin summaries and serves them back newest
// first. The exporter writes through it; the HTTP API reads through it.
type HistoryRepository interface {
	// Record persists one summary.
	Record(ctx context.Context, s Summary) error

	// Recent returns up to limit summaries for the channel, newest first.
	// A limit of zero or below falls back to DefaultRecentLimit and
	// anything above MaxRecentLimit is clamped.
	Recent(ctx context.Context, channel string, limit int) ([]Summary, error)
}

// History is the SQLite-backed HistoryRepository, storing rows in the
// bin_history table created by the migrations.
type History struct {
	db *database.DB
}

// Compile-time interface check.
var _ HistoryRepository = (*History)(nil)

// NewHistory creates a History on an open database. The caller is
// responsible for having run migrations.
func NewHistory(db *database.DB) *History {
	return &History{db: db}
}

// Record persists one summary. Timestamps are stored as Unix
// milliseconds so bins flushed within the same second keep their order.
func (h *History) Record(ctx context.Context, s Summary) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO bin_history (
			id, channel,
			min_value, p20_value, mean_value, p80_value, max_value,
			sample_count, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Channel,
		s.Min, s.P20, s.Mean, s.P80, s.Max,
		s.Count, s.Time.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording bin summary: %w", err)
	}
	return nil
}

// Recent returns up to limit summaries for the channel, newest first.
func (h *History) Recent(ctx context.Context, channel string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, channel,
			min_value, p20_value, mean_value, p80_value, max_value,
			sample_count, finished_at
		FROM bin_history
		WHERE channel = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`,
		channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying bin history: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var finishedAt int64
		if err := rows.Scan(
			&s.ID, &s.Channel,
			&s.Min, &s.P20, &s.Mean, &s.P80, &s.Max,
			&s.Count, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning bin history row: %w", err)
		}
		s.Time = time.UnixMilli(finishedAt).UTC()
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bin history: %w", err)
	}
	return summaries, nil
}
