// ABOUTME: SQLite implementation for token usage tracking
// ABOUTME: Stores per-run token consumption reported by agent CLIs

package store

import (
	"context"
	"fmt"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *SessionUsage) error {
	query := `
		INSERT INTO session_usage (
			id, session_id,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.SessionID,
		usage.InputTokens,
		usage.OutputTokens,
		usage.CacheReadTokens,
		usage.CacheWriteTokens,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"session_id", usage.SessionID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetSessionUsage returns the summed usage of every run of a session.
func (s *SQLiteStore) GetSessionUsage(ctx context.Context, sessionID string) (*UsageTotals, error) {
	query := `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0),
			COUNT(*)
		FROM session_usage
		WHERE session_id = ?
	`

	var totals UsageTotals
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&totals.InputTokens,
		&totals.OutputTokens,
		&totals.CacheReadTokens,
		&totals.CacheWriteTokens,
		&totals.Runs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	return &totals, nil
}
