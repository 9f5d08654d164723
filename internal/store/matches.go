package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ppiankov/patternlens/internal/model"
)

// InsertMatches appends match records
func (s *Store) InsertMatches(ctx context.Context, matches []model.PatternMatch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO pattern_matches
			(id, run_id, node_fact_id, section, ordinal, pattern_id, confidence, verdict, factors, penalty, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range matches {
			factors := m.Factors
			if factors == nil {
				factors = []model.Factor{}
			}
			data, err := json.Marshal(factors)
			if err != nil {
				return fmt.Errorf("encode factors of %s: %w", m.ID, err)
			}
			_, err = stmt.ExecContext(ctx, m.ID, m.RunID, m.NodeFactID, m.Section, m.Ordinal, m.PatternID,
				m.Confidence, string(m.Verdict), string(data), m.Penalty, formatTime(m.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert match %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// ListMatches returns the matches of a run in section and document order
func (s *Store) ListMatches(ctx context.Context, runID string) ([]model.PatternMatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, node_fact_id, section, ordinal, pattern_id,
		confidence, verdict, factors, penalty, created_at
		FROM pattern_matches WHERE run_id = ? ORDER BY section, ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var matches []model.PatternMatch
	for rows.Next() {
		var (
			m                model.PatternMatch
			verdict, factors string
			createdAt        string
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.NodeFactID, &m.Section, &m.Ordinal, &m.PatternID,
			&m.Confidence, &verdict, &factors, &m.Penalty, &createdAt); err != nil {
			return nil, err
		}
		m.Verdict = model.Verdict(verdict)
		m.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(factors), &m.Factors); err != nil {
			return nil, fmt.Errorf("decode factors of %s: %w", m.ID, err)
		}
		if len(m.Factors) == 0 {
			m.Factors = nil
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
