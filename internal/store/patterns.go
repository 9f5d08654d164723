package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/pattern"
	"go.uber.org/zap"
)

const patternColumns = `id, tenant_scope, version, message_root, section, node_type, rule, signature_hash,
	times_seen, supersedes_id, examples, created_at, updated_at`

// UpsertPattern inserts p, or folds it into the stored pattern with the same
// signature. Counters advance only the first time a run is observed.
func (s *Store) UpsertPattern(ctx context.Context, p model.Pattern, runID string) (model.PatternDelta, error) {
	var delta model.PatternDelta

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		var supersedes string
		err := tx.QueryRowContext(ctx, `SELECT id FROM patterns
			WHERE tenant_scope = ? AND version = ? AND message_root = ? AND section = ? AND node_type = ?
			AND signature_hash <> ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1`,
			p.TenantScope, p.Version, p.MessageRoot, p.Section, p.NodeType, p.SignatureHash).Scan(&supersedes)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find superseded pattern: %w", err)
		}

		candidate := p
		candidate.TimesSeen = 1
		candidate.SupersedesID = supersedes
		candidate.CreatedAt = now
		candidate.UpdatedAt = now
		if len(candidate.Examples) > pattern.MaxExamples {
			candidate.Examples = candidate.Examples[:pattern.MaxExamples]
		}
		rule, examples, err := encodePattern(candidate)
		if err != nil {
			return err
		}

		var id string
		err = tx.QueryRowContext(ctx, `INSERT INTO patterns (`+patternColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_scope, signature_hash) DO UPDATE SET updated_at = patterns.updated_at
			RETURNING id`,
			candidate.ID, candidate.TenantScope, candidate.Version, candidate.MessageRoot, candidate.Section,
			candidate.NodeType, rule, candidate.SignatureHash, candidate.TimesSeen, candidate.SupersedesID,
			examples, formatTime(now), formatTime(now)).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert pattern: %w", err)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO pattern_observations (pattern_id, run_id, observed_at)
			VALUES (?, ?, ?) ON CONFLICT (pattern_id, run_id) DO NOTHING`, id, runID, formatTime(now))
		if err != nil {
			return fmt.Errorf("record observation: %w", err)
		}
		observed, _ := res.RowsAffected()

		if id == candidate.ID {
			delta = model.PatternDelta{Action: model.DeltaCreated, Pattern: candidate}
			return nil
		}

		existing, err := scanPattern(tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("load pattern %s: %w", id, err)
		}
		if observed == 0 {
			delta = model.PatternDelta{Action: model.DeltaUnchanged, Pattern: *existing}
			return nil
		}

		updated := pattern.Absorb(*existing, p, now)
		rule, examples, err = encodePattern(updated)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE patterns SET times_seen = ?, rule = ?, examples = ?, updated_at = ?
			WHERE id = ?`, updated.TimesSeen, rule, examples, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("update pattern %s: %w", id, err)
		}
		delta = model.PatternDelta{Action: model.DeltaUpdated, Pattern: updated}
		return nil
	})
	if err != nil {
		return model.PatternDelta{}, err
	}

	s.logger.Debug("Pattern stored",
		zap.String("pattern_id", delta.Pattern.ID),
		zap.String("action", string(delta.Action)))
	return delta, nil
}

// GetPattern returns one pattern
func (s *Store) GetPattern(ctx context.Context, id string) (*model.Pattern, error) {
	p, err := scanPattern(s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	return p, err
}

// PatternFilter selects stored patterns; empty fields match everything
type PatternFilter struct {
	Scopes      []string
	MessageRoot string
	Version     string
}

// ListPatterns returns the patterns matching filter ordered by id
func (s *Store) ListPatterns(ctx context.Context, filter PatternFilter) ([]model.Pattern, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Scopes) > 0 {
		where = append(where, "tenant_scope IN (?"+strings.Repeat(", ?", len(filter.Scopes)-1)+")")
		for _, scope := range filter.Scopes {
			args = append(args, scope)
		}
	}
	if filter.MessageRoot != "" {
		where = append(where, "message_root = ?")
		args = append(args, filter.MessageRoot)
	}
	if filter.Version != "" {
		where = append(where, "version = ?")
		args = append(args, filter.Version)
	}

	query := `SELECT ` + patternColumns + ` FROM patterns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []model.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// Candidates returns the in-scope patterns of an identify query
func (s *Store) Candidates(ctx context.Context, q model.PatternQuery) ([]model.Pattern, error) {
	if len(q.Scopes) == 0 {
		return nil, nil
	}
	filter := PatternFilter{Scopes: q.Scopes, MessageRoot: q.MessageRoot}
	if !q.CrossVersion {
		filter.Version = q.Version
		if q.Version == "" {
			return nil, nil
		}
	}
	return s.ListPatterns(ctx, filter)
}

// IncrementTimesSeen records a high-confidence match
func (s *Store) IncrementTimesSeen(ctx context.Context, patternID string) error {
	return s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE patterns SET times_seen = times_seen + 1, updated_at = ?
			WHERE id = ?`, formatTime(time.Now()), patternID)
		if err != nil {
			return fmt.Errorf("increment pattern %s: %w", patternID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pattern %s: %w", patternID, ErrNotFound)
		}
		return nil
	})
}

func encodePattern(p model.Pattern) (string, string, error) {
	rule, err := json.Marshal(p.Rule)
	if err != nil {
		return "", "", fmt.Errorf("encode rule: %w", err)
	}
	examples := p.Examples
	if examples == nil {
		examples = []string{}
	}
	ex, err := json.Marshal(examples)
	if err != nil {
		return "", "", fmt.Errorf("encode examples: %w", err)
	}
	return string(rule), string(ex), nil
}

func scanPattern(row rowScanner) (*model.Pattern, error) {
	var (
		p                    model.Pattern
		rule, examples       string
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.TenantScope, &p.Version, &p.MessageRoot, &p.Section, &p.NodeType, &rule,
		&p.SignatureHash, &p.TimesSeen, &p.SupersedesID, &examples, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rule), &p.Rule); err != nil {
		return nil, fmt.Errorf("decode rule of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(examples), &p.Examples); err != nil {
		return nil, fmt.Errorf("decode examples of %s: %w", p.ID, err)
	}
	if len(p.Examples) == 0 {
		p.Examples = nil
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
