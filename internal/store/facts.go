package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ppiankov/patternlens/internal/model"
)

// InsertFacts stores NodeFacts. A fact already stored for the same
// (run, section, ordinal) is ignored, so redelivery is harmless.
func (s *Store) InsertFacts(ctx context.Context, facts []model.NodeFact) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO node_facts
			(id, run_id, tenant_id, version, message_root, section, node_type, ordinal, payload, masked, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, section, ordinal) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range facts {
			payload, err := json.Marshal(f.Payload)
			if err != nil {
				return fmt.Errorf("encode payload of %s#%d: %w", f.Section, f.Ordinal, err)
			}
			res, err := stmt.ExecContext(ctx, f.ID, f.RunID, s.tenant, f.Version, f.MessageRoot, f.Section,
				f.NodeType, f.Ordinal, string(payload), boolInt(f.Masked), formatTime(f.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert fact %s#%d: %w", f.Section, f.Ordinal, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// ListFacts returns the facts of a run in section and document order
func (s *Store) ListFacts(ctx context.Context, runID string) ([]model.NodeFact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, tenant_id, version, message_root, section,
		node_type, ordinal, payload, masked, created_at
		FROM node_facts WHERE run_id = ? ORDER BY section, ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []model.NodeFact
	for rows.Next() {
		var (
			f         model.NodeFact
			payload   string
			masked    int
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.TenantID, &f.Version, &f.MessageRoot, &f.Section,
			&f.NodeType, &f.Ordinal, &payload, &masked, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &f.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", f.ID, err)
		}
		f.Masked = masked != 0
		f.CreatedAt = parseTime(createdAt)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// InsertRelationships stores the relationships of a run
func (s *Store) InsertRelationships(ctx context.Context, rels []model.NodeRelationship) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO node_relationships
			(id, run_id, source_section, source_ordinal, source_node_type, target_section,
			 reference_type, field_name, raw_value, valid, expected, confidence, matched_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rels {
			_, err := stmt.ExecContext(ctx, r.ID, r.RunID, r.SourceSection, r.SourceOrdinal, r.SourceNodeType,
				r.TargetSection, r.ReferenceType, r.FieldName, r.RawValue, boolInt(r.Valid), boolInt(r.Expected),
				r.Confidence, r.MatchedBy)
			if err != nil {
				return fmt.Errorf("insert relationship %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// ListRelationships returns the relationships of a run
func (s *Store) ListRelationships(ctx context.Context, runID string) ([]model.NodeRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, source_section, source_ordinal, source_node_type,
		target_section, reference_type, field_name, raw_value, valid, expected, confidence, matched_by
		FROM node_relationships WHERE run_id = ?
		ORDER BY source_section, target_section, source_ordinal, field_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var rels []model.NodeRelationship
	for rows.Next() {
		var (
			r               model.NodeRelationship
			valid, expected int
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.SourceSection, &r.SourceOrdinal, &r.SourceNodeType,
			&r.TargetSection, &r.ReferenceType, &r.FieldName, &r.RawValue, &valid, &expected,
			&r.Confidence, &r.MatchedBy); err != nil {
			return nil, err
		}
		r.Valid = valid != 0
		r.Expected = expected != 0
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
