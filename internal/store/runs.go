package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ppiankov/patternlens/internal/model"
)

const runColumns = `id, tenant_id, mode, status, version, version_source, namespace, message_root,
	stats, warnings, error, started_at, finished_at`

// CreateRun records the start of a run
func (s *Store) CreateRun(ctx context.Context, run model.RunSummary) error {
	stats, warnings, err := encodeRun(run)
	if err != nil {
		return err
	}
	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, s.tenant, string(run.Mode), string(run.Status), run.Version, string(run.VersionSource),
			run.Namespace, run.MessageRoot, stats, warnings, run.Error,
			formatTime(run.StartedAt), formatTime(run.FinishedAt))
		if err != nil {
			return fmt.Errorf("insert run %s: %w", run.RunID, err)
		}
		return nil
	})
}

// FinishRun stores the final state of a run
func (s *Store) FinishRun(ctx context.Context, run model.RunSummary) error {
	stats, warnings, err := encodeRun(run)
	if err != nil {
		return err
	}
	return s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, version = ?, version_source = ?,
			namespace = ?, message_root = ?, stats = ?, warnings = ?, error = ?, finished_at = ?
			WHERE id = ?`,
			string(run.Status), run.Version, string(run.VersionSource), run.Namespace, run.MessageRoot,
			stats, warnings, run.Error, formatTime(run.FinishedAt), run.RunID)
		if err != nil {
			return fmt.Errorf("update run %s: %w", run.RunID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s: %w", run.RunID, ErrNotFound)
		}
		return nil
	})
}

// GetRun returns one run
func (s *Store) GetRun(ctx context.Context, id string) (*model.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func encodeRun(run model.RunSummary) (string, string, error) {
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return "", "", fmt.Errorf("encode run stats: %w", err)
	}
	warnings := run.Warnings
	if warnings == nil {
		warnings = []model.Warning{}
	}
	w, err := json.Marshal(warnings)
	if err != nil {
		return "", "", fmt.Errorf("encode run warnings: %w", err)
	}
	return string(stats), string(w), nil
}

func scanRun(row rowScanner) (*model.RunSummary, error) {
	var (
		run                   model.RunSummary
		mode, status, source  string
		stats, warnings       string
		startedAt, finishedAt string
	)
	err := row.Scan(&run.RunID, &run.TenantID, &mode, &status, &run.Version, &source, &run.Namespace,
		&run.MessageRoot, &stats, &warnings, &run.Error, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.Mode = model.RunMode(mode)
	run.Status = model.RunStatus(status)
	run.VersionSource = model.VersionSource(source)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTime(finishedAt)
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return nil, fmt.Errorf("decode run stats: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &run.Warnings); err != nil {
		return nil, fmt.Errorf("decode run warnings: %w", err)
	}
	if len(run.Warnings) == 0 {
		run.Warnings = nil
	}
	return &run, nil
}
