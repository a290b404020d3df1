package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"render-orchestrator/internal/models"
)

// ErrRunNotFound is returned when no run matches a lookup.
var ErrRunNotFound = errors.New("run not found")

// Store wraps pgxpool for Postgres persistence of runs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateRunParams collects inputs required to insert a run.
type CreateRunParams struct {
	HumanID      string
	Owner        string
	Input        map[string]any
	MediaOptions map[string]any
	Preferences  map[string]any
	Toggles      map[string]any
}

// CreateRun inserts a run row with status queued and a fresh internal id.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, error) {
	run := models.Run{
		ID:           uuid.New().String(),
		HumanID:      p.HumanID,
		Owner:        p.Owner,
		Input:        p.Input,
		MediaOptions: p.MediaOptions,
		Preferences:  p.Preferences,
		Toggles:      p.Toggles,
		OutputFiles:  []models.OutputFile{},
		Status:       models.StatusQueued,
		DateCreated:  time.Now().UTC(),
	}

	input, mediaOptions, preferences, toggles, outputFiles, err := marshalDocs(run)
	if err != nil {
		return models.Run{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, human_id, owner, input, media_options, preferences, toggles, output_files, status, date_created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.HumanID, run.Owner, input, mediaOptions, preferences, toggles, outputFiles, run.Status, run.DateCreated)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

const runColumns = `id, human_id, owner, input, media_options, preferences, toggles, output_files, status, date_created, date_completed`

// GetRun fetches a run by internal id.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// FindRun resolves a public identifier: an internal id looks up directly,
// anything else is treated as a human id scoped to the owner, newest first.
func (s *Store) FindRun(ctx context.Context, id, owner string) (models.Run, error) {
	if _, err := uuid.Parse(id); err == nil {
		return s.GetRun(ctx, id)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE human_id = $1 AND owner = $2
		ORDER BY date_created DESC LIMIT 1
	`, id, owner)
	return scanRun(row)
}

// ListRuns returns an owner's runs sorted by creation date descending, with
// the total count for pagination.
func (s *Store) ListRuns(ctx context.Context, owner string, page, limit int) (int64, []models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if page > 1 {
		offset = (page - 1) * limit
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE owner = $1`, owner).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE owner = $1
		ORDER BY date_created DESC
		OFFSET $2 LIMIT $3
	`, owner, offset, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return 0, nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate runs: %w", err)
	}
	return total, runs, nil
}

// CurrentRun returns the owner's most recent run with no completion date.
func (s *Store) CurrentRun(ctx context.Context, owner string) (models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE owner = $1 AND date_completed IS NULL
		ORDER BY date_created DESC LIMIT 1
	`, owner)
	return scanRun(row)
}

// CountIncomplete counts the owner's runs with no completion date.
func (s *Store) CountIncomplete(ctx context.Context, owner string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs WHERE owner = $1 AND date_completed IS NULL
	`, owner).Scan(&n); err != nil {
		return 0, fmt.Errorf("count incomplete runs: %w", err)
	}
	return n, nil
}

// CountRuns returns the total number of persisted runs.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// CountOwners returns the number of distinct run owners.
func (s *Store) CountOwners(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT owner) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count owners: %w", err)
	}
	return n, nil
}

// ReplaceRun writes the full run row. Lifecycle mutations are always a
// read-modify-write of the whole record.
func (s *Store) ReplaceRun(ctx context.Context, run models.Run) error {
	input, mediaOptions, preferences, toggles, outputFiles, err := marshalDocs(run)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET human_id = $2, owner = $3, input = $4, media_options = $5, preferences = $6,
		    toggles = $7, output_files = $8, status = $9, date_created = $10, date_completed = $11
		WHERE id = $1
	`, run.ID, run.HumanID, run.Owner, input, mediaOptions, preferences, toggles, outputFiles, run.Status, run.DateCreated, run.DateCompleted)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func marshalDocs(run models.Run) (input, mediaOptions, preferences, toggles, outputFiles []byte, err error) {
	if input, err = json.Marshal(run.Input); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal input: %w", err)
	}
	if mediaOptions, err = json.Marshal(run.MediaOptions); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal media options: %w", err)
	}
	if preferences, err = json.Marshal(run.Preferences); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal preferences: %w", err)
	}
	if toggles, err = json.Marshal(run.Toggles); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal toggles: %w", err)
	}
	if run.OutputFiles == nil {
		run.OutputFiles = []models.OutputFile{}
	}
	if outputFiles, err = json.Marshal(run.OutputFiles); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal output files: %w", err)
	}
	return input, mediaOptions, preferences, toggles, outputFiles, nil
}

func scanRun(row pgx.Row) (models.Run, error) {
	var run models.Run
	var input, mediaOptions, preferences, toggles, outputFiles []byte
	var completed pgtype.Timestamptz

	err := row.Scan(&run.ID, &run.HumanID, &run.Owner, &input, &mediaOptions, &preferences,
		&toggles, &outputFiles, &run.Status, &run.DateCreated, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, ErrRunNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(input, &run.Input); err != nil {
		return models.Run{}, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := json.Unmarshal(mediaOptions, &run.MediaOptions); err != nil {
		return models.Run{}, fmt.Errorf("unmarshal media options: %w", err)
	}
	if err := json.Unmarshal(preferences, &run.Preferences); err != nil {
		return models.Run{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	if err := json.Unmarshal(toggles, &run.Toggles); err != nil {
		return models.Run{}, fmt.Errorf("unmarshal toggles: %w", err)
	}
	if err := json.Unmarshal(outputFiles, &run.OutputFiles); err != nil {
		return models.Run{}, fmt.Errorf("unmarshal output files: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		run.DateCompleted = &t
	}
	return run, nil
}
