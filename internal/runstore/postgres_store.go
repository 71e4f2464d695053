package runstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *Run, artifacts []Artifact) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	failures, err := json.Marshal(nonNil(run.Failures))
	if err != nil {
		return fmt.Errorf("failed to encode failures: %w", err)
	}
	meta, err := json.Marshal(run.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}

	query := `
		INSERT INTO runs (id, kind, used_model, failures, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err = s.db.QueryRow(ctx, query, run.ID, run.Kind, run.UsedModel, failures, meta).Scan(&run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	run.Artifacts = run.Artifacts[:0]
	for _, a := range artifacts {
		_, err := s.db.Exec(ctx, `
			INSERT INTO run_artifacts (run_id, name, content_type, body)
			VALUES ($1, $2, $3, $4)
		`, run.ID, a.Name, a.ContentType, a.Body)
		if err != nil {
			return fmt.Errorf("failed to save artifact %s: %w", a.Name, err)
		}
		run.Artifacts = append(run.Artifacts, a.Name)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, kind, used_model, failures, meta, created_at
		FROM runs
		WHERE id = $1
	`
	var r Run
	var failures, meta []byte
	err := s.db.QueryRow(ctx, query, id).Scan(&r.ID, &r.Kind, &r.UsedModel, &failures, &meta, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &r.Failures); err != nil {
			return nil, fmt.Errorf("failed to decode failures: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode meta: %w", err)
		}
	}

	rows, err := s.db.Query(ctx, `SELECT name FROM run_artifacts WHERE run_id = $1 ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan artifact name: %w", err)
		}
		r.Artifacts = append(r.Artifacts, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return &r, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, runID, name string) (*Artifact, error) {
	query := `
		SELECT run_id, name, content_type, body, created_at
		FROM run_artifacts
		WHERE run_id = $1 AND name = $2
	`
	var a Artifact
	err := s.db.QueryRow(ctx, query, runID, name).Scan(&a.RunID, &a.Name, &a.ContentType, &a.Body, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return &a, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
