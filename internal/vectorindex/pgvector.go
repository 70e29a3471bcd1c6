package vectorindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/models"
)

// Pgvector persists file vectors in PostgreSQL with the pgvector
// extension, namespaced by workspace so one database serves many
// projects. Users supply their own instance via KILN_PGVECTOR_URL.
type Pgvector struct {
	pool      *pgxpool.Pool
	workspace string
	dims      int
}

// NewPgvector connects, migrates the schema, and returns the index.
func NewPgvector(ctx context.Context, connURL, workspace string, dims int) (*Pgvector, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &Pgvector{pool: pool, workspace: workspace, dims: dims}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Str("workspace", workspace).Int("dims", dims).Msg("pgvector index initialized")
	return s, nil
}

func (s *Pgvector) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS kiln_file_vectors (
			workspace  TEXT NOT NULL,
			path       TEXT NOT NULL,
			hash       TEXT NOT NULL DEFAULT '',
			vector     vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (workspace, path)
		);

		CREATE INDEX IF NOT EXISTS idx_kiln_file_vectors_ws ON kiln_file_vectors (workspace);
	`, s.dims)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *Pgvector) Kind() string { return "pgvector" }

func (s *Pgvector) Upsert(ctx context.Context, file models.EmbeddedFile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kiln_file_vectors (workspace, path, hash, vector, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (workspace, path) DO UPDATE SET
			hash = EXCLUDED.hash,
			vector = EXCLUDED.vector,
			updated_at = NOW()`,
		s.workspace, file.Path, file.Hash, vectorLiteral(file.Vector))
	return err
}

func (s *Pgvector) Delete(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM kiln_file_vectors WHERE workspace = $1 AND path = $2",
		s.workspace, path)
	return err
}

func (s *Pgvector) Search(ctx context.Context, vector []float64, k int) ([]models.Retrieved, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT path, 1 - (vector <=> $1) AS score
		FROM kiln_file_vectors
		WHERE workspace = $2
		ORDER BY vector <=> $1
		LIMIT $3`,
		vectorLiteral(vector), s.workspace, k)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var out []models.Retrieved
	for rows.Next() {
		var r models.Retrieved
		if err := rows.Scan(&r.Path, &r.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Pgvector) All(ctx context.Context) ([]models.EmbeddedFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT path, hash, vector::text
		FROM kiln_file_vectors
		WHERE workspace = $1
		ORDER BY path`,
		s.workspace)
	if err != nil {
		return nil, fmt.Errorf("pgvector all: %w", err)
	}
	defer rows.Close()

	var out []models.EmbeddedFile
	for rows.Next() {
		var f models.EmbeddedFile
		var vec string
		if err := rows.Scan(&f.Path, &f.Hash, &vec); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		f.Vector, err = parseVectorLiteral(vec)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Pgvector) Close() error {
	s.pool.Close()
	return nil
}

// vectorLiteral renders a vector in pgvector's text format: [1,2,3]
func vectorLiteral(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}

func parseVectorLiteral(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector literal: %w", err)
		}
		out[i] = f
	}
	return out, nil
}
