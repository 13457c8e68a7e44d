// Package vectorstore implements the per-modality Vector Repository
// (component F) on top of Postgres via lib/pq, the same driver/style the
// teacher's exactly-once outbox uses for database/sql access.
package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/lib/pq"
)

// ErrNoVector is returned by Nearest when the query subject has no vector
// in this modality.
var ErrNoVector = errors.New("vectorstore: query subject has no vector")

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Record is a single modality's vector row.
type Record struct {
	SubjectID    string
	Vector       []float64
	ModelVersion string
}

// Neighbor is one nearest-neighbor result: score = 1 - cosine_distance.
type Neighbor struct {
	SubjectID string
	Score     float64
}

// Store is a single modality's vector table.
type Store struct {
	db       *sql.DB
	table    string
	rowCap   int
}

// New builds a Store for modality (e.g. "audio_spectral", "lyrics_semantic",
// "visual_aesthetic", "stems_drums"). rowCap bounds how many candidate rows
// Nearest scans per query, keeping application-side scoring affordable.
func New(db *sql.DB, modality string, rowCap int) (*Store, error) {
	table := "vectors_" + modality
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("vectorstore: invalid modality name %q", modality)
	}
	if rowCap <= 0 {
		rowCap = 5000
	}
	return &Store{db: db, table: table, rowCap: rowCap}, nil
}

// EnsureSchema creates the modality's table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			subject_id    text PRIMARY KEY,
			vector        double precision[] NOT NULL,
			model_version text NOT NULL,
			updated_at    timestamptz NOT NULL DEFAULT now()
		)`, s.table))
	return err
}

// Upsert inserts or updates subjectID's vector; conflict on subject_id
// updates vector and model_version and bumps updated_at.
func (s *Store) Upsert(ctx context.Context, subjectID string, vector []float64, modelVersion string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (subject_id, vector, model_version, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (subject_id) DO UPDATE SET
			vector = EXCLUDED.vector,
			model_version = EXCLUDED.model_version,
			updated_at = now()
	`, s.table), subjectID, pq.Array(vector), modelVersion)
	return err
}

// Get returns subjectID's vector record, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, subjectID string) (Record, error) {
	var rec Record
	rec.SubjectID = subjectID
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT vector, model_version FROM %s WHERE subject_id = $1`, s.table), subjectID)
	if err := row.Scan(pq.Array(&rec.Vector), &rec.ModelVersion); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Nearest returns up to k neighbors of subjectID scored by
// 1 - cosine_distance, descending, excluding subjectID itself. Defined
// only when subjectID has a vector in this modality; otherwise
// ErrNoVector.
func (s *Store) Nearest(ctx context.Context, subjectID string, k int) ([]Neighbor, error) {
	query, err := s.Get(ctx, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoVector
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT subject_id, vector FROM %s WHERE subject_id != $1 LIMIT $2`, s.table),
		subjectID, s.rowCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	neighbors := make([]Neighbor, 0, k)
	for rows.Next() {
		var id string
		var vec []float64
		if err := rows.Scan(&id, pq.Array(&vec)); err != nil {
			return nil, err
		}
		score, ok := cosineScore(query.Vector, vec)
		if !ok {
			continue
		}
		neighbors = append(neighbors, Neighbor{SubjectID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Score > neighbors[j].Score })
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// ScoreAll returns every candidate's similarity score against subjectID's
// vector, excluding subjectID itself, bounded by rowCap rows. Used by the
// recommendation engine to fuse scores across modalities; unlike Nearest
// it does not truncate to k, since fusion happens across stores first.
func (s *Store) ScoreAll(ctx context.Context, subjectID string) (map[string]float64, error) {
	query, err := s.Get(ctx, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoVector
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT subject_id, vector FROM %s WHERE subject_id != $1 LIMIT $2`, s.table),
		subjectID, s.rowCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var vec []float64
		if err := rows.Scan(&id, pq.Array(&vec)); err != nil {
			return nil, err
		}
		if score, ok := cosineScore(query.Vector, vec); ok {
			scores[id] = score
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scores, nil
}

// HasVector reports whether subjectID has a vector in this modality.
func (s *Store) HasVector(ctx context.Context, subjectID string) (bool, error) {
	_, err := s.Get(ctx, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RandomSample returns up to n distinct subject ids that have a vector in
// this modality, in no particular order. Backs the discovery fallback when
// a recommendation request has no usable query subject.
func (s *Store) RandomSample(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT subject_id FROM %s ORDER BY random() LIMIT $1`, s.table), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// cosineScore computes 1 - cosine_distance = dot(u,v)/(|u||v|), i.e. the
// cosine similarity itself for unit-or-near-unit vectors.
func cosineScore(u, v []float64) (float64, bool) {
	if len(u) != len(v) || len(u) == 0 {
		return 0, false
	}
	var dot, nu, nv float64
	for i := range u {
		dot += u[i] * v[i]
		nu += u[i] * u[i]
		nv += v[i] * v[i]
	}
	if nu == 0 || nv == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(nu) * math.Sqrt(nv)), true
}
