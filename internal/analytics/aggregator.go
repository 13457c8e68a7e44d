// Package analytics implements the Analytics Aggregator (component H):
// atomic per-event upserts into durable statistics tables, plus
// parallel real-time counters in the key-value store.
package analytics

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Aggregator durably upserts playback events and mirrors them into
// real-time counters.
type Aggregator struct {
	db  *sql.DB
	rt  *realtime
	log *zap.Logger
}

// New builds an Aggregator over db (durable statistics) and the Redis
// client used for real-time counters.
func New(db *sql.DB, rt *RealtimeClient, log *zap.Logger) *Aggregator {
	return &Aggregator{db: db, rt: newRealtime(rt), log: log}
}

// EnsureSchema creates the four statistics tables if they do not exist.
func (a *Aggregator) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS track_stats (
			track_id            text PRIMARY KEY,
			play_count          bigint NOT NULL DEFAULT 0,
			complete_count      bigint NOT NULL DEFAULT 0,
			skip_count          bigint NOT NULL DEFAULT 0,
			total_play_time     bigint NOT NULL DEFAULT 0,
			average_completion  double precision NOT NULL DEFAULT 0,
			last_played_at      timestamptz NOT NULL,
			updated_at          timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS heatmap (
			date           date NOT NULL,
			hour           smallint NOT NULL,
			play_count     bigint NOT NULL DEFAULT 0,
			unique_tracks  bigint NOT NULL DEFAULT 0,
			total_duration bigint NOT NULL DEFAULT 0,
			PRIMARY KEY (date, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS genre_stats (
			genre           text PRIMARY KEY,
			play_count      bigint NOT NULL DEFAULT 0,
			total_play_time bigint NOT NULL DEFAULT 0,
			unique_tracks   bigint NOT NULL DEFAULT 0,
			last_played_at  timestamptz NOT NULL,
			updated_at      timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS streak (
			user_id         text PRIMARY KEY,
			current_streak  bigint NOT NULL DEFAULT 0,
			max_streak      bigint NOT NULL DEFAULT 0,
			total_play_time bigint NOT NULL DEFAULT 0,
			last_played_at  timestamptz NOT NULL,
			updated_at      timestamptz NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Handle durably aggregates ev in a single transaction, then mirrors it
// into the real-time counters. Events with no subject are dropped.
func (a *Aggregator) Handle(ctx context.Context, ev Event) error {
	if ev.SubjectID == "" {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTrackStats(ctx, tx, ev); err != nil {
		return fmt.Errorf("analytics: track_stats: %w", err)
	}
	if err := upsertHeatmap(ctx, tx, ev); err != nil {
		return fmt.Errorf("analytics: heatmap: %w", err)
	}
	if ev.Data.Genre != "" {
		if err := upsertGenreStats(ctx, tx, ev); err != nil {
			return fmt.Errorf("analytics: genre_stats: %w", err)
		}
	}
	if ev.UserOrSessionID != "" {
		if err := upsertStreak(ctx, tx, ev); err != nil {
			return fmt.Errorf("analytics: streak: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("analytics: commit: %w", err)
	}

	if a.rt != nil {
		if err := a.rt.record(ctx, ev); err != nil {
			return fmt.Errorf("analytics: realtime: %w", err)
		}
	}
	return nil
}

// Batch ingests events sequentially on one connection; a failed row
// logs and the batch proceeds, per spec.md §4.H.
func (a *Aggregator) Batch(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := a.Handle(ctx, ev); err != nil {
			a.log.Warn("analytics event failed", zap.String("event_type", ev.EventType),
				zap.String("subject_id", ev.SubjectID), zap.Error(err))
		}
	}
}

func upsertTrackStats(ctx context.Context, tx *sql.Tx, ev Event) error {
	start := boolInt(ev.EventType == EventPlaybackStart)
	complete := boolInt(ev.EventType == EventPlaybackComplete)
	skip := boolInt(ev.EventType == EventPlaybackSkip)
	playTime := durationFor(ev)
	avgCompletion := averageCompletion(ev)
	setCompletion := ev.EventType != EventPlaybackStart

	_, err := tx.ExecContext(ctx, `
		INSERT INTO track_stats (track_id, play_count, complete_count, skip_count, total_play_time, average_completion, last_played_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (track_id) DO UPDATE SET
			play_count = track_stats.play_count + EXCLUDED.play_count,
			complete_count = track_stats.complete_count + EXCLUDED.complete_count,
			skip_count = track_stats.skip_count + EXCLUDED.skip_count,
			total_play_time = track_stats.total_play_time + EXCLUDED.total_play_time,
			average_completion = CASE WHEN $8 THEN EXCLUDED.average_completion ELSE track_stats.average_completion END,
			last_played_at = EXCLUDED.last_played_at,
			updated_at = EXCLUDED.updated_at
	`, ev.SubjectID, start, complete, skip, playTime, avgCompletion, ev.Timestamp, setCompletion)
	return err
}

func upsertHeatmap(ctx context.Context, tx *sql.Tx, ev Event) error {
	start := boolInt(ev.EventType == EventPlaybackStart)
	playTime := durationFor(ev)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO heatmap (date, hour, play_count, unique_tracks, total_duration)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (date, hour) DO UPDATE SET
			play_count = heatmap.play_count + EXCLUDED.play_count,
			unique_tracks = heatmap.unique_tracks + EXCLUDED.unique_tracks,
			total_duration = heatmap.total_duration + EXCLUDED.total_duration
	`, ev.Timestamp.UTC().Format("2006-01-02"), ev.Timestamp.UTC().Hour(), start, playTime)
	return err
}

func upsertGenreStats(ctx context.Context, tx *sql.Tx, ev Event) error {
	start := boolInt(ev.EventType == EventPlaybackStart)
	playTime := durationFor(ev)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO genre_stats (genre, play_count, total_play_time, unique_tracks, last_played_at, updated_at)
		VALUES ($1, $2, $3, $2, $4, $4)
		ON CONFLICT (genre) DO UPDATE SET
			play_count = genre_stats.play_count + EXCLUDED.play_count,
			total_play_time = genre_stats.total_play_time + EXCLUDED.total_play_time,
			last_played_at = EXCLUDED.last_played_at,
			updated_at = EXCLUDED.updated_at
	`, ev.Data.Genre, start, playTime, ev.Timestamp)
	return err
}

func upsertStreak(ctx context.Context, tx *sql.Tx, ev Event) error {
	start := boolInt(ev.EventType == EventPlaybackStart)
	playTime := durationFor(ev)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO streak (user_id, current_streak, max_streak, total_play_time, last_played_at, updated_at)
		VALUES ($1, $2, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			current_streak = streak.current_streak + EXCLUDED.current_streak,
			max_streak = GREATEST(streak.max_streak, streak.current_streak + EXCLUDED.current_streak),
			total_play_time = streak.total_play_time + EXCLUDED.total_play_time,
			last_played_at = EXCLUDED.last_played_at,
			updated_at = EXCLUDED.updated_at
	`, ev.UserOrSessionID, start, playTime, ev.Timestamp)
	return err
}
