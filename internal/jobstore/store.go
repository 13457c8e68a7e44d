// Package jobstore implements the durable Job Store (component A): a
// per-plugin hash/index/active-set structure backed by Redis, the same
// key-value store the teacher job-queue system uses for its own state.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sonantica/plugin-runtime/internal/jobqueue"
)

// ErrNotFound is returned by Get/FindBySubject when no record exists.
var ErrNotFound = errors.New("jobstore: not found")

// ErrUnavailable wraps failures reaching the underlying Redis instance;
// callers classify this as retriable (store-unavailable in spec terms).
var ErrUnavailable = errors.New("jobstore: store unavailable")

const jobTTL = 7 * 24 * time.Hour

// Store is the durable Job Store for a single plugin namespace.
type Store struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

// New builds a Store scoped to namespace (e.g. "embedding", "downloader").
func New(rdb *redis.Client, namespace string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = jobTTL
	}
	return &Store{rdb: rdb, namespace: namespace, ttl: ttl}
}

func (s *Store) jobKey(id string) string     { return fmt.Sprintf("%s:job:%s", s.namespace, id) }
func (s *Store) statusKey(id string) string  { return fmt.Sprintf("%s:job:%s:status", s.namespace, id) }
func (s *Store) subjectKey(sub string) string { return fmt.Sprintf("%s:track:%s", s.namespace, sub) }
func (s *Store) activeSetKey() string        { return fmt.Sprintf("%s:active_ids", s.namespace) }
func (s *Store) cooldownKey() string         { return fmt.Sprintf("%s:cooldown", s.namespace) }
func (s *Store) recentKey() string           { return fmt.Sprintf("%s:recent_ids", s.namespace) }

// recentCap bounds the recent-jobs index (used by the downloader's list
// operation) so it cannot grow without bound.
const recentCap = 1000

// reserveScript atomically claims the subject index for newID unless a
// live job (pending, processing, or completed) already owns it, or the
// owner's reservation has not been saved yet (no status shadow), in which
// case it returns that job's id instead. Adapted from the teacher's
// exactly_once check-and-reserve Lua script: GET-then-SET from Go would
// let two concurrent creates for the same new subject both observe no
// existing index and both reserve, so the check and the reservation must
// happen in one round-trip.
const reserveScript = `
local current = redis.call('GET', KEYS[1])
if not current then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return ARGV[1]
end
local status = redis.call('GET', ARGV[3] .. current .. ARGV[4])
if not status or status == 'pending' or status == 'processing' or status == 'completed' then
	return current
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return ARGV[1]
`

// ReserveSubject atomically checks the subject index for subjectID and
// either claims it for newID or returns the id of the live job already
// holding it. Callers compare the returned id against newID: equal means
// the reservation succeeded and a new job should be minted and saved;
// unequal means another job already holds the subject (including one that
// won a concurrent reservation) and the caller should treat the returned
// id as the dedup hit.
func (s *Store) ReserveSubject(ctx context.Context, subjectID, newID string) (string, error) {
	prefix := fmt.Sprintf("%s:job:", s.namespace)
	res, err := s.rdb.Eval(ctx, reserveScript, []string{s.subjectKey(subjectID)},
		newID, int(s.ttl.Seconds()), prefix, ":status").Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("jobstore: unexpected reserve result %T", res)
	}
	return id, nil
}

// Save persists job, refreshing its TTL, subject index, status shadow, and
// active-set membership in a single pipelined round-trip so a crash cannot
// leave active-set membership inconsistent with status for longer than
// that round-trip.
func (s *Store) Save(ctx context.Context, job jobqueue.Job) error {
	body, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("jobstore: marshal: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), body, s.ttl)
	pipe.Set(ctx, s.statusKey(job.ID), string(job.Status), s.ttl)
	pipe.Set(ctx, s.subjectKey(job.SubjectID), job.ID, s.ttl)
	if job.Status.Terminal() {
		pipe.SRem(ctx, s.activeSetKey(), job.ID)
	} else {
		pipe.SAdd(ctx, s.activeSetKey(), job.ID)
	}
	pipe.ZAdd(ctx, s.recentKey(), redis.Z{Score: float64(job.CreatedAt.Unix()), Member: job.ID})
	pipe.ZRemRangeByRank(ctx, s.recentKey(), 0, -(recentCap + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the job with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (jobqueue.Job, error) {
	body, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return jobqueue.Job{}, ErrNotFound
	}
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	job, err := jobqueue.Unmarshal(body)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("jobstore: %w", err)
	}
	return job, nil
}

// FindBySubject returns the latest indexed job for subjectID, or
// ErrNotFound if no job has ever been created for it.
func (s *Store) FindBySubject(ctx context.Context, subjectID string) (jobqueue.Job, error) {
	id, err := s.rdb.Get(ctx, s.subjectKey(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return jobqueue.Job{}, ErrNotFound
	}
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.Get(ctx, id)
}

// ListActive returns ids currently in the active-set, i.e. all non-terminal
// jobs. Used solely for restart recovery.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// ListRecent returns up to limit of the most recently created jobs, most
// recent first, optionally filtered to a single status. Powers the Job
// API's list operation (downloader plugin only).
func (s *Store) ListRecent(ctx context.Context, status jobqueue.Status, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	// Over-fetch to absorb status filtering without an extra round-trip
	// in the common case.
	fetch := limit
	if status != "" {
		fetch = limit * 4
		if fetch > recentCap {
			fetch = recentCap
		}
	}
	ids, err := s.rdb.ZRevRange(ctx, s.recentKey(), 0, int64(fetch-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	jobs := make([]jobqueue.Job, 0, limit)
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // TTL-expired, stale index entry
		}
		if err != nil {
			return nil, err
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
		if len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

// SetCooldown raises the advisory cooldown flag for the given duration.
func (s *Store) SetCooldown(ctx context.Context, d time.Duration) error {
	if err := s.rdb.Set(ctx, s.cooldownKey(), "1", d).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// InCooldown reports whether the cooldown flag is currently set.
func (s *Store) InCooldown(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.cooldownKey()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}
