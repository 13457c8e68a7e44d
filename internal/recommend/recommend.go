// Package recommend implements the Recommendation Engine (component G):
// weighted multi-modal fusion over the per-modality vector repositories,
// with a diversity-controlled pool/shuffle step.
package recommend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/sonantica/plugin-runtime/internal/vectorstore"
)

// CatalogLookup resolves a subject to its owning artist/album, backed by
// the external relational catalog this runtime does not own.
type CatalogLookup interface {
	ArtistAlbum(ctx context.Context, subjectID string) (artistID, albumID string, err error)
}

// Request is a single recommendation query.
type Request struct {
	SubjectID string
	Weights   map[string]float64
	Limit     int
	Diversity float64
}

// Entry is one ranked recommendation, tagged track/artist/album.
type Entry struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
	ArtistID string  `json:"artist_id,omitempty"`
	AlbumID  string  `json:"album_id,omitempty"`
}

// Engine fuses scores across the vector stores registered for each
// modality name (e.g. "audio", "lyrics", "visual").
type Engine struct {
	stores  map[string]*vectorstore.Store
	catalog CatalogLookup
}

// New builds an Engine over stores, keyed by modality name as it appears
// in a request's weights map. catalog may be nil, in which case artist
// and album aggregation is skipped.
func New(stores map[string]*vectorstore.Store, catalog CatalogLookup) *Engine {
	return &Engine{stores: stores, catalog: catalog}
}

// Recommend runs the weighted-fusion algorithm and returns up to
// req.Limit track entries plus the top-3 aggregated artists and albums.
func (e *Engine) Recommend(ctx context.Context, req Request) ([]Entry, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	diversity := req.Diversity
	if diversity < 0 {
		diversity = 0
	}
	if diversity > 1 {
		diversity = 1
	}

	active, err := e.activeModalities(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return e.discover(ctx, limit)
	}

	var sumW float64
	for _, w := range active {
		sumW += w
	}

	// candidate -> modality -> raw similarity
	contributions := make(map[string]map[string]float64)
	for modality, w := range active {
		store, ok := e.stores[modality]
		if !ok {
			continue
		}
		scores, err := store.ScoreAll(ctx, req.SubjectID)
		if errors.Is(err, vectorstore.ErrNoVector) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recommend: score %s: %w", modality, err)
		}
		for candidate, score := range scores {
			if contributions[candidate] == nil {
				contributions[candidate] = make(map[string]float64)
			}
			contributions[candidate][modality] = score
		}
		_ = w
	}

	type scored struct {
		id    string
		score float64
	}
	fused := make([]scored, 0, len(contributions))
	for candidate, perModality := range contributions {
		var sum float64
		for modality, w := range active {
			sum += w * perModality[modality]
		}
		fused = append(fused, scored{id: candidate, score: sum / sumW})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].id < fused[j].id
	})

	poolSize := int(math.Ceil(float64(limit) * (1 + 4*diversity)))
	if poolSize > len(fused) {
		poolSize = len(fused)
	}
	pool := fused[:poolSize]

	final := make([]scored, len(pool))
	copy(final, pool)
	if diversity > 0.1 && len(final) > limit {
		rand.Shuffle(len(final), func(i, j int) { final[i], final[j] = final[j], final[i] })
	}
	if len(final) > limit {
		final = final[:limit]
	}

	entries := make([]Entry, 0, len(final)+6)
	artistScore := make(map[string]float64)
	albumScore := make(map[string]float64)
	normalizer := float64(poolSize)
	if normalizer == 0 {
		normalizer = 1
	}

	for _, f := range final {
		entry := Entry{
			ID:     f.id,
			Type:   "track",
			Score:  f.score,
			Reason: reasonFor(contributions[f.id]),
		}
		if e.catalog != nil {
			artistID, albumID, err := e.catalog.ArtistAlbum(ctx, f.id)
			if err == nil {
				entry.ArtistID = artistID
				entry.AlbumID = albumID
				if artistID != "" {
					artistScore[artistID] += f.score
				}
				if albumID != "" {
					albumScore[albumID] += f.score
				}
			}
		}
		entries = append(entries, entry)
	}

	entries = append(entries, topN(artistScore, "artist", normalizer, 3)...)
	entries = append(entries, topN(albumScore, "album", normalizer, 3)...)
	return entries, nil
}

// activeModalities selects weighted modalities for which the query
// subject has a vector, falling back to audio-only then to none (which
// signals the caller to run discover instead).
func (e *Engine) activeModalities(ctx context.Context, req Request) (map[string]float64, error) {
	if req.SubjectID == "" {
		return nil, nil
	}
	active := make(map[string]float64)
	for modality, w := range req.Weights {
		if w <= 0 {
			continue
		}
		store, ok := e.stores[modality]
		if !ok {
			continue
		}
		has, err := store.HasVector(ctx, req.SubjectID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("recommend: check %s: %w", modality, err)
		}
		if has {
			active[modality] = w
		}
	}
	if len(active) > 0 {
		return active, nil
	}
	if store, ok := e.stores["audio"]; ok {
		if has, err := store.HasVector(ctx, req.SubjectID); err == nil && has {
			return map[string]float64{"audio": 1}, nil
		}
	}
	return nil, nil
}

// discover returns a random sample from the first registered modality
// store (in map iteration order) that has any vectors, used when no query
// subject or weight produces an active modality. Subjects whose vectors
// live only in other modalities are not part of that sample.
func (e *Engine) discover(ctx context.Context, limit int) ([]Entry, error) {
	for _, store := range e.stores {
		ids, err := store.RandomSample(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("recommend: discover: %w", err)
		}
		if len(ids) == 0 {
			continue
		}
		entries := make([]Entry, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, Entry{ID: id, Type: "track", Reason: "Discovery"})
		}
		return entries, nil
	}
	return nil, nil
}

// reasonFor derives the dominant-modality explanation for one
// candidate's per-modality raw similarity scores. Modalities within 0.2
// of the maximum yield "Balanced" rather than naming one.
func reasonFor(perModality map[string]float64) string {
	if len(perModality) == 0 {
		return ""
	}
	type ms struct {
		modality string
		score    float64
	}
	ranked := make([]ms, 0, len(perModality))
	for m, s := range perModality {
		ranked = append(ranked, ms{m, s})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > 1 && ranked[0].score-ranked[1].score <= 0.2 {
		return "Balanced"
	}
	return capitalize(ranked[0].modality)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// topN returns the top n keys of scores by value descending, normalized
// by dividing through normalizer, tagged with kind.
func topN(scores map[string]float64, kind string, normalizer float64, n int) []Entry {
	type kv struct {
		id    string
		score float64
	}
	ranked := make([]kv, 0, len(scores))
	for id, s := range scores {
		ranked = append(ranked, kv{id, s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	entries := make([]Entry, 0, len(ranked))
	for _, r := range ranked {
		entries = append(entries, Entry{ID: r.id, Type: kind, Score: r.score / normalizer})
	}
	return entries
}
