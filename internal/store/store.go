// Package store implements the Persistence Layer (spec.md §4.G) over
// modernc.org/sqlite (pure-Go, no cgo), grounded on
// marcopennelli-orbo/internal/database/database.go's connection/migration
// convention. knn() is a Go-side linear cosine scan: no vector-search
// library appears anywhere in the retrieved example pack.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"sentrymesh/internal/model"
)

// Store wraps a sqlite-backed gallery of global persons plus a bounded
// read-through LRU cache, mirroring Database's *sql.DB wrapper shape.
type Store struct {
	db    *sql.DB
	cache *lru.Cache[uint64, *model.GlobalPerson]
}

// New opens (creating if needed) the sqlite database at path and runs
// migrations, following Database.New/Migrate's two-step convention.
func New(path string, cacheSize int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}

	cache, err := lru.New[uint64, *model.GlobalPerson](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: build cache: %w", err)
	}

	s := &Store{db: db, cache: cache}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS global_persons (
		global_id INTEGER PRIMARY KEY,
		canonical_embedding TEXT NOT NULL,
		best_quality REAL NOT NULL DEFAULT 0,
		assigned_name TEXT NOT NULL DEFAULT '',
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		total_appearances INTEGER NOT NULL DEFAULT 0,
		cameras_visited TEXT NOT NULL DEFAULT '[]',
		avg_height_pixels REAL NOT NULL DEFAULT 0,
		avg_width_pixels REAL NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	)`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_global_persons_last_seen ON global_persons(last_seen DESC)`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// row is the flat wire shape persisted to the global_persons table, i.e.
// spec.md §6's persisted gallery record. camera_tracks/camera_positions are
// explicitly NOT persisted — they are cleared on load (spec.md §9).
// avg_height_pixels/avg_width_pixels are derived, informational-only
// columns (SPEC_FULL.md §12) recomputed from the in-memory
// CameraPositions at every sync; they play no role in matching and are
// never read back into CameraPositions on load.
type row struct {
	GlobalID           uint64
	CanonicalEmbedding []float32
	BestQuality        float32
	AssignedName       string
	FirstSeen          time.Time
	LastSeen           time.Time
	TotalAppearances   uint64
	CamerasVisited     []string
	AvgHeightPixels    float64
	AvgWidthPixels     float64
}

func toRow(p *model.GlobalPerson) row {
	cams := make([]string, 0, len(p.CamerasVisited))
	for c := range p.CamerasVisited {
		cams = append(cams, c)
	}
	sort.Strings(cams)

	var sumH, sumW float64
	for _, pos := range p.CameraPositions {
		sumH += float64(pos.BBox.Y2 - pos.BBox.Y1)
		sumW += float64(pos.BBox.X2 - pos.BBox.X1)
	}
	var avgH, avgW float64
	if n := len(p.CameraPositions); n > 0 {
		avgH = sumH / float64(n)
		avgW = sumW / float64(n)
	}

	return row{
		GlobalID:           p.GlobalID,
		CanonicalEmbedding: p.CanonicalEmbedding,
		BestQuality:        p.BestQuality,
		AssignedName:       p.AssignedName,
		FirstSeen:          p.FirstSeen,
		LastSeen:           p.LastSeen,
		TotalAppearances:   p.TotalAppearances,
		CamerasVisited:     cams,
		AvgHeightPixels:    avgH,
		AvgWidthPixels:     avgW,
	}
}

func (r row) toPerson() *model.GlobalPerson {
	visited := make(map[string]struct{}, len(r.CamerasVisited))
	for _, c := range r.CamerasVisited {
		visited[c] = struct{}{}
	}
	return &model.GlobalPerson{
		GlobalID:           r.GlobalID,
		CanonicalEmbedding: r.CanonicalEmbedding,
		BestQuality:        r.BestQuality,
		AssignedName:       r.AssignedName,
		FirstSeen:          r.FirstSeen,
		LastSeen:           r.LastSeen,
		TotalAppearances:   r.TotalAppearances,
		CamerasVisited:     visited,
		CameraTracks:       make(map[string]uint32),
		CameraPositions:    make(map[string]model.PositionSnapshot),
	}
}

// LoadActive returns only the persons persisted with is_active = 1, for the
// resolver's load_active_persons startup recall (spec.md §4.G/§6: the
// gallery record's is_active flag gates hydration, distinct from the
// resolver's own IsActive(now, PersonTimeout) timestamp check applied
// in-memory afterward).
func (s *Store) LoadActive(ctx context.Context) ([]*model.GlobalPerson, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT global_id, canonical_embedding, best_quality,
		assigned_name, first_seen, last_seen, total_appearances, cameras_visited
		FROM global_persons WHERE is_active = 1`) // avg_height_pixels/avg_width_pixels are write-only derived columns, not reloaded
	if err != nil {
		return nil, fmt.Errorf("store: load active: %w", err)
	}
	defer rows.Close()

	var out []*model.GlobalPerson
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		p := r.toPerson()
		out = append(out, p)
		s.cache.Add(p.GlobalID, p)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (row, error) {
	var r row
	var embJSON, camsJSON string
	if err := rows.Scan(&r.GlobalID, &embJSON, &r.BestQuality, &r.AssignedName,
		&r.FirstSeen, &r.LastSeen, &r.TotalAppearances, &camsJSON); err != nil {
		return row{}, fmt.Errorf("store: scan row: %w", err)
	}
	if err := json.Unmarshal([]byte(embJSON), &r.CanonicalEmbedding); err != nil {
		return row{}, fmt.Errorf("store: decode embedding: %w", err)
	}
	if err := json.Unmarshal([]byte(camsJSON), &r.CamerasVisited); err != nil {
		return row{}, fmt.Errorf("store: decode cameras_visited: %w", err)
	}
	return r, nil
}

// Upsert persists p, replacing any prior record for the same global_id and
// refreshing the read-through cache (spec.md §4.G's periodic batch sync).
// isActive is the caller's resolver.IsActive(now, PersonTimeout) verdict at
// sync time, persisted as the gallery record's is_active column (spec.md
// §4.G/§6) so a later LoadActive can filter by it without a timeout that
// only the resolver knows.
func (s *Store) Upsert(ctx context.Context, p *model.GlobalPerson, isActive bool) error {
	r := toRow(p)
	embJSON, err := json.Marshal(r.CanonicalEmbedding)
	if err != nil {
		return fmt.Errorf("store: encode embedding: %w", err)
	}
	camsJSON, err := json.Marshal(r.CamerasVisited)
	if err != nil {
		return fmt.Errorf("store: encode cameras_visited: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO global_persons
		(global_id, canonical_embedding, best_quality, assigned_name, first_seen, last_seen, total_appearances, cameras_visited, avg_height_pixels, avg_width_pixels, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(global_id) DO UPDATE SET
			canonical_embedding=excluded.canonical_embedding,
			best_quality=excluded.best_quality,
			assigned_name=excluded.assigned_name,
			last_seen=excluded.last_seen,
			total_appearances=excluded.total_appearances,
			cameras_visited=excluded.cameras_visited,
			avg_height_pixels=excluded.avg_height_pixels,
			avg_width_pixels=excluded.avg_width_pixels,
			is_active=excluded.is_active`,
		r.GlobalID, string(embJSON), r.BestQuality, r.AssignedName, r.FirstSeen, r.LastSeen, r.TotalAppearances, string(camsJSON), r.AvgHeightPixels, r.AvgWidthPixels, isActive)
	if err != nil {
		return fmt.Errorf("store: upsert global_id=%d: %w", r.GlobalID, err)
	}

	s.cache.Add(p.GlobalID, p.Snapshot())
	return nil
}

// KNN returns up to k persons whose canonical embedding is most similar to
// embedding by cosine similarity, scanned in Go over every cached person when
// the cache holds any, and otherwise over the is_active rows LoadActive reads
// (spec.md §4.G's cold-start recall).
func (s *Store) KNN(ctx context.Context, embedding []float32, k int) ([]*model.GlobalPerson, error) {
	candidates, err := s.allCandidates(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		p   *model.GlobalPerson
		sim float32
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		if len(p.CanonicalEmbedding) == 0 {
			continue
		}
		scoredList = append(scoredList, scored{p: p, sim: cosine(embedding, p.CanonicalEmbedding)})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].sim > scoredList[j].sim })

	if k > len(scoredList) {
		k = len(scoredList)
	}
	out := make([]*model.GlobalPerson, k)
	for i := 0; i < k; i++ {
		out[i] = scoredList[i].p
	}
	return out, nil
}

func (s *Store) allCandidates(ctx context.Context) ([]*model.GlobalPerson, error) {
	keys := s.cache.Keys()
	if len(keys) > 0 {
		out := make([]*model.GlobalPerson, 0, len(keys))
		for _, k := range keys {
			if p, ok := s.cache.Get(k); ok {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return s.LoadActive(ctx)
}

// SetName persists a human-assigned name for a global person.
func (s *Store) SetName(ctx context.Context, globalID uint64, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE global_persons SET assigned_name = ? WHERE global_id = ?`, name, globalID)
	if err != nil {
		return fmt.Errorf("store: set name global_id=%d: %w", globalID, err)
	}
	if p, ok := s.cache.Get(globalID); ok {
		p.AssignedName = name
	}
	return nil
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}
