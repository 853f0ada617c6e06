// Package pgstore implements memory.Store over Postgres (via pgx/v5 and
// pgxpool) plus Qdrant: the memories/profile/turns tables and the tsvector
// GIN keyword index live in Postgres, the dense-vector index is a Qdrant
// collection keyed by a deterministic UUID mapping of the opaque memory id.
// This is the optional secondary backend named in SPEC_FULL.md §4.1's
// "Backend plurality" section; the SQLite backend (internal/memory/
// sqlitestore) remains the default and primary grounding target.
//
// The idempotent CREATE TABLE / ALTER TABLE ... ADD COLUMN IF NOT EXISTS
// migration shape and the transactional write pattern are grounded on the
// pre-distillation-adjacent _examples/.../evolving_memory_store_postgres.go
// (now removed from this tree after that grounding read); the tsvector/GIN
// keyword-index pattern mirrors (without reusing verbatim) the generic
// documents-table full-text search this codebase's example pack showed
// elsewhere.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memoryagent/internal/config"
	"memoryagent/internal/embedding"
	"memoryagent/internal/memory"
	"memoryagent/internal/observability"
)

// Store is the Postgres+Qdrant memory.Store implementation.
type Store struct {
	pool        *pgxpool.Pool
	vec         *qdrantIndex
	embedCfg    config.EmbeddingConfig
	snapshotDir string
}

var _ memory.Store = (*Store)(nil)

// Open connects to Postgres and Qdrant and runs idempotent schema
// migrations.
func Open(ctx context.Context, st config.StoreConfig, embedCfg config.EmbeddingConfig) (*Store, error) {
	pool, err := pgxpool.New(ctx, st.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	dim := embedCfg.Dimension
	if dim <= 0 {
		dim = 384
	}
	vec, err := newQdrantIndex(st.QdrantDSN, st.QdrantCollection, dim, st.VectorMetric)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open qdrant index: %w", err)
	}
	s := &Store{pool: pool, vec: vec, embedCfg: embedCfg, snapshotDir: st.SnapshotDir}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		vec.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id             TEXT PRIMARY KEY,
			type           TEXT NOT NULL,
			category       TEXT NOT NULL,
			key            TEXT NOT NULL,
			value          TEXT NOT NULL,
			source_turn    INTEGER NOT NULL,
			confidence     DOUBLE PRECISION NOT NULL DEFAULT 0.9,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_active      BOOLEAN NOT NULL DEFAULT true,
			last_used_turn INTEGER NOT NULL DEFAULT 0
		)`,
		`ALTER TABLE memories ADD COLUMN IF NOT EXISTS last_used_turn INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE memories ADD COLUMN IF NOT EXISTS search_vector tsvector
			GENERATED ALWAYS AS (to_tsvector('simple', coalesce(key,'') || ' ' || coalesce(value,'') || ' ' || coalesce(category,''))) STORED`,
		`CREATE INDEX IF NOT EXISTS idx_memories_search ON memories USING GIN (search_vector)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(key)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(is_active)`,
		`CREATE TABLE IF NOT EXISTS profile (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			source_turn INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id            INTEGER PRIMARY KEY,
			role               TEXT NOT NULL,
			content            TEXT NOT NULL,
			timestamp          TIMESTAMPTZ NOT NULL DEFAULT now(),
			memories_retrieved JSONB NOT NULL DEFAULT '[]'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres schema: %w", err)
		}
	}
	return nil
}

// Close implements memory.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return s.vec.Close()
}

// Embed implements memory.Store.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := embedding.EmbedText(ctx, s.embedCfg, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return out[0], nil
}

// Add implements memory.Store. Per SPEC_FULL.md §9's "Three-index
// atomicity" note, Qdrant cannot participate in the Postgres transaction, so
// the vector write happens first; only on its success does the Postgres
// transaction commit, making a Qdrant failure abort the whole Add before any
// row becomes visible.
func (s *Store) Add(ctx context.Context, distilled memory.Mutation, turnID int) (string, error) {
	log := observability.LoggerWithTrace(ctx)

	embedVec, err := s.Embed(ctx, distilled.Key+": "+distilled.Value)
	if err != nil {
		return "", fmt.Errorf("add memory %s: %w", distilled.Key, err)
	}

	id := memory.GenerateID()
	if err := s.vec.Upsert(ctx, id, embedVec); err != nil {
		return "", fmt.Errorf("add memory %s: qdrant upsert: %w", distilled.Key, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		_ = s.vec.Delete(ctx, id)
		return "", fmt.Errorf("add memory %s: begin tx: %w", distilled.Key, err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		INSERT INTO memories (id, type, category, key, value, source_turn, confidence, created_at, updated_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true)`,
		id, string(distilled.Type), distilled.Category, distilled.Key, distilled.Value, turnID, distilled.Confidence, now, now,
	); err != nil {
		_ = s.vec.Delete(ctx, id)
		return "", fmt.Errorf("add memory %s: insert: %w", distilled.Key, err)
	}

	if distilled.Type.ProfileEligible() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO profile (key, value, updated_at, source_turn) VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at, source_turn = EXCLUDED.source_turn`,
			distilled.Key, distilled.Value, now, turnID,
		); err != nil {
			_ = s.vec.Delete(ctx, id)
			return "", fmt.Errorf("add memory %s: profile upsert: %w", distilled.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		_ = s.vec.Delete(ctx, id)
		return "", fmt.Errorf("add memory %s: commit: %w", distilled.Key, err)
	}
	log.Debug().Str("memory_id", id).Str("key", distilled.Key).Msg("memory added")
	return id, nil
}

// DeactivateByKey implements memory.Store.
func (s *Store) DeactivateByKey(ctx context.Context, key string) error {
	rows, err := s.pool.Query(ctx, `SELECT id FROM memories WHERE key = $1 AND is_active = true`, key)
	if err != nil {
		return fmt.Errorf("deactivate %s: select: %w", key, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("deactivate %s: scan: %w", key, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deactivate %s: begin tx: %w", key, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE memories SET is_active = false, updated_at = now() WHERE key = $1 AND is_active = true`, key); err != nil {
		return fmt.Errorf("deactivate %s: update: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM profile WHERE key = $1`, key); err != nil {
		return fmt.Errorf("deactivate %s: profile delete: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deactivate %s: commit: %w", key, err)
	}

	for _, id := range ids {
		if err := s.vec.Delete(ctx, id); err != nil {
			observability.LoggerWithTrace(ctx).Error().Err(err).Str("memory_id", id).Msg("qdrant delete failed after postgres deactivate")
		}
	}
	return nil
}

// DeactivateByID implements memory.Store: it retires a single row by id
// without disturbing any other active row that shares its key, unlike
// DeactivateByKey. The profile projection is only cleared for that key if
// no other active memory still holds it.
func (s *Store) DeactivateByID(ctx context.Context, id string) error {
	var key string
	err := s.pool.QueryRow(ctx, `SELECT key FROM memories WHERE id = $1 AND is_active = true`, id).Scan(&key)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deactivate id %s: select: %w", id, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deactivate id %s: begin tx: %w", id, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE memories SET is_active = false, updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deactivate id %s: update: %w", id, err)
	}
	var remaining int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM memories WHERE key = $1 AND is_active = true`, key).Scan(&remaining); err != nil {
		return fmt.Errorf("deactivate id %s: count remaining: %w", id, err)
	}
	if remaining == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM profile WHERE key = $1`, key); err != nil {
			return fmt.Errorf("deactivate id %s: profile delete: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deactivate id %s: commit: %w", id, err)
	}

	if err := s.vec.Delete(ctx, id); err != nil {
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("memory_id", id).Msg("qdrant delete failed after postgres deactivate")
	}
	return nil
}

// Touch implements memory.Store.
func (s *Store) Touch(ctx context.Context, id string, turn int) error {
	_, err := s.pool.Exec(ctx, `UPDATE memories SET last_used_turn = $1 WHERE id = $2`, turn, id)
	if err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// UpdateConfidence implements memory.Store.
func (s *Store) UpdateConfidence(ctx context.Context, id string, confidence float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE memories SET confidence = $1, updated_at = now() WHERE id = $2`, confidence, id)
	if err != nil {
		return fmt.Errorf("update confidence %s: %w", id, err)
	}
	return nil
}

const baseSelect = `SELECT id, type, category, key, value, confidence, source_turn, last_used_turn, created_at, updated_at, is_active FROM memories`

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var m memory.Memory
	var typ string
	err := row.Scan(&m.ID, &typ, &m.Category, &m.Key, &m.Value, &m.Confidence, &m.SourceTurn, &m.LastUsedTurn, &m.CreatedAt, &m.UpdatedAt, &m.IsActive)
	if err != nil {
		return nil, err
	}
	m.Type = memory.Type(typ)
	return &m, nil
}

// FindByKey implements memory.Store.
func (s *Store) FindByKey(ctx context.Context, key string) (*memory.Memory, error) {
	row := s.pool.QueryRow(ctx, baseSelect+` WHERE key = $1 AND is_active = true LIMIT 1`, key)
	m, err := scanMemory(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by key %s: %w", key, err)
	}
	return m, nil
}

// GetByID implements memory.Store.
func (s *Store) GetByID(ctx context.Context, id string) (*memory.Memory, error) {
	row := s.pool.QueryRow(ctx, baseSelect+` WHERE id = $1 AND is_active = true`, id)
	m, err := scanMemory(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by id %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]memory.Memory, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// GetActive implements memory.Store.
func (s *Store) GetActive(ctx context.Context) ([]memory.Memory, error) {
	return s.queryMemories(ctx, baseSelect+` WHERE is_active = true ORDER BY confidence DESC`)
}

// AllMemories implements memory.Store.
func (s *Store) AllMemories(ctx context.Context) ([]memory.Memory, error) {
	return s.queryMemories(ctx, baseSelect+` ORDER BY created_at ASC`)
}

// ActiveCount implements memory.Store.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE is_active = true`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active count: %w", err)
	}
	return n, nil
}

// SearchVector implements memory.Store, mapping Qdrant's similarity score
// into the same "ascending = nearer" distance convention SearchVector
// promises by negating it: order is preserved regardless of the collection's
// configured metric, even though the magnitude is not comparable across
// backends.
func (s *Store) SearchVector(ctx context.Context, queryText string, k int) ([]memory.VectorHit, error) {
	vec, err := s.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("search vector: %w", err)
	}
	hits, err := s.vec.Search(ctx, vec, k)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("qdrant search unavailable")
		return nil, nil
	}
	out := make([]memory.VectorHit, len(hits))
	for i, h := range hits {
		out[i] = memory.VectorHit{ID: h.ID, Distance: -h.Score}
	}
	return out, nil
}

// SearchKeyword implements memory.Store using a Postgres tsvector/GIN index
// queried in OR mode (the relational analogue of FTS5's OR-mode MATCH),
// ordered by ts_rank descending (most relevant first).
func (s *Store) SearchKeyword(ctx context.Context, queryText string, k int) ([]memory.KeywordHit, error) {
	if k <= 0 {
		k = 10
	}
	terms := memory.KeywordTerms(queryText)
	if len(terms) == 0 {
		return nil, nil
	}
	tsQuery := strings.Join(terms, " | ")

	rows, err := s.pool.Query(ctx, `
		SELECT id, ts_rank(search_vector, to_tsquery('simple', $1)) AS rank
		FROM memories
		WHERE is_active = true AND search_vector @@ to_tsquery('simple', $1)
		ORDER BY rank DESC
		LIMIT $2`,
		tsQuery, k,
	)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("postgres keyword search failed")
		return nil, nil
	}
	defer rows.Close()
	var hits []memory.KeywordHit
	for rows.Next() {
		var h memory.KeywordHit
		if err := rows.Scan(&h.ID, &h.Rank); err != nil {
			return nil, fmt.Errorf("search keyword: scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// LogTurn implements memory.Store.
func (s *Store) LogTurn(ctx context.Context, turnID int, role, content string, retrievedIDs []string) error {
	if retrievedIDs == nil {
		retrievedIDs = []string{}
	}
	b, err := json.Marshal(retrievedIDs)
	if err != nil {
		return fmt.Errorf("log turn %d: marshal retrieved ids: %w", turnID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO turns (turn_id, role, content, timestamp, memories_retrieved) VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (turn_id) DO UPDATE SET role = EXCLUDED.role, content = EXCLUDED.content, timestamp = now(), memories_retrieved = EXCLUDED.memories_retrieved`,
		turnID, role, content, b,
	)
	if err != nil {
		return fmt.Errorf("log turn %d: %w", turnID, err)
	}
	return nil
}

// LastTurnID implements memory.Store.
func (s *Store) LastTurnID(ctx context.Context) (int, error) {
	var max *int
	err := s.pool.QueryRow(ctx, `SELECT MAX(turn_id) FROM turns`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("last turn id: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Profile implements memory.Store.
func (s *Store) Profile(ctx context.Context) (memory.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM profile`)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	defer rows.Close()
	p := memory.Profile{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("profile: scan: %w", err)
		}
		p[k] = v
	}
	return p, rows.Err()
}

// WriteSnapshot implements memory.Store, matching the layout rendered by the
// SQLite backend.
func (s *Store) WriteSnapshot(ctx context.Context, turnID int) error {
	dir := s.snapshotDir
	if dir == "" {
		dir = "snapshots"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write snapshot: mkdir: %w", err)
	}
	active, err := s.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	profile, err := s.Profile(ctx)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Type != active[j].Type {
			return active[i].Type < active[j].Type
		}
		return active[i].Key < active[j].Key
	})

	var b strings.Builder
	fmt.Fprintf(&b, "# Memory Snapshot — Turn %d\n", turnID)
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))
	if len(profile) > 0 {
		b.WriteString("## Profile\n")
		keys := make([]string, 0, len(profile))
		for k := range profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- **%s**: %s\n", k, profile[k])
		}
		b.WriteString("\n")
	}
	if len(active) > 0 {
		var currentType memory.Type
		for _, m := range active {
			if m.Type != currentType {
				currentType = m.Type
				fmt.Fprintf(&b, "## %ss\n", strings.ToUpper(string(currentType[:1]))+string(currentType[1:]))
			}
			fmt.Fprintf(&b, "- **%s**: %s (conf: %.2f, turn: %d)\n", m.Key, m.Value, m.Confidence, m.SourceTurn)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nTotal active: %d\n", len(active))

	path := filepath.Join(dir, fmt.Sprintf("turn_%05d.md", turnID))
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
