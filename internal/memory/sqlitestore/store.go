// Package sqlitestore implements memory.Store over a single local SQLite
// file: a memories/profile/turns table set, an FTS5 contentless virtual
// table for keyword search, and a sqlite-vec vec0 virtual table for nearest-
// neighbour vector search. This is the default backend and the one every
// concrete scenario in SPEC_FULL.md §8 assumes.
//
// Grounded on the pre-distillation source's store.py for schema and query
// shape, and on _examples/theRebelliousNerd-codenerd's init_vec.go/
// embedded_store.go for the Go sqlite-vec wiring (extension auto-load,
// little-endian float32 blob encoding).
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"memoryagent/internal/config"
	"memoryagent/internal/embedding"
	"memoryagent/internal/memory"
	"memoryagent/internal/observability"
)

// Store is the SQLite-backed memory.Store implementation.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	dim int

	embedCfg    config.EmbeddingConfig
	snapshotDir string
}

var _ memory.Store = (*Store)(nil)

// Open creates or opens the SQLite database at path, running idempotent
// schema migrations, and returns a ready Store.
func Open(path string, embedCfg config.EmbeddingConfig, snapshotDir string) (*Store, error) {
	if path == "" {
		path = "memory.db"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer model per SPEC_FULL.md §5

	dim := embedCfg.Dimension
	if dim <= 0 {
		dim = 384
	}

	s := &Store{db: db, dim: dim, embedCfg: embedCfg, snapshotDir: snapshotDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id             TEXT PRIMARY KEY,
			type           TEXT NOT NULL,
			category       TEXT NOT NULL,
			key            TEXT NOT NULL,
			value          TEXT NOT NULL,
			source_turn    INTEGER NOT NULL,
			confidence     REAL NOT NULL DEFAULT 0.9,
			created_at     REAL NOT NULL,
			updated_at     REAL NOT NULL,
			is_active      INTEGER NOT NULL DEFAULT 1,
			last_used_turn INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS profile (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			updated_at  REAL NOT NULL,
			source_turn INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id            INTEGER PRIMARY KEY,
			role               TEXT NOT NULL,
			content            TEXT NOT NULL,
			timestamp          REAL NOT NULL,
			memories_retrieved TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			key, value, category, content='', contentless_delete=1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(key)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(is_active)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}
	// The vec0 virtual table requires the sqlite-vec extension (registered
	// only when built with -tags sqlite_vec,cgo). Its absence is fatal at
	// Open rather than degraded at query time: every scenario in
	// SPEC_FULL.md §8 depends on vector search being present, so failing
	// fast here beats a store that silently never returns vector hits.
	vecStmt := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(id TEXT PRIMARY KEY, embedding float[%d])`,
		s.dim,
	)
	if _, err := s.db.Exec(vecStmt); err != nil {
		return fmt.Errorf("sqlite-vec extension not available (build with -tags sqlite_vec,cgo to enable vector search): %w", err)
	}
	return nil
}

// Close implements memory.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func serializeF32(v []float32) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(len(v) * 4)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// Embed implements memory.Store. The embedding client is a stateless HTTP
// call; config is captured at Open and needs no further locking.
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

// Add implements memory.Store.
func (s *Store) Add(ctx context.Context, distilled memory.Mutation, turnID int) (string, error) {
	log := observability.LoggerWithTrace(ctx)

	embedVec, err := s.Embed(ctx, distilled.Key+": "+distilled.Value)
	if err != nil {
		return "", fmt.Errorf("add memory %s: %w", distilled.Key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("add memory %s: begin tx: %w", distilled.Key, err)
	}
	defer tx.Rollback()

	id := memory.GenerateID()
	now := nowUnix()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, category, key, value, source_turn, confidence, created_at, updated_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		id, string(distilled.Type), distilled.Category, distilled.Key, distilled.Value, turnID, distilled.Confidence, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("add memory %s: insert: %w", distilled.Key, err)
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("add memory %s: rowid: %w", distilled.Key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(rowid, key, value, category) VALUES (?, ?, ?, ?)`,
		rowid, distilled.Key, distilled.Value, distilled.Category,
	); err != nil {
		return "", fmt.Errorf("add memory %s: fts insert: %w", distilled.Key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_vec(id, embedding) VALUES (?, ?)`,
		id, serializeF32(embedVec),
	); err != nil {
		return "", fmt.Errorf("add memory %s: vec insert: %w", distilled.Key, err)
	}

	if distilled.Type.ProfileEligible() {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO profile (key, value, updated_at, source_turn) VALUES (?, ?, ?, ?)`,
			distilled.Key, distilled.Value, now, turnID,
		); err != nil {
			return "", fmt.Errorf("add memory %s: profile upsert: %w", distilled.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("add memory %s: commit: %w", distilled.Key, err)
	}
	log.Debug().Str("memory_id", id).Str("key", distilled.Key).Msg("memory added")
	return id, nil
}

// DeactivateByKey implements memory.Store. Deactivation physically removes
// the FTS and vector rows in the same transaction as the primary-table flag
// flip, per the resolved reading of the "atomically hide" invariant in
// SPEC_FULL.md §3.
func (s *Store) DeactivateByKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deactivate %s: begin tx: %w", key, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT rowid, id FROM memories WHERE key = ? AND is_active = 1`, key)
	if err != nil {
		return fmt.Errorf("deactivate %s: select: %w", key, err)
	}
	type target struct {
		rowid int64
		id    string
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.rowid, &t.id); err != nil {
			rows.Close()
			return fmt.Errorf("deactivate %s: scan: %w", key, err)
		}
		targets = append(targets, t)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET is_active = 0, updated_at = ? WHERE key = ? AND is_active = 1`,
		nowUnix(), key,
	); err != nil {
		return fmt.Errorf("deactivate %s: update: %w", key, err)
	}

	for _, t := range targets {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE rowid = ?`, t.rowid); err != nil {
			return fmt.Errorf("deactivate %s: fts delete: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories_vec WHERE id = ?`, t.id); err != nil {
			return fmt.Errorf("deactivate %s: vec delete: %w", key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM profile WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deactivate %s: profile delete: %w", key, err)
	}

	return tx.Commit()
}

// DeactivateByID implements memory.Store: it retires a single row by id
// without disturbing any other active row that shares its key, unlike
// DeactivateByKey. The profile projection is only cleared for that key if
// no other active memory still holds it.
func (s *Store) DeactivateByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deactivate id %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	var rowid int64
	var key string
	err = tx.QueryRowContext(ctx, `SELECT rowid, key FROM memories WHERE id = ? AND is_active = 1`, id).Scan(&rowid, &key)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("deactivate id %s: select: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE memories SET is_active = 0, updated_at = ? WHERE id = ?`,
		nowUnix(), id,
	); err != nil {
		return fmt.Errorf("deactivate id %s: update: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("deactivate id %s: fts delete: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_vec WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate id %s: vec delete: %w", id, err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE key = ? AND is_active = 1`, key).Scan(&remaining); err != nil {
		return fmt.Errorf("deactivate id %s: count remaining: %w", id, err)
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM profile WHERE key = ?`, key); err != nil {
			return fmt.Errorf("deactivate id %s: profile delete: %w", id, err)
		}
	}

	return tx.Commit()
}

// Touch implements memory.Store.
func (s *Store) Touch(ctx context.Context, id string, turn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET last_used_turn = ? WHERE id = ?`, turn, id)
	if err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// UpdateConfidence implements memory.Store.
func (s *Store) UpdateConfidence(ctx context.Context, id string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET confidence = ?, updated_at = ? WHERE id = ?`,
		confidence, nowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("update confidence %s: %w", id, err)
	}
	return nil
}

// FindByKey implements memory.Store.
func (s *Store) FindByKey(ctx context.Context, key string) (*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, baseSelect+` WHERE key = ? AND is_active = 1 LIMIT 1`, key)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by key %s: %w", key, err)
	}
	return m, nil
}

// GetByID implements memory.Store.
func (s *Store) GetByID(ctx context.Context, id string) (*memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, baseSelect+` WHERE id = ? AND is_active = 1`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by id %s: %w", id, err)
	}
	return m, nil
}

// GetActive implements memory.Store.
func (s *Store) GetActive(ctx context.Context) ([]memory.Memory, error) {
	return s.queryMemories(ctx, baseSelect+` WHERE is_active = 1 ORDER BY confidence DESC`)
}

// AllMemories implements memory.Store (debug/introspection surface).
func (s *Store) AllMemories(ctx context.Context) ([]memory.Memory, error) {
	return s.queryMemories(ctx, baseSelect+` ORDER BY created_at ASC`)
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ActiveCount implements memory.Store.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE is_active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active count: %w", err)
	}
	return n, nil
}

// SearchVector implements memory.Store.
func (s *Store) SearchVector(ctx context.Context, queryText string, k int) ([]memory.VectorHit, error) {
	if k <= 0 {
		k = 10
	}
	vec, err := s.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("search vector: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, distance FROM memories_vec WHERE embedding MATCH ? AND k = ? ORDER BY distance`,
		serializeF32(vec), k,
	)
	if err != nil {
		// sqlite-vec unavailable or table empty: degrade to no vector hits
		// rather than fail the whole retrieval pipeline.
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("vector search unavailable")
		return nil, nil
	}
	defer rows.Close()
	var hits []memory.VectorHit
	for rows.Next() {
		var h memory.VectorHit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, fmt.Errorf("search vector: scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchKeyword implements memory.Store.
func (s *Store) SearchKeyword(ctx context.Context, queryText string, k int) ([]memory.KeywordHit, error) {
	if k <= 0 {
		k = 10
	}
	terms := memory.KeywordTerms(queryText)
	if len(terms) == 0 {
		return nil, nil
	}
	ftsQuery := strings.Join(terms, " OR ")

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, rank FROM memories_fts WHERE memories_fts MATCH ? ORDER BY rank LIMIT ?`,
		ftsQuery, k,
	)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("keyword search failed")
		return nil, nil
	}
	defer rows.Close()

	var rowids []int64
	rankByRowid := map[int64]float64{}
	for rows.Next() {
		var rowid int64
		var rank float64
		if err := rows.Scan(&rowid, &rank); err != nil {
			return nil, fmt.Errorf("search keyword: scan: %w", err)
		}
		rowids = append(rowids, rowid)
		rankByRowid[rowid] = rank
	}
	rows.Close()
	if len(rowids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rowids)), ",")
	args := make([]any, len(rowids))
	idByRowid := map[int64]string{}
	q := fmt.Sprintf(`SELECT rowid, id FROM memories WHERE rowid IN (%s)`, placeholders)
	for i, r := range rowids {
		args[i] = r
	}
	idRows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search keyword: map rowids: %w", err)
	}
	defer idRows.Close()
	for idRows.Next() {
		var rowid int64
		var id string
		if err := idRows.Scan(&rowid, &id); err != nil {
			return nil, fmt.Errorf("search keyword: scan id: %w", err)
		}
		idByRowid[rowid] = id
	}

	hits := make([]memory.KeywordHit, 0, len(rowids))
	for _, rowid := range rowids {
		id, ok := idByRowid[rowid]
		if !ok {
			continue
		}
		hits = append(hits, memory.KeywordHit{ID: id, Rank: rankByRowid[rowid]})
	}
	return hits, nil
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
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO turns (turn_id, role, content, timestamp, memories_retrieved) VALUES (?, ?, ?, ?, ?)`,
		turnID, role, content, nowUnix(), string(b),
	)
	if err != nil {
		return fmt.Errorf("log turn %d: %w", turnID, err)
	}
	return nil
}

// LastTurnID implements memory.Store.
func (s *Store) LastTurnID(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(turn_id) FROM turns`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("last turn id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// Profile implements memory.Store.
func (s *Store) Profile(ctx context.Context) (memory.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM profile`)
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

// WriteSnapshot implements memory.Store, rendering the same layout as the
// pre-distillation source's write_snapshot: a profile section, then active
// memories grouped by type and sorted by (type, key).
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
				fmt.Fprintf(&b, "## %ss\n", titleCase(string(currentType)))
			}
			fmt.Fprintf(&b, "- **%s**: %s (conf: %.2f, turn: %d)\n", m.Key, m.Value, m.Confidence, m.SourceTurn)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nTotal active: %d\n", len(active))

	path := filepath.Join(dir, fmt.Sprintf("turn_%05d.md", turnID))
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

const baseSelect = `SELECT id, type, category, key, value, confidence, source_turn, last_used_turn, created_at, updated_at, is_active FROM memories`

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row *sql.Row) (*memory.Memory, error) {
	return scanInto(row)
}

func scanMemoryRows(rows *sql.Rows) (*memory.Memory, error) {
	return scanInto(rows)
}

func scanInto(s scanner) (*memory.Memory, error) {
	var m memory.Memory
	var typ string
	var createdAt, updatedAt float64
	var isActive int
	err := s.Scan(&m.ID, &typ, &m.Category, &m.Key, &m.Value, &m.Confidence, &m.SourceTurn, &m.LastUsedTurn, &createdAt, &updatedAt, &isActive)
	if err != nil {
		return nil, err
	}
	m.Type = memory.Type(typ)
	m.CreatedAt = time.Unix(0, int64(createdAt*float64(time.Second)))
	m.UpdatedAt = time.Unix(0, int64(updatedAt*float64(time.Second)))
	m.IsActive = isActive != 0
	return &m, nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
