package memory

import "context"

// Store is the durable, local, single-writer hybrid index described in
// SPEC_FULL.md §4.1. Two backends satisfy it: a SQLite-based implementation
// (internal/memory/sqlitestore) backed by FTS5 and sqlite-vec, and a
// Postgres+Qdrant implementation (internal/memory/pgstore). Both keep at
// most one active memory per key and maintain the profile projection on
// write. The SQLite backend removes keyword and vector index entries in the
// same transaction as the primary-table flag flip; the Postgres+Qdrant
// backend commits the Postgres change first and then deletes the Qdrant
// points, logging a failed delete instead of returning it.
type Store interface {
	// Add inserts distilled, indexes it in the keyword and vector indexes,
	// and projects it into the profile if its type is eligible. Returns the
	// generated memory id.
	Add(ctx context.Context, distilled Mutation, turnID int) (string, error)

	// DeactivateByKey marks every active memory with key inactive, removes
	// their keyword/vector index entries, and updates the profile
	// projection.
	DeactivateByKey(ctx context.Context, key string) error

	// DeactivateByID marks a single memory inactive by id, removes its
	// keyword/vector index entries, and updates the profile projection if
	// no other active memory still holds that key. Used by the
	// consolidator to retire one duplicate out of an exact-key group
	// without touching the canonical row that shares its key, matching
	// the pre-distillation source's _deactivate_memory (which operates on
	// id rather than key).
	DeactivateByID(ctx context.Context, id string) error

	// Touch sets last_used_turn for a memory.
	Touch(ctx context.Context, id string, turn int) error

	// UpdateConfidence rewrites a memory's confidence in place, leaving its
	// id, key, and last_used_turn untouched. Used by the consolidator's
	// staleness-decay step, which updates confidence directly rather than
	// deactivating and reinserting (matching the pre-distillation source's
	// decay_stale, a direct SQL UPDATE).
	UpdateConfidence(ctx context.Context, id string, confidence float64) error

	// FindByKey returns the single active memory with this key, or nil, nil
	// if none exists.
	FindByKey(ctx context.Context, key string) (*Memory, error)

	// GetByID returns the active memory with this id, or nil, nil if it
	// does not exist or is inactive.
	GetByID(ctx context.Context, id string) (*Memory, error)

	// GetActive returns all active memories ordered by confidence
	// descending.
	GetActive(ctx context.Context) ([]Memory, error)

	// ActiveCount returns the number of active memories.
	ActiveCount(ctx context.Context) (int, error)

	// SearchVector returns the k nearest neighbours of queryText in
	// embedding space by L2 distance, nearest first.
	SearchVector(ctx context.Context, queryText string, k int) ([]VectorHit, error)

	// SearchKeyword tokenises queryText, removes stopwords and tokens of
	// length <= 2, takes the first 10 remaining terms, and queries the
	// keyword index in OR mode ordered by keyword-index rank.
	SearchKeyword(ctx context.Context, queryText string, k int) ([]KeywordHit, error)

	// Embed wraps the external embedding model. Safe for concurrent use.
	Embed(ctx context.Context, text string) ([]float32, error)

	// LogTurn appends a turn record.
	LogTurn(ctx context.Context, turnID int, role, content string, retrievedIDs []string) error

	// LastTurnID returns the highest logged turn id, or 0 if none.
	LastTurnID(ctx context.Context) (int, error)

	// Profile returns the current key->value projection.
	Profile(ctx context.Context) (Profile, error)

	// WriteSnapshot renders a human-readable markdown snapshot of the
	// current profile and active memories to disk. Observability only, not
	// on the hot path.
	WriteSnapshot(ctx context.Context, turnID int) error

	// AllMemories returns every memory regardless of is_active. [DOMAIN+]
	// debug/introspection surface, never called on the per-turn path.
	AllMemories(ctx context.Context) ([]Memory, error)

	// Close releases the backend's resources.
	Close() error
}
