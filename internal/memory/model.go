// Package memory holds the domain model shared by every Store backend and
// by the Distiller, Retriever, Consolidator, and Agent that operate on it.
package memory

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Type is the kind of durable fact a Memory represents.
type Type string

const (
	TypePreference  Type = "preference"
	TypeFact        Type = "fact"
	TypeCommitment  Type = "commitment"
	TypeConstraint  Type = "constraint"
	TypeEntity      Type = "entity"
	TypeInstruction Type = "instruction"
)

// ValidTypes is the set accepted by structural validation.
var ValidTypes = map[Type]bool{
	TypePreference:  true,
	TypeFact:        true,
	TypeCommitment:  true,
	TypeConstraint:  true,
	TypeEntity:      true,
	TypeInstruction: true,
}

// ProfileEligible reports whether memories of this type are projected into
// the Profile (key -> value) view.
func (t Type) ProfileEligible() bool {
	return t == TypePreference || t == TypeFact || t == TypeConstraint
}

// Action is the mutation a Distiller candidate requests against the Store.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionKeep   Action = "keep"
	ActionExpire Action = "expire"
)

// ValidActions is the set accepted by structural validation.
var ValidActions = map[Action]bool{
	ActionAdd:    true,
	ActionUpdate: true,
	ActionKeep:   true,
	ActionExpire: true,
}

// Memory is the unit of durable knowledge persisted by the Store.
type Memory struct {
	ID           string
	Type         Type
	Category     string
	Key          string
	Value        string
	Confidence   float64
	SourceTurn   int
	LastUsedTurn int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	IsActive     bool
}

// EmbedText is the canonical text embedded and indexed for a memory: the
// concatenation of its key and value, matching the Store.Add contract.
func (m Memory) EmbedText() string {
	return m.Key + ": " + m.Value
}

// GenerateID produces an opaque stable memory identifier: "mem_" followed by
// 8 lowercase hex characters, matching the pre-distillation source's
// Memory.generate_id (a UUIDv4 truncated to its first 8 hex digits).
// Collision probability at this scale is immaterial; the short form keeps
// prompts and snapshots readable.
func GenerateID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively fatal for the process; fall
		// back to a timestamp-derived id rather than panic.
		return fmt.Sprintf("mem_%08x", time.Now().UnixNano()&0xffffffff)
	}
	return "mem_" + fmt.Sprintf("%02x%02x%02x%02x", b[0], b[1], b[2], b[3])
}

// Mutation is a tagged-union record produced by the Distiller: a single
// Action plus the fields relevant to every variant. Go has no sum types, so
// the tag-plus-struct shape (rather than an interface per variant) keeps
// JSON decoding of LLM output straightforward while application logic
// switches exhaustively on Action.
type Mutation struct {
	Action     Action
	Type       Type
	Category   string
	Key        string
	Value      string
	Confidence float64
	Reasoning  string
}

// NewAdd builds an "add" mutation.
func NewAdd(typ Type, category, key, value string, confidence float64) Mutation {
	return Mutation{Action: ActionAdd, Type: typ, Category: category, Key: key, Value: value, Confidence: confidence}
}

// NewUpdate builds an "update" mutation.
func NewUpdate(typ Type, category, key, value string, confidence float64) Mutation {
	return Mutation{Action: ActionUpdate, Type: typ, Category: category, Key: key, Value: value, Confidence: confidence}
}

// NewKeep builds a "keep" mutation referencing an existing key.
func NewKeep(key string) Mutation {
	return Mutation{Action: ActionKeep, Key: key}
}

// NewExpire builds an "expire" mutation referencing an existing key.
func NewExpire(key string) Mutation {
	return Mutation{Action: ActionExpire, Key: key}
}

// SameValue reports whether two memory values are equal ignoring case and
// surrounding whitespace, the comparison used by Add's dedup rule.
func SameValue(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// VectorHit is one result from Store.SearchVector: a memory id and its L2
// distance from the query embedding (ascending = nearer).
type VectorHit struct {
	ID       string
	Distance float64
}

// KeywordHit is one result from Store.SearchKeyword: a memory id and the
// keyword index's relevance value for it. Hits come back most relevant
// first. The SQLite backend reports FTS5's bm25-style `rank` (negative, and
// further below zero for better matches); the Postgres backend reports
// ts_rank (positive, and higher for better matches).
type KeywordHit struct {
	ID   string
	Rank float64
}

// TurnRecord is one entry of the append-only conversation log.
type TurnRecord struct {
	TurnID      int
	Role        string
	Content     string
	Timestamp   time.Time
	RetrievedID []string
}

// Profile is the key->value projection of active preference/fact/constraint
// memories.
type Profile map[string]string
