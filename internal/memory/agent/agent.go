// Package agent wires Store, ContextManager, Distiller, Retriever, and
// Consolidator into the per-turn state machine described in SPEC_FULL.md
// §4.6, grounded on the pre-distillation source's agent.py.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"memoryagent/internal/llm"
	"memoryagent/internal/memory"
	"memoryagent/internal/memory/consolidator"
	"memoryagent/internal/memory/contextmgr"
	"memoryagent/internal/memory/distiller"
	"memoryagent/internal/memory/retriever"
	"memoryagent/internal/observability"
)

// chatTemperature and chatMaxTokens record the sampling values SPEC_FULL.md
// §4.6 lists for the per-turn chat call. The shared llm.Provider
// abstraction takes no per-call sampling parameters (they are fixed at
// client construction via each provider's own config), so these constants
// are not passed to Chat; the provider's configured values apply.
const (
	chatTemperature = 0.7
	chatMaxTokens   = 1024
	// estimateOverheadTokens approximates the assistant's reply budget when
	// deciding whether the incoming turn will overflow the context window,
	// matching the pre-distillation source's flat overhead estimate.
	estimateOverheadTokens = 300
)

// Agent drives one long-form conversation: retrieving relevant memories
// before each reply, flushing the active segment through the Distiller once
// the context window fills, and periodically consolidating the Store.
type Agent struct {
	store        memory.Store
	ctx          *contextmgr.Manager
	distiller    *distiller.Distiller
	retriever    *retriever.Retriever
	consolidator *consolidator.Consolidator
	provider     llm.Provider
	model        string

	supportsSystemRole bool
	topK               int
	consolidateEvery   int

	turnID           int
	segmentStartTurn int
	flushCount       int
}

// Config bundles the construction-time tunables beyond the collaborators
// themselves.
type Config struct {
	Model              string
	SupportsSystemRole bool
	TopK               int
	ConsolidateEvery   int
}

// New constructs an Agent and loads resume state from the Store: the turn
// counter and segment boundary both continue from the last logged turn
// rather than restarting at zero, matching the pre-distillation source's
// __init__.
func New(ctx context.Context, store memory.Store, cm *contextmgr.Manager, d *distiller.Distiller, r *retriever.Retriever, c *consolidator.Consolidator, provider llm.Provider, cfg Config) (*Agent, error) {
	lastTurn, err := store.LastTurnID(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: load last turn id: %w", err)
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	consolidateEvery := cfg.ConsolidateEvery
	if consolidateEvery <= 0 {
		consolidateEvery = 5
	}

	a := &Agent{
		store:              store,
		ctx:                cm,
		distiller:          d,
		retriever:          r,
		consolidator:       c,
		provider:           provider,
		model:              cfg.Model,
		supportsSystemRole: cfg.SupportsSystemRole,
		topK:               topK,
		consolidateEvery:   consolidateEvery,
		turnID:             lastTurn,
		segmentStartTurn:   maxInt(1, lastTurn+1),
	}

	prompt, err := a.rebuildSystemPrompt(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: build initial system prompt: %w", err)
	}
	cm.SetSystemPrompt(prompt)

	return a, nil
}

// TurnResult reports what happened during one Chat call, for callers that
// want to surface retrieval/flush activity (e.g. a REPL's verbose mode).
type TurnResult struct {
	Reply        string
	RetrievedIDs []string
	Flushed      bool
	Consolidated bool
}

// Chat runs one full turn of SPEC_FULL.md §4.6's 8-step state machine:
// estimate the incoming load, flush if needed, retrieve relevant memories,
// rebuild the system prompt, call the LLM, log the turn, and return.
func (a *Agent) Chat(ctx context.Context, userMessage string) (TurnResult, error) {
	var result TurnResult

	a.turnID++

	incoming := a.ctx.CountTokens(userMessage) + estimateOverheadTokens
	if a.ctx.NeedsFlush(incoming) && a.ctx.MessageCount() > 0 {
		consolidated, err := a.flush(ctx)
		if err != nil {
			return result, fmt.Errorf("agent: flush: %w", err)
		}
		result.Flushed = true
		result.Consolidated = consolidated
	}

	hits, err := a.retriever.Retrieve(ctx, userMessage, a.topK, a.turnID)
	if err != nil {
		return result, fmt.Errorf("agent: retrieve: %w", err)
	}
	retrieved := make([]memory.Memory, 0, len(hits))
	for _, h := range hits {
		retrieved = append(retrieved, h.Memory)
		result.RetrievedIDs = append(result.RetrievedIDs, h.Memory.ID)
		if err := a.store.Touch(ctx, h.Memory.ID, a.turnID); err != nil {
			return result, fmt.Errorf("agent: touch %s: %w", h.Memory.ID, err)
		}
	}

	prompt, err := a.rebuildSystemPrompt(ctx, retrieved)
	if err != nil {
		return result, fmt.Errorf("agent: rebuild system prompt: %w", err)
	}
	a.ctx.SetSystemPrompt(prompt)

	a.ctx.AddMessage("user", userMessage)

	reply, err := a.provider.Chat(ctx, a.ctx.MessagesForAPI(a.supportsSystemRole), nil, a.model)
	if err != nil {
		return result, fmt.Errorf("agent: chat: %w", err)
	}
	a.ctx.AddMessage("assistant", reply.Content)

	if err := a.store.LogTurn(ctx, a.turnID, "user", userMessage, result.RetrievedIDs); err != nil {
		return result, fmt.Errorf("agent: log user turn: %w", err)
	}

	result.Reply = reply.Content
	return result, nil
}

// flush distills the active segment, applies its mutations, snapshots the
// store, resets the context window, and consolidates on schedule. Returns
// whether consolidation ran this flush.
func (a *Agent) flush(ctx context.Context) (bool, error) {
	log := observability.LoggerWithTrace(ctx)

	conversation := a.ctx.ConversationText()
	active, err := a.store.GetActive(ctx)
	if err != nil {
		return false, fmt.Errorf("load active memories: %w", err)
	}

	mutations, err := a.distiller.Distill(ctx, conversation, active, a.segmentStartTurn, a.turnID)
	if err != nil {
		return false, fmt.Errorf("distill: %w", err)
	}

	if err := a.applyMutations(ctx, mutations); err != nil {
		return false, fmt.Errorf("apply mutations: %w", err)
	}

	if err := a.store.WriteSnapshot(ctx, a.turnID); err != nil {
		log.Warn().Err(err).Msg("agent: snapshot write failed, continuing")
	}

	newPrompt, err := a.rebuildSystemPrompt(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("rebuild system prompt: %w", err)
	}
	a.ctx.Reset(newPrompt)

	a.segmentStartTurn = a.turnID
	a.flushCount++

	consolidated := false
	if a.flushCount%a.consolidateEvery == 0 {
		report, err := a.consolidator.Run(ctx, a.turnID)
		if err != nil {
			return false, fmt.Errorf("consolidate: %w", err)
		}
		log.Debug().
			Int("duplicates_merged", report.DuplicatesMerged).
			Int("memories_decayed", report.MemoriesDecayed).
			Int("memories_expired", report.MemoriesExpired).
			Msg("agent: consolidation pass complete")
		consolidated = true
	}

	return consolidated, nil
}

// applyMutations implements the mutation-application rules from SPEC_FULL.md
// §4.6: Add dedups against an identical existing value, Update always
// replaces, Expire deactivates, Keep is a no-op.
func (a *Agent) applyMutations(ctx context.Context, mutations []memory.Mutation) error {
	for _, mut := range mutations {
		switch mut.Action {
		case memory.ActionAdd:
			existing, err := a.store.FindByKey(ctx, mut.Key)
			if err != nil {
				return err
			}
			if existing != nil {
				if memory.SameValue(existing.Value, mut.Value) {
					continue
				}
				if err := a.store.DeactivateByKey(ctx, mut.Key); err != nil {
					return err
				}
			}
			if _, err := a.store.Add(ctx, mut, a.turnID); err != nil {
				return err
			}

		case memory.ActionUpdate:
			if err := a.store.DeactivateByKey(ctx, mut.Key); err != nil {
				return err
			}
			if _, err := a.store.Add(ctx, mut, a.turnID); err != nil {
				return err
			}

		case memory.ActionExpire:
			if err := a.store.DeactivateByKey(ctx, mut.Key); err != nil {
				return err
			}

		case memory.ActionKeep:
			// no-op: the existing memory is left exactly as is.
		}
	}
	return nil
}

// rebuildSystemPrompt renders the profile and the currently retrieved (or,
// outside a turn, none) memories into the system prompt, deduplicating
// retrieved memories already present in the profile projection.
func (a *Agent) rebuildSystemPrompt(ctx context.Context, retrieved []memory.Memory) (string, error) {
	profile, err := a.store.Profile(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are a helpful assistant with long-term memory of this user.\n")

	if len(profile) > 0 {
		b.WriteString("\nWhat you know about the user:\n")
		keys := make([]string, 0, len(profile))
		for k := range profile {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, profile[k])
		}
	}

	var extra []memory.Memory
	for _, m := range retrieved {
		if v, ok := profile[m.Key]; ok && memory.SameValue(v, m.Value) {
			continue
		}
		extra = append(extra, m)
	}
	if len(extra) > 0 {
		b.WriteString("\nRelevant memories for this message:\n")
		for _, m := range extra {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Type, m.Key, m.Value)
		}
	}

	return b.String(), nil
}

// ManualDistill exposes the Distiller directly against an arbitrary
// conversation segment, bypassing the flush schedule. [DOMAIN+] debug
// surface named in SPEC_FULL.md §3.
func (a *Agent) ManualDistill(ctx context.Context, conversation string, startTurn, endTurn int) ([]memory.Mutation, error) {
	active, err := a.store.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	return a.distiller.Distill(ctx, conversation, active, startTurn, endTurn)
}

// AllMemories exposes every memory regardless of active state. [DOMAIN+]
// debug surface named in SPEC_FULL.md §3.
func (a *Agent) AllMemories(ctx context.Context) ([]memory.Memory, error) {
	return a.store.AllMemories(ctx)
}

// CurrentTurn returns the agent's current turn counter, mostly for test
// assertions and REPL status lines.
func (a *Agent) CurrentTurn() int {
	return a.turnID
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
