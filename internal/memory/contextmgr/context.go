// Package contextmgr implements the token-budgeted conversation buffer
// described in SPEC_FULL.md §4.2: it decides when the active segment must be
// flushed and renders messages for the LLM client or for Distiller
// consumption.
//
// Grounded on the pre-distillation source's context.py (field names,
// needs_flush/reset/get_messages_for_api semantics) adapted to Go method
// names, with token counting moved from Python's tiktoken to the Go
// ecosystem's tiktoken-go port of the same cl100k_base BPE encoding so token
// counts match byte-for-byte on the same input.
package contextmgr

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"memoryagent/internal/llm"
)

// roleOverheadTokens is the fixed per-message token cost the original
// prototype adds for role framing, matching its tokeniser's own overhead.
const roleOverheadTokens = 4

type message struct {
	role    string
	content string
}

// Manager holds the current segment: a system prompt plus an append-only
// list of messages, with a running token count.
type Manager struct {
	contextLimit   int
	flushThreshold float64
	keepLastTurns  int

	enc *tiktoken.Tiktoken

	mu             sync.Mutex
	systemPrompt   string
	systemTokens   int
	messages       []message
	messageTokens  int
}

// New constructs a Manager. contextLimit is the model's context window in
// tokens; flushThreshold is the utilisation fraction (default 0.70) at which
// NeedsFlush trips; keepLastTurns is how many trailing messages Reset
// preserves for continuity (default 4).
func New(contextLimit int, flushThreshold float64, keepLastTurns int) (*Manager, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	if contextLimit <= 0 {
		contextLimit = 8192
	}
	if flushThreshold <= 0 {
		flushThreshold = 0.70
	}
	if keepLastTurns <= 0 {
		keepLastTurns = 4
	}
	return &Manager{
		contextLimit:   contextLimit,
		flushThreshold: flushThreshold,
		keepLastTurns:  keepLastTurns,
		enc:            enc,
	}, nil
}

// CountTokens counts tokens in a string via cl100k_base.
func (m *Manager) CountTokens(text string) int {
	return len(m.enc.Encode(text, nil, nil))
}

// TotalTokens is system + messages token count.
func (m *Manager) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemTokens + m.messageTokens
}

// Utilization is total/context_limit.
func (m *Manager) Utilization() float64 {
	if m.contextLimit == 0 {
		return 0
	}
	return float64(m.TotalTokens()) / float64(m.contextLimit)
}

// NeedsFlush reports whether (current_total + incomingTokens) / context_limit
// would reach or exceed flush_threshold.
func (m *Manager) NeedsFlush(incomingTokens int) bool {
	projected := float64(m.TotalTokens() + incomingTokens)
	return projected >= float64(m.contextLimit)*m.flushThreshold
}

// SetSystemPrompt replaces the system prompt and recomputes its token
// contribution.
func (m *Manager) SetSystemPrompt(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemPrompt = text
	m.systemTokens = m.CountTokens(text) + roleOverheadTokens
}

// AddMessage appends a message and updates the running token count.
func (m *Manager) AddMessage(role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message{role: role, content: content})
	m.messageTokens += m.CountTokens(content) + roleOverheadTokens
}

// MessageCount is the number of messages currently buffered.
func (m *Manager) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Reset truncates the message list to the last keepLastTurns messages,
// installs the new system prompt, and recomputes token counts from scratch.
func (m *Manager) Reset(newSystemPrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	carry := m.messages
	if len(carry) > m.keepLastTurns {
		carry = carry[len(carry)-m.keepLastTurns:]
	}
	kept := make([]message, len(carry))
	copy(kept, carry)
	m.messages = kept

	m.systemPrompt = newSystemPrompt
	m.systemTokens = m.CountTokens(newSystemPrompt) + roleOverheadTokens

	total := 0
	for _, msg := range m.messages {
		total += m.CountTokens(msg.content) + roleOverheadTokens
	}
	m.messageTokens = total
}

// MessagesForAPI returns the system + messages list in the LLM client's
// expected shape. For providers that lack a system role, the system content
// is folded into the first user message, separated from it by a blank line.
func (m *Manager) MessagesForAPI(supportsSystemRole bool) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]llm.Message, 0, len(m.messages)+1)
	if m.systemPrompt == "" {
		for _, msg := range m.messages {
			out = append(out, llm.Message{Role: msg.role, Content: msg.content})
		}
		return out
	}

	if supportsSystemRole {
		out = append(out, llm.Message{Role: "system", Content: m.systemPrompt})
		for _, msg := range m.messages {
			out = append(out, llm.Message{Role: msg.role, Content: msg.content})
		}
		return out
	}

	foldedFirst := false
	for _, msg := range m.messages {
		content := msg.content
		if !foldedFirst && msg.role == "user" {
			content = m.systemPrompt + "\n\n" + content
			foldedFirst = true
		}
		out = append(out, llm.Message{Role: msg.role, Content: content})
	}
	if !foldedFirst {
		out = append([]llm.Message{{Role: "user", Content: m.systemPrompt}}, out...)
	}
	return out
}

// ConversationText renders messages as "ROLE: content" separated by blank
// lines, for Distiller consumption.
func (m *Manager) ConversationText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, 0, len(m.messages))
	for _, msg := range m.messages {
		lines = append(lines, strings.ToUpper(msg.role)+": "+msg.content)
	}
	return strings.Join(lines, "\n\n")
}
