package distiller

import "fmt"

// extractionPromptTemplate is pass 1's prompt, reproduced verbatim (modulo
// Go fmt verbs) from the pre-distillation source's DISTILL_PROMPT — the only
// prompt text that survived retrieval intact.
const extractionPromptTemplate = `You are a memory management system. You are given:
1. A conversation segment between a user and an assistant
2. Existing memories from previous segments

Your job: produce an UPDATED memory list.

You may:
- ADD new memories discovered in this conversation
- UPDATE existing memories if new information refines or contradicts them
- KEEP existing memories that are still valid and unchanged
- EXPIRE memories that are clearly no longer true

Rules:
- Only store DURABLE information: preferences, facts, constraints, commitments, entities, long-term instructions
- Only store USER-SPECIFIC facts/preferences (e.g. "User lives in Seattle"). Do NOT store general world knowledge or trivia (e.g. "Paris is capital of France") unless it relates to the user directly.
- Do NOT store ephemeral things: greetings, filler, "ok", "thanks", reactions, questions without answers
- Use canonical snake_case keys (e.g. "preferred_language" not "the language they like")
- Be precise with values
- If the user contradicts an earlier memory, the LATEST statement wins — use UPDATE
- You MAY infer implicit preferences if strongly supported by multiple messages (e.g. user always asks for vegetarian -> dietary_preference: vegetarian)
- Confidence should reflect how explicit and certain the information is: direct statement = 0.95, inferred = 0.7, ambiguous = 0.5

EXISTING MEMORIES:
%s

CONVERSATION SEGMENT (turns %d to %d):
%s

Return ONLY valid JSON with no markdown formatting, no code fences:
{
  "memories": [
    {
      "action": "add|update|keep|expire",
      "type": "preference|fact|commitment|constraint|entity|instruction",
      "category": "language|schedule|personal|work|health|location|dietary|financial|family|tech|communication|travel",
      "key": "canonical_snake_case_key",
      "value": "the actual information",
      "confidence": 0.95
    }
  ]
}`

func extractionPrompt(existingMemories string, startTurn, endTurn int, conversation string) string {
	return fmt.Sprintf(extractionPromptTemplate, existingMemories, startTurn, endTurn, conversation)
}

// validationPromptTemplate is pass 2's prompt. Its exact wording is not
// recoverable from the retained pre-distillation source (only the
// extraction prompt survived retrieval intact); this implementation authors
// it fresh from the three acceptance tests stated normatively in
// SPEC_FULL.md §4.3.
const validationPromptTemplate = `You are the strict validation pass of a memory management system. A liberal
first pass has already proposed candidate memories from a conversation; your
job is to reject anything that should not be stored long-term.

Apply exactly these three tests to each candidate:
1. User-specificity: would this fact differ if a different user had the same
   conversation? If not (it's general knowledge or trivia), reject it.
2. Durability: is this still true in future conversations, or is it
   transient (true only in this moment, e.g. "the user is tired right now")?
   If transient, reject it.
3. Personal vs meta: does this describe who the user IS (a preference, fact,
   constraint, commitment, entity, or instruction about them), or merely
   what happened in the conversation (a question asked, a topic discussed)?
   If it's merely meta, reject it.

CANDIDATES:
%s

CONVERSATION:
%s

Return ONLY valid JSON with no markdown formatting, no code fences:
{
  "validations": [
    {"key": "candidate_key", "verdict": "accept|reject", "reason": "short reason"}
  ]
}`

func validationPrompt(candidatesJSON, conversation string) string {
	return fmt.Sprintf(validationPromptTemplate, candidatesJSON, conversation)
}
